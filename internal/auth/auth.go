// Package auth 實現基於 JWT（HMAC-SHA256）的請求身份識別
//
// 設計邊界：
//   - 身份只用於劃分連結擁有權與統計視圖，不是訪問控制系統
//   - 重定向路徑完全不經過本包（匿名訪問是常態）
//   - 無狀態驗證：簽名自包含，不查資料庫、不維護會話
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken 當令牌缺失、過期或簽名無效時返回
var ErrInvalidToken = errors.New("invalid or expired token")

// Verifier 驗證請求攜帶的身份令牌
//
// handler 層依賴此接口而非具體實現，測試時可替換為固定身份的 stub。
type Verifier interface {
	// Verify 驗證令牌並返回其標識的用戶 ID
	Verify(token string) (string, error)
}

// tokenTTL 簽發令牌的有效期
const tokenTTL = 24 * time.Hour

// JWT 基於 HMAC-SHA256 的令牌簽發與驗證
type JWT struct {
	secret []byte
}

// NewJWT 創建 JWT 服務（secret 為 HMAC 簽名密鑰）
func NewJWT(secret string) *JWT {
	return &JWT{secret: []byte(secret)}
}

// Issue 為用戶簽發令牌
func (j *JWT) Issue(userID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(j.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	return signed, nil
}

// Verify 驗證令牌簽名與有效期，返回用戶 ID
//
// 算法固定為 HS256——拒絕其他算法防止算法替換攻擊。
func (j *JWT) Verify(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return j.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", ErrInvalidToken
	}

	return claims.Subject, nil
}
