// Package base62 提供 Base62 編碼與解碼
//
// 字符集：0-9, A-Z, a-z（共 62 個字符）
// 相比 Base64 不含 URL 特殊字符（+ 和 /），編碼結果可直接作為短碼使用，
// 也落在短碼允許的字符集 [A-Za-z0-9_-] 之內。
package base62

import (
	"errors"
	"math"
)

const base62Chars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

const base = 62

var (
	// ErrInvalidCharacter 當輸入包含非 Base62 字符時返回
	ErrInvalidCharacter = errors.New("invalid character in base62 string")

	// ErrOverflow 當解碼結果超出 uint64 範圍時返回
	ErrOverflow = errors.New("decoded value exceeds uint64 range")
)

// charToValue 字符 → 數值（0-61）查表，O(1)
var charToValue = func() map[byte]uint64 {
	m := make(map[byte]uint64, base)
	for i := range base62Chars {
		m[base62Chars[i]] = uint64(i)
	}
	return m
}()

// Encode 將 uint64 編碼為 Base62 字符串
//
// 範例：
//	Encode(0)         → "0"
//	Encode(62)        → "10"
//	Encode(123456789) → "8M0kX"
//
// 64 位整數最長編碼 11 個字符，天然滿足短碼 ≤ 12 字符的限制。
func Encode(num uint64) string {
	if num == 0 {
		return "0"
	}

	// 預估長度，避免重複分配
	estimatedLen := int(math.Log10(float64(num))/math.Log10(base)) + 1
	result := make([]byte, 0, estimatedLen)

	// 反復除以 62 取餘數，低位在前
	for num > 0 {
		result = append(result, base62Chars[num%base])
		num /= base
	}

	// 反轉為高位在前
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}

	return string(result)
}

// Decode 將 Base62 字符串解碼為 uint64
//
// 空字符串解碼為 0；非法字符返回 ErrInvalidCharacter。
func Decode(str string) (uint64, error) {
	var result uint64

	for i := 0; i < len(str); i++ {
		value, ok := charToValue[str[i]]
		if !ok {
			return 0, ErrInvalidCharacter
		}

		// result = result*62 + value，帶溢出檢查
		if result > (math.MaxUint64-value)/base {
			return 0, ErrOverflow
		}
		result = result*base + value
	}

	return result, nil
}
