package shortlink

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koopa0/shortlink/pkg/base62"
	"github.com/koopa0/shortlink/pkg/snowflake"
)

// codePattern 短碼格式：1-12 個 URL-safe 字符
var codePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,12}$`)

// Service 連結生命週期管理
//
// 系統設計考量：
//
//  1. 短碼生成：
//     Snowflake ID → Base62 編碼。ID 全局唯一，編碼後 ≤ 11 字符，
//     無需「生成-查重-重試」循環（碰撞在構造上不可能）。
//
//  2. 快取維護採用失效而非更新：
//     重命名/刪除時刪除舊快取鍵，下次訪問按需回填。
//     雙寫（同時更新資料庫與快取）在併發下會產生不一致窗口。
//
//  3. 刪除的邊界：
//     刪除連結清理快取條目與即時計數器，但帳本行保留——
//     歷史統計是不可變事實，不隨目錄條目消失。
type Service struct {
	redis     *redis.Client
	directory Directory
	generator *snowflake.Generator
	logger    *slog.Logger
}

// NewService 創建連結服務
func NewService(rdb *redis.Client, directory Directory, generator *snowflake.Generator, logger *slog.Logger) *Service {
	return &Service{
		redis:     rdb,
		directory: directory,
		generator: generator,
		logger:    logger,
	}
}

// Shorten 創建短連結
//
// customCode 為空時自動生成（Snowflake + Base62）；
// 指定時校驗格式並由 UNIQUE 約束拒絕重複（ErrCodeExists）。
func (s *Service) Shorten(ctx context.Context, target, customCode, ownerID string) (*Link, error) {
	if err := validateTarget(target); err != nil {
		return nil, err
	}

	id, err := s.generator.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate link id: %w", err)
	}

	code := customCode
	if code == "" {
		code = base62.Encode(uint64(id))
	} else if !codePattern.MatchString(code) {
		return nil, ErrInvalidCode
	}

	link := &Link{
		ID:        id,
		Code:      code,
		Target:    target,
		OwnerID:   ownerID,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.directory.SaveLink(ctx, link); err != nil {
		return nil, err
	}

	s.logger.Info("link created", "code", link.Code, "id", link.ID)
	return link, nil
}

// Get 按 ID 查詢連結（帶擁有者檢查）
func (s *Service) Get(ctx context.Context, id int64, requesterID string) (*Link, error) {
	link, err := s.directory.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if link.OwnerID != "" && link.OwnerID != requesterID {
		return nil, ErrUnauthorized
	}
	return link, nil
}

// List 列出用戶的連結（ownerID 為空時列出匿名視圖）
func (s *Service) List(ctx context.Context, ownerID string, limit int) ([]Link, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.directory.ListLinks(ctx, ownerID, limit)
}

// Rename 重命名短碼
//
// 舊短碼的快取條目與計數器鍵立即失效：
//   - 快取：舊碼不應再解析成功
//   - 計數器：未落盤計數跟隨短碼遷移到新鍵，統計不因重命名丟失
func (s *Service) Rename(ctx context.Context, id int64, newCode, requesterID string) (*Link, error) {
	if !codePattern.MatchString(newCode) {
		return nil, ErrInvalidCode
	}

	link, err := s.directory.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if link.OwnerID != "" && link.OwnerID != requesterID {
		return nil, ErrUnauthorized
	}

	oldCode := link.Code
	if oldCode == newCode {
		return link, nil
	}

	if err := s.directory.UpdateCode(ctx, id, newCode); err != nil {
		return nil, err
	}

	// 快取失效 + 計數器遷移（盡力而為：Redis 故障時舊條目靠 TTL 過期）
	if err := s.redis.Del(ctx, cacheKey(oldCode)).Err(); err != nil {
		s.logger.Warn("stale cache entry not removed", "code", oldCode, "error", err)
	}
	if err := s.redis.Rename(ctx, counterKey(oldCode), counterKey(newCode)).Err(); err != nil {
		// 計數器不存在（沒有未落盤訪問）時 Rename 報錯，屬正常情況
		s.logger.Debug("counter not migrated", "from", oldCode, "to", newCode, "error", err)
	}

	link.Code = newCode
	s.logger.Info("link renamed", "id", id, "from", oldCode, "to", newCode)
	return link, nil
}

// Delete 刪除連結
//
// 清理範圍：目錄行、快取條目、即時計數器。
// 帳本行保留；隊列中尚未落盤的該碼事件由 Flusher 在解析時發現
// 連結已刪除並丟棄。
func (s *Service) Delete(ctx context.Context, id int64, requesterID string) error {
	link, err := s.directory.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if link.OwnerID != "" && link.OwnerID != requesterID {
		return ErrUnauthorized
	}

	if err := s.directory.DeleteLink(ctx, id); err != nil {
		return err
	}

	if err := s.redis.Del(ctx, cacheKey(link.Code), counterKey(link.Code)).Err(); err != nil {
		s.logger.Warn("cache cleanup failed after delete", "code", link.Code, "error", err)
	}

	s.logger.Info("link deleted", "id", id, "code", link.Code)
	return nil
}

// validateTarget 校驗目標 URL（必須是絕對的 http/https 地址）
func validateTarget(target string) error {
	u, err := url.Parse(target)
	if err != nil {
		return ErrInvalidURL
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidURL
	}
	return nil
}
