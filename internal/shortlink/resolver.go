package shortlink

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// cacheEntry 快取中的連結條目
//
// 同時攜帶 target 與 link_id：重定向命中快取時，訪問事件可以直接帶上
// link_id，省去落盤時按短碼反查目錄的開銷。
type cacheEntry struct {
	Target string `json:"target"`
	LinkID int64  `json:"link_id"`
}

// Resolver 重定向解析器（Cache-Aside 模式）
//
// 讀取路徑：
//  1. 查 Redis（O(1)，< 1ms）
//  2. Cache Miss → 查目錄（PostgreSQL）
//  3. 回填快取（盡力而為，失敗不影響重定向）
//
// 系統設計考量：
//
//  1. 只快取存在的短碼：
//     未知短碼直接返回 NotFound，不留下任何快取或計數痕跡
//
//  2. 失效而非更新：
//     重命名/刪除時由 Service 刪除快取鍵，
//     下次訪問按需回填（避免雙寫不一致）
//
//  3. 超時與降級：
//     熱路徑上的 Redis 調用帶短超時；Redis 故障時直接讀資料庫，
//     只有資料庫也失敗才對用戶可見
type Resolver struct {
	redis     *redis.Client
	directory Directory
	ttl       time.Duration
	logger    *slog.Logger
}

// cacheOpTimeout 熱路徑上單次快取操作的超時
//
// 快取必須比資料庫快才有意義；慢於這個值就當 Miss 處理。
const cacheOpTimeout = 200 * time.Millisecond

// NewResolver 創建解析器
func NewResolver(rdb *redis.Client, directory Directory, ttl time.Duration, logger *slog.Logger) *Resolver {
	if ttl == 0 {
		ttl = time.Hour
	}

	return &Resolver{
		redis:     rdb,
		directory: directory,
		ttl:       ttl,
		logger:    logger,
	}
}

// Resolve 將短碼解析為目標 URL 與連結 ID
//
// 返回：
//   - target：目標 URL
//   - linkID：連結 ID（供訪問記錄使用）
//   - ErrNotFound：短碼不存在（不產生任何快取或計數副作用）
//
// 快取層的任何失敗都降級為資料庫讀取，絕不因快取故障而失敗。
func (r *Resolver) Resolve(ctx context.Context, code string) (string, int64, error) {
	// 1. 查詢快取（帶短超時，失敗當 Miss）
	cacheCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	data, err := r.redis.Get(cacheCtx, cacheKey(code)).Result()
	cancel()

	if err == nil {
		var entry cacheEntry
		if err := json.Unmarshal([]byte(data), &entry); err == nil {
			return entry.Target, entry.LinkID, nil
		}
		// 解析失敗視為 Miss，走資料庫並覆蓋壞條目
	} else if !errors.Is(err, redis.Nil) {
		r.logger.Warn("cache read failed, falling back to directory", "code", code, "error", err)
	}

	// 2. Cache Miss → 查目錄
	link, err := r.directory.FindByCode(ctx, code)
	if err != nil {
		return "", 0, err
	}

	// 3. 回填快取（異步，不阻塞重定向返回）
	payload, _ := json.Marshal(cacheEntry{Target: link.Target, LinkID: link.ID})
	go r.populate(code, string(payload))

	return link.Target, link.ID, nil
}

// populate 寫入快取條目，失敗只記錄日誌
func (r *Resolver) populate(code, payload string) {
	ctx, cancel := context.WithTimeout(context.Background(), cacheOpTimeout)
	defer cancel()

	if err := r.redis.Set(ctx, cacheKey(code), payload, r.ttl).Err(); err != nil {
		r.logger.Warn("cache populate failed", "code", code, "error", err)
	}
}
