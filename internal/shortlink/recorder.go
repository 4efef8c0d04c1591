package shortlink

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// VisitMeta 一次訪問的請求元數據
//
// IP 是唯一的敏感欄位：Recorder 在任何存儲或傳輸之前先做單向哈希，
// 原始地址不會出現在 Redis 或 PostgreSQL 中。
type VisitMeta struct {
	IP        string
	UserAgent string
	Referer   string
}

// Recorder 訪問記錄器（fire-and-forget）
//
// 系統設計考量：
//
//  1. 為什麼異步？
//     重定向響應已經（或即將）發出，統計絕不能拖慢或搞掛它。
//     調用方不持有任務句柄、不等待結果；所有錯誤在這裡被吞掉並記日誌。
//
//  2. 兩個寫入動作：
//     a) INCR visits:{code}   —— 即時計數器（原子，多寫者安全）
//     b) RPUSH visits:queue   —— 事件入隊（所有短碼共用一條隊列）
//     兩者各自帶有限次重試；全部失敗時這次訪問丟失（統計盡力而為）
//
//  3. 為什麼不用 goroutine 洪泛？
//     每次訪問一個 goroutine，但受 WaitGroup 追蹤，
//     關停時等待在途任務完成（隊列不丟已接受的事件）
type Recorder struct {
	redis      *redis.Client
	maxRetries int
	retryDelay time.Duration
	timeout    time.Duration
	logger     *slog.Logger

	wg sync.WaitGroup
}

// NewRecorder 創建記錄器
func NewRecorder(rdb *redis.Client, maxRetries int, retryDelay, timeout time.Duration, logger *slog.Logger) *Recorder {
	if maxRetries <= 0 {
		maxRetries = 2
	}
	if timeout == 0 {
		timeout = 3 * time.Second
	}

	return &Recorder{
		redis:      rdb,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		timeout:    timeout,
		logger:     logger,
	}
}

// Record 記錄一次訪問（立即返回，不阻塞調用方）
//
// linkID 可為 0（快取條目未攜帶 ID 時），由 Flusher 落盤前補齊。
func (r *Recorder) Record(code string, linkID int64, meta VisitMeta) {
	event := VisitEvent{
		Code:       code,
		LinkID:     linkID,
		OccurredAt: time.Now().UTC(),
		UserAgent:  meta.UserAgent,
		Referer:    meta.Referer,
		IPHash:     HashIP(meta.IP),
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		// 獨立的超時上下文：不受原請求取消影響
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		r.record(ctx, event)
	}()
}

// record 執行計數與入隊，各自帶有限次重試
func (r *Recorder) record(ctx context.Context, event VisitEvent) {
	incrErr := r.retry(ctx, func() error {
		return r.redis.Incr(ctx, counterKey(event.Code)).Err()
	})
	if incrErr != nil {
		r.logger.Error("visit counter increment failed", "code", event.Code, "error", incrErr)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		// 理論上不可能（結構體固定），防禦性處理
		r.logger.Error("visit event marshal failed", "code", event.Code, "error", err)
		return
	}

	pushErr := r.retry(ctx, func() error {
		return r.redis.RPush(ctx, queueKey, payload).Err()
	})
	if pushErr != nil {
		r.logger.Error("visit event enqueue failed", "code", event.Code, "error", pushErr)
	}

	// 兩者都失敗 = 這次訪問徹底丟失；只告警，絕不向重定向調用方傳播
	if incrErr != nil && pushErr != nil {
		r.logger.Error("visit lost: counter and queue both unavailable", "code", event.Code)
	}
}

// retry 有限次重試（瞬態 Redis 錯誤）
//
// 只在還有下一次嘗試時等待退避間隔；最後一次失敗立即返回，
// 不白佔 goroutine 的超時預算。
func (r *Recorder) retry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if attempt >= r.maxRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(r.retryDelay):
		}
	}
}

// Wait 等待所有在途記錄任務完成（測試與關停用）
func (r *Recorder) Wait() {
	r.wg.Wait()
}

// HashIP 客戶端 IP 的單向摘要（SHA-256 十六進制）
//
// 空 IP 返回空串（帳本中存 NULL）。
func HashIP(ip string) string {
	if ip == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:])
}
