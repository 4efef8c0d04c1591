package shortlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Flusher 批量落盤 worker
//
// 職責：按固定週期（或手動觸發）將 visits:queue 中的事件轉為帳本行，
// 並在事務確認提交後結算對應的即時計數器。
//
// 正確性性質：
//
//  1. 同一時刻至多一次落盤：
//     進程內 atomic.Bool + 跨實例 Redis SETNX 租約（帶 TTL）。
//     多實例部署同一定時器時，只有持有租約的實例排空隊列。
//
//  2. 原子出隊：
//     LPOP key count 一步完成「返回並移除隊首 N 條」。
//     絕不使用「LRANGE 讀全量再 LTRIM 裁剪」——兩步之間的併發寫入
//     會因列表索引移位而被悄悄裁掉（lost-write race）。
//
//  3. 事務性落盤：
//     整批單一事務 + insert-or-ignore；失敗重試有限次（指數退避），
//     最終失敗時把本批原始負載推回隊列，下個週期無損重試。
//
//  4. 結算而非清零：
//     計數器是按短碼聚合的，出隊後可能又有新訪問到達，
//     因此只按本次提交的精確數量原子遞減（Lua 腳本，下限為 0），
//     絕不無條件 SET 0。
type Flusher struct {
	redis     *redis.Client
	store     Store
	logger    *slog.Logger
	lockToken string

	batchSize   int
	maxAttempts int
	retryDelay  time.Duration
	lockTTL     time.Duration

	// 進程內互斥：定時觸發與手動觸發重疊時，後來者直接放棄
	running atomic.Bool

	// 連續失敗計數（達到閾值時升級為告警日誌）
	failures       atomic.Int32
	alertThreshold int32
}

// settleScript 原子遞減計數器，下限為 0
//
// 為什麼不用 DECRBY？
//   計數器鍵可能已被刪除（連結刪除、運維清理），
//   DECRBY 會把不存在的鍵減成負數；Lua 保證結果不為負，
//   且歸零後順手刪除鍵（節省內存）。
var settleScript = redis.NewScript(`
	local key = KEYS[1]
	local amount = tonumber(ARGV[1])
	local current = tonumber(redis.call('GET', key) or 0)
	local remaining = math.max(0, current - amount)
	if remaining > 0 then
		redis.call('SET', key, remaining)
	else
		redis.call('DEL', key)
	end
	return remaining
`)

// releaseScript 釋放租約（只刪除自己持有的）
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// NewFlusher 創建落盤 worker
//
// lockToken 標識本實例（如 hostname+pid），用於租約的安全釋放。
func NewFlusher(rdb *redis.Client, store Store, lockToken string,
	batchSize, maxAttempts int, retryDelay, lockTTL time.Duration,
	alertThreshold int, logger *slog.Logger,
) *Flusher {
	if batchSize <= 0 {
		batchSize = 500
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if lockTTL == 0 {
		lockTTL = time.Minute
	}

	return &Flusher{
		redis:          rdb,
		store:          store,
		logger:         logger,
		lockToken:      lockToken,
		batchSize:      batchSize,
		maxAttempts:    maxAttempts,
		retryDelay:     retryDelay,
		lockTTL:        lockTTL,
		alertThreshold: int32(alertThreshold),
	}
}

// Run 定時循環，直到 ctx 取消
func (f *Flusher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := f.Flush(ctx); err != nil {
				// Flush 內部已記錄細節；週期循環只管繼續
				f.logger.Warn("scheduled flush failed, queue preserved for next tick", "error", err)
			}
		}
	}
}

// Flush 執行一次落盤，返回成功落盤的事件數
//
// 已有落盤在進行（本進程或其他實例）時為 no-op，返回 (0, nil)。
func (f *Flusher) Flush(ctx context.Context) (int, error) {
	// 進程內互斥
	if !f.running.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer f.running.Store(false)

	// 跨實例租約
	acquired, err := f.redis.SetNX(ctx, flushLockKey, f.lockToken, f.lockTTL).Result()
	if err != nil {
		return 0, fmt.Errorf("acquire flush lease: %w", err)
	}
	if !acquired {
		return 0, nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, f.redis, []string{flushLockKey}, f.lockToken).Err(); err != nil {
			// 租約帶 TTL，釋放失敗只是延遲下一次落盤
			f.logger.Warn("flush lease release failed", "error", err)
		}
	}()

	total := 0
	for {
		out, err := f.flushBatch(ctx)
		if err != nil {
			f.recordFailure(err)
			return total, err
		}
		total += out.committed
		if out.dequeued == 0 {
			break
		}
		// 整批都因目錄不可用被推回隊尾：繼續循環只會原地打轉，
		// 留給下個週期（屆時目錄可能已恢復）
		if out.committed == 0 && out.deferred > 0 {
			break
		}
	}

	f.failures.Store(0)
	if total > 0 {
		f.logger.Info("visit queue flushed", "events", total)
	}
	return total, nil
}

// batchOutcome 一批的處理結果
//
// 出隊數與提交數分開：一批可能全是壞負載或已刪連結的事件
// （提交 0 條），但隊列後面還有正常事件等著——排空循環據此
// 判斷是否繼續，不能把「本批沒落盤」誤讀為「隊列已空」。
type batchOutcome struct {
	dequeued  int // 本批出隊的負載數
	committed int // 事務確認提交的事件數
	deferred  int // 因目錄暫不可用而推回隊尾的負載數
}

// flushBatch 處理一批：原子出隊 → 補齊連結 ID → 事務落盤 → 結算計數器
func (f *Flusher) flushBatch(ctx context.Context) (batchOutcome, error) {
	// 原子出隊：返回並移除隊首至多 batchSize 條。
	// 併發的 RPUSH 追加到隊尾，不受影響。
	payloads, err := f.redis.LPopCount(ctx, queueKey, f.batchSize).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return batchOutcome{}, nil
		}
		return batchOutcome{}, fmt.Errorf("dequeue visit events: %w", err)
	}
	if len(payloads) == 0 {
		return batchOutcome{}, nil
	}

	out := batchOutcome{dequeued: len(payloads)}
	records, settle, deferred := f.prepare(ctx, payloads)

	if len(records) == 0 {
		// 本批沒有可落盤的內容：被延遲的負載推回隊尾，其餘已丟棄
		f.requeue(deferred)
		out.deferred = len(deferred)
		return out, nil
	}

	// 事務落盤，有限次重試（指數退避）
	var inserted int64
	var insertErr error
	delay := f.retryDelay
	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		inserted, insertErr = f.store.InsertVisits(ctx, records)
		if insertErr == nil {
			break
		}
		f.logger.Warn("visit batch insert failed",
			"attempt", attempt,
			"max_attempts", f.maxAttempts,
			"events", len(records),
			"error", insertErr)

		if attempt < f.maxAttempts {
			select {
			case <-ctx.Done():
				insertErr = ctx.Err()
				attempt = f.maxAttempts
			case <-time.After(delay):
				delay *= 2
			}
		}
	}

	if insertErr != nil {
		// 事務未提交：把本批原始負載完整推回隊列（無損，下個週期重試）。
		// 被延遲的負載也在其中，隨整批只推回這一次——同一事件在隊列裡
		// 絕不出現兩份，否則結算時一次訪問會被扣兩次。
		// 順序移到隊尾無妨——批內事件本就不保證處理順序。
		f.requeue(payloads)
		return out, fmt.Errorf("insert visit batch: %w", insertErr)
	}

	// 只有事務確認提交後才結算計數器
	for code, amount := range settle {
		if err := settleScript.Run(ctx, f.redis, []string{counterKey(code)}, amount).Err(); err != nil {
			// 結算失敗只會讓計數器暫時偏高（重複反映），
			// 不丟數據；記錄後繼續處理其餘短碼
			f.logger.Error("counter settle failed", "code", code, "amount", amount, "error", err)
		}
	}

	// 目錄暫時解析不到的事件推回隊尾，下批重試
	f.requeue(deferred)
	out.deferred = len(deferred)
	out.committed = len(records)

	f.logger.Debug("visit batch committed",
		"dequeued", len(payloads),
		"inserted", inserted,
		"deduplicated", int64(len(records))-inserted,
		"deferred", len(deferred))

	return out, nil
}

// prepare 解析負載並補齊連結 ID
//
// 返回可落盤的記錄、每個短碼應結算的計數（只含將被提交的事件），
// 以及因目錄暫時不可用而需要推回隊列的原始負載。
// 無法解析的負載與連結已刪除的事件被丟棄並記錄——絕不讓單個壞事件
// 阻塞整批。
//
// 推回隊列統一由調用方在批次收尾時執行：prepare 自己不入隊。
// 若在這裡就推回、事後落盤又失敗整批重推，同一負載會入隊兩份。
func (f *Flusher) prepare(ctx context.Context, payloads []string) ([]VisitRecord, map[string]int64, []string) {
	records := make([]VisitRecord, 0, len(payloads))
	settle := make(map[string]int64)
	var deferred []string

	// 批內解析快取：同一短碼只查一次目錄
	resolved := make(map[string]int64)
	missing := make(map[string]bool)
	unavailable := make(map[string]bool)

	for _, payload := range payloads {
		var event VisitEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			f.logger.Error("malformed visit event dropped", "payload", payload, "error", err)
			continue
		}

		linkID := event.LinkID
		if linkID == 0 {
			if missing[event.Code] {
				continue
			}
			if unavailable[event.Code] {
				deferred = append(deferred, payload)
				continue
			}
			if id, ok := resolved[event.Code]; ok {
				linkID = id
			} else {
				link, err := f.store.FindByCode(ctx, event.Code)
				if err != nil {
					if errors.Is(err, ErrNotFound) {
						// 短碼在入隊後被刪除：丟棄事件
						f.logger.Warn("visit event dropped, link no longer exists", "code", event.Code)
						missing[event.Code] = true
						continue
					}
					// 目錄暫時不可用：事件丟棄風險太高，
					// 標記為延遲，由批次收尾決定如何推回
					f.logger.Warn("link resolution failed, event deferred", "code", event.Code, "error", err)
					unavailable[event.Code] = true
					deferred = append(deferred, payload)
					continue
				}
				resolved[event.Code] = link.ID
				linkID = link.ID
			}
		}

		records = append(records, VisitRecord{
			LinkID:    linkID,
			VisitedAt: event.OccurredAt,
			IPHash:    event.IPHash,
			UserAgent: event.UserAgent,
			Referer:   event.Referer,
		})
		settle[event.Code]++
	}

	return records, settle, deferred
}

// requeue 把原始負載推回隊列（落盤失敗時的無損回退）
func (f *Flusher) requeue(payloads []string) {
	if len(payloads) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	values := make([]any, len(payloads))
	for i, p := range payloads {
		values[i] = p
	}

	if err := f.redis.RPush(ctx, queueKey, values...).Err(); err != nil {
		// 最壞情況：Redis 同時不可用，事件丟失。
		// 原始負載記入日誌，供運維手工恢復。
		f.logger.Error("requeue failed, events may be lost",
			"count", len(payloads),
			"payloads", payloads,
			"error", err)
	}
}

// recordFailure 累計連續失敗，達到閾值時升級為告警
func (f *Flusher) recordFailure(err error) {
	n := f.failures.Add(1)
	if f.alertThreshold > 0 && n >= f.alertThreshold {
		f.logger.Error("ALERT: flush failing repeatedly, ledger falling behind",
			"consecutive_failures", n,
			"error", err)
	}
}
