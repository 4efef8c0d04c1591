package shortlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Analytics 統計查詢服務（讀時合併）
//
// 一致性模型：
//
//	任何連結的總訪問數 = 帳本行數（已落盤）+ 即時計數器（未落盤）
//
// 帳本是持久化的歷史，計數器是上次落盤以來的尾部；
// 兩者分開標示返回，調用方可見統計的「新鮮度」。
//
// 計數器讀取失敗時降級為只返回帳本部分（統計寧可暫時偏低，
// 不能因 Redis 故障而整個查詢失敗）。
type Analytics struct {
	redis  *redis.Client
	store  Store
	logger *slog.Logger
}

// NewAnalytics 創建統計服務
func NewAnalytics(rdb *redis.Client, store Store, logger *slog.Logger) *Analytics {
	return &Analytics{redis: rdb, store: store, logger: logger}
}

// recentVisitLimit 單連結統計返回的最近訪問明細條數
const recentVisitLimit = 10

// dayWindow 按日分組的時間窗口（含今天共 7 天）
const dayWindow = 7

// LinkAnalytics 單條連結的統計
//
// 權限：連結有擁有者時，只有擁有者可查（requesterID 不匹配 → ErrUnauthorized）；
// 匿名連結任何人可查。
func (a *Analytics) LinkAnalytics(ctx context.Context, linkID int64, requesterID string) (*LinkAnalytics, error) {
	link, err := a.store.FindByID(ctx, linkID)
	if err != nil {
		return nil, err
	}
	if link.OwnerID != "" && link.OwnerID != requesterID {
		return nil, ErrUnauthorized
	}

	settled, err := a.store.CountVisits(ctx, linkID)
	if err != nil {
		return nil, fmt.Errorf("count settled visits: %w", err)
	}

	realtime := a.liveCount(ctx, link.Code)

	recent, err := a.store.RecentVisits(ctx, linkID, recentVisitLimit)
	if err != nil {
		return nil, fmt.Errorf("recent visits: %w", err)
	}

	byDay, err := a.visitsByDay(ctx, linkID, realtime)
	if err != nil {
		return nil, err
	}

	return &LinkAnalytics{
		TotalVisits:    settled + realtime,
		SettledVisits:  settled,
		RealtimeVisits: realtime,
		RecentVisits:   recent,
		VisitsByDay:    byDay,
	}, nil
}

// visitsByDay 最近 7 個自然日（UTC）的訪問分佈
//
// 今天的桶 = 帳本中今天已落盤的行數 + 即時計數器。
// 計數器只可能屬於「現在附近」的訪問——加到今天的桶是加法合併，
// 絕不覆蓋帳本已有的部分。
func (a *Analytics) visitsByDay(ctx context.Context, linkID int64, realtime int64) ([]DayCount, error) {
	now := time.Now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	from := today.AddDate(0, 0, -(dayWindow - 1))
	to := today.AddDate(0, 0, 1)

	settled, err := a.store.VisitsByDay(ctx, linkID, from, to)
	if err != nil {
		return nil, fmt.Errorf("visits by day: %w", err)
	}

	// 固定輸出 7 個桶（按日期升序），沒有訪問的日子填 0
	buckets := make([]DayCount, 0, dayWindow)
	for i := 0; i < dayWindow; i++ {
		day := from.AddDate(0, 0, i)
		date := day.Format("2006-01-02")

		visits := settled[date]
		if day.Equal(today) {
			visits += realtime
		}

		buckets = append(buckets, DayCount{Date: date, Visits: visits})
	}

	return buckets, nil
}

// UserAnalytics 用戶級統計：連結總數、合併後的總訪問數、最近連結摘要
//
// 總訪問數的兩個部分範圍必須一致：帳本部分覆蓋用戶的全部連結，
// 即時部分也必須覆蓋全部連結的計數器（Pipeline 一次往返）。
// 只彙總最近幾條會漏掉窗口之外連結的未落盤計數，
// 總數甚至可能隨新連結創建而倒退。最近列表只用於摘要展示。
func (a *Analytics) UserAnalytics(ctx context.Context, ownerID string) (*UserAnalytics, error) {
	totalLinks, err := a.store.CountLinksByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("count user links: %w", err)
	}

	settledTotal, err := a.store.CountVisitsByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("count user visits: %w", err)
	}

	// 全部短碼的即時計數器
	codes, err := a.store.CodesByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list user codes: %w", err)
	}
	liveByCode := a.liveCounts(ctx, codes)

	var liveTotal int64
	for _, live := range liveByCode {
		liveTotal += live
	}

	recent, err := a.store.ListLinks(ctx, ownerID, recentVisitLimit)
	if err != nil {
		return nil, fmt.Errorf("list user links: %w", err)
	}

	// 最近連結的已落盤計數，一次批量查詢
	ids := make([]int64, len(recent))
	for i, link := range recent {
		ids[i] = link.ID
	}
	settledByLink, err := a.store.VisitCounts(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("visit counts: %w", err)
	}

	summaries := make([]LinkSummary, 0, len(recent))
	for _, link := range recent {
		summaries = append(summaries, LinkSummary{
			ID:        link.ID,
			Code:      link.Code,
			Target:    link.Target,
			CreatedAt: link.CreatedAt,
			Visits:    settledByLink[link.ID] + liveByCode[link.Code],
		})
	}

	return &UserAnalytics{
		TotalLinks:  totalLinks,
		TotalVisits: settledTotal + liveTotal,
		RecentLinks: summaries,
	}, nil
}

// QueueDiagnostics 隊列運維視圖
//
// 只讀：LLEN 取長度、LRANGE 窺視隊首樣本（不出隊）、SCAN 列出計數器。
// 任何操作都不改變管線狀態，可在生產環境隨時調用。
func (a *Analytics) QueueDiagnostics(ctx context.Context) (*QueueDiagnostics, error) {
	length, err := a.redis.LLen(ctx, queueKey).Result()
	if err != nil {
		return nil, fmt.Errorf("queue length: %w", err)
	}

	// 隊首樣本：LRANGE 只讀不移除
	payloads, err := a.redis.LRange(ctx, queueKey, 0, 4).Result()
	if err != nil {
		return nil, fmt.Errorf("peek queue: %w", err)
	}

	events := make([]VisitEvent, 0, len(payloads))
	for _, payload := range payloads {
		var event VisitEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			continue
		}
		events = append(events, event)
	}

	counters, err := a.scanCounters(ctx)
	if err != nil {
		return nil, err
	}

	return &QueueDiagnostics{
		QueueLength:   length,
		PendingEvents: events,
		LiveCounters:  counters,
	}, nil
}

// scanCounters SCAN 遍歷即時計數器（游標式，不阻塞 Redis）
func (a *Analytics) scanCounters(ctx context.Context) (map[string]int64, error) {
	counters := make(map[string]int64)

	var cursor uint64
	for {
		keys, next, err := a.redis.Scan(ctx, cursor, counterPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan counters: %w", err)
		}

		for _, key := range keys {
			if !isCounterKey(key) {
				continue
			}
			value, err := a.redis.Get(ctx, key).Result()
			if err != nil {
				// 鍵可能在 SCAN 與 GET 之間被落盤刪除，跳過即可
				continue
			}
			count, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				continue
			}
			counters[strings.TrimPrefix(key, counterPrefix)] = count
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return counters, nil
}

// liveCount 讀取單個連結的即時計數器，失敗降級為 0
func (a *Analytics) liveCount(ctx context.Context, code string) int64 {
	value, err := a.redis.Get(ctx, counterKey(code)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			a.logger.Warn("live counter read failed, reporting settled only", "code", code, "error", err)
		}
		return 0
	}

	count, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0
	}
	return count
}

// liveCounts 批量讀取多個短碼的即時計數器（Pipeline 一次往返）
func (a *Analytics) liveCounts(ctx context.Context, codes []string) map[string]int64 {
	result := make(map[string]int64, len(codes))
	if len(codes) == 0 {
		return result
	}

	pipe := a.redis.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(codes))
	for _, code := range codes {
		cmds[code] = pipe.Get(ctx, counterKey(code))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		a.logger.Warn("live counter pipeline failed, reporting settled only", "error", err)
	}

	for code, cmd := range cmds {
		value, err := cmd.Result()
		if err != nil {
			continue
		}
		if count, err := strconv.ParseInt(value, 10, 64); err == nil {
			result[code] = count
		}
	}

	return result
}
