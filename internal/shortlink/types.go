// Package shortlink 實現短網址服務的核心管線
//
// 系統設計問題：
//
//	如何在不增加重定向延遲的前提下，記錄訪問流量並保證統計最終準確？
//
// 核心挑戰：
//  1. 重定向是最高頻操作，P99 延遲必須低 → 不能同步寫資料庫
//  2. 統計不能丟：隊列中的事件在落盤前必須保留
//  3. 併發排空：排空隊列與併發寫入不能互相丟失事件
//  4. 讀取一致：查詢時要合併「已落盤」與「未落盤」兩部分計數
//
// 設計方案：
//
//	✅ Redis 快取 + 原子計數器（重定向路徑零資料庫寫入）
//	✅ Write-Behind 隊列（RPUSH 入隊，LPOP count 原子出隊）
//	✅ 定時批量落盤（單事務 + insert-or-ignore 去重）
//	✅ 讀時合併（ledger count + live counter，分開標示）
//
// 不變式：
//
//	visits_total(link) = ledger_count(link) + live_counter(link)
//
// 落盤只在事務確認提交後，按本次提交的精確數量原子遞減計數器
// （絕不重置為零——排空期間到達的新訪問仍在計數器中）。
package shortlink

import (
	"errors"
	"time"
)

// 錯誤定義
//
// HTTP 狀態碼映射（由 handler 層完成）：
//   - ErrInvalidURL   → 400 Bad Request
//   - ErrInvalidCode  → 400 Bad Request
//   - ErrNotFound     → 404 Not Found
//   - ErrCodeExists   → 409 Conflict
//   - ErrUnauthorized → 403 Forbidden
var (
	// ErrInvalidURL 當目標 URL 格式無效時返回
	ErrInvalidURL = errors.New("invalid target url")

	// ErrInvalidCode 當自定義短碼不符合 [A-Za-z0-9_-]{1,12} 時返回
	ErrInvalidCode = errors.New("invalid short code format")

	// ErrNotFound 當短碼或連結不存在時返回
	ErrNotFound = errors.New("short link not found")

	// ErrCodeExists 當自定義短碼已被占用時返回
	ErrCodeExists = errors.New("short code already exists")

	// ErrUnauthorized 當連結屬於其他用戶時返回
	ErrUnauthorized = errors.New("link owned by another user")
)

// Link 表示一條短碼 → 目標 URL 的映射
//
// 數據模型：
//   - ID：Snowflake ID（全局唯一、趨勢遞增）
//   - Code：短碼，≤ 12 字符，字符集 [A-Za-z0-9_-]，資料庫 UNIQUE 約束
//   - OwnerID：可選的擁有者（匿名創建時為空）
type Link struct {
	ID        int64     `json:"id"`
	Code      string    `json:"code"`
	Target    string    `json:"target"`
	OwnerID   string    `json:"owner_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// VisitEvent 隊列中的訪問事件（瞬態，落盤後即丟棄）
//
// 生命週期：
//
//	Recorder 序列化後 RPUSH → Flusher 原子出隊 → 轉為 VisitRecord 落盤
//
// LinkID 可能為 0（重定向走了快取、未攜帶 ID 的舊快取條目），
// 由 Flusher 在落盤前按 Code 補齊。
type VisitEvent struct {
	Code       string    `json:"code"`
	LinkID     int64     `json:"link_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Referer    string    `json:"referer,omitempty"`
	IPHash     string    `json:"ip_hash,omitempty"` // 入隊前已做單向哈希，原始 IP 永不存儲
}

// VisitRecord 持久化帳本中的一行（insert-only）
//
// 自然去重鍵 (link_id, visited_at, ip_hash)：盡力去重，容忍重複。
type VisitRecord struct {
	LinkID    int64     `json:"link_id"`
	VisitedAt time.Time `json:"visited_at"`
	IPHash    string    `json:"ip_hash,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	Referer   string    `json:"referer,omitempty"`
	Country   string    `json:"country,omitempty"` // 預留地理位置欄位，目前恆為空
}

// DayCount 某個自然日的訪問數
type DayCount struct {
	Date   string `json:"date"` // "2006-01-02"
	Visits int64  `json:"visits"`
}

// LinkAnalytics 單條連結的統計結果
//
// Settled 與 Realtime 分開標示，調用方可區分持久化歷史與未落盤的
// 即時尾部（staleness 對調用方可見）。
type LinkAnalytics struct {
	TotalVisits    int64         `json:"total_visits"`    // = Settled + Realtime
	SettledVisits  int64         `json:"settled_visits"`  // 帳本行數
	RealtimeVisits int64         `json:"realtime_visits"` // 即時計數器
	RecentVisits   []VisitRecord `json:"recent_visits"`
	VisitsByDay    []DayCount    `json:"visits_by_day"`
}

// LinkSummary 用戶統計中的連結摘要（含合併後的訪問數）
type LinkSummary struct {
	ID        int64     `json:"id"`
	Code      string    `json:"code"`
	Target    string    `json:"target"`
	CreatedAt time.Time `json:"created_at"`
	Visits    int64     `json:"visits"` // 帳本 + 即時
}

// UserAnalytics 用戶級統計
type UserAnalytics struct {
	TotalLinks  int64         `json:"total_links"`
	TotalVisits int64         `json:"total_visits"` // 帳本 + 即時，跨所有連結
	RecentLinks []LinkSummary `json:"recent_links"`
}

// QueueDiagnostics 隊列運維視圖（只讀，不改變任何狀態）
type QueueDiagnostics struct {
	QueueLength   int64            `json:"queue_length"`
	PendingEvents []VisitEvent     `json:"pending_events"` // 隊首最多 5 條
	LiveCounters  map[string]int64 `json:"live_counters"`  // code → 未落盤計數
}
