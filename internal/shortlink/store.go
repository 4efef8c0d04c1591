package shortlink

import (
	"context"
	"time"
)

// Directory 連結目錄的存儲接口
//
// 設計考量：
//   - 使用接口而非具體實現，方便測試與替換
//   - 持久化實現見 internal/storage（PostgreSQL）
//   - 強一致：創建後必須立即可查（UNIQUE 約束由存儲層保證）
type Directory interface {
	// SaveLink 保存連結，短碼衝突返回 ErrCodeExists
	SaveLink(ctx context.Context, link *Link) error

	// FindByCode 按短碼查詢，不存在返回 ErrNotFound
	FindByCode(ctx context.Context, code string) (*Link, error)

	// FindByID 按 ID 查詢，不存在返回 ErrNotFound
	FindByID(ctx context.Context, id int64) (*Link, error)

	// ListLinks 按擁有者列出（ownerID 為空時不過濾），創建時間倒序
	ListLinks(ctx context.Context, ownerID string, limit int) ([]Link, error)

	// UpdateCode 重命名短碼，衝突返回 ErrCodeExists
	UpdateCode(ctx context.Context, id int64, newCode string) error

	// DeleteLink 刪除連結（帳本行保留）
	DeleteLink(ctx context.Context, id int64) error

	// CountLinksByOwner 統計用戶的連結數
	CountLinksByOwner(ctx context.Context, ownerID string) (int64, error)

	// CodesByOwner 列出用戶全部連結的短碼（用戶級統計彙總即時計數用）
	CodesByOwner(ctx context.Context, ownerID string) ([]string, error)
}

// Ledger 訪問帳本的存儲接口
//
// 一致性取捨：
//   - 寫入：批量、事務性、冪等（insert-or-ignore）
//   - 讀取：計數與分組查詢，允許滯後於即時計數器
type Ledger interface {
	// InsertVisits 單一事務批量寫入，返回實際插入行數
	InsertVisits(ctx context.Context, records []VisitRecord) (int64, error)

	// CountVisits 某連結的帳本行數
	CountVisits(ctx context.Context, linkID int64) (int64, error)

	// VisitCounts 批量統計多條連結的帳本行數
	VisitCounts(ctx context.Context, linkIDs []int64) (map[int64]int64, error)

	// CountVisitsByOwner 用戶所有連結的帳本總行數
	CountVisitsByOwner(ctx context.Context, ownerID string) (int64, error)

	// RecentVisits 最近訪問明細
	RecentVisits(ctx context.Context, linkID int64, limit int) ([]VisitRecord, error)

	// VisitsByDay 按自然日（UTC）分組，範圍 [from, to)
	VisitsByDay(ctx context.Context, linkID int64, from, to time.Time) (map[string]int64, error)
}

// Store 聚合接口（PostgreSQL 實現同時滿足兩者）
type Store interface {
	Directory
	Ledger
}
