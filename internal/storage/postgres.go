// Package storage 實現 PostgreSQL 持久化層
//
// 系統設計考量：
//
//  1. 表結構：
//     - links：短碼目錄（short code → target URL），code 帶 UNIQUE 約束
//     - visits：訪問帳本（insert-only），自然去重鍵 (link_id, visited_at, ip_hash)
//
//  2. 帳本與目錄解耦：
//     刪除連結不刪除帳本行（歷史統計保留），因此 visits 不設外鍵
//
//  3. 併發控制：
//     - code UNIQUE 約束防止重複短碼（資料庫層面保證）
//     - 批量寫入使用單一事務 + ON CONFLICT DO NOTHING（落盤冪等）
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koopa0/shortlink/internal/shortlink"
)

// Postgres 持久化存儲，由 pgxpool 提供連接池
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres 創建存儲實例（連接池生命週期由調用方管理）
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// === 連結目錄 ===

// SaveLink 保存新連結
//
// UNIQUE 約束衝突（23505）→ ErrCodeExists
func (p *Postgres) SaveLink(ctx context.Context, link *shortlink.Link) error {
	query := `
		INSERT INTO links (id, code, target, owner_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := p.pool.Exec(ctx, query,
		link.ID,
		link.Code,
		link.Target,
		textOrNil(link.OwnerID),
		link.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return shortlink.ErrCodeExists
		}
		return fmt.Errorf("insert link: %w", err)
	}

	return nil
}

// FindByCode 按短碼查詢連結
func (p *Postgres) FindByCode(ctx context.Context, code string) (*shortlink.Link, error) {
	query := `
		SELECT id, code, target, COALESCE(owner_id, ''), created_at
		FROM links
		WHERE code = $1
	`

	return p.scanLink(p.pool.QueryRow(ctx, query, code))
}

// FindByID 按 ID 查詢連結
func (p *Postgres) FindByID(ctx context.Context, id int64) (*shortlink.Link, error) {
	query := `
		SELECT id, code, target, COALESCE(owner_id, ''), created_at
		FROM links
		WHERE id = $1
	`

	return p.scanLink(p.pool.QueryRow(ctx, query, id))
}

// ListLinks 列出連結，ownerID 為空時返回全部（匿名視圖），按創建時間倒序
func (p *Postgres) ListLinks(ctx context.Context, ownerID string, limit int) ([]shortlink.Link, error) {
	query := `
		SELECT id, code, target, COALESCE(owner_id, ''), created_at
		FROM links
		WHERE ($1 = '' OR owner_id = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := p.pool.Query(ctx, query, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	defer rows.Close()

	var links []shortlink.Link
	for rows.Next() {
		var link shortlink.Link
		if err := rows.Scan(&link.ID, &link.Code, &link.Target, &link.OwnerID, &link.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		links = append(links, link)
	}

	return links, rows.Err()
}

// UpdateCode 重命名短碼
//
// 錯誤處理：
//   - 連結不存在 → ErrNotFound
//   - 新短碼已被占用 → ErrCodeExists
func (p *Postgres) UpdateCode(ctx context.Context, id int64, newCode string) error {
	query := `UPDATE links SET code = $2 WHERE id = $1`

	tag, err := p.pool.Exec(ctx, query, id, newCode)
	if err != nil {
		if isUniqueViolation(err) {
			return shortlink.ErrCodeExists
		}
		return fmt.Errorf("update code: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return shortlink.ErrNotFound
	}

	return nil
}

// DeleteLink 刪除連結（帳本行保留，見包注釋）
func (p *Postgres) DeleteLink(ctx context.Context, id int64) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM links WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete link: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return shortlink.ErrNotFound
	}

	return nil
}

// CountLinksByOwner 統計用戶擁有的連結數
func (p *Postgres) CountLinksByOwner(ctx context.Context, ownerID string) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM links WHERE owner_id = $1`, ownerID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count links: %w", err)
	}
	return count, nil
}

// CodesByOwner 列出用戶全部連結的短碼
//
// 用戶級統計需要彙總每條連結的即時計數器，鍵以短碼命名，
// 因此只取 code 一欄，不拉整行。
func (p *Postgres) CodesByOwner(ctx context.Context, ownerID string) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT code FROM links WHERE owner_id = $1`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("codes by owner: %w", err)
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("scan code: %w", err)
		}
		codes = append(codes, code)
	}

	return codes, rows.Err()
}

// === 訪問帳本 ===

// InsertVisits 單一事務批量寫入訪問記錄
//
// 冪等性：ON CONFLICT DO NOTHING（自然鍵 link_id, visited_at, ip_hash），
// 重複事件被帳本容忍而非拒絕整批。返回實際插入的行數。
//
// 任何失敗都會回滾整個事務——不存在部分提交，調用方可安全重試。
func (p *Postgres) InsertVisits(ctx context.Context, records []shortlink.VisitRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// pgx.Batch：單次往返提交整批 INSERT，遠快於逐條 Exec
	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(`
			INSERT INTO visits (link_id, visited_at, ip_hash, user_agent, referer, country)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (link_id, visited_at, ip_hash) DO NOTHING`,
			r.LinkID,
			r.VisitedAt,
			textOrNil(r.IPHash),
			textOrNil(r.UserAgent),
			textOrNil(r.Referer),
			textOrNil(r.Country),
		)
	}

	results := tx.SendBatch(ctx, batch)

	var inserted int64
	for range records {
		tag, err := results.Exec()
		if err != nil {
			_ = results.Close()
			return 0, fmt.Errorf("batch insert visits: %w", err)
		}
		inserted += tag.RowsAffected()
	}

	if err := results.Close(); err != nil {
		return 0, fmt.Errorf("close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	return inserted, nil
}

// CountVisits 統計某連結的帳本行數（已落盤部分）
func (p *Postgres) CountVisits(ctx context.Context, linkID int64) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM visits WHERE link_id = $1`, linkID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count visits: %w", err)
	}
	return count, nil
}

// VisitCounts 批量統計多條連結的帳本行數
func (p *Postgres) VisitCounts(ctx context.Context, linkIDs []int64) (map[int64]int64, error) {
	result := make(map[int64]int64, len(linkIDs))
	if len(linkIDs) == 0 {
		return result, nil
	}

	rows, err := p.pool.Query(ctx, `
		SELECT link_id, COUNT(*)
		FROM visits
		WHERE link_id = ANY($1)
		GROUP BY link_id`, linkIDs)
	if err != nil {
		return nil, fmt.Errorf("visit counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, count int64
		if err := rows.Scan(&id, &count); err != nil {
			return nil, fmt.Errorf("scan visit count: %w", err)
		}
		result[id] = count
	}

	return result, rows.Err()
}

// CountVisitsByOwner 統計用戶所有連結的帳本總行數
func (p *Postgres) CountVisitsByOwner(ctx context.Context, ownerID string) (int64, error) {
	var count int64
	err := p.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM visits v
		JOIN links l ON l.id = v.link_id
		WHERE l.owner_id = $1`, ownerID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count visits by owner: %w", err)
	}
	return count, nil
}

// RecentVisits 最近的訪問明細（按時間倒序）
func (p *Postgres) RecentVisits(ctx context.Context, linkID int64, limit int) ([]shortlink.VisitRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT link_id, visited_at,
		       COALESCE(ip_hash, ''), COALESCE(user_agent, ''),
		       COALESCE(referer, ''), COALESCE(country, '')
		FROM visits
		WHERE link_id = $1
		ORDER BY visited_at DESC
		LIMIT $2`, linkID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent visits: %w", err)
	}
	defer rows.Close()

	var records []shortlink.VisitRecord
	for rows.Next() {
		var r shortlink.VisitRecord
		if err := rows.Scan(&r.LinkID, &r.VisitedAt, &r.IPHash, &r.UserAgent, &r.Referer, &r.Country); err != nil {
			return nil, fmt.Errorf("scan visit: %w", err)
		}
		records = append(records, r)
	}

	return records, rows.Err()
}

// VisitsByDay 按自然日（UTC）分組統計訪問數，範圍 [from, to)
func (p *Postgres) VisitsByDay(ctx context.Context, linkID int64, from, to time.Time) (map[string]int64, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT to_char(date_trunc('day', visited_at AT TIME ZONE 'UTC'), 'YYYY-MM-DD'), COUNT(*)
		FROM visits
		WHERE link_id = $1 AND visited_at >= $2 AND visited_at < $3
		GROUP BY 1`, linkID, from, to)
	if err != nil {
		return nil, fmt.Errorf("visits by day: %w", err)
	}
	defer rows.Close()

	result := make(map[string]int64)
	for rows.Next() {
		var day string
		var count int64
		if err := rows.Scan(&day, &count); err != nil {
			return nil, fmt.Errorf("scan day bucket: %w", err)
		}
		result[day] = count
	}

	return result, rows.Err()
}

// === 工具 ===

// scanLink 掃描單行連結，無結果 → ErrNotFound
func (p *Postgres) scanLink(row pgx.Row) (*shortlink.Link, error) {
	var link shortlink.Link
	err := row.Scan(&link.ID, &link.Code, &link.Target, &link.OwnerID, &link.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shortlink.ErrNotFound
		}
		return nil, fmt.Errorf("scan link: %w", err)
	}
	return &link, nil
}

// isUniqueViolation 檢查 PostgreSQL unique_violation（23505）
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// textOrNil 空字符串存為 NULL
func textOrNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}
