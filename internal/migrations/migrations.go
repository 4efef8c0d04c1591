// Package migrations 管理資料庫結構版本
//
// 遷移腳本通過 embed 打進二進制，服務啟動時自動執行 Up——
// 部署不需要單獨的遷移步驟，也不會出現「程式碼新、表結構舊」的窗口。
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed all:migrations
var migrationsFS embed.FS

// Migrator 包裝 migrate 實例，統一日誌與錯誤語義
type Migrator struct {
	migrate *migrate.Migrate
	logger  *slog.Logger
}

// New 創建遷移器（databaseURL 為 postgres:// 連接串）
func New(databaseURL string, logger *slog.Logger) (*Migrator, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("load embedded migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open migrate instance: %w", err)
	}

	return &Migrator{migrate: m, logger: logger}, nil
}

// Up 應用全部待執行的遷移
//
// 上次遷移中途失敗會留下 dirty 標記，之後任何操作都被拒絕。
// 這裡先 Force 清掉標記再繼續——腳本本身是冪等的（IF NOT EXISTS），
// 重放半完成的版本是安全的。
func (m *Migrator) Up() error {
	version, dirty, err := m.migrate.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read schema version: %w", err)
	}

	if dirty {
		m.logger.Warn("schema marked dirty, clearing before migrating", "version", version)
		const maxInt = int(^uint(0) >> 1)
		if version > uint(maxInt) {
			return fmt.Errorf("schema version out of range: %d", version)
		}
		if err := m.migrate.Force(int(version)); err != nil {
			return fmt.Errorf("clear dirty schema state: %w", err)
		}
	}

	if err := m.migrate.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info("schema already up to date", "version", version)
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}

	current, _, _ := m.migrate.Version()
	m.logger.Info("schema migrated", "version", current)
	return nil
}

// Down 回滾最近一個版本（運維逃生口，服務啟動流程不調用）
func (m *Migrator) Down() error {
	if err := m.migrate.Steps(-1); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info("nothing to roll back")
			return nil
		}
		return fmt.Errorf("roll back migration: %w", err)
	}

	// 全部回滾後沒有版本記錄，Version 返回 ErrNilVersion，記 0 即可
	current, _, _ := m.migrate.Version()
	m.logger.Info("schema rolled back", "version", current)
	return nil
}

// Version 當前結構版本與 dirty 標記
func (m *Migrator) Version() (uint, bool, error) {
	return m.migrate.Version()
}

// Close 釋放遷移源與資料庫連接
func (m *Migrator) Close() error {
	sourceErr, dbErr := m.migrate.Close()
	if sourceErr != nil {
		return fmt.Errorf("close migration source: %w", sourceErr)
	}
	if dbErr != nil {
		return fmt.Errorf("close migration db connection: %w", dbErr)
	}
	return nil
}
