package migrations_test

import (
	"context"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/shortlink/internal/migrations"
	"github.com/koopa0/shortlink/internal/testutils"
)

// tableExists 查 information_schema 判斷業務表是否存在
func tableExists(t *testing.T, env *testutils.TestEnvironment, name string) bool {
	t.Helper()

	var exists bool
	err := env.PostgresPool.QueryRow(context.Background(),
		`SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = 'public' AND table_name = $1
		)`, name).Scan(&exists)
	require.NoError(t, err)
	return exists
}

func TestMigratorRoundTrip(t *testing.T) {
	env := testutils.SetupTestEnvironment(t)

	m, err := migrations.New(env.PostgresDSN, env.Logger)
	require.NoError(t, err)
	defer m.Close()

	// 測試環境初始化時已執行過 Up
	version, dirty, err := m.Version()
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(1), version)
	require.True(t, tableExists(t, env, "links"))
	require.True(t, tableExists(t, env, "visits"))

	// 回滾：業務表連同索引一併移除
	require.NoError(t, m.Down())
	assert.False(t, tableExists(t, env, "links"))
	assert.False(t, tableExists(t, env, "visits"))

	// 全部回滾後沒有版本記錄
	_, _, err = m.Version()
	assert.ErrorIs(t, err, migrate.ErrNilVersion)

	// 再次 Up 恢復到最新
	require.NoError(t, m.Up())
	assert.True(t, tableExists(t, env, "links"))
	assert.True(t, tableExists(t, env, "visits"))

	version, dirty, err = m.Version()
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(1), version)

	// 已是最新版本時 Up 是 no-op
	require.NoError(t, m.Up())
}
