package shortlink_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/koopa0/shortlink/internal/shortlink"
	"github.com/koopa0/shortlink/internal/storage"
	"github.com/koopa0/shortlink/internal/testutils"
	"github.com/koopa0/shortlink/pkg/snowflake"
)

// pipeline 測試用的完整管線組裝
type pipeline struct {
	env       *testutils.TestEnvironment
	store     *storage.Postgres
	service   *shortlink.Service
	resolver  *shortlink.Resolver
	recorder  *shortlink.Recorder
	flusher   *shortlink.Flusher
	analytics *shortlink.Analytics
}

// newPipeline 在測試容器之上組裝全部組件
//
// 超時與重試參數調小，讓失敗路徑的測試跑得快。
func newPipeline(t *testing.T, env *testutils.TestEnvironment) *pipeline {
	t.Helper()

	generator, err := snowflake.NewGenerator(1)
	require.NoError(t, err)

	store := storage.NewPostgres(env.PostgresPool)

	return &pipeline{
		env:       env,
		store:     store,
		service:   shortlink.NewService(env.RedisClient, store, generator, env.Logger),
		resolver:  shortlink.NewResolver(env.RedisClient, store, time.Hour, env.Logger),
		recorder:  shortlink.NewRecorder(env.RedisClient, 2, 10*time.Millisecond, 3*time.Second, env.Logger),
		flusher: shortlink.NewFlusher(env.RedisClient, store, "test-instance",
			100, 2, 10*time.Millisecond, time.Minute, 3, env.Logger),
		analytics: shortlink.NewAnalytics(env.RedisClient, store, env.Logger),
	}
}

// mustShorten 創建連結，失敗即終止測試
func (p *pipeline) mustShorten(t *testing.T, target, customCode, ownerID string) *shortlink.Link {
	t.Helper()

	link, err := p.service.Shorten(context.Background(), target, customCode, ownerID)
	require.NoError(t, err)
	return link
}

// queueLen 當前隊列長度
func (p *pipeline) queueLen(t *testing.T) int64 {
	t.Helper()

	n, err := p.env.RedisClient.LLen(context.Background(), "visits:queue").Result()
	require.NoError(t, err)
	return n
}

// counter 某短碼的即時計數器值（鍵不存在時為 0）
func (p *pipeline) counter(t *testing.T, code string) int64 {
	t.Helper()

	n, err := p.env.RedisClient.Get(context.Background(), "visits:"+code).Int64()
	if err != nil {
		return 0
	}
	return n
}
