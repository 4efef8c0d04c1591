package shortlink_test

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/shortlink/internal/shortlink"
	"github.com/koopa0/shortlink/internal/testutils"
)

func TestService(t *testing.T) {
	env := testutils.SetupTestEnvironment(t)
	p := newPipeline(t, env)
	ctx := context.Background()

	t.Run("shorten with generated code", func(t *testing.T) {
		env.ResetTestData(t)

		link := p.mustShorten(t, "https://example.com/article", "", "")

		assert.NotZero(t, link.ID)
		assert.Regexp(t, regexp.MustCompile(`^[A-Za-z0-9_-]{1,12}$`), link.Code)

		found, err := p.store.FindByCode(ctx, link.Code)
		require.NoError(t, err)
		assert.Equal(t, "https://example.com/article", found.Target)
	})

	t.Run("generated codes are unique", func(t *testing.T) {
		env.ResetTestData(t)

		seen := make(map[string]bool)
		for i := 0; i < 20; i++ {
			link := p.mustShorten(t, "https://example.com", "", "")
			assert.False(t, seen[link.Code], "duplicate code %q", link.Code)
			seen[link.Code] = true
		}
	})

	t.Run("custom code conflict", func(t *testing.T) {
		env.ResetTestData(t)

		p.mustShorten(t, "https://example.com/a", "taken", "")

		_, err := p.service.Shorten(ctx, "https://example.com/b", "taken", "")
		assert.ErrorIs(t, err, shortlink.ErrCodeExists)
	})

	t.Run("input validation", func(t *testing.T) {
		env.ResetTestData(t)

		cases := []struct {
			name    string
			target  string
			code    string
			wantErr error
		}{
			{"relative url", "/just/a/path", "", shortlink.ErrInvalidURL},
			{"missing scheme", "example.com", "", shortlink.ErrInvalidURL},
			{"ftp scheme", "ftp://example.com", "", shortlink.ErrInvalidURL},
			{"code too long", "https://example.com", "thirteen-char", shortlink.ErrInvalidCode},
			{"code with slash", "https://example.com", "a/b", shortlink.ErrInvalidCode},
			{"code with space", "https://example.com", "a b", shortlink.ErrInvalidCode},
		}

		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				_, err := p.service.Shorten(ctx, tc.target, tc.code, "")
				assert.ErrorIs(t, err, tc.wantErr)
			})
		}
	})

	t.Run("rename migrates cache and counter", func(t *testing.T) {
		env.ResetTestData(t)

		link := p.mustShorten(t, "https://example.com", "before", "")

		// 建立快取與未落盤計數
		_, _, err := p.resolver.Resolve(ctx, link.Code)
		require.NoError(t, err)
		require.NoError(t, env.RedisClient.IncrBy(ctx, "visits:before", 5).Err())

		renamed, err := p.service.Rename(ctx, link.ID, "after", "")
		require.NoError(t, err)
		assert.Equal(t, "after", renamed.Code)

		// 舊快取失效，計數跟隨短碼遷移
		assert.Equal(t, int64(0), env.RedisClient.Exists(ctx, "url:before").Val())
		assert.Equal(t, int64(5), p.counter(t, "after"))
		assert.Equal(t, int64(0), p.counter(t, "before"))

		// 舊碼不再解析，新碼可用
		_, _, err = p.resolver.Resolve(ctx, "before")
		assert.ErrorIs(t, err, shortlink.ErrNotFound)

		target, _, err := p.resolver.Resolve(ctx, "after")
		require.NoError(t, err)
		assert.Equal(t, "https://example.com", target)
	})

	t.Run("rename conflict and not found", func(t *testing.T) {
		env.ResetTestData(t)

		p.mustShorten(t, "https://example.com/a", "aaa", "")
		link := p.mustShorten(t, "https://example.com/b", "bbb", "")

		_, err := p.service.Rename(ctx, link.ID, "aaa", "")
		assert.ErrorIs(t, err, shortlink.ErrCodeExists)

		_, err = p.service.Rename(ctx, 999999, "ccc", "")
		assert.ErrorIs(t, err, shortlink.ErrNotFound)

		// 失敗的重命名不改變現狀
		found, err := p.store.FindByID(ctx, link.ID)
		require.NoError(t, err)
		assert.Equal(t, "bbb", found.Code)
	})

	t.Run("delete removes cache and counter, keeps ledger", func(t *testing.T) {
		env.ResetTestData(t)

		link := p.mustShorten(t, "https://example.com", "gone", "")

		// 產生帳本行 + 快取 + 計數器
		p.recorder.Record(link.Code, link.ID, shortlink.VisitMeta{IP: "10.0.0.1"})
		p.recorder.Wait()
		_, err := p.flusher.Flush(ctx)
		require.NoError(t, err)

		_, _, err = p.resolver.Resolve(ctx, link.Code)
		require.NoError(t, err)
		require.NoError(t, env.RedisClient.IncrBy(ctx, "visits:gone", 2).Err())

		require.NoError(t, p.service.Delete(ctx, link.ID, ""))

		assert.Equal(t, int64(0), env.RedisClient.Exists(ctx, "url:gone").Val())
		assert.Equal(t, int64(0), p.counter(t, "gone"))

		// 帳本行保留（歷史統計不隨目錄條目消失）
		settled, err := p.store.CountVisits(ctx, link.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), settled)
	})

	t.Run("ownership is enforced", func(t *testing.T) {
		env.ResetTestData(t)

		link := p.mustShorten(t, "https://example.com", "owned", "alice")

		_, err := p.service.Get(ctx, link.ID, "bob")
		assert.ErrorIs(t, err, shortlink.ErrUnauthorized)

		_, err = p.service.Rename(ctx, link.ID, "stolen", "bob")
		assert.ErrorIs(t, err, shortlink.ErrUnauthorized)

		err = p.service.Delete(ctx, link.ID, "bob")
		assert.ErrorIs(t, err, shortlink.ErrUnauthorized)

		// 擁有者本人可操作
		got, err := p.service.Get(ctx, link.ID, "alice")
		require.NoError(t, err)
		assert.Equal(t, "owned", got.Code)
	})

	t.Run("list is scoped by owner", func(t *testing.T) {
		env.ResetTestData(t)

		p.mustShorten(t, "https://example.com/1", "al1", "alice")
		time.Sleep(5 * time.Millisecond) // created_at 排序需要可區分的時間戳
		p.mustShorten(t, "https://example.com/2", "al2", "alice")
		p.mustShorten(t, "https://example.com/3", "bo1", "bob")

		links, err := p.service.List(ctx, "alice", 10)
		require.NoError(t, err)
		require.Len(t, links, 2)
		assert.Equal(t, "al2", links[0].Code) // 最新的在前
	})
}
