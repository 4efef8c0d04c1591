package shortlink_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/shortlink/internal/shortlink"
	"github.com/koopa0/shortlink/internal/testutils"
)

// enqueue 直接向隊列推入一條訪問事件（模擬 Recorder 的輸出）
func enqueue(t *testing.T, env *testutils.TestEnvironment, event shortlink.VisitEvent) {
	t.Helper()

	payload, err := json.Marshal(event)
	require.NoError(t, err)
	require.NoError(t, env.RedisClient.RPush(context.Background(), "visits:queue", payload).Err())
}

// flakyStore 包一層真實存儲，按需注入目錄與帳本的故障
type flakyStore struct {
	shortlink.Store
	directoryDown bool
	ledgerDown    bool
}

func (s *flakyStore) FindByCode(ctx context.Context, code string) (*shortlink.Link, error) {
	if s.directoryDown {
		return nil, errors.New("directory unavailable")
	}
	return s.Store.FindByCode(ctx, code)
}

func (s *flakyStore) InsertVisits(ctx context.Context, records []shortlink.VisitRecord) (int64, error) {
	if s.ledgerDown {
		return 0, errors.New("ledger unavailable")
	}
	return s.Store.InsertVisits(ctx, records)
}

func TestFlusher(t *testing.T) {
	env := testutils.SetupTestEnvironment(t)
	p := newPipeline(t, env)
	ctx := context.Background()

	t.Run("end to end: record then flush then settled", func(t *testing.T) {
		env.ResetTestData(t)

		link := p.mustShorten(t, "https://example.com", "e2e", "")

		for i := 0; i < 3; i++ {
			p.recorder.Record(link.Code, link.ID, shortlink.VisitMeta{IP: "10.0.0.1"})
		}
		p.recorder.Wait()

		require.Equal(t, int64(3), p.counter(t, link.Code))
		require.Equal(t, int64(3), p.queueLen(t))

		flushed, err := p.flusher.Flush(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, flushed)

		// 帳本接收全部事件，隊列排空，計數器結算歸零（鍵刪除）
		settled, err := p.store.CountVisits(ctx, link.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(3), settled)
		assert.Equal(t, int64(0), p.queueLen(t))
		assert.Equal(t, int64(0), p.counter(t, link.Code))
	})

	t.Run("flush on empty queue is a no-op", func(t *testing.T) {
		env.ResetTestData(t)

		flushed, err := p.flusher.Flush(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, flushed)
	})

	t.Run("settle decrements, never resets to zero", func(t *testing.T) {
		env.ResetTestData(t)

		link := p.mustShorten(t, "https://example.com", "settle", "")

		for i := 0; i < 3; i++ {
			p.recorder.Record(link.Code, link.ID, shortlink.VisitMeta{IP: "10.0.0.1"})
		}
		p.recorder.Wait()

		// 模擬出隊之後、結算之前到達的新訪問：
		// 計數器多出 2，但這 2 次不在本批隊列裡
		require.NoError(t, env.RedisClient.IncrBy(ctx, "visits:"+link.Code, 2).Err())

		_, err := p.flusher.Flush(ctx)
		require.NoError(t, err)

		// 只結算本批提交的 3，後到的 2 保留在計數器中
		assert.Equal(t, int64(2), p.counter(t, link.Code))
	})

	t.Run("insert failure requeues the batch losslessly", func(t *testing.T) {
		env.ResetTestData(t)

		link := p.mustShorten(t, "https://example.com", "txfail", "")

		for i := 0; i < 2; i++ {
			p.recorder.Record(link.Code, link.ID, shortlink.VisitMeta{IP: "10.0.0.9"})
		}
		p.recorder.Wait()

		// 讓事務必然失敗：把帳本表改名
		_, err := env.PostgresPool.Exec(ctx, "ALTER TABLE visits RENAME TO visits_hidden")
		require.NoError(t, err)

		_, err = p.flusher.Flush(ctx)
		require.Error(t, err)

		// 隊列完整保留，計數器未被結算
		assert.Equal(t, int64(2), p.queueLen(t))
		assert.Equal(t, int64(2), p.counter(t, link.Code))

		// 恢復後下一次落盤成功
		_, err = env.PostgresPool.Exec(ctx, "ALTER TABLE visits_hidden RENAME TO visits")
		require.NoError(t, err)

		flushed, err := p.flusher.Flush(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, flushed)

		settled, err := p.store.CountVisits(ctx, link.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), settled)
	})

	t.Run("duplicate events are deduplicated in the ledger", func(t *testing.T) {
		env.ResetTestData(t)

		link := p.mustShorten(t, "https://example.com", "dup", "")

		event := shortlink.VisitEvent{
			Code:       link.Code,
			LinkID:     link.ID,
			OccurredAt: time.Now().UTC().Truncate(time.Second),
			IPHash:     shortlink.HashIP("10.0.0.1"),
		}
		enqueue(t, env, event)
		enqueue(t, env, event)

		flushed, err := p.flusher.Flush(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, flushed)

		// 自然鍵相同 → insert-or-ignore 只落一行
		settled, err := p.store.CountVisits(ctx, link.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), settled)
	})

	t.Run("event without link id is resolved by code", func(t *testing.T) {
		env.ResetTestData(t)

		link := p.mustShorten(t, "https://example.com", "noid", "")

		enqueue(t, env, shortlink.VisitEvent{
			Code:       link.Code,
			OccurredAt: time.Now().UTC(),
			IPHash:     shortlink.HashIP("10.0.0.2"),
		})

		flushed, err := p.flusher.Flush(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, flushed)

		settled, err := p.store.CountVisits(ctx, link.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), settled)
	})

	t.Run("events for deleted links are dropped", func(t *testing.T) {
		env.ResetTestData(t)

		enqueue(t, env, shortlink.VisitEvent{
			Code:       "ghost",
			OccurredAt: time.Now().UTC(),
		})

		flushed, err := p.flusher.Flush(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, flushed)
		assert.Equal(t, int64(0), p.queueLen(t))
	})

	t.Run("malformed payload never blocks the batch", func(t *testing.T) {
		env.ResetTestData(t)

		link := p.mustShorten(t, "https://example.com", "mixed", "")

		require.NoError(t, env.RedisClient.RPush(ctx, "visits:queue", "{not json").Err())
		enqueue(t, env, shortlink.VisitEvent{
			Code:       link.Code,
			LinkID:     link.ID,
			OccurredAt: time.Now().UTC(),
			IPHash:     shortlink.HashIP("10.0.0.3"),
		})

		flushed, err := p.flusher.Flush(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, flushed)
		assert.Equal(t, int64(0), p.queueLen(t))
	})

	t.Run("held lease makes flush a no-op", func(t *testing.T) {
		env.ResetTestData(t)

		link := p.mustShorten(t, "https://example.com", "lease", "")
		p.recorder.Record(link.Code, link.ID, shortlink.VisitMeta{})
		p.recorder.Wait()

		// 另一個實例持有租約
		require.NoError(t, env.RedisClient.Set(ctx, "visits:flush:lock", "other-instance", time.Minute).Err())

		flushed, err := p.flusher.Flush(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, flushed)
		assert.Equal(t, int64(1), p.queueLen(t))

		// 租約釋放後恢復正常
		require.NoError(t, env.RedisClient.Del(ctx, "visits:flush:lock").Err())

		flushed, err = p.flusher.Flush(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, flushed)
	})

	t.Run("deferred events are not duplicated when the insert also fails", func(t *testing.T) {
		env.ResetTestData(t)

		link := p.mustShorten(t, "https://example.com", "twice", "")

		flaky := &flakyStore{Store: p.store, directoryDown: true, ledgerDown: true}
		flusher := shortlink.NewFlusher(env.RedisClient, flaky, "test-instance",
			100, 1, time.Millisecond, time.Minute, 3, env.Logger)

		// 一條待解析（LinkID 缺失）、一條可直接落盤
		now := time.Now().UTC()
		enqueue(t, env, shortlink.VisitEvent{
			Code:       link.Code,
			OccurredAt: now,
			IPHash:     shortlink.HashIP("10.0.1.1"),
		})
		enqueue(t, env, shortlink.VisitEvent{
			Code:       link.Code,
			LinkID:     link.ID,
			OccurredAt: now.Add(time.Second),
			IPHash:     shortlink.HashIP("10.0.1.2"),
		})
		require.NoError(t, env.RedisClient.IncrBy(ctx, "visits:"+link.Code, 2).Err())

		// 目錄與帳本同時故障：整批推回，待解析那條在隊列裡只有一份
		_, err := flusher.Flush(ctx)
		require.Error(t, err)
		assert.Equal(t, int64(2), p.queueLen(t))

		// 恢復後重放：兩條各落一行，計數器精確結算歸零
		flaky.directoryDown = false
		flaky.ledgerDown = false

		flushed, err := flusher.Flush(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, flushed)

		settled, err := p.store.CountVisits(ctx, link.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), settled)
		assert.Equal(t, int64(0), p.counter(t, link.Code))
	})

	t.Run("garbage batch does not stall events behind it", func(t *testing.T) {
		env.ResetTestData(t)

		link := p.mustShorten(t, "https://example.com", "behind", "")

		// 整整一批（單批上限 100 條）已刪連結的事件堵在隊首
		now := time.Now().UTC()
		for i := 0; i < 100; i++ {
			enqueue(t, env, shortlink.VisitEvent{
				Code:       "ghost",
				OccurredAt: now.Add(time.Duration(i) * time.Millisecond),
			})
		}
		for i := 0; i < 3; i++ {
			enqueue(t, env, shortlink.VisitEvent{
				Code:       link.Code,
				LinkID:     link.ID,
				OccurredAt: now.Add(time.Duration(i) * time.Second),
				IPHash:     shortlink.HashIP(fmt.Sprintf("10.0.2.%d", i)),
			})
		}

		// 第一批提交 0 條，但隊列未空：排空循環要繼續到後面的正常事件
		flushed, err := p.flusher.Flush(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, flushed)
		assert.Equal(t, int64(0), p.queueLen(t))

		settled, err := p.store.CountVisits(ctx, link.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(3), settled)
	})

	t.Run("drain is lossless under concurrent appends", func(t *testing.T) {
		env.ResetTestData(t)

		link := p.mustShorten(t, "https://example.com", "race", "")

		// 預填一批，然後在排空進行中持續併發追加。
		// 原子出隊保證：無論交錯如何，事件要麼被本輪處理、
		// 要麼完整留在隊列——絕不丟失（索引移位競態的回歸測試）。
		const preloaded = 120
		const concurrent = 40

		makeEvent := func(i int) shortlink.VisitEvent {
			return shortlink.VisitEvent{
				Code:       link.Code,
				LinkID:     link.ID,
				OccurredAt: time.Now().UTC().Add(time.Duration(i) * time.Microsecond),
				IPHash:     shortlink.HashIP(fmt.Sprintf("10.9.0.%d", i)),
			}
		}

		for i := 0; i < preloaded; i++ {
			enqueue(t, env, makeEvent(i))
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := 0; i < concurrent; i++ {
				enqueue(t, env, makeEvent(preloaded+i))
			}
		}()

		_, err := p.flusher.Flush(ctx)
		require.NoError(t, err)
		<-done

		// 追加可能落在排空結束之後：補一輪收尾
		_, err = p.flusher.Flush(ctx)
		require.NoError(t, err)

		settled, err := p.store.CountVisits(ctx, link.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(preloaded+concurrent), settled)
		assert.Equal(t, int64(0), p.queueLen(t))
	})

	t.Run("drains in multiple batches", func(t *testing.T) {
		env.ResetTestData(t)

		link := p.mustShorten(t, "https://example.com", "big", "")

		// 超過單批上限（100），驗證循環出隊直到排空
		const events = 150
		for i := 0; i < events; i++ {
			enqueue(t, env, shortlink.VisitEvent{
				Code:       link.Code,
				LinkID:     link.ID,
				OccurredAt: time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
				IPHash:     shortlink.HashIP("10.0.0.4"),
			})
		}

		flushed, err := p.flusher.Flush(ctx)
		require.NoError(t, err)
		assert.Equal(t, events, flushed)
		assert.Equal(t, int64(0), p.queueLen(t))

		settled, err := p.store.CountVisits(ctx, link.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(events), settled)
	})
}
