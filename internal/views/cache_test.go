package views

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCache(client, time.Minute)
}

type view struct {
	Total int `json:"total"`
}

func TestFetchJSONServesUntilBump(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()
	var loads int32
	loader := func(context.Context) (any, error) {
		n := atomic.AddInt32(&loads, 1)
		return view{Total: int(n)}, nil
	}

	key, err := cache.BuildKey(ctx, "C1", "period", "2025-01")
	require.NoError(t, err)
	assert.Equal(t, "baseline:view:C1:period:2025-01:v1", key)

	var got view
	require.NoError(t, cache.FetchJSON(ctx, key, &got, loader))
	require.NoError(t, cache.FetchJSON(ctx, key, &got, loader))
	assert.Equal(t, 1, got.Total)
	assert.EqualValues(t, 1, loads)

	ver, err := cache.Bump(ctx, "C1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, ver)

	key, err = cache.BuildKey(ctx, "C1", "period", "2025-01")
	require.NoError(t, err)
	require.NoError(t, cache.FetchJSON(ctx, key, &got, loader))
	assert.Equal(t, 2, got.Total)

	other, err := cache.Version(ctx, "C2")
	require.NoError(t, err)
	assert.EqualValues(t, 1, other, "bumps are per client")
}

func TestFetchJSONCollapsesConcurrentMisses(t *testing.T) {
	cache := newTestCache(t)
	ctx := context.Background()
	var loads int32
	release := make(chan struct{})
	loader := func(context.Context) (any, error) {
		atomic.AddInt32(&loads, 1)
		<-release
		return view{Total: 7}, nil
	}

	key, err := cache.BuildKey(ctx, "C1", "summary")
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]view, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = cache.FetchJSON(ctx, key, &results[i], loader)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&loads))
	for _, r := range results {
		assert.Equal(t, 7, r.Total)
	}
}

func TestNilCacheCallsLoader(t *testing.T) {
	var cache *Cache
	var got view
	err := cache.FetchJSON(context.Background(), "k", &got, func(context.Context) (any, error) {
		return view{Total: 3}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, got.Total)
}
