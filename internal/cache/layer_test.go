package cache_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"qms/queue-engine/internal/cache"
	"qms/queue-engine/internal/cache/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type info struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestFetchLoadsOnceAndCaches(t *testing.T) {
	mem := memory.New()
	layer := cache.NewLayer(mem)
	ctx := context.Background()

	var loads int32
	load := func(ctx context.Context) (info, error) {
		atomic.AddInt32(&loads, 1)
		return info{Name: "desk", Count: 3}, nil
	}

	got, err := cache.Fetch(ctx, layer, "queue:info:q1", time.Hour, load)
	require.NoError(t, err)
	assert.Equal(t, info{Name: "desk", Count: 3}, got)

	got, err = cache.Fetch(ctx, layer, "queue:info:q1", time.Hour, load)
	require.NoError(t, err)
	assert.Equal(t, info{Name: "desk", Count: 3}, got)
	assert.Equal(t, int32(1), atomic.LoadInt32(&loads))

	layer.Invalidate(ctx, "queue:info:q1")
	_, err = cache.Fetch(ctx, layer, "queue:info:q1", time.Hour, load)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&loads))
}

func TestFetchCoalescesConcurrentMisses(t *testing.T) {
	layer := cache.NewLayer(memory.New())
	ctx := context.Background()

	release := make(chan struct{})
	var loads int32
	load := func(ctx context.Context) (int, error) {
		atomic.AddInt32(&loads, 1)
		<-release
		return 7, nil
	}

	var wg sync.WaitGroup
	results := make(chan int, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := cache.Fetch(ctx, layer, "queue:state:q1", time.Minute, load)
			if err == nil {
				results <- v
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	for v := range results {
		assert.Equal(t, 7, v)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&loads), int32(5))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&loads), int32(1))
}

func TestFetchSurvivesCancelledFirstCaller(t *testing.T) {
	layer := cache.NewLayer(memory.New())

	started := make(chan struct{})
	release := make(chan struct{})
	load := func(ctx context.Context) (int, error) {
		close(started)
		select {
		case <-release:
			return 9, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := cache.Fetch(firstCtx, layer, "queue:state:q1", time.Minute, load)
		firstErr <- err
	}()
	<-started

	type result struct {
		value int
		err   error
	}
	second := make(chan result, 1)
	go func() {
		v, err := cache.Fetch(context.Background(), layer, "queue:state:q1", time.Minute, func(ctx context.Context) (int, error) {
			return 9, nil
		})
		second <- result{v, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	got := <-second
	require.NoError(t, got.err)
	assert.Equal(t, 9, got.value)
}

func TestFetchPropagatesLoadError(t *testing.T) {
	mem := memory.New()
	layer := cache.NewLayer(mem)
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := cache.Fetch(ctx, layer, "queue:state:q1", time.Minute, func(ctx context.Context) (int, error) {
		return 0, boom
	})
	require.ErrorIs(t, err, boom)

	ok, err := mem.Has(ctx, "queue:state:q1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFetchIgnoresUndecodableEntry(t *testing.T) {
	mem := memory.New()
	layer := cache.NewLayer(mem)
	ctx := context.Background()
	require.NoError(t, mem.Set(ctx, "queue:info:q1", []byte("not json"), time.Hour))

	got, err := cache.Fetch(ctx, layer, "queue:info:q1", time.Hour, func(ctx context.Context) (info, error) {
		return info{Name: "fresh"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "fresh", got.Name)
}

func TestNilCacheAlwaysLoads(t *testing.T) {
	layer := cache.NewLayer(nil)
	ctx := context.Background()
	calls := 0
	for i := 0; i < 3; i++ {
		_, err := cache.Fetch(ctx, layer, "k", time.Minute, func(ctx context.Context) (int, error) {
			calls++
			return calls, nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, calls)
	layer.Invalidate(ctx, "k")
	layer.Increment(ctx, "k", 1)
	layer.Track(ctx, cache.ActiveQueuesKey, "q1")
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "queue:info:q1", cache.QueueInfoKey("q1"))
	assert.Equal(t, "queue:state:q1", cache.QueueStateKey("q1"))
	assert.Equal(t, "queue:next_client:q1", cache.NextClientKey("q1"))
	assert.Equal(t, "operator:info:o1", cache.OperatorInfoKey("o1"))
	assert.Equal(t, "client:positions:c1", cache.ClientPositionsKey("c1"))
	assert.Equal(t, "pubsub:queue_updates:last_processed_id", cache.LastProcessedKey("queue_updates"))
}
