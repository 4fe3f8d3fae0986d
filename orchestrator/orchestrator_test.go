package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sahayak/go-core/cache"
	"github.com/sahayak/go-core/refresh"
)

func newCoordinator(t *testing.T, opts ...Option) *Coordinator {
	t.Helper()
	return New(context.Background(), zerolog.Nop(), nil, opts...)
}

func newCachingCoordinator(t *testing.T) (*Coordinator, *cache.Store) {
	t.Helper()
	store := cache.New(context.Background(), zerolog.Nop(), nil, nil)
	t.Cleanup(func() { store.Close() })
	return New(context.Background(), zerolog.Nop(), store), store
}

func TestDuplicateOperationRejected(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t)

	started := make(chan struct{})
	release := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		_, _, err := c.Execute(ctx, "refresh_dashboard", func(ctx context.Context) (any, error) {
			close(started)
			<-release
			return "fresh", nil
		})
		firstDone <- err
	}()
	<-started

	// Same key while the first is in flight: rejected, not joined.
	_, _, err := c.Execute(ctx, "refresh_dashboard", func(ctx context.Context) (any, error) {
		t.Fatal("duplicate must never execute")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrDuplicateOperation)

	close(release)
	assert.NoError(t, <-firstDone)

	// After the first resolves, the key is free again.
	val, fromCache, err := c.Execute(ctx, "refresh_dashboard", func(ctx context.Context) (any, error) {
		return "third", nil
	})
	assert.NoError(t, err)
	assert.False(t, fromCache)
	assert.Equal(t, "third", val)
	assert.Equal(t, 0, c.InFlight())
}

func TestSameTickDuplicates(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t)

	var executions int
	var mu sync.Mutex
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := c.Execute(ctx, "refresh_dashboard", func(ctx context.Context) (any, error) {
				mu.Lock()
				executions++
				mu.Unlock()
				time.Sleep(20 * time.Millisecond)
				return nil, nil
			})
			errs[i] = err
		}()
	}
	wg.Wait()

	// Exactly one physical execution; the other caller got the duplicate error.
	assert.Equal(t, 1, executions)
	dupes := 0
	for _, err := range errs {
		if errors.Is(err, ErrDuplicateOperation) {
			dupes++
		} else {
			assert.NoError(t, err)
		}
	}
	assert.Equal(t, 1, dupes)
}

func TestFailureDeregistersKey(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t)

	opErr := errors.New("backend unavailable")
	_, _, err := c.Execute(ctx, "load_chat", func(ctx context.Context) (any, error) {
		return nil, opErr
	})
	assert.ErrorIs(t, err, opErr)
	assert.Equal(t, 0, c.InFlight())

	// A failed operation never blocks the retry.
	val, _, err := c.Execute(ctx, "load_chat", func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	assert.NoError(t, err)
	assert.Equal(t, "ok", val)
}

func TestCacheShortCircuit(t *testing.T) {
	ctx := context.Background()
	c, _ := newCachingCoordinator(t)

	invocations := 0
	op := func(ctx context.Context) (string, error) {
		invocations++
		return "dashboard-data", nil
	}

	val, fromCache, err := Do(ctx, c, "load_dashboard", op, WithCache("dash_stats"))
	require.NoError(t, err)
	assert.False(t, fromCache)
	assert.Equal(t, "dashboard-data", val)
	assert.Equal(t, 1, invocations)

	val, fromCache, err = Do(ctx, c, "load_dashboard", op, WithCache("dash_stats"))
	require.NoError(t, err)
	assert.True(t, fromCache)
	assert.Equal(t, "dashboard-data", val)
	assert.Equal(t, 1, invocations)
}

func TestNoCachingWithoutCacheKey(t *testing.T) {
	ctx := context.Background()
	c, _ := newCachingCoordinator(t)

	invocations := 0
	for i := 0; i < 2; i++ {
		_, fromCache, err := c.Execute(ctx, "uncached", func(ctx context.Context) (any, error) {
			invocations++
			return i, nil
		})
		assert.NoError(t, err)
		assert.False(t, fromCache)
	}
	assert.Equal(t, 2, invocations)
}

// reopenedStore seeds a disk-backed store with val, closes it, and returns
// a fresh store over the same file so the next read promotes from disk.
func reopenedStore(t *testing.T, key string, val any) *cache.Store {
	t.Helper()
	ctx := context.Background()
	path := t.TempDir() + "/cache.db"

	b1, err := cache.NewSQLiteBackend(path)
	require.NoError(t, err)
	s1 := cache.New(ctx, zerolog.Nop(), b1, nil)
	s1.Set(ctx, key, val)
	require.NoError(t, s1.Close())

	b2, err := cache.NewSQLiteBackend(path)
	require.NoError(t, err)
	s2 := cache.New(ctx, zerolog.Nop(), b2, nil)
	t.Cleanup(func() { s2.Close() })
	return s2
}

func TestDoDecodesPersistedFrames(t *testing.T) {
	ctx := context.Background()
	type stats struct {
		Count int `msgpack:"count"`
	}
	store := reopenedStore(t, "dash_stats", stats{Count: 5})
	c := New(ctx, zerolog.Nop(), store)

	// The cache hit arrives from disk as an encoded frame; Do decodes it.
	val, fromCache, err := Do(ctx, c, "load_dashboard", func(ctx context.Context) (stats, error) {
		t.Fatal("must be served from cache")
		return stats{}, nil
	}, WithCache("dash_stats"))
	require.NoError(t, err)
	assert.True(t, fromCache)
	assert.Equal(t, stats{Count: 5}, val)
}

func TestDoReturnsCallerBytesVerbatim(t *testing.T) {
	ctx := context.Background()
	raw := []byte("raw-token-bytes")
	store := reopenedStore(t, "api_token", raw)
	c := New(ctx, zerolog.Nop(), store)

	// A []byte payload promoted from disk must not pick up frame headers.
	val, fromCache, err := Do(ctx, c, "load_token", func(ctx context.Context) ([]byte, error) {
		t.Fatal("must be served from cache")
		return nil, nil
	}, WithCache("api_token"))
	require.NoError(t, err)
	assert.True(t, fromCache)
	assert.Equal(t, raw, val)
}

func TestStatsCounters(t *testing.T) {
	ctx := context.Background()
	c, _ := newCachingCoordinator(t)

	_, _, _ = c.Execute(ctx, "ok", func(ctx context.Context) (any, error) { return 1, nil }, WithCache("k"))
	_, _, _ = c.Execute(ctx, "ok2", func(ctx context.Context) (any, error) { return 2, nil }, WithCache("k"))
	_, _, _ = c.Execute(ctx, "bad", func(ctx context.Context) (any, error) { return nil, errors.New("boom") })

	stats := c.Stats()
	assert.Equal(t, 0, stats.InFlight)
	assert.Equal(t, int64(3), stats.Started)
	assert.Equal(t, int64(2), stats.Completed)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, int64(0), stats.Deduplicated)
}

func TestBackgroundRefreshDelegation(t *testing.T) {
	ctx := context.Background()
	scheduler := refresh.New(ctx, zerolog.Nop(), refresh.WithInterval(time.Hour))
	defer scheduler.Close()
	c := New(ctx, zerolog.Nop(), nil, WithScheduler(scheduler))

	consumer := refresh.Consumer{
		State:   func() refresh.State { return refresh.State{LastUpdated: time.Now()} },
		Refresh: func(ctx context.Context) error { return nil },
	}
	require.NoError(t, c.RegisterForBackgroundRefresh("dashboard", consumer))
	assert.True(t, scheduler.Registered("dashboard"))

	c.UnregisterFromBackgroundRefresh("dashboard")
	assert.False(t, scheduler.Registered("dashboard"))
}

func TestRegisterWithoutSchedulerFails(t *testing.T) {
	c := newCoordinator(t)
	err := c.RegisterForBackgroundRefresh("dashboard", refresh.Consumer{
		State:   func() refresh.State { return refresh.State{} },
		Refresh: func(ctx context.Context) error { return nil },
	})
	assert.Error(t, err)
}
