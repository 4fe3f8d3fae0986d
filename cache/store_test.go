package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// failingBackend errors on every operation, standing in for broken storage.
type failingBackend struct{}

var errBackendDown = errors.New("backend down")

func (failingBackend) Read(context.Context, string) ([]byte, bool, error) {
	return nil, false, errBackendDown
}
func (failingBackend) Write(context.Context, string, []byte) error { return errBackendDown }
func (failingBackend) Delete(context.Context, string) error        { return errBackendDown }
func (failingBackend) ListKeys(context.Context) ([]string, error)  { return nil, errBackendDown }
func (failingBackend) Clear(context.Context) error                 { return errBackendDown }
func (failingBackend) Len(context.Context) (int, error)            { return 0, errBackendDown }
func (failingBackend) Close() error                                { return nil }

func newMemoryStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s := New(context.Background(), zerolog.Nop(), nil, nil, opts...)
	t.Cleanup(func() { s.Close() })
	return s
}

func newDiskStore(t *testing.T, opts ...Option) (*Store, *SQLiteBackend) {
	t.Helper()
	backend, err := NewSQLiteBackend("")
	require.NoError(t, err)
	s := New(context.Background(), zerolog.Nop(), backend, nil, opts...)
	t.Cleanup(func() { s.Close() })
	return s, backend
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newDiskStore(t)

	s.Set(ctx, "dash_stats", map[string]int{"count": 5}, TTL(10*time.Minute))
	found, val := s.Get(ctx, "dash_stats")
	assert.True(t, found)
	assert.Equal(t, map[string]int{"count": 5}, val)
}

func TestStoreMissOnAbsentKey(t *testing.T) {
	ctx := context.Background()
	s, _ := newDiskStore(t)

	found, val := s.Get(ctx, "nope")
	assert.False(t, found)
	assert.Nil(t, val)
}

func TestStoreExpiredEntryIsMissAndPurged(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s, backend := newDiskStore(t, WithClock(clock.Now))

	s.Set(ctx, "short", "value", TTL(10*time.Minute))
	found, _ := s.Get(ctx, "short")
	assert.True(t, found)

	clock.Advance(11 * time.Minute)
	found, val := s.Get(ctx, "short")
	assert.False(t, found)
	assert.Nil(t, val)

	// Expired entry was deleted from every tier it was found in.
	s.mutex.Lock()
	_, inMemory := s.memory["short"]
	s.mutex.Unlock()
	assert.False(t, inMemory)
	_, onDisk, err := backend.Read(ctx, "short")
	assert.NoError(t, err)
	assert.False(t, onDisk)
}

func TestStorePastExpiryNeverVisible(t *testing.T) {
	ctx := context.Background()
	s, _ := newDiskStore(t)

	s.Set(ctx, "stale", "value", TTL(-time.Minute))
	found, _ := s.Get(ctx, "stale")
	assert.False(t, found)
}

func TestStoreNoTTLNeverExpires(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := newMemoryStore(t, WithClock(clock.Now))

	s.Set(ctx, "forever", 1)
	clock.Advance(1000 * time.Hour)
	found, _ := s.Get(ctx, "forever")
	assert.True(t, found)
}

func TestStoreOverwriteReplacesWholesale(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t)

	s.Set(ctx, "k", map[string]int{"a": 1, "b": 2})
	s.Set(ctx, "k", map[string]int{"a": 9})
	found, val := s.Get(ctx, "k")
	assert.True(t, found)
	assert.Equal(t, map[string]int{"a": 9}, val)
}

func TestEvictionOrdering(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := newMemoryStore(t, WithMemoryCapacity(10), WithClock(clock.Now))

	keys := []string{"k0", "k1", "k2", "k3", "k4", "k5", "k6", "k7", "k8", "k9", "k10"}
	for _, key := range keys {
		s.Set(ctx, key, key)
		clock.Advance(time.Second)
	}

	// The 11th insert exceeded capacity 10: ceil(0.2*10)=2 entries with the
	// oldest lastAccessed are gone, all others remain.
	for i, key := range keys {
		found, _ := s.Get(ctx, key)
		if i < 2 {
			assert.False(t, found, "expected %s evicted", key)
		} else {
			assert.True(t, found, "expected %s retained", key)
		}
	}
}

func TestEvictionPrefersLowPriority(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := newMemoryStore(t, WithMemoryCapacity(5), WithClock(clock.Now))

	for _, key := range []string{"c0", "c1", "c2", "c3", "c4"} {
		s.Set(ctx, key, key, WithPriority(PriorityCritical))
		clock.Advance(time.Second)
	}
	// Newest entry, but lowest priority: it goes first.
	s.Set(ctx, "low", "low", WithPriority(PriorityLow))

	found, _ := s.Get(ctx, "low")
	assert.False(t, found)
	for _, key := range []string{"c0", "c1", "c2", "c3", "c4"} {
		found, _ := s.Get(ctx, key)
		assert.True(t, found, "critical entry %s must survive", key)
	}
}

func TestEvictionCriticalLastResort(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := newMemoryStore(t, WithMemoryCapacity(5), WithClock(clock.Now))

	for _, key := range []string{"c0", "c1", "c2", "c3", "c4"} {
		s.Set(ctx, key, key, WithPriority(PriorityCritical))
		clock.Advance(time.Second)
	}
	s.Set(ctx, "c5", "c5", WithPriority(PriorityCritical))

	// Only critical entries remain, so the oldest of them is evicted.
	found, _ := s.Get(ctx, "c0")
	assert.False(t, found)
	found, _ = s.Get(ctx, "c5")
	assert.True(t, found)
}

func TestPromotionFromDisk(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := dir + "/cache.db"

	backend, err := NewSQLiteBackend(path)
	require.NoError(t, err)
	s1 := New(ctx, zerolog.Nop(), backend, nil)
	s1.Set(ctx, "persisted", "hello")
	require.NoError(t, s1.Close())

	backend2, err := NewSQLiteBackend(path)
	require.NoError(t, err)
	s2 := New(ctx, zerolog.Nop(), backend2, nil)
	defer s2.Close()

	// Fresh process: memory is cold, the hit comes from disk and promotes.
	found, val, err := GetAs[string](ctx, s2, "persisted")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "hello", val)

	s2.mutex.Lock()
	_, inMemory := s2.memory["persisted"]
	s2.mutex.Unlock()
	assert.True(t, inMemory)
}

func TestGetAsRawBytesSurviveDiskPromotion(t *testing.T) {
	ctx := context.Background()
	s, _ := newDiskStore(t)

	raw := []byte("raw-token-bytes")
	s.Set(ctx, "api_token", raw)

	// Cold memory: the read must come back through the disk tier.
	s.mutex.Lock()
	delete(s.memory, "api_token")
	s.mutex.Unlock()

	// The caller gets their bytes back, not the storage frame around them.
	found, val, err := GetAs[[]byte](ctx, s, "api_token")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, raw, val)
}

func TestGetAsTypedFromMemory(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t)

	type lesson struct {
		Title string `msgpack:"title"`
		Grade int    `msgpack:"grade"`
	}
	s.Set(ctx, "lesson", lesson{Title: "Fractions", Grade: 4})
	found, val, err := GetAs[lesson](ctx, s, "lesson")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, lesson{Title: "Fractions", Grade: 4}, val)
}

func TestInvalidateGroup(t *testing.T) {
	ctx := context.Background()
	groups := map[string][]string{
		"chat": {"chat_sessions", "chat_history_*"},
	}
	s, backend := newDiskStore(t, WithGroups(groups))

	s.Set(ctx, "chat_sessions", "sessions")
	s.Set(ctx, "chat_history_42", "history")
	s.Set(ctx, "other_data", "other")

	s.InvalidateGroup(ctx, "chat")

	for _, key := range []string{"chat_sessions", "chat_history_42"} {
		found, _ := s.Get(ctx, key)
		assert.False(t, found, "%s should be invalidated", key)
		_, onDisk, err := backend.Read(ctx, key)
		assert.NoError(t, err)
		assert.False(t, onDisk, "%s should be gone from disk", key)
	}
	found, _ := s.Get(ctx, "other_data")
	assert.True(t, found)
}

func TestInvalidateUnknownGroupIsNoop(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t)
	s.Set(ctx, "k", "v")
	s.InvalidateGroup(ctx, "missing")
	found, _ := s.Get(ctx, "k")
	assert.True(t, found)
}

func TestClearSparesSecureTier(t *testing.T) {
	ctx := context.Background()
	plain, err := NewSQLiteBackend("")
	require.NoError(t, err)
	secureInner, err := NewSQLiteBackend("")
	require.NoError(t, err)
	secure, err := NewSecureBackend(secureInner, make([]byte, 32))
	require.NoError(t, err)

	s := New(ctx, zerolog.Nop(), plain, secure)
	defer s.Close()

	s.Set(ctx, "plain_key", "plain")
	s.Set(ctx, "secret_key", "secret", Secure())

	s.Clear(ctx, false)
	found, _ := s.Get(ctx, "plain_key")
	assert.False(t, found)
	found, val, err := GetAs[string](ctx, s, "secret_key", Secure())
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "secret", val)

	s.Clear(ctx, true)
	found, _ = s.Get(ctx, "secret_key", Secure())
	assert.False(t, found)
}

func TestRemoveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, _ := newDiskStore(t)
	s.Set(ctx, "k", "v")
	s.Remove(ctx, "k")
	s.Remove(ctx, "k")
	found, _ := s.Get(ctx, "k")
	assert.False(t, found)
}

func TestStatsHeuristicHitRate(t *testing.T) {
	ctx := context.Background()
	s := newMemoryStore(t)

	s.Set(ctx, "a", 1)
	s.Set(ctx, "b", 2)
	for i := 0; i < 3; i++ {
		s.Get(ctx, "a")
	}

	stats := s.Stats(ctx)
	assert.Equal(t, 2, stats.MemoryItems)
	assert.Equal(t, 0, stats.DiskItems)
	// Mean access count, not a true ratio: 3 reads over 2 entries.
	assert.InDelta(t, 1.5, stats.ApproxHitRate, 0.001)
}

func TestBackendErrorsAreSwallowed(t *testing.T) {
	ctx := context.Background()
	s := New(ctx, zerolog.Nop(), failingBackend{}, nil)
	defer s.Close()

	// Write still lands in memory even though persistence is down.
	s.Set(ctx, "k", "v")
	found, val := s.Get(ctx, "k")
	assert.True(t, found)
	assert.Equal(t, "v", val)

	// A cold read against the broken backend is just a miss.
	found, _ = s.Get(ctx, "cold")
	assert.False(t, found)

	s.Remove(ctx, "k")
	s.Clear(ctx, true)
	stats := s.Stats(ctx)
	assert.Equal(t, 0, stats.DiskItems)
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	backend, err := NewSQLiteBackend("")
	require.NoError(t, err)
	s := New(ctx, zerolog.Nop(), backend, nil,
		WithClock(clock.Now), WithSweepInterval(20*time.Millisecond))
	defer s.Close()

	s.Set(ctx, "dead", "v", TTL(time.Minute))
	s.Set(ctx, "alive", "v", TTL(time.Hour))
	clock.Advance(2 * time.Minute)

	assert.Eventually(t, func() bool {
		s.mutex.Lock()
		_, inMemory := s.memory["dead"]
		s.mutex.Unlock()
		if inMemory {
			return false
		}
		_, onDisk, err := backend.Read(ctx, "dead")
		return err == nil && !onDisk
	}, time.Second, 10*time.Millisecond)

	_, onDisk, err := backend.Read(ctx, "alive")
	assert.NoError(t, err)
	assert.True(t, onDisk)
}

func TestCloseIsIdempotent(t *testing.T) {
	s := New(context.Background(), zerolog.Nop(), nil, nil)
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}
