package cache

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// Store is the multi-tier cache: a bounded in-memory map in front of a
// plain persistent backend and an optional encrypted one. All operations
// are fail-soft — backend errors are logged and treated as misses or
// skipped writes, never surfaced to the caller.
type Store struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger
	plain  Backend
	secure Backend
	cfg    config

	mutex  sync.Mutex
	memory map[string]*entry

	waitGroup sync.WaitGroup
	once      sync.Once
}

// Stats is a point-in-time snapshot of store occupancy.
type Stats struct {
	MemoryItems int
	DiskItems   int
	// ApproxHitRate is the mean access count of memory entries. It is a
	// rough popularity proxy, not a true hit/miss ratio.
	ApproxHitRate float64
}

// New returns a Store backed by the given persistent backends. plain may be
// nil for a memory-only store; secure may be nil when no encrypted tier is
// configured. The Store owns both backends and closes them on Close.
func New(parent context.Context, log zerolog.Logger, plain, secure Backend, opts ...Option) *Store {
	cfg := applyOptions(opts)
	ctx, cancel := context.WithCancel(parent)
	s := &Store{
		ctx:    ctx,
		cancel: cancel,
		log:    log.With().Str("component", "cache").Logger(),
		plain:  plain,
		secure: secure,
		cfg:    cfg,
		memory: make(map[string]*entry),
	}
	s.waitGroup.Add(1)
	go s.run()
	return s
}

func (s *Store) backendFor(secure bool) Backend {
	if secure {
		return s.secure
	}
	return s.plain
}

// Get retrieves a value. Memory is checked first, then the requested
// persistent tier; a persistent hit is promoted into memory and returned as
// a still-encoded Frame. Expired
// entries are deleted from every tier they were found in and reported as a
// miss. Get never fails: backend errors are logged and count as a miss.
func (s *Store) Get(ctx context.Context, key string, opts ...CallOption) (bool, any) {
	co := applyCallOptions(opts)
	now := s.cfg.clock()

	s.mutex.Lock()
	if e, ok := s.memory[key]; ok {
		if e.expired(now) {
			delete(s.memory, key)
			s.mutex.Unlock()
			s.backendDelete(ctx, key, co.secure)
			return false, nil
		}
		e.accessCount++
		e.lastAccessed = now
		data := e.data
		s.mutex.Unlock()
		return true, data
	}
	s.mutex.Unlock()

	b := s.backendFor(co.secure)
	if b == nil {
		return false, nil
	}
	frame, found, err := b.Read(ctx, key)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("persistent read failed, treating as miss")
		return false, nil
	}
	if !found {
		return false, nil
	}
	var pe persistedEntry
	if err := msgpack.Unmarshal(frame, &pe); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("corrupt persisted entry, dropping")
		s.backendDelete(ctx, key, co.secure)
		return false, nil
	}
	if !pe.Expires.IsZero() && pe.Expires.Before(now) {
		s.backendDelete(ctx, key, co.secure)
		return false, nil
	}

	pe.AccessCount++
	pe.LastAccessed = now

	// Promote into memory. Another task may have stored this key while we
	// were reading the backend; the in-memory value is the fresher one, so
	// keep it.
	promoted := &entry{
		data:         Frame(pe.Data),
		expires:      pe.Expires,
		priority:     Priority(pe.Priority),
		createdAt:    pe.CreatedAt,
		lastAccessed: now,
		accessCount:  pe.AccessCount,
	}
	s.mutex.Lock()
	if racing, ok := s.memory[key]; ok && !racing.expired(now) {
		racing.accessCount++
		racing.lastAccessed = now
		data := racing.data
		s.mutex.Unlock()
		return true, data
	}
	s.memory[key] = promoted
	s.evictIfNeeded()
	s.mutex.Unlock()

	// Persist the bumped access metadata best-effort.
	if updated, err := msgpack.Marshal(&pe); err == nil {
		if err := b.Write(ctx, key, updated); err != nil {
			s.log.Debug().Err(err).Str("key", key).Msg("access metadata writeback failed")
		}
	}
	return true, Frame(pe.Data)
}

// Set stores a value in memory and mirrors it best-effort to the requested
// persistent tier. Overwriting replaces the entry wholesale. A persistent
// write failure is logged and swallowed; the memory write always takes
// effect, so an in-session read still succeeds. The mirror write happens
// outside the lock: two racing writers of the same key are last-writer-wins
// per tier, so memory and the persistent tier can briefly disagree until
// the next overwrite.
func (s *Store) Set(ctx context.Context, key string, val any, opts ...CallOption) {
	co := applyCallOptions(opts)
	now := s.cfg.clock()

	var expires time.Time
	switch {
	case co.ttl != 0:
		expires = now.Add(co.ttl)
	case s.cfg.defaultTTL != 0:
		expires = now.Add(s.cfg.defaultTTL)
	}

	s.mutex.Lock()
	s.memory[key] = &entry{
		data:         val,
		expires:      expires,
		priority:     co.priority,
		createdAt:    now,
		lastAccessed: now,
		accessCount:  0,
	}
	s.evictIfNeeded()
	s.mutex.Unlock()

	b := s.backendFor(co.secure)
	if b == nil {
		return
	}
	data, err := msgpack.Marshal(val)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("value not serializable, skipping persistent write")
		return
	}
	frame, err := msgpack.Marshal(&persistedEntry{
		Data:         data,
		Expires:      expires,
		Priority:     int(co.priority),
		CreatedAt:    now,
		LastAccessed: now,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("frame encode failed, skipping persistent write")
		return
	}
	if err := b.Write(ctx, key, frame); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("persistent write failed")
	}
}

// Remove deletes a key from memory and the requested persistent tier.
// Removing an absent key is a no-op.
func (s *Store) Remove(ctx context.Context, key string, opts ...CallOption) {
	co := applyCallOptions(opts)
	s.mutex.Lock()
	delete(s.memory, key)
	s.mutex.Unlock()
	s.backendDelete(ctx, key, co.secure)
}

// InvalidateGroup removes every key matched by the named group's patterns
// from memory and the plain persistent tier. Patterns ending in "*" match
// by prefix; anything else matches exactly. An unknown group is a no-op.
func (s *Store) InvalidateGroup(ctx context.Context, group string) {
	patterns, ok := s.cfg.groups[group]
	if !ok {
		s.log.Debug().Str("group", group).Msg("unknown cache group")
		return
	}
	var prefixes []string
	for _, pattern := range patterns {
		if prefix, wildcard := strings.CutSuffix(pattern, "*"); wildcard {
			prefixes = append(prefixes, prefix)
			continue
		}
		s.Remove(ctx, pattern)
	}
	if len(prefixes) == 0 {
		return
	}

	s.mutex.Lock()
	for key := range s.memory {
		if matchesAny(key, prefixes) {
			delete(s.memory, key)
		}
	}
	s.mutex.Unlock()

	if s.plain == nil {
		return
	}
	keys, err := s.plain.ListKeys(ctx)
	if err != nil {
		s.log.Warn().Err(err).Str("group", group).Msg("key listing failed during group invalidation")
		return
	}
	for _, key := range keys {
		if matchesAny(key, prefixes) {
			s.backendDelete(ctx, key, false)
		}
	}
}

func matchesAny(key string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// Clear drops the memory tier and the plain persistent tier. The secure
// tier is dropped only when includeSecure is set, so a routine clear cannot
// wipe credentials by accident.
func (s *Store) Clear(ctx context.Context, includeSecure bool) {
	s.mutex.Lock()
	s.memory = make(map[string]*entry)
	s.mutex.Unlock()
	if s.plain != nil {
		if err := s.plain.Clear(ctx); err != nil {
			s.log.Warn().Err(err).Msg("plain tier clear failed")
		}
	}
	if includeSecure && s.secure != nil {
		if err := s.secure.Clear(ctx); err != nil {
			s.log.Warn().Err(err).Msg("secure tier clear failed")
		}
	}
}

// Stats returns a point-in-time occupancy snapshot. DiskItems is zero when
// the plain backend is absent or failing.
func (s *Store) Stats(ctx context.Context) Stats {
	s.mutex.Lock()
	memItems := len(s.memory)
	var totalAccess int64
	for _, e := range s.memory {
		totalAccess += e.accessCount
	}
	s.mutex.Unlock()

	var diskItems int
	if s.plain != nil {
		n, err := s.plain.Len(ctx)
		if err != nil {
			s.log.Debug().Err(err).Msg("disk item count unavailable")
		} else {
			diskItems = n
		}
	}

	var hitRate float64
	if memItems > 0 {
		hitRate = float64(totalAccess) / float64(memItems)
	}
	return Stats{MemoryItems: memItems, DiskItems: diskItems, ApproxHitRate: hitRate}
}

// Close stops the sweep goroutine and closes both backends. Idempotent.
func (s *Store) Close() error {
	var firstErr error
	s.once.Do(func() {
		s.cancel()
		s.waitGroup.Wait()
		for _, b := range []Backend{s.plain, s.secure} {
			if b == nil {
				continue
			}
			if err := b.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}

func (s *Store) backendDelete(ctx context.Context, key string, secure bool) {
	b := s.backendFor(secure)
	if b == nil {
		return
	}
	if err := b.Delete(ctx, key); err != nil {
		s.log.Debug().Err(err).Str("key", key).Msg("persistent delete failed")
	}
}

// evictIfNeeded removes ceil(0.2*C) entries, ascending by
// (priority, lastAccessed), once the memory tier exceeds capacity C.
// Caller must hold s.mutex.
func (s *Store) evictIfNeeded() {
	capacity := s.cfg.memoryCapacity
	if capacity <= 0 || len(s.memory) <= capacity {
		return
	}
	type candidate struct {
		key string
		e   *entry
	}
	all := make([]candidate, 0, len(s.memory))
	for key, e := range s.memory {
		all = append(all, candidate{key, e})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].e.priority != all[j].e.priority {
			return all[i].e.priority < all[j].e.priority
		}
		return all[i].e.lastAccessed.Before(all[j].e.lastAccessed)
	})
	evict := int(math.Ceil(0.2 * float64(capacity)))
	if evict > len(all) {
		evict = len(all)
	}
	for i := 0; i < evict; i++ {
		delete(s.memory, all[i].key)
	}
	s.log.Debug().Int("evicted", evict).Int("remaining", len(s.memory)).Msg("memory eviction pass")
}

// run sweeps expired entries from memory and the plain persistent tier at
// the configured interval. The secure tier is swept lazily on read only.
func (s *Store) run() {
	defer s.waitGroup.Done()
	ticker := time.NewTicker(s.cfg.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Store) sweep() {
	now := s.cfg.clock()

	s.mutex.Lock()
	for key, e := range s.memory {
		if e.expired(now) {
			delete(s.memory, key)
		}
	}
	s.mutex.Unlock()

	if s.plain == nil {
		return
	}
	keys, err := s.plain.ListKeys(s.ctx)
	if err != nil {
		s.log.Debug().Err(err).Msg("sweep key listing failed")
		return
	}
	for _, key := range keys {
		frame, found, err := s.plain.Read(s.ctx, key)
		if err != nil || !found {
			continue
		}
		var pe persistedEntry
		if err := msgpack.Unmarshal(frame, &pe); err != nil {
			s.backendDelete(s.ctx, key, false)
			continue
		}
		if !pe.Expires.IsZero() && pe.Expires.Before(now) {
			s.backendDelete(s.ctx, key, false)
		}
	}
}
