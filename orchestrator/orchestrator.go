// Package orchestrator wraps remote calls with duplicate suppression,
// optional result caching, and simple observability counters. At most one
// physical execution per operation key is ever in flight; a second caller
// with the same key is rejected with ErrDuplicateOperation rather than
// joined to the first call, so callers must be idempotent to retry.
package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/sahayak/go-core/cache"
	"github.com/sahayak/go-core/refresh"
)

// ErrDuplicateOperation is returned when an operation key is already in
// flight. It is raised before the operation runs, so rejected callers have
// no side effects to undo.
var ErrDuplicateOperation = errors.New("orchestrator: operation already in flight")

// Operation is an opaque asynchronous remote call. The coordinator makes no
// assumptions about transport or payload shape; it either resolves with a
// value or fails.
type Operation func(ctx context.Context) (any, error)

// Stats is a snapshot of coordinator activity. All counters are monotonic.
type Stats struct {
	InFlight     int
	Started      int64
	Completed    int64
	Failed       int64
	Deduplicated int64
	CacheHits    int64
}

// Coordinator deduplicates and optionally caches remote calls. Construct
// one per application through the composition root and share it by
// reference; it is safe for concurrent use.
type Coordinator struct {
	ctx       context.Context
	log       zerolog.Logger
	store     *cache.Store
	scheduler *refresh.Scheduler

	mutex    sync.Mutex
	inFlight map[string]struct{}

	started      atomic.Int64
	completed    atomic.Int64
	failed       atomic.Int64
	deduplicated atomic.Int64
	cacheHits    atomic.Int64
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithScheduler attaches the background refresh scheduler that
// RegisterForBackgroundRefresh delegates to.
func WithScheduler(s *refresh.Scheduler) Option {
	return func(c *Coordinator) { c.scheduler = s }
}

// New returns a Coordinator. store may be nil to disable caching entirely.
func New(ctx context.Context, log zerolog.Logger, store *cache.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		ctx:      ctx,
		log:      log.With().Str("component", "orchestrator").Logger(),
		store:    store,
		inFlight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// callOptions holds per-call settings for Execute.
type callOptions struct {
	cacheKey  string
	cacheOpts []cache.CallOption
}

// CallOption configures a single Execute call.
type CallOption func(*callOptions)

// WithCache enables result caching under cacheKey: the cache is checked
// before the operation runs and the result is stored after it succeeds.
func WithCache(cacheKey string) CallOption {
	return func(o *callOptions) { o.cacheKey = cacheKey }
}

// WithCacheOptions forwards cache call options (TTL, priority, secure tier)
// for both the lookup and the store of the result.
func WithCacheOptions(opts ...cache.CallOption) CallOption {
	return func(o *callOptions) { o.cacheOpts = append(o.cacheOpts, opts...) }
}

// Execute runs op under the given operation key. If the key is already in
// flight it fails immediately with ErrDuplicateOperation. With caching
// enabled, a cache hit short-circuits the call (fromCache=true) and a fresh
// result is stored back. Operation failures propagate verbatim; the key is
// deregistered on every exit path so a failed operation never blocks a
// retry.
func (c *Coordinator) Execute(ctx context.Context, key string, op Operation, opts ...CallOption) (result any, fromCache bool, err error) {
	co := applyCallOptions(opts)

	// The registry insert happens under the mutex before the operation is
	// launched, so a same-instant caller observes the key as in flight.
	c.mutex.Lock()
	if _, dup := c.inFlight[key]; dup {
		c.mutex.Unlock()
		c.deduplicated.Add(1)
		return nil, false, errors.Wrapf(ErrDuplicateOperation, "operation %q", key)
	}
	c.inFlight[key] = struct{}{}
	c.mutex.Unlock()

	defer func() {
		c.mutex.Lock()
		delete(c.inFlight, key)
		c.mutex.Unlock()
	}()

	c.started.Add(1)
	execID := uuid.NewString()
	log := c.log.With().Str("operation", key).Str("exec_id", execID).Logger()

	if co.cacheKey != "" && c.store != nil {
		if found, val := c.store.Get(ctx, co.cacheKey, co.cacheOpts...); found {
			c.cacheHits.Add(1)
			c.completed.Add(1)
			log.Debug().Str("cache_key", co.cacheKey).Msg("served from cache")
			return val, true, nil
		}
	}

	val, err := op(ctx)
	if err != nil {
		c.failed.Add(1)
		log.Debug().Err(err).Msg("operation failed")
		return nil, false, err
	}
	c.completed.Add(1)

	if co.cacheKey != "" && c.store != nil {
		c.store.Set(ctx, co.cacheKey, val, co.cacheOpts...)
	}
	return val, false, nil
}

func applyCallOptions(opts []CallOption) callOptions {
	var co callOptions
	for _, opt := range opts {
		opt(&co)
	}
	return co
}

// Do is the typed variant of Execute. Cached values promoted from a
// persistent tier arrive as a cache.Frame and are decoded transparently;
// anything else is type-asserted, so a []byte result round-trips verbatim.
func Do[T any](ctx context.Context, c *Coordinator, key string, op func(ctx context.Context) (T, error), opts ...CallOption) (T, bool, error) {
	val, fromCache, err := c.Execute(ctx, key, func(ctx context.Context) (any, error) {
		return op(ctx)
	}, opts...)
	if err != nil {
		var zero T
		return zero, false, err
	}
	if f, ok := val.(cache.Frame); ok {
		var result T
		if err := msgpack.Unmarshal(f, &result); err != nil {
			var zero T
			return zero, false, errors.Wrapf(err, "orchestrator: failed to decode cached result for %q", key)
		}
		return result, fromCache, nil
	}
	if typed, ok := val.(T); ok {
		return typed, fromCache, nil
	}
	var zero T
	return zero, false, errors.Newf("orchestrator: cannot convert result of type %T to %T for %q", val, zero, key)
}

// InFlight returns the number of operations currently executing.
func (c *Coordinator) InFlight() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.inFlight)
}

// Stats returns a snapshot of coordinator activity.
func (c *Coordinator) Stats() Stats {
	return Stats{
		InFlight:     c.InFlight(),
		Started:      c.started.Load(),
		Completed:    c.completed.Load(),
		Failed:       c.failed.Load(),
		Deduplicated: c.deduplicated.Load(),
		CacheHits:    c.cacheHits.Load(),
	}
}

// RegisterForBackgroundRefresh adds a consumer to the background refresh
// roster. Requires a scheduler (see WithScheduler).
func (c *Coordinator) RegisterForBackgroundRefresh(id string, consumer refresh.Consumer) error {
	if c.scheduler == nil {
		return errors.New("orchestrator: no refresh scheduler configured")
	}
	return c.scheduler.Register(id, consumer)
}

// UnregisterFromBackgroundRefresh removes a consumer from the roster and
// cancels its timer.
func (c *Coordinator) UnregisterFromBackgroundRefresh(id string) {
	if c.scheduler == nil {
		return
	}
	c.scheduler.Unregister(id)
}
