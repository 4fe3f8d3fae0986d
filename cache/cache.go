package cache

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Priority orders entries for memory eviction. Lower priorities are evicted
// first; PriorityCritical entries go last.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Backend is a persistent key/value tier. Values are opaque byte frames
// produced by the Store; a Backend never interprets them. Implementations
// must tolerate deletes of absent keys.
type Backend interface {
	// Read returns the frame stored under key, or found=false.
	Read(ctx context.Context, key string) (data []byte, found bool, err error)
	// Write stores a frame under key, replacing any previous frame.
	Write(ctx context.Context, key string, data []byte) error
	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// ListKeys returns every key currently stored.
	ListKeys(ctx context.Context) ([]string, error)
	// Clear removes every key.
	Clear(ctx context.Context) error
	// Len returns the number of stored keys.
	Len(ctx context.Context) (int, error)
	// Close releases backend resources.
	Close() error
}

// Frame is the still-encoded msgpack payload of a value promoted from a
// persistent tier. [Store.Get] returns it verbatim; [GetAs] decodes it. The
// distinct type keeps a promoted frame from being mistaken for a []byte the
// caller stored.
type Frame []byte

// entry is the in-memory representation of a cached value. Values are kept
// as-is; entries promoted from a persistent tier hold the msgpack encoding
// of the original value as a Frame.
type entry struct {
	data         any
	expires      time.Time // zero means never
	priority     Priority
	createdAt    time.Time
	lastAccessed time.Time
	accessCount  int64
}

func (e *entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && e.expires.Before(now)
}

// persistedEntry is the msgpack frame written to persistent backends. Data
// holds the msgpack encoding of the cached value itself, so heterogeneous
// shapes can share one frame format.
type persistedEntry struct {
	Data         []byte    `msgpack:"d"`
	Expires      time.Time `msgpack:"e"`
	Priority     int       `msgpack:"p"`
	CreatedAt    time.Time `msgpack:"c"`
	LastAccessed time.Time `msgpack:"a"`
	AccessCount  int64     `msgpack:"n"`
}

// GetAs retrieves a typed value from the store. Values promoted from a
// persistent tier arrive as a [Frame] and are deserialized; anything still
// in memory gets a direct type assertion. The Frame check runs first, so a
// stored []byte comes back as the caller's bytes, never the raw frame.
func GetAs[T any](ctx context.Context, s *Store, key string, opts ...CallOption) (bool, T, error) {
	found, val := s.Get(ctx, key, opts...)
	if !found {
		var zero T
		return false, zero, nil
	}
	if f, ok := val.(Frame); ok {
		var result T
		if err := msgpack.Unmarshal(f, &result); err != nil {
			var zero T
			return false, zero, errors.Wrap(err, "cache: failed to unmarshal value")
		}
		return true, result, nil
	}
	if typed, ok := val.(T); ok {
		return true, typed, nil
	}
	var zero T
	return false, zero, errors.Newf("cache: cannot convert value of type %T to %T", val, zero)
}

// DefaultMemoryCapacity is the default maximum number of memory entries.
const DefaultMemoryCapacity = 100

// DefaultSweepInterval is the default interval for the expired-entry sweep
// of the memory and plain persistent tiers.
const DefaultSweepInterval = time.Hour

// DefaultQueryTimeout is the per-operation timeout applied by I/O backends
// (SQLite, Redis). Prevents indefinite hangs on slow or unresponsive
// storage.
const DefaultQueryTimeout = 5 * time.Second

// config holds the resolved configuration for a Store or Backend.
type config struct {
	memoryCapacity int
	sweepInterval  time.Duration
	defaultTTL     time.Duration
	queryTimeout   time.Duration
	prefix         string
	groups         map[string][]string
	clock          func() time.Time
}

// Option configures a Store or Backend.
type Option func(*config)

func defaultConfig() config {
	return config{
		memoryCapacity: DefaultMemoryCapacity,
		sweepInterval:  DefaultSweepInterval,
		queryTimeout:   DefaultQueryTimeout,
		clock:          time.Now,
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithMemoryCapacity sets the maximum number of entries held in memory
// before an eviction pass runs. Defaults to DefaultMemoryCapacity.
func WithMemoryCapacity(n int) Option {
	return func(c *config) { c.memoryCapacity = n }
}

// WithSweepInterval sets the interval for the background expired-entry
// sweep. Defaults to DefaultSweepInterval (hourly).
func WithSweepInterval(d time.Duration) Option {
	return func(c *config) { c.sweepInterval = d }
}

// WithDefaultTTL sets the TTL applied to values stored without an explicit
// TTL call option. Zero (the default) means such values never expire.
func WithDefaultTTL(d time.Duration) Option {
	return func(c *config) { c.defaultTTL = d }
}

// WithQueryTimeout sets the per-operation timeout for I/O backends.
// Defaults to DefaultQueryTimeout.
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) { c.queryTimeout = d }
}

// WithPrefix sets the key prefix used by the Redis backend for namespacing.
func WithPrefix(p string) Option {
	return func(c *config) { c.prefix = p }
}

// WithGroups registers named invalidation groups. Each group maps to key
// patterns: a pattern ending in "*" matches every key with that prefix,
// anything else matches exactly.
func WithGroups(groups map[string][]string) Option {
	return func(c *config) { c.groups = groups }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(clock func() time.Time) Option {
	return func(c *config) { c.clock = clock }
}

// callOptions holds per-call settings for Get/Set/Remove.
type callOptions struct {
	secure   bool
	ttl      time.Duration
	priority Priority
}

// CallOption configures a single Store operation.
type CallOption func(*callOptions)

func applyCallOptions(opts []CallOption) callOptions {
	co := callOptions{priority: PriorityNormal}
	for _, opt := range opts {
		opt(&co)
	}
	return co
}

// Secure routes the operation to the encrypted persistent tier instead of
// the plain one. Opt-in per call; keys live in one tier or the other.
func Secure() CallOption {
	return func(o *callOptions) { o.secure = true }
}

// TTL sets the expiry for a stored value relative to now. Without it the
// store's default TTL applies (never, unless configured otherwise).
func TTL(d time.Duration) CallOption {
	return func(o *callOptions) { o.ttl = d }
}

// WithPriority sets the eviction priority for a stored value. Defaults to
// PriorityNormal.
func WithPriority(p Priority) CallOption {
	return func(o *callOptions) { o.priority = p }
}
