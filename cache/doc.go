// Package cache provides the multi-tier cache store used by the Sahayak
// client core: a bounded in-memory tier in front of a persistent backend,
// with an optional encrypted backend for sensitive keys.
//
// # Tiers
//
// Reads check memory first, then the requested persistent tier. A hit below
// memory promotes the entry into memory. Writes always land in memory and
// are mirrored best-effort to the persistent tier. The cache is fail-soft:
// persistent I/O errors are logged and treated as misses — a broken cache
// must never break the feature it accelerates.
//
// # Backends
//
// The persistent tiers are pluggable through the [Backend] interface. Three
// implementations are provided:
//
//   - [NewSQLiteBackend] — file-backed SQLite via [modernc.org/sqlite]
//     (pure Go, no CGO). Survives process restarts. WAL mode is enabled.
//   - [NewRedisBackend] — Redis via [github.com/redis/go-redis/v9] for
//     deployments where the cache is shared across processes. The caller
//     owns the redis.Client lifecycle.
//   - [NewSecureBackend] — wraps any Backend with AES-GCM encryption at
//     rest. Used for the secure tier, which callers opt into per call with
//     [Secure].
//
// # Eviction
//
// The memory tier holds at most a configured number of entries. When an
// insert exceeds capacity C, entries are sorted ascending by
// (priority, lastAccessed) and ceil(0.2*C) entries are removed from the
// front of that order. Critical-priority entries are therefore evicted only
// after every lower-priority entry is gone. Eviction runs only on the
// insert that exceeds capacity; only the expiry sweep is periodic.
//
// # Serialization
//
// Persistent tiers serialize values with msgpack
// ([github.com/vmihailenco/msgpack/v5]). In memory, values are stored
// as-is; an entry promoted from a persistent tier carries its still-encoded
// payload as a [Frame]. [GetAs] bridges the two: it decodes a Frame and
// type-asserts anything else.
//
// # Stats
//
// [Store.Stats] reports an approximate hit rate computed as the mean access
// count of memory entries. It is a heuristic for dashboards, not a true
// hit/miss ratio.
package cache
