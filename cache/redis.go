package cache

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisBackend is a Backend stored in Redis, for deployments where the
// persistent tier is shared across processes. The caller owns the
// redis.Client lifecycle — Close is a no-op on the client.
type RedisBackend struct {
	client *redis.Client
	cfg    config
}

var _ Backend = (*RedisBackend)(nil)

// NewRedisBackend returns a Backend on top of an existing Redis client.
// Use WithPrefix to namespace keys when several caches share an instance.
func NewRedisBackend(client *redis.Client, opts ...Option) *RedisBackend {
	return &RedisBackend{client: client, cfg: applyOptions(opts)}
}

func (b *RedisBackend) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, b.cfg.queryTimeout)
}

func (b *RedisBackend) prefixKey(key string) string {
	if b.cfg.prefix == "" {
		return key
	}
	return b.cfg.prefix + ":" + key
}

func (b *RedisBackend) stripPrefix(key string) string {
	if b.cfg.prefix == "" {
		return key
	}
	return key[len(b.cfg.prefix)+1:]
}

func (b *RedisBackend) Read(ctx context.Context, key string) ([]byte, bool, error) {
	qctx, cancel := b.queryCtx(ctx)
	defer cancel()
	data, err := b.client.Get(qctx, b.prefixKey(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (b *RedisBackend) Write(ctx context.Context, key string, data []byte) error {
	qctx, cancel := b.queryCtx(ctx)
	defer cancel()
	// Expiry lives inside the frame; the sweep removes dead keys.
	return b.client.Set(qctx, b.prefixKey(key), data, 0).Err()
}

func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	qctx, cancel := b.queryCtx(ctx)
	defer cancel()
	return b.client.Del(qctx, b.prefixKey(key)).Err()
}

func (b *RedisBackend) ListKeys(ctx context.Context) ([]string, error) {
	qctx, cancel := b.queryCtx(ctx)
	defer cancel()
	pattern := b.prefixKey("*")
	var keys []string
	iter := b.client.Scan(qctx, 0, pattern, 0).Iterator()
	for iter.Next(qctx) {
		keys = append(keys, b.stripPrefix(iter.Val()))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (b *RedisBackend) Clear(ctx context.Context) error {
	keys, err := b.ListKeys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	qctx, cancel := b.queryCtx(ctx)
	defer cancel()
	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = b.prefixKey(key)
	}
	return b.client.Del(qctx, prefixed...).Err()
}

func (b *RedisBackend) Len(ctx context.Context) (int, error) {
	keys, err := b.ListKeys(ctx)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Close is a no-op — the caller owns the redis.Client lifecycle.
func (b *RedisBackend) Close() error {
	return nil
}
