// Package service is the composition root of the Sahayak client core. It
// constructs one Store, Coordinator, Loader, Controller, and Scheduler,
// wires them together, and tears them down in reverse order on Close.
// Consumers receive the Service by reference; there are no package-level
// singletons.
package service

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sahayak/go-core/cache"
	"github.com/sahayak/go-core/optimistic"
	"github.com/sahayak/go-core/orchestrator"
	"github.com/sahayak/go-core/progressive"
	"github.com/sahayak/go-core/refresh"
)

// Service owns the core's components for one application instance.
type Service struct {
	Store       *cache.Store
	Coordinator *orchestrator.Coordinator
	Loader      *progressive.Loader
	Optimistic  *optimistic.Controller
	Scheduler   *refresh.Scheduler

	redisClient *redis.Client
}

// New builds the core from cfg. Cancelling ctx stops all background work;
// Close should still be called to flush and release backends.
func New(ctx context.Context, log zerolog.Logger, cfg Config) (*Service, error) {
	plain, redisClient, err := newPlainBackend(cfg)
	if err != nil {
		return nil, err
	}

	var secure cache.Backend
	if len(cfg.SecureKey) > 0 {
		inner, err := newSecureInner(cfg)
		if err != nil {
			if plain != nil {
				plain.Close()
			}
			return nil, err
		}
		secure, err = cache.NewSecureBackend(inner, cfg.SecureKey)
		if err != nil {
			inner.Close()
			if plain != nil {
				plain.Close()
			}
			return nil, err
		}
	}

	store := cache.New(ctx, log, plain, secure,
		cache.WithMemoryCapacity(cfg.MemoryCapacity),
		cache.WithSweepInterval(cfg.SweepInterval),
		cache.WithGroups(cfg.CacheGroups),
	)
	scheduler := refresh.New(ctx, log, refresh.WithInterval(cfg.RefreshInterval))
	coordinator := orchestrator.New(ctx, log, store, orchestrator.WithScheduler(scheduler))
	loader := progressive.New(log, coordinator)
	controller := optimistic.New(log, coordinator)

	return &Service{
		Store:       store,
		Coordinator: coordinator,
		Loader:      loader,
		Optimistic:  controller,
		Scheduler:   scheduler,
		redisClient: redisClient,
	}, nil
}

func newPlainBackend(cfg Config) (cache.Backend, *redis.Client, error) {
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, errors.Wrap(err, "service: invalid redis URL")
		}
		client := redis.NewClient(opts)
		return cache.NewRedisBackend(client, cache.WithPrefix("sahayak")), client, nil
	}
	backend, err := cache.NewSQLiteBackend(cfg.DiskPath)
	if err != nil {
		return nil, nil, errors.Wrap(err, "service: failed to open disk cache")
	}
	return backend, nil, nil
}

// The secure tier always lives in its own SQLite file next to the plain
// one, never in Redis: encrypted-at-rest data stays on the device.
func newSecureInner(cfg Config) (cache.Backend, error) {
	path := cfg.DiskPath
	if path != "" {
		path += ".secure"
	}
	backend, err := cache.NewSQLiteBackend(path)
	if err != nil {
		return nil, errors.Wrap(err, "service: failed to open secure cache")
	}
	return backend, nil
}

// Close tears the core down: progress streams first, then background
// refresh, then the store and its backends. Call once.
func (s *Service) Close() error {
	s.Loader.Close()
	s.Scheduler.Close()
	err := s.Store.Close()
	if s.redisClient != nil {
		if cerr := s.redisClient.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
