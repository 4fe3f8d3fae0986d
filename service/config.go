package service

import (
	"encoding/hex"
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	str2duration "github.com/xhit/go-str2duration/v2"

	"github.com/sahayak/go-core/cache"
	"github.com/sahayak/go-core/refresh"
)

// Config holds everything the composition root needs to build the core.
type Config struct {
	// MemoryCapacity bounds the in-memory cache tier.
	MemoryCapacity int
	// SweepInterval controls the expired-entry sweep of memory and disk.
	SweepInterval time.Duration
	// RefreshInterval is the background refresh tick per consumer.
	RefreshInterval time.Duration
	// DiskPath locates the SQLite cache file. Empty means in-memory only
	// persistence (lost on restart) unless RedisURL is set.
	DiskPath string
	// RedisURL, when set, selects a Redis plain tier instead of SQLite.
	RedisURL string
	// SecureKey enables the encrypted tier when non-empty (AES key,
	// 16/24/32 bytes).
	SecureKey []byte
	// CacheGroups maps group names to key patterns for bulk invalidation.
	CacheGroups map[string][]string
}

// DefaultCacheGroups covers the app's feature areas. A trailing "*" marks a
// prefix pattern.
var DefaultCacheGroups = map[string][]string{
	"chat":      {"chat_sessions", "chat_history_*"},
	"dashboard": {"dash_stats", "dash_recent_*"},
	"content":   {"content_library", "content_item_*"},
	"profile":   {"profile_settings", "profile_prefs"},
}

// DefaultConfig returns the configuration used when no environment
// overrides are present.
func DefaultConfig() Config {
	return Config{
		MemoryCapacity:  cache.DefaultMemoryCapacity,
		SweepInterval:   cache.DefaultSweepInterval,
		RefreshInterval: refresh.DefaultInterval,
		CacheGroups:     DefaultCacheGroups,
	}
}

// ConfigFromEnv builds a Config from SAHAYAK_* environment variables,
// falling back to defaults for anything unset:
//
//	SAHAYAK_CACHE_CAPACITY    int
//	SAHAYAK_SWEEP_INTERVAL    duration ("90m", "1h30m", "2d" also accepted)
//	SAHAYAK_REFRESH_INTERVAL  duration
//	SAHAYAK_CACHE_PATH        SQLite file path
//	SAHAYAK_REDIS_URL         redis URL (overrides SQLite)
//	SAHAYAK_SECURE_KEY        hex-encoded AES key
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("SAHAYAK_CACHE_CAPACITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, errors.Wrap(err, "service: invalid SAHAYAK_CACHE_CAPACITY")
		}
		cfg.MemoryCapacity = n
	}
	if v := os.Getenv("SAHAYAK_SWEEP_INTERVAL"); v != "" {
		d, err := str2duration.ParseDuration(v)
		if err != nil {
			return cfg, errors.Wrap(err, "service: invalid SAHAYAK_SWEEP_INTERVAL")
		}
		cfg.SweepInterval = d
	}
	if v := os.Getenv("SAHAYAK_REFRESH_INTERVAL"); v != "" {
		d, err := str2duration.ParseDuration(v)
		if err != nil {
			return cfg, errors.Wrap(err, "service: invalid SAHAYAK_REFRESH_INTERVAL")
		}
		cfg.RefreshInterval = d
	}
	cfg.DiskPath = os.Getenv("SAHAYAK_CACHE_PATH")
	cfg.RedisURL = os.Getenv("SAHAYAK_REDIS_URL")
	if v := os.Getenv("SAHAYAK_SECURE_KEY"); v != "" {
		key, err := hex.DecodeString(v)
		if err != nil {
			return cfg, errors.Wrap(err, "service: invalid SAHAYAK_SECURE_KEY")
		}
		cfg.SecureKey = key
	}
	return cfg, nil
}
