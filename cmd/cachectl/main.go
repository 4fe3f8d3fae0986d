// cachectl inspects and manages an on-disk Sahayak cache file. Diagnostic
// tooling only; the application itself goes through the service package.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/sahayak/go-core/cache"
	"github.com/sahayak/go-core/service"
)

var (
	dbPath    string
	secureKey string
)

func openStore(ctx context.Context) (*cache.Store, error) {
	log := zerolog.New(os.Stderr).Level(zerolog.WarnLevel)
	plain, err := cache.NewSQLiteBackend(dbPath)
	if err != nil {
		return nil, err
	}
	var secure cache.Backend
	if secureKey != "" {
		key, err := hex.DecodeString(secureKey)
		if err != nil {
			plain.Close()
			return nil, fmt.Errorf("invalid --secure-key: %w", err)
		}
		inner, err := cache.NewSQLiteBackend(dbPath + ".secure")
		if err != nil {
			plain.Close()
			return nil, err
		}
		secure, err = cache.NewSecureBackend(inner, key)
		if err != nil {
			inner.Close()
			plain.Close()
			return nil, err
		}
	}
	return cache.New(ctx, log, plain, secure, cache.WithGroups(service.DefaultCacheGroups)), nil
}

func main() {
	root := &cobra.Command{
		Use:           "cachectl",
		Short:         "Inspect and manage a Sahayak disk cache",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dbPath, "db", "sahayak-cache.db", "path to the cache database")
	root.PersistentFlags().StringVar(&secureKey, "secure-key", "", "hex AES key for the secure tier")

	root.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print cache occupancy",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			stats := store.Stats(cmd.Context())
			fmt.Printf("memory items:    %d\n", stats.MemoryItems)
			fmt.Printf("disk items:      %d\n", stats.DiskItems)
			fmt.Printf("approx hit rate: %.2f\n", stats.ApproxHitRate)
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "Print a cached value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			var opts []cache.CallOption
			if secureKey != "" {
				opts = append(opts, cache.Secure())
			}
			found, val := store.Get(cmd.Context(), args[0], opts...)
			if !found {
				return fmt.Errorf("key %q not found", args[0])
			}
			if frame, ok := val.(cache.Frame); ok {
				var decoded any
				if err := msgpack.Unmarshal(frame, &decoded); err == nil {
					val = decoded
				}
			}
			fmt.Printf("%v\n", val)
			return nil
		},
	})

	var includeSecure bool
	clear := &cobra.Command{
		Use:   "clear",
		Short: "Drop the cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			store.Clear(cmd.Context(), includeSecure)
			return nil
		},
	}
	clear.Flags().BoolVar(&includeSecure, "secure", false, "also drop the secure tier")
	root.AddCommand(clear)

	root.AddCommand(&cobra.Command{
		Use:   "invalidate <group>",
		Short: "Invalidate a cache group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()
			store.InvalidateGroup(cmd.Context(), args[0])
			return nil
		},
	})

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
