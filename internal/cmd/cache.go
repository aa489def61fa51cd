package cmd

import (
	"fmt"

	"github.com/MakeNowJust/heredoc"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/masahif/kumo/internal/config"
	"github.com/masahif/kumo/internal/storage"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the response cache",
	Example: heredoc.Doc(`
		$ kumo cache stats
		$ kumo cache clear --dir .kumo_cache
	`),
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return bindFlags(cmd.Flags(), []flagBinding{
			{"cache.dir", "dir"},
			{"cache.ttl", "ttl"},
		})
	},
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the number of cached responses and the cache size",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cache, err := openCache()
		if err != nil {
			return err
		}
		defer func() { _ = cache.Close() }()

		stats, err := cache.Stats(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Cache:   %s\n", stats.Path)
		fmt.Fprintf(out, "Entries: %s\n", humanize.Comma(stats.Entries))
		fmt.Fprintf(out, "Size:    %s\n", humanize.Bytes(uint64(stats.SizeBytes)))
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every cached response",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cache, err := openCache()
		if err != nil {
			return err
		}
		defer func() { _ = cache.Close() }()

		removed, err := cache.Clear(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s cached responses from %s\n", humanize.Comma(removed), cache.Path())
		return nil
	},
}

func init() {
	d := config.DefaultConfig()
	cacheCmd.PersistentFlags().String("dir", d.Cache.Dir, "Response cache directory")
	cacheCmd.PersistentFlags().Duration("ttl", d.Cache.TTL, "Response cache entry lifetime")

	cacheCmd.AddCommand(cacheStatsCmd, cacheClearCmd)
}

func openCache() (*storage.ResponseCache, error) {
	cfg := config.DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Cache.Dir == "" {
		return nil, config.ErrEmptyCacheDir
	}
	if cfg.Cache.TTL <= 0 {
		return nil, config.ErrInvalidCacheTTL
	}

	cache, err := storage.NewResponseCache(cfg.Cache.Dir, cfg.Cache.TTL)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	return cache, nil
}
