package main

import (
	"github.com/spf13/cobra"

	"github.com/tears-mysthrala/Oroitz/internal/cache"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the step result cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache entry count and size",
	Args:  cobra.NoArgs,
	RunE:  runCacheStats,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cache entry",
	Args:  cobra.NoArgs,
	RunE:  runCacheClear,
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate <image-fingerprint>",
	Short: "Remove all entries for one image",
	Args:  cobra.ExactArgs(1),
	RunE:  runCacheInvalidate,
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheClearCmd)
	cacheCmd.AddCommand(cacheInvalidateCmd)
}

func openCache(cmd *cobra.Command) (*cache.Cache, func(), error) {
	a, err := newApp(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	c, err := cache.New(a.cfg.Cache.Root, cache.WithLogger(a.logger))
	if err != nil {
		a.Close(cmd.Context())
		return nil, nil, err
	}
	return c, func() { a.Close(cmd.Context()) }, nil
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	c, done, err := openCache(cmd)
	if err != nil {
		return err
	}
	defer done()

	stats, err := c.Stats()
	if err != nil {
		return err
	}
	cmd.Printf("Entries: %d\n", stats.Entries)
	cmd.Printf("Bytes:   %d\n", stats.TotalBytes)
	return nil
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	c, done, err := openCache(cmd)
	if err != nil {
		return err
	}
	defer done()

	if err := c.Clear(); err != nil {
		return err
	}
	cmd.Println("Cache cleared")
	return nil
}

func runCacheInvalidate(cmd *cobra.Command, args []string) error {
	c, done, err := openCache(cmd)
	if err != nil {
		return err
	}
	defer done()

	if err := c.Invalidate(args[0]); err != nil {
		return err
	}
	cmd.Printf("Invalidated entries for image %s\n", args[0])
	return nil
}
