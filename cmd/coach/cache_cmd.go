package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the analysis cache",
	Long: `Inspect and maintain the analysis cache.

Entries are keyed by (transcript hash, rubric version, dimensions) and
never expire in place: the sweep is the only eviction path, so expired
rows still serve hits until 'cache sweep' (or the background sweep in
serve mode) removes them.`,
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache population and counters",
	RunE:  runCacheStats,
}

var cacheSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete entries past their TTL",
	RunE:  runCacheSweep,
}

var cacheListLimit int

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cache entries, newest first",
	RunE:  runCacheList,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every cache entry regardless of age",
	RunE:  runCacheClear,
}

func init() {
	cacheListCmd.Flags().IntVar(&cacheListLimit, "limit", 50, "Maximum entries to list")
	cacheCmd.AddCommand(cacheStatsCmd, cacheSweepCmd, cacheListCmd, cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.cache.Stats(context.Background())
	if err != nil {
		return err
	}
	return printResult(stats)
}

func runCacheSweep(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	removed, err := a.cache.Sweep(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("Swept %d expired entries\n", removed)
	return nil
}

func runCacheList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := a.cache.Entries(context.Background(), cacheListLimit)
	if err != nil {
		return err
	}
	return printResult(entries)
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	removed, err := a.cache.Clear(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("Cleared %d entries\n", removed)
	return nil
}
