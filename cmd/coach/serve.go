package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"coach/internal/api"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Start the coach HTTP API server.

Exposes analysis, rubric reads, review submission, audit queries, and
cache introspection over REST. A background ticker sweeps expired
cache entries at the configured interval while the server runs.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default: config server.addr)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	svc, err := a.analysisService()
	if err != nil {
		return err
	}

	addr := serveAddr
	if addr == "" {
		addr = a.cfg.Server.Addr
	}
	server := api.NewServer(addr, api.Services{
		Analysis: svc,
		Rubrics:  a.rubrics,
		Reviews:  a.reviews,
		Calls:    a.calls,
		Cache:    a.cache,
		Trail:    a.trail,
	}, a.logger)

	// Background sweep: the only eviction path, so serve mode keeps it
	// running on a ticker instead of relying on manual 'cache sweep'.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go a.runSweepLoop(sweepCtx)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		fmt.Printf("coach HTTP API listening on %s\n", addr)
		fmt.Println("Press Ctrl+C to stop")
		serverErr <- server.Start()
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			a.logger.Error("server error", map[string]interface{}{
				"error": err.Error(),
			})
			return err
		}
	case sig := <-shutdown:
		a.logger.Info("received shutdown signal", map[string]interface{}{
			"signal": sig.String(),
		})
		stopSweep()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			return err
		}
		a.logger.Info("server stopped gracefully", nil)
	}
	return nil
}

// runSweepLoop sweeps expired cache entries at the configured cadence
// until ctx is canceled. One sweep runs immediately so a long-idle
// database does not wait a full interval for cleanup.
func (a *app) runSweepLoop(ctx context.Context) {
	interval := time.Duration(a.cfg.Cache.SweepIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}

	if _, err := a.cache.Sweep(ctx); err != nil {
		a.logger.Warn("cache sweep failed", map[string]interface{}{"error": err.Error()})
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.cache.Sweep(ctx); err != nil {
				a.logger.Warn("cache sweep failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}
