package main

import (
	"context"
	"fmt"
	"time"

	"github.com/codegraph/ingestsub/internal/config"
	"github.com/codegraph/ingestsub/internal/pool"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report connection pool health and configuration without starting the pipeline",
	RunE:  runStatus,
}

// runStatus opens a pool just long enough to read its health and
// occupancy, then shuts it down — a one-shot check, not a server.
func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	fmt.Printf("Sync concurrency: %d\n", cfg.Sync.MaxConcurrency)
	fmt.Printf("Session TTL: %s\n", cfg.Session.DefaultTTL)
	fmt.Printf("Analytics retention: %d days\n", cfg.Analytics.RetentionDays)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p, err := pool.New(ctx, cfg.RedisURL, cfg.Pool)
	if err != nil {
		fmt.Printf("Pool: unreachable (%v)\n", err)
		return nil
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = p.Shutdown(shutdownCtx)
	}()

	s := p.Stats()
	fmt.Printf("Pool: %s (total=%d available=%d inUse=%d waiting=%d)\n",
		p.Status(), s.Total, s.Available, s.InUse, s.Waiting)
	return nil
}
