package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codegraph/ingestsub/internal/analytics"
	"github.com/codegraph/ingestsub/internal/batch"
	"github.com/codegraph/ingestsub/internal/changesource"
	"github.com/codegraph/ingestsub/internal/config"
	"github.com/codegraph/ingestsub/internal/graph"
	"github.com/codegraph/ingestsub/internal/ingestion"
	"github.com/codegraph/ingestsub/internal/kv"
	"github.com/codegraph/ingestsub/internal/parser"
	"github.com/codegraph/ingestsub/internal/pool"
	"github.com/codegraph/ingestsub/internal/queue"
	"github.com/codegraph/ingestsub/internal/session"
	"github.com/codegraph/ingestsub/internal/sync"
	"github.com/codegraph/ingestsub/internal/telemetry"
	"github.com/codegraph/ingestsub/internal/types"
	"github.com/codegraph/ingestsub/internal/workerpool"
	"github.com/spf13/cobra"
)

var (
	servePartitionCount int
	serveDryRun         bool
	serveWatchRoots     []string
	serveNATSURL        string
	serveNATSToken      string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingestion pipeline, session coordinator, and sync coordinator until signaled",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePartitionCount, "partitions", 8, "queue partition count to register handlers against")
	serveCmd.Flags().BoolVar(&serveDryRun, "dry-run", false, "run against an in-memory graph instead of a live backend (no Redis/graph connection required)")
	serveCmd.Flags().StringSliceVar(&serveWatchRoots, "watch", nil, "directories to watch for file changes and feed into the pipeline (repeatable)")
	serveCmd.Flags().StringVar(&serveNATSURL, "nats-url", "", "external NATS deployment to join instead of starting an embedded server")
	serveCmd.Flags().StringVar(&serveNATSToken, "nats-token", "", "auth token for --nats-url")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := log.New(os.Stdout, "[ingestd] ", log.LstdFlags|log.Lmsgprefix)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var store kv.Store
	var g graph.Graph
	var connPool *pool.Pool

	if serveDryRun {
		logger.Print("starting in --dry-run mode: in-memory store, no live graph backend")
		store = kv.NewMemoryStore()
		g = graph.NewDryRun()
	} else {
		connPool, err = pool.New(ctx, cfg.RedisURL, cfg.Pool)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			_ = connPool.Shutdown(shutdownCtx)
		}()
		store = pool.NewPooledStore(connPool, types.RoleReadWrite)
		// No live graph backend is in scope for this substrate (§1 Non-goals,
		// "graph storage internals"); DryRun is the documented stand-in.
		g = graph.NewDryRun()
	}

	var pubsub *kv.PubSub
	if serveNATSURL != "" {
		pubsub, err = kv.ConnectPubSub(serveNATSURL, serveNATSToken)
	} else {
		pubsub, err = kv.StartEmbedded(os.TempDir(), 0)
	}
	if err != nil {
		logger.Printf("pub/sub unavailable, sessions run without broadcast: %v", err)
		pubsub = nil
	} else {
		defer func() { _ = pubsub.Shutdown() }()
	}

	meter, err := telemetry.NewMeter(ctx)
	if err != nil {
		logger.Printf("metrics exporter unavailable: %v", err)
	} else {
		defer func() { _ = meter.Shutdown(context.Background()) }()
	}

	alertThresholds := ingestion.AlertThresholdsFromConfig(cfg.Pipeline.Monitoring)
	alerts := telemetry.NewAlertManager(alertThresholds, telemetry.LogChannel(logger))

	q := queue.New(cfg.Pipeline.Queues, queue.StrategyHash)
	defer q.Close()

	wp := workerpool.New(q, workerpool.Config{
		MinWorkers: cfg.Pipeline.Workers.Parsers, MaxWorkers: cfg.Pipeline.Workers.Parsers * 4,
		ScaleUpThreshold: cfg.Pipeline.Queues.BackpressureThreshold / 2, ScaleDownThreshold: 10,
		ScaleUpCooldown: 30 * time.Second, ScaleDownCooldown: time.Minute,
		WorkerTimeout: 30 * time.Second, RestartThreshold: 5,
	})

	proc := batch.New(g, cfg.Pipeline.Batching)
	parse := parser.NewStub()
	pipeline := ingestion.New(cfg.Pipeline, q, wp, proc, parse, alerts)
	if err := pipeline.Start(servePartitionCount); err != nil {
		return err
	}
	defer func() { _ = pipeline.Stop() }()

	sessions := session.New(store, pubsub, g, cfg.Session)
	recorder := analytics.NewRecorder(cfg.Analytics.RetentionDays)

	coordinator := sync.New(pipeline, g, parse, cfg.Sync.MaxConcurrency)
	coordinator.Start()
	defer coordinator.Stop()

	// sessions and recorder have no RPC/API surface in this substrate
	// (§1 Non-goals: "CLI ergonomics"; no wire protocol is specified) —
	// they're held alive here for their background cleanup timers and
	// in-process accumulation, and are exercised directly by their own
	// package tests per §8.
	_ = sessions
	_ = recorder

	if len(serveWatchRoots) > 0 {
		watcher, err := changesource.New(pipeline, changesource.Options{
			DebounceDelay: 500 * time.Millisecond,
			IgnoreDirs:    []string{".git", "node_modules"},
			Logger:        logger,
		})
		if err != nil {
			return fmt.Errorf("starting change watcher: %w", err)
		}
		defer func() { _ = watcher.Close() }()
		for _, root := range serveWatchRoots {
			if err := watcher.AddRoot(root); err != nil {
				return fmt.Errorf("watching %s: %w", root, err)
			}
		}
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Printf("change watcher stopped: %v", err)
			}
		}()
		logger.Printf("watching %d root(s) for file changes", len(serveWatchRoots))
	}

	logger.Printf("ingestd serving (partitions=%d, syncConcurrency=%d, dryRun=%v)",
		servePartitionCount, cfg.Sync.MaxConcurrency, serveDryRun)

	<-ctx.Done()
	logger.Print("shutdown signal received, draining")
	return nil
}
