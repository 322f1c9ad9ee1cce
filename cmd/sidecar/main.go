// Package main runs the test observability sidecar: a lossy, bounded,
// fail-open ingestion pipeline that persists test events to PostgreSQL and
// exposes a small control plane.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/testlens-io/sidecar/internal/api"
	"github.com/testlens-io/sidecar/internal/config"
	"github.com/testlens-io/sidecar/internal/ingestion"
	"github.com/testlens-io/sidecar/internal/metrics"
	"github.com/testlens-io/sidecar/internal/observe"
	"github.com/testlens-io/sidecar/internal/resource"
	"github.com/testlens-io/sidecar/internal/storage"
	"github.com/testlens-io/sidecar/internal/worker"
)

// Version information.
const (
	version = "1.0.0"
	name    = "sidecar"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	configPath := flag.String("config", config.GetEnvStr("SIDECAR_CONFIG", ""), "path to YAML config file")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Level(),
	}))

	logger.Info("Starting sidecar",
		slog.String("service", name),
		slog.String("version", version),
		slog.Bool("enabled", cfg.Enabled),
		slog.Int("workers", cfg.Workers),
		slog.Int("queue_max_size", cfg.Queue.MaxSize),
		slog.String("address", cfg.HTTP.Address()),
		slog.String("database_url", cfg.Database.MaskDatabaseURL()),
	)

	store := config.NewStore(cfg, logger)
	m := metrics.New()
	recorder := observe.NewRecorder(logger, m)

	conn, err := storage.NewConnection(cfg.Database)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = conn.Close()
	}()

	eventStore := storage.NewEventStore(conn, logger)
	persistHealth := storage.NewHealthTracker()

	queue := ingestion.NewQueue(cfg.Queue.MaxSize)
	sampler := ingestion.NewSampler(store)
	producer := ingestion.NewProducer(store, queue, sampler, m, recorder)

	procSampler, err := resource.NewProcessSampler()
	if err != nil {
		logger.Error("Failed to initialize resource sampler", slog.String("error", err.Error()))

		_ = conn.Close()
		//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
		os.Exit(1)
	}

	governor := resource.NewGovernor(store, procSampler, m, recorder, logger)

	var publisher worker.Publisher

	if cfg.Kafka.Enabled {
		mirror := worker.NewKafkaMirror(cfg.Kafka, logger)
		defer func() {
			_ = mirror.Close()
		}()

		publisher = mirror

		logger.Info("Kafka event mirror enabled",
			slog.Any("brokers", cfg.Kafka.Brokers),
			slog.String("topic", cfg.Kafka.Topic),
		)
	}

	pool := worker.NewPool(store, queue, eventStore, persistHealth, m, recorder, publisher, logger)
	server := api.NewServer(store, producer, queue, m, governor, persistHealth, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return governor.Run(gctx) })

	if err := g.Wait(); err != nil {
		logger.Error("Sidecar terminated with error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Sidecar stopped")
}
