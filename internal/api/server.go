package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/testlens-io/sidecar/internal/api/middleware"
	"github.com/testlens-io/sidecar/internal/config"
	"github.com/testlens-io/sidecar/internal/ingestion"
	"github.com/testlens-io/sidecar/internal/metrics"
	"github.com/testlens-io/sidecar/internal/resource"
	"github.com/testlens-io/sidecar/internal/storage"
)

const shutdownTimeout = 10 * time.Second

// Server is the control-plane HTTP server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	store      *config.Store
	producer   *ingestion.Producer
	queue      *ingestion.Queue
	metrics    *metrics.Metrics
	governor   *resource.Governor
	persist    *storage.HealthTracker
	startTime  time.Time
}

// NewServer wires the control plane over the shared pipeline components.
// Authentication and rate limiting come from the boot config snapshot;
// both are restart-required concerns.
func NewServer(
	store *config.Store,
	producer *ingestion.Producer,
	queue *ingestion.Queue,
	m *metrics.Metrics,
	governor *resource.Governor,
	persist *storage.HealthTracker,
	logger *slog.Logger,
) *Server {
	cfg := store.Snapshot()

	server := &Server{
		logger:   logger,
		store:    store,
		producer: producer,
		queue:    queue,
		metrics:  m,
		governor: governor,
		persist:  persist,
	}

	mux := http.NewServeMux()
	server.setupRoutes(mux)

	var auth *middleware.APIKeyAuthenticator
	if cfg.Auth.Enabled {
		auth = middleware.NewAPIKeyAuthenticator(cfg.Auth.APIKeyHashes)

		logger.Info("API key authentication enabled", slog.Int("keys", len(cfg.Auth.APIKeyHashes)))
	}

	var limiter middleware.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = middleware.NewTokenBucketLimiter(float64(cfg.RateLimit.RPS), cfg.RateLimit.Burst)

		logger.Info("ingress rate limiting enabled",
			slog.Int("rps", cfg.RateLimit.RPS),
			slog.Int("burst", cfg.RateLimit.Burst),
		)
	}

	handler := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithAPIKeyAuth(auth, logger),
		middleware.WithRateLimit(limiter, logger),
		middleware.WithRequestLogger(logger),
	)

	server.httpServer = &http.Server{
		Addr:        cfg.HTTP.Address(),
		Handler:     handler,
		ReadTimeout: cfg.HTTP.RequestTimeout(),
	}

	return server
}

// Start serves until ctx is canceled, then shuts down gracefully. Signal
// handling belongs to the caller; the server only honors the context.
func (s *Server) Start(ctx context.Context) error {
	s.startTime = time.Now()

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("control plane listening",
			slog.String("address", s.httpServer.Addr),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("server failed: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case <-ctx.Done():
		return s.shutdown()
	}
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.logger.Info("control plane shutting down")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	return nil
}

// Handler exposes the assembled handler chain for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
