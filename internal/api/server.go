package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kjannette/bitcoin-trend/internal/models"
	"github.com/kjannette/bitcoin-trend/internal/scheduler"
)

// PriceQuerier answers range queries.
type PriceQuerier interface {
	Resample(ctx context.Context, begin, end uint64) ([]models.Bucket, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// UpdaterStatus is reported on /health. It may be nil.
type UpdaterStatus interface {
	Running() bool
	LastOutcome() scheduler.Outcome
}

type Options struct {
	Addr       string
	APIKey     string
	CORSOrigin string
	StaticDir  string

	ShutdownTimeout time.Duration
}

type Server struct {
	prices     PriceQuerier
	db         Pinger
	updater    UpdaterStatus
	apiKey     string
	log        *zap.Logger
	handler    http.Handler
	httpServer *http.Server

	shutdownTimeout time.Duration
}

func NewServer(prices PriceQuerier, db Pinger, updater UpdaterStatus, opts Options, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{
		prices:          prices,
		db:              db,
		updater:         updater,
		apiKey:          opts.APIKey,
		log:             log.Named("api"),
		shutdownTimeout: opts.ShutdownTimeout,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /api/prices/{begin}/{end}", s.handlePrices)
	if opts.StaticDir != "" {
		mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.Dir(opts.StaticDir))))
	}

	// Health check and metrics (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("/", s.handleNotFound)

	s.handler = requestID(s.accessLog(metricsMiddleware(corsMiddleware(s.authMiddleware(mux), opts.CORSOrigin))))

	s.httpServer = &http.Server{
		Addr:         opts.Addr,
		Handler:      s.handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the full middleware chain, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until ctx is cancelled, then shuts down gracefully.
// It returns nil after a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server started", zap.String("addr", s.httpServer.Addr), zap.Bool("auth", s.apiKey != ""))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api: listen: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		s.log.Error("graceful shutdown failed", zap.Error(err))
		return err
	}
	s.log.Info("server stopped")
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes msg as a bare JSON string.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, msg)
}
