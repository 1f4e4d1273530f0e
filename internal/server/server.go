// Package server is the thin HTTP layer over the gate, the reconstruction
// orchestrator and the task store. Handlers only translate requests into
// core calls and serialize the typed results.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/semaphore"

	"meshgate/internal/gate"
	"meshgate/internal/metrics"
	"meshgate/internal/reconstruct"
	"meshgate/internal/tasks"
)

// Classifier is the content gate.
type Classifier interface {
	Classify(ctx context.Context, imagePath string) gate.GateVerdict
}

// Reconstructor is the reconstruction orchestrator.
type Reconstructor interface {
	ResolveMode(mode string) (string, error)
	Reconstruct(ctx context.Context, imagePath, outputDir, mode string) reconstruct.ArtifactResult
}

// Options configures a Server.
type Options struct {
	// MaxConcurrentReconstructions bounds running backends. Requests over
	// the limit wait for a slot until their context ends.
	MaxConcurrentReconstructions int64

	// MaxUploadBytes caps a single uploaded image.
	MaxUploadBytes int64

	// MaxConnections caps simultaneously accepted connections; 0 disables it.
	MaxConnections int

	Metrics *metrics.Collector
	Logger  *zap.Logger
}

// Server routes HTTP requests to the core.
type Server struct {
	gate      Classifier
	orch      Reconstructor
	store     *tasks.Store
	slots     *semaphore.Weighted
	maxUpload int64
	maxConns  int
	metrics   *metrics.Collector
	logger    *zap.Logger
	handler   http.Handler
}

// New wires the routes.
func New(g Classifier, o Reconstructor, store *tasks.Store, opts Options) *Server {
	if opts.MaxConcurrentReconstructions < 1 {
		opts.MaxConcurrentReconstructions = 1
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 32 << 20
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	s := &Server{
		gate:      g,
		orch:      o,
		store:     store,
		slots:     semaphore.NewWeighted(opts.MaxConcurrentReconstructions),
		maxUpload: opts.MaxUploadBytes,
		maxConns:  opts.MaxConnections,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With(zap.String("component", "http_server")),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /api/filter", s.handleFilter)
	mux.HandleFunc("POST /api/process", s.handleProcess)
	mux.HandleFunc("POST /api/reconstruct/{task_id}", s.handleReconstruct)
	mux.HandleFunc("GET /api/result/{task_id}", s.handleResult)
	mux.HandleFunc("DELETE /api/cleanup/{task_id}", s.handleCleanup)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	s.handler = s.instrument(mux)
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln, shutdownTimeout)
}

// drainTimeout bounds the wait for handlers after their contexts were
// canceled. Backends are killed on cancel, so this only covers the kill and
// the final response write.
const drainTimeout = 10 * time.Second

// Serve is ListenAndServe on an existing listener.
//
// On shutdown in-flight requests get shutdownTimeout to finish. After that
// their contexts are canceled, which kills any backend process group they
// started, and Serve waits for the handlers to return.
func (s *Server) Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	if s.maxConns > 0 {
		ln = netutil.LimitListener(ln, s.maxConns)
	}

	baseCtx, cancelRequests := context.WithCancel(context.Background())
	defer cancelRequests()

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down HTTP server", zap.Duration("timeout", shutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownErr := srv.Shutdown(shutdownCtx)
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	if shutdownErr == nil {
		return nil
	}

	s.logger.Warn("shutdown timeout reached, canceling in-flight requests", zap.Error(shutdownErr))
	cancelRequests()
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
	defer cancelDrain()
	if err := srv.Shutdown(drainCtx); err != nil {
		s.logger.Error("handlers still running after cancel", zap.Error(err))
	}
	return fmt.Errorf("shutdown: %w", shutdownErr)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(r.Method, route, rec.status, elapsed)
		}
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", elapsed),
		)
	})
}
