// Package httpapi provides the admin HTTP surface for the reflection manager.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/reflection-io/reflection/internal/httpapi/middleware"
)

// Reconciler is the subset of the reconciliation manager the admin API drives.
// Defined here rather than imported from internal/reconciler so this package
// never needs to know about stores, job services, or dependency graphs.
type Reconciler interface {
	// WakeUp schedules an immediate reconciliation pass instead of waiting
	// for the next scheduler tick. Non-blocking.
	WakeUp()

	// ForceRefresh queues a single reflection's entry for rebuild: the next
	// pass cancels any in-flight refresh job and moves the entry to UPDATE,
	// bypassing its normal refresh-policy schedule. Returns an error if the
	// reflection is unknown.
	ForceRefresh(ctx context.Context, reflectionID string) error

	// Healthy reports whether the reconciler can serve reconciliation. It is
	// a liveness marker; it does not track when the last pass completed.
	Healthy() bool
}

// Server represents the admin HTTP server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	config     *ServerConfig
	startTime  time.Time
	reconciler Reconciler
}

// NewServer creates a new admin HTTP server instance with structured logging
// and middleware stack.
//
// Dependencies are injected explicitly rather than being part of ServerConfig.
// This follows the dependency injection pattern where configuration (what) is
// separated from dependencies (how).
//
// Parameters:
//   - cfg: Pure server configuration (ports, timeouts, log level)
//   - reconciler: the reconciliation manager driving /admin endpoints (REQUIRED - panics if nil)
func NewServer(cfg *ServerConfig, reconciler Reconciler) *Server {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	if reconciler == nil {
		logger.Error("reconciler is required - cannot start admin server without it")
		panic("httpapi: reconciler cannot be nil - this indicates a configuration error")
	}

	mux := http.NewServeMux()

	server := &Server{
		logger:     logger,
		config:     cfg,
		reconciler: reconciler,
	}

	server.setupRoutes(mux)

	// Apply middleware chain using functional options pattern.
	// Middleware executes in the order listed (top-to-bottom):
	//   1. CorrelationID - generate correlation ID for all responses
	//   2. Recovery - catch panics in all downstream middleware
	//   3. RequestLogger - log all requests
	handler := middleware.Apply(mux,
		middleware.WithCorrelationID(),
		middleware.WithRecovery(logger),
		middleware.WithRequestLogger(logger),
	)

	httpServer := &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	server.httpServer = httpServer

	return server
}

// setupRoutes registers the admin and probe endpoints.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.HandleFunc("POST /admin/wakeup", s.handleWakeup)
	mux.HandleFunc("POST /admin/reflections/{id}/update", s.handleForceRefresh)
}

// handleHealthz reports basic process liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleReadyz reports whether the reconciliation loop is making progress.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.reconciler.Healthy() {
		WriteErrorResponse(w, r, s.logger, InternalServerError("reconciler reports unhealthy"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// handleWakeup triggers an immediate reconciliation pass.
func (s *Server) handleWakeup(w http.ResponseWriter, _ *http.Request) {
	s.reconciler.WakeUp()
	w.WriteHeader(http.StatusAccepted)
}

// handleForceRefresh queues a single reflection for rebuild (UPDATE) ahead of
// its normal schedule.
func (s *Server) handleForceRefresh(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("reflection id is required"))

		return
	}

	if err := s.reconciler.ForceRefresh(r.Context(), id); err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()).WithInstance(r.URL.Path))

		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// Start starts the HTTP server and blocks until shutdown.
// It handles graceful shutdown on SIGINT and SIGTERM signals.
func (s *Server) Start() error {
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid server configuration: %w", err)
	}

	s.startTime = time.Now()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("starting reflection manager admin server",
			slog.String("address", s.config.Address()),
			slog.Duration("read_timeout", s.config.ReadTimeout),
			slog.Duration("write_timeout", s.config.WriteTimeout),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server failed to start",
				slog.String("address", s.config.Address()),
				slog.String("error", err.Error()),
			)

			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case sig := <-stop:
		s.logger.Info("received shutdown signal", slog.String("signal", sig.String()))

		return s.shutdown()
	}
}

// shutdown gracefully shuts down the server.
func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.logger.Info("initiating admin server shutdown",
		slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
	)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("admin server shutdown failed",
			slog.String("error", err.Error()),
			slog.Duration("shutdown_timeout", s.config.ShutdownTimeout),
		)

		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.closeDependency("reconciler", s.reconciler)

	s.logger.Info("admin server shutdown completed successfully")

	return nil
}

// closeDependency attempts to close a server dependency that implements io.Closer.
// Logs the operation and its result. Errors are logged but don't stop shutdown (best-effort).
func (s *Server) closeDependency(name string, dep interface{}) {
	if dep == nil {
		return
	}

	closer, ok := dep.(io.Closer)
	if !ok {
		return
	}

	s.logger.Info("closing " + name)

	if err := closer.Close(); err != nil {
		s.logger.Error("failed to close "+name, slog.String("error", err.Error()))

		return
	}

	s.logger.Info(name + " closed successfully")
}
