// Package server exposes the migrator's status over HTTP while a run is in
// progress: health, run history, live progress, metrics, and read access to
// a local sink.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nicktill/telemigrate/pkg/checkpoint"
	"github.com/nicktill/telemigrate/pkg/config"
	"github.com/nicktill/telemigrate/pkg/server/monitor"
	"github.com/nicktill/telemigrate/pkg/storage"
)

// RunLister is the part of the checkpoint store the server reads
type RunLister interface {
	Runs(site string, limit int) ([]checkpoint.Run, error)
}

// Options wires the server's collaborators. Nil entries disable the routes
// that need them.
type Options struct {
	Addr     string
	Site     string
	Runs     RunLister
	Monitor  *monitor.RunMonitor
	Disk     *monitor.DiskMonitor
	Progress http.Handler
	Metrics  http.Handler
	Sink     storage.Storage
	Logger   *zap.Logger
}

// Server is the status HTTP server
type Server struct {
	opts   Options
	router *mux.Router
	logger *zap.Logger
}

// New builds the router
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Monitor == nil {
		opts.Monitor = &monitor.RunMonitor{}
	}

	s := &Server{opts: opts, router: mux.NewRouter(), logger: logger}
	s.routes()
	return s
}

// Handler returns the router wrapped with access logging and panic recovery
func (s *Server) Handler() http.Handler {
	stdLog := zap.NewStdLog(s.logger)
	recovered := handlers.RecoveryHandler(
		handlers.RecoveryLogger(stdLog),
		handlers.PrintRecoveryStack(true),
	)(s.router)
	return handlers.LoggingHandler(stdLog.Writer(), recovered)
}

// ListenAndServe serves until ctx is done, then shuts down gracefully
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  config.StatusReadTimeout,
		WriteTimeout: config.StatusWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", zap.String("addr", ln.Addr().String()))
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.StatusShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status server shutdown: %w", err)
	}
	s.logger.Info("status server stopped")
	return nil
}

func (s *Server) routes() {
	s.router.Use(corsMiddleware(s.opts.Addr))

	api := s.router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	if s.opts.Runs != nil {
		api.HandleFunc("/runs", s.handleRuns).Methods(http.MethodGet)
	}
	if s.opts.Sink != nil {
		api.HandleFunc("/points", s.handlePoints).Methods(http.MethodGet)
		api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	}
	if s.opts.Progress != nil {
		api.Handle("/ws", s.opts.Progress).Methods(http.MethodGet)
	}
	if s.opts.Metrics != nil {
		s.router.Handle("/metrics", s.opts.Metrics).Methods(http.MethodGet)
	}
}

var startTime = time.Now()
