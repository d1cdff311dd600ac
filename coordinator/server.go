// Package coordinator provides a reusable coordinator server that can
// be embedded in other binaries (e.g. tests and the CLI entrypoint).
package coordinator

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/neuragrid/neuragrid/internal/coordinator/api"
	"github.com/neuragrid/neuragrid/internal/coordinator/config"
	"github.com/neuragrid/neuragrid/internal/coordinator/db"
	"github.com/neuragrid/neuragrid/internal/coordinator/dispatch"
	"github.com/neuragrid/neuragrid/internal/coordinator/event"
	"github.com/neuragrid/neuragrid/internal/coordinator/registry"
	"github.com/neuragrid/neuragrid/internal/coordinator/session"
	"github.com/neuragrid/neuragrid/internal/coordinator/store"
	"github.com/neuragrid/neuragrid/internal/logging"
	"github.com/neuragrid/neuragrid/internal/metrics"
)

// Server is a reusable coordinator instance.
type Server struct {
	cfg        *config.Config
	sqlDB      *sql.DB
	server     *http.Server
	reg        *registry.Registry
	disp       *dispatch.Dispatcher
	shutdownCh chan struct{}
}

// NewServer creates a coordinator server. It opens the database, runs
// migrations, and wires the registry, dispatcher, event plane and HTTP
// surface. Call Serve() to start listening.
//
// Rows left in processing by a previous run are deliberately kept as-is:
// recovering a job whose worker vanished is an operator decision.
func NewServer(cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	sqlDB, err := db.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Migrate(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	st := store.New(sqlDB)
	reg := registry.New()
	events := event.New(reg)
	disp := dispatch.New(st, reg, events)

	shutdownCh := make(chan struct{})
	sessions := session.NewHandler(reg, st, disp, events, cfg.PingInterval, shutdownCh)

	intake := api.NewIntake(st, disp, events)
	query := api.NewQuery(reg, st)

	gz := func(h http.Handler) http.Handler { return gzhttp.GzipHandler(h) }

	mux := http.NewServeMux()
	mux.Handle("GET /ws", sessions)
	mux.Handle("POST /job", intake)
	mux.Handle("GET /api/stats", gz(http.HandlerFunc(query.HandleStats)))
	mux.Handle("GET /api/workers", gz(http.HandlerFunc(query.HandleWorkers)))
	mux.Handle("GET /api/queue", gz(http.HandlerFunc(query.HandleQueue)))
	mux.Handle("GET /metrics", promhttp.Handler())

	if cfg.DashboardDir != "" {
		mux.Handle("/", gz(http.FileServer(http.Dir(cfg.DashboardDir))))
	}

	h2cHandler := h2c.NewHandler(logging.HTTPMiddleware(metrics.HTTPMiddleware(mux)), &http2.Server{
		MaxConcurrentStreams: 1000,
	})

	server := &http.Server{
		Handler:           h2cHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		cfg:        cfg,
		sqlDB:      sqlDB,
		server:     server,
		reg:        reg,
		disp:       disp,
		shutdownCh: shutdownCh,
	}, nil
}

// Registry exposes the session table for embedding binaries and tests.
func (s *Server) Registry() *registry.Registry {
	return s.reg
}

// Serve starts the coordinator on its TCP listener. It blocks until ctx
// is cancelled, then performs graceful shutdown.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		_ = s.sqlDB.Close()
		return fmt.Errorf("listen tcp: %w", err)
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	go s.disp.Run(runCtx)

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		slog.Info("coordinator shutting down...")

		// 1. Reject new session upgrades.
		close(s.shutdownCh)

		// 2. Close every session's outbound queue so pumps exit.
		for _, sess := range s.reg.Snapshot() {
			sess.Close()
		}

		// 3. Stop the dispatcher and drain in-flight HTTP requests.
		cancelRun()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)

		close(shutdownDone)
	}()

	slog.Info("coordinator listening", "addr", s.cfg.Addr, "db", s.cfg.DBPath)

	if err := s.server.Serve(ln); err != http.ErrServerClosed {
		_ = s.sqlDB.Close()
		return fmt.Errorf("serve: %w", err)
	}

	<-shutdownDone

	// Checkpoint WAL into the main DB file before closing.
	if _, err := s.sqlDB.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		slog.Warn("WAL checkpoint failed", "error", err)
	}

	_ = s.sqlDB.Close()
	return nil
}
