// Package server orchestrates all components: transport, remote server, catalog, events, HTTP health.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/remote-server/internal/config"
	"github.com/morezero/remote-server/pkg/commsutil"
	"github.com/morezero/remote-server/pkg/db"
	"github.com/morezero/remote-server/pkg/events"
	"github.com/morezero/remote-server/pkg/remote"
	"github.com/morezero/remote-server/pkg/transport"
)

const logPrefix = "server:server"

const shutdownTimeout = 10 * time.Second

// catalogForServer is the part of the worktree catalog the HTTP endpoints use.
type catalogForServer interface {
	Ping(ctx context.Context) error
	ServerID() string
	ListWorktrees(ctx context.Context, params db.ListParams) ([]*db.WorktreeRecord, error)
}

// commsStatus reports the COMMS connection state for health checks.
type commsStatus interface {
	IsConnected() bool
}

// Server is the remote-server orchestrator.
type Server struct {
	cfg        *config.Config
	remote     remote.Server
	catalog    catalogForServer
	comms      commsStatus
	nc         *comms.Conn
	pool       *pgxpool.Pool
	httpServer *http.Server
}

// SetupLogging installs the default slog handler. The stdio transport owns stdout, so logs go
// to stderr there.
func SetupLogging(cfg *config.Config) {
	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	out := os.Stdout
	if cfg.Transport == config.TransportStdio {
		out = os.Stderr
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: logLevel})))
}

// Run starts the server, blocks until a shutdown signal (or, for stdio, the end of input), then
// cleans up.
func Run(cfg *config.Config) error {
	SetupLogging(cfg)
	if err := cfg.ValidateForServe(); err != nil {
		return err
	}
	slog.Info(fmt.Sprintf("%s - Starting remote-server (transport=%s)", logPrefix, cfg.Transport))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := &Server{cfg: cfg}
	defer s.closeResources()

	// Step 1: Worktree catalog (optional)
	var catalog *db.Catalog
	if cfg.DatabaseURL != "" {
		var err error
		if catalog, err = s.openCatalog(ctx); err != nil {
			return err
		}
		s.catalog = catalog
	} else {
		slog.Info(fmt.Sprintf("%s - DATABASE_URL not set, worktree catalog disabled", logPrefix))
	}

	// Step 2: Connect to NATS; worktree events are only published there
	var publisher events.EventPublisher = &events.NoOpPublisher{}
	if cfg.Transport == config.TransportNATS {
		nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName)
		if err != nil {
			return fmt.Errorf("%s - failed to connect to NATS: %w", logPrefix, err)
		}
		s.nc = nc
		s.comms = nc
		publisher = events.NewCommsPublisher(nc, &events.CommsPublisherOpts{
			GlobalSubject: cfg.EventSubject,
			Service:       cfg.COMMSName,
		})
	}

	// Step 3: Remote server
	opts := remote.Options{
		Publisher: publisher,
		Recursive: cfg.WorktreeRecursive,
		Debounce:  cfg.WorktreeDebounce,
	}
	if catalog != nil {
		opts.Catalog = catalog
	}
	s.remote = remote.NewServer(opts)

	// Step 4: Transport
	transportDone := make(chan error, 1)
	wsServer, err := s.startTransport(ctx, transportDone)
	if err != nil {
		return err
	}

	// Step 5: HTTP health server
	if cfg.HTTPPort > 0 || cfg.HTTPAddr != "" {
		httpAddr := cfg.HTTPAddr
		if httpAddr == "" {
			httpAddr = fmt.Sprintf(":%d", cfg.HTTPPort)
		}
		s.httpServer = &http.Server{Addr: httpAddr, Handler: s.routes(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			slog.Info(fmt.Sprintf("%s - HTTP health server listening on %s", logPrefix, httpAddr))
			if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
			}
		}()
	}

	slog.Info(fmt.Sprintf("%s - remote-server is ready", logPrefix))

	// Wait for shutdown signal or the end of the transport
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	transportFinished := false
	select {
	case sig := <-sigCh:
		slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))
	case runErr = <-transportDone:
		transportFinished = true
		if runErr != nil {
			slog.Error(fmt.Sprintf("%s - transport stopped: %v", logPrefix, runErr))
		} else {
			slog.Info(fmt.Sprintf("%s - transport finished, shutting down", logPrefix))
		}
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	s.remote.Close(shutdownCtx)
	cancel()
	if wsServer != nil {
		if err := wsServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn(fmt.Sprintf("%s - WebSocket server shutdown: %v", logPrefix, err))
		}
	}
	if !transportFinished {
		select {
		case <-transportDone:
		case <-shutdownCtx.Done():
			slog.Warn(fmt.Sprintf("%s - transport did not stop in time", logPrefix))
		}
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Warn(fmt.Sprintf("%s - HTTP server shutdown: %v", logPrefix, err))
		}
	}

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return runErr
}

// openCatalog connects to the database, optionally migrating it, and returns the catalog.
func (s *Server) openCatalog(ctx context.Context) (*db.Catalog, error) {
	pool, err := db.NewPool(ctx, s.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
	}
	s.pool = pool

	if s.cfg.RunMigrations {
		migrations, err := db.LoadMigrationFiles(s.cfg.MigrationPath)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
		}
		if _, err := db.RunMigrations(ctx, pool, migrations); err != nil {
			return nil, fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
		}
	}

	catalog := db.NewCatalog(pool)
	slog.Info(fmt.Sprintf("%s - Worktree catalog enabled (server id %s)", logPrefix, catalog.ServerID()))
	return catalog, nil
}

// startTransport starts the configured transport. Its result is sent on done when it stops.
// For ws it returns the listening HTTP server so shutdown can stop it.
func (s *Server) startTransport(ctx context.Context, done chan<- error) (*http.Server, error) {
	switch s.cfg.Transport {
	case config.TransportNATS:
		tr := transport.NewNATS(s.nc, s.cfg.Subject(), transport.WithPeerCheckInterval(s.cfg.NATSPeerCheck))
		go func() { done <- tr.Serve(ctx, s.remote) }()
		return nil, nil

	case config.TransportWebSocket:
		mux := http.NewServeMux()
		mux.Handle("/ws", transport.NewWebSocket(ctx, s.remote, s.cfg.MaxFrameSize))
		wsServer := &http.Server{Addr: s.cfg.WSAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			slog.Info(fmt.Sprintf("%s - WebSocket transport listening on %s/ws", logPrefix, s.cfg.WSAddr))
			err := wsServer.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				err = nil
			}
			done <- err
		}()
		return wsServer, nil

	case config.TransportStdio:
		conn := transport.NewStreamConn(os.Stdin, os.Stdout, transport.StreamOptions{
			MaxFrameSize: s.cfg.MaxFrameSize,
			Closer:       os.Stdin,
		})
		go func() {
			slog.Info(fmt.Sprintf("%s - Serving framed envelopes on stdin/stdout", logPrefix))
			done <- transport.Serve(ctx, s.remote, conn)
		}()
		return nil, nil
	}
	return nil, fmt.Errorf("%s - unknown transport %q", logPrefix, s.cfg.Transport)
}

func (s *Server) closeResources() {
	if s.nc != nil {
		if err := s.nc.Drain(); err != nil {
			slog.Warn(fmt.Sprintf("%s - NATS drain: %v", logPrefix, err))
		}
	}
	if s.pool != nil {
		s.pool.Close()
	}
}
