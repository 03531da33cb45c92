// Package app runs the analysis service: an analyzer built from the
// configuration, served over gRPC until shutdown.
package app

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/demolyzer/demolyzer/internal/analyzer"
	grpcapi "github.com/demolyzer/demolyzer/internal/api/grpc"
	"github.com/demolyzer/demolyzer/internal/config"
	"github.com/demolyzer/demolyzer/internal/logging"
	"github.com/demolyzer/demolyzer/internal/server"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// App manages the service lifecycle.
type App struct {
	cfg    *config.Config
	logger *zap.SugaredLogger

	analyzer     *analyzer.Analyzer
	shutdown     *server.ShutdownManager
	grpcServer   *grpc.Server
	grpcListener net.Listener

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// New creates a new App with the given configuration.
func New(cfg *config.Config, logger *zap.SugaredLogger) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	if logger == nil {
		if cfg.Log.Debug {
			logger = logging.NewDebugLogger()
		} else {
			logger = logging.NewLogger()
		}
	}
	return &App{cfg: cfg, logger: logger}, nil
}

// Start builds the analyzer and starts serving gRPC on cfg.GRPC.Addr.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("app is already running")
	}

	an, err := analyzer.New(ctx, a.cfg, analyzer.WithLogger(a.logger))
	if err != nil {
		return fmt.Errorf("failed to create analyzer: %w", err)
	}

	lis, err := net.Listen("tcp", a.cfg.GRPC.Addr)
	if err != nil {
		_ = an.Close()
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.GRPC.Addr, err)
	}

	a.analyzer = an
	a.grpcListener = lis
	a.shutdown = server.NewShutdownManager(server.DefaultShutdownConfig())
	a.grpcServer = grpc.NewServer(grpc.UnaryInterceptor(a.shutdown.UnaryInterceptor()))
	grpcapi.RegisterAnalysisServiceServer(a.grpcServer, grpcapi.NewAnalysisServer(an, a.cfg.Decoder.SourceRoot, a.logger))

	// Closers run in reverse: the server stops before the analyzer's cache closes.
	a.shutdown.RegisterCloser(an)
	a.shutdown.RegisterCloser(server.CloserFunc(func() error {
		a.grpcServer.GracefulStop()
		return nil
	}))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.grpcServer.Serve(lis); err != nil {
			a.logger.Errorw("gRPC server stopped", "error", err)
		}
	}()

	a.running = true
	a.logger.Infow("demolyzer started", "grpc_addr", lis.Addr().String(), "cache", a.cfg.Cache.Type)
	return nil
}

// Addr returns the address the gRPC server listens on, or nil before Start.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.grpcListener == nil {
		return nil
	}
	return a.grpcListener.Addr()
}

// Stop drains in-flight requests, stops the server and closes the cache.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	a.logger.Infow("initiating graceful shutdown")
	err := a.shutdown.Shutdown(ctx, "stop requested")
	a.wg.Wait()
	a.logger.Infow("demolyzer stopped")
	return err
}

// WaitForShutdown blocks until a shutdown signal is received or ctx ends,
// then stops the app.
func (a *App) WaitForShutdown(ctx context.Context) error {
	a.mu.Lock()
	sm := a.shutdown
	a.mu.Unlock()
	if sm == nil {
		return fmt.Errorf("app is not running")
	}
	if err := sm.ListenForSignals(ctx); err != nil {
		return err
	}
	return a.Stop(context.Background())
}
