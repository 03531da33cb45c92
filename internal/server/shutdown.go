// Package server drains and stops the analysis service.
package server

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const drainPoll = 10 * time.Millisecond

// ShutdownConfig bounds how long Shutdown may take.
type ShutdownConfig struct {
	// ShutdownTimeout caps the whole shutdown, draining included
	ShutdownTimeout time.Duration

	// DrainTimeout caps the wait for running RPCs
	DrainTimeout time.Duration
}

// DefaultShutdownConfig allows 15s to drain RPCs within a 30s shutdown.
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		ShutdownTimeout: 30 * time.Second,
		DrainTimeout:    15 * time.Second,
	}
}

func (c ShutdownConfig) withDefaults() ShutdownConfig {
	def := DefaultShutdownConfig()
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = def.DrainTimeout
	}
	return c
}

// ShutdownManager stops admitting RPCs, waits for the running ones and then
// releases resources such as the gRPC server and the analyzer cache.
type ShutdownManager struct {
	cfg ShutdownConfig

	done     chan struct{}
	once     sync.Once
	draining atomic.Bool
	inFlight atomic.Int64

	mu      sync.Mutex
	closers []io.Closer
	hooks   []func()
}

// NewShutdownManager returns a manager; zero durations in cfg take the
// defaults.
func NewShutdownManager(cfg ShutdownConfig) *ShutdownManager {
	return &ShutdownManager{
		cfg:  cfg.withDefaults(),
		done: make(chan struct{}),
	}
}

// RegisterCloser queues c for shutdown. The last registered closes first.
func (sm *ShutdownManager) RegisterCloser(c io.Closer) {
	sm.mu.Lock()
	sm.closers = append(sm.closers, c)
	sm.mu.Unlock()
}

// OnShutdownStart runs fn as soon as shutdown begins, before draining.
func (sm *ShutdownManager) OnShutdownStart(fn func()) {
	sm.mu.Lock()
	sm.hooks = append(sm.hooks, fn)
	sm.mu.Unlock()
}

// ListenForSignals blocks until SIGTERM, SIGINT or ctx cancellation and then
// shuts down. It returns nil at once if shutdown was started elsewhere.
func (sm *ShutdownManager) ListenForSignals(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	select {
	case <-sigCtx.Done():
		reason := "signal received"
		if ctx.Err() != nil {
			reason = "context cancelled"
		}
		return sm.Shutdown(context.Background(), reason)
	case <-sm.done:
		return nil
	}
}

// Shutdown rejects new RPCs, drains the running ones and closes every
// registered closer in reverse order. Calls after the first return nil.
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	var err error
	sm.once.Do(func() {
		sm.draining.Store(true)
		close(sm.done)

		sm.mu.Lock()
		hooks := append([]func(){}, sm.hooks...)
		closers := append([]io.Closer{}, sm.closers...)
		sm.mu.Unlock()

		for _, fn := range hooks {
			fn()
		}

		ctx, cancel := context.WithTimeout(ctx, sm.cfg.ShutdownTimeout)
		defer cancel()
		if drainErr := sm.drain(ctx); drainErr != nil {
			err = fmt.Errorf("%s: %w", reason, drainErr)
		}

		for i := len(closers) - 1; i >= 0; i-- {
			if closeErr := closers[i].Close(); closeErr != nil {
				err = multierr.Append(err, fmt.Errorf("close: %w", closeErr))
			}
		}
	})
	return err
}

func (sm *ShutdownManager) drain(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, sm.cfg.DrainTimeout)
	defer cancel()

	for {
		n := sm.inFlight.Load()
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("drain timed out with %d in-flight requests", n)
		case <-time.After(drainPoll):
		}
	}
}

// TrackRequest admits one request. It reports false once shutdown began.
func (sm *ShutdownManager) TrackRequest() bool {
	if sm.draining.Load() {
		return false
	}
	sm.inFlight.Add(1)
	return true
}

// UntrackRequest marks an admitted request as finished.
func (sm *ShutdownManager) UntrackRequest() {
	sm.inFlight.Add(-1)
}

func (sm *ShutdownManager) IsShuttingDown() bool {
	return sm.draining.Load()
}

func (sm *ShutdownManager) InFlightCount() int64 {
	return sm.inFlight.Load()
}

// ShutdownCh is closed when shutdown begins.
func (sm *ShutdownManager) ShutdownCh() <-chan struct{} {
	return sm.done
}

// UnaryInterceptor counts RPCs for draining and answers Unavailable once
// shutdown has begun.
func (sm *ShutdownManager) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !sm.TrackRequest() {
			return nil, status.Errorf(codes.Unavailable, "shutting down, %s rejected", info.FullMethod)
		}
		defer sm.UntrackRequest()
		return handler(ctx, req)
	}
}

// CloserFunc turns a func into an io.Closer.
type CloserFunc func() error

func (f CloserFunc) Close() error { return f() }
