package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/panjf2000/ants/v2"
)

// defaultSandboxWorkers bounds concurrent hook executions when the host
// does not configure a pool size.
const defaultSandboxWorkers = 32

// ExecError is the uniform wrapper for anything that goes wrong inside a
// sandboxed plugin call. Hook errors, panics and deadline expiry all
// surface as this one type, with the original cause reachable through
// Unwrap.
type ExecError struct {
	Plugin string
	Cause  error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("sandbox: plugin %q: %v", e.Plugin, e.Cause)
}

func (e *ExecError) Unwrap() error { return e.Cause }

// Sandbox executes plugin hooks on isolated pool workers so a panicking
// plugin cannot take the caller's goroutine down with it. With a positive
// timeout configured, a call that exceeds it returns an *ExecError
// wrapping context.DeadlineExceeded and the worker is abandoned to finish
// on its own; cancellation is cooperative through the context, never
// forced.
type Sandbox struct {
	pool    *ants.Pool
	size    int
	timeout time.Duration
	logger  *slog.Logger
	metrics *Metrics
}

// SandboxOption configures a Sandbox.
type SandboxOption func(*Sandbox)

// WithSandboxTimeout bounds each call; zero keeps calls unbounded.
func WithSandboxTimeout(d time.Duration) SandboxOption {
	return func(s *Sandbox) { s.timeout = d }
}

// WithSandboxWorkers sets the pool size.
func WithSandboxWorkers(n int) SandboxOption {
	return func(s *Sandbox) {
		if n > 0 {
			s.size = n
		}
	}
}

// WithSandboxLogger sets the logger for recovered panics.
func WithSandboxLogger(l *slog.Logger) SandboxOption {
	return func(s *Sandbox) { s.logger = l }
}

// WithSandboxMetrics counts execution failures on the given collectors.
func WithSandboxMetrics(m *Metrics) SandboxOption {
	return func(s *Sandbox) { s.metrics = m }
}

// NewSandbox creates a sandbox with its worker pool.
func NewSandbox(opts ...SandboxOption) (*Sandbox, error) {
	s := &Sandbox{
		size:   defaultSandboxWorkers,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	pool, err := ants.NewPool(s.size)
	if err != nil {
		return nil, fmt.Errorf("sandbox: %w", err)
	}
	s.pool = pool
	return s, nil
}

// Run executes fn on a pool worker on the plugin's behalf. Any error or
// panic inside fn, and any deadline expiry, comes back as an *ExecError.
func (s *Sandbox) Run(ctx context.Context, pluginName string, fn func(context.Context) error) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	errCh := make(chan error, 1)
	task := func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("plugin hook panicked", "plugin", pluginName, "panic", r)
				errCh <- fmt.Errorf("panic: %v", r)
			}
		}()
		errCh <- fn(ctx)
	}
	if err := s.pool.Submit(task); err != nil {
		s.metrics.recordSandboxFailure()
		return &ExecError{Plugin: pluginName, Cause: err}
	}

	select {
	case err := <-errCh:
		if err != nil {
			s.metrics.recordSandboxFailure()
			return &ExecError{Plugin: pluginName, Cause: err}
		}
		return nil
	case <-ctx.Done():
		s.metrics.recordSandboxFailure()
		return &ExecError{Plugin: pluginName, Cause: ctx.Err()}
	}
}

// Running reports the number of workers currently executing hooks.
func (s *Sandbox) Running() int {
	return s.pool.Running()
}

// Close releases the worker pool.
func (s *Sandbox) Close() {
	s.pool.Release()
}
