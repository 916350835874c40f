package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Hook is a named start/stop pair. Either function may be nil.
type Hook struct {
	Name  string
	Start func(context.Context) error
	Stop  func(context.Context) error
}

// Lifecycle starts hooks in registration order and stops them in reverse.
type Lifecycle struct {
	mu      sync.Mutex
	hooks   []Hook
	running int
	started bool
}

// NewLifecycle creates a new lifecycle manager.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{}
}

// Append registers a hook.
func (l *Lifecycle) Append(h Hook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, h)
}

// OnStart registers a start-only hook.
func (l *Lifecycle) OnStart(name string, fn func(context.Context) error) {
	l.Append(Hook{Name: name, Start: fn})
}

// OnStop registers a stop-only hook.
func (l *Lifecycle) OnStop(name string, fn func(context.Context) error) {
	l.Append(Hook{Name: name, Stop: fn})
}

// Closer is something that can be closed.
type Closer interface {
	Close() error
}

// RegisterCloser closes c on shutdown.
func (l *Lifecycle) RegisterCloser(name string, c Closer) {
	l.OnStop(name, func(_ context.Context) error {
		return c.Close()
	})
}

// Start runs start hooks in order. If one fails, the hooks already started
// are stopped in reverse order and the error is returned.
func (l *Lifecycle) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started {
		return errors.New("lifecycle already started")
	}

	for i, h := range l.hooks {
		if h.Start != nil {
			if err := h.Start(ctx); err != nil {
				l.stopFrom(ctx, i-1, true)
				return fmt.Errorf("starting %s: %w", h.Name, err)
			}
		}
		l.running = i + 1
	}

	l.started = true
	return nil
}

// Stop runs stop hooks in reverse order and joins their errors.
func (l *Lifecycle) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.started {
		return nil
	}
	l.started = false
	return l.stopFrom(ctx, l.running-1, false)
}

// Abort runs every stop hook in reverse order whether or not Start ran.
// It releases components built before a construction failure.
func (l *Lifecycle) Abort(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.started = false
	return l.stopFrom(ctx, len(l.hooks)-1, false)
}

// IsStarted returns whether the lifecycle has been started.
func (l *Lifecycle) IsStarted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started
}

func (l *Lifecycle) stopFrom(ctx context.Context, last int, rollback bool) error {
	var errs []error
	for i := last; i >= 0; i-- {
		h := l.hooks[i]
		if h.Stop == nil {
			continue
		}
		if err := h.Stop(ctx); err != nil {
			if rollback {
				slog.Warn("lifecycle rollback: stop hook failed", "hook", h.Name, "error", err)
			}
			errs = append(errs, fmt.Errorf("stopping %s: %w", h.Name, err))
		}
	}
	l.running = 0
	return errors.Join(errs...)
}
