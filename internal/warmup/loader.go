// Package warmup loads heavyweight, process-wide resources such as a local
// speech model in the background, and lets callers wait for them with a
// bounded timeout.
//
// A [Loader] runs its load function at most once until [Loader.Reset]. A
// failed load is remembered: every later [Loader.Get] returns the same error
// without trying again.
package warmup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// DefaultTimeout is how long Get waits for a load in progress.
const DefaultTimeout = 30 * time.Second

// ErrNotInitialized is returned by Get when the resource did not become ready
// within the timeout, or when loading failed.
var ErrNotInitialized = errors.New("warmup: not initialized")

// State is the lifecycle state of a [Loader].
type State int32

const (
	// NotStarted means Start has not been called.
	NotStarted State = iota
	// Loading means the load function is running.
	Loading
	// Ready means the value is available.
	Ready
	// Failed means the load function returned an error. Terminal until Reset.
	Failed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// LoadFunc produces the resource. It should honour ctx cancellation.
type LoadFunc[T any] func(ctx context.Context) (T, error)

// Loader is a one-shot future for a value of type T. All methods are safe for
// concurrent use.
type Loader[T any] struct {
	name    string
	load    LoadFunc[T]
	timeout time.Duration

	mu    sync.Mutex
	state State
	done  chan struct{}
	value T
	err   error
}

// Option configures a [Loader].
type Option func(*options)

type options struct {
	timeout time.Duration
}

// WithTimeout sets how long Get blocks. Non-positive values keep
// [DefaultTimeout].
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// New creates a Loader. name identifies the resource in logs and errors.
func New[T any](name string, load LoadFunc[T], opts ...Option) *Loader[T] {
	o := options{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &Loader[T]{
		name:    name,
		load:    load,
		timeout: o.timeout,
	}
}

// Start begins loading in the background using ctx. It returns immediately
// and is a no-op unless the loader is in [NotStarted].
func (l *Loader[T]) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.startLocked(ctx)
}

func (l *Loader[T]) startLocked(ctx context.Context) {
	if l.state != NotStarted {
		return
	}
	l.state = Loading
	done := make(chan struct{})
	l.done = done

	go func() {
		start := time.Now()
		slog.Info("warmup: loading", "resource", l.name)
		v, err := l.load(ctx)

		l.mu.Lock()
		if err != nil {
			l.state = Failed
			l.err = err
			slog.Error("warmup: load failed", "resource", l.name, "err", err, "elapsed", time.Since(start))
		} else {
			l.state = Ready
			l.value = v
			slog.Info("warmup: ready", "resource", l.name, "elapsed", time.Since(start))
		}
		l.mu.Unlock()
		close(done)
	}()
}

// Get waits for the value. A loader that was never started is started with a
// background context. Get returns [ErrNotInitialized] when the timeout
// elapses first or when loading failed; in the latter case the load error is
// wrapped as well. Cancelling ctx returns ctx.Err.
func (l *Loader[T]) Get(ctx context.Context) (T, error) {
	l.mu.Lock()
	l.startLocked(context.Background())
	done := l.done
	l.mu.Unlock()

	var zero T
	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		return zero, fmt.Errorf("%w: %s not ready after %s", ErrNotInitialized, l.name, l.timeout)
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done != done {
		// Reset while we waited.
		return zero, fmt.Errorf("%w: %s was reset", ErrNotInitialized, l.name)
	}
	if l.state == Failed {
		return zero, fmt.Errorf("%w: %s: %w", ErrNotInitialized, l.name, l.err)
	}
	return l.value, nil
}

// State returns the current lifecycle state.
func (l *Loader[T]) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Check returns nil when the value is ready. It is meant for readiness
// probes and never blocks on the load.
func (l *Loader[T]) Check(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case Ready:
		return nil
	case Failed:
		return fmt.Errorf("%s failed: %w", l.name, l.err)
	default:
		return fmt.Errorf("%s %s", l.name, l.state)
	}
}

// Reset returns the loader to [NotStarted] so the next Start or Get loads
// again. A ready value implementing [io.Closer] is closed. Reset fails while
// a load is in progress.
func (l *Loader[T]) Reset() error {
	l.mu.Lock()
	if l.state == Loading {
		l.mu.Unlock()
		return fmt.Errorf("warmup: %s: cannot reset while loading", l.name)
	}
	old := l.value
	wasReady := l.state == Ready

	var zero T
	l.state = NotStarted
	l.value = zero
	l.err = nil
	l.done = nil
	l.mu.Unlock()

	if wasReady {
		if c, ok := any(old).(io.Closer); ok {
			return c.Close()
		}
	}
	return nil
}
