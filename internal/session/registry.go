// Package session caches live provider instances per device.
//
// A [Registry] holds at most one provider per device. The instance is built
// lazily on the first [Registry.GetOrCreate] for that device and reused while
// the device stays on the same provider configuration. When the configuration
// ID changes, the old instance is torn down exactly once and a new one is
// built. [Registry.Clear] evicts a device and wipes its conversation history.
//
// Construction runs outside the registry lock. Concurrent callers asking for
// the same device and configuration wait on the single in-flight build.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicegate/internal/config"
	"github.com/MrWong99/voicegate/internal/observe"
	"github.com/MrWong99/voicegate/pkg/memory"
)

// ErrConfiguration is returned by [Registry.GetOrCreate] when the provider
// cannot be built from the given configuration: an unknown provider name, a
// rejected entry, or a heavyweight resource that never became ready.
var ErrConfiguration = errors.New("session: configuration error")

// Factory builds a provider from a configuration entry.
type Factory[P any] func(config.ProviderEntry) (P, error)

// entry is one device slot. ready is closed once value or err is set; both
// are immutable afterwards.
type entry[P any] struct {
	configID string
	ready    chan struct{}
	value    P
	err      error
}

// Registry caches one provider of type P per device. All methods are safe for
// concurrent use.
type Registry[P any] struct {
	kind    string
	factory Factory[P]
	memory  memory.Store
	metrics *observe.Metrics

	mu      sync.Mutex
	entries map[string]*entry[P]
}

// Option configures a [Registry].
type Option func(*options)

type options struct {
	memory  memory.Store
	metrics *observe.Metrics
}

// WithMemory sets the store whose per-device history [Registry.Clear] wipes.
func WithMemory(s memory.Store) Option {
	return func(o *options) { o.memory = s }
}

// WithMetrics records constructions and teardowns on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// New returns an empty Registry. kind ("stt", "llm") labels logs, errors and
// metrics.
func New[P any](kind string, factory Factory[P], opts ...Option) *Registry[P] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return &Registry[P]{
		kind:    kind,
		factory: factory,
		memory:  o.memory,
		metrics: o.metrics,
		entries: make(map[string]*entry[P]),
	}
}

// GetOrCreate returns the provider for deviceID built from cfg.
//
// If the device already has a provider for cfg.ID it is returned. Otherwise
// any existing provider is torn down and a new one is built through the
// factory. Build failures wrap [ErrConfiguration] together with the factory
// error and leave no entry behind.
//
// The returned provider is valid for one logical operation: a concurrent
// reconfiguration may tear it down afterwards.
func (r *Registry[P]) GetOrCreate(ctx context.Context, deviceID string, cfg config.ProviderEntry) (P, error) {
	var zero P

	r.mu.Lock()
	e, ok := r.entries[deviceID]
	if ok && e.configID == cfg.ID {
		r.mu.Unlock()
		select {
		case <-e.ready:
			return e.value, e.err
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	ne := &entry[P]{configID: cfg.ID, ready: make(chan struct{})}
	r.entries[deviceID] = ne
	r.mu.Unlock()

	if ok {
		slog.Info("session: configuration changed, replacing provider",
			"kind", r.kind,
			"device_id", deviceID,
			"old_config", e.configID,
			"new_config", cfg.ID,
		)
		if err := r.teardown(ctx, deviceID, e); err != nil {
			slog.Warn("session: teardown failed", "kind", r.kind, "device_id", deviceID, "err", err)
		}
	}

	v, err := r.factory(cfg)
	if err != nil {
		err = fmt.Errorf("%w: %s %q (%s): %w", ErrConfiguration, r.kind, cfg.ID, cfg.Name, err)
		r.mu.Lock()
		if r.entries[deviceID] == ne {
			delete(r.entries, deviceID)
		}
		r.mu.Unlock()
		ne.err = err
		close(ne.ready)
		return zero, err
	}

	ne.value = v
	close(ne.ready)
	if r.metrics != nil {
		r.metrics.RecordConstruction(ctx, r.kind)
	}
	slog.Debug("session: provider constructed", "kind", r.kind, "device_id", deviceID, "config", cfg.ID)
	return v, nil
}

// Clear evicts deviceID, tears down its provider and clears its conversation
// history. Clearing an unknown device is not an error.
func (r *Registry[P]) Clear(ctx context.Context, deviceID string) error {
	r.mu.Lock()
	e, ok := r.entries[deviceID]
	delete(r.entries, deviceID)
	r.mu.Unlock()

	var errs []error
	if ok {
		if err := r.teardown(ctx, deviceID, e); err != nil {
			errs = append(errs, err)
		}
	}
	if r.memory != nil {
		if err := r.memory.Clear(ctx, deviceID); err != nil {
			errs = append(errs, fmt.Errorf("session: clear memory: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close tears down every cached provider in parallel and empties the
// registry. Conversation history is kept.
func (r *Registry[P]) Close(ctx context.Context) error {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry[P])
	r.mu.Unlock()

	var g errgroup.Group
	errs := make([]error, len(entries))
	i := 0
	for deviceID, e := range entries {
		slot := i
		g.Go(func() error {
			errs[slot] = r.teardown(ctx, deviceID, e)
			return nil
		})
		i++
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Evict tears down every provider built from one of configIDs. History is
// kept; the next GetOrCreate for those devices builds a fresh instance. It
// returns how many providers were evicted.
func (r *Registry[P]) Evict(ctx context.Context, configIDs ...string) (int, error) {
	ids := make(map[string]bool, len(configIDs))
	for _, id := range configIDs {
		ids[id] = true
	}

	r.mu.Lock()
	evicted := make(map[string]*entry[P])
	for deviceID, e := range r.entries {
		if ids[e.configID] {
			evicted[deviceID] = e
			delete(r.entries, deviceID)
		}
	}
	r.mu.Unlock()

	var errs []error
	for deviceID, e := range evicted {
		if err := r.teardown(ctx, deviceID, e); err != nil {
			errs = append(errs, err)
		}
	}
	return len(evicted), errors.Join(errs...)
}

// Len returns the number of devices with a cached or in-flight provider.
func (r *Registry[P]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// ConfigID returns the configuration ID cached for deviceID.
func (r *Registry[P]) ConfigID(deviceID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[deviceID]
	if !ok {
		return "", false
	}
	return e.configID, true
}

// teardown waits for e to finish building and closes its value. The caller
// must already have removed e from the map, which makes this the only
// teardown of e. If ctx ends first the close happens in the background.
func (r *Registry[P]) teardown(ctx context.Context, deviceID string, e *entry[P]) error {
	select {
	case <-e.ready:
		return r.release(ctx, deviceID, e)
	case <-ctx.Done():
		go func() {
			<-e.ready
			_ = r.release(context.WithoutCancel(ctx), deviceID, e)
		}()
		return ctx.Err()
	}
}

func (r *Registry[P]) release(ctx context.Context, deviceID string, e *entry[P]) error {
	if e.err != nil {
		return nil
	}
	if r.metrics != nil {
		r.metrics.RecordTeardown(ctx, r.kind)
	}
	c, ok := any(e.value).(io.Closer)
	if !ok {
		return nil
	}
	if err := c.Close(); err != nil {
		return fmt.Errorf("session: close %s provider for %q: %w", r.kind, deviceID, err)
	}
	return nil
}
