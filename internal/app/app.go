// Package app wires the voicegate subsystems together and owns their
// lifecycle. It builds the conversation store, the voice pipeline and the
// readiness checks from a [config.Config], applies hot reloads and shuts
// everything down in order.
//
// Typical usage from main:
//
//	application, err := app.New(ctx, cfg, providers)
//	if err != nil { … }
//	go application.Run(ctx, cfg.Server.ListenAddr)
//	<-ctx.Done()
//	application.Shutdown(shutdownCtx)
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/MrWong99/voicegate/internal/config"
	"github.com/MrWong99/voicegate/internal/health"
	"github.com/MrWong99/voicegate/internal/observe"
	"github.com/MrWong99/voicegate/internal/pipeline"
	"github.com/MrWong99/voicegate/internal/session"
	"github.com/MrWong99/voicegate/pkg/audio/codec"
	"github.com/MrWong99/voicegate/pkg/memory"
	"github.com/MrWong99/voicegate/pkg/memory/inmemory"
	"github.com/MrWong99/voicegate/pkg/memory/postgres"
	"github.com/MrWong99/voicegate/pkg/memory/redis"
)

// App owns every long-lived subsystem of the gateway.
type App struct {
	cfg       *config.Config
	providers *config.Registry

	store    memory.Store
	guard    *session.MemoryGuard
	pipeline *pipeline.Pipeline
	metrics  *observe.Metrics
	ffmpeg   *codec.FFmpeg

	checkers []health.Checker
	routes   map[string]http.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for [New].
type Option func(*App)

// WithMemoryStore injects a conversation store instead of building one from
// the memory config section. The caller keeps ownership of the store.
func WithMemoryStore(s memory.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithFFmpeg injects the ffmpeg runner used for uploads and MP3 recording.
func WithFFmpeg(f *codec.FFmpeg) Option {
	return func(a *App) { a.ffmpeg = f }
}

// WithChecker adds a readiness check, for example one for a shared model.
func WithChecker(c health.Checker) Option {
	return func(a *App) { a.checkers = append(a.checkers, c) }
}

// WithHandler mounts h on the HTTP server under pattern. Used for /metrics.
func WithHandler(pattern string, h http.Handler) Option {
	return func(a *App) {
		if a.routes == nil {
			a.routes = make(map[string]http.Handler)
		}
		a.routes[pattern] = h
	}
}

// New builds the application from cfg. Providers are constructed lazily per
// device through providers, so New never contacts a model backend.
func New(ctx context.Context, cfg *config.Config, providers *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initMemory(ctx); err != nil {
		return nil, err
	}
	a.initPipeline()
	return a, nil
}

// initMemory opens the configured conversation store unless one was injected.
func (a *App) initMemory(ctx context.Context) error {
	if a.store == nil {
		store, closer, err := openStore(ctx, a.cfg.Memory)
		if err != nil {
			return fmt.Errorf("app: init memory: %w", err)
		}
		a.store = store
		if closer != nil {
			a.closers = append(a.closers, closer)
		}
		slog.Info("memory store ready", "backend", backendName(a.cfg.Memory.Backend))
	}
	if p, ok := a.store.(memory.Pinger); ok {
		a.checkers = append(a.checkers, health.PingChecker("memory", p))
	}
	a.guard = session.NewMemoryGuard(a.store)
	return nil
}

func openStore(ctx context.Context, cfg config.MemoryConfig) (memory.Store, func() error, error) {
	switch cfg.Backend {
	case "", config.MemoryInMemory:
		return inmemory.New(cfg.MaxMessages), nil, nil
	case config.MemoryPostgres:
		s, err := postgres.NewStore(ctx, cfg.PostgresDSN, cfg.MaxMessages)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case config.MemoryRedis:
		s, err := redis.NewStore(ctx, redis.Options{
			Addr:        cfg.RedisAddr,
			Password:    cfg.RedisPassword,
			DB:          cfg.RedisDB,
			MaxMessages: cfg.MaxMessages,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown memory backend %q", cfg.Backend)
	}
}

func backendName(b config.MemoryBackend) string {
	if b == "" {
		return string(config.MemoryInMemory)
	}
	return string(b)
}

func (a *App) initPipeline() {
	opts := []pipeline.Option{pipeline.WithMetrics(a.metrics)}
	if a.ffmpeg != nil {
		opts = append(opts, pipeline.WithFFmpeg(a.ffmpeg))
	}
	a.pipeline = pipeline.New(a.cfg, a.providers, a.guard, opts...)
}

// Pipeline returns the voice pipeline.
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipeline }

// MemoryDegraded reports whether a history write has failed since start.
func (a *App) MemoryDegraded() bool { return a.guard.IsDegraded() }

// Checkers returns the readiness checks of the running subsystems.
func (a *App) Checkers() []health.Checker {
	out := make([]health.Checker, len(a.checkers))
	copy(out, a.checkers)
	return out
}

// Reload applies a changed configuration. Devices that were removed lose
// their providers and history; providers built from a changed catalogue entry
// are torn down and rebuilt on the next turn. Devices whose assignment
// changed switch lazily on their next turn.
func (a *App) Reload(ctx context.Context, old, cfg *config.Config, d config.Diff) error {
	a.pipeline.SetConfig(cfg)
	a.cfg = cfg

	var errs []error
	if len(d.ProvidersChanged) > 0 {
		slog.Info("evicting providers", "entries", d.ProvidersChanged)
		if err := a.pipeline.EvictProviders(ctx, d.ProvidersChanged...); err != nil {
			errs = append(errs, err)
		}
	}
	for _, dev := range d.Devices {
		switch {
		case dev.Removed:
			slog.Info("device removed", "device_id", dev.ID)
			if err := a.pipeline.ClearDevice(ctx, dev.ID); err != nil {
				errs = append(errs, fmt.Errorf("clear %s: %w", dev.ID, err))
			}
		case dev.Added:
			slog.Info("device added", "device_id", dev.ID)
		case dev.STTChanged || dev.LLMChanged || dev.PromptChanged:
			slog.Info("device updated", "device_id", dev.ID,
				"stt", dev.STTChanged, "llm", dev.LLMChanged, "prompt", dev.PromptChanged)
		}
	}
	if old != nil && old.Memory != cfg.Memory {
		slog.Warn("memory settings changed; restart to apply")
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("app: reload: %w", err)
	}
	return nil
}

// Handler returns the HTTP surface: device routes, health probes and any
// handlers mounted with [WithHandler]. Requests are traced and measured.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.registerRoutes(mux)
	health.New(a.checkers...).Register(mux)
	for pattern, h := range a.routes {
		mux.Handle(pattern, h)
	}
	return otelhttp.NewHandler(observe.Middleware(a.metrics)(mux), "voicegate.http")
}

// Run serves [App.Handler] on addr until ctx is cancelled.
func (a *App) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("app: http shutdown: %w", err)
		}
		return nil
	}
}

// Shutdown tears down all providers and then runs the closers in order. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
// Subsequent calls are no-ops.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.pipeline.Close(ctx); err != nil {
			slog.Warn("pipeline close error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
