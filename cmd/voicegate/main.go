// Command voicegate is the main entry point for the voicegate device gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/voicegate/internal/app"
	"github.com/MrWong99/voicegate/internal/config"
	"github.com/MrWong99/voicegate/internal/health"
	"github.com/MrWong99/voicegate/internal/observe"
	"github.com/MrWong99/voicegate/internal/warmup"
	"github.com/MrWong99/voicegate/pkg/provider/llm"
	"github.com/MrWong99/voicegate/pkg/provider/llm/anyllm"
	"github.com/MrWong99/voicegate/pkg/provider/llm/openai"
	"github.com/MrWong99/voicegate/pkg/provider/stt"
	"github.com/MrWong99/voicegate/pkg/provider/stt/whisper"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Duration("watch", 5*time.Second, "config reload poll interval, 0 disables reloading")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicegate: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicegate: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("voicegate starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Server.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Server.Environment,
		SampleRatio:    cfg.Server.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	models := newModelCache(cfg.Warmup.Timeout)
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, models)
	models.warm(ctx, cfg)

	printStartupSummary(cfg)

	opts := []app.Option{app.WithHandler("GET /metrics", promhttp.Handler())}
	for _, c := range models.checkers() {
		opts = append(opts, app.WithChecker(c))
	}
	application, err := app.New(ctx, cfg, reg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		_ = shutdownOTel(context.Background())
		return 1
	}

	// ── Config reload ─────────────────────────────────────────────────────────
	if *watch > 0 {
		watcher, err := config.NewWatcher(*configPath, func(old, next *config.Config, d config.Diff) {
			if d.LogLevelChanged {
				level.Set(slogLevel(d.NewLogLevel))
				slog.Info("log level changed", "level", d.NewLogLevel)
			}
			models.warm(ctx, next)
			if err := application.Reload(ctx, old, next, d); err != nil {
				slog.Warn("config reload incomplete", "err", err)
			}
		}, config.WithInterval(*watch))
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer watcher.Stop()
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx, cfg.Server.ListenAddr); err != nil {
		slog.Error("run error", "err", err)
		stop()
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	code := 0
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := shutdownOTel(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps provider kinds to the implementations that ship with
// voicegate. Used for startup logging.
var builtinProviders = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "openai-compatible"},
	"stt": {"whisper", "whisper-native"},
}

func registerBuiltinProviders(reg *config.Registry, models *modelCache) {
	for _, providerName := range []string{
		"openai", "anthropic", "gemini",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			p, err := anyllm.New(providerName, entry.Model, opts...)
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}

	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		p, err := anyllm.New("ollama", entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// Any server speaking the OpenAI chat completions API (vLLM, LocalAI,
	// DashScope compatible mode).
	reg.RegisterLLM("openai-compatible", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if d, err := time.ParseDuration(optString(entry.Options, "timeout")); err == nil && d > 0 {
			opts = append(opts, openai.WithTimeout(d))
		}
		p, err := openai.New(entry.APIKey, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		p, err := whisper.New(entry.BaseURL, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		loader := models.loader(nativeModelPath(entry))
		// Fails with warmup.ErrNotInitialized until the model is loaded.
		if _, err := loader.Get(context.Background()); err != nil {
			return nil, err
		}
		var opts []whisper.NativeOption
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		p, err := whisper.NewNative(loader, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

func nativeModelPath(entry config.ProviderEntry) string {
	if entry.Model != "" {
		return entry.Model
	}
	return optString(entry.Options, "model_path")
}

// modelCache shares one whisper model loader per model file across all
// whisper-native providers.
type modelCache struct {
	timeout time.Duration

	mu      sync.Mutex
	loaders map[string]*whisper.ModelLoader
}

func newModelCache(timeout time.Duration) *modelCache {
	return &modelCache{timeout: timeout, loaders: make(map[string]*whisper.ModelLoader)}
}

func (c *modelCache) loader(path string) *whisper.ModelLoader {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.loaders[path]
	if !ok {
		l = whisper.NewModelLoader(path, warmup.WithTimeout(c.timeout))
		c.loaders[path] = l
	}
	return l
}

// warm starts loading every model referenced by a whisper-native entry in
// cfg so the first device turn does not pay for it.
func (c *modelCache) warm(ctx context.Context, cfg *config.Config) {
	for _, e := range cfg.Providers.STT {
		if e.Name != "whisper-native" {
			continue
		}
		path := nativeModelPath(e)
		slog.Info("warming whisper model", "entry", e.ID, "path", path)
		c.loader(path).Start(ctx)
	}
}

// checkers returns a readiness check per known model. Models added by a
// later reload are not probed.
func (c *modelCache) checkers() []health.Checker {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]health.Checker, 0, len(c.loaders))
	for path, l := range c.loaders {
		out = append(out, health.LoaderChecker("whisper_model:"+path, l))
	}
	return out
}

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       voicegate startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	for _, e := range cfg.Providers.STT {
		printProvider("STT "+e.ID, e.Name, e.Model)
	}
	for _, e := range cfg.Providers.LLM {
		printProvider("LLM "+e.ID, e.Name, e.Model)
	}
	fmt.Printf("║  Memory          : %-19s ║\n", memoryBackend(cfg.Memory.Backend))
	fmt.Printf("║  Devices         : %-19d ║\n", len(cfg.Devices))
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(label, name, model string) {
	value := name
	if model != "" {
		value = name + "/" + model
	}
	fmt.Printf("║  %-16s: %-19s ║\n", truncate(label, 16), truncate(value, 19))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func memoryBackend(b config.MemoryBackend) string {
	if b == "" {
		return string(config.MemoryInMemory)
	}
	return string(b)
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}
