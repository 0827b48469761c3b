package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicegate/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
providers:
  llm:
    - id: gpt
      name: openai
    - id: qwen
      name: ollama
devices:
  - id: dev1
    llm: gpt
`

const watcherUpdatedYAML = `
server:
  log_level: debug
providers:
  llm:
    - id: gpt
      name: openai
    - id: qwen
      name: ollama
devices:
  - id: dev1
    llm: qwen
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	w, err := config.NewWatcher(cfgPath, nil, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	var mu sync.Mutex
	var gotOld, gotNew *config.Config
	var gotDiff config.Diff
	called := make(chan struct{}, 1)

	w, err := config.NewWatcher(cfgPath, func(old, new *config.Config, d config.Diff) {
		mu.Lock()
		gotOld, gotNew, gotDiff = old, new, d
		mu.Unlock()
		select {
		case called <- struct{}{}:
		default:
		}
	}, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	time.Sleep(100 * time.Millisecond)
	writeFile(t, cfgPath, watcherUpdatedYAML)
	// Some filesystems have coarse mtimes; force a visible change.
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(cfgPath, future, future); err != nil {
		t.Fatalf("failed to touch file: %v", err)
	}

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked within timeout")
	}

	mu.Lock()
	defer mu.Unlock()

	if gotOld == nil || gotNew == nil {
		t.Fatal("callback received nil configs")
	}
	if gotOld.Server.LogLevel != config.LogInfo || gotNew.Server.LogLevel != config.LogDebug {
		t.Errorf("log levels: old %q new %q", gotOld.Server.LogLevel, gotNew.Server.LogLevel)
	}
	if !gotDiff.LogLevelChanged {
		t.Error("diff should report the log level change")
	}
	if len(gotDiff.Devices) != 1 || !gotDiff.Devices[0].LLMChanged {
		t.Errorf("diff should report dev1 LLM change, got %+v", gotDiff.Devices)
	}
	if w.Current().Server.LogLevel != config.LogDebug {
		t.Errorf("Current() log_level: got %q, want debug", w.Current().Server.LogLevel)
	}
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	var mu sync.Mutex
	callCount := 0
	w, err := config.NewWatcher(cfgPath, func(_, _ *config.Config, _ config.Diff) {
		mu.Lock()
		callCount++
		mu.Unlock()
	}, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	time.Sleep(100 * time.Millisecond)
	writeFile(t, cfgPath, watcherInvalidYAML)
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	calls := callCount
	mu.Unlock()
	if calls != 0 {
		t.Errorf("callback should not be called for invalid config, got %d calls", calls)
	}
	if w.Current().Server.LogLevel != config.LogInfo {
		t.Errorf("Current() should still have old config, got log_level=%q", w.Current().Server.LogLevel)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/path.yaml", nil); err == nil {
		t.Fatal("expected error for non-existent file, got nil")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	w, err := config.NewWatcher(cfgPath, nil, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w.Stop()
	w.Stop()
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	var mu sync.Mutex
	callCount := 0
	w, err := config.NewWatcher(cfgPath, func(_, _ *config.Config, _ config.Diff) {
		mu.Lock()
		callCount++
		mu.Unlock()
	}, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	time.Sleep(100 * time.Millisecond)
	now := time.Now().Add(time.Second)
	if err := os.Chtimes(cfgPath, now, now); err != nil {
		t.Fatalf("failed to touch file: %v", err)
	}
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if callCount != 0 {
		t.Errorf("callback should not fire for touch-only, got %d calls", callCount)
	}
}
