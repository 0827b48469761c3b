package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/voicegate/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Providers: config.ProvidersConfig{
			STT: []config.ProviderEntry{{ID: "local", Name: "whisper-native"}, {ID: "remote", Name: "whisper"}},
			LLM: []config.ProviderEntry{{ID: "gpt", Name: "openai", Model: "gpt-4o"}, {ID: "qwen", Name: "ollama"}},
		},
		Devices: []config.DeviceConfig{
			{ID: "dev1", STT: "local", LLM: "gpt", SystemPrompt: "be nice"},
			{ID: "dev2"},
		},
	}
}

func TestCompare_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Compare(baseConfig(), baseConfig())
	if !d.Empty() {
		t.Errorf("expected empty diff, got %+v", d)
	}
}

func TestCompare_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Compare(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
}

func TestCompare_DeviceReassigned(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Devices[0].LLM = "qwen"
	new.Devices[0].SystemPrompt = "be terse"

	d := config.Compare(old, new)
	if len(d.Devices) != 1 {
		t.Fatalf("expected 1 device change, got %+v", d.Devices)
	}
	dd := d.Devices[0]
	if dd.ID != "dev1" || !dd.LLMChanged || dd.STTChanged || !dd.PromptChanged {
		t.Errorf("unexpected diff %+v", dd)
	}
}

func TestCompare_DefaultChangeAffectsUnassignedDevices(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Providers.DefaultSTT = "remote"

	d := config.Compare(old, new)
	if len(d.Devices) != 1 || d.Devices[0].ID != "dev2" || !d.Devices[0].STTChanged {
		t.Errorf("expected dev2 STT change, got %+v", d.Devices)
	}
}

func TestCompare_AddedAndRemovedDevices(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Devices = []config.DeviceConfig{old.Devices[0], {ID: "dev3"}}

	d := config.Compare(old, new)
	var added, removed []string
	for _, dd := range d.Devices {
		if dd.Added {
			added = append(added, dd.ID)
		}
		if dd.Removed {
			removed = append(removed, dd.ID)
		}
	}
	if !slices.Equal(added, []string{"dev3"}) {
		t.Errorf("added = %v", added)
	}
	if !slices.Equal(removed, []string{"dev2"}) {
		t.Errorf("removed = %v", removed)
	}
}

func TestCompare_ProviderEntryChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Providers.LLM[0].Model = "gpt-4o-mini"
	new.Providers.STT = new.Providers.STT[:1]

	d := config.Compare(old, new)
	slices.Sort(d.ProvidersChanged)
	if !slices.Equal(d.ProvidersChanged, []string{"gpt", "remote"}) {
		t.Errorf("ProvidersChanged = %v", d.ProvidersChanged)
	}
}

func TestCompare_FallbackDependents(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	old.Providers.LLM[0].Fallbacks = []string{"qwen"}
	new.Providers.LLM[0].Fallbacks = []string{"qwen"}
	new.Providers.LLM[1].Model = "qwen2.5:7b"

	d := config.Compare(old, new)
	slices.Sort(d.ProvidersChanged)
	if !slices.Equal(d.ProvidersChanged, []string{"gpt", "qwen"}) {
		t.Errorf("ProvidersChanged = %v, want gpt evicted with its fallback qwen", d.ProvidersChanged)
	}
}
