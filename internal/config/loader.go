package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "openai-compatible", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"whisper", "whisper-native"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %v must be within [0, 1]", r))
	}

	// Audio
	a := cfg.Audio
	if a.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must not be negative", a.SampleRate))
	}
	if a.Channels < 0 || a.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.channels %d is out of range [1, 2]", a.Channels))
	}
	switch a.OpusFrameMs {
	case 0, 5, 10, 20, 40, 60:
	default:
		errs = append(errs, fmt.Errorf("audio.opus_frame_ms %d is invalid; valid values: 5, 10, 20, 40, 60", a.OpusFrameMs))
	}
	if a.OpusBitrate < 0 || a.MP3Bitrate < 0 {
		errs = append(errs, errors.New("audio bitrates must not be negative"))
	}
	if a.MP3Quality < 0 || a.MP3Quality > 9 {
		errs = append(errs, fmt.Errorf("audio.mp3_quality %d is out of range [0, 9]", a.MP3Quality))
	}
	if a.RecordFormat != "" && a.RecordFormat != RecordWAV && a.RecordFormat != RecordMP3 {
		errs = append(errs, fmt.Errorf("audio.record_format %q is invalid; valid values: wav, mp3", a.RecordFormat))
	}

	// Segmenter
	s := cfg.Segmenter
	if s.MinSentenceLength < 0 || s.PauseTokenThreshold < 0 || s.ContextWindow < 0 || s.MinSubstantialRunes < 0 {
		errs = append(errs, errors.New("segmenter values must not be negative"))
	}

	// Memory
	m := cfg.Memory
	if m.Backend != "" && !m.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("memory.backend %q is invalid; valid values: inmemory, postgres, redis", m.Backend))
	}
	if m.Backend == MemoryPostgres && m.PostgresDSN == "" {
		errs = append(errs, errors.New("memory.postgres_dsn is required when backend is postgres"))
	}
	if m.Backend == MemoryRedis && m.RedisAddr == "" {
		errs = append(errs, errors.New("memory.redis_addr is required when backend is redis"))
	}
	if m.MaxMessages < 0 {
		errs = append(errs, fmt.Errorf("memory.max_messages %d must not be negative", m.MaxMessages))
	}

	// Warmup
	if cfg.Warmup.Timeout < 0 {
		errs = append(errs, fmt.Errorf("warmup.timeout %s must not be negative", cfg.Warmup.Timeout))
	}

	// Provider catalogue
	sttIDs := validateEntries("stt", cfg.Providers.STT, &errs)
	llmIDs := validateEntries("llm", cfg.Providers.LLM, &errs)
	if id := cfg.Providers.DefaultSTT; id != "" && !sttIDs[id] {
		errs = append(errs, fmt.Errorf("providers.default_stt %q does not name a providers.stt entry", id))
	}
	if id := cfg.Providers.DefaultLLM; id != "" && !llmIDs[id] {
		errs = append(errs, fmt.Errorf("providers.default_llm %q does not name a providers.llm entry", id))
	}
	if len(cfg.Providers.LLM) == 0 && len(cfg.Devices) > 0 {
		slog.Warn("no LLM provider configured; devices will only receive the fallback reply")
	}

	// Devices
	seen := make(map[string]int, len(cfg.Devices))
	for i, d := range cfg.Devices {
		prefix := fmt.Sprintf("devices[%d]", i)
		if d.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := seen[d.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of devices[%d]", prefix, d.ID, prev))
			}
			seen[d.ID] = i
		}
		if d.STT != "" && !sttIDs[d.STT] {
			errs = append(errs, fmt.Errorf("%s.stt %q does not name a providers.stt entry", prefix, d.STT))
		}
		if d.LLM != "" && !llmIDs[d.LLM] {
			errs = append(errs, fmt.Errorf("%s.llm %q does not name a providers.llm entry", prefix, d.LLM))
		}
	}

	return errors.Join(errs...)
}

// validateEntries checks one provider catalogue and returns the set of IDs.
func validateEntries(kind string, entries []ProviderEntry, errs *[]error) map[string]bool {
	ids := make(map[string]bool, len(entries))
	for i, e := range entries {
		prefix := fmt.Sprintf("providers.%s[%d]", kind, i)
		if e.ID == "" {
			*errs = append(*errs, fmt.Errorf("%s.id is required", prefix))
		} else if ids[e.ID] {
			*errs = append(*errs, fmt.Errorf("%s.id %q is a duplicate", prefix, e.ID))
		}
		ids[e.ID] = true
		if e.Name == "" {
			*errs = append(*errs, fmt.Errorf("%s.name is required", prefix))
		}
		validateProviderName(kind, e.Name)
	}
	for i, e := range entries {
		seen := make(map[string]bool, len(e.Fallbacks))
		for _, fb := range e.Fallbacks {
			prefix := fmt.Sprintf("providers.%s[%d].fallbacks", kind, i)
			switch {
			case fb == e.ID:
				*errs = append(*errs, fmt.Errorf("%s must not contain the entry itself", prefix))
			case !ids[fb]:
				*errs = append(*errs, fmt.Errorf("%s: %q does not name a providers.%s entry", prefix, fb, kind))
			case seen[fb]:
				*errs = append(*errs, fmt.Errorf("%s: %q is listed twice", prefix, fb))
			}
			seen[fb] = true
		}
	}
	return ids
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
