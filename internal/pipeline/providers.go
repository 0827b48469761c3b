package pipeline

import (
	"context"
	"log/slog"

	"github.com/MrWong99/voicegate/internal/config"
	"github.com/MrWong99/voicegate/internal/resilience"
	"github.com/MrWong99/voicegate/pkg/provider/llm"
	"github.com/MrWong99/voicegate/pkg/provider/stt"
)

// createSTT builds the recogniser for entry. Entries with fallbacks get an
// [resilience.STTFallback] holding the primary and every fallback that could
// be built.
func (p *Pipeline) createSTT(entry config.ProviderEntry) (stt.Provider, error) {
	primary, err := p.providers.CreateSTT(entry)
	if err != nil {
		return nil, err
	}
	if len(entry.Fallbacks) == 0 {
		return primary, nil
	}
	cfg := p.cfg.Load()
	group := resilience.NewSTTFallback(entry.ID, primary, p.breakerConfig())
	for _, id := range entry.Fallbacks {
		fbEntry, ok := cfg.STTEntry(id)
		if !ok {
			slog.Warn("stt fallback not in catalogue", "entry", entry.ID, "fallback", id)
			continue
		}
		fb, err := p.providers.CreateSTT(fbEntry)
		if err != nil {
			slog.Warn("stt fallback unavailable", "entry", entry.ID, "fallback", id, "err", err)
			continue
		}
		group.AddFallback(id, fb)
	}
	return group, nil
}

// createLLM is the language model counterpart of createSTT.
func (p *Pipeline) createLLM(entry config.ProviderEntry) (llm.Provider, error) {
	primary, err := p.providers.CreateLLM(entry)
	if err != nil {
		return nil, err
	}
	if len(entry.Fallbacks) == 0 {
		return primary, nil
	}
	cfg := p.cfg.Load()
	group := resilience.NewLLMFallback(entry.ID, primary, p.breakerConfig())
	for _, id := range entry.Fallbacks {
		fbEntry, ok := cfg.LLMEntry(id)
		if !ok {
			slog.Warn("llm fallback not in catalogue", "entry", entry.ID, "fallback", id)
			continue
		}
		fb, err := p.providers.CreateLLM(fbEntry)
		if err != nil {
			slog.Warn("llm fallback unavailable", "entry", entry.ID, "fallback", id, "err", err)
			continue
		}
		group.AddFallback(id, fb)
	}
	return group, nil
}

func (p *Pipeline) breakerConfig() resilience.Config {
	return resilience.Config{CircuitBreaker: resilience.CircuitBreakerConfig{
		OnStateChange: func(name string, _, to resilience.State) {
			p.metrics.RecordBreakerTransition(context.Background(), name, to.String())
		},
	}}
}
