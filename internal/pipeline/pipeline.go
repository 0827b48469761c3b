// Package pipeline runs one device's voice turn end to end: device audio is
// decoded and recognised, the transcript is sent to the device's language
// model together with its conversation history, and the streamed reply is cut
// into utterances for speech synthesis.
//
// Providers come from two [session.Registry] values, one for STT and one for
// LLM, so each device gets its own lazily built instances that follow config
// reloads.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voicegate/internal/config"
	"github.com/MrWong99/voicegate/internal/observe"
	"github.com/MrWong99/voicegate/internal/segment"
	"github.com/MrWong99/voicegate/internal/session"
	"github.com/MrWong99/voicegate/internal/warmup"
	"github.com/MrWong99/voicegate/pkg/audio"
	"github.com/MrWong99/voicegate/pkg/audio/codec"
	"github.com/MrWong99/voicegate/pkg/memory"
	"github.com/MrWong99/voicegate/pkg/provider/llm"
	"github.com/MrWong99/voicegate/pkg/provider/stt"
)

// DefaultHistoryLimit is how many stored messages are replayed to the model.
const DefaultHistoryLimit = 20

var (
	// ErrRecognition wraps a failed speech recognition. The sink has already
	// received the fallback utterance.
	ErrRecognition = errors.New("pipeline: recognition failed")

	// ErrInference wraps a failed completion. The sink has already received
	// the fallback utterance.
	ErrInference = errors.New("pipeline: inference failed")
)

// Turn summarises one handled utterance of the user.
type Turn struct {
	// Transcript is the recognised user text. Empty when nothing was said.
	Transcript string
	// Response is the full assistant reply as streamed by the model.
	Response string
	// Utterances is how many utterances reached the sink.
	Utterances int
	// Recording is the path of the saved device audio, if recording is on.
	Recording string
}

// Pipeline is safe for concurrent use across devices. Calls for the same
// device may overlap; each gets its own segmenter.
type Pipeline struct {
	cfg       atomic.Pointer[config.Config]
	providers *config.Registry
	stt       *session.Registry[stt.Provider]
	llm       *session.Registry[llm.Provider]
	memory    memory.Store
	decoders  *codec.DecoderPool
	ffmpeg    *codec.FFmpeg
	metrics   *observe.Metrics
	format    audio.Format
	history   int

	bufMu   sync.Mutex
	buffers map[string][]byte
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithMetrics records pipeline metrics on m. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithFFmpeg sets the ffmpeg runner used for MP3 recording and compressed
// uploads.
func WithFFmpeg(f *codec.FFmpeg) Option {
	return func(p *Pipeline) { p.ffmpeg = f }
}

// WithHistoryLimit sets how many stored messages are sent with each request.
// Non-positive values send the whole history.
func WithHistoryLimit(n int) Option {
	return func(p *Pipeline) { p.history = n }
}

// New creates a Pipeline. The STT and LLM registries build providers through
// providers, wrapping entries that list fallbacks in a failover group; store
// keeps conversation history and is cleared together with the device's LLM
// session.
func New(cfg *config.Config, providers *config.Registry, store memory.Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		providers: providers,
		memory:    store,
		history:   DefaultHistoryLimit,
		buffers:   make(map[string][]byte),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	if p.ffmpeg == nil {
		p.ffmpeg = codec.NewFFmpeg(
			codec.WithBinary(cfg.Audio.FFmpegPath),
			codec.WithScratchDir(cfg.Audio.ScratchDir),
		)
	}
	p.format = audio.Format{SampleRate: cfg.Audio.SampleRate, Channels: cfg.Audio.Channels}
	if p.format.SampleRate <= 0 || p.format.Channels <= 0 {
		p.format = audio.DeviceFormat
	}
	p.decoders = codec.NewDecoderPool(p.format)
	p.stt = session.New[stt.Provider]("stt", p.createSTT, session.WithMetrics(p.metrics))
	p.llm = session.New[llm.Provider]("llm", p.createLLM,
		session.WithMetrics(p.metrics),
		session.WithMemory(store),
	)
	p.cfg.Store(cfg)
	return p
}

// SetConfig swaps the configuration used by subsequent calls. Devices whose
// provider assignment changed get new providers on their next turn.
func (p *Pipeline) SetConfig(cfg *config.Config) {
	p.cfg.Store(cfg)
}

// Config returns the configuration currently in use.
func (p *Pipeline) Config() *config.Config {
	return p.cfg.Load()
}

// Format returns the PCM format the pipeline expects from devices.
func (p *Pipeline) Format() audio.Format { return p.format }

// HandleSpeech recognises pcm, asks the device's model for a reply and pushes
// the reply to sink utterance by utterance.
//
// Configuration problems (unknown device provider, provider that fails to
// build, model not loaded yet) are returned without calling sink. Recognition and
// inference failures send the fallback utterance to sink and return an error
// wrapping [ErrRecognition] or [ErrInference]. Silence yields a zero Turn.
func (p *Pipeline) HandleSpeech(ctx context.Context, deviceID string, pcm []byte, sink segment.Sink) (Turn, error) {
	ctx, span := observe.StartDeviceSpan(ctx, "pipeline.HandleSpeech", deviceID)
	defer span.End()
	log := observe.Logger(ctx)

	cfg := p.cfg.Load()
	var turn Turn
	pcm = audio.TrimPCM(pcm)
	if len(pcm) == 0 {
		return turn, nil
	}
	turn.Recording = p.record(ctx, cfg, pcm)

	sttEntry, err := cfg.STTFor(deviceID)
	if err != nil {
		return turn, observe.Fail(span, fmt.Errorf("pipeline: %w: %w", session.ErrConfiguration, err))
	}
	recognizer, err := p.stt.GetOrCreate(ctx, deviceID, sttEntry)
	if err != nil {
		return turn, observe.Fail(span, err)
	}

	start := time.Now()
	tr, err := recognizer.Recognize(ctx, pcm, stt.StreamConfig{
		SampleRate: p.format.SampleRate,
		Channels:   p.format.Channels,
	})
	p.metrics.STTDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		p.metrics.RecordProviderError(ctx, sttEntry.Name, "stt")
		if errors.Is(err, warmup.ErrNotInitialized) {
			log.Warn("recognizer not ready", "provider", sttEntry.Name, "err", err)
			return turn, observe.Fail(span, fmt.Errorf("pipeline: %w", err))
		}
		p.fallback(ctx, cfg, deviceID, sink, err)
		log.Warn("recognition failed", "provider", sttEntry.Name, "err", err)
		return turn, observe.Fail(span, fmt.Errorf("%w: %w", ErrRecognition, err))
	}
	p.metrics.RecordProviderRequest(ctx, sttEntry.Name, "stt", "ok")

	turn.Transcript = strings.TrimSpace(tr.Text)
	if turn.Transcript == "" {
		log.Debug("no speech recognised", "audio_ms", p.format.DurationMs(pcm))
		return turn, nil
	}
	log.Info("recognised", "text", turn.Transcript, "audio_ms", p.format.DurationMs(pcm))

	resp, n, err := p.reply(ctx, cfg, deviceID, turn.Transcript, sink)
	turn.Response, turn.Utterances = resp, n
	if err != nil {
		log.Warn("inference failed", "err", err)
		return turn, observe.Fail(span, err)
	}
	return turn, nil
}

// reply streams the model's answer to text into sink and records the
// exchange in memory.
func (p *Pipeline) reply(ctx context.Context, cfg *config.Config, deviceID, text string, sink segment.Sink) (string, int, error) {
	llmEntry, err := cfg.LLMFor(deviceID)
	if err != nil {
		return "", 0, fmt.Errorf("pipeline: %w: %w", session.ErrConfiguration, err)
	}
	model, err := p.llm.GetOrCreate(ctx, deviceID, llmEntry)
	if err != nil {
		return "", 0, err
	}

	seg := segment.New(segmenterConfig(cfg), p.countingSink(ctx, deviceID, sink))
	req, err := p.request(ctx, cfg, deviceID, text)
	if err != nil {
		seg.Fail(err)
		return "", seg.Emitted(), fmt.Errorf("%w: %w", ErrInference, err)
	}

	start := time.Now()
	chunks, err := model.StreamCompletion(ctx, req)
	if err != nil {
		seg.Fail(err)
		p.metrics.RecordProviderError(ctx, llmEntry.Name, "llm")
		return "", seg.Emitted(), fmt.Errorf("%w: %w", ErrInference, err)
	}
	err = segment.Drain(ctx, chunks, seg)
	p.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		p.metrics.RecordProviderError(ctx, llmEntry.Name, "llm")
		return seg.Response(), seg.Emitted(), fmt.Errorf("%w: %w", ErrInference, err)
	}
	p.metrics.RecordProviderRequest(ctx, llmEntry.Name, "llm", "ok")

	response := seg.Response()
	if err := p.memory.Append(ctx, deviceID,
		memory.Message{Role: memory.RoleUser, Content: text},
		memory.Message{Role: memory.RoleAssistant, Content: response},
	); err != nil {
		observe.Logger(ctx).Warn("pipeline: store history", "err", err)
	}
	return response, seg.Emitted(), nil
}

// Chat answers text without streaming. On any failure it returns the
// configured fallback text together with an error wrapping [ErrInference] or
// the configuration error.
func (p *Pipeline) Chat(ctx context.Context, deviceID, text string) (string, error) {
	ctx, span := observe.StartDeviceSpan(ctx, "pipeline.Chat", deviceID)
	defer span.End()

	cfg := p.cfg.Load()
	apology := segmenterConfig(cfg).FallbackText
	if apology == "" {
		apology = segment.DefaultFallbackText
	}

	llmEntry, err := cfg.LLMFor(deviceID)
	if err != nil {
		return apology, observe.Fail(span, fmt.Errorf("pipeline: %w: %w", session.ErrConfiguration, err))
	}
	model, err := p.llm.GetOrCreate(ctx, deviceID, llmEntry)
	if err != nil {
		return apology, observe.Fail(span, err)
	}
	req, err := p.request(ctx, cfg, deviceID, text)
	if err != nil {
		return apology, observe.Fail(span, err)
	}

	start := time.Now()
	resp, err := model.Complete(ctx, req)
	p.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		p.metrics.RecordProviderError(ctx, llmEntry.Name, "llm")
		return apology, observe.Fail(span, fmt.Errorf("%w: %w", ErrInference, err))
	}
	p.metrics.RecordProviderRequest(ctx, llmEntry.Name, "llm", "ok")

	if err := p.memory.Append(ctx, deviceID,
		memory.Message{Role: memory.RoleUser, Content: text},
		memory.Message{Role: memory.RoleAssistant, Content: resp.Content},
	); err != nil {
		observe.Logger(ctx).Warn("pipeline: store history", "err", err)
	}
	return resp.Content, nil
}

// request builds a completion request from the device's system prompt, its
// stored history and the new user text.
func (p *Pipeline) request(ctx context.Context, cfg *config.Config, deviceID, text string) (llm.CompletionRequest, error) {
	history, err := p.memory.History(ctx, deviceID, p.history)
	if err != nil {
		return llm.CompletionRequest{}, fmt.Errorf("pipeline: load history: %w", err)
	}
	msgs := make([]llm.Message, 0, len(history)+1)
	for _, m := range history {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: text})
	return llm.CompletionRequest{
		SystemPrompt: cfg.Device(deviceID).SystemPrompt,
		Messages:     msgs,
	}, nil
}

// ClearDevice drops the device's providers, Opus decoder, buffered audio and
// conversation history. It is idempotent.
func (p *Pipeline) ClearDevice(ctx context.Context, deviceID string) error {
	p.EndSession(deviceID)
	return errors.Join(
		p.stt.Clear(ctx, deviceID),
		p.llm.Clear(ctx, deviceID),
	)
}

// EvictProviders tears down every provider built from the given catalogue
// entries, keeping conversation history.
func (p *Pipeline) EvictProviders(ctx context.Context, entryIDs ...string) error {
	_, sttErr := p.stt.Evict(ctx, entryIDs...)
	_, llmErr := p.llm.Evict(ctx, entryIDs...)
	return errors.Join(sttErr, llmErr)
}

// Sessions returns how many devices currently hold an STT and an LLM
// provider.
func (p *Pipeline) Sessions() (sttSessions, llmSessions int) {
	return p.stt.Len(), p.llm.Len()
}

// Close tears down all providers and decoders. History is kept.
func (p *Pipeline) Close(ctx context.Context) error {
	p.bufMu.Lock()
	p.buffers = make(map[string][]byte)
	p.bufMu.Unlock()
	return errors.Join(
		p.stt.Close(ctx),
		p.llm.Close(ctx),
		p.decoders.Close(),
	)
}

// fallback emits the configured fallback utterance for a failure that
// happened before any model output.
func (p *Pipeline) fallback(ctx context.Context, cfg *config.Config, deviceID string, sink segment.Sink, err error) {
	segment.New(segmenterConfig(cfg), p.countingSink(ctx, deviceID, sink)).Fail(err)
}

// countingSink forwards to sink and counts utterances.
func (p *Pipeline) countingSink(ctx context.Context, deviceID string, sink segment.Sink) segment.Sink {
	return func(u segment.Utterance) {
		p.metrics.RecordUtterance(ctx, deviceID)
		if sink != nil {
			sink(u)
		}
	}
}

func segmenterConfig(cfg *config.Config) segment.Config {
	return segment.Config{
		MinSentenceLength:   cfg.Segmenter.MinSentenceLength,
		PauseTokenThreshold: cfg.Segmenter.PauseTokenThreshold,
		ContextWindow:       cfg.Segmenter.ContextWindow,
		MinSubstantialRunes: cfg.Segmenter.MinSubstantialRunes,
		FallbackText:        cfg.Segmenter.FallbackText,
	}
}
