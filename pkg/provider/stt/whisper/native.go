// This file contains the NativeProvider implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/voicegate/internal/warmup"
	"github.com/MrWong99/voicegate/pkg/audio"
	"github.com/MrWong99/voicegate/pkg/provider/stt"
)

// modelSampleRate is the only rate whisper models accept.
const modelSampleRate = 16000

// Compile-time assertion that NativeProvider satisfies stt.Provider.
var _ stt.Provider = (*NativeProvider)(nil)

// ModelLoader loads a whisper model once per process.
type ModelLoader = warmup.Loader[whisperlib.Model]

// NewModelLoader returns a loader for the model file at modelPath. Call
// Start on it at process start; every NativeProvider sharing it blocks in
// Get until the model is ready or the loader's timeout elapses.
func NewModelLoader(modelPath string, opts ...warmup.Option) *ModelLoader {
	return warmup.New("whisper model", func(context.Context) (whisperlib.Model, error) {
		if modelPath == "" {
			return nil, errors.New("whisper: modelPath must not be empty")
		}
		model, err := whisperlib.New(modelPath)
		if err != nil {
			return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
		}
		return model, nil
	}, opts...)
}

// NativeProvider implements stt.Provider using the whisper.cpp Go bindings.
// It does not own the model: Close is a no-op and the model lives as long as
// its loader.
type NativeProvider struct {
	models     *ModelLoader
	language   string
	sampleRate int
	seg        segmentation
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the language code for transcription. Defaults to
// "zh".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithNativeSampleRate sets the default input sample rate in Hz. Audio at
// other rates is resampled to 16 kHz before inference. Defaults to 16000.
func WithNativeSampleRate(rate int) NativeOption {
	return func(p *NativeProvider) { p.sampleRate = rate }
}

// WithNativeSilenceThresholdMs sets the consecutive-silence duration that
// ends a streamed utterance. Defaults to 500 ms.
func WithNativeSilenceThresholdMs(ms int) NativeOption {
	return func(p *NativeProvider) { p.seg.silenceThresholdMs = ms }
}

// WithNativeMaxBufferDurationMs sets the maximum buffered audio before a
// forced flush. Defaults to 10 000 ms.
func WithNativeMaxBufferDurationMs(ms int) NativeOption {
	return func(p *NativeProvider) { p.seg.maxBufferDurationMs = ms }
}

// NewNative creates a NativeProvider that takes its model from models.
func NewNative(models *ModelLoader, opts ...NativeOption) (*NativeProvider, error) {
	if models == nil {
		return nil, errors.New("whisper: model loader must not be nil")
	}
	p := &NativeProvider{
		models:     models,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		seg: segmentation{
			silenceThresholdMs:  defaultSilenceThresholdMs,
			maxBufferDurationMs: defaultMaxBufferDurationMs,
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close implements io.Closer. The shared model is left loaded.
func (p *NativeProvider) Close() error { return nil }

// Recognize implements stt.Provider. It fails with warmup.ErrNotInitialized
// when the model is not ready within the loader's timeout.
func (p *NativeProvider) Recognize(ctx context.Context, pcm []byte, cfg stt.StreamConfig) (stt.Transcript, error) {
	f := streamFormat(cfg, p.sampleRate)
	text, err := p.infer(ctx, pcm, f, p.lang(cfg))
	if err != nil {
		return stt.Transcript{}, err
	}
	return stt.Transcript{
		Text:     text,
		IsFinal:  true,
		Duration: time.Duration(f.DurationMs(pcm)) * time.Millisecond,
	}, nil
}

// StartStream implements stt.Provider.
func (p *NativeProvider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	f := streamFormat(cfg, p.sampleRate)
	lang := p.lang(cfg)
	infer := func(ctx context.Context, pcm []byte) (string, error) {
		return p.infer(ctx, pcm, f, lang)
	}
	return startSession(ctx, infer, f, p.seg), nil
}

func (p *NativeProvider) lang(cfg stt.StreamConfig) string {
	if cfg.Language != "" {
		return cfg.Language
	}
	return p.language
}

// infer runs the shared model on pcm using a fresh whisper context. Contexts
// are not safe for concurrent use; the model is.
func (p *NativeProvider) infer(ctx context.Context, pcm []byte, f audio.Format, lang string) (string, error) {
	model, err := p.models.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("whisper: %w", err)
	}

	samples := pcmToFloat32Mono(toModelRate(pcm, f), 1)
	if len(samples) == 0 {
		return "", nil
	}

	wctx, err := model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", lang, "err", err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}

// toModelRate downmixes to mono and resamples to 16 kHz.
func toModelRate(pcm []byte, f audio.Format) []byte {
	pcm = audio.TrimPCM(pcm)
	if f.Channels == 2 {
		pcm = audio.StereoToMono(pcm)
	}
	if f.SampleRate != modelSampleRate {
		pcm = audio.ResampleMono16(pcm, f.SampleRate, modelSampleRate)
	}
	return pcm
}
