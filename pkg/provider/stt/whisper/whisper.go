// Package whisper provides whisper.cpp-backed STT providers.
//
// [Provider] talks to a running whisper-server binary (POST /inference).
// [NativeProvider] runs a model loaded in-process through the whisper.cpp CGO
// bindings; the model is loaded once per process and shared by every device.
//
// whisper.cpp is a batch engine. Streaming sessions buffer incoming PCM,
// segment utterances with an energy-based silence detector and submit each
// utterance as one inference, emitting a partial and a final carrying the
// same text.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080",
//	    whisper.WithLanguage("zh"),
//	    whisper.WithSilenceThresholdMs(500),
//	)
//	t, err := p.Recognize(ctx, pcm, stt.StreamConfig{SampleRate: 16000})
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/voicegate/pkg/audio"
	"github.com/MrWong99/voicegate/pkg/audio/codec"
	"github.com/MrWong99/voicegate/pkg/provider/stt"
)

// Compile-time assertion that Provider implements stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the whisper.cpp server.
// When empty the server uses whichever model it was started with.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the language code sent to the server (e.g., "zh",
// "en"). Defaults to "zh".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithSampleRate sets the default sample rate in Hz for requests that do
// not specify one. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithSilenceThresholdMs sets the consecutive-silence duration that ends a
// streamed utterance. Defaults to 500 ms.
func WithSilenceThresholdMs(ms int) Option {
	return func(p *Provider) {
		p.seg.silenceThresholdMs = ms
	}
}

// WithMaxBufferDurationMs sets the maximum buffered audio before a streamed
// utterance is flushed regardless of silence. Defaults to 10 000 ms.
func WithMaxBufferDurationMs(ms int) Option {
	return func(p *Provider) {
		p.seg.maxBufferDurationMs = ms
	}
}

// WithHTTPClient replaces the default client (30 s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements stt.Provider backed by a whisper.cpp HTTP server.
type Provider struct {
	serverURL  string
	model      string
	language   string
	sampleRate int
	seg        segmentation
	httpClient *http.Client
}

// New creates a Provider for the whisper.cpp server at serverURL (e.g.,
// "http://localhost:8080").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
		seg: segmentation{
			silenceThresholdMs:  defaultSilenceThresholdMs,
			maxBufferDurationMs: defaultMaxBufferDurationMs,
		},
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Recognize implements stt.Provider. The PCM is wrapped in a WAV container
// and posted in a single request.
func (p *Provider) Recognize(ctx context.Context, pcm []byte, cfg stt.StreamConfig) (stt.Transcript, error) {
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

// StartStream implements stt.Provider. No connection is made until the first
// utterance is flushed.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
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

func (p *Provider) lang(cfg stt.StreamConfig) string {
	if cfg.Language != "" {
		return cfg.Language
	}
	return p.language
}

// infer posts pcm as multipart/form-data to /inference and returns the
// trimmed text.
func (p *Provider) infer(ctx context.Context, pcm []byte, f audio.Format, lang string) (string, error) {
	wav, err := codec.PCMToWAV(audio.TrimPCM(pcm), f.SampleRate, f.Channels, 16)
	if err != nil {
		return "", fmt.Errorf("whisper: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return "", fmt.Errorf("whisper: write response_format field: %w", err)
	}
	if lang != "" {
		if err := mw.WriteField("language", lang); err != nil {
			return "", fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if p.model != "" {
		if err := mw.WriteField("model", p.model); err != nil {
			return "", fmt.Errorf("whisper: write model field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whisper: read response body: %w", err)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return strings.TrimSpace(result.Text), nil
}
