package resilience

import (
	"context"

	"github.com/MrWong99/voicegate/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] over a [Group] of recognisers.
type STTFallback struct {
	group *Group[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred
// recogniser.
func NewSTTFallback(primaryName string, primary stt.Provider, cfg Config) *STTFallback {
	return &STTFallback{group: NewGroup(primaryName, primary, cfg)}
}

// AddFallback registers another recogniser.
func (f *STTFallback) AddFallback(name string, p stt.Provider) {
	f.group.Add(name, p)
}

// Recognize returns the first successful transcript.
func (f *STTFallback) Recognize(ctx context.Context, pcm []byte, cfg stt.StreamConfig) (stt.Transcript, error) {
	return Do(ctx, f.group, func(p stt.Provider) (stt.Transcript, error) {
		return p.Recognize(ctx, pcm, cfg)
	})
}

// StartStream opens a session on the first recogniser that accepts it.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return Do(ctx, f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}

// Close closes every member recogniser.
func (f *STTFallback) Close() error { return f.group.Close() }
