// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription engine (a whisper.cpp server, or a
// whisper model loaded in-process) and exposes two ways to use it: a one-shot
// Recognize call for a complete utterance, and a streaming session that
// accepts raw PCM frames and emits partial and final Transcript values.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by SessionHandle.SendAudio after Close.
var ErrSessionClosed = errors.New("stt: session is closed")

// StreamConfig describes the audio format and recognition hints for a
// recognition request or streaming session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Zero selects the provider
	// default (16000).
	SampleRate int

	// Channels is the number of audio channels. Zero means mono.
	Channels int

	// Language is the language code for recognition (e.g., "zh", "en"). An
	// empty string selects the provider default.
	Language string
}

// SessionHandle represents an open STT streaming session.
//
// Callers must call Close when the session is no longer needed. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw 16-bit little-endian PCM audio.
	// Calling SendAudio after Close returns ErrSessionClosed.
	SendAudio(chunk []byte) error

	// Partials returns a channel of interim Transcript values. It is closed
	// when the session ends.
	Partials() <-chan Transcript

	// Finals returns a channel of authoritative Transcript values. It is
	// closed when the session ends.
	Finals() <-chan Transcript

	// Close flushes pending audio, closes both channels and releases all
	// resources. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Recognize transcribes a complete utterance of 16-bit little-endian PCM
	// audio. An utterance with no recognisable speech yields an empty Text
	// and no error.
	Recognize(ctx context.Context, pcm []byte, cfg StreamConfig) (Transcript, error)

	// StartStream opens a new streaming transcription session. The caller
	// owns the SessionHandle and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
