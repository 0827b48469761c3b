// Package codec converts audio between raw PCM, the WAV container, compressed
// formats handled by an external ffmpeg process, and sequences of Opus frames.
//
// Every conversion is a single request/response call. The only stateful type
// is [DecoderPool], which keeps one Opus decoder per device session because
// Opus decoding depends on the frames that came before.
//
// PCM is always 16-bit signed little-endian (see package audio).
package codec

import "errors"

// Container identifies an encoded audio representation.
type Container int

const (
	// WAV is a canonical RIFF/WAVE file with PCM data.
	WAV Container = iota
	// MP3 is an MPEG-1 Layer III stream produced by ffmpeg.
	MP3
	// Opus is a sequence of independently framed Opus packets.
	Opus
)

// String returns the lowercase container name.
func (c Container) String() string {
	switch c {
	case WAV:
		return "wav"
	case MP3:
		return "mp3"
	case Opus:
		return "opus"
	default:
		return "unknown"
	}
}

var (
	// ErrEncoding is returned when an encoder cannot be started or rejects
	// the requested parameters.
	ErrEncoding = errors.New("codec: encoding failed")

	// ErrDecode is returned for malformed or unsupported input, or when the
	// decoder is unavailable.
	ErrDecode = errors.New("codec: decode failed")
)
