package codec

import (
	"fmt"
	"sync"

	"layeh.com/gopus"

	"github.com/MrWong99/voicegate/pkg/audio"
)

const (
	// MaxOpusFrameBytes is the largest encoded size of a single Opus frame.
	MaxOpusFrameBytes = 1275

	// DefaultOpusFrameMs is the frame duration devices use.
	DefaultOpusFrameMs = 20

	// DefaultOpusBitrate is the encoder bitrate in bits per second.
	DefaultOpusBitrate = 16000

	// maxOpusPacketMs bounds the decode buffer: no Opus packet is longer.
	maxOpusPacketMs = 120
)

// validOpusFrameMs lists the whole-millisecond frame durations Opus accepts.
var validOpusFrameMs = map[int]bool{5: true, 10: true, 20: true, 40: true, 60: true}

// OpusFrameSamples returns the number of samples per channel in one frame of
// frameDurationMs at sampleRate.
func OpusFrameSamples(sampleRate, frameDurationMs int) int {
	return sampleRate * frameDurationMs / 1000
}

// EncodeOpus splits pcm into fixed-duration frames and encodes each into an
// Opus packet. A trailing partial frame is zero-padded to full length so every
// packet decodes to a whole frame. A bitrate of zero keeps the default of
// [DefaultOpusBitrate].
//
// Each call uses its own encoder, so concurrent calls are safe.
func EncodeOpus(pcm []byte, sampleRate, channels, frameDurationMs, bitrate int) ([][]byte, error) {
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("%w: opus: unsupported channel count %d", ErrEncoding, channels)
	}
	if !validOpusFrameMs[frameDurationMs] {
		return nil, fmt.Errorf("%w: opus: unsupported frame duration %dms", ErrEncoding, frameDurationMs)
	}
	if bitrate == 0 {
		bitrate = DefaultOpusBitrate
	}

	enc, err := gopus.NewEncoder(sampleRate, channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("%w: opus: create encoder: %w", ErrEncoding, err)
	}
	enc.SetBitrate(bitrate)

	samples := audio.BytesToInt16s(pcm)
	frameSize := OpusFrameSamples(sampleRate, frameDurationMs)
	step := frameSize * channels

	frames := make([][]byte, 0, (len(samples)+step-1)/step)
	for start := 0; start < len(samples); start += step {
		end := start + step
		chunk := samples[start:min(end, len(samples))]
		if len(chunk) < step {
			padded := make([]int16, step)
			copy(padded, chunk)
			chunk = padded
		}
		packet, err := enc.Encode(chunk, frameSize, MaxOpusFrameBytes)
		if err != nil {
			return nil, fmt.Errorf("%w: opus: encode frame %d: %w", ErrEncoding, len(frames), err)
		}
		frames = append(frames, packet)
	}
	return frames, nil
}

// OpusDecoder decodes the packets of one session. Decoder state carries from
// one packet to the next, so a decoder must not be shared between sessions.
// Decode is safe for concurrent use; calls are serialised.
type OpusDecoder struct {
	mu         sync.Mutex
	dec        *gopus.Decoder
	sampleRate int
	channels   int
}

// NewOpusDecoder creates a decoder bound to sampleRate and channels.
func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("%w: opus: unsupported channel count %d", ErrDecode, channels)
	}
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("%w: opus: create decoder: %w", ErrDecode, err)
	}
	return &OpusDecoder{dec: dec, sampleRate: sampleRate, channels: channels}, nil
}

// Format returns the PCM format Decode produces.
func (d *OpusDecoder) Format() audio.Format {
	return audio.Format{SampleRate: d.sampleRate, Channels: d.channels}
}

// Decode decodes a single Opus packet into PCM bytes. Empty or malformed
// packets return [ErrDecode].
func (d *OpusDecoder) Decode(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("%w: opus: empty frame", ErrDecode)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	pcm, err := d.dec.Decode(frame, OpusFrameSamples(d.sampleRate, maxOpusPacketMs), false)
	if err != nil {
		return nil, fmt.Errorf("%w: opus: %w", ErrDecode, err)
	}
	return audio.Int16sToBytes(pcm), nil
}

// DecoderPool hands out one [OpusDecoder] per session ID. Decoders are created
// lazily and live until [DecoderPool.Release] or [DecoderPool.Close].
type DecoderPool struct {
	format audio.Format

	mu       sync.Mutex
	decoders map[string]*OpusDecoder
}

// NewDecoderPool creates a pool whose decoders produce PCM in format f.
func NewDecoderPool(f audio.Format) *DecoderPool {
	return &DecoderPool{
		format:   f,
		decoders: make(map[string]*OpusDecoder),
	}
}

// Get returns the decoder for sessionID, creating it if needed.
func (p *DecoderPool) Get(sessionID string) (*OpusDecoder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.decoders == nil {
		return nil, fmt.Errorf("%w: decoder pool closed", ErrDecode)
	}
	if d, ok := p.decoders[sessionID]; ok {
		return d, nil
	}
	d, err := NewOpusDecoder(p.format.SampleRate, p.format.Channels)
	if err != nil {
		return nil, err
	}
	p.decoders[sessionID] = d
	return d, nil
}

// Decode decodes frame with the decoder of sessionID.
func (p *DecoderPool) Decode(sessionID string, frame []byte) ([]byte, error) {
	d, err := p.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return d.Decode(frame)
}

// Release drops the decoder of sessionID. The next Get starts a fresh one.
func (p *DecoderPool) Release(sessionID string) {
	p.mu.Lock()
	delete(p.decoders, sessionID)
	p.mu.Unlock()
}

// Len returns the number of live session decoders.
func (p *DecoderPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.decoders)
}

// Close releases every decoder. Subsequent Get calls fail.
func (p *DecoderPool) Close() error {
	p.mu.Lock()
	p.decoders = nil
	p.mu.Unlock()
	return nil
}
