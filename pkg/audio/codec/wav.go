package codec

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/MrWong99/voicegate/pkg/audio"
)

// wavHeaderSize is the size of the canonical 44-byte RIFF/WAVE header.
const wavHeaderSize = 44

// WAVHeader holds the fields of a canonical PCM WAV header.
type WAVHeader struct {
	// RIFFSize is the value of the RIFF chunk size field (36 + DataSize).
	RIFFSize      uint32
	AudioFormat   uint16
	Channels      int
	SampleRate    int
	ByteRate      int
	BlockAlign    int
	BitsPerSample int
	DataSize      uint32
}

// PCMToWAV wraps raw PCM samples in a canonical 44-byte WAV header. The
// samples are copied unmodified. It fails only on invalid parameters.
func PCMToWAV(pcm []byte, sampleRate, channels, bitsPerSample int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("%w: invalid sample rate %d", ErrEncoding, sampleRate)
	}
	if channels <= 0 || channels > 0xFFFF {
		return nil, fmt.Errorf("%w: invalid channel count %d", ErrEncoding, channels)
	}
	if bitsPerSample <= 0 || bitsPerSample%8 != 0 {
		return nil, fmt.Errorf("%w: invalid bits per sample %d", ErrEncoding, bitsPerSample)
	}

	dataSize := len(pcm)
	blockAlign := channels * bitsPerSample / 8
	byteRate := sampleRate * blockAlign

	buf := make([]byte, wavHeaderSize+dataSize)
	le := binary.LittleEndian

	copy(buf[0:4], "RIFF")
	le.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	le.PutUint32(buf[16:20], 16)
	le.PutUint16(buf[20:22], 1) // PCM
	le.PutUint16(buf[22:24], uint16(channels))
	le.PutUint32(buf[24:28], uint32(sampleRate))
	le.PutUint32(buf[28:32], uint32(byteRate))
	le.PutUint16(buf[32:34], uint16(blockAlign))
	le.PutUint16(buf[34:36], uint16(bitsPerSample))

	copy(buf[36:40], "data")
	le.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf, nil
}

// ParseWAV reads a canonical PCM WAV file and returns its header and the
// sample data. Extra chunks between "fmt " and "data" are skipped. The
// returned data aliases b.
func ParseWAV(b []byte) (WAVHeader, []byte, error) {
	var h WAVHeader
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return h, nil, fmt.Errorf("%w: not a RIFF/WAVE file", ErrDecode)
	}
	le := binary.LittleEndian
	h.RIFFSize = le.Uint32(b[4:8])

	var sawFmt bool
	off := 12
	for off+8 <= len(b) {
		id := string(b[off : off+4])
		size := int(le.Uint32(b[off+4 : off+8]))
		body := off + 8
		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(b) {
				return h, nil, fmt.Errorf("%w: short fmt chunk", ErrDecode)
			}
			h.AudioFormat = le.Uint16(b[body:])
			h.Channels = int(le.Uint16(b[body+2:]))
			h.SampleRate = int(le.Uint32(b[body+4:]))
			h.ByteRate = int(le.Uint32(b[body+8:]))
			h.BlockAlign = int(le.Uint16(b[body+12:]))
			h.BitsPerSample = int(le.Uint16(b[body+14:]))
			sawFmt = true
		case "data":
			if !sawFmt {
				return h, nil, fmt.Errorf("%w: data chunk before fmt chunk", ErrDecode)
			}
			if body+size > len(b) {
				return h, nil, fmt.Errorf("%w: data chunk truncated (%d of %d bytes)", ErrDecode, len(b)-body, size)
			}
			h.DataSize = uint32(size)
			return h, b[body : body+size], nil
		}
		// Chunks are word aligned.
		off = body + size + size%2
	}
	return h, nil, fmt.Errorf("%w: no data chunk", ErrDecode)
}

// SaveWAV writes pcm (in format f) to a new uniquely named WAV file inside
// dir and returns its path.
func SaveWAV(dir string, pcm []byte, f audio.Format) (string, error) {
	wav, err := PCMToWAV(audio.TrimPCM(pcm), f.SampleRate, f.Channels, 16)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("codec: create audio dir: %w", err)
	}
	path := filepath.Join(dir, uuid.NewString()+".wav")
	if err := os.WriteFile(path, wav, 0o644); err != nil {
		return "", fmt.Errorf("codec: write wav: %w", err)
	}
	return path, nil
}
