package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
)

// TrimPCM drops a trailing odd byte so that pcm holds whole 16-bit samples
// only. The returned slice aliases pcm.
func TrimPCM(pcm []byte) []byte {
	return pcm[:len(pcm)&^1]
}

// BytesToInt16s converts little-endian PCM bytes to int16 samples. A trailing
// odd byte is ignored.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		// First byte is the low-order byte.
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// Int16sToBytes converts int16 samples to little-endian PCM bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

// Normalizer converts PCM buffers from one [Format] into Target. It logs a
// warning on the first mismatch it sees. Create one per device stream.
type Normalizer struct {
	Target         Format
	warnedMismatch sync.Once
}

// Normalize returns pcm converted from src to n.Target. Odd trailing bytes are
// dropped first. When src already equals the target the (trimmed) input is
// returned without copying.
//
// Conversion order: downmix, resample, upmix. Downmixing first keeps the
// resampler on the mono path.
func (n *Normalizer) Normalize(pcm []byte, src Format) []byte {
	pcm = TrimPCM(pcm)
	if src == n.Target || len(pcm) == 0 {
		return pcm
	}

	n.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", src.String(),
			"to", n.Target.String(),
		)
	})

	if src.Channels == 2 {
		pcm = StereoToMono(pcm)
	}
	pcm = ResampleMono16(pcm, src.SampleRate, n.Target.SampleRate)
	if n.Target.Channels == 2 {
		pcm = MonoToStereo(pcm)
	}
	return pcm
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		j := i * 2
		out[j], out[j+1] = pcm[i], pcm[i+1]
		out[j+2], out[j+3] = pcm[i], pcm[i+1]
	}
	return out
}

// StereoToMono averages L+R per stereo frame. Uses int32 arithmetic so the
// sum cannot overflow.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(binary.LittleEndian.Uint16(pcm[i*4:])))
		r := int32(int16(binary.LittleEndian.Uint16(pcm[i*4+2:])))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16((l+r)/2)))
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. Non-positive or equal rates return pcm unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	src := BytesToInt16s(pcm)
	n := int(int64(len(src)) * int64(dstRate) / int64(srcRate))
	if n == 0 {
		return nil
	}

	out := make([]int16, n)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := src[idx]
		s1 := s0
		if idx+1 < len(src) {
			s1 = src[idx+1]
		}
		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return Int16sToBytes(out)
}

// String returns a human-readable description such as "16000Hz mono".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}
