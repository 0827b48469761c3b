package whisper

import "github.com/MrWong99/voicegate/pkg/audio"

// pcmToFloat32 converts 16-bit little-endian PCM to float32 samples in
// [-1.0, 1.0). A trailing odd byte is ignored.
func pcmToFloat32(pcm []byte) []float32 {
	in := audio.BytesToInt16s(pcm)
	samples := make([]float32, len(in))
	for i, s := range in {
		samples[i] = float32(s) / 32768.0
	}
	return samples
}

// pcmToFloat32Mono down-mixes interleaved multi-channel PCM to mono float32
// by averaging the channels of each frame.
func pcmToFloat32Mono(pcm []byte, channels int) []float32 {
	all := pcmToFloat32(pcm)
	if channels <= 1 {
		return all
	}
	mono := make([]float32, len(all)/channels)
	for i := range mono {
		var sum float32
		for ch := range channels {
			sum += all[i*channels+ch]
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}
