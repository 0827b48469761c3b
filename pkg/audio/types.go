// Package audio holds the PCM primitives shared by the codec layer and the
// device pipeline.
//
// All PCM in voicegate is 16-bit signed little-endian. Buffers always hold
// whole samples: a trailing odd byte is dropped ([TrimPCM]), never padded.
package audio

// Default device audio format: 16 kHz mono.
const (
	DefaultSampleRate = 16000
	DefaultChannels   = 1

	// BytesPerSample is fixed for 16-bit PCM.
	BytesPerSample = 2
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// DeviceFormat is the format devices send by convention.
var DeviceFormat = Format{SampleRate: DefaultSampleRate, Channels: DefaultChannels}

// DurationMs returns how many milliseconds of audio pcm holds in format f.
// Returns 0 for an invalid format.
func (f Format) DurationMs(pcm []byte) int {
	bytesPerMs := f.SampleRate * f.Channels * BytesPerSample / 1000
	if bytesPerMs <= 0 {
		return 0
	}
	return len(pcm) / bytesPerMs
}
