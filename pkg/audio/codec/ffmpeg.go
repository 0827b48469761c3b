package codec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/MrWong99/voicegate/pkg/audio"
)

// Defaults for compressed encoding.
const (
	DefaultMP3Bitrate = 128000
	DefaultMP3Quality = 0
)

// formatCodecs maps an output container to the ffmpeg encoder used for it.
var formatCodecs = map[string]string{
	"mp3":  "libmp3lame",
	"ogg":  "libvorbis",
	"opus": "libopus",
	"flac": "flac",
}

// EncodeOptions configures [FFmpeg.EncodePCM]. SampleRate and Channels
// describe the input PCM and are also used for the output stream.
type EncodeOptions struct {
	SampleRate int
	Channels   int
	// Bitrate in bits per second.
	Bitrate int
	// Quality is the encoder algorithm quality, 0 (best) to 9 (fastest).
	Quality int
	// Format is the output container, "mp3" when empty.
	Format string
}

// FFmpeg runs an external ffmpeg binary for conversions that have no native
// codec in this module. Every call starts its own process; an FFmpeg value is
// safe for concurrent use.
type FFmpeg struct {
	path       string
	scratchDir string
}

// FFmpegOption configures an [FFmpeg].
type FFmpegOption func(*FFmpeg)

// WithBinary sets the ffmpeg executable. Defaults to "ffmpeg" on PATH.
func WithBinary(path string) FFmpegOption {
	return func(f *FFmpeg) { f.path = path }
}

// WithScratchDir sets the directory for temporary input files. Defaults to
// [os.TempDir].
func WithScratchDir(dir string) FFmpegOption {
	return func(f *FFmpeg) { f.scratchDir = dir }
}

// NewFFmpeg creates an ffmpeg runner.
func NewFFmpeg(opts ...FFmpegOption) *FFmpeg {
	f := &FFmpeg{path: "ffmpeg"}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Available reports whether the ffmpeg binary can be found.
func (f *FFmpeg) Available() bool {
	_, err := exec.LookPath(f.path)
	return err == nil
}

// EncodePCM compresses raw PCM with the channel count, sample rate, and
// bitrate given in opts. It returns [ErrEncoding] if ffmpeg cannot be started
// or rejects the parameters.
func (f *FFmpeg) EncodePCM(ctx context.Context, pcm []byte, opts EncodeOptions) ([]byte, error) {
	if opts.Format == "" {
		opts.Format = "mp3"
	}
	codecName, ok := formatCodecs[opts.Format]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported output format %q", ErrEncoding, opts.Format)
	}
	switch {
	case opts.SampleRate <= 0:
		return nil, fmt.Errorf("%w: invalid sample rate %d", ErrEncoding, opts.SampleRate)
	case opts.Channels != 1 && opts.Channels != 2:
		return nil, fmt.Errorf("%w: invalid channel count %d", ErrEncoding, opts.Channels)
	case opts.Bitrate <= 0:
		return nil, fmt.Errorf("%w: invalid bitrate %d", ErrEncoding, opts.Bitrate)
	case opts.Quality < 0 || opts.Quality > 9:
		return nil, fmt.Errorf("%w: invalid quality %d", ErrEncoding, opts.Quality)
	}

	rate := strconv.Itoa(opts.SampleRate)
	ch := strconv.Itoa(opts.Channels)
	args := []string{
		"-f", "s16le", "-ar", rate, "-ac", ch, "-i", "pipe:0",
		"-c:a", codecName,
		"-ar", rate, "-ac", ch,
		"-b:a", strconv.Itoa(opts.Bitrate),
		"-compression_level", strconv.Itoa(opts.Quality),
		"-f", opts.Format, "pipe:1",
	}
	out, err := f.run(ctx, bytes.NewReader(audio.TrimPCM(pcm)), args)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrEncoding, opts.Format, err)
	}
	return out, nil
}

// DecodeFile decodes the audio file at path into PCM at sampleRate and
// channels. ffmpeg resamples when the source differs.
func (f *FFmpeg) DecodeFile(ctx context.Context, path string, sampleRate, channels int) ([]byte, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("%w: invalid output format %dHz/%dch", ErrDecode, sampleRate, channels)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	args := []string{
		"-i", path,
		"-f", "s16le", "-ar", strconv.Itoa(sampleRate), "-ac", strconv.Itoa(channels),
		"pipe:1",
	}
	out, err := f.run(ctx, nil, args)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDecode, filepath.Base(path), err)
	}
	return audio.TrimPCM(out), nil
}

// DecodeBytes decodes an in-memory audio asset into PCM at sampleRate and
// channels. WAV input that already matches the requested format is returned
// without starting ffmpeg. Other input goes through a scratch file, which is
// removed on every return path.
func (f *FFmpeg) DecodeBytes(ctx context.Context, data []byte, sampleRate, channels int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrDecode)
	}
	if h, pcm, err := ParseWAV(data); err == nil &&
		h.AudioFormat == 1 && h.BitsPerSample == 16 &&
		h.SampleRate == sampleRate && h.Channels == channels {
		return audio.TrimPCM(pcm), nil
	}

	dir := f.scratchDir
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, "voicegate-"+uuid.NewString()+".audio")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("%w: write scratch file: %w", ErrDecode, err)
	}
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("codec: remove scratch file", "path", path, "err", err)
		}
	}()

	return f.DecodeFile(ctx, path, sampleRate, channels)
}

// SaveMP3 encodes pcm (in format af) as MP3 into a new uniquely named file
// inside dir and returns its path.
func (f *FFmpeg) SaveMP3(ctx context.Context, dir string, pcm []byte, af audio.Format, bitrate, quality int) (string, error) {
	mp3, err := f.EncodePCM(ctx, pcm, EncodeOptions{
		SampleRate: af.SampleRate,
		Channels:   af.Channels,
		Bitrate:    bitrate,
		Quality:    quality,
		Format:     "mp3",
	})
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("codec: create audio dir: %w", err)
	}
	path := filepath.Join(dir, uuid.NewString()+".mp3")
	if err := os.WriteFile(path, mp3, 0o644); err != nil {
		return "", fmt.Errorf("codec: write mp3: %w", err)
	}
	return path, nil
}

// run executes ffmpeg with args, feeding stdin when non-nil, and returns its
// stdout. A non-zero exit includes the tail of stderr in the error.
func (f *FFmpeg) run(ctx context.Context, stdin *bytes.Reader, args []string) ([]byte, error) {
	bin, err := exec.LookPath(f.path)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg unavailable: %w", err)
	}

	full := []string{"-hide_banner", "-loglevel", "error"}
	if stdin == nil {
		full = append(full, "-nostdin")
	}
	full = append(full, args...)

	cmd := exec.CommandContext(ctx, bin, full...)
	if stdin != nil {
		cmd.Stdin = stdin
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	slog.Debug("codec: running ffmpeg", "args", strings.Join(full, " "))
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		if msg != "" {
			return nil, fmt.Errorf("ffmpeg: %w: %s", err, msg)
		}
		return nil, fmt.Errorf("ffmpeg: %w", err)
	}
	if stdout.Len() == 0 {
		return nil, errors.New("ffmpeg produced no output")
	}
	return stdout.Bytes(), nil
}
