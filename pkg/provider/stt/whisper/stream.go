package whisper

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/voicegate/pkg/audio"
	"github.com/MrWong99/voicegate/pkg/provider/stt"
)

const (
	// defaultRMSThreshold is the root-mean-square energy level (in 16-bit PCM
	// units) below which audio is considered silent.
	defaultRMSThreshold = 300.0

	defaultLanguage            = "zh"
	defaultSampleRate          = audio.DefaultSampleRate
	defaultSilenceThresholdMs  = 500
	defaultMaxBufferDurationMs = 10_000

	// finalFlushTimeout bounds the inference run when a session closes.
	finalFlushTimeout = 30 * time.Second
)

// inferFunc transcribes one buffered utterance.
type inferFunc func(ctx context.Context, pcm []byte) (string, error)

// segmentation holds the silence-detection parameters shared by both
// providers.
type segmentation struct {
	silenceThresholdMs  int
	maxBufferDurationMs int
}

// streamSession implements stt.SessionHandle on top of a batch inference
// function. Incoming PCM is buffered; an utterance is flushed to infer when
// silenceThresholdMs of quiet follows speech, or the buffer exceeds
// maxBufferDurationMs. All buffer state is confined to processLoop.
type streamSession struct {
	infer    inferFunc
	format   audio.Format
	seg      segmentation
	log      *slog.Logger
	audioCh  chan []byte
	partials chan stt.Transcript
	finals   chan stt.Transcript
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

var _ stt.SessionHandle = (*streamSession)(nil)

func startSession(ctx context.Context, infer inferFunc, f audio.Format, seg segmentation) *streamSession {
	s := &streamSession{
		infer:    infer,
		format:   f,
		seg:      seg,
		log:      slog.With("component", "whisper-stream"),
		audioCh:  make(chan []byte, 256),
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.processLoop(ctx)
	return s
}

// SendAudio queues a chunk of raw 16-bit little-endian PCM audio.
func (s *streamSession) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audioCh <- chunk:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

// Partials emits each recognised utterance once as a partial, alongside the
// final carrying the same text.
func (s *streamSession) Partials() <-chan stt.Transcript { return s.partials }

// Finals emits authoritative transcripts.
func (s *streamSession) Finals() <-chan stt.Transcript { return s.finals }

// Close flushes buffered speech, closes both channels and waits for the
// processing goroutine. Safe to call more than once.
func (s *streamSession) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

func (s *streamSession) processLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	var (
		buffer    []byte
		hadSpeech bool
		silenceMs int
	)

	bytesPerMs := s.format.SampleRate * s.format.Channels * audio.BytesPerSample / 1000
	if bytesPerMs <= 0 {
		bytesPerMs = 32
	}
	maxBufferBytes := s.seg.maxBufferDurationMs * bytesPerMs

	flush := func(flushCtx context.Context) {
		pcm, speech := buffer, hadSpeech
		buffer, hadSpeech, silenceMs = nil, false, 0
		if len(pcm) == 0 || !speech {
			return
		}

		text, err := s.infer(flushCtx, pcm)
		if err != nil {
			s.log.Warn("utterance inference failed", "err", err)
			return
		}
		if text == "" {
			return
		}

		dur := time.Duration(s.format.DurationMs(pcm)) * time.Millisecond
		// Channels are buffered; drop rather than deadlock during shutdown.
		select {
		case s.partials <- stt.Transcript{Text: text, Duration: dur}:
		default:
		}
		select {
		case s.finals <- stt.Transcript{Text: text, IsFinal: true, Duration: dur}:
		default:
		}
	}

	// The caller's ctx may already be cancelled when the session ends.
	finalFlush := func() {
		fc, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
		defer cancel()
		flush(fc)
	}

	for {
		select {
		case <-ctx.Done():
			finalFlush()
			return

		case <-s.done:
			finalFlush()
			return

		case chunk := <-s.audioCh:
			if computeRMS(chunk) < defaultRMSThreshold {
				// Leading silence before any speech is discarded.
				if hadSpeech {
					silenceMs += s.format.DurationMs(chunk)
					buffer = append(buffer, chunk...)
					if silenceMs >= s.seg.silenceThresholdMs {
						flush(ctx)
					}
				}
				continue
			}
			hadSpeech = true
			silenceMs = 0
			buffer = append(buffer, chunk...)
			if maxBufferBytes > 0 && len(buffer) >= maxBufferBytes {
				flush(ctx)
			}
		}
	}
}

// streamFormat applies provider defaults to cfg.
func streamFormat(cfg stt.StreamConfig, defaultRate int) audio.Format {
	f := audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}
	if f.SampleRate <= 0 {
		f.SampleRate = defaultRate
	}
	if f.Channels <= 0 {
		f.Channels = 1
	}
	return f
}

// computeRMS returns the root-mean-square energy of a 16-bit PCM buffer in
// sample units (0–32767). Buffers shorter than one sample yield 0.
func computeRMS(pcm []byte) float64 {
	samples := audio.BytesToInt16s(pcm)
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
