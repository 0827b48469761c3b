package pipeline

import (
	"context"
	"time"

	"github.com/MrWong99/voicegate/internal/config"
	"github.com/MrWong99/voicegate/internal/observe"
	"github.com/MrWong99/voicegate/internal/segment"
	"github.com/MrWong99/voicegate/pkg/audio/codec"
)

// Codec operation labels for metrics.
const (
	opOpusDecode = "opus_decode"
	opOpusEncode = "opus_encode"
	opDecode     = "decode"
	opRecordWAV  = "record_wav"
	opRecordMP3  = "record_mp3"
)

// HandleOpusFrame decodes one Opus frame from deviceID with the device's own
// decoder and appends the PCM to the device's speech buffer. It returns the
// decoded PCM. A bad frame fails only this call.
func (p *Pipeline) HandleOpusFrame(ctx context.Context, deviceID string, frame []byte) ([]byte, error) {
	start := time.Now()
	pcm, err := p.decoders.Decode(deviceID, frame)
	p.metrics.RecordCodec(ctx, opOpusDecode, time.Since(start).Seconds(), err)
	if err != nil {
		return nil, err
	}

	p.bufMu.Lock()
	p.buffers[deviceID] = append(p.buffers[deviceID], pcm...)
	p.bufMu.Unlock()
	return pcm, nil
}

// Buffered returns how many bytes of PCM are waiting for deviceID.
func (p *Pipeline) Buffered(deviceID string) int {
	p.bufMu.Lock()
	defer p.bufMu.Unlock()
	return len(p.buffers[deviceID])
}

// FlushSpeech takes the device's buffered PCM and runs it through
// [Pipeline.HandleSpeech]. The buffer is empty afterwards.
func (p *Pipeline) FlushSpeech(ctx context.Context, deviceID string, sink segment.Sink) (Turn, error) {
	p.bufMu.Lock()
	pcm := p.buffers[deviceID]
	delete(p.buffers, deviceID)
	p.bufMu.Unlock()
	return p.HandleSpeech(ctx, deviceID, pcm, sink)
}

// HandleUpload decodes a compressed or WAV audio file sent by a device into
// the pipeline's PCM format and handles it as speech.
func (p *Pipeline) HandleUpload(ctx context.Context, deviceID string, data []byte, sink segment.Sink) (Turn, error) {
	start := time.Now()
	pcm, err := p.ffmpeg.DecodeBytes(ctx, data, p.format.SampleRate, p.format.Channels)
	p.metrics.RecordCodec(ctx, opDecode, time.Since(start).Seconds(), err)
	if err != nil {
		return Turn{}, err
	}
	return p.HandleSpeech(ctx, deviceID, pcm, sink)
}

// EncodeReply splits synthesised PCM into Opus frames for the device using
// the configured frame duration and bitrate.
func (p *Pipeline) EncodeReply(ctx context.Context, pcm []byte) ([][]byte, error) {
	ac := p.cfg.Load().Audio
	frameMs := ac.OpusFrameMs
	if frameMs <= 0 {
		frameMs = codec.DefaultOpusFrameMs
	}
	bitrate := ac.OpusBitrate
	if bitrate <= 0 {
		bitrate = codec.DefaultOpusBitrate
	}

	start := time.Now()
	frames, err := codec.EncodeOpus(pcm, p.format.SampleRate, p.format.Channels, frameMs, bitrate)
	p.metrics.RecordCodec(ctx, opOpusEncode, time.Since(start).Seconds(), err)
	return frames, err
}

// EndSession releases the device's Opus decoder and drops buffered audio.
// Providers and history are kept.
func (p *Pipeline) EndSession(deviceID string) {
	p.decoders.Release(deviceID)
	p.bufMu.Lock()
	delete(p.buffers, deviceID)
	p.bufMu.Unlock()
}

// record saves pcm under the configured record directory and returns the
// file path. Recording is best effort: failures are logged and yield "".
func (p *Pipeline) record(ctx context.Context, cfg *config.Config, pcm []byte) string {
	ac := cfg.Audio
	if ac.RecordDir == "" {
		return ""
	}

	var (
		path string
		err  error
		op   string
	)
	start := time.Now()
	switch ac.RecordFormat {
	case config.RecordMP3:
		op = opRecordMP3
		bitrate := ac.MP3Bitrate
		if bitrate <= 0 {
			bitrate = codec.DefaultMP3Bitrate
		}
		path, err = p.ffmpeg.SaveMP3(ctx, ac.RecordDir, pcm, p.format, bitrate, ac.MP3Quality)
	default:
		op = opRecordWAV
		path, err = codec.SaveWAV(ac.RecordDir, pcm, p.format)
	}
	p.metrics.RecordCodec(ctx, op, time.Since(start).Seconds(), err)
	if err != nil {
		observe.Logger(ctx).Warn("pipeline: record audio", "dir", ac.RecordDir, "format", op, "err", err)
		return ""
	}
	observe.Logger(ctx).Debug("pipeline: recorded audio", "path", path,
		"duration", time.Duration(p.format.DurationMs(pcm))*time.Millisecond)
	return path
}
