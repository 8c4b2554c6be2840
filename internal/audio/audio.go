// Package audio is a thin domain wrapper between internal/desktop's raw
// loopback capture and the Opus-encoded wire.AudioFrame values the
// Session Orchestrator (C13) forwards over the endpoint. Uses
// github.com/hraban/opus as the cgo binding around libopus, encoding mono
// 48kHz audio in 20ms (960-sample) frames.
package audio

import (
	"github.com/hraban/opus"

	"github.com/nimbusdesk/core/internal/coreerr"
	"github.com/nimbusdesk/core/internal/desktop"
	"github.com/nimbusdesk/core/internal/logging"
	"github.com/nimbusdesk/core/internal/wire"
)

var log = logging.L("audio")

const (
	// channels matches desktop.AudioCapturer's mono capture (spec §4.9);
	// Opus accepts mono directly, no channel-mixing step needed.
	channels       = 1
	frameSamples   = desktop.AudioFrameRate / 50 // 20ms at 48kHz = 960 samples
	opusBitrateBps = 32000
)

// Pipeline captures loopback audio and emits Opus-encoded wire.AudioFrame
// values on Frames until Stop is called.
type Pipeline struct {
	capturer desktop.AudioCapturer
	encoder  *opus.Encoder
	frames   chan wire.AudioFrame
}

// NewPipeline builds a Pipeline around capturer. The caller owns capturer's
// lifecycle only through Pipeline's Start/Stop.
func NewPipeline(capturer desktop.AudioCapturer) (*Pipeline, error) {
	enc, err := opus.NewEncoder(desktop.AudioFrameRate, channels, opus.AppRestrictedLowdelay)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Codec, "audio.NewPipeline: opus.NewEncoder", err)
	}
	if err := enc.SetBitrate(opusBitrateBps); err != nil {
		return nil, coreerr.Wrap(coreerr.Codec, "audio.NewPipeline: SetBitrate", err)
	}

	return &Pipeline{
		capturer: capturer,
		encoder:  enc,
		frames:   make(chan wire.AudioFrame, 32),
	}, nil
}

// Frames is the channel of encoded audio frames ready to send over an
// endpoint Session.
func (p *Pipeline) Frames() <-chan wire.AudioFrame { return p.frames }

// Start begins capture; each 20ms PCM callback is Opus-encoded and
// pushed onto Frames, dropping the frame if the channel is full rather
// than blocking the capture callback.
func (p *Pipeline) Start() error {
	return p.capturer.Start(func(samples []float32) {
		if len(samples) != frameSamples {
			log.Warn("unexpected audio frame size, skipping", "got", len(samples), "want", frameSamples)
			return
		}

		encoded := make([]byte, 4000)
		n, err := p.encoder.EncodeFloat32(samples, encoded)
		if err != nil {
			log.Warn("opus encode failed, dropping frame", "error", err)
			return
		}

		frame := wire.AudioFrame{
			Channels:     channels,
			SampleFormat: "opus",
			SampleRate:   desktop.AudioFrameRate,
			Buffer:       encoded[:n],
		}

		select {
		case p.frames <- frame:
		default:
			log.Warn("audio frame channel full, dropping frame")
		}
	})
}

// Stop halts capture and closes Frames.
func (p *Pipeline) Stop() {
	p.capturer.Stop()
	close(p.frames)
}
