package audio

import (
	"github.com/hraban/opus"

	"github.com/nimbusdesk/core/internal/coreerr"
	"github.com/nimbusdesk/core/internal/desktop"
	"github.com/nimbusdesk/core/internal/wire"
)

// Player decodes incoming wire.AudioFrame values back to float32 PCM and
// writes them into the platform's default output device stream buffer
// via desktop.AudioPlayer (spec §4.9's playback half of C9).
type Player struct {
	decoder *opus.Decoder
	output  desktop.AudioPlayer
}

// NewPlayer builds a Player writing decoded PCM into output.
func NewPlayer(output desktop.AudioPlayer) (*Player, error) {
	dec, err := opus.NewDecoder(desktop.AudioFrameRate, channels)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Codec, "audio.NewPlayer: opus.NewDecoder", err)
	}
	return &Player{decoder: dec, output: output}, nil
}

// Play decodes frame and writes the resulting PCM samples to the output
// device. Frames with an unrecognized SampleFormat are rejected.
func (p *Player) Play(frame wire.AudioFrame) error {
	if frame.SampleFormat != "opus" {
		return coreerr.New(coreerr.Codec, "audio.Player.Play: unsupported sample format "+frame.SampleFormat)
	}

	pcm := make([]float32, frameSamples*frame.Channels)
	n, err := p.decoder.DecodeFloat32(frame.Buffer, pcm)
	if err != nil {
		return coreerr.Wrap(coreerr.Codec, "audio.Player.Play: opus decode", err)
	}

	return p.output.Write(pcm[:n*frame.Channels])
}

// Close releases the output device stream.
func (p *Player) Close() error {
	return p.output.Close()
}
