package orchestrator

import (
	"time"

	"github.com/nimbusdesk/core/internal/audio"
	"github.com/nimbusdesk/core/internal/coreerr"
	"github.com/nimbusdesk/core/internal/desktop"
	"github.com/nimbusdesk/core/internal/filetransfer"
	"github.com/nimbusdesk/core/internal/wire"
)

// runCapture is the shared side's capture→encode→send task (spec §4.13a).
// It exits when ctx is cancelled or either capture or send fails fatally;
// individual encode failures are counted and escalate to a fatal error
// after consecutiveCodecErrorLimit in a row, per spec §7.
func (o *Orchestrator) runCapture(capturer desktop.ScreenCapturer, encoder *desktop.VideoEncoder) {
	defer o.wg.Done()

	tight := false
	if hint, ok := capturer.(desktop.TightLoopHint); ok {
		tight = hint.TightLoop()
	}

	cursorProvider, hasCursor := capturer.(desktop.CursorProvider)
	var framesSinceAdaptiveSample, dropsSinceAdaptiveSample int
	const adaptiveSampleWindow = 30 // ~1s at 30fps

	var ticker *time.Ticker
	if !tight {
		fps := o.currentFPS()
		if fps <= 0 {
			fps = 30
		}
		ticker = time.NewTicker(time.Second / time.Duration(fps))
		defer ticker.Stop()
	}

	for {
		select {
		case <-o.ctx.Done():
			return
		default:
		}
		if ticker != nil {
			select {
			case <-o.ctx.Done():
				return
			case <-ticker.C:
			}
		}

		// A capturer may have been swapped out by a concurrent
		// SwitchScreen; stop this goroutine once it is no longer current.
		o.mu.Lock()
		current := o.capturer == capturer
		o.mu.Unlock()
		if !current {
			return
		}

		if hasCursor {
			x, y, visible := cursorProvider.CursorPosition()
			if err := o.session.Send(wire.CursorStream{X: x, Y: y, Visible: visible}); err != nil {
				log.Warn("orchestrator: cursor push failed", "error", err)
			}
		}

		img, err := capturer.Capture()
		if err != nil {
			o.fail(coreerr.Wrap(coreerr.Platform, "orchestrator: capture failed", err))
			return
		}
		if img == nil {
			continue // FrameChangeHint: no new frame since last capture
		}

		framesSinceAdaptiveSample++

		bounds := img.Bounds()
		encoded, err := encoder.Encode(img.Pix)
		if err != nil {
			o.mu.Lock()
			o.codecErrCount++
			escalate := o.codecErrCount >= consecutiveCodecErrorLimit
			o.mu.Unlock()
			dropsSinceAdaptiveSample++
			log.Warn("orchestrator: encode failed, dropping frame", "error", err)
			if escalate {
				o.fail(coreerr.Wrap(coreerr.Codec, "orchestrator: too many consecutive codec errors", err))
				return
			}
			continue
		}
		o.mu.Lock()
		o.codecErrCount = 0
		o.mu.Unlock()

		frame := wire.VideoFrame{Width: bounds.Dx(), Height: bounds.Dy(), PTS: time.Now().UnixNano(), Buffer: encoded}
		if err := o.session.Send(frame); err != nil {
			o.fail(coreerr.Wrap(coreerr.OutgoingChannelDisconnect, "orchestrator: send video frame", err))
			return
		}

		if framesSinceAdaptiveSample >= adaptiveSampleWindow {
			o.mu.Lock()
			adaptive := o.adaptive
			o.mu.Unlock()
			if adaptive != nil {
				loss := float64(dropsSinceAdaptiveSample) / float64(framesSinceAdaptiveSample)
				adaptive.Update(0, loss)
			}
			framesSinceAdaptiveSample, dropsSinceAdaptiveSample = 0, 0
		}
	}
}

func (o *Orchestrator) currentFPS() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.params.FPS
}

// runAudioSend forwards encoded audio frames from pipeline to the peer.
func (o *Orchestrator) runAudioSend(pipeline *audio.Pipeline) {
	defer o.wg.Done()
	for {
		select {
		case <-o.ctx.Done():
			return
		case frame, ok := <-pipeline.Frames():
			if !ok {
				return
			}
			if err := o.session.Send(frame); err != nil {
				o.fail(coreerr.Wrap(coreerr.OutgoingChannelDisconnect, "orchestrator: send audio frame", err))
				return
			}
		}
	}
}

// runRender is the visitor side's receive→decode→render task (spec
// §4.13b): decoded video goes to Sink.RenderVideo, decoded audio to the
// local audio player.
func (o *Orchestrator) runRender() {
	defer o.wg.Done()
	videoCh := o.session.SubscribeVideo()
	audioCh := o.session.SubscribeAudio()
	for {
		select {
		case <-o.ctx.Done():
			return
		case vf, ok := <-videoCh:
			if !ok {
				return
			}
			o.mu.Lock()
			decoder := o.decoder
			o.mu.Unlock()
			if decoder == nil {
				continue
			}
			decoded, err := decoder.Decode(vf.Width, vf.Height, vf.PTS, vf.Buffer)
			if err != nil {
				o.mu.Lock()
				o.codecErrCount++
				escalate := o.codecErrCount >= consecutiveCodecErrorLimit
				o.mu.Unlock()
				log.Warn("orchestrator: decode failed, dropping frame", "error", err)
				if escalate {
					o.fail(coreerr.Wrap(coreerr.Codec, "orchestrator: too many consecutive codec errors", err))
					return
				}
				continue
			}
			o.mu.Lock()
			o.codecErrCount = 0
			o.mu.Unlock()
			if o.sink != nil {
				o.sink.RenderVideo(decoded)
			}
		case af, ok := <-audioCh:
			if !ok {
				continue
			}
			o.mu.Lock()
			player := o.audioPlayer
			o.mu.Unlock()
			if player == nil {
				continue
			}
			if err := player.Play(af); err != nil {
				log.Warn("orchestrator: audio playback failed, dropping frame", "error", err)
			}
		}
	}
}

// SubscribeCursor returns the lazy sequence of inbound cursor-position
// pushes (§6 supplement), for a UI to render as a local overlay
// independent of the video frame rate.
func (o *Orchestrator) SubscribeCursor() <-chan wire.CursorStream { return o.session.SubscribeCursor() }

// SendInput lets the visitor side push a batch of input events to the
// shared side, per spec §4.10.
func (o *Orchestrator) SendInput(events []wire.InputEvent) error {
	if o.role != RoleVisitor {
		return coreerr.New(coreerr.Other, "orchestrator.SendInput: only the visitor side originates input")
	}
	return o.session.Send(wire.Input{Events: events})
}

// runInputReceiver is the shared side's input-injection task (spec
// §4.10/§2: "Input flows C6 → C10 on the passive side").
func (o *Orchestrator) runInputReceiver() {
	defer o.wg.Done()
	ch := o.session.SubscribeInput()
	for {
		select {
		case <-o.ctx.Done():
			return
		case in, ok := <-ch:
			if !ok {
				return
			}
			o.mu.Lock()
			handler := o.inputHandler
			o.mu.Unlock()
			if handler == nil {
				continue
			}
			for _, ev := range in.Events {
				if err := handler.HandleEvent(toDesktopInputEvent(ev)); err != nil {
					log.Warn("orchestrator: input injection failed", "error", err)
				}
			}
		}
	}
}

// toDesktopInputEvent translates the wire representation of one
// mouse/keyboard event into the desktop package's InputHandler shape.
func toDesktopInputEvent(e wire.InputEvent) desktop.InputEvent {
	out := desktop.InputEvent{X: e.X, Y: e.Y, Delta: e.DeltaY}
	switch e.EventKind {
	case wire.InputEventMouse:
		out.Button = e.MouseButton
		switch e.MouseAction {
		case "move":
			out.Type = "mouse_move"
		case "click":
			out.Type = "mouse_click"
		case "down":
			out.Type = "mouse_down"
		case "up":
			out.Type = "mouse_up"
		case "scroll":
			out.Type = "mouse_scroll"
		}
	case wire.InputEventKeyboard:
		out.Key = keyCodeToString(e.KeyCode)
		switch e.KeyAction {
		case "press":
			out.Type = "key_press"
		case "down":
			out.Type = "key_down"
		case "up":
			out.Type = "key_up"
		}
	}
	return out
}

func keyCodeToString(code uint32) string {
	return string(rune(code))
}

// AttachFileReceiver starts draining inbound file-transfer pushes into a
// filetransfer.Receiver rooted at receiveDir. Negotiation starts no
// file-transfer reader of its own.
func (o *Orchestrator) AttachFileReceiver(receiveDir string) (*filetransfer.Receiver, error) {
	recv, err := filetransfer.NewReceiver(receiveDir)
	if err != nil {
		return nil, err
	}
	ch := o.session.SubscribeFileTransfer()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for {
			select {
			case <-o.ctx.Done():
				recv.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					recv.Close()
					return
				}
				if err := recv.Handle(msg); err != nil {
					log.Warn("orchestrator: file transfer handling failed", "error", err)
				}
			}
		}
	}()
	return recv, nil
}

// SendFile streams path to the peer under transfer id, using the session's
// Send as the block sink.
func (o *Orchestrator) SendFile(id, path string) (*filetransfer.Sender, error) {
	sender, err := filetransfer.NewSender(id, path, o.session.Send)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := sender.Run(); err != nil {
			log.Warn("orchestrator: file send failed", "id", id, "error", err)
		}
	}()
	return sender, nil
}
