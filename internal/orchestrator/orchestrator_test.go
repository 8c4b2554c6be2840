package orchestrator

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/nimbusdesk/core/internal/coreerr"
	"github.com/nimbusdesk/core/internal/desktop"
	"github.com/nimbusdesk/core/internal/endpoint"
	"github.com/nimbusdesk/core/internal/wire"
	"github.com/nimbusdesk/core/pkg/model"
)

type fakeSink struct {
	errs   []error
	frames []desktop.DecodedFrame
}

func (f *fakeSink) RenderVideo(frame desktop.DecodedFrame) { f.frames = append(f.frames, frame) }
func (f *fakeSink) ErrorHappened(err error)                { f.errs = append(f.errs, err) }

func TestParamsWithDefaults(t *testing.T) {
	p := Params{}.withDefaults()
	if p.FPS != 30 || p.Bitrate != 2_500_000 || p.Codec != desktop.CodecH264 {
		t.Fatalf("got %+v, want fps=30 bitrate=2500000 codec=h264", p)
	}

	custom := Params{FPS: 60, Bitrate: 4_000_000, Codec: desktop.CodecHEVC}.withDefaults()
	if custom.FPS != 60 || custom.Bitrate != 4_000_000 || custom.Codec != desktop.CodecHEVC {
		t.Fatalf("custom params overwritten: %+v", custom)
	}
}

func TestToDesktopInputEventMouse(t *testing.T) {
	ev := toDesktopInputEvent(wire.InputEvent{
		EventKind:   wire.InputEventMouse,
		MouseAction: "click",
		MouseButton: "right",
		X:           10, Y: 20,
	})
	if ev.Type != "mouse_click" || ev.Button != "right" || ev.X != 10 || ev.Y != 20 {
		t.Fatalf("got %+v", ev)
	}
}

func TestToDesktopInputEventScroll(t *testing.T) {
	ev := toDesktopInputEvent(wire.InputEvent{EventKind: wire.InputEventMouse, MouseAction: "scroll", DeltaY: -3})
	if ev.Type != "mouse_scroll" || ev.Delta != -3 {
		t.Fatalf("got %+v", ev)
	}
}

func TestToDesktopInputEventKeyboard(t *testing.T) {
	ev := toDesktopInputEvent(wire.InputEvent{EventKind: wire.InputEventKeyboard, KeyAction: "down", KeyCode: 'a'})
	if ev.Type != "key_down" || ev.Key != "a" {
		t.Fatalf("got %+v", ev)
	}
}

// TestNegotiateEndToEnd wires a visitor and shared orchestrator directly
// over an in-memory pipe (bypassing DialVisitor's net.Dial, which needs a
// real address) and runs one Negotiate round trip. Real screen capture
// requires platform APIs this sandbox doesn't provide (CGO/X11 on Linux),
// so the shared side's handleNegotiateRequest is expected to reject —
// this still proves the handshake, session wiring, and negotiate RPC
// round-trip correctly end to end; capture/encode itself is exercised by
// internal/desktop's own tests.
func TestNegotiateEndToEnd(t *testing.T) {
	visitorRaw, sharedRaw := net.Pipe()

	var keys model.SessionKeys // zero keys: both sides derive the same (insecure but symmetric) AEAD state

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sharedSink := &fakeSink{}
	visitorSink := &fakeSink{}

	type acceptResult struct {
		o   *Orchestrator
		err error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		o, _, err := AcceptShared(ctx, sharedRaw, 2, keys, sharedSink)
		acceptCh <- acceptResult{o, err}
	}()

	visitorConn, err := newConn(visitorRaw, keys)
	if err != nil {
		t.Fatalf("newConn: %v", err)
	}
	if err := endpoint.DoActiveHandshake(visitorConn, []byte("creds"), 1, 2); err != nil {
		t.Fatalf("DoActiveHandshake: %v", err)
	}
	visitor := newOrchestrator(ctx, RoleVisitor, visitorConn, visitorSink)
	defer visitor.Close()

	var shared *Orchestrator
	select {
	case r := <-acceptCh:
		if r.err != nil {
			t.Fatalf("AcceptShared: %v", r.err)
		}
		shared = r.o
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for AcceptShared")
	}
	defer shared.Close()

	_, err = visitor.Negotiate(Params{FPS: 30, Bitrate: 1_000_000}, time.Second)
	if coreerr.KindOf(err) != coreerr.RemoteRefuse {
		t.Fatalf("Negotiate error = %v, want coreerr.RemoteRefuse (no platform capturer in this sandbox)", err)
	}
}
