package endpoint

import (
	"testing"
	"time"

	"github.com/nimbusdesk/core/internal/wire"
)

func TestSessionCallTimeout(t *testing.T) {
	connA, connB := pipeConns(t)
	// net.Pipe writes block until read: drain connB without ever replying,
	// so the request goes out and Call has to wait out its timeout.
	go func() {
		for {
			if _, err := connB.Recv(); err != nil {
				return
			}
		}
	}()

	sess := NewSession(connA)
	go sess.Run()
	defer sess.Shutdown()

	_, err := sess.Call(wire.NegotiateFinishedRequest{}, wire.KindNegotiateDesktopParamsResponse, 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error when no reply arrives")
	}
}

func TestSessionVideoFrameDelivery(t *testing.T) {
	connA, connB := pipeConns(t)

	sessA := NewSession(connA)
	sessB := NewSession(connB)
	go sessA.Run()
	go sessB.Run()
	defer sessA.Shutdown()
	defer sessB.Shutdown()

	want := wire.VideoFrame{Width: 640, Height: 480, PTS: 1, Buffer: []byte{9, 9, 9}}
	if err := sessA.Send(want); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-sessB.SubscribeVideo():
		if got.Width != want.Width || got.PTS != want.PTS {
			t.Fatalf("got %+v, want %+v", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for video frame")
	}
}

// TestSessionCallRoutesByCallIDNotArrivalOrder pins two Call invocations of
// the same request/reply kind in flight at once, then answers them out of
// order on the raw wire to prove routing keys off the call id rather than
// the order pending waiters happen to be registered in.
func TestSessionCallRoutesByCallIDNotArrivalOrder(t *testing.T) {
	connA, rawB := pipeConns(t)

	sessA := NewSession(connA)
	go sessA.Run()
	defer sessA.Shutdown()

	type callResult struct {
		resp wire.Message
		err  error
	}
	firstCh := make(chan callResult, 1)
	secondCh := make(chan callResult, 1)

	go func() {
		resp, err := sessA.Call(wire.NegotiateDesktopParamsRequest{MonitorID: "first"}, wire.KindNegotiateDesktopParamsResponse, 2*time.Second)
		firstCh <- callResult{resp, err}
	}()
	go func() {
		resp, err := sessA.Call(wire.NegotiateDesktopParamsRequest{MonitorID: "second"}, wire.KindNegotiateDesktopParamsResponse, 2*time.Second)
		secondCh <- callResult{resp, err}
	}()

	// Read both raw requests off the wire and recover each one's call id and
	// MonitorID, without assuming which goroutine's request lands first.
	var firstCallID, secondCallID uint64
	for i := 0; i < 2; i++ {
		data, err := rawB.Recv()
		if err != nil {
			t.Fatalf("Recv request %d: %v", i, err)
		}
		msg, callID, err := wire.Decode(data)
		if err != nil {
			t.Fatalf("Decode request %d: %v", i, err)
		}
		req, ok := msg.(wire.NegotiateDesktopParamsRequest)
		if !ok {
			t.Fatalf("request %d: got %T, want NegotiateDesktopParamsRequest", i, msg)
		}
		switch req.MonitorID {
		case "first":
			firstCallID = callID
		case "second":
			secondCallID = callID
		default:
			t.Fatalf("unexpected MonitorID %q", req.MonitorID)
		}
	}

	// Answer "second" first and "first" second, deliberately out of arrival
	// order, tagging each reply with its own request's call id.
	secondReply, err := wire.Encode(wire.NegotiateDesktopParamsResponse{FPS: 222}, secondCallID)
	if err != nil {
		t.Fatalf("Encode second reply: %v", err)
	}
	if err := rawB.Send(secondReply); err != nil {
		t.Fatalf("Send second reply: %v", err)
	}
	firstReply, err := wire.Encode(wire.NegotiateDesktopParamsResponse{FPS: 111}, firstCallID)
	if err != nil {
		t.Fatalf("Encode first reply: %v", err)
	}
	if err := rawB.Send(firstReply); err != nil {
		t.Fatalf("Send first reply: %v", err)
	}

	first := <-firstCh
	if first.err != nil {
		t.Fatalf("first call: %v", first.err)
	}
	if resp, ok := first.resp.(wire.NegotiateDesktopParamsResponse); !ok || resp.FPS != 111 {
		t.Fatalf("first call got %+v, want FPS=111", first.resp)
	}

	second := <-secondCh
	if second.err != nil {
		t.Fatalf("second call: %v", second.err)
	}
	if resp, ok := second.resp.(wire.NegotiateDesktopParamsResponse); !ok || resp.FPS != 222 {
		t.Fatalf("second call got %+v, want FPS=222", second.resp)
	}
}

func TestSessionShutdownUnblocksCall(t *testing.T) {
	connA, _ := pipeConns(t)
	sess := NewSession(connA)
	go sess.Run()

	errCh := make(chan error, 1)
	go func() {
		_, err := sess.Call(wire.NegotiateFinishedRequest{}, wire.KindNegotiateDesktopParamsResponse, 5*time.Second)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	sess.Shutdown()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected error after shutdown")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Call did not unblock after Shutdown")
	}
}
