package wire

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundtripVideoFrame(t *testing.T) {
	want := VideoFrame{Width: 1920, Height: 1080, PTS: 123456, Buffer: []byte{1, 2, 3, 4}}
	data, err := Encode(want, 0)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if Kind(data[0]) != KindVideoFrame {
		t.Fatalf("tag byte = %d, want %d", data[0], KindVideoFrame)
	}
	got, callID, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if callID != 0 {
		t.Fatalf("callID = %d, want 0", callID)
	}
	vf, ok := got.(VideoFrame)
	if !ok {
		t.Fatalf("Decode returned %T, want VideoFrame", got)
	}
	if vf.Width != want.Width || vf.Height != want.Height || vf.PTS != want.PTS || !bytes.Equal(vf.Buffer, want.Buffer) {
		t.Fatalf("roundtrip mismatch: got %+v, want %+v", vf, want)
	}
}

func TestEncodeDecodeRoundtripInput(t *testing.T) {
	want := Input{Events: []InputEvent{
		{EventKind: InputEventMouse, MouseAction: "move", X: 10, Y: 20},
		{EventKind: InputEventKeyboard, KeyAction: "down", KeyCode: 65},
	}}
	data, err := Encode(want, 0)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, _, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	in, ok := got.(Input)
	if !ok {
		t.Fatalf("Decode returned %T, want Input", got)
	}
	if len(in.Events) != 2 || in.Events[0].MouseAction != "move" || in.Events[1].KeyCode != 65 {
		t.Fatalf("roundtrip mismatch: %+v", in)
	}
}

func TestEncodeDecodeRoundtripPreservesCallID(t *testing.T) {
	want := NegotiateDesktopParamsResponse{Accepted: true, FPS: 30}
	data, err := Encode(want, 42)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, callID, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if callID != 42 {
		t.Fatalf("callID = %d, want 42", callID)
	}
	resp, ok := got.(NegotiateDesktopParamsResponse)
	if !ok || !resp.Accepted || resp.FPS != 30 {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
}

func TestDecodeUnknownKindFails(t *testing.T) {
	_, _, err := Decode([]byte{0xFF, 0, 0, 0, 0, 0, 0, 0, 0})
	if err == nil {
		t.Fatal("expected error decoding unknown kind")
	}
}

func TestDecodeEmptyFails(t *testing.T) {
	_, _, err := Decode(nil)
	if err == nil {
		t.Fatal("expected error decoding empty message")
	}
}

func TestDecodeShorterThanHeaderFails(t *testing.T) {
	_, _, err := Decode([]byte{byte(KindVideoFrame), 0, 0})
	if err == nil {
		t.Fatal("expected error decoding a frame shorter than the tag+call-id header")
	}
}

func TestFileTransferVariantsRoundtrip(t *testing.T) {
	block := FileTransferBlock{ID: "xfer-1", Finish: true, Data: []byte("chunk")}
	data, err := Encode(block, 0)
	if err != nil {
		t.Fatalf("Encode block: %v", err)
	}
	got, _, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode block: %v", err)
	}
	if fb, ok := got.(FileTransferBlock); !ok || fb.ID != "xfer-1" || !fb.Finish {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}

	term := FileTransferTerminate{ID: "xfer-1"}
	data, err = Encode(term, 0)
	if err != nil {
		t.Fatalf("Encode terminate: %v", err)
	}
	got, _, err = Decode(data)
	if err != nil {
		t.Fatalf("Decode terminate: %v", err)
	}
	if ft, ok := got.(FileTransferTerminate); !ok || ft.ID != "xfer-1" {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
}
