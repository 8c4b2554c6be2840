package transport

import (
	"bytes"
	"net"
	"testing"
	"time"
)

func TestFrameRoundtrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello, framed world")
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("roundtrip mismatch: got %q, want %q", got, payload)
	}
}

func TestFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	oversized := make([]byte, MaxFrameLength+1)
	if err := WriteFrame(&buf, oversized); err == nil {
		t.Fatal("expected error writing oversized frame")
	}
}

func TestAEADRoundtrip(t *testing.T) {
	var key [32]byte
	var nonce [12]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))

	sealer, err := NewAEAD(key, nonce)
	if err != nil {
		t.Fatalf("NewAEAD sealer: %v", err)
	}
	opener, err := NewAEAD(key, nonce)
	if err != nil {
		t.Fatalf("NewAEAD opener: %v", err)
	}

	plaintext := []byte("session payload")
	sealed := sealer.Seal(plaintext)
	opened, err := opener.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("roundtrip mismatch: got %q, want %q", opened, plaintext)
	}
}

func TestAEADMismatchedKeysFailToOpen(t *testing.T) {
	var key1, key2 [32]byte
	var nonce [12]byte
	copy(key1[:], []byte("0123456789abcdef0123456789abcdef"))
	copy(key2[:], []byte("fedcba9876543210fedcba9876543210"))

	sealer, _ := NewAEAD(key1, nonce)
	opener, _ := NewAEAD(key2, nonce)

	sealed := sealer.Seal([]byte("secret"))
	if _, err := opener.Open(sealed); err == nil {
		t.Fatal("expected open to fail with mismatched keys")
	}
}

func TestAEADDivergedNoncesFailToOpen(t *testing.T) {
	var key [32]byte
	var nonce [12]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))

	sealer, _ := NewAEAD(key, nonce)
	opener, _ := NewAEAD(key, nonce)

	// Advance the opener's sequence without a matching seal, simulating
	// divergence.
	_ = opener.Seal([]byte("drift"))

	sealed := sealer.Seal([]byte("secret"))
	if _, err := opener.Open(sealed); err == nil {
		t.Fatal("expected open to fail once nonce sequences diverge")
	}
}

func TestConnSendRecvOverPipe(t *testing.T) {
	var key [32]byte
	var nonceA, nonceB [12]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	nonceB[11] = 1

	clientRaw, serverRaw := net.Pipe()
	defer clientRaw.Close()
	defer serverRaw.Close()

	clientSeal, _ := NewAEAD(key, nonceA)
	clientOpen, _ := NewAEAD(key, nonceB)
	serverSeal, _ := NewAEAD(key, nonceB)
	serverOpen, _ := NewAEAD(key, nonceA)

	client := NewConn(clientRaw, clientSeal, clientOpen)
	server := NewConn(serverRaw, serverSeal, serverOpen)

	done := make(chan error, 1)
	go func() {
		done <- client.Send([]byte("ping"))
	}()

	serverRaw.SetReadDeadline(time.Now().Add(2 * time.Second))
	got, err := server.Recv()
	if err != nil {
		t.Fatalf("server.Recv: %v", err)
	}
	if string(got) != "ping" {
		t.Fatalf("got %q, want ping", got)
	}
	if err := <-done; err != nil {
		t.Fatalf("client.Send: %v", err)
	}
}
