package endpoint

import (
	"net"
	"testing"

	"github.com/nimbusdesk/core/internal/coreerr"
	"github.com/nimbusdesk/core/internal/transport"
)

func pipeConns(t *testing.T) (*transport.Conn, *transport.Conn) {
	t.Helper()
	var key [32]byte
	var nonceA, nonceB [12]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	nonceB[11] = 1

	rawA, rawB := net.Pipe()
	t.Cleanup(func() { rawA.Close(); rawB.Close() })

	sealA, _ := transport.NewAEAD(key, nonceA)
	openA, _ := transport.NewAEAD(key, nonceB)
	sealB, _ := transport.NewAEAD(key, nonceB)
	openB, _ := transport.NewAEAD(key, nonceA)

	return transport.NewConn(rawA, sealA, openA), transport.NewConn(rawB, sealB, openB)
}

func TestHandshakeSuccess(t *testing.T) {
	active, passive := pipeConns(t)

	done := make(chan error, 1)
	go func() {
		done <- DoActiveHandshake(active, []byte("creds"), 100, 200)
	}()

	req, err := DoPassiveHandshake(passive, 200)
	if err != nil {
		t.Fatalf("DoPassiveHandshake: %v", err)
	}
	if req.DeviceID != 100 {
		t.Fatalf("DeviceID = %d, want 100", req.DeviceID)
	}
	if err := <-done; err != nil {
		t.Fatalf("DoActiveHandshake: %v", err)
	}
}

func TestHandshakeMismatchedDeviceID(t *testing.T) {
	active, passive := pipeConns(t)

	done := make(chan error, 1)
	go func() {
		done <- DoActiveHandshake(active, []byte("creds"), 100, 999)
	}()

	if _, err := DoPassiveHandshake(passive, 200); err != nil {
		t.Fatalf("DoPassiveHandshake: %v", err)
	}
	err := <-done
	if err == nil {
		t.Fatal("expected handshake mismatch error")
	}
	if coreerr.KindOf(err) != coreerr.HandshakeMismatch {
		t.Fatalf("KindOf(err) = %v, want HandshakeMismatch", coreerr.KindOf(err))
	}
}
