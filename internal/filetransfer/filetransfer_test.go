package filetransfer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nimbusdesk/core/internal/wire"
)

func TestSenderStreamsAndFinishes(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "source.bin")
	content := make([]byte, BlockSize*2+10)
	for i := range content {
		content[i] = byte(i)
	}
	if err := os.WriteFile(src, content, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var sent []wire.Message
	sender, err := NewSender("xfer-1", src, func(m wire.Message) error {
		sent = append(sent, m)
		return nil
	})
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	if err := sender.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(sent) < 3 {
		t.Fatalf("got %d messages, want at least 3 blocks for a %d-byte file", len(sent), len(content))
	}
	last := sent[len(sent)-1].(wire.FileTransferBlock)
	if !last.Finish || len(last.Data) != 0 {
		t.Fatalf("last block = %+v, want Finish=true with empty Data", last)
	}

	var reassembled []byte
	for _, m := range sent {
		b := m.(wire.FileTransferBlock)
		reassembled = append(reassembled, b.Data...)
	}
	if len(reassembled) != len(content) {
		t.Fatalf("reassembled %d bytes, want %d", len(reassembled), len(content))
	}
}

func TestReceiverAssemblesFile(t *testing.T) {
	dir := t.TempDir()
	recv, err := NewReceiver(dir)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	defer recv.Close()

	if err := recv.Handle(wire.FileTransferBlock{ID: "xfer-2", Data: []byte("hello ")}); err != nil {
		t.Fatalf("Handle block 1: %v", err)
	}
	if err := recv.Handle(wire.FileTransferBlock{ID: "xfer-2", Data: []byte("world")}); err != nil {
		t.Fatalf("Handle block 2: %v", err)
	}
	if err := recv.Handle(wire.FileTransferBlock{ID: "xfer-2", Finish: true}); err != nil {
		t.Fatalf("Handle finish: %v", err)
	}

	select {
	case f := <-recv.Completed():
		if f.Size != int64(len("hello world")) {
			t.Fatalf("Size = %d, want %d", f.Size, len("hello world"))
		}
		data, err := os.ReadFile(f.Path)
		if err != nil {
			t.Fatalf("ReadFile: %v", err)
		}
		if string(data) != "hello world" {
			t.Fatalf("content = %q, want %q", data, "hello world")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completed transfer")
	}
}

func TestReceiverTerminateDiscardsPartialFile(t *testing.T) {
	dir := t.TempDir()
	recv, err := NewReceiver(dir)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	defer recv.Close()

	if err := recv.Handle(wire.FileTransferBlock{ID: "xfer-3", Data: []byte("partial")}); err != nil {
		t.Fatalf("Handle block: %v", err)
	}
	if err := recv.Handle(wire.FileTransferTerminate{ID: "xfer-3"}); err != nil {
		t.Fatalf("Handle terminate: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("got %d leftover files, want 0 after terminate", len(entries))
	}
}

func TestReceiverRejectsPathTraversalID(t *testing.T) {
	dir := t.TempDir()
	recv, err := NewReceiver(dir)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	defer recv.Close()

	err = recv.Handle(wire.FileTransferBlock{ID: "../../etc/passwd", Data: []byte("x")})
	if err == nil {
		t.Fatal("expected error for path-traversal transfer id")
	}
}

func TestMultipleTransfersInFlightDemultiplex(t *testing.T) {
	dir := t.TempDir()
	recv, err := NewReceiver(dir)
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	defer recv.Close()

	recv.Handle(wire.FileTransferBlock{ID: "a", Data: []byte("AAA")})
	recv.Handle(wire.FileTransferBlock{ID: "b", Data: []byte("BBB")})
	recv.Handle(wire.FileTransferBlock{ID: "a", Finish: true})
	recv.Handle(wire.FileTransferBlock{ID: "b", Finish: true})

	seen := map[string]int64{}
	for i := 0; i < 2; i++ {
		select {
		case f := <-recv.Completed():
			seen[f.ID] = f.Size
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for completed transfers")
		}
	}
	if seen["a"] != 3 || seen["b"] != 3 {
		t.Fatalf("seen = %+v, want a=3 b=3", seen)
	}
}
