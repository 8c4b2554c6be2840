package audio

import (
	"sync"
	"testing"
	"time"

	"github.com/nimbusdesk/core/internal/wire"
)

// fakeCapturer drives the callback with silence frames on demand, enough
// to exercise Pipeline's Start/Stop wiring without real loopback audio.
type fakeCapturer struct {
	mu       sync.Mutex
	callback func([]float32)
	stopped  bool
}

func (f *fakeCapturer) Start(callback func([]float32)) error {
	f.mu.Lock()
	f.callback = callback
	f.mu.Unlock()
	return nil
}

func (f *fakeCapturer) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

func (f *fakeCapturer) push(samples []float32) {
	f.mu.Lock()
	cb := f.callback
	f.mu.Unlock()
	if cb != nil {
		cb(samples)
	}
}

func TestPipelineEncodesFrameSizedInput(t *testing.T) {
	cap := &fakeCapturer{}
	p, err := NewPipeline(cap)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	cap.push(make([]float32, frameSamples))

	select {
	case frame := <-p.Frames():
		if frame.SampleFormat != "opus" {
			t.Fatalf("SampleFormat = %q, want opus", frame.SampleFormat)
		}
		if frame.SampleRate != 48000 {
			t.Fatalf("SampleRate = %d, want 48000", frame.SampleRate)
		}
		if len(frame.Buffer) == 0 {
			t.Fatal("expected non-empty encoded buffer")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for encoded frame")
	}

	p.Stop()
	if !cap.stopped {
		t.Fatal("expected capturer.Stop to be called")
	}
}

func TestPipelineRejectsWrongSizedInput(t *testing.T) {
	cap := &fakeCapturer{}
	p, err := NewPipeline(cap)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop()

	cap.push(make([]float32, frameSamples/2))

	select {
	case <-p.Frames():
		t.Fatal("expected no frame for wrong-sized input")
	case <-time.After(100 * time.Millisecond):
	}
}

type fakePlayer struct {
	mu       sync.Mutex
	received [][]float32
}

func (f *fakePlayer) Write(samples []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]float32, len(samples))
	copy(cp, samples)
	f.received = append(f.received, cp)
	return nil
}

func (f *fakePlayer) Close() error { return nil }

func TestPlayerRejectsUnsupportedFormat(t *testing.T) {
	out := &fakePlayer{}
	player, err := NewPlayer(out)
	if err != nil {
		t.Fatalf("NewPlayer: %v", err)
	}

	err = player.Play(wire.AudioFrame{SampleFormat: "pcm16"})
	if err == nil {
		t.Fatal("expected error for unsupported sample format")
	}
}

func TestPlayerDecodesEncodedFrame(t *testing.T) {
	cap := &fakeCapturer{}
	pipeline, err := NewPipeline(cap)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	if err := pipeline.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pipeline.Stop()

	cap.push(make([]float32, frameSamples))

	var frame wire.AudioFrame
	select {
	case frame = <-pipeline.Frames():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for encoded frame")
	}

	out := &fakePlayer{}
	player, err := NewPlayer(out)
	if err != nil {
		t.Fatalf("NewPlayer: %v", err)
	}
	if err := player.Play(frame); err != nil {
		t.Fatalf("Play: %v", err)
	}

	out.mu.Lock()
	defer out.mu.Unlock()
	if len(out.received) != 1 {
		t.Fatalf("got %d writes, want 1", len(out.received))
	}
}
