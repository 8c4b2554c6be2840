package desktop

// AudioFrameRate is the sample rate the core pipeline standardizes on
// before Opus encoding (spec §4.9).
const AudioFrameRate = 48000

// AudioCapturer captures system audio for streaming to the viewer.
type AudioCapturer interface {
	// Start begins capturing loopback audio. Calls the callback with mono
	// float32 PCM samples in [-1, 1] at AudioFrameRate, 20ms frames
	// (960 samples).
	Start(callback func(samples []float32)) error
	// Stop stops the audio capture.
	Stop()
}

// AudioPlayer writes decoded PCM samples to the default output device's
// stream buffer for remote-audio playback (spec §4.9).
type AudioPlayer interface {
	// Write enqueues mono float32 PCM samples in [-1, 1] at AudioFrameRate
	// for playback.
	Write(samples []float32) error
	// Close releases the output device stream.
	Close() error
}
