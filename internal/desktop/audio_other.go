//go:build !windows

package desktop

// NewAudioCapturer returns nil on non-Windows platforms (audio capture not supported).
func NewAudioCapturer() AudioCapturer {
	return nil
}

// NewAudioPlayer returns nil on non-Windows platforms (audio playback not supported).
func NewAudioPlayer() AudioPlayer {
	return nil
}
