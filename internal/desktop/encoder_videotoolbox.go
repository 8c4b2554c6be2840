//go:build darwin
// +build darwin

package desktop

import (
	"errors"
	"fmt"
	"sync"
)

type videotoolboxEncoder struct {
	mu            sync.Mutex
	cfg           EncoderConfig
	width, height int
	pixelFormat   PixelFormat
	forceKeyframe bool
}

func init() {
	registerHardwareFactory(newVideoToolboxEncoder)
}

func newVideoToolboxEncoder(cfg EncoderConfig) (encoderBackend, error) {
	if cfg.Codec != CodecH264 && cfg.Codec != CodecHEVC {
		return nil, fmt.Errorf("videotoolbox unsupported codec: %s", cfg.Codec)
	}
	return &videotoolboxEncoder{cfg: cfg}, nil
}

func (v *videotoolboxEncoder) Encode(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, errors.New("empty frame")
	}
	// Placeholder passthrough until VideoToolbox bindings are integrated.
	out := make([]byte, len(frame))
	copy(out, frame)
	return out, nil
}

func (v *videotoolboxEncoder) SetCodec(codec Codec) error {
	if !codec.valid() {
		return fmt.Errorf("%w: %s", ErrInvalidCodec, codec)
	}
	if codec != CodecH264 && codec != CodecHEVC {
		return fmt.Errorf("videotoolbox unsupported codec: %s", codec)
	}
	v.mu.Lock()
	v.cfg.Codec = codec
	v.mu.Unlock()
	return nil
}

func (v *videotoolboxEncoder) SetQuality(quality QualityPreset) error {
	if !quality.valid() {
		return fmt.Errorf("%w: %s", ErrInvalidQuality, quality)
	}
	v.mu.Lock()
	v.cfg.Quality = quality
	v.mu.Unlock()
	return nil
}

func (v *videotoolboxEncoder) SetBitrate(bitrate int) error {
	if bitrate <= 0 {
		return ErrInvalidBitrate
	}
	v.mu.Lock()
	v.cfg.Bitrate = bitrate
	v.mu.Unlock()
	return nil
}

func (v *videotoolboxEncoder) SetFPS(fps int) error {
	if fps <= 0 {
		return ErrInvalidFPS
	}
	v.mu.Lock()
	v.cfg.FPS = fps
	v.mu.Unlock()
	return nil
}

func (v *videotoolboxEncoder) Close() error {
	return nil
}

func (v *videotoolboxEncoder) Name() string {
	return "videotoolbox"
}

func (v *videotoolboxEncoder) IsHardware() bool {
	return true
}

func (v *videotoolboxEncoder) IsPlaceholder() bool {
	return true
}

func (v *videotoolboxEncoder) SetDimensions(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid dimensions: %dx%d", width, height)
	}
	v.mu.Lock()
	v.width, v.height = width, height
	v.mu.Unlock()
	return nil
}

func (v *videotoolboxEncoder) SetPixelFormat(pf PixelFormat) {
	v.mu.Lock()
	v.pixelFormat = pf
	v.mu.Unlock()
}

// ForceKeyframe requests an IDR on the next Encode call. VideoToolbox
// accepts this via kVTEncodeFrameOptionKey_ForceKeyFrame once the real
// session is wired in; until then this just tracks the request.
func (v *videotoolboxEncoder) ForceKeyframe() error {
	v.mu.Lock()
	v.forceKeyframe = true
	v.mu.Unlock()
	return nil
}

func (v *videotoolboxEncoder) SetD3D11Device(device, context uintptr) {}

func (v *videotoolboxEncoder) SupportsGPUInput() bool {
	return false
}

func (v *videotoolboxEncoder) EncodeTexture(bgraTexture uintptr) ([]byte, error) {
	return nil, errors.New("videotoolbox backend does not support GPU texture input")
}
