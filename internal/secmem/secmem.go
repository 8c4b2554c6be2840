package secmem

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nimbusdesk/core/internal/logging"
)

var log = logging.L("secmem")

// SecureString holds sensitive data (visit passwords, RSA-sealed secrets in
// transit) with best-effort memory zeroing and redaction-by-default. Go's
// GC may copy the backing array, so zeroing is defense-in-depth, not a
// guarantee. Every formatting/marshaling path returns "[REDACTED]" so a
// SecureString dropped into a log.Info(...) call or struct dump never
// leaks the plaintext by accident; only Reveal returns it.
type SecureString struct {
	mu         sync.Mutex
	data       []byte
	warnedOnce atomic.Bool
}

const redacted = "[REDACTED]"

// NewSecureString creates a SecureString from the given string.
func NewSecureString(s string) *SecureString {
	b := make([]byte, len(s))
	copy(b, s)
	return &SecureString{data: b}
}

// Reveal returns the plaintext value, or "" if s is nil or has been
// zeroed. This is the one path that exposes the real value — callers
// should hold onto it as briefly as possible.
func (s *SecureString) Reveal() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		if !s.warnedOnce.Swap(true) {
			log.Warn("secmem: Reveal called on a zeroed SecureString")
		}
		return ""
	}
	return string(s.data)
}

// IsZeroed reports whether Zero has already been called. A nil s reports
// false.
func (s *SecureString) IsZeroed() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data == nil
}

// String implements fmt.Stringer, always redacted so accidental
// fmt.Println(secureVal) / %s / %v never print the plaintext.
func (s *SecureString) String() string { return redacted }

// GoString implements fmt.GoStringer, redacted for the same reason as
// String (covers %#v).
func (s *SecureString) GoString() string { return redacted }

// Format implements fmt.Formatter so every verb (%s, %v, %+v, %#v, %q)
// renders redacted rather than falling back to field-by-field reflection.
func (s *SecureString) Format(f fmt.State, verb rune) {
	fmt.Fprint(f, redacted)
}

// MarshalJSON always encodes as the redacted placeholder, never the
// plaintext — SecureString fields are safe to embed directly in structs
// that get JSON-logged.
func (s *SecureString) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

// MarshalText mirrors MarshalJSON for encoders that use TextMarshaler
// (e.g. YAML via an adapter).
func (s *SecureString) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}

// UnmarshalJSON always fails: a SecureString is never meant to be restored
// from redacted serialized output, and accepting the literal "[REDACTED]"
// string as a value would silently corrupt the real secret.
func (s *SecureString) UnmarshalJSON(data []byte) error {
	return fmt.Errorf("secmem: SecureString cannot be unmarshaled from serialized data")
}

// Zero overwrites the backing byte slice with zeros and releases it.
func (s *SecureString) Zero() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.data {
		s.data[i] = 0
	}
	s.data = nil
}
