// Package transport implements the Framed Transport (C1): a length-prefixed
// frame codec with AEAD sealing. Every frame is a little-endian u32 length
// prefix followed by an AES-256-GCM-sealed payload, per spec §6's wire
// format.
package transport

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/nimbusdesk/core/internal/coreerr"
	"github.com/nimbusdesk/core/internal/logging"
	"github.com/nimbusdesk/core/internal/nonceseq"
)

var log = logging.L("transport")

// MaxFrameLength is the largest payload a single frame may carry, per
// spec §6: 32·2^20 bytes.
const MaxFrameLength = 32 * 1 << 20

const lengthPrefixSize = 4

// WriteFrame writes length (LE u32) || payload to w. Returns an error
// wrapping coreerr.IO on short writes and coreerr.Serialization
// if payload exceeds MaxFrameLength.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameLength {
		return coreerr.New(coreerr.Serialization, "transport.WriteFrame: payload exceeds max frame length")
	}
	header := make([]byte, lengthPrefixSize)
	binary.LittleEndian.PutUint32(header, uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return coreerr.Wrap(coreerr.IO, "transport.WriteFrame: write header", err)
	}
	if _, err := w.Write(payload); err != nil {
		return coreerr.Wrap(coreerr.IO, "transport.WriteFrame: write payload", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r. Rejects any declared
// length over MaxFrameLength before attempting to read the body, so an
// oversized or corrupted length prefix cannot cause an unbounded
// allocation.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, lengthPrefixSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, coreerr.Wrap(coreerr.IO, "transport.ReadFrame: read header", err)
	}
	length := binary.LittleEndian.Uint32(header)
	if length > MaxFrameLength {
		return nil, coreerr.New(coreerr.Serialization, fmt.Sprintf("transport.ReadFrame: declared length %d exceeds max %d", length, MaxFrameLength))
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, coreerr.Wrap(coreerr.IO, "transport.ReadFrame: read payload", err)
	}
	return payload, nil
}

// AEAD seals and opens frame payloads with AES-256-GCM using nonces drawn
// from a per-direction nonceseq.Sequence, empty AAD, and a 16-byte tag
// appended to the ciphertext (spec §6).
type AEAD struct {
	gcm cipher.AEAD
	seq *nonceseq.Sequence
}

// NewAEAD constructs an AEAD for one direction from a 32-byte AES-256 key
// and the starting nonce for that direction's sequencer.
func NewAEAD(key [32]byte, startNonce [12]byte) (*AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Other, "transport.NewAEAD: aes.NewCipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.Other, "transport.NewAEAD: cipher.NewGCM", err)
	}
	return &AEAD{gcm: gcm, seq: nonceseq.New(startNonce)}, nil
}

// Seal encrypts plaintext with the next nonce in sequence, empty AAD.
func (a *AEAD) Seal(plaintext []byte) []byte {
	nonce := a.seq.Next()
	return a.gcm.Seal(nil, nonce[:], plaintext, nil)
}

// Open decrypts ciphertext with the next nonce in sequence. A decrypt
// failure here is always session-fatal per spec §7.
func (a *AEAD) Open(ciphertext []byte) ([]byte, error) {
	nonce := a.seq.Next()
	plaintext, err := a.gcm.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.DecryptFailed, "transport.AEAD.Open", err)
	}
	return plaintext, nil
}

// FrameConn is the narrow interface the handshake and session layers need
// from a Framed Transport connection, satisfied by both the TCP-backed
// Conn and the UDP-backed PacketConn — spec §4.1 allows either transport,
// so everything above this package is written against the interface
// rather than either concrete type.
type FrameConn interface {
	Send(payload []byte) error
	Recv() ([]byte, error)
	Close() error
}

// Conn wraps a net.Conn with frame + AEAD sealing on top. A single writer
// goroutine and a single reader goroutine are expected per spec §5's
// ordering guarantee; Conn does not itself serialize concurrent Send/Recv
// calls from multiple goroutines on the same direction.
type Conn struct {
	raw    net.Conn
	seal   *AEAD
	open   *AEAD
	mu     sync.Mutex // guards writes only; reads are single-goroutine by contract
}

// NewConn wraps raw with sealing/opening AEADs derived from SessionKeys.
func NewConn(raw net.Conn, seal, open *AEAD) *Conn {
	return &Conn{raw: raw, seal: seal, open: open}
}

// Send seals payload and writes it as a framed message.
func (c *Conn) Send(payload []byte) error {
	sealed := c.seal.Seal(payload)
	c.mu.Lock()
	defer c.mu.Unlock()
	return WriteFrame(c.raw, sealed)
}

// Recv reads one framed message and opens it.
func (c *Conn) Recv() ([]byte, error) {
	sealed, err := ReadFrame(c.raw)
	if err != nil {
		return nil, err
	}
	plaintext, err := c.open.Open(sealed)
	if err != nil {
		log.Error("decrypt failed, session is no longer usable", "error", err)
		return nil, err
	}
	return plaintext, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.raw.Close()
}
