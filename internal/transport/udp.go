package transport

import (
	"net"
	"sync"

	"github.com/nimbusdesk/core/internal/coreerr"
)

// maxDatagramSize is the largest UDP payload a single ReadFrom call can
// return on IPv4 without truncation.
const maxDatagramSize = 65507

// PacketConn is the UDP-backed Framed Transport (C1): unlike Conn, it
// carries no length prefix — a net.PacketConn already preserves datagram
// boundaries one Send to one Recv — but it does enforce spec §4.1's
// peer-address-matching requirement, dropping any datagram that didn't
// come from the expected peer rather than handing it to the caller.
type PacketConn struct {
	pc      net.PacketConn
	peer    net.Addr
	seal    *AEAD
	open    *AEAD
	mu      sync.Mutex // guards writes only; reads are single-goroutine by contract
	pending []byte     // sealed bytes of a datagram already consumed by AcceptPacketConn
}

// NewPacketConn wraps pc, fixing peer as the only address Recv accepts
// datagrams from and the address Send writes to. For the dialing side of
// a visit, where the peer's address is already known from the key
// exchange.
func NewPacketConn(pc net.PacketConn, peer net.Addr, seal, open *AEAD) *PacketConn {
	return &PacketConn{pc: pc, peer: peer, seal: seal, open: open}
}

// AcceptPacketConn waits for the first datagram to arrive on pc and fixes
// its source address as the peer, mirroring how a TCP listener's Accept
// implicitly pins the peer to whichever address connected first. The
// first datagram is queued so the caller's first Recv call returns it
// rather than discarding it while waiting for a second one.
func AcceptPacketConn(pc net.PacketConn, seal, open *AEAD) (*PacketConn, error) {
	buf := make([]byte, maxDatagramSize)
	n, addr, err := pc.ReadFrom(buf)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.IO, "transport.AcceptPacketConn: read first datagram", err)
	}
	first := make([]byte, n)
	copy(first, buf[:n])
	return &PacketConn{pc: pc, peer: addr, seal: seal, open: open, pending: first}, nil
}

// Send seals payload and writes it as a single datagram to peer.
func (c *PacketConn) Send(payload []byte) error {
	if len(payload) > MaxFrameLength {
		return coreerr.New(coreerr.Serialization, "transport.PacketConn.Send: payload exceeds max frame length")
	}
	sealed := c.seal.Seal(payload)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.pc.WriteTo(sealed, c.peer); err != nil {
		return coreerr.Wrap(coreerr.IO, "transport.PacketConn.Send: write", err)
	}
	return nil
}

// Recv reads datagrams until one arrives from peer, opens it, and returns
// the plaintext. Datagrams from any other source are logged and dropped
// rather than returned, per spec §4.1.
func (c *PacketConn) Recv() ([]byte, error) {
	if c.pending != nil {
		sealed := c.pending
		c.pending = nil
		plaintext, err := c.open.Open(sealed)
		if err != nil {
			log.Error("decrypt failed, session is no longer usable", "error", err)
			return nil, err
		}
		return plaintext, nil
	}

	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := c.pc.ReadFrom(buf)
		if err != nil {
			return nil, coreerr.Wrap(coreerr.IO, "transport.PacketConn.Recv: read", err)
		}
		if addr.String() != c.peer.String() {
			log.Warn("dropping UDP datagram from unexpected peer", "from", addr, "want", c.peer)
			continue
		}
		plaintext, err := c.open.Open(buf[:n])
		if err != nil {
			log.Error("decrypt failed, session is no longer usable", "error", err)
			return nil, err
		}
		return plaintext, nil
	}
}

// Close closes the underlying packet connection.
func (c *PacketConn) Close() error {
	return c.pc.Close()
}
