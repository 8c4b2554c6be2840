// Package model holds the data types shared across the session core: the
// identity, crypto, and media shapes that cross package boundaries between
// transport, endpoint, portal, and desktop capture/encode.
package model

import "time"

// EndpointId identifies the two ends of a session. Portal-mediated sessions
// use device IDs; LAN sessions use IP addresses. Immutable for the life of
// a session.
type EndpointId struct {
	LocalDeviceID  int64
	RemoteDeviceID int64
	LocalAddr      string
	RemoteAddr     string
}

// IsLAN reports whether this EndpointId identifies a LAN session (address
// based) rather than a portal-mediated one (device-id based).
func (e EndpointId) IsLAN() bool {
	return e.LocalAddr != "" || e.RemoteAddr != ""
}

// Credentials is an opaque, single-use token issued by the Portal to
// authorize one endpoint connection. Bound to an EndpointId.
type Credentials []byte

// SessionKeys holds the two independent AEAD keys and starting nonces a
// session uses in each direction. Each key is AES-256-GCM; ownership is
// exclusive to one Endpoint Session and is dropped with it.
type SessionKeys struct {
	SealingKey    [32]byte
	OpeningKey    [32]byte
	SealingNonce  [12]byte
	OpeningNonce  [12]byte
}

// Monitor describes one enumerable display, reported during negotiation.
type Monitor struct {
	ID          string
	Name        string
	Width       int
	Height      int
	RefreshRate int
	IsPrimary   bool
	Screenshot  []byte
}

// DirEntry is a single file or sub-directory in a Directory listing.
type DirEntry struct {
	Path         string
	ModifiedTime time.Time
	Size         int64 // zero for sub-directories
	Icon         []byte
}

// Directory is a read-only snapshot of one filesystem directory.
type Directory struct {
	Path     string
	SubDirs  []DirEntry
	Files    []DirEntry
}

// LanNode describes a peer discovered via LAN broadcast, with TTL-based
// liveness tracked by the discovery subsystem.
type LanNode struct {
	Hostname  string
	Address   string
	OS        string
	OSVersion string
	TCPPort   int
	UDPPort   int
	LastSeen  time.Time
}

// Expired reports whether this node's last-seen timestamp is older than ttl.
func (n LanNode) Expired(ttl time.Duration, now time.Time) bool {
	return now.Sub(n.LastSeen) > ttl
}

// CaptureFrame is a reference to a platform pixel buffer produced by a
// ScreenCapturer. Ownership is exclusive: the sender must call Release
// after encode completes.
type CaptureFrame struct {
	Width   int
	Height  int
	Stride  int
	PTS     int64
	Pix     []byte
	Release func()
}

// DecodeFrame is a decoded image ready for rendering: luma/chroma planes
// plus dimensions and presentation timestamp. Produced by a decoder,
// consumed by exactly one renderer.
type DecodeFrame struct {
	Width  int
	Height int
	PTS    int64
	Y      []byte
	U      []byte
	V      []byte
}

// VisitHistoryEntry records one completed or attempted visit for local
// history/audit display in a client UI.
type VisitHistoryEntry struct {
	RemoteDeviceID int64
	RemoteAddress  string
	StartedAt      time.Time
	EndedAt        time.Time
	Succeeded      bool
	FailureReason  string
}

// DomainRecord is a locally persisted record of a known remote device,
// keyed by device ID, used to populate quick-connect / favorites lists.
type DomainRecord struct {
	DeviceID int64
	Label    string
	LastSeen time.Time
}

// HistoryStore persists VisitHistoryEntry records (spec §6: consumed, not
// owned, by the session core — the host application supplies the
// implementation).
type HistoryStore interface {
	RecordVisit(entry VisitHistoryEntry) error
	RecentVisits(limit int) ([]VisitHistoryEntry, error)
}

// DomainStore persists DomainRecord entries for quick-connect lookups,
// the same consumed-not-owned relationship as HistoryStore.
type DomainStore interface {
	Upsert(record DomainRecord) error
	List() ([]DomainRecord, error)
}
