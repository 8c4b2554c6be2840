// Package discovery implements LAN Discovery (C11): UDP broadcast
// presence announcements plus the resulting node directory. Grounded on
// original_source/mirrorx_core/src/service/lan/discover.rs, replacing
// its tokio broadcast/recv task pair with two goroutines over a single
// net.UDPConn, and its bincode wire format with msgpack (the codec
// already adopted by internal/wire for the rest of the core).
package discovery

import (
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/nimbusdesk/core/internal/logging"
	"github.com/nimbusdesk/core/pkg/model"
)

var log = logging.L("discovery")

// Port is the UDP port LAN discovery binds and broadcasts to, per spec §4.11.
const Port = 48000

// BroadcastInterval is how often a discoverable node re-announces itself.
const BroadcastInterval = 11 * time.Second

// NodeTTL is how long a node is kept in the table without a fresh
// TargetLive before it expires.
const NodeTTL = 30 * time.Second

// packetKind tags the two broadcast packet variants named in discover.rs.
type packetKind byte

const (
	packetTargetLive packetKind = iota
	packetTargetDead
)

// broadcastPacket is the msgpack-coded wire form of BroadcastPacket.
type broadcastPacket struct {
	Kind      packetKind
	Hostname  string
	OS        string
	OSVersion string
	TCPPort   int
	UDPPort   int
}

// Discover runs the LAN discovery broadcaster and listener. Construct
// with New, then Run in its own goroutine; Close stops it and broadcasts
// TargetDead.
type Discover struct {
	conn         *net.UDPConn
	hostname     string
	os           string
	osVersion    string
	tcpPort      int
	discoverable func() bool

	mu    sync.RWMutex
	nodes map[string]model.LanNode

	done chan struct{}
	wg   sync.WaitGroup
}

// New binds UDP port 48000 on ip with broadcast enabled. discoverable is
// polled on every broadcast tick to decide whether to announce.
func New(ip net.IP, hostname string, tcpPort int, discoverable func() bool) (*Discover, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: ip, Port: Port})
	if err != nil {
		return nil, err
	}

	d := &Discover{
		conn:         conn,
		hostname:     hostname,
		os:           runtime.GOOS,
		osVersion:    "",
		tcpPort:      tcpPort,
		discoverable: discoverable,
		nodes:        make(map[string]model.LanNode),
		done:         make(chan struct{}),
	}
	log.Info("lan discover listening", "addr", conn.LocalAddr())
	return d, nil
}

// Run starts the broadcast and receive loops, blocking until Close is
// called.
func (d *Discover) Run() {
	d.wg.Add(2)
	go d.recvLoop()
	go d.broadcastLoop()
	d.wg.Wait()
}

// Close stops Run, broadcasting TargetDead first.
func (d *Discover) Close() error {
	select {
	case <-d.done:
		return nil
	default:
		close(d.done)
	}

	dead := broadcastPacket{Kind: packetTargetDead, Hostname: d.hostname}
	if data, err := msgpack.Marshal(dead); err == nil {
		d.conn.WriteToUDP(data, &net.UDPAddr{IP: net.IPv4bcast, Port: Port})
	}

	err := d.conn.Close()
	d.wg.Wait()
	return err
}

// Nodes returns a snapshot of the current node directory, keyed by
// hostname, with entries older than NodeTTL already excluded.
func (d *Discover) Nodes() []model.LanNode {
	d.mu.RLock()
	defer d.mu.RUnlock()

	now := time.Now()
	out := make([]model.LanNode, 0, len(d.nodes))
	for _, n := range d.nodes {
		if !n.Expired(NodeTTL, now) {
			out = append(out, n)
		}
	}
	return out
}

func (d *Discover) broadcastLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(BroadcastInterval)
	defer ticker.Stop()

	live := broadcastPacket{
		Kind:      packetTargetLive,
		Hostname:  d.hostname,
		OS:        d.os,
		OSVersion: d.osVersion,
		TCPPort:   d.tcpPort,
		UDPPort:   Port,
	}
	data, err := msgpack.Marshal(live)
	if err != nil {
		log.Error("failed to marshal TargetLive packet", "error", err)
		return
	}

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
		}

		if d.discoverable != nil && !d.discoverable() {
			continue
		}

		if _, err := d.conn.WriteToUDP(data, &net.UDPAddr{IP: net.IPv4bcast, Port: Port}); err != nil {
			log.Warn("lan discover broadcast failed", "error", err)
		}
	}
}

func (d *Discover) recvLoop() {
	defer d.wg.Done()
	buf := make([]byte, 512)

	for {
		select {
		case <-d.done:
			return
		default:
		}

		n, addr, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-d.done:
				return
			default:
				log.Warn("lan discover broadcast packet recv failed", "error", err)
				continue
			}
		}

		var pkt broadcastPacket
		if err := msgpack.Unmarshal(buf[:n], &pkt); err != nil {
			log.Warn("deserialize lan discover broadcast packet failed", "error", err, "from", addr)
			continue
		}

		d.handle(addr, pkt)
	}
}

func (d *Discover) handle(addr *net.UDPAddr, pkt broadcastPacket) {
	switch pkt.Kind {
	case packetTargetLive:
		d.mu.Lock()
		d.nodes[pkt.Hostname] = model.LanNode{
			Hostname:  pkt.Hostname,
			Address:   addr.IP.String(),
			OS:        pkt.OS,
			OSVersion: pkt.OSVersion,
			TCPPort:   pkt.TCPPort,
			UDPPort:   pkt.UDPPort,
			LastSeen:  time.Now(),
		}
		d.mu.Unlock()
	case packetTargetDead:
		d.mu.Lock()
		delete(d.nodes, pkt.Hostname)
		d.mu.Unlock()
	}
}
