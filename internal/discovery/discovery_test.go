package discovery

import (
	"net"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

func newTestDiscover(t *testing.T) *Discover {
	t.Helper()
	d, err := New(net.IPv4zero, "test-host", 7890, func() bool { return true })
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestTargetLiveAddsNode(t *testing.T) {
	d := newTestDiscover(t)

	d.handle(&net.UDPAddr{IP: net.IPv4(192, 168, 1, 50)}, broadcastPacket{
		Kind:     packetTargetLive,
		Hostname: "peer-a",
		OS:       "Linux",
		TCPPort:  7891,
	})

	nodes := d.Nodes()
	if len(nodes) != 1 {
		t.Fatalf("got %d nodes, want 1", len(nodes))
	}
	if nodes[0].Hostname != "peer-a" || nodes[0].Address != "192.168.1.50" {
		t.Fatalf("got %+v, want hostname=peer-a address=192.168.1.50", nodes[0])
	}
}

func TestTargetDeadRemovesNode(t *testing.T) {
	d := newTestDiscover(t)

	d.handle(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}, broadcastPacket{
		Kind:     packetTargetLive,
		Hostname: "peer-b",
	})
	if len(d.Nodes()) != 1 {
		t.Fatal("expected node after TargetLive")
	}

	d.handle(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}, broadcastPacket{
		Kind:     packetTargetDead,
		Hostname: "peer-b",
	})
	if len(d.Nodes()) != 0 {
		t.Fatal("expected node removed after TargetDead")
	}
}

func TestNodesExcludesExpiredEntries(t *testing.T) {
	d := newTestDiscover(t)

	d.mu.Lock()
	d.nodes["stale-peer"] = d.nodes["stale-peer"]
	d.mu.Unlock()

	d.handle(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}, broadcastPacket{
		Kind:     packetTargetLive,
		Hostname: "stale-peer",
	})

	d.mu.Lock()
	n := d.nodes["stale-peer"]
	n.LastSeen = time.Now().Add(-NodeTTL - time.Second)
	d.nodes["stale-peer"] = n
	d.mu.Unlock()

	nodes := d.Nodes()
	for _, node := range nodes {
		if node.Hostname == "stale-peer" {
			t.Fatal("expected stale-peer to be excluded as expired")
		}
	}
}

func TestBroadcastPacketRoundtrip(t *testing.T) {
	pkt := broadcastPacket{
		Kind:      packetTargetLive,
		Hostname:  "roundtrip-host",
		OS:        "Linux",
		OSVersion: "6.1",
		TCPPort:   7891,
		UDPPort:   Port,
	}
	data, err := msgpack.Marshal(pkt)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got broadcastPacket
	if err := msgpack.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got != pkt {
		t.Fatalf("got %+v, want %+v", got, pkt)
	}
}

func TestRecvLoopDeliversOverLoopback(t *testing.T) {
	d := newTestDiscover(t)
	go d.Run()

	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: Port})
	if err != nil {
		t.Skipf("cannot dial loopback UDP in this sandbox: %v", err)
	}
	defer conn.Close()

	pkt := broadcastPacket{Kind: packetTargetLive, Hostname: "loopback-peer"}
	data, err := msgpack.Marshal(pkt)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := conn.Write(data); err != nil {
		t.Skipf("cannot write to loopback UDP in this sandbox: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		for _, n := range d.Nodes() {
			if n.Hostname == "loopback-peer" {
				return
			}
		}
		select {
		case <-deadline:
			t.Fatal("loopback-peer never appeared in node table")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
