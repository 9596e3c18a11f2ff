package udpreceiver

import (
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"
)

func buildRTPPacket(t *testing.T, pt uint8, payload []byte) []byte {
	t.Helper()
	b := make([]byte, 12+len(payload))
	b[0] = 2 << 6
	b[1] = pt
	binary.BigEndian.PutUint16(b[2:4], 1)
	binary.BigEndian.PutUint32(b[4:8], 1)
	binary.BigEndian.PutUint32(b[8:12], 1)
	copy(b[12:], payload)
	return b
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port
}

func TestReceiverAcceptsValidPacket(t *testing.T) {
	port := freeUDPPort(t)

	var mu sync.Mutex
	var received [][]int16
	var firstCalled int

	r, err := New(port, func(pcm []int16) {
		mu.Lock()
		received = append(received, pcm)
		mu.Unlock()
	}, func() {
		mu.Lock()
		firstCalled++
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.Start()
	defer r.Stop()

	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer conn.Close()

	pkt := buildRTPPacket(t, 0, make([]byte, 160))
	if _, err := conn.Write(pkt); err != nil {
		t.Fatalf("Write: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(received)
		mu.Unlock()
		if n >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for packet to be processed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received[0]) != 320 {
		t.Errorf("got %d resampled 16kHz samples, want 320", len(received[0]))
	}
	if firstCalled != 1 {
		t.Errorf("firstCalled = %d, want 1", firstCalled)
	}

	stats := r.Stats()
	if stats.PacketsAccepted != 1 {
		t.Errorf("PacketsAccepted = %d, want 1", stats.PacketsAccepted)
	}
}

func TestReceiverDropsParseErrors(t *testing.T) {
	port := freeUDPPort(t)
	r, err := New(port, func(pcm []int16) {}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.Start()
	defer r.Stop()

	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer conn.Close()

	// Too short to be a valid RTP header.
	if _, err := conn.Write([]byte{1, 2, 3}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.Stats().ParseErrors >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if r.Stats().ParseErrors < 1 {
		t.Error("expected at least 1 parse error")
	}
}

func TestReceiverWhitelistDropsUnknownSource(t *testing.T) {
	port := freeUDPPort(t)
	r, err := New(port, func(pcm []int16) {}, nil, WithWhitelist([]string{"10.0.0.1"}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.Start()
	defer r.Stop()

	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer conn.Close()

	pkt := buildRTPPacket(t, 0, make([]byte, 160))
	if _, err := conn.Write(pkt); err != nil {
		t.Fatalf("Write: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.Stats().WhitelistDropped >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if r.Stats().WhitelistDropped < 1 {
		t.Error("expected whitelist drop for non-whitelisted source")
	}
	if r.Stats().PacketsAccepted != 0 {
		t.Errorf("PacketsAccepted = %d, want 0", r.Stats().PacketsAccepted)
	}
}
