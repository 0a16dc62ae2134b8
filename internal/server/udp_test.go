package server

import (
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skypro1111/beamform-aggregator/internal/audio"
	"github.com/skypro1111/beamform-aggregator/internal/config"
	"github.com/skypro1111/beamform-aggregator/internal/metrics"
	"github.com/skypro1111/beamform-aggregator/internal/protocol"
	"github.com/skypro1111/beamform-aggregator/internal/stream"
)

const testFrameSamples = 160

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testServerConfig() *config.ServerConfig {
	return &config.ServerConfig{
		Transport:   config.TransportBoth,
		BindAddress: "127.0.0.1",
		UDPPort:     0,
		TCPPort:     0,
		BufferSize:  65536,
		Workers:     2,
	}
}

func knownNodes(ids ...uint32) protocol.NodeFilter {
	return func(id uint32) bool {
		for _, known := range ids {
			if id == known {
				return true
			}
		}
		return false
	}
}

func newTestManager(t *testing.T, m *metrics.Metrics) *stream.Manager {
	t.Helper()
	mgr := stream.NewManager(testLogger(), stream.ManagerConfig{
		QueueCapacity: 16,
		SampleRate:    16000,
		FrameSamples:  testFrameSamples,
		Timeout:       time.Minute,
	}, m)
	t.Cleanup(mgr.Stop)
	return mgr
}

func encodeTestFrame(t *testing.T, nodeID uint32, timestamp int64) []byte {
	t.Helper()
	data, err := protocol.EncodeFrame(&audio.Frame{
		NodeID:     nodeID,
		Timestamp:  timestamp,
		SampleRate: 16000,
		Samples:    make([]int16, testFrameSamples),
	})
	if err != nil {
		t.Fatalf("Failed to encode frame: %v", err)
	}
	return data
}

// waitFor polls cond until it holds or the deadline passes
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestUDPServerIngestsFrames(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	mgr := newTestManager(t, m)

	srv := NewUDPServer(testServerConfig(), testLogger(), mgr, knownNodes(1, 2), m)
	if err := srv.Start(); err != nil {
		t.Fatalf("Failed to start UDP server: %v", err)
	}
	defer srv.Stop()

	conn, err := net.Dial("udp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Failed to dial UDP server: %v", err)
	}
	defer conn.Close()

	datagrams := [][]byte{
		encodeTestFrame(t, 1, 100),
		encodeTestFrame(t, 2, 100),
		encodeTestFrame(t, 1, 110),
		encodeTestFrame(t, 9, 100), // unknown node
		{0x03, 0x00},               // truncated header
	}
	for _, d := range datagrams {
		if _, err := conn.Write(d); err != nil {
			t.Fatalf("Failed to send datagram: %v", err)
		}
	}

	waitFor(t, "all datagrams to be processed", func() bool {
		stats := srv.GetStatistics()
		return stats.FramesAccepted+stats.MalformedFrames == uint64(len(datagrams))
	})

	stats := srv.GetStatistics()
	if stats.FramesAccepted != 3 {
		t.Errorf("Expected 3 accepted frames, got %d", stats.FramesAccepted)
	}
	if stats.MalformedFrames != 2 {
		t.Errorf("Expected 2 malformed frames, got %d", stats.MalformedFrames)
	}

	s, exists := mgr.GetStream(1)
	if !exists {
		t.Fatal("Expected stream for node 1")
	}
	if pending := s.Queue().Len(); pending != 2 {
		t.Errorf("Expected 2 pending frames for node 1, got %d", pending)
	}
	if _, exists := mgr.GetStream(9); exists {
		t.Error("Expected no stream for unknown node 9")
	}
}

func TestUDPServerStopIsIdempotent(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	srv := NewUDPServer(testServerConfig(), testLogger(), newTestManager(t, m), nil, m)
	if err := srv.Start(); err != nil {
		t.Fatalf("Failed to start UDP server: %v", err)
	}

	done := make(chan struct{})
	go func() {
		srv.Stop()
		srv.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Expected Stop to return")
	}
}

func TestUDPServerBindFailure(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())

	taken, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("Failed to reserve UDP port: %v", err)
	}
	defer taken.Close()

	cfg := testServerConfig()
	cfg.UDPPort = taken.LocalAddr().(*net.UDPAddr).Port

	srv := NewUDPServer(cfg, testLogger(), newTestManager(t, m), nil, m)
	if err := srv.Start(); err == nil {
		srv.Stop()
		t.Fatal("Expected error when the port is already bound")
	}
}
