package server

import (
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skypro1111/beamform-aggregator/internal/metrics"
	"github.com/skypro1111/beamform-aggregator/internal/stream"
)

func startTCPServer(t *testing.T, mgr *stream.Manager, m *metrics.Metrics) *TCPServer {
	t.Helper()
	srv := NewTCPServer(testServerConfig(), testLogger(), mgr, knownNodes(1, 2), m)
	if err := srv.Start(); err != nil {
		t.Fatalf("Failed to start TCP server: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func TestTCPServerIngestsFrameStream(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	mgr := newTestManager(t, m)
	srv := startTCPServer(t, mgr, m)

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Failed to dial TCP server: %v", err)
	}
	defer conn.Close()

	// Frames written back to back must be split on their declared length
	var payload []byte
	for i := int64(0); i < 3; i++ {
		payload = append(payload, encodeTestFrame(t, 1, 100+i*10)...)
	}
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("Failed to write frames: %v", err)
	}

	waitFor(t, "frames to be enqueued", func() bool {
		return srv.GetStatistics().FramesAccepted == 3
	})

	s, exists := mgr.GetStream(1)
	if !exists {
		t.Fatal("Expected stream for node 1")
	}
	if pending := s.Queue().Len(); pending != 3 {
		t.Errorf("Expected 3 pending frames, got %d", pending)
	}
	if s.State() != stream.StateUnseen {
		t.Errorf("Expected node to stay unseen until joined, got %s", s.State())
	}
	if conns := srv.GetStatistics().Connections; conns != 1 {
		t.Errorf("Expected 1 open connection, got %d", conns)
	}
}

func TestTCPServerDisconnectsNodeOnClose(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	mgr := newTestManager(t, m)
	srv := startTCPServer(t, mgr, m)

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Failed to dial TCP server: %v", err)
	}

	if _, err := conn.Write(encodeTestFrame(t, 2, 500)); err != nil {
		t.Fatalf("Failed to write frame: %v", err)
	}
	waitFor(t, "frame to be enqueued", func() bool {
		return srv.GetStatistics().FramesAccepted == 1
	})

	conn.Close()

	waitFor(t, "node 2 to be disconnected", func() bool {
		s, exists := mgr.GetStream(2)
		return exists && s.State() == stream.StateDisconnected
	})

	s, _ := mgr.GetStream(2)
	if pending := s.Queue().Len(); pending != 0 {
		t.Errorf("Expected queue to be released on disconnect, got %d pending", pending)
	}

	waitFor(t, "connection to be untracked", func() bool {
		return srv.GetStatistics().Connections == 0
	})
}

func TestTCPServerClosesUnframeableStream(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	mgr := newTestManager(t, m)
	srv := startTCPServer(t, mgr, m)

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Failed to dial TCP server: %v", err)
	}
	defer conn.Close()

	good := encodeTestFrame(t, 1, 100)
	bad := encodeTestFrame(t, 1, 110)
	bad[0] = 0x7f // unknown packet type cannot be framed

	if _, err := conn.Write(append(good, bad...)); err != nil {
		t.Fatalf("Failed to write frames: %v", err)
	}

	waitFor(t, "server to close the connection", func() bool {
		return srv.GetStatistics().MalformedFrames == 1
	})

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Error("Expected connection to be closed by the server")
	}

	waitFor(t, "node 1 to be disconnected", func() bool {
		s, exists := mgr.GetStream(1)
		return exists && s.State() == stream.StateDisconnected
	})
	if accepted := srv.GetStatistics().FramesAccepted; accepted != 1 {
		t.Errorf("Expected 1 accepted frame before the bad header, got %d", accepted)
	}
}

func TestTCPServerStopClosesConnections(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	mgr := newTestManager(t, m)
	srv := NewTCPServer(testServerConfig(), testLogger(), mgr, nil, m)
	if err := srv.Start(); err != nil {
		t.Fatalf("Failed to start TCP server: %v", err)
	}

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Failed to dial TCP server: %v", err)
	}
	defer conn.Close()

	waitFor(t, "connection to be tracked", func() bool {
		return srv.GetStatistics().Connections == 1
	})

	done := make(chan struct{})
	go func() {
		srv.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Expected Stop to return with an open connection")
	}
}
