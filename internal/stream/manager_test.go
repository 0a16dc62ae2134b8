package stream

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skypro1111/beamform-aggregator/internal/audio"
	"github.com/skypro1111/beamform-aggregator/internal/metrics"
	"github.com/skypro1111/beamform-aggregator/internal/protocol"
)

const testFrameSamples = 160

func newTestManager(t *testing.T, config ManagerConfig) *Manager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if config.QueueCapacity == 0 {
		config.QueueCapacity = 8
	}
	if config.SampleRate == 0 {
		config.SampleRate = 16000
	}
	if config.FrameSamples == 0 {
		config.FrameSamples = testFrameSamples
	}
	if config.Timeout == 0 {
		config.Timeout = time.Minute
	}
	mgr := NewManager(logger, config, metrics.NewMetrics(prometheus.NewRegistry()))
	t.Cleanup(mgr.Stop)
	return mgr
}

func testFrame(nodeID uint32, timestamp int64) *audio.Frame {
	return &audio.Frame{
		NodeID:     nodeID,
		Timestamp:  timestamp,
		SampleRate: 16000,
		Samples:    make([]int16, testFrameSamples),
	}
}

func TestHandleFrameCreatesStream(t *testing.T) {
	mgr := newTestManager(t, ManagerConfig{})

	if err := mgr.HandleFrame(testFrame(3, 100)); err != nil {
		t.Fatalf("Expected no error but got: %v", err)
	}

	s, exists := mgr.GetStream(3)
	if !exists {
		t.Fatal("Expected stream for node 3")
	}
	if s.State() != StateUnseen {
		t.Errorf("Expected new stream to be unseen until joined, got %s", s.State())
	}
	if s.Queue().Len() != 1 {
		t.Errorf("Expected 1 pending frame, got %d", s.Queue().Len())
	}

	select {
	case <-mgr.Notify():
	default:
		t.Errorf("Expected a notification after enqueueing a frame")
	}
}

func TestHandleFrameRejectsMismatchedFormat(t *testing.T) {
	mgr := newTestManager(t, ManagerConfig{
		Accept: func(id uint32) bool { return id < 3 },
	})

	tests := []struct {
		name  string
		frame *audio.Frame
	}{
		{
			name:  "unknown node",
			frame: testFrame(9, 0),
		},
		{
			name: "wrong sample rate",
			frame: &audio.Frame{NodeID: 1, Timestamp: 0, SampleRate: 8000,
				Samples: make([]int16, testFrameSamples)},
		},
		{
			name: "wrong sample count",
			frame: &audio.Frame{NodeID: 1, Timestamp: 0, SampleRate: 16000,
				Samples: make([]int16, testFrameSamples-1)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mgr.HandleFrame(tt.frame)
			if !errors.Is(err, protocol.ErrMalformedFrame) {
				t.Errorf("Expected ErrMalformedFrame, got %v", err)
			}
		})
	}

	if mgr.StreamCount() != 0 {
		t.Errorf("Expected rejected frames to create no streams, got %d", mgr.StreamCount())
	}
}

func TestHandleFrameOverflowMarksStream(t *testing.T) {
	mgr := newTestManager(t, ManagerConfig{QueueCapacity: 2})

	for i := int64(0); i < 2; i++ {
		if err := mgr.HandleFrame(testFrame(1, i*10)); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	}

	err := mgr.HandleFrame(testFrame(1, 20))
	if !errors.Is(err, audio.ErrQueueOverflow) {
		t.Fatalf("Expected ErrQueueOverflow, got %v", err)
	}

	s, _ := mgr.GetStream(1)
	if s.Queue().Len() != 2 {
		t.Errorf("Expected queue to hold its capacity of 2, got %d", s.Queue().Len())
	}
	_, overflowed := s.TakeFlags()
	if !overflowed {
		t.Errorf("Expected overflow flag to be set")
	}
	_, overflowed = s.TakeFlags()
	if overflowed {
		t.Errorf("Expected overflow flag to be cleared after TakeFlags")
	}
}

func TestHandleFrameDuplicate(t *testing.T) {
	mgr := newTestManager(t, ManagerConfig{})

	if err := mgr.HandleFrame(testFrame(1, 40)); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := mgr.HandleFrame(testFrame(1, 40)); !errors.Is(err, audio.ErrDuplicateFrame) {
		t.Errorf("Expected ErrDuplicateFrame, got %v", err)
	}
}

func TestDisconnectReleasesQueue(t *testing.T) {
	mgr := newTestManager(t, ManagerConfig{})

	for i := int64(0); i < 3; i++ {
		mgr.HandleFrame(testFrame(2, i*10))
	}
	s, _ := mgr.GetStream(2)
	s.Join(0)

	if !mgr.Disconnect(2, "connection closed") {
		t.Fatal("Expected disconnect to change state")
	}
	if s.State() != StateDisconnected {
		t.Errorf("Expected disconnected, got %s", s.State())
	}
	if s.Queue().Len() != 0 {
		t.Errorf("Expected queue to be released, got %d frames", s.Queue().Len())
	}
	if mgr.Disconnect(2, "connection closed") {
		t.Errorf("Expected second disconnect to be a no-op")
	}
	if mgr.Disconnect(42, "connection closed") {
		t.Errorf("Expected disconnect of unknown node to report false")
	}
}

func TestCleanupEvictsDisconnectedStreams(t *testing.T) {
	mgr := newTestManager(t, ManagerConfig{Timeout: time.Second})

	mgr.HandleFrame(testFrame(1, 0))
	mgr.HandleFrame(testFrame(2, 0))
	mgr.Disconnect(1, "connection closed")

	if removed := mgr.cleanupExpiredStreams(time.Now()); removed != 0 {
		t.Errorf("Expected nothing evicted before the timeout, got %d", removed)
	}

	if removed := mgr.cleanupExpiredStreams(time.Now().Add(2 * time.Second)); removed != 1 {
		t.Errorf("Expected 1 stream evicted, got %d", removed)
	}

	if _, exists := mgr.GetStream(1); exists {
		t.Errorf("Expected node 1 to be evicted")
	}
	if _, exists := mgr.GetStream(2); !exists {
		t.Errorf("Expected node 2 to remain registered")
	}
}

func TestStreamsOrderedByNodeID(t *testing.T) {
	mgr := newTestManager(t, ManagerConfig{})

	for _, id := range []uint32{5, 1, 3} {
		mgr.HandleFrame(testFrame(id, 0))
	}

	streams := mgr.Streams()
	if len(streams) != 3 {
		t.Fatalf("Expected 3 streams, got %d", len(streams))
	}
	for i, expected := range []uint32{1, 3, 5} {
		if streams[i].NodeID != expected {
			t.Errorf("Expected stream %d to be node %d, got %d", i, expected, streams[i].NodeID)
		}
	}

	infos := mgr.Nodes()
	if len(infos) != 3 || infos[0].State != "unseen" {
		t.Errorf("Expected 3 unseen node snapshots, got %+v", infos)
	}
}

func TestConcurrentHandleFrame(t *testing.T) {
	mgr := newTestManager(t, ManagerConfig{QueueCapacity: 1000})

	var wg sync.WaitGroup
	for node := uint32(0); node < 4; node++ {
		wg.Add(1)
		go func(node uint32) {
			defer wg.Done()
			for i := int64(0); i < 100; i++ {
				mgr.HandleFrame(testFrame(node, i*10))
			}
		}(node)
	}
	wg.Wait()

	if mgr.StreamCount() != 4 {
		t.Fatalf("Expected 4 streams, got %d", mgr.StreamCount())
	}
	for _, s := range mgr.Streams() {
		if s.Queue().Len() != 100 {
			t.Errorf("Expected 100 frames for node %d, got %d", s.NodeID, s.Queue().Len())
		}
	}
}

func TestFrameAfterEvictionCreatesFreshStream(t *testing.T) {
	mgr := newTestManager(t, ManagerConfig{Timeout: time.Second})

	mgr.HandleFrame(testFrame(1, 0))
	stale, _ := mgr.GetStream(1)
	mgr.Disconnect(1, "connection closed")

	if removed := mgr.cleanupExpiredStreams(time.Now().Add(2 * time.Second)); removed != 1 {
		t.Fatalf("Expected 1 stream evicted, got %d", removed)
	}

	// A transport still holding the evicted stream must not enqueue into it
	if ok, _ := stale.enqueue(testFrame(1, 20)); ok {
		t.Errorf("Expected enqueue on an evicted stream to be refused")
	}
	if pending := stale.Queue().Len(); pending != 0 {
		t.Errorf("Expected evicted queue to stay empty, got %d", pending)
	}

	if err := mgr.HandleFrame(testFrame(1, 20)); err != nil {
		t.Fatalf("Expected frame to be accepted, got %v", err)
	}

	fresh, exists := mgr.GetStream(1)
	if !exists || fresh == stale {
		t.Fatalf("Expected a new stream for node 1")
	}
	if pending := fresh.Queue().Len(); pending != 1 {
		t.Errorf("Expected 1 pending frame on the new stream, got %d", pending)
	}
}
