package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/skypro1111/beamform-aggregator/internal/audio"
	"github.com/skypro1111/beamform-aggregator/internal/metrics"
	"github.com/skypro1111/beamform-aggregator/internal/protocol"
)

// ManagerConfig contains configuration for the stream manager
type ManagerConfig struct {
	QueueCapacity   int
	SampleRate      int
	FrameSamples    int
	Timeout         time.Duration // how long a disconnected node is remembered
	CleanupInterval time.Duration
	Accept          protocol.NodeFilter // nil accepts every node id
}

// Manager manages all node streams
type Manager struct {
	streams map[uint32]*NodeStream
	mu      sync.RWMutex
	logger  *slog.Logger
	metrics *metrics.Metrics
	config  ManagerConfig

	// notify wakes the coordinator when frames arrive
	notify chan struct{}

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewManager creates a stream manager and starts its cleanup routine
func NewManager(logger *slog.Logger, config ManagerConfig, m *metrics.Metrics) *Manager {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	mgr := &Manager{
		streams: make(map[uint32]*NodeStream),
		logger:  logger,
		metrics: m,
		config:  config,
		notify:  make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		cleanup: make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr
}

// HandleFrame validates a decoded frame against the stream format and
// enqueues it on its node's queue. Overflow and duplicate errors are
// returned for accounting; the frame was still accepted on overflow.
func (m *Manager) HandleFrame(frame *audio.Frame) error {
	if m.config.Accept != nil && !m.config.Accept(frame.NodeID) {
		return fmt.Errorf("%w: unknown node %d", protocol.ErrMalformedFrame, frame.NodeID)
	}

	if m.config.SampleRate > 0 && int(frame.SampleRate) != m.config.SampleRate {
		return fmt.Errorf("%w: node %d sample rate %d, expected %d",
			protocol.ErrMalformedFrame, frame.NodeID, frame.SampleRate, m.config.SampleRate)
	}

	if m.config.FrameSamples > 0 && len(frame.Samples) != m.config.FrameSamples {
		return fmt.Errorf("%w: node %d sent %d samples, expected %d",
			protocol.ErrMalformedFrame, frame.NodeID, len(frame.Samples), m.config.FrameSamples)
	}

	// An evicted stream is already out of the map, so the retry creates a
	// fresh one
	var s *NodeStream
	var err error
	for {
		s = m.getOrCreate(frame.NodeID)
		var ok bool
		if ok, err = s.enqueue(frame); ok {
			break
		}
	}

	switch {
	case err == nil:
		m.metrics.RecordFrameAccepted()
	case errors.Is(err, audio.ErrQueueOverflow):
		m.metrics.RecordFrameAccepted()
		m.metrics.RecordQueueOverflow(frame.NodeID)
		m.logger.Warn("Node queue overflow, dropped oldest frame",
			slog.Uint64("node_id", uint64(frame.NodeID)),
			slog.Int("capacity", s.queue.Capacity()),
		)
	case errors.Is(err, audio.ErrDuplicateFrame):
		m.metrics.RecordDuplicateFrame(frame.NodeID)
		m.logger.Debug("Discarded duplicate frame",
			slog.Uint64("node_id", uint64(frame.NodeID)),
			slog.Int64("timestamp", frame.Timestamp),
		)
		return err
	default:
		return err
	}

	select {
	case m.notify <- struct{}{}:
	default:
	}

	return err
}

func (m *Manager) getOrCreate(nodeID uint32) *NodeStream {
	m.mu.RLock()
	s, exists := m.streams[nodeID]
	m.mu.RUnlock()
	if exists {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, exists = m.streams[nodeID]; exists {
		return s
	}

	s = newNodeStream(nodeID, m.config.QueueCapacity, m.transition)
	m.streams[nodeID] = s
	m.metrics.RecordStreamCreated()

	m.logger.Info("Created node stream",
		slog.Uint64("node_id", uint64(nodeID)),
		slog.Int("queue_capacity", s.queue.Capacity()),
	)

	return s
}

func (m *Manager) transition(s *NodeStream, from, to State, reason string) {
	m.metrics.RecordNodeState(s.NodeID, int(to), to.String())

	level := slog.LevelInfo
	if to == StateStalled || to == StateDisconnected {
		level = slog.LevelWarn
	}
	m.logger.Log(context.Background(), level, "Node state changed",
		slog.Uint64("node_id", uint64(s.NodeID)),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.String("reason", reason),
	)
}

// Disconnect marks a node disconnected and releases its buffered frames.
// Transports call it when a node's connection closes.
func (m *Manager) Disconnect(nodeID uint32, reason string) bool {
	m.mu.RLock()
	s, exists := m.streams[nodeID]
	m.mu.RUnlock()

	if !exists {
		return false
	}
	return s.disconnect(reason)
}

// GetStream retrieves a node stream
func (m *Manager) GetStream(nodeID uint32) (*NodeStream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, exists := m.streams[nodeID]
	return s, exists
}

// Streams returns all node streams ordered by node id
func (m *Manager) Streams() []*NodeStream {
	m.mu.RLock()
	streams := make([]*NodeStream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.mu.RUnlock()

	sort.Slice(streams, func(i, j int) bool {
		return streams[i].NodeID < streams[j].NodeID
	})
	return streams
}

// Nodes returns a snapshot of every node for monitoring
func (m *Manager) Nodes() []NodeInfo {
	streams := m.Streams()
	infos := make([]NodeInfo, 0, len(streams))
	for _, s := range streams {
		infos = append(infos, s.Info())
	}
	return infos
}

// ActiveCount returns the number of nodes currently contributing to windows
func (m *Manager) ActiveCount() int {
	count := 0
	for _, s := range m.Streams() {
		if s.State().Required() {
			count++
		}
	}
	return count
}

// StreamCount returns the number of registered node streams
func (m *Manager) StreamCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.streams)
}

// Notify returns a channel signalled whenever a frame is enqueued
func (m *Manager) Notify() <-chan struct{} {
	return m.notify
}

// Stop stops the cleanup routine
func (m *Manager) Stop() {
	m.logger.Info("Stopping stream manager...")

	m.cancel()
	<-m.cleanup

	m.logger.Info("Stream manager stopped",
		slog.Int("remaining_streams", m.StreamCount()),
	)
}

// startCleanupRoutine runs in a separate goroutine to evict expired streams
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	m.logger.Info("Stream cleanup routine started",
		slog.Duration("timeout", m.config.Timeout),
		slog.Duration("check_interval", m.config.CleanupInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Stream cleanup routine stopping")
			return

		case now := <-ticker.C:
			m.cleanupExpiredStreams(now)
		}
	}
}

// cleanupExpiredStreams removes streams that stayed disconnected past the timeout
func (m *Manager) cleanupExpiredStreams(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for nodeID, s := range m.streams {
		if !s.evict(now, m.config.Timeout) {
			continue
		}
		delete(m.streams, nodeID)
		m.metrics.RecordStreamDestroyed(nodeID)
		removed++

		m.logger.Info("Evicted disconnected node stream",
			slog.Uint64("node_id", uint64(nodeID)),
			slog.Duration("lifetime", now.Sub(s.Created)),
		)
	}

	return removed
}
