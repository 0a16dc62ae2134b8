package stream

import (
	"errors"
	"sync"
	"time"

	"github.com/skypro1111/beamform-aggregator/internal/audio"
)

// State is the connection state of a node as seen by the synchronizer
type State int

const (
	StateUnseen State = iota
	StateActive
	StateStalled
	StateDisconnected
)

// String returns the lowercase state name
func (s State) String() string {
	switch s {
	case StateUnseen:
		return "unseen"
	case StateActive:
		return "active"
	case StateStalled:
		return "stalled"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Required reports whether windows must carry a channel for a node in this state
func (s State) Required() bool {
	return s == StateActive || s == StateStalled
}

type transitionFunc func(s *NodeStream, from, to State, reason string)

// NodeStream is the per-node ingest state. Transports push into its queue;
// the synchronizer owns the state machine and the clock offset.
type NodeStream struct {
	NodeID  uint32
	Created time.Time

	queue        *audio.NodeQueue
	onTransition transitionFunc

	mu             sync.Mutex
	state          State
	misses         int
	offset         int64 // logical ms = node timestamp + offset
	resynced       bool
	overflowed     bool
	lastSamples    []int16
	lastTick       uint64
	hasLast        bool
	lastActivity   time.Time
	disconnectedAt time.Time
	evicted        bool

	windows       uint64
	substitutions uint64
	lateFrames    uint64
}

func newNodeStream(nodeID uint32, capacity int, onTransition transitionFunc) *NodeStream {
	now := time.Now()
	return &NodeStream{
		NodeID:       nodeID,
		Created:      now,
		queue:        audio.NewNodeQueue(nodeID, capacity),
		onTransition: onTransition,
		lastActivity: now,
	}
}

// Queue returns the node's ingest queue
func (s *NodeStream) Queue() *audio.NodeQueue {
	return s.queue
}

// State returns the current state
func (s *NodeStream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Offset returns the clock offset in milliseconds
func (s *NodeStream) Offset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// Join admits an unseen or disconnected node that has pending frames.
// The oldest pending frame is mapped onto logicalStart. It reports whether
// the node joined and whether it is rejoining after a disconnect.
func (s *NodeStream) Join(logicalStart int64) (joined, resynced bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateUnseen && s.state != StateDisconnected {
		return false, false
	}

	oldest, ok := s.queue.Oldest()
	if !ok {
		return false, false
	}

	resynced = s.state == StateDisconnected
	s.offset = logicalStart - oldest.Timestamp
	s.misses = 0
	s.resynced = resynced
	s.setState(StateActive, "frames received")

	return true, resynced
}

// Nudge shifts the clock offset by delta milliseconds
func (s *NodeStream) Nudge(delta int64) {
	s.mu.Lock()
	s.offset += delta
	s.mu.Unlock()
}

// Hit records that the node delivered a frame for tick
func (s *NodeStream) Hit(tick uint64, samples []int16) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.misses = 0
	s.lastSamples = samples
	s.lastTick = tick
	s.hasLast = true
	s.windows++

	if s.state == StateStalled {
		s.resynced = true
		s.setState(StateActive, "frames resumed")
	}
}

// Miss records that the node had no frame for a tick and returns the new state.
// Both thresholds are inclusive: the node stalls on its stallThreshold-th
// consecutive miss and disconnects on its disconnectThreshold-th.
func (s *NodeStream) Miss(stallThreshold, disconnectThreshold int) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.misses++
	s.substitutions++

	switch {
	case s.misses >= disconnectThreshold && s.state != StateDisconnected:
		s.disconnectLocked("missed ticks")
	case s.misses >= stallThreshold && s.state == StateActive:
		s.setState(StateStalled, "missed ticks")
	}

	return s.state
}

// LastKnown returns the most recent delivered samples if they are at most
// staleness ticks older than tick
func (s *NodeStream) LastKnown(tick uint64, staleness int) ([]int16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasLast || tick < s.lastTick || tick-s.lastTick > uint64(staleness) {
		return nil, false
	}
	return s.lastSamples, true
}

// LastSamples returns the samples of the node's most recent delivered window
func (s *NodeStream) LastSamples() ([]int16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSamples, s.hasLast
}

// TakeFlags returns and clears the resynced and overflow flags
func (s *NodeStream) TakeFlags() (resynced, overflowed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resynced, overflowed = s.resynced, s.overflowed
	s.resynced = false
	s.overflowed = false
	return resynced, overflowed
}

// RecordLate counts frames dropped for missing their tick
func (s *NodeStream) RecordLate(n int) {
	s.mu.Lock()
	s.lateFrames += uint64(n)
	s.mu.Unlock()
}

// enqueue pushes a frame onto the node queue. It reports false without
// pushing once the stream has been evicted from its manager.
func (s *NodeStream) enqueue(frame *audio.Frame) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.evicted {
		return false, nil
	}
	s.lastActivity = time.Now()

	err := s.queue.Push(frame)
	if errors.Is(err, audio.ErrQueueOverflow) {
		s.overflowed = true
	}
	return true, err
}

func (s *NodeStream) disconnect(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateDisconnected {
		return false
	}
	s.disconnectLocked(reason)
	return true
}

// disconnectLocked releases the node's buffered audio. The stream stays
// registered so it can rejoin until it is evicted.
func (s *NodeStream) disconnectLocked(reason string) {
	s.queue.Reset()
	s.lastSamples = nil
	s.hasLast = false
	s.resynced = false
	s.overflowed = false
	s.disconnectedAt = time.Now()
	s.setState(StateDisconnected, reason)
}

func (s *NodeStream) setState(to State, reason string) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	if s.onTransition != nil {
		s.onTransition(s, from, to, reason)
	}
}

// evict marks the stream evicted if it stayed disconnected past timeout
func (s *NodeStream) evict(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateDisconnected || now.Sub(s.disconnectedAt) <= timeout {
		return false
	}
	s.evicted = true
	return true
}

// Info returns a snapshot of the node for monitoring
func (s *NodeStream) Info() NodeInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	return NodeInfo{
		NodeID:        s.NodeID,
		State:         s.state.String(),
		Misses:        s.misses,
		ClockOffsetMs: s.offset,
		Created:       s.Created,
		LastActivity:  s.lastActivity,
		Windows:       s.windows,
		Substitutions: s.substitutions,
		LateFrames:    s.lateFrames,
		Queue:         s.queue.Stats(),
	}
}

// NodeInfo represents node information for monitoring and APIs
type NodeInfo struct {
	NodeID        uint32           `json:"node_id"`
	State         string           `json:"state"`
	Misses        int              `json:"consecutive_misses"`
	ClockOffsetMs int64            `json:"clock_offset_ms"`
	Created       time.Time        `json:"created"`
	LastActivity  time.Time        `json:"last_activity"`
	Windows       uint64           `json:"windows"`
	Substitutions uint64           `json:"substitutions"`
	LateFrames    uint64           `json:"late_frames"`
	Queue         audio.QueueStats `json:"queue"`
}
