package audio

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrQueueOverflow reports that the oldest pending frame was dropped to make room
	ErrQueueOverflow = errors.New("queue overflow")

	// ErrDuplicateFrame reports a frame at or before an already consumed or pending timestamp
	ErrDuplicateFrame = errors.New("duplicate or out-of-order frame")
)

// NodeQueue is a bounded, timestamp-ordered buffer of pending frames for one node.
// Push never blocks: when the queue is full the oldest frame is dropped.
// One producer and one consumer may use it concurrently.
type NodeQueue struct {
	nodeID   uint32
	capacity int

	frames     []*Frame // ascending by Timestamp
	lastPopped int64
	hasPopped  bool

	totalFrames uint64
	duplicates  uint64
	overflows   uint64
	lastUpdate  time.Time

	mu sync.Mutex
}

// QueueStats represents queue statistics for monitoring
type QueueStats struct {
	NodeID      uint32 `json:"node_id"`
	Capacity    int    `json:"capacity"`
	Pending     int    `json:"pending"`
	TotalFrames uint64 `json:"total_frames"`
	Duplicates  uint64 `json:"duplicates"`
	Overflows   uint64 `json:"overflows"`
	LastPopped  int64  `json:"last_popped_timestamp"`
}

// NewNodeQueue creates a queue holding at most capacity frames
func NewNodeQueue(nodeID uint32, capacity int) *NodeQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &NodeQueue{
		nodeID:   nodeID,
		capacity: capacity,
		frames:   make([]*Frame, 0, capacity+1),
	}
}

// Push inserts a frame in timestamp order.
// A frame at or before the last popped timestamp, or equal to a pending one,
// is discarded with ErrDuplicateFrame. When the queue exceeds capacity the
// oldest frame is dropped and ErrQueueOverflow is returned; the pushed frame
// is kept in that case.
func (q *NodeQueue) Push(frame *Frame) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.lastUpdate = time.Now()

	if q.hasPopped && frame.Timestamp <= q.lastPopped {
		q.duplicates++
		return fmt.Errorf("%w: node=%d timestamp=%d last_popped=%d",
			ErrDuplicateFrame, q.nodeID, frame.Timestamp, q.lastPopped)
	}

	idx := sort.Search(len(q.frames), func(i int) bool {
		return q.frames[i].Timestamp >= frame.Timestamp
	})
	if idx < len(q.frames) && q.frames[idx].Timestamp == frame.Timestamp {
		q.duplicates++
		return fmt.Errorf("%w: node=%d timestamp=%d already pending",
			ErrDuplicateFrame, q.nodeID, frame.Timestamp)
	}

	q.frames = append(q.frames, nil)
	copy(q.frames[idx+1:], q.frames[idx:])
	q.frames[idx] = frame
	q.totalFrames++

	if len(q.frames) > q.capacity {
		dropped := q.frames[0]
		q.frames[0] = nil
		q.frames = q.frames[1:]
		q.overflows++
		return fmt.Errorf("%w: node=%d dropped timestamp=%d",
			ErrQueueOverflow, q.nodeID, dropped.Timestamp)
	}

	return nil
}

// PopReady removes and returns, oldest first, every frame with timestamp <= upTo
func (q *NodeQueue) PopReady(upTo int64) []*Frame {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := sort.Search(len(q.frames), func(i int) bool {
		return q.frames[i].Timestamp > upTo
	})
	if idx == 0 {
		return nil
	}

	ready := make([]*Frame, idx)
	copy(ready, q.frames[:idx])

	remaining := make([]*Frame, len(q.frames)-idx, q.capacity+1)
	copy(remaining, q.frames[idx:])
	q.frames = remaining

	q.lastPopped = ready[len(ready)-1].Timestamp
	q.hasPopped = true

	return ready
}

// Oldest returns the oldest pending frame without removing it
func (q *NodeQueue) Oldest() (*Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.frames) == 0 {
		return nil, false
	}
	return q.frames[0], true
}

// Len returns the number of pending frames
func (q *NodeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Capacity returns the maximum number of pending frames
func (q *NodeQueue) Capacity() int {
	return q.capacity
}

// Reset releases all pending frames and forgets the last popped timestamp,
// so a restarted node clock is accepted again
func (q *NodeQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.frames = make([]*Frame, 0, q.capacity+1)
	q.lastPopped = 0
	q.hasPopped = false
}

// LastUpdate returns the time of the last Push
func (q *NodeQueue) LastUpdate() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastUpdate
}

// Stats returns current queue statistics
func (q *NodeQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return QueueStats{
		NodeID:      q.nodeID,
		Capacity:    q.capacity,
		Pending:     len(q.frames),
		TotalFrames: q.totalFrames,
		Duplicates:  q.duplicates,
		Overflows:   q.overflows,
		LastPopped:  q.lastPopped,
	}
}
