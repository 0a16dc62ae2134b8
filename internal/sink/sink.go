package sink

import (
	"errors"
	"sync"

	"github.com/skypro1111/beamform-aggregator/internal/beamform"
)

// Sink receives beamformed frames in tick order.
// Deliver is called from a single goroutine.
type Sink interface {
	Deliver(frame beamform.Frame)
	Close() error
}

// Multi fans every frame out to several sinks
type Multi []Sink

// Deliver passes the frame to every sink in order
func (m Multi) Deliver(frame beamform.Frame) {
	for _, s := range m {
		s.Deliver(frame)
	}
}

// Close closes every sink and returns their joined errors
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ChannelSink exposes frames on a Go channel for in-process consumers.
// Deliver blocks while the channel is full.
type ChannelSink struct {
	frames chan beamform.Frame
	mu     sync.Mutex
	closed bool
}

// NewChannelSink creates a channel sink with the given buffer size
func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{frames: make(chan beamform.Frame, buffer)}
}

// Frames returns the receive side; it is closed when the sink closes
func (s *ChannelSink) Frames() <-chan beamform.Frame {
	return s.frames
}

// Deliver sends the frame, dropping it if the sink is closed
func (s *ChannelSink) Deliver(frame beamform.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.frames <- frame
}

// Close closes the frames channel
func (s *ChannelSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	return nil
}
