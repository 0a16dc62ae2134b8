package audio

import (
	"fmt"
	"math"
	"time"
)

// Frame is one block of PCM-16 samples captured by a microphone node.
// Frames are immutable once constructed; consumers must not modify Samples.
type Frame struct {
	NodeID     uint32  // Capturing node
	Timestamp  int64   // Source monotonic clock, milliseconds
	SampleRate uint32  // Samples per second
	Samples    []int16 // Mono PCM samples
}

// Duration returns the playback duration of the frame
func (f *Frame) Duration() time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// String returns a human-readable representation of the frame
func (f *Frame) String() string {
	return fmt.Sprintf("Frame{Node:%d, Timestamp:%d, SampleRate:%d, Samples:%d}",
		f.NodeID, f.Timestamp, f.SampleRate, len(f.Samples))
}

// Silence returns a zero-filled sample slice of the given length
func Silence(n int) []int16 {
	return make([]int16, n)
}

// Energy returns the mean squared amplitude of the samples
func Energy(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}

	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return sum / float64(len(samples))
}

// RMS returns the root mean square amplitude of the samples
func RMS(samples []int16) float64 {
	return math.Sqrt(Energy(samples))
}

// IsSilent reports whether the RMS level is at or below floor
func IsSilent(samples []int16, floor float64) bool {
	return RMS(samples) <= floor
}
