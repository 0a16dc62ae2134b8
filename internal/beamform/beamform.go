package beamform

import (
	"github.com/skypro1111/beamform-aggregator/internal/audio"
	"github.com/skypro1111/beamform-aggregator/internal/delay"
	"github.com/skypro1111/beamform-aggregator/internal/synchronizer"
)

// Status describes the quality of an output frame
type Status string

const (
	StatusComplete             Status = "complete"
	StatusDegraded             Status = "degraded"
	StatusInsufficientChannels Status = "insufficient_channels"
	StatusSilentChannels       Status = "silent_channels"
)

// Frame is one tick of beamformed output
type Frame struct {
	Tick            uint64           `json:"tick"`
	Timestamp       int64            `json:"timestamp_ms"`
	SampleRate      int              `json:"sample_rate"`
	Samples         []int16          `json:"samples"`
	Status          Status           `json:"status"`
	ReferenceNodeID uint32           `json:"reference_node_id"`
	Channels        int              `json:"channels"`
	PassThrough     bool             `json:"pass_through"`
	Estimates       []delay.Estimate `json:"estimates,omitempty"`
}

// Config controls the beamformer
type Config struct {
	SampleRate   int
	SilenceFloor float64 // RMS at or below which a channel is left out of the sum
}

// Beamformer applies delay-and-sum to aligned windows
type Beamformer struct {
	config Config
}

// New creates a beamformer
func New(config Config) *Beamformer {
	return &Beamformer{config: config}
}

// Process shifts every channel by its estimated offset and averages the
// channels sample by sample. Samples shifted past either edge of the window
// are dropped. With fewer than two usable channels the sole usable channel
// is passed through unchanged. The frame is StatusInsufficientChannels when
// the window itself has fewer than two channels and StatusSilentChannels
// when silence left only one.
func (b *Beamformer) Process(w synchronizer.AlignedWindow, estimates []delay.Estimate) Frame {
	out := Frame{
		Tick:       w.Tick,
		Timestamp:  w.Start,
		SampleRate: b.config.SampleRate,
		Status:     StatusComplete,
		Estimates:  estimates,
	}
	if w.Status == synchronizer.StatusDegraded {
		out.Status = StatusDegraded
	}

	offsets := make(map[uint32]int, len(estimates))
	for _, est := range estimates {
		offsets[est.TargetNodeID] = est.OffsetSamples
		if est.Status == delay.StatusReference {
			out.ReferenceNodeID = est.ReferenceNodeID
		}
	}

	usable := make([]synchronizer.Channel, 0, len(w.Channels))
	for _, ch := range w.Channels {
		if !audio.IsSilent(ch.Samples, b.config.SilenceFloor) {
			usable = append(usable, ch)
		}
	}
	if len(usable) == 0 {
		usable = w.Channels
	}

	n := windowLength(w)
	out.Channels = len(usable)

	if len(usable) < 2 {
		out.Status = StatusInsufficientChannels
		if len(w.Channels) >= 2 {
			out.Status = StatusSilentChannels
		}
		out.PassThrough = true
		out.Samples = make([]int16, n)
		if len(usable) == 1 {
			copy(out.Samples, usable[0].Samples)
		}
		return out
	}

	acc := make([]int64, n)
	count := make([]int64, n)
	for _, ch := range usable {
		d := offsets[ch.NodeID]
		for i := 0; i < n; i++ {
			j := i + d
			if j < 0 || j >= len(ch.Samples) {
				continue
			}
			acc[i] += int64(ch.Samples[j])
			count[i]++
		}
	}

	out.Samples = make([]int16, n)
	for i := range out.Samples {
		if count[i] == 0 {
			continue
		}
		out.Samples[i] = int16(divRound(acc[i], count[i]))
	}

	return out
}

// windowLength returns the common channel length of the window
func windowLength(w synchronizer.AlignedWindow) int {
	n := 0
	for _, ch := range w.Channels {
		n = max(n, len(ch.Samples))
	}
	return n
}

// divRound divides rounding half away from zero
func divRound(a, b int64) int64 {
	if a < 0 {
		return (a - b/2) / b
	}
	return (a + b/2) / b
}
