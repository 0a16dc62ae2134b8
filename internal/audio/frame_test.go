package audio

import (
	"math"
	"testing"
	"time"
)

func TestFrameDuration(t *testing.T) {
	frame := &Frame{NodeID: 1, Timestamp: 10, SampleRate: 16000, Samples: make([]int16, 320)}
	if frame.Duration() != 20*time.Millisecond {
		t.Errorf("Expected 20ms, got %v", frame.Duration())
	}

	empty := &Frame{}
	if empty.Duration() != 0 {
		t.Errorf("Expected zero duration for zero sample rate, got %v", empty.Duration())
	}
}

func TestEnergyAndRMS(t *testing.T) {
	tests := []struct {
		name    string
		samples []int16
		energy  float64
		rms     float64
	}{
		{name: "empty", samples: nil, energy: 0, rms: 0},
		{name: "silence", samples: Silence(64), energy: 0, rms: 0},
		{name: "constant", samples: []int16{100, -100, 100, -100}, energy: 10000, rms: 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Energy(tt.samples); math.Abs(got-tt.energy) > 1e-9 {
				t.Errorf("Expected energy %f, got %f", tt.energy, got)
			}
			if got := RMS(tt.samples); math.Abs(got-tt.rms) > 1e-9 {
				t.Errorf("Expected RMS %f, got %f", tt.rms, got)
			}
		})
	}
}

func TestIsSilent(t *testing.T) {
	if !IsSilent(Silence(100), 1) {
		t.Error("Expected zero samples to be silent")
	}
	if IsSilent([]int16{1000, -1000}, 1) {
		t.Error("Expected loud samples not to be silent")
	}
}
