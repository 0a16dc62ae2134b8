package delay

import (
	"log/slog"

	"github.com/skypro1111/beamform-aggregator/internal/audio"
	"github.com/skypro1111/beamform-aggregator/internal/synchronizer"
)

// Status describes how an estimate was obtained
type Status string

const (
	StatusAccepted      Status = "accepted"
	StatusReused        Status = "reused"
	StatusLowConfidence Status = "low_confidence"
	StatusReference     Status = "reference"
)

// referenceHysteresis is how much louder a channel must be to take over as reference
const referenceHysteresis = 2.0

// Estimate is the delay of one channel relative to the reference
type Estimate struct {
	ReferenceNodeID uint32  `json:"reference_node_id"`
	TargetNodeID    uint32  `json:"target_node_id"`
	OffsetSamples   int     `json:"offset_samples"`
	Confidence      float64 `json:"confidence"`
	Status          Status  `json:"status"`
}

// Config controls the estimator
type Config struct {
	MaxLag              int
	ConfidenceThreshold float64
	EstimateEvery       int     // recompute every n windows; 1 recomputes always
	SilenceFloor        float64 // RMS at or below which a channel carries no signal

	FixedReference  bool
	ReferenceNodeID uint32
}

// Estimator computes per-window delay estimates. The last accepted estimate
// per target is the only state carried between windows.
// It is not safe for concurrent use.
type Estimator struct {
	config Config
	logger *slog.Logger

	reference    uint32
	hasReference bool
	history      map[uint32]Estimate
	windows      uint64
}

// New creates an estimator
func New(config Config, logger *slog.Logger) *Estimator {
	if config.EstimateEvery < 1 {
		config.EstimateEvery = 1
	}
	return &Estimator{
		config:  config,
		logger:  logger,
		history: make(map[uint32]Estimate),
	}
}

// Reference returns the current reference node
func (e *Estimator) Reference() (uint32, bool) {
	return e.reference, e.hasReference
}

// Reset forgets the reference and every previous estimate
func (e *Estimator) Reset() {
	e.hasReference = false
	clear(e.history)
}

// Estimate returns one estimate per channel of the window, in channel order.
// The reference channel is reported with offset 0 and StatusReference.
func (e *Estimator) Estimate(w synchronizer.AlignedWindow) []Estimate {
	if len(w.Channels) == 0 {
		return nil
	}

	refIdx := e.selectReference(w)
	ref := w.Channels[refIdx]

	recompute := e.windows%uint64(e.config.EstimateEvery) == 0
	e.windows++

	estimates := make([]Estimate, 0, len(w.Channels))
	for i, ch := range w.Channels {
		if i == refIdx {
			estimates = append(estimates, Estimate{
				ReferenceNodeID: ref.NodeID,
				TargetNodeID:    ref.NodeID,
				Confidence:      1,
				Status:          StatusReference,
			})
			continue
		}

		if ch.Resynced {
			delete(e.history, ch.NodeID)
		}

		estimates = append(estimates, e.estimateChannel(ref, ch, recompute))
	}

	return estimates
}

func (e *Estimator) estimateChannel(ref, target synchronizer.Channel, recompute bool) Estimate {
	prev, hasPrev := e.history[target.NodeID]

	if hasPrev && (target.Substituted || !recompute) {
		prev.Status = StatusReused
		return prev
	}

	lowConfidence := Estimate{
		ReferenceNodeID: ref.NodeID,
		TargetNodeID:    target.NodeID,
		Status:          StatusLowConfidence,
	}

	if target.Substituted ||
		audio.IsSilent(ref.Samples, e.config.SilenceFloor) ||
		audio.IsSilent(target.Samples, e.config.SilenceFloor) {
		return lowConfidence
	}

	lag, confidence := CrossCorrelate(ref.Samples, target.Samples, e.config.MaxLag)

	if confidence >= e.config.ConfidenceThreshold {
		est := Estimate{
			ReferenceNodeID: ref.NodeID,
			TargetNodeID:    target.NodeID,
			OffsetSamples:   lag,
			Confidence:      confidence,
			Status:          StatusAccepted,
		}
		e.history[target.NodeID] = est
		return est
	}

	if hasPrev {
		prev.Status = StatusReused
		prev.Confidence = confidence
		return prev
	}

	lowConfidence.Confidence = confidence
	return lowConfidence
}

// selectReference returns the index of the reference channel, switching
// the reference (and dropping all history) when it changes
func (e *Estimator) selectReference(w synchronizer.AlignedWindow) int {
	if e.config.FixedReference {
		for i, ch := range w.Channels {
			if ch.NodeID == e.config.ReferenceNodeID {
				e.setReference(ch.NodeID)
				return i
			}
		}
	}

	best := -1
	bestEnergy := -1.0
	current := -1
	currentEnergy := 0.0
	for i, ch := range w.Channels {
		energy := audio.Energy(ch.Samples)
		if e.hasReference && ch.NodeID == e.reference && !ch.Substituted {
			current, currentEnergy = i, energy
		}
		if ch.Substituted {
			continue
		}
		if energy > bestEnergy {
			best, bestEnergy = i, energy
		}
	}

	if best < 0 {
		// Every channel is substituted; keep the reference if it is present
		for i, ch := range w.Channels {
			if e.hasReference && ch.NodeID == e.reference {
				return i
			}
		}
		best = 0
	} else if current >= 0 && bestEnergy <= referenceHysteresis*currentEnergy {
		best = current
	}

	e.setReference(w.Channels[best].NodeID)
	return best
}

func (e *Estimator) setReference(nodeID uint32) {
	if e.hasReference && e.reference == nodeID {
		return
	}

	if e.hasReference {
		e.logger.Info("Reference channel changed",
			slog.Uint64("from", uint64(e.reference)),
			slog.Uint64("to", uint64(nodeID)),
		)
	}

	e.reference = nodeID
	e.hasReference = true
	clear(e.history)
}
