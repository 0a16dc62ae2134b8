package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/beamform-aggregator/internal/beamform"
	"github.com/skypro1111/beamform-aggregator/internal/delay"
	"github.com/skypro1111/beamform-aggregator/internal/metrics"
	"github.com/skypro1111/beamform-aggregator/internal/sink"
	"github.com/skypro1111/beamform-aggregator/internal/synchronizer"
)

// Config wires the coordinator to its stages
type Config struct {
	TickPeriod   time.Duration
	Synchronizer *synchronizer.Synchronizer
	Estimator    *delay.Estimator
	Beamformer   *beamform.Beamformer
	Sink         sink.Sink
	Notify       <-chan struct{} // signalled when frames arrive
}

// Coordinator owns the synchronizer, estimator and beamformer
type Coordinator struct {
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu    sync.RWMutex
	stats Stats
}

// Stats summarizes coordinator output for monitoring
type Stats struct {
	Windows         uint64    `json:"windows"`
	Complete        uint64    `json:"complete"`
	Degraded        uint64    `json:"degraded"`
	PassThrough     uint64    `json:"pass_through"`
	LowConfidence   uint64    `json:"low_confidence_estimates"`
	LastTick        uint64    `json:"last_tick"`
	ReferenceNodeID uint32    `json:"reference_node_id"`
	LastOutput      time.Time `json:"last_output"`
}

// NewCoordinator creates a coordinator
func NewCoordinator(config Config, logger *slog.Logger, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		config:  config,
		logger:  logger,
		metrics: m,
	}
}

// Run processes windows until ctx is cancelled. On cancellation it emits
// every tick that is already due or fully staged, then closes the sink.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("Coordinator started", slog.Duration("tick_period", c.config.TickPeriod))

	timer := time.NewTimer(c.config.TickPeriod)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return c.shutdown()
		case <-c.config.Notify:
		case <-timer.C:
		}

		c.process(c.config.Synchronizer.Assemble(time.Now()))
		timer.Reset(c.nextWait())
	}
}

// nextWait returns how long to sleep before the current tick may time out
func (c *Coordinator) nextWait() time.Duration {
	wait := c.config.TickPeriod
	if deadline, ok := c.config.Synchronizer.Deadline(); ok {
		wait = min(wait, time.Until(deadline))
	}
	return max(wait, time.Millisecond)
}

func (c *Coordinator) shutdown() error {
	windows := c.config.Synchronizer.Assemble(time.Now())
	windows = append(windows, c.config.Synchronizer.Drain()...)
	c.process(windows)

	c.logger.Info("Coordinator drained",
		slog.Int("final_windows", len(windows)),
		slog.Uint64("total_windows", c.Stats().Windows),
	)

	if err := c.config.Sink.Close(); err != nil {
		return fmt.Errorf("failed to close sink: %w", err)
	}
	return nil
}

func (c *Coordinator) process(windows []synchronizer.AlignedWindow) {
	for _, w := range windows {
		c.processWindow(w)
	}
}

func (c *Coordinator) processWindow(w synchronizer.AlignedWindow) {
	start := time.Now()

	estimates := c.config.Estimator.Estimate(w)
	frame := c.config.Beamformer.Process(w, estimates)

	c.metrics.RecordTickProcessed(time.Since(start).Seconds())

	lowConfidence := 0
	for _, est := range estimates {
		if est.Status == delay.StatusReference {
			c.metrics.SetReferenceNode(est.ReferenceNodeID)
			continue
		}
		c.metrics.RecordDelayEstimate(est.TargetNodeID, est.OffsetSamples, est.Confidence, string(est.Status))
		if est.Status == delay.StatusLowConfidence {
			lowConfidence++
		}
	}

	for _, ch := range w.Channels {
		if ch.Resynced {
			c.logger.Info("Node resynchronized",
				slog.Uint64("node_id", uint64(ch.NodeID)),
				slog.Uint64("tick", w.Tick),
			)
		}
		if ch.Unreliable {
			c.logger.Warn("Channel unreliable after queue overflow",
				slog.Uint64("node_id", uint64(ch.NodeID)),
				slog.Uint64("tick", w.Tick),
			)
		}
	}

	switch frame.Status {
	case beamform.StatusInsufficientChannels:
		c.metrics.RecordInsufficientChannels()
		c.logger.Debug("Insufficient channels, passing through",
			slog.Uint64("tick", w.Tick),
			slog.Int("channels", len(w.Channels)),
		)
	case beamform.StatusSilentChannels:
		c.logger.Debug("Other channels silent, passing through",
			slog.Uint64("tick", w.Tick),
			slog.Int("channels", len(w.Channels)),
			slog.Int("usable", frame.Channels),
		)
	}

	deliverStart := time.Now()
	c.config.Sink.Deliver(frame)
	c.metrics.RecordSinkDelivery(time.Since(deliverStart).Seconds())

	c.mu.Lock()
	c.stats.Windows++
	if w.Status == synchronizer.StatusComplete {
		c.stats.Complete++
	} else {
		c.stats.Degraded++
	}
	if frame.PassThrough {
		c.stats.PassThrough++
	}
	c.stats.LowConfidence += uint64(lowConfidence)
	c.stats.LastTick = w.Tick
	c.stats.ReferenceNodeID = frame.ReferenceNodeID
	c.stats.LastOutput = time.Now()
	c.mu.Unlock()
}

// Stats returns a snapshot of coordinator statistics
func (c *Coordinator) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}
