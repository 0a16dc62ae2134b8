package pipeline

import (
	"context"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/skypro1111/beamform-aggregator/internal/audio"
	"github.com/skypro1111/beamform-aggregator/internal/beamform"
	"github.com/skypro1111/beamform-aggregator/internal/delay"
	"github.com/skypro1111/beamform-aggregator/internal/metrics"
	"github.com/skypro1111/beamform-aggregator/internal/sink"
	"github.com/skypro1111/beamform-aggregator/internal/stream"
	"github.com/skypro1111/beamform-aggregator/internal/synchronizer"
)

const (
	testSampleRate   = 16000
	testPeriodMs     = 10
	testFrameSamples = testSampleRate * testPeriodMs / 1000
	testMaxLag       = 8
)

type harness struct {
	mgr         *stream.Manager
	coordinator *Coordinator
	out         *sink.ChannelSink
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.NewMetrics(prometheus.NewRegistry())

	mgr := stream.NewManager(logger, stream.ManagerConfig{
		QueueCapacity: 64,
		SampleRate:    testSampleRate,
		FrameSamples:  testFrameSamples,
		Timeout:       time.Minute,
	}, m)
	t.Cleanup(mgr.Stop)

	syncr := synchronizer.New(synchronizer.Config{
		TickPeriodMs:    testPeriodMs,
		ToleranceMs:     testPeriodMs,
		WaitTimeout:     time.Second,
		FrameSamples:    testFrameSamples,
		StallTicks:      1,
		DisconnectTicks: 50,
		StalenessTicks:  2,
	}, mgr, logger, m)

	estimator := delay.New(delay.Config{
		MaxLag:              testMaxLag,
		ConfidenceThreshold: 0.5,
		SilenceFloor:        1,
		FixedReference:      true,
		ReferenceNodeID:     1,
	}, logger)

	out := sink.NewChannelSink(64)

	coordinator := NewCoordinator(Config{
		TickPeriod:   testPeriodMs * time.Millisecond,
		Synchronizer: syncr,
		Estimator:    estimator,
		Beamformer:   beamform.New(beamform.Config{SampleRate: testSampleRate, SilenceFloor: 1}),
		Sink:         out,
		Notify:       mgr.Notify(),
	}, logger, m)

	return &harness{mgr: mgr, coordinator: coordinator, out: out}
}

// pushDelayed feeds each node frames cut from one noise signal, node i
// hearing it delays[i] samples after node 1
func (h *harness) pushDelayed(t *testing.T, signal []int16, delays []int, ticks int) {
	t.Helper()
	for tick := 0; tick < ticks; tick++ {
		for i, d := range delays {
			start := testMaxLag + tick*testFrameSamples - d
			frame := &audio.Frame{
				NodeID:     uint32(i + 1),
				Timestamp:  int64(1000*(i+1) + tick*testPeriodMs),
				SampleRate: testSampleRate,
				Samples:    signal[start : start+testFrameSamples],
			}
			if err := h.mgr.HandleFrame(frame); err != nil {
				t.Fatalf("Failed to enqueue frame: %v", err)
			}
		}
	}
}

func noise(n int) []int16 {
	r := rand.New(rand.NewPCG(3, 5))
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(math.Max(-20000, math.Min(20000, r.NormFloat64()*4000)))
	}
	return samples
}

func TestCoordinatorBeamformsDelayedChannels(t *testing.T) {
	h := newHarness(t)

	const ticks = 5
	delays := []int{0, 3, -2}
	signal := noise(ticks*testFrameSamples + 2*testMaxLag)
	h.pushDelayed(t, signal, delays, ticks)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.coordinator.Run(ctx) }()

	for tick := 0; tick < ticks; tick++ {
		var frame beamform.Frame
		select {
		case frame = <-h.out.Frames():
		case <-time.After(2 * time.Second):
			t.Fatalf("Timed out waiting for tick %d", tick)
		}

		if frame.Tick != uint64(tick) {
			t.Errorf("Expected tick %d, got %d", tick, frame.Tick)
		}
		if frame.Status != beamform.StatusComplete || frame.PassThrough {
			t.Errorf("Tick %d: expected complete beamformed frame, got %s", tick, frame.Status)
		}
		if frame.ReferenceNodeID != 1 || frame.Channels != 3 {
			t.Errorf("Tick %d: expected 3 channels against node 1, got %d against %d",
				tick, frame.Channels, frame.ReferenceNodeID)
		}

		for i, est := range frame.Estimates {
			if est.OffsetSamples != delays[i] {
				t.Errorf("Tick %d node %d: expected offset %d, got %d", tick, est.TargetNodeID, delays[i], est.OffsetSamples)
			}
		}

		// Aligned copies of one signal sum back to the reference exactly
		reference := signal[testMaxLag+tick*testFrameSamples:]
		for n, v := range frame.Samples {
			if v != reference[n] {
				t.Fatalf("Tick %d sample %d: expected %d, got %d", tick, n, reference[n], v)
			}
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Expected clean shutdown, got %v", err)
	}

	if _, ok := <-h.out.Frames(); ok {
		t.Errorf("Expected sink to be closed after shutdown")
	}

	stats := h.coordinator.Stats()
	if stats.Windows != ticks || stats.Complete != ticks || stats.LastTick != ticks-1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestCoordinatorDrainsOnShutdown(t *testing.T) {
	h := newHarness(t)

	signal := noise(3*testFrameSamples + 2*testMaxLag)
	h.pushDelayed(t, signal, []int{0, 1}, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := h.coordinator.Run(ctx); err != nil {
		t.Fatalf("Expected clean shutdown, got %v", err)
	}

	var ticks []uint64
	for frame := range h.out.Frames() {
		ticks = append(ticks, frame.Tick)
	}
	if len(ticks) != 3 {
		t.Fatalf("Expected 3 drained frames, got %d", len(ticks))
	}
	for i, tick := range ticks {
		if tick != uint64(i) {
			t.Errorf("Expected tick %d at position %d, got %d", i, i, tick)
		}
	}
}

func TestCoordinatorDegradesMissingNode(t *testing.T) {
	h := newHarness(t)

	signal := noise(4*testFrameSamples + 2*testMaxLag)
	h.pushDelayed(t, signal, []int{0, 2}, 2)

	// Only node 1 continues
	for tick := 2; tick < 4; tick++ {
		start := testMaxLag + tick*testFrameSamples
		h.mgr.HandleFrame(&audio.Frame{
			NodeID:     1,
			Timestamp:  int64(1000 + tick*testPeriodMs),
			SampleRate: testSampleRate,
			Samples:    signal[start : start+testFrameSamples],
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.coordinator.Run(ctx) }()

	for tick := 0; tick < 2; tick++ {
		select {
		case frame := <-h.out.Frames():
			if frame.Status != beamform.StatusComplete {
				t.Errorf("Tick %d: expected complete, got %s", tick, frame.Status)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("Timed out waiting for tick %d", tick)
		}
	}

	// Tick 2 waits for node 2 until its one second deadline
	select {
	case frame := <-h.out.Frames():
		if frame.Tick != 2 || frame.Status != beamform.StatusDegraded {
			t.Errorf("Expected degraded tick 2, got %s tick %d", frame.Status, frame.Tick)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for degraded tick 2")
	}

	cancel()
	<-done

	node2, _ := h.mgr.GetStream(2)
	if node2.State() != stream.StateStalled {
		t.Errorf("Expected node 2 stalled, got %s", node2.State())
	}
}
