package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func metricValue(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	if err := m.Write(&out); err != nil {
		t.Fatalf("Failed to read metric: %v", err)
	}
	if out.Counter != nil {
		return out.GetCounter().GetValue()
	}
	return out.GetGauge().GetValue()
}

func seriesCount(t *testing.T, reg *prometheus.Registry, name string) int {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}
	for _, family := range families {
		if family.GetName() == name {
			return len(family.GetMetric())
		}
	}
	return 0
}

func TestNewMetricsIsolatedRegistries(t *testing.T) {
	// Two instances must not collide when given separate registries
	first := NewMetrics(prometheus.NewRegistry())
	second := NewMetrics(prometheus.NewRegistry())

	first.RecordFrameReceived()
	first.RecordFrameReceived()
	second.RecordFrameReceived()

	if got := metricValue(t, first.FramesReceived); got != 2 {
		t.Errorf("Expected 2 frames on first registry, got %v", got)
	}
	if got := metricValue(t, second.FramesReceived); got != 1 {
		t.Errorf("Expected 1 frame on second registry, got %v", got)
	}
}

func TestPerNodeCounters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordQueueOverflow(1)
	m.RecordQueueOverflow(1)
	m.RecordDuplicateFrame(2)
	m.RecordLateFrames(3, 4)
	m.RecordSubstitution(2, "silence")

	if got := metricValue(t, m.QueueOverflows.WithLabelValues("1")); got != 2 {
		t.Errorf("Expected 2 overflows for node 1, got %v", got)
	}
	if got := metricValue(t, m.DuplicateFrames.WithLabelValues("2")); got != 1 {
		t.Errorf("Expected 1 duplicate for node 2, got %v", got)
	}
	if got := metricValue(t, m.LateFrames.WithLabelValues("3")); got != 4 {
		t.Errorf("Expected 4 late frames for node 3, got %v", got)
	}
	if got := metricValue(t, m.Substitutions.WithLabelValues("2", "silence")); got != 1 {
		t.Errorf("Expected 1 silence substitution for node 2, got %v", got)
	}
}

func TestStreamDestroyedDropsNodeSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordNodeState(7, 1, "active")
	m.RecordDelayEstimate(7, 3, 0.9, "accepted")
	if got := seriesCount(t, reg, "beamform_node_state"); got != 1 {
		t.Fatalf("Expected 1 node state series, got %d", got)
	}

	m.RecordStreamDestroyed(7)

	if got := seriesCount(t, reg, "beamform_node_state"); got != 0 {
		t.Errorf("Expected node state series to be removed, got %d", got)
	}
	if got := seriesCount(t, reg, "beamform_delay_offset_samples"); got != 0 {
		t.Errorf("Expected delay offset series to be removed, got %d", got)
	}
	if got := metricValue(t, m.StreamsDestroyed); got != 1 {
		t.Errorf("Expected 1 destroyed stream, got %v", got)
	}
}
