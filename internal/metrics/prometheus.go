package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the beamforming aggregator
type Metrics struct {
	// Ingest metrics
	FramesReceived  prometheus.Counter
	FramesAccepted  prometheus.Counter
	MalformedFrames prometheus.Counter
	DuplicateFrames *prometheus.CounterVec
	QueueOverflows  *prometheus.CounterVec
	LateFrames      *prometheus.CounterVec
	QueueSize       prometheus.Gauge
	TCPConnections  prometheus.Gauge

	// Node metrics
	NodeState         *prometheus.GaugeVec
	NodeTransitions   *prometheus.CounterVec
	StreamsCreated    prometheus.Counter
	StreamsDestroyed  prometheus.Counter
	ClockOffsetMillis *prometheus.GaugeVec

	// Synchronizer metrics
	WindowsEmitted *prometheus.CounterVec
	Substitutions  *prometheus.CounterVec
	TickLag        prometheus.Gauge

	// Delay estimation metrics
	DelayOffset     *prometheus.GaugeVec
	DelayConfidence *prometheus.GaugeVec
	DelayEstimates  *prometheus.CounterVec
	ReferenceNode   prometheus.Gauge

	// Beamforming and output metrics
	InsufficientChannels prometheus.Counter
	TickProcessingTime   prometheus.Histogram
	SinkDeliveryTime     prometheus.Histogram
	SinkDrops            *prometheus.CounterVec
	WebSocketClients     prometheus.Gauge

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all Prometheus metrics and registers them with reg.
// A nil reg registers with the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		// Ingest metrics
		FramesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "beamform_frames_received_total",
			Help: "Total number of audio frames received from nodes",
		}),
		FramesAccepted: f.NewCounter(prometheus.CounterOpts{
			Name: "beamform_frames_accepted_total",
			Help: "Total number of audio frames accepted into node queues",
		}),
		MalformedFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "beamform_malformed_frames_total",
			Help: "Total number of frames rejected as malformed",
		}),
		DuplicateFrames: f.NewCounterVec(prometheus.CounterOpts{
			Name: "beamform_duplicate_frames_total",
			Help: "Total number of duplicate or out-of-date frames discarded",
		}, []string{"node"}),
		QueueOverflows: f.NewCounterVec(prometheus.CounterOpts{
			Name: "beamform_queue_overflows_total",
			Help: "Total number of frames dropped because a node queue was full",
		}, []string{"node"}),
		LateFrames: f.NewCounterVec(prometheus.CounterOpts{
			Name: "beamform_late_frames_total",
			Help: "Total number of frames dropped for arriving after their tick",
		}, []string{"node"}),
		QueueSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "beamform_packet_queue_size",
			Help: "Current number of datagrams waiting for a decode worker",
		}),
		TCPConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "beamform_tcp_connections",
			Help: "Current number of open node TCP connections",
		}),

		// Node metrics
		NodeState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "beamform_node_state",
			Help: "Current node state (0=unseen, 1=active, 2=stalled, 3=disconnected)",
		}, []string{"node"}),
		NodeTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "beamform_node_transitions_total",
			Help: "Total number of node state transitions",
		}, []string{"node", "state"}),
		StreamsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "beamform_streams_created_total",
			Help: "Total number of node streams created",
		}),
		StreamsDestroyed: f.NewCounter(prometheus.CounterOpts{
			Name: "beamform_streams_destroyed_total",
			Help: "Total number of node streams evicted",
		}),
		ClockOffsetMillis: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "beamform_clock_offset_milliseconds",
			Help: "Offset mapping node timestamps onto the logical tick axis",
		}, []string{"node"}),

		// Synchronizer metrics
		WindowsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "beamform_windows_total",
			Help: "Total number of aligned windows emitted",
		}, []string{"status"}),
		Substitutions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "beamform_substitutions_total",
			Help: "Total number of missing channels filled in degraded windows",
		}, []string{"node", "fallback"}),
		TickLag: f.NewGauge(prometheus.GaugeOpts{
			Name: "beamform_tick_lag_seconds",
			Help: "Delay between a tick's scheduled start and its emission",
		}),

		// Delay estimation metrics
		DelayOffset: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "beamform_delay_offset_samples",
			Help: "Current estimated delay of a node relative to the reference",
		}, []string{"node"}),
		DelayConfidence: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "beamform_delay_confidence",
			Help: "Normalized cross-correlation peak of the current estimate",
		}, []string{"node"}),
		DelayEstimates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "beamform_delay_estimates_total",
			Help: "Total number of delay estimates by outcome",
		}, []string{"status"}),
		ReferenceNode: f.NewGauge(prometheus.GaugeOpts{
			Name: "beamform_reference_node",
			Help: "Node id currently used as the delay reference",
		}),

		// Beamforming and output metrics
		InsufficientChannels: f.NewCounter(prometheus.CounterOpts{
			Name: "beamform_insufficient_channels_total",
			Help: "Total number of windows passed through with fewer than two channels",
		}),
		TickProcessingTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "beamform_tick_processing_duration_seconds",
			Help:    "Time spent estimating and beamforming one window",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 12), // 50us to ~100ms
		}),
		SinkDeliveryTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "beamform_sink_delivery_duration_seconds",
			Help:    "Time spent delivering one frame to the output sinks",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 14), // 10us to ~80ms
		}),
		SinkDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "beamform_sink_drops_total",
			Help: "Total number of output frames dropped by a sink",
		}, []string{"sink"}),
		WebSocketClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "beamform_websocket_clients",
			Help: "Current number of connected WebSocket listeners",
		}),

		// HTTP API metrics
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "beamform_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "beamform_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "beamform_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

func nodeLabel(nodeID uint32) string {
	return strconv.FormatUint(uint64(nodeID), 10)
}

// RecordFrameReceived increments the frames received counter
func (m *Metrics) RecordFrameReceived() {
	m.FramesReceived.Inc()
}

// RecordFrameAccepted increments the frames accepted counter
func (m *Metrics) RecordFrameAccepted() {
	m.FramesAccepted.Inc()
}

// RecordMalformedFrame increments the malformed frames counter
func (m *Metrics) RecordMalformedFrame() {
	m.MalformedFrames.Inc()
}

// RecordDuplicateFrame counts a discarded duplicate for a node
func (m *Metrics) RecordDuplicateFrame(nodeID uint32) {
	m.DuplicateFrames.WithLabelValues(nodeLabel(nodeID)).Inc()
}

// RecordQueueOverflow counts a frame dropped from a full node queue
func (m *Metrics) RecordQueueOverflow(nodeID uint32) {
	m.QueueOverflows.WithLabelValues(nodeLabel(nodeID)).Inc()
}

// RecordLateFrames counts frames that missed their tick
func (m *Metrics) RecordLateFrames(nodeID uint32, count int) {
	m.LateFrames.WithLabelValues(nodeLabel(nodeID)).Add(float64(count))
}

// SetQueueSize sets the current datagram queue size
func (m *Metrics) SetQueueSize(size int) {
	m.QueueSize.Set(float64(size))
}

// SetTCPConnections sets the number of open node connections
func (m *Metrics) SetTCPConnections(count int) {
	m.TCPConnections.Set(float64(count))
}

// RecordNodeState records a node state transition
func (m *Metrics) RecordNodeState(nodeID uint32, state int, stateName string) {
	label := nodeLabel(nodeID)
	m.NodeState.WithLabelValues(label).Set(float64(state))
	m.NodeTransitions.WithLabelValues(label, stateName).Inc()
}

// RecordStreamCreated increments the streams created counter
func (m *Metrics) RecordStreamCreated() {
	m.StreamsCreated.Inc()
}

// RecordStreamDestroyed increments the streams destroyed counter and drops
// the per-node series of the evicted node
func (m *Metrics) RecordStreamDestroyed(nodeID uint32) {
	m.StreamsDestroyed.Inc()
	label := nodeLabel(nodeID)
	m.NodeState.DeleteLabelValues(label)
	m.ClockOffsetMillis.DeleteLabelValues(label)
	m.DelayOffset.DeleteLabelValues(label)
	m.DelayConfidence.DeleteLabelValues(label)
}

// SetClockOffset records the current clock offset of a node
func (m *Metrics) SetClockOffset(nodeID uint32, offsetMs int64) {
	m.ClockOffsetMillis.WithLabelValues(nodeLabel(nodeID)).Set(float64(offsetMs))
}

// RecordWindow records an emitted window and how late it was
func (m *Metrics) RecordWindow(status string, lagSeconds float64) {
	m.WindowsEmitted.WithLabelValues(status).Inc()
	m.TickLag.Set(lagSeconds)
}

// RecordSubstitution records a missing channel and the fallback used for it
func (m *Metrics) RecordSubstitution(nodeID uint32, fallback string) {
	m.Substitutions.WithLabelValues(nodeLabel(nodeID), fallback).Inc()
}

// RecordDelayEstimate records the outcome of one delay estimate
func (m *Metrics) RecordDelayEstimate(nodeID uint32, offset int, confidence float64, status string) {
	label := nodeLabel(nodeID)
	m.DelayOffset.WithLabelValues(label).Set(float64(offset))
	m.DelayConfidence.WithLabelValues(label).Set(confidence)
	m.DelayEstimates.WithLabelValues(status).Inc()
}

// SetReferenceNode records the node currently used as reference
func (m *Metrics) SetReferenceNode(nodeID uint32) {
	m.ReferenceNode.Set(float64(nodeID))
}

// RecordInsufficientChannels increments the pass-through counter
func (m *Metrics) RecordInsufficientChannels() {
	m.InsufficientChannels.Inc()
}

// RecordTickProcessed records the time spent on one window
func (m *Metrics) RecordTickProcessed(durationSeconds float64) {
	m.TickProcessingTime.Observe(durationSeconds)
}

// RecordSinkDelivery records the time spent delivering one frame
func (m *Metrics) RecordSinkDelivery(durationSeconds float64) {
	m.SinkDeliveryTime.Observe(durationSeconds)
}

// RecordSinkDrop counts a frame a sink could not deliver
func (m *Metrics) RecordSinkDrop(sink string) {
	m.SinkDrops.WithLabelValues(sink).Inc()
}

// SetWebSocketClients sets the number of connected listeners
func (m *Metrics) SetWebSocketClients(count int) {
	m.WebSocketClients.Set(float64(count))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
