package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/beamform-aggregator/internal/audio"
	"github.com/skypro1111/beamform-aggregator/internal/config"
	"github.com/skypro1111/beamform-aggregator/internal/metrics"
	"github.com/skypro1111/beamform-aggregator/internal/pipeline"
	"github.com/skypro1111/beamform-aggregator/internal/stream"
)

const serviceName = "beamform-aggregator"

// StatsProvider reports coordinator output statistics
type StatsProvider interface {
	Stats() pipeline.Stats
}

// TransportStats reports ingestion counters for one transport
type TransportStats interface {
	GetStatistics() Statistics
}

// HTTPDependencies are the components exposed by the HTTP API
type HTTPDependencies struct {
	Config      *config.Config
	Streams     *stream.Manager
	Coordinator StatsProvider
	Transports  map[string]TransportStats // keyed by transport name
	WebSocket   http.Handler              // nil disables /ws
	Gatherer    prometheus.Gatherer       // nil uses the default registry
	RunID       string
	Version     string
}

// HTTPServer provides HTTP API endpoints for monitoring
type HTTPServer struct {
	server   *http.Server
	listener net.Listener
	logger   *slog.Logger
	deps     HTTPDependencies
	metrics  *metrics.Metrics

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, deps HTTPDependencies, m *metrics.Metrics) *HTTPServer {
	h := &HTTPServer{
		logger:    logger,
		deps:      deps,
		metrics:   m,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	// No WriteTimeout: /ws responses are long-lived
	h.server = &http.Server{
		Addr:        net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port)),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	mux.HandleFunc("/nodes", h.withMetrics("/nodes", h.handleNodes))
	mux.HandleFunc("/nodes/", h.withMetrics("/nodes/{id}", h.handleNodeDetail))

	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	gatherer := h.deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	if h.deps.WebSocket != nil {
		mux.Handle("/ws", h.deps.WebSocket)
	}

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// Handler returns the HTTP handler serving every route
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := strconv.Itoa(ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start binds the listen address. Bind failures are returned immediately.
func (h *HTTPServer) Start() error {
	listener, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on HTTP address %s: %w", h.server.Addr, err)
	}
	h.listener = listener

	h.logger.Info("HTTP API server started", slog.String("address", listener.Addr().String()))
	return nil
}

// Serve handles requests until Stop is called
func (h *HTTPServer) Serve() error {
	if h.listener == nil {
		return errors.New("HTTP server not started")
	}
	if err := h.server.Serve(h.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")
	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (h *HTTPServer) transportStats() map[string]Statistics {
	stats := make(map[string]Statistics, len(h.deps.Transports))
	for name, t := range h.deps.Transports {
		stats[name] = t.GetStatistics()
	}
	return stats
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := "healthy"
	active := h.deps.Streams.ActiveCount()
	if active < 2 {
		// beamforming needs two channels; below that output is pass-through
		status = "degraded"
	}

	health := map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"run_id":    h.deps.RunID,
		"service": map[string]any{
			"name":    serviceName,
			"version": h.deps.Version,
		},
		"components": map[string]any{
			"transports": h.transportStats(),
			"stream_manager": map[string]any{
				"status":       "running",
				"nodes":        h.deps.Streams.StreamCount(),
				"active_nodes": active,
			},
		},
	}

	writeJSON(w, health)
}

// handleNodes implements the /nodes endpoint
func (h *HTTPServer) handleNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	nodes := h.deps.Streams.Nodes()

	writeJSON(w, map[string]any{
		"total_nodes": len(nodes),
		"timestamp":   time.Now().UTC(),
		"nodes":       nodes,
	})
}

// handleNodeDetail implements the /nodes/{node_id} endpoint
func (h *HTTPServer) handleNodeDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	idStr, wantWAV := strings.CutSuffix(r.URL.Path[len("/nodes/"):], "/last.wav")
	if idStr == "" {
		http.Error(w, "Node ID required", http.StatusBadRequest)
		return
	}

	nodeID, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		http.Error(w, "Invalid node ID", http.StatusBadRequest)
		return
	}

	s, exists := h.deps.Streams.GetStream(uint32(nodeID))
	if !exists {
		http.Error(w, "Node not found", http.StatusNotFound)
		return
	}

	if wantWAV {
		h.writeLastWindow(w, s)
		return
	}

	writeJSON(w, s.Info())
}

// writeLastWindow serves the node's most recent delivered window as WAV
func (h *HTTPServer) writeLastWindow(w http.ResponseWriter, s *stream.NodeStream) {
	samples, ok := s.LastSamples()
	if !ok || len(samples) == 0 {
		http.Error(w, "No audio delivered for node", http.StatusNotFound)
		return
	}

	data, err := audio.EncodeWAV(samples, h.deps.Config.Aggregator.SampleRate)
	if err != nil {
		h.logger.Error("Failed to encode node audio",
			slog.Uint64("node_id", uint64(s.NodeID)),
			slog.String("error", err.Error()),
		)
		http.Error(w, "Failed to encode audio", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=node-%d.wav", s.NodeID))
	w.Write(data)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cfg := h.deps.Config
	agg := cfg.Aggregator

	writeJSON(w, map[string]any{
		"server": map[string]any{
			"transport":    cfg.Server.Transport,
			"bind_address": cfg.Server.BindAddress,
			"udp_port":     cfg.Server.UDPPort,
			"tcp_port":     cfg.Server.TCPPort,
			"buffer_size":  cfg.Server.BufferSize,
			"workers":      cfg.Server.Workers,
		},
		"aggregator": map[string]any{
			"node_count":                 agg.NodeCount,
			"node_ids":                   agg.NodeIDs,
			"reference_node":             agg.ReferenceNode,
			"sample_rate":                agg.SampleRate,
			"frame_samples":              agg.FrameSamples(),
			"tick_period_ms":             agg.TickPeriodMs,
			"alignment_tolerance_ms":     agg.AlignmentToleranceMs,
			"wait_timeout_ms":            agg.WaitTimeoutMs,
			"max_lag_samples":            agg.EffectiveMaxLag(),
			"confidence_threshold":       agg.ConfidenceThreshold,
			"stall_ticks_threshold":      agg.StallTicksThreshold,
			"disconnect_ticks_threshold": agg.DisconnectTicksThreshold,
			"queue_capacity_per_node":    agg.QueueCapacityPerNode,
			"staleness_ticks":            agg.StalenessTicks,
			"estimate_every_ticks":       agg.EstimateEveryTicks,
			"silence_floor":              agg.SilenceFloor,
			"stream_timeout":             agg.StreamTimeout,
		},
		"sink": map[string]any{
			"wav_path":             cfg.Sink.WAVPath,
			"websocket":            cfg.Sink.WebSocket,
			"client_buffer_frames": cfg.Sink.ClientBufferFrames,
		},
		"logging": map[string]any{
			"level":  cfg.Logging.Level,
			"format": cfg.Logging.Format,
			"output": cfg.Logging.Output,
		},
	})
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]any{
		"uptime":     time.Since(h.startTime).String(),
		"timestamp":  time.Now().UTC(),
		"transports": h.transportStats(),
		"nodes": map[string]any{
			"registered": h.deps.Streams.StreamCount(),
			"active":     h.deps.Streams.ActiveCount(),
		},
	}
	if h.deps.Coordinator != nil {
		stats["output"] = h.deps.Coordinator.Stats()
	}

	writeJSON(w, stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, map[string]any{
		"service": "Beamforming Aggregator",
		"version": h.deps.Version,
		"endpoints": map[string]any{
			"GET /":                         "API documentation",
			"GET /health":                   "Service health check",
			"GET /nodes":                    "List all microphone nodes",
			"GET /nodes/{node_id}":          "Get detailed node information",
			"GET /nodes/{node_id}/last.wav": "Download the node's last delivered window",
			"GET /config":                   "Get service configuration",
			"GET /stats":                    "Get aggregation statistics",
			"GET /metrics":                  "Prometheus metrics",
			"GET /ws":                       "WebSocket stream of beamformed frames",
		},
		"timestamp": time.Now().UTC(),
	})
}
