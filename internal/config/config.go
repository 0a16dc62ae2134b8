package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ReferenceAuto selects the highest-energy channel as the delay reference
const ReferenceAuto = "auto"

// Transport modes for node ingestion
const (
	TransportUDP  = "udp"
	TransportTCP  = "tcp"
	TransportBoth = "both"
)

// Config represents the complete service configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	HTTP       HTTPConfig       `yaml:"http"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Sink       SinkConfig       `yaml:"sink"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig contains node ingestion transport configuration
type ServerConfig struct {
	Transport   string `yaml:"transport"` // udp, tcp or both
	BindAddress string `yaml:"bind_address"`
	UDPPort     int    `yaml:"udp_port"`
	TCPPort     int    `yaml:"tcp_port"`
	BufferSize  int    `yaml:"buffer_size"`
	Workers     int    `yaml:"workers"` // UDP decode workers
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// AggregatorConfig contains synchronization, delay estimation and beamforming parameters
type AggregatorConfig struct {
	NodeCount                int      `yaml:"node_count"`
	NodeIDs                  []uint32 `yaml:"node_ids"`       // optional; defaults to 0..node_count-1
	ReferenceNode            string   `yaml:"reference_node"` // node id or "auto"
	SampleRate               int      `yaml:"sample_rate"`
	TickPeriodMs             int      `yaml:"tick_period_ms"`
	AlignmentToleranceMs     int      `yaml:"alignment_tolerance_ms"`
	WaitTimeoutMs            int      `yaml:"wait_timeout_ms"` // 0 means 2x tolerance
	MaxLagSamples            int      `yaml:"max_lag_samples"` // 0 derives from mic spacing
	ConfidenceThreshold      float64  `yaml:"confidence_threshold"`
	StallTicksThreshold      int      `yaml:"stall_ticks_threshold"`      // consecutive misses, inclusive
	DisconnectTicksThreshold int      `yaml:"disconnect_ticks_threshold"` // consecutive misses, inclusive
	QueueCapacityPerNode     int      `yaml:"queue_capacity_per_node"`
	StalenessTicks           int      `yaml:"staleness_ticks"`
	EstimateEveryTicks       int      `yaml:"estimate_every_ticks"`
	MicSpacingM              float64  `yaml:"mic_spacing_m"`
	SpeedOfSound             float64  `yaml:"speed_of_sound"`
	SilenceFloor             float64  `yaml:"silence_floor"` // RMS at or below which a channel is silent
	StreamTimeout            int      `yaml:"stream_timeout"` // seconds a disconnected node is remembered
}

// SinkConfig contains output sink configuration
type SinkConfig struct {
	WAVPath            string `yaml:"wav_path"` // empty disables recording
	WebSocket          bool   `yaml:"websocket"`
	ClientBufferFrames int    `yaml:"client_buffer_frames"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return Parse(data)
}

// Parse decodes YAML configuration, applies defaults and validates the result
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Default returns a configuration suitable for the three-node reference setup
func Default() *Config {
	c := &Config{
		Server: ServerConfig{
			Transport:   TransportBoth,
			BindAddress: "0.0.0.0",
			UDPPort:     5000,
			TCPPort:     65432,
			BufferSize:  65536,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "0.0.0.0",
			Enabled: true,
		},
		Aggregator: AggregatorConfig{
			NodeCount:     3,
			ReferenceNode: ReferenceAuto,
			SampleRate:    16000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills optional fields left at their zero value
func (c *Config) ApplyDefaults() {
	if c.Server.Transport == "" {
		c.Server.Transport = TransportUDP
	}
	if c.Server.BufferSize == 0 {
		c.Server.BufferSize = 65536
	}
	if c.Server.Workers == 0 {
		c.Server.Workers = 4
	}

	a := &c.Aggregator
	if a.ReferenceNode == "" {
		a.ReferenceNode = ReferenceAuto
	}
	if a.TickPeriodMs == 0 {
		a.TickPeriodMs = 20
	}
	if a.AlignmentToleranceMs == 0 {
		a.AlignmentToleranceMs = a.TickPeriodMs
	}
	if a.WaitTimeoutMs == 0 {
		a.WaitTimeoutMs = 2 * a.AlignmentToleranceMs
	}
	if a.ConfidenceThreshold == 0 {
		a.ConfidenceThreshold = 0.5
	}
	if a.StallTicksThreshold == 0 {
		a.StallTicksThreshold = 1
	}
	if a.DisconnectTicksThreshold == 0 {
		a.DisconnectTicksThreshold = 50
	}
	if a.QueueCapacityPerNode == 0 {
		a.QueueCapacityPerNode = 32
	}
	if a.StalenessTicks == 0 {
		a.StalenessTicks = 2
	}
	if a.EstimateEveryTicks == 0 {
		a.EstimateEveryTicks = 1
	}
	if a.MicSpacingM == 0 {
		a.MicSpacingM = 0.1
	}
	if a.SpeedOfSound == 0 {
		a.SpeedOfSound = 343
	}
	if a.SilenceFloor == 0 {
		a.SilenceFloor = 1
	}
	if a.StreamTimeout == 0 {
		a.StreamTimeout = 300
	}

	if c.Sink.ClientBufferFrames == 0 {
		c.Sink.ClientBufferFrames = 64
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Aggregator.Validate(); err != nil {
		return fmt.Errorf("aggregator config: %w", err)
	}

	if err := c.Sink.Validate(); err != nil {
		return fmt.Errorf("sink config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

func validPort(p int) bool {
	return p >= 1 && p <= 65535
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	switch s.Transport {
	case TransportUDP, TransportTCP, TransportBoth:
	default:
		return fmt.Errorf("transport must be one of [udp, tcp, both], got '%s'", s.Transport)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.Transport != TransportTCP && !validPort(s.UDPPort) {
		return fmt.Errorf("udp_port must be between 1 and 65535, got %d", s.UDPPort)
	}

	if s.Transport != TransportUDP && !validPort(s.TCPPort) {
		return fmt.Errorf("tcp_port must be between 1 and 65535, got %d", s.TCPPort)
	}

	if s.BufferSize < 1024 {
		return fmt.Errorf("buffer_size must be at least 1024 bytes, got %d", s.BufferSize)
	}

	if s.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", s.Workers)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if !validPort(h.Port) {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates aggregator configuration
func (a *AggregatorConfig) Validate() error {
	if a.NodeCount < 1 {
		return fmt.Errorf("node_count must be at least 1, got %d", a.NodeCount)
	}

	if len(a.NodeIDs) > 0 {
		if len(a.NodeIDs) != a.NodeCount {
			return fmt.Errorf("node_ids lists %d ids but node_count is %d", len(a.NodeIDs), a.NodeCount)
		}
		seen := make(map[uint32]bool, len(a.NodeIDs))
		for _, id := range a.NodeIDs {
			if seen[id] {
				return fmt.Errorf("node_ids contains duplicate id %d", id)
			}
			seen[id] = true
		}
	}

	if a.ReferenceNode != ReferenceAuto {
		id, err := strconv.ParseUint(a.ReferenceNode, 10, 32)
		if err != nil {
			return fmt.Errorf("reference_node must be 'auto' or a node id, got '%s'", a.ReferenceNode)
		}
		if !a.IsKnownNode(uint32(id)) {
			return fmt.Errorf("reference_node %d is not a configured node", id)
		}
	}

	if a.SampleRate < 1000 || a.SampleRate > 192000 {
		return fmt.Errorf("sample_rate must be between 1000 and 192000 Hz, got %d", a.SampleRate)
	}

	if a.TickPeriodMs < 1 {
		return fmt.Errorf("tick_period_ms must be at least 1, got %d", a.TickPeriodMs)
	}

	if a.SampleRate*a.TickPeriodMs%1000 != 0 {
		return fmt.Errorf("tick_period_ms %d does not hold a whole number of samples at %d Hz",
			a.TickPeriodMs, a.SampleRate)
	}

	if a.AlignmentToleranceMs < 1 {
		return fmt.Errorf("alignment_tolerance_ms must be at least 1, got %d", a.AlignmentToleranceMs)
	}

	if a.AlignmentToleranceMs > 2*a.TickPeriodMs {
		return fmt.Errorf("alignment_tolerance_ms (%d) must not exceed two tick periods (%d)",
			a.AlignmentToleranceMs, 2*a.TickPeriodMs)
	}

	if a.WaitTimeoutMs < 0 {
		return fmt.Errorf("wait_timeout_ms cannot be negative, got %d", a.WaitTimeoutMs)
	}

	if a.MaxLagSamples < 0 || a.MaxLagSamples >= a.FrameSamples() {
		return fmt.Errorf("max_lag_samples must be between 0 and %d, got %d", a.FrameSamples()-1, a.MaxLagSamples)
	}

	if a.ConfidenceThreshold < 0 || a.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be between 0 and 1, got %f", a.ConfidenceThreshold)
	}

	if a.StallTicksThreshold < 1 {
		return fmt.Errorf("stall_ticks_threshold must be at least 1, got %d", a.StallTicksThreshold)
	}

	if a.DisconnectTicksThreshold <= a.StallTicksThreshold {
		return fmt.Errorf("disconnect_ticks_threshold (%d) must be greater than stall_ticks_threshold (%d)",
			a.DisconnectTicksThreshold, a.StallTicksThreshold)
	}

	if a.QueueCapacityPerNode < 1 {
		return fmt.Errorf("queue_capacity_per_node must be at least 1, got %d", a.QueueCapacityPerNode)
	}

	if a.StalenessTicks < 0 {
		return fmt.Errorf("staleness_ticks cannot be negative, got %d", a.StalenessTicks)
	}

	if a.EstimateEveryTicks < 1 {
		return fmt.Errorf("estimate_every_ticks must be at least 1, got %d", a.EstimateEveryTicks)
	}

	if a.MicSpacingM <= 0 || a.SpeedOfSound <= 0 {
		return fmt.Errorf("mic_spacing_m and speed_of_sound must be positive")
	}

	if a.SilenceFloor < 0 {
		return fmt.Errorf("silence_floor cannot be negative, got %f", a.SilenceFloor)
	}

	if a.StreamTimeout < 1 {
		return fmt.Errorf("stream_timeout must be at least 1 second, got %d", a.StreamTimeout)
	}

	return nil
}

// Validate validates sink configuration
func (s *SinkConfig) Validate() error {
	if s.ClientBufferFrames < 1 {
		return fmt.Errorf("client_buffer_frames must be at least 1, got %d", s.ClientBufferFrames)
	}
	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Output is stdout, stderr or a file path
	return nil
}

// IsKnownNode reports whether id belongs to the configured node set
func (a *AggregatorConfig) IsKnownNode(id uint32) bool {
	if len(a.NodeIDs) == 0 {
		return int64(id) < int64(a.NodeCount)
	}
	for _, known := range a.NodeIDs {
		if known == id {
			return true
		}
	}
	return false
}

// ReferenceNodeID returns the fixed reference node, or false when selection is automatic
func (a *AggregatorConfig) ReferenceNodeID() (uint32, bool) {
	if a.ReferenceNode == ReferenceAuto {
		return 0, false
	}
	id, err := strconv.ParseUint(a.ReferenceNode, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(id), true
}

// FrameSamples returns the number of samples in one tick
func (a *AggregatorConfig) FrameSamples() int {
	return a.SampleRate * a.TickPeriodMs / 1000
}

// EffectiveMaxLag returns max_lag_samples, or the largest propagation delay
// across the array derived from mic spacing, speed of sound and sample rate
func (a *AggregatorConfig) EffectiveMaxLag() int {
	if a.MaxLagSamples > 0 {
		return a.MaxLagSamples
	}

	// Outermost microphones of a linear array are (n-1) spacings apart
	span := a.MicSpacingM * float64(max(a.NodeCount-1, 1))
	lag := int(math.Ceil(span/a.SpeedOfSound*float64(a.SampleRate))) + 1
	if limit := a.FrameSamples() - 1; lag > limit {
		lag = limit
	}
	return lag
}

// GetTickPeriod returns the tick period as a time.Duration
func (a *AggregatorConfig) GetTickPeriod() time.Duration {
	return time.Duration(a.TickPeriodMs) * time.Millisecond
}

// GetWaitTimeout returns the per-tick wait timeout as a time.Duration
func (a *AggregatorConfig) GetWaitTimeout() time.Duration {
	return time.Duration(a.WaitTimeoutMs) * time.Millisecond
}

// GetStreamTimeoutDuration returns the stream timeout as a time.Duration
func (a *AggregatorConfig) GetStreamTimeoutDuration() time.Duration {
	return time.Duration(a.StreamTimeout) * time.Second
}
