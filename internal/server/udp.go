package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skypro1111/beamform-aggregator/internal/audio"
	"github.com/skypro1111/beamform-aggregator/internal/config"
	"github.com/skypro1111/beamform-aggregator/internal/metrics"
	"github.com/skypro1111/beamform-aggregator/internal/protocol"
)

// FrameHandler accepts decoded frames from a transport
type FrameHandler interface {
	HandleFrame(frame *audio.Frame) error
	Disconnect(nodeID uint32, reason string) bool
}

// UDPServer receives one frame per datagram from microphone nodes
type UDPServer struct {
	conn    *net.UDPConn
	config  *config.ServerConfig
	logger  *slog.Logger
	handler FrameHandler
	decoder *protocol.Decoder
	metrics *metrics.Metrics

	// Concurrency management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	packetChan chan *incomingPacket
	stopOnce   sync.Once

	counters counters
}

// incomingPacket represents a received datagram with metadata
type incomingPacket struct {
	data       []byte
	remoteAddr *net.UDPAddr
	received   time.Time
}

// counters are shared by the UDP and TCP servers
type counters struct {
	framesReceived  atomic.Uint64
	framesAccepted  atomic.Uint64
	malformedFrames atomic.Uint64
	droppedPackets  atomic.Uint64
}

// Statistics represents transport performance counters
type Statistics struct {
	FramesReceived  uint64 `json:"frames_received"`
	FramesAccepted  uint64 `json:"frames_accepted"`
	MalformedFrames uint64 `json:"malformed_frames"`
	DroppedPackets  uint64 `json:"dropped_packets"`
	QueueSize       int    `json:"queue_size"`
	QueueCapacity   int    `json:"queue_capacity"`
	Connections     int    `json:"connections"`
}

func (c *counters) snapshot() Statistics {
	return Statistics{
		FramesReceived:  c.framesReceived.Load(),
		FramesAccepted:  c.framesAccepted.Load(),
		MalformedFrames: c.malformedFrames.Load(),
		DroppedPackets:  c.droppedPackets.Load(),
	}
}

// deliver decodes a payload and hands the frame to the handler. It returns
// the decoded frame, or nil when the payload was rejected as malformed.
func deliver(data []byte, decoder *protocol.Decoder, handler FrameHandler, c *counters, m *metrics.Metrics, logger *slog.Logger, remote string) *audio.Frame {
	c.framesReceived.Add(1)
	m.RecordFrameReceived()

	frame, err := decoder.Decode(data)
	if err != nil {
		c.malformedFrames.Add(1)
		m.RecordMalformedFrame()
		logger.Warn("Discarded malformed frame",
			slog.String("remote_addr", remote),
			slog.Int("size", len(data)),
			slog.String("error", err.Error()),
		)
		return nil
	}

	err = handler.HandleFrame(frame)
	switch {
	case err == nil, errors.Is(err, audio.ErrQueueOverflow):
		c.framesAccepted.Add(1)
	case errors.Is(err, audio.ErrDuplicateFrame):
		// counted by the stream manager
	case errors.Is(err, protocol.ErrMalformedFrame):
		c.malformedFrames.Add(1)
		m.RecordMalformedFrame()
		logger.Warn("Rejected frame",
			slog.String("remote_addr", remote),
			slog.Uint64("node_id", uint64(frame.NodeID)),
			slog.String("error", err.Error()),
		)
		return nil
	default:
		logger.Error("Failed to enqueue frame",
			slog.Uint64("node_id", uint64(frame.NodeID)),
			slog.String("error", err.Error()),
		)
	}

	return frame
}

// NewUDPServer creates a new UDP server instance
func NewUDPServer(cfg *config.ServerConfig, logger *slog.Logger, handler FrameHandler, accept protocol.NodeFilter, m *metrics.Metrics) *UDPServer {
	ctx, cancel := context.WithCancel(context.Background())

	return &UDPServer{
		config:     cfg,
		logger:     logger,
		handler:    handler,
		decoder:    protocol.NewDecoder(accept),
		metrics:    m,
		ctx:        ctx,
		cancel:     cancel,
		packetChan: make(chan *incomingPacket, 1000),
	}
}

// Start begins listening for datagrams
func (s *UDPServer) Start() error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(s.config.BindAddress, fmt.Sprint(s.config.UDPPort)))
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}
	s.conn = conn

	if err := s.conn.SetReadBuffer(s.config.BufferSize); err != nil {
		s.logger.Warn("Failed to set UDP read buffer size",
			slog.Int("buffer_size", s.config.BufferSize),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("UDP server started",
		slog.String("address", conn.LocalAddr().String()),
		slog.Int("buffer_size", s.config.BufferSize),
		slog.Int("workers", s.config.Workers),
	)

	workers := s.config.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.packetProcessor(i)
	}

	s.wg.Add(1)
	go s.receiveLoop()

	return nil
}

// Addr returns the bound local address, or nil before Start
func (s *UDPServer) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Stop gracefully stops the UDP server. Queued datagrams are still processed.
func (s *UDPServer) Stop() error {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping UDP server...")

		s.cancel()
		if s.conn != nil {
			if err := s.conn.Close(); err != nil {
				s.logger.Warn("Error closing UDP connection", slog.String("error", err.Error()))
			}
		}

		s.wg.Wait()

		stats := s.GetStatistics()
		s.logger.Info("UDP server stopped",
			slog.Uint64("frames_received", stats.FramesReceived),
			slog.Uint64("frames_accepted", stats.FramesAccepted),
			slog.Uint64("malformed_frames", stats.MalformedFrames),
		)
	})
	return nil
}

// receiveLoop is the main datagram receiving loop. It owns packetChan and
// closes it on exit so that workers drain and stop.
func (s *UDPServer) receiveLoop() {
	defer s.wg.Done()
	defer close(s.packetChan)

	buffer := make([]byte, s.config.BufferSize)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		if err := s.conn.SetReadDeadline(time.Now().Add(1 * time.Second)); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Error("Failed to set read deadline", slog.String("error", err.Error()))
			continue
		}

		n, remoteAddr, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Error("Failed to read UDP packet", slog.String("error", err.Error()))
			continue
		}

		// buffer is reused by the next read
		packetData := make([]byte, n)
		copy(packetData, buffer[:n])

		packet := &incomingPacket{
			data:       packetData,
			remoteAddr: remoteAddr,
			received:   time.Now(),
		}

		select {
		case s.packetChan <- packet:
			s.metrics.SetQueueSize(len(s.packetChan))
		default:
			s.counters.droppedPackets.Add(1)
			s.logger.Warn("Packet processing queue full, dropping packet",
				slog.String("remote_addr", remoteAddr.String()),
				slog.Int("packet_size", n),
			)
		}
	}
}

// packetProcessor decodes packets from the packet channel
func (s *UDPServer) packetProcessor(workerID int) {
	defer s.wg.Done()

	s.logger.Debug("Packet processor started", slog.Int("worker_id", workerID))

	for packet := range s.packetChan {
		deliver(packet.data, s.decoder, s.handler, &s.counters, s.metrics, s.logger, packet.remoteAddr.String())
	}

	s.logger.Debug("Packet processor stopped", slog.Int("worker_id", workerID))
}

// GetStatistics returns current server statistics
func (s *UDPServer) GetStatistics() Statistics {
	stats := s.counters.snapshot()
	stats.QueueSize = len(s.packetChan)
	stats.QueueCapacity = cap(s.packetChan)
	return stats
}
