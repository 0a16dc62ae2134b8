package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/skypro1111/beamform-aggregator/internal/config"
	"github.com/skypro1111/beamform-aggregator/internal/metrics"
	"github.com/skypro1111/beamform-aggregator/internal/protocol"
)

// TCPServer receives a length-delimited frame stream per node connection.
// Nodes seen on a connection are disconnected when it closes.
type TCPServer struct {
	listener net.Listener
	config   *config.ServerConfig
	logger   *slog.Logger
	handler  FrameHandler
	decoder  *protocol.Decoder
	metrics  *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	stopOnce sync.Once
	counters counters
}

// NewTCPServer creates a new TCP server instance
func NewTCPServer(cfg *config.ServerConfig, logger *slog.Logger, handler FrameHandler, accept protocol.NodeFilter, m *metrics.Metrics) *TCPServer {
	ctx, cancel := context.WithCancel(context.Background())

	return &TCPServer{
		config:  cfg,
		logger:  logger,
		handler: handler,
		decoder: protocol.NewDecoder(accept),
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start begins accepting node connections
func (s *TCPServer) Start() error {
	address := net.JoinHostPort(s.config.BindAddress, fmt.Sprint(s.config.TCPPort))
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on TCP: %w", err)
	}
	s.listener = listener

	s.logger.Info("TCP server started", slog.String("address", listener.Addr().String()))

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the bound local address, or nil before Start
func (s *TCPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every open connection
func (s *TCPServer) Stop() error {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping TCP server...")

		s.cancel()
		if s.listener != nil {
			if err := s.listener.Close(); err != nil {
				s.logger.Warn("Error closing TCP listener", slog.String("error", err.Error()))
			}
		}

		s.mu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()

		s.wg.Wait()

		stats := s.GetStatistics()
		s.logger.Info("TCP server stopped",
			slog.Uint64("frames_received", stats.FramesReceived),
			slog.Uint64("frames_accepted", stats.FramesAccepted),
			slog.Uint64("malformed_frames", stats.MalformedFrames),
		)
	})
	return nil
}

func (s *TCPServer) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("Failed to accept TCP connection", slog.String("error", err.Error()))
			continue
		}

		if !s.track(conn) {
			conn.Close()
			return
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *TCPServer) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conns[conn] = struct{}{}
	s.metrics.SetTCPConnections(len(s.conns))
	return true
}

func (s *TCPServer) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
	s.metrics.SetTCPConnections(len(s.conns))
}

// handleConnection reads frames until EOF, a read error or an unframeable
// header, then disconnects every node that sent on the connection.
func (s *TCPServer) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	logger := s.logger.With(slog.String("remote_addr", remote))
	logger.Info("Node connection opened")

	nodes := make(map[uint32]struct{})
	reason := "connection closed"

	for {
		data, err := protocol.ReadFrame(conn)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
			case errors.Is(err, protocol.ErrMalformedFrame):
				s.counters.malformedFrames.Add(1)
				s.metrics.RecordMalformedFrame()
				reason = "unframeable stream"
				logger.Warn("Closing connection after malformed header", slog.String("error", err.Error()))
			case s.ctx.Err() != nil:
				reason = "server stopping"
			default:
				reason = "read error"
				logger.Warn("Node connection read failed", slog.String("error", err.Error()))
			}
			break
		}

		if frame := deliver(data, s.decoder, s.handler, &s.counters, s.metrics, logger, remote); frame != nil {
			nodes[frame.NodeID] = struct{}{}
		}
	}

	for nodeID := range nodes {
		s.handler.Disconnect(nodeID, reason)
	}

	logger.Info("Node connection closed",
		slog.String("reason", reason),
		slog.Int("nodes", len(nodes)),
	)
}

// GetStatistics returns current server statistics
func (s *TCPServer) GetStatistics() Statistics {
	stats := s.counters.snapshot()
	s.mu.Lock()
	stats.Connections = len(s.conns)
	s.mu.Unlock()
	return stats
}
