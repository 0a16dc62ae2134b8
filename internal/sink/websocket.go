package sink

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/skypro1111/beamform-aggregator/internal/beamform"
	"github.com/skypro1111/beamform-aggregator/internal/metrics"
)

const writeTimeout = 5 * time.Second

// FrameMessage is the JSON message sent to listeners for each frame
type FrameMessage struct {
	Type string `json:"type"`
	beamform.Frame
}

type listener struct {
	frames chan beamform.Frame
	remote string
}

// Broadcaster streams frames to WebSocket listeners. Each listener has a
// bounded queue; frames for a listener that falls behind are dropped.
type Broadcaster struct {
	logger     *slog.Logger
	metrics    *metrics.Metrics
	bufferSize int

	mu        sync.RWMutex
	listeners map[*listener]struct{}
	closed    bool
}

// NewBroadcaster creates a broadcaster with a per-listener queue of bufferSize frames
func NewBroadcaster(bufferSize int, logger *slog.Logger, m *metrics.Metrics) *Broadcaster {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Broadcaster{
		logger:     logger,
		metrics:    m,
		bufferSize: bufferSize,
		listeners:  make(map[*listener]struct{}),
	}
}

// ServeHTTP upgrades the request and streams frames until either side closes
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		b.logger.Warn("WebSocket accept failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}
	defer conn.CloseNow()

	l := &listener{
		frames: make(chan beamform.Frame, b.bufferSize),
		remote: r.RemoteAddr,
	}
	if !b.add(l) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer b.remove(l)

	b.logger.Info("Listener connected", slog.String("remote_addr", l.remote))

	// Listeners only receive; CloseRead handles control frames and
	// cancels ctx when the peer goes away
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Listener disconnected", slog.String("remote_addr", l.remote))
			return

		case frame, ok := <-l.frames:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}

			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, conn, FrameMessage{Type: "frame", Frame: frame})
			cancel()
			if err != nil {
				b.logger.Debug("Listener write failed",
					slog.String("remote_addr", l.remote),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}

func (b *Broadcaster) add(l *listener) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}
	b.listeners[l] = struct{}{}
	b.metrics.SetWebSocketClients(len(b.listeners))
	return true
}

func (b *Broadcaster) remove(l *listener) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.listeners, l)
	b.metrics.SetWebSocketClients(len(b.listeners))
}

// Deliver queues the frame for every listener without blocking
func (b *Broadcaster) Deliver(frame beamform.Frame) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for l := range b.listeners {
		select {
		case l.frames <- frame:
		default:
			b.metrics.RecordSinkDrop("websocket")
		}
	}
}

// ListenerCount returns the number of connected listeners
func (b *Broadcaster) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Close disconnects every listener once its queued frames are written
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for l := range b.listeners {
		close(l.frames)
	}
	clear(b.listeners)
	b.metrics.SetWebSocketClients(0)

	return nil
}
