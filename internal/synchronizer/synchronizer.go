package synchronizer

import (
	"log/slog"
	"time"

	"github.com/skypro1111/beamform-aggregator/internal/audio"
	"github.com/skypro1111/beamform-aggregator/internal/metrics"
	"github.com/skypro1111/beamform-aggregator/internal/stream"
)

// Config holds the synchronizer timing parameters
type Config struct {
	TickPeriodMs    int64
	ToleranceMs     int64
	WaitTimeout     time.Duration
	FrameSamples    int
	StallTicks      int
	DisconnectTicks int
	StalenessTicks  int
}

// Source provides the node streams to align, ordered by node id
type Source interface {
	Streams() []*stream.NodeStream
}

// Synchronizer turns per-node queues into AlignedWindows in tick order.
// It is not safe for concurrent use; a single coordinator drives it.
type Synchronizer struct {
	config  Config
	source  Source
	logger  *slog.Logger
	metrics *metrics.Metrics

	started bool
	origin  time.Time // wall time of tick 0
	tick    uint64
	staged  map[uint32]*audio.Frame
}

// New creates a synchronizer reading from source
func New(config Config, source Source, logger *slog.Logger, m *metrics.Metrics) *Synchronizer {
	return &Synchronizer{
		config:  config,
		source:  source,
		logger:  logger,
		metrics: m,
		staged:  make(map[uint32]*audio.Frame),
	}
}

// Tick returns the tick currently being assembled
func (s *Synchronizer) Tick() uint64 {
	return s.tick
}

// Deadline returns the wall time after which the current tick is emitted
// degraded. It reports false until the first node joins.
func (s *Synchronizer) Deadline() (time.Time, bool) {
	if !s.started {
		return time.Time{}, false
	}
	return s.deadline(), true
}

func (s *Synchronizer) deadline() time.Time {
	period := time.Duration(s.config.TickPeriodMs) * time.Millisecond
	return s.origin.Add(time.Duration(s.tick)*period + s.config.WaitTimeout)
}

func (s *Synchronizer) logicalStart(tick uint64) int64 {
	return int64(tick) * s.config.TickPeriodMs
}

// Assemble emits every window that is ready at wall time now, in tick order
func (s *Synchronizer) Assemble(now time.Time) []AlignedWindow {
	var windows []AlignedWindow
	for {
		w, progressed := s.step(now, false)
		if !progressed {
			return windows
		}
		if w != nil {
			windows = append(windows, *w)
		}
	}
}

// Drain emits the ticks whose channels are all already staged or pending,
// without waiting for deadlines or admitting new nodes
func (s *Synchronizer) Drain() []AlignedWindow {
	var windows []AlignedWindow
	for {
		w, progressed := s.step(time.Time{}, true)
		if !progressed {
			return windows
		}
		if w != nil {
			windows = append(windows, *w)
		}
	}
}

// step tries to finish the current tick. It reports whether the tick advanced.
func (s *Synchronizer) step(now time.Time, drain bool) (*AlignedWindow, bool) {
	start := s.logicalStart(s.tick)
	streams := s.source.Streams()

	if !drain && s.admit(streams, start) > 0 && !s.started {
		s.started = true
		s.origin = now
		s.logger.Info("Synchronizer started", slog.Time("origin", now))
	}
	if !s.started {
		return nil, false
	}

	required := make([]*stream.NodeStream, 0, len(streams))
	for _, st := range streams {
		if st.State().Required() {
			required = append(required, st)
		}
	}

	if len(required) == 0 {
		if drain || now.Before(s.deadline()) {
			return nil, false
		}
		s.advance()
		return nil, true
	}

	complete := true
	for _, st := range required {
		if _, ok := s.staged[st.NodeID]; ok {
			continue
		}
		if frame := s.poll(st, start); frame != nil {
			s.staged[st.NodeID] = frame
		} else {
			complete = false
		}
	}

	if !complete && (drain || now.Before(s.deadline())) {
		return nil, false
	}

	w := s.emit(required, start, now)
	return w, true
}

// admit joins nodes that are unseen or disconnected and have pending frames
func (s *Synchronizer) admit(streams []*stream.NodeStream, start int64) int {
	joined := 0
	for _, st := range streams {
		ok, resynced := st.Join(start)
		if !ok {
			continue
		}
		joined++
		s.metrics.SetClockOffset(st.NodeID, st.Offset())
		s.logger.Info("Node joined",
			slog.Uint64("node_id", uint64(st.NodeID)),
			slog.Uint64("tick", s.tick),
			slog.Int64("clock_offset_ms", st.Offset()),
			slog.Bool("resynced", resynced),
		)
	}
	return joined
}

// poll pops the node's frames up to the end of the tick's acceptance
// interval and returns the one closest to the tick start
func (s *Synchronizer) poll(st *stream.NodeStream, start int64) *audio.Frame {
	offset := st.Offset()
	lo := start - s.config.ToleranceMs/2
	hi := lo + max(s.config.ToleranceMs, 1) // exclusive

	frames := st.Queue().PopReady(hi - 1 - offset)

	var best *audio.Frame
	var bestErr int64
	late := 0
	for _, f := range frames {
		logical := f.Timestamp + offset
		if logical < lo {
			late++
			continue
		}
		errMs := abs(logical - start)
		if best != nil {
			late++
			if errMs >= bestErr {
				continue
			}
		}
		best, bestErr = f, errMs
	}

	if late > 0 {
		st.RecordLate(late)
		s.metrics.RecordLateFrames(st.NodeID, late)
		s.logger.Debug("Dropped late frames",
			slog.Uint64("node_id", uint64(st.NodeID)),
			slog.Uint64("tick", s.tick),
			slog.Int("count", late),
		)
	}

	if best != nil {
		s.correctDrift(st, best.Timestamp+offset-start)
	}

	return best
}

// correctDrift moves the node's offset 1 ms toward the observed error once
// the error exceeds a quarter of the tolerance
func (s *Synchronizer) correctDrift(st *stream.NodeStream, errMs int64) {
	if abs(errMs) <= s.config.ToleranceMs/4 {
		return
	}
	delta := int64(-1)
	if errMs < 0 {
		delta = 1
	}
	st.Nudge(delta)
	s.metrics.SetClockOffset(st.NodeID, st.Offset())
}

func (s *Synchronizer) emit(required []*stream.NodeStream, start int64, now time.Time) *AlignedWindow {
	w := &AlignedWindow{
		Tick:     s.tick,
		Start:    start,
		Status:   StatusComplete,
		Channels: make([]Channel, 0, len(required)),
	}

	for _, st := range required {
		ch := Channel{NodeID: st.NodeID, Fallback: FallbackNone}

		if frame, ok := s.staged[st.NodeID]; ok {
			ch.Samples = frame.Samples
			st.Hit(s.tick, frame.Samples)
		} else {
			w.Status = StatusDegraded
			if st.Miss(s.config.StallTicks, s.config.DisconnectTicks) == stream.StateDisconnected {
				continue
			}

			ch.Substituted = true
			if samples, ok := st.LastKnown(s.tick, s.config.StalenessTicks); ok {
				ch.Samples = samples
				ch.Fallback = FallbackLastKnown
			} else {
				ch.Samples = audio.Silence(s.config.FrameSamples)
				ch.Fallback = FallbackSilence
			}
			s.metrics.RecordSubstitution(st.NodeID, string(ch.Fallback))
		}

		ch.Resynced, ch.Unreliable = st.TakeFlags()
		w.Channels = append(w.Channels, ch)
	}

	s.advance()

	if len(w.Channels) == 0 {
		return nil
	}

	lag := 0.0
	if !now.IsZero() {
		period := time.Duration(s.config.TickPeriodMs) * time.Millisecond
		lag = now.Sub(s.origin.Add(time.Duration(w.Tick) * period)).Seconds()
	}
	s.metrics.RecordWindow(string(w.Status), lag)

	if w.Status == StatusDegraded {
		s.logger.Debug("Emitted degraded window",
			slog.Uint64("tick", w.Tick),
			slog.Int("channels", len(w.Channels)),
			slog.Int("substituted", w.Substituted()),
		)
	}

	return w
}

func (s *Synchronizer) advance() {
	s.tick++
	clear(s.staged)
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
