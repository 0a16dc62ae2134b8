package sink

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/skypro1111/beamform-aggregator/internal/audio"
	"github.com/skypro1111/beamform-aggregator/internal/beamform"
)

// WAVSink records the output as a 16-bit mono WAV file.
// The header is finalized when the sink is closed.
type WAVSink struct {
	path   string
	file   *os.File
	writer *audio.WAVWriter
	logger *slog.Logger

	mu     sync.Mutex
	failed bool
	closed bool
}

// NewWAVSink creates or truncates the file at path
func NewWAVSink(path string, sampleRate int, logger *slog.Logger) (*WAVSink, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording %s: %w", path, err)
	}

	writer, err := audio.NewWAVWriter(file, sampleRate)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to start recording %s: %w", path, err)
	}

	logger.Info("Recording beamformed output",
		slog.String("path", path),
		slog.Int("sample_rate", sampleRate),
	)

	return &WAVSink{
		path:   path,
		file:   file,
		writer: writer,
		logger: logger,
	}, nil
}

// Deliver appends the frame's samples. After the first write error the
// recording stops and further frames are ignored.
func (s *WAVSink) Deliver(frame beamform.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failed || s.closed {
		return
	}

	if err := s.writer.WriteSamples(frame.Samples); err != nil {
		s.failed = true
		s.logger.Error("Recording failed, dropping further output",
			slog.String("path", s.path),
			slog.Uint64("tick", frame.Tick),
			slog.String("error", err.Error()),
		)
	}
}

// SamplesWritten returns the number of samples recorded so far
func (s *WAVSink) SamplesWritten() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writer.SamplesWritten()
}

// Close patches the WAV header and closes the file
func (s *WAVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	headerErr := s.writer.Close()
	if err := s.file.Close(); err != nil && headerErr == nil {
		headerErr = err
	}
	if headerErr != nil {
		return fmt.Errorf("failed to finalize recording %s: %w", s.path, headerErr)
	}

	s.logger.Info("Recording closed",
		slog.String("path", s.path),
		slog.Int("samples", s.writer.SamplesWritten()),
	)
	return nil
}
