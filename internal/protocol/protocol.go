package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/skypro1111/beamform-aggregator/internal/audio"
)

// Protocol constants
const (
	PacketTypeAudioFrame = 0x03

	// Header layout: [PacketType:1][PacketLen:2][NodeID:4][Timestamp:8][SampleRate:4][SampleCount:2]
	HeaderSize = 21

	BytesPerSample     = 2
	MaxPacketSize      = math.MaxUint16
	MaxSamplesPerFrame = (MaxPacketSize - HeaderSize) / BytesPerSample
)

// ErrMalformedFrame is wrapped by every decode failure
var ErrMalformedFrame = errors.New("malformed frame")

// Header represents the fixed 21-byte frame header (big-endian)
type Header struct {
	PacketType  uint8
	PacketLen   uint16 // Total packet size (header + samples)
	NodeID      uint32
	Timestamp   uint64 // Source monotonic clock, milliseconds
	SampleRate  uint32
	SampleCount uint16
}

// NodeFilter reports whether a node id is known to the aggregator
type NodeFilter func(nodeID uint32) bool

// Decoder turns raw payloads into frames, rejecting unknown nodes
type Decoder struct {
	accept NodeFilter
}

// NewDecoder creates a decoder. A nil filter accepts every node id.
func NewDecoder(accept NodeFilter) *Decoder {
	return &Decoder{accept: accept}
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedFrame, fmt.Sprintf(format, args...))
}

// ParseHeader parses the frame header
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, malformed("header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}

	return &Header{
		PacketType:  data[0],
		PacketLen:   binary.BigEndian.Uint16(data[1:3]),
		NodeID:      binary.BigEndian.Uint32(data[3:7]),
		Timestamp:   binary.BigEndian.Uint64(data[7:15]),
		SampleRate:  binary.BigEndian.Uint32(data[15:19]),
		SampleCount: binary.BigEndian.Uint16(data[19:21]),
	}, nil
}

// ValidateHeader checks the header fields for internal consistency
func ValidateHeader(header *Header) error {
	if header.PacketType != PacketTypeAudioFrame {
		return malformed("unknown packet type: 0x%02x", header.PacketType)
	}

	if header.PacketLen < HeaderSize {
		return malformed("packet length too small: %d (minimum %d)", header.PacketLen, HeaderSize)
	}

	if header.SampleCount == 0 {
		return malformed("frame declares zero samples")
	}

	expected := HeaderSize + int(header.SampleCount)*BytesPerSample
	if int(header.PacketLen) != expected {
		return malformed("sample count mismatch: %d samples need %d bytes, header says %d",
			header.SampleCount, expected, header.PacketLen)
	}

	if header.SampleRate == 0 {
		return malformed("sample rate is zero")
	}

	if header.Timestamp > math.MaxInt64 {
		return malformed("timestamp out of range: %d", header.Timestamp)
	}

	return nil
}

// Decode parses one complete frame. Partial payloads are rejected, never padded.
func (d *Decoder) Decode(data []byte) (*audio.Frame, error) {
	header, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}

	if int(header.PacketLen) != len(data) {
		return nil, malformed("packet length mismatch: header says %d bytes, got %d bytes",
			header.PacketLen, len(data))
	}

	if err := ValidateHeader(header); err != nil {
		return nil, err
	}

	if d.accept != nil && !d.accept(header.NodeID) {
		return nil, malformed("unknown node id: %d", header.NodeID)
	}

	payload := data[HeaderSize:]
	samples := make([]int16, header.SampleCount)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(payload[i*BytesPerSample:]))
	}

	return &audio.Frame{
		NodeID:     header.NodeID,
		Timestamp:  int64(header.Timestamp),
		SampleRate: header.SampleRate,
		Samples:    samples,
	}, nil
}

// DecodeFrame parses one frame accepting any node id
func DecodeFrame(data []byte) (*audio.Frame, error) {
	return NewDecoder(nil).Decode(data)
}

// EncodeFrame serializes a frame into its wire representation
func EncodeFrame(frame *audio.Frame) ([]byte, error) {
	if len(frame.Samples) == 0 {
		return nil, fmt.Errorf("cannot encode frame without samples")
	}
	if len(frame.Samples) > MaxSamplesPerFrame {
		return nil, fmt.Errorf("too many samples: %d (maximum %d)", len(frame.Samples), MaxSamplesPerFrame)
	}
	if frame.SampleRate == 0 {
		return nil, fmt.Errorf("sample rate must be positive")
	}
	if frame.Timestamp < 0 {
		return nil, fmt.Errorf("timestamp must not be negative, got %d", frame.Timestamp)
	}

	size := HeaderSize + len(frame.Samples)*BytesPerSample
	data := make([]byte, size)

	data[0] = PacketTypeAudioFrame
	binary.BigEndian.PutUint16(data[1:3], uint16(size))
	binary.BigEndian.PutUint32(data[3:7], frame.NodeID)
	binary.BigEndian.PutUint64(data[7:15], uint64(frame.Timestamp))
	binary.BigEndian.PutUint32(data[15:19], frame.SampleRate)
	binary.BigEndian.PutUint16(data[19:21], uint16(len(frame.Samples)))

	payload := data[HeaderSize:]
	for i, s := range frame.Samples {
		binary.LittleEndian.PutUint16(payload[i*BytesPerSample:], uint16(s))
	}

	return data, nil
}

// ReadFrame reads one length-delimited frame from a byte stream and returns its
// raw bytes. A header that cannot be trusted for framing is returned as an error
// wrapping ErrMalformedFrame; the stream cannot be resynchronized after that.
func ReadFrame(r io.Reader) ([]byte, error) {
	head := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, head); err != nil {
		return nil, err
	}

	header, err := ParseHeader(head)
	if err != nil {
		return nil, err
	}
	if header.PacketType != PacketTypeAudioFrame {
		return nil, malformed("unknown packet type on stream: 0x%02x", header.PacketType)
	}
	if header.PacketLen < HeaderSize {
		return nil, malformed("packet length too small on stream: %d", header.PacketLen)
	}

	data := make([]byte, header.PacketLen)
	copy(data, head)
	if _, err := io.ReadFull(r, data[HeaderSize:]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("truncated frame body: %w", err)
	}

	return data, nil
}

// String returns a human-readable representation of the header
func (h *Header) String() string {
	return fmt.Sprintf("Header{Type:0x%02x, Len:%d, Node:%d, Timestamp:%d, SampleRate:%d, Samples:%d}",
		h.PacketType, h.PacketLen, h.NodeID, h.Timestamp, h.SampleRate, h.SampleCount)
}
