package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const wavHeaderSize = 44

// WAVHeader represents the canonical 44-byte header of a PCM WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32 // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16 // NumChannels * BitsPerSample / 8
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

func newMonoHeader(sampleRate uint32, dataSize uint32) WAVHeader {
	const (
		numChannels   = 1
		bitsPerSample = 16
	)
	return WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   numChannels,
		SampleRate:    sampleRate,
		ByteRate:      sampleRate * numChannels * bitsPerSample / 8,
		BlockAlign:    numChannels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

// EncodeWAV encodes mono PCM-16 samples into an in-memory WAV file
func EncodeWAV(samples []int16, sampleRate int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio samples")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(samples)*2))
	header := newMonoHeader(uint32(sampleRate), uint32(len(samples)*2))

	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, samples); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}

	return buf.Bytes(), nil
}

// DecodeWAV decodes a mono PCM-16 WAV file, returning samples and sample rate
func DecodeWAV(data []byte) ([]int16, int, error) {
	if len(data) < wavHeaderSize {
		return nil, 0, fmt.Errorf("WAV data too short: need at least %d bytes, got %d", wavHeaderSize, len(data))
	}

	r := bytes.NewReader(data)
	var header WAVHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, 0, fmt.Errorf("failed to read WAV header: %w", err)
	}

	switch {
	case string(header.ChunkID[:]) != "RIFF":
		return nil, 0, fmt.Errorf("invalid WAV file: missing RIFF header")
	case string(header.Format[:]) != "WAVE":
		return nil, 0, fmt.Errorf("invalid WAV file: missing WAVE format")
	case string(header.Subchunk2ID[:]) != "data":
		return nil, 0, fmt.Errorf("invalid WAV file: missing data chunk")
	case header.AudioFormat != 1 || header.BitsPerSample != 16 || header.NumChannels != 1:
		return nil, 0, fmt.Errorf("unsupported WAV format: format=%d bits=%d channels=%d",
			header.AudioFormat, header.BitsPerSample, header.NumChannels)
	}

	numSamples := int(header.Subchunk2Size) / 2
	if numSamples > (len(data)-wavHeaderSize)/2 {
		return nil, 0, fmt.Errorf("WAV data truncated: header declares %d samples", numSamples)
	}

	samples := make([]int16, numSamples)
	if err := binary.Read(r, binary.LittleEndian, samples); err != nil {
		return nil, 0, fmt.Errorf("failed to read audio samples: %w", err)
	}

	return samples, int(header.SampleRate), nil
}

// WAVWriter streams mono PCM-16 samples into a WAV file whose header is
// rewritten with the final sizes on Close
type WAVWriter struct {
	w          io.WriteSeeker
	sampleRate uint32
	dataSize   uint32
	closed     bool
}

// NewWAVWriter writes a placeholder header and returns a writer positioned at the data chunk
func NewWAVWriter(w io.WriteSeeker, sampleRate int) (*WAVWriter, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	ww := &WAVWriter{w: w, sampleRate: uint32(sampleRate)}
	if err := binary.Write(w, binary.LittleEndian, newMonoHeader(ww.sampleRate, 0)); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	return ww, nil
}

// WriteSamples appends samples to the data chunk
func (ww *WAVWriter) WriteSamples(samples []int16) error {
	if ww.closed {
		return fmt.Errorf("WAV writer is closed")
	}
	if err := binary.Write(ww.w, binary.LittleEndian, samples); err != nil {
		return fmt.Errorf("failed to write audio data: %w", err)
	}
	ww.dataSize += uint32(len(samples) * 2)
	return nil
}

// SamplesWritten returns the number of samples written so far
func (ww *WAVWriter) SamplesWritten() int {
	return int(ww.dataSize / 2)
}

// Close patches the header with the final data size
func (ww *WAVWriter) Close() error {
	if ww.closed {
		return nil
	}
	ww.closed = true

	if _, err := ww.w.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to WAV header: %w", err)
	}
	if err := binary.Write(ww.w, binary.LittleEndian, newMonoHeader(ww.sampleRate, ww.dataSize)); err != nil {
		return fmt.Errorf("failed to rewrite WAV header: %w", err)
	}
	if _, err := ww.w.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("failed to seek to WAV end: %w", err)
	}
	return nil
}
