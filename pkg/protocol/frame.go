package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	json "github.com/goccy/go-json"
)

// MaxFrameSize is the hard cap on a frame payload (1 MiB). A header that
// claims more is a protocol violation and the connection must be dropped.
const MaxFrameSize = 1 << 20

// HeaderSize is the length of the big-endian frame header in bytes.
const HeaderSize = 4

var (
	// ErrFrameTooLarge is returned when a payload or a received header
	// exceeds MaxFrameSize. Connection-fatal.
	ErrFrameTooLarge = errors.New("frame exceeds 1MB limit")
)

// EncodeFrame returns header+payload as a single buffer so callers can
// write one frame with one Write call.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	frame := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[:HeaderSize], uint32(len(payload)))
	copy(frame[HeaderSize:], payload)
	return frame, nil
}

// EncodeMessage marshals v to JSON and wraps it in a frame.
func EncodeMessage(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return EncodeFrame(payload)
}

// WriteFrame frames payload and writes it to w atomically (single Write).
// Callers that share w between goroutines must serialize calls themselves.
func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ReadFrame reads one length-prefixed payload from r. The size check runs
// before the body is buffered, so an oversized header never triggers a
// large allocation. io.EOF is returned unchanged when the stream ends
// cleanly between frames.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: header claims %d bytes", ErrFrameTooLarge, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
