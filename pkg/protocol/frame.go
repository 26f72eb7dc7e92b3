package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

const (
	// MaxFrameSize is the maximum allowed payload size (10 MiB). A declared
	// length above this is a protocol violation and the caller must drop the
	// connection without reading the payload.
	MaxFrameSize = 10 * 1024 * 1024
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size (10 MiB)")
	// ErrIncompleteFrame indicates the peer closed the stream mid-frame.
	// A clean close between frames surfaces as io.EOF instead.
	ErrIncompleteFrame = errors.New("incomplete frame: stream closed mid-frame")
)

// EncodeFrame writes one frame to the writer: a 4-byte big-endian unsigned
// length followed by the raw payload.
func EncodeFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}

	// Flush if the writer supports it (e.g., *bufio.Writer)
	type flusher interface {
		Flush() error
	}
	if fl, ok := w.(flusher); ok {
		return fl.Flush()
	}

	return nil
}

// DecodeFrame reads one frame from the reader, blocking until the full
// length prefix and payload arrive or the stream closes.
//
// Returns io.EOF when the stream closes cleanly between frames, and
// ErrIncompleteFrame when it closes after a partial frame. The payload is
// never read when the declared length exceeds MaxFrameSize.
func DecodeFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			return nil, ErrIncompleteFrame
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, ErrIncompleteFrame
			}
			return nil, err
		}
	}

	return payload, nil
}
