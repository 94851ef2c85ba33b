package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame size constants for the stdio transport.
const (
	// DefaultMaxFrameSize is the default maximum frame size (16 MiB), including the length prefix.
	DefaultMaxFrameSize = 16 * 1024 * 1024
	// LengthPrefixSize is the size of the big-endian length prefix in bytes.
	LengthPrefixSize = 4
)

// FrameErrorKind classifies frame errors.
type FrameErrorKind int

const (
	// FrameErrorPartial indicates a truncated or incomplete frame.
	FrameErrorPartial FrameErrorKind = iota
	// FrameErrorTooLarge indicates a frame exceeding the size limit.
	FrameErrorTooLarge
	// FrameErrorDecode indicates a payload that is not a valid envelope.
	FrameErrorDecode
)

// FrameError represents a frame read or decode error.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether the stream can no longer be read. Partial and oversized frames leave
// the reader out of sync; a frame that fails to decode is skipped.
func (e *FrameError) IsFatal() bool {
	return e.Kind == FrameErrorPartial || e.Kind == FrameErrorTooLarge
}

// IsFatalFrameError returns true if err is a fatal frame error.
func IsFatalFrameError(err error) bool {
	var frameErr *FrameError
	if errors.As(err, &frameErr) {
		return frameErr.IsFatal()
	}
	return false
}

// FrameDecoder reads length-prefixed frames from a stream.
type FrameDecoder struct {
	reader     io.Reader
	maxPayload uint32
}

// NewFrameDecoder creates a decoder that rejects frames larger than maxFrameSize. A
// non-positive maxFrameSize uses DefaultMaxFrameSize.
func NewFrameDecoder(r io.Reader, maxFrameSize int) *FrameDecoder {
	return &FrameDecoder{reader: r, maxPayload: maxPayload(maxFrameSize)}
}

// ReadFrame reads a single frame and returns its payload.
//
// Errors:
//   - io.EOF: stream ended cleanly between frames
//   - *FrameError with Kind=FrameErrorPartial: incomplete frame (fatal)
//   - *FrameError with Kind=FrameErrorTooLarge: frame exceeds limit (fatal)
func (d *FrameDecoder) ReadFrame() ([]byte, error) {
	var lengthBuf [LengthPrefixSize]byte
	if _, err := io.ReadFull(d.reader, lengthBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &FrameError{Kind: FrameErrorPartial, Msg: "failed to read length prefix", Err: err}
	}

	payloadSize := binary.BigEndian.Uint32(lengthBuf[:])
	if payloadSize > d.maxPayload {
		return nil, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", payloadSize, d.maxPayload),
		}
	}

	payload := make([]byte, payloadSize)
	if _, err := io.ReadFull(d.reader, payload); err != nil {
		return nil, &FrameError{Kind: FrameErrorPartial, Msg: "failed to read payload", Err: err}
	}
	return payload, nil
}

// FrameEncoder writes length-prefixed frames to a stream. It is not safe for concurrent use.
type FrameEncoder struct {
	writer     io.Writer
	maxPayload uint32
}

// NewFrameEncoder creates an encoder that refuses payloads larger than maxFrameSize allows.
func NewFrameEncoder(w io.Writer, maxFrameSize int) *FrameEncoder {
	return &FrameEncoder{writer: w, maxPayload: maxPayload(maxFrameSize)}
}

// WriteFrame writes payload with its length prefix in a single write.
func (e *FrameEncoder) WriteFrame(payload []byte) error {
	if uint64(len(payload)) > uint64(e.maxPayload) {
		return &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", len(payload), e.maxPayload),
		}
	}
	buf := make([]byte, LengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[LengthPrefixSize:], payload)
	_, err := e.writer.Write(buf)
	return err
}

func maxPayload(maxFrameSize int) uint32 {
	if maxFrameSize <= LengthPrefixSize {
		maxFrameSize = DefaultMaxFrameSize
	}
	return uint32(maxFrameSize - LengthPrefixSize)
}
