// Package ipc provides the framed duplex channel shared by the event relay
// and the helper bridge, and the named local endpoints they run over.
//
// Wire format: every message is one JSON document followed by a single
// '\n' byte. encoding/json escapes control characters inside strings and
// never emits a raw newline, so the delimiter cannot occur inside a frame.
package ipc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Delimiter terminates every frame.
const Delimiter = '\n'

// MaxFrameSize bounds a single frame, excluding its delimiter. Send refuses
// longer messages with ErrFrameTooLarge; Recv discards them and reports a
// DecodeError.
const MaxFrameSize = 1 << 20

var (
	// ErrMalformed matches (via errors.Is) every DecodeError.
	ErrMalformed = errors.New("malformed frame")

	// ErrFrameTooLarge is returned by Encode for a message over
	// MaxFrameSize and wrapped by the DecodeError of an oversized frame.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// DecodeError reports a frame that was read completely but could not be
// decoded. The channel stays usable; the next Recv reads the next frame.
type DecodeError struct {
	Frame []byte
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame (%d bytes): %v", len(e.Frame), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is makes every DecodeError match ErrMalformed.
func (e *DecodeError) Is(target error) bool { return target == ErrMalformed }

// IsDecodeError reports whether err is a recoverable decode failure rather
// than a transport failure.
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrMalformed)
}

// Channel is a framed, typed duplex channel over one byte stream. Out is
// the type written by Send, In the type produced by Recv.
//
// Send and Recv may be called concurrently with each other. Concurrent
// Sends are serialized so that frames are never interleaved.
type Channel[Out, In any] struct {
	conn io.ReadWriteCloser

	writeMu sync.Mutex
	readMu  sync.Mutex
	reader  *bufio.Reader
}

// NewChannel wraps conn.
func NewChannel[Out, In any](conn io.ReadWriteCloser) *Channel[Out, In] {
	return &Channel[Out, In]{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, 4096),
	}
}

// Encode serializes v into a single delimited frame.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("encode frame (%d bytes): %w", len(data), ErrFrameTooLarge)
	}
	if bytes.IndexByte(data, Delimiter) >= 0 {
		// Only reachable through a custom MarshalJSON emitting raw newlines.
		return nil, fmt.Errorf("encode frame: delimiter inside encoded message")
	}
	return append(data, Delimiter), nil
}

// Decode parses one frame (with or without its trailing delimiter) into v.
func Decode(frame []byte, v any) error {
	frame = bytes.TrimSuffix(frame, []byte{Delimiter})
	if err := json.Unmarshal(frame, v); err != nil {
		return &DecodeError{Frame: frame, Err: err}
	}
	return nil
}

// Send writes msg as one frame using a single Write call.
func (c *Channel[Out, In]) Send(msg Out) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Recv reads the next frame. It returns io.EOF once the peer has closed the
// stream and no bytes remain, and a *DecodeError for a frame that does not
// parse as In.
func (c *Channel[Out, In]) Recv() (In, error) {
	var msg In

	c.readMu.Lock()
	frame, err := c.readFrame()
	c.readMu.Unlock()
	if err != nil {
		return msg, err
	}

	if err := Decode(frame, &msg); err != nil {
		return msg, err
	}
	return msg, nil
}

// readFrame must be called with c.readMu held.
func (c *Channel[Out, In]) readFrame() ([]byte, error) {
	var frame []byte
	oversized := false
	for {
		chunk, err := c.reader.ReadSlice(Delimiter)
		if !oversized {
			if len(frame)+len(chunk) > MaxFrameSize+1 {
				oversized = true
				frame = nil
			} else {
				frame = append(frame, chunk...)
			}
		}

		switch {
		case err == nil:
			if oversized {
				return nil, &DecodeError{Err: ErrFrameTooLarge}
			}
			return frame, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if oversized {
				return nil, &DecodeError{Err: ErrFrameTooLarge}
			}
			if len(frame) == 0 {
				return nil, io.EOF
			}
			// Trailing frame without a delimiter; decode what arrived.
			return frame, nil
		default:
			return nil, err
		}
	}
}

// Close closes the underlying stream.
func (c *Channel[Out, In]) Close() error {
	return c.conn.Close()
}
