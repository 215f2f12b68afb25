package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// MaxFrameSize is the maximum permitted length, in bytes, of a single
// newline-terminated frame (excluding the newline itself). It comfortably
// exceeds any legitimate message while bounding the memory a misbehaving
// peer can force a single frame read to consume.
const MaxFrameSize = 8 * 1024

// ProtocolError indicates a framing-level violation: an oversize frame,
// invalid tagging, or premature EOF mid-frame. Connections on which a
// ProtocolError occurs must be closed; other connections are unaffected.
type ProtocolError struct {
	reason string
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return "protocol error: " + e.reason
}

// newProtocolError constructs a ProtocolError with a formatted reason.
func newProtocolError(format string, v ...interface{}) *ProtocolError {
	return &ProtocolError{reason: fmt.Sprintf(format, v...)}
}

// Codec reads and writes framed Messages over an underlying stream. A Codec
// is safe for concurrent writes (the control loop and the heartbeat ticker
// both write to the same connection) but reads are expected to come from a
// single goroutine, matching how the connection is actually used.
type Codec struct {
	reader   *bufio.Reader
	writer   io.Writer
	writeMu  sync.Mutex
	maxFrame int
}

// NewCodec creates a Codec wrapping the given stream with the default
// maximum frame size.
func NewCodec(stream io.ReadWriter) *Codec {
	return &Codec{
		reader:   bufio.NewReader(stream),
		writer:   stream,
		maxFrame: MaxFrameSize,
	}
}

// readLine reads a single newline-terminated line, enforcing maxFrame as an
// upper bound on the number of bytes read before the newline arrives. The
// returned slice does not include the trailing newline.
func (c *Codec) readLine() ([]byte, error) {
	var line []byte
	for {
		b, err := c.reader.ReadByte()
		if err != nil {
			if err == io.EOF && len(line) > 0 {
				return nil, newProtocolError("premature EOF mid-frame")
			}
			return nil, err
		}
		if b == '\n' {
			return line, nil
		}
		line = append(line, b)
		if len(line) > c.maxFrame {
			return nil, newProtocolError("frame exceeds maximum size of %d bytes", c.maxFrame)
		}
	}
}

// ReadMessage reads and decodes the next frame from the underlying stream.
// It returns the underlying io.EOF unwrapped if the stream closes cleanly
// between frames, and a *ProtocolError for any framing or decoding failure.
func (c *Codec) ReadMessage() (Message, error) {
	line, err := c.readLine()
	if err != nil {
		if err == io.EOF {
			return Message{}, io.EOF
		}
		return Message{}, err
	}

	var message Message
	if err := json.Unmarshal(line, &message); err != nil {
		return Message{}, newProtocolError("invalid message encoding: %v", err)
	}

	switch message.Type {
	case TypeChallenge, TypeAuthenticate, TypeHello, TypeConnection, TypeAccept, TypeHeartbeat, TypeError:
	default:
		return Message{}, newProtocolError("unknown message type %q", message.Type)
	}

	return message, nil
}

// WriteMessage encodes and writes a single frame to the underlying stream.
// It is safe to call concurrently with other WriteMessage calls on the same
// Codec.
func (c *Codec) WriteMessage(message Message) error {
	encoded, err := json.Marshal(message)
	if err != nil {
		return errors.Wrap(err, "unable to encode message")
	}
	encoded = append(encoded, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.writer.Write(encoded); err != nil {
		return errors.Wrap(err, "unable to write message")
	}
	return nil
}
