// Package frame carries (requestType, payload) frames between chat clients
// and the chat tier. See doc.go for complete package documentation.
package frame

import (
	"errors"
	"net"
	"time"
)

// MaxPayload is the largest payload accepted on any transport.
const MaxPayload = 1 << 20

// writeTimeout bounds a single frame write.
const writeTimeout = 5 * time.Second

var (
	// ErrTooLarge is returned for frames whose payload exceeds MaxPayload.
	ErrTooLarge = errors.New("frame too large")

	// ErrMalformed is returned when a frame cannot be decoded.
	ErrMalformed = errors.New("malformed frame")
)

// Frame is one request or response.
type Frame struct {
	Type    uint16
	Payload []byte
}

// Conn is a framed, bidirectional client connection. ReadFrame must only be
// called from one goroutine; WriteFrame callers must serialize among
// themselves. Close may be called at any time and unblocks a pending
// ReadFrame.
type Conn interface {
	ReadFrame() (Frame, error)
	WriteFrame(f Frame) error
	Close() error
	RemoteAddr() net.Addr
}

// Listener produces Conns whose transport handshake has completed. After
// Close, Accept returns an error matching net.ErrClosed.
type Listener interface {
	Accept() (Conn, error)
	Close() error
	Addr() net.Addr
}
