package frame

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// headerLen is the 4-byte length plus the 2-byte type.
const headerLen = 6

// Encode writes f as [4-byte big-endian length][2-byte big-endian type]
// [payload]. The length covers type and payload.
func Encode(w io.Writer, f Frame) error {
	if len(f.Payload) > MaxPayload {
		return fmt.Errorf("encode %d bytes: %w", len(f.Payload), ErrTooLarge)
	}
	buf := make([]byte, headerLen+len(f.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(2+len(f.Payload)))
	binary.BigEndian.PutUint16(buf[4:6], f.Type)
	copy(buf[headerLen:], f.Payload)
	_, err := w.Write(buf)
	return err
}

// Decode reads one frame written by Encode.
func Decode(r io.Reader) (Frame, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:4]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(hdr[0:4])
	if n < 2 {
		return Frame{}, fmt.Errorf("length %d: %w", n, ErrMalformed)
	}
	if n-2 > MaxPayload {
		return Frame{}, fmt.Errorf("length %d: %w", n, ErrTooLarge)
	}
	if _, err := io.ReadFull(r, hdr[4:6]); err != nil {
		return Frame{}, unexpected(err)
	}
	f := Frame{Type: binary.BigEndian.Uint16(hdr[4:6]), Payload: make([]byte, n-2)}
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return Frame{}, unexpected(err)
	}
	return f, nil
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

type tcpConn struct {
	conn net.Conn
	r    *bufio.Reader
}

// NewTCPConn frames an established stream connection.
func NewTCPConn(c net.Conn) Conn {
	return &tcpConn{conn: c, r: bufio.NewReader(c)}
}

func (c *tcpConn) ReadFrame() (Frame, error) { return Decode(c.r) }

func (c *tcpConn) WriteFrame(f Frame) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return Encode(c.conn, f)
}

func (c *tcpConn) Close() error         { return c.conn.Close() }
func (c *tcpConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// TCPListener accepts length-prefixed TCP connections.
type TCPListener struct {
	ln net.Listener
}

// ListenTCP listens on addr, e.g. ":7000" or "127.0.0.1:0".
func ListenTCP(addr string) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tcp %s: %w", addr, err)
	}
	return &TCPListener{ln: ln}, nil
}

// Accept waits for the next connection.
func (l *TCPListener) Accept() (Conn, error) {
	c, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return NewTCPConn(c), nil
}

func (l *TCPListener) Close() error   { return l.ln.Close() }
func (l *TCPListener) Addr() net.Addr { return l.ln.Addr() }

// DialTCP connects a framed client to addr.
func DialTCP(ctx context.Context, addr string) (Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewTCPConn(c), nil
}
