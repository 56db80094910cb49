package frame

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocketPath is where WebSocketListener accepts upgrades.
const WebSocketPath = "/ws"

type wsConn struct {
	ws *websocket.Conn
}

// WrapWebSocket frames an upgraded websocket connection. Each frame is one
// binary message: [2-byte big-endian type][payload].
func WrapWebSocket(ws *websocket.Conn) Conn {
	ws.SetReadLimit(MaxPayload + 2)
	return &wsConn{ws: ws}
}

func (c *wsConn) ReadFrame() (Frame, error) {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				return Frame{}, fmt.Errorf("read message: %w", ErrTooLarge)
			}
			return Frame{}, err
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		if len(data) < 2 {
			return Frame{}, fmt.Errorf("message of %d bytes: %w", len(data), ErrMalformed)
		}
		return Frame{Type: binary.BigEndian.Uint16(data[:2]), Payload: data[2:]}, nil
	}
}

func (c *wsConn) WriteFrame(f Frame) error {
	if len(f.Payload) > MaxPayload {
		return fmt.Errorf("encode %d bytes: %w", len(f.Payload), ErrTooLarge)
	}
	buf := make([]byte, 2+len(f.Payload))
	binary.BigEndian.PutUint16(buf[:2], f.Type)
	copy(buf[2:], f.Payload)
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, buf)
}

func (c *wsConn) Close() error         { return c.ws.Close() }
func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

// WebSocketListener serves HTTP upgrades on WebSocketPath and hands the
// upgraded connections to Accept.
type WebSocketListener struct {
	ln       net.Listener
	srv      *http.Server
	upgrader websocket.Upgrader
	conns    chan Conn
	done     chan struct{}
	failed   chan struct{} // closed when the HTTP server stops on its own
	err      error         // set before failed is closed
	log      *zap.Logger
	once     sync.Once
}

// ListenWebSocket listens on addr and starts serving upgrades.
func ListenWebSocket(addr string, log *zap.Logger) (*WebSocketListener, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen websocket %s: %w", addr, err)
	}
	l := &WebSocketListener{
		ln: ln,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns:  make(chan Conn),
		done:   make(chan struct{}),
		failed: make(chan struct{}),
		log:    log,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+WebSocketPath, l.handleUpgrade)
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		err := l.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return
		}
		log.Error("websocket server failed", zap.Error(err))
		l.err = err
		close(l.failed)
	}()
	return l, nil
}

func (l *WebSocketListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.Debug("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	c := WrapWebSocket(ws)
	select {
	case l.conns <- c:
	case <-l.done:
		_ = c.Close()
	}
}

// Accept waits for the next upgraded connection. Once the listener is
// closed, or its listening socket has failed, Accept returns an error
// wrapping net.ErrClosed.
func (l *WebSocketListener) Accept() (Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	case <-l.failed:
		return nil, fmt.Errorf("%w: %v", net.ErrClosed, l.err)
	}
}

// Close stops accepting upgrades. Connections already handed out are not
// affected.
func (l *WebSocketListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		err = l.srv.Shutdown(ctx)
	})
	return err
}

func (l *WebSocketListener) Addr() net.Addr { return l.ln.Addr() }

// DialWebSocket connects a framed client to a WebSocketListener at addr.
func DialWebSocket(ctx context.Context, addr string) (Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, "ws://"+addr+WebSocketPath, nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket %s: %w", addr, err)
	}
	return WrapWebSocket(ws), nil
}
