package session

import (
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/dreamware/parley/internal/dispatch"
	"github.com/dreamware/parley/internal/frame"
)

// ErrClosed is returned when writing to a closed session.
var ErrClosed = errors.New("session closed")

// State is a session's lifecycle position.
//
//	Connecting → Active → PendingTermination → Closed
//	             Active → Closed
type State int32

const (
	StateConnecting State = iota
	StateActive
	StatePendingTermination
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StatePendingTermination:
		return "pending_termination"
	case StateClosed:
		return "closed"
	}
	return "invalid"
}

// ErrorReply is the JSON payload of a dispatch.TypeError frame.
type ErrorReply struct {
	Request uint16 `json:"request"`
	Error   string `json:"error"`
}

// Session is one accepted client connection.
type Session struct {
	id      string
	conn    frame.Conn
	srv     *Server
	limiter *rate.Limiter
	done    chan struct{}
	user    atomic.Value // string
	state   atomic.Int32
	last    atomic.Int64 // unix nanoseconds of the last inbound frame
	writeMu sync.Mutex
	once    sync.Once

	failedLogins atomic.Int32
}

func newSession(id string, conn frame.Conn, srv *Server) *Session {
	s := &Session{id: id, conn: conn, srv: srv, done: make(chan struct{})}
	s.user.Store("")
	s.state.Store(int32(StateConnecting))
	if srv.cfg.InboundRate > 0 {
		burst := srv.cfg.InboundBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(srv.cfg.InboundRate), burst)
	}
	return s
}

// ID returns the session-id. It is unique per connection.
func (s *Session) ID() string { return s.id }

// User returns the bound user uuid, or "" before login.
func (s *Session) User() string { return s.user.Load().(string) }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// LastActivity returns when the last inbound frame arrived.
func (s *Session) LastActivity() time.Time { return time.Unix(0, s.last.Load()) }

// RemoteAddr returns the client's address.
func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// Server returns the server that owns the session.
func (s *Session) Server() *Server { return s.srv }

// Done is closed once the session's connection has been shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// FailedLogin records a failed login attempt and returns the running count.
func (s *Session) FailedLogin() int { return int(s.failedLogins.Add(1)) }

// ResetFailedLogins clears the failed-login count after a successful login.
func (s *Session) ResetFailedLogins() { s.failedLogins.Store(0) }

// Send writes one frame. Concurrent senders are serialized.
func (s *Session) Send(typ dispatch.Type, payload []byte) error {
	if s.State() == StateClosed {
		return ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteFrame(frame.Frame{Type: uint16(typ), Payload: payload})
}

// SendJSON writes v as the JSON payload of a typ frame.
func (s *Session) SendJSON(typ dispatch.Type, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Send(typ, raw)
}

// SendError writes a protocol error frame for the request type req.
func (s *Session) SendError(req dispatch.Type, msg string) error {
	return s.SendJSON(dispatch.TypeError, ErrorReply{Request: uint16(req), Error: msg})
}

func (s *Session) touch(now time.Time) { s.last.Store(now.UnixNano()) }

func (s *Session) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// shutdown closes the connection exactly once. Callers set StateClosed and
// remove the session from every table first.
func (s *Session) shutdown() (closed bool, err error) {
	s.once.Do(func() {
		closed = true
		err = s.conn.Close()
		close(s.done)
	})
	return closed, err
}
