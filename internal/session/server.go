// Package session owns the chat tier's client connections. See doc.go for
// complete package documentation.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/parley/internal/dispatch"
	"github.com/dreamware/parley/internal/frame"
)

var (
	// ErrListenerInvalid is returned by Serve when the listening socket
	// fails outside of shutdown. It is the only fatal server error.
	ErrListenerInvalid = errors.New("listening socket invalid")

	// ErrNotActive is returned when binding a user to a session that is no
	// longer in the live table.
	ErrNotActive = errors.New("session not active")
)

// Close reasons reported to the Observer.
const (
	ReasonTimeout    = "timeout"
	ReasonTerminated = "terminated"
	ReasonReplaced   = "replaced"
	ReasonDisconnect = "disconnect"
	ReasonShutdown   = "shutdown"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Config holds the server's timing and admission settings.
type Config struct {
	HeartbeatInterval time.Duration // Period of the heartbeat sweep
	SessionTimeout    time.Duration // Inactivity before a session is evicted
	InboundRate       float64       // Frames per second per session; 0 disables limiting
	InboundBurst      int           // Burst allowance for InboundRate
}

// Observer receives session events. Implementations must be safe for
// concurrent use.
type Observer interface {
	SessionOpened()
	SessionClosed(reason string)
	SweepCompleted(active, pending int)
}

// SweepHook runs after every sweep with the number of Active sessions.
type SweepHook func(ctx context.Context, active int)

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithClock replaces the wall clock used for activity stamps and the sweep
// ticker.
func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithObserver registers an observer for session events.
func WithObserver(obs Observer) Option {
	return func(s *Server) { s.observer = obs }
}

// WithSweepHook registers a function run after every sweep.
func WithSweepHook(fn SweepHook) Option {
	return func(s *Server) { s.sweepHook = fn }
}

type zoneEntry struct {
	session *Session
	reason  string
}

// Server accepts client connections, tracks their sessions and evicts
// inactive ones.
//
// Concurrency Model:
//   - liveMu guards the live table and the uuid index
//   - zoneMu guards the Termination Zone and PendingTermination → Closed
//   - no code path holds both locks, and neither is held during I/O
//   - each session has exactly one reader goroutine, so its frames are
//     dispatched in arrival order
type Server struct {
	cfg       Config
	ln        frame.Listener
	table     *dispatch.Table[*Session]
	log       *zap.Logger
	clock     clock.Clock
	observer  Observer
	sweepHook SweepHook

	liveMu sync.Mutex
	live   map[string]*Session // session-id → Active session
	byUser map[string]*Session // user uuid → Active session

	zoneMu sync.Mutex
	zone   map[string]zoneEntry // session-id → PendingTermination session

	readers   sync.WaitGroup
	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewServer creates a server that will accept on ln and dispatch inbound
// frames through table.
func NewServer(cfg Config, ln frame.Listener, table *dispatch.Table[*Session], opts ...Option) (*Server, error) {
	if cfg.HeartbeatInterval <= 0 {
		return nil, fmt.Errorf("heartbeat interval must be positive, got %s", cfg.HeartbeatInterval)
	}
	if cfg.SessionTimeout <= 0 {
		return nil, fmt.Errorf("session timeout must be positive, got %s", cfg.SessionTimeout)
	}
	if ln == nil || table == nil {
		return nil, errors.New("listener and dispatch table are required")
	}
	s := &Server{
		cfg:    cfg,
		ln:     ln,
		table:  table,
		log:    zap.NewNop(),
		clock:  clock.New(),
		live:   make(map[string]*Session),
		byUser: make(map[string]*Session),
		zone:   make(map[string]zoneEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve runs the accept loop and the heartbeat sweep until ctx is canceled
// or the listener fails. It returns nil on a clean stop and an error
// wrapping ErrListenerInvalid if the listening socket became unusable.
func (s *Server) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.acceptLoop(ctx) })
	g.Go(func() error {
		s.sweepLoop(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.closing.Store(true)
		_ = s.ln.Close()
		return nil
	})
	return g.Wait()
}

func (s *Server) acceptLoop(ctx context.Context) error {
	s.log.Info("accepting connections", zap.Stringer("addr", s.ln.Addr()))
	var backoff time.Duration
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.closing.Load() || ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				s.log.Error("listening socket invalid", zap.Error(err))
				return fmt.Errorf("%w: %v", ErrListenerInvalid, err)
			}
			if backoff == 0 {
				backoff = minAcceptBackoff
			} else if backoff *= 2; backoff > maxAcceptBackoff {
				backoff = maxAcceptBackoff
			}
			s.log.Warn("accept failed", zap.Error(err), zap.Duration("retry_in", backoff))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		backoff = 0
		s.open(ctx, conn)
	}
}

// open turns an accepted connection into an Active session and starts its
// reader.
func (s *Server) open(ctx context.Context, conn frame.Conn) {
	sess := newSession(uuid.NewString(), conn, s)
	sess.touch(s.clock.Now())

	s.liveMu.Lock()
	if s.closing.Load() {
		s.liveMu.Unlock()
		_ = conn.Close()
		return
	}
	sess.transition(StateConnecting, StateActive)
	s.live[sess.id] = sess
	s.readers.Add(1)
	s.liveMu.Unlock()

	if s.observer != nil {
		s.observer.SessionOpened()
	}
	s.log.Debug("session opened", zap.String("session", sess.id), zap.Stringer("remote", conn.RemoteAddr()))
	go s.read(ctx, sess)
}

func (s *Server) read(ctx context.Context, sess *Session) {
	defer s.readers.Done()
	defer s.remove(sess)

	for {
		f, err := sess.conn.ReadFrame()
		if err != nil {
			if sess.State() != StateClosed {
				s.log.Debug("session read ended", zap.String("session", sess.id), zap.Error(err))
			}
			return
		}
		s.handle(ctx, sess, f)
	}
}

// handle processes one inbound frame. Frames on a session that is no
// longer Active are dropped and do not refresh its activity stamp.
func (s *Server) handle(ctx context.Context, sess *Session, f frame.Frame) {
	typ := dispatch.Type(f.Type)
	if sess.State() != StateActive {
		s.log.Debug("dropping frame on inactive session",
			zap.String("session", sess.id),
			zap.Stringer("state", sess.State()),
			zap.Uint16("type", f.Type))
		return
	}
	sess.touch(s.clock.Now())

	if sess.limiter != nil && !sess.limiter.Allow() {
		_ = sess.SendError(typ, "rate limited")
		return
	}

	err := s.table.Dispatch(ctx, typ, f.Payload, sess)
	switch {
	case err == nil:
	case errors.Is(err, dispatch.ErrUnrecognized):
		s.log.Debug("unrecognized request", zap.String("session", sess.id), zap.Uint16("type", f.Type))
		_ = sess.SendError(typ, "unrecognized request")
	default:
		s.log.Warn("request failed",
			zap.String("session", sess.id),
			zap.String("request", s.table.Name(typ)),
			zap.Error(err))
		_ = sess.SendError(typ, err.Error())
	}
}

// remove retires a session whose reader has stopped. Sessions already
// closed by another path are left alone.
func (s *Server) remove(sess *Session) {
	s.liveMu.Lock()
	if cur, ok := s.live[sess.id]; ok && cur == sess {
		s.unlinkLocked(sess)
		sess.state.Store(int32(StateClosed))
		s.liveMu.Unlock()
		s.finish(sess, ReasonDisconnect)
		return
	}
	s.liveMu.Unlock()

	s.zoneMu.Lock()
	if sess.transition(StatePendingTermination, StateClosed) {
		delete(s.zone, sess.id)
		s.zoneMu.Unlock()
		s.finish(sess, ReasonDisconnect)
		return
	}
	s.zoneMu.Unlock()
}

// unlinkLocked removes sess from the live table and uuid index. liveMu
// must be held.
func (s *Server) unlinkLocked(sess *Session) {
	delete(s.live, sess.id)
	if u := sess.User(); u != "" && s.byUser[u] == sess {
		delete(s.byUser, u)
	}
}

func (s *Server) finish(sess *Session, reason string) error {
	closed, err := sess.shutdown()
	if !closed {
		return nil
	}
	if s.observer != nil {
		s.observer.SessionClosed(reason)
	}
	s.log.Debug("session closed",
		zap.String("session", sess.id),
		zap.String("user", sess.User()),
		zap.String("reason", reason))
	return err
}

func (s *Server) sweepLoop(ctx context.Context) {
	ticker := s.clock.Ticker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs one heartbeat pass. Sessions already in the Termination Zone
// are closed first; then Active sessions idle longer than the session
// timeout move into the zone, to be closed by the next pass.
func (s *Server) Sweep(ctx context.Context) {
	s.zoneMu.Lock()
	doomed := make([]zoneEntry, 0, len(s.zone))
	for id, e := range s.zone {
		delete(s.zone, id)
		if e.session.transition(StatePendingTermination, StateClosed) {
			doomed = append(doomed, e)
		}
	}
	s.zoneMu.Unlock()

	for _, e := range doomed {
		_ = s.finish(e.session, e.reason)
	}

	now := s.clock.Now()
	s.liveMu.Lock()
	var expired []*Session
	for _, sess := range s.live {
		if now.Sub(sess.LastActivity()) > s.cfg.SessionTimeout {
			s.unlinkLocked(sess)
			sess.state.Store(int32(StatePendingTermination))
			expired = append(expired, sess)
		}
	}
	active := len(s.live)
	s.liveMu.Unlock()

	s.enterZone(expired, ReasonTimeout)
	for _, sess := range expired {
		s.log.Info("session timed out",
			zap.String("session", sess.id),
			zap.String("user", sess.User()),
			zap.Duration("idle", now.Sub(sess.LastActivity())))
	}

	pending := s.PendingCount()
	if s.observer != nil {
		s.observer.SweepCompleted(active, pending)
	}
	if s.sweepHook != nil {
		s.sweepHook(ctx, active)
	}
}

// enterZone places PendingTermination sessions in the zone. A session whose
// reader already retired it is skipped.
func (s *Server) enterZone(sessions []*Session, reason string) {
	if len(sessions) == 0 {
		return
	}
	s.zoneMu.Lock()
	defer s.zoneMu.Unlock()
	for _, sess := range sessions {
		if sess.State() == StatePendingTermination {
			s.zone[sess.id] = zoneEntry{session: sess, reason: reason}
		}
	}
}

// BindUser records uuid as the user of sess. Any other Active session of the
// same user is closed first, so a uuid never maps to two Active sessions.
func (s *Server) BindUser(sess *Session, uuid string) error {
	s.liveMu.Lock()
	if cur, ok := s.live[sess.id]; !ok || cur != sess {
		s.liveMu.Unlock()
		return ErrNotActive
	}
	prior := s.byUser[uuid]
	if prior == sess {
		s.liveMu.Unlock()
		return nil
	}
	if prior != nil {
		s.unlinkLocked(prior)
		prior.state.Store(int32(StateClosed))
	}
	if old := sess.User(); old != "" && s.byUser[old] == sess {
		delete(s.byUser, old)
	}
	sess.user.Store(uuid)
	s.byUser[uuid] = sess
	s.liveMu.Unlock()

	if prior != nil {
		s.log.Info("replacing prior session",
			zap.String("user", uuid),
			zap.String("prior", prior.id),
			zap.String("session", sess.id))
		_ = s.finish(prior, ReasonReplaced)
	}
	return nil
}

// MoveUserToTerminationZone flags uuid's Active session for closure by the
// next sweep. It reports whether a session was moved; a user with no
// Active session is a no-op.
func (s *Server) MoveUserToTerminationZone(uuid string) bool {
	s.liveMu.Lock()
	sess := s.byUser[uuid]
	if sess == nil {
		s.liveMu.Unlock()
		return false
	}
	s.unlinkLocked(sess)
	sess.state.Store(int32(StatePendingTermination))
	s.liveMu.Unlock()

	s.enterZone([]*Session{sess}, ReasonTerminated)
	s.log.Debug("session moved to termination zone", zap.String("session", sess.id), zap.String("user", uuid))
	return true
}

// TerminateConnection immediately closes uuid's Active session. It reports
// whether a session was closed.
func (s *Server) TerminateConnection(uuid string) bool {
	return s.terminate(uuid, "")
}

// TerminateConnectionIf closes uuid's Active session only if its session-id
// is still expectedID. A newer session for the same user is left alone.
func (s *Server) TerminateConnectionIf(uuid, expectedID string) bool {
	if expectedID == "" {
		return false
	}
	return s.terminate(uuid, expectedID)
}

func (s *Server) terminate(uuid, expectedID string) bool {
	s.liveMu.Lock()
	sess := s.byUser[uuid]
	if sess == nil || (expectedID != "" && sess.id != expectedID) {
		s.liveMu.Unlock()
		return false
	}
	s.unlinkLocked(sess)
	sess.state.Store(int32(StateClosed))
	s.liveMu.Unlock()

	_ = s.finish(sess, ReasonTerminated)
	return true
}

// TerminateSession immediately closes the Active session with the given
// session-id, whether or not a user is bound to it.
func (s *Server) TerminateSession(id string) bool {
	s.liveMu.Lock()
	sess, ok := s.live[id]
	if !ok {
		s.liveMu.Unlock()
		return false
	}
	s.unlinkLocked(sess)
	sess.state.Store(int32(StateClosed))
	s.liveMu.Unlock()

	_ = s.finish(sess, ReasonTerminated)
	return true
}

// SessionFor returns uuid's Active session.
func (s *Server) SessionFor(uuid string) (*Session, bool) {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	sess, ok := s.byUser[uuid]
	return sess, ok
}

// Lookup returns the Active session with the given session-id.
func (s *Server) Lookup(id string) (*Session, bool) {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	sess, ok := s.live[id]
	return sess, ok
}

// InZone reports whether the session-id is in the Termination Zone.
func (s *Server) InZone(id string) bool {
	s.zoneMu.Lock()
	defer s.zoneMu.Unlock()
	_, ok := s.zone[id]
	return ok
}

// ActiveCount returns the number of Active sessions.
func (s *Server) ActiveCount() int {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	return len(s.live)
}

// PendingCount returns the number of sessions awaiting closure.
func (s *Server) PendingCount() int {
	s.zoneMu.Lock()
	defer s.zoneMu.Unlock()
	return len(s.zone)
}

// Close stops accepting, closes every session and waits for their readers.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		err := s.ln.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}

		s.liveMu.Lock()
		sessions := make([]*Session, 0, len(s.live))
		for _, sess := range s.live {
			sess.state.Store(int32(StateClosed))
			sessions = append(sessions, sess)
		}
		s.live = make(map[string]*Session)
		s.byUser = make(map[string]*Session)
		s.liveMu.Unlock()

		s.zoneMu.Lock()
		for id, e := range s.zone {
			delete(s.zone, id)
			if e.session.transition(StatePendingTermination, StateClosed) {
				sessions = append(sessions, e.session)
			}
		}
		s.zoneMu.Unlock()

		for _, sess := range sessions {
			err = multierr.Append(err, s.finish(sess, ReasonShutdown))
		}
		s.readers.Wait()
		s.closeErr = err
		s.log.Info("session server closed", zap.Int("sessions", len(sessions)))
	})
	return s.closeErr
}
