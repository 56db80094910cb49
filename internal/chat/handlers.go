// Package chat implements the chat tier's request handlers and its peer
// RPC endpoint.
package chat

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/dreamware/parley/internal/cluster"
	"github.com/dreamware/parley/internal/dispatch"
	"github.com/dreamware/parley/internal/pool"
	"github.com/dreamware/parley/internal/session"
)

// MaxFailedLogins is how many failed logins a connection may make before it
// is closed.
const MaxFailedLogins = 3

// Identity is the resource tier as seen by the chat handlers.
type Identity interface {
	RegisterUser(ctx context.Context, username, password string) (string, error)
	LoginUser(ctx context.Context, username, password string) (string, error)
	LogoutUser(ctx context.Context, uuid string) error
}

// Evictor closes a user's sessions on other chat servers.
type Evictor interface {
	TerminateEverywhere(ctx context.Context, uuid string) error
}

// Handlers holds the dependencies of the chat request handlers.
type Handlers struct {
	identity Identity
	evictor  Evictor
	log      *zap.Logger
}

// NewHandlers creates the handler set. evictor may be nil on a single-node
// deployment.
func NewHandlers(identity Identity, evictor Evictor, log *zap.Logger) *Handlers {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handlers{identity: identity, evictor: evictor, log: log}
}

// Table builds the frozen dispatch table for every client request type.
func (h *Handlers) Table(observe dispatch.Observer) *dispatch.Table[*session.Session] {
	return dispatch.NewBuilder[*session.Session]().
		Handle(TypeHeartbeat, "heartbeat", h.Heartbeat).
		Handle(TypeRegister, "register", h.Register).
		Handle(TypeLogin, "login", h.Login).
		Handle(TypeLogout, "logout", h.Logout).
		Handle(TypeWhoami, "whoami", h.Whoami).
		Handle(TypeDirect, "direct", h.Direct).
		Observe(observe).
		Build()
}

// Heartbeat echoes its payload. The activity stamp was already refreshed
// when the frame arrived.
func (h *Handlers) Heartbeat(_ context.Context, s *session.Session, payload []byte) error {
	return s.Send(TypeHeartbeat.Reply(), payload)
}

// Register creates an account on the resource tier.
func (h *Handlers) Register(ctx context.Context, s *session.Session, payload []byte) error {
	var req Credentials
	if err := json.Unmarshal(payload, &req); err != nil {
		return s.SendJSON(TypeRegister.Reply(), Reply{Status: StatusRejected, Reason: "malformed request"})
	}
	id, err := h.identity.RegisterUser(ctx, req.Username, req.Password)
	if err != nil {
		return s.SendJSON(TypeRegister.Reply(), failure(err))
	}
	return s.SendJSON(TypeRegister.Reply(), Reply{Status: StatusOK, UUID: id})
}

// Login authenticates the connection. On success the user's other sessions,
// local and remote, are closed so that only this one remains.
func (h *Handlers) Login(ctx context.Context, s *session.Session, payload []byte) error {
	var req Credentials
	if err := json.Unmarshal(payload, &req); err != nil {
		return s.SendJSON(TypeLogin.Reply(), Reply{Status: StatusRejected, Reason: "malformed request"})
	}

	id, err := h.identity.LoginUser(ctx, req.Username, req.Password)
	if err != nil {
		reply := failure(err)
		if reply.Status == StatusUnavailable {
			h.log.Warn("identity service unavailable", zap.String("session", s.ID()), zap.Error(err))
			return s.SendJSON(TypeLogin.Reply(), reply)
		}
		sendErr := s.SendJSON(TypeLogin.Reply(), reply)
		if n := s.FailedLogin(); n >= MaxFailedLogins {
			h.log.Info("closing connection after failed logins",
				zap.String("session", s.ID()),
				zap.Stringer("remote", s.RemoteAddr()),
				zap.Int("attempts", n))
			s.Server().TerminateSession(s.ID())
		}
		return sendErr
	}

	if err := s.Server().BindUser(s, id); err != nil {
		return err
	}
	s.ResetFailedLogins()
	if h.evictor != nil {
		if err := h.evictor.TerminateEverywhere(ctx, id); err != nil {
			h.log.Warn("remote sessions may remain", zap.String("user", id), zap.Error(err))
		}
	}
	h.log.Info("user logged in", zap.String("user", id), zap.String("session", s.ID()))
	return s.SendJSON(TypeLogin.Reply(), Reply{Status: StatusOK, UUID: id, Session: s.ID()})
}

// Logout records the logout, acknowledges it and closes the connection.
func (h *Handlers) Logout(ctx context.Context, s *session.Session, _ []byte) error {
	id := s.User()
	if id == "" {
		return s.SendJSON(TypeLogout.Reply(), Reply{Status: StatusRejected, Reason: "not logged in"})
	}
	if err := h.identity.LogoutUser(ctx, id); err != nil {
		h.log.Warn("logout not recorded", zap.String("user", id), zap.Error(err))
	}
	err := s.SendJSON(TypeLogout.Reply(), Reply{Status: StatusOK, UUID: id})
	s.Server().TerminateConnectionIf(id, s.ID())
	return err
}

// Whoami reports the connection's identity.
func (h *Handlers) Whoami(_ context.Context, s *session.Session, _ []byte) error {
	return s.SendJSON(TypeWhoami.Reply(), Reply{Status: StatusOK, UUID: s.User(), Session: s.ID()})
}

// Direct delivers a message to a user connected to this server.
func (h *Handlers) Direct(_ context.Context, s *session.Session, payload []byte) error {
	from := s.User()
	if from == "" {
		return s.SendJSON(TypeDirect.Reply(), Reply{Status: StatusRejected, Reason: "not logged in"})
	}
	var msg DirectMessage
	if err := json.Unmarshal(payload, &msg); err != nil || msg.To == "" {
		return s.SendJSON(TypeDirect.Reply(), Reply{Status: StatusRejected, Reason: "malformed request"})
	}
	target, ok := s.Server().SessionFor(msg.To)
	if !ok {
		return s.SendJSON(TypeDirect.Reply(), Reply{Status: StatusNotFound, Reason: "recipient not connected"})
	}
	if err := target.SendJSON(TypeDeliver, Delivery{From: from, Body: msg.Body}); err != nil {
		return s.SendJSON(TypeDirect.Reply(), Reply{Status: StatusNotFound, Reason: "recipient disconnected"})
	}
	return s.SendJSON(TypeDirect.Reply(), Reply{Status: StatusOK})
}

func failure(err error) Reply {
	switch {
	case errors.Is(err, cluster.ErrNotFound):
		return Reply{Status: StatusNotFound, Reason: "unknown user"}
	case errors.Is(err, cluster.ErrRejected):
		var se *cluster.StatusError
		if errors.As(err, &se) && se.Reason != "" {
			return Reply{Status: StatusRejected, Reason: se.Reason}
		}
		return Reply{Status: StatusRejected}
	case errors.Is(err, pool.ErrExhausted), cluster.IsTransport(err):
		return Reply{Status: StatusUnavailable, Reason: "try again later"}
	}
	return Reply{Status: StatusUnavailable, Reason: err.Error()}
}
