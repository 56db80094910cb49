package chat

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/dreamware/parley/internal/cluster"
	"github.com/dreamware/parley/internal/session"
)

// PeerAPI serves the chat server's RPC routes for other tiers.
type PeerAPI struct {
	srv *session.Server
	log *zap.Logger
}

// NewPeerAPI creates the peer RPC surface over srv.
func NewPeerAPI(srv *session.Server, log *zap.Logger) *PeerAPI {
	if log == nil {
		log = zap.NewNop()
	}
	return &PeerAPI{srv: srv, log: log}
}

// Register mounts the peer routes on mux.
func (p *PeerAPI) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST "+cluster.PathPeerTerminate, p.handleTerminate)
	mux.HandleFunc("GET "+cluster.PathHealth, func(w http.ResponseWriter, _ *http.Request) {
		cluster.WriteStatus(w, cluster.StatusOK, "")
	})
}

// handleTerminate closes the user's session if this server holds one.
// A user with no session here is already in the desired state.
func (p *PeerAPI) handleTerminate(w http.ResponseWriter, r *http.Request) {
	var req cluster.TerminateRequest
	if !cluster.DecodeJSON(w, r, &req) {
		return
	}
	if req.UUID == "" {
		cluster.WriteJSON(w, http.StatusBadRequest, cluster.Reply{Status: cluster.StatusRejected, Reason: "missing uuid"})
		return
	}
	var closed bool
	if req.SessionID != "" {
		closed = p.srv.TerminateConnectionIf(req.UUID, req.SessionID)
	} else {
		closed = p.srv.TerminateConnection(req.UUID)
	}
	if closed {
		p.log.Info("session terminated by peer", zap.String("user", req.UUID))
	}
	cluster.WriteStatus(w, cluster.StatusOK, "")
}
