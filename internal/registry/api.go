package registry

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/dreamware/parley/internal/cluster"
)

// API exposes a Registry and Assigner over HTTP/JSON.
type API struct {
	reg      *Registry
	assigner *Assigner
	log      *zap.Logger
}

// NewAPI creates the registry RPC surface.
func NewAPI(reg *Registry, assigner *Assigner, log *zap.Logger) *API {
	if log == nil {
		log = zap.NewNop()
	}
	return &API{reg: reg, assigner: assigner, log: log}
}

// Register mounts every registry route on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST "+cluster.PathRegisterInstance, a.handleRegister(a.reg.RegisterInstance))
	mux.HandleFunc("POST "+cluster.PathRegisterRPC, a.handleRegister(a.reg.RegisterRPC))
	mux.HandleFunc("GET "+cluster.PathInstancePeers, a.handlePeers(a.reg.Instances))
	mux.HandleFunc("GET "+cluster.PathRPCPeers, a.handlePeers(a.reg.RPC))
	mux.HandleFunc("POST "+cluster.PathShutdownInstance, a.handleShutdown(a.reg.ShutdownInstance))
	mux.HandleFunc("POST "+cluster.PathShutdownRPC, a.handleShutdown(a.reg.ShutdownRPC))
	mux.HandleFunc("POST "+cluster.PathLoad, a.handleLoad)
	mux.HandleFunc("GET "+cluster.PathAssign, a.handleAssign)
}

func (a *API) handleRegister(register func(cluster.Peer) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req cluster.RegisterRequest
		if !cluster.DecodeJSON(w, r, &req) {
			return
		}
		if err := register(req.Peer); err != nil {
			cluster.WriteJSON(w, http.StatusBadRequest, cluster.Reply{Status: cluster.StatusRejected, Reason: err.Error()})
			return
		}
		cluster.WriteStatus(w, cluster.StatusOK, "")
	}
}

func (a *API) handlePeers(table *PeerTable) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cluster.WriteJSON(w, http.StatusOK, cluster.PeersReply{
			Reply: cluster.Reply{Status: cluster.StatusOK},
			Peers: table.Peers(r.URL.Query().Get("exclude")),
		})
	}
}

func (a *API) handleShutdown(shutdown func(string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req cluster.ShutdownRequest
		if !cluster.DecodeJSON(w, r, &req) {
			return
		}
		if req.Name == "" {
			cluster.WriteJSON(w, http.StatusBadRequest, cluster.Reply{Status: cluster.StatusRejected, Reason: "missing name"})
			return
		}
		shutdown(req.Name)
		cluster.WriteStatus(w, cluster.StatusOK, "")
	}
}

func (a *API) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req cluster.LoadReport
	if !cluster.DecodeJSON(w, r, &req) {
		return
	}
	if !a.reg.Instances.SetLoad(req.Name, req.Sessions) {
		cluster.WriteStatus(w, cluster.StatusNotFound, "instance not registered")
		return
	}
	cluster.WriteStatus(w, cluster.StatusOK, "")
}

func (a *API) handleAssign(w http.ResponseWriter, r *http.Request) {
	p, err := a.assigner.Assign(r.URL.Query().Get("user"))
	if errors.Is(err, ErrNoInstances) {
		cluster.WriteStatus(w, cluster.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		a.log.Error("assignment failed", zap.Error(err))
		cluster.WriteStatus(w, cluster.StatusRejected, err.Error())
		return
	}
	cluster.WriteJSON(w, http.StatusOK, cluster.AssignReply{
		Reply: cluster.Reply{Status: cluster.StatusOK},
		Peer:  p,
	})
}
