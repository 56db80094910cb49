package storage

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/dreamware/parley/internal/cluster"
)

// Handler serves RegisterUser, LoginUser and LogoutUser over HTTP/JSON.
type Handler struct {
	store UserStore
	log   *zap.Logger
}

// NewHandler creates the resource tier's user routes.
func NewHandler(store UserStore, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{store: store, log: log}
}

// Register mounts the user routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST "+cluster.PathUserRegister, h.handleRegister)
	mux.HandleFunc("POST "+cluster.PathUserLogin, h.handleLogin)
	mux.HandleFunc("POST "+cluster.PathUserLogout, h.handleLogout)
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.UserRequest
	if !cluster.DecodeJSON(w, r, &req) {
		return
	}
	user, err := h.store.Create(req.Username, req.Password)
	if err != nil {
		h.writeError(w, "register", req.Username, err)
		return
	}
	h.log.Info("user registered", zap.String("username", user.Username), zap.String("uuid", user.UUID))
	writeUser(w, user.UUID)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req cluster.UserRequest
	if !cluster.DecodeJSON(w, r, &req) {
		return
	}
	user, err := h.store.Authenticate(req.Username, req.Password)
	if err != nil {
		h.writeError(w, "login", req.Username, err)
		return
	}
	h.log.Info("user logged in", zap.String("username", user.Username), zap.String("uuid", user.UUID))
	writeUser(w, user.UUID)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req cluster.LogoutRequest
	if !cluster.DecodeJSON(w, r, &req) {
		return
	}
	if err := h.store.Logout(req.UUID); err != nil {
		h.writeError(w, "logout", req.UUID, err)
		return
	}
	cluster.WriteStatus(w, cluster.StatusOK, "")
}

func (h *Handler) writeError(w http.ResponseWriter, op, subject string, err error) {
	switch {
	case errors.Is(err, ErrUserNotFound):
		cluster.WriteStatus(w, cluster.StatusNotFound, err.Error())
	case errors.Is(err, ErrUsernameTaken), errors.Is(err, ErrBadCredentials):
		h.log.Debug("user request rejected", zap.String("op", op), zap.String("subject", subject), zap.Error(err))
		cluster.WriteStatus(w, cluster.StatusRejected, err.Error())
	default:
		h.log.Error("user request failed", zap.String("op", op), zap.String("subject", subject), zap.Error(err))
		cluster.WriteJSON(w, http.StatusInternalServerError, cluster.Reply{Status: cluster.StatusRejected, Reason: "internal error"})
	}
}

func writeUser(w http.ResponseWriter, id string) {
	cluster.WriteJSON(w, http.StatusOK, cluster.UserReply{Reply: cluster.Reply{Status: cluster.StatusOK}, UUID: id})
}
