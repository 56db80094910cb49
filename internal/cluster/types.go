package cluster

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
)

// Kind names the service a registered peer provides.
type Kind string

const (
	// KindChat is a chat-serving instance.
	KindChat Kind = "chat"
	// KindResource is a resource/identity server.
	KindResource Kind = "resource"
)

// Peer is one registered endpoint of a live service instance. The registry
// keeps separate tables for client-facing and RPC-facing endpoints, so the
// same Name may appear once in each.
type Peer struct {
	Name string `json:"name"`
	Host string `json:"host"`
	Port int    `json:"port"`
	Kind Kind   `json:"kind,omitempty"`
	Load int    `json:"load"`
}

// Addr returns the peer's host:port.
func (p Peer) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Status is the outcome code carried by every RPC reply.
type Status string

const (
	StatusOK       Status = "ok"
	StatusRejected Status = "rejected"
	StatusNotFound Status = "not_found"
)

// Reply is the envelope every RPC response embeds.
type Reply struct {
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type RegisterRequest struct {
	Peer Peer `json:"peer"`
}

type ShutdownRequest struct {
	Name string `json:"name"`
}

type PeersReply struct {
	Reply
	Peers []Peer `json:"peers"`
}

// LoadReport tells the balancer how many Active sessions an instance holds.
type LoadReport struct {
	Name     string `json:"name"`
	Sessions int    `json:"sessions"`
}

type AssignReply struct {
	Reply
	Peer Peer `json:"peer"`
}

// UserRequest carries credentials for RegisterUser and LoginUser.
type UserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type UserReply struct {
	Reply
	UUID string `json:"uuid,omitempty"`
}

type LogoutRequest struct {
	UUID string `json:"uuid"`
}

// TerminateRequest asks a chat server to close a user's session. When
// SessionID is set the session is only closed if it is still the user's
// current one.
type TerminateRequest struct {
	UUID      string `json:"uuid"`
	SessionID string `json:"session_id,omitempty"`
}

// WriteJSON writes v as the JSON response body with the given HTTP status.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteStatus writes a bare Reply, mapping the status to an HTTP code.
func WriteStatus(w http.ResponseWriter, status Status, reason string) {
	WriteJSON(w, HTTPCode(status), Reply{Status: status, Reason: reason})
}

// HTTPCode maps a reply status to the HTTP status used on the wire.
func HTTPCode(s Status) int {
	switch s {
	case StatusOK:
		return http.StatusOK
	case StatusNotFound:
		return http.StatusNotFound
	default:
		return http.StatusConflict
	}
}

// DecodeJSON decodes a request body into v, answering 400 on failure.
// It returns false when the caller should stop handling the request.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteJSON(w, http.StatusBadRequest, Reply{Status: StatusRejected, Reason: "bad json"})
		return false
	}
	return true
}

// Routes served by the resource and chat tiers.
const (
	PathHealth        = "/health"
	PathMetrics       = "/metrics"
	PathUserRegister  = "/user/register"
	PathUserLogin     = "/user/login"
	PathUserLogout    = "/user/logout"
	PathPeerTerminate = "/peer/terminate"
)

// Routes served by the balancer's registry.
const (
	PathRegisterInstance = "/registry/instance"
	PathRegisterRPC      = "/registry/rpc"
	PathInstancePeers    = "/registry/instance/peers"
	PathRPCPeers         = "/registry/rpc/peers"
	PathShutdownInstance = "/registry/instance/shutdown"
	PathShutdownRPC      = "/registry/rpc/shutdown"
	PathLoad             = "/registry/load"
	PathAssign           = "/assign"
)
