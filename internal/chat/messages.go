package chat

import "github.com/dreamware/parley/internal/dispatch"

// Client request types. Responses carry the request type with
// dispatch.ReplyBit set.
const (
	TypeHeartbeat dispatch.Type = 1
	TypeRegister  dispatch.Type = 2
	TypeLogin     dispatch.Type = 3
	TypeLogout    dispatch.Type = 4
	TypeWhoami    dispatch.Type = 5
	TypeDirect    dispatch.Type = 6

	// TypeDeliver is pushed by the server; clients never send it.
	TypeDeliver dispatch.Type = 7
)

// Reply status values.
const (
	StatusOK          = "ok"
	StatusRejected    = "rejected"
	StatusNotFound    = "not_found"
	StatusUnavailable = "unavailable"
)

// Credentials is the payload of Register and Login.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Reply is the response payload for every request except Heartbeat.
type Reply struct {
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
	UUID    string `json:"uuid,omitempty"`
	Session string `json:"session,omitempty"`
}

// DirectMessage is the payload of Direct.
type DirectMessage struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// Delivery is the payload of a pushed Deliver frame.
type Delivery struct {
	From string `json:"from"`
	Body string `json:"body"`
}
