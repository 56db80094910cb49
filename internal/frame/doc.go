// Package frame is the transport collaborator of the chat tier: it turns a
// byte stream into (requestType, payload) frames and back.
//
// # Wire Formats
//
// TCP connections carry length-prefixed frames:
//
//	+----------------+------------+-----------------+
//	| length (4, BE) | type (2,BE)| payload         |
//	+----------------+------------+-----------------+
//	  length = 2 + len(payload), payload ≤ MaxPayload
//
// WebSocket connections carry one binary message per frame holding the
// 2-byte type followed by the payload. Text messages are ignored.
//
// # Listeners
//
// TCPListener and WebSocketListener both implement Listener and only hand
// out connections whose handshake has completed, so a session built from an
// accepted Conn can be considered Active immediately.
//
// # Concurrency
//
// A Conn has one reader and any number of writers that serialize among
// themselves. Close unblocks the reader.
package frame
