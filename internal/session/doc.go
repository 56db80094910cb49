// Package session implements the chat tier's connection server: the accept
// loop, per-connection sessions, and two-phase eviction of idle or
// displaced sessions.
//
// # Overview
//
// Every accepted frame.Conn becomes a Session with a fresh session-id and
// is inserted into the live table. One reader goroutine per session decodes
// frames in arrival order, refreshes the session's activity stamp and hands
// each frame to the dispatch table.
//
// # Session Lifecycle
//
//	Connecting ──► Active ──► PendingTermination ──► Closed
//	                  │                                 ▲
//	                  └─────────────────────────────────┘
//	                     TerminateConnection, replacement
//
// A session is Active once its transport handshake has completed and it is
// in the live table. A user uuid maps to at most one Active session: when
// BindUser finds an existing session for the same uuid, that session is
// closed before the new binding is recorded.
//
// # Two-Phase Eviction
//
// The heartbeat sweep runs every HeartbeatInterval:
//
//  1. every session already in the Termination Zone is removed from the
//     zone and its connection is shut down
//  2. every Active session idle for longer than SessionTimeout leaves the
//     live table and enters the zone
//
// A session therefore survives at least one full interval in the zone
// before it is closed. MoveUserToTerminationZone uses the same path.
//
// Frames that arrive on a PendingTermination session are dropped without
// refreshing its activity stamp; the session is not revived.
//
// # Immediate Termination
//
// TerminateConnection closes a user's Active session at once.
// TerminateConnectionIf does the same only if the session-id still matches,
// so a late request aimed at a session the user has since replaced is a
// no-op.
//
// # Concurrency Model
//
// The live table (with its uuid index) and the Termination Zone each have
// their own mutex. No code path holds both, and no lock is held while a
// connection is read, written or closed. A session is never present in both
// tables, and a Closed session is present in neither.
package session
