// Package dispatch implements the request-type → handler table used by the
// chat tier.
//
// A table is assembled once at startup with a Builder and frozen by Build.
// After that it is only read, so every session's reader goroutine consults
// it without synchronization:
//
//	table := dispatch.NewBuilder[*session.Session]().
//	    Handle(chat.TypeHeartbeat, "heartbeat", h.Heartbeat).
//	    Handle(chat.TypeLogin, "login", h.Login).
//	    Build()
//
//	if err := table.Dispatch(ctx, typ, payload, s); errors.Is(err, dispatch.ErrUnrecognized) {
//	    // reply with a protocol error, keep the session
//	}
//
// The table is generic over the session type so that it does not depend on
// any transport.
package dispatch
