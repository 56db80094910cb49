// Package dispatch maps inbound request types to handlers. See doc.go for
// complete package documentation.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnrecognized is returned by Dispatch for a request type with no
// registered handler. It is a protocol error; the session stays open.
var ErrUnrecognized = errors.New("unrecognized request type")

// Type identifies a request on the wire.
type Type uint16

const (
	// ReplyBit is set on the type of every response frame.
	ReplyBit Type = 0x8000

	// TypeError marks a protocol error response.
	TypeError Type = 0xFFFF
)

// Reply returns the response type for t.
func (t Type) Reply() Type { return t | ReplyBit }

// IsReply reports whether t is a response type.
func (t Type) IsReply() bool { return t&ReplyBit != 0 }

// Handler processes one request for session s. The error it returns is
// reported to the caller of Dispatch; it does not close the session.
type Handler[S any] func(ctx context.Context, s S, payload []byte) error

// Observer is called after every dispatch with the request name, the
// outcome and the handler's duration. Unknown types are observed with the
// name "unknown".
type Observer func(name string, err error, elapsed time.Duration)

type entry[S any] struct {
	name    string
	handler Handler[S]
}

// Builder collects handlers before a Table is frozen.
type Builder[S any] struct {
	entries  map[Type]entry[S]
	observer Observer
}

// NewBuilder returns an empty builder.
func NewBuilder[S any]() *Builder[S] {
	return &Builder[S]{entries: make(map[Type]entry[S])}
}

// Handle registers h for t. Registering a type twice, registering a reply
// type, or registering a nil handler panics: these are wiring mistakes
// that must surface at startup.
func (b *Builder[S]) Handle(t Type, name string, h Handler[S]) *Builder[S] {
	if h == nil {
		panic(fmt.Sprintf("dispatch: nil handler for %s", name))
	}
	if t.IsReply() {
		panic(fmt.Sprintf("dispatch: %s uses reply type %#04x", name, uint16(t)))
	}
	if prev, ok := b.entries[t]; ok {
		panic(fmt.Sprintf("dispatch: type %d registered for both %s and %s", t, prev.name, name))
	}
	b.entries[t] = entry[S]{name: name, handler: h}
	return b
}

// Observe sets the dispatch observer.
func (b *Builder[S]) Observe(fn Observer) *Builder[S] {
	b.observer = fn
	return b
}

// Build freezes the registered handlers into an immutable Table. The
// builder may not be reused afterwards.
func (b *Builder[S]) Build() *Table[S] {
	entries := make(map[Type]entry[S], len(b.entries))
	for t, e := range b.entries {
		entries[t] = e
	}
	b.entries = nil
	return &Table[S]{entries: entries, observer: b.observer}
}

// Table is a read-only request type → handler mapping. It is safe for
// concurrent use without locking.
type Table[S any] struct {
	entries  map[Type]entry[S]
	observer Observer
}

// Dispatch runs the handler registered for typ with session s. An unknown
// type returns an error wrapping ErrUnrecognized and does not touch s.
func (t *Table[S]) Dispatch(ctx context.Context, typ Type, payload []byte, s S) error {
	e, ok := t.entries[typ]
	if !ok {
		err := fmt.Errorf("type %d: %w", typ, ErrUnrecognized)
		if t.observer != nil {
			t.observer("unknown", err, 0)
		}
		return err
	}

	start := time.Now()
	err := e.handler(ctx, s, payload)
	if t.observer != nil {
		t.observer(e.name, err, time.Since(start))
	}
	return err
}

// Name returns the registered name for typ, or "" when none exists.
func (t *Table[S]) Name(typ Type) string {
	return t.entries[typ].name
}

// Len returns the number of registered handlers.
func (t *Table[S]) Len() int { return len(t.entries) }
