// Package pool implements a bounded, per-endpoint pool of outbound call
// handles. See doc.go for complete package documentation.
package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrExhausted is returned when every handle for an endpoint is checked
	// out and none was released within the configured wait bound. Callers
	// may retry.
	ErrExhausted = errors.New("pool exhausted")

	// ErrClosed is returned by acquisitions on a closed pool.
	ErrClosed = errors.New("pool closed")
)

// Endpoint identifies a remote peer that handles are bound to.
// Endpoints are comparable and used directly as map keys.
type Endpoint struct {
	Name string // Logical peer name, e.g. "balancer"
	Host string // Hostname or IP
	Port int    // TCP port
}

// Addr returns the endpoint's host:port form.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// String returns a readable name@host:port label for logs and metrics.
func (e Endpoint) String() string {
	if e.Name == "" {
		return e.Addr()
	}
	return e.Name + "@" + e.Addr()
}

// ParseEndpoint builds an Endpoint from a host:port address.
func ParseEndpoint(name, addr string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Endpoint{}, fmt.Errorf("parse endpoint %q: invalid port", addr)
	}
	return Endpoint{Name: name, Host: host, Port: port}, nil
}

// Factory creates a new handle value bound to an endpoint. It is called
// without any pool lock held.
type Factory[T any] func(ctx context.Context, ep Endpoint) (T, error)

// Observer receives pool events. Implementations must be safe for
// concurrent use.
type Observer interface {
	HandleAcquired(ep Endpoint, inUse int)
	HandleReleased(ep Endpoint, inUse int, discarded bool)
	PoolExhausted(ep Endpoint)
}

// Config bounds a pool.
type Config struct {
	// Capacity is the maximum number of live handles per endpoint.
	Capacity int
	// Wait bounds how long an acquisition blocks when the endpoint is at
	// capacity before failing with ErrExhausted.
	Wait time.Duration
}

// Option customizes a Pool.
type Option func(*options)

type options struct {
	log      *zap.Logger
	observer Observer
}

// WithLogger sets the pool's logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithObserver registers an observer for pool events.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// Pool hands out handles of type T bound to endpoints, never more than
// Config.Capacity per endpoint at a time.
//
// Concurrency Model:
//   - mu guards only the endpoint → bucket map and the closed flag
//   - each bucket serializes its own idle set; endpoints never contend
//   - capacity is enforced by a per-bucket slot semaphore, so a release
//     wakes exactly one blocked acquirer for the same endpoint
//   - the factory and destroy functions run without any lock held
type Pool[T any] struct {
	buckets  map[Endpoint]*bucket[T]
	newFn    Factory[T]
	destroy  func(T)
	log      *zap.Logger
	observer Observer
	cfg      Config
	mu       sync.Mutex
	closed   bool
}

type bucket[T any] struct {
	ep    Endpoint
	slots chan struct{} // one token per handle currently checked out
	idle   []T
	closed bool // set by Pool.Close under mu; releases then discard
	mu     sync.Mutex
}

// New creates a pool. destroy is called for every discarded handle and for
// idle handles when the pool closes; it may be nil.
//
// Example:
//
//	p := pool.New(pool.Config{Capacity: 8, Wait: 2 * time.Second},
//	    cluster.DialStub, func(s *cluster.Stub) { s.Close() })
func New[T any](cfg Config, newFn Factory[T], destroy func(T), opts ...Option) *Pool[T] {
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	o := options{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if destroy == nil {
		destroy = func(T) {}
	}
	return &Pool[T]{
		buckets:  make(map[Endpoint]*bucket[T]),
		newFn:    newFn,
		destroy:  destroy,
		log:      o.log,
		observer: o.observer,
		cfg:      cfg,
	}
}

func (p *Pool[T]) bucketFor(ep Endpoint) (*bucket[T], error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	b, ok := p.buckets[ep]
	if !ok {
		b = &bucket[T]{ep: ep, slots: make(chan struct{}, p.cfg.Capacity)}
		p.buckets[ep] = b
	}
	return b, nil
}

// With acquires a handle for ep, runs fn with it, and releases the handle
// on every exit path. If fn panics the handle is discarded before the panic
// propagates.
//
// Example:
//
//	err := p.With(ctx, ep, func(h *pool.Handle[*cluster.Stub]) error {
//	    if err := h.Value().Call(ctx, ...); err != nil {
//	        h.MarkUnhealthy()
//	        return err
//	    }
//	    return nil
//	})
func (p *Pool[T]) With(ctx context.Context, ep Endpoint, fn func(h *Handle[T]) error) error {
	h, err := p.acquire(ctx, ep)
	if err != nil {
		return err
	}
	completed := false
	defer func() {
		if !completed {
			h.MarkUnhealthy()
		}
		p.release(h)
	}()
	err = fn(h)
	completed = true
	return err
}

func (p *Pool[T]) acquire(ctx context.Context, ep Endpoint) (*Handle[T], error) {
	b, err := p.bucketFor(ep)
	if err != nil {
		return nil, err
	}

	select {
	case b.slots <- struct{}{}:
	default:
		timer := time.NewTimer(p.cfg.Wait)
		defer timer.Stop()
		select {
		case b.slots <- struct{}{}:
		case <-timer.C:
			if p.observer != nil {
				p.observer.PoolExhausted(ep)
			}
			p.log.Warn("pool exhausted",
				zap.Stringer("endpoint", ep),
				zap.Int("capacity", p.cfg.Capacity),
				zap.Duration("waited", p.cfg.Wait))
			return nil, fmt.Errorf("%s: %w", ep, ErrExhausted)
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire %s: %w", ep, ctx.Err())
		}
	}

	b.mu.Lock()
	var (
		value T
		found bool
	)
	if n := len(b.idle); n > 0 {
		value = b.idle[n-1]
		var zero T
		b.idle[n-1] = zero
		b.idle = b.idle[:n-1]
		found = true
	}
	b.mu.Unlock()

	if !found {
		value, err = p.newFn(ctx, ep)
		if err != nil {
			<-b.slots
			return nil, fmt.Errorf("create handle for %s: %w", ep, err)
		}
	}

	if p.observer != nil {
		p.observer.HandleAcquired(ep, len(b.slots))
	}
	return &Handle[T]{bucket: b, value: value}, nil
}

func (p *Pool[T]) release(h *Handle[T]) {
	if h.released {
		return
	}
	h.released = true
	b := h.bucket

	b.mu.Lock()
	discard := h.unhealthy || b.closed
	if !discard {
		b.idle = append(b.idle, h.value)
	}
	b.mu.Unlock()
	<-b.slots

	if discard {
		p.destroy(h.value)
		if h.unhealthy {
			p.log.Debug("discarded unhealthy handle", zap.Stringer("endpoint", b.ep))
		}
	}
	if p.observer != nil {
		p.observer.HandleReleased(b.ep, len(b.slots), discard)
	}
}

// Stats reports the pool's view of one endpoint.
type Stats struct {
	InUse int // Handles currently checked out
	Idle  int // Handles parked for reuse
}

// Stats returns the current counts for ep.
func (p *Pool[T]) Stats(ep Endpoint) Stats {
	p.mu.Lock()
	b, ok := p.buckets[ep]
	p.mu.Unlock()
	if !ok {
		return Stats{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{InUse: len(b.slots), Idle: len(b.idle)}
}

// Close destroys every idle handle. Handles still checked out are destroyed
// when released. Further acquisitions fail with ErrClosed.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	buckets := make([]*bucket[T], 0, len(p.buckets))
	for _, b := range p.buckets {
		buckets = append(buckets, b)
	}
	p.mu.Unlock()

	for _, b := range buckets {
		b.mu.Lock()
		b.closed = true
		idle := b.idle
		b.idle = nil
		b.mu.Unlock()
		for _, v := range idle {
			p.destroy(v)
		}
	}
}

// Handle is a single-owner borrowed value. It is only valid inside the
// function passed to Pool.With.
type Handle[T any] struct {
	bucket    *bucket[T]
	value     T
	unhealthy bool
	released  bool
}

// Value returns the borrowed value.
func (h *Handle[T]) Value() T { return h.value }

// Endpoint returns the endpoint the handle is bound to.
func (h *Handle[T]) Endpoint() Endpoint { return h.bucket.ep }

// MarkUnhealthy flags the handle so that it is discarded instead of
// returned to the idle set when the acquisition scope ends.
func (h *Handle[T]) MarkUnhealthy() { h.unhealthy = true }
