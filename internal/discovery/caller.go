package discovery

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/parley/internal/cluster"
	"github.com/dreamware/parley/internal/pool"
)

// StubPool is the pool type shared by every facade in a process.
type StubPool = pool.Pool[*cluster.Stub]

// NewStubPool creates a pool of HTTP/JSON stubs.
func NewStubPool(cfg pool.Config, opts ...pool.Option) *StubPool {
	return pool.New(cfg, cluster.DialStub, func(s *cluster.Stub) { _ = s.Close() }, opts...)
}

// Caller performs single pooled exchanges with a per-call deadline.
type Caller struct {
	pool     *StubPool
	log      *zap.Logger
	deadline time.Duration
}

// NewCaller creates a Caller. A non-positive deadline leaves the caller's
// context as the only bound.
func NewCaller(p *StubPool, deadline time.Duration, log *zap.Logger) *Caller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Caller{pool: p, deadline: deadline, log: log}
}

// Call borrows a stub for ep, performs one exchange and releases the stub.
// Acquisition is bounded by the pool's wait, so a saturated endpoint fails
// with pool.ErrExhausted; the call deadline bounds only the exchange. A
// timeout or transport failure marks the stub unhealthy so that it is
// discarded rather than reused.
func (c *Caller) Call(ctx context.Context, ep pool.Endpoint, method, path string, in, out any) error {
	return c.pool.With(ctx, ep, func(h *pool.Handle[*cluster.Stub]) error {
		callCtx := ctx
		if c.deadline > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.deadline)
			defer cancel()
		}
		err := h.Value().Call(callCtx, method, path, in, out)
		if cluster.IsTransport(err) {
			h.MarkUnhealthy()
			c.log.Debug("rpc failed, discarding stub",
				zap.Stringer("endpoint", ep),
				zap.String("path", path),
				zap.Error(err))
		}
		return err
	})
}
