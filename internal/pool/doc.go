// Package pool bounds and reuses outbound call handles per remote endpoint.
//
// # Overview
//
// Every tier in the cluster talks to its peers through short request/response
// exchanges. Opening a fresh connection per exchange is wasteful, and an
// unbounded number of concurrent exchanges against one peer can overwhelm it.
// Pool solves both: it keeps an idle set of handles per endpoint and never
// lets more than Config.Capacity handles for the same endpoint be live at
// once.
//
// # Scoped Acquisition
//
// Handles are only reachable through Pool.With. The handle is returned to the
// pool when the callback returns, whether it succeeded, failed, or panicked:
//
//	err := p.With(ctx, ep, func(h *pool.Handle[*cluster.Stub]) error {
//	    return h.Value().Call(ctx, http.MethodGet, "/health", nil, nil)
//	})
//
// A callback that observes a connection-level failure calls MarkUnhealthy.
// Unhealthy handles are destroyed on release instead of being parked, which
// frees their capacity slot so that the next acquisition creates a
// replacement.
//
// # Waiting and Exhaustion
//
// When an endpoint is at capacity, acquisition blocks for at most
// Config.Wait. A release for the same endpoint wakes one waiter. If the wait
// bound elapses first the caller receives ErrExhausted, which is safe to
// retry:
//
//	if errors.Is(err, pool.ErrExhausted) {
//	    // back off and retry, or degrade
//	}
//
// # Concurrency Model
//
//   - The endpoint map is guarded by a pool-wide mutex held only for lookup
//   - Each endpoint has its own slot semaphore and idle-set mutex
//   - Acquisitions for different endpoints never contend with each other
//   - Handle creation and destruction run outside every lock
package pool
