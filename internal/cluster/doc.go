// Package cluster defines the wire contract shared by every tier of Parley
// and the RPC stub used to speak it.
//
// # Overview
//
// Parley is a tiered chat cluster. A balancer tier holds the service
// registry and assigns connecting users to chat servers; chat servers hold
// client sessions; resource servers own user records. Tiers talk to each
// other through short HTTP/JSON exchanges defined here.
//
// # Architecture
//
//	              ┌──────────────┐
//	              │   Balancer   │
//	              │              │
//	              │ - Registry   │
//	              │ - Liveness   │
//	              │ - Assignment │
//	              └──────┬───────┘
//	                     │
//	      ┌──────────────┼──────────────┐
//	      │              │              │
//	┌─────▼─────┐ ┌──────▼────┐ ┌───────▼───┐
//	│  Chat 1   │ │  Chat 2   │ │ Resource  │
//	│ sessions  │ │ sessions  │ │ users     │
//	└───────────┘ └───────────┘ └───────────┘
//
// # Replies
//
// Every reply embeds Reply, whose Status is one of StatusOK, StatusRejected,
// or StatusNotFound. Handlers map the status to an HTTP code with HTTPCode so
// clients can classify failures without decoding a body.
//
// # Error Classification
//
// Stub.Call separates three failure classes so that callers can apply
// different retry policy:
//
//   - ErrTimeout: the exchange exceeded its deadline; retry with backoff
//   - ErrTransport: the peer was unreachable or the connection broke
//   - *StatusError: the peer answered with a non-OK status; usually final
//
// IsTransport reports the first two; callers holding a pooled stub mark it
// unhealthy when it returns true.
//
// # Concurrency Model
//
// A Stub is not shared: it is borrowed from a pool for exactly one call.
// Reply types are plain values and are copied freely.
package cluster
