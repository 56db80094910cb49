// Package registry implements the balancer tier: the authoritative table of
// live service instances, liveness probing of those instances, and the
// assignment of connecting users to chat servers.
//
// # Overview
//
// Every Parley process announces itself to the balancer at startup and
// withdraws at shutdown. Two endpoints are announced separately because
// peers connect to each independently:
//
//   - the client-facing endpoint, where chat clients connect
//   - the RPC-facing endpoint, where other tiers send control calls
//
// Registry keeps one PeerTable for each. A PeerTable is keyed by instance
// name, so re-registering refreshes host and port in place instead of
// creating a duplicate. Withdrawing an unknown name is a no-op.
//
// # Liveness
//
// LivenessMonitor probes each RPC endpoint's /health route on an interval.
// After a configurable number of consecutive failures the peer is evicted
// from both tables. A peer that answers again simply re-registers.
//
// # Assignment
//
// Assigner answers "which chat server should this user connect to?":
//
//	Known user, instance still registered → same instance
//	Otherwise                             → least loaded chat instance
//
// Load is the Active session count each chat server reports after its
// heartbeat sweep.
//
// # Consistency
//
// A single balancer is assumed. Reads after a write on the same balancer
// observe the write. Nothing is persisted; after a balancer restart the
// tables are rebuilt as instances re-register.
//
// # Concurrency Model
//
//   - Instances and RPC tables each have their own RWMutex
//   - No operation holds both table locks at once
//   - LivenessMonitor probes without holding its own lock and invokes the
//     eviction callback only after releasing it
package registry
