// Package registry implements the balancer tier's authoritative view of live
// service instances. See doc.go for complete package documentation.
package registry

import (
	"errors"
	"sort"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/parley/internal/cluster"
)

// ErrInvalidPeer is returned when a registration is missing its name,
// host, or port.
var ErrInvalidPeer = errors.New("peer requires name, host and port")

// PeerTable holds one kind of endpoint registration (client-facing or
// RPC-facing) keyed by instance name.
//
// Thread Safety:
// Every method takes the table's own lock; no method calls out while
// holding it. Returned peers are copies.
type PeerTable struct {
	peers []cluster.Peer
	mu    sync.RWMutex
}

// NewPeerTable creates an empty table.
func NewPeerTable() *PeerTable {
	return &PeerTable{}
}

// Register adds p or refreshes the existing entry with the same name.
// Re-registration keeps the last reported load so a restart of the
// registering process does not reset balancing state until it reports again.
//
// Returns:
//   - created: true when no entry with this name existed
//   - error: ErrInvalidPeer for incomplete registrations
func (t *PeerTable) Register(p cluster.Peer) (created bool, err error) {
	if p.Name == "" || p.Host == "" || p.Port <= 0 {
		return false, ErrInvalidPeer
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	idx := slices.IndexFunc(t.peers, func(q cluster.Peer) bool { return q.Name == p.Name })
	if idx >= 0 {
		p.Load = t.peers[idx].Load
		t.peers[idx] = p
		return false, nil
	}
	t.peers = append(t.peers, p)
	return true, nil
}

// Remove deletes the entry for name. Removing an unknown name is a no-op
// and reports false.
func (t *PeerTable) Remove(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := slices.IndexFunc(t.peers, func(q cluster.Peer) bool { return q.Name == name })
	if idx < 0 {
		return false
	}
	t.peers = slices.Delete(t.peers, idx, idx+1)
	return true
}

// Get returns the entry for name.
func (t *PeerTable) Get(name string) (cluster.Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	idx := slices.IndexFunc(t.peers, func(q cluster.Peer) bool { return q.Name == name })
	if idx < 0 {
		return cluster.Peer{}, false
	}
	return t.peers[idx], true
}

// Peers returns every entry except the one named exclude, sorted by name.
// The result is never nil so that it encodes as an empty JSON array.
func (t *PeerTable) Peers(exclude string) []cluster.Peer {
	t.mu.RLock()
	out := make([]cluster.Peer, 0, len(t.peers))
	for _, p := range t.peers {
		if p.Name != exclude {
			out = append(out, p)
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetLoad records the session count reported by name.
func (t *PeerTable) SetLoad(name string, sessions int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := slices.IndexFunc(t.peers, func(q cluster.Peer) bool { return q.Name == name })
	if idx < 0 {
		return false
	}
	t.peers[idx].Load = sessions
	return true
}

// Len returns the number of entries.
func (t *PeerTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}
