package registry

import (
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dreamware/parley/internal/cluster"
)

// ErrNoInstances is returned by Assign when no chat instance is registered.
var ErrNoInstances = errors.New("no chat instances registered")

// Assigner picks the chat instance a connecting user should use.
//
// Users stick to their previous instance while it stays registered, so a
// reconnecting client lands where its old session lived and the
// single-session rule resolves locally. New users go to the least loaded
// instance, ties broken by name.
type Assigner struct {
	table *PeerTable
	cache *lru.Cache[string, string] // user → instance name
}

// NewAssigner creates an assigner over the instance table, remembering at
// most cacheSize user assignments.
func NewAssigner(table *PeerTable, cacheSize int) (*Assigner, error) {
	if cacheSize < 1 {
		cacheSize = 1
	}
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("assignment cache: %w", err)
	}
	return &Assigner{table: table, cache: cache}, nil
}

// Assign returns the instance for user. An empty user is assigned by load
// alone and not cached.
func (a *Assigner) Assign(user string) (cluster.Peer, error) {
	if user != "" {
		if name, ok := a.cache.Get(user); ok {
			if p, ok := a.table.Get(name); ok {
				return p, nil
			}
			a.cache.Remove(user)
		}
	}

	var (
		best  cluster.Peer
		found bool
	)
	for _, p := range a.table.Peers("") {
		if p.Kind != "" && p.Kind != cluster.KindChat {
			continue
		}
		// Peers are sorted by name, so strict less-than keeps the first on ties.
		if !found || p.Load < best.Load {
			best, found = p, true
		}
	}
	if !found {
		return cluster.Peer{}, ErrNoInstances
	}

	if user != "" {
		a.cache.Add(user, best.Name)
	}
	return best, nil
}

// Forget drops any cached assignment for user.
func (a *Assigner) Forget(user string) {
	a.cache.Remove(user)
}
