package discovery

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/parley/internal/cluster"
	"github.com/dreamware/parley/internal/pool"
)

// maxFanout bounds concurrent terminate calls during a cluster-wide kick.
const maxFanout = 8

// Peers is the facade chat servers use to reach each other.
type Peers struct {
	caller *Caller
	reg    *Registry
	self   string
	log    *zap.Logger
}

// NewPeers creates a peer facade for the instance named self.
func NewPeers(caller *Caller, reg *Registry, self string, log *zap.Logger) *Peers {
	if log == nil {
		log = zap.NewNop()
	}
	return &Peers{caller: caller, reg: reg, self: self, log: log}
}

// TerminateUser asks one peer to close uuid's session. A peer without such
// a session answers OK.
func (p *Peers) TerminateUser(ctx context.Context, ep pool.Endpoint, uuid string) error {
	return p.caller.Call(ctx, ep, http.MethodPost, cluster.PathPeerTerminate, cluster.TerminateRequest{UUID: uuid}, nil)
}

// TerminateEverywhere asks every other registered chat server to close
// uuid's session. All peers are attempted; failures are combined.
func (p *Peers) TerminateEverywhere(ctx context.Context, uuid string) error {
	peers, err := p.reg.PeerRPCServers(ctx, p.self)
	if err != nil {
		return err
	}

	var (
		g    errgroup.Group
		errs = make([]error, len(peers))
	)
	g.SetLimit(maxFanout)
	for i, peer := range peers {
		if peer.Kind != cluster.KindChat {
			continue
		}
		ep := pool.Endpoint{Name: peer.Name, Host: peer.Host, Port: peer.Port}
		g.Go(func() error {
			if err := p.TerminateUser(ctx, ep, uuid); err != nil {
				errs[i] = fmt.Errorf("terminate on %s: %w", ep, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	err = multierr.Combine(errs...)
	if err != nil {
		p.log.Warn("cluster-wide terminate incomplete", zap.String("uuid", uuid), zap.Error(err))
	}
	return err
}
