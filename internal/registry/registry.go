package registry

import (
	"go.uber.org/zap"

	"github.com/dreamware/parley/internal/cluster"
)

// Observer receives the table sizes after every mutation.
type Observer interface {
	PeersChanged(table string, n int)
}

// Registry pairs the client-facing instance table with the RPC-facing
// table. The two tables have independent locks; no operation holds both.
type Registry struct {
	Instances *PeerTable
	RPC       *PeerTable
	log       *zap.Logger
	observer  Observer
}

// New creates an empty registry. observer may be nil.
func New(log *zap.Logger, observer Observer) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		Instances: NewPeerTable(),
		RPC:       NewPeerTable(),
		log:       log,
		observer:  observer,
	}
}

// RegisterInstance upserts a client-facing endpoint.
func (r *Registry) RegisterInstance(p cluster.Peer) error {
	created, err := r.Instances.Register(p)
	if err != nil {
		return err
	}
	r.log.Info("instance registered",
		zap.String("name", p.Name), zap.String("addr", p.Addr()),
		zap.String("kind", string(p.Kind)), zap.Bool("new", created))
	r.notify()
	return nil
}

// RegisterRPC upserts an RPC-facing endpoint.
func (r *Registry) RegisterRPC(p cluster.Peer) error {
	created, err := r.RPC.Register(p)
	if err != nil {
		return err
	}
	r.log.Info("rpc endpoint registered",
		zap.String("name", p.Name), zap.String("addr", p.Addr()),
		zap.String("kind", string(p.Kind)), zap.Bool("new", created))
	r.notify()
	return nil
}

// ShutdownInstance removes a client-facing endpoint; unknown names are a
// no-op.
func (r *Registry) ShutdownInstance(name string) {
	if r.Instances.Remove(name) {
		r.log.Info("instance deregistered", zap.String("name", name))
		r.notify()
	}
}

// ShutdownRPC removes an RPC-facing endpoint; unknown names are a no-op.
func (r *Registry) ShutdownRPC(name string) {
	if r.RPC.Remove(name) {
		r.log.Info("rpc endpoint deregistered", zap.String("name", name))
		r.notify()
	}
}

// Evict removes both endpoints of an instance that failed liveness probes.
func (r *Registry) Evict(name string) {
	a := r.Instances.Remove(name)
	b := r.RPC.Remove(name)
	if a || b {
		r.log.Warn("peer evicted after failed liveness probes", zap.String("name", name))
		r.notify()
	}
}

func (r *Registry) notify() {
	if r.observer == nil {
		return
	}
	r.observer.PeersChanged("instance", r.Instances.Len())
	r.observer.PeersChanged("rpc", r.RPC.Len())
}
