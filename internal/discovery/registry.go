package discovery

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/dreamware/parley/internal/cluster"
	"github.com/dreamware/parley/internal/pool"
)

// Registry is the typed client for the balancer's registry routes. Each
// method is one pooled request/response exchange.
type Registry struct {
	caller   *Caller
	balancer pool.Endpoint
	kind     cluster.Kind
	log      *zap.Logger
}

// NewRegistry creates a registry client that announces itself as kind.
func NewRegistry(caller *Caller, balancer pool.Endpoint, kind cluster.Kind, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{caller: caller, balancer: balancer, kind: kind, log: log}
}

// RegisterInstance announces the client-facing endpoint. Registering an
// existing name refreshes its host and port.
func (r *Registry) RegisterInstance(ctx context.Context, name, host string, port int) error {
	return r.register(ctx, cluster.PathRegisterInstance, name, host, port)
}

// RegisterRPCServer announces the RPC-facing endpoint.
func (r *Registry) RegisterRPCServer(ctx context.Context, name, host string, port int) error {
	return r.register(ctx, cluster.PathRegisterRPC, name, host, port)
}

func (r *Registry) register(ctx context.Context, path, name, host string, port int) error {
	req := cluster.RegisterRequest{Peer: cluster.Peer{Name: name, Host: host, Port: port, Kind: r.kind}}
	if err := r.caller.Call(ctx, r.balancer, http.MethodPost, path, req, nil); err != nil {
		return fmt.Errorf("register %s at %s: %w", name, path, err)
	}
	return nil
}

// PeerServers lists every client-facing endpoint except curName. An empty
// slice, not an error, means no other instance is registered.
func (r *Registry) PeerServers(ctx context.Context, curName string) ([]cluster.Peer, error) {
	return r.peers(ctx, cluster.PathInstancePeers, curName)
}

// PeerRPCServers lists every RPC-facing endpoint except curName.
func (r *Registry) PeerRPCServers(ctx context.Context, curName string) ([]cluster.Peer, error) {
	return r.peers(ctx, cluster.PathRPCPeers, curName)
}

func (r *Registry) peers(ctx context.Context, path, exclude string) ([]cluster.Peer, error) {
	var reply cluster.PeersReply
	if err := r.caller.Call(ctx, r.balancer, http.MethodGet, path+"?exclude="+url.QueryEscape(exclude), nil, &reply); err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	if reply.Peers == nil {
		return []cluster.Peer{}, nil
	}
	return reply.Peers, nil
}

// InstanceShutdown withdraws a client-facing endpoint. Withdrawing an
// unknown name succeeds.
func (r *Registry) InstanceShutdown(ctx context.Context, name string) error {
	return r.shutdown(ctx, cluster.PathShutdownInstance, name)
}

// RPCServerShutdown withdraws an RPC-facing endpoint.
func (r *Registry) RPCServerShutdown(ctx context.Context, name string) error {
	return r.shutdown(ctx, cluster.PathShutdownRPC, name)
}

func (r *Registry) shutdown(ctx context.Context, path, name string) error {
	if err := r.caller.Call(ctx, r.balancer, http.MethodPost, path, cluster.ShutdownRequest{Name: name}, nil); err != nil {
		return fmt.Errorf("shutdown %s: %w", name, err)
	}
	return nil
}

// ReportLoad tells the balancer how many Active sessions name holds.
func (r *Registry) ReportLoad(ctx context.Context, name string, sessions int) error {
	report := cluster.LoadReport{Name: name, Sessions: sessions}
	if err := r.caller.Call(ctx, r.balancer, http.MethodPost, cluster.PathLoad, report, nil); err != nil {
		return fmt.Errorf("report load: %w", err)
	}
	return nil
}

// Assign asks the balancer which chat instance user should connect to.
func (r *Registry) Assign(ctx context.Context, user string) (cluster.Peer, error) {
	var reply cluster.AssignReply
	if err := r.caller.Call(ctx, r.balancer, http.MethodGet, cluster.PathAssign+"?user="+url.QueryEscape(user), nil, &reply); err != nil {
		return cluster.Peer{}, fmt.Errorf("assign %q: %w", user, err)
	}
	return reply.Peer, nil
}

// Resolver locates the endpoint of a dependent service.
type Resolver func(ctx context.Context) (pool.Endpoint, error)

// Static always resolves to ep.
func Static(ep pool.Endpoint) Resolver {
	return func(context.Context) (pool.Endpoint, error) { return ep, nil }
}

// ResolveKind returns a Resolver that picks the first registered RPC
// endpoint of the given kind, excluding self.
func (r *Registry) ResolveKind(kind cluster.Kind, self string) Resolver {
	return func(ctx context.Context) (pool.Endpoint, error) {
		peers, err := r.PeerRPCServers(ctx, self)
		if err != nil {
			return pool.Endpoint{}, err
		}
		for _, p := range peers {
			if p.Kind == kind {
				return pool.Endpoint{Name: p.Name, Host: p.Host, Port: p.Port}, nil
			}
		}
		return pool.Endpoint{}, fmt.Errorf("no %s server registered: %w", kind, cluster.ErrNotFound)
	}
}
