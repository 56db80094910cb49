package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/fx"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dreamware/parley/internal/chat"
	"github.com/dreamware/parley/internal/cluster"
	"github.com/dreamware/parley/internal/config"
	"github.com/dreamware/parley/internal/discovery"
	"github.com/dreamware/parley/internal/dispatch"
	"github.com/dreamware/parley/internal/frame"
	"github.com/dreamware/parley/internal/logging"
	"github.com/dreamware/parley/internal/metrics"
	"github.com/dreamware/parley/internal/pool"
	"github.com/dreamware/parley/internal/session"
)

const (
	// loadReportTimeout bounds the load report sent after each sweep.
	loadReportTimeout = time.Second
	registerAttempts  = 10
	registerDelay     = 400 * time.Millisecond
)

// Module assembles a chat server from cfg.
func Module(cfg *config.Config) fx.Option {
	return fx.Module("chatserver",
		fx.Supply(cfg),
		fx.Provide(
			newLogger,
			metrics.New,
			newStubPool,
			newCaller,
			newRegistry,
			newResource,
			newPeers,
			newHandlers,
			newTable,
			newListener,
			newSessionServer,
			newRPCServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.Named(cfg.LogLevel, "chatserver", cfg.Name)
}

func newStubPool(cfg *config.Config, log *zap.Logger, m *metrics.Metrics) *discovery.StubPool {
	return discovery.NewStubPool(pool.Config{Capacity: cfg.PoolCapacity, Wait: cfg.PoolWait()},
		pool.WithLogger(log), pool.WithObserver(m))
}

func newCaller(cfg *config.Config, stubs *discovery.StubPool, log *zap.Logger) *discovery.Caller {
	return discovery.NewCaller(stubs, cfg.CallDeadline(), log)
}

func newRegistry(cfg *config.Config, caller *discovery.Caller, log *zap.Logger) (*discovery.Registry, error) {
	balancer, err := pool.ParseEndpoint("balancer", cfg.BalancerAddr)
	if err != nil {
		return nil, err
	}
	return discovery.NewRegistry(caller, balancer, cluster.KindChat, log), nil
}

// newResource locates the resource server from resourceAddr when set, and
// through the balancer's RPC peer list otherwise.
func newResource(cfg *config.Config, caller *discovery.Caller, reg *discovery.Registry) (*discovery.Resource, error) {
	if cfg.ResourceAddr == "" {
		return discovery.NewResource(caller, reg.ResolveKind(cluster.KindResource, cfg.Name)), nil
	}
	ep, err := pool.ParseEndpoint("resource", cfg.ResourceAddr)
	if err != nil {
		return nil, err
	}
	return discovery.NewResource(caller, discovery.Static(ep)), nil
}

func newPeers(cfg *config.Config, caller *discovery.Caller, reg *discovery.Registry, log *zap.Logger) *discovery.Peers {
	return discovery.NewPeers(caller, reg, cfg.Name, log)
}

func newHandlers(res *discovery.Resource, peers *discovery.Peers, log *zap.Logger) *chat.Handlers {
	return chat.NewHandlers(res, peers, log)
}

func newTable(h *chat.Handlers, m *metrics.Metrics) *dispatch.Table[*session.Session] {
	return h.Table(m.ObserveDispatch)
}

func newListener(cfg *config.Config, log *zap.Logger) (frame.Listener, error) {
	addr := net.JoinHostPort("", strconv.Itoa(cfg.Port))
	if cfg.Transport == config.TransportWebSocket {
		return frame.ListenWebSocket(addr, log)
	}
	return frame.ListenTCP(addr)
}

func newSessionServer(
	cfg *config.Config,
	ln frame.Listener,
	table *dispatch.Table[*session.Session],
	reg *discovery.Registry,
	m *metrics.Metrics,
	log *zap.Logger,
) (*session.Server, error) {
	reportLoad := func(ctx context.Context, active int) {
		ctx, cancel := context.WithTimeout(ctx, loadReportTimeout)
		defer cancel()
		if err := reg.ReportLoad(ctx, cfg.Name, active); err != nil {
			log.Debug("load report failed", zap.Error(err))
		}
	}
	return session.NewServer(session.Config{
		HeartbeatInterval: cfg.HeartbeatInterval(),
		SessionTimeout:    cfg.SessionTimeout(),
		InboundRate:       cfg.InboundRate,
		InboundBurst:      cfg.InboundBurst,
	}, ln, table,
		session.WithLogger(log),
		session.WithObserver(m),
		session.WithSweepHook(reportLoad))
}

// rpcServer is the chat server's peer-facing HTTP endpoint.
type rpcServer struct {
	srv  *http.Server
	addr string
}

func newRPCServer(cfg *config.Config, srv *session.Server, m *metrics.Metrics, log *zap.Logger) *rpcServer {
	mux := http.NewServeMux()
	chat.NewPeerAPI(srv, log).Register(mux)
	mux.Handle("GET "+cluster.PathMetrics, m.Handler())
	return &rpcServer{
		srv:  &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		addr: net.JoinHostPort("", strconv.Itoa(cfg.RPCPort)),
	}
}

func portOf(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	_, p, _ := net.SplitHostPort(addr.String())
	n, _ := strconv.Atoi(p)
	return n
}

// registerLifecycle starts both listeners and announces them to the
// balancer; on stop it withdraws them before closing any session.
func registerLifecycle(
	lc fx.Lifecycle,
	shutdowner fx.Shutdowner,
	cfg *config.Config,
	srv *session.Server,
	rpc *rpcServer,
	reg *discovery.Registry,
	stubs *discovery.StubPool,
	log *zap.Logger,
) {
	serveCtx, cancelServe := context.WithCancel(context.Background())
	served := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", rpc.addr)
			if err != nil {
				return err
			}
			go func() {
				if err := rpc.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("rpc server failed", zap.Error(err))
				}
			}()

			go func() {
				defer close(served)
				if err := srv.Serve(serveCtx); err != nil {
					log.Error("session server failed", zap.Error(err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()

			rpcPort, clientPort := portOf(ln.Addr()), portOf(srv.Addr())
			if err := announce(ctx, reg, cfg, rpcPort, clientPort, log); err != nil {
				cancelServe()
				_ = srv.Close()
				_ = rpc.srv.Close()
				return err
			}
			log.Info("chat server started",
				zap.Int("port", clientPort),
				zap.Int("rpc_port", rpcPort),
				zap.String("transport", cfg.Transport))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := multierr.Combine(
				reg.InstanceShutdown(ctx, cfg.Name),
				reg.RPCServerShutdown(ctx, cfg.Name),
			); err != nil {
				log.Warn("deregistration incomplete", zap.Error(err))
			}

			cancelServe()
			err := srv.Close()
			select {
			case <-served:
			case <-ctx.Done():
			}
			err = multierr.Append(err, rpc.srv.Shutdown(ctx))
			stubs.Close()
			log.Info("chat server stopped")
			return err
		},
	})
}

// announce registers the RPC endpoint and then the client endpoint, so peers
// can reach this server before the balancer assigns it any user. It retries
// while the balancer starts up.
func announce(ctx context.Context, reg *discovery.Registry, cfg *config.Config, rpcPort, clientPort int, log *zap.Logger) error {
	var lastErr error
	for i := 0; i < registerAttempts; i++ {
		lastErr = reg.RegisterRPCServer(ctx, cfg.Name, cfg.Host, rpcPort)
		if lastErr == nil {
			lastErr = reg.RegisterInstance(ctx, cfg.Name, cfg.Host, clientPort)
		}
		if lastErr == nil {
			return nil
		}
		log.Warn("register retry", zap.Int("attempt", i+1), zap.Error(lastErr))
		select {
		case <-time.After(registerDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("failed to register with balancer: %w", lastErr)
}
