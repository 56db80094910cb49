// Command balancer runs the registry tier: it tracks every live chat and
// resource server, probes their liveness and assigns connecting users to
// chat servers.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/parley/internal/cluster"
	"github.com/dreamware/parley/internal/config"
	"github.com/dreamware/parley/internal/logging"
	"github.com/dreamware/parley/internal/metrics"
	"github.com/dreamware/parley/internal/registry"
)

// balancer bundles the registry tier's components.
type balancer struct {
	reg     *registry.Registry
	monitor *registry.LivenessMonitor
	handler http.Handler
}

// newBalancer wires the registry, assigner, liveness monitor and HTTP
// routes. Failed liveness probes evict the peer from both tables.
func newBalancer(cfg *config.Config, log *zap.Logger, m *metrics.Metrics) (*balancer, error) {
	reg := registry.New(log, m)
	assigner, err := registry.NewAssigner(reg.Instances, cfg.AssignmentCacheSize)
	if err != nil {
		return nil, err
	}

	monitor := registry.NewLivenessMonitor(cfg.RegistryProbeInterval(), cfg.MaxProbeFailures, log)
	monitor.SetOnDead(reg.Evict)

	mux := http.NewServeMux()
	registry.NewAPI(reg, assigner, log).Register(mux)
	mux.HandleFunc("GET "+cluster.PathHealth, func(w http.ResponseWriter, _ *http.Request) {
		cluster.WriteStatus(w, cluster.StatusOK, "")
	})
	mux.Handle("GET "+cluster.PathMetrics, m.Handler())

	return &balancer{reg: reg, monitor: monitor, handler: mux}, nil
}

// run serves until ctx is canceled, then shuts the HTTP server down.
func (b *balancer) run(ctx context.Context, addr string, log *zap.Logger) error {
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           b.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go b.monitor.Start(ctx, func() []cluster.Peer { return b.reg.RPC.Peers("") })

	errc := make(chan error, 1)
	go func() {
		log.Info("balancer listening", zap.String("addr", addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logging.Named(cfg.LogLevel, "balancer", cfg.Name)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	b, err := newBalancer(cfg, log, metrics.New())
	if err != nil {
		log.Fatal("failed to build balancer", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := ":" + strconv.Itoa(cfg.Port)
	if err := b.run(ctx, addr, log); err != nil {
		log.Error("balancer stopped with error", zap.Error(err))
		return
	}
	log.Info("balancer stopped")
}
