// Command resource runs the identity tier: it stores user accounts and
// answers RegisterUser, LoginUser and LogoutUser for the chat servers.
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
	"github.com/dreamware/parley/internal/discovery"
	"github.com/dreamware/parley/internal/logging"
	"github.com/dreamware/parley/internal/metrics"
	"github.com/dreamware/parley/internal/pool"
	"github.com/dreamware/parley/internal/storage"
)

const (
	registerAttempts = 10
	registerDelay    = 400 * time.Millisecond
)

// newHandler mounts the user routes, health and metrics.
func newHandler(store storage.UserStore, m *metrics.Metrics, log *zap.Logger) http.Handler {
	mux := http.NewServeMux()
	storage.NewHandler(store, log).Register(mux)
	mux.HandleFunc("GET "+cluster.PathHealth, func(w http.ResponseWriter, _ *http.Request) {
		cluster.WriteStatus(w, cluster.StatusOK, "")
	})
	mux.Handle("GET "+cluster.PathMetrics, m.Handler())
	return mux
}

// register announces the RPC endpoint to the balancer, retrying while the
// balancer starts up.
func register(ctx context.Context, reg *discovery.Registry, name, host string, port int, log *zap.Logger) error {
	var lastErr error
	for i := 0; i < registerAttempts; i++ {
		lastErr = reg.RegisterRPCServer(ctx, name, host, port)
		if lastErr == nil {
			log.Info("registered with balancer", zap.String("name", name))
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

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if cfg.Name == "" {
		cfg.Name = "resource-" + strconv.Itoa(cfg.RPCPort)
	}
	log, err := logging.Named(cfg.LogLevel, "resource", cfg.Name)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	m := metrics.New()
	store := storage.NewMemoryUserStore(cfg.BcryptCost)
	httpSrv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.RPCPort),
		Handler:           newHandler(store, m, log),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("resource server listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	balancer, err := pool.ParseEndpoint("balancer", cfg.BalancerAddr)
	if err != nil {
		log.Fatal("invalid balancer address", zap.Error(err))
	}
	stubs := discovery.NewStubPool(pool.Config{Capacity: cfg.PoolCapacity, Wait: cfg.PoolWait()},
		pool.WithLogger(log), pool.WithObserver(m))
	defer stubs.Close()
	reg := discovery.NewRegistry(discovery.NewCaller(stubs, cfg.CallDeadline(), log), balancer, cluster.KindResource, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := register(ctx, reg, cfg.Name, cfg.Host, cfg.RPCPort, log); err != nil {
		log.Error("running unregistered", zap.Error(err))
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := reg.RPCServerShutdown(shutdownCtx, cfg.Name); err != nil {
		log.Warn("deregistration failed", zap.Error(err))
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown error", zap.Error(err))
	}
	log.Info("resource server stopped")
}
