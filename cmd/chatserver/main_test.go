package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/dreamware/parley/internal/chat"
	"github.com/dreamware/parley/internal/cluster"
	"github.com/dreamware/parley/internal/config"
	"github.com/dreamware/parley/internal/frame"
	"github.com/dreamware/parley/internal/registry"
)

// testConfig binds both listeners to ephemeral ports.
func testConfig(balancerAddr string) *config.Config {
	return &config.Config{
		Name:                "chat-test",
		Host:                "127.0.0.1",
		BalancerAddr:        balancerAddr,
		ResourceAddr:        "127.0.0.1:1",
		Transport:           config.TransportTCP,
		LogLevel:            "error",
		HeartbeatIntervalMs: 60_000,
		SessionTimeoutMs:    120_000,
		PoolCapacity:        2,
		PoolWaitMs:          1000,
		CallDeadlineMs:      1000,
		InboundBurst:        10,
	}
}

func newTestBalancer(t *testing.T) (*httptest.Server, *registry.Registry) {
	t.Helper()
	reg := registry.New(nil, nil)
	assigner, err := registry.NewAssigner(reg.Instances, 4)
	require.NoError(t, err)
	mux := http.NewServeMux()
	registry.NewAPI(reg, assigner, nil).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, reg
}

func TestModuleValidates(t *testing.T) {
	cfg := testConfig("127.0.0.1:9000")
	assert.NoError(t, fx.ValidateApp(Module(cfg), fx.NopLogger))

	cfg.Transport = config.TransportWebSocket
	cfg.ResourceAddr = ""
	assert.NoError(t, fx.ValidateApp(Module(cfg), fx.NopLogger))
}

func TestLifecycleRegistersServesAndWithdraws(t *testing.T) {
	balancer, reg := newTestBalancer(t)
	cfg := testConfig(balancer.Listener.Addr().String())

	app := fxtest.New(t, Module(cfg), fx.NopLogger)
	app.RequireStart()

	inst, ok := reg.Instances.Get("chat-test")
	require.True(t, ok, "client endpoint registered")
	rpc, ok := reg.RPC.Get("chat-test")
	require.True(t, ok, "rpc endpoint registered")
	assert.Equal(t, cluster.KindChat, rpc.Kind)

	resp, err := http.Get("http://" + rpc.Addr() + cluster.PathHealth)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := frame.DialTCP(ctx, inst.Addr())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteFrame(frame.Frame{Type: uint16(chat.TypeWhoami)}))
	f, err := conn.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, uint16(chat.TypeWhoami.Reply()), f.Type)
	var who chat.Reply
	require.NoError(t, json.Unmarshal(f.Payload, &who))
	assert.Equal(t, chat.StatusOK, who.Status)
	assert.NotEmpty(t, who.Session)
	assert.Empty(t, who.UUID)

	app.RequireStop()

	_, ok = reg.Instances.Get("chat-test")
	assert.False(t, ok, "client endpoint withdrawn on stop")
	_, ok = reg.RPC.Get("chat-test")
	assert.False(t, ok, "rpc endpoint withdrawn on stop")

	_, err = conn.ReadFrame()
	assert.Error(t, err, "sessions closed on stop")
}

func TestStartFailsWithoutBalancer(t *testing.T) {
	cfg := testConfig("127.0.0.1:1")
	app := fx.New(Module(cfg), fx.NopLogger)
	require.NoError(t, app.Err())

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	assert.Error(t, app.Start(ctx))
}
