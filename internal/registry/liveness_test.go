package registry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/parley/internal/cluster"
)

// TestNewLivenessMonitor verifies defaults.
func TestNewLivenessMonitor(t *testing.T) {
	m := NewLivenessMonitor(5*time.Second, 0, nil)

	assert.Equal(t, 5*time.Second, m.interval)
	assert.Equal(t, 2*time.Second, m.timeout)
	assert.Equal(t, 1, m.maxFailures, "threshold is clamped to at least one")
	assert.NotNil(t, m.probe)
	assert.Empty(t, m.peers)
}

// TestLivenessEvictsAfterThreshold verifies onDead fires exactly once when
// consecutive failures reach the threshold.
func TestLivenessEvictsAfterThreshold(t *testing.T) {
	m := NewLivenessMonitor(time.Second, 3, nil)
	m.SetProbe(func(ctx context.Context, p cluster.Peer) error {
		if p.Name == "chat-bad" {
			return errors.New("connection refused")
		}
		return nil
	})

	var dead []string
	m.SetOnDead(func(name string) { dead = append(dead, name) })

	peers := []cluster.Peer{chatPeer("chat-ok", 8000), chatPeer("chat-bad", 8001)}
	ctx := context.Background()

	m.CheckAll(ctx, peers)
	m.CheckAll(ctx, peers)
	assert.Empty(t, dead)
	assert.Equal(t, 2, m.Health("chat-bad").ConsecutiveFails)

	m.CheckAll(ctx, peers)
	assert.Equal(t, []string{"chat-bad"}, dead)
	assert.False(t, m.IsHealthy("chat-bad"))
	assert.True(t, m.IsHealthy("chat-ok"))

	m.CheckAll(ctx, peers)
	assert.Len(t, dead, 1, "already-unhealthy peer is not reported twice")
}

// TestLivenessRecovery verifies a successful probe resets the counter.
func TestLivenessRecovery(t *testing.T) {
	m := NewLivenessMonitor(time.Second, 2, nil)
	fail := true
	m.SetProbe(func(ctx context.Context, p cluster.Peer) error {
		if fail {
			return errors.New("down")
		}
		return nil
	})

	peers := []cluster.Peer{chatPeer("chat-1", 8000)}
	m.CheckAll(context.Background(), peers)
	assert.Equal(t, 1, m.Health("chat-1").ConsecutiveFails)

	fail = false
	m.CheckAll(context.Background(), peers)
	h := m.Health("chat-1")
	require.NotNil(t, h)
	assert.Equal(t, 0, h.ConsecutiveFails)
	assert.Equal(t, StatusHealthy, h.Status)
}

// TestLivenessForgetsRemovedPeers verifies records are dropped once a peer
// is no longer registered.
func TestLivenessForgetsRemovedPeers(t *testing.T) {
	m := NewLivenessMonitor(time.Second, 3, nil)
	m.SetProbe(func(context.Context, cluster.Peer) error { return nil })

	m.CheckAll(context.Background(), []cluster.Peer{chatPeer("chat-1", 8000)})
	require.NotNil(t, m.Health("chat-1"))

	m.CheckAll(context.Background(), nil)
	assert.Nil(t, m.Health("chat-1"))
}

// TestLivenessStartUsesClock drives Start with a mock clock.
func TestLivenessStartUsesClock(t *testing.T) {
	mock := clock.NewMock()
	m := NewLivenessMonitor(5*time.Second, 3, nil)
	m.SetClock(mock)

	var (
		mu    sync.Mutex
		calls int
	)
	m.SetProbe(func(context.Context, cluster.Peer) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return calls
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx, func() []cluster.Peer { return []cluster.Peer{chatPeer("chat-1", 8000)} })
		close(done)
	}()

	require.Eventually(t, func() bool { return count() == 1 }, time.Second, 5*time.Millisecond)

	mock.Add(5 * time.Second)
	require.Eventually(t, func() bool { return count() == 2 }, time.Second, 5*time.Millisecond)

	mock.Add(10 * time.Second)
	require.Eventually(t, func() bool { return count() >= 3 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop after cancel")
	}
}

// TestLivenessHTTPProbe checks the default probe against a real server.
func TestLivenessHTTPProbe(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" || !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	peer := cluster.Peer{Name: "chat-1", Host: u.Hostname(), Port: port}

	m := NewLivenessMonitor(time.Second, 1, nil)
	assert.NoError(t, m.httpProbe(context.Background(), peer))

	healthy = false
	assert.Error(t, m.httpProbe(context.Background(), peer))

	peer.Port = 1
	assert.Error(t, m.httpProbe(context.Background(), peer))
}
