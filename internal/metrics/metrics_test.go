package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/parley/internal/dispatch"
	"github.com/dreamware/parley/internal/pool"
	"github.com/dreamware/parley/internal/registry"
	"github.com/dreamware/parley/internal/session"
)

// The collector must satisfy every observer it is wired into.
var (
	_ pool.Observer     = (*Metrics)(nil)
	_ session.Observer  = (*Metrics)(nil)
	_ registry.Observer = (*Metrics)(nil)
	_ dispatch.Observer = (*Metrics)(nil).ObserveDispatch
)

func TestSessionMetrics(t *testing.T) {
	m := New()
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed(session.ReasonTimeout)
	m.SweepCompleted(1, 3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sessionsOpened))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsClosed.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessions.WithLabelValues("active")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.sessions.WithLabelValues("pending_termination")))
}

func TestDispatchAndPoolMetrics(t *testing.T) {
	m := New()
	m.ObserveDispatch("login", nil, time.Millisecond)
	m.ObserveDispatch("login", errors.New("x"), time.Millisecond)
	m.ObserveDispatch("unknown", errors.New("y"), 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("login", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("login", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("unknown", "error")))

	ep := pool.Endpoint{Name: "balancer", Host: "127.0.0.1", Port: 9000}
	m.HandleAcquired(ep, 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.poolInUse.WithLabelValues(ep.String())))
	m.HandleReleased(ep, 1, true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.poolInUse.WithLabelValues(ep.String())))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.poolDiscarded.WithLabelValues(ep.String())))
	m.PoolExhausted(ep)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.poolExhausted.WithLabelValues(ep.String())))

	m.PeersChanged("instance", 4)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.peers.WithLabelValues("instance")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.SessionOpened()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "parley_session_opened_total 1"))
	assert.Contains(t, string(body), "go_goroutines")
}
