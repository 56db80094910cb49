package registry

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/dreamware/parley/internal/cluster"
)

// Probe status values.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// PeerHealth tracks the probe history of a single registered peer.
// Thread-safe: Protected by LivenessMonitor's mutex when accessed.
type PeerHealth struct {
	LastCheck        time.Time // Timestamp of the last probe attempt
	LastHealthy      time.Time // Timestamp of the last successful probe
	Name             string    // Instance name
	Status           string    // StatusUnknown, StatusHealthy or StatusUnhealthy
	ConsecutiveFails int       // Number of consecutive failed probes
}

// LivenessMonitor probes every registered RPC endpoint on an interval and
// reports peers that stop answering.
// Thread-safe: All methods are safe for concurrent access.
type LivenessMonitor struct {
	peers       map[string]*PeerHealth
	httpClient  *http.Client
	probe       func(ctx context.Context, p cluster.Peer) error
	onDead      func(name string)
	clock       clock.Clock
	log         *zap.Logger
	interval    time.Duration
	timeout     time.Duration
	mu          sync.RWMutex
	maxFailures int
}

// NewLivenessMonitor creates a monitor that probes every interval and
// declares a peer dead after maxFailures consecutive failed probes.
//
// Parameters:
//   - interval: How often to probe every peer
//   - maxFailures: Consecutive failures before onDead fires (minimum 1)
//   - log: Logger; nil disables logging
//
// Example:
//
//	monitor := NewLivenessMonitor(5*time.Second, 3, log)
//	monitor.SetOnDead(reg.Evict)
//	go monitor.Start(ctx, func() []cluster.Peer { return reg.RPC.Peers("") })
func NewLivenessMonitor(interval time.Duration, maxFailures int, log *zap.Logger) *LivenessMonitor {
	if maxFailures < 1 {
		maxFailures = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	m := &LivenessMonitor{
		peers:       make(map[string]*PeerHealth),
		httpClient:  &http.Client{Timeout: 2 * time.Second},
		clock:       clock.New(),
		log:         log,
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: maxFailures,
	}
	m.probe = m.httpProbe
	return m
}

// SetOnDead sets the callback invoked, outside the monitor's lock, when a
// peer crosses the failure threshold.
func (m *LivenessMonitor) SetOnDead(fn func(name string)) {
	m.onDead = fn
}

// SetProbe overrides the default HTTP /health probe.
func (m *LivenessMonitor) SetProbe(fn func(ctx context.Context, p cluster.Peer) error) {
	m.probe = fn
}

// SetClock replaces the wall clock, for tests.
func (m *LivenessMonitor) SetClock(c clock.Clock) {
	m.clock = c
}

// Start probes immediately and then on every tick until ctx is canceled.
// It blocks; run it in its own goroutine.
func (m *LivenessMonitor) Start(ctx context.Context, provider func() []cluster.Peer) {
	ticker := m.clock.Ticker(m.interval)
	defer ticker.Stop()

	m.log.Info("liveness monitor started", zap.Duration("interval", m.interval))
	m.CheckAll(ctx, provider())

	for {
		select {
		case <-ticker.C:
			m.CheckAll(ctx, provider())
		case <-ctx.Done():
			m.log.Info("liveness monitor stopped")
			return
		}
	}
}

// CheckAll probes each peer once and forgets peers no longer registered.
func (m *LivenessMonitor) CheckAll(ctx context.Context, peers []cluster.Peer) {
	current := make(map[string]bool, len(peers))
	var dead []string
	for _, p := range peers {
		current[p.Name] = true
		if m.check(ctx, p) {
			dead = append(dead, p.Name)
		}
	}

	m.mu.Lock()
	for name := range m.peers {
		if !current[name] {
			delete(m.peers, name)
		}
	}
	m.mu.Unlock()

	if m.onDead != nil {
		for _, name := range dead {
			m.onDead(name)
		}
	}
}

// check probes one peer and reports whether it just crossed the failure
// threshold.
func (m *LivenessMonitor) check(ctx context.Context, p cluster.Peer) bool {
	m.mu.Lock()
	health, ok := m.peers[p.Name]
	if !ok {
		now := m.clock.Now()
		health = &PeerHealth{Name: p.Name, Status: StatusUnknown, LastCheck: now, LastHealthy: now}
		m.peers[p.Name] = health
	}
	m.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.probe(pctx, p)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	health.LastCheck = m.clock.Now()
	if err == nil {
		if health.Status == StatusUnhealthy {
			m.log.Info("peer recovered", zap.String("name", p.Name))
		}
		health.Status = StatusHealthy
		health.ConsecutiveFails = 0
		health.LastHealthy = health.LastCheck
		return false
	}

	health.ConsecutiveFails++
	m.log.Warn("liveness probe failed",
		zap.String("name", p.Name),
		zap.Int("attempt", health.ConsecutiveFails),
		zap.Int("max", m.maxFailures),
		zap.Error(err))

	if health.ConsecutiveFails >= m.maxFailures && health.Status != StatusUnhealthy {
		health.Status = StatusUnhealthy
		return true
	}
	return false
}

func (m *LivenessMonitor) httpProbe(ctx context.Context, p cluster.Peer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+p.Addr()+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("probe request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}

// Health returns a copy of the probe record for name, or nil.
func (m *LivenessMonitor) Health(name string) *PeerHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.peers[name]
	if !ok {
		return nil
	}
	cp := *h
	return &cp
}

// IsHealthy reports whether name's last probe succeeded.
func (m *LivenessMonitor) IsHealthy(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.peers[name]
	return ok && h.Status == StatusHealthy
}
