// Package health gates conversions on the liveness of both chains.
package health

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/althea-net/auto-bridge/internal/chain"
)

// Config holds tunable parameters for the Monitor.
type Config struct {
	// StaleThreshold is how long a chain head may go without advancing
	// before the chain is considered stale. Default: 2m.
	StaleThreshold time.Duration

	// CoolOff is how long a chain must keep advancing after recovering
	// before conversions are re-enabled. Default: 30s.
	CoolOff time.Duration

	// PollInterval is how often heads are read. Default: 15s.
	PollInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		StaleThreshold: 2 * time.Minute,
		CoolOff:        30 * time.Second,
		PollInterval:   15 * time.Second,
	}
}

// HeadSource reads the head of one chain. Satisfied by chain.Access.
type HeadSource interface {
	Endpoint() chain.Endpoint
	LatestBlock(ctx context.Context) (chain.Block, error)
}

type endpointState struct {
	Head        uint64
	LastAdvance time.Time
	// RecoveredAt is set on an unhealthy→healthy transition. Conversions
	// stay blocked until CoolOff has passed since then.
	RecoveredAt time.Time
	Healthy     bool
}

// Monitor polls chain heads and reports whether each endpoint is fit to
// carry a conversion. It enforces:
//   - Head liveness: the block number must advance within StaleThreshold
//   - Cool-off period after recovery
//   - Manual emergency halt
type Monitor struct {
	cfg Config
	log *slog.Logger

	srcMu   sync.RWMutex
	sources map[chain.Endpoint]HeadSource

	mu     sync.RWMutex
	states map[chain.Endpoint]*endpointState

	haltMu sync.RWMutex
	halted bool

	nowFunc func() time.Time // injectable clock for testing
}

// NewMonitor creates a Monitor. Unset durations take DefaultConfig values.
// Sources are registered with Watch.
func NewMonitor(cfg Config, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	def := DefaultConfig()
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = def.StaleThreshold
	}
	if cfg.CoolOff < 0 {
		cfg.CoolOff = def.CoolOff
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	return &Monitor{
		cfg:     cfg,
		log:     log,
		sources: make(map[chain.Endpoint]HeadSource),
		states:  make(map[chain.Endpoint]*endpointState),
		nowFunc: time.Now,
	}
}

// Watch registers src for polling under its endpoint.
func (m *Monitor) Watch(src HeadSource) {
	m.srcMu.Lock()
	m.sources[src.Endpoint()] = src
	m.srcMu.Unlock()
}

// ManualHalt blocks every endpoint until Resume is called.
func (m *Monitor) ManualHalt() {
	m.haltMu.Lock()
	m.halted = true
	m.haltMu.Unlock()
	m.log.Warn("conversions halted manually")
}

// Resume clears the manual halt. Endpoints still need to pass staleness and
// cool-off checks.
func (m *Monitor) Resume() {
	m.haltMu.Lock()
	m.halted = false
	m.haltMu.Unlock()
}

// Healthy returns true only if ALL of the following hold:
//  1. No manual halt is active.
//  2. The endpoint's head was read at least once.
//  3. The head advanced within StaleThreshold.
//  4. The cool-off period has elapsed since recovery.
func (m *Monitor) Healthy(ep chain.Endpoint) bool {
	m.haltMu.RLock()
	if m.halted {
		m.haltMu.RUnlock()
		return false
	}
	m.haltMu.RUnlock()

	now := m.nowFunc()

	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[ep]
	if !ok || !st.Healthy {
		return false
	}
	if now.Sub(st.LastAdvance) > m.cfg.StaleThreshold {
		return false
	}
	if !st.RecoveredAt.IsZero() && now.Sub(st.RecoveredAt) < m.cfg.CoolOff {
		return false
	}
	return true
}

// Run polls every source each PollInterval. It blocks until ctx is
// cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.Poll(ctx)
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Poll(ctx)
		}
	}
}

// Poll reads every registered head once.
func (m *Monitor) Poll(ctx context.Context) {
	m.srcMu.RLock()
	srcs := make([]HeadSource, 0, len(m.sources))
	for _, s := range m.sources {
		srcs = append(srcs, s)
	}
	m.srcMu.RUnlock()

	for _, src := range srcs {
		b, err := src.LatestBlock(ctx)
		if err != nil {
			m.log.Warn("head read failed", "endpoint", src.Endpoint().String(), "error", err)
			m.checkStale(src.Endpoint())
			continue
		}
		m.recordHead(src.Endpoint(), b)
	}
}

// WaitHealthy polls until every endpoint in eps is healthy or ctx is done.
func (m *Monitor) WaitHealthy(ctx context.Context, eps ...chain.Endpoint) error {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		m.Poll(ctx)
		ready := true
		for _, ep := range eps {
			if !m.Healthy(ep) {
				ready = false
				break
			}
		}
		if ready {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("health: waiting for %v: %w", eps, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (m *Monitor) recordHead(ep chain.Endpoint, b chain.Block) {
	now := m.nowFunc()

	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[ep]
	if !ok {
		// First observation counts as healthy without a cool-off.
		m.states[ep] = &endpointState{Head: b.Number, LastAdvance: now, Healthy: true}
		return
	}

	if b.Number > st.Head {
		st.Head = b.Number
		st.LastAdvance = now
		if !st.Healthy {
			st.Healthy = true
			st.RecoveredAt = now
			m.log.Info("chain recovered", "endpoint", ep.String(), "head", b.Number)
		}
		return
	}
	m.markStaleLocked(ep, st, now)
}

func (m *Monitor) checkStale(ep chain.Endpoint) {
	now := m.nowFunc()
	m.mu.Lock()
	if st, ok := m.states[ep]; ok {
		m.markStaleLocked(ep, st, now)
	}
	m.mu.Unlock()
}

func (m *Monitor) markStaleLocked(ep chain.Endpoint, st *endpointState, now time.Time) {
	if st.Healthy && now.Sub(st.LastAdvance) > m.cfg.StaleThreshold {
		st.Healthy = false
		m.log.Warn("chain head stale", "endpoint", ep.String(), "head", st.Head, "since", st.LastAdvance)
	}
}

// MarkStale forces an endpoint unhealthy until its head advances again.
func (m *Monitor) MarkStale(ep chain.Endpoint) {
	m.mu.Lock()
	if st, ok := m.states[ep]; ok {
		st.Healthy = false
	}
	m.mu.Unlock()
}
