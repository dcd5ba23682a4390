package rpc

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/arenaops/contest-ledger/internal/domain/model"
	"github.com/arenaops/contest-ledger/internal/metrics"
)

// ErrNoEndpoints is returned when a chain has no configured endpoints.
var ErrNoEndpoints = fmt.Errorf("no rpc endpoints configured for chain")

// EndpointConfig declares one RPC endpoint for a chain. Zero override values
// fall back to the manager's chain-level defaults.
type EndpointConfig struct {
	ID       string
	URL      string
	Priority int
	Enabled  bool

	// Per-endpoint overrides. Take precedence over Config defaults.
	FailureThreshold int
	Cooldown         time.Duration
}

// Config holds chain-level failover defaults.
type Config struct {
	FailureThreshold int           // failures before cooldown (default 3)
	Cooldown         time.Duration // cooldown duration (default 60s)
}

// Selection describes the endpoint a caller should use for its next call.
type Selection struct {
	EndpointID     string
	URL            string
	Degraded       bool
	CooldownEndsAt *time.Time
}

// endpointState is the mutable failover state of one endpoint. Owned
// exclusively by the Manager; nothing outside this package mutates it.
type endpointState struct {
	cfg           EndpointConfig
	failureCount  int
	cooldownUntil time.Time
	lastSuccessAt time.Time
}

func (e *endpointState) failureThreshold(defaults Config) int {
	if e.cfg.FailureThreshold > 0 {
		return e.cfg.FailureThreshold
	}
	return defaults.FailureThreshold
}

func (e *endpointState) cooldown(defaults Config) time.Duration {
	if e.cfg.Cooldown > 0 {
		return e.cfg.Cooldown
	}
	return defaults.Cooldown
}

// Manager tracks a priority-ordered endpoint set per chain and applies
// cooldown-based failover and recovery.
type Manager struct {
	mu       sync.Mutex
	defaults Config
	chains   map[model.ChainID][]*endpointState
	active   map[model.ChainID]string // last selected endpoint id, for switch detection
	now      func() time.Time
	onSwitch func(chainID model.ChainID, from, to string)
	logger   *slog.Logger
}

// NewManager creates a Manager with the given chain-level defaults.
func NewManager(defaults Config, logger *slog.Logger) *Manager {
	if defaults.FailureThreshold <= 0 {
		defaults.FailureThreshold = 3
	}
	if defaults.Cooldown <= 0 {
		defaults.Cooldown = 60 * time.Second
	}
	return &Manager{
		defaults: defaults,
		chains:   make(map[model.ChainID][]*endpointState),
		active:   make(map[model.ChainID]string),
		now:      time.Now,
		logger:   logger.With("component", "rpc_manager"),
	}
}

// WithClock overrides the time source. Test hook.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// OnSwitch registers a callback invoked whenever the active endpoint for a
// chain changes.
func (m *Manager) OnSwitch(fn func(chainID model.ChainID, from, to string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSwitch = fn
}

// SetEndpoints replaces the endpoint set for a chain. Disabled endpoints are
// dropped; the rest are ordered by ascending priority.
func (m *Manager) SetEndpoints(chainID model.ChainID, configs []EndpointConfig) {
	states := make([]*endpointState, 0, len(configs))
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		states = append(states, &endpointState{cfg: cfg})
	}
	sort.SliceStable(states, func(i, j int) bool {
		return states[i].cfg.Priority < states[j].cfg.Priority
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	m.chains[chainID] = states
	delete(m.active, chainID)
}

// SelectActive returns the highest-priority endpoint not in cooldown. When
// every endpoint is cooling, the chain is degraded and the endpoint whose
// cooldown lapses soonest is returned so callers can keep best-effort
// polling.
func (m *Manager) SelectActive(chainID model.ChainID) (Selection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selectActiveLocked(chainID)
}

func (m *Manager) selectActiveLocked(chainID model.ChainID) (Selection, error) {
	states := m.chains[chainID]
	if len(states) == 0 {
		return Selection{}, fmt.Errorf("%w %s", ErrNoEndpoints, chainID)
	}

	now := m.now()
	var soonest *endpointState
	for _, ep := range states {
		if ep.cooldownUntil.After(now) {
			if soonest == nil || ep.cooldownUntil.Before(soonest.cooldownUntil) {
				soonest = ep
			}
			continue
		}
		m.markActiveLocked(chainID, ep.cfg.ID)
		metrics.RPCChainDegraded.WithLabelValues(chainID.String()).Set(0)
		return Selection{EndpointID: ep.cfg.ID, URL: ep.cfg.URL}, nil
	}

	// All endpoints cooling: degraded until some cooldown lapses.
	metrics.RPCChainDegraded.WithLabelValues(chainID.String()).Set(1)
	ends := soonest.cooldownUntil
	return Selection{
		EndpointID:     soonest.cfg.ID,
		URL:            soonest.cfg.URL,
		Degraded:       true,
		CooldownEndsAt: &ends,
	}, nil
}

// markActiveLocked records the selected endpoint and emits a switch event if
// it differs from the previous selection.
func (m *Manager) markActiveLocked(chainID model.ChainID, endpointID string) {
	prev, had := m.active[chainID]
	if had && prev == endpointID {
		return
	}
	m.active[chainID] = endpointID
	if !had {
		return
	}
	metrics.RPCSwitchesTotal.WithLabelValues(chainID.String(), endpointID).Inc()
	m.logger.Info("rpc endpoint switched",
		"chain", chainID, "from", prev, "to", endpointID)
	if m.onSwitch != nil {
		m.onSwitch(chainID, prev, endpointID)
	}
}

// RecordFailure increments the endpoint's failure counter; at the threshold
// the endpoint enters cooldown and the counter resets. A replacement is
// selected immediately so a switch event fires without waiting for the next
// caller.
func (m *Manager) RecordFailure(chainID model.ChainID, endpointID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ep := m.findLocked(chainID, endpointID)
	if ep == nil {
		return
	}

	metrics.RPCFailuresTotal.WithLabelValues(chainID.String(), endpointID).Inc()
	ep.failureCount++
	if ep.failureCount < ep.failureThreshold(m.defaults) {
		return
	}

	cooldown := ep.cooldown(m.defaults)
	ep.cooldownUntil = m.now().Add(cooldown)
	ep.failureCount = 0
	metrics.RPCCooldownsTotal.WithLabelValues(chainID.String(), endpointID).Inc()
	m.logger.Warn("rpc endpoint entering cooldown",
		"chain", chainID,
		"endpoint", endpointID,
		"cooldown", cooldown,
		"reason", reason,
	)

	if _, err := m.selectActiveLocked(chainID); err != nil {
		m.logger.Error("failover selection failed", "chain", chainID, "error", err)
	}
}

// RecordSuccess resets the endpoint's failure counter and clears any
// cooldown.
func (m *Manager) RecordSuccess(chainID model.ChainID, endpointID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ep := m.findLocked(chainID, endpointID)
	if ep == nil {
		return
	}
	ep.failureCount = 0
	ep.cooldownUntil = time.Time{}
	ep.lastSuccessAt = m.now()
}

// Degraded reports whether the chain currently has no eligible endpoint.
func (m *Manager) Degraded(chainID model.ChainID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	states := m.chains[chainID]
	if len(states) == 0 {
		return true
	}
	now := m.now()
	for _, ep := range states {
		if !ep.cooldownUntil.After(now) {
			return false
		}
	}
	return true
}

func (m *Manager) findLocked(chainID model.ChainID, endpointID string) *endpointState {
	for _, ep := range m.chains[chainID] {
		if ep.cfg.ID == endpointID {
			return ep
		}
	}
	return nil
}
