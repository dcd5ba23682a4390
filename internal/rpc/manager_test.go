package rpc

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/arenaops/contest-ledger/internal/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChain = model.ChainID(8453)

func newTestManager(t *testing.T, clock *fakeClock, configs ...EndpointConfig) *Manager {
	t.Helper()
	m := NewManager(Config{FailureThreshold: 3, Cooldown: time.Minute},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.WithClock(clock.Now)
	m.SetEndpoints(testChain, configs)
	return m
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func twoEndpoints() []EndpointConfig {
	return []EndpointConfig{
		{ID: "primary", URL: "http://primary", Priority: 0, Enabled: true},
		{ID: "fallback", URL: "http://fallback", Priority: 1, Enabled: true},
	}
}

func TestSelectActivePrefersLowestPriority(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m := newTestManager(t, clock, twoEndpoints()...)

	sel, err := m.SelectActive(testChain)
	require.NoError(t, err)
	assert.Equal(t, "primary", sel.EndpointID)
	assert.False(t, sel.Degraded)
}

func TestFailoverAfterThresholdAndRecoveryAfterCooldown(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m := newTestManager(t, clock, twoEndpoints()...)

	var switches []string
	m.OnSwitch(func(_ model.ChainID, from, to string) {
		switches = append(switches, from+"->"+to)
	})

	sel, err := m.SelectActive(testChain)
	require.NoError(t, err)
	require.Equal(t, "primary", sel.EndpointID)

	// Two failures: still below threshold, primary stays active.
	m.RecordFailure(testChain, "primary", "timeout")
	m.RecordFailure(testChain, "primary", "timeout")
	sel, err = m.SelectActive(testChain)
	require.NoError(t, err)
	assert.Equal(t, "primary", sel.EndpointID)

	// Third failure trips the cooldown and selection fails over.
	m.RecordFailure(testChain, "primary", "timeout")
	sel, err = m.SelectActive(testChain)
	require.NoError(t, err)
	assert.Equal(t, "fallback", sel.EndpointID)
	assert.False(t, sel.Degraded)
	assert.Contains(t, switches, "primary->fallback")

	// Once the cooldown lapses, priority order wins again.
	clock.Advance(time.Minute + time.Second)
	sel, err = m.SelectActive(testChain)
	require.NoError(t, err)
	assert.Equal(t, "primary", sel.EndpointID)
	assert.Contains(t, switches, "fallback->primary")
}

func TestSingleEndpointChainDegradesUntilCooldownLapses(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m := newTestManager(t, clock, EndpointConfig{
		ID: "only", URL: "http://only", Priority: 0, Enabled: true,
	})

	for i := 0; i < 3; i++ {
		m.RecordFailure(testChain, "only", "connection refused")
	}

	assert.True(t, m.Degraded(testChain))
	sel, err := m.SelectActive(testChain)
	require.NoError(t, err)
	assert.True(t, sel.Degraded)
	assert.Equal(t, "only", sel.EndpointID)
	require.NotNil(t, sel.CooldownEndsAt)
	assert.Equal(t, clock.Now().Add(time.Minute), *sel.CooldownEndsAt)

	clock.Advance(2 * time.Minute)
	assert.False(t, m.Degraded(testChain))
	sel, err = m.SelectActive(testChain)
	require.NoError(t, err)
	assert.False(t, sel.Degraded)
}

func TestRecordSuccessClearsFailureCountAndCooldown(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m := newTestManager(t, clock, twoEndpoints()...)

	m.RecordFailure(testChain, "primary", "timeout")
	m.RecordFailure(testChain, "primary", "timeout")
	m.RecordSuccess(testChain, "primary")

	// Counter was reset: two more failures must not trip the threshold.
	m.RecordFailure(testChain, "primary", "timeout")
	m.RecordFailure(testChain, "primary", "timeout")
	sel, err := m.SelectActive(testChain)
	require.NoError(t, err)
	assert.Equal(t, "primary", sel.EndpointID)
}

func TestPerEndpointOverridesTakePrecedence(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m := newTestManager(t, clock,
		EndpointConfig{ID: "strict", URL: "http://strict", Priority: 0, Enabled: true,
			FailureThreshold: 1, Cooldown: 10 * time.Second},
		EndpointConfig{ID: "fallback", URL: "http://fallback", Priority: 1, Enabled: true},
	)

	// One failure is enough for the overridden endpoint.
	m.RecordFailure(testChain, "strict", "timeout")
	sel, err := m.SelectActive(testChain)
	require.NoError(t, err)
	assert.Equal(t, "fallback", sel.EndpointID)

	// And its shorter cooldown brings it back sooner than the default.
	clock.Advance(11 * time.Second)
	sel, err = m.SelectActive(testChain)
	require.NoError(t, err)
	assert.Equal(t, "strict", sel.EndpointID)
}

func TestDisabledEndpointsAreNeverSelected(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m := newTestManager(t, clock,
		EndpointConfig{ID: "disabled", URL: "http://disabled", Priority: 0, Enabled: false},
		EndpointConfig{ID: "live", URL: "http://live", Priority: 1, Enabled: true},
	)

	sel, err := m.SelectActive(testChain)
	require.NoError(t, err)
	assert.Equal(t, "live", sel.EndpointID)
}

func TestSelectActiveUnknownChain(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	m := newTestManager(t, clock, twoEndpoints()...)

	_, err := m.SelectActive(model.ChainID(1))
	assert.ErrorIs(t, err, ErrNoEndpoints)
}
