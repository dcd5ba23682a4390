package health

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/arenaops/contest-ledger/internal/alert"
	"github.com/arenaops/contest-ledger/internal/domain/model"
)

// Monitor watches tracker snapshots and raises alerts on state transitions:
// a stream crossing the error-streak breach, its later recovery, and a
// chain's RPC pool going fully degraded. Edges only, so a stream stuck
// unhealthy does not re-alert every pass (the alerter's cooldown is a second
// guard, not the primary one).
type Monitor struct {
	tracker      *Tracker
	alerter      alert.Alerter
	interval     time.Duration
	streakBreach int
	logger       *slog.Logger

	prevUnhealthy map[model.StreamKey]bool
	prevDegraded  map[model.StreamKey]bool
}

func NewMonitor(tracker *Tracker, alerter alert.Alerter, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Monitor{
		tracker:       tracker,
		alerter:       alerter,
		interval:      interval,
		streakBreach:  DefaultErrorStreakBreach,
		logger:        logger.With("component", "health_monitor"),
		prevUnhealthy: make(map[model.StreamKey]bool),
		prevDegraded:  make(map[model.StreamKey]bool),
	}
}

// Run evaluates transitions until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// RunOnce evaluates one pass over every tracked stream.
func (m *Monitor) RunOnce(ctx context.Context) {
	for _, snap := range m.tracker.Snapshots() {
		key := model.StreamKey{ContestID: snap.ContestID, ChainID: snap.ChainID}

		unhealthy := snap.ErrorStreak >= m.streakBreach
		switch {
		case unhealthy && !m.prevUnhealthy[key]:
			m.send(ctx, alert.Alert{
				Type:      alert.AlertTypeUnhealthy,
				ContestID: snap.ContestID,
				ChainID:   snap.ChainID,
				Title:     fmt.Sprintf("Stream %s is unhealthy", key),
				Message:   snap.LastErrorReason,
				Fields: map[string]string{
					"error_streak": strconv.Itoa(snap.ErrorStreak),
					"active_rpc":   snap.ActiveRPC,
				},
			})
		case !unhealthy && m.prevUnhealthy[key]:
			m.send(ctx, alert.Alert{
				Type:      alert.AlertTypeRecovery,
				ContestID: snap.ContestID,
				ChainID:   snap.ChainID,
				Title:     fmt.Sprintf("Stream %s recovered", key),
				Message:   "error streak cleared",
			})
		}
		m.prevUnhealthy[key] = unhealthy

		if snap.Degraded && !m.prevDegraded[key] {
			m.send(ctx, alert.Alert{
				Type:      alert.AlertTypeRPCDegraded,
				ContestID: snap.ContestID,
				ChainID:   snap.ChainID,
				Title:     fmt.Sprintf("RPC pool degraded for %s", key),
				Message:   "every endpoint for the chain is in cooldown",
				Fields:    map[string]string{"active_rpc": snap.ActiveRPC},
			})
		}
		m.prevDegraded[key] = snap.Degraded
	}
}

func (m *Monitor) send(ctx context.Context, a alert.Alert) {
	if err := m.alerter.Send(ctx, a); err != nil {
		m.logger.Warn("health alert failed", "type", a.Type, "error", err)
	}
}
