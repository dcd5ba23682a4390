package health

import (
	"fmt"
	"sync"
	"time"

	"github.com/arenaops/contest-ledger/internal/domain/model"
)

// Mode is a stream's traffic mode. Transitions are explicit and
// caller-driven; success/failure observations never change mode.
type Mode string

const (
	ModeLive   Mode = "live"
	ModeReplay Mode = "replay"
	ModePaused Mode = "paused"
)

// Status is the service-level aggregate health.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusError    Status = "error"
)

// DefaultErrorStreakBreach is the error streak at which a stream drives the
// aggregate to error.
const DefaultErrorStreakBreach = 3

// streamState holds the tracked state for one stream.
type streamState struct {
	mode            Mode
	blockLag        int64
	errorStreak     int
	activeRPC       string
	degraded        bool
	lastSuccessAt   *time.Time
	lastErrorReason string
	nextScheduledAt *time.Time
}

// Observation carries what a pipeline pass learned about a stream.
type Observation struct {
	BlockLag    int64
	ActiveRPC   string
	RPCDegraded bool
	Reason      string // failure observations only
}

// Snapshot is a JSON-safe view of one stream's health, served by /status.
type Snapshot struct {
	ContestID       model.ContestID `json:"contest_id"`
	ChainID         model.ChainID   `json:"chain_id"`
	Mode            string          `json:"mode"`
	BlockLag        int64           `json:"block_lag"`
	ErrorStreak     int             `json:"error_streak"`
	ActiveRPC       string          `json:"active_rpc,omitempty"`
	Degraded        bool            `json:"degraded"`
	LastSuccessAt   *time.Time      `json:"last_success_at,omitempty"`
	LastErrorReason string          `json:"last_error_reason,omitempty"`
	NextScheduledAt *time.Time      `json:"next_scheduled_at,omitempty"`
}

// AggregateSnapshot is the service-level health served by /healthz.
type AggregateSnapshot struct {
	Status  Status   `json:"status"`
	Reasons []string `json:"reasons"`
}

// Tracker maintains per-stream health state and the service aggregate.
// Streams persist for the service lifetime; there is no terminal state.
type Tracker struct {
	mu           sync.RWMutex
	streams      map[model.StreamKey]*streamState
	order        []model.StreamKey // registration order, for stable /status output
	streakBreach int
}

func NewTracker() *Tracker {
	return &Tracker{
		streams:      make(map[model.StreamKey]*streamState),
		streakBreach: DefaultErrorStreakBreach,
	}
}

// Register creates state for a stream if absent, starting in the given mode.
func (t *Tracker) Register(key model.StreamKey, mode Mode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.streams[key]; ok {
		return
	}
	t.streams[key] = &streamState{mode: mode}
	t.order = append(t.order, key)
}

// SetMode is the explicit caller-driven mode transition. Returns false if
// the stream is unknown.
func (t *Tracker) SetMode(key model.StreamKey, mode Mode) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.streams[key]
	if !ok {
		return false
	}
	s.mode = mode
	return true
}

// SwapMode transitions the stream's mode to "to" only when it currently is
// "from", under one lock acquisition. Callers claiming a stream for replay
// use this so two concurrent claims cannot both observe live and proceed.
// Returns false when the stream is unknown or in any other mode.
func (t *Tracker) SwapMode(key model.StreamKey, from, to Mode) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.streams[key]
	if !ok || s.mode != from {
		return false
	}
	s.mode = to
	return true
}

// Mode returns the stream's current mode and whether the stream is known.
func (t *Tracker) Mode(key model.StreamKey) (Mode, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.streams[key]
	if !ok {
		return "", false
	}
	return s.mode, true
}

// RecordSuccess updates lag and RPC observations and clears the error
// streak. Mode is untouched.
func (t *Tracker) RecordSuccess(key model.StreamKey, obs Observation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.streams[key]
	if !ok {
		return
	}
	now := time.Now().UTC()
	s.blockLag = obs.BlockLag
	s.activeRPC = obs.ActiveRPC
	s.degraded = obs.RPCDegraded
	s.errorStreak = 0
	s.lastErrorReason = ""
	s.lastSuccessAt = &now
}

// RecordFailure increments the error streak and records the failing RPC
// observation. Mode is untouched.
func (t *Tracker) RecordFailure(key model.StreamKey, obs Observation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.streams[key]
	if !ok {
		return
	}
	s.errorStreak++
	s.lastErrorReason = obs.Reason
	if obs.ActiveRPC != "" {
		s.activeRPC = obs.ActiveRPC
	}
	s.degraded = obs.RPCDegraded
}

// SetNextScheduled records when the stream's next live pass is due.
func (t *Tracker) SetNextScheduled(key model.StreamKey, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.streams[key]; ok {
		s.nextScheduledAt = &at
	}
}

// ErrorStreak returns the stream's current consecutive failure count.
func (t *Tracker) ErrorStreak(key model.StreamKey) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.streams[key]; ok {
		return s.errorStreak
	}
	return 0
}

// Snapshots returns per-stream views in registration order.
func (t *Tracker) Snapshots() []Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Snapshot, 0, len(t.order))
	for _, key := range t.order {
		s := t.streams[key]
		out = append(out, Snapshot{
			ContestID:       key.ContestID,
			ChainID:         key.ChainID,
			Mode:            string(s.mode),
			BlockLag:        s.blockLag,
			ErrorStreak:     s.errorStreak,
			ActiveRPC:       s.activeRPC,
			Degraded:        s.degraded,
			LastSuccessAt:   s.lastSuccessAt,
			LastErrorReason: s.lastErrorReason,
			NextScheduledAt: s.nextScheduledAt,
		})
	}
	return out
}

// Aggregate computes service health. An error streak at the breach
// threshold wins over RPC degradation; a service with zero registered
// streams reports degraded, since having nothing to poll is itself a signal.
func (t *Tracker) Aggregate() AggregateSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.streams) == 0 {
		return AggregateSnapshot{
			Status:  StatusDegraded,
			Reasons: []string{"no streams registered"},
		}
	}

	agg := AggregateSnapshot{Status: StatusOK, Reasons: []string{}}
	for _, key := range t.order {
		s := t.streams[key]
		if s.errorStreak >= t.streakBreach {
			agg.Status = StatusError
			agg.Reasons = append(agg.Reasons,
				fmt.Sprintf("%s: error streak %d", key, s.errorStreak))
			continue
		}
		if s.degraded {
			if agg.Status == StatusOK {
				agg.Status = StatusDegraded
			}
			agg.Reasons = append(agg.Reasons, key.String()+": rpc degraded")
		}
	}
	return agg
}
