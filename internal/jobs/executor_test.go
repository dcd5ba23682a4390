package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arenaops/contest-ledger/internal/alert"
	"github.com/arenaops/contest-ledger/internal/domain/model"
	"github.com/arenaops/contest-ledger/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memLedger is an in-memory MilestoneRepository honoring the same transition
// and compare-and-set guards as the SQL implementation.
type memLedger struct {
	mu   sync.Mutex
	recs map[string]*model.MilestoneExecution
}

func newMemLedger() *memLedger {
	return &memLedger{recs: make(map[string]*model.MilestoneExecution)}
}

func (m *memLedger) Ensure(_ context.Context, rec *model.MilestoneExecution) (*model.MilestoneExecution, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.recs[rec.IdempotencyKey]; ok {
		cp := *existing
		return &cp, false, nil
	}
	stored := *rec
	stored.Status = model.MilestoneStatusPending
	m.recs[rec.IdempotencyKey] = &stored
	cp := stored
	return &cp, true, nil
}

func (m *memLedger) UpdateStatus(_ context.Context, key string, from, to model.MilestoneStatus, attempts int, lastError string) error {
	if err := model.AssertMilestoneStatusTransition(from, to); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidTransition, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[key]
	if !ok {
		return store.ErrNotFound
	}
	if rec.Status != from {
		return fmt.Errorf("%w: %s not in status %s", store.ErrInvalidTransition, key, from)
	}
	rec.Status = to
	rec.Attempts = attempts
	rec.LastError = lastError
	return nil
}

func (m *memLedger) ManualRetry(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[key]
	if !ok {
		return store.ErrNotFound
	}
	if rec.Status != model.MilestoneStatusNeedsAttention {
		return fmt.Errorf("%w: %s is not awaiting attention", store.ErrInvalidTransition, key)
	}
	rec.Status = model.MilestoneStatusPending
	rec.Attempts = 0
	rec.LastError = ""
	return nil
}

func (m *memLedger) GetByKey(_ context.Context, key string) (*model.MilestoneExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memLedger) ListNeedsAttention(_ context.Context, limit int) ([]*model.MilestoneExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.MilestoneExecution
	for _, rec := range m.recs {
		if rec.Status == model.MilestoneStatusNeedsAttention {
			cp := *rec
			out = append(out, &cp)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type captureAlerter struct {
	mu   sync.Mutex
	sent []alert.Alert
}

func (c *captureAlerter) Send(_ context.Context, a alert.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, a)
	return nil
}

func (c *captureAlerter) all() []alert.Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]alert.Alert(nil), c.sent...)
}

func settlementJob() MilestoneJob {
	return MilestoneJob{
		JobID:             uuid.New(),
		ContestID:         "spring-cup",
		ChainID:           137,
		Milestone:         model.MilestoneSettlement,
		SourceTxHash:      "0xabc",
		SourceLogIndex:    4,
		SourceBlockNumber: 1200,
	}
}

// The idempotency key ignores the payload and changes with the milestone.
func TestMilestoneIdempotencyKey(t *testing.T) {
	a := settlementJob()
	b := settlementJob()
	b.Payload = []byte(`{"enriched":true}`)
	assert.Equal(t, a.IdempotencyKey(), b.IdempotencyKey(),
		"payload must not affect the idempotency key")

	c := settlementJob()
	c.Milestone = model.MilestoneReward
	assert.NotEqual(t, a.IdempotencyKey(), c.IdempotencyKey(),
		"milestone must affect the idempotency key")
}

func TestMilestoneExecutorSuccess(t *testing.T) {
	ledger := newMemLedger()
	var runs int
	actions := map[model.Milestone]Action{
		model.MilestoneSettlement: ActionFunc(func(context.Context, MilestoneJob) error {
			runs++
			return nil
		}),
	}
	exec := NewMilestoneExecutor(ledger, actions, &captureAlerter{}, 3, testLogger())

	job := settlementJob()
	require.NoError(t, exec.Execute(context.Background(), job))
	assert.Equal(t, 1, runs)

	rec, err := ledger.GetByKey(context.Background(), job.IdempotencyKey())
	require.NoError(t, err)
	assert.Equal(t, model.MilestoneStatusSucceeded, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
}

// A redelivered job for a succeeded execution is acked without running the
// action again.
func TestMilestoneExecutorDuplicateDeliveryIsNoop(t *testing.T) {
	ledger := newMemLedger()
	var runs int
	actions := map[model.Milestone]Action{
		model.MilestoneSettlement: ActionFunc(func(context.Context, MilestoneJob) error {
			runs++
			return nil
		}),
	}
	exec := NewMilestoneExecutor(ledger, actions, &captureAlerter{}, 3, testLogger())

	job := settlementJob()
	require.NoError(t, exec.Execute(context.Background(), job))

	// Same source event republished with a different payload and job id.
	dup := job
	dup.JobID = uuid.New()
	dup.Payload = []byte(`{"enriched":true}`)
	require.NoError(t, exec.Execute(context.Background(), dup))

	assert.Equal(t, 1, runs, "side effect must run exactly once")
}

func TestMilestoneExecutorRetriesThenEscalates(t *testing.T) {
	ledger := newMemLedger()
	alerter := &captureAlerter{}
	actions := map[model.Milestone]Action{
		model.MilestoneSettlement: ActionFunc(func(context.Context, MilestoneJob) error {
			return errors.New("downstream unavailable")
		}),
	}
	exec := NewMilestoneExecutor(ledger, actions, alerter, 2, testLogger())

	job := settlementJob()

	// First delivery fails and stays queued.
	err := exec.Execute(context.Background(), job)
	require.Error(t, err)
	rec, getErr := ledger.GetByKey(context.Background(), job.IdempotencyKey())
	require.NoError(t, getErr)
	assert.Equal(t, model.MilestoneStatusRetrying, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.Contains(t, rec.LastError, "downstream unavailable")

	// Second delivery exhausts the attempt budget: escalation acks the job.
	require.NoError(t, exec.Execute(context.Background(), job))
	rec, getErr = ledger.GetByKey(context.Background(), job.IdempotencyKey())
	require.NoError(t, getErr)
	assert.Equal(t, model.MilestoneStatusNeedsAttention, rec.Status)
	assert.Equal(t, 2, rec.Attempts)

	sent := alerter.all()
	require.Len(t, sent, 1)
	assert.Equal(t, alert.AlertTypeMilestoneStuck, sent[0].Type)

	// Further deliveries are acked without another attempt.
	require.NoError(t, exec.Execute(context.Background(), job))
	rec, getErr = ledger.GetByKey(context.Background(), job.IdempotencyKey())
	require.NoError(t, getErr)
	assert.Equal(t, 2, rec.Attempts)
}

// Operator retry resets the record; the next delivery runs again with a fresh
// attempt budget.
func TestMilestoneExecutorManualRetryAfterEscalation(t *testing.T) {
	ledger := newMemLedger()
	fail := true
	actions := map[model.Milestone]Action{
		model.MilestoneSettlement: ActionFunc(func(context.Context, MilestoneJob) error {
			if fail {
				return errors.New("still broken")
			}
			return nil
		}),
	}
	exec := NewMilestoneExecutor(ledger, actions, &captureAlerter{}, 1, testLogger())

	job := settlementJob()
	require.NoError(t, exec.Execute(context.Background(), job), "single attempt budget escalates immediately")

	require.NoError(t, ledger.ManualRetry(context.Background(), job.IdempotencyKey()))

	fail = false
	require.NoError(t, exec.Execute(context.Background(), job))
	rec, err := ledger.GetByKey(context.Background(), job.IdempotencyKey())
	require.NoError(t, err)
	assert.Equal(t, model.MilestoneStatusSucceeded, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
}

// A stalled in_progress record (worker died mid-run) is reclaimed rather than
// stuck forever.
func TestMilestoneExecutorReclaimsStalledExecution(t *testing.T) {
	ledger := newMemLedger()
	job := settlementJob()

	_, _, err := ledger.Ensure(context.Background(), &model.MilestoneExecution{
		IdempotencyKey: job.IdempotencyKey(),
		JobID:          job.JobID,
		ContestID:      job.ContestID,
		ChainID:        job.ChainID,
		Milestone:      job.Milestone,
		SourceTxHash:   job.SourceTxHash,
		SourceLogIndex: job.SourceLogIndex,
	})
	require.NoError(t, err)
	require.NoError(t, ledger.UpdateStatus(context.Background(), job.IdempotencyKey(),
		model.MilestoneStatusPending, model.MilestoneStatusInProgress, 0, ""))

	actions := map[model.Milestone]Action{
		model.MilestoneSettlement: ActionFunc(func(context.Context, MilestoneJob) error {
			return nil
		}),
	}
	exec := NewMilestoneExecutor(ledger, actions, &captureAlerter{}, 3, testLogger())

	require.NoError(t, exec.Execute(context.Background(), job))
	rec, err := ledger.GetByKey(context.Background(), job.IdempotencyKey())
	require.NoError(t, err)
	assert.Equal(t, model.MilestoneStatusSucceeded, rec.Status)
}

// A milestone with no registered action completes instead of looping through
// redeliveries.
func TestMilestoneExecutorUnregisteredMilestoneCompletes(t *testing.T) {
	ledger := newMemLedger()
	exec := NewMilestoneExecutor(ledger, nil, &captureAlerter{}, 3, testLogger())

	job := settlementJob()
	require.NoError(t, exec.Execute(context.Background(), job))
	rec, err := ledger.GetByKey(context.Background(), job.IdempotencyKey())
	require.NoError(t, err)
	assert.Equal(t, model.MilestoneStatusSucceeded, rec.Status)
}
