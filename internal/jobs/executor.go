package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/arenaops/contest-ledger/internal/alert"
	"github.com/arenaops/contest-ledger/internal/domain/model"
	"github.com/arenaops/contest-ledger/internal/metrics"
	"github.com/arenaops/contest-ledger/internal/store"
)

// DefaultMaxAttempts bounds retries before a milestone escalates to
// needs_attention.
const DefaultMaxAttempts = 5

// Action performs the downstream side effect for one milestone job. It must
// tolerate being retried: the executor only guarantees at-most-one successful
// run per idempotency key, not at-most-one invocation.
type Action interface {
	Run(ctx context.Context, job MilestoneJob) error
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, job MilestoneJob) error

func (f ActionFunc) Run(ctx context.Context, job MilestoneJob) error { return f(ctx, job) }

// MilestoneExecutor drives milestone jobs through the execution ledger.
// Delivery is at-least-once; the ledger's idempotency key plus the status
// machine make the side effect exactly-once.
type MilestoneExecutor struct {
	ledger      store.MilestoneRepository
	actions     map[model.Milestone]Action
	alerter     alert.Alerter
	maxAttempts int
	logger      *slog.Logger
}

func NewMilestoneExecutor(ledger store.MilestoneRepository, actions map[model.Milestone]Action, alerter alert.Alerter, maxAttempts int, logger *slog.Logger) *MilestoneExecutor {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &MilestoneExecutor{
		ledger:      ledger,
		actions:     actions,
		alerter:     alerter,
		maxAttempts: maxAttempts,
		logger:      logger.With("component", "milestone_executor"),
	}
}

// Execute processes one delivery. A nil return acknowledges the message; an
// error leaves it queued for redelivery.
func (e *MilestoneExecutor) Execute(ctx context.Context, job MilestoneJob) error {
	rec, created, err := e.ledger.Ensure(ctx, &model.MilestoneExecution{
		IdempotencyKey:    job.IdempotencyKey(),
		JobID:             job.JobID,
		ContestID:         job.ContestID,
		ChainID:           job.ChainID,
		Milestone:         job.Milestone,
		SourceTxHash:      job.SourceTxHash,
		SourceLogIndex:    job.SourceLogIndex,
		SourceBlockNumber: job.SourceBlockNumber,
	})
	if err != nil {
		return fmt.Errorf("ensure execution record: %w", err)
	}
	if !created {
		e.logger.Debug("duplicate milestone delivery",
			"idempotency_key", rec.IdempotencyKey, "status", rec.Status)
	}

	switch rec.Status {
	case model.MilestoneStatusSucceeded:
		// Already done; the duplicate delivery is acked without side effects.
		return nil
	case model.MilestoneStatusNeedsAttention:
		// Escalated; only an operator retry may resurrect it.
		return nil
	case model.MilestoneStatusInProgress:
		// A previous worker died mid-run (this delivery reached us via stale
		// claim). Move it to retrying and take over.
		if err := e.ledger.UpdateStatus(ctx, rec.IdempotencyKey, rec.Status, model.MilestoneStatusRetrying, rec.Attempts, "reclaimed stalled execution"); err != nil {
			return fmt.Errorf("reclaim stalled execution: %w", err)
		}
		rec.Status = model.MilestoneStatusRetrying
	}

	if err := e.ledger.UpdateStatus(ctx, rec.IdempotencyKey, rec.Status, model.MilestoneStatusInProgress, rec.Attempts, ""); err != nil {
		return fmt.Errorf("mark in_progress: %w", err)
	}

	action, ok := e.actions[job.Milestone]
	if !ok {
		// No side effect registered for this milestone. Complete the record
		// so redeliveries do not spin.
		e.logger.Warn("no action registered for milestone", "milestone", job.Milestone)
		return e.complete(ctx, rec, job)
	}

	if runErr := action.Run(ctx, job); runErr != nil {
		return e.fail(ctx, rec, job, runErr)
	}
	return e.complete(ctx, rec, job)
}

func (e *MilestoneExecutor) complete(ctx context.Context, rec *model.MilestoneExecution, job MilestoneJob) error {
	attempts := rec.Attempts + 1
	if err := e.ledger.UpdateStatus(ctx, rec.IdempotencyKey, model.MilestoneStatusInProgress, model.MilestoneStatusSucceeded, attempts, ""); err != nil {
		return fmt.Errorf("mark succeeded: %w", err)
	}
	metrics.JobAttempts.WithLabelValues(string(KindMilestone)).Observe(float64(attempts))
	e.logger.Info("milestone executed",
		"contest", job.ContestID, "chain", job.ChainID,
		"milestone", job.Milestone, "tx_hash", job.SourceTxHash,
		"attempts", attempts)
	return nil
}

func (e *MilestoneExecutor) fail(ctx context.Context, rec *model.MilestoneExecution, job MilestoneJob, runErr error) error {
	attempts := rec.Attempts + 1

	if attempts >= e.maxAttempts {
		if err := e.ledger.UpdateStatus(ctx, rec.IdempotencyKey, model.MilestoneStatusInProgress, model.MilestoneStatusNeedsAttention, attempts, runErr.Error()); err != nil {
			return fmt.Errorf("escalate execution: %w", err)
		}
		metrics.MilestonesEscalatedTotal.WithLabelValues(
			string(job.ContestID), job.ChainID.String(), string(job.Milestone)).Inc()
		metrics.JobAttempts.WithLabelValues(string(KindMilestone)).Observe(float64(attempts))
		e.logger.Error("milestone escalated to needs_attention",
			"contest", job.ContestID, "chain", job.ChainID,
			"milestone", job.Milestone, "tx_hash", job.SourceTxHash,
			"attempts", attempts, "error", runErr)

		if alertErr := e.alerter.Send(ctx, alert.Alert{
			Type:      alert.AlertTypeMilestoneStuck,
			ContestID: job.ContestID,
			ChainID:   job.ChainID,
			Title:     fmt.Sprintf("Milestone %s needs attention", job.Milestone),
			Message:   runErr.Error(),
			Fields: map[string]string{
				"idempotency_key": rec.IdempotencyKey,
				"tx_hash":         job.SourceTxHash,
				"attempts":        strconv.Itoa(attempts),
			},
		}); alertErr != nil {
			e.logger.Warn("escalation alert failed", "error", alertErr)
		}
		// Escalation is terminal for the queue: ack so the stream drains.
		return nil
	}

	if err := e.ledger.UpdateStatus(ctx, rec.IdempotencyKey, model.MilestoneStatusInProgress, model.MilestoneStatusRetrying, attempts, runErr.Error()); err != nil {
		return fmt.Errorf("mark retrying: %w", err)
	}
	e.logger.Warn("milestone attempt failed",
		"contest", job.ContestID, "chain", job.ChainID,
		"milestone", job.Milestone, "attempts", attempts,
		"max_attempts", e.maxAttempts, "error", runErr)
	return fmt.Errorf("milestone attempt %d/%d: %w", attempts, e.maxAttempts, runErr)
}
