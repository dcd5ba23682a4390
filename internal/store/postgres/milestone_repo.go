package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/arenaops/contest-ledger/internal/domain/model"
	"github.com/arenaops/contest-ledger/internal/store"
)

type MilestoneRepo struct {
	db *DB
}

func NewMilestoneRepo(db *DB) *MilestoneRepo {
	return &MilestoneRepo{db: db}
}

const milestoneColumns = `
	idempotency_key, job_id, contest_id, chain_id, milestone,
	source_tx_hash, source_log_index, source_block_number,
	status, attempts, last_error, completed_at, created_at, updated_at`

// Ensure inserts the execution record if absent. Duplicate publishes of the
// same on-chain event hit the idempotency key conflict and receive the
// already-stored row, so the caller can decide whether work remains.
func (r *MilestoneRepo) Ensure(ctx context.Context, rec *model.MilestoneExecution) (*model.MilestoneExecution, bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO milestone_executions (
			idempotency_key, job_id, contest_id, chain_id, milestone,
			source_tx_hash, source_log_index, source_block_number, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (idempotency_key) DO NOTHING
	`,
		rec.IdempotencyKey, rec.JobID, rec.ContestID, rec.ChainID, rec.Milestone,
		rec.SourceTxHash, rec.SourceLogIndex, rec.SourceBlockNumber,
		model.MilestoneStatusPending,
	)
	if err != nil {
		return nil, false, fmt.Errorf("ensure milestone execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("ensure milestone rows affected: %w", err)
	}

	stored, err := r.GetByKey(ctx, rec.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return stored, n > 0, nil
}

// UpdateStatus transitions the record in SQL with the expected-from guard,
// so concurrent workers cannot race a record through an illegal edge.
func (r *MilestoneRepo) UpdateStatus(ctx context.Context, idempotencyKey string, from, to model.MilestoneStatus, attempts int, lastError string) error {
	if err := model.AssertMilestoneStatusTransition(from, to); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidTransition, err)
	}

	completedAt := "NULL"
	if to == model.MilestoneStatusSucceeded {
		completedAt = "now()"
	}
	res, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE milestone_executions
		SET status = $1, attempts = $2, last_error = $3, completed_at = %s, updated_at = now()
		WHERE idempotency_key = $4 AND status = $5
	`, completedAt), to, attempts, lastError, idempotencyKey, from)
	if err != nil {
		return fmt.Errorf("update milestone status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update milestone rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s not in status %s", store.ErrInvalidTransition, idempotencyKey, from)
	}
	return nil
}

// ManualRetry is the operator escape hatch for escalated executions. Only a
// needs_attention record can be reset; the attempt budget starts over.
func (r *MilestoneRepo) ManualRetry(ctx context.Context, idempotencyKey string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE milestone_executions
		SET status = $1, attempts = 0, last_error = '', updated_at = now()
		WHERE idempotency_key = $2 AND status = $3
	`, model.MilestoneStatusPending, idempotencyKey, model.MilestoneStatusNeedsAttention)
	if err != nil {
		return fmt.Errorf("manual retry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("manual retry rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s is not awaiting attention", store.ErrInvalidTransition, idempotencyKey)
	}
	return nil
}

func (r *MilestoneRepo) GetByKey(ctx context.Context, idempotencyKey string) (*model.MilestoneExecution, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+milestoneColumns+`
		FROM milestone_executions
		WHERE idempotency_key = $1
	`, idempotencyKey)
	return scanMilestone(row)
}

func (r *MilestoneRepo) ListNeedsAttention(ctx context.Context, limit int) ([]*model.MilestoneExecution, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+milestoneColumns+`
		FROM milestone_executions
		WHERE status = $1
		ORDER BY updated_at DESC
		LIMIT $2
	`, model.MilestoneStatusNeedsAttention, limit)
	if err != nil {
		return nil, fmt.Errorf("list escalated milestones: %w", err)
	}
	defer rows.Close()

	var out []*model.MilestoneExecution
	for rows.Next() {
		rec, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMilestone(row rowScanner) (*model.MilestoneExecution, error) {
	var rec model.MilestoneExecution
	var completedAt sql.NullTime
	var lastError sql.NullString
	err := row.Scan(
		&rec.IdempotencyKey, &rec.JobID, &rec.ContestID, &rec.ChainID, &rec.Milestone,
		&rec.SourceTxHash, &rec.SourceLogIndex, &rec.SourceBlockNumber,
		&rec.Status, &rec.Attempts, &lastError, &completedAt,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan milestone execution: %w", err)
	}
	if lastError.Valid {
		rec.LastError = lastError.String
	}
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Time
	}
	return &rec, nil
}
