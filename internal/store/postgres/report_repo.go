package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/arenaops/contest-ledger/internal/domain/model"
	"github.com/arenaops/contest-ledger/internal/store"
	"github.com/google/uuid"
)

type ReportRepo struct {
	db *DB
}

func NewReportRepo(db *DB) *ReportRepo {
	return &ReportRepo{db: db}
}

func (r *ReportRepo) Insert(ctx context.Context, report *model.ReconciliationReport) error {
	discrepancies, err := json.Marshal(report.Discrepancies)
	if err != nil {
		return fmt.Errorf("marshal discrepancies: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO reconciliation_reports (
			report_id, contest_id, chain_id, from_block, to_block, generated_at,
			replayed_count, baseline_count, had_baseline, discrepancies, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		report.ReportID, report.ContestID, report.ChainID,
		report.Range.FromBlock, report.Range.ToBlock, report.GeneratedAt,
		report.ReplayedCount, report.BaselineCount, report.HadBaseline,
		discrepancies, report.Status,
	)
	if err != nil {
		return fmt.Errorf("insert reconciliation report: %w", err)
	}
	return nil
}

// UpdateStatus applies an operator-driven review transition. The current
// status is read under a row lock so concurrent operators serialize through
// the state machine rather than racing past it.
func (r *ReportRepo) UpdateStatus(ctx context.Context, reportID uuid.UUID, to model.ReportStatus) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin report status tx: %w", err)
	}
	defer tx.Rollback()

	var current model.ReportStatus
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM reconciliation_reports
		WHERE report_id = $1
		FOR UPDATE
	`, reportID).Scan(&current)
	if err == sql.ErrNoRows {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read report status: %w", err)
	}

	if err := model.AssertReportStatusTransition(current, to); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidTransition, err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE reconciliation_reports
		SET status = $1, updated_at = now()
		WHERE report_id = $2
	`, to, reportID); err != nil {
		return fmt.Errorf("update report status: %w", err)
	}
	return tx.Commit()
}

func (r *ReportRepo) Get(ctx context.Context, reportID uuid.UUID) (*model.ReconciliationReport, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT report_id, contest_id, chain_id, from_block, to_block, generated_at,
		       replayed_count, baseline_count, had_baseline, discrepancies, status
		FROM reconciliation_reports
		WHERE report_id = $1
	`, reportID)
	return scanReport(row)
}

func (r *ReportRepo) ListByStatus(ctx context.Context, status model.ReportStatus, limit int) ([]*model.ReconciliationReport, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT report_id, contest_id, chain_id, from_block, to_block, generated_at,
		       replayed_count, baseline_count, had_baseline, discrepancies, status
		FROM reconciliation_reports
		WHERE status = $1
		ORDER BY generated_at DESC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var out []*model.ReconciliationReport
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, report)
	}
	return out, rows.Err()
}

func scanReport(row rowScanner) (*model.ReconciliationReport, error) {
	var report model.ReconciliationReport
	var discrepancies []byte
	err := row.Scan(
		&report.ReportID, &report.ContestID, &report.ChainID,
		&report.Range.FromBlock, &report.Range.ToBlock, &report.GeneratedAt,
		&report.ReplayedCount, &report.BaselineCount, &report.HadBaseline,
		&discrepancies, &report.Status,
	)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan report: %w", err)
	}
	if len(discrepancies) > 0 {
		if err := json.Unmarshal(discrepancies, &report.Discrepancies); err != nil {
			return nil, fmt.Errorf("unmarshal discrepancies: %w", err)
		}
	}
	return &report, nil
}
