package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/arenaops/contest-ledger/internal/alert"
	"github.com/arenaops/contest-ledger/internal/metrics"
	"github.com/arenaops/contest-ledger/internal/store"
)

// ReconcileWorker persists finished reconciliation reports and surfaces
// discrepancies to operators.
type ReconcileWorker struct {
	reports store.ReportRepository
	alerter alert.Alerter
	logger  *slog.Logger
}

func NewReconcileWorker(reports store.ReportRepository, alerter alert.Alerter, logger *slog.Logger) *ReconcileWorker {
	return &ReconcileWorker{
		reports: reports,
		alerter: alerter,
		logger:  logger.With("component", "reconcile_worker"),
	}
}

// Process stores the report. A nil return acknowledges the delivery; an
// error leaves it queued for redelivery.
func (w *ReconcileWorker) Process(ctx context.Context, job ReconcileJob) error {
	report := job.Report

	if err := w.reports.Insert(ctx, &report); err != nil {
		return fmt.Errorf("persist reconciliation report: %w", err)
	}

	chainLabel := report.ChainID.String()
	metrics.ReconcileRunsTotal.WithLabelValues(string(report.ContestID), chainLabel).Inc()
	for _, d := range report.Discrepancies {
		metrics.ReconcileDiscrepanciesTotal.WithLabelValues(
			string(report.ContestID), chainLabel, string(d.Type)).Inc()
	}

	w.logger.Info("reconciliation report stored",
		"report_id", report.ReportID,
		"contest", report.ContestID, "chain", report.ChainID,
		"from_block", report.Range.FromBlock, "to_block", report.Range.ToBlock,
		"replayed", report.ReplayedCount, "baseline", report.BaselineCount,
		"discrepancies", len(report.Discrepancies))

	if len(report.Discrepancies) == 0 {
		return nil
	}

	if err := w.alerter.Send(ctx, alert.Alert{
		Type:      alert.AlertTypeReconcileDiff,
		ContestID: report.ContestID,
		ChainID:   report.ChainID,
		Title:     "Replay diverged from stored ledger",
		Message: fmt.Sprintf("%d discrepancies in blocks %d-%d",
			len(report.Discrepancies), report.Range.FromBlock, report.Range.ToBlock),
		Fields: map[string]string{
			"report_id":     report.ReportID.String(),
			"discrepancies": strconv.Itoa(len(report.Discrepancies)),
		},
	}); err != nil {
		w.logger.Warn("discrepancy alert failed", "error", err)
	}
	return nil
}
