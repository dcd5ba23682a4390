package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DiscrepancyType classifies one reconciliation finding.
type DiscrepancyType string

const (
	// DiscrepancyMissingEvent: the replayed chain data contains an event the
	// baseline does not.
	DiscrepancyMissingEvent DiscrepancyType = "missing_event"
	// DiscrepancyExtraEvent: the baseline contains an event the replayed
	// chain data does not.
	DiscrepancyExtraEvent DiscrepancyType = "extra_event"
	// DiscrepancyPayloadMismatch: both sides have the event but the payloads
	// differ.
	DiscrepancyPayloadMismatch DiscrepancyType = "payload_mismatch"
)

// Discrepancy is one finding in a reconciliation report.
type Discrepancy struct {
	Type        DiscrepancyType `json:"type"`
	TxHash      string          `json:"tx_hash"`
	LogIndex    int64           `json:"log_index"`
	EventType   EventType       `json:"event_type,omitempty"`
	BlockNumber int64           `json:"block_number,omitempty"`
	Details     string          `json:"details,omitempty"`
	Baseline    json.RawMessage `json:"baseline,omitempty"`
	Replayed    json.RawMessage `json:"replayed,omitempty"`
}

// ReportStatus is the operator-driven review status of a report.
type ReportStatus string

const (
	ReportStatusPendingReview  ReportStatus = "pending_review"
	ReportStatusInReview       ReportStatus = "in_review"
	ReportStatusResolved       ReportStatus = "resolved"
	ReportStatusNeedsAttention ReportStatus = "needs_attention"
)

// reportTransitions enumerates the allowed review edges. A report must pass
// through in_review before resolution, and nothing ever moves backward into
// pending_review.
var reportTransitions = map[ReportStatus][]ReportStatus{
	ReportStatusPendingReview:  {ReportStatusInReview, ReportStatusNeedsAttention},
	ReportStatusInReview:       {ReportStatusResolved, ReportStatusNeedsAttention},
	ReportStatusResolved:       {ReportStatusNeedsAttention},
	ReportStatusNeedsAttention: {ReportStatusInReview},
}

// AssertReportStatusTransition returns an error if from→to is not an allowed
// report status transition.
func AssertReportStatusTransition(from, to ReportStatus) error {
	for _, allowed := range reportTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("reconciliation status transition %s -> %s is not allowed", from, to)
}

// BlockRange is an inclusive block interval.
type BlockRange struct {
	FromBlock int64 `json:"from_block"`
	ToBlock   int64 `json:"to_block"`
}

// ReconciliationReport is the diff artifact produced by replaying a block
// range. Exactly one report is created per replay run; its status is
// operator-driven afterward.
type ReconciliationReport struct {
	ReportID      uuid.UUID     `json:"report_id" db:"report_id"`
	ContestID     ContestID     `json:"contest_id" db:"contest_id"`
	ChainID       ChainID       `json:"chain_id" db:"chain_id"`
	Range         BlockRange    `json:"range"`
	GeneratedAt   time.Time     `json:"generated_at" db:"generated_at"`
	ReplayedCount int           `json:"replayed_count" db:"replayed_count"`
	BaselineCount int           `json:"baseline_count" db:"baseline_count"`
	HadBaseline   bool          `json:"had_baseline" db:"had_baseline"`
	Discrepancies []Discrepancy `json:"discrepancies"`
	Status        ReportStatus  `json:"status" db:"status"`
}
