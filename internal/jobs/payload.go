package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/arenaops/contest-ledger/internal/domain/model"
)

// Kind discriminates queued job payloads.
type Kind string

const (
	KindMilestone Kind = "milestone_execution"
	KindReconcile Kind = "reconcile_report"
)

// Job is the closed set of queue payloads. New kinds are added here and in
// decodeEnvelope, never by external packages.
type Job interface {
	Kind() Kind
	// SerializationKey groups jobs that must never run concurrently. Jobs
	// sharing a key execute strictly serially; distinct keys run in parallel
	// across the worker pool.
	SerializationKey() string

	sealed()
}

// MilestoneJob asks a worker to perform the downstream side effect for one
// on-chain milestone event, exactly once per source event.
type MilestoneJob struct {
	JobID             uuid.UUID       `json:"job_id"`
	ContestID         model.ContestID `json:"contest_id"`
	ChainID           model.ChainID   `json:"chain_id"`
	Milestone         model.Milestone `json:"milestone"`
	SourceTxHash      string          `json:"source_tx_hash"`
	SourceLogIndex    int64           `json:"source_log_index"`
	SourceBlockNumber int64           `json:"source_block_number"`
	Payload           json.RawMessage `json:"payload,omitempty"`
}

func (j MilestoneJob) Kind() Kind { return KindMilestone }

func (j MilestoneJob) SerializationKey() string {
	return fmt.Sprintf("%s:%d", j.ContestID, j.ChainID)
}

func (MilestoneJob) sealed() {}

// IdempotencyKey is payload-independent: two publishes of the same on-chain
// event map to one execution even if their payloads differ.
func (j MilestoneJob) IdempotencyKey() string {
	return model.MilestoneIdempotencyKey(j.ContestID, j.ChainID, j.Milestone, j.SourceTxHash, j.SourceLogIndex)
}

// ReconcileJob carries a finished reconciliation report to be persisted and
// surfaced to operators.
type ReconcileJob struct {
	Report model.ReconciliationReport `json:"report"`
}

func (j ReconcileJob) Kind() Kind { return KindReconcile }

func (j ReconcileJob) SerializationKey() string {
	return fmt.Sprintf("%s:%d", j.Report.ContestID, j.Report.ChainID)
}

func (ReconcileJob) sealed() {}

type envelope struct {
	Kind Kind            `json:"kind"`
	Body json.RawMessage `json:"body"`
}

func encodeEnvelope(job Job) ([]byte, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal %s job: %w", job.Kind(), err)
	}
	raw, err := json.Marshal(envelope{Kind: job.Kind(), Body: body})
	if err != nil {
		return nil, fmt.Errorf("marshal job envelope: %w", err)
	}
	return raw, nil
}

func decodeEnvelope(raw []byte) (Job, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unmarshal job envelope: %w", err)
	}
	switch env.Kind {
	case KindMilestone:
		var job MilestoneJob
		if err := json.Unmarshal(env.Body, &job); err != nil {
			return nil, fmt.Errorf("unmarshal milestone job: %w", err)
		}
		return job, nil
	case KindReconcile:
		var job ReconcileJob
		if err := json.Unmarshal(env.Body, &job); err != nil {
			return nil, fmt.Errorf("unmarshal reconcile job: %w", err)
		}
		return job, nil
	default:
		return nil, fmt.Errorf("unknown job kind %q", env.Kind)
	}
}
