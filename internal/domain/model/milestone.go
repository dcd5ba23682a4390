package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Milestone names a contest lifecycle event that requires an idempotent
// downstream side effect.
type Milestone string

const (
	MilestoneSettlement Milestone = "settlement"
	MilestoneReward     Milestone = "reward"
	MilestoneRedemption Milestone = "redemption"
)

// MilestoneStatus is the execution status of one milestone job.
type MilestoneStatus string

const (
	MilestoneStatusPending        MilestoneStatus = "pending"
	MilestoneStatusInProgress     MilestoneStatus = "in_progress"
	MilestoneStatusSucceeded      MilestoneStatus = "succeeded"
	MilestoneStatusRetrying       MilestoneStatus = "retrying"
	MilestoneStatusNeedsAttention MilestoneStatus = "needs_attention"
)

// milestoneTransitions enumerates the allowed status edges. needs_attention
// is reachable from every non-final state but only via attempt exhaustion;
// leaving it requires an explicit operator retry, not a transition here.
var milestoneTransitions = map[MilestoneStatus][]MilestoneStatus{
	MilestoneStatusPending:    {MilestoneStatusInProgress, MilestoneStatusNeedsAttention},
	MilestoneStatusInProgress: {MilestoneStatusSucceeded, MilestoneStatusRetrying, MilestoneStatusNeedsAttention},
	MilestoneStatusRetrying:   {MilestoneStatusInProgress, MilestoneStatusNeedsAttention},
}

// AssertMilestoneStatusTransition returns an error if from→to is not an
// allowed milestone status transition.
func AssertMilestoneStatusTransition(from, to MilestoneStatus) error {
	for _, allowed := range milestoneTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("milestone status transition %s -> %s is not allowed", from, to)
}

// MilestoneIdempotencyKey derives the deterministic key a milestone job is
// deduplicated on. The key deliberately excludes the job payload: a
// republished event with an enriched payload must map to the same execution.
func MilestoneIdempotencyKey(contestID ContestID, chainID ChainID, milestone Milestone, txHash string, logIndex int64) string {
	h := sha256.New()
	h.Write([]byte(string(contestID)))
	h.Write([]byte{0})
	h.Write([]byte(chainID.String()))
	h.Write([]byte{0})
	h.Write([]byte(string(milestone)))
	h.Write([]byte{0})
	h.Write([]byte(txHash))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(logIndex, 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// MilestoneExecution records the outcome of one milestone job. One record
// exists per (contest, chain, milestone, tx hash, log index); IdempotencyKey
// and JobID are each unique as well.
type MilestoneExecution struct {
	IdempotencyKey    string          `db:"idempotency_key"`
	JobID             uuid.UUID       `db:"job_id"`
	ContestID         ContestID       `db:"contest_id"`
	ChainID           ChainID         `db:"chain_id"`
	Milestone         Milestone       `db:"milestone"`
	SourceTxHash      string          `db:"source_tx_hash"`
	SourceLogIndex    int64           `db:"source_log_index"`
	SourceBlockNumber int64           `db:"source_block_number"`
	Status            MilestoneStatus `db:"status"`
	Attempts          int             `db:"attempts"`
	LastError         string          `db:"last_error"`
	CompletedAt       *time.Time      `db:"completed_at"`
	CreatedAt         time.Time       `db:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at"`
}
