package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/arenaops/contest-ledger/internal/domain/model"
)

// WebhookAction delivers a milestone's side effect by POSTing the job to a
// downstream service. A non-2xx response is an error, so the executor's
// retry budget applies.
type WebhookAction struct {
	url    string
	client *http.Client
}

func NewWebhookAction(url string) *WebhookAction {
	return &WebhookAction{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type webhookActionPayload struct {
	JobID       string          `json:"job_id"`
	ContestID   model.ContestID `json:"contest_id"`
	ChainID     model.ChainID   `json:"chain_id"`
	Milestone   model.Milestone `json:"milestone"`
	TxHash      string          `json:"tx_hash"`
	LogIndex    int64           `json:"log_index"`
	BlockNumber int64           `json:"block_number"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

func (a *WebhookAction) Run(ctx context.Context, job MilestoneJob) error {
	body, err := json.Marshal(webhookActionPayload{
		JobID:       job.JobID.String(),
		ContestID:   job.ContestID,
		ChainID:     job.ChainID,
		Milestone:   job.Milestone,
		TxHash:      job.SourceTxHash,
		LogIndex:    job.SourceLogIndex,
		BlockNumber: job.SourceBlockNumber,
		Payload:     job.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal milestone webhook: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create milestone webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	// The idempotency key lets the receiver deduplicate retried deliveries.
	req.Header.Set("Idempotency-Key", job.IdempotencyKey())

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver milestone webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("milestone webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// LogAction records the milestone without an external side effect. Used when
// no downstream webhook is configured, typically in dev.
type LogAction struct {
	logger *slog.Logger
}

func NewLogAction(logger *slog.Logger) *LogAction {
	return &LogAction{logger: logger.With("component", "milestone_action")}
}

func (a *LogAction) Run(_ context.Context, job MilestoneJob) error {
	a.logger.Info("milestone side effect (log only)",
		"contest", job.ContestID, "chain", job.ChainID,
		"milestone", job.Milestone, "tx_hash", job.SourceTxHash)
	return nil
}

// DefaultActions wires every known milestone to the same delivery action:
// a webhook when url is set, log-only otherwise.
func DefaultActions(url string, logger *slog.Logger) map[model.Milestone]Action {
	var action Action
	if url != "" {
		action = NewWebhookAction(url)
	} else {
		action = NewLogAction(logger)
	}
	return map[model.Milestone]Action{
		model.MilestoneSettlement: action,
		model.MilestoneReward:     action,
		model.MilestoneRedemption: action,
	}
}
