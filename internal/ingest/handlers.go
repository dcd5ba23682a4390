package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/arenaops/contest-ledger/internal/domain/model"
	"github.com/arenaops/contest-ledger/internal/jobs"
)

// MilestoneHandler enqueues a milestone job for each ingested event of its
// type. At-least-once publish is fine: the execution ledger's idempotency key
// collapses duplicates downstream.
type MilestoneHandler struct {
	milestone model.Milestone
	queue     JobQueue
}

func NewMilestoneHandler(milestone model.Milestone, queue JobQueue) *MilestoneHandler {
	return &MilestoneHandler{milestone: milestone, queue: queue}
}

func (h *MilestoneHandler) HandleEvent(ctx context.Context, event *model.Envelope) error {
	job := jobs.MilestoneJob{
		JobID:             uuid.New(),
		ContestID:         event.ContestID,
		ChainID:           event.ChainID,
		Milestone:         h.milestone,
		SourceTxHash:      event.TxHash,
		SourceLogIndex:    event.LogIndex,
		SourceBlockNumber: event.BlockNumber,
		Payload:           event.RawPayload,
	}
	if err := h.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueue %s job: %w", h.milestone, err)
	}
	return nil
}

// DeploymentHandler verifies deployment events against the registry's view
// of the stream's satellite addresses. A mismatch means the registry source
// of truth is stale; it is logged for operators, not acted on automatically.
type DeploymentHandler struct {
	streams StreamSource
	logger  *slog.Logger
}

func NewDeploymentHandler(streams StreamSource, logger *slog.Logger) *DeploymentHandler {
	return &DeploymentHandler{streams: streams, logger: logger.With("component", "deployment_handler")}
}

func (h *DeploymentHandler) HandleEvent(_ context.Context, event *model.Envelope) error {
	payload, ok := event.Payload.(model.DeploymentPayload)
	if !ok {
		return fmt.Errorf("deployment event %s:%d carries %T payload", event.TxHash, event.LogIndex, event.Payload)
	}

	stream := h.lookup(event.ContestID, event.ChainID)
	if stream == nil {
		h.logger.Warn("deployment event for unregistered stream",
			"contest", event.ContestID, "chain", event.ChainID)
		return nil
	}

	expected := h.registered(stream, payload.Component)
	if expected == "" {
		h.logger.Info("deployment announces component the registry does not track",
			"contest", event.ContestID, "chain", event.ChainID,
			"contract", payload.Component, "address", payload.Address)
		return nil
	}
	if expected != payload.Address {
		h.logger.Warn("registry address disagrees with on-chain deployment",
			"contest", event.ContestID, "chain", event.ChainID,
			"contract", payload.Component,
			"registry_address", expected, "deployed_address", payload.Address)
	}
	return nil
}

func (h *DeploymentHandler) lookup(contestID model.ContestID, chainID model.ChainID) *model.Stream {
	for _, s := range h.streams.Streams() {
		if s.ContestID == contestID && s.ChainID == chainID {
			return s
		}
	}
	return nil
}

func (h *DeploymentHandler) registered(stream *model.Stream, contract string) string {
	switch contract {
	case "registrar":
		return stream.Addresses.Registrar
	case "treasury":
		return stream.Addresses.Treasury
	case "settlement":
		return stream.Addresses.Settlement
	case "rewards":
		return stream.Addresses.Rewards
	default:
		return ""
	}
}

// DefaultHandlers wires the standard handler set: settlement, reward, and
// redemption events become milestone jobs; deployment events are checked
// against the registry. Registration events are recorded but carry no
// downstream side effect here.
func DefaultHandlers(queue JobQueue, streams StreamSource, logger *slog.Logger) map[model.EventType]EventHandler {
	return map[model.EventType]EventHandler{
		model.EventTypeSettlement: NewMilestoneHandler(model.MilestoneSettlement, queue),
		model.EventTypeReward:     NewMilestoneHandler(model.MilestoneReward, queue),
		model.EventTypeRedemption: NewMilestoneHandler(model.MilestoneRedemption, queue),
		model.EventTypeDeployment: NewDeploymentHandler(streams, logger),
	}
}
