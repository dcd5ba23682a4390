package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/arenaops/contest-ledger/internal/domain/model"
	"github.com/arenaops/contest-ledger/internal/gateway/rpcclient"
	"github.com/arenaops/contest-ledger/internal/retry"
	"github.com/arenaops/contest-ledger/internal/rpc"
)

// EndpointManager is the failover surface the adapter reports call outcomes
// to. Satisfied by *rpc.Manager.
type EndpointManager interface {
	SelectActive(chainID model.ChainID) (rpc.Selection, error)
	RecordFailure(chainID model.ChainID, endpointID, reason string)
	RecordSuccess(chainID model.ChainID, endpointID string)
}

// PullRequest selects one bounded page of events for a stream. Cursor is
// exclusive (live polling); FromBlock/ToBlock bound an explicit replay range.
type PullRequest struct {
	Stream    *model.Stream
	Cursor    *model.Cursor
	FromBlock *int64
	ToBlock   *int64
	Limit     int
}

// EventBatch is one decoded page of stream events, sorted by
// (blockNumber, logIndex) ascending.
type EventBatch struct {
	Events      []*model.Envelope
	NextCursor  model.Cursor
	LatestBlock int64
}

// PullResult carries the batch plus the RPC selection that produced it.
type PullResult struct {
	Batch     EventBatch
	Selection rpc.Selection
}

// PullError wraps a failed pull with the RPC selection used, so callers can
// observe which endpoint failed even though the call itself did not succeed.
type PullError struct {
	Selection rpc.Selection
	Err       error
}

func (e *PullError) Error() string {
	return fmt.Sprintf("pull via %s: %v", e.Selection.EndpointID, e.Err)
}

func (e *PullError) Unwrap() error {
	return e.Err
}

// Adapter pulls contest events and issues lifecycle calls through whichever
// RPC endpoint the manager currently considers active.
type Adapter struct {
	client  *rpcclient.Client
	manager EndpointManager
	pacer   *pacer
	logger  *slog.Logger
}

// Config tunes the adapter's outbound call behavior.
type Config struct {
	RequestTimeout time.Duration
	CallsPerSecond float64
	CallBurst      int
}

func NewAdapter(cfg Config, manager EndpointManager, logger *slog.Logger) *Adapter {
	return &Adapter{
		client:  rpcclient.NewClient(cfg.RequestTimeout, logger),
		manager: manager,
		pacer:   newPacer(cfg.CallsPerSecond, cfg.CallBurst),
		logger:  logger.With("component", "gateway"),
	}
}

// PullEvents resolves the active endpoint, pulls one page, and reports the
// outcome to the endpoint manager. Failures classified as retryable (the
// default for unknown errors) count against the endpoint.
func (a *Adapter) PullEvents(ctx context.Context, req PullRequest) (*PullResult, error) {
	sel, err := a.manager.SelectActive(req.Stream.ChainID)
	if err != nil {
		return nil, fmt.Errorf("select endpoint: %w", err)
	}

	if err := a.pacer.wait(ctx, req.Stream.ChainID); err != nil {
		return nil, err
	}

	params := rpcclient.GetEventsParams{
		ContestID: string(req.Stream.ContestID),
		Addresses: req.Stream.Addresses.All(),
		FromBlock: req.FromBlock,
		ToBlock:   req.ToBlock,
		Limit:     req.Limit,
	}
	if req.Cursor != nil {
		params.After = &rpcclient.CursorRef{
			BlockNumber: req.Cursor.BlockNumber,
			LogIndex:    req.Cursor.LogIndex,
		}
	}

	result, err := a.client.GetEvents(ctx, sel.URL, params)
	if err != nil {
		return nil, a.reportFailure(req.Stream.ChainID, sel, err)
	}

	batch, err := a.decodeBatch(req.Stream, result)
	if err != nil {
		// A node returning undecodable data is as unhealthy as one timing out.
		return nil, a.reportFailure(req.Stream.ChainID, sel, err)
	}

	a.manager.RecordSuccess(req.Stream.ChainID, sel.EndpointID)
	return &PullResult{Batch: *batch, Selection: sel}, nil
}

// ReadContestState reads the lifecycle snapshot for a stream's contest.
func (a *Adapter) ReadContestState(ctx context.Context, stream *model.Stream) (*model.ContestState, error) {
	sel, err := a.manager.SelectActive(stream.ChainID)
	if err != nil {
		return nil, fmt.Errorf("select endpoint: %w", err)
	}
	if err := a.pacer.wait(ctx, stream.ChainID); err != nil {
		return nil, err
	}

	raw, err := a.client.GetContestState(ctx, sel.URL, string(stream.ContestID), stream.Addresses.Registrar)
	if err != nil {
		return nil, a.reportFailure(stream.ChainID, sel, err)
	}
	a.manager.RecordSuccess(stream.ChainID, sel.EndpointID)

	return &model.ContestState{
		ContestID:             stream.ContestID,
		ChainID:               stream.ChainID,
		Phase:                 model.ContestPhase(raw.Phase),
		LiveWindowEndsAt:      time.Unix(raw.LiveWindowEndsAt, 0).UTC(),
		UnsettledParticipants: raw.UnsettledParticipants,
		LeaderboardVersion:    raw.LeaderboardVersion,
		LeaderboardCurrent:    raw.LeaderboardCurrent,
	}, nil
}

// SubmitAction issues a phase-transition call for a stream's contest and
// returns the resulting tx hash.
func (a *Adapter) SubmitAction(ctx context.Context, stream *model.Stream, action string, params any) (string, error) {
	sel, err := a.manager.SelectActive(stream.ChainID)
	if err != nil {
		return "", fmt.Errorf("select endpoint: %w", err)
	}
	if err := a.pacer.wait(ctx, stream.ChainID); err != nil {
		return "", err
	}

	txHash, err := a.client.SubmitAction(ctx, sel.URL, action, params)
	if err != nil {
		return "", a.reportFailure(stream.ChainID, sel, err)
	}
	a.manager.RecordSuccess(stream.ChainID, sel.EndpointID)
	return txHash, nil
}

// reportFailure feeds retryable failures back into the endpoint manager and
// wraps the error with the selection used.
func (a *Adapter) reportFailure(chainID model.ChainID, sel rpc.Selection, err error) error {
	decision := retry.Classify(err)
	if decision.IsTransient() {
		a.manager.RecordFailure(chainID, sel.EndpointID, decision.Reason)
	}
	return &PullError{Selection: sel, Err: err}
}

// decodeBatch converts wire records into typed envelopes, sorted by
// (blockNumber, logIndex). Downstream writers rely on this ordering.
func (a *Adapter) decodeBatch(stream *model.Stream, result *rpcclient.GetEventsResult) (*EventBatch, error) {
	events := make([]*model.Envelope, 0, len(result.Events))
	for _, rec := range result.Events {
		eventType := model.EventType(rec.Type)
		if !eventType.Valid() {
			return nil, retry.Terminal(fmt.Errorf("unknown event type %q at %s:%d", rec.Type, rec.TxHash, rec.LogIndex))
		}
		payload, err := model.DecodePayload(eventType, rec.Payload)
		if err != nil {
			return nil, retry.Terminal(err)
		}
		events = append(events, &model.Envelope{
			ContestID:   stream.ContestID,
			ChainID:     stream.ChainID,
			Type:        eventType,
			BlockNumber: rec.BlockNumber,
			LogIndex:    rec.LogIndex,
			TxHash:      rec.TxHash,
			Payload:     payload,
			RawPayload:  rec.Payload,
			ReorgFlag:   rec.Removed,
			DerivedAt: model.Anchor{
				BlockNumber: result.Anchor.BlockNumber,
				BlockHash:   result.Anchor.BlockHash,
				Timestamp:   time.Unix(result.Anchor.Timestamp, 0).UTC(),
			},
		})
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Position().Compare(events[j].Position()) < 0
	})

	return &EventBatch{
		Events: events,
		NextCursor: model.Cursor{
			BlockNumber: result.NextCursor.BlockNumber,
			LogIndex:    result.NextCursor.LogIndex,
		},
		LatestBlock: result.LatestBlock,
	}, nil
}
