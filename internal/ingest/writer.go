package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/arenaops/contest-ledger/internal/domain/model"
	"github.com/arenaops/contest-ledger/internal/gateway"
	"github.com/arenaops/contest-ledger/internal/metrics"
	"github.com/arenaops/contest-ledger/internal/store"
)

// EventHandler reacts to one recorded event, e.g. by enqueueing a milestone
// job. Handler failures are logged and skipped per event; they never fail the
// enclosing batch write or block the cursor.
type EventHandler interface {
	HandleEvent(ctx context.Context, event *model.Envelope) error
}

// WriteRequest is one batch write for a stream.
type WriteRequest struct {
	Stream        *model.Stream
	Batch         gateway.EventBatch
	CurrentCursor *model.Cursor
	// AdvanceCursor is disabled during replay so a historical walk never
	// corrupts the live cursor.
	AdvanceCursor bool
}

// WriteResult summarizes what one batch write changed.
type WriteResult struct {
	Inserted       int
	Duplicates     int
	CursorAdvanced bool
	Cursor         model.Cursor
}

// Writer persists event batches exactly once and advances stream cursors
// monotonically.
type Writer struct {
	db       store.TxBeginner
	events   store.EventRepository
	cursors  store.CursorRepository
	handlers map[model.EventType]EventHandler
	logger   *slog.Logger
}

func NewWriter(db store.TxBeginner, events store.EventRepository, cursors store.CursorRepository, handlers map[model.EventType]EventHandler, logger *slog.Logger) *Writer {
	return &Writer{
		db:       db,
		events:   events,
		cursors:  cursors,
		handlers: handlers,
		logger:   logger.With("component", "ingest_writer"),
	}
}

// WriteBatch records every event in the batch (duplicate identities are
// no-ops), advances the cursor if it actually progresses, then dispatches
// each event to its type's handler. A batch with zero events may still
// advance the cursor when the chain produced new empty blocks.
func (w *Writer) WriteBatch(ctx context.Context, req WriteRequest) (*WriteResult, error) {
	key := req.Stream.Key()
	result := &WriteResult{}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin batch tx: %w", err)
	}
	defer tx.Rollback()

	for _, event := range req.Batch.Events {
		inserted, err := w.events.InsertTx(ctx, tx, event)
		if err != nil {
			return nil, fmt.Errorf("record event %s:%d: %w", event.TxHash, event.LogIndex, err)
		}
		if inserted {
			result.Inserted++
			metrics.IngestEventsWritten.WithLabelValues(
				key.ContestID.String(), key.ChainID.String(), string(event.Type)).Inc()
		} else {
			result.Duplicates++
			metrics.IngestDuplicatesSkipped.WithLabelValues(
				key.ContestID.String(), key.ChainID.String()).Inc()
		}
	}

	cursor, advanced, err := w.advanceCursor(ctx, tx, key, req)
	if err != nil {
		return nil, err
	}
	result.CursorAdvanced = advanced
	result.Cursor = cursor

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit batch tx: %w", err)
	}

	w.dispatch(ctx, req.Batch.Events)
	return result, nil
}

// advanceCursor applies the cursor policy inside the batch transaction. The
// SQL write is itself conditional, so even a racing writer cannot regress the
// stored position.
func (w *Writer) advanceCursor(ctx context.Context, tx *sql.Tx, key model.StreamKey, req WriteRequest) (model.Cursor, bool, error) {
	next := req.Batch.NextCursor
	if !req.AdvanceCursor {
		if req.CurrentCursor != nil {
			return *req.CurrentCursor, false, nil
		}
		return model.Cursor{}, false, nil
	}

	if req.CurrentCursor != nil && !next.After(*req.CurrentCursor) {
		// Idempotent re-poll of already-covered ground.
		return *req.CurrentCursor, false, nil
	}

	if err := w.cursors.AdvanceTx(ctx, tx, key, next); err != nil {
		if errors.Is(err, store.ErrCursorRegression) {
			w.logger.Warn("concurrent cursor advance lost the race",
				"contest", key.ContestID, "chain", key.ChainID,
				"block", next.BlockNumber, "log_index", next.LogIndex)
			if req.CurrentCursor != nil {
				return *req.CurrentCursor, false, nil
			}
			return model.Cursor{}, false, nil
		}
		return model.Cursor{}, false, fmt.Errorf("advance cursor: %w", err)
	}
	return next, true, nil
}

// dispatch fans recorded events out to their handlers after the batch
// commits, so a handler only ever sees durable events.
func (w *Writer) dispatch(ctx context.Context, events []*model.Envelope) {
	for _, event := range events {
		handler, ok := w.handlers[event.Type]
		if !ok {
			// Forward compatibility: event types the writer does not act on
			// yet are recorded but not dispatched.
			w.logger.Debug("no handler for event type", "type", event.Type)
			continue
		}
		if err := handler.HandleEvent(ctx, event); err != nil {
			w.logger.Error("event handler failed",
				"type", event.Type, "tx_hash", event.TxHash,
				"log_index", event.LogIndex, "error", err)
		}
	}
}
