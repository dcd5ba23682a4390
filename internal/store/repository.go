package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/arenaops/contest-ledger/internal/domain/model"
	"github.com/google/uuid"
)

// ErrCursorRegression is returned when a cursor write would move a stream's
// position backward. The stored cursor is left untouched.
var ErrCursorRegression = errors.New("cursor regression rejected")

// ErrInvalidTransition is returned when a status update violates the record's
// state machine.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// TxBeginner abstracts the ability to begin a database transaction.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// EventRepository persists ingested event envelopes.
type EventRepository interface {
	// InsertTx records an envelope. A duplicate identity is a no-op and
	// reports inserted=false.
	InsertTx(ctx context.Context, tx *sql.Tx, e *model.Envelope) (inserted bool, err error)

	// GetByRange returns stored events for a stream within an inclusive
	// block range, ordered by (block_number, log_index).
	GetByRange(ctx context.Context, key model.StreamKey, fromBlock, toBlock int64) ([]*model.Envelope, error)
}

// CursorRepository persists per-stream ingestion cursors.
type CursorRepository interface {
	// Get returns the stream's cursor, or nil if the stream is untracked.
	Get(ctx context.Context, key model.StreamKey) (*model.Cursor, error)

	// AdvanceTx moves the cursor forward. The write is conditional in SQL:
	// a position at or behind the stored one returns ErrCursorRegression
	// without mutating state.
	AdvanceTx(ctx context.Context, tx *sql.Tx, key model.StreamKey, to model.Cursor) error
}

// MilestoneRepository is the milestone execution ledger.
type MilestoneRepository interface {
	// Ensure inserts the execution record if absent and returns the stored
	// row. created=false means a record with this idempotency key already
	// existed.
	Ensure(ctx context.Context, rec *model.MilestoneExecution) (stored *model.MilestoneExecution, created bool, err error)

	// UpdateStatus transitions the record's status, guarded by the
	// milestone state machine. Attempts and lastError are updated
	// alongside. ErrInvalidTransition if the edge is not allowed.
	UpdateStatus(ctx context.Context, idempotencyKey string, from, to model.MilestoneStatus, attempts int, lastError string) error

	// ManualRetry is the explicit operator action that moves a
	// needs_attention record back to pending with its attempt budget reset.
	ManualRetry(ctx context.Context, idempotencyKey string) error

	GetByKey(ctx context.Context, idempotencyKey string) (*model.MilestoneExecution, error)
	ListNeedsAttention(ctx context.Context, limit int) ([]*model.MilestoneExecution, error)
}

// ReportRepository persists reconciliation reports.
type ReportRepository interface {
	Insert(ctx context.Context, report *model.ReconciliationReport) error

	// UpdateStatus transitions a report's review status, guarded by the
	// report state machine.
	UpdateStatus(ctx context.Context, reportID uuid.UUID, to model.ReportStatus) error

	Get(ctx context.Context, reportID uuid.UUID) (*model.ReconciliationReport, error)
	ListByStatus(ctx context.Context, status model.ReportStatus, limit int) ([]*model.ReconciliationReport, error)
}

// StreamRepository reads the registry's database source of truth.
type StreamRepository interface {
	ListActive(ctx context.Context) ([]*model.Stream, error)
}
