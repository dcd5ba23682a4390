package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/arenaops/contest-ledger/internal/domain/model"
)

type EventRepo struct {
	db *DB
}

func NewEventRepo(db *DB) *EventRepo {
	return &EventRepo{db: db}
}

// InsertTx records an envelope. The unique index on
// (contest_id, chain_id, tx_hash, log_index) makes duplicate identities a
// no-op; inserted=false reports that case.
func (r *EventRepo) InsertTx(ctx context.Context, tx *sql.Tx, e *model.Envelope) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO contest_events (
			contest_id, chain_id, event_type, block_number, log_index, tx_hash,
			payload, reorg_flag, anchor_block_number, anchor_block_hash, anchor_timestamp
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (contest_id, chain_id, tx_hash, log_index) DO NOTHING
	`,
		e.ContestID, e.ChainID, e.Type, e.BlockNumber, e.LogIndex, e.TxHash,
		[]byte(e.RawPayload), e.ReorgFlag,
		e.DerivedAt.BlockNumber, e.DerivedAt.BlockHash, e.DerivedAt.Timestamp,
	)
	if err != nil {
		return false, fmt.Errorf("insert event %s:%d: %w", e.TxHash, e.LogIndex, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert event rows affected: %w", err)
	}
	return n > 0, nil
}

func (r *EventRepo) GetByRange(ctx context.Context, key model.StreamKey, fromBlock, toBlock int64) ([]*model.Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT event_type, block_number, log_index, tx_hash, payload, reorg_flag,
		       anchor_block_number, anchor_block_hash, anchor_timestamp
		FROM contest_events
		WHERE contest_id = $1 AND chain_id = $2 AND block_number BETWEEN $3 AND $4
		ORDER BY block_number, log_index
	`, key.ContestID, key.ChainID, fromBlock, toBlock)
	if err != nil {
		return nil, fmt.Errorf("query events by range: %w", err)
	}
	defer rows.Close()

	var events []*model.Envelope
	for rows.Next() {
		e := &model.Envelope{ContestID: key.ContestID, ChainID: key.ChainID}
		var payload []byte
		var anchorTS time.Time
		if err := rows.Scan(
			&e.Type, &e.BlockNumber, &e.LogIndex, &e.TxHash, &payload, &e.ReorgFlag,
			&e.DerivedAt.BlockNumber, &e.DerivedAt.BlockHash, &anchorTS,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.RawPayload = payload
		e.DerivedAt.Timestamp = anchorTS
		if decoded, err := model.DecodePayload(e.Type, e.RawPayload); err == nil {
			e.Payload = decoded
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
