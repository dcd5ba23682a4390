package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/arenaops/contest-ledger/internal/domain/model"
)

// StreamRepo reads tracked streams from the contest_streams table, the
// registry's database source of truth.
type StreamRepo struct {
	db *DB
}

func NewStreamRepo(db *DB) *StreamRepo {
	return &StreamRepo{db: db}
}

func (r *StreamRepo) ListActive(ctx context.Context) ([]*model.Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT contest_id, chain_id, registrar_address, treasury_address,
		       settlement_address, rewards_address, start_block, metadata
		FROM contest_streams
		WHERE is_active
		ORDER BY contest_id, chain_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list active streams: %w", err)
	}
	defer rows.Close()

	var streams []*model.Stream
	for rows.Next() {
		var s model.Stream
		var treasury, settlement, rewards sql.NullString
		var metadata []byte
		if err := rows.Scan(
			&s.ContestID, &s.ChainID, &s.Addresses.Registrar,
			&treasury, &settlement, &rewards, &s.StartBlock, &metadata,
		); err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		s.Addresses.Treasury = treasury.String
		s.Addresses.Settlement = settlement.String
		s.Addresses.Rewards = rewards.String
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &s.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal stream metadata: %w", err)
			}
		}
		streams = append(streams, &s)
	}
	return streams, rows.Err()
}
