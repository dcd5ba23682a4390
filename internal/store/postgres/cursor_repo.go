package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/arenaops/contest-ledger/internal/domain/model"
	"github.com/arenaops/contest-ledger/internal/store"
)

type CursorRepo struct {
	db *DB
}

func NewCursorRepo(db *DB) *CursorRepo {
	return &CursorRepo{db: db}
}

func (r *CursorRepo) Get(ctx context.Context, key model.StreamKey) (*model.Cursor, error) {
	var c model.Cursor
	err := r.db.QueryRowContext(ctx, `
		SELECT block_number, log_index
		FROM stream_cursors
		WHERE contest_id = $1 AND chain_id = $2
	`, key.ContestID, key.ChainID).Scan(&c.BlockNumber, &c.LogIndex)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cursor: %w", err)
	}
	return &c, nil
}

// AdvanceTx writes the cursor with a monotonicity guard in SQL: the update
// only applies when the new position is strictly ahead under
// (block_number, log_index) order. A no-op update means the caller attempted
// a regression.
func (r *CursorRepo) AdvanceTx(ctx context.Context, tx *sql.Tx, key model.StreamKey, to model.Cursor) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO stream_cursors (contest_id, chain_id, block_number, log_index)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (contest_id, chain_id) DO UPDATE SET
			block_number = EXCLUDED.block_number,
			log_index = EXCLUDED.log_index,
			updated_at = now()
		WHERE (stream_cursors.block_number, stream_cursors.log_index)
			< (EXCLUDED.block_number, EXCLUDED.log_index)
	`, key.ContestID, key.ChainID, to.BlockNumber, to.LogIndex)
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("advance cursor rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s to (%d,%d)", store.ErrCursorRegression, key, to.BlockNumber, to.LogIndex)
	}
	return nil
}
