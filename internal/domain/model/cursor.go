package model

import "time"

// Cursor is the last confirmed ingestion position for a stream, ordered
// lexicographically by (BlockNumber, LogIndex). A persisted cursor never
// regresses.
type Cursor struct {
	BlockNumber int64 `json:"block_number"`
	LogIndex    int64 `json:"log_index"`
}

// Compare returns -1, 0, or 1 as c orders before, equal to, or after other.
func (c Cursor) Compare(other Cursor) int {
	switch {
	case c.BlockNumber < other.BlockNumber:
		return -1
	case c.BlockNumber > other.BlockNumber:
		return 1
	case c.LogIndex < other.LogIndex:
		return -1
	case c.LogIndex > other.LogIndex:
		return 1
	default:
		return 0
	}
}

// After reports whether c is a strict advance over other.
func (c Cursor) After(other Cursor) bool {
	return c.Compare(other) > 0
}

// StreamCursor is the persisted cursor row for a stream.
type StreamCursor struct {
	ContestID ContestID `db:"contest_id"`
	ChainID   ChainID   `db:"chain_id"`
	Position  Cursor
	UpdatedAt time.Time `db:"updated_at"`
}
