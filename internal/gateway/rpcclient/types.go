package rpcclient

import (
	"encoding/json"
	"fmt"
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object returned by a contest gateway node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// CursorRef is the wire form of an ingestion cursor.
type CursorRef struct {
	BlockNumber int64 `json:"blockNumber"`
	LogIndex    int64 `json:"logIndex"`
}

// AnchorRef reports the block the node derived the batch at.
type AnchorRef struct {
	BlockNumber int64  `json:"blockNumber"`
	BlockHash   string `json:"blockHash"`
	Timestamp   int64  `json:"timestamp"` // unix seconds
}

// EventRecord is one contest log as returned by contest_getEvents.
type EventRecord struct {
	Type        string          `json:"type"`
	BlockNumber int64           `json:"blockNumber"`
	LogIndex    int64           `json:"logIndex"`
	TxHash      string          `json:"txHash"`
	Payload     json.RawMessage `json:"payload"`
	Removed     bool            `json:"removed,omitempty"`
}

// GetEventsParams selects a page of contest events. Either After (exclusive
// cursor) or FromBlock (inclusive) positions the page start; ToBlock bounds
// replay pulls.
type GetEventsParams struct {
	ContestID string    `json:"contestId"`
	Addresses []string  `json:"addresses"`
	After     *CursorRef `json:"after,omitempty"`
	FromBlock *int64    `json:"fromBlock,omitempty"`
	ToBlock   *int64    `json:"toBlock,omitempty"`
	Limit     int       `json:"limit"`
}

// GetEventsResult is the page returned by contest_getEvents. Events arrive
// sorted by (blockNumber, logIndex) ascending.
type GetEventsResult struct {
	Events      []EventRecord `json:"events"`
	NextCursor  CursorRef     `json:"nextCursor"`
	LatestBlock int64         `json:"latestBlock"`
	Anchor      AnchorRef     `json:"anchor"`
}

// ContestStateResult is the lifecycle snapshot returned by contest_getState.
type ContestStateResult struct {
	Phase                 string   `json:"phase"`
	LiveWindowEndsAt      int64    `json:"liveWindowEndsAt"` // unix seconds
	UnsettledParticipants []string `json:"unsettledParticipants"`
	LeaderboardVersion    int64    `json:"leaderboardVersion"`
	LeaderboardCurrent    bool     `json:"leaderboardCurrent"`
}

// LeaderEntry is one leaderboard row submitted by contest_updateLeaders.
type LeaderEntry struct {
	Wallet string `json:"wallet"`
	Rank   int64  `json:"rank"`
	Score  string `json:"score"`
}
