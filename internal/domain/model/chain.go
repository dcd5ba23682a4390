package model

import "strconv"

// ChainID identifies an EVM chain by its numeric chain id.
type ChainID int64

func (c ChainID) String() string {
	return strconv.FormatInt(int64(c), 10)
}

// ContestID identifies a contest tracked by the ledger.
type ContestID string

func (c ContestID) String() string {
	return string(c)
}

// StreamKey uniquely identifies a tracked stream: one contest on one chain.
type StreamKey struct {
	ContestID ContestID
	ChainID   ChainID
}

func (k StreamKey) String() string {
	return string(k.ContestID) + ":" + k.ChainID.String()
}
