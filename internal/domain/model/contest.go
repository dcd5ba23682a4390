package model

import "time"

// ContestPhase is the on-chain lifecycle phase of a contest.
type ContestPhase string

const (
	ContestPhaseLive    ContestPhase = "live"
	ContestPhaseFrozen  ContestPhase = "frozen"
	ContestPhaseSettled ContestPhase = "settled"
	ContestPhaseSealed  ContestPhase = "sealed"
)

// ContestState is the on-chain state snapshot the lifecycle orchestrator
// acts on. It is read from the contract, never stored.
type ContestState struct {
	ContestID             ContestID
	ChainID               ChainID
	Phase                 ContestPhase
	LiveWindowEndsAt      time.Time
	UnsettledParticipants []string
	LeaderboardVersion    int64
	LeaderboardCurrent    bool
}
