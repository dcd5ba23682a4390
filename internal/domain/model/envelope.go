package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType enumerates the contest contract events the ledger understands.
type EventType string

const (
	EventTypeRegistration EventType = "registration"
	EventTypeSettlement   EventType = "settlement"
	EventTypeReward       EventType = "reward"
	EventTypeRedemption   EventType = "redemption"
	EventTypeDeployment   EventType = "deployment"
)

// KnownEventTypes lists every closed event type variant.
var KnownEventTypes = []EventType{
	EventTypeRegistration,
	EventTypeSettlement,
	EventTypeReward,
	EventTypeRedemption,
	EventTypeDeployment,
}

func (t EventType) Valid() bool {
	switch t {
	case EventTypeRegistration, EventTypeSettlement, EventTypeReward,
		EventTypeRedemption, EventTypeDeployment:
		return true
	}
	return false
}

// Anchor records the block the event data was derived at, so later reorg
// checks can compare the hash the provider reported at pull time.
type Anchor struct {
	BlockNumber int64     `json:"block_number"`
	BlockHash   string    `json:"block_hash"`
	Timestamp   time.Time `json:"timestamp"`
}

// EventPayload is the closed payload union. Each event type decodes to
// exactly one concrete payload struct at the gateway boundary.
type EventPayload interface {
	EventType() EventType
}

// RegistrationPayload is emitted when a wallet registers for a contest.
type RegistrationPayload struct {
	Wallet     string `json:"wallet"`
	EntryIndex int64  `json:"entry_index"`
	Referrer   string `json:"referrer,omitempty"`
}

func (RegistrationPayload) EventType() EventType { return EventTypeRegistration }

// SettlementPayload is emitted when a participant's position is settled.
type SettlementPayload struct {
	Wallet      string `json:"wallet"`
	FinalScore  string `json:"final_score"`
	Rank        int64  `json:"rank"`
	SettledAll  bool   `json:"settled_all"`
	BatchCursor int64  `json:"batch_cursor,omitempty"`
}

func (SettlementPayload) EventType() EventType { return EventTypeSettlement }

// RewardPayload is emitted when a reward is granted to a participant.
type RewardPayload struct {
	Wallet string `json:"wallet"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
	Tier   int64  `json:"tier,omitempty"`
}

func (RewardPayload) EventType() EventType { return EventTypeReward }

// RedemptionPayload is emitted when a participant redeems a granted reward.
type RedemptionPayload struct {
	Wallet string `json:"wallet"`
	Asset  string `json:"asset"`
	Amount string `json:"amount"`
}

func (RedemptionPayload) EventType() EventType { return EventTypeRedemption }

// DeploymentPayload is emitted when a satellite contract for the contest is
// deployed or re-pointed. Used by deployment reconciliation to verify the
// registry's address set.
type DeploymentPayload struct {
	Component string `json:"component"`
	Address   string `json:"address"`
}

func (DeploymentPayload) EventType() EventType { return EventTypeDeployment }

// DecodePayload decodes raw payload JSON into the concrete struct for the
// given event type.
func DecodePayload(t EventType, raw json.RawMessage) (EventPayload, error) {
	var (
		p   EventPayload
		err error
	)
	switch t {
	case EventTypeRegistration:
		var v RegistrationPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case EventTypeSettlement:
		var v SettlementPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case EventTypeReward:
		var v RewardPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case EventTypeRedemption:
		var v RedemptionPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case EventTypeDeployment:
		var v DeploymentPayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}

// Envelope is one decoded contest event plus its on-chain provenance.
// Identity is (ContestID, ChainID, TxHash, LogIndex); recording the same
// identity twice is a no-op.
type Envelope struct {
	ContestID   ContestID       `json:"contest_id"`
	ChainID     ChainID         `json:"chain_id"`
	Type        EventType       `json:"type"`
	BlockNumber int64           `json:"block_number"`
	LogIndex    int64           `json:"log_index"`
	TxHash      string          `json:"tx_hash"`
	Payload     EventPayload    `json:"-"`
	RawPayload  json.RawMessage `json:"payload"`
	ReorgFlag   bool            `json:"reorg_flag"`
	DerivedAt   Anchor          `json:"derived_at"`
}

// Position returns the envelope's cursor position.
func (e *Envelope) Position() Cursor {
	return Cursor{BlockNumber: e.BlockNumber, LogIndex: e.LogIndex}
}

// EventIdentity uniquely identifies a stored event.
type EventIdentity struct {
	ContestID ContestID
	ChainID   ChainID
	TxHash    string
	LogIndex  int64
}

// Identity returns the envelope's storage identity.
func (e *Envelope) Identity() EventIdentity {
	return EventIdentity{
		ContestID: e.ContestID,
		ChainID:   e.ChainID,
		TxHash:    e.TxHash,
		LogIndex:  e.LogIndex,
	}
}
