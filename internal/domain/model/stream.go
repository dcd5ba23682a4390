package model

import "time"

// ContractAddresses holds the contract set a stream ingests from. Registrar
// is mandatory; the rest are optional depending on how the contest was
// deployed.
type ContractAddresses struct {
	Registrar  string `yaml:"registrar" json:"registrar"`
	Treasury   string `yaml:"treasury,omitempty" json:"treasury,omitempty"`
	Settlement string `yaml:"settlement,omitempty" json:"settlement,omitempty"`
	Rewards    string `yaml:"rewards,omitempty" json:"rewards,omitempty"`
}

// All returns the non-empty contract addresses.
func (a ContractAddresses) All() []string {
	addrs := make([]string, 0, 4)
	for _, addr := range []string{a.Registrar, a.Treasury, a.Settlement, a.Rewards} {
		if addr != "" {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

// Stream is one tracked (contest, chain) pair. Streams are created on
// registry (re)load, treated as immutable during a poll cycle, and
// superseded wholesale on the next reload.
type Stream struct {
	ContestID  ContestID         `yaml:"contest_id" json:"contest_id"`
	ChainID    ChainID           `yaml:"chain_id" json:"chain_id"`
	Addresses  ContractAddresses `yaml:"addresses" json:"addresses"`
	StartBlock int64             `yaml:"start_block" json:"start_block"`
	Metadata   map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`

	LoadedAt time.Time `yaml:"-" json:"-"`
}

// Key returns the stream's identity.
func (s *Stream) Key() StreamKey {
	return StreamKey{ContestID: s.ContestID, ChainID: s.ChainID}
}
