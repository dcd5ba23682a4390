package reconcile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/arenaops/contest-ledger/internal/domain/model"
)

// eventKey matches events across the baseline and replay sets. Block number
// is deliberately absent: a reorg can move a transaction to a different block
// without changing what happened.
type eventKey struct {
	TxHash   string
	LogIndex int64
}

// Diff compares replayed chain data against the stored baseline. The replay
// is treated as the source of truth: a replayed event absent from the
// baseline is missing_event (the ledger failed to record it), a baseline
// event absent from the replay is extra_event (the ledger holds something the
// chain no longer shows), and a matched pair with differing payloads is
// payload_mismatch. A nil baseline yields no discrepancies — absence of a
// baseline is not evidence of divergence.
func Diff(baseline, replayed []*model.Envelope) []model.Discrepancy {
	if baseline == nil {
		return nil
	}

	index := make(map[eventKey]*model.Envelope, len(baseline))
	for _, e := range baseline {
		index[eventKey{TxHash: e.TxHash, LogIndex: e.LogIndex}] = e
	}

	var findings []model.Discrepancy
	for _, replay := range replayed {
		key := eventKey{TxHash: replay.TxHash, LogIndex: replay.LogIndex}
		stored, ok := index[key]
		if !ok {
			findings = append(findings, model.Discrepancy{
				Type:        model.DiscrepancyMissingEvent,
				TxHash:      replay.TxHash,
				LogIndex:    replay.LogIndex,
				EventType:   replay.Type,
				BlockNumber: replay.BlockNumber,
				Details:     "replayed event not present in stored ledger",
				Replayed:    replay.RawPayload,
			})
			continue
		}
		delete(index, key)

		if !payloadsEqual(stored.RawPayload, replay.RawPayload) {
			findings = append(findings, model.Discrepancy{
				Type:        model.DiscrepancyPayloadMismatch,
				TxHash:      replay.TxHash,
				LogIndex:    replay.LogIndex,
				EventType:   replay.Type,
				BlockNumber: replay.BlockNumber,
				Details:     "stored payload differs from replayed payload",
				Baseline:    stored.RawPayload,
				Replayed:    replay.RawPayload,
			})
		}
	}

	for _, stored := range index {
		findings = append(findings, model.Discrepancy{
			Type:        model.DiscrepancyExtraEvent,
			TxHash:      stored.TxHash,
			LogIndex:    stored.LogIndex,
			EventType:   stored.Type,
			BlockNumber: stored.BlockNumber,
			Details:     "stored event not present in replayed chain data",
			Baseline:    stored.RawPayload,
		})
	}

	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].BlockNumber != findings[j].BlockNumber {
			return findings[i].BlockNumber < findings[j].BlockNumber
		}
		if findings[i].LogIndex != findings[j].LogIndex {
			return findings[i].LogIndex < findings[j].LogIndex
		}
		return findings[i].TxHash < findings[j].TxHash
	})
	return findings
}

// payloadsEqual compares payload JSON structurally, so key order and
// whitespace differences between providers do not manufacture mismatches.
func payloadsEqual(a, b json.RawMessage) bool {
	if bytes.Equal(a, b) {
		return true
	}
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	ac, err := json.Marshal(av)
	if err != nil {
		return false
	}
	bc, err := json.Marshal(bv)
	if err != nil {
		return false
	}
	return bytes.Equal(ac, bc)
}

// BuildReport assembles the report for one replay run. Reports always start
// in pending_review; review progress is operator-driven afterward.
func BuildReport(key model.StreamKey, rng model.BlockRange, baseline, replayed []*model.Envelope) model.ReconciliationReport {
	return model.ReconciliationReport{
		ReportID:      uuid.New(),
		ContestID:     key.ContestID,
		ChainID:       key.ChainID,
		Range:         rng,
		GeneratedAt:   time.Now().UTC(),
		ReplayedCount: len(replayed),
		BaselineCount: len(baseline),
		HadBaseline:   baseline != nil,
		Discrepancies: Diff(baseline, replayed),
		Status:        model.ReportStatusPendingReview,
	}
}

// Summarize renders a one-line operator summary of the report.
func Summarize(report *model.ReconciliationReport) string {
	return fmt.Sprintf("%s/%s blocks %d-%d: %d replayed, %d baseline, %d discrepancies",
		report.ContestID, report.ChainID, report.Range.FromBlock, report.Range.ToBlock,
		report.ReplayedCount, report.BaselineCount, len(report.Discrepancies))
}
