package reconcile

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arenaops/contest-ledger/internal/domain/model"
)

func event(txHash string, logIndex int64, payload string) *model.Envelope {
	return &model.Envelope{
		ContestID:   "spring-cup",
		ChainID:     137,
		Type:        model.EventTypeRegistration,
		BlockNumber: 100,
		LogIndex:    logIndex,
		TxHash:      txHash,
		RawPayload:  json.RawMessage(payload),
	}
}

// Baseline {A, B} against replay {A, C}: B is extra (stored but not on
// chain), C is missing (on chain but not stored), A matches.
func TestDiffMissingAndExtra(t *testing.T) {
	a1 := event("0xa", 0, `{"wallet":"0x1"}`)
	b := event("0xb", 1, `{"wallet":"0x2"}`)
	a2 := event("0xa", 0, `{"wallet":"0x1"}`)
	c := event("0xc", 2, `{"wallet":"0x3"}`)

	findings := Diff([]*model.Envelope{a1, b}, []*model.Envelope{a2, c})
	require.Len(t, findings, 2)

	byType := map[model.DiscrepancyType]model.Discrepancy{}
	for _, f := range findings {
		byType[f.Type] = f
	}

	extra, ok := byType[model.DiscrepancyExtraEvent]
	require.True(t, ok, "expected an extra_event finding")
	assert.Equal(t, "0xb", extra.TxHash)

	missing, ok := byType[model.DiscrepancyMissingEvent]
	require.True(t, ok, "expected a missing_event finding")
	assert.Equal(t, "0xc", missing.TxHash)
}

func TestDiffPayloadMismatch(t *testing.T) {
	stored := event("0xa", 0, `{"wallet":"0x1","entry_index":1}`)
	replayed := event("0xa", 0, `{"wallet":"0x1","entry_index":2}`)

	findings := Diff([]*model.Envelope{stored}, []*model.Envelope{replayed})
	require.Len(t, findings, 1)
	assert.Equal(t, model.DiscrepancyPayloadMismatch, findings[0].Type)
	assert.JSONEq(t, string(stored.RawPayload), string(findings[0].Baseline))
	assert.JSONEq(t, string(replayed.RawPayload), string(findings[0].Replayed))
}

// Structural comparison: key order and whitespace differences between
// providers are not divergence.
func TestDiffPayloadEqualityIsStructural(t *testing.T) {
	stored := event("0xa", 0, `{"wallet":"0x1","entry_index":1}`)
	replayed := event("0xa", 0, `{ "entry_index": 1, "wallet": "0x1" }`)

	assert.Empty(t, Diff([]*model.Envelope{stored}, []*model.Envelope{replayed}))
}

// Without a baseline no discrepancies are manufactured from absence.
func TestDiffNilBaseline(t *testing.T) {
	replayed := []*model.Envelope{event("0xa", 0, `{}`), event("0xb", 1, `{}`)}
	assert.Nil(t, Diff(nil, replayed))
}

// An empty (but supplied) baseline means everything replayed is missing.
func TestDiffEmptyBaseline(t *testing.T) {
	replayed := []*model.Envelope{event("0xa", 0, `{}`)}
	findings := Diff([]*model.Envelope{}, replayed)
	require.Len(t, findings, 1)
	assert.Equal(t, model.DiscrepancyMissingEvent, findings[0].Type)
}

// The same transaction matched at a different block is still the same event.
func TestDiffMatchIgnoresBlockNumber(t *testing.T) {
	stored := event("0xa", 0, `{"wallet":"0x1"}`)
	replayed := event("0xa", 0, `{"wallet":"0x1"}`)
	replayed.BlockNumber = 105 // moved by a reorg

	assert.Empty(t, Diff([]*model.Envelope{stored}, []*model.Envelope{replayed}))
}

func TestBuildReport(t *testing.T) {
	key := model.StreamKey{ContestID: "spring-cup", ChainID: 137}
	rng := model.BlockRange{FromBlock: 100, ToBlock: 200}
	baseline := []*model.Envelope{event("0xa", 0, `{}`)}
	replayed := []*model.Envelope{event("0xa", 0, `{}`), event("0xb", 1, `{}`)}

	report := BuildReport(key, rng, baseline, replayed)

	assert.NotEqual(t, report.ReportID.String(), "00000000-0000-0000-0000-000000000000")
	assert.Equal(t, model.ReportStatusPendingReview, report.Status)
	assert.Equal(t, rng, report.Range)
	assert.Equal(t, 2, report.ReplayedCount)
	assert.Equal(t, 1, report.BaselineCount)
	assert.True(t, report.HadBaseline)
	require.Len(t, report.Discrepancies, 1)
	assert.Equal(t, model.DiscrepancyMissingEvent, report.Discrepancies[0].Type)

	noBaseline := BuildReport(key, rng, nil, replayed)
	assert.False(t, noBaseline.HadBaseline)
	assert.Empty(t, noBaseline.Discrepancies)
}
