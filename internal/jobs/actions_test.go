package jobs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arenaops/contest-ledger/internal/domain/model"
)

func webhookJob() MilestoneJob {
	return MilestoneJob{
		JobID:             uuid.New(),
		ContestID:         "spring-cup",
		ChainID:           137,
		Milestone:         model.MilestoneSettlement,
		SourceTxHash:      "0xabc",
		SourceLogIndex:    4,
		SourceBlockNumber: 120,
		Payload:           json.RawMessage(`{"wallet":"0x1"}`),
	}
}

func TestWebhookActionDeliversJob(t *testing.T) {
	var got webhookActionPayload
	var idemHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idemHeader = r.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	job := webhookJob()
	require.NoError(t, NewWebhookAction(srv.URL).Run(context.Background(), job))

	assert.Equal(t, job.ContestID, got.ContestID)
	assert.Equal(t, model.MilestoneSettlement, got.Milestone)
	assert.Equal(t, "0xabc", got.TxHash)
	assert.JSONEq(t, `{"wallet":"0x1"}`, string(got.Payload))
	assert.Equal(t, job.IdempotencyKey(), idemHeader)
}

func TestWebhookActionNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookAction(srv.URL).Run(context.Background(), webhookJob())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestDefaultActionsCoverEveryMilestone(t *testing.T) {
	actions := DefaultActions("", testLogger())
	for _, m := range []model.Milestone{model.MilestoneSettlement, model.MilestoneReward, model.MilestoneRedemption} {
		action, ok := actions[m]
		require.True(t, ok, "milestone %s has no action", m)
		assert.NoError(t, action.Run(context.Background(), webhookJob()))
	}
}
