package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arenaops/contest-ledger/internal/domain/model"
	"github.com/arenaops/contest-ledger/internal/store/redisq"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	job := settlementJob()
	job.Payload = []byte(`{"wallet":"0xdef"}`)

	raw, err := encodeEnvelope(job)
	require.NoError(t, err)

	decoded, err := decodeEnvelope(raw)
	require.NoError(t, err)

	got, ok := decoded.(MilestoneJob)
	require.True(t, ok)
	assert.Equal(t, job.ContestID, got.ContestID)
	assert.Equal(t, job.Milestone, got.Milestone)
	assert.JSONEq(t, string(job.Payload), string(got.Payload))
	assert.Equal(t, job.SerializationKey(), got.SerializationKey())
}

func TestDecodeEnvelopeUnknownKind(t *testing.T) {
	raw, err := json.Marshal(envelope{Kind: "mystery", Body: []byte(`{}`)})
	require.NoError(t, err)
	_, err = decodeEnvelope(raw)
	assert.Error(t, err)
}

// Jobs sharing a serialization key run strictly serially even with multiple
// workers; jobs on distinct keys may overlap.
func TestDispatcherSerializesPerKey(t *testing.T) {
	transport := redisq.NewMemory(64)
	defer transport.Close()

	var mu sync.Mutex
	inFlight := map[string]int{}
	var sameKeyOverlap atomic.Bool
	var done sync.WaitGroup

	action := ActionFunc(func(_ context.Context, job MilestoneJob) error {
		key := job.SerializationKey()
		mu.Lock()
		inFlight[key]++
		if inFlight[key] > 1 {
			sameKeyOverlap.Store(true)
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		inFlight[key]--
		mu.Unlock()
		done.Done()
		return nil
	})

	ledger := newMemLedger()
	exec := NewMilestoneExecutor(ledger,
		map[model.Milestone]Action{model.MilestoneSettlement: action},
		&captureAlerter{}, 3, testLogger())
	dispatcher := NewDispatcher(Config{Workers: 4}, transport, exec, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = dispatcher.Run(ctx) }()

	const perStream = 5
	streams := []model.ContestID{"spring-cup", "autumn-cup", "winter-cup"}
	done.Add(len(streams) * perStream)
	for _, contest := range streams {
		for i := 0; i < perStream; i++ {
			job := settlementJob()
			job.JobID = uuid.New()
			job.ContestID = contest
			job.SourceLogIndex = int64(i) // distinct idempotency keys
			require.NoError(t, dispatcher.Enqueue(ctx, job))
		}
	}

	waitDone := make(chan struct{})
	go func() {
		done.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for jobs to drain")
	}

	assert.False(t, sameKeyOverlap.Load(),
		"two jobs for the same stream must never run concurrently")
}

// An undecodable message is acked rather than redelivered forever.
func TestDispatcherDropsMalformedPayload(t *testing.T) {
	transport := redisq.NewMemory(8)
	defer transport.Close()

	ledger := newMemLedger()
	exec := NewMilestoneExecutor(ledger, nil, &captureAlerter{}, 3, testLogger())
	dispatcher := NewDispatcher(Config{Workers: 1}, transport, exec, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, transport.Publish(ctx, Topic, []byte("not-json")))

	go func() { _ = dispatcher.Run(ctx) }()

	require.Eventually(t, func() bool {
		depth, err := transport.Depth(ctx, Topic)
		return err == nil && depth == 0
	}, 2*time.Second, 10*time.Millisecond, "malformed message should be consumed and dropped")
}
