package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arenaops/contest-ledger/internal/domain/model"
	"github.com/arenaops/contest-ledger/internal/gateway"
	"github.com/arenaops/contest-ledger/internal/health"
	"github.com/arenaops/contest-ledger/internal/rpc"
)

type mockSource struct {
	requests []gateway.PullRequest
	results  []*gateway.PullResult
	errs     []error
	calls    int
}

func (m *mockSource) PullEvents(_ context.Context, req gateway.PullRequest) (*gateway.PullResult, error) {
	m.requests = append(m.requests, req)
	i := m.calls
	m.calls++
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	if i < len(m.results) {
		return m.results[i], nil
	}
	return &gateway.PullResult{}, nil
}

type staticStreams struct {
	streams []*model.Stream
}

func (s *staticStreams) Streams() []*model.Stream { return s.streams }

func pullResult(events []*model.Envelope, next model.Cursor, latest int64) *gateway.PullResult {
	return &gateway.PullResult{
		Batch: gateway.EventBatch{
			Events:      events,
			NextCursor:  next,
			LatestBlock: latest,
		},
		Selection: rpc.Selection{EndpointID: "primary", URL: "http://rpc-a"},
	}
}

// End-to-end live pass over an untracked stream: every pulled event is
// stored, the cursor lands on the batch's next cursor, and the observed lag
// is latestBlock - cursor block.
func TestLivePassUntrackedStream(t *testing.T) {
	stream := testStream()

	events := []*model.Envelope{
		envelope("0xa", 100, 0),
		envelope("0xb", 100, 1),
		envelope("0xc", 101, 0),
	}
	source := &mockSource{results: []*gateway.PullResult{
		pullResult(events, model.Cursor{BlockNumber: 101, LogIndex: 0}, 110),
	}}

	eventRepo := newMockEventRepo()
	cursors := &mockCursorRepo{}
	writer := NewWriter(openFakeDB(t), eventRepo, cursors, nil, testLogger())
	tracker := health.NewTracker()

	pipeline := NewLivePipeline(LiveConfig{}, source, writer, cursors,
		&staticStreams{streams: []*model.Stream{stream}}, tracker, testLogger())

	pipeline.RunOnce(context.Background())

	// Untracked cursor means the pull starts at the stream's start block.
	require.Len(t, source.requests, 1)
	assert.Nil(t, source.requests[0].Cursor)
	require.NotNil(t, source.requests[0].FromBlock)
	assert.Equal(t, stream.StartBlock, *source.requests[0].FromBlock)

	assert.Len(t, eventRepo.seen, 3)
	require.NotNil(t, cursors.cursor)
	assert.Equal(t, model.Cursor{BlockNumber: 101, LogIndex: 0}, *cursors.cursor)

	snapshots := tracker.Snapshots()
	require.Len(t, snapshots, 1)
	assert.Equal(t, int64(9), snapshots[0].BlockLag, "lag = latestBlock(110) - cursor block(101)")
	assert.Equal(t, "primary", snapshots[0].ActiveRPC)
	assert.Equal(t, 0, snapshots[0].ErrorStreak)
}

// A stream in replay or paused mode is skipped by the live loop.
func TestLivePassSkipsNonLiveStreams(t *testing.T) {
	stream := testStream()
	source := &mockSource{}
	cursors := &mockCursorRepo{}
	writer := NewWriter(openFakeDB(t), newMockEventRepo(), cursors, nil, testLogger())
	tracker := health.NewTracker()
	tracker.Register(stream.Key(), health.ModeReplay)

	pipeline := NewLivePipeline(LiveConfig{}, source, writer, cursors,
		&staticStreams{streams: []*model.Stream{stream}}, tracker, testLogger())

	pipeline.RunOnce(context.Background())
	assert.Zero(t, source.calls, "replay-mode stream must not be polled live")
}

// One failing stream does not stop the pass for the others, and the failure
// lands in the health tracker with the endpoint that produced it.
func TestLivePassIsolatesStreamFailures(t *testing.T) {
	bad := testStream()
	good := testStream()
	good.ContestID = "autumn-cup"

	pullErr := &gateway.PullError{
		Selection: rpc.Selection{EndpointID: "primary"},
		Err:       errors.New("connection refused"),
	}
	source := &mockSource{
		errs: []error{pullErr, nil},
		results: []*gateway.PullResult{
			nil,
			pullResult(nil, model.Cursor{BlockNumber: 200, LogIndex: 0}, 200),
		},
	}

	cursors := &mockCursorRepo{}
	writer := NewWriter(openFakeDB(t), newMockEventRepo(), cursors, nil, testLogger())
	tracker := health.NewTracker()

	pipeline := NewLivePipeline(LiveConfig{}, source, writer, cursors,
		&staticStreams{streams: []*model.Stream{bad, good}}, tracker, testLogger())

	pipeline.RunOnce(context.Background())

	assert.Equal(t, 2, source.calls, "second stream still polled after the first failed")
	assert.Equal(t, 1, tracker.ErrorStreak(bad.Key()))
	assert.Equal(t, 0, tracker.ErrorStreak(good.Key()))

	snapshots := tracker.Snapshots()
	require.Len(t, snapshots, 2)
	assert.Equal(t, "primary", snapshots[0].ActiveRPC, "failing endpoint recorded from the pull error")
	assert.Contains(t, snapshots[0].LastErrorReason, "connection refused")
}

// A tracked cursor is passed through to the pull and a stale batch does not
// regress it.
func TestLivePassUsesPersistedCursor(t *testing.T) {
	stream := testStream()
	stored := model.Cursor{BlockNumber: 150, LogIndex: 2}
	cursors := &mockCursorRepo{cursor: &stored}

	source := &mockSource{results: []*gateway.PullResult{
		pullResult(nil, model.Cursor{BlockNumber: 150, LogIndex: 2}, 150),
	}}
	writer := NewWriter(openFakeDB(t), newMockEventRepo(), cursors, nil, testLogger())
	tracker := health.NewTracker()

	pipeline := NewLivePipeline(LiveConfig{}, source, writer, cursors,
		&staticStreams{streams: []*model.Stream{stream}}, tracker, testLogger())

	pipeline.RunOnce(context.Background())

	require.Len(t, source.requests, 1)
	require.NotNil(t, source.requests[0].Cursor)
	assert.Equal(t, stored, *source.requests[0].Cursor)
	assert.Nil(t, source.requests[0].FromBlock)
	assert.Equal(t, stored, *cursors.cursor, "idempotent re-poll leaves the cursor unchanged")
}
