package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/arenaops/contest-ledger/internal/domain/model"
	"github.com/arenaops/contest-ledger/internal/gateway/rpcclient"
	"github.com/arenaops/contest-ledger/internal/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockManager struct {
	selection rpc.Selection
	selectErr error
	failures  []string
	successes []string
}

func (m *mockManager) SelectActive(_ model.ChainID) (rpc.Selection, error) {
	return m.selection, m.selectErr
}

func (m *mockManager) RecordFailure(_ model.ChainID, endpointID, reason string) {
	m.failures = append(m.failures, endpointID+":"+reason)
}

func (m *mockManager) RecordSuccess(_ model.ChainID, endpointID string) {
	m.successes = append(m.successes, endpointID)
}

func testStream() *model.Stream {
	return &model.Stream{
		ContestID:  "contest-7",
		ChainID:    8453,
		Addresses:  model.ContractAddresses{Registrar: "0xreg", Settlement: "0xset"},
		StartBlock: 100,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// rpcServer returns an httptest server answering contest_getEvents with the
// given result, or a JSON-RPC error when rpcErr is non-nil.
func rpcServer(t *testing.T, result *rpcclient.GetEventsResult, rpcErr *rpcclient.RPCError) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcclient.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "contest_getEvents", req.Method)

		resp := rpcclient.Response{JSONRPC: "2.0", ID: req.ID}
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			raw, err := json.Marshal(result)
			require.NoError(t, err)
			resp.Result = raw
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func TestPullEventsDecodesAndSortsBatch(t *testing.T) {
	result := &rpcclient.GetEventsResult{
		Events: []rpcclient.EventRecord{
			// Deliberately out of order: the adapter must sort.
			{Type: "settlement", BlockNumber: 120, LogIndex: 3, TxHash: "0xb",
				Payload: json.RawMessage(`{"wallet":"0xw2","final_score":"10","rank":2,"settled_all":false}`)},
			{Type: "registration", BlockNumber: 110, LogIndex: 0, TxHash: "0xa",
				Payload: json.RawMessage(`{"wallet":"0xw1","entry_index":4}`)},
		},
		NextCursor:  rpcclient.CursorRef{BlockNumber: 120, LogIndex: 3},
		LatestBlock: 130,
		Anchor:      rpcclient.AnchorRef{BlockNumber: 130, BlockHash: "0xhead", Timestamp: 1_700_000_000},
	}
	srv := rpcServer(t, result, nil)
	defer srv.Close()

	mgr := &mockManager{selection: rpc.Selection{EndpointID: "primary", URL: srv.URL}}
	adapter := NewAdapter(Config{RequestTimeout: 5 * time.Second, CallsPerSecond: 100}, mgr, testLogger())

	res, err := adapter.PullEvents(context.Background(), PullRequest{
		Stream: testStream(),
		Cursor: &model.Cursor{BlockNumber: 100, LogIndex: 0},
		Limit:  50,
	})
	require.NoError(t, err)

	require.Len(t, res.Batch.Events, 2)
	assert.Equal(t, "0xa", res.Batch.Events[0].TxHash)
	assert.Equal(t, "0xb", res.Batch.Events[1].TxHash)
	assert.Equal(t, model.Cursor{BlockNumber: 120, LogIndex: 3}, res.Batch.NextCursor)
	assert.Equal(t, int64(130), res.Batch.LatestBlock)
	assert.Equal(t, "primary", res.Selection.EndpointID)

	// Typed payload decoded at the boundary.
	reg, ok := res.Batch.Events[0].Payload.(model.RegistrationPayload)
	require.True(t, ok)
	assert.Equal(t, "0xw1", reg.Wallet)
	assert.Equal(t, int64(4), reg.EntryIndex)

	assert.Equal(t, []string{"primary"}, mgr.successes)
	assert.Empty(t, mgr.failures)
}

func TestPullEventsReportsRetryableFailure(t *testing.T) {
	srv := rpcServer(t, nil, &rpcclient.RPCError{Code: -32005, Message: "rate limited"})
	defer srv.Close()

	mgr := &mockManager{selection: rpc.Selection{EndpointID: "primary", URL: srv.URL}}
	adapter := NewAdapter(Config{RequestTimeout: 5 * time.Second, CallsPerSecond: 100}, mgr, testLogger())

	_, err := adapter.PullEvents(context.Background(), PullRequest{Stream: testStream(), Limit: 50})
	require.Error(t, err)

	// The wrapped error still exposes the selection that failed.
	var pullErr *PullError
	require.ErrorAs(t, err, &pullErr)
	assert.Equal(t, "primary", pullErr.Selection.EndpointID)

	require.Len(t, mgr.failures, 1)
	assert.Contains(t, mgr.failures[0], "primary:")
	assert.Empty(t, mgr.successes)
}

func TestPullEventsTerminalDecodeFailureDoesNotCountAgainstEndpoint(t *testing.T) {
	result := &rpcclient.GetEventsResult{
		Events: []rpcclient.EventRecord{
			{Type: "teleportation", BlockNumber: 110, LogIndex: 0, TxHash: "0xa",
				Payload: json.RawMessage(`{}`)},
		},
		NextCursor: rpcclient.CursorRef{BlockNumber: 110, LogIndex: 0},
	}
	srv := rpcServer(t, result, nil)
	defer srv.Close()

	mgr := &mockManager{selection: rpc.Selection{EndpointID: "primary", URL: srv.URL}}
	adapter := NewAdapter(Config{RequestTimeout: 5 * time.Second, CallsPerSecond: 100}, mgr, testLogger())

	_, err := adapter.PullEvents(context.Background(), PullRequest{Stream: testStream(), Limit: 50})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown event type")

	// Terminal classification: no failure recorded against the endpoint.
	assert.Empty(t, mgr.failures)
}

func TestPullEventsUnknownHTTPFailureDefaultsToRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	mgr := &mockManager{selection: rpc.Selection{EndpointID: "primary", URL: srv.URL}}
	adapter := NewAdapter(Config{RequestTimeout: 5 * time.Second, CallsPerSecond: 100}, mgr, testLogger())

	_, err := adapter.PullEvents(context.Background(), PullRequest{Stream: testStream(), Limit: 50})
	require.Error(t, err)
	require.Len(t, mgr.failures, 1)
}
