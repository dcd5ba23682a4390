package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// Client speaks JSON-RPC to contest gateway nodes. The endpoint URL is
// supplied per call because the active endpoint can change between calls
// under failover.
type Client struct {
	httpClient *http.Client
	requestID  atomic.Int64
	logger     *slog.Logger
}

func NewClient(timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("component", "rpcclient"),
	}
}

func (c *Client) call(ctx context.Context, url, method string, params any) (json.RawMessage, error) {
	id := int(c.requestID.Add(1))
	req := Request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp Response
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}

	return rpcResp.Result, nil
}

// GetEvents pulls one page of contest events.
func (c *Client) GetEvents(ctx context.Context, url string, params GetEventsParams) (*GetEventsResult, error) {
	raw, err := c.call(ctx, url, "contest_getEvents", []any{params})
	if err != nil {
		return nil, err
	}
	var result GetEventsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal getEvents result: %w", err)
	}
	return &result, nil
}

// GetLatestBlock returns the chain head as seen by the endpoint.
func (c *Client) GetLatestBlock(ctx context.Context, url string) (int64, error) {
	raw, err := c.call(ctx, url, "contest_latestBlock", []any{})
	if err != nil {
		return 0, err
	}
	var block int64
	if err := json.Unmarshal(raw, &block); err != nil {
		return 0, fmt.Errorf("unmarshal latestBlock result: %w", err)
	}
	return block, nil
}

// GetContestState reads the lifecycle snapshot for a contest.
func (c *Client) GetContestState(ctx context.Context, url, contestID, registrar string) (*ContestStateResult, error) {
	raw, err := c.call(ctx, url, "contest_getState", []any{map[string]string{
		"contestId": contestID,
		"registrar": registrar,
	}})
	if err != nil {
		return nil, err
	}
	var result ContestStateResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal getState result: %w", err)
	}
	return &result, nil
}

// SubmitAction issues a phase-transition call (freeze, settle,
// updateLeaders, seal). The params shape is action-specific; the node
// responds with the resulting tx hash.
func (c *Client) SubmitAction(ctx context.Context, url, action string, params any) (string, error) {
	raw, err := c.call(ctx, url, "contest_"+action, []any{params})
	if err != nil {
		return "", err
	}
	var txHash string
	if err := json.Unmarshal(raw, &txHash); err != nil {
		return "", fmt.Errorf("unmarshal %s result: %w", action, err)
	}
	return txHash, nil
}
