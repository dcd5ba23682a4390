package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/arenaops/contest-ledger/internal/gateway/rpcclient"
)

type fakeNetTimeout struct{}

func (fakeNetTimeout) Error() string   { return "i/o deadline reached" }
func (fakeNetTimeout) Timeout() bool   { return true }
func (fakeNetTimeout) Temporary() bool { return false }

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		class  Class
		reason string
	}{
		{"nil", nil, ClassTerminal, "nil_error"},
		{"explicit transient", Transient(errors.New("boom")), ClassTransient, "explicit_transient"},
		{"explicit terminal", Terminal(errors.New("boom")), ClassTerminal, "explicit_terminal"},
		{"wrapped marker survives", fmt.Errorf("pull events: %w", Terminal(errors.New("boom"))), ClassTerminal, "explicit_terminal"},
		{"context canceled", context.Canceled, ClassTerminal, "context_canceled"},
		{"context deadline", context.DeadlineExceeded, ClassTransient, "context_deadline_exceeded"},
		{"net timeout", fakeNetTimeout{}, ClassTransient, "net_timeout"},
		{"jsonrpc internal", &rpcclient.RPCError{Code: -32603, Message: "internal error"}, ClassTransient, "jsonrpc_server_transient"},
		{"jsonrpc server range", &rpcclient.RPCError{Code: -32010, Message: "overloaded"}, ClassTransient, "jsonrpc_server_range"},
		{"jsonrpc invalid params", &rpcclient.RPCError{Code: -32602, Message: "invalid params"}, ClassTerminal, "jsonrpc_terminal"},
		{"message terminal", errors.New("execution reverted: out of range"), ClassTerminal, "message_terminal"},
		{"message transient", errors.New("HTTP status 503 from provider"), ClassTransient, "message_transient"},
		{"unknown defaults transient", errors.New("provider said something new"), ClassTransient, "unknown_transient_default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Classify(tt.err)
			assert.Equal(t, tt.class, d.Class)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestMarkersPreserveWrappedError(t *testing.T) {
	sentinel := errors.New("no such contract")
	assert.ErrorIs(t, Terminal(sentinel), sentinel)
	assert.ErrorIs(t, Transient(sentinel), sentinel)
	assert.Nil(t, Terminal(nil))
	assert.Nil(t, Transient(nil))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, Classify(errors.New("connection refused")).IsTransient())
	assert.False(t, Classify(context.Canceled).IsTransient())
}
