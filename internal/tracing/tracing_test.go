package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/arenaops/contest-ledger/internal/domain/model"
)

func TestInitEmptyEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), "contest-ledger-test", "", true)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestTracerReturnsNonNil(t *testing.T) {
	shutdown, err := Init(context.Background(), "contest-ledger-test", "", true)
	require.NoError(t, err)
	defer shutdown(context.Background())

	assert.NotNil(t, Tracer("gateway"))
}

func TestStreamAttributes(t *testing.T) {
	key := model.StreamKey{ContestID: "spring-cup", ChainID: 137}
	attrs := StreamAttributes(key)
	assert.Equal(t, []attribute.KeyValue{
		attribute.String("contest.id", "spring-cup"),
		attribute.String("chain.id", "137"),
	}, attrs)
}
