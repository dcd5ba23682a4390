package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/arenaops/contest-ledger/internal/domain/model"
	"github.com/arenaops/contest-ledger/internal/gateway"
	"github.com/arenaops/contest-ledger/internal/health"
	"github.com/arenaops/contest-ledger/internal/metrics"
	"github.com/arenaops/contest-ledger/internal/store"
	"github.com/arenaops/contest-ledger/internal/tracing"

	"go.opentelemetry.io/otel/trace"
)

// EventSource pulls one bounded page of events. Satisfied by
// *gateway.Adapter.
type EventSource interface {
	PullEvents(ctx context.Context, req gateway.PullRequest) (*gateway.PullResult, error)
}

// StreamSource lists the streams to poll. Satisfied by *registry.Registry.
type StreamSource interface {
	Streams() []*model.Stream
}

// LiveConfig tunes the live polling loop.
type LiveConfig struct {
	PollInterval time.Duration
	BatchLimit   int
}

func (c *LiveConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 200
	}
}

// LivePipeline polls every live stream once per tick: read the persisted
// cursor, pull one bounded batch, write it with cursor advance enabled, and
// feed the outcome to the health tracker. One bad stream never halts the
// loop for others.
type LivePipeline struct {
	source  EventSource
	writer  *Writer
	cursors store.CursorRepository
	streams StreamSource
	health  *health.Tracker
	cfg     LiveConfig
	logger  *slog.Logger
}

func NewLivePipeline(cfg LiveConfig, source EventSource, writer *Writer, cursors store.CursorRepository, streams StreamSource, tracker *health.Tracker, logger *slog.Logger) *LivePipeline {
	cfg.applyDefaults()
	return &LivePipeline{
		source:  source,
		writer:  writer,
		cursors: cursors,
		streams: streams,
		health:  tracker,
		cfg:     cfg,
		logger:  logger.With("component", "live_pipeline"),
	}
}

// Run polls until ctx is canceled.
func (p *LivePipeline) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce performs one polling pass over every tracked stream.
func (p *LivePipeline) RunOnce(ctx context.Context) {
	for _, stream := range p.streams.Streams() {
		if ctx.Err() != nil {
			return
		}
		key := stream.Key()
		p.health.Register(key, health.ModeLive)

		// Mode is checked per tick: flipping a stream to replay or paused
		// takes effect at the next pass, not mid-call.
		if mode, _ := p.health.Mode(key); mode != health.ModeLive {
			continue
		}

		if err := p.pollStream(ctx, stream); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Error("live pass failed",
				"contest", key.ContestID, "chain", key.ChainID, "error", err)
		}
		p.health.SetNextScheduled(key, time.Now().Add(p.cfg.PollInterval))
	}
}

func (p *LivePipeline) pollStream(ctx context.Context, stream *model.Stream) error {
	key := stream.Key()
	start := time.Now()

	ctx, span := tracing.Tracer("ingest").Start(ctx, "live.poll",
		trace.WithAttributes(tracing.StreamAttributes(key)...))
	defer span.End()

	cursor, err := p.cursors.Get(ctx, key)
	if err != nil {
		p.observeFailure(key, nil, fmt.Sprintf("read cursor: %v", err))
		return fmt.Errorf("read cursor: %w", err)
	}

	req := gateway.PullRequest{
		Stream: stream,
		Cursor: cursor,
		Limit:  p.cfg.BatchLimit,
	}
	if cursor == nil {
		// Untracked stream: begin at its configured start block.
		from := stream.StartBlock
		req.FromBlock = &from
	}

	res, err := p.source.PullEvents(ctx, req)
	if err != nil {
		p.observeFailure(key, err, err.Error())
		return fmt.Errorf("pull events: %w", err)
	}

	wres, err := p.writer.WriteBatch(ctx, WriteRequest{
		Stream:        stream,
		Batch:         res.Batch,
		CurrentCursor: cursor,
		AdvanceCursor: true,
	})
	if err != nil {
		p.observeFailure(key, nil, fmt.Sprintf("write batch: %v", err))
		return fmt.Errorf("write batch: %w", err)
	}

	lag := res.Batch.LatestBlock - wres.Cursor.BlockNumber
	if lag < 0 {
		lag = 0
	}

	contest, chain := key.ContestID.String(), key.ChainID.String()
	metrics.IngestBatchDuration.WithLabelValues(contest, chain, "live").Observe(time.Since(start).Seconds())
	metrics.IngestBatchSize.WithLabelValues(contest, chain, "live").Observe(float64(len(res.Batch.Events)))
	metrics.IngestStreamLag.WithLabelValues(contest, chain).Set(float64(lag))

	p.health.RecordSuccess(key, health.Observation{
		BlockLag:    lag,
		ActiveRPC:   res.Selection.EndpointID,
		RPCDegraded: res.Selection.Degraded,
	})

	p.logger.Debug("live pass complete",
		"contest", key.ContestID, "chain", key.ChainID,
		"inserted", wres.Inserted, "duplicates", wres.Duplicates,
		"cursor_block", wres.Cursor.BlockNumber, "lag", lag)
	return nil
}

// observeFailure records a failed pass, extracting the RPC selection from the
// error when the gateway attached one.
func (p *LivePipeline) observeFailure(key model.StreamKey, err error, reason string) {
	obs := health.Observation{Reason: reason}
	var pullErr *gateway.PullError
	if errors.As(err, &pullErr) {
		obs.ActiveRPC = pullErr.Selection.EndpointID
		obs.RPCDegraded = pullErr.Selection.Degraded
	}
	p.health.RecordFailure(key, obs)
	metrics.IngestErrors.WithLabelValues(key.ContestID.String(), key.ChainID.String(), "live").Inc()
}
