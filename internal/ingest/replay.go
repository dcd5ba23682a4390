package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/arenaops/contest-ledger/internal/domain/model"
	"github.com/arenaops/contest-ledger/internal/gateway"
	"github.com/arenaops/contest-ledger/internal/health"
	"github.com/arenaops/contest-ledger/internal/jobs"
	"github.com/arenaops/contest-ledger/internal/metrics"
	"github.com/arenaops/contest-ledger/internal/reconcile"
	"github.com/arenaops/contest-ledger/internal/store"
	"github.com/arenaops/contest-ledger/internal/tracing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// JobQueue publishes jobs for asynchronous processing. Satisfied by
// *jobs.Dispatcher.
type JobQueue interface {
	Enqueue(ctx context.Context, job jobs.Job) error
}

// Replayer walks an explicit block range for one stream without touching the
// live cursor, then dispatches a reconciliation report built from what it
// saw.
type Replayer struct {
	source     EventSource
	writer     *Writer
	events     store.EventRepository
	health     *health.Tracker
	queue      JobQueue
	batchLimit int
	logger     *slog.Logger
}

func NewReplayer(source EventSource, writer *Writer, events store.EventRepository, tracker *health.Tracker, queue JobQueue, batchLimit int, logger *slog.Logger) *Replayer {
	if batchLimit <= 0 {
		batchLimit = 200
	}
	return &Replayer{
		source:     source,
		writer:     writer,
		events:     events,
		health:     tracker,
		queue:      queue,
		batchLimit: batchLimit,
		logger:     logger.With("component", "replay_pipeline"),
	}
}

// Run replays [fromBlock, toBlock] for the stream. The stream's mode is set
// to replay for the duration and always restored to live on the way out,
// success or failure — a failed replay must never leave a stream out of live
// rotation.
func (r *Replayer) Run(ctx context.Context, stream *model.Stream, fromBlock, toBlock int64) error {
	key := stream.Key()
	start := time.Now()

	ctx, span := tracing.Tracer("ingest").Start(ctx, "replay.run",
		trace.WithAttributes(append(tracing.StreamAttributes(key),
			attribute.Int64("replay.from_block", fromBlock),
			attribute.Int64("replay.to_block", toBlock),
		)...))
	defer span.End()

	r.health.Register(key, health.ModeLive)
	r.health.SetMode(key, health.ModeReplay)
	defer r.health.SetMode(key, health.ModeLive)

	// The baseline is what the ledger held BEFORE this replay ran. It must
	// be captured before the walk writes anything: GetByRange reads the same
	// table the walk inserts into, and a baseline taken afterward would
	// contain the replay's own writes, hiding every missing_event.
	baseline, err := r.events.GetByRange(ctx, key, fromBlock, toBlock)
	if err != nil {
		r.observeFailure(key, err)
		return fmt.Errorf("load baseline: %w", err)
	}
	if baseline == nil {
		// The range query always constitutes a baseline, even an empty one:
		// replayed events the ledger never stored are real discrepancies.
		baseline = []*model.Envelope{}
	}

	replayed, err := r.walkRange(ctx, stream, fromBlock, toBlock)
	if err != nil {
		r.observeFailure(key, err)
		return fmt.Errorf("replay %s blocks %d-%d: %w", key, fromBlock, toBlock, err)
	}

	report := reconcile.BuildReport(key,
		model.BlockRange{FromBlock: fromBlock, ToBlock: toBlock}, baseline, replayed)

	if err := r.queue.Enqueue(ctx, jobs.ReconcileJob{Report: report}); err != nil {
		r.observeFailure(key, err)
		return fmt.Errorf("dispatch reconcile job: %w", err)
	}

	contest, chain := key.ContestID.String(), key.ChainID.String()
	metrics.IngestBatchDuration.WithLabelValues(contest, chain, "replay").Observe(time.Since(start).Seconds())
	metrics.IngestBatchSize.WithLabelValues(contest, chain, "replay").Observe(float64(len(replayed)))

	r.logger.Info("replay complete", "report", reconcile.Summarize(&report))
	return nil
}

// walkRange pulls bounded batches until the range is covered, a batch comes
// back empty, or the cursor stops progressing. Every batch is written with
// cursor advance disabled.
func (r *Replayer) walkRange(ctx context.Context, stream *model.Stream, fromBlock, toBlock int64) ([]*model.Envelope, error) {
	key := stream.Key()
	var replayed []*model.Envelope
	var cursor *model.Cursor

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		from, to := fromBlock, toBlock
		req := gateway.PullRequest{
			Stream:  stream,
			ToBlock: &to,
			Limit:   r.batchLimit,
		}
		if cursor == nil {
			req.FromBlock = &from
		} else {
			req.Cursor = cursor
		}

		res, err := r.source.PullEvents(ctx, req)
		if err != nil {
			return nil, err
		}

		if _, err := r.writer.WriteBatch(ctx, WriteRequest{
			Stream:        stream,
			Batch:         res.Batch,
			AdvanceCursor: false,
		}); err != nil {
			return nil, err
		}
		replayed = append(replayed, res.Batch.Events...)

		next := res.Batch.NextCursor
		if len(res.Batch.Events) == 0 {
			break
		}
		if next.BlockNumber >= toBlock {
			break
		}
		if cursor != nil && !next.After(*cursor) {
			// Loop guard: the provider stopped making progress.
			r.logger.Warn("replay cursor failed to advance, stopping",
				"contest", key.ContestID, "chain", key.ChainID,
				"block", next.BlockNumber, "log_index", next.LogIndex)
			break
		}
		cursor = &next
	}
	return replayed, nil
}

func (r *Replayer) observeFailure(key model.StreamKey, err error) {
	r.health.RecordFailure(key, health.Observation{Reason: err.Error()})
	metrics.IngestErrors.WithLabelValues(key.ContestID.String(), key.ChainID.String(), "replay").Inc()
}
