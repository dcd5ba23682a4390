package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/arenaops/contest-ledger/internal/metrics"
	"github.com/arenaops/contest-ledger/internal/store/redisq"
	"github.com/arenaops/contest-ledger/internal/tracing"
)

const (
	// Topic is the queue stream all contest jobs flow through.
	Topic = "contest-ledger:jobs"
	// Group is the consumer group shared by every dispatcher replica.
	Group = "ledger-workers"
)

// Config controls the dispatcher's worker pool.
type Config struct {
	Workers int
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
}

// Dispatcher publishes jobs and runs the consuming worker pool. Workers pull
// concurrently, but jobs sharing a serialization key execute strictly
// serially: a worker holding a busy key blocks the next job for that key
// until it finishes.
type Dispatcher struct {
	transport  redisq.Transport
	workers    int
	milestones *MilestoneExecutor
	reconciler *ReconcileWorker
	logger     *slog.Logger
	keys       keyLocks
}

func NewDispatcher(cfg Config, transport redisq.Transport, milestones *MilestoneExecutor, reconciler *ReconcileWorker, logger *slog.Logger) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{
		transport:  transport,
		workers:    cfg.Workers,
		milestones: milestones,
		reconciler: reconciler,
		logger:     logger.With("component", "job_dispatcher"),
	}
}

// Enqueue publishes a job for asynchronous at-least-once processing.
func (d *Dispatcher) Enqueue(ctx context.Context, job Job) error {
	raw, err := encodeEnvelope(job)
	if err != nil {
		return err
	}
	if err := d.transport.Publish(ctx, Topic, raw); err != nil {
		return fmt.Errorf("enqueue %s job: %w", job.Kind(), err)
	}
	metrics.JobsEnqueuedTotal.WithLabelValues(string(job.Kind())).Inc()
	metrics.JobsQueueDepth.Inc()
	return nil
}

// Run blocks, consuming jobs until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			return d.transport.Consume(ctx, Topic, Group, d.handle)
		})
	}
	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (d *Dispatcher) handle(ctx context.Context, msg redisq.Message) error {
	job, err := decodeEnvelope(msg.Body)
	if err != nil {
		// A payload that cannot be decoded will never succeed; ack it so it
		// does not poison the stream.
		d.logger.Error("dropping undecodable job", "message_id", msg.ID, "error", err)
		metrics.JobsQueueDepth.Dec()
		metrics.JobsCompletedTotal.WithLabelValues("unknown", "malformed").Inc()
		return nil
	}

	ctx, span := tracing.Tracer("jobs").Start(ctx, "jobs.handle",
		trace.WithAttributes(attribute.String("job.kind", string(job.Kind()))))
	defer span.End()

	unlock := d.keys.lock(job.SerializationKey())
	defer unlock()

	switch j := job.(type) {
	case MilestoneJob:
		err = d.milestones.Execute(ctx, j)
	case ReconcileJob:
		err = d.reconciler.Process(ctx, j)
	default:
		d.logger.Error("no worker for job kind", "kind", job.Kind())
		metrics.JobsQueueDepth.Dec()
		metrics.JobsCompletedTotal.WithLabelValues(string(job.Kind()), "unhandled").Inc()
		return nil
	}

	if err != nil {
		// Left unacked for redelivery.
		metrics.JobsCompletedTotal.WithLabelValues(string(job.Kind()), "retry").Inc()
		return err
	}
	metrics.JobsQueueDepth.Dec()
	metrics.JobsCompletedTotal.WithLabelValues(string(job.Kind()), "ok").Inc()
	return nil
}

// keyLocks hands out one mutex per serialization key. The map only grows with
// the number of distinct streams, so entries are never reclaimed.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
