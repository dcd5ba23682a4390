package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/arenaops/contest-ledger/internal/alert"
	"github.com/arenaops/contest-ledger/internal/circuitbreaker"
	"github.com/arenaops/contest-ledger/internal/domain/model"
	"github.com/arenaops/contest-ledger/internal/gateway/rpcclient"
	"github.com/arenaops/contest-ledger/internal/metrics"
	"github.com/arenaops/contest-ledger/internal/store"
)

// Actions issued against the contest contract.
const (
	ActionFreeze        = "freeze"
	ActionSettle        = "settle"
	ActionUpdateLeaders = "updateLeaders"
	ActionSeal          = "seal"
)

// Gateway is the on-chain surface the orchestrator reads from and writes to.
// Satisfied by *gateway.Adapter.
type Gateway interface {
	ReadContestState(ctx context.Context, stream *model.Stream) (*model.ContestState, error)
	SubmitAction(ctx context.Context, stream *model.Stream, action string, params any) (string, error)
}

// StreamSource lists the contests to poll. Satisfied by *registry.Registry.
type StreamSource interface {
	Streams() []*model.Stream
}

// Config tunes the orchestration loop.
type Config struct {
	PollInterval time.Duration
	Breaker      circuitbreaker.Config
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
}

// Orchestrator polls each tracked contest and issues the phase-transition
// call its on-chain state asks for: freeze once the live window elapses,
// settle per unsettled participant, push leaderboard updates while stale,
// then seal. Every call is best-effort and idempotent in intent — a
// contract-side "already in that phase" revert is a no-op, not a failure.
type Orchestrator struct {
	gw      Gateway
	streams StreamSource
	events  store.EventRepository
	alerter alert.Alerter
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	breakers map[model.ChainID]*circuitbreaker.Breaker
}

func NewOrchestrator(cfg Config, gw Gateway, streams StreamSource, events store.EventRepository, alerter alert.Alerter, logger *slog.Logger) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		gw:       gw,
		streams:  streams,
		events:   events,
		alerter:  alerter,
		cfg:      cfg,
		logger:   logger.With("component", "lifecycle"),
		now:      time.Now,
		breakers: make(map[model.ChainID]*circuitbreaker.Breaker),
	}
}

// WithClock overrides the orchestrator's clock. Test hook.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Run polls until ctx is canceled.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	o.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.RunOnce(ctx)
		}
	}
}

// RunOnce evaluates every tracked contest once. Per-contest failures are
// logged and never halt the pass.
func (o *Orchestrator) RunOnce(ctx context.Context) {
	for _, stream := range o.streams.Streams() {
		if ctx.Err() != nil {
			return
		}
		if err := o.evaluate(ctx, stream); err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Error("lifecycle evaluation failed",
				"contest", stream.ContestID, "chain", stream.ChainID, "error", err)
		}
	}
}

func (o *Orchestrator) evaluate(ctx context.Context, stream *model.Stream) error {
	state, err := o.gw.ReadContestState(ctx, stream)
	if err != nil {
		return fmt.Errorf("read contest state: %w", err)
	}

	switch state.Phase {
	case model.ContestPhaseLive:
		if !state.LiveWindowEndsAt.IsZero() && !o.now().Before(state.LiveWindowEndsAt) {
			return o.act(ctx, stream, ActionFreeze, map[string]any{
				"contestId": stream.ContestID,
			})
		}
	case model.ContestPhaseFrozen:
		return o.settleParticipants(ctx, stream, state)
	case model.ContestPhaseSettled:
		if !state.LeaderboardCurrent {
			return o.updateLeaders(ctx, stream, state)
		}
		return o.act(ctx, stream, ActionSeal, map[string]any{
			"contestId": stream.ContestID,
		})
	case model.ContestPhaseSealed:
		// Terminal; nothing to drive.
	default:
		o.logger.Warn("contest in unknown phase",
			"contest", stream.ContestID, "chain", stream.ChainID, "phase", state.Phase)
	}
	return nil
}

// settleParticipants issues one settle call per unsettled participant. A
// failure stops the pass for this contest; remaining participants are picked
// up next tick.
func (o *Orchestrator) settleParticipants(ctx context.Context, stream *model.Stream, state *model.ContestState) error {
	for _, wallet := range state.UnsettledParticipants {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := o.act(ctx, stream, ActionSettle, map[string]any{
			"contestId": stream.ContestID,
			"wallet":    wallet,
		}); err != nil {
			return err
		}
	}
	return nil
}

// updateLeaders computes the leaderboard from stored settlement events and
// submits it at the next version.
func (o *Orchestrator) updateLeaders(ctx context.Context, stream *model.Stream, state *model.ContestState) error {
	leaders, err := o.computeLeaders(ctx, stream.Key())
	if err != nil {
		return fmt.Errorf("compute leaders: %w", err)
	}
	if len(leaders) == 0 {
		o.logger.Warn("leaderboard stale but no settlements stored",
			"contest", stream.ContestID, "chain", stream.ChainID)
		return nil
	}
	return o.act(ctx, stream, ActionUpdateLeaders, map[string]any{
		"contestId": stream.ContestID,
		"version":   state.LeaderboardVersion + 1,
		"entries":   leaders,
	})
}

// computeLeaders ranks participants from their stored settlement events. A
// later settlement for the same wallet supersedes an earlier one.
func (o *Orchestrator) computeLeaders(ctx context.Context, key model.StreamKey) ([]rpcclient.LeaderEntry, error) {
	stored, err := o.events.GetByRange(ctx, key, 0, math.MaxInt64)
	if err != nil {
		return nil, err
	}

	byWallet := make(map[string]rpcclient.LeaderEntry)
	for _, event := range stored {
		settlement, ok := event.Payload.(model.SettlementPayload)
		if !ok {
			continue
		}
		byWallet[settlement.Wallet] = rpcclient.LeaderEntry{
			Wallet: settlement.Wallet,
			Rank:   settlement.Rank,
			Score:  settlement.FinalScore,
		}
	}

	leaders := make([]rpcclient.LeaderEntry, 0, len(byWallet))
	for _, entry := range byWallet {
		leaders = append(leaders, entry)
	}
	sort.Slice(leaders, func(i, j int) bool { return leaders[i].Rank < leaders[j].Rank })
	return leaders, nil
}

// act submits one contract call through the chain's circuit breaker.
func (o *Orchestrator) act(ctx context.Context, stream *model.Stream, action string, params any) error {
	contest, chain := stream.ContestID.String(), stream.ChainID.String()
	breaker := o.breaker(stream.ChainID)

	err := breaker.Do(func() error {
		txHash, err := o.gw.SubmitAction(ctx, stream, action, params)
		if err != nil {
			if isAlreadyInPhase(err) {
				// Another driver (or a previous tick) got there first.
				o.logger.Debug("contract already in target phase",
					"contest", contest, "chain", chain, "action", action)
				return nil
			}
			return err
		}
		o.logger.Info("lifecycle action submitted",
			"contest", contest, "chain", chain, "action", action, "tx_hash", txHash)
		return nil
	})
	if err != nil {
		outcome := "error"
		if errors.Is(err, circuitbreaker.ErrOpen) {
			outcome = "rejected"
		}
		metrics.LifecycleActionsTotal.WithLabelValues(contest, chain, action, outcome).Inc()

		if !errors.Is(err, circuitbreaker.ErrOpen) {
			if alertErr := o.alerter.Send(ctx, alert.Alert{
				Type:      alert.AlertTypeLifecycleFailed,
				ContestID: stream.ContestID,
				ChainID:   stream.ChainID,
				Title:     fmt.Sprintf("Lifecycle %s call failed", action),
				Message:   err.Error(),
			}); alertErr != nil {
				o.logger.Warn("lifecycle alert failed", "error", alertErr)
			}
		}
		return fmt.Errorf("%s %s: %w", action, contest, err)
	}

	metrics.LifecycleActionsTotal.WithLabelValues(contest, chain, action, "ok").Inc()
	return nil
}

func (o *Orchestrator) breaker(chainID model.ChainID) *circuitbreaker.Breaker {
	o.mu.Lock()
	defer o.mu.Unlock()
	b, ok := o.breakers[chainID]
	if !ok {
		b = circuitbreaker.New(o.cfg.Breaker)
		o.breakers[chainID] = b
	}
	return b
}

// isAlreadyInPhase recognizes the contract revert for an action the contest
// has already absorbed.
func isAlreadyInPhase(err error) bool {
	var rpcErr *rpcclient.RPCError
	if !errors.As(err, &rpcErr) {
		return false
	}
	msg := strings.ToLower(rpcErr.Message)
	return strings.Contains(msg, "already") || strings.Contains(msg, "phase unchanged")
}
