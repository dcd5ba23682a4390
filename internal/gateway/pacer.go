package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arenaops/contest-ledger/internal/domain/model"
	"github.com/arenaops/contest-ledger/internal/metrics"
	"golang.org/x/time/rate"
)

// pacer applies a per-chain token-bucket limit to outbound RPC calls so a
// burst of streams on one chain cannot exhaust a provider's quota.
type pacer struct {
	mu       sync.Mutex
	rps      float64
	burst    int
	limiters map[model.ChainID]*rate.Limiter
}

func newPacer(rps float64, burst int) *pacer {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = int(rps)
	}
	return &pacer{
		rps:      rps,
		burst:    burst,
		limiters: make(map[model.ChainID]*rate.Limiter),
	}
}

func (p *pacer) limiter(chainID model.ChainID) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[chainID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(p.rps), p.burst)
		p.limiters[chainID] = l
	}
	return l
}

// wait blocks until the chain's limiter releases a token or ctx is done.
// Reserve is used so exactly one token is consumed per call.
func (p *pacer) wait(ctx context.Context, chainID model.ChainID) error {
	r := p.limiter(chainID).Reserve()
	if !r.OK() {
		return fmt.Errorf("rate: cannot reserve token")
	}
	delay := r.Delay()
	if delay > 0 {
		metrics.RPCRateLimitWaits.WithLabelValues(chainID.String()).Inc()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			r.Cancel()
			return ctx.Err()
		}
	}
	return nil
}
