package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned when the breaker is rejecting calls.
var ErrOpen = errors.New("circuit breaker open")

// State is the breaker's position.
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // rejecting calls
	StateHalfOpen              // probing whether the downstream recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes one breaker.
type Config struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // half-open successes before closing
	OpenTimeout      time.Duration // time open before probing
	OnStateChange    func(from, to State)
}

func (c *Config) applyDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
}

// Breaker guards calls against a repeatedly failing downstream. After
// FailureThreshold consecutive failures it opens and rejects calls; once
// OpenTimeout elapses it half-opens and probes, closing again after
// SuccessThreshold successes.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	probes        int
	lastFailureAt time.Time
}

func New(cfg Config) *Breaker {
	cfg.applyDefaults()
	return &Breaker{cfg: cfg, now: time.Now}
}

// WithClock overrides the breaker's clock. Test hook.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// Allow reports whether a call may proceed. ErrOpen when rejecting.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen {
		if b.now().Sub(b.lastFailureAt) > b.cfg.OpenTimeout {
			b.setState(StateHalfOpen)
			return nil
		}
		return ErrOpen
	}
	return nil
}

// RecordSuccess feeds back a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if b.state == StateHalfOpen {
		b.probes++
		if b.probes >= b.cfg.SuccessThreshold {
			b.setState(StateClosed)
		}
	}
}

// RecordFailure feeds back a failed call. A half-open failure reopens
// immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.probes = 0
	b.lastFailureAt = b.now()
	if b.state == StateHalfOpen || (b.state == StateClosed && b.failures >= b.cfg.FailureThreshold) {
		b.setState(StateOpen)
	}
}

// Do runs fn under the breaker, recording its outcome.
func (b *Breaker) Do(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// State returns the breaker's current position, transitioning open to
// half-open when the timeout has lapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.lastFailureAt) > b.cfg.OpenTimeout {
		b.setState(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.probes = 0
	if to == StateClosed {
		b.failures = 0
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}
