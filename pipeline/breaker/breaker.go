// Package breaker implements a circuit breaker for calls to external
// services. Each protected dependency gets its own breaker; open circuits
// fail fast instead of tying up workers on a dependency that is down.
package breaker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parchmint/parchmint/errors"
)

// State is the breaker's current disposition toward calls.
type State int

const (
	// StateClosed passes calls through normally.
	StateClosed State = iota
	// StateOpen rejects calls without attempting them.
	StateOpen
	// StateHalfOpen admits a single trial call to probe recovery.
	StateHalfOpen
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

// Breaker tracks failures against one dependency over a sliding window.
//
// Closed: calls pass; threshold failures within the window trip it open.
// Open: calls are rejected with ErrCircuitOpen until the cooldown elapses.
// Half-open: one trial call is admitted; success closes the breaker and
// clears the window, failure reopens it for another cooldown.
type Breaker struct {
	name      string
	threshold int
	window    time.Duration
	cooldown  time.Duration
	logger    *zap.SugaredLogger

	// now is injectable for tests
	now func() time.Time

	mu       sync.Mutex
	state    State
	failures []time.Time // failure timestamps within the window
	openedAt time.Time
	probing  bool // a half-open trial is in flight
}

// New creates a breaker for the named dependency.
func New(name string, threshold int, window, cooldown time.Duration, logger *zap.SugaredLogger) *Breaker {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if threshold <= 0 {
		threshold = 5
	}
	if window <= 0 {
		window = time.Minute
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		name:      name,
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
		logger:    logger,
		now:       time.Now,
		state:     StateClosed,
	}
}

// Name returns the protected dependency's name.
func (b *Breaker) Name() string { return b.name }

// State returns the breaker's current state, accounting for an elapsed
// cooldown.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked(b.now())
}

func (b *Breaker) stateLocked(now time.Time) State {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cooldown {
		b.state = StateHalfOpen
		b.probing = false
	}
	return b.state
}

// RemainingCooldown returns how long until an open breaker admits a trial
// call. Zero when the breaker is not open.
func (b *Breaker) RemainingCooldown() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.stateLocked(now) != StateOpen {
		return 0
	}
	return b.cooldown - now.Sub(b.openedAt)
}

// allow decides whether a call may proceed. In half-open, only the first
// caller wins the trial slot; the rest are rejected as if open.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.stateLocked(now) {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if b.probing {
			return errors.Mark(
				errors.Newf("circuit for %s is half-open with a trial in flight", b.name),
				errors.ErrCircuitOpen,
			)
		}
		b.probing = true
		return nil
	default:
		return errors.Mark(
			errors.Newf("circuit for %s is open", b.name),
			errors.ErrCircuitOpen,
		)
	}
}

// recordSuccess closes the breaker and clears the failure window.
func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		b.logger.Infow("Circuit closed after successful trial", "dependency", b.name)
	}
	b.state = StateClosed
	b.probing = false
	b.failures = b.failures[:0]
}

// recordFailure notes a failed call. A failed half-open trial reopens
// immediately; in closed state the breaker trips once the window holds
// threshold failures.
func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.stateLocked(now) == StateHalfOpen {
		b.state = StateOpen
		b.openedAt = now
		b.probing = false
		b.logger.Warnw("Circuit reopened after failed trial",
			"dependency", b.name,
			"cooldown", b.cooldown)
		return
	}

	// Drop failures that slid out of the window
	cutoff := now.Add(-b.window)
	kept := b.failures[:0]
	for _, ts := range b.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.failures = append(kept, now)

	if b.state == StateClosed && len(b.failures) >= b.threshold {
		b.state = StateOpen
		b.openedAt = now
		b.logger.Warnw("Circuit opened",
			"dependency", b.name,
			"failures", len(b.failures),
			"window", b.window,
			"cooldown", b.cooldown)
	}
}

// Call runs fn under the breaker. When the circuit is open the call is
// rejected with an error wrapping ErrCircuitOpen and fn is never invoked.
// A context error from fn counts as a failure: a dependency that times out
// is indistinguishable from one that is down.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := fn(ctx)
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}
