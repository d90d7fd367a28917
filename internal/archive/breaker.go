package archive

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [Breaker.Do] while the breaker is rejecting
// calls.
var ErrBreakerOpen = errors.New("archive: breaker open")

// BreakerState is the operating mode of a [Breaker].
type BreakerState int

const (
	// BreakerClosed forwards every call.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects calls until the cool-down elapses.
	BreakerOpen

	// BreakerHalfOpen lets a single probe through. Success closes the
	// breaker, failure re-opens it.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// BreakerConfig tunes a [Breaker].
type BreakerConfig struct {
	// Name labels log lines.
	Name string

	// Threshold is the number of consecutive failures that opens the
	// breaker. Default: 3.
	Threshold int

	// Cooldown is how long the breaker stays open before a probe is allowed.
	// Default: 1m.
	Cooldown time.Duration

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Breaker stops calling a failing store for a while after repeated failures.
// Archiving happens once per session, so a single half-open probe is enough
// to decide whether the store recovered.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker returns a closed Breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{name: cfg.Name, threshold: cfg.Threshold, cooldown: cfg.Cooldown, now: cfg.Now}
}

// Do runs fn unless the breaker is open, and records the outcome.
func (b *Breaker) Do(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.record(probe, err)
	return err
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false, ErrBreakerOpen
		}
		b.state = BreakerHalfOpen
		slog.Info("archive breaker half-open", "name", b.name)
		fallthrough
	case BreakerHalfOpen:
		if b.probing {
			return false, ErrBreakerOpen
		}
		b.probing = true
		return true, nil
	}
	return false, nil
}

func (b *Breaker) record(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probing = false
	}
	if err == nil {
		if b.state != BreakerClosed {
			slog.Info("archive breaker closed", "name", b.name)
		}
		b.state = BreakerClosed
		b.failures = 0
		return
	}

	b.failures++
	if probe || b.failures >= b.threshold {
		if b.state != BreakerOpen {
			slog.Warn("archive breaker opened", "name", b.name, "consecutive_failures", b.failures, "err", err)
		}
		b.state = BreakerOpen
		b.openedAt = b.now()
	}
}

// State returns the current mode. An open breaker whose cool-down has elapsed
// reports [BreakerHalfOpen]; the transition itself happens on the next call.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return BreakerHalfOpen
	}
	return b.state
}
