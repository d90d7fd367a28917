package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllStoresFailed is returned by [Chain.Save] when no store accepted the
// record.
var ErrAllStoresFailed = errors.New("archive: all stores failed")

var _ Store = (*Chain)(nil)

type chainEntry struct {
	name    string
	store   Store
	breaker *Breaker
}

// Chain saves to the first healthy store in registration order. Each store
// has its own [Breaker], so a store that keeps failing is skipped without
// waiting on it.
type Chain struct {
	entries []chainEntry
	cfg     BreakerConfig
}

// NewChain returns a Chain whose first store is primary. Stores added with
// [Chain.Add] are tried after it.
func NewChain(primaryName string, primary Store, cfg BreakerConfig) *Chain {
	c := &Chain{cfg: cfg}
	c.Add(primaryName, primary)
	return c
}

// Add appends a fallback store. Add is not safe to call concurrently with
// Save.
func (c *Chain) Add(name string, s Store) {
	bc := c.cfg
	bc.Name = name
	c.entries = append(c.entries, chainEntry{name: name, store: s, breaker: NewBreaker(bc)})
}

// Save stores rec in the first store that accepts it.
func (c *Chain) Save(ctx context.Context, rec Record) error {
	var errs []error
	for _, e := range c.entries {
		err := e.breaker.Do(func() error { return e.store.Save(ctx, rec) })
		if err == nil {
			slog.Info("session archived", "store", e.name, "session_id", rec.SessionID, "segments", len(rec.Transcript))
			return nil
		}
		if errors.Is(err, ErrBreakerOpen) {
			slog.Debug("archive store skipped, breaker open", "store", e.name)
		} else {
			slog.Warn("archive store failed, trying next", "store", e.name, "session_id", rec.SessionID, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
		if ctx.Err() != nil {
			break
		}
	}
	return fmt.Errorf("%w: %w", ErrAllStoresFailed, errors.Join(errs...))
}

// States returns each store's breaker state keyed by name.
func (c *Chain) States() map[string]BreakerState {
	out := make(map[string]BreakerState, len(c.entries))
	for _, e := range c.entries {
		out[e.name] = e.breaker.State()
	}
	return out
}
