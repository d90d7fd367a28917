// Package interval runs a callback on a fixed period until stopped.
//
// It replaces the hand-rolled ticker-plus-done-channel loops that several
// components need (elapsed-time ticks, config polling) with one type whose
// Stop guarantees the callback has returned and will not run again.
package interval

import (
	"context"
	"sync"
	"time"
)

// Ticker calls a function every period on its own goroutine.
type Ticker struct {
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// Start begins calling fn every d. fn receives a context that is cancelled
// when [Ticker.Stop] is called or parent is done; a fn that blocks must
// select on it. Ticks missed while fn is running are dropped. Start panics if
// d is not positive, matching [time.NewTicker].
func Start(parent context.Context, d time.Duration, fn func(ctx context.Context, now time.Time)) *Ticker {
	ctx, cancel := context.WithCancel(parent)
	t := &Ticker{cancel: cancel, done: make(chan struct{})}
	ticker := time.NewTicker(d)

	go func() {
		defer close(t.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				// A tick and a cancellation can be ready together.
				if ctx.Err() != nil {
					return
				}
				fn(ctx, now)
			}
		}
	}()
	return t
}

// Stop halts the ticker and waits for an in-progress fn call to return.
// After Stop returns fn is never called again. Stop is idempotent and must
// not be called from within fn.
func (t *Ticker) Stop() {
	t.stopOnce.Do(t.cancel)
	<-t.done
}

// Done is closed once the ticker goroutine has exited.
func (t *Ticker) Done() <-chan struct{} { return t.done }
