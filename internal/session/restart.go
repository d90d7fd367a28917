package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/lecturepulse/internal/feedback"
	"github.com/MrWong99/lecturepulse/internal/observe"
	"github.com/MrWong99/lecturepulse/pkg/audio/capture"
)

// Default restart parameters.
const (
	defaultMaxRetries = 5
	defaultBackoff    = time.Second
	defaultMaxBackoff = 30 * time.Second
)

// sessionStarter is the part of [Controller] the Restarter drives.
type sessionStarter interface {
	StartSession(ctx context.Context) error
	State() feedback.State
	OnStateChange(fn func(feedback.State)) (unsubscribe func())
}

// RestarterConfig configures a [Restarter].
type RestarterConfig struct {
	// MaxRetries is the number of start attempts per transport loss.
	// Default 5.
	MaxRetries int

	// Backoff is the wait before the first attempt. It doubles after each
	// failed attempt up to MaxBackoff. Default 1s.
	Backoff time.Duration

	// MaxBackoff caps the wait between attempts. Default 30s.
	MaxBackoff time.Duration

	// Metrics counts restarts. Default observe.DefaultMetrics.
	Metrics *observe.Metrics
}

// Restarter starts a fresh session after the backend connection is lost.
//
// It is opt-in: transport losses re-open the capture device, which may show a
// permission prompt, so every attempt is logged at info level. Sessions that
// stop for any other reason are left alone, and retrying stops as soon as the
// presenter ends the session or a device error occurs.
type Restarter struct {
	ctrl       sessionStarter
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	metrics    *observe.Metrics

	lost        chan struct{}
	done        chan struct{}
	stopOnce    sync.Once
	unsubscribe func()
	wg          sync.WaitGroup
}

// NewRestarter creates a Restarter for ctrl. Call [Restarter.Run] to begin
// watching.
func NewRestarter(ctrl sessionStarter, cfg RestarterConfig) *Restarter {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Restarter{
		ctrl:       ctrl,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
		maxBackoff: cfg.MaxBackoff,
		metrics:    cfg.Metrics,
		lost:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Run subscribes to state changes and restarts sessions stopped by the
// transport until ctx is done or [Restarter.Stop] is called.
func (r *Restarter) Run(ctx context.Context) {
	// Only a Recording → Stopped(transport) edge counts; a failed restart
	// restores the stopped state from Connecting and must not re-trigger.
	prev := r.ctrl.State().Phase
	r.unsubscribe = r.ctrl.OnStateChange(func(s feedback.State) {
		if prev == feedback.PhaseRecording && s.Phase == feedback.PhaseStopped && s.StopReason == feedback.StopTransport {
			r.notify()
		}
		prev = s.Phase
	})
	r.wg.Add(1)
	go r.monitor(ctx)
}

// Stop halts monitoring and waits for an attempt in progress to finish.
// Safe to call multiple times.
func (r *Restarter) Stop() {
	r.stopOnce.Do(func() {
		if r.unsubscribe != nil {
			r.unsubscribe()
		}
		close(r.done)
	})
	r.wg.Wait()
}

// notify signals a loss without blocking; repeated signals collapse.
func (r *Restarter) notify() {
	select {
	case r.lost <- struct{}{}:
	default:
	}
}

func (r *Restarter) monitor(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.lost:
			r.restart(ctx)
		}
	}
}

// stillLost reports whether the controller is still stopped by a transport
// loss, i.e. nobody has ended or restarted the session meanwhile.
func (r *Restarter) stillLost() bool {
	s := r.ctrl.State()
	return s.Phase == feedback.PhaseStopped && s.StopReason == feedback.StopTransport
}

func (r *Restarter) restart(ctx context.Context) {
	wait := r.backoff
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-time.After(wait):
		}
		if !r.stillLost() {
			return
		}

		slog.Info("restarting session after connection loss",
			"attempt", attempt,
			"max_retries", r.maxRetries,
		)
		r.metrics.SessionRestarts.Add(ctx, 1)

		err := r.ctrl.StartSession(ctx)
		switch {
		case err == nil:
			slog.Info("session restarted", "attempt", attempt, "session_id", r.ctrl.State().SessionID)
			return
		case errors.Is(err, ErrSessionActive), errors.Is(err, ErrSessionCancelled), errors.Is(err, ErrClosed):
			return
		case errors.Is(err, capture.ErrPermissionDenied), errors.Is(err, capture.ErrDeviceUnavailable):
			slog.Warn("giving up session restart, capture device failed", "err", err)
			return
		}

		slog.Warn("session restart attempt failed", "attempt", attempt, "err", err)
		wait *= 2
		if wait > r.maxBackoff {
			wait = r.maxBackoff
		}
	}
	slog.Error("session restart failed after max retries", "max_retries", r.maxRetries)
}
