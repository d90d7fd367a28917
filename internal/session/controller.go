// Package session runs a live lecture session: it acquires audio capture and
// the backend stream together, pumps frames from one to the other, folds
// backend feedback into [feedback.State] and tears both resources down as a
// pair.
//
// A [Controller] owns its state on a single goroutine. Public methods,
// capture, transport and the elapsed-time ticker all post events to that
// goroutine, so state transitions are serialised without locks and a
// published [feedback.State] is never mutated afterwards.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/lecturepulse/internal/archive"
	"github.com/MrWong99/lecturepulse/internal/feedback"
	"github.com/MrWong99/lecturepulse/internal/interval"
	"github.com/MrWong99/lecturepulse/internal/observe"
	"github.com/MrWong99/lecturepulse/pkg/audio"
	"github.com/MrWong99/lecturepulse/pkg/audio/capture"
)

var (
	// ErrSessionActive is returned by StartSession while a session is
	// connecting, recording or still releasing its resources.
	ErrSessionActive = errors.New("session: a session is already active")

	// ErrSessionCancelled is returned by a pending StartSession when
	// EndSession is called before the start completes.
	ErrSessionCancelled = errors.New("session: start cancelled")

	// ErrClosed is returned by operations on a closed Controller.
	ErrClosed = errors.New("session: controller closed")
)

const (
	defaultTickInterval   = time.Second
	defaultArchiveTimeout = 30 * time.Second
)

// Config wires a [Controller].
type Config struct {
	// Capture and Transport are required.
	Capture   Capture
	Transport Transport

	// Archive receives the final state of every session that reached
	// Recording. Optional.
	Archive archive.Store

	// LectureID and PresenterID label archived records.
	LectureID   string
	PresenterID string

	// TickInterval is the elapsed-time resolution. Default 1s; each tick adds
	// one to ElapsedSeconds.
	TickInterval time.Duration

	// ArchiveTimeout bounds a single archive write. Default 30s.
	ArchiveTimeout time.Duration

	// NewID generates session IDs. Default uuid.NewString.
	NewID func() string

	// Now overrides the clock. Default time.Now.
	Now func() time.Time

	// Metrics receives session counters. Default observe.DefaultMetrics.
	Metrics *observe.Metrics
}

// Controller is the session state machine. All methods are safe for
// concurrent use.
type Controller struct {
	cfg Config

	events   chan any
	quit     chan struct{}
	loopDone chan struct{}

	// postMu orders post against shutdown: once closed is set no event
	// can land in the queue unseen.
	postMu sync.RWMutex
	closed bool

	snapshot atomic.Pointer[feedback.State]
	handle   atomic.Pointer[CaptureHandle]

	listenMu  sync.Mutex
	listeners map[int]func(feedback.State)
	nextID    int

	archiving sync.WaitGroup
	closeOnce sync.Once
}

// New starts a Controller in the Idle phase.
func New(cfg Config) (*Controller, error) {
	if cfg.Capture == nil || cfg.Transport == nil {
		return nil, errors.New("session: capture and transport are required")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.ArchiveTimeout <= 0 {
		cfg.ArchiveTimeout = defaultArchiveTimeout
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	c := &Controller{
		cfg:       cfg,
		events:    make(chan any, 64),
		quit:      make(chan struct{}),
		loopDone:  make(chan struct{}),
		listeners: make(map[int]func(feedback.State)),
	}
	initial := feedback.State{}
	c.snapshot.Store(&initial)

	l := &loop{c: c}
	go l.run()
	return c, nil
}

// ── Events ───────────────────────────────────────────────────────────────────

type (
	startReq struct {
		ctx   context.Context
		reply chan error
	}
	endReq struct {
		reply chan error
	}
	startDone struct {
		gen     uint64
		handle  CaptureHandle
		stream  Stream
		err     error
		elapsed time.Duration
	}
	feedbackEvt struct {
		gen uint64
		msg feedback.Message
	}
	tickEvt struct {
		gen uint64
	}
	captureEnded struct {
		gen uint64
	}
	teardownDone struct {
		gen     uint64
		sent    uint64
		dropped uint64
	}
)

// post hands ev to the loop. It gives up once the controller is closed.
func (c *Controller) post(ev any) bool {
	c.postMu.RLock()
	defer c.postMu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.events <- ev:
		return true
	case <-c.quit:
		return false
	}
}

// ── Public API ───────────────────────────────────────────────────────────────

// StartSession acquires capture and the backend stream concurrently and moves
// to Recording. It blocks until both are ready or either fails; on failure
// the other is released, the prior state is restored and the error is
// returned (wrapping [capture.ErrPermissionDenied] or
// [capture.ErrDeviceUnavailable] for device problems). Each successful start
// begins from a fresh state with a new session ID.
func (c *Controller) StartSession(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case c.events <- startReq{ctx: ctx, reply: reply}:
	case <-c.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-c.loopDone:
		return ErrClosed
	}
}

// EndSession stops capture, closes the stream and freezes the state in
// Stopped. It is safe in any phase and from any number of goroutines; a
// pending StartSession returns [ErrSessionCancelled]. EndSession returns once
// both resources have been released.
func (c *Controller) EndSession(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case c.events <- endReq{reply: reply}:
	case <-c.quit:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-c.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns a copy of the current state.
func (c *Controller) State() feedback.State {
	return c.snapshot.Load().Clone()
}

// Level returns the current input level in 0–100, or 0 when not capturing.
func (c *Controller) Level() float64 {
	if h := c.handle.Load(); h != nil {
		return (*h).Level()
	}
	return 0
}

// OnStateChange registers fn to be called with every new state, in order,
// from the controller goroutine. fn must not block and must not call
// Controller methods synchronously. The returned function unregisters fn.
func (c *Controller) OnStateChange(fn func(feedback.State)) (unsubscribe func()) {
	c.listenMu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.listenMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.listenMu.Lock()
			delete(c.listeners, id)
			c.listenMu.Unlock()
		})
	}
}

// Close ends any active session, waits for pending archive writes and stops
// the controller. It is idempotent.
func (c *Controller) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.EndSession(context.Background())
		close(c.quit)
		<-c.loopDone
		c.archiving.Wait()
	})
	return err
}

func (c *Controller) publish(s feedback.State) {
	c.snapshot.Store(&s)

	c.listenMu.Lock()
	ids := slices.Sorted(maps.Keys(c.listeners))
	fns := make([]func(feedback.State), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.listeners[id])
	}
	c.listenMu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

// ── Loop ─────────────────────────────────────────────────────────────────────

// pendingStart is an acquisition in flight.
type pendingStart struct {
	gen       uint64
	cancel    context.CancelFunc
	reply     chan error
	prior     feedback.State
	cancelled bool
	waiters   []chan error
	span      trace.Span

	// lost is a close or error event that arrived before the start
	// completed.
	lost *feedback.ConnectionEvent
}

// activeRun holds the resources of a recording session.
type activeRun struct {
	gen      uint64
	handle   CaptureHandle
	stream   Stream
	pumpDone chan struct{}
	ticker   *interval.Ticker
}

// loop is the state owned by the controller goroutine.
type loop struct {
	c *Controller

	state   feedback.State
	gen     uint64
	pending *pendingStart
	active  *activeRun

	// tearing is set while a run's resources are being released; waiters
	// are EndSession calls to answer once that finishes.
	tearing bool
	waiters []chan error
}

func (l *loop) run() {
	defer close(l.c.loopDone)
	for {
		select {
		case <-l.c.quit:
			l.shutdown()
			return
		case ev := <-l.c.events:
			l.handle(ev)
		}
	}
}

// shutdown releases whatever a racing StartSession acquired and answers
// requests still queued when the controller closes.
func (l *loop) shutdown() {
	// quit is closed, so posters blocked on a full queue have returned.
	l.c.postMu.Lock()
	l.c.closed = true
	l.c.postMu.Unlock()

	if p := l.pending; p != nil {
		p.cancel()
		p.span.End()
		p.reply <- ErrClosed
		for _, w := range p.waiters {
			w <- nil
		}
		l.pending = nil
	}
	if run := l.active; run != nil {
		l.active = nil
		l.c.handle.Store(nil)
		l.c.cfg.Metrics.ActiveSessions.Add(context.Background(), -1)
		l.c.teardown(run)
	}
	for _, w := range l.waiters {
		w <- nil
	}
	l.waiters = nil
	for {
		select {
		case ev := <-l.c.events:
			switch e := ev.(type) {
			case startReq:
				e.reply <- ErrClosed
			case endReq:
				e.reply <- nil
			case startDone:
				if e.handle != nil {
					_ = stopUnpumped(e.handle)
				}
				if e.stream != nil {
					_ = e.stream.Close()
				}
			}
		default:
			return
		}
	}
}

func (l *loop) handle(ev any) {
	switch e := ev.(type) {
	case startReq:
		l.onStart(e)
	case endReq:
		l.onEnd(e)
	case startDone:
		l.onStartDone(e)
	case feedbackEvt:
		l.onFeedback(e)
	case tickEvt:
		l.onTick(e)
	case captureEnded:
		l.onCaptureEnded(e)
	case teardownDone:
		l.onTeardownDone(e)
	}
}

func (l *loop) set(s feedback.State) {
	l.state = s
	l.c.publish(s)
}

func (l *loop) onStart(req startReq) {
	if l.pending != nil || l.active != nil || l.tearing {
		req.reply <- ErrSessionActive
		return
	}
	if err := req.ctx.Err(); err != nil {
		req.reply <- err
		return
	}

	l.gen++
	sessionID := l.c.cfg.NewID()
	ctx, cancel := context.WithCancel(req.ctx)
	ctx = observe.WithSessionID(ctx, sessionID)
	ctx, span := observe.StartSpan(ctx, "session.start", trace.WithAttributes(attribute.String("session.id", sessionID)))

	l.pending = &pendingStart{gen: l.gen, cancel: cancel, reply: req.reply, prior: l.state, span: span}
	l.set(feedback.State{Phase: feedback.PhaseConnecting, SessionID: sessionID})
	l.c.cfg.Metrics.ActiveSessions.Add(ctx, 1)

	observe.Logger(ctx).Info("session starting")
	go l.c.acquire(ctx, l.gen, sessionID)
}

// acquire opens capture and the stream concurrently. If either fails the
// other is released before the result is posted.
func (c *Controller) acquire(ctx context.Context, gen uint64, sessionID string) {
	began := c.cfg.Now()
	var (
		handle CaptureHandle
		stream Stream
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h, err := c.cfg.Capture.Start(gctx)
		if err != nil {
			return fmt.Errorf("session: start capture: %w", err)
		}
		handle = h
		return nil
	})
	g.Go(func() error {
		s, err := c.cfg.Transport.Connect(gctx, sessionID, func(msg feedback.Message) {
			c.post(feedbackEvt{gen: gen, msg: msg})
		})
		if err != nil {
			return fmt.Errorf("session: connect backend: %w", err)
		}
		stream = s
		return nil
	})
	err := g.Wait()
	if err != nil {
		if handle != nil {
			_ = stopUnpumped(handle)
		}
		if stream != nil {
			_ = stream.Close()
		}
		handle, stream = nil, nil
	}
	if !c.post(startDone{gen: gen, handle: handle, stream: stream, err: err, elapsed: c.cfg.Now().Sub(began)}) {
		// The controller closed while we were acquiring.
		if handle != nil {
			_ = stopUnpumped(handle)
		}
		if stream != nil {
			_ = stream.Close()
		}
	}
}

func (l *loop) onStartDone(e startDone) {
	p := l.pending
	if p == nil || p.gen != e.gen {
		// Stale result.
		l.release(e.handle, e.stream)
		return
	}
	l.pending = nil
	p.cancel()
	defer p.span.End()
	ctx := context.Background()
	m := l.c.cfg.Metrics

	if p.cancelled {
		m.RecordSessionStart(ctx, e.elapsed, "cancelled")
		m.ActiveSessions.Add(ctx, -1)
		p.span.SetStatus(codes.Error, "cancelled")
		p.reply <- ErrSessionCancelled

		s := l.state
		s.Phase = feedback.PhaseStopped
		s.StopReason = feedback.StopUser
		s.ConnectionHealthy = false
		l.set(s)
		slog.Info("session start cancelled", "session_id", s.SessionID)

		if e.handle != nil || e.stream != nil {
			l.tearing = true
			l.waiters = append(l.waiters, p.waiters...)
			go l.c.teardown(&activeRun{gen: e.gen, handle: e.handle, stream: e.stream})
			return
		}
		for _, w := range p.waiters {
			w <- nil
		}
		return
	}

	if e.err != nil {
		outcome := "error"
		switch {
		case errors.Is(e.err, capture.ErrPermissionDenied):
			outcome = "permission_denied"
			m.RecordCaptureError(ctx, outcome)
		case errors.Is(e.err, capture.ErrDeviceUnavailable):
			outcome = "device_unavailable"
			m.RecordCaptureError(ctx, outcome)
		}
		m.RecordSessionStart(ctx, e.elapsed, outcome)
		m.ActiveSessions.Add(ctx, -1)
		p.span.RecordError(e.err)
		p.span.SetStatus(codes.Error, outcome)

		prior := p.prior
		prior.LastError = e.err.Error()
		l.set(prior)
		slog.Warn("session start failed", "err", e.err)
		p.reply <- e.err
		return
	}

	m.RecordSessionStart(ctx, e.elapsed, "ok")
	run := &activeRun{gen: e.gen, handle: e.handle, stream: e.stream, pumpDone: make(chan struct{})}
	l.active = run
	l.c.handle.Store(&run.handle)

	gen := e.gen
	go l.c.pump(run)
	run.ticker = interval.Start(context.Background(), l.c.cfg.TickInterval, func(ctx context.Context, _ time.Time) {
		select {
		case l.c.events <- tickEvt{gen: gen}:
		case <-ctx.Done():
		case <-l.c.quit:
		}
	})

	s := l.state
	s.Phase = feedback.PhaseRecording
	s.LastError = ""
	l.set(s)
	slog.Info("session recording", "session_id", s.SessionID, "start_latency", e.elapsed)
	p.reply <- nil

	if p.lost != nil {
		l.onFeedback(feedbackEvt{gen: gen, msg: *p.lost})
	}
}

// pump forwards frames to the stream until capture closes its channel. Send
// never blocks, so a slow backend cannot stall capture.
func (c *Controller) pump(run *activeRun) {
	defer close(run.pumpDone)
	for f := range run.handle.Frames() {
		_ = run.stream.Send(f)
	}
	c.post(captureEnded{gen: run.gen})
}

func (l *loop) onFeedback(e feedbackEvt) {
	if e.gen != l.gen || !l.state.Phase.Active() {
		return
	}
	s := feedback.Apply(e.msg, l.state)

	ev, ok := e.msg.(feedback.ConnectionEvent)
	if ok && ev.Kind != feedback.ConnectionOpened && l.pending != nil && l.pending.lost == nil {
		l.pending.lost = &ev
	}
	if ok && ev.Kind != feedback.ConnectionOpened && l.active != nil {
		s.Phase = feedback.PhaseStopped
		s.StopReason = feedback.StopTransport
		if ev.Err != nil {
			s.LastError = ev.Err.Error()
		} else {
			s.LastError = "backend closed the connection"
		}
		slog.Warn("session stopped by transport", "session_id", s.SessionID, "kind", ev.Kind.String(), "err", ev.Err)
		l.set(s)
		l.beginTeardown()
		return
	}
	l.set(s)
}

func (l *loop) onTick(e tickEvt) {
	if l.active == nil || l.active.gen != e.gen || l.state.Phase != feedback.PhaseRecording {
		return
	}
	s := l.state
	s.ElapsedSeconds++
	s.FramesSent = l.active.stream.FramesSent()
	s.FramesDropped = l.active.stream.FramesDropped()
	l.set(s)
}

func (l *loop) onCaptureEnded(e captureEnded) {
	if l.active == nil || l.active.gen != e.gen {
		return
	}
	s := l.state
	s.Phase = feedback.PhaseStopped
	s.StopReason = feedback.StopCapture
	slog.Info("session stopped, capture ended", "session_id", s.SessionID)
	l.set(s)
	l.beginTeardown()
}

func (l *loop) onEnd(e endReq) {
	switch {
	case l.pending != nil:
		p := l.pending
		if !p.cancelled {
			p.cancelled = true
			p.cancel()
			slog.Info("cancelling pending session start", "session_id", l.state.SessionID)
		}
		p.waiters = append(p.waiters, e.reply)

	case l.active != nil:
		s := l.state
		s.Phase = feedback.PhaseStopped
		s.StopReason = feedback.StopUser
		l.set(s)
		slog.Info("session ended by user", "session_id", s.SessionID)
		l.waiters = append(l.waiters, e.reply)
		l.beginTeardown()

	case l.tearing:
		l.waiters = append(l.waiters, e.reply)

	default:
		e.reply <- nil
	}
}

// beginTeardown releases the active run's resources off the loop goroutine so
// that feedback callbacks blocked on the loop can drain.
func (l *loop) beginTeardown() {
	run := l.active
	l.active = nil
	l.c.handle.Store(nil)
	l.tearing = true
	l.c.cfg.Metrics.ActiveSessions.Add(context.Background(), -1)
	go l.c.teardown(run)
}

// teardown stops capture (which flushes the final partial frame), lets the
// pump forward what remains, then closes the stream.
func (c *Controller) teardown(run *activeRun) {
	if run.ticker != nil {
		run.ticker.Stop()
	}
	if run.handle != nil {
		stop := run.handle.Stop
		if run.pumpDone == nil {
			stop = func() error { return stopUnpumped(run.handle) }
		}
		if err := stop(); err != nil {
			slog.Warn("capture stop failed", "err", err)
		}
	}
	if run.pumpDone != nil {
		<-run.pumpDone
	}
	var sent, dropped uint64
	if run.stream != nil {
		if err := run.stream.Close(); err != nil {
			slog.Debug("stream close", "err", err)
		}
		sent, dropped = run.stream.FramesSent(), run.stream.FramesDropped()
	}
	c.post(teardownDone{gen: run.gen, sent: sent, dropped: dropped})
}

func (l *loop) onTeardownDone(e teardownDone) {
	l.tearing = false
	s := l.state
	if e.gen == l.gen && s.Phase == feedback.PhaseStopped {
		s.FramesSent = e.sent
		s.FramesDropped = e.dropped
		l.set(s)
		if s.ElapsedSeconds > 0 || len(s.Transcript) > 0 || e.sent > 0 {
			l.archive(s)
		}
	}
	for _, w := range l.waiters {
		w <- nil
	}
	l.waiters = nil
}

// release closes resources that arrived for a start nobody is waiting on.
func (l *loop) release(h CaptureHandle, s Stream) {
	if h == nil && s == nil {
		return
	}
	go func() {
		if h != nil {
			_ = stopUnpumped(h)
		}
		if s != nil {
			_ = s.Close()
		}
	}()
}

// stopUnpumped stops a capture handle whose frames nobody forwards. The
// final flush would otherwise block on a full frame channel.
func stopUnpumped(h CaptureHandle) error {
	go audio.Drain(h.Frames())
	return h.Stop()
}

func (l *loop) archive(s feedback.State) {
	store := l.c.cfg.Archive
	if store == nil {
		return
	}
	rec := archive.FromState(s, l.c.cfg.LectureID, l.c.cfg.PresenterID, l.c.cfg.Now())
	timeout := l.c.cfg.ArchiveTimeout

	l.c.archiving.Add(1)
	go func() {
		defer l.c.archiving.Done()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := store.Save(ctx, rec); err != nil {
			slog.Error("failed to archive session", "session_id", rec.SessionID, "err", err)
		}
	}()
}
