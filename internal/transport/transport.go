// Package transport owns the long-lived WebSocket to the lecture analysis
// backend. It sends framed PCM audio (a JSON header followed by the binary
// payload) and turns the backend's JSON pushes into [feedback.Message] values.
//
// A [Conn] never retries on its own: when the socket fails it reports a
// [feedback.ConnectionEvent] and moves to [StateDisconnected], leaving the
// decision to restart (which also restarts audio capture) to the caller.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/lecturepulse/internal/feedback"
	"github.com/MrWong99/lecturepulse/internal/observe"
	"github.com/MrWong99/lecturepulse/pkg/audio"
)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
	readLimit           = 1 << 20

	// SessionHeader carries the client session ID on the upgrade request.
	SessionHeader = "X-Session-ID"
)

// ErrFrameDropped is returned by [Conn.Send] when the frame was not accepted
// because the connection is not open or a frame is in flight.
var ErrFrameDropped = errors.New("transport: frame dropped")

// State is the connection lifecycle position.
type State int32

// Connection states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Config holds the backend endpoint and timeouts.
type Config struct {
	// BaseURL is the backend root, e.g. "wss://api.example.edu". http(s)
	// schemes are rewritten to ws(s).
	BaseURL string

	// LectureID and PresenterID key the stream endpoint.
	LectureID   string
	PresenterID string

	// DialTimeout bounds the WebSocket handshake. Default 10s.
	DialTimeout time.Duration

	// WriteTimeout bounds each frame write. Default 5s.
	WriteTimeout time.Duration

	// Header is added to the upgrade request (e.g. Authorization).
	Header http.Header

	// Metrics receives frame and feedback counters. Default observe.DefaultMetrics.
	Metrics *observe.Metrics
}

// Client dials stream connections for one lecture.
type Client struct {
	cfg      Config
	endpoint string
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg Config) (*Client, error) {
	endpoint, err := streamURL(cfg.BaseURL, cfg.LectureID, cfg.PresenterID)
	if err != nil {
		return nil, err
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Client{cfg: cfg, endpoint: endpoint}, nil
}

// Endpoint returns the stream URL the client dials.
func (c *Client) Endpoint() string { return c.endpoint }

// streamURL builds {base}/audio/stream/{lecture}?professor_id={presenter}.
func streamURL(base, lectureID, presenterID string) (string, error) {
	if lectureID == "" {
		return "", errors.New("transport: lecture ID is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("transport: parse base URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("transport: unsupported base URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("transport: base URL has no host")
	}
	rawPrefix := strings.TrimSuffix(u.EscapedPath(), "/")
	u.Path = strings.TrimSuffix(u.Path, "/") + "/audio/stream/" + lectureID
	u.RawPath = rawPrefix + "/audio/stream/" + url.PathEscape(lectureID)
	q := u.Query()
	if presenterID != "" {
		q.Set("professor_id", presenterID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect opens a stream connection for sessionID. onMessage receives every
// decoded feedback message and every [feedback.ConnectionEvent], starting
// with ConnectionOpened, from a single goroutine in arrival order. onMessage
// must not call [Conn.Close] synchronously.
//
// A dial failure is returned as an error and produces no callback.
func (c *Client) Connect(ctx context.Context, sessionID string, onMessage func(feedback.Message)) (*Conn, error) {
	conn := &Conn{
		sessionID:    sessionID,
		onMessage:    onMessage,
		metrics:      c.cfg.Metrics,
		writeTimeout: c.cfg.WriteTimeout,
		encode:       EncodeHeader,
		outbox:       make(chan audio.AudioFrame, 1),
		done:         make(chan struct{}),
		writerDone:   make(chan struct{}),
	}
	conn.state.Store(int32(StateConnecting))

	header := http.Header{}
	for k, vs := range c.cfg.Header {
		header[k] = append([]string(nil), vs...)
	}
	header.Set(SessionHeader, sessionID)

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	ws, _, err := websocket.Dial(dialCtx, c.endpoint, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		conn.state.Store(int32(StateDisconnected))
		return nil, fmt.Errorf("transport: dial %s: %w", c.endpoint, err)
	}
	ws.SetReadLimit(readLimit)

	conn.ws = ws
	conn.write = ws.Write
	conn.ctx, conn.cancel = context.WithCancel(context.Background())
	conn.state.Store(int32(StateOpen))

	conn.readerDone = make(chan struct{})
	go conn.readLoop()
	go conn.writeLoop()

	slog.Info("transport: connected", "session_id", sessionID, "endpoint", c.endpoint)
	return conn, nil
}

// Conn is one open stream connection. All methods are safe for concurrent use.
type Conn struct {
	ws           *websocket.Conn
	sessionID    string
	onMessage    func(feedback.Message)
	metrics      *observe.Metrics
	writeTimeout time.Duration

	// write is ws.Write and encode is EncodeHeader; tests replace them to
	// stall or fail a frame.
	write  func(ctx context.Context, typ websocket.MessageType, p []byte) error
	encode func(audio.AudioFrame) ([]byte, error)

	state  atomic.Int32
	busy   atomic.Bool
	closed atomic.Bool
	outbox chan audio.AudioFrame

	sent    atomic.Uint64
	dropped atomic.Uint64

	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	writerDone chan struct{}
	readerDone chan struct{}
	closeOnce  sync.Once
}

// State returns the current connection state.
func (c *Conn) State() State { return State(c.state.Load()) }

// SessionID returns the session ID sent on the upgrade request.
func (c *Conn) SessionID() string { return c.sessionID }

// FramesSent returns the number of frames fully written to the socket.
func (c *Conn) FramesSent() uint64 { return c.sent.Load() }

// FramesDropped returns the number of frames rejected or failed.
func (c *Conn) FramesDropped() uint64 { return c.dropped.Load() }

// Send queues f for writing and returns immediately. At most one frame is in
// flight: if the connection is not open or the previous frame is still being
// written, f is dropped, counted and [ErrFrameDropped] is returned. Send never
// blocks the caller.
func (c *Conn) Send(f audio.AudioFrame) error {
	if c.State() != StateOpen {
		c.drop("not_open")
		return ErrFrameDropped
	}
	if !c.busy.CompareAndSwap(false, true) {
		c.drop("busy")
		return ErrFrameDropped
	}
	select {
	case c.outbox <- f:
		return nil
	default:
		c.busy.Store(false)
		c.drop("busy")
		return ErrFrameDropped
	}
}

func (c *Conn) drop(reason string) {
	c.dropped.Add(1)
	c.metrics.RecordFrameDropped(context.Background(), reason)
	slog.Debug("transport: frame dropped", "session_id", c.sessionID, "reason", reason)
}

// Close shuts the connection down. It is idempotent and safe from any state;
// a frame already in flight is written first. No onMessage callback runs
// after Close returns.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.state.Store(int32(StateClosed))
		close(c.done)
		<-c.writerDone

		err = c.ws.Close(websocket.StatusNormalClosure, "session ended")
		c.cancel()
		<-c.readerDone

		if errors.Is(err, net.ErrClosed) || websocket.CloseStatus(err) != -1 {
			err = nil
		}
		slog.Info("transport: closed", "session_id", c.sessionID, "frames_sent", c.sent.Load(), "frames_dropped", c.dropped.Load())
	})
	return err
}

func (c *Conn) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case f := <-c.outbox:
			c.writeFrame(f)
		case <-c.done:
			// Flush a frame that was accepted just before Close.
			select {
			case f := <-c.outbox:
				c.writeFrame(f)
			default:
			}
			return
		}
	}
}

func (c *Conn) writeFrame(f audio.AudioFrame) {
	defer c.busy.Store(false)

	header, err := c.encode(f)
	if err != nil {
		c.drop("encode_error")
		slog.Warn("transport: encode header", "session_id", c.sessionID, "err", err)
		return
	}
	payload := f.Bytes()

	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()
	if err := c.write(ctx, websocket.MessageText, header); err != nil {
		c.writeFailed(f, err)
		return
	}
	if err := c.write(ctx, websocket.MessageBinary, payload); err != nil {
		c.writeFailed(f, err)
		return
	}
	c.sent.Add(1)
	c.metrics.RecordFrameSent(ctx, len(payload))
}

func (c *Conn) writeFailed(f audio.AudioFrame, err error) {
	c.dropped.Add(1)
	c.metrics.RecordFrameDropped(context.Background(), "write_error")
	if !c.closed.Load() {
		slog.Warn("transport: frame write failed", "session_id", c.sessionID, "seq", f.Seq, "err", err)
	}
}

func (c *Conn) readLoop() {
	defer close(c.readerDone)

	c.deliver(feedback.ConnectionEvent{Kind: feedback.ConnectionOpened})
	for {
		typ, data, err := c.ws.Read(c.ctx)
		if err != nil {
			c.readFailed(err)
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		msg, err := DecodeFeedback(data, time.Now())
		if err != nil {
			c.metrics.RecordFeedbackMalformed(c.ctx)
			slog.Warn("transport: dropping malformed feedback", "session_id", c.sessionID, "err", err, "bytes", len(data))
			continue
		}
		if msg == nil {
			continue
		}
		c.metrics.RecordFeedback(c.ctx, msg.Type())
		c.deliver(msg)
	}
}

// readFailed reports a remote close or socket error. It is silent when the
// failure was caused by a local Close.
func (c *Conn) readFailed(err error) {
	if c.closed.Load() {
		return
	}
	c.state.CompareAndSwap(int32(StateOpen), int32(StateDisconnected))

	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
		slog.Info("transport: backend closed the stream", "session_id", c.sessionID, "status", status)
		c.deliver(feedback.ConnectionEvent{Kind: feedback.ConnectionClosed})
		return
	}
	slog.Warn("transport: stream failed", "session_id", c.sessionID, "err", err)
	c.deliver(feedback.ConnectionEvent{Kind: feedback.ConnectionError, Err: err})
}

func (c *Conn) deliver(msg feedback.Message) {
	if c.closed.Load() || c.onMessage == nil {
		return
	}
	c.onMessage(msg)
}
