package session

import (
	"context"

	"github.com/MrWong99/lecturepulse/internal/feedback"
	"github.com/MrWong99/lecturepulse/internal/transport"
	"github.com/MrWong99/lecturepulse/pkg/audio"
	"github.com/MrWong99/lecturepulse/pkg/audio/capture"
)

// Capture starts audio capture for one session.
type Capture interface {
	Start(ctx context.Context) (CaptureHandle, error)
}

// CaptureHandle is a running capture. Stop must be idempotent and must close
// Frames once the final frame has been delivered.
type CaptureHandle interface {
	Frames() <-chan audio.AudioFrame
	Level() float64
	Stop() error
}

// Transport opens backend connections.
type Transport interface {
	Connect(ctx context.Context, sessionID string, onMessage func(feedback.Message)) (Stream, error)
}

// Stream is an open backend connection. Send must never block; Close must be
// idempotent and must not invoke onMessage after it returns.
type Stream interface {
	Send(f audio.AudioFrame) error
	Close() error
	FramesSent() uint64
	FramesDropped() uint64
}

// FramerCapture adapts a [capture.Framer] to [Capture].
type FramerCapture struct {
	Framer *capture.Framer
}

// Start implements [Capture].
func (c FramerCapture) Start(ctx context.Context) (CaptureHandle, error) {
	h, err := c.Framer.Start(ctx)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// ClientTransport adapts a [transport.Client] to [Transport].
type ClientTransport struct {
	Client *transport.Client
}

// Connect implements [Transport].
func (t ClientTransport) Connect(ctx context.Context, sessionID string, onMessage func(feedback.Message)) (Stream, error) {
	conn, err := t.Client.Connect(ctx, sessionID, onMessage)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
