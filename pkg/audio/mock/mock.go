// Package mock provides in-memory implementations of [capture.Device] and
// [capture.Stream] for use in unit tests.
//
// Both mocks are safe for concurrent use. Set the exported fields to control
// behaviour and read the CallCount* fields afterwards.
//
// Typical usage:
//
//	stream := mock.NewStream(64)
//	stream.Push(capture.Buffer{Samples: pcm, SampleRate: 16000, Channels: 1})
//	dev := &mock.Device{OpenResult: stream}
//	h, err := capture.NewFramer(dev, capture.Config{}).Start(ctx)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/lecturepulse/pkg/audio/capture"
)

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock [capture.Stream] backed by a buffered channel.
type Stream struct {
	mu     sync.Mutex
	ch     chan capture.Buffer
	closed bool

	// CloseError is returned by every [Stream.Close] call.
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewStream returns a Stream whose channel holds up to capacity buffers.
func NewStream(capacity int) *Stream {
	return &Stream{ch: make(chan capture.Buffer, capacity)}
}

// Push queues b without blocking. It reports false if the stream is closed
// or the channel is full.
func (s *Stream) Push(b capture.Buffer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- b:
		return true
	default:
		return false
	}
}

// End simulates the device finishing on its own (end of file, channel left).
func (s *Stream) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Buffers implements [capture.Stream].
func (s *Stream) Buffers() <-chan capture.Buffer { return s.ch }

// Close implements [capture.Stream]. Queued buffers stay readable.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return s.CloseError
}

// Closes returns CallCountClose under the lock.
func (s *Stream) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose
}

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock [capture.Device].
type Device struct {
	mu sync.Mutex

	// OpenResult is returned by [Device.Open] when OpenError is nil.
	OpenResult capture.Stream

	// OpenError is returned by [Device.Open] if non-nil.
	OpenError error

	// OpenBlock, when non-nil, makes Open wait until it is closed or ctx is
	// cancelled. It simulates a pending permission prompt.
	OpenBlock chan struct{}

	// CallCountOpen records how many times Open was called.
	CallCountOpen int
}

// Open implements [capture.Device].
func (d *Device) Open(ctx context.Context) (capture.Stream, error) {
	d.mu.Lock()
	d.CallCountOpen++
	block, stream, err := d.OpenBlock, d.OpenResult, d.OpenError
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// Opens returns CallCountOpen under the lock.
func (d *Device) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CallCountOpen
}
