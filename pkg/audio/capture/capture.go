// Package capture turns a live input device into a stream of fixed-length
// 16 kHz mono [audio.AudioFrame] values.
//
// A [Device] delivers raw float buffers at whatever rate and channel count the
// hardware (or file, or voice channel) provides. The [Framer] downmixes,
// resamples, converts to int16 and cuts the stream into frames of a fixed
// duration. When capture stops, any remaining samples are flushed as a single
// shorter frame marked [audio.AudioFrame.IsFinal].
package capture

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by [Device.Open] implementations. Devices wrap their
// underlying cause so callers can match with [errors.Is].
var (
	// ErrPermissionDenied means the user or OS refused access to the input.
	ErrPermissionDenied = errors.New("capture: permission denied")

	// ErrDeviceUnavailable means no usable input device could be opened.
	ErrDeviceUnavailable = errors.New("capture: device unavailable")
)

// Buffer is one chunk of raw input as delivered by a device.
type Buffer struct {
	// Samples are interleaved normalised floats in [-1, 1].
	Samples []float32

	// SampleRate of Samples in Hz.
	SampleRate int

	// Channels is the interleave count. Zero is treated as mono.
	Channels int

	// CapturedAt is when the first sample was recorded. Zero means unknown;
	// the framer substitutes the receive time.
	CapturedAt time.Time
}

// Stream is an open input. Buffers is closed by the device when the input
// ends on its own (end of file, channel left). Close releases the device; it
// must be safe to call more than once and must not discard buffers that were
// already queued on the channel.
type Stream interface {
	Buffers() <-chan Buffer
	Close() error
}

// Device opens an input stream. Open may block while the user is asked for
// permission and must honour ctx cancellation.
type Device interface {
	Open(ctx context.Context) (Stream, error)
}
