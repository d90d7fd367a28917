// Package wavfile provides a [capture.Device] that replays a WAV recording as
// if it were a live microphone. It is used for rehearsals, demos and
// end-to-end tests against a real backend.
package wavfile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/wav"

	"github.com/MrWong99/lecturepulse/pkg/audio/capture"
)

const defaultChunk = 20 * time.Millisecond

// Option configures a [Device].
type Option func(*Device)

// WithRealtime paces delivery to wall-clock speed instead of reading the file
// as fast as the consumer accepts buffers.
func WithRealtime(enabled bool) Option {
	return func(d *Device) { d.realtime = enabled }
}

// WithLoop restarts the recording from the beginning when it ends.
func WithLoop(enabled bool) Option {
	return func(d *Device) { d.loop = enabled }
}

// WithChunk sets the duration of each delivered buffer. Default 20ms.
func WithChunk(chunk time.Duration) Option {
	return func(d *Device) {
		if chunk > 0 {
			d.chunk = chunk
		}
	}
}

// Device reads PCM from a WAV file.
type Device struct {
	path     string
	realtime bool
	loop     bool
	chunk    time.Duration
}

var _ capture.Device = (*Device)(nil)

// New returns a Device for the WAV file at path. The file is not touched
// until [Device.Open].
func New(path string, opts ...Option) *Device {
	d := &Device{path: path, chunk: defaultChunk}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Open implements [capture.Device]. A missing file maps to
// [capture.ErrDeviceUnavailable]; an unreadable one to
// [capture.ErrPermissionDenied].
func (d *Device) Open(ctx context.Context) (capture.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(d.path)
	switch {
	case errors.Is(err, fs.ErrPermission):
		return nil, fmt.Errorf("wavfile: open %q: %w: %w", d.path, capture.ErrPermissionDenied, err)
	case err != nil:
		return nil, fmt.Errorf("wavfile: open %q: %w: %w", d.path, capture.ErrDeviceUnavailable, err)
	}

	streamer, format, err := wav.Decode(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("wavfile: decode %q: %w: %w", d.path, capture.ErrDeviceUnavailable, err)
	}

	s := &stream{
		streamer: streamer,
		format:   format,
		realtime: d.realtime,
		loop:     d.loop,
		frames:   format.SampleRate.N(d.chunk),
		out:      make(chan capture.Buffer, 16),
		done:     make(chan struct{}),
	}
	if s.frames <= 0 {
		s.frames = 1
	}
	s.wg.Add(1)
	go s.run()

	slog.Info("wavfile: opened",
		"path", d.path,
		"sample_rate", int(format.SampleRate),
		"channels", format.NumChannels,
		"realtime", d.realtime,
		"loop", d.loop,
	)
	return s, nil
}

type stream struct {
	streamer beep.StreamSeekCloser
	format   beep.Format
	realtime bool
	loop     bool
	frames   int

	out       chan capture.Buffer
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup
}

func (s *stream) Buffers() <-chan capture.Buffer { return s.out }

// Close stops the reader and releases the file. Buffers already queued on the
// channel remain readable.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		s.closeErr = s.streamer.Close()
	})
	return s.closeErr
}

func (s *stream) run() {
	defer s.wg.Done()
	defer close(s.out)

	channels := min(max(s.format.NumChannels, 1), 2)
	rate := int(s.format.SampleRate)
	chunkDur := s.format.SampleRate.D(s.frames)
	raw := make([][2]float64, s.frames)
	next := time.Now()
	rewound := false

	for {
		n, ok := s.streamer.Stream(raw)
		if n > 0 {
			rewound = false
			buf := capture.Buffer{
				Samples:    make([]float32, 0, n*channels),
				SampleRate: rate,
				Channels:   channels,
				CapturedAt: time.Now(),
			}
			for _, frame := range raw[:n] {
				for c := range channels {
					buf.Samples = append(buf.Samples, float32(frame[c]))
				}
			}
			select {
			case s.out <- buf:
			case <-s.done:
				return
			}
		}

		if !ok {
			if err := s.streamer.Err(); err != nil {
				slog.Warn("wavfile: read failed", "err", err)
				return
			}
			if !s.loop || rewound {
				return
			}
			if err := s.streamer.Seek(0); err != nil {
				slog.Warn("wavfile: rewind failed", "err", err)
				return
			}
			rewound = true
			continue
		}

		if s.realtime {
			next = next.Add(chunkDur)
			select {
			case <-time.After(time.Until(next)):
			case <-s.done:
				return
			}
		} else {
			select {
			case <-s.done:
				return
			default:
			}
		}
	}
}
