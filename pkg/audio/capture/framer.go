package capture

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/lecturepulse/pkg/audio"
)

const defaultFrameBuffer = 32

// Config tunes a [Framer]. Zero values select the defaults.
type Config struct {
	// FrameDuration is the length of every full frame. Default 500ms.
	FrameDuration time.Duration

	// FrameBuffer is the capacity of the Frames channel. Default 32.
	FrameBuffer int

	// Now overrides the clock for buffers without a capture time.
	Now func() time.Time
}

// Framer starts captures on a single device.
type Framer struct {
	device Device
	cfg    Config
}

// NewFramer returns a Framer reading from device.
func NewFramer(device Device, cfg Config) *Framer {
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = audio.FrameDuration
	}
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = defaultFrameBuffer
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Framer{device: device, cfg: cfg}
}

// Start opens the device and begins framing. It blocks until the device is
// open (which may include a permission prompt). If ctx is cancelled while
// waiting, any stream that was opened is closed again and ctx.Err is returned.
func (f *Framer) Start(ctx context.Context) (*Handle, error) {
	stream, err := f.device.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture: open device: %w", err)
	}
	if err := ctx.Err(); err != nil {
		_ = stream.Close()
		return nil, err
	}

	h := &Handle{
		stream:       stream,
		frames:       make(chan audio.AudioFrame, f.cfg.FrameBuffer),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		frameSamples: audio.SamplesFor(f.cfg.FrameDuration, audio.SampleRate),
		now:          f.cfg.Now,
	}
	go h.run()
	slog.Info("capture started", "frame_duration", f.cfg.FrameDuration)
	return h, nil
}

// Handle is a running capture. It is not restartable: once stopped (or once
// the device ends) a new Handle must be obtained from [Framer.Start].
type Handle struct {
	stream Stream
	frames chan audio.AudioFrame
	stop   chan struct{}
	done   chan struct{}

	stopOnce sync.Once
	closeErr error

	level atomic.Uint64 // math.Float64bits

	// Owned by the run goroutine.
	frameSamples int
	now          func() time.Time
	resampler    *audio.Resampler
	pending      []int16
	pendingAt    time.Time
	seq          uint64
}

// Frames returns the channel of produced frames. It is closed after the final
// frame once capture has stopped. Callers must keep draining it until closed.
func (h *Handle) Frames() <-chan audio.AudioFrame { return h.frames }

// Level returns the most recent input level in the range 0–100.
func (h *Handle) Level() float64 {
	return math.Float64frombits(h.level.Load())
}

// Done is closed once the capture has fully ended and Frames is closed.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Stop releases the device, flushes buffered audio as a final frame and
// closes Frames. It blocks until that has happened and is safe to call more
// than once and from multiple goroutines. Every call returns the error from
// closing the device stream.
func (h *Handle) Stop() error {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
	return h.closeErr
}

func (h *Handle) run() {
	defer close(h.done)
	defer close(h.frames)

	in := h.stream.Buffers()
	for {
		select {
		case <-h.stop:
			h.closeErr = h.stream.Close()
			h.drain(in)
			h.flush()
			slog.Info("capture stopped", "frames", h.seq)
			return
		case buf, ok := <-in:
			if !ok {
				h.closeErr = h.stream.Close()
				h.flush()
				slog.Info("capture ended by device", "frames", h.seq)
				return
			}
			h.consume(buf)
		}
	}
}

// drain consumes buffers the device had already queued before it was closed.
func (h *Handle) drain(in <-chan Buffer) {
	for {
		select {
		case buf, ok := <-in:
			if !ok {
				return
			}
			h.consume(buf)
		default:
			return
		}
	}
}

func (h *Handle) consume(buf Buffer) {
	if len(buf.Samples) == 0 {
		return
	}
	mono := audio.Downmix(buf.Samples, buf.Channels)
	h.level.Store(math.Float64bits(audio.Level(mono)))

	if buf.SampleRate > 0 && buf.SampleRate != audio.SampleRate {
		if h.resampler == nil || h.resampler.SourceRate() != buf.SampleRate {
			if h.resampler != nil {
				slog.Warn("capture: device sample rate changed", "from_hz", h.resampler.SourceRate(), "to_hz", buf.SampleRate)
			}
			h.resampler = audio.NewResampler(buf.SampleRate, audio.SampleRate)
		}
		mono = h.resampler.Process(mono)
	}

	at := buf.CapturedAt
	if at.IsZero() {
		at = h.now()
	}
	if len(h.pending) == 0 {
		h.pendingAt = at
	}
	h.pending = append(h.pending, audio.Float32ToInt16(mono)...)

	for len(h.pending) >= h.frameSamples {
		samples := make([]int16, h.frameSamples)
		copy(samples, h.pending)
		rest := len(h.pending) - h.frameSamples
		copy(h.pending, h.pending[h.frameSamples:])
		h.pending = h.pending[:rest]

		start := h.pendingAt
		h.emit(samples, start, false)
		h.pendingAt = start.Add(time.Duration(h.frameSamples) * time.Second / audio.SampleRate)
	}
}

func (h *Handle) flush() {
	if len(h.pending) == 0 {
		return
	}
	samples := make([]int16, len(h.pending))
	copy(samples, h.pending)
	h.pending = h.pending[:0]
	h.emit(samples, h.pendingAt, true)
}

func (h *Handle) emit(samples []int16, at time.Time, final bool) {
	h.frames <- audio.AudioFrame{
		Seq:        h.seq,
		Samples:    samples,
		SampleRate: audio.SampleRate,
		CapturedAt: at,
		IsFinal:    final,
	}
	h.seq++
}
