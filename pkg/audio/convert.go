package audio

import (
	"log/slog"
	"math"
)

// Float32ToInt16 converts normalised float samples to signed 16-bit PCM.
// Values outside [-1, 1] are clamped so loud input saturates instead of
// wrapping around.
func Float32ToInt16(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, s := range in {
		out[i] = floatToSample(s)
	}
	return out
}

func floatToSample(s float32) int16 {
	if s != s { // NaN
		return 0
	}
	if s >= 1 {
		return math.MaxInt16
	}
	if s <= -1 {
		return math.MinInt16
	}
	if s < 0 {
		return int16(s * 32768)
	}
	return int16(s * 32767)
}

// Int16ToFloat32 converts signed 16-bit PCM to floats in [-1, 1).
func Int16ToFloat32(in []int16) []float32 {
	out := make([]float32, len(in))
	for i, s := range in {
		out[i] = float32(s) / 32768
	}
	return out
}

// Int16ToBytes encodes samples as little-endian PCM.
func Int16ToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16 decodes little-endian PCM. A trailing odd byte is ignored.
func BytesToInt16(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// Downmix averages interleaved multi-channel samples into mono. Mono input is
// returned unchanged.
func Downmix(in []float32, channels int) []float32 {
	if channels <= 1 {
		return in
	}
	frames := len(in) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += in[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Resampler converts a mono float stream from one rate to another with
// linear interpolation. Unlike a one-shot conversion it keeps the read
// position and the last input sample across calls, so chunk boundaries do
// not introduce clicks or drift.
//
// A Resampler belongs to a single stream and is not safe for concurrent use.
type Resampler struct {
	src, dst int
	step     float64
	pos      float64 // next output position in input samples, relative to the current chunk
	last     float32
	primed   bool
}

// NewResampler returns a Resampler from srcRate to dstRate. Non-positive
// rates produce a pass-through resampler.
func NewResampler(srcRate, dstRate int) *Resampler {
	r := &Resampler{src: srcRate, dst: dstRate}
	if srcRate > 0 && dstRate > 0 {
		r.step = float64(srcRate) / float64(dstRate)
	}
	if srcRate != dstRate && r.step > 0 {
		slog.Debug("audio resampler created", "from_hz", srcRate, "to_hz", dstRate)
	}
	return r
}

// SourceRate returns the input rate the resampler was built for.
func (r *Resampler) SourceRate() int { return r.src }

// Process resamples one chunk and returns the output produced so far.
func (r *Resampler) Process(in []float32) []float32 {
	if r.step == 0 || r.src == r.dst {
		return in
	}
	if len(in) == 0 {
		return nil
	}
	if !r.primed {
		r.last = in[0]
		r.primed = true
	}

	out := make([]float32, 0, int(float64(len(in))/r.step)+1)
	for {
		idx := int(math.Floor(r.pos))
		if idx+1 >= len(in) {
			break
		}
		frac := float32(r.pos - float64(idx))
		var s0 float32
		if idx < 0 {
			s0 = r.last
		} else {
			s0 = in[idx]
		}
		s1 := in[idx+1]
		out = append(out, s0+(s1-s0)*frac)
		r.pos += r.step
	}
	r.pos -= float64(len(in))
	r.last = in[len(in)-1]
	return out
}

// Level reports the loudness of samples on a 0–100 scale for live meters.
// The RMS is mapped linearly from -60 dBFS (0) to 0 dBFS (100).
func Level(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms <= 0 {
		return 0
	}
	db := 20 * math.Log10(rms)
	lvl := (db + 60) / 60 * 100
	return min(max(lvl, 0), 100)
}
