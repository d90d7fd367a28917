package audio

import "time"

// Wire defaults for audio sent to the analysis backend.
const (
	// SampleRate is the rate every AudioFrame is produced at.
	SampleRate = 16000

	// FrameDuration is the default length of one full frame.
	FrameDuration = 500 * time.Millisecond
)

// AudioFrame is one contiguous slice of mono 16-bit PCM, tagged with a
// monotonically increasing sequence number and the capture time of its first
// sample. Frames are immutable once produced: consumers must not modify
// Samples.
type AudioFrame struct {
	// Seq starts at 0 for the first frame of a capture and increases by one
	// per frame.
	Seq uint64

	// Samples holds mono signed 16-bit PCM.
	Samples []int16

	// SampleRate in Hz (16000 for everything the framer emits).
	SampleRate int

	// CapturedAt is the wall-clock time the first sample was captured.
	CapturedAt time.Time

	// IsFinal marks the shorter frame flushed when capture stops.
	IsFinal bool
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// Bytes returns the samples as little-endian int16 PCM.
func (f AudioFrame) Bytes() []byte {
	return Int16ToBytes(f.Samples)
}

// SamplesFor returns the number of samples that make up d at rate.
func SamplesFor(d time.Duration, rate int) int {
	return int(int64(d) * int64(rate) / int64(time.Second))
}
