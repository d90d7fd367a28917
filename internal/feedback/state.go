package feedback

import (
	"slices"
	"time"
)

// Phase is the session lifecycle position.
type Phase int

// Session phases.
const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseRecording
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseRecording:
		return "recording"
	case PhaseStopped:
		return "stopped"
	}
	return "unknown"
}

// MarshalText renders the phase by name in JSON snapshots.
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Active reports whether a capture and transport pair is held in this phase.
func (p Phase) Active() bool { return p == PhaseConnecting || p == PhaseRecording }

// StopReason records why a session reached [PhaseStopped].
type StopReason string

// Stop reasons.
const (
	StopNone      StopReason = ""
	StopUser      StopReason = "user"
	StopTransport StopReason = "transport"
	StopCapture   StopReason = "capture"
)

// Metrics is the last-known-good voice metrics. Fields stay zero until the
// first valid value arrives.
type Metrics struct {
	Clarity float64 `json:"clarity"`
	Pace    float64 `json:"pace"`
	Pitch   float64 `json:"pitch"`
	Volume  float64 `json:"volume"`
}

// Sentiment is the last-known-good sentiment.
type Sentiment struct {
	Score      float64  `json:"score"`
	Label      Label    `json:"label,omitempty"`
	Confidence float64  `json:"confidence"`
	Tone       string   `json:"tone,omitempty"`
	Indicators []string `json:"indicators,omitempty"`
}

// Segment is one transcript entry in receipt order.
type Segment struct {
	Text       string    `json:"text"`
	CapturedAt time.Time `json:"captured_at"`
}

// State is the session view state. It is a value: [Apply] and the session
// controller always return new States and never mutate a published one.
type State struct {
	Phase             Phase                `json:"phase"`
	SessionID         string               `json:"session_id,omitempty"`
	ElapsedSeconds    int                  `json:"elapsed_seconds"`
	LatestMetrics     Metrics              `json:"latest_metrics"`
	Transcript        []Segment            `json:"transcript"`
	TranscriptText    string               `json:"transcript_text,omitempty"`
	LatestSentiment   *Sentiment           `json:"latest_sentiment,omitempty"`
	ConnectionHealthy bool                 `json:"connection_healthy"`
	Suggestions       []QuestionSuggestion `json:"suggestions,omitempty"`
	StopReason        StopReason           `json:"stop_reason,omitempty"`
	LastError         string               `json:"last_error,omitempty"`
	FramesSent        uint64               `json:"frames_sent"`
	FramesDropped     uint64               `json:"frames_dropped"`
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	s.Transcript = slices.Clone(s.Transcript)
	s.Suggestions = slices.Clone(s.Suggestions)
	if s.LatestSentiment != nil {
		sent := *s.LatestSentiment
		sent.Indicators = slices.Clone(sent.Indicators)
		s.LatestSentiment = &sent
	}
	return s
}
