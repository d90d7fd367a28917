// Package feedback models the analysis backend's asynchronous feedback and
// folds it into the live session state shown to the presenter.
//
// The backend pushes voice metrics, transcript segments, sentiment snapshots
// and question suggestions at its own cadence, and any field may be missing
// from any message. [Apply] merges each message into the prior [State] with a
// last-known-good rule: a field only changes when a valid new value arrives,
// so a sparse message never blanks out what the presenter is looking at.
package feedback

import "time"

// Message is one typed feedback message. The concrete types are
// [VoiceMetrics], [TranscriptDelta], [SentimentSnapshot], [ConnectionEvent]
// and [QuestionSuggestion].
type Message interface {
	// Type returns the message's wire tag (or a local name for connection
	// events), used for logging and metrics.
	Type() string

	feedbackMessage()
}

// VoiceMetrics carries voice quality scores in the range 0–100. A nil field
// was absent from the message.
type VoiceMetrics struct {
	Clarity *float64
	Pace    *float64
	Pitch   *float64
	Volume  *float64
}

// TranscriptDelta is one newly recognised transcript segment.
type TranscriptDelta struct {
	Text       string
	CapturedAt time.Time

	// FullText is the backend's complete transcript so far, if it sent one.
	FullText *string
}

// Label is a coarse sentiment classification.
type Label string

// Sentiment labels.
const (
	LabelPositive Label = "positive"
	LabelNeutral  Label = "neutral"
	LabelNegative Label = "negative"
)

// Valid reports whether l is one of the known labels.
func (l Label) Valid() bool {
	switch l {
	case LabelPositive, LabelNeutral, LabelNegative:
		return true
	}
	return false
}

// SentimentSnapshot is the backend's periodic read of the lecture's tone. A
// nil field was absent. Indicators is absent when empty.
type SentimentSnapshot struct {
	Score      *float64 // -1..1
	Label      *Label
	Confidence *float64 // 0..1
	Tone       *string
	Indicators []string
}

// ConnectionKind distinguishes transport lifecycle events.
type ConnectionKind int

// Connection event kinds.
const (
	ConnectionOpened ConnectionKind = iota
	ConnectionClosed
	ConnectionError
)

func (k ConnectionKind) String() string {
	switch k {
	case ConnectionOpened:
		return "opened"
	case ConnectionClosed:
		return "closed"
	case ConnectionError:
		return "error"
	}
	return "unknown"
}

// ConnectionEvent reports a transport state change through the same channel
// as backend feedback.
type ConnectionEvent struct {
	Kind ConnectionKind
	Err  error
}

// QuestionSuggestion is a multiple-choice question the backend generated
// from the lecture so far, offered for the presenter to pose to students.
type QuestionSuggestion struct {
	ID      string    `json:"id"`
	Text    string    `json:"text"`
	Options [4]string `json:"options"`
	Correct string    `json:"correct"`
}

func (VoiceMetrics) Type() string       { return "voice_metrics" }
func (TranscriptDelta) Type() string    { return "transcript_update" }
func (SentimentSnapshot) Type() string  { return "ai_feedback" }
func (ConnectionEvent) Type() string    { return "connection" }
func (QuestionSuggestion) Type() string { return "question_suggestion" }

func (VoiceMetrics) feedbackMessage()       {}
func (TranscriptDelta) feedbackMessage()    {}
func (SentimentSnapshot) feedbackMessage()  {}
func (ConnectionEvent) feedbackMessage()    {}
func (QuestionSuggestion) feedbackMessage() {}
