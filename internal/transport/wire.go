package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/MrWong99/lecturepulse/internal/feedback"
	"github.com/MrWong99/lecturepulse/pkg/audio"
)

// ErrMalformed wraps every feedback decoding failure.
var ErrMalformed = errors.New("transport: malformed feedback")

// chunkHeader precedes every binary PCM payload on the wire.
type chunkHeader struct {
	Type       string  `json:"type"`
	SampleRate int     `json:"sample_rate"`
	Samples    int     `json:"samples"`
	Duration   float64 `json:"duration"`
	Timestamp  int64   `json:"timestamp"`
	ChunkIndex uint64  `json:"chunk_index"`
	Format     string  `json:"format"`
	IsFinal    bool    `json:"is_final,omitempty"`
}

// EncodeHeader returns the JSON metadata message sent before a frame's PCM.
func EncodeHeader(f audio.AudioFrame) ([]byte, error) {
	h := chunkHeader{
		Type:       "audio_chunk_pcm",
		SampleRate: f.SampleRate,
		Samples:    len(f.Samples),
		Duration:   f.Duration().Seconds(),
		Timestamp:  f.CapturedAt.UnixMilli(),
		ChunkIndex: f.Seq,
		Format:     "pcm_int16",
		IsFinal:    f.IsFinal,
	}
	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("transport: encode header: %w", err)
	}
	return data, nil
}

// Inbound wire shapes. Numeric fields are raw so that a single bad value only
// invalidates that field, not the whole message.
type (
	envelope struct {
		Type string `json:"type"`
	}

	voiceMetricsMsg struct {
		Metrics *struct {
			Clarity json.RawMessage `json:"clarity"`
			Pace    json.RawMessage `json:"pace"`
			Pitch   json.RawMessage `json:"pitch"`
			Volume  json.RawMessage `json:"volume"`
		} `json:"metrics"`
	}

	transcriptMsg struct {
		Transcript *string `json:"transcript"`
		NewSegment string  `json:"new_segment"`
		Timestamp  string  `json:"timestamp"`
	}

	aiFeedbackMsg struct {
		Feedback *struct {
			SentimentScore       json.RawMessage `json:"sentiment_score"`
			Sentiment            *string         `json:"sentiment"`
			Confidence           json.RawMessage `json:"confidence"`
			Tone                 *string         `json:"tone"`
			EngagementIndicators []string        `json:"engagement_indicators"`
		} `json:"feedback"`
	}

	questionMsg struct {
		QuestionID json.RawMessage `json:"question_id"`
		Question   struct {
			Text          string `json:"question_text"`
			OptionA       string `json:"option_a"`
			OptionB       string `json:"option_b"`
			OptionC       string `json:"option_c"`
			OptionD       string `json:"option_d"`
			CorrectAnswer string `json:"correct_answer"`
		} `json:"question"`
	}
)

// DecodeFeedback parses one server message. It returns (nil, nil) for message
// types it does not know and for messages that carry nothing to apply, and an
// error wrapping [ErrMalformed] when the JSON itself is unusable. received is
// the fallback capture time for transcript segments without a parsable
// timestamp.
func DecodeFeedback(data []byte, received time.Time) (feedback.Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	switch env.Type {
	case "voice_metrics":
		var m voiceMetricsMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: voice_metrics: %w", ErrMalformed, err)
		}
		if m.Metrics == nil {
			return nil, nil
		}
		return feedback.VoiceMetrics{
			Clarity: number(m.Metrics.Clarity),
			Pace:    number(m.Metrics.Pace),
			Pitch:   number(m.Metrics.Pitch),
			Volume:  number(m.Metrics.Volume),
		}, nil

	case "transcript_update":
		var m transcriptMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: transcript_update: %w", ErrMalformed, err)
		}
		if strings.TrimSpace(m.NewSegment) == "" {
			return nil, nil
		}
		return feedback.TranscriptDelta{
			Text:       strings.TrimSpace(m.NewSegment),
			CapturedAt: parseTimestamp(m.Timestamp, received),
			FullText:   m.Transcript,
		}, nil

	case "ai_feedback":
		var m aiFeedbackMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: ai_feedback: %w", ErrMalformed, err)
		}
		if m.Feedback == nil {
			return nil, nil
		}
		snap := feedback.SentimentSnapshot{
			Score:      number(m.Feedback.SentimentScore),
			Confidence: number(m.Feedback.Confidence),
			Tone:       m.Feedback.Tone,
			Indicators: m.Feedback.EngagementIndicators,
		}
		if m.Feedback.Sentiment != nil {
			l := feedback.Label(strings.ToLower(strings.TrimSpace(*m.Feedback.Sentiment)))
			snap.Label = &l
		}
		return snap, nil

	case "question_suggestion":
		var m questionMsg
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: question_suggestion: %w", ErrMalformed, err)
		}
		q := m.Question
		if strings.TrimSpace(q.Text) == "" {
			return nil, nil
		}
		return feedback.QuestionSuggestion{
			ID:      rawID(m.QuestionID),
			Text:    q.Text,
			Options: [4]string{q.OptionA, q.OptionB, q.OptionC, q.OptionD},
			Correct: q.CorrectAnswer,
		}, nil

	default:
		return nil, nil
	}
}

// number returns the value of a raw JSON number, or nil when the field is
// absent, null, non-numeric or not finite.
func number(raw json.RawMessage) *float64 {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// rawID accepts both string and numeric question IDs.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(raw))
}

// timestampLayouts covers RFC 3339 and the offset-less ISO 8601 form that
// Python's datetime.isoformat produces for naive times.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// parseTimestamp parses an ISO 8601 timestamp. Offset-less values are read as
// UTC. Unparsable or empty values fall back to fallback.
func parseTimestamp(s string, fallback time.Time) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return fallback
}
