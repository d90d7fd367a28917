// Package archive persists the final state of each lecture session once it
// stops, so the transcript and last feedback survive the process.
//
// Two [Store] implementations are provided: [FileStore] appends JSON lines to
// a local file and [PostgresStore] writes to PostgreSQL through pgx. [Chain]
// tries several stores in order, each behind its own [Breaker], so a database
// outage degrades to the local file instead of losing the transcript.
package archive

import (
	"context"
	"slices"
	"time"

	"github.com/MrWong99/lecturepulse/internal/feedback"
)

// Store persists session records. Implementations must be safe for
// concurrent use.
type Store interface {
	Save(ctx context.Context, rec Record) error
}

// Record is one archived session.
type Record struct {
	SessionID      string                        `json:"session_id"`
	LectureID      string                        `json:"lecture_id"`
	PresenterID    string                        `json:"presenter_id,omitempty"`
	EndedAt        time.Time                     `json:"ended_at"`
	ElapsedSeconds int                           `json:"elapsed_seconds"`
	StopReason     feedback.StopReason           `json:"stop_reason,omitempty"`
	Transcript     []feedback.Segment            `json:"transcript"`
	TranscriptText string                        `json:"transcript_text,omitempty"`
	Metrics        feedback.Metrics              `json:"metrics"`
	Sentiment      *feedback.Sentiment           `json:"sentiment,omitempty"`
	Suggestions    []feedback.QuestionSuggestion `json:"suggestions,omitempty"`
	FramesSent     uint64                        `json:"frames_sent"`
	FramesDropped  uint64                        `json:"frames_dropped"`
}

// FromState builds a Record from a stopped session's state. The record does
// not share memory with s.
func FromState(s feedback.State, lectureID, presenterID string, endedAt time.Time) Record {
	s = s.Clone()
	return Record{
		SessionID:      s.SessionID,
		LectureID:      lectureID,
		PresenterID:    presenterID,
		EndedAt:        endedAt.UTC(),
		ElapsedSeconds: s.ElapsedSeconds,
		StopReason:     s.StopReason,
		Transcript:     slices.Clip(s.Transcript),
		TranscriptText: s.TranscriptText,
		Metrics:        s.LatestMetrics,
		Sentiment:      s.LatestSentiment,
		Suggestions:    s.Suggestions,
		FramesSent:     s.FramesSent,
		FramesDropped:  s.FramesDropped,
	}
}
