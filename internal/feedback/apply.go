package feedback

import (
	"math"
	"slices"
	"strings"
)

// Apply folds msg into prior and returns the resulting state. It is pure:
// prior is never modified and the returned State shares no mutable backing
// arrays that a later Apply could write through.
//
// Merge rules:
//   - VoiceMetrics and SentimentSnapshot update field by field, and only
//     when the incoming value is valid (finite number, known label,
//     non-empty tone). Numbers are clamped to their documented range.
//     Indicators are replaced only by a non-empty list.
//   - TranscriptDelta is appended in receipt order; nothing is reordered.
//   - ConnectionEvent only sets ConnectionHealthy.
//   - QuestionSuggestion is appended unless its ID was already seen.
//
// Unknown message types return prior unchanged.
func Apply(msg Message, prior State) State {
	switch m := msg.(type) {
	case VoiceMetrics:
		return applyMetrics(m, prior)
	case TranscriptDelta:
		return applyTranscript(m, prior)
	case SentimentSnapshot:
		return applySentiment(m, prior)
	case ConnectionEvent:
		prior.ConnectionHealthy = m.Kind == ConnectionOpened
		return prior
	case QuestionSuggestion:
		return applySuggestion(m, prior)
	default:
		return prior
	}
}

func applyMetrics(m VoiceMetrics, s State) State {
	mergeNumber(&s.LatestMetrics.Clarity, m.Clarity, 0, 100)
	mergeNumber(&s.LatestMetrics.Pace, m.Pace, 0, 100)
	mergeNumber(&s.LatestMetrics.Pitch, m.Pitch, 0, 100)
	mergeNumber(&s.LatestMetrics.Volume, m.Volume, 0, 100)
	return s
}

func applyTranscript(m TranscriptDelta, s State) State {
	s.Transcript = append(slices.Clip(s.Transcript), Segment{Text: m.Text, CapturedAt: m.CapturedAt})
	switch {
	case m.FullText != nil && strings.TrimSpace(*m.FullText) != "":
		s.TranscriptText = *m.FullText
	case m.Text == "":
	case s.TranscriptText == "":
		s.TranscriptText = m.Text
	default:
		s.TranscriptText += " " + m.Text
	}
	return s
}

func applySentiment(m SentimentSnapshot, s State) State {
	var next Sentiment
	if s.LatestSentiment != nil {
		next = *s.LatestSentiment
	}
	changed := mergeNumber(&next.Score, m.Score, -1, 1)
	changed = mergeNumber(&next.Confidence, m.Confidence, 0, 1) || changed
	if m.Label != nil && m.Label.Valid() {
		next.Label = *m.Label
		changed = true
	}
	if m.Tone != nil && strings.TrimSpace(*m.Tone) != "" {
		next.Tone = *m.Tone
		changed = true
	}
	if len(m.Indicators) > 0 {
		next.Indicators = slices.Clone(m.Indicators)
		changed = true
	}
	if changed {
		s.LatestSentiment = &next
	}
	return s
}

func applySuggestion(m QuestionSuggestion, s State) State {
	key := m.ID
	if key == "" {
		key = m.Text
	}
	if key == "" {
		return s
	}
	if slices.ContainsFunc(s.Suggestions, func(q QuestionSuggestion) bool { return q.ID == key }) {
		return s
	}
	m.ID = key
	s.Suggestions = append(slices.Clip(s.Suggestions), m)
	return s
}

// mergeNumber overwrites *dst with the clamped value of v when v is present
// and finite. It reports whether *dst was written.
func mergeNumber(dst *float64, v *float64, lo, hi float64) bool {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return false
	}
	*dst = min(max(*v, lo), hi)
	return true
}
