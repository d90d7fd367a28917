package feedback_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/lecturepulse/internal/feedback"
)

func f(v float64) *float64 { return &v }
func str(v string) *string { return &v }
func label(v feedback.Label) *feedback.Label {
	return &v
}

func TestApply_MetricsLastKnownGood(t *testing.T) {
	t.Parallel()

	var s feedback.State
	s = feedback.Apply(feedback.VoiceMetrics{Clarity: f(80)}, s)
	s = feedback.Apply(feedback.VoiceMetrics{Pace: f(math.NaN())}, s)
	s = feedback.Apply(feedback.VoiceMetrics{Pace: f(55)}, s)

	want := feedback.Metrics{Clarity: 80, Pace: 55, Pitch: 0, Volume: 0}
	if s.LatestMetrics != want {
		t.Errorf("LatestMetrics = %+v, want %+v", s.LatestMetrics, want)
	}
}

func TestApply_MetricsIgnoreInvalidValues(t *testing.T) {
	t.Parallel()

	s := feedback.Apply(feedback.VoiceMetrics{Clarity: f(70), Pace: f(40), Pitch: f(30), Volume: f(20)}, feedback.State{})
	invalid := []feedback.VoiceMetrics{
		{},
		{Clarity: f(math.NaN())},
		{Pace: f(math.Inf(1))},
		{Pitch: f(math.Inf(-1))},
	}
	for _, m := range invalid {
		s = feedback.Apply(m, s)
	}
	want := feedback.Metrics{Clarity: 70, Pace: 40, Pitch: 30, Volume: 20}
	if s.LatestMetrics != want {
		t.Errorf("LatestMetrics = %+v, want %+v", s.LatestMetrics, want)
	}
}

func TestApply_MetricsClamped(t *testing.T) {
	t.Parallel()
	s := feedback.Apply(feedback.VoiceMetrics{Clarity: f(140), Volume: f(-5)}, feedback.State{})
	if s.LatestMetrics.Clarity != 100 || s.LatestMetrics.Volume != 0 {
		t.Errorf("LatestMetrics = %+v, want clarity 100 volume 0", s.LatestMetrics)
	}
}

// TestApply_MetricsProperty checks, over a deterministic pseudo-random
// sequence, that each field equals the last valid value sent for it.
func TestApply_MetricsProperty(t *testing.T) {
	t.Parallel()

	var s feedback.State
	var lastClarity float64
	seed := uint32(7)
	next := func() uint32 {
		seed = seed*1664525 + 1013904223
		return seed
	}
	for range 500 {
		var m feedback.VoiceMetrics
		switch next() % 3 {
		case 0:
			v := float64(next() % 101)
			m.Clarity = &v
			lastClarity = v
		case 1:
			m.Clarity = f(math.NaN())
		}
		s = feedback.Apply(m, s)
		if s.LatestMetrics.Clarity != lastClarity {
			t.Fatalf("Clarity = %v, want %v", s.LatestMetrics.Clarity, lastClarity)
		}
	}
}

func TestApply_TranscriptAppendsInReceiptOrder(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var s feedback.State
	const n = 25
	for i := range n {
		// Timestamps deliberately run backwards; receipt order wins.
		s = feedback.Apply(feedback.TranscriptDelta{
			Text:       string(rune('a' + i)),
			CapturedAt: base.Add(-time.Duration(i) * time.Second),
		}, s)
	}
	if len(s.Transcript) != n {
		t.Fatalf("len(Transcript) = %d, want %d", len(s.Transcript), n)
	}
	for i, seg := range s.Transcript {
		if seg.Text != string(rune('a'+i)) {
			t.Errorf("Transcript[%d] = %q, want %q", i, seg.Text, string(rune('a'+i)))
		}
	}
}

func TestApply_TranscriptText(t *testing.T) {
	t.Parallel()

	var s feedback.State
	s = feedback.Apply(feedback.TranscriptDelta{Text: "hello"}, s)
	s = feedback.Apply(feedback.TranscriptDelta{Text: "world"}, s)
	if s.TranscriptText != "hello world" {
		t.Errorf("TranscriptText = %q, want %q", s.TranscriptText, "hello world")
	}
	s = feedback.Apply(feedback.TranscriptDelta{Text: "again", FullText: str("Hello, world. Again.")}, s)
	if s.TranscriptText != "Hello, world. Again." {
		t.Errorf("TranscriptText = %q, want backend full text", s.TranscriptText)
	}
	s = feedback.Apply(feedback.TranscriptDelta{Text: "", FullText: str("  ")}, s)
	if s.TranscriptText != "Hello, world. Again." {
		t.Errorf("blank full text overwrote TranscriptText: %q", s.TranscriptText)
	}
}

func TestApply_DoesNotMutatePrior(t *testing.T) {
	t.Parallel()

	prior := feedback.State{Transcript: make([]feedback.Segment, 1, 8)}
	prior.Transcript[0] = feedback.Segment{Text: "first"}

	a := feedback.Apply(feedback.TranscriptDelta{Text: "a"}, prior)
	b := feedback.Apply(feedback.TranscriptDelta{Text: "b"}, prior)
	if a.Transcript[1].Text != "a" || b.Transcript[1].Text != "b" {
		t.Errorf("branches share backing array: a=%q b=%q", a.Transcript[1].Text, b.Transcript[1].Text)
	}
	if len(prior.Transcript) != 1 {
		t.Errorf("prior transcript length changed to %d", len(prior.Transcript))
	}

	withSent := feedback.Apply(feedback.SentimentSnapshot{Indicators: []string{"x"}}, prior)
	_ = feedback.Apply(feedback.SentimentSnapshot{Score: f(0.5)}, withSent)
	if withSent.LatestSentiment.Score != 0 {
		t.Error("Apply mutated the prior sentiment")
	}
}

func TestApply_SentimentMerge(t *testing.T) {
	t.Parallel()

	var s feedback.State
	s = feedback.Apply(feedback.SentimentSnapshot{}, s)
	if s.LatestSentiment != nil {
		t.Fatal("empty snapshot should leave sentiment absent")
	}

	s = feedback.Apply(feedback.SentimentSnapshot{
		Score:      f(0.6),
		Label:      label(feedback.LabelPositive),
		Confidence: f(0.9),
		Tone:       str("enthusiastic"),
		Indicators: []string{"clear examples", "good pace"},
	}, s)
	s = feedback.Apply(feedback.SentimentSnapshot{
		Score:      f(math.NaN()),
		Label:      label("ecstatic"),
		Tone:       str(""),
		Indicators: nil,
	}, s)
	s = feedback.Apply(feedback.SentimentSnapshot{Score: f(-0.2), Confidence: f(3)}, s)

	got := s.LatestSentiment
	if got == nil {
		t.Fatal("LatestSentiment is nil")
	}
	if got.Score != -0.2 {
		t.Errorf("Score = %v, want -0.2", got.Score)
	}
	if got.Label != feedback.LabelPositive {
		t.Errorf("Label = %q, want positive", got.Label)
	}
	if got.Confidence != 1 {
		t.Errorf("Confidence = %v, want clamped 1", got.Confidence)
	}
	if got.Tone != "enthusiastic" {
		t.Errorf("Tone = %q, want enthusiastic", got.Tone)
	}
	if len(got.Indicators) != 2 || got.Indicators[0] != "clear examples" {
		t.Errorf("Indicators = %v", got.Indicators)
	}

	s = feedback.Apply(feedback.SentimentSnapshot{Indicators: []string{"monotone"}}, s)
	if len(s.LatestSentiment.Indicators) != 1 || s.LatestSentiment.Indicators[0] != "monotone" {
		t.Errorf("Indicators = %v, want [monotone]", s.LatestSentiment.Indicators)
	}
}

func TestApply_ConnectionEventOnlyTouchesHealth(t *testing.T) {
	t.Parallel()

	prior := feedback.State{
		Phase:         feedback.PhaseRecording,
		LatestMetrics: feedback.Metrics{Clarity: 50},
		Transcript:    []feedback.Segment{{Text: "x"}},
	}
	s := feedback.Apply(feedback.ConnectionEvent{Kind: feedback.ConnectionOpened}, prior)
	if !s.ConnectionHealthy {
		t.Error("opened should mark healthy")
	}
	s = feedback.Apply(feedback.ConnectionEvent{Kind: feedback.ConnectionError, Err: errors.New("boom")}, s)
	if s.ConnectionHealthy {
		t.Error("error should mark unhealthy")
	}
	if s.Phase != feedback.PhaseRecording || s.LatestMetrics.Clarity != 50 || len(s.Transcript) != 1 {
		t.Errorf("connection event touched other fields: %+v", s)
	}
}

func TestApply_SuggestionsDeduplicated(t *testing.T) {
	t.Parallel()

	q := feedback.QuestionSuggestion{ID: "q1", Text: "What is a monad?", Options: [4]string{"a", "b", "c", "d"}, Correct: "a"}
	var s feedback.State
	s = feedback.Apply(q, s)
	s = feedback.Apply(q, s)
	s = feedback.Apply(feedback.QuestionSuggestion{ID: "q2", Text: "Why?"}, s)
	s = feedback.Apply(feedback.QuestionSuggestion{Text: "No id"}, s)
	s = feedback.Apply(feedback.QuestionSuggestion{Text: "No id"}, s)
	s = feedback.Apply(feedback.QuestionSuggestion{}, s)

	if len(s.Suggestions) != 3 {
		t.Fatalf("len(Suggestions) = %d, want 3", len(s.Suggestions))
	}
	if s.Suggestions[0].ID != "q1" || s.Suggestions[1].ID != "q2" || s.Suggestions[2].ID != "No id" {
		t.Errorf("Suggestions = %+v", s.Suggestions)
	}
}

func TestState_Clone(t *testing.T) {
	t.Parallel()

	s := feedback.State{
		Transcript:      []feedback.Segment{{Text: "a"}},
		LatestSentiment: &feedback.Sentiment{Indicators: []string{"x"}},
	}
	c := s.Clone()
	c.Transcript[0].Text = "changed"
	c.LatestSentiment.Indicators[0] = "changed"
	if s.Transcript[0].Text != "a" || s.LatestSentiment.Indicators[0] != "x" {
		t.Error("Clone shares memory with the original")
	}
}

func TestPhase_String(t *testing.T) {
	t.Parallel()
	tests := map[feedback.Phase]string{
		feedback.PhaseIdle:       "idle",
		feedback.PhaseConnecting: "connecting",
		feedback.PhaseRecording:  "recording",
		feedback.PhaseStopped:    "stopped",
		feedback.Phase(42):       "unknown",
	}
	for p, want := range tests {
		if got := p.String(); got != want {
			t.Errorf("Phase(%d).String() = %q, want %q", int(p), got, want)
		}
	}
}
