package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/lecturepulse/internal/feedback"
	"github.com/MrWong99/lecturepulse/internal/interval"
)

// EndButtonID is the custom_id of the dashboard's "End lecture" button.
const EndButtonID = "lecture_end"

// embedColorGreen is the embed sidebar color for a live session.
const embedColorGreen = 0x2ECC71

// embedColorRed is the embed sidebar color when a session has ended.
const embedColorRed = 0xE74C3C

// defaultInterval is the default dashboard update interval. Discord rate
// limits message edits, so the embed is polled rather than pushed.
const defaultInterval = 10 * time.Second

// maxFieldValue is Discord's limit on an embed field value.
const maxFieldValue = 1024

// embedPoster is the subset of [discordgo.Session] the dashboard uses.
type embedPoster interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditEmbed(channelID, messageID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Dashboard keeps a Discord embed in sync with the lecture feedback state.
// A new message is posted when a session becomes active, edited in place
// every update interval, and marked as ended once the session stops.
//
// Thread-safe for concurrent use.
type Dashboard struct {
	mu        sync.Mutex
	poster    embedPoster
	channelID string
	messageID string // live message; empty between sessions
	last      feedback.State
	interval  time.Duration
	getState  func() feedback.State
	ticker    *interval.Ticker
	stopOnce  sync.Once
}

// DashboardConfig holds dependencies for creating a Dashboard.
type DashboardConfig struct {
	Session   embedPoster
	ChannelID string
	Interval  time.Duration // Default: 10 seconds
	State     func() feedback.State
}

// NewDashboard creates a Dashboard.
func NewDashboard(cfg DashboardConfig) *Dashboard {
	iv := cfg.Interval
	if iv <= 0 {
		iv = defaultInterval
	}
	return &Dashboard{
		poster:    cfg.Session,
		channelID: cfg.ChannelID,
		interval:  iv,
		getState:  cfg.State,
	}
}

// Start begins the periodic update loop.
func (d *Dashboard) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ticker != nil {
		return
	}
	d.ticker = interval.Start(ctx, d.interval, func(context.Context, time.Time) {
		d.Update()
	})
}

// Stop halts the update loop and marks a live message as ended.
func (d *Dashboard) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		t := d.ticker
		d.mu.Unlock()
		if t != nil {
			t.Stop()
		}

		d.mu.Lock()
		defer d.mu.Unlock()
		if d.messageID != "" {
			d.finish(d.last)
		}
	})
}

// Update renders the current state once.
func (d *Dashboard) Update() {
	st := d.getState()

	d.mu.Lock()
	defer d.mu.Unlock()

	if !st.Phase.Active() {
		if d.messageID != "" {
			d.finish(st)
		}
		return
	}

	// A restart produces a new session ID; close the old message first.
	if d.messageID != "" && d.last.SessionID != st.SessionID {
		d.finish(d.last)
	}
	d.last = st

	embed := buildEmbed(st)
	if d.messageID == "" {
		msg, err := d.poster.ChannelMessageSendComplex(d.channelID, &discordgo.MessageSend{
			Embeds:     []*discordgo.MessageEmbed{embed},
			Components: []discordgo.MessageComponent{endButtonRow()},
		})
		if err != nil {
			slog.Warn("dashboard: failed to create embed message", "channel", d.channelID, "err", err)
			return
		}
		d.messageID = msg.ID
		slog.Debug("dashboard: created embed message", "message_id", msg.ID, "channel", d.channelID)
		return
	}
	if _, err := d.poster.ChannelMessageEditEmbed(d.channelID, d.messageID, embed); err != nil {
		slog.Warn("dashboard: failed to edit embed message", "message_id", d.messageID, "err", err)
	}
}

// finish edits the live message into its ended form. d.mu must be held.
func (d *Dashboard) finish(st feedback.State) {
	if st.SessionID == "" {
		st = d.last
	}
	if _, err := d.poster.ChannelMessageEditEmbed(d.channelID, d.messageID, buildEndedEmbed(st)); err != nil {
		slog.Warn("dashboard: failed to post final embed", "message_id", d.messageID, "err", err)
	}
	d.messageID = ""
	d.last = feedback.State{}
}

func endButtonRow() discordgo.ActionsRow {
	return discordgo.ActionsRow{Components: []discordgo.MessageComponent{
		discordgo.Button{Label: "End lecture", Style: discordgo.DangerButton, CustomID: EndButtonID},
	}}
}

// buildEmbed creates the live dashboard embed.
func buildEmbed(st feedback.State) *discordgo.MessageEmbed {
	fields := []*discordgo.MessageEmbedField{
		{Name: "Session ID", Value: fmt.Sprintf("`%s`", st.SessionID), Inline: true},
		{Name: "Elapsed", Value: formatDuration(time.Duration(st.ElapsedSeconds) * time.Second), Inline: true},
		{Name: "Connection", Value: connectionLabel(st), Inline: true},
		{Name: "Voice", Value: formatMetrics(st.LatestMetrics), Inline: false},
	}
	if s := st.LatestSentiment; s != nil {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   "Audience",
			Value:  formatSentiment(*s),
			Inline: true,
		})
	}
	fields = append(fields, &discordgo.MessageEmbedField{
		Name:   "Frames",
		Value:  fmt.Sprintf("%d sent / %d dropped", st.FramesSent, st.FramesDropped),
		Inline: true,
	})
	if n := len(st.Transcript); n > 0 {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:  "Latest transcript",
			Value: truncate(st.Transcript[n-1].Text, maxFieldValue),
		})
	}
	if len(st.Suggestions) > 0 {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:  "Suggested question",
			Value: truncate(st.Suggestions[0].Text, maxFieldValue),
		})
	}

	return &discordgo.MessageEmbed{
		Title:     "Lecture Feedback",
		Color:     embedColorGreen,
		Fields:    fields,
		Footer:    &discordgo.MessageEmbedFooter{Text: "Live session"},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// buildEndedEmbed creates the final "session ended" embed.
func buildEndedEmbed(st feedback.State) *discordgo.MessageEmbed {
	fields := []*discordgo.MessageEmbedField{
		{Name: "Session ID", Value: fmt.Sprintf("`%s`", st.SessionID), Inline: true},
		{Name: "Duration", Value: formatDuration(time.Duration(st.ElapsedSeconds) * time.Second), Inline: true},
		{Name: "Segments", Value: fmt.Sprintf("%d", len(st.Transcript)), Inline: true},
		{Name: "Voice", Value: formatMetrics(st.LatestMetrics), Inline: false},
	}
	return &discordgo.MessageEmbed{
		Title:       "Lecture Feedback",
		Description: "Session has ended.",
		Color:       embedColorRed,
		Fields:      fields,
		Footer:      &discordgo.MessageEmbedFooter{Text: "Session ended"},
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
}

func connectionLabel(st feedback.State) string {
	switch {
	case st.Phase == feedback.PhaseConnecting:
		return "connecting"
	case st.ConnectionHealthy:
		return "healthy"
	default:
		return "lost"
	}
}

// formatMetrics renders the four voice scores as a code block line.
func formatMetrics(m feedback.Metrics) string {
	return fmt.Sprintf("```\nclarity %3.0f  pace %3.0f  pitch %3.0f  volume %3.0f\n```",
		m.Clarity, m.Pace, m.Pitch, m.Volume)
}

func formatSentiment(s feedback.Sentiment) string {
	var b strings.Builder
	if s.Label != "" {
		fmt.Fprintf(&b, "%s ", s.Label)
	}
	fmt.Fprintf(&b, "%+.2f", s.Score)
	if s.Confidence > 0 {
		fmt.Fprintf(&b, " (confidence %.0f%%)", s.Confidence*100)
	}
	return b.String()
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n - len("…")
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

// formatDuration formats a duration as "Xh Ym Zs".
func formatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// StatusEmbed renders st the way the dashboard does, for one-off replies.
func StatusEmbed(st feedback.State) *discordgo.MessageEmbed {
	var embed *discordgo.MessageEmbed
	switch {
	case st.Phase.Active():
		embed = buildEmbed(st)
	case st.Phase == feedback.PhaseStopped:
		embed = buildEndedEmbed(st)
	default:
		embed = &discordgo.MessageEmbed{
			Title:       "Lecture Feedback",
			Description: "No session is running.",
		}
	}
	if st.LastError != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:  "Last error",
			Value: truncate(st.LastError, maxFieldValue),
		})
	}
	return embed
}
