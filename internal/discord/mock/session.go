// Package mock provides test doubles for Discord interaction testing.
package mock

import (
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// InteractionResponder records interaction responses for test assertions.
// It implements discord.Responder.
type InteractionResponder struct {
	mu sync.Mutex

	// Responses records all InteractionRespond calls.
	Responses []*discordgo.InteractionResponse

	// FollowUps records all FollowupMessageCreate calls.
	FollowUps []*discordgo.WebhookParams

	// Err is returned by InteractionRespond and FollowupMessageCreate
	// when non-nil, allowing error injection.
	Err error
}

// InteractionRespond records the response and returns the configured error.
func (m *InteractionResponder) InteractionRespond(_ *discordgo.Interaction, resp *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses = append(m.Responses, resp)
	return m.Err
}

// FollowupMessageCreate records the follow-up and returns a stub message.
func (m *InteractionResponder) FollowupMessageCreate(_ *discordgo.Interaction, _ bool, params *discordgo.WebhookParams, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FollowUps = append(m.FollowUps, params)
	if m.Err != nil {
		return nil, m.Err
	}
	return &discordgo.Message{ID: "mock-followup"}, nil
}

// LastResponse returns the most recently recorded response, or nil.
func (m *InteractionResponder) LastResponse() *discordgo.InteractionResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Responses) == 0 {
		return nil
	}
	return m.Responses[len(m.Responses)-1]
}

// LastFollowUp returns the most recently recorded follow-up, or nil.
func (m *InteractionResponder) LastFollowUp() *discordgo.WebhookParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.FollowUps) == 0 {
		return nil
	}
	return m.FollowUps[len(m.FollowUps)-1]
}

// Poster records dashboard messages. It implements the message methods the
// dashboard uses.
type Poster struct {
	mu sync.Mutex

	// Sent records ChannelMessageSendComplex calls.
	Sent []*discordgo.MessageSend

	// Edits records ChannelMessageEditEmbed calls in order.
	Edits []Edit

	// Err is returned by both methods when non-nil.
	Err error
}

// Edit is one recorded ChannelMessageEditEmbed call.
type Edit struct {
	MessageID string
	Embed     *discordgo.MessageEmbed
}

// ChannelMessageSendComplex records data and returns a message with a
// sequential ID ("msg-1", "msg-2", ...).
func (p *Poster) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	p.Sent = append(p.Sent, data)
	return &discordgo.Message{ID: fmt.Sprintf("msg-%d", len(p.Sent)), ChannelID: channelID}, nil
}

// ChannelMessageEditEmbed records the edit.
func (p *Poster) ChannelMessageEditEmbed(channelID, messageID string, embed *discordgo.MessageEmbed, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	p.Edits = append(p.Edits, Edit{MessageID: messageID, Embed: embed})
	return &discordgo.Message{ID: messageID, ChannelID: channelID}, nil
}

// Counts returns the number of sends and edits recorded so far.
func (p *Poster) Counts() (sent, edits int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Sent), len(p.Edits)
}

// LastEdit returns the most recent edit, or the zero Edit.
func (p *Poster) LastEdit() Edit {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Edits) == 0 {
		return Edit{}
	}
	return p.Edits[len(p.Edits)-1]
}
