// Package discord provides a [capture.Device] that listens to a Discord voice
// channel. It lets a presenter lecture from a Discord stage or voice channel
// while lecturepulse streams their voice to the analysis backend.
//
// The device joins the channel muted (it never sends audio), decodes each
// speaker's Opus stream with its own decoder and forwards 48 kHz stereo PCM
// to the framer. Only packets whose SSRC has been announced for the
// configured presenter are forwarded; the stream carries a single voice.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/lecturepulse/pkg/audio"
	"github.com/MrWong99/lecturepulse/pkg/audio/capture"
)

const bufferQueue = 64

// Config selects the voice channel to listen to.
type Config struct {
	GuildID   string
	ChannelID string

	// UserID is the speaker to capture and is required. Packets from other
	// speakers are discarded.
	UserID string
}

// Device captures audio from a Discord voice channel.
type Device struct {
	session *discordgo.Session
	cfg     Config

	// join and leave default to the discordgo session; tests replace them.
	join  func() (*discordgo.VoiceConnection, error)
	leave func(*discordgo.VoiceConnection) error
}

var _ capture.Device = (*Device)(nil)

// New returns a Device using an already-opened discordgo session.
func New(session *discordgo.Session, cfg Config) *Device {
	d := &Device{session: session, cfg: cfg}
	d.join = d.joinVoice
	d.leave = func(vc *discordgo.VoiceConnection) error { return vc.Disconnect() }
	return d
}

// Open joins the voice channel. A missing channel maps to
// [capture.ErrDeviceUnavailable]; missing Connect permission to
// [capture.ErrPermissionDenied]. If ctx is cancelled while the join is in
// flight, Open returns immediately and the channel is left as soon as the
// join completes.
func (d *Device) Open(ctx context.Context) (capture.Stream, error) {
	if d.cfg.UserID == "" {
		return nil, errors.New("discord: a speaker UserID is required")
	}
	type result struct {
		vc  *discordgo.VoiceConnection
		err error
	}
	ch := make(chan result, 1)
	go func() {
		vc, err := d.join()
		ch <- result{vc, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		slog.Info("discord: joined voice channel", "guild_id", d.cfg.GuildID, "channel_id", d.cfg.ChannelID)
		return newStream(r.vc, d.cfg.UserID, func() error { return d.leave(r.vc) }), nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				if err := d.leave(r.vc); err != nil {
					slog.Warn("discord: leave after cancelled join", "err", err)
				}
			}
		}()
		return nil, ctx.Err()
	}
}

func (d *Device) joinVoice() (*discordgo.VoiceConnection, error) {
	if err := d.checkAccess(); err != nil {
		return nil, err
	}
	// Muted: the device only listens.
	vc, err := d.session.ChannelVoiceJoin(d.cfg.GuildID, d.cfg.ChannelID, true, false)
	if err != nil {
		return nil, fmt.Errorf("discord: join voice channel %q: %w: %w", d.cfg.ChannelID, capture.ErrDeviceUnavailable, err)
	}
	return vc, nil
}

// checkAccess verifies the bot may connect to the channel before joining,
// so that a missing permission surfaces as a permission error instead of a
// join timeout.
func (d *Device) checkAccess() error {
	if d.session.State == nil || d.session.State.User == nil {
		return nil
	}
	perms, err := d.session.UserChannelPermissions(d.session.State.User.ID, d.cfg.ChannelID)
	if err != nil {
		var rest *discordgo.RESTError
		if errors.As(err, &rest) && rest.Response != nil && rest.Response.StatusCode == http.StatusForbidden {
			return fmt.Errorf("discord: channel %q: %w: %w", d.cfg.ChannelID, capture.ErrPermissionDenied, err)
		}
		return fmt.Errorf("discord: channel %q: %w: %w", d.cfg.ChannelID, capture.ErrDeviceUnavailable, err)
	}
	if perms&discordgo.PermissionVoiceConnect == 0 {
		return fmt.Errorf("discord: channel %q: missing connect permission: %w", d.cfg.ChannelID, capture.ErrPermissionDenied)
	}
	return nil
}

// stream demuxes Opus packets by SSRC and forwards decoded PCM.
type stream struct {
	vc     *discordgo.VoiceConnection
	userID string
	out    chan capture.Buffer
	done   chan struct{}
	wg     sync.WaitGroup

	closeOnce  sync.Once
	closeErr   error
	disconnect func() error

	mu       sync.Mutex
	speakers map[uint32]string // SSRC -> user ID
}

func newStream(vc *discordgo.VoiceConnection, userID string, disconnect func() error) *stream {
	s := &stream{
		vc:         vc,
		userID:     userID,
		out:        make(chan capture.Buffer, bufferQueue),
		done:       make(chan struct{}),
		disconnect: disconnect,
		speakers:   make(map[uint32]string),
	}
	vc.AddHandler(func(_ *discordgo.VoiceConnection, vs *discordgo.VoiceSpeakingUpdate) {
		s.setSpeaker(uint32(vs.SSRC), vs.UserID)
	})
	s.wg.Add(1)
	go s.recvLoop()
	return s
}

func (s *stream) Buffers() <-chan capture.Buffer { return s.out }

// Close leaves the voice channel. Queued buffers remain readable.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		if s.disconnect != nil {
			s.closeErr = s.disconnect()
		}
	})
	return s.closeErr
}

func (s *stream) setSpeaker(ssrc uint32, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speakers[ssrc] = userID
}

// accept reports whether ssrc belongs to the captured speaker. Packets
// arriving before the speaking update that names their SSRC are dropped.
func (s *stream) accept(ssrc uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.speakers[ssrc]
	return ok && id == s.userID
}

func (s *stream) recvLoop() {
	defer s.wg.Done()
	defer close(s.out)

	decoders := make(map[uint32]*opusDecoder)
	for {
		select {
		case <-s.done:
			return
		case pkt, ok := <-s.vc.OpusRecv:
			if !ok {
				slog.Info("discord: voice receive channel closed")
				return
			}
			if pkt == nil || !s.accept(pkt.SSRC) {
				continue
			}

			dec, exists := decoders[pkt.SSRC]
			if !exists {
				var err error
				if dec, err = newOpusDecoder(); err != nil {
					slog.Error("discord: failed to create opus decoder", "ssrc", pkt.SSRC, "err", err)
					continue
				}
				decoders[pkt.SSRC] = dec
			}
			pcm, err := dec.decode(pkt.Opus)
			if err != nil {
				slog.Warn("discord: opus decode error", "ssrc", pkt.SSRC, "err", err)
				continue
			}

			buf := capture.Buffer{
				Samples:    audio.Int16ToFloat32(pcm),
				SampleRate: opusSampleRate,
				Channels:   opusChannels,
				CapturedAt: time.Now(),
			}
			select {
			case s.out <- buf:
			default:
				slog.Debug("discord: capture queue full, dropping packet", "ssrc", pkt.SSRC)
			}
		}
	}
}
