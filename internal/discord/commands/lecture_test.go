package commands

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/lecturepulse/internal/discord"
	"github.com/MrWong99/lecturepulse/internal/discord/mock"
	"github.com/MrWong99/lecturepulse/internal/feedback"
)

// fakeController is a scriptable Controller.
type fakeController struct {
	mu       sync.Mutex
	state    feedback.State
	startErr error
	endErr   error
	starts   int
	ends     int
}

func (f *fakeController) StartSession(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	f.state = feedback.State{Phase: feedback.PhaseRecording, SessionID: "sess-1", ConnectionHealthy: true}
	return nil
}

func (f *fakeController) EndSession(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends++
	if f.endErr != nil {
		return f.endErr
	}
	f.state.Phase = feedback.PhaseStopped
	f.state.ElapsedSeconds = 90
	f.state.Transcript = []feedback.Segment{{Text: "a"}, {Text: "b"}}
	return nil
}

func (f *fakeController) State() feedback.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func presenter(roles ...string) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Member: &discordgo.Member{User: &discordgo.User{ID: "user-1"}, Roles: roles},
	}}
}

func newCommands(ctrl *fakeController, roleID string) *LectureCommands {
	return &LectureCommands{ctrl: ctrl, perms: discord.NewPermissionChecker(roleID)}
}

func TestDefinition(t *testing.T) {
	t.Parallel()

	def := newCommands(&fakeController{}, "").Definition()
	if def.Name != "lecture" {
		t.Errorf("Name = %q, want lecture", def.Name)
	}
	var subs []string
	for _, o := range def.Options {
		subs = append(subs, o.Name)
	}
	if got := strings.Join(subs, ","); got != "start,end,status" {
		t.Errorf("subcommands = %s", got)
	}
}

func TestHandleStart(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		roleID     string
		roles      []string
		state      feedback.State
		startErr   error
		wantStarts int
		wantReply  string // ephemeral response
		wantFollow string // follow-up after defer
	}{
		{
			name:      "missing role",
			roleID:    "pres",
			roles:     []string{"other"},
			wantReply: "You need the presenter role to start a lecture.",
		},
		{
			name:      "already active",
			state:     feedback.State{Phase: feedback.PhaseRecording, SessionID: "sess-0"},
			wantReply: "A session is already active (ID: `sess-0`).",
		},
		{
			name:       "starts",
			roleID:     "pres",
			roles:      []string{"pres"},
			wantStarts: 1,
			wantFollow: "Lecture started!\n**Session ID:** `sess-1`",
		},
		{
			name:       "start fails",
			startErr:   errors.New("capture: permission denied"),
			wantStarts: 1,
			wantFollow: "Failed to start session: capture: permission denied",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctrl := &fakeController{state: tt.state, startErr: tt.startErr}
			resp := &mock.InteractionResponder{}

			newCommands(ctrl, tt.roleID).handleStart(resp, presenter(tt.roles...))

			if ctrl.starts != tt.wantStarts {
				t.Errorf("starts = %d, want %d", ctrl.starts, tt.wantStarts)
			}
			last := resp.LastResponse()
			if last == nil {
				t.Fatal("no response")
			}
			if tt.wantReply != "" {
				if last.Data.Content != tt.wantReply {
					t.Errorf("reply = %q, want %q", last.Data.Content, tt.wantReply)
				}
				return
			}
			if last.Type != discordgo.InteractionResponseDeferredChannelMessageWithSource {
				t.Errorf("response type = %v, want deferred", last.Type)
			}
			if f := resp.LastFollowUp(); f == nil || f.Content != tt.wantFollow {
				t.Errorf("follow-up = %+v, want %q", f, tt.wantFollow)
			}
		})
	}
}

func TestHandleEnd(t *testing.T) {
	t.Parallel()

	t.Run("no active session", func(t *testing.T) {
		t.Parallel()
		ctrl := &fakeController{}
		resp := &mock.InteractionResponder{}
		newCommands(ctrl, "").handleEnd(resp, presenter())

		if ctrl.ends != 0 {
			t.Errorf("ends = %d, want 0", ctrl.ends)
		}
		if got := resp.LastResponse().Data.Content; got != "No active session to end." {
			t.Errorf("reply = %q", got)
		}
	})

	t.Run("ends", func(t *testing.T) {
		t.Parallel()
		ctrl := &fakeController{state: feedback.State{Phase: feedback.PhaseRecording, SessionID: "sess-1"}}
		resp := &mock.InteractionResponder{}
		newCommands(ctrl, "").handleEnd(resp, presenter())

		if ctrl.ends != 1 {
			t.Errorf("ends = %d, want 1", ctrl.ends)
		}
		want := "Session `sess-1` ended.\n**Duration:** 1m30s\n**Segments:** 2"
		if f := resp.LastFollowUp(); f == nil || f.Content != want {
			t.Errorf("follow-up = %+v, want %q", f, want)
		}
	})

	t.Run("missing role", func(t *testing.T) {
		t.Parallel()
		ctrl := &fakeController{state: feedback.State{Phase: feedback.PhaseRecording}}
		resp := &mock.InteractionResponder{}
		newCommands(ctrl, "pres").handleEnd(resp, &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{}})

		if ctrl.ends != 0 {
			t.Errorf("ends = %d, want 0", ctrl.ends)
		}
	})
}

func TestHandleStatus(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{state: feedback.State{Phase: feedback.PhaseRecording, SessionID: "sess-1"}}
	resp := &mock.InteractionResponder{}
	newCommands(ctrl, "").handleStatus(resp, presenter())

	last := resp.LastResponse()
	if last == nil || len(last.Data.Embeds) != 1 {
		t.Fatalf("response = %+v, want one embed", last)
	}
	if last.Data.Embeds[0].Title != "Lecture Feedback" {
		t.Errorf("embed title = %q", last.Data.Embeds[0].Title)
	}
}

func TestRegister_RoutesEndButton(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{state: feedback.State{Phase: feedback.PhaseRecording, SessionID: "sess-1"}}
	router := discord.NewCommandRouter()
	NewLectureCommands(router, ctrl, discord.NewPermissionChecker(""))

	if cmds := router.ApplicationCommands(); len(cmds) != 1 || cmds[0].Name != "lecture" {
		t.Fatalf("commands = %v", cmds)
	}

	resp := &mock.InteractionResponder{}
	router.Handle(resp, &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type:   discordgo.InteractionMessageComponent,
		Data:   discordgo.MessageComponentInteractionData{CustomID: discord.EndButtonID},
		Member: &discordgo.Member{},
	}})
	if ctrl.ends != 1 {
		t.Errorf("ends = %d, want 1 after pressing the end button", ctrl.ends)
	}
}
