// Package commands implements the lecturepulse Discord slash commands.
package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/lecturepulse/internal/discord"
	"github.com/MrWong99/lecturepulse/internal/feedback"
)

// requestTimeout bounds how long a command waits for the controller.
const requestTimeout = 30 * time.Second

// Controller is the session surface the commands drive.
type Controller interface {
	StartSession(ctx context.Context) error
	EndSession(ctx context.Context) error
	State() feedback.State
}

// LectureCommands holds the dependencies for /lecture slash commands.
type LectureCommands struct {
	ctrl  Controller
	perms *discord.PermissionChecker
}

// NewLectureCommands creates a LectureCommands and registers its handlers
// with router.
func NewLectureCommands(router *discord.CommandRouter, ctrl Controller, perms *discord.PermissionChecker) *LectureCommands {
	lc := &LectureCommands{ctrl: ctrl, perms: perms}
	lc.Register(router)
	return lc
}

// Register registers the /lecture command group and the dashboard's end
// button with the router.
func (lc *LectureCommands) Register(router *discord.CommandRouter) {
	router.RegisterCommand("lecture", lc.Definition(), func(r discord.Responder, i *discordgo.InteractionCreate) {
		discord.RespondEphemeral(r, i, "Please use a subcommand: `/lecture start`, `/lecture end` or `/lecture status`.")
	})
	router.RegisterHandler("lecture/start", lc.handleStart)
	router.RegisterHandler("lecture/end", lc.handleEnd)
	router.RegisterHandler("lecture/status", lc.handleStatus)
	router.RegisterComponent(discord.EndButtonID, lc.handleEnd)
}

// Definition returns the ApplicationCommand definition for Discord.
func (lc *LectureCommands) Definition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        "lecture",
		Description: "Control live lecture feedback",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "start",
				Description: "Start streaming the lecture to the feedback backend",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "end",
				Description: "End the running session",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "status",
				Description: "Show the current feedback",
			},
		},
	}
}

func (lc *LectureCommands) handleStart(r discord.Responder, i *discordgo.InteractionCreate) {
	if !lc.perms.IsPresenter(i) {
		discord.RespondEphemeral(r, i, "You need the presenter role to start a lecture.")
		return
	}
	if st := lc.ctrl.State(); st.Phase.Active() {
		discord.RespondEphemeral(r, i, fmt.Sprintf("A session is already active (ID: `%s`).", st.SessionID))
		return
	}

	// Opening the device and the backend stream may take a moment.
	discord.DeferReply(r, i)

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if err := lc.ctrl.StartSession(ctx); err != nil {
		discord.FollowUp(r, i, fmt.Sprintf("Failed to start session: %v", err))
		return
	}
	discord.FollowUp(r, i, fmt.Sprintf("Lecture started!\n**Session ID:** `%s`", lc.ctrl.State().SessionID))
}

func (lc *LectureCommands) handleEnd(r discord.Responder, i *discordgo.InteractionCreate) {
	if !lc.perms.IsPresenter(i) {
		discord.RespondEphemeral(r, i, "You need the presenter role to end a lecture.")
		return
	}
	if !lc.ctrl.State().Phase.Active() {
		discord.RespondEphemeral(r, i, "No active session to end.")
		return
	}

	discord.DeferReply(r, i)

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if err := lc.ctrl.EndSession(ctx); err != nil {
		discord.FollowUp(r, i, fmt.Sprintf("Failed to end session: %v", err))
		return
	}
	st := lc.ctrl.State()
	discord.FollowUp(r, i, fmt.Sprintf(
		"Session `%s` ended.\n**Duration:** %s\n**Segments:** %d",
		st.SessionID,
		(time.Duration(st.ElapsedSeconds) * time.Second).String(),
		len(st.Transcript),
	))
}

func (lc *LectureCommands) handleStatus(r discord.Responder, i *discordgo.InteractionCreate) {
	discord.RespondEmbed(r, i, discord.StatusEmbed(lc.ctrl.State()))
}
