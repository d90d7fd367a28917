package discord

import (
	"slices"

	"github.com/bwmarrin/discordgo"
)

// PermissionChecker gates session control on a presenter role.
type PermissionChecker struct {
	roleID string
}

// NewPermissionChecker creates a PermissionChecker for the given role ID.
func NewPermissionChecker(roleID string) *PermissionChecker {
	return &PermissionChecker{roleID: roleID}
}

// IsPresenter reports whether the interaction author holds the presenter
// role. With no role configured everyone is a presenter. Interactions without
// a guild member (direct messages) are rejected when a role is set.
func (p *PermissionChecker) IsPresenter(i *discordgo.InteractionCreate) bool {
	if p.roleID == "" {
		return true
	}
	if i.Member == nil {
		return false
	}
	return slices.Contains(i.Member.Roles, p.roleID)
}
