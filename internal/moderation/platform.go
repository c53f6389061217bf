package moderation

import (
	"context"
	"slices"
)

// Permission is a bitset of the channel permissions the suppression role is
// denied. Adapters translate it to the platform's own flags.
type Permission uint64

const (
	PermSendMessages Permission = 1 << iota
	PermSpeak
	PermAddReactions

	// PermSuppressed is what a muted member loses in every channel.
	PermSuppressed = PermSendMessages | PermSpeak | PermAddReactions
)

type Role struct {
	ID       string
	Name     string
	Position int
}

type Member struct {
	ID      string
	Name    string
	Bot     bool
	RoleIDs []string
}

func (m Member) HasRole(roleID string) bool { return slices.Contains(m.RoleIDs, roleID) }

type Channel struct {
	ID   string
	Name string
}

// Platform is the slice of the chat platform the moderation commands use.
// It is bound to one guild.
//
// Errors wrap ErrForbidden, ErrNotFound or ErrTransient so callers can
// classify them with errors.Is.
type Platform interface {
	// GetRole looks up a role by name; ErrNotFound if absent.
	GetRole(ctx context.Context, name string) (Role, error)
	// CreateRole creates a role granting allow (usually 0).
	CreateRole(ctx context.Context, name string, allow Permission, reason string) (Role, error)
	EditRolePosition(ctx context.Context, roleID string, position int) error
	Channels(ctx context.Context) ([]Channel, error)
	// SetChannelPermissions installs a role overwrite denying deny in channelID.
	SetChannelPermissions(ctx context.Context, channelID, roleID string, deny Permission) error

	// GetMember returns ErrNotFound when the user is not in the guild.
	GetMember(ctx context.Context, userID string) (Member, error)
	AddRole(ctx context.Context, userID, roleID string) error
	RemoveRole(ctx context.Context, userID, roleID string) error
	Ban(ctx context.Context, userID, reason string) error

	SendMessage(ctx context.Context, channelID, text string) error
	// PurgeMessages deletes up to limit of the most recent messages in
	// channelID and returns how many were deleted.
	PurgeMessages(ctx context.Context, channelID string, limit int) (int, error)
}
