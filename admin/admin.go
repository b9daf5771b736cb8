// Package admin exposes moderation actions over the administrative API
// surface. Actions mutate server-side state only; affected clients observe
// them on their next poll or heartbeat (ban ends the session at the next
// heartbeat, a password change applies at the next login, a forced
// deletion shows up in the next message poll).
package admin

import (
	"context"

	"chatsync/api"
	"chatsync/models"
)

// Moderator wraps the admin capability set. Construct one only for
// sessions whose IsAdmin flag is set; holding the AdminChatAPI value is
// the authorization, there is no inheritance from the client surface.
type Moderator struct {
	api   api.AdminChatAPI
	actor string
}

func NewModerator(adminAPI api.AdminChatAPI, actor string) *Moderator {
	return &Moderator{api: adminAPI, actor: actor}
}

func (m *Moderator) Actor() string { return m.actor }

// BanUser bans username. The ban takes effect for live sessions at their
// next heartbeat, within one heartbeat interval.
func (m *Moderator) BanUser(ctx context.Context, username string) error {
	return m.api.BanUser(ctx, username)
}

func (m *Moderator) UnbanUser(ctx context.Context, username string) error {
	return m.api.UnbanUser(ctx, username)
}

// ChangePassword sets a new password for username. The user's current
// session stays valid until it ends naturally; only the next login needs
// the new credentials.
func (m *Moderator) ChangePassword(ctx context.Context, username, newPassword string) error {
	return m.api.ChangePassword(ctx, username, newPassword)
}

// DeleteMessage force-deletes a message for both participants.
func (m *Moderator) DeleteMessage(ctx context.Context, messageID string) error {
	return m.api.ForceDeleteMessage(ctx, messageID)
}

func (m *Moderator) ListUsers(ctx context.Context) ([]api.AdminUser, error) {
	return m.api.ListUsers(ctx)
}

func (m *Moderator) ListBannedUsers(ctx context.Context) ([]string, error) {
	return m.api.ListBannedUsers(ctx)
}

func (m *Moderator) ListConversations(ctx context.Context) ([]api.AdminConversation, error) {
	return m.api.ListConversations(ctx)
}

// Messages returns the unfiltered history between two users; the admin
// view ignores DeletedFor.
func (m *Moderator) Messages(ctx context.Context, userA, userB string) ([]models.Message, error) {
	return m.api.AllMessages(ctx, userA, userB)
}
