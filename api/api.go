// Package api defines the logical operations the sync core consumes from
// the remote chat server, split into the regular client surface and the
// administrative surface. Implementations classify every failure into the
// error taxonomy in errors.go so callers can choose retry vs. terminal
// handling.
package api

import (
	"context"
	"io"

	"chatsync/models"
)

// AuthResult is the server's answer to a successful login or signup.
type AuthResult struct {
	Username string
	Token    string
	IsAdmin  bool
	Message  string
}

// SendRequest carries a new outgoing message.
type SendRequest struct {
	From       string
	To         string
	Body       string
	Attachment *models.Attachment
}

// AdminUser is the admin view of a registered account.
type AdminUser struct {
	Username string
	Banned   bool
}

// AdminConversation summarizes one conversation for the admin panel.
type AdminConversation struct {
	Users        [2]string
	MessageCount int
}

// ClientChatAPI is the capability set available to any authenticated user.
type ClientChatAPI interface {
	Login(ctx context.Context, username, password string) (AuthResult, error)
	Signup(ctx context.Context, username, password string) (AuthResult, error)
	Logout(ctx context.Context, username string) error
	Heartbeat(ctx context.Context, username string) error

	SearchUsers(ctx context.Context, query string) ([]string, error)
	CheckBanStatus(ctx context.Context, username string) (bool, error)

	SendMessage(ctx context.Context, req SendRequest) (models.Message, error)
	GetMessages(ctx context.Context, userA, userB string) ([]models.Message, error)
	GetConversations(ctx context.Context, username string) ([]string, error)
	EditMessage(ctx context.Context, id, body string) (models.Message, error)
	DeleteMessage(ctx context.Context, id string, scope models.DeleteScope, actor string) error

	UploadFile(ctx context.Context, name string, r io.Reader) (models.Attachment, error)

	GetOnlineStatus(ctx context.Context, username string) (models.PresenceEntry, error)
	GetAllOnlineStatus(ctx context.Context) (map[string]models.PresenceEntry, error)
}

// AdminChatAPI is the capability set available only when the session
// carries the admin flag. It is a separate interface, not an extension of
// ClientChatAPI: holding a value of this type is the authorization.
type AdminChatAPI interface {
	ListUsers(ctx context.Context) ([]AdminUser, error)
	ListBannedUsers(ctx context.Context) ([]string, error)
	ListConversations(ctx context.Context) ([]AdminConversation, error)
	AllMessages(ctx context.Context, userA, userB string) ([]models.Message, error)
	BanUser(ctx context.Context, username string) error
	UnbanUser(ctx context.Context, username string) error
	ChangePassword(ctx context.Context, username, newPassword string) error
	ForceDeleteMessage(ctx context.Context, id string) error
}
