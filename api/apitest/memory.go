// Package apitest provides an in-memory implementation of the chat server
// API surfaces for tests. Semantics follow the real server: bcrypt-hashed
// credentials, a ban list consulted on login and heartbeat, presence
// entries that expire after a minute without a heartbeat, and delete
// scopes recorded in each message's DeletedFor set.
package apitest

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"chatsync/api"
	"chatsync/models"
)

const presenceTTL = 60 * time.Second

var (
	_ api.ClientChatAPI = (*Server)(nil)
	_ api.AdminChatAPI  = (*Server)(nil)
)

type account struct {
	passwordHash []byte
	admin        bool
}

// Server is an in-memory chat server implementing api.ClientChatAPI and
// api.AdminChatAPI. All methods are safe for concurrent use.
type Server struct {
	mu       sync.Mutex
	accounts map[string]*account
	banned   map[string]bool
	messages []models.Message
	held     []models.Message // sent but not yet visible to GetMessages
	online   map[string]time.Time
	tokens   map[string]string // token -> username

	holdSends bool
	faults    map[string]error // op -> error returned instead of executing

	// Clock returns the server's current time. Tests may replace it.
	Clock func() time.Time

	seq int // breaks timestamp ties so ids stay comparable
}

func NewServer() *Server {
	return &Server{
		accounts: make(map[string]*account),
		banned:   make(map[string]bool),
		online:   make(map[string]time.Time),
		tokens:   make(map[string]string),
		faults:   make(map[string]error),
		Clock:    time.Now,
	}
}

// SetFault makes the named operation (e.g. "heartbeat", "send_message")
// return err until cleared with a nil err.
func (s *Server) SetFault(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, op)
		return
	}
	s.faults[op] = err
}

// HoldSends controls whether newly sent messages are withheld from
// GetMessages, simulating server-side indexing lag.
func (s *Server) HoldSends(hold bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holdSends = hold
}

// ReleaseHeld makes all withheld messages visible.
func (s *Server) ReleaseHeld() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, s.held...)
	s.held = nil
}

// MustAddUser registers an account directly, panicking on hash failure.
func (s *Server) MustAddUser(username, password string, admin bool) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[username] = &account{passwordHash: hash, admin: admin}
}

// MessageCount reports how many messages the server stores, held included.
func (s *Server) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages) + len(s.held)
}

func (s *Server) fault(op string) error {
	if err, ok := s.faults[op]; ok {
		return err
	}
	return nil
}

func (s *Server) Login(ctx context.Context, username, password string) (api.AuthResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("login"); err != nil {
		return api.AuthResult{}, err
	}
	if s.banned[username] {
		return api.AuthResult{}, &api.SessionInvalidError{Username: username, Detail: "account banned"}
	}
	acct, ok := s.accounts[username]
	if !ok {
		return api.AuthResult{}, &api.AuthError{Reason: api.ReasonInvalidCredentials}
	}
	if bcrypt.CompareHashAndPassword(acct.passwordHash, []byte(password)) != nil {
		return api.AuthResult{}, &api.AuthError{Reason: api.ReasonInvalidCredentials}
	}
	token := uuid.NewString()
	s.tokens[token] = username
	s.online[username] = s.Clock()
	return api.AuthResult{Username: username, Token: token, IsAdmin: acct.admin, Message: "Login successful"}, nil
}

func (s *Server) Signup(ctx context.Context, username, password string) (api.AuthResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("signup"); err != nil {
		return api.AuthResult{}, err
	}
	if len(username) < 3 {
		return api.AuthResult{}, &api.ValidationError{Detail: "username must be at least 3 characters"}
	}
	if _, ok := s.accounts[username]; ok {
		return api.AuthResult{}, &api.AuthError{Reason: api.ReasonUserExists}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return api.AuthResult{}, &api.ValidationError{Detail: err.Error()}
	}
	s.accounts[username] = &account{passwordHash: hash}
	token := uuid.NewString()
	s.tokens[token] = username
	s.online[username] = s.Clock()
	return api.AuthResult{Username: username, Token: token, Message: "User created successfully"}, nil
}

func (s *Server) Logout(ctx context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("logout"); err != nil {
		return err
	}
	delete(s.online, username)
	return nil
}

func (s *Server) Heartbeat(ctx context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("heartbeat"); err != nil {
		return err
	}
	if s.banned[username] {
		return &api.SessionInvalidError{Username: username, Detail: "user has been banned"}
	}
	s.online[username] = s.Clock()
	return nil
}

func (s *Server) SearchUsers(ctx context.Context, query string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("search_users"); err != nil {
		return nil, err
	}
	var users []string
	for username := range s.accounts {
		if strings.Contains(strings.ToLower(username), strings.ToLower(query)) {
			users = append(users, username)
		}
	}
	sort.Strings(users)
	return users, nil
}

func (s *Server) CheckBanStatus(ctx context.Context, username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("check_ban_status"); err != nil {
		return false, err
	}
	return s.banned[username], nil
}

func (s *Server) SendMessage(ctx context.Context, req api.SendRequest) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("send_message"); err != nil {
		return models.Message{}, err
	}
	if req.To == "" {
		return models.Message{}, &api.ValidationError{Detail: "empty recipient"}
	}
	if _, ok := s.accounts[req.From]; !ok {
		return models.Message{}, &api.NotFoundError{Kind: "user", Key: req.From}
	}
	if _, ok := s.accounts[req.To]; !ok {
		return models.Message{}, &api.NotFoundError{Kind: "user", Key: req.To}
	}

	s.seq++
	msg := models.Message{
		ID:         uuid.NewString(),
		Sender:     req.From,
		Recipient:  req.To,
		Body:       req.Body,
		Timestamp:  s.Clock().Add(time.Duration(s.seq) * time.Microsecond),
		DeletedFor: make(map[string]bool),
	}
	if req.Attachment != nil {
		att := *req.Attachment
		msg.Attachment = &att
	}
	if s.holdSends {
		s.held = append(s.held, msg)
	} else {
		s.messages = append(s.messages, msg)
	}
	return msg.Clone(), nil
}

func (s *Server) GetMessages(ctx context.Context, userA, userB string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("get_messages"); err != nil {
		return nil, err
	}
	var out []models.Message
	for i := range s.messages {
		msg := &s.messages[i]
		if !between(msg, userA, userB) {
			continue
		}
		// The real server pre-filters the requester's deletions; clients
		// must still filter locally.
		if msg.DeletedFor[userA] {
			continue
		}
		out = append(out, msg.Clone())
	}
	return out, nil
}

func (s *Server) GetConversations(ctx context.Context, username string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("get_conversations"); err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var peers []string
	for i := range s.messages {
		msg := &s.messages[i]
		var peer string
		switch username {
		case msg.Sender:
			peer = msg.Recipient
		case msg.Recipient:
			peer = msg.Sender
		default:
			continue
		}
		if !seen[peer] {
			seen[peer] = true
			peers = append(peers, peer)
		}
	}
	return peers, nil
}

func (s *Server) EditMessage(ctx context.Context, id, body string) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("edit_message"); err != nil {
		return models.Message{}, err
	}
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages[i].Body = body
			s.messages[i].Edited = true
			return s.messages[i].Clone(), nil
		}
	}
	return models.Message{}, &api.NotFoundError{Kind: "message", Key: id}
}

func (s *Server) DeleteMessage(ctx context.Context, id string, scope models.DeleteScope, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("delete_message"); err != nil {
		return err
	}
	for i := range s.messages {
		msg := &s.messages[i]
		if msg.ID != id {
			continue
		}
		switch scope {
		case models.DeleteForMe:
			msg.DeletedFor[actor] = true
		case models.DeleteForEveryone:
			if msg.Sender != actor {
				return &api.ValidationError{Detail: "only sender can delete for everyone"}
			}
			msg.DeletedFor[msg.Sender] = true
			msg.DeletedFor[msg.Recipient] = true
		default:
			return &api.ValidationError{Detail: "invalid delete type"}
		}
		return nil
	}
	return &api.NotFoundError{Kind: "message", Key: id}
}

func (s *Server) UploadFile(ctx context.Context, name string, r io.Reader) (models.Attachment, error) {
	s.mu.Lock()
	fault := s.fault("upload_file")
	s.mu.Unlock()
	if fault != nil {
		return models.Attachment{}, fault
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return models.Attachment{}, &api.TransportError{Op: "upload " + name, Err: err}
	}
	return models.Attachment{
		URL:  "/chat_files/" + uuid.NewString() + "_" + name,
		Name: name,
		Type: FileType(name),
	}, nil
}

func (s *Server) GetOnlineStatus(ctx context.Context, username string) (models.PresenceEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("online_status"); err != nil {
		return models.PresenceEntry{}, err
	}
	lastSeen, ok := s.online[username]
	if !ok || s.Clock().Sub(lastSeen) > presenceTTL {
		return models.PresenceEntry{Username: username, Online: false}, nil
	}
	return models.PresenceEntry{Username: username, Online: true, LastSeen: lastSeen}, nil
}

func (s *Server) GetAllOnlineStatus(ctx context.Context) (map[string]models.PresenceEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("all_online_status"); err != nil {
		return nil, err
	}
	now := s.Clock()
	entries := make(map[string]models.PresenceEntry)
	for username, lastSeen := range s.online {
		if now.Sub(lastSeen) > presenceTTL {
			delete(s.online, username)
			continue
		}
		entries[username] = models.PresenceEntry{Username: username, Online: true, LastSeen: lastSeen}
	}
	return entries, nil
}

// Admin surface.

func (s *Server) ListUsers(ctx context.Context) ([]api.AdminUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("admin_all_users"); err != nil {
		return nil, err
	}
	var users []api.AdminUser
	for username := range s.accounts {
		users = append(users, api.AdminUser{Username: username, Banned: s.banned[username]})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (s *Server) ListBannedUsers(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("admin_banned_users"); err != nil {
		return nil, err
	}
	var users []string
	for username := range s.banned {
		users = append(users, username)
	}
	sort.Strings(users)
	return users, nil
}

func (s *Server) ListConversations(ctx context.Context) ([]api.AdminConversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("admin_all_conversations"); err != nil {
		return nil, err
	}
	counts := make(map[[2]string]int)
	for i := range s.messages {
		msg := &s.messages[i]
		pair := [2]string{msg.Sender, msg.Recipient}
		if pair[0] > pair[1] {
			pair[0], pair[1] = pair[1], pair[0]
		}
		counts[pair]++
	}
	var convs []api.AdminConversation
	for pair, count := range counts {
		convs = append(convs, api.AdminConversation{Users: pair, MessageCount: count})
	}
	sort.Slice(convs, func(i, j int) bool {
		return fmt.Sprint(convs[i].Users) < fmt.Sprint(convs[j].Users)
	})
	return convs, nil
}

func (s *Server) AllMessages(ctx context.Context, userA, userB string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("admin_messages"); err != nil {
		return nil, err
	}
	var out []models.Message
	for i := range s.messages {
		if between(&s.messages[i], userA, userB) {
			out = append(out, s.messages[i].Clone())
		}
	}
	return out, nil
}

func (s *Server) BanUser(ctx context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("admin_ban"); err != nil {
		return err
	}
	s.banned[username] = true
	delete(s.online, username)
	return nil
}

func (s *Server) UnbanUser(ctx context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("admin_unban"); err != nil {
		return err
	}
	delete(s.banned, username)
	return nil
}

func (s *Server) ChangePassword(ctx context.Context, username, newPassword string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("admin_change_password"); err != nil {
		return err
	}
	acct, ok := s.accounts[username]
	if !ok {
		return &api.NotFoundError{Kind: "user", Key: username}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.MinCost)
	if err != nil {
		return &api.ValidationError{Detail: err.Error()}
	}
	acct.passwordHash = hash
	return nil
}

func (s *Server) ForceDeleteMessage(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault("admin_delete_message"); err != nil {
		return err
	}
	for i := range s.messages {
		msg := &s.messages[i]
		if msg.ID == id {
			msg.DeletedFor[msg.Sender] = true
			msg.DeletedFor[msg.Recipient] = true
			return nil
		}
	}
	return &api.NotFoundError{Kind: "message", Key: id}
}

func between(msg *models.Message, userA, userB string) bool {
	return (msg.Sender == userA && msg.Recipient == userB) ||
		(msg.Sender == userB && msg.Recipient == userA)
}

// FileType classifies an uploaded file by its extension.
func FileType(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".jpg"), strings.HasSuffix(lower, ".jpeg"), strings.HasSuffix(lower, ".png"):
		return "image"
	case strings.HasSuffix(lower, ".mp4"), strings.HasSuffix(lower, ".avi"):
		return "video"
	case strings.HasSuffix(lower, ".mp3"), strings.HasSuffix(lower, ".wav"), strings.HasSuffix(lower, ".webm"):
		return "audio"
	default:
		return "file"
	}
}
