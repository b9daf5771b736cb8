// Package rest implements api.ClientChatAPI and api.AdminChatAPI over the
// chat server's HTTP endpoints. Wire details stay inside this package;
// callers see only the domain types and the error taxonomy.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chatsync/api"
	"chatsync/models"
)

type Client struct {
	baseURL string
	http    *http.Client
}

var (
	_ api.ClientChatAPI = (*Client)(nil)
	_ api.AdminChatAPI  = (*Client)(nil)
)

// New creates a REST client for the server at baseURL. The client is safe
// for concurrent use.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Wire types. Field names follow the server's JSON exactly.

type authResponse struct {
	Message  string `json:"message"`
	Username string `json:"username"`
	Token    string `json:"token"`
	IsAdmin  bool   `json:"is_admin"`
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type wireMessage struct {
	ID         string   `json:"id"`
	From       string   `json:"from"`
	To         string   `json:"to"`
	Message    string   `json:"message"`
	Timestamp  string   `json:"timestamp"`
	FileURL    *string  `json:"file_url"`
	FileName   *string  `json:"file_name"`
	FileType   *string  `json:"file_type"`
	Edited     bool     `json:"edited"`
	DeletedFor []string `json:"deleted_for"`
}

type sendMessageRequest struct {
	FromUser string  `json:"from_user"`
	ToUser   string  `json:"to_user"`
	Message  string  `json:"message"`
	FileURL  *string `json:"file_url,omitempty"`
	FileName *string `json:"file_name,omitempty"`
	FileType *string `json:"file_type,omitempty"`
}

type onlineStatus struct {
	Status   string `json:"status"`
	LastSeen string `json:"last_seen"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

// do executes a request and classifies any failure. A nil out skips body
// decoding.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &api.ValidationError{Detail: err.Error()}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &api.ValidationError{Detail: err.Error()}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &api.TransportError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return classifyStatus(resp, method+" "+path)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &api.TransportError{Op: method + " " + path, Err: err}
		}
	}
	return nil
}

// classifyStatus maps an HTTP error status to the api error taxonomy.
// 403 is how the server reports bans and rejected tokens; 5xx is treated
// as transient.
func classifyStatus(resp *http.Response, op string) error {
	var detail string
	var errResp errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil {
		detail = errResp.Detail
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return &api.AuthError{Reason: api.ReasonInvalidCredentials, Detail: detail}
	case resp.StatusCode == http.StatusForbidden:
		return &api.SessionInvalidError{Detail: detail}
	case resp.StatusCode == http.StatusNotFound:
		return &api.NotFoundError{Kind: "resource", Key: op}
	case resp.StatusCode == http.StatusBadRequest:
		if strings.Contains(strings.ToLower(detail), "exists") {
			return &api.AuthError{Reason: api.ReasonUserExists, Detail: detail}
		}
		return &api.ValidationError{Detail: detail}
	case resp.StatusCode >= 500:
		return &api.TransportError{Op: op, Err: fmt.Errorf("server error %d: %s", resp.StatusCode, detail)}
	default:
		return &api.ValidationError{Detail: fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, detail)}
	}
}

func (c *Client) Login(ctx context.Context, username, password string) (api.AuthResult, error) {
	var resp authResponse
	err := c.do(ctx, http.MethodPost, "/login", credentialsRequest{username, password}, &resp)
	if err != nil {
		return api.AuthResult{}, err
	}
	return api.AuthResult{
		Username: resp.Username,
		Token:    resp.Token,
		IsAdmin:  resp.IsAdmin,
		Message:  resp.Message,
	}, nil
}

func (c *Client) Signup(ctx context.Context, username, password string) (api.AuthResult, error) {
	var resp authResponse
	err := c.do(ctx, http.MethodPost, "/signup", credentialsRequest{username, password}, &resp)
	if err != nil {
		return api.AuthResult{}, err
	}
	return api.AuthResult{
		Username: resp.Username,
		Token:    resp.Token,
		IsAdmin:  resp.IsAdmin,
		Message:  resp.Message,
	}, nil
}

func (c *Client) Logout(ctx context.Context, username string) error {
	return c.do(ctx, http.MethodPost, "/logout/"+url.PathEscape(username), nil, nil)
}

func (c *Client) Heartbeat(ctx context.Context, username string) error {
	return c.do(ctx, http.MethodPost, "/heartbeat/"+url.PathEscape(username), nil, nil)
}

func (c *Client) SearchUsers(ctx context.Context, query string) ([]string, error) {
	var resp struct {
		Users []string `json:"users"`
	}
	if err := c.do(ctx, http.MethodGet, "/search_users/"+url.PathEscape(query), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Users, nil
}

func (c *Client) CheckBanStatus(ctx context.Context, username string) (bool, error) {
	var resp struct {
		Banned bool `json:"is_banned"`
	}
	if err := c.do(ctx, http.MethodGet, "/check_ban_status/"+url.PathEscape(username), nil, &resp); err != nil {
		return false, err
	}
	return resp.Banned, nil
}

func (c *Client) SendMessage(ctx context.Context, req api.SendRequest) (models.Message, error) {
	if req.To == "" {
		return models.Message{}, &api.ValidationError{Detail: "empty recipient"}
	}
	wire := sendMessageRequest{
		FromUser: req.From,
		ToUser:   req.To,
		Message:  req.Body,
	}
	if req.Attachment != nil {
		wire.FileURL = &req.Attachment.URL
		wire.FileName = &req.Attachment.Name
		wire.FileType = &req.Attachment.Type
	}
	// The server acknowledges with a status line and the assigned id only;
	// the echo is rebuilt from the request. Timestamp stays zero so callers
	// keep their submission time.
	var resp struct {
		Message   string `json:"message"`
		MessageID string `json:"message_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/send_message", wire, &resp); err != nil {
		return models.Message{}, err
	}
	msg := models.Message{
		ID:         resp.MessageID,
		Sender:     req.From,
		Recipient:  req.To,
		Body:       req.Body,
		DeletedFor: make(map[string]bool),
	}
	if req.Attachment != nil {
		att := *req.Attachment
		msg.Attachment = &att
	}
	return msg, nil
}

func (c *Client) GetMessages(ctx context.Context, userA, userB string) ([]models.Message, error) {
	var resp struct {
		Messages []wireMessage `json:"messages"`
	}
	path := "/get_messages/" + url.PathEscape(userA) + "/" + url.PathEscape(userB)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return decodeMessages(resp.Messages), nil
}

func (c *Client) GetConversations(ctx context.Context, username string) ([]string, error) {
	var resp struct {
		Conversations []string `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, "/get_conversations/"+url.PathEscape(username), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Conversations, nil
}

func (c *Client) EditMessage(ctx context.Context, id, body string) (models.Message, error) {
	// Status-only response; the edited message is rebuilt locally.
	err := c.do(ctx, http.MethodPut, "/edit_message/"+url.PathEscape(id), struct {
		Message string `json:"message"`
	}{body}, nil)
	if err != nil {
		return models.Message{}, err
	}
	return models.Message{ID: id, Body: body, Edited: true}, nil
}

func (c *Client) DeleteMessage(ctx context.Context, id string, scope models.DeleteScope, actor string) error {
	path := "/delete_message/" + url.PathEscape(id) + "/" + url.PathEscape(string(scope))
	return c.do(ctx, http.MethodDelete, path, struct {
		Username string `json:"username"`
	}{actor}, nil)
}

func (c *Client) UploadFile(ctx context.Context, name string, r io.Reader) (models.Attachment, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return models.Attachment{}, &api.ValidationError{Detail: err.Error()}
	}
	if _, err := io.Copy(part, r); err != nil {
		return models.Attachment{}, &api.ValidationError{Detail: err.Error()}
	}
	mw.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload_chat_file", &buf)
	if err != nil {
		return models.Attachment{}, &api.ValidationError{Detail: err.Error()}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return models.Attachment{}, &api.TransportError{Op: "upload " + name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return models.Attachment{}, classifyStatus(resp, "upload "+name)
	}

	var fileResp struct {
		FileURL  string `json:"file_url"`
		FileName string `json:"file_name"`
		FileType string `json:"file_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&fileResp); err != nil {
		return models.Attachment{}, &api.TransportError{Op: "upload " + name, Err: err}
	}
	return models.Attachment{URL: fileResp.FileURL, Name: fileResp.FileName, Type: fileResp.FileType}, nil
}

func (c *Client) GetOnlineStatus(ctx context.Context, username string) (models.PresenceEntry, error) {
	var resp onlineStatus
	if err := c.do(ctx, http.MethodGet, "/online_status/"+url.PathEscape(username), nil, &resp); err != nil {
		return models.PresenceEntry{}, err
	}
	return decodePresence(username, resp), nil
}

func (c *Client) GetAllOnlineStatus(ctx context.Context) (map[string]models.PresenceEntry, error) {
	var resp map[string]onlineStatus
	if err := c.do(ctx, http.MethodGet, "/all_online_status", nil, &resp); err != nil {
		return nil, err
	}
	entries := make(map[string]models.PresenceEntry, len(resp))
	for username, status := range resp {
		entries[username] = decodePresence(username, status)
	}
	return entries, nil
}

// Admin surface.

type adminUserResponse struct {
	Username string `json:"username"`
	Banned   bool   `json:"is_banned"`
}

func (c *Client) ListUsers(ctx context.Context) ([]api.AdminUser, error) {
	var resp struct {
		Users []adminUserResponse `json:"users"`
	}
	if err := c.do(ctx, http.MethodGet, "/admin/all_users", nil, &resp); err != nil {
		return nil, err
	}
	users := make([]api.AdminUser, 0, len(resp.Users))
	for _, u := range resp.Users {
		users = append(users, api.AdminUser{Username: u.Username, Banned: u.Banned})
	}
	return users, nil
}

func (c *Client) ListBannedUsers(ctx context.Context) ([]string, error) {
	var resp struct {
		BannedUsers []string `json:"banned_users"`
	}
	if err := c.do(ctx, http.MethodGet, "/admin/banned_users", nil, &resp); err != nil {
		return nil, err
	}
	return resp.BannedUsers, nil
}

func (c *Client) ListConversations(ctx context.Context) ([]api.AdminConversation, error) {
	var resp struct {
		Conversations []struct {
			Users        []string `json:"users"`
			MessageCount int      `json:"message_count"`
		} `json:"conversations"`
	}
	if err := c.do(ctx, http.MethodGet, "/admin/all_conversations", nil, &resp); err != nil {
		return nil, err
	}
	convs := make([]api.AdminConversation, 0, len(resp.Conversations))
	for _, conv := range resp.Conversations {
		if len(conv.Users) != 2 {
			continue
		}
		convs = append(convs, api.AdminConversation{
			Users:        [2]string{conv.Users[0], conv.Users[1]},
			MessageCount: conv.MessageCount,
		})
	}
	return convs, nil
}

func (c *Client) AllMessages(ctx context.Context, userA, userB string) ([]models.Message, error) {
	var resp struct {
		Messages []wireMessage `json:"messages"`
	}
	path := "/admin/messages/" + url.PathEscape(userA) + "/" + url.PathEscape(userB)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return decodeMessages(resp.Messages), nil
}

func (c *Client) BanUser(ctx context.Context, username string) error {
	return c.do(ctx, http.MethodPost, "/admin/ban_user", struct {
		Username string `json:"username"`
	}{username}, nil)
}

func (c *Client) UnbanUser(ctx context.Context, username string) error {
	return c.do(ctx, http.MethodPost, "/admin/unban_user", struct {
		Username string `json:"username"`
	}{username}, nil)
}

func (c *Client) ChangePassword(ctx context.Context, username, newPassword string) error {
	return c.do(ctx, http.MethodPost, "/admin/change_password", struct {
		Username    string `json:"username"`
		NewPassword string `json:"new_password"`
	}{username, newPassword}, nil)
}

func (c *Client) ForceDeleteMessage(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/admin/delete_message", struct {
		MessageID string `json:"message_id"`
	}{id}, nil)
}

// Decoding helpers.

func decodeMessage(w wireMessage) models.Message {
	msg := models.Message{
		ID:         w.ID,
		Sender:     w.From,
		Recipient:  w.To,
		Body:       w.Message,
		Timestamp:  parseTimestamp(w.Timestamp),
		Edited:     w.Edited,
		DeletedFor: make(map[string]bool, len(w.DeletedFor)),
	}
	for _, u := range w.DeletedFor {
		msg.DeletedFor[u] = true
	}
	if w.FileURL != nil {
		msg.Attachment = &models.Attachment{URL: *w.FileURL}
		if w.FileName != nil {
			msg.Attachment.Name = *w.FileName
		}
		if w.FileType != nil {
			msg.Attachment.Type = *w.FileType
		}
	}
	return msg
}

func decodeMessages(wire []wireMessage) []models.Message {
	msgs := make([]models.Message, 0, len(wire))
	for _, w := range wire {
		msgs = append(msgs, decodeMessage(w))
	}
	return msgs
}

func decodePresence(username string, status onlineStatus) models.PresenceEntry {
	return models.PresenceEntry{
		Username: username,
		Online:   status.Status == "online",
		LastSeen: parseTimestamp(status.LastSeen),
	}
}

// parseTimestamp accepts RFC3339 and the server's zone-less ISO 8601 form.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02T15:04:05.999999", s); err == nil {
		return t.UTC()
	}
	return time.Time{}
}
