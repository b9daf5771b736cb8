// Package client wires the sync core together: one REST collaborator, one
// session controller, one presence tracker, one sync engine and one action
// queue, plus the periodic loops that drive them. Components never reach
// into each other's state; they communicate through published snapshots
// and the session's invalidation notification.
package client

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"chatsync/admin"
	"chatsync/api"
	"chatsync/cache"
	"chatsync/config"
	"chatsync/engine"
	"chatsync/models"
	"chatsync/presence"
	"chatsync/queue"
	"chatsync/session"
)

type Client struct {
	cfg      *config.Config
	adminAPI api.AdminChatAPI

	Session  *session.Controller
	Presence *presence.Tracker
	Engine   *engine.Engine

	queue *queue.Queue
	cache *cache.Cache

	mu         sync.Mutex
	loopCancel context.CancelFunc
}

// New builds a client from explicitly injected API implementations.
// adminAPI may be nil for builds without a moderation surface. The local
// cache is optional: if it cannot be opened the client runs without
// persistence.
func New(cfg *config.Config, chatAPI api.ClientChatAPI, adminAPI api.AdminChatAPI) *Client {
	localCache, err := cache.New(cfg.CachePath)
	if err != nil {
		log.Printf("client: local cache unavailable: %v", err)
		localCache = nil
	}

	q := queue.New(chatAPI, queue.Config{
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: cfg.RetryBackoff,
		MaxBackoff:     cfg.MaxRetryBackoff,
		RequestTimeout: cfg.RequestTimeout,
	})

	c := &Client{
		cfg:      cfg,
		adminAPI: adminAPI,
		Session:  session.NewController(chatAPI, cfg.HeartbeatInterval),
		Presence: presence.NewTracker(chatAPI),
		Engine:   engine.New(chatAPI, q, localCache),
		queue:    q,
		cache:    localCache,
	}

	// Ban or token rejection anywhere stops all polling and clears local
	// state, the persistent cache included; no component keeps scheduling
	// work for a dead session.
	c.Session.OnInvalidated(func(reason string) {
		c.stopLoops()
		c.Engine.Stop()
		c.Presence.Clear()
		if c.cache != nil {
			if username := c.Session.Snapshot().Username; username != "" {
				if err := c.cache.Clear(username); err != nil {
					log.Printf("client: cache clear for %s failed: %v", username, err)
				}
			}
		}
	})

	return c
}

// Login authenticates and starts the background loops on success.
func (c *Client) Login(ctx context.Context, username, password string) (models.Session, error) {
	sess, err := c.Session.Login(ctx, username, password)
	if err != nil {
		return sess, err
	}
	c.start(sess.Username)
	return sess, nil
}

// Signup registers a new account and starts the background loops.
func (c *Client) Signup(ctx context.Context, username, password string) (models.Session, error) {
	sess, err := c.Session.Signup(ctx, username, password)
	if err != nil {
		return sess, err
	}
	c.start(sess.Username)
	return sess, nil
}

func (c *Client) start(username string) {
	c.Engine.Start(username)

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.loopCancel = cancel
	c.mu.Unlock()

	go c.presenceLoop(ctx)
}

// Logout clears local state immediately; the remote call is best-effort.
func (c *Client) Logout(ctx context.Context) {
	c.stopLoops()
	c.Engine.Stop()
	c.Presence.Clear()
	username := c.Session.Snapshot().Username
	c.Session.Logout(ctx)
	if c.cache != nil && username != "" {
		if err := c.cache.Clear(username); err != nil {
			log.Printf("client: cache clear for %s failed: %v", username, err)
		}
	}
}

// OpenChat makes peer the active conversation and starts its poll loop.
// Any loop for a previously open chat is canceled.
func (c *Client) OpenChat(peer string) {
	ctx := c.Engine.SetActiveChat(peer)
	go c.messageLoop(ctx)
}

// CloseChat stops polling the active conversation.
func (c *Client) CloseChat() {
	c.Engine.SetActiveChat("")
}

// Moderator returns the moderation surface, or an error when the session
// lacks the admin flag or no admin API was injected.
func (c *Client) Moderator() (*admin.Moderator, error) {
	sess := c.Session.Snapshot()
	if !sess.IsAdmin || sess.State != models.StateActive {
		return nil, &api.ValidationError{Detail: "session is not an active admin"}
	}
	if c.adminAPI == nil {
		return nil, &api.ValidationError{Detail: "no admin API configured"}
	}
	return admin.NewModerator(c.adminAPI, sess.Username), nil
}

// messageLoop polls the active conversation until its context is
// canceled (chat switch, logout, invalidation).
func (c *Client) messageLoop(ctx context.Context) {
	c.pollOnce(ctx)
	ticker := time.NewTicker(c.cfg.MessagePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.pollOnce(ctx)
		}
	}
}

func (c *Client) pollOnce(ctx context.Context) {
	if err := c.Engine.Poll(ctx); err != nil && api.IsSessionInvalid(err) {
		c.Session.Invalidate(err.Error())
	}
}

// presenceLoop refreshes presence and the conversation list on the slower
// cadence.
func (c *Client) presenceLoop(ctx context.Context) {
	c.refreshOnce(ctx)
	ticker := time.NewTicker(c.cfg.PresencePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refreshOnce(ctx)
		}
	}
}

func (c *Client) refreshOnce(ctx context.Context) {
	if err := c.Presence.RefreshAll(ctx); err != nil && api.IsSessionInvalid(err) {
		c.Session.Invalidate(err.Error())
		return
	}
	if err := c.Engine.LoadConversationList(ctx); err != nil && api.IsSessionInvalid(err) {
		c.Session.Invalidate(err.Error())
	}
}

func (c *Client) stopLoops() {
	c.mu.Lock()
	if c.loopCancel != nil {
		c.loopCancel()
		c.loopCancel = nil
	}
	c.mu.Unlock()
}

// Stats returns a one-line summary for the control socket.
func (c *Client) Stats() string {
	sess := c.Session.Snapshot()
	online := 0
	for _, entry := range c.Presence.Snapshot() {
		if entry.Online {
			online++
		}
	}
	return fmt.Sprintf("state=%s,user=%s,chat=%s,pending=%s,online=%s",
		sess.State, sess.Username, c.Engine.ActiveChat(),
		strconv.Itoa(c.queue.PendingCount()), strconv.Itoa(online))
}

// Close shuts down loops, the action queue and the cache.
func (c *Client) Close() {
	c.stopLoops()
	c.Engine.Stop()
	c.queue.Close()
	if c.cache != nil {
		c.cache.Close()
	}
}
