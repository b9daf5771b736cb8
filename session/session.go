// Package session owns the client's authentication state. It runs the
// heartbeat loop while the session is active and fans out invalidation to
// the other components when the server reports a ban or token rejection.
package session

import (
	"context"
	"log"
	"sync"
	"time"

	"chatsync/api"
	"chatsync/models"
)

// Controller is the single owner of the Session. State machine:
// LoggedOut -> Authenticating -> Active -> (Invalidated | LoggedOut).
// Invalidated is terminal until a fresh login.
type Controller struct {
	api               api.ClientChatAPI
	heartbeatInterval time.Duration

	mu        sync.Mutex
	current   models.Session
	epoch     uint64 // bumped on every transition out of Active
	stop      chan struct{}
	listeners []func(reason string)
}

func NewController(chatAPI api.ClientChatAPI, heartbeatInterval time.Duration) *Controller {
	return &Controller{
		api:               chatAPI,
		heartbeatInterval: heartbeatInterval,
		current:           models.Session{State: models.StateLoggedOut},
	}
}

// OnInvalidated registers a callback invoked once when the session
// transitions to Invalidated. Callbacks run outside the controller lock.
func (c *Controller) OnInvalidated(fn func(reason string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Snapshot returns a copy of the current session.
func (c *Controller) Snapshot() models.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Epoch identifies the current authentication generation. Results computed
// under an older epoch must be discarded by their callers.
func (c *Controller) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// EpochValid reports whether work started under epoch e may still be
// applied.
func (c *Controller) EpochValid(e uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch == e && c.current.State == models.StateActive
}

// Login authenticates and, on success, starts the heartbeat loop.
func (c *Controller) Login(ctx context.Context, username, password string) (models.Session, error) {
	return c.authenticate(ctx, username, password, c.api.Login)
}

// Signup registers a new account; the server logs the account in as part
// of registration, so a successful signup yields an Active session.
func (c *Controller) Signup(ctx context.Context, username, password string) (models.Session, error) {
	return c.authenticate(ctx, username, password, c.api.Signup)
}

func (c *Controller) authenticate(ctx context.Context, username, password string,
	call func(context.Context, string, string) (api.AuthResult, error)) (models.Session, error) {

	c.mu.Lock()
	if c.current.State == models.StateActive || c.current.State == models.StateAuthenticating {
		session := c.current
		c.mu.Unlock()
		return session, &api.ValidationError{Detail: "session already active"}
	}
	c.current = models.Session{Username: username, State: models.StateAuthenticating}
	c.mu.Unlock()

	result, err := call(ctx, username, password)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.current = models.Session{State: models.StateLoggedOut}
		return c.current, err
	}

	c.current = models.Session{
		Username: result.Username,
		Token:    result.Token,
		IsAdmin:  result.IsAdmin,
		State:    models.StateActive,
	}
	c.stop = make(chan struct{})
	go c.heartbeatLoop(c.current.Username, c.epoch, c.stop)
	log.Printf("session: %s active (admin=%v)", result.Username, result.IsAdmin)
	return c.current, nil
}

// Logout clears local state immediately; the remote call is best-effort
// and any failure is only logged.
func (c *Controller) Logout(ctx context.Context) {
	c.mu.Lock()
	username := c.current.Username
	state := c.current.State
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	c.epoch++
	c.current = models.Session{State: models.StateLoggedOut}
	c.mu.Unlock()

	if state != models.StateActive || username == "" {
		return
	}
	if err := c.api.Logout(ctx, username); err != nil {
		log.Printf("session: remote logout for %s failed: %v", username, err)
	}
}

// Heartbeat performs one liveness/ban check. It is normally driven by the
// internal loop but is exported so a caller can force an immediate check.
func (c *Controller) Heartbeat(ctx context.Context) error {
	c.mu.Lock()
	if c.current.State != models.StateActive {
		c.mu.Unlock()
		return nil
	}
	username := c.current.Username
	c.mu.Unlock()

	err := c.api.Heartbeat(ctx, username)
	if err == nil {
		return nil
	}
	if api.IsSessionInvalid(err) {
		c.Invalidate(err.Error())
		return err
	}
	// Transient failures are tolerated; the next tick retries.
	log.Printf("session: heartbeat for %s failed: %v", username, err)
	return err
}

func (c *Controller) heartbeatLoop(username string, epoch uint64, stop chan struct{}) {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !c.EpochValid(epoch) {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), c.heartbeatInterval)
			c.Heartbeat(ctx)
			cancel()
		}
	}
}

// Invalidate forces the session into the terminal Invalidated state and
// notifies listeners. Safe to call from any goroutine; only the first call
// per active session has any effect.
func (c *Controller) Invalidate(reason string) {
	c.mu.Lock()
	if c.current.State != models.StateActive {
		c.mu.Unlock()
		return
	}
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	c.epoch++
	c.current.State = models.StateInvalidated
	c.current.Token = ""
	listeners := make([]func(string), len(c.listeners))
	copy(listeners, c.listeners)
	username := c.current.Username
	c.mu.Unlock()

	log.Printf("session: %s invalidated: %s", username, reason)
	for _, fn := range listeners {
		fn(reason)
	}
}
