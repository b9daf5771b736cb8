// Package presence keeps a point-in-time snapshot of who is online.
// Each refresh replaces the whole snapshot: presence is derived from
// heartbeat recency on the server and must not be merged incrementally.
package presence

import (
	"context"
	"log"
	"sync"
	"time"

	"chatsync/api"
	"chatsync/models"
)

// Tracker owns the PresenceEntry set. A failed refresh leaves the previous
// snapshot in place (stale but available) and records the error.
type Tracker struct {
	api api.ClientChatAPI

	mu          sync.RWMutex
	entries     map[string]models.PresenceEntry
	lastRefresh time.Time
	lastErr     error
}

func NewTracker(chatAPI api.ClientChatAPI) *Tracker {
	return &Tracker{
		api:     chatAPI,
		entries: make(map[string]models.PresenceEntry),
	}
}

// Refresh replaces the snapshot with fresh statuses for the given users.
// Users the server does not report are recorded as offline.
func (t *Tracker) Refresh(ctx context.Context, users []string) error {
	fresh := make(map[string]models.PresenceEntry, len(users))
	for _, username := range users {
		entry, err := t.api.GetOnlineStatus(ctx, username)
		if err != nil {
			return t.fail(err)
		}
		fresh[username] = entry
	}
	t.replace(fresh)
	return nil
}

// RefreshAll replaces the snapshot with every online user the server
// knows about.
func (t *Tracker) RefreshAll(ctx context.Context) error {
	statuses, err := t.api.GetAllOnlineStatus(ctx)
	if err != nil {
		return t.fail(err)
	}
	t.replace(statuses)
	return nil
}

func (t *Tracker) replace(fresh map[string]models.PresenceEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = fresh
	t.lastRefresh = time.Now()
	t.lastErr = nil
}

// fail records a non-fatal refresh error; the stale snapshot stays usable.
func (t *Tracker) fail(err error) error {
	t.mu.Lock()
	t.lastErr = err
	t.mu.Unlock()
	if api.IsTransport(err) {
		log.Printf("presence: refresh failed, keeping stale snapshot: %v", err)
	}
	return err
}

// IsOnline reports whether username was online at the last refresh.
// Unknown users are offline.
func (t *Tracker) IsOnline(username string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[username].Online
}

// Snapshot returns a copy of the current presence set.
func (t *Tracker) Snapshot() map[string]models.PresenceEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]models.PresenceEntry, len(t.entries))
	for username, entry := range t.entries {
		out[username] = entry
	}
	return out
}

// LastError returns the error from the most recent failed refresh, or nil
// if the last refresh succeeded.
func (t *Tracker) LastError() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastErr
}

// LastRefresh returns when the snapshot was last replaced.
func (t *Tracker) LastRefresh() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastRefresh
}

// Clear drops the snapshot, used when the session ends.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[string]models.PresenceEntry)
	t.lastErr = nil
}
