// Package engine keeps the local view of conversations and messages
// consistent with the server. Each poll fetches the active conversation's
// full message list, tags it with a sequence number, and replaces the
// local snapshot; outstanding local mutations are re-applied on top as an
// optimistic overlay (see Merge).
package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatsync/api"
	"chatsync/cache"
	"chatsync/models"
	"chatsync/queue"
)

// Engine is the single owner of the Conversation collection.
type Engine struct {
	api   api.ClientChatAPI
	queue *queue.Queue
	cache *cache.Cache // optional; nil disables persistence

	mu            sync.Mutex
	username      string
	activeChat    string
	cancelActive  context.CancelFunc
	snapshot      []models.Message        // last applied server snapshot
	pending       []*models.PendingAction // overlay, submission order
	conversations []models.Conversation
	issuedSeq     uint64
	appliedSeq    uint64
	lastErr       error
	stopped       bool
	onChange      func()
}

// New wires the engine to its collaborators. The queue's result callback
// is claimed by the engine; localCache may be nil.
func New(chatAPI api.ClientChatAPI, q *queue.Queue, localCache *cache.Cache) *Engine {
	e := &Engine{
		api:   chatAPI,
		queue: q,
		cache: localCache,
	}
	q.OnResult(e.handleResult)
	return e
}

// Start binds the engine to the authenticated user and clears any state
// left over from a previous session.
func (e *Engine) Start(username string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.username = username
	e.activeChat = ""
	e.snapshot = nil
	e.pending = nil
	e.conversations = nil
	e.issuedSeq = 0
	e.appliedSeq = 0
	e.lastErr = nil
	e.stopped = false
}

// Stop halts polling effects and clears local caches. Called on logout and
// on session invalidation; results of polls still in flight are discarded.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelActive != nil {
		e.cancelActive()
		e.cancelActive = nil
	}
	e.stopped = true
	e.snapshot = nil
	e.pending = nil
	e.conversations = nil
	e.activeChat = ""
}

// OnChange registers a callback fired after every visible-state change.
func (e *Engine) OnChange(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onChange = fn
}

// SetActiveChat switches the conversation being polled. In-flight polls
// for the previous chat are canceled and their completions discarded; the
// cached history for the new peer is installed for immediate display.
// The returned context governs polls for this chat.
func (e *Engine) SetActiveChat(peer string) context.Context {
	e.mu.Lock()
	if e.cancelActive != nil {
		e.cancelActive()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancelActive = cancel
	e.activeChat = peer
	e.snapshot = nil
	e.issuedSeq = 0
	e.appliedSeq = 0
	username := e.username
	localCache := e.cache
	e.mu.Unlock()

	if localCache != nil && peer != "" {
		if cached, err := localCache.Messages(username, peer); err == nil && len(cached) > 0 {
			e.mu.Lock()
			if e.activeChat == peer && e.appliedSeq == 0 {
				e.snapshot = cached
			}
			e.mu.Unlock()
			e.notify()
		}
	}
	return ctx
}

// ActiveChat returns the peer currently being polled.
func (e *Engine) ActiveChat() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activeChat
}

// Poll fetches the active conversation once and applies the result unless
// a newer poll has already been applied. Transport errors on this
// background path are recorded, not propagated as fatal.
func (e *Engine) Poll(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped || e.activeChat == "" {
		e.mu.Unlock()
		return nil
	}
	e.issuedSeq++
	seq := e.issuedSeq
	username, peer := e.username, e.activeChat
	e.mu.Unlock()

	msgs, err := e.api.GetMessages(ctx, username, peer)
	if err != nil {
		if api.IsSessionInvalid(err) {
			return err
		}
		e.mu.Lock()
		e.lastErr = err
		e.mu.Unlock()
		log.Printf("engine: poll for %s/%s failed: %v", username, peer, err)
		return err
	}
	e.applySnapshot(peer, seq, msgs)
	return nil
}

// applySnapshot installs a fetched snapshot if it is still current: the
// chat must not have switched and no newer fetch may have been applied.
func (e *Engine) applySnapshot(peer string, seq uint64, msgs []models.Message) {
	e.mu.Lock()
	if e.stopped || e.activeChat != peer || seq <= e.appliedSeq {
		e.mu.Unlock()
		return
	}
	e.appliedSeq = seq
	e.snapshot = msgs
	e.lastErr = nil

	// Drop overlay entries the server now reflects.
	kept := e.pending[:0]
	for _, action := range e.pending {
		if !Reflected(msgs, action) {
			kept = append(kept, action)
		}
	}
	e.pending = kept
	username := e.username
	localCache := e.cache
	e.mu.Unlock()

	if localCache != nil {
		if err := localCache.ReplaceConversation(username, peer, msgs, time.Now()); err != nil {
			log.Printf("engine: cache write for %s/%s failed: %v", username, peer, err)
		}
	}
	e.notify()
}

// Visible returns the message sequence the UI should render for the
// active chat: the last snapshot merged with the outstanding overlay,
// filtered for the session user.
func (e *Engine) Visible() []models.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Merge(e.snapshot, e.pending, e.username)
}

// LoadConversationList refreshes the set of peers the user has talked to.
func (e *Engine) LoadConversationList(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	username := e.username
	e.mu.Unlock()

	peers, err := e.api.GetConversations(ctx, username)
	if err != nil {
		if !api.IsSessionInvalid(err) {
			e.mu.Lock()
			e.lastErr = err
			e.mu.Unlock()
		}
		return err
	}

	convs := make([]models.Conversation, 0, len(peers))
	for _, peer := range peers {
		convs = append(convs, models.Conversation{Peer: peer})
	}
	e.mu.Lock()
	e.conversations = convs
	e.mu.Unlock()
	e.notify()
	return nil
}

// Conversations returns a copy of the last fetched conversation list.
func (e *Engine) Conversations() []models.Conversation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Conversation, len(e.conversations))
	copy(out, e.conversations)
	return out
}

// LastError returns the most recent background poll failure, or nil.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// ApplyLocalSend queues an outgoing message and installs it in the
// overlay under a temporary id. The visible sequence shows it immediately.
func (e *Engine) ApplyLocalSend(to, body string, attachment *models.Attachment) (models.Message, error) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return models.Message{}, &api.ValidationError{Detail: "engine stopped"}
	}
	username := e.username
	e.mu.Unlock()

	if to == "" {
		return models.Message{}, &api.ValidationError{Detail: "empty recipient"}
	}

	msg := models.Message{
		ID:         "local-" + uuid.NewString(),
		Sender:     username,
		Recipient:  to,
		Body:       body,
		Timestamp:  time.Now(),
		Attachment: attachment,
		Local:      true,
	}
	action := &models.PendingAction{
		ID:      uuid.NewString(),
		Kind:    models.ActionSend,
		Target:  msg.ID,
		Message: msg,
		Actor:   username,
	}
	if err := e.enqueue(action); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// ApplyLocalEdit queues an edit and overlays the new body in place. Edits
// never create a new entry.
func (e *Engine) ApplyLocalEdit(id, newBody string) error {
	e.mu.Lock()
	username := e.username
	stopped := e.stopped
	e.mu.Unlock()
	if stopped {
		return &api.ValidationError{Detail: "engine stopped"}
	}
	action := &models.PendingAction{
		ID:      uuid.NewString(),
		Kind:    models.ActionEdit,
		Target:  id,
		NewBody: newBody,
		Actor:   username,
	}
	return e.enqueue(action)
}

// ApplyLocalDelete queues a delete in the given scope and hides the
// message locally right away.
func (e *Engine) ApplyLocalDelete(id string, scope models.DeleteScope) error {
	e.mu.Lock()
	username := e.username
	stopped := e.stopped
	e.mu.Unlock()
	if stopped {
		return &api.ValidationError{Detail: "engine stopped"}
	}
	action := &models.PendingAction{
		ID:     uuid.NewString(),
		Kind:   models.ActionDelete,
		Target: id,
		Scope:  scope,
		Actor:  username,
	}
	return e.enqueue(action)
}

func (e *Engine) enqueue(action *models.PendingAction) error {
	// The overlay entry must exist before dispatch starts, or a fast
	// completion callback could fire against a missing entry.
	e.mu.Lock()
	e.pending = append(e.pending, action)
	e.mu.Unlock()

	// The queue works on its own copy; the engine's copy is only updated
	// under the engine lock when the result callback arrives.
	queued := *action
	if err := e.queue.Enqueue(&queued); err != nil {
		e.mu.Lock()
		e.removePendingLocked(action.ID)
		e.mu.Unlock()
		return err
	}
	e.notify()
	return nil
}

// handleResult receives terminal action states from the queue. Failed
// actions leave the overlay so the UI reflects reality instead of a
// phantom pending state; committed sends keep their entry (now carrying
// the server id) until a poll returns the authoritative copy.
func (e *Engine) handleResult(result models.PendingAction) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	var failed *models.PendingAction
	for _, action := range e.pending {
		if action.ID != result.ID {
			continue
		}
		action.State = result.State
		action.Err = result.Err
		action.Attempts = result.Attempts
		if result.State == models.ActionCommitted && action.Kind == models.ActionSend {
			// Preserve the local submission time for echo matching; the
			// server copy replaces everything else.
			submitted := action.Message.Timestamp
			action.Message = result.Message
			if action.Message.Timestamp.IsZero() {
				action.Message.Timestamp = submitted
			}
		}
		if result.State == models.ActionFailed {
			failed = action
		}
		break
	}
	if failed != nil {
		e.removePendingLocked(failed.ID)
		log.Printf("engine: %s on %s abandoned: %v", failed.Kind, failed.Target, failed.Err)
	}
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) removePendingLocked(actionID string) {
	for i, action := range e.pending {
		if action.ID == actionID {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			return
		}
	}
}

// CancelPending cancels a still-queued action and removes its overlay
// entry.
func (e *Engine) CancelPending(actionID string) bool {
	if !e.queue.Cancel(actionID) {
		return false
	}
	e.mu.Lock()
	e.removePendingLocked(actionID)
	e.mu.Unlock()
	e.notify()
	return true
}

// PendingActions returns a copy of the outstanding overlay entries.
func (e *Engine) PendingActions() []models.PendingAction {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.PendingAction, 0, len(e.pending))
	for _, action := range e.pending {
		out = append(out, *action)
	}
	return out
}

func (e *Engine) notify() {
	e.mu.Lock()
	fn := e.onChange
	e.mu.Unlock()
	if fn != nil {
		fn()
	}
}
