// Package queue serializes local mutations (send, edit, delete) against
// the remote API. Dispatch is strictly FIFO per target message id, so an
// edit followed by a delete of the same message can never land out of
// order. Transient failures are retried with capped exponential backoff;
// all other failures are terminal for the action.
package queue

import (
	"context"
	"log"
	"sync"
	"time"

	"chatsync/api"
	"chatsync/models"
)

// Config bounds the retry behavior of a Queue.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	RequestTimeout time.Duration
}

// DefaultConfig matches the recommended client cadence.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     8 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

// Queue owns the PendingAction lifecycle. Completed actions (Committed or
// Failed) are delivered to the result callback and removed.
type Queue struct {
	api api.ClientChatAPI
	cfg Config

	mu        sync.Mutex
	pending   map[string][]*models.PendingAction // target -> FIFO
	inFlight  map[string]bool
	executing int // actions popped from their FIFO and not yet terminal
	closed    bool
	onResult  func(models.PendingAction)
	done      chan struct{}
	wg        sync.WaitGroup
}

func New(chatAPI api.ClientChatAPI, cfg Config) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Queue{
		api:      chatAPI,
		cfg:      cfg,
		pending:  make(map[string][]*models.PendingAction),
		inFlight: make(map[string]bool),
		done:     make(chan struct{}),
	}
}

// OnResult sets the callback invoked with each action's final state. Must
// be set before the first Enqueue.
func (q *Queue) OnResult(fn func(models.PendingAction)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onResult = fn
}

// Enqueue adds an action to its target's FIFO and starts dispatch for the
// target unless an earlier action on it is still in flight.
func (q *Queue) Enqueue(action *models.PendingAction) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return &api.ValidationError{Detail: "queue closed"}
	}
	action.State = models.ActionQueued
	q.pending[action.Target] = append(q.pending[action.Target], action)
	if !q.inFlight[action.Target] {
		q.inFlight[action.Target] = true
		q.wg.Add(1)
		go q.runTarget(action.Target)
	}
	return nil
}

// Cancel removes a still-Queued action. In-flight actions cannot be
// recalled.
func (q *Queue) Cancel(actionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for target, fifo := range q.pending {
		for i, action := range fifo {
			if action.ID != actionID {
				continue
			}
			if action.State != models.ActionQueued {
				return false
			}
			q.pending[target] = append(fifo[:i], fifo[i+1:]...)
			return true
		}
	}
	return false
}

// PendingCount reports actions not yet completed, in-flight included.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	count := q.executing
	for _, fifo := range q.pending {
		count += len(fifo)
	}
	return count
}

// Close stops dispatching and waits for in-flight work to finish. Queued
// actions are dropped without a result callback.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.done)
	q.pending = make(map[string][]*models.PendingAction)
	q.mu.Unlock()
	q.wg.Wait()
}

// runTarget drains one target's FIFO sequentially.
func (q *Queue) runTarget(target string) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		fifo := q.pending[target]
		if len(fifo) == 0 || q.closed {
			delete(q.inFlight, target)
			q.mu.Unlock()
			return
		}
		action := fifo[0]
		q.pending[target] = fifo[1:]
		action.State = models.ActionInFlight
		q.executing++
		callback := q.onResult
		q.mu.Unlock()

		q.execute(action)

		q.mu.Lock()
		q.executing--
		q.mu.Unlock()

		if callback != nil {
			callback(*action)
		}
	}
}

// execute runs one action to a terminal state, retrying transport errors.
func (q *Queue) execute(action *models.PendingAction) {
	backoff := q.cfg.InitialBackoff
	for {
		action.Attempts++
		err := q.dispatch(action)
		if err == nil {
			action.State = models.ActionCommitted
			action.Err = nil
			return
		}
		if !api.IsTransport(err) || action.Attempts >= q.cfg.MaxAttempts {
			action.State = models.ActionFailed
			action.Err = err
			log.Printf("queue: %s on %s failed after %d attempts: %v",
				action.Kind, action.Target, action.Attempts, err)
			return
		}

		log.Printf("queue: %s on %s attempt %d failed, retrying in %v: %v",
			action.Kind, action.Target, action.Attempts, backoff, err)
		select {
		case <-q.done:
			action.State = models.ActionFailed
			action.Err = err
			return
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > q.cfg.MaxBackoff {
			backoff = q.cfg.MaxBackoff
		}
	}
}

func (q *Queue) dispatch(action *models.PendingAction) error {
	ctx, cancel := context.WithTimeout(context.Background(), q.cfg.RequestTimeout)
	defer cancel()

	switch action.Kind {
	case models.ActionSend:
		req := api.SendRequest{
			From:       action.Message.Sender,
			To:         action.Message.Recipient,
			Body:       action.Message.Body,
			Attachment: action.Message.Attachment,
		}
		msg, err := q.api.SendMessage(ctx, req)
		if err != nil {
			return err
		}
		// Server echo replaces the optimistic copy; the temp id stays in
		// Target so the overlay entry can be matched and dropped.
		action.Message = msg
		return nil
	case models.ActionEdit:
		msg, err := q.api.EditMessage(ctx, action.Target, action.NewBody)
		if err != nil {
			return err
		}
		action.Message = msg
		return nil
	case models.ActionDelete:
		return q.api.DeleteMessage(ctx, action.Target, action.Scope, action.Actor)
	default:
		return &api.ValidationError{Detail: "unknown action kind"}
	}
}
