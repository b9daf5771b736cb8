package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"chatsync/api"
	"chatsync/models"
)

// fakeAPI overrides only the mutation calls; the embedded nil interface
// panics if the queue ever touches anything else.
type fakeAPI struct {
	api.ClientChatAPI

	mu      sync.Mutex
	calls   []string
	editErr func(attempt int) error
	block   chan struct{} // EditMessage waits on this when non-nil
	entered chan struct{} // EditMessage signals on this at entry when non-nil

	editAttempts int
}

func (f *fakeAPI) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeAPI) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeAPI) SendMessage(ctx context.Context, req api.SendRequest) (models.Message, error) {
	f.record("send:" + req.Body)
	return models.Message{ID: "srv-" + req.Body, Sender: req.From, Recipient: req.To, Body: req.Body, Timestamp: time.Now()}, nil
}

func (f *fakeAPI) EditMessage(ctx context.Context, id, body string) (models.Message, error) {
	f.mu.Lock()
	block := f.block
	entered := f.entered
	f.editAttempts++
	attempt := f.editAttempts
	errFn := f.editErr
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}
	if errFn != nil {
		if err := errFn(attempt); err != nil {
			f.record("edit-fail:" + id)
			return models.Message{}, err
		}
	}
	f.record("edit:" + id)
	return models.Message{ID: id, Body: body, Edited: true}, nil
}

func (f *fakeAPI) DeleteMessage(ctx context.Context, id string, scope models.DeleteScope, actor string) error {
	f.record("delete:" + id)
	return nil
}

func testConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
		RequestTimeout: time.Second,
	}
}

func collectResults(q *Queue) (<-chan models.PendingAction, func()) {
	results := make(chan models.PendingAction, 16)
	q.OnResult(func(a models.PendingAction) { results <- a })
	return results, func() { close(results) }
}

func awaitResult(t *testing.T, results <-chan models.PendingAction) models.PendingAction {
	t.Helper()
	select {
	case r := <-results:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for action result")
		return models.PendingAction{}
	}
}

func TestSendCommitsWithServerEcho(t *testing.T) {
	fake := &fakeAPI{}
	q := New(fake, testConfig())
	defer q.Close()
	results, done := collectResults(q)
	defer done()

	action := &models.PendingAction{
		ID:     "a1",
		Kind:   models.ActionSend,
		Target: "local-1",
		Message: models.Message{
			Sender: "alice", Recipient: "bob", Body: "hi", Timestamp: time.Now(), Local: true,
		},
	}
	if err := q.Enqueue(action); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	result := awaitResult(t, results)
	if result.State != models.ActionCommitted {
		t.Fatalf("expected Committed, got %v (err=%v)", result.State, result.Err)
	}
	if result.Message.ID != "srv-hi" {
		t.Errorf("committed send should carry the server echo, got %q", result.Message.ID)
	}
}

// Edit then delete on the same message must dispatch strictly in
// submission order even when the edit is slow.
func TestPerTargetSerialization(t *testing.T) {
	fake := &fakeAPI{block: make(chan struct{})}
	q := New(fake, testConfig())
	defer q.Close()
	results, done := collectResults(q)
	defer done()

	edit := &models.PendingAction{ID: "a1", Kind: models.ActionEdit, Target: "m1", NewBody: "hello2"}
	del := &models.PendingAction{ID: "a2", Kind: models.ActionDelete, Target: "m1", Scope: models.DeleteForEveryone, Actor: "alice"}

	if err := q.Enqueue(edit); err != nil {
		t.Fatalf("Enqueue edit: %v", err)
	}
	if err := q.Enqueue(del); err != nil {
		t.Fatalf("Enqueue delete: %v", err)
	}

	// The delete must not have been dispatched while the edit blocks.
	time.Sleep(20 * time.Millisecond)
	if calls := fake.recorded(); len(calls) != 0 {
		t.Fatalf("nothing should complete while the edit blocks, got %v", calls)
	}

	close(fake.block)
	first := awaitResult(t, results)
	second := awaitResult(t, results)

	if first.ID != "a1" || second.ID != "a2" {
		t.Fatalf("results out of order: %s then %s", first.ID, second.ID)
	}
	calls := fake.recorded()
	if len(calls) != 2 || calls[0] != "edit:m1" || calls[1] != "delete:m1" {
		t.Fatalf("dispatch order wrong: %v", calls)
	}
}

func TestTransientFailureRetriesThenCommits(t *testing.T) {
	fake := &fakeAPI{
		editErr: func(attempt int) error {
			if attempt < 3 {
				return &api.TransportError{Op: "edit", Err: errors.New("timeout")}
			}
			return nil
		},
	}
	q := New(fake, testConfig())
	defer q.Close()
	results, done := collectResults(q)
	defer done()

	action := &models.PendingAction{ID: "a1", Kind: models.ActionEdit, Target: "m1", NewBody: "v2"}
	if err := q.Enqueue(action); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	result := awaitResult(t, results)
	if result.State != models.ActionCommitted {
		t.Fatalf("expected commit after retries, got %v (err=%v)", result.State, result.Err)
	}
	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
}

func TestRetryCeilingMarksFailed(t *testing.T) {
	fake := &fakeAPI{
		editErr: func(int) error {
			return &api.TransportError{Op: "edit", Err: errors.New("connection refused")}
		},
	}
	q := New(fake, testConfig())
	defer q.Close()
	results, done := collectResults(q)
	defer done()

	action := &models.PendingAction{ID: "a1", Kind: models.ActionEdit, Target: "m1", NewBody: "v2"}
	if err := q.Enqueue(action); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	result := awaitResult(t, results)
	if result.State != models.ActionFailed {
		t.Fatalf("expected Failed, got %v", result.State)
	}
	if result.Attempts != 3 {
		t.Errorf("expected the attempt ceiling (3), got %d", result.Attempts)
	}
	if !api.IsTransport(result.Err) {
		t.Errorf("failure should surface the transport error, got %v", result.Err)
	}
}

func TestTerminalErrorNotRetried(t *testing.T) {
	fake := &fakeAPI{
		editErr: func(int) error {
			return &api.NotFoundError{Kind: "message", Key: "m1"}
		},
	}
	q := New(fake, testConfig())
	defer q.Close()
	results, done := collectResults(q)
	defer done()

	action := &models.PendingAction{ID: "a1", Kind: models.ActionEdit, Target: "m1", NewBody: "v2"}
	if err := q.Enqueue(action); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	result := awaitResult(t, results)
	if result.State != models.ActionFailed {
		t.Fatalf("expected Failed, got %v", result.State)
	}
	if result.Attempts != 1 {
		t.Errorf("not-found must not be retried, got %d attempts", result.Attempts)
	}
}

func TestPendingCountIncludesInFlight(t *testing.T) {
	fake := &fakeAPI{block: make(chan struct{})}
	q := New(fake, testConfig())
	defer q.Close()
	results, done := collectResults(q)
	defer done()

	first := &models.PendingAction{ID: "a1", Kind: models.ActionEdit, Target: "m1", NewBody: "v1"}
	second := &models.PendingAction{ID: "a2", Kind: models.ActionEdit, Target: "m1", NewBody: "v2"}
	if err := q.Enqueue(first); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue(second); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// a1 is blocked mid-dispatch, a2 queued behind it: both still count.
	time.Sleep(20 * time.Millisecond)
	if got := q.PendingCount(); got != 2 {
		t.Errorf("expected 2 pending (one in flight, one queued), got %d", got)
	}

	close(fake.block)
	awaitResult(t, results)
	awaitResult(t, results)
	if got := q.PendingCount(); got != 0 {
		t.Errorf("expected 0 pending after completion, got %d", got)
	}
}

func TestCancelQueuedAction(t *testing.T) {
	fake := &fakeAPI{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	q := New(fake, testConfig())
	defer q.Close()
	results, done := collectResults(q)
	defer done()

	first := &models.PendingAction{ID: "a1", Kind: models.ActionEdit, Target: "m1", NewBody: "v1"}
	second := &models.PendingAction{ID: "a2", Kind: models.ActionEdit, Target: "m1", NewBody: "v2"}
	if err := q.Enqueue(first); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue(second); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// a2 is still queued behind the blocked a1 and can be canceled; a1 is
	// in flight and cannot.
	<-fake.entered
	if !q.Cancel("a2") {
		t.Error("queued action should be cancelable")
	}
	if q.Cancel("a1") {
		t.Error("in-flight action must not be cancelable")
	}

	close(fake.block)
	result := awaitResult(t, results)
	if result.ID != "a1" {
		t.Fatalf("expected only a1 to complete, got %s", result.ID)
	}
	select {
	case extra := <-results:
		t.Fatalf("canceled action produced a result: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}
