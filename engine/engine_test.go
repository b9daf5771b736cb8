package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"chatsync/api"
	"chatsync/api/apitest"
	"chatsync/api/rest"
	"chatsync/cache"
	"chatsync/models"
	"chatsync/queue"
)

func newTestEngine(t *testing.T) (*Engine, *apitest.Server, *queue.Queue) {
	t.Helper()
	srv := apitest.NewServer()
	srv.MustAddUser("alice", "pw", false)
	srv.MustAddUser("bob", "pw", false)

	q := queue.New(srv, queue.Config{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		RequestTimeout: time.Second,
	})
	t.Cleanup(q.Close)

	e := New(srv, q, nil)
	e.Start("alice")
	return e, srv, q
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// The optimistic overlay scenario: a send shows immediately, survives a
// poll that does not yet include it, and collapses to exactly one copy
// once the server snapshot carries it.
func TestOverlaySurvivesLaggingPoll(t *testing.T) {
	e, srv, _ := newTestEngine(t)
	ctx := e.SetActiveChat("bob")

	srv.HoldSends(true)
	if _, err := e.ApplyLocalSend("bob", "hi", nil); err != nil {
		t.Fatalf("ApplyLocalSend: %v", err)
	}

	visible := e.Visible()
	if len(visible) != 1 || visible[0].Body != "hi" {
		t.Fatalf("expected immediate overlay 'hi', got %v", visible)
	}

	waitFor(t, "send commit", func() bool {
		pending := e.PendingActions()
		return len(pending) == 1 && pending[0].State == models.ActionCommitted
	})

	// Poll returns a snapshot without the message: overlay must keep it.
	if err := e.Poll(ctx); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	visible = e.Visible()
	if len(visible) != 1 || visible[0].Body != "hi" {
		t.Fatalf("overlay lost the unindexed send: %v", visible)
	}

	// Next poll includes it: the overlay entry is dropped, one copy stays.
	srv.ReleaseHeld()
	if err := e.Poll(ctx); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	visible = e.Visible()
	if len(visible) != 1 || visible[0].Body != "hi" {
		t.Fatalf("expected exactly one 'hi', got %v", visible)
	}
	if visible[0].Local {
		t.Error("visible message should be the authoritative server copy")
	}
	if len(e.PendingActions()) != 0 {
		t.Errorf("overlay entry should be dropped, still have %d", len(e.PendingActions()))
	}
}

// Same round trip over the REST client against a server speaking the
// real wire shapes: /send_message acknowledges with a status line and the
// assigned id, /get_messages returns full messages. After commit and one
// poll, exactly one copy of the send must be visible and the overlay
// entry dropped.
func TestSendRoundTripOverRESTShapes(t *testing.T) {
	type stored struct {
		id, from, to, body, ts string
	}
	var mu sync.Mutex
	var msgs []stored

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/send_message":
			var req struct {
				FromUser string `json:"from_user"`
				ToUser   string `json:"to_user"`
				Message  string `json:"message"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("bad send body: %v", err)
			}
			mu.Lock()
			id := fmt.Sprintf("srv-%d", len(msgs)+1)
			msgs = append(msgs, stored{
				id, req.FromUser, req.ToUser, req.Message,
				time.Now().UTC().Format("2006-01-02T15:04:05.999999"),
			})
			mu.Unlock()
			json.NewEncoder(w).Encode(map[string]string{
				"message":    "Message sent successfully",
				"message_id": id,
			})
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/get_messages/"):
			mu.Lock()
			out := make([]map[string]interface{}, 0, len(msgs))
			for _, m := range msgs {
				out = append(out, map[string]interface{}{
					"id": m.id, "from": m.from, "to": m.to,
					"message": m.body, "timestamp": m.ts,
				})
			}
			mu.Unlock()
			json.NewEncoder(w).Encode(map[string]interface{}{"messages": out})
		default:
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"detail": "not found"})
		}
	}))
	defer srv.Close()

	restClient := rest.New(srv.URL, time.Second)
	q := queue.New(restClient, queue.Config{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		RequestTimeout: time.Second,
	})
	defer q.Close()
	e := New(restClient, q, nil)
	e.Start("alice")
	ctx := e.SetActiveChat("bob")

	if _, err := e.ApplyLocalSend("bob", "hi", nil); err != nil {
		t.Fatalf("ApplyLocalSend: %v", err)
	}
	waitFor(t, "send commit", func() bool {
		pending := e.PendingActions()
		return len(pending) == 1 && pending[0].State == models.ActionCommitted
	})
	if err := e.Poll(ctx); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	visible := e.Visible()
	if len(visible) != 1 || visible[0].Body != "hi" {
		t.Fatalf("expected exactly one 'hi', got %v", visible)
	}
	if visible[0].Local || visible[0].ID != "srv-1" {
		t.Errorf("expected the indexed server copy, got %+v", visible[0])
	}
	if len(e.PendingActions()) != 0 {
		t.Errorf("overlay entry should be dropped, still have %d", len(e.PendingActions()))
	}
}

func TestStaleCompletionDiscarded(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.SetActiveChat("bob")

	newer := []models.Message{{ID: "m2", Sender: "bob", Recipient: "alice", Body: "new", Timestamp: time.Now()}}
	older := []models.Message{{ID: "m1", Sender: "bob", Recipient: "alice", Body: "old", Timestamp: time.Now().Add(-time.Minute)}}

	// Fetch 2 completes before fetch 1: the late, stale completion must
	// not overwrite newer state.
	e.applySnapshot("bob", 2, newer)
	e.applySnapshot("bob", 1, older)

	visible := e.Visible()
	if len(visible) != 1 || visible[0].ID != "m2" {
		t.Fatalf("stale snapshot overwrote newer state: %v", visible)
	}
}

func TestSwitchingChatCancelsPolls(t *testing.T) {
	e, _, _ := newTestEngine(t)
	oldCtx := e.SetActiveChat("bob")
	e.SetActiveChat("carol")

	if oldCtx.Err() == nil {
		t.Error("switching chats must cancel the previous poll context")
	}

	// A completion for the abandoned chat is ignored.
	e.applySnapshot("bob", 1, []models.Message{{ID: "m1", Sender: "bob", Recipient: "alice", Body: "late"}})
	if got := e.Visible(); len(got) != 0 {
		t.Errorf("abandoned chat's poll result applied: %v", got)
	}
}

func TestFailedActionRemovedFromOverlay(t *testing.T) {
	e, srv, _ := newTestEngine(t)
	e.SetActiveChat("bob")

	srv.SetFault("send_message", &api.TransportError{Op: "send", Err: errors.New("connection refused")})
	if _, err := e.ApplyLocalSend("bob", "doomed", nil); err != nil {
		t.Fatalf("ApplyLocalSend: %v", err)
	}
	if len(e.Visible()) != 1 {
		t.Fatal("overlay should show the message while pending")
	}

	// Retries exhaust, the action fails, the phantom disappears.
	waitFor(t, "overlay cleanup", func() bool { return len(e.PendingActions()) == 0 })
	if got := e.Visible(); len(got) != 0 {
		t.Errorf("failed send still visible: %v", got)
	}
	if srv.MessageCount() != 0 {
		t.Error("no message should have reached the server")
	}
}

// A rejected enqueue must not leave a phantom overlay entry behind.
func TestEnqueueFailureLeavesNoOverlayEntry(t *testing.T) {
	e, _, q := newTestEngine(t)
	e.SetActiveChat("bob")
	q.Close()

	if _, err := e.ApplyLocalSend("bob", "hi", nil); err == nil {
		t.Fatal("expected an error from the closed queue")
	}
	if got := e.PendingActions(); len(got) != 0 {
		t.Errorf("overlay should be empty after a failed enqueue, got %d", len(got))
	}
	if got := e.Visible(); len(got) != 0 {
		t.Errorf("nothing should be visible, got %v", got)
	}
}

func TestEditThenPollShowsEditedBody(t *testing.T) {
	e, srv, _ := newTestEngine(t)
	ctx := e.SetActiveChat("bob")

	sent, err := srv.SendMessage(context.Background(), api.SendRequest{From: "alice", To: "bob", Body: "helo"})
	if err != nil {
		t.Fatalf("seed send: %v", err)
	}
	if err := e.Poll(ctx); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	if err := e.ApplyLocalEdit(sent.ID, "hello"); err != nil {
		t.Fatalf("ApplyLocalEdit: %v", err)
	}

	// Edit is visible immediately, before the server confirms.
	visible := e.Visible()
	if len(visible) != 1 || visible[0].Body != "hello" || !visible[0].Edited {
		t.Fatalf("expected optimistic edit, got %v", visible)
	}

	waitFor(t, "edit commit", func() bool {
		pending := e.PendingActions()
		return len(pending) == 0 || pending[0].State == models.ActionCommitted
	})
	if err := e.Poll(ctx); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	visible = e.Visible()
	if len(visible) != 1 || visible[0].Body != "hello" || !visible[0].Edited {
		t.Fatalf("expected committed edit after poll, got %v", visible)
	}
}

func TestDeleteForMeHidesLocally(t *testing.T) {
	e, srv, _ := newTestEngine(t)
	ctx := e.SetActiveChat("bob")

	sent, err := srv.SendMessage(context.Background(), api.SendRequest{From: "bob", To: "alice", Body: "spam"})
	if err != nil {
		t.Fatalf("seed send: %v", err)
	}
	if err := e.Poll(ctx); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if err := e.ApplyLocalDelete(sent.ID, models.DeleteForMe); err != nil {
		t.Fatalf("ApplyLocalDelete: %v", err)
	}

	if got := e.Visible(); len(got) != 0 {
		t.Fatalf("deleted message still visible: %v", got)
	}

	// Bob still sees it on the server.
	bobView, err := srv.GetMessages(context.Background(), "bob", "alice")
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	waitFor(t, "delete commit", func() bool { return len(e.PendingActions()) == 0 || e.PendingActions()[0].State == models.ActionCommitted })
	if len(bobView) != 1 {
		t.Errorf("delete for me must not hide the message from bob, got %d", len(bobView))
	}
}

func TestConversationList(t *testing.T) {
	e, srv, _ := newTestEngine(t)
	srv.MustAddUser("carol", "pw", false)
	for _, peer := range []string{"bob", "carol"} {
		if _, err := srv.SendMessage(context.Background(), api.SendRequest{From: "alice", To: peer, Body: "hey"}); err != nil {
			t.Fatalf("seed send: %v", err)
		}
	}

	if err := e.LoadConversationList(context.Background()); err != nil {
		t.Fatalf("LoadConversationList: %v", err)
	}
	convs := e.Conversations()
	if len(convs) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(convs))
	}
}

// A restarted client shows cached history before its first poll.
func TestCachedHistoryAvailableBeforeFirstPoll(t *testing.T) {
	srv := apitest.NewServer()
	srv.MustAddUser("alice", "pw", false)
	srv.MustAddUser("bob", "pw", false)

	tmpfile, err := os.CreateTemp("", "engine-cache-*.db")
	if err != nil {
		t.Fatalf("temp file: %v", err)
	}
	tmpfile.Close()
	os.Remove(tmpfile.Name())
	defer os.Remove(tmpfile.Name())

	localCache, err := cache.New(tmpfile.Name())
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	defer localCache.Close()

	qcfg := queue.Config{MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, RequestTimeout: time.Second}

	q1 := queue.New(srv, qcfg)
	e1 := New(srv, q1, localCache)
	e1.Start("alice")
	ctx := e1.SetActiveChat("bob")
	if _, err := srv.SendMessage(context.Background(), api.SendRequest{From: "bob", To: "alice", Body: "stored"}); err != nil {
		t.Fatalf("seed send: %v", err)
	}
	if err := e1.Poll(ctx); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	e1.Stop()
	q1.Close()

	// Fresh engine, same cache: history is there without any poll.
	q2 := queue.New(srv, qcfg)
	defer q2.Close()
	e2 := New(srv, q2, localCache)
	e2.Start("alice")
	e2.SetActiveChat("bob")

	visible := e2.Visible()
	if len(visible) != 1 || visible[0].Body != "stored" {
		t.Fatalf("expected cached history before first poll, got %v", visible)
	}
}

func TestPollTransportErrorKeepsState(t *testing.T) {
	e, srv, _ := newTestEngine(t)
	ctx := e.SetActiveChat("bob")

	if _, err := srv.SendMessage(context.Background(), api.SendRequest{From: "bob", To: "alice", Body: "kept"}); err != nil {
		t.Fatalf("seed send: %v", err)
	}
	if err := e.Poll(ctx); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	srv.SetFault("get_messages", &api.TransportError{Op: "poll", Err: errors.New("timeout")})
	if err := e.Poll(ctx); err == nil {
		t.Fatal("expected poll error")
	}
	if e.LastError() == nil {
		t.Error("poll failure should be surfaced via LastError")
	}
	if got := e.Visible(); len(got) != 1 || got[0].Body != "kept" {
		t.Errorf("stale state should remain available, got %v", got)
	}
}
