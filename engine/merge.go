package engine

import (
	"sort"
	"time"

	"chatsync/models"
)

// sendMatchWindow bounds how far a server echo's timestamp may drift from
// the local submission time and still replace the optimistic copy.
const sendMatchWindow = 2 * time.Minute

// Merge reconciles a fetched server snapshot with the outstanding pending
// actions and returns the sequence visible to viewer. It is a pure
// function: neither input is mutated, and applying the same snapshot twice
// with the same pending set yields the same result.
//
// Pending actions are re-applied on top of the snapshot in submission
// order, so an unconfirmed send, edit or delete is never visibly lost to
// an intervening poll. Ordering is (timestamp, id); visibility intersects
// each message's DeletedFor set with the viewer.
func Merge(snapshot []models.Message, pending []*models.PendingAction, viewer string) []models.Message {
	working := make([]models.Message, 0, len(snapshot)+len(pending))
	index := make(map[string]int, len(snapshot))
	for _, msg := range snapshot {
		index[msg.ID] = len(working)
		working = append(working, msg.Clone())
	}

	for _, action := range pending {
		switch action.Kind {
		case models.ActionSend:
			if findEcho(working, index, action) >= 0 {
				continue // authoritative copy already present
			}
			working = append(working, action.Message.Clone())
		case models.ActionEdit:
			if i, ok := index[action.Target]; ok {
				working[i].Body = action.NewBody
				working[i].Edited = true
			}
		case models.ActionDelete:
			if i, ok := index[action.Target]; ok {
				applyDelete(&working[i], action)
			}
		}
	}

	sort.SliceStable(working, func(i, j int) bool {
		if !working[i].Timestamp.Equal(working[j].Timestamp) {
			return working[i].Timestamp.Before(working[j].Timestamp)
		}
		return working[i].ID < working[j].ID
	})

	visible := make([]models.Message, 0, len(working))
	for _, msg := range working {
		if msg.VisibleTo(viewer) {
			visible = append(visible, msg)
		}
	}
	return visible
}

// applyDelete grows the message's DeletedFor set. The set is monotone:
// entries are only ever added, so conflicting delete scopes from the two
// participants resolve to the union.
func applyDelete(msg *models.Message, action *models.PendingAction) {
	if msg.DeletedFor == nil {
		msg.DeletedFor = make(map[string]bool)
	}
	switch action.Scope {
	case models.DeleteForEveryone:
		msg.DeletedFor[msg.Sender] = true
		msg.DeletedFor[msg.Recipient] = true
	default:
		msg.DeletedFor[action.Actor] = true
	}
}

// findEcho locates the server's copy of an optimistic send: first by
// server id (known once the action committed), then by sender, recipient,
// body and a bounded submission-time window.
func findEcho(working []models.Message, index map[string]int, action *models.PendingAction) int {
	if action.State == models.ActionCommitted && !action.Message.Local {
		if i, ok := index[action.Message.ID]; ok {
			return i
		}
	}
	for i := range working {
		msg := &working[i]
		if msg.Local {
			continue
		}
		if msg.Sender == action.Message.Sender &&
			msg.Recipient == action.Message.Recipient &&
			msg.Body == action.Message.Body &&
			absDuration(msg.Timestamp.Sub(action.Message.Timestamp)) <= sendMatchWindow {
			return i
		}
	}
	return -1
}

// Reflected reports whether the snapshot already shows the action's
// outcome, meaning its overlay entry can be dropped.
func Reflected(snapshot []models.Message, action *models.PendingAction) bool {
	switch action.Kind {
	case models.ActionSend:
		index := make(map[string]int, len(snapshot))
		for i, msg := range snapshot {
			index[msg.ID] = i
		}
		return findEcho(snapshot, index, action) >= 0
	case models.ActionEdit:
		if action.State != models.ActionCommitted {
			return false
		}
		for i := range snapshot {
			if snapshot[i].ID == action.Target {
				return snapshot[i].Edited && snapshot[i].Body == action.NewBody
			}
		}
		return false
	case models.ActionDelete:
		if action.State != models.ActionCommitted {
			return false
		}
		for i := range snapshot {
			msg := &snapshot[i]
			if msg.ID != action.Target {
				continue
			}
			if action.Scope == models.DeleteForEveryone {
				return msg.DeletedFor[msg.Sender] && msg.DeletedFor[msg.Recipient]
			}
			return msg.DeletedFor[action.Actor]
		}
		// Gone from the snapshot entirely counts as reflected.
		return true
	default:
		return false
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
