package models

import "time"

// SessionState is the lifecycle state of the client session.
type SessionState int

const (
	StateLoggedOut SessionState = iota
	StateAuthenticating
	StateActive
	StateInvalidated
)

func (s SessionState) String() string {
	switch s {
	case StateLoggedOut:
		return "logged_out"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateInvalidated:
		return "invalidated"
	default:
		return "unknown"
	}
}

// Session is the authenticated identity of this client instance.
// Exactly one Session is live per client.
type Session struct {
	Username string
	Token    string
	IsAdmin  bool
	State    SessionState
}

// Attachment describes an uploaded file referenced by a message.
type Attachment struct {
	URL  string
	Name string
	Type string // "image", "video", "audio" or "file"
}

type Message struct {
	ID         string // server-assigned; local temp id until acknowledged
	Sender     string
	Recipient  string
	Body       string
	Timestamp  time.Time
	Attachment *Attachment
	Edited     bool
	DeletedFor map[string]bool // usernames the message is hidden from
	Local      bool            // true until the server echo replaces it
}

// VisibleTo reports whether user should see the message.
func (m *Message) VisibleTo(user string) bool {
	return !m.DeletedFor[user]
}

// Clone returns a deep copy, so snapshots handed out stay independent.
func (m *Message) Clone() Message {
	out := *m
	if m.Attachment != nil {
		att := *m.Attachment
		out.Attachment = &att
	}
	if m.DeletedFor != nil {
		out.DeletedFor = make(map[string]bool, len(m.DeletedFor))
		for u := range m.DeletedFor {
			out.DeletedFor[u] = true
		}
	}
	return out
}

// Conversation is identified by the unordered pair of participants.
type Conversation struct {
	Peer         string // the other participant, from this client's view
	LastActivity time.Time
	MessageCount int
}

type PresenceEntry struct {
	Username string
	Online   bool
	LastSeen time.Time
}

// ActionKind is the type of a queued local mutation.
type ActionKind int

const (
	ActionSend ActionKind = iota
	ActionEdit
	ActionDelete
)

func (k ActionKind) String() string {
	switch k {
	case ActionSend:
		return "send"
	case ActionEdit:
		return "edit"
	case ActionDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// ActionState is the lifecycle state of a PendingAction.
type ActionState int

const (
	ActionQueued ActionState = iota
	ActionInFlight
	ActionCommitted
	ActionFailed
)

// DeleteScope selects who a deletion hides the message from.
type DeleteScope string

const (
	DeleteForMe       DeleteScope = "me"
	DeleteForEveryone DeleteScope = "everyone"
)

// PendingAction is a local mutation awaiting server acknowledgment.
// At most one action per target message id is in flight at a time.
type PendingAction struct {
	ID       string
	Kind     ActionKind
	Target   string // message id (temp id for sends)
	Message  Message
	NewBody  string
	Scope    DeleteScope
	Actor    string // username performing the action
	Attempts int
	State    ActionState
	Err      error
}
