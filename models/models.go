package models

import (
	"time"
)

// Identity is the resolved actor behind a connection or a request. It is a
// value; once resolved it is copied around read-only. An empty ID with
// Anonymous set is the ambient "not logged in" identity.
type Identity struct {
	ID        string `json:"id,omitempty"`
	Username  string `json:"username"`
	Email     string `json:"email,omitempty"`
	Staff     bool   `json:"staff,omitempty"`
	Anonymous bool   `json:"anonymous,omitempty"`
}

// AnonymousIdentity is the fallback used when no credential is presented.
func AnonymousIdentity() Identity {
	return Identity{Username: "anonymous", Anonymous: true}
}

// Snippet is the shared resource clients mutate and watch.
type Snippet struct {
	ID      string    `json:"id"`
	Title   string    `json:"title"`
	Body    string    `json:"body"`
	Owner   string    `json:"owner"`
	Private bool      `json:"private"`
	Created time.Time `json:"created"`
}

// SnippetInput carries the mutable fields of a snippet for create/update.
type SnippetInput struct {
	Title   string `json:"title"`
	Body    string `json:"body"`
	Private bool   `json:"private"`
}

type EventKind string

const (
	EventCreate EventKind = "CREATE"
	EventUpdate EventKind = "UPDATE"
	EventDelete EventKind = "DELETE"
)

// Event describes one completed mutation. Events are transient: broadcast
// once at publish time and never replayed. For DELETE the Snippet field is
// the pre-delete snapshot, since the row no longer exists server side.
type Event struct {
	EventID   string    `json:"event_id"`
	Kind      EventKind `json:"kind"`
	Sender    string    `json:"sender"`
	SenderID  string    `json:"sender_id,omitempty"`
	Snippet   *Snippet  `json:"snippet,omitempty"`
	Topic     string    `json:"topic,omitempty"`
	EmittedAt time.Time `json:"emitted_at"`
}
