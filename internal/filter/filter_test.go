package filter

import (
	"testing"
	"time"

	"github.com/InsulaLabs/snipcast/models"
)

func testEvent(kind models.EventKind, sender, senderID, topic string) models.Event {
	return models.Event{
		EventID:  "ev-1",
		Kind:     kind,
		Sender:   sender,
		SenderID: senderID,
		Topic:    topic,
		Snippet: &models.Snippet{
			ID:      "2",
			Title:   "Updated Title",
			Body:    "Homer simpson has left the building",
			Owner:   "alice",
			Private: false,
			Created: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		},
	}
}

func TestShouldDeliver_SelfNotificationSuppression(t *testing.T) {
	var e Engine
	event := testEvent(models.EventUpdate, "alice", "u-1", "UPDATE")

	cases := []struct {
		name      string
		recipient models.Identity
		want      bool
	}{
		{"actor by id", models.Identity{ID: "u-1", Username: "alice"}, false},
		{"actor renamed, same id", models.Identity{ID: "u-1", Username: "alice2"}, false},
		{"other user", models.Identity{ID: "u-2", Username: "bob"}, true},
		{"same username no ids", models.Identity{Username: "alice"}, false},
		{"anonymous recipient", models.AnonymousIdentity(), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := e.ShouldDeliver(event, tc.recipient, models.SubscriptionArgs{}); got != tc.want {
				t.Errorf("ShouldDeliver() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestShouldDeliver_UsernameFallbackWhenEventHasNoSenderID(t *testing.T) {
	var e Engine
	event := testEvent(models.EventUpdate, "alice", "", "UPDATE")

	recipient := models.Identity{ID: "u-9", Username: "alice"}
	if e.ShouldDeliver(event, recipient, models.SubscriptionArgs{}) {
		t.Error("expected suppression via username fallback")
	}
}

func TestShouldDeliver_TopicDiscriminator(t *testing.T) {
	var e Engine
	bob := models.Identity{ID: "u-2", Username: "bob"}
	event := testEvent(models.EventUpdate, "alice", "u-1", "UPDATE")

	if !e.ShouldDeliver(event, bob, models.SubscriptionArgs{Topic: "UPDATE"}) {
		t.Error("matching discriminator should deliver")
	}
	if e.ShouldDeliver(event, bob, models.SubscriptionArgs{Topic: "DELETE"}) {
		t.Error("mismatched discriminator should not deliver")
	}
	// Global flavor: no discriminator, always true subject to self-suppression.
	if !e.ShouldDeliver(event, bob, models.SubscriptionArgs{}) {
		t.Error("global flavor should deliver")
	}
}

func TestProject_FullShape(t *testing.T) {
	var e Engine
	event := testEvent(models.EventUpdate, "alice", "u-1", "UPDATE")

	payload := e.Project(event, models.SubscriptionArgs{})
	if !payload.OK {
		t.Error("payload.OK = false, want true")
	}
	if payload.Sender != "alice" {
		t.Errorf("payload.Sender = %q, want alice", payload.Sender)
	}
	if payload.Topic != "UPDATE" {
		t.Errorf("payload.Topic = %q, want UPDATE", payload.Topic)
	}
	for _, field := range []string{"id", "title", "body", "owner", "private", "created"} {
		if _, ok := payload.Snippet[field]; !ok {
			t.Errorf("full projection missing field %q", field)
		}
	}
}

func TestProject_FieldSelection(t *testing.T) {
	var e Engine
	event := testEvent(models.EventUpdate, "alice", "u-1", "UPDATE")

	payload := e.Project(event, models.SubscriptionArgs{Fields: []string{"id", "title"}})
	if len(payload.Snippet) != 2 {
		t.Fatalf("projection has %d fields, want 2: %v", len(payload.Snippet), payload.Snippet)
	}
	if payload.Snippet["id"] != "2" {
		t.Errorf("projected id = %v, want 2", payload.Snippet["id"])
	}
	if payload.Snippet["title"] != "Updated Title" {
		t.Errorf("projected title = %v, want Updated Title", payload.Snippet["title"])
	}
}

func TestProject_DeleteReducedShape(t *testing.T) {
	var e Engine
	event := testEvent(models.EventDelete, "alice", "u-1", "DELETE")

	payload := e.Project(event, models.SubscriptionArgs{})
	if payload.Snippet["id"] != "2" {
		t.Errorf("DELETE projection id = %v, want 2", payload.Snippet["id"])
	}
	// Pre-delete snapshot fields survive; everything else is gone.
	for _, field := range []string{"title", "body"} {
		if _, ok := payload.Snippet[field]; !ok {
			t.Errorf("DELETE projection missing snapshot field %q", field)
		}
	}
	for _, field := range []string{"owner", "private", "created"} {
		if _, ok := payload.Snippet[field]; ok {
			t.Errorf("DELETE projection leaked field %q", field)
		}
	}
}

func TestProject_NilSnippet(t *testing.T) {
	var e Engine
	event := models.Event{EventID: "ev-1", Kind: models.EventDelete, Sender: "alice"}

	payload := e.Project(event, models.SubscriptionArgs{})
	if payload.Snippet != nil {
		t.Errorf("projection of nil snippet = %v, want nil", payload.Snippet)
	}
	if !payload.OK {
		t.Error("payload.OK = false, want true")
	}
}

func TestValidFields(t *testing.T) {
	var e Engine
	if !e.ValidFields(nil) {
		t.Error("ValidFields(nil) = false, want true")
	}
	if !e.ValidFields([]string{"id", "created"}) {
		t.Error("ValidFields(id, created) = false, want true")
	}
	if e.ValidFields([]string{"id", "password"}) {
		t.Error("ValidFields with unknown field = true, want false")
	}
}
