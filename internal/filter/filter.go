package filter

import (
	"github.com/InsulaLabs/snipcast/models"
)

// snippetFields is the full projectable field set of a snippet.
var snippetFields = map[string]struct{}{
	"id":      {},
	"title":   {},
	"body":    {},
	"owner":   {},
	"private": {},
	"created": {},
}

// deleteFields is what remains projectable for a DELETE event. The record
// is gone server side; only the pre-delete snapshot's identifying fields
// are carried.
var deleteFields = map[string]struct{}{
	"id":    {},
	"title": {},
	"body":  {},
}

// Engine decides, per (event, recipient, subscription args) triple, whether
// an event reaches a subscriber and in what shape. It is stateless.
type Engine struct{}

// ValidFields reports whether every requested projection field names a real
// snippet field. An empty request is valid and means "everything".
func (Engine) ValidFields(fields []string) bool {
	for _, f := range fields {
		if _, ok := snippetFields[f]; !ok {
			return false
		}
	}
	return true
}

// ShouldDeliver applies the self-notification suppression rule and the
// specific-topic discriminator. Suppression keys on the stable identity id
// when both the event and the recipient carry one, and falls back to
// username equality otherwise.
func (Engine) ShouldDeliver(event models.Event, recipient models.Identity, args models.SubscriptionArgs) bool {
	if !recipient.Anonymous {
		if event.SenderID != "" && recipient.ID != "" {
			if event.SenderID == recipient.ID {
				return false
			}
		} else if event.Sender == recipient.Username {
			return false
		}
	}

	if args.Topic != "" && event.Topic != args.Topic {
		return false
	}
	return true
}

// Project shapes an event into the payload a subscription asked for. Fields
// outside the requested set are dropped; DELETE events are reduced to the
// identifying shape regardless of the request.
func (Engine) Project(event models.Event, args models.SubscriptionArgs) models.EventPayload {
	payload := models.EventPayload{
		Topic:  event.Topic,
		Sender: event.Sender,
		OK:     true,
	}
	if event.Snippet == nil {
		return payload
	}

	allowed := snippetFields
	if event.Kind == models.EventDelete {
		allowed = deleteFields
	}

	requested := args.Fields
	if len(requested) == 0 {
		requested = []string{"id", "title", "body", "owner", "private", "created"}
	}

	shape := make(map[string]any, len(requested))
	for _, f := range requested {
		if _, ok := allowed[f]; !ok {
			continue
		}
		switch f {
		case "id":
			shape[f] = event.Snippet.ID
		case "title":
			shape[f] = event.Snippet.Title
		case "body":
			shape[f] = event.Snippet.Body
		case "owner":
			shape[f] = event.Snippet.Owner
		case "private":
			shape[f] = event.Snippet.Private
		case "created":
			shape[f] = event.Snippet.Created
		}
	}
	payload.Snippet = shape
	return payload
}
