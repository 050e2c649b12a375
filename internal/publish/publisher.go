package publish

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/InsulaLabs/snipcast/internal/registry"
	"github.com/InsulaLabs/snipcast/models"
)

// Publisher turns completed mutations into broadcast events. The mutation
// layer calls Publish synchronously after a successful write and never
// before; a failed write produces no event at all.
type Publisher struct {
	logger   *slog.Logger
	registry *registry.Registry
}

func New(logger *slog.Logger, reg *registry.Registry) *Publisher {
	return &Publisher{
		logger:   logger.WithGroup("publisher"),
		registry: reg,
	}
}

// Publish builds one immutable event and broadcasts it: once to the
// specific topic, if any, and once to the global topic. Both passes carry
// the same event value; each subscriber's own filter decides inclusion.
// For DELETE the snippet must be the pre-delete snapshot.
func (p *Publisher) Publish(kind models.EventKind, actor models.Identity, snippet *models.Snippet, topic string) {
	event := models.Event{
		EventID:   uuid.NewString(),
		Kind:      kind,
		Sender:    actor.Username,
		SenderID:  actor.ID,
		Snippet:   snippet,
		Topic:     topic,
		EmittedAt: time.Now(),
	}

	reached := 0
	if topic != registry.TopicGlobal {
		reached += p.registry.Broadcast(topic, event)
	}
	reached += p.registry.Broadcast(registry.TopicGlobal, event)

	p.logger.Debug("event published",
		"event_id", event.EventID,
		"kind", kind,
		"topic", topic,
		"sender", actor.Username,
		"reached", reached,
	)
}
