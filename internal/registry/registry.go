package registry

import (
	"errors"
	"log/slog"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/InsulaLabs/snipcast/models"
)

// TopicGlobal is the distinguished "no specific topic" channel. Subscribers
// to it receive every published event regardless of the event's own topic.
const TopicGlobal = ""

const maxTopicLen = 128

var ErrInvalidTopic = errors.New("invalid topic")

// EventSink receives events on behalf of one connection. Deliver must not
// block; the registry calls it synchronously while iterating a broadcast
// snapshot. The registry never owns the connection behind a sink, it only
// tracks membership.
type EventSink interface {
	Deliver(event models.Event, subID string, args models.SubscriptionArgs)
}

// Handle identifies one subscription for later removal.
type Handle struct {
	topic  string
	connID string
	subID  string
}

type subKey struct {
	connID string
	subID  string
}

type entry struct {
	sink EventSink
	args models.SubscriptionArgs
}

// Registry is the shared subscription index: topic -> live subscribers.
// Topics exist implicitly while they have at least one subscriber. All
// mutation is serialized internally; broadcast delivery happens outside the
// lock against a point-in-time snapshot.
type Registry struct {
	logger *slog.Logger

	mu     sync.RWMutex
	topics map[string]map[subKey]entry
	byConn map[string][]Handle
}

func New(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger.WithGroup("registry"),
		topics: make(map[string]map[subKey]entry),
		byConn: make(map[string][]Handle),
	}
}

// ValidTopic reports whether a topic string is acceptable. The global topic
// (empty string) is always valid.
func ValidTopic(topic string) bool {
	if len(topic) > maxTopicLen {
		return false
	}
	if !utf8.ValidString(topic) {
		return false
	}
	for _, r := range topic {
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}

// Subscribe registers one (connection, subscription id) pair under a topic.
// The only failure mode is a malformed topic string.
func (r *Registry) Subscribe(topic, connID, subID string, sink EventSink, args models.SubscriptionArgs) (Handle, error) {
	if !ValidTopic(topic) {
		return Handle{}, ErrInvalidTopic
	}

	h := Handle{topic: topic, connID: connID, subID: subID}
	key := subKey{connID: connID, subID: subID}

	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.topics[topic]
	if !ok {
		subs = make(map[subKey]entry)
		r.topics[topic] = subs
	}
	subs[key] = entry{sink: sink, args: args}
	r.byConn[connID] = append(r.byConn[connID], h)

	r.logger.Debug("subscribed", "topic", topic, "conn", connID, "sub", subID)
	return h, nil
}

// Unsubscribe removes one subscription. Removing an already removed handle
// is a no-op; the race between a client stop and connection teardown makes
// that a normal occurrence, not an inconsistency.
func (r *Registry) Unsubscribe(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remove(h)
}

// remove deletes the handle from both indexes. Caller holds the lock.
func (r *Registry) remove(h Handle) bool {
	key := subKey{connID: h.connID, subID: h.subID}
	subs, ok := r.topics[h.topic]
	if !ok {
		return false
	}
	if _, ok := subs[key]; !ok {
		return false
	}
	delete(subs, key)
	if len(subs) == 0 {
		delete(r.topics, h.topic)
	}

	handles := r.byConn[h.connID]
	for i, other := range handles {
		if other == h {
			handles[i] = handles[len(handles)-1]
			handles = handles[:len(handles)-1]
			break
		}
	}
	if len(handles) == 0 {
		delete(r.byConn, h.connID)
	} else {
		r.byConn[h.connID] = handles
	}

	r.logger.Debug("unsubscribed", "topic", h.topic, "conn", h.connID, "sub", h.subID)
	return true
}

// UnsubscribeConnection removes every subscription owned by a connection.
// Cost is proportional to that connection's subscription count, not the
// total index size. Returns how many were removed.
func (r *Registry) UnsubscribeConnection(connID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	handles := r.byConn[connID]
	if len(handles) == 0 {
		return 0
	}
	// remove mutates byConn[connID]; iterate a copy.
	snapshot := make([]Handle, len(handles))
	copy(snapshot, handles)

	removed := 0
	for _, h := range snapshot {
		if r.remove(h) {
			removed++
		} else {
			// Tracked in byConn but missing from the topic index. A logic
			// bug if it ever happens; log, never surface to clients.
			r.logger.Error("connection index out of sync with topic index",
				"topic", h.topic, "conn", h.connID, "sub", h.subID)
		}
	}
	return removed
}

// SubscriptionCount reports the live subscription count for a connection.
func (r *Registry) SubscriptionCount(connID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn[connID])
}

// Broadcast delivers an event to every current subscriber of a topic. The
// subscriber set is snapshotted under the lock and delivery happens outside
// it, so a subscriber added or removed mid-broadcast is deterministically in
// or out based on the snapshot, and a slow sink cannot block registry
// mutation. Returns the snapshot size.
func (r *Registry) Broadcast(topic string, event models.Event) int {
	type delivery struct {
		sink  EventSink
		subID string
		args  models.SubscriptionArgs
	}

	r.mu.RLock()
	subs := r.topics[topic]
	snapshot := make([]delivery, 0, len(subs))
	for key, e := range subs {
		snapshot = append(snapshot, delivery{sink: e.sink, subID: key.subID, args: e.args})
	}
	r.mu.RUnlock()

	for _, d := range snapshot {
		d.sink.Deliver(event, d.subID, d.args)
	}
	return len(snapshot)
}
