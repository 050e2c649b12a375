package session

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/InsulaLabs/snipcast/internal/identity"
	"github.com/InsulaLabs/snipcast/internal/registry"
	"github.com/InsulaLabs/snipcast/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestSession builds a session without a transport; tests drive
// HandleFrame directly and read outbound frames from the send queue.
func newTestSession(t *testing.T, reg *registry.Registry, resolver *identity.Resolver, ambient models.Identity, cfg Config) *Session {
	t.Helper()
	s := New(context.Background(), testLogger(), nil, reg, resolver, ambient, cfg, nil)
	s.Ready()
	return s
}

func recvFrame(t *testing.T, s *Session) models.Frame {
	t.Helper()
	select {
	case f := <-s.send:
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound frame")
		return models.Frame{}
	}
}

func assertNoFrame(t *testing.T, s *Session) {
	t.Helper()
	select {
	case f := <-s.send:
		t.Fatalf("unexpected outbound frame: type=%s id=%s payload=%s", f.Type, f.ID, f.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func decodeData(t *testing.T, f models.Frame) models.DataPayload {
	t.Helper()
	if f.Type != models.FrameData {
		t.Fatalf("frame type = %s, want data", f.Type)
	}
	var payload models.DataPayload
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		t.Fatalf("undecodable data payload: %v", err)
	}
	return payload
}

func startFrame(t *testing.T, id string, args models.SubscriptionArgs) models.Frame {
	t.Helper()
	return models.NewFrame(models.FrameStart, id, args)
}

func TestSession_ConfirmationPrecedesFirstEvent(t *testing.T) {
	reg := registry.New(testLogger())
	s := newTestSession(t, reg, nil, models.Identity{ID: "u-2", Username: "bob"}, Config{ConfirmSubscriptions: true})

	s.HandleFrame(startFrame(t, "sub-1", models.SubscriptionArgs{}))

	// Published immediately after subscribing; the ack must still be first.
	reg.Broadcast(registry.TopicGlobal, models.Event{
		EventID: "ev-1",
		Kind:    models.EventUpdate,
		Sender:  "alice",
		Snippet: &models.Snippet{ID: "2", Title: "Updated Title"},
	})

	ack := decodeData(t, recvFrame(t, s))
	if ack.Data != nil {
		t.Fatalf("first frame data = %+v, want null confirmation", ack.Data)
	}

	event := decodeData(t, recvFrame(t, s))
	if event.Data == nil {
		t.Fatal("second frame is not a real event")
	}
	if event.Data.Sender != "alice" {
		t.Errorf("event sender = %q, want alice", event.Data.Sender)
	}
	if !event.Data.OK {
		t.Error("event ok = false, want true")
	}
}

func TestSession_ConfirmationDisabled(t *testing.T) {
	reg := registry.New(testLogger())
	s := newTestSession(t, reg, nil, models.Identity{ID: "u-2", Username: "bob"}, Config{})

	s.HandleFrame(startFrame(t, "sub-1", models.SubscriptionArgs{}))
	assertNoFrame(t, s)

	reg.Broadcast(registry.TopicGlobal, models.Event{
		EventID: "ev-1",
		Sender:  "alice",
		Snippet: &models.Snippet{ID: "2"},
	})

	event := decodeData(t, recvFrame(t, s))
	if event.Data == nil || event.Data.Sender != "alice" {
		t.Fatalf("expected real event from alice, got %+v", event.Data)
	}
}

func TestSession_SelfNotificationSuppressed(t *testing.T) {
	reg := registry.New(testLogger())
	s := newTestSession(t, reg, nil, models.Identity{ID: "u-1", Username: "alice"}, Config{})

	s.HandleFrame(startFrame(t, "sub-1", models.SubscriptionArgs{}))

	reg.Broadcast(registry.TopicGlobal, models.Event{
		EventID:  "ev-1",
		Sender:   "alice",
		SenderID: "u-1",
		Snippet:  &models.Snippet{ID: "2"},
	})

	// Filtered out means no message at all, as opposed to an error frame.
	assertNoFrame(t, s)
}

func TestSession_StopEmitsSingleComplete(t *testing.T) {
	reg := registry.New(testLogger())
	s := newTestSession(t, reg, nil, models.Identity{Username: "bob", ID: "u-2"}, Config{})

	s.HandleFrame(startFrame(t, "sub-1", models.SubscriptionArgs{}))

	s.HandleFrame(models.NewFrame(models.FrameStop, "sub-1", nil))
	complete := recvFrame(t, s)
	if complete.Type != models.FrameComplete || complete.ID != "sub-1" {
		t.Fatalf("frame = %s/%s, want complete/sub-1", complete.Type, complete.ID)
	}

	// Duplicate stop: no error, no second complete.
	s.HandleFrame(models.NewFrame(models.FrameStop, "sub-1", nil))
	assertNoFrame(t, s)

	// Unsubscribed: a broadcast no longer reaches this session.
	reg.Broadcast(registry.TopicGlobal, models.Event{EventID: "ev-1", Sender: "alice"})
	assertNoFrame(t, s)
}

func TestSession_TopicDiscriminatorViaArgs(t *testing.T) {
	reg := registry.New(testLogger())
	s := newTestSession(t, reg, nil, models.Identity{Username: "bob", ID: "u-2"}, Config{})

	s.HandleFrame(startFrame(t, "sub-1", models.SubscriptionArgs{Topic: "UPDATE"}))

	reg.Broadcast("UPDATE", models.Event{
		EventID: "ev-1", Sender: "alice", Topic: "UPDATE",
		Snippet: &models.Snippet{ID: "2"},
	})
	event := decodeData(t, recvFrame(t, s))
	if event.Data == nil || event.Data.Topic != "UPDATE" {
		t.Fatalf("expected UPDATE event, got %+v", event.Data)
	}

	// Nothing arrives for other topics.
	reg.Broadcast("DELETE", models.Event{EventID: "ev-2", Sender: "alice", Topic: "DELETE"})
	assertNoFrame(t, s)
}

func TestSession_StartValidation(t *testing.T) {
	reg := registry.New(testLogger())
	s := newTestSession(t, reg, nil, models.Identity{Username: "bob", ID: "u-2"}, Config{ConfirmSubscriptions: true})

	// Missing id.
	s.HandleFrame(models.NewFrame(models.FrameStart, "", models.SubscriptionArgs{}))
	if f := recvFrame(t, s); f.Type != models.FrameError {
		t.Fatalf("frame type = %s, want error", f.Type)
	}

	// Bad projection fields; validation precedes the ack.
	s.HandleFrame(startFrame(t, "sub-1", models.SubscriptionArgs{Fields: []string{"password"}}))
	if f := recvFrame(t, s); f.Type != models.FrameError {
		t.Fatalf("frame type = %s, want error", f.Type)
	}
	assertNoFrame(t, s)

	// Valid start, then a duplicate id.
	s.HandleFrame(startFrame(t, "sub-2", models.SubscriptionArgs{}))
	recvFrame(t, s) // ack
	s.HandleFrame(startFrame(t, "sub-2", models.SubscriptionArgs{}))
	if f := recvFrame(t, s); f.Type != models.FrameError {
		t.Fatalf("frame type = %s, want error", f.Type)
	}

	// The session stayed ready; unrelated subscriptions keep working.
	if s.State() != StateReady {
		t.Fatalf("state = %d, want ready", s.State())
	}
}

func TestSession_CloseUnregistersEverything(t *testing.T) {
	reg := registry.New(testLogger())
	s := newTestSession(t, reg, nil, models.Identity{Username: "bob", ID: "u-2"}, Config{})

	s.HandleFrame(startFrame(t, "sub-1", models.SubscriptionArgs{}))
	s.HandleFrame(startFrame(t, "sub-2", models.SubscriptionArgs{Topic: "UPDATE"}))
	if got := reg.SubscriptionCount(s.ID()); got != 2 {
		t.Fatalf("SubscriptionCount = %d, want 2", got)
	}

	s.Close()
	if s.State() != StateClosed {
		t.Fatalf("state = %d, want closed", s.State())
	}
	if got := reg.SubscriptionCount(s.ID()); got != 0 {
		t.Fatalf("SubscriptionCount after close = %d, want 0", got)
	}

	// Closing twice is safe, and late frames are ignored.
	s.Close()
	s.HandleFrame(models.NewFrame(models.FrameStop, "sub-1", nil))
	assertNoFrame(t, s)
}

func TestSession_CloseWithNoSubscriptions(t *testing.T) {
	reg := registry.New(testLogger())
	s := newTestSession(t, reg, nil, models.AnonymousIdentity(), Config{})

	s.Close()
	if s.State() != StateClosed {
		t.Fatalf("state = %d, want closed", s.State())
	}
}

func TestSession_OverflowDisconnects(t *testing.T) {
	reg := registry.New(testLogger())
	s := newTestSession(t, reg, nil, models.Identity{Username: "bob", ID: "u-2"}, Config{SendBuffer: 1})

	s.HandleFrame(startFrame(t, "sub-1", models.SubscriptionArgs{}))

	// Nobody drains the queue: the first event fills it, the second trips
	// the overflow policy and tears the session down.
	for i := 0; i < 3; i++ {
		reg.Broadcast(registry.TopicGlobal, models.Event{
			EventID: "ev", Sender: "alice", Snippet: &models.Snippet{ID: "1"},
		})
	}

	deadline := time.After(2 * time.Second)
	for s.State() != StateClosed {
		select {
		case <-deadline:
			t.Fatal("session never closed after overflow")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if got := reg.SubscriptionCount(s.ID()); got != 0 {
		t.Fatalf("SubscriptionCount after overflow close = %d, want 0", got)
	}
}

func TestSession_StartRacingCloseLeavesRegistryClean(t *testing.T) {
	// A start frame in flight while the session tears down must never leave
	// a subscription behind: either the teardown sweep removes it, or the
	// start path backs it out after noticing the state change. A wide valid
	// fields list stretches the window between the entry state check and
	// registration.
	fields := make([]string, 0, 600)
	for i := 0; i < 100; i++ {
		fields = append(fields, "id", "title", "body", "owner", "private", "created")
	}

	for i := 0; i < 50; i++ {
		reg := registry.New(testLogger())
		s := New(context.Background(), testLogger(), nil, reg, nil, models.Identity{ID: "u-2", Username: "bob"}, Config{}, nil)
		s.Ready()

		start := models.NewFrame(models.FrameStart, "sub-1", models.SubscriptionArgs{Fields: fields})

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.HandleFrame(start)
		}()
		go func() {
			defer wg.Done()
			s.Close()
		}()
		wg.Wait()

		if s.State() != StateClosed {
			t.Fatalf("iteration %d: state = %d, want closed", i, s.State())
		}
		if got := reg.SubscriptionCount(s.ID()); got != 0 {
			t.Fatalf("iteration %d: closed session left %d registry entries behind", i, got)
		}
	}
}

func TestSession_StartWithCredential(t *testing.T) {
	reg := registry.New(testLogger())
	verifier := identity.NewHMACVerifier([]byte("test-secret"))
	resolver := identity.NewResolver(testLogger(), verifier, time.Minute)
	defer resolver.Stop()

	s := newTestSession(t, reg, resolver, models.AnonymousIdentity(), Config{})

	token, err := verifier.Mint(models.Identity{ID: "u-2", Username: "bob"}, time.Hour)
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}

	s.HandleFrame(startFrame(t, "sub-1", models.SubscriptionArgs{AuthToken: token}))
	if got := s.Identity(); got.Username != "bob" || got.ID != "u-2" {
		t.Fatalf("session identity = %+v, want bob/u-2", got)
	}

	// An invalid credential is rejected on its own subscription id; the
	// session keeps its previous identity and stays ready.
	expired, err := verifier.Mint(models.Identity{Username: "mallory"}, -time.Minute)
	if err != nil {
		t.Fatalf("Mint() error = %v", err)
	}
	s.HandleFrame(startFrame(t, "sub-2", models.SubscriptionArgs{AuthToken: expired}))
	f := recvFrame(t, s)
	if f.Type != models.FrameError || f.ID != "sub-2" {
		t.Fatalf("frame = %s/%s, want error/sub-2", f.Type, f.ID)
	}
	if got := s.Identity(); got.Username != "bob" {
		t.Fatalf("identity after rejected credential = %+v, want bob", got)
	}
	if s.State() != StateReady {
		t.Fatalf("state = %d, want ready", s.State())
	}
}
