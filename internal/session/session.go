package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/InsulaLabs/snipcast/internal/filter"
	"github.com/InsulaLabs/snipcast/internal/identity"
	"github.com/InsulaLabs/snipcast/internal/registry"
	"github.com/InsulaLabs/snipcast/models"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a frame to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 4096                // Maximum frame size allowed from peer.

	DefaultSendBuffer = 256
)

// State is the session lifecycle. Transitions only move forward.
type State int32

const (
	StateConnecting State = iota
	StateReady
	StateClosing
	StateClosed
)

type Config struct {
	// ConfirmSubscriptions makes every start frame answer with an immediate
	// {"data":null} ack, strictly before any real event for that id.
	ConfirmSubscriptions bool
	// SendBuffer bounds the outbound queue. A session that keeps the queue
	// full is torn down rather than silently dropping frames.
	SendBuffer int
}

// Session owns one client connection: identity, the set of subscriptions it
// started, and the frame protocol. All inbound frames are handled on the
// read pump goroutine; all outbound frames flow through the send channel and
// are written by the write pump goroutine.
type Session struct {
	id       string
	logger   *slog.Logger
	appCtx   context.Context
	conn     *websocket.Conn
	registry *registry.Registry
	filter   filter.Engine
	resolver *identity.Resolver
	cfg      Config

	state atomic.Int32
	send  chan models.Frame
	done  chan struct{}

	closeOnce sync.Once
	onClose   func(*Session)

	mu       sync.Mutex
	identity models.Identity
	subs     map[string]registry.Handle
}

var _ registry.EventSink = &Session{}

// New builds a session in the Connecting state. The ambient identity is
// whatever the transport already established (anonymous when no credential
// was presented). onClose may be nil.
func New(
	appCtx context.Context,
	logger *slog.Logger,
	conn *websocket.Conn,
	reg *registry.Registry,
	resolver *identity.Resolver,
	ambient models.Identity,
	cfg Config,
	onClose func(*Session),
) *Session {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
	s := &Session{
		id:       uuid.NewString(),
		appCtx:   appCtx,
		conn:     conn,
		registry: reg,
		resolver: resolver,
		cfg:      cfg,
		send:     make(chan models.Frame, cfg.SendBuffer),
		done:     make(chan struct{}),
		onClose:  onClose,
		identity: ambient,
		subs:     make(map[string]registry.Handle),
	}
	s.logger = logger.WithGroup("session").With("conn", s.id)
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) Identity() models.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Ready moves Connecting -> Ready once identity resolution has completed,
// either with a concrete identity or the explicit anonymous fallback.
func (s *Session) Ready() {
	s.state.CompareAndSwap(int32(StateConnecting), int32(StateReady))
}

// Run marks the session ready and starts the transport pumps. It returns
// immediately; the pumps own the connection from here on.
func (s *Session) Run() {
	s.Ready()
	go s.writePump()
	go s.readPump()
}

// HandleFrame processes one inbound frame. Only start and stop are valid
// from the client; anything else gets an error frame scoped to its id.
func (s *Session) HandleFrame(f models.Frame) {
	if s.State() != StateReady {
		s.logger.Debug("frame ignored outside ready state", "type", f.Type, "sub", f.ID)
		return
	}

	switch f.Type {
	case models.FrameStart:
		s.handleStart(f)
	case models.FrameStop:
		s.handleStop(f)
	default:
		s.enqueue(models.ErrorFrame(f.ID, "unsupported frame type: "+string(f.Type)))
	}
}

func (s *Session) handleStart(f models.Frame) {
	if f.ID == "" {
		s.enqueue(models.ErrorFrame(f.ID, "start requires a subscription id"))
		return
	}

	var args models.SubscriptionArgs
	if len(f.Payload) > 0 {
		if err := json.Unmarshal(f.Payload, &args); err != nil {
			s.enqueue(models.ErrorFrame(f.ID, "malformed start payload"))
			return
		}
	}

	// A fresh credential on the message re-resolves the session identity.
	// Failure is surfaced on this subscription id; the session stays ready
	// with its previous identity.
	if args.AuthToken != "" {
		resolved, err := s.resolver.Resolve(identity.CredentialScheme+args.AuthToken, s.Identity())
		if err != nil {
			s.logger.Debug("start credential rejected", "sub", f.ID, "error", err)
			s.enqueue(models.ErrorFrame(f.ID, "credential invalid"))
			return
		}
		s.mu.Lock()
		s.identity = resolved
		s.mu.Unlock()
	}
	args.AuthToken = ""

	// Validate everything before emitting any output for this id.
	if !registry.ValidTopic(args.Topic) {
		s.enqueue(models.ErrorFrame(f.ID, "invalid topic"))
		return
	}
	if !s.filter.ValidFields(args.Fields) {
		s.enqueue(models.ErrorFrame(f.ID, "invalid projection fields"))
		return
	}

	s.mu.Lock()
	if _, exists := s.subs[f.ID]; exists {
		s.mu.Unlock()
		s.enqueue(models.ErrorFrame(f.ID, "subscription id already active"))
		return
	}
	s.mu.Unlock()

	// The ack goes onto the send queue before the registry can see this
	// subscription. The queue is FIFO and the write pump is the only writer,
	// so the ack is observed before any event for this id.
	if s.cfg.ConfirmSubscriptions {
		if !s.enqueue(models.NewFrame(models.FrameData, f.ID, models.DataPayload{Data: nil})) {
			return
		}
	}

	handle, err := s.registry.Subscribe(args.Topic, s.id, f.ID, s, args)
	if err != nil {
		s.enqueue(models.ErrorFrame(f.ID, "invalid topic"))
		return
	}

	// Close may have swept the registry between the entry state check and
	// the Subscribe above. Re-check before recording the handle: if the
	// session left Ready, the teardown sweep cannot be relied on to have
	// seen this subscription, so back it out here.
	s.mu.Lock()
	if s.State() != StateReady {
		s.mu.Unlock()
		s.registry.Unsubscribe(handle)
		s.logger.Debug("subscription backed out, session no longer ready", "sub", f.ID)
		return
	}
	s.subs[f.ID] = handle
	s.mu.Unlock()

	s.logger.Debug("subscription started", "sub", f.ID, "topic", args.Topic)
}

func (s *Session) handleStop(f models.Frame) {
	s.mu.Lock()
	handle, ok := s.subs[f.ID]
	if ok {
		delete(s.subs, f.ID)
	}
	s.mu.Unlock()

	if !ok {
		// Duplicate or late stop. Idempotent, no error, no second complete.
		s.logger.Debug("stop for unknown subscription", "sub", f.ID)
		return
	}

	s.registry.Unsubscribe(handle)
	s.enqueue(models.NewFrame(models.FrameComplete, f.ID, nil))
	s.logger.Debug("subscription stopped", "sub", f.ID)
}

// Deliver implements registry.EventSink. It runs on the broadcaster's
// goroutine and must not block: the filter decision plus a non-blocking
// enqueue. A filtered event produces no frame at all.
func (s *Session) Deliver(event models.Event, subID string, args models.SubscriptionArgs) {
	if s.State() != StateReady {
		return
	}

	recipient := s.Identity()
	if !s.filter.ShouldDeliver(event, recipient, args) {
		s.logger.Debug("event filtered", "sub", subID, "event_id", event.EventID)
		return
	}

	payload := s.filter.Project(event, args)
	s.enqueue(models.NewFrame(models.FrameData, subID, models.DataPayload{Data: &payload}))
}

// enqueue queues an outbound frame. A full queue means the peer has stalled
// past its buffer; the session is torn down rather than dropping individual
// frames. Returns false when the frame was not queued.
func (s *Session) enqueue(f models.Frame) bool {
	if s.State() != StateReady {
		return false
	}
	select {
	case s.send <- f:
		return true
	default:
		s.logger.Warn("send queue overflow, disconnecting", "type", f.Type, "sub", f.ID)
		go s.Close()
		return false
	}
}

// Close tears the session down exactly once: Ready -> Closing, every owned
// subscription unregistered, then Closed. Safe to call from any goroutine
// and at any state.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))

		removed := s.registry.UnsubscribeConnection(s.id)

		s.mu.Lock()
		owned := len(s.subs)
		s.subs = make(map[string]registry.Handle)
		s.mu.Unlock()

		if removed != owned {
			// Expected when a stop already removed its handle; anything else
			// would have been logged by the registry.
			s.logger.Debug("teardown removal count differs from owned set", "removed", removed, "owned", owned)
		}

		s.state.Store(int32(StateClosed))
		close(s.done)

		if s.conn != nil {
			s.conn.Close()
		}
		if s.onClose != nil {
			s.onClose(s)
		}
		s.logger.Info("session closed", "subscriptions_removed", removed)
	})
}

// readPump pumps frames from the websocket into HandleFrame. There is at
// most one reader per connection; it exits on any read error and drives the
// session teardown.
func (s *Session) readPump() {
	defer s.Close()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.logger.Error("websocket read error", "error", err)
			} else {
				s.logger.Info("websocket connection closed", "error", err)
			}
			return
		}

		var f models.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			s.enqueue(models.ErrorFrame("", "malformed frame"))
			continue
		}
		s.HandleFrame(f)
	}
}

// writePump pumps queued frames to the websocket and keeps the connection
// alive with pings. There is at most one writer per connection.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case f := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(f); err != nil {
				s.logger.Error("websocket write error", "type", f.Type, "sub", f.ID, "error", err)
				go s.Close()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Error("websocket ping error", "error", err)
				go s.Close()
				return
			}
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-s.appCtx.Done():
			s.logger.Info("service context done, closing websocket")
			go s.Close()
			return
		}
	}
}
