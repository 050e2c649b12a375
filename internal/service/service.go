package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"

	"github.com/InsulaLabs/snipcast/config"
	"github.com/InsulaLabs/snipcast/internal/identity"
	"github.com/InsulaLabs/snipcast/internal/publish"
	"github.com/InsulaLabs/snipcast/internal/registry"
	"github.com/InsulaLabs/snipcast/internal/session"
	"github.com/InsulaLabs/snipcast/internal/store"
	"github.com/InsulaLabs/snipcast/models"
)

const limiterCacheTTL = 10 * time.Minute

// Service wires the engine together behind HTTP: snippet mutations on the
// JSON API, live subscriptions on the websocket endpoint. The mutation
// handlers are the data-mutation collaborator: store first, publish only on
// success.
type Service struct {
	appCtx   context.Context
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	registry *registry.Registry
	pub      *publish.Publisher
	resolver *identity.Resolver
	mux      *http.ServeMux

	wsUpgrader          websocket.Upgrader
	activeWsConnections int32
	wsConnectionLock    sync.Mutex

	mutationLimiters *ttlcache.Cache[string, *rate.Limiter]
}

func New(
	appCtx context.Context,
	logger *slog.Logger,
	cfg *config.Config,
	st *store.Store,
	reg *registry.Registry,
	pub *publish.Publisher,
	resolver *identity.Resolver,
) *Service {
	limiters := ttlcache.New[string, *rate.Limiter](
		ttlcache.WithTTL[string, *rate.Limiter](limiterCacheTTL),
	)
	go limiters.Start()

	s := &Service{
		appCtx:   appCtx,
		cfg:      cfg,
		logger:   logger.WithGroup("service"),
		store:    st,
		registry: reg,
		pub:      pub,
		resolver: resolver,
		mux:      http.NewServeMux(),
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.Sessions.WebSocketReadBufferSize,
			WriteBufferSize: cfg.Sessions.WebSocketWriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		mutationLimiters: limiters,
	}

	s.mux.HandleFunc("/api/v1/snippets", s.snippetsHandler)
	s.mux.HandleFunc("/api/v1/snippets/", s.snippetHandler)
	s.mux.HandleFunc("/api/v1/subscribe", s.subscribeHandler)
	return s
}

// Handler exposes the route table; tests mount it on httptest servers.
func (s *Service) Handler() http.Handler {
	return s.mux
}

// Run serves until the app context is cancelled.
func (s *Service) Run() error {
	srv := &http.Server{
		Addr:    s.cfg.HttpBinding,
		Handler: s.mux,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "binding", s.cfg.HttpBinding, "tls", s.cfg.TLS.Cert != "")
		if s.cfg.TLS.Cert != "" {
			errCh <- srv.ListenAndServeTLS(s.cfg.TLS.Cert, s.cfg.TLS.Key)
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-s.appCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// resolveIdentity maps the Authorization header to an identity; absence of
// the header means the ambient anonymous identity.
func (s *Service) resolveIdentity(r *http.Request) (models.Identity, error) {
	return s.resolver.Resolve(r.Header.Get("Authorization"), models.AnonymousIdentity())
}

func (s *Service) limiterFor(id models.Identity) *rate.Limiter {
	key := id.ID
	if key == "" {
		key = id.Username
	}
	if item := s.mutationLimiters.Get(key); item != nil {
		return item.Value()
	}
	limiter := rate.NewLimiter(
		rate.Limit(s.cfg.RateLimiters.Mutations.Limit),
		s.cfg.RateLimiters.Mutations.Burst,
	)
	s.mutationLimiters.Set(key, limiter, ttlcache.DefaultTTL)
	return limiter
}

type mutationResponse struct {
	Snippet *models.Snippet `json:"snippet,omitempty"`
	OK      bool            `json:"ok"`
}

type listResponse struct {
	Snippets []*models.Snippet `json:"snippets"`
	OK       bool              `json:"ok"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// snippetsHandler serves the collection: POST creates, GET lists.
func (s *Service) snippetsHandler(w http.ResponseWriter, r *http.Request) {
	actor, err := s.resolveIdentity(r)
	if err != nil {
		http.Error(w, "Invalid credential", http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodPost:
		s.createSnippet(w, r, actor)
	case http.MethodGet:
		snippets, err := s.store.List(r.Context())
		if err != nil {
			s.logger.Error("list snippets failed", "error", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		if snippets == nil {
			snippets = []*models.Snippet{}
		}
		writeJSON(w, http.StatusOK, listResponse{Snippets: snippets, OK: true})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Service) createSnippet(w http.ResponseWriter, r *http.Request, actor models.Identity) {
	if !s.limiterFor(actor).Allow() {
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	var in models.SnippetInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "Invalid JSON payload: "+err.Error(), http.StatusBadRequest)
		return
	}

	snippet, err := s.store.Create(r.Context(), actor.Username, in)
	if err != nil {
		s.logger.Error("create snippet failed", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	// Publish strictly after the successful write.
	s.pub.Publish(models.EventCreate, actor, snippet, string(models.EventCreate))
	writeJSON(w, http.StatusCreated, mutationResponse{Snippet: snippet, OK: true})
}

// snippetHandler serves one snippet: GET, PUT, DELETE by id.
func (s *Service) snippetHandler(w http.ResponseWriter, r *http.Request) {
	actor, err := s.resolveIdentity(r)
	if err != nil {
		http.Error(w, "Invalid credential", http.StatusUnauthorized)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/v1/snippets/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "Missing snippet id", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		snippet, err := s.store.Get(r.Context(), id)
		if err != nil {
			s.respondStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, mutationResponse{Snippet: snippet, OK: true})

	case http.MethodPut:
		if !s.limiterFor(actor).Allow() {
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		var in models.SnippetInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, "Invalid JSON payload: "+err.Error(), http.StatusBadRequest)
			return
		}
		snippet, err := s.store.Update(r.Context(), id, in)
		if err != nil {
			s.respondStoreError(w, err)
			return
		}
		s.pub.Publish(models.EventUpdate, actor, snippet, string(models.EventUpdate))
		writeJSON(w, http.StatusOK, mutationResponse{Snippet: snippet, OK: true})

	case http.MethodDelete:
		if !s.limiterFor(actor).Allow() {
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		snapshot, err := s.store.Delete(r.Context(), id)
		if err != nil {
			s.respondStoreError(w, err)
			return
		}
		// The snapshot is what subscribers see; the row itself is gone.
		s.pub.Publish(models.EventDelete, actor, snapshot, string(models.EventDelete))
		writeJSON(w, http.StatusOK, mutationResponse{OK: true})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Service) respondStoreError(w http.ResponseWriter, err error) {
	if store.IsErrSnippetNotFound(err) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.logger.Error("store operation failed", "error", err)
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
}

// subscribeHandler upgrades to a websocket and hands the connection to a
// session. Identity is resolved from the Authorization header before the
// upgrade; an invalid credential is an explicit 401, never a silent
// anonymous downgrade.
func (s *Service) subscribeHandler(w http.ResponseWriter, r *http.Request) {
	ambient, err := s.resolveIdentity(r)
	if err != nil {
		if errors.Is(err, identity.ErrCredentialInvalid) {
			http.Error(w, "Invalid credential", http.StatusUnauthorized)
			return
		}
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	s.wsConnectionLock.Lock()
	if s.activeWsConnections >= int32(s.cfg.Sessions.MaxConnections) {
		s.wsConnectionLock.Unlock()
		s.logger.Warn("max websocket connections reached, rejecting",
			"current", s.activeWsConnections, "max", s.cfg.Sessions.MaxConnections)
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}
	s.activeWsConnections++
	s.wsConnectionLock.Unlock()

	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		s.wsConnectionLock.Lock()
		s.activeWsConnections--
		s.wsConnectionLock.Unlock()
		return
	}

	sess := session.New(
		s.appCtx,
		s.logger,
		conn,
		s.registry,
		s.resolver,
		ambient,
		session.Config{
			ConfirmSubscriptions: s.cfg.Sessions.ConfirmSubscriptions,
			SendBuffer:           s.cfg.Sessions.SendBufferSize,
		},
		func(*session.Session) {
			s.wsConnectionLock.Lock()
			s.activeWsConnections--
			s.wsConnectionLock.Unlock()
		},
	)

	s.logger.Info("websocket session established",
		"conn", sess.ID(), "remote_addr", conn.RemoteAddr().String(), "user", ambient.Username)
	sess.Run()
}
