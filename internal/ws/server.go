package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/oauth2"

	"github.com/afk-console/backend/internal/deviceauth"
	"github.com/afk-console/backend/internal/session"
)

const (
	ownerCookie    = "afk_uid"
	tokenCookie    = "afk_token"
	tokenHeader    = "X-AFK-Token"
	ownerCookieAge = 10 * 365 * 24 * time.Hour
	maxBodyBytes   = 64 << 10
)

var jsonMediaType = contenttype.NewMediaType("application/json")

type ownerKey struct{}

// OwnerFrom returns the browser identity attached by the owner middleware.
func OwnerFrom(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}

type Server struct {
	manager         *session.Manager
	broadcaster     *Broadcaster
	auth            *deviceauth.Provider
	embeddedHandler http.Handler
	allowedOrigins  map[string]bool
	allowedHosts    map[string]bool

	// baseCtx bounds background device flows started over HTTP.
	baseCtx context.Context

	mu        sync.RWMutex
	authToken string
}

func NewServer(ctx context.Context, manager *session.Manager, broadcaster *Broadcaster, auth *deviceauth.Provider, embeddedHandler http.Handler, allowedOrigins []string, authToken string) *Server {
	s := &Server{
		manager:         manager,
		broadcaster:     broadcaster,
		auth:            auth,
		embeddedHandler: embeddedHandler,
		allowedOrigins:  make(map[string]bool),
		allowedHosts:    make(map[string]bool),
		baseCtx:         ctx,
		authToken:       authToken,
	}

	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

// SetAuthToken swaps the admin token. An empty token opens every route.
func (s *Server) SetAuthToken(token string) {
	s.mu.Lock()
	s.authToken = token
	s.mu.Unlock()
}

func (s *Server) token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authToken
}

// Handler returns the full HTTP surface wrapped in the owner and security
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return securityHeaders(s.withOwner(mux))
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)

	mux.HandleFunc("GET /api/sessions", s.requireAuth(s.handleList))
	mux.HandleFunc("POST /api/sessions", s.requireAuth(s.requireJSON(s.handleCreate)))
	mux.HandleFunc("POST /api/sessions/stop-all", s.requireAuth(s.handleStopAll))
	mux.HandleFunc("POST /api/sessions/{id}/stop", s.requireAuth(s.handleStop))
	mux.HandleFunc("POST /api/sessions/{id}/disconnect", s.requireAuth(s.handleDisconnect))
	mux.HandleFunc("POST /api/sessions/{id}/chat", s.requireAuth(s.requireJSON(s.handleChat)))
	mux.HandleFunc("GET /api/sessions/{id}/logs", s.requireAuth(s.handleLogs))
	mux.HandleFunc("POST /api/auth/device", s.requireAuth(s.handleDeviceLogin))
	mux.HandleFunc("POST /api/auth/signout", s.requireAuth(s.handleSignOut))
	mux.HandleFunc("GET /api/me", s.handleMe)
	mux.HandleFunc("GET /api/health", s.requireAuth(s.handleHealth))
	mux.HandleFunc("GET /healthz", handleHealthz)

	if s.embeddedHandler != nil {
		mux.Handle("/", s.embeddedHandler)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if s.broadcaster.maxConns > 0 && s.broadcaster.ClientCount() >= s.broadcaster.maxConns {
		writeError(w, http.StatusServiceUnavailable, ErrTooManyConnections.Error())
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}

	c, err := s.broadcaster.AddClient(conn, OwnerFrom(r.Context()), WSMessage{
		Type:    MsgHello,
		Payload: HelloPayload{MaxSessions: s.manager.MaxSessions()},
	})
	if err != nil {
		// Lost the race for the last slot.
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}
	log.Printf("WebSocket client connected: %s", r.RemoteAddr)

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			log.Printf("WebSocket client disconnected: %s", r.RemoteAddr)
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.dispatch(c, data)
		}
	}()
}

// dispatch runs one observer command. Failures go back to that observer
// only.
func (s *Server) dispatch(c *client, data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.replyError(c, fmt.Errorf("malformed message: %w", err))
		return
	}

	switch msg.Type {
	case MsgSubscribe:
		var p SubscribePayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			s.replyError(c, err)
			return
		}
		s.broadcaster.Subscribe(c, p)

	case MsgSpawn:
		var target AccountPayload
		if err := decodePayload(msg.Payload, &target); err != nil {
			s.replyError(c, err)
			return
		}
		var cfg session.Config
		if err := decodePayload(msg.Payload, &cfg); err != nil {
			s.replyError(c, fmt.Errorf("%w: %v", session.ErrInvalidConfig, err))
			return
		}
		if target.AccountID != "" {
			if _, ok := s.manager.Get(target.AccountID); ok {
				s.broadcaster.Follow(c, target.AccountID)
				if err := s.manager.Respawn(target.AccountID, cfg); err != nil {
					s.replyError(c, err)
				}
				return
			}
		}
		// Follow before Create so the first events of the new session
		// reach this observer.
		if _, err := s.manager.CreateWith(cfg, c.owner, func(id string) { s.broadcaster.Follow(c, id) }); err != nil {
			s.replyError(c, err)
		}

	case MsgChat:
		var p ChatPayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			s.replyError(c, err)
			return
		}
		s.broadcaster.Follow(c, p.AccountID)
		if err := s.manager.SendChat(p.AccountID, p.Text); err != nil {
			s.replyError(c, err)
		}

	case MsgDisconnect:
		var p AccountPayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			s.replyError(c, err)
			return
		}
		s.broadcaster.Follow(c, p.AccountID)
		if err := s.manager.Disconnect(p.AccountID); err != nil {
			s.replyError(c, err)
		}

	case MsgRemove:
		var p AccountPayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			s.replyError(c, err)
			return
		}
		if err := s.manager.Stop(p.AccountID); err != nil {
			s.replyError(c, err)
		}

	case MsgList:
		s.broadcaster.sendTo(c, WSMessage{Type: MsgSessions, Payload: SessionsPayload{Sessions: nonNil(s.manager.List())}})

	case MsgLogs:
		var p AccountPayload
		if err := decodePayload(msg.Payload, &p); err != nil {
			s.replyError(c, err)
			return
		}
		s.broadcaster.Follow(c, p.AccountID)
		s.broadcaster.sendTo(c, WSMessage{Type: MsgLogs, Payload: LogsPayload{AccountID: p.AccountID, Entries: s.manager.Logs(p.AccountID)}})

	default:
		s.replyError(c, fmt.Errorf("unknown message type %q", msg.Type))
	}
}

func (s *Server) replyError(c *client, err error) {
	s.broadcaster.sendTo(c, WSMessage{Type: MsgError, Payload: ErrorPayload{Message: err.Error()}})
}

func decodePayload(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	return nil
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, nonNil(s.manager.List()))
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var cfg session.Config
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	id, err := s.manager.Create(cfg, OwnerFrom(r.Context()))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Stop(r.PathValue("id")); err != nil {
		writeSessionError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.StopAll(); err != nil {
		log.Printf("stop-all: %v", err)
	}
	writeOK(w)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Disconnect(r.PathValue("id")); err != nil {
		writeSessionError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if err := s.manager.SendChat(r.PathValue("id"), body.Text); err != nil {
		writeSessionError(w, err)
		return
	}
	writeOK(w)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Logs(r.PathValue("id")))
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"tokenRequired": s.token() != ""})
}

// handleDeviceLogin starts a sign-in for the caller's owner key without a
// session. The result is pushed to that owner's observers.
func (s *Server) handleDeviceLogin(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil || !s.auth.Enabled() {
		writeError(w, http.StatusServiceUnavailable, deviceauth.ErrDisabled.Error())
		return
	}
	owner := OwnerFrom(r.Context())
	code, err := s.auth.Begin(s.baseCtx, owner, func(_ *oauth2.Token, err error) {
		if err != nil {
			log.Printf("device login for %s failed: %v", owner, err)
			s.broadcaster.SendToOwner(owner, WSMessage{Type: MsgAuthError, Payload: ErrorPayload{Message: err.Error()}})
			return
		}
		s.broadcaster.SendToOwner(owner, WSMessage{Type: MsgAuthDone, Payload: AuthDonePayload{}})
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, code)
}

// handleSignOut drops the caller's cached sign-in. Live sessions keep their
// connection; the next account-flow attempt prompts again.
func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil || !s.auth.Enabled() {
		writeError(w, http.StatusServiceUnavailable, deviceauth.ErrDisabled.Error())
		return
	}
	owner := OwnerFrom(r.Context())
	if err := s.auth.Forget(r.Context(), owner); err != nil {
		log.Printf("sign-out for %s: %v", owner, err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeOK(w)
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *Server) requireJSON(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctype, err := contenttype.GetMediaType(r)
		if err != nil || !ctype.Matches(jsonMediaType) {
			writeError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
			return
		}
		next(w, r)
	}
}

func (s *Server) authorize(r *http.Request) bool {
	token := s.token()
	if token == "" {
		return true
	}

	if r.URL.Query().Get("token") == token {
		return true
	}

	if r.Header.Get(tokenHeader) == token {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == token {
		return true
	}

	if c, err := r.Cookie(tokenCookie); err == nil && c.Value == token {
		return true
	}

	return false
}

// withOwner attaches the afk_uid browser identity, issuing one when absent.
func (s *Server) withOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := ""
		if c, err := r.Cookie(ownerCookie); err == nil && c.Value != "" {
			owner = c.Value
		} else {
			owner = uuid.NewString()
			http.SetCookie(w, &http.Cookie{
				Name:     ownerCookie,
				Value:    owner,
				Path:     "/",
				MaxAge:   int(ownerCookieAge / time.Second),
				SameSite: http.SameSiteLaxMode,
			})
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner)))
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}

	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeSessionError maps manager errors onto status codes.
func writeSessionError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrInvalidConfig), errors.Is(err, session.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrCapacityExceeded):
		status = http.StatusConflict
	case errors.Is(err, session.ErrShutdown):
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, err.Error())
}

// ListenAndServe serves h until ctx is done, then drains for up to five
// seconds.
func ListenAndServe(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("Server listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
