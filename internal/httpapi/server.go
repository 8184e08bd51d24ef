// Package httpapi serves the unread counts API and the realtime push channel
// backed by an inbox.Store.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"github.com/carelink/unreadsync/internal/inbox"
	"github.com/carelink/unreadsync/internal/metrics"
	"github.com/carelink/unreadsync/internal/realtime"
	"github.com/carelink/unreadsync/internal/unread"
)

type ServerConfig struct {
	JWTSecret string
	// RateLimitPerMinute caps requests per token subject; 0 disables it.
	RateLimitPerMinute int
	MaxBodyBytes       int64
	SocketBuffer       int
	// OriginPatterns are the browser origins allowed on the push channel.
	OriginPatterns []string
	Gatherer       prometheus.Gatherer
	Metrics        *metrics.ServerMetrics
	Logger         logrus.FieldLogger
	Now            func() time.Time
}

type Server struct {
	inbox       *inbox.Store
	cfg         ServerConfig
	hub         *Hub
	rateLimiter *rateLimiter
	router      chi.Router
}

type rateLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	entries map[string]*rate.Limiter
}

type contextKey struct{}

func NewServer(store *inbox.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store *inbox.Store, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitPerMinute < 0 {
		cfg.RateLimitPerMinute = 0
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Logger == nil {
		logger := logrus.New()
		logger.SetOutput(io.Discard)
		cfg.Logger = logger
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	var limiter *rateLimiter
	if cfg.RateLimitPerMinute > 0 {
		limiter = &rateLimiter{
			limit:   rate.Every(time.Minute / time.Duration(cfg.RateLimitPerMinute)),
			burst:   cfg.RateLimitPerMinute,
			entries: map[string]*rate.Limiter{},
		}
	}
	s := &Server{
		inbox:       store,
		cfg:         cfg,
		hub:         NewHub(cfg.SocketBuffer),
		rateLimiter: limiter,
	}
	s.router = s.routes()
	return s
}

// Hub exposes the push registry, mainly for tests and diagnostics.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(correlation)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	r.Get("/dashboard", s.handleDashboard)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/notifications/unread-count", s.handleUnreadCount)
		r.Post("/notifications/mark-read", s.handleMarkRead)
		r.Post("/notifications", s.handleDeliver)
		r.Get("/socket", s.handleSocket)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})
	return r
}

// correlation echoes X-Correlation-Id, generating one when absent.
func correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
		if id == "" {
			id = "srv_" + uuid.NewString()
			r.Header.Set("X-Correlation-Id", id)
		}
		w.Header().Set("X-Correlation-Id", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := getCorrelationID(r)
		header := bearerFromRequest(r, r.URL.Path == "/socket")
		claims, authErr := parseBearer(header, s.cfg.JWTSecret, s.cfg.Now())
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
		if s.rateLimiter != nil && !s.rateLimiter.allow(claims.UserID, s.cfg.Now()) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, claims)))
	})
}

func claimsFrom(r *http.Request) tokenClaims {
	claims, _ := r.Context().Value(contextKey{}).(tokenClaims)
	return claims
}

type countsResponse struct {
	UserID string `json:"userId"`
	unread.Counts
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	claims := claimsFrom(r)
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if authErr := authorizeUser(claims, userID); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	counts, err := s.inbox.Counts(r.Context(), claims.UserID)
	if err != nil {
		s.writeInboxError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, countsResponse{UserID: claims.UserID, Counts: counts})
}

type markReadRequest struct {
	IDs    []string `json:"ids"`
	UserID string   `json:"userId"`
	Scope  string   `json:"scope"`
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	claims := claimsFrom(r)
	var req markReadRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if authErr := authorizeUser(claims, strings.TrimSpace(req.UserID)); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	scope := strings.TrimSpace(req.Scope)
	if scope != "" && scope != unread.ScopeNotifications && scope != unread.ScopeMessages {
		writeError(w, http.StatusBadRequest, "bad_request", "scope must be notifications or messages", correlationID)
		return
	}
	if scope == "" && len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "ids or scope is required", correlationID)
		return
	}
	changed, counts, err := s.inbox.MarkRead(r.Context(), claims.UserID, scope, req.IDs)
	if err != nil {
		s.writeInboxError(w, err, correlationID)
		return
	}
	s.cfg.Metrics.ObserveMarkedRead(unread.NormalizeScope(scope), changed)
	if changed > 0 {
		for _, sc := range []string{unread.ScopeNotifications, unread.ScopeMessages} {
			if scope != "" && sc != scope {
				continue
			}
			count := counts.For(sc)
			s.publish(claims.UserID, realtime.MarkedRead{Scope: sc, Count: &count})
		}
	}
	writeJSON(w, http.StatusOK, countsResponse{UserID: claims.UserID, Counts: counts})
}

type deliverRequest struct {
	UserID string      `json:"userId"`
	Item   unread.Item `json:"item"`
}

type deliverResponse struct {
	Item   unread.Item   `json:"item"`
	Counts unread.Counts `json:"counts"`
}

// handleDeliver adds an item to the recipient's inbox and pushes it. Any
// authenticated caller may deliver to any user.
func (s *Server) handleDeliver(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var req deliverRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	recipient := strings.TrimSpace(req.UserID)
	if recipient == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "userId is required", correlationID)
		return
	}
	item, err := s.inbox.Add(r.Context(), recipient, req.Item)
	if err != nil {
		s.writeInboxError(w, err, correlationID)
		return
	}
	counts, err := s.inbox.Counts(r.Context(), recipient)
	if err != nil {
		s.writeInboxError(w, err, correlationID)
		return
	}
	s.cfg.Metrics.ObserveDelivery(item.Scope)
	count := counts.For(item.Scope)
	s.publish(recipient, realtime.NewItem{Scope: item.Scope, Count: &count, Item: &item})
	s.cfg.Logger.WithFields(logrus.Fields{
		"correlation_id": correlationID,
		"user_id":        recipient,
		"scope":          item.Scope,
		"item_id":        item.ID,
	}).Debug("item delivered")
	writeJSON(w, http.StatusCreated, deliverResponse{Item: item, Counts: counts})
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	claims := claimsFrom(r)
	if authErr := authorizeUser(claims, strings.TrimSpace(r.URL.Query().Get("userId"))); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		s.cfg.Logger.WithError(err).WithField("correlation_id", correlationID).Warn("socket upgrade failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	client := s.hub.Register(claims.UserID)
	defer s.hub.Unregister(client)
	s.cfg.Metrics.SocketConnected()
	defer s.cfg.Metrics.SocketDisconnected()
	log := s.cfg.Logger.WithFields(logrus.Fields{"client_id": client.ID, "user_id": claims.UserID})
	log.Debug("socket connected")

	// Clients never send frames; CloseRead handles control frames and
	// cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			log.Debug("socket disconnected")
			return
		case frame := <-client.Send:
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				log.WithError(err).Debug("socket write failed")
				return
			}
		}
	}
}

func (s *Server) publish(userID string, ev realtime.Event) {
	if err := s.hub.Publish(userID, ev); err != nil {
		s.cfg.Logger.WithError(err).WithField("user_id", userID).Warn("push publish failed")
	}
}

func (s *Server) writeInboxError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, inbox.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", "invalid item", correlationID)
	case errors.Is(err, inbox.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "not found", correlationID)
	default:
		s.cfg.Logger.WithError(err).WithField("correlation_id", correlationID).Error("inbox operation failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	limiter, ok := r.entries[key]
	if !ok {
		limiter = rate.NewLimiter(r.limit, r.burst)
		r.entries[key] = limiter
	}
	return limiter.AllowN(now, 1)
}
