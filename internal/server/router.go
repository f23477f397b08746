package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"onepyme/internal/config"
	"onepyme/internal/log"
	"onepyme/internal/notify"
	"onepyme/internal/operation"
	"onepyme/internal/queue"
	"onepyme/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// Connectivity is the part of the monitor the API can steer.
type Connectivity interface {
	Online() bool
	SetOnline(online bool)
}

type DeadLetterStore interface {
	List(ctx context.Context, limit int) ([]store.DeadLetter, error)
	Delete(ctx context.Context, id int64) error
}

// Deps are the services behind the API. DeadLetters may be nil.
type Deps struct {
	Queue        *queue.Queue
	Connectivity Connectivity
	Hub          *notify.Hub
	DeadLetters  DeadLetterStore
	Logger       *log.Logger
}

type claimsKey struct{}

// ClaimsFromContext returns the JWT claims of an authenticated request.
func ClaimsFromContext(ctx context.Context) (jwt.Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(jwt.Claims)
	return c, ok
}

func SetupRouter(r *chi.Mux, cfg *config.Config, deps Deps) {
	logger := deps.Logger
	h := &handlers{deps: deps, logger: logger, upgrader: newUpgrader(cfg.CORSAllowedOrigins)}

	r.Use(requestLogger(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(httprate.Limit(cfg.RateLimitPerMinute, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))

	r.Get("/health", h.health)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(cfg.JWTSecret, logger))

		r.Get("/operations", h.listOperations)
		r.Post("/operations", h.enqueue)
		r.Post("/operations/submit", h.submit)
		r.Delete("/operations", h.clear)

		r.Post("/sync", h.sync)
		r.Post("/sync/retry-failed", h.retryFailed)
		r.Post("/refresh", h.refresh)
		r.Get("/stats", h.stats)
		r.Put("/connectivity", h.setConnectivity)

		r.Get("/dead-letters", h.listDeadLetters)
		r.Delete("/dead-letters/{id}", h.deleteDeadLetter)

		r.Get("/events", h.events)
		r.Get("/events/ws", h.eventsWebSocket)
	})
}

func authMiddleware(jwtSecret string, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if tokenStr == "" {
				// browsers cannot set headers on EventSource and WebSocket requests
				tokenStr = r.URL.Query().Get("access_token")
			}
			if tokenStr == "" {
				logger.Warn("Missing authorization token", zap.String("path", r.URL.Path))
				http.Error(w, "Missing token", http.StatusUnauthorized)
				return
			}
			token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				logger.Warn("Invalid JWT token", zap.Error(err))
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), claimsKey{}, token.Claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func requestLogger(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)))
		})
	}
}

type handlers struct {
	deps     Deps
	logger   *log.Logger
	upgrader websocket.Upgrader
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"online":  h.deps.Connectivity.Online(),
		"pending": h.deps.Queue.Len(),
	})
}

func (h *handlers) listOperations(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.deps.Queue.List())
}

type operationRequest struct {
	Type        operation.Type     `json:"type"`
	Action      operation.Action   `json:"action"`
	Payload     json.RawMessage    `json:"payload"`
	Priority    operation.Priority `json:"priority"`
	MaxRetries  *int               `json:"max_retries"`
	ScheduledAt *time.Time         `json:"scheduled_at"`
}

// decodeOperation parses the request body into a payload and its enqueue
// options. On failure it has already answered the request.
func (h *handlers) decodeOperation(w http.ResponseWriter, r *http.Request) (operation.Payload, []queue.Option, bool) {
	var req operationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.logger.Warn("Failed to decode operation request", zap.Error(err))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return nil, nil, false
	}
	payload, err := operation.Decode(req.Type, req.Action, req.Payload)
	if err != nil {
		h.logger.Warn("Rejected operation", zap.Error(err), zap.String("type", string(req.Type)), zap.String("action", string(req.Action)))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, nil, false
	}

	var opts []queue.Option
	if req.Priority != "" {
		if !req.Priority.Valid() {
			http.Error(w, fmt.Sprintf("invalid priority %q", req.Priority), http.StatusBadRequest)
			return nil, nil, false
		}
		opts = append(opts, queue.WithPriority(req.Priority))
	}
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			http.Error(w, "max_retries must not be negative", http.StatusBadRequest)
			return nil, nil, false
		}
		opts = append(opts, queue.WithMaxRetries(*req.MaxRetries))
	}
	if req.ScheduledAt != nil {
		opts = append(opts, queue.WithScheduledAt(*req.ScheduledAt))
	}
	return payload, opts, true
}

func (h *handlers) enqueue(w http.ResponseWriter, r *http.Request) {
	payload, opts, ok := h.decodeOperation(w, r)
	if !ok {
		return
	}
	id := h.deps.Queue.Enqueue(r.Context(), payload, opts...)
	h.writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

// Deliveries started by a request run to completion even if the client goes
// away, so a dropped connection never counts against an operation.
func (h *handlers) submit(w http.ResponseWriter, r *http.Request) {
	payload, opts, ok := h.decodeOperation(w, r)
	if !ok {
		return
	}
	res := h.deps.Queue.Submit(context.WithoutCancel(r.Context()), payload, opts...)
	status := http.StatusOK
	if res.Queued {
		status = http.StatusAccepted
	}
	h.writeJSON(w, status, res)
}

func (h *handlers) clear(w http.ResponseWriter, r *http.Request) {
	h.deps.Queue.Clear(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) sync(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.deps.Queue.SyncNow(context.WithoutCancel(r.Context())))
}

func (h *handlers) retryFailed(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.deps.Queue.RetryFailedNow(context.WithoutCancel(r.Context())))
}

func (h *handlers) refresh(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.deps.Queue.Refresh(context.WithoutCancel(r.Context())))
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.deps.Queue.Stats())
}

func (h *handlers) setConnectivity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil || req.Online == nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	h.deps.Connectivity.SetOnline(*req.Online)
	h.logger.Info("Connectivity set by API", zap.Bool("online", *req.Online))
	h.writeJSON(w, http.StatusOK, map[string]bool{"online": h.deps.Connectivity.Online()})
}

func (h *handlers) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.deps.DeadLetters == nil {
		http.Error(w, store.ErrDeadLettersDisabled.Error(), http.StatusNotFound)
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := parsePositive(s)
		if err != nil {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	items, err := h.deps.DeadLetters.List(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list dead letters", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []store.DeadLetter{}
	}
	h.writeJSON(w, http.StatusOK, items)
}

func (h *handlers) deleteDeadLetter(w http.ResponseWriter, r *http.Request) {
	if h.deps.DeadLetters == nil {
		http.Error(w, store.ErrDeadLettersDisabled.Error(), http.StatusNotFound)
		return
	}
	id, err := parsePositive(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid id", http.StatusBadRequest)
		return
	}
	if err := h.deps.DeadLetters.Delete(r.Context(), int64(id)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Dead letter not found", http.StatusNotFound)
			return
		}
		h.logger.Error("Failed to delete dead letter", zap.Error(err), zap.Int("id", id))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.logger.Info("Deleted dead letter", zap.Int("id", id))
	w.WriteHeader(http.StatusNoContent)
}
