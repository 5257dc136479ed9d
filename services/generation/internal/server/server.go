package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"logogen/internal/ratelimit"
	"logogen/internal/servicetoken"
	"logogen/internal/util"
	"logogen/pkg/domain"
	"logogen/pkg/queue"
	"logogen/services/generation/internal/app"
)

// QueueInspector exposes the durable queue's depth and dead letters.
type QueueInspector interface {
	Stats(ctx context.Context) (queue.Stats, error)
	DeadLetters(ctx context.Context, limit int) ([]queue.DeadLetter, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	// Limiter throttles startGeneration per client IP when set.
	Limiter *ratelimit.FixedWindowLimiter
	Queue   QueueInspector
	// Admin guards the queue routes when set.
	Admin          *servicetoken.Verifier
	TrustedProxies *util.TrustedProxies
	CORSOrigins    []string
	KeepAlive      time.Duration
}

// Server exposes HTTP endpoints for the generation service.
type Server struct {
	app       *app.App
	limiter   *ratelimit.FixedWindowLimiter
	queue     QueueInspector
	admin     *servicetoken.Verifier
	trusted   *util.TrustedProxies
	origins   []string
	keepAlive time.Duration
	router    chi.Router
}

func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	s := &Server{
		app:       cfg.App,
		limiter:   cfg.Limiter,
		queue:     cfg.Queue,
		admin:     cfg.Admin,
		trusted:   cfg.TrustedProxies,
		origins:   cfg.CORSOrigins,
		keepAlive: keepAlive,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(util.WithRequestID)
	r.Use(util.WithClientIP(s.trusted))
	r.Use(util.WithRequestLog)
	r.Use(util.WithSecurityHeaders)
	r.Use(util.WithCORS(s.origins))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/healthCheck", s.handleHealthCheck)
	r.Post("/healthCheck", s.handleHealthCheck)

	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Middleware(
				func(r *http.Request) string { return util.ClientIPFromContext(r.Context()) },
				func(w http.ResponseWriter, _ *http.Request) {
					writeError(w, http.StatusTooManyRequests, "rate_limited", "too many generation requests")
				},
			))
		}
		r.Post("/startGeneration", s.handleStartGeneration)
	})

	r.Route("/generations", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
		r.Delete("/{id}", s.handleDelete)
		r.Get("/{id}/events", s.handleEvents)
		r.Get("/{id}/image", s.handleImage)
	})

	if s.queue != nil {
		r.Group(func(r chi.Router) {
			if s.admin != nil {
				r.Use(s.admin.Require(servicetoken.ScopeQueueRead, func(w http.ResponseWriter, _ *http.Request, status int, msg string) {
					writeError(w, status, "unauthorized", msg)
				}))
			}
			r.Get("/queue/stats", s.handleQueueStats)
			r.Get("/queue/dead-letters", s.handleDeadLetters)
		})
	}
	s.router = r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.app.HealthCheck())
}

type startRequest struct {
	Prompt string `json:"prompt"`
	Style  string `json:"style"`
}

func (s *Server) handleStartGeneration(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid JSON body")
		return
	}
	res, err := s.app.StartGeneration(r.Context(), req.Prompt, req.Style)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	items, err := s.app.ListGenerations(r.Context(), limit)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// parseLimit reads ?limit=; 0 means the callee's default. It writes a 400 and
// returns false for anything but a non-negative integer.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "validation", "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	gen, err := s.app.GetGeneration(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gen)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.app.DeleteGeneration(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	url, err := s.app.ImageURL(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "transient", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	items, err := s.queue.DeadLetters(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "transient", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleEvents streams snapshots of one generation as server-sent events.
// The stream ends after a terminal snapshot or a subscription error.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming not supported")
		return
	}
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	snaps := make(chan *domain.Generation, 8)
	errs := make(chan error, 1)
	unsub, err := s.app.Subscribe(ctx, id,
		func(g *domain.Generation) {
			select {
			case snaps <- g:
			case <-ctx.Done():
			}
		},
		func(err error) {
			select {
			case errs <- err:
			default:
			}
		},
	)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "subscription", err.Error())
		return
	}
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()
	logger := util.LoggerFromContext(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case g := <-snaps:
			if err := writeSnapshot(w, g); err != nil {
				logger.Warn("write snapshot event failed", "generation_id", id, "err", err)
				return
			}
			flusher.Flush()
			if g != nil && g.Status.Terminal() {
				return
			}
		case err := <-errs:
			payload, _ := json.Marshal(errorBody{Kind: "subscription", Message: err.Error()})
			_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
			flusher.Flush()
			return
		}
	}
}

func writeSnapshot(w io.Writer, g *domain.Generation) error {
	data, err := json.Marshal(g)
	if err != nil {
		return err
	}
	if g != nil {
		if _, err := fmt.Fprintf(w, "id: %d\n", g.Version); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", data)
	return err
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type errorResponse struct {
	Success bool      `json:"success"`
	Error   errorBody `json:"error"`
}

func writeAppError(w http.ResponseWriter, err error) {
	var vErr *domain.ValidationError
	var tErr *domain.TransientStoreError
	switch {
	case errors.As(err, &vErr):
		writeError(w, http.StatusBadRequest, "validation", vErr.Message)
	case errors.As(err, &tErr):
		writeError(w, http.StatusServiceUnavailable, "transient", "generation store unavailable, try again")
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "generation not found")
	default:
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, errorResponse{Error: errorBody{Kind: kind, Message: msg}})
}
