package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/procurement-enricher/internal/clock/system"
	"github.com/JakeFAU/procurement-enricher/internal/config"
	"github.com/JakeFAU/procurement-enricher/internal/credential"
	"github.com/JakeFAU/procurement-enricher/internal/enrich"
	"github.com/JakeFAU/procurement-enricher/internal/metrics"
	"github.com/JakeFAU/procurement-enricher/internal/operation"
	"github.com/JakeFAU/procurement-enricher/internal/store"
)

const defaultRequestTimeout = 60 * time.Second

// Operations is the registry surface the API needs.
type Operations interface {
	Create(kind enrich.Kind, params json.RawMessage) (string, error)
	Get(id string) (operation.Operation, error)
	List(filter operation.Filter, page operation.Page) (operation.ListResult, error)
	Fail(id string, failure operation.Failure) (operation.Operation, error)
}

// Enqueuer hands accepted operations to the worker pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, item enrich.QueueItem) error
}

// Credentials is the credential pool surface the API needs.
type Credentials interface {
	List() []credential.View
	Get(id string) (credential.View, error)
	Add(spec credential.Spec) (credential.View, error)
	Update(id string, patch credential.Patch) (credential.View, error)
	Remove(id string) error
	Reorder(ids []string) ([]credential.View, error)
	Stats(id string, limit int) ([]credential.UsageEntry, error)
}

// Deps are the collaborators behind the routes. History, Usage and Ready
// are optional.
type Deps struct {
	Operations  Operations
	Queue       Enqueuer
	Credentials Credentials
	// Stream serves GET /operations/{id}/stream.
	Stream  http.Handler
	History store.EventRepository
	Usage   store.UsageRepository
	Ready   func(ctx context.Context) error
	Clock   enrich.Clock
	Logger  *zap.Logger
}

// Server wires HTTP handlers to the registry, queue and credential pool.
type Server struct {
	router   chi.Router
	deps     Deps
	validate *validator.Validate
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.ServerConfig) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	s := &Server{
		deps:     deps,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   deps.Logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		tm := timeoutMiddleware(timeout)
		r.Route("/operations", func(r chi.Router) {
			r.With(tm).Get("/", s.listOperations)
			r.Route("/{id}", func(r chi.Router) {
				// On POST the segment names the job kind.
				r.With(tm).Post("/", s.createOperation)
				r.With(tm).Get("/", s.getOperation)
				r.With(tm).Get("/history", s.getHistory)
				r.With(tm).Get("/events", s.listEvents)
				// The upgrade hijacks the connection, so no timeout handler.
				if deps.Stream != nil {
					r.Method(http.MethodGet, "/stream", deps.Stream)
				}
			})
		})
		r.Route("/credentials", func(r chi.Router) {
			r.Use(tm)
			r.Get("/", s.listCredentials)
			r.Post("/", s.addCredential)
			r.Post("/reorder", s.reorderCredentials)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getCredential)
				r.Put("/", s.updateCredential)
				r.Delete("/", s.removeCredential)
				r.Get("/stats", s.credentialStats)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", requestID(r.Context())),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
