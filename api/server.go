// Package api exposes certificate verification, live status and operational
// endpoints over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"certchain/content"
	"certchain/verify"
)

// Resolver answers verification queries.
type Resolver interface {
	VerifyByID(ctx context.Context, id string) verify.Verdict
	VerifyByCode(ctx context.Context, code string) verify.Verdict
	VerifyByHash(ctx context.Context, hash string) verify.Verdict
}

// LiveStatus upgrades a request into a certificate status stream.
type LiveStatus interface {
	Serve(w http.ResponseWriter, r *http.Request, certificateID string)
}

// ContentReader serves stored artifacts for the embedded content backend.
type ContentReader interface {
	Get(ctx context.Context, hash string) ([]byte, error)
}

// HealthCheck reports one dependency's health.
type HealthCheck func(ctx context.Context) error

// Config captures the dependencies required to construct the server.
type Config struct {
	Resolver  Resolver
	Live      LiveStatus
	Content   ContentReader
	Checks    map[string]HealthCheck
	RateLimit RateLimit
	Logger    *slog.Logger
}

// Server routes HTTP requests to the verification components.
type Server struct {
	resolver Resolver
	live     LiveStatus
	content  ContentReader
	checks   map[string]HealthCheck
	limiter  *rateLimiter
	logger   *slog.Logger
	router   http.Handler
}

// New constructs the router.
func New(cfg Config) (*Server, error) {
	if cfg.Resolver == nil {
		return nil, errors.New("api: resolver required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	s := &Server{
		resolver: cfg.Resolver,
		live:     cfg.Live,
		content:  cfg.Content,
		checks:   cfg.Checks,
		limiter:  newRateLimiter(cfg.RateLimit),
		logger:   cfg.Logger.With("component", "api"),
	}
	s.router = otelhttp.NewHandler(s.buildRouter(), "certd.http")
	return s, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/verify", func(api chi.Router) {
		api.Use(s.limiter.middleware)
		api.Get("/id/{id}", s.verifyWith(s.resolver.VerifyByID, "id"))
		api.Get("/code/{code}", s.verifyWith(s.resolver.VerifyByCode, "code"))
		api.Get("/hash/{hash}", s.verifyWith(s.resolver.VerifyByHash, "hash"))
	})
	if s.live != nil {
		r.Get("/ws/certificates/{id}", func(w http.ResponseWriter, req *http.Request) {
			s.live.Serve(w, req, chi.URLParam(req, "id"))
		})
	}
	if s.content != nil {
		r.Get("/ipfs/{hash}", s.handleContent)
	}
	return r
}

// verifyWith always answers 200; the verdict carries the outcome.
func (s *Server) verifyWith(lookup func(context.Context, string) verify.Verdict, param string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, lookup(r.Context(), chi.URLParam(r, param)))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	status := http.StatusOK
	results := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}
	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": overall, "checks": results})
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	data, err := s.content.Get(r.Context(), chi.URLParam(r, "hash"))
	if errors.Is(err, content.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.logger.Error("content read failed", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	_, _ = w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
