package handlers

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"licensegate.app/cloud/internal/logger"
	"licensegate.app/cloud/internal/metrics"
	"licensegate.app/cloud/internal/ratelimit"
	"licensegate.app/cloud/internal/signer"
	"licensegate.app/cloud/internal/version"
	"licensegate.app/cloud/licensing"
)

type Options struct {
	// Signer signs client responses. A nil or keyless signer leaves them unsigned.
	Signer  *signer.Signer
	Metrics *metrics.Metrics
	// RateLimit applies to client and login endpoints per client address.
	RateLimit   ratelimit.RateLimit
	CORSOrigins []string
	// Auth protects the admin API. Nil disables the admin routes.
	Auth *Auth
}

type Server struct {
	Mux     *chi.Mux
	Service *licensing.Service

	signer   *signer.Signer
	metrics  *metrics.Metrics
	limiter  ratelimit.RateLimit
	auth     *Auth
	validate *validator.Validate
}

func NewHttpServer(service *licensing.Service, opts Options) *Server {
	s := &Server{
		Mux:      chi.NewRouter(),
		Service:  service,
		signer:   opts.Signer,
		metrics:  opts.Metrics,
		limiter:  opts.RateLimit,
		auth:     opts.Auth,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := s.Mux
	r.Use(middleware.RequestID)
	r.Use(s.recoverer)
	r.Use(s.observe)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))

		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit)
			r.Post("/v1/validate", s.Validate)
			r.Post("/v1/activate", s.Validate)
			r.Post("/v1/heartbeat", s.Heartbeat)
			r.Post("/v1/check", s.Check)

			if s.auth != nil {
				r.Post("/auth/login", s.auth.Login)
			}
		})

		if s.auth != nil {
			r.Route("/admin", func(r chi.Router) {
				r.Use(s.auth.Middleware)
				r.Post("/licenses", s.CreateLicense)
				r.Get("/licenses", s.ListLicenses)
				r.Put("/licenses/{id}", s.UpdateLicense)
				r.Delete("/licenses/{id}", s.DeleteLicense)
				r.Delete("/licenses/{id}/machines", s.ResetMachines)
				r.Get("/stats", s.Stats)
				r.Get("/machines", s.ListMachines)
			})
		}
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Mux.ServeHTTP(w, r)
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, HealthResponse{
		Status:    "healthy",
		Version:   version.Version,
		Timestamp: time.Now().UTC(),
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow(clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			render.Status(r, http.StatusTooManyRequests)
			render.JSON(w, r, map[string]string{"error": "Too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(start)
		s.metrics.ObserveRequest(route, r.Method, ww.Status(), elapsed)

		logger.Debug("HTTP request", map[string]interface{}{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   elapsed.String(),
			"request_id": middleware.GetReqID(r.Context()),
		})
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				reportPanic(r, rec)
				render.Status(r, http.StatusInternalServerError)
				render.JSON(w, r, map[string]string{"error": "Internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the first X-Forwarded-For hop, or the remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
