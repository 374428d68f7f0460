package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/relay/internal/api/middleware"
	"github.com/eldtechnologies/relay/internal/handlers"
	"github.com/eldtechnologies/relay/internal/identity"
)

// RouterConfig carries the HTTP-only settings.
type RouterConfig struct {
	CORSOrigins []string
	RateLimit   middleware.RateLimiterConfig
	// RedisClient enables rate limiting; nil disables it.
	RedisClient *redis.Client
}

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, h *handlers.Handler, verifier identity.Verifier, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(8 * 1024)) // 8KB max body
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// Rate limiting
	if cfg.RedisClient != nil {
		limiter := middleware.NewRateLimiter(cfg.RedisClient, logger, cfg.RateLimit)
		r.Use(limiter.Middleware)
	}

	// CORS - credentials are sent as a cookie, so origins must be explicit
	// for browsers to include it.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: !allowsAnyOrigin(cfg.CORSOrigins),
		MaxAge:           300,
	}))

	auth := middleware.NewAuthMiddleware(verifier, logger)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	// Public routes (no auth required)
	r.Get("/", h.Root)
	r.Get("/health", h.Health)
	r.Get("/stats", h.Stats)

	// Authenticated routes (credential re-verified per request)
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth)

		r.Get("/chat", h.GetHistory)
		r.Get("/chat/{contact}", h.GetConversation)
	})

	return r
}

func allowsAnyOrigin(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}
