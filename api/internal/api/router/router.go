package router

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/irgordon/proxyctl/api/internal/api/handlers"
	auth_middleware "github.com/irgordon/proxyctl/api/internal/api/middleware"
	health "github.com/irgordon/proxyctl/api/internal/delivery/http"
)

// maxBodyBytes bounds request bodies; a batch of profile strings is small.
const maxBodyBytes = 1_048_576

// RouterConfig defines the strict dependencies required to build the API routing tree.
type RouterConfig struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
	ConfigHandler  *handlers.ConfigHandler
	EngineHandler  *handlers.EngineHandler
	EventsHandler  *handlers.EventsHandler
	WSHandler      *handlers.WebSocketHandler
	HealthHandler  *health.HealthHandler
	AuthMiddleware *auth_middleware.AuthMiddleware
	Logger         *slog.Logger
}

// NewRouter constructs the Chi multiplexer, attaches global middleware, and wires all endpoints.
func NewRouter(cfg RouterConfig) *chi.Mux {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	r := chi.NewRouter()

	// =========================================================================
	// 1. Global Gateway Middleware Pipeline
	// =========================================================================

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(auth_middleware.StructuredLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	// 🛡️ OOM Protection
	r.Use(auth_middleware.MaxBytes(maxBodyBytes))

	// 🛡️ In-memory token bucket rate limiting
	r.Use(cfg.AuthMiddleware.RateLimit)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// =========================================================================
	// 2. API v1 Routing Tree
	// =========================================================================

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(cfg.AuthMiddleware.RequireAuthentication)
		r.Use(auth_middleware.RequireWrite)

		// ---------------------------------------------------------------------
		// Request/Response Routes
		// ---------------------------------------------------------------------
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.RequestTimeout))

			r.Route("/configs", func(r chi.Router) {
				r.Get("/", cfg.ConfigHandler.List)
				r.Post("/", cfg.ConfigHandler.Add)
				r.Put("/", cfg.ConfigHandler.Replace)
				r.Delete("/", cfg.ConfigHandler.Remove)

				r.Get("/active", cfg.ConfigHandler.Active)
				r.Delete("/active", cfg.ConfigHandler.Deactivate)
				r.Put("/activate", cfg.ConfigHandler.Activate)

				r.Delete("/{id}", cfg.ConfigHandler.Remove)
			})

			r.Post("/up", cfg.EngineHandler.Up)
			r.Post("/down", cfg.EngineHandler.Down)
			r.Get("/ping", cfg.EngineHandler.Ping)
		})

		// ---------------------------------------------------------------------
		// Streaming Routes (long-lived, no request timeout)
		// ---------------------------------------------------------------------
		r.Get("/events", cfg.EventsHandler.Stream)
		r.Get("/ws", cfg.WSHandler.Stream)
	})

	r.Get("/health", cfg.HealthHandler.Check)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"status":"error","kind":"not_found","message":"Route not found"}`))
	})

	return r
}
