package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/kiwari-pos/dispatch/internal/config"
	"github.com/kiwari-pos/dispatch/internal/handler"
	mw "github.com/kiwari-pos/dispatch/internal/middleware"
	"github.com/kiwari-pos/dispatch/internal/preview"
	"github.com/kiwari-pos/dispatch/internal/ws"
	"github.com/rs/zerolog"
)

// Deps are the long-lived components the routes are served from.
type Deps struct {
	Sessions *handler.SessionHandler
	Previews *preview.Registry
	Hub      *ws.Hub
	Metrics  http.Handler // nil disables /metrics
	Logger   zerolog.Logger
}

// New creates a Chi router with all application routes wired up.
func New(cfg *config.Config, d Deps) chi.Router {
	r := chi.NewRouter()

	// Standard middleware
	r.Use(middleware.RequestID)
	r.Use(mw.RequestLogger(d.Logger))
	r.Use(middleware.Recoverer)

	// CORS configuration
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300, // 5 minutes
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
	})
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	// Refresh subscriptions
	r.Get("/ws/orders", ws.ServeAllOrders(d.Hub))
	r.Get("/ws/orders/{id}", ws.ServeOrder(d.Hub))

	r.Route("/previews", d.Previews.RegisterRoutes)
	r.Route("/sessions", d.Sessions.RegisterRoutes)

	return r
}
