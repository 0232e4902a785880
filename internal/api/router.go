// Package api exposes the pledge engine's HTTP surface: project listing and
// detail, server-mode pledge submission, server-status refresh, and the
// payment-URL index lookup. It never touches engine state directly — every
// handler goes through backend.Backend, which marshals onto the scheduler
// thread as needed.
package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/lighthouse-contracts/pledgeengine/internal/api/handlers"
	"github.com/lighthouse-contracts/pledgeengine/internal/api/middleware"
	"github.com/lighthouse-contracts/pledgeengine/internal/backend"
	"github.com/lighthouse-contracts/pledgeengine/internal/config"
)

// Version is set at build time via ldflags.
var Version = "dev"

// NewRouter creates and configures the Chi router serving b's pledge
// engine.
func NewRouter(b *backend.Backend, cfg *config.Config) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestLogging)
	r.Use(middleware.HostCheck)
	r.Use(middleware.CORS)
	r.Use(middleware.CSRF)

	slog.Info("router initialized", "mode", cfg.Mode, "middleware", []string{"requestLogging", "hostCheck", "cors", "csrf"})

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", handlers.HealthHandler(cfg.Mode, cfg.Network, Version))

		r.Route("/projects", func(r chi.Router) {
			r.Get("/", handlers.ListProjects(b))
			r.Get("/{id}", handlers.GetProject(b))
			r.Post("/{id}/refresh", handlers.RefreshProject(b))
			r.Post("/{id}/pledges", handlers.SubmitPledge(b))
		})
	})

	// Server mode additionally serves project payment URL paths under
	// /pay/, per spec.md §4.8's payment-URL index; a project whose payment
	// URL path lies outside /pay/ is not reachable through this route.
	if cfg.Mode == "server" {
		r.Get("/pay/*", handlers.ResolvePaymentURL(b))
	}

	return r
}
