package broker

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router for the auth flows.
func (b *Broker) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(b.logger))
	r.Use(RecoveryMiddleware(b.logger))
	if !b.cfg.Server.DevMode {
		r.Use(SecurityHeadersMiddleware())
	}

	r.Route("/auth", func(r chi.Router) {
		r.Get("/login", b.handleLogin)
		r.Get("/callback", b.handleCallback)
		r.Post("/refresh", b.handleRefresh)
		r.Get("/logout", b.handleLogout)
	})

	r.Get("/healthz", b.handleHealth)

	return r
}
