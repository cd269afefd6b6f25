package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes constructs the HTTP router with the login flow and session endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware(a.Config.InferCORSOrigins()))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Group(func(r chi.Router) {
		if rl := a.Config.Server.RateLimit; rl.Requests > 0 && rl.Window > 0 {
			r.Use(httprate.LimitByIP(rl.Requests, rl.Window))
		}
		r.Get("/login", a.handleLogin)
		r.Get("/callback", a.withSession(a.handleCallback))
	})

	r.Get("/me", a.handleMe)
	r.Post("/logout", a.handleLogout)
	r.Get("/healthz", a.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	return r
}
