package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewRouter mounts every endpoint behind the logging and CORS middleware.
func NewRouter(s *Server) http.Handler {
	r := chi.NewRouter()
	r.Use(LoggingMiddleware, CORSMiddleware)

	r.Get("/health", s.HealthHandler)

	r.Route("/oauth/2.0", func(r chi.Router) {
		r.Get("/authorize", s.AuthorizeHandler)
		r.Post("/token", s.TokenHandler)
		r.Post("/introspect", s.IntrospectHandler)
		r.Post("/revoke", s.RevokeHandler)
	})

	r.Route("/v2.0/user", func(r chi.Router) {
		r.Use(s.RequireToken)
		r.Get("/me", s.UserMeHandler)
		r.Post("/link", s.UserLinkHandler)
	})

	return r
}
