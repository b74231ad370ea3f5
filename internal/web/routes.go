package web

import (
	"github.com/go-chi/chi/v5"

	"github.com/kozaktomas/faceid/internal/web/handlers"
	"github.com/kozaktomas/faceid/internal/web/middleware"
)

func (s *Server) setupRoutes() {
	authHandler := handlers.NewAuthHandler(s.services.Auth)
	recognitionHandler := handlers.NewRecognitionHandler(s.services.Auth)
	accountsHandler := handlers.NewAccountsHandler(s.services.Accounts)

	// Health check (no auth required)
	s.router.Get("/api/v1/health", handlers.HealthCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		// Unauthenticated endpoints are rate limited per client IP.
		r.Group(func(r chi.Router) {
			r.Use(s.rateLimiter.Middleware)

			r.Post("/auth/register", authHandler.Register)
			r.Post("/auth/login", authHandler.Login)
			r.Post("/auth/face", authHandler.Face)
			r.Post("/recognition", recognitionHandler.Embed)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(s.services.Sessions))

			r.Get("/accounts", accountsHandler.List)
			r.Get("/accounts/{id}", accountsHandler.Get)
			r.Put("/accounts/{id}", accountsHandler.Update)
			r.Delete("/accounts/{id}", accountsHandler.Delete)
		})
	})
}
