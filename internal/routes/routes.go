package routes

import (
	"github.com/go-chi/chi/v5"

	"github.com/vivaria-project/vivaria/internal/handlers"
	"github.com/vivaria-project/vivaria/internal/middleware"
)

// RegisterRoutes registers all application routes
func RegisterRoutes(router chi.Router, authHandler *handlers.AuthHandler) {
	// Transport-level throttle on the credential-bearing endpoints, on top
	// of the per-address lockout inside the coordinator.
	throttle := middleware.RateLimitByIP(middleware.DefaultAuthRateLimit())

	router.With(throttle).Post("/api/login", authHandler.Login)
	router.With(throttle).Post("/api/login/2fa", authHandler.CompleteTwoFactor)

	router.Post("/api/logout", authHandler.Logout)
	router.Get("/api/auth/verify", authHandler.VerifySession)
	router.Get("/api/auth/2fa/setup", authHandler.SetupTwoFactor)
}
