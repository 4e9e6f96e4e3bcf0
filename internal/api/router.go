package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// SetupDataRouter serves device traffic.
func SetupDataRouter(apiHandler *APIHandler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/", apiHandler.HandleHealth)
	r.Route("/api/v1/measurements", func(r chi.Router) {
		r.Use(apiHandler.verifier.Middleware)
		r.Post("/", apiHandler.HandleDataIngest)
	})

	return r
}

// SetupUIRouter serves dashboards: login, queries and the live stream.
func SetupUIRouter(apiHandler *APIHandler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/", apiHandler.HandleHealth)
	r.Get("/ws", apiHandler.HandleWebSocket)
	r.Post("/api/v1/login/access-token", apiHandler.HandleLogin)

	r.Route("/api/v1/measurements", func(r chi.Router) {
		r.Use(apiHandler.auth.JWTMiddleware)
		r.Get("/", apiHandler.HandleListReadings)
		r.Get("/analytics/", apiHandler.HandleAnalytics)
	})

	return r
}
