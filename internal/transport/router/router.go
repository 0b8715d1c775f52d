package router

import (
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/trunov/mediaopt/internal/transport/handler"
	"github.com/trunov/mediaopt/internal/transport/middleware"
)

func NewRouter(h *handler.Handler, logger *zap.Logger) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.TraceID)
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Recovery(logger))

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/optimize", func(r chi.Router) {
			r.Get("/product", h.OptimizeProduct)
			r.Post("/product", h.OptimizeProduct)
			r.Get("/bulk", h.RunBulk)
			r.Post("/bulk", h.RunBulk)
			r.Get("/jobs/{subcat}", h.JobStatus)
		})
		r.Post("/events/object-finalized", h.ObjectFinalized)
	})

	return r
}
