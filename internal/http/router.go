package httpserver

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/iago/jobbroker/internal/http/handlers"
	"github.com/iago/jobbroker/internal/http/middleware"
)

type RouterDependencies struct {
	API            *handlers.API
	Logger         *log.Logger
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

func NewRouter(deps RouterDependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Trace(deps.Logger))
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: deps.CORSOrigins,
	}))
	r.Use(middleware.RateLimit(deps.RateLimitRPS, deps.RateLimitBurst, "/healthz"))

	r.NotFound(deps.API.NotFound)
	r.MethodNotAllowed(deps.API.MethodNotAllowed)

	r.Get("/", deps.API.Version)
	r.Get("/healthz", deps.API.Health)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/job", deps.API.SubmitJob)
		r.Get("/job", deps.API.ClaimJob)

		r.Route("/result/{job_id}", func(r chi.Router) {
			r.Post("/", deps.API.WriteResult)
			r.Get("/", deps.API.ReadResult)
			r.Post("/artifact", deps.API.WriteArtifact)
			r.Get("/artifact", deps.API.ReadArtifact)
			r.Post("/output", deps.API.AppendOutput)
			r.Get("/output", deps.API.DrainOutput)
			r.Get("/output/ws", deps.API.FollowOutput)
		})
	})

	return r
}
