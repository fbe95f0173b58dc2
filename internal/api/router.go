package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimid "github.com/go-chi/chi/v5/middleware"

	"github.com/skiff-cloud/engine/internal/api/handlers"
	mw "github.com/skiff-cloud/engine/internal/api/middleware"
)

type Dependencies struct {
	HMACSecret        []byte
	WorkspacesHandler *handlers.WorkspacesHandler
	DeploysHandler    *handlers.DeploysHandler
	HealthHandler     *handlers.HealthHandler
}

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.RequestID)
	r.Use(mw.Recovery)
	r.Use(mw.Logging)
	r.Use(mw.CORS)
	r.Use(mw.RateLimit(10, 20))
	r.Use(chimid.Compress(5))

	r.Get("/healthz", dep.HealthHandler.Liveness)
	r.Get("/readyz", dep.HealthHandler.Readiness)

	r.Route("/api/v1", func(api chi.Router) {
		api.Group(func(protected chi.Router) {
			protected.Use(mw.Auth(dep.HMACSecret))

			protected.Route("/workspaces", func(wr chi.Router) {
				wr.Get("/", dep.WorkspacesHandler.List)
				wr.Post("/", dep.WorkspacesHandler.Create)
				wr.Get("/{name}/status", dep.WorkspacesHandler.Status)
				wr.Post("/{name}/stop", dep.WorkspacesHandler.Stop)
				wr.Delete("/{name}", dep.WorkspacesHandler.Destroy)
			})

			protected.Route("/deploys", func(dr chi.Router) {
				dr.Post("/{name}/prepare", dep.DeploysHandler.Prepare)
				dr.Post("/{name}/upload", dep.DeploysHandler.Upload)
				dr.Get("/{name}/status", dep.DeploysHandler.Status)
			})
		})
	})

	return r
}
