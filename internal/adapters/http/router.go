// Package http wires the REST and streaming surface of the engine.
package http

import (
	"net/http"

	"capstan/internal/adapters/http/middleware"
	"capstan/internal/adapters/ws"
	"capstan/internal/config"
)

type RouterDeps struct {
	Project    *ProjectHandler
	Deployment *DeploymentHandler
	Stream     *StreamHandler
	WsTail     *ws.LogHandler
}

func NewRouter(cfg *config.Config, deps *RouterDeps) http.Handler {
	mux := http.NewServeMux()

	globalMw := middleware.New()
	globalMw.Use(middleware.CORS(cfg))

	authStack := middleware.New()
	authStack.Use(middleware.JWT(cfg))

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})

	mux.HandleFunc("GET /projects", deps.Project.Index)
	mux.HandleFunc("GET /projects/{id}", deps.Project.Show)
	mux.Handle("POST /projects", authStack.Then(http.HandlerFunc(deps.Project.Store)))

	mux.HandleFunc("GET /projects/{id}/deployments", deps.Deployment.Index)
	mux.Handle("POST /projects/{id}/deployments", authStack.Then(http.HandlerFunc(deps.Deployment.Trigger)))

	mux.HandleFunc("GET /deployments/{id}", deps.Deployment.Show)
	mux.HandleFunc("GET /deployments/{id}/log", deps.Deployment.Log)
	mux.Handle("DELETE /deployments/{id}", authStack.Then(http.HandlerFunc(deps.Deployment.Cancel)))

	mux.HandleFunc("GET /deployments/{id}/stream", deps.Stream.Serve)
	mux.HandleFunc("GET /ws/deployments/{id}", deps.WsTail.Serve)

	return globalMw.Apply(mux)
}
