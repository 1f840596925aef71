package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/phrazzld/data-retrieval/internal/api"
	apiMiddleware "github.com/phrazzld/data-retrieval/internal/api/middleware"
)

// setupRouter creates the router with the middleware stack and every route.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.NewTraceMiddleware(app.logger))

	retrievalHandler := api.NewRetrievalHandler(app.retrieval, app.compensation, app.logger)
	r.Route("/api", retrievalHandler.Routes)

	// A nil *consumer.Consumer must not reach the handler as a non-nil interface.
	var status api.ConsumerStatus
	if app.consumer != nil {
		status = app.consumer
	}
	r.Method(http.MethodGet, "/health", api.NewHealthHandler(status))

	return r
}
