package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (g *Gateway) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(g.requestIDMiddleware)
	r.Use(g.loggingMiddleware)
	r.Use(g.recoveryMiddleware)
	r.Use(g.bodySizeLimitMiddleware)

	r.Get("/health", g.handleHealth)
	r.Get("/status", g.handleStatus)
	r.Handle("/metrics", promhttp.HandlerFor(g.srv.Registry(), promhttp.HandlerOpts{}))
	r.Get("/ws", g.handleWebSocket)

	r.Route("/devices", func(r chi.Router) {
		r.Get("/", g.handleListDevices)

		r.Route("/{domain}/{family}/{member}", func(r chi.Router) {
			r.Get("/", g.handleGetDevice)
			r.Get("/attributes/{attr}", g.handleReadAttribute)
			r.Put("/attributes/{attr}", g.handleWriteAttribute)
			r.Post("/commands/{cmd}", g.handleCommand)
			r.Get("/pipes/{pipe}", g.handleReadPipe)
			r.Put("/pipes/{pipe}", g.handleWritePipe)
		})
	})

	return r
}

// handleHealth reports that the gateway and its server are up.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := http.StatusOK
	body := map[string]any{
		"status":  "ok",
		"version": g.version,
		"server":  g.srv.Name(),
	}
	select {
	case <-g.srv.Ready():
	default:
		status = http.StatusServiceUnavailable
		body["status"] = "starting"
	}
	writeJSON(w, status, body)
}
