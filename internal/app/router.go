// Package app wires configuration, adapters and handlers into runnable
// services.
package app

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/gradeflow/xqueue/internal/adapter/httpserver"
	"github.com/gradeflow/xqueue/internal/adapter/observability"
	"github.com/gradeflow/xqueue/internal/config"
)

// BuildRouter constructs the HTTP handler with all middlewares and routes.
// The queue endpoints keep their historical paths; graders in the wild have
// them hardcoded.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Get("/xqueue/login/", srv.LoginHandler())
	r.Post("/xqueue/login/", srv.LoginHandler())
	r.Post("/xqueue/logout/", srv.LogoutHandler())
	r.Get("/xqueue/status/", srv.StatusHandler())

	r.Group(func(qr chi.Router) {
		qr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		qr.Use(srv.Sessions.RequireLogin)
		qr.Post("/xqueue/submit/", srv.SubmitHandler())
		qr.Get("/xqueue/get_queuelen/", srv.QueueLenHandler())
		qr.Get("/xqueue/get_submission/", srv.GetSubmissionHandler())
		qr.Post("/xqueue/put_result/", srv.PutResultHandler())
	})

	// Uploaded files are served locally only when no object store is
	// configured.
	if cfg.UploadBucket == "" {
		r.Handle("/uploads/*", http.StripPrefix("/uploads/", http.FileServer(http.Dir(cfg.UploadDir))))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
