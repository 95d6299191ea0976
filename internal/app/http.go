package app

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"example.com/ledger/internal/api"
	"example.com/ledger/internal/auth"
	"example.com/ledger/internal/logging"
)

// Handler builds the public HTTP surface: ledger routes behind bearer auth,
// plus unauthenticated health and metrics endpoints.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	api.NewHandler(a.Ledger, a.Log.With("component", "api")).RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: a.Cfg.JWTSecret, Issuer: a.Cfg.JWTIssuer}, auth.SkipProbes)
	traced := otelhttp.NewHandler(authMiddleware.Wrap(mux), "ledger.http",
		otelhttp.WithFilter(func(r *http.Request) bool { return !auth.SkipProbes(r) }))
	return requestLogger(a.Log, traced)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func requestLogger(log *logging.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			return
		}
		log.Debug("http request",
			"method", r.Method, "path", r.URL.Path,
			"status", rec.status, "duration", time.Since(start))
	})
}
