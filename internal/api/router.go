package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"iiot-gateway/internal/auth"
	"iiot-gateway/internal/metrics"
)

// SetupDataRouter serves device ingestion behind API keys.
func SetupDataRouter(h *APIHandler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(instrument)
	r.Use(middleware.Timeout(30 * time.Second))

	r.With(h.Auth.APIKeyMiddleware).Post("/data", h.HandleDataIngest)
	r.Get("/healthz", h.HandleHealth)
	return r
}

// SetupAPIRouter serves the dashboard API, metrics and live updates.
func SetupAPIRouter(h *APIHandler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(instrument)

	r.Handle("/metrics", promhttp.Handler())

	readers := auth.RequireRoles(auth.RoleAdmin, auth.RoleOperator, auth.RoleViewer)
	writers := auth.RequireRoles(auth.RoleAdmin, auth.RoleOperator)
	admins := auth.RequireRoles(auth.RoleAdmin)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Post("/auth/login", h.HandleLogin)
		r.Get("/health", h.HandleHealth)

		r.Group(func(r chi.Router) {
			r.Use(h.Auth.JWTMiddleware)

			r.With(readers).Get("/performance", h.HandlePerformance)

			r.With(readers).Get("/machines", h.HandleListMachines)
			r.With(readers).Get("/machines/{id}", h.HandleGetMachine)
			r.With(readers).Get("/readings", h.HandleListReadings)

			r.With(readers).Get("/alerts", h.HandleListAlerts)
			r.With(writers).Post("/alerts/{id}/resolve", h.HandleResolveAlert)

			r.Route("/oee", func(r chi.Router) {
				r.With(readers).Get("/calculate", h.HandleCalculateOEE)
				r.With(readers).Get("/production-runs", h.HandleListProductionRuns)
				r.With(writers).Post("/production-runs", h.HandleRecordProductionRun)
				r.With(readers).Get("/downtime-events", h.HandleListDowntime)
				r.With(writers).Post("/downtime-events", h.HandleOpenDowntime)
				r.With(writers).Put("/downtime-events/{id}/resolve", h.HandleResolveDowntime)
				r.With(readers).Get("/quality-defects", h.HandleListDefects)
				r.With(writers).Post("/quality-defects", h.HandleRecordDefect)
				r.With(writers).Post("/generate-sample-data", h.HandleGenerateSampleData)
				r.With(writers).Post("/clear-data", h.HandleClearData)
			})

			r.Route("/modbus", func(r chi.Router) {
				r.With(readers).Get("/configs", h.HandleListEndpoints)
				r.With(writers).Post("/configs", h.HandleCreateEndpoint)
				r.With(readers).Get("/configs/{id}", h.HandleGetEndpoint)
				r.With(writers).Put("/configs/{id}", h.HandleUpdateEndpoint)
				r.With(admins).Delete("/configs/{id}", h.HandleDeleteEndpoint)
				r.With(readers).Get("/active", h.HandleActiveEndpoints)
			})
		})
	})

	// browsers cannot set headers on a websocket handshake; the stream is read-only
	if h.Live != nil {
		r.Handle("/ws", h.Live)
	}
	return r
}

// instrument counts requests by route pattern so ids do not explode the
// label set.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
	})
}
