package api

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewRouter mounts the API. When jwtSecret is empty the /api/v1 routes are
// served without authentication.
func NewRouter(h *Handler, log *zap.Logger, jwtSecret string) *mux.Router {
	r := mux.NewRouter()
	r.Use(Logging(log), Recovery(log))

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods("GET")
	r.HandleFunc("/healthz", h.ReadinessHandler).Methods("GET")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	if jwtSecret != "" {
		apiV1.Use(Auth(jwtSecret))
	}
	apiV1.HandleFunc("/transfers", h.CreateTransferHandler).Methods("POST")
	apiV1.HandleFunc("/transfers/{id}", h.GetTransferHandler).Methods("GET")
	apiV1.HandleFunc("/accounts", h.CreateAccountHandler).Methods("POST")
	apiV1.HandleFunc("/accounts/{id}", h.GetAccountHandler).Methods("GET")
	apiV1.HandleFunc("/accounts/{id}/balance", h.GetBalanceHandler).Methods("GET")
	apiV1.HandleFunc("/accounts/{id}/entries", h.GetAccountEntriesHandler).Methods("GET")
	apiV1.HandleFunc("/audit", h.GetAuditTrailHandler).Methods("GET")

	return r
}
