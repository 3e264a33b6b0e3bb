package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/punchamoorthee/transferledger/internal/audit"
	"github.com/punchamoorthee/transferledger/internal/ledger"
	"github.com/punchamoorthee/transferledger/internal/models"
	"github.com/punchamoorthee/transferledger/internal/service"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	ReplayedHeader       = "Idempotent-Replayed"

	maxBodyBytes = 1 << 20
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

type Handler struct {
	service *service.TransferService
	log     *zap.Logger
	ready   func(ctx context.Context) error
}

// NewHandler wires the HTTP handlers. ready backs /healthz and may be nil.
func NewHandler(svc *service.TransferService, log *zap.Logger, ready func(ctx context.Context) error) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{service: svc, log: log, ready: ready}
}

type createAccountRequest struct {
	ID             string `json:"id"`
	OpeningBalance int64  `json:"opening_balance"`
}

type balanceResponse struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadinessHandler reports whether the backing stores are reachable.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.ready(ctx); err != nil {
			h.log.Warn("readiness check failed", zap.Error(err))
			respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CreateTransferHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/transfers"
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	idempotencyKey := r.Header.Get(IdempotencyKeyHeader)
	if idempotencyKey == "" {
		h.fail(w, "POST", endpoint, http.StatusBadRequest, models.CodeInvalidRequest, "Missing Idempotency-Key header")
		return
	}

	var req models.TransferRequest
	if err := decodeStrict(w, r, &req); err != nil {
		h.fail(w, "POST", endpoint, http.StatusBadRequest, models.CodeInvalidRequest, "Malformed JSON body: "+err.Error())
		return
	}
	req.IdempotencyKey = idempotencyKey
	req.Caller = CallerFrom(r.Context())

	out, err := h.service.Submit(r.Context(), req)
	if err != nil {
		var engErr *models.Error
		if errors.As(err, &engErr) && engErr.Code == models.CodeDuplicateInFlight {
			w.Header().Set("Retry-After", "1")
			h.fail(w, "POST", endpoint, http.StatusConflict, engErr.Code, engErr.Message)
			return
		}
		h.log.Error("transfer failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("idempotency_key", idempotencyKey),
			zap.Error(err))
		h.fail(w, "POST", endpoint, http.StatusInternalServerError, models.CodeInternalError, "Internal Server Error")
		return
	}

	status := http.StatusCreated
	switch {
	case out.Replayed:
		w.Header().Set(ReplayedHeader, "true")
		status = http.StatusOK
	case out.Result.Committed():
		w.Header().Set("Location", "/api/v1/transfers/"+out.Result.TransferID)
	default:
		status = http.StatusUnprocessableEntity
	}
	httpRequestsTotal.WithLabelValues("POST", endpoint, strconv.Itoa(status)).Inc()
	respondWithJSON(w, status, out.Result)
}

func (h *Handler) GetTransferHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/transfers/{id}"
	transfer, err := h.service.GetTransfer(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.lookupFailed(w, r, endpoint, err, "Transfer not found")
		return
	}
	httpRequestsTotal.WithLabelValues("GET", endpoint, "200").Inc()
	respondWithJSON(w, http.StatusOK, transfer)
}

func (h *Handler) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts"
	var req createAccountRequest
	if err := decodeStrict(w, r, &req); err != nil {
		h.fail(w, "POST", endpoint, http.StatusBadRequest, models.CodeInvalidRequest, "Malformed JSON body: "+err.Error())
		return
	}

	account, err := h.service.CreateAccount(r.Context(), req.ID, req.OpeningBalance)
	switch {
	case errors.Is(err, service.ErrInvalidAccount):
		h.fail(w, "POST", endpoint, http.StatusBadRequest, models.CodeInvalidRequest, err.Error())
		return
	case errors.Is(err, ledger.ErrAccountExists):
		h.fail(w, "POST", endpoint, http.StatusConflict, models.CodeInvalidRequest, "Account already exists")
		return
	case err != nil:
		h.log.Error("create account failed", zap.String("account_id", req.ID), zap.Error(err))
		h.fail(w, "POST", endpoint, http.StatusInternalServerError, models.CodeInternalError, "System error creating account")
		return
	}

	httpRequestsTotal.WithLabelValues("POST", endpoint, "201").Inc()
	w.Header().Set("Location", "/api/v1/accounts/"+account.ID)
	respondWithJSON(w, http.StatusCreated, account)
}

func (h *Handler) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts/{id}"
	account, err := h.service.GetAccount(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.lookupFailed(w, r, endpoint, err, "Account not found")
		return
	}
	httpRequestsTotal.WithLabelValues("GET", endpoint, "200").Inc()
	respondWithJSON(w, http.StatusOK, account)
}

func (h *Handler) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts/{id}/balance"
	id := mux.Vars(r)["id"]
	balance, err := h.service.GetBalance(r.Context(), id)
	if err != nil {
		h.lookupFailed(w, r, endpoint, err, "Account not found")
		return
	}
	httpRequestsTotal.WithLabelValues("GET", endpoint, "200").Inc()
	respondWithJSON(w, http.StatusOK, balanceResponse{AccountID: id, Balance: balance})
}

func (h *Handler) GetAccountEntriesHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts/{id}/entries"
	limit, err := queryInt(r, "limit")
	if err != nil {
		h.fail(w, "GET", endpoint, http.StatusBadRequest, models.CodeInvalidRequest, err.Error())
		return
	}

	entries, err := h.service.AccountEntries(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		h.lookupFailed(w, r, endpoint, err, "Account not found")
		return
	}
	httpRequestsTotal.WithLabelValues("GET", endpoint, "200").Inc()
	respondWithJSON(w, http.StatusOK, entries)
}

func (h *Handler) GetAuditTrailHandler(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/audit"
	q := r.URL.Query()
	f := audit.Filter{AccountID: q.Get("account")}

	var err error
	if f.From, err = queryTime(q.Get("from")); err != nil {
		h.fail(w, "GET", endpoint, http.StatusBadRequest, models.CodeInvalidRequest, "from: "+err.Error())
		return
	}
	if f.To, err = queryTime(q.Get("to")); err != nil {
		h.fail(w, "GET", endpoint, http.StatusBadRequest, models.CodeInvalidRequest, "to: "+err.Error())
		return
	}
	if f.Limit, err = queryInt(r, "limit"); err != nil {
		h.fail(w, "GET", endpoint, http.StatusBadRequest, models.CodeInvalidRequest, err.Error())
		return
	}

	events, err := h.service.AuditTrail(r.Context(), f)
	switch {
	case errors.Is(err, audit.ErrInvalidFilter):
		h.fail(w, "GET", endpoint, http.StatusBadRequest, models.CodeInvalidRequest, "account is required and from must precede to")
		return
	case err != nil:
		h.log.Error("audit query failed", zap.String("account_id", f.AccountID), zap.Error(err))
		h.fail(w, "GET", endpoint, http.StatusInternalServerError, models.CodeInternalError, "Internal Server Error")
		return
	}
	httpRequestsTotal.WithLabelValues("GET", endpoint, "200").Inc()
	respondWithJSON(w, http.StatusOK, events)
}

func (h *Handler) lookupFailed(w http.ResponseWriter, r *http.Request, endpoint string, err error, notFound string) {
	if service.IsNotFound(err) {
		code := models.CodeUnknownAccount
		if errors.Is(err, ledger.ErrTransferNotFound) {
			code = models.CodeNotFound
		}
		h.fail(w, "GET", endpoint, http.StatusNotFound, code, notFound)
		return
	}
	h.log.Error("lookup failed",
		zap.String("request_id", RequestID(r.Context())),
		zap.String("endpoint", endpoint),
		zap.Error(err))
	h.fail(w, "GET", endpoint, http.StatusInternalServerError, models.CodeInternalError, "Internal Server Error")
}

func (h *Handler) fail(w http.ResponseWriter, method, endpoint string, status int, code models.ErrorCode, message string) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	respondWithError(w, status, code, message)
}

// decodeStrict decodes a single JSON object and rejects unknown fields.
func decodeStrict(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON object")
	}
	return nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

func queryTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

type errorResponse struct {
	Code    models.ErrorCode `json:"code"`
	Message string           `json:"error"`
}

func respondWithError(w http.ResponseWriter, status int, code models.ErrorCode, message string) {
	respondWithJSON(w, status, errorResponse{Code: code, Message: message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
