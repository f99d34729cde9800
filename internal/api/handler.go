package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/earnledger/internal/domain"
	"github.com/punchamoorthee/earnledger/internal/models"
	"github.com/punchamoorthee/earnledger/internal/service"
	"github.com/punchamoorthee/earnledger/internal/store"
	"github.com/sirupsen/logrus"
)

const maxBodyBytes = 1 << 20

// Metrics
var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// Services bundles what the handlers call into.
type Services struct {
	Store      store.Store
	Ledger     *service.LedgerService
	Referrals  *service.ReferralGraph
	Tasks      *service.TaskEngine
	Payments   *service.PaymentReconciler
	Payouts    *service.PayoutService
	Dispatcher *service.Dispatcher
}

type Handler struct {
	Services
	log logrus.FieldLogger
}

func NewHandler(svc Services, log logrus.FieldLogger) *Handler {
	return &Handler{Services: svc, log: log}
}

// observe starts the latency timer for an endpoint. Callers defer ObserveDuration.
func observe(method, endpoint string) *prometheus.Timer {
	return prometheus.NewTimer(httpLatency.WithLabelValues(method, endpoint))
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		h.log.WithError(err).Warn("health check failed")
		h.respondError(w, http.StatusServiceUnavailable, "store unavailable", "GET", "/health")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"}, "GET", "/health")
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/users"
	defer observe("POST", endpoint).ObserveDuration()

	var req models.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", endpoint)
		return
	}
	u, err := h.Referrals.Register(r.Context(), service.RegisterParams{
		Username:     req.Username,
		FullName:     req.FullName,
		Phone:        req.Phone,
		ReferralCode: req.ReferralCode,
	})
	if err != nil {
		h.fail(w, r, err, endpoint)
		return
	}
	h.respondJSON(w, http.StatusCreated, u, "POST", endpoint)
}

func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/me"
	defer observe("GET", endpoint).ObserveDuration()

	u, err := h.Referrals.GetUser(r.Context(), userID(r))
	if err != nil {
		h.fail(w, r, err, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, u, "GET", endpoint)
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/me/stats"
	defer observe("GET", endpoint).ObserveDuration()

	st, err := h.Ledger.Stats(r.Context(), userID(r))
	if err != nil {
		h.fail(w, r, err, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, st, "GET", endpoint)
}

func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/me/balances"
	defer observe("GET", endpoint).ObserveDuration()

	balances, err := h.Ledger.GetBalances(r.Context(), userID(r))
	if err != nil {
		h.fail(w, r, err, endpoint)
		return
	}
	resp := models.BalancesResponse{Balances: balances}
	for _, b := range balances {
		resp.TotalBalance += b.Withdrawable
	}
	h.respondJSON(w, http.StatusOK, resp, "GET", endpoint)
}

func (h *Handler) ListEarnings(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/me/earnings"
	defer observe("GET", endpoint).ObserveDuration()

	q := r.URL.Query()
	f := domain.EarningFilter{Source: domain.Source(q.Get("source"))}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			h.respondError(w, http.StatusBadRequest, "limit must be a non-negative integer", "GET", endpoint)
			return
		}
		f.Limit = limit
	}

	earnings, err := h.Ledger.ListEarnings(r.Context(), userID(r), f)
	if err != nil {
		h.fail(w, r, err, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, orEmpty(earnings), "GET", endpoint)
}

func (h *Handler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/me/withdrawals"
	defer observe("GET", endpoint).ObserveDuration()

	out, err := h.Ledger.ListWithdrawals(r.Context(), userID(r))
	if err != nil {
		h.fail(w, r, err, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, orEmpty(out), "GET", endpoint)
}

// CreateWithdrawal honours an optional Idempotency-Key header. A replay of a completed key
// with the same body returns the original withdrawal with 200.
func (h *Handler) CreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/me/withdrawals"
	defer observe("POST", endpoint).ObserveDuration()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "Stream read error", "POST", endpoint)
		return
	}
	r.Body = io.NopCloser(bytes.NewBuffer(body))

	var req models.WithdrawalRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", endpoint)
		return
	}

	hash := sha256.Sum256(body)
	wd, replayed, err := h.Ledger.RequestWithdrawal(r.Context(), service.WithdrawalRequest{
		UserID:         userID(r),
		Source:         req.Source,
		Amount:         req.Amount,
		PaymentMethod:  req.PaymentMethod,
		Phone:          req.PhoneNumber,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		RequestHash:    hex.EncodeToString(hash[:]),
	})
	if err != nil {
		h.fail(w, r, err, endpoint)
		return
	}
	if replayed {
		h.respondJSON(w, http.StatusOK, wd, "POST", endpoint)
		return
	}
	h.respondJSON(w, http.StatusCreated, wd, "POST", endpoint)
}

// fail maps a service error onto a status code and a caller-actionable message.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error, endpoint string) {
	resp := models.ErrorResponse{Error: err.Error()}
	code := http.StatusInternalServerError

	var elig *domain.EligibilityError
	var limit *domain.LimitError
	switch {
	case errors.As(err, &elig):
		code = http.StatusConflict
		at := elig.AvailableAt
		resp.AvailableAt = &at
	case errors.As(err, &limit):
		code = http.StatusUnprocessableEntity
		l := limit.Limit
		resp.Limit = &l
	case errors.Is(err, domain.ErrInvalidAmount), errors.Is(err, domain.ErrInvalidPhone),
		errors.Is(err, domain.ErrInvalidSource), errors.Is(err, domain.ErrInvalidReferralCode),
		errors.Is(err, domain.ErrInvalidUser):
		code = http.StatusBadRequest
	case errors.Is(err, domain.ErrIdempotencyMismatch), errors.Is(err, domain.ErrInvalidTransition):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrIdempotencyConflict), errors.Is(err, domain.ErrAlreadyActivated),
		errors.Is(err, domain.ErrUsernameTaken):
		code = http.StatusConflict
	case errors.Is(err, domain.ErrUserNotFound), errors.Is(err, domain.ErrTaskNotFound),
		errors.Is(err, domain.ErrWithdrawalNotFound), errors.Is(err, domain.ErrUnknownTransaction):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrProviderUnavailable):
		code = http.StatusServiceUnavailable
		resp.Error = "payment provider unavailable, try again"
	default:
		h.log.WithError(err).WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path}).Error("request failed")
		resp.Error = "Internal Server Error"
	}
	h.respondJSON(w, code, resp, r.Method, endpoint)
}

// Helpers
func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpReqTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, code int, msg, method, endpoint string) {
	h.respondJSON(w, code, models.ErrorResponse{Error: msg}, method, endpoint)
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
