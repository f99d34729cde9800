package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/punchamoorthee/earnledger/internal/logging"
)

// Limits groups the per-caller and webhook rate limiters.
type Limits struct {
	User    *RateLimiter
	Webhook *RateLimiter
}

func NewRouter(h *Handler, limits Limits) http.Handler {
	r := mux.NewRouter()
	r.Use(logging.Middleware(h.log))
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.Handle("/users", limits.User.Handler(http.HandlerFunc(h.Register))).Methods("POST")

	// Provider webhooks carry no user identity.
	hooks := apiV1.PathPrefix("/mpesa").Subrouter()
	hooks.Use(limits.Webhook.Handler)
	hooks.HandleFunc("/callback", h.MpesaCallback).Methods("POST")
	hooks.HandleFunc("/b2c/result", h.B2CResult).Methods("POST")
	// a queue timeout uses the result envelope with a non-zero code
	hooks.HandleFunc("/b2c/timeout", h.B2CResult).Methods("POST")

	authed := apiV1.NewRoute().Subrouter()
	authed.Use(h.RequireUser, limits.User.Handler)
	authed.HandleFunc("/me", h.GetMe).Methods("GET")
	authed.HandleFunc("/me/stats", h.GetStats).Methods("GET")
	authed.HandleFunc("/me/balances", h.GetBalances).Methods("GET")
	authed.HandleFunc("/me/earnings", h.ListEarnings).Methods("GET")
	authed.HandleFunc("/me/withdrawals", h.ListWithdrawals).Methods("GET")
	authed.HandleFunc("/me/withdrawals", h.CreateWithdrawal).Methods("POST")
	authed.HandleFunc("/me/referrals", h.ListReferrals).Methods("GET")
	authed.HandleFunc("/me/referrals/summary", h.ReferralSummary).Methods("GET")
	authed.HandleFunc("/me/activation", h.InitiateActivation).Methods("POST")
	authed.HandleFunc("/me/payments", h.ListPayments).Methods("GET")
	authed.HandleFunc("/tasks", h.ListTasks).Methods("GET")
	authed.HandleFunc("/tasks/{id:[0-9]+}/complete", h.CompleteTask).Methods("POST")

	return r
}
