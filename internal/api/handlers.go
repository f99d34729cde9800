package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/punchamoorthee/earnledger/internal/domain"
	"github.com/punchamoorthee/earnledger/internal/models"
	"github.com/punchamoorthee/earnledger/internal/mpesa"
	"github.com/punchamoorthee/earnledger/internal/service"
	"github.com/sirupsen/logrus"
)

func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/tasks"
	defer observe("GET", endpoint).ObserveDuration()

	views, err := h.Tasks.ListTasks(r.Context(), userID(r))
	if err != nil {
		h.fail(w, r, err, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, orEmpty(views), "GET", endpoint)
}

func (h *Handler) CompleteTask(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/tasks/{id}/complete"
	defer observe("POST", endpoint).ObserveDuration()

	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid task id", "POST", endpoint)
		return
	}
	done, err := h.Tasks.CompleteTask(r.Context(), userID(r), id)
	if err != nil {
		h.fail(w, r, err, endpoint)
		return
	}
	h.respondJSON(w, http.StatusCreated, done, "POST", endpoint)
}

func (h *Handler) ListReferrals(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/me/referrals"
	defer observe("GET", endpoint).ObserveDuration()

	edges, err := h.Referrals.ListReferrals(r.Context(), userID(r))
	if err != nil {
		h.fail(w, r, err, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, orEmpty(edges), "GET", endpoint)
}

func (h *Handler) ReferralSummary(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/me/referrals/summary"
	defer observe("GET", endpoint).ObserveDuration()

	sum, err := h.Referrals.Summary(r.Context(), userID(r))
	if err != nil {
		h.fail(w, r, err, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, sum, "GET", endpoint)
}

func (h *Handler) InitiateActivation(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/me/activation"
	defer observe("POST", endpoint).ObserveDuration()

	var req models.ActivationRequest
	if err := decodeJSON(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", endpoint)
		return
	}
	txn, err := h.Payments.Initiate(r.Context(), userID(r), req.PhoneNumber)
	if err != nil {
		h.fail(w, r, err, endpoint)
		return
	}
	h.respondJSON(w, http.StatusAccepted, models.ActivationResponse{
		Payment: txn,
		Message: "Check your phone and enter your M-Pesa PIN to complete activation",
	}, "POST", endpoint)
}

func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/me/payments"
	defer observe("GET", endpoint).ObserveDuration()

	out, err := h.Payments.ListPayments(r.Context(), userID(r))
	if err != nil {
		h.fail(w, r, err, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, orEmpty(out), "GET", endpoint)
}

// MpesaCallback stores an STK result and hands it to the dispatcher. Only a failure to store
// answers 503 so the provider redelivers; a stored callback the dispatcher cannot take is
// applied by the replay job.
func (h *Handler) MpesaCallback(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/mpesa/callback"
	defer observe("POST", endpoint).ObserveDuration()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Stream read error", "POST", endpoint)
		return
	}
	cb, err := mpesa.ParseSTKCallback(body)
	if err != nil {
		h.log.WithError(err).Warn("rejected stk callback")
		h.respondError(w, http.StatusBadRequest, err.Error(), "POST", endpoint)
		return
	}

	result := service.CallbackResult{
		CheckoutRequestID: cb.CheckoutRequestID,
		ResultCode:        cb.ResultCode,
		ResultDesc:        cb.ResultDesc,
		ReceiptNumber:     cb.ReceiptNumber,
		Amount:            cb.Amount,
	}
	log := h.log.WithField("checkout_request_id", cb.CheckoutRequestID)
	if _, err := h.Payments.RecordCallback(r.Context(), result); err != nil {
		log.WithError(err).Error("callback not stored")
		h.respondError(w, http.StatusServiceUnavailable, "callback not stored, retry later", "POST", endpoint)
		return
	}
	if err := h.Dispatcher.Submit(result); err != nil {
		// stored, so the replay job applies it
		log.WithError(err).Warn("callback not queued")
	}
	h.respondJSON(w, http.StatusOK, models.WebhookAck{ResultCode: 0, ResultDesc: "Accepted"}, "POST", endpoint)
}

// B2CResult applies a payout result synchronously. Results for unknown references are
// acknowledged and logged since redelivery cannot make them resolvable.
func (h *Handler) B2CResult(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/mpesa/b2c/result"
	defer observe("POST", endpoint).ObserveDuration()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Stream read error", "POST", endpoint)
		return
	}
	res, err := mpesa.ParseB2CResult(body)
	if err != nil {
		h.log.WithError(err).Warn("rejected b2c result")
		h.respondError(w, http.StatusBadRequest, err.Error(), "POST", endpoint)
		return
	}

	_, _, err = h.Payouts.HandleResult(r.Context(), res)
	switch {
	case errors.Is(err, domain.ErrWithdrawalNotFound):
		h.log.WithFields(logrus.Fields{"provider_ref": res.OriginatorConversationID}).Warn("b2c result for unknown withdrawal")
	case err != nil:
		h.fail(w, r, err, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, models.WebhookAck{ResultCode: 0, ResultDesc: "Accepted"}, "POST", endpoint)
}
