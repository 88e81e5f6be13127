package handler

import (
	"io"
	"net/http"

	"github.com/shopspring/decimal"

	"marketplace-ledger/internal/errors"
	"marketplace-ledger/internal/service"
)

const maxWebhookBytes = 64 << 10

type DepositHandler struct {
	deposits      *service.DepositSaga
	confirmations *service.ConfirmationHandler
}

func NewDepositHandler(deposits *service.DepositSaga, confirmations *service.ConfirmationHandler) *DepositHandler {
	return &DepositHandler{
		deposits:      deposits,
		confirmations: confirmations,
	}
}

type DepositRequest struct {
	OwnerID       string `json:"owner_id"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency,omitempty"`
	AttemptID     string `json:"attempt_id,omitempty"`
	PaymentMethod string `json:"payment_method,omitempty"`
}

func (h *DepositHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, errors.NewAppError(errors.InvalidAmount, "invalid amount format").WithDetails(err.Error()))
		return
	}
	if req.AttemptID == "" {
		req.AttemptID = r.Header.Get("Idempotency-Key")
	}

	result, err := h.deposits.Deposit(r.Context(), service.DepositRequest{
		OwnerID:       req.OwnerID,
		Amount:        amount,
		Currency:      req.Currency,
		AttemptID:     req.AttemptID,
		PaymentMethod: req.PaymentMethod,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	// the deposit exists but its gateway outcome is unknown
	if result.Error != nil {
		writeJSON(w, http.StatusAccepted, result)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// Webhook receives gateway confirmations. Any non-2xx answer makes the gateway
// redeliver, so only verified, applied or ignorable events are acknowledged.
func (h *DepositHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		writeError(w, errors.NewAppError(errors.ValidationError, "failed to read body").WithDetails(err.Error()))
		return
	}

	result, err := h.confirmations.HandleEvent(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}
