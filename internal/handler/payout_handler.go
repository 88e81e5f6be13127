package handler

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"marketplace-ledger/internal/errors"
	"marketplace-ledger/internal/service"
)

type PayoutHandler struct {
	wallets *service.WalletService
}

func NewPayoutHandler(wallets *service.WalletService) *PayoutHandler {
	return &PayoutHandler{
		wallets: wallets,
	}
}

type PayoutRequest struct {
	OwnerID     string `json:"owner_id"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency,omitempty"`
	Method      string `json:"method,omitempty"`
	Destination string `json:"destination,omitempty"`
	AttemptID   string `json:"attempt_id,omitempty"`
}

type CancelPayoutRequest struct {
	OwnerID string `json:"owner_id"`
}

func (h *PayoutHandler) RequestPayout(w http.ResponseWriter, r *http.Request) {
	var req PayoutRequest
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

	result, err := h.wallets.RequestPayout(r.Context(), service.PayoutRequest{
		OwnerID:     req.OwnerID,
		Amount:      amount,
		Currency:    req.Currency,
		Method:      service.PayoutMethod(req.Method),
		Destination: req.Destination,
		AttemptID:   req.AttemptID,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

func (h *PayoutHandler) CancelPayout(w http.ResponseWriter, r *http.Request) {
	txID, err := payoutID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req CancelPayoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.wallets.CancelPayout(r.Context(), txID, req.OwnerID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *PayoutHandler) CompletePayout(w http.ResponseWriter, r *http.Request) {
	txID, err := payoutID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := h.wallets.CompletePayout(r.Context(), txID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func payoutID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)["transaction_id"])
	if err != nil {
		return uuid.Nil, errors.NewAppError(errors.ValidationError, "transaction id must be a UUID")
	}
	return id, nil
}
