package handler

import (
	"net/http"

	"github.com/gorilla/mux"

	"marketplace-ledger/internal/service"
)

type PurchaseHandler struct {
	saga *service.PurchaseSaga
}

func NewPurchaseHandler(saga *service.PurchaseSaga) *PurchaseHandler {
	return &PurchaseHandler{
		saga: saga,
	}
}

type PurchaseRequest struct {
	AttemptID string `json:"attempt_id"`
	BuyerID   string `json:"buyer_id"`
	ProductID string `json:"product_id"`
	Currency  string `json:"currency,omitempty"`
}

// Purchase accepts the attempt id in the body or the Idempotency-Key header.
func (h *PurchaseHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.AttemptID == "" {
		req.AttemptID = r.Header.Get("Idempotency-Key")
	}

	result, err := h.saga.Purchase(r.Context(), service.PurchaseRequest{
		AttemptID: req.AttemptID,
		BuyerID:   req.BuyerID,
		ProductID: req.ProductID,
		Currency:  req.Currency,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

func (h *PurchaseHandler) Recover(w http.ResponseWriter, r *http.Request) {
	result, err := h.saga.Recover(r.Context(), mux.Vars(r)["attempt_id"])
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *PurchaseHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.saga.GetOrder(r.Context(), mux.Vars(r)["order_id"], r.URL.Query().Get("buyer_id"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, order)
}
