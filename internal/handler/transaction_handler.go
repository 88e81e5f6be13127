package handler

import (
	"net/http"

	"github.com/gorilla/mux"

	"marketplace-ledger/internal/service"
)

type TransactionHandler struct {
	confirmations *service.ConfirmationHandler
}

func NewTransactionHandler(confirmations *service.ConfirmationHandler) *TransactionHandler {
	return &TransactionHandler{
		confirmations: confirmations,
	}
}

func (h *TransactionHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.confirmations.GetTransaction(r.Context(), mux.Vars(r)["transaction_id"])
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, publicTransaction(tx))
}

func (h *TransactionHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	tx, err := h.confirmations.ReconcilePending(r.Context(), mux.Vars(r)["transaction_id"])
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, publicTransaction(tx))
}
