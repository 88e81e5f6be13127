package handler

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"marketplace-ledger/internal/domain"
	"marketplace-ledger/internal/service"
)

type WalletHandler struct {
	wallets *service.WalletService
}

func NewWalletHandler(wallets *service.WalletService) *WalletHandler {
	return &WalletHandler{
		wallets: wallets,
	}
}

type WalletResponse struct {
	WalletID         string `json:"wallet_id"`
	OwnerID          string `json:"owner_id"`
	Currency         string `json:"currency"`
	AvailableBalance string `json:"available_balance"`
	EscrowBalance    string `json:"escrow_balance"`
	BonusBalance     string `json:"bonus_balance"`
	FrozenBalance    string `json:"frozen_balance"`
}

// GetWallet creates an empty wallet on first access.
func (h *WalletHandler) GetWallet(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	wallet, err := h.wallets.GetOrCreateWallet(r.Context(), vars["owner_id"], vars["currency"])
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, WalletResponse{
		WalletID:         wallet.ID.String(),
		OwnerID:          wallet.OwnerID,
		Currency:         wallet.Currency,
		AvailableBalance: wallet.AvailableBalance.StringFixed(2),
		EscrowBalance:    wallet.EscrowBalance.StringFixed(2),
		BonusBalance:     wallet.BonusBalance.StringFixed(2),
		FrozenBalance:    wallet.FrozenBalance.StringFixed(2),
	})
}

func (h *WalletHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, err)
		return
	}

	wallet, err := h.wallets.FindWallet(r.Context(), vars["owner_id"], vars["currency"])
	if err != nil {
		writeError(w, err)
		return
	}

	txs, err := h.wallets.ListTransactions(r.Context(), wallet.ID, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]TransactionResponse, 0, len(txs))
	for i := range txs {
		out = append(out, publicTransaction(&txs[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *WalletHandler) Reconciliation(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	wallet, err := h.wallets.FindWallet(r.Context(), vars["owner_id"], vars["currency"])
	if err != nil {
		writeError(w, err)
		return
	}

	report, err := h.wallets.Reconcile(r.Context(), wallet.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

type TransactionResponse struct {
	TransactionID string            `json:"transaction_id"`
	WalletID      string            `json:"wallet_id"`
	Type          string            `json:"type"`
	Amount        string            `json:"amount"`
	Currency      string            `json:"currency"`
	Status        string            `json:"status"`
	ReferenceID   string            `json:"reference_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     string            `json:"created_at"`
	UpdatedAt     string            `json:"updated_at"`
}

// publicTransaction drops the gateway client secret, which only the depositor
// receives and only from the deposit call.
func publicTransaction(tx *domain.Transaction) TransactionResponse {
	meta := make(map[string]string, len(tx.Metadata))
	for k, v := range tx.Metadata {
		if k == domain.MetaClientHandle {
			continue
		}
		meta[k] = v
	}

	resp := TransactionResponse{
		TransactionID: tx.ID.String(),
		WalletID:      tx.WalletID.String(),
		Type:          string(tx.Type),
		Amount:        tx.Amount.StringFixed(2),
		Currency:      tx.Currency,
		Status:        string(tx.Status),
		Metadata:      meta,
		CreatedAt:     tx.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:     tx.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if tx.ReferenceID != nil {
		resp.ReferenceID = tx.ReferenceID.String()
	}
	return resp
}
