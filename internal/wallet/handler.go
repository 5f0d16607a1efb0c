// Package wallet exposes the balance and transfer HTTP API.
package wallet

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/coinpeak/ledger-engine/internal/ledger"
	"github.com/coinpeak/ledger-engine/internal/model"
)

// Handler serves the wallet endpoints.
type Handler struct {
	ledger *ledger.Service
}

// NewHandler creates a wallet handler.
func NewHandler(led *ledger.Service) *Handler {
	return &Handler{ledger: led}
}

// Routes mounts the wallet API onto r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/balances/{userID}", h.handleBalances)
	r.Get("/balances/{userID}/{asset}", h.handleBalance)
	r.Post("/transfer", h.handleTransfer)
	r.Post("/deposit", h.handleDeposit)
	r.Post("/withdraw", h.handleWithdraw)
	r.Get("/transactions/{userID}", h.handleTransactions)
	r.Get("/locks/{userID}", h.handleLocks)
}

func (h *Handler) handleBalances(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	snaps, err := h.ledger.BalancesAll(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "balances": snaps})
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	asset := chi.URLParam(r, "asset")
	snap, err := h.ledger.Balances(r.Context(), userID, asset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "asset": asset, "balances": snap})
}

type moveRequest struct {
	UserID    string          `json:"user_id"`
	Asset     string          `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
	Direction string          `json:"direction,omitempty"`
	Reference string          `json:"reference,omitempty"`
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	snap, err := h.ledger.Transfer(r.Context(), req.UserID, req.Asset, req.Amount,
		model.TransferDirection(req.Direction), req.Reference)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": req.UserID, "asset": req.Asset, "balances": snap,
	})
}

func (h *Handler) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	snap, err := h.ledger.Deposit(r.Context(), req.UserID, req.Asset, req.Amount, req.Reference)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": req.UserID, "asset": req.Asset, "balances": snap,
	})
}

func (h *Handler) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	snap, err := h.ledger.Withdraw(r.Context(), req.UserID, req.Asset, req.Amount, req.Reference)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": req.UserID, "asset": req.Asset, "balances": snap,
	})
}

func (h *Handler) handleTransactions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.ledger.History(r.Context(), userID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "transactions": entries})
}

func (h *Handler) handleLocks(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	locks, err := h.ledger.ActiveLocks(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if locks == nil {
		locks = []model.Lock{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "locks": locks})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidLockType),
		errors.Is(err, ledger.ErrInvalidDirection):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, ledger.ErrDuplicateReference):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		slog.Error("wallet request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}
