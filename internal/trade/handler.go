package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/coinpeak/ledger-engine/internal/ledger"
	"github.com/coinpeak/ledger-engine/internal/model"
	"github.com/coinpeak/ledger-engine/internal/store"
)

// Handler serves the trade endpoints.
type Handler struct {
	engine *Engine
}

// NewHandler creates a trade handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// Routes mounts the trade API onto r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.handlePlace)
	r.Get("/{tradeID}", h.handleGet)
	r.Post("/{tradeID}/cancel", h.handleCancel)
	r.Get("/user/{userID}", h.handleList)
}

type placeRequest struct {
	UserID          string          `json:"user_id"`
	Asset           string          `json:"asset"`
	Symbol          string          `json:"symbol"`
	Category        string          `json:"category"`
	Direction       string          `json:"direction"`
	Stake           decimal.Decimal `json:"stake"`
	PayoutRate      decimal.Decimal `json:"payout_rate"`
	DurationSeconds int64           `json:"duration_seconds"`
	ScheduledAt     *time.Time      `json:"scheduled_at,omitempty"`
}

func (h *Handler) handlePlace(w http.ResponseWriter, r *http.Request) {
	var req placeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	placeReq := PlaceRequest{
		UserID:     req.UserID,
		Asset:      req.Asset,
		Symbol:     req.Symbol,
		Category:   model.LockType(req.Category),
		Direction:  model.Direction(req.Direction),
		Stake:      req.Stake,
		PayoutRate: req.PayoutRate,
		Duration:   time.Duration(req.DurationSeconds) * time.Second,
	}
	if req.ScheduledAt != nil {
		placeReq.ScheduledAt = *req.ScheduledAt
	}

	t, err := h.engine.Place(r.Context(), placeReq)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	tradeID := chi.URLParam(r, "tradeID")
	userID := r.URL.Query().Get("user_id")

	t, err := h.engine.Get(r.Context(), tradeID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	tradeID := chi.URLParam(r, "tradeID")

	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	t, err := h.engine.Cancel(r.Context(), tradeID, req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	status := model.TradeStatus(r.URL.Query().Get("status"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	trades, err := h.engine.List(r.Context(), userID, status, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "trades": trades})
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
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ledger.ErrInvalidAmount):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, ledger.ErrInsufficientBalance):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case errors.Is(err, store.ErrTradeNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "trade not found"})
	case errors.Is(err, ErrNotOwner):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrNotCancellable):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		slog.Error("trade request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}
