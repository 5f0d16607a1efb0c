package trade

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinpeak/ledger-engine/internal/model"
)

func newTestRouter(t *testing.T) (*chi.Mux, *fixture) {
	t.Helper()
	f := newFixture(t)
	r := chi.NewRouter()
	r.Route("/trades", NewHandler(f.engine).Routes)
	return r, f
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHandlePlace(t *testing.T) {
	r, f := newTestRouter(t)
	f.fundTrading(t, "user-1", "100")

	rec := doJSON(t, r, http.MethodPost, "/trades/", map[string]any{
		"user_id": "user-1", "asset": "USDT", "symbol": "BTC/USDT",
		"category": "options", "direction": "UP",
		"stake": "40", "payout_rate": "0.176", "duration_seconds": 30,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var tr model.Trade
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tr))
	assert.Equal(t, model.TradeActive, tr.Status)
	assert.NotEmpty(t, tr.ID)
}

func TestHandlePlaceRejectsBadRequest(t *testing.T) {
	r, f := newTestRouter(t)
	f.fundTrading(t, "user-1", "100")

	rec := doJSON(t, r, http.MethodPost, "/trades/", map[string]any{
		"user_id": "user-1", "asset": "USDT", "symbol": "BTC/USDT",
		"category": "options", "direction": "SIDEWAYS",
		"stake": "40", "payout_rate": "0.176", "duration_seconds": 30,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, r, http.MethodPost, "/trades/", map[string]any{
		"user_id": "user-1", "asset": "USDT", "symbol": "BTC/USDT",
		"category": "options", "direction": "UP",
		"stake": "9999", "payout_rate": "0.176", "duration_seconds": 30,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandleCancelFlow(t *testing.T) {
	r, f := newTestRouter(t)
	f.fundTrading(t, "user-1", "100")

	scheduledAt := time.Now().UTC().Add(time.Hour).Format(time.RFC3339)
	rec := doJSON(t, r, http.MethodPost, "/trades/", map[string]any{
		"user_id": "user-1", "asset": "USDT", "symbol": "BTC/USDT",
		"category": "options", "direction": "DOWN",
		"stake": "40", "payout_rate": "0.176", "duration_seconds": 30,
		"scheduled_at": scheduledAt,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var tr model.Trade
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tr))
	require.Equal(t, model.TradeScheduled, tr.Status)

	rec = doJSON(t, r, http.MethodPost, "/trades/"+tr.ID+"/cancel", map[string]any{
		"user_id": "user-2",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, r, http.MethodPost, "/trades/"+tr.ID+"/cancel", map[string]any{
		"user_id": "user-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, r, http.MethodPost, "/trades/"+tr.ID+"/cancel", map[string]any{
		"user_id": "user-1",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleGetAndList(t *testing.T) {
	r, f := newTestRouter(t)
	f.fundTrading(t, "user-1", "100")

	rec := doJSON(t, r, http.MethodPost, "/trades/", map[string]any{
		"user_id": "user-1", "asset": "USDT", "symbol": "BTC/USDT",
		"category": "options", "direction": "UP",
		"stake": "40", "payout_rate": "0.176", "duration_seconds": 30,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var tr model.Trade
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tr))

	rec = doJSON(t, r, http.MethodGet, "/trades/"+tr.ID+"?user_id=user-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, r, http.MethodGet, "/trades/"+tr.ID+"?user_id=user-2", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, r, http.MethodGet, "/trades/user/user-1?status=ACTIVE", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var listResp struct {
		Trades []model.Trade `json:"trades"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResp))
	assert.Len(t, listResp.Trades, 1)
}
