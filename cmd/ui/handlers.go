package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"strade-go/internal/auth"
	"strade-go/internal/ledger"
	"strade-go/internal/models"

	"go.uber.org/zap"
)

// TradeReader is the read side of the ledger the dashboard needs.
type TradeReader interface {
	ListTrades(ctx context.Context, accountID uint) ([]models.Trade, error)
	Statistics(ctx context.Context, accountID uint, since time.Time) (*ledger.Stats, error)
}

// APIHandler holds dependencies for the API endpoints.
type APIHandler struct {
	log      *zap.Logger
	trades   TradeReader
	verifier auth.Verifier
	now      func() time.Time
}

// NewAPIHandler creates a new APIHandler.
func NewAPIHandler(log *zap.Logger, trades TradeReader, verifier auth.Verifier) *APIHandler {
	return &APIHandler{log: log, trades: trades, verifier: verifier, now: time.Now}
}

// account authenticates the request from its bearer token, or from the
// token query parameter used by the browser page.
func (h *APIHandler) account(w http.ResponseWriter, r *http.Request) (uint, bool) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		token = r.URL.Query().Get("token")
	}
	claims, err := h.verifier.Verify(token)
	if err != nil {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return 0, false
	}
	return claims.AccountID, true
}

// TradeRow is a trade as shown on the dashboard.
type TradeRow struct {
	ID           uint               `json:"id"`
	Exchange     string             `json:"exchange"`
	Symbol       string             `json:"symbol"`
	Side         models.Side        `json:"side"`
	Type         models.TradeType   `json:"type"`
	Status       models.TradeStatus `json:"status"`
	Volume       float64            `json:"volume"`
	OrderPrice   float64            `json:"order_price"`
	PurchaseRate *float64           `json:"purchase_rate"`
	SellingRate  *float64           `json:"selling_rate"`
	CreatedAt    time.Time          `json:"created_at"`
	ClosedAt     *time.Time         `json:"closed_at,omitempty"`
}

// TradesHandler returns the trades of the caller, most recent first.
func (h *APIHandler) TradesHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.account(w, r)
	if !ok {
		return
	}
	trades, err := h.trades.ListTrades(r.Context(), accountID)
	if err != nil {
		h.log.Error("Failed to get trades from database", zap.Error(err))
		http.Error(w, "Failed to get trades", http.StatusInternalServerError)
		return
	}

	rows := make([]TradeRow, 0, len(trades))
	for i := range trades {
		t := &trades[i]
		row := TradeRow{
			ID:           t.ID,
			Symbol:       t.Symbol,
			Side:         t.Side,
			Type:         t.Type,
			Status:       t.Status,
			Volume:       t.Volume,
			OrderPrice:   t.OrderPrice,
			PurchaseRate: t.PurchaseRate(),
			SellingRate:  t.SellingRate(),
			CreatedAt:    t.CreatedAt,
			ClosedAt:     t.ClosedAt,
		}
		if t.Credential != nil {
			row.Exchange = t.Credential.Exchange
		}
		rows = append(rows, row)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rows)
}

// StatisticsResponse is the structure for the /api/statistics endpoint.
type StatisticsResponse struct {
	Since24h ledger.Stats `json:"since_24h"`
	AllTime  ledger.Stats `json:"all_time"`
}

// StatisticsHandler returns trading statistics for the last day and all time.
func (h *APIHandler) StatisticsHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.account(w, r)
	if !ok {
		return
	}

	allTime, err := h.trades.Statistics(r.Context(), accountID, time.Time{})
	if err != nil {
		h.log.Error("Failed to calculate statistics", zap.Error(err))
		http.Error(w, "Failed to calculate statistics", http.StatusInternalServerError)
		return
	}
	recent, err := h.trades.Statistics(r.Context(), accountID, h.now().Add(-24*time.Hour))
	if err != nil {
		h.log.Error("Failed to calculate statistics", zap.Error(err))
		http.Error(w, "Failed to calculate statistics", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(StatisticsResponse{Since24h: *recent, AllTime: *allTime})
}
