package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"strade-go/internal/exchange"
	"strade-go/internal/models"
	"strade-go/internal/trader"

	"github.com/go-chi/chi/v5"
)

// tradeView is a trade as rendered to API clients.
type tradeView struct {
	models.Trade
	Exchange     string   `json:"exchange,omitempty"`
	PurchaseRate *float64 `json:"purchase_rate"`
	SellingRate  *float64 `json:"selling_rate"`
}

func newTradeView(t *models.Trade) tradeView {
	v := tradeView{Trade: *t, PurchaseRate: t.PurchaseRate(), SellingRate: t.SellingRate()}
	if t.Credential != nil {
		v.Exchange = t.Credential.Exchange
	}
	return v
}

type registerExchangeRequest struct {
	Exchange      string `json:"exchange" validate:"required"`
	APIKey        string `json:"api_key" validate:"required"`
	APISecret     string `json:"api_secret" validate:"required"`
	Passphrase    string `json:"passphrase"`
	AccountHolder string `json:"account_holder" validate:"max=100"`
}

func (s *Server) decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed body: %v", trader.ErrValidation, err)
	}
	return nil
}

func tradeID(r *http.Request) (uint, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: invalid trade id %q", trader.ErrValidation, chi.URLParam(r, "id"))
	}
	return uint(id), nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	status := struct {
		StartTime string               `json:"start_time"`
		Uptime    string               `json:"uptime"`
		Sessions  []trader.SessionInfo `json:"sessions"`
	}{
		StartTime: s.startTime.Format(time.RFC3339),
		Uptime:    time.Since(s.startTime).String(),
		Sessions:  s.deps.Sessions.Active(),
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.deps.Sessions.Start(tokenFrom(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, session.Info())
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	stopped := s.deps.Sessions.Stop(accountFrom(r.Context()))
	s.writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

func (s *Server) registerExchange(w http.ResponseWriter, r *http.Request) {
	var req registerExchangeRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", trader.ErrValidation, err))
		return
	}
	name, err := exchange.ParseName(req.Exchange)
	if err != nil {
		s.writeError(w, err)
		return
	}

	cred := &models.Credential{
		AccountID:     accountFrom(r.Context()),
		Exchange:      string(name),
		AccountHolder: req.AccountHolder,
		APIKey:        req.APIKey,
		APISecret:     req.APISecret,
		Passphrase:    req.Passphrase,
	}
	if err := s.deps.Credentials.Register(r.Context(), cred); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, cred)
}

func (s *Server) dashboard(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.deps.Trading.Dashboard(r.Context(), accountFrom(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) listTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.deps.Trading.ListTrades(r.Context(), accountFrom(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]tradeView, 0, len(trades))
	for i := range trades {
		views = append(views, newTradeView(&trades[i]))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request) {
	var req trader.OrderRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.deps.Trading.CreateOrder(r.Context(), accountFrom(r.Context()), req)
	if err != nil {
		s.writePartial(w, err, result)
		return
	}
	s.writeJSON(w, http.StatusCreated, result)
}

func (s *Server) attachExits(w http.ResponseWriter, r *http.Request) {
	id, req, ok := s.exitRequest(w, r)
	if !ok {
		return
	}
	result, err := s.deps.Trading.AttachExitLegs(r.Context(), accountFrom(r.Context()), id, req)
	if err != nil {
		s.writePartial(w, err, result)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) replaceExits(w http.ResponseWriter, r *http.Request) {
	id, req, ok := s.exitRequest(w, r)
	if !ok {
		return
	}
	result, err := s.deps.Trading.ReplaceExitLegs(r.Context(), accountFrom(r.Context()), id, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if result.Err != nil {
		// some steps failed, the rest went through
		s.writeJSON(w, http.StatusMultiStatus, result)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) exitRequest(w http.ResponseWriter, r *http.Request) (uint, trader.ExitRequest, bool) {
	var req trader.ExitRequest
	id, err := tradeID(r)
	if err == nil {
		err = s.decode(r, &req)
	}
	if err != nil {
		s.writeError(w, err)
		return 0, req, false
	}
	return id, req, true
}

func (s *Server) completeTrade(w http.ResponseWriter, r *http.Request) {
	id, err := tradeID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.deps.Trading.CompleteTrade(r.Context(), accountFrom(r.Context()), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) cancelTrade(w http.ResponseWriter, r *http.Request) {
	id, err := tradeID(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	result, err := s.deps.Trading.CancelTrade(r.Context(), accountFrom(r.Context()), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// cancelOrder cancels a remote order by id and forgets the trade placed with
// it, unless part of the order had already executed.
func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	accountID := accountFrom(r.Context())
	orderID := chi.URLParam(r, "orderID")
	symbol := r.URL.Query().Get("symbol")
	exchangeName := r.URL.Query().Get("exchange")
	if symbol == "" {
		s.writeError(w, fmt.Errorf("%w: symbol is required", trader.ErrValidation))
		return
	}

	order, err := s.deps.Trading.CancelOrder(r.Context(), accountID, exchangeName, orderID, symbol)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// a partly executed order leaves a position; reconciliation records it
	if order.Filled > 0 {
		s.writeJSON(w, http.StatusOK, map[string]any{"order": order, "trade_deleted": false})
		return
	}
	deleted, err := s.deps.Orders.DeleteByRemoteOrder(r.Context(), accountID, exchangeName, orderID)
	if err != nil {
		s.writePartial(w, err, order)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"order": order, "trade_deleted": deleted})
}
