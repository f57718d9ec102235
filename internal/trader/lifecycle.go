package trader

import (
	"context"
	"fmt"

	"strade-go/internal/exchange"
	"strade-go/internal/ledger"
	"strade-go/internal/models"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// CompletionResult is the realized outcome of CompleteTrade.
type CompletionResult struct {
	TradeID              uint     `json:"trade_id"`
	ExitPrice            float64  `json:"exit_price"`
	ProfitLossAmount     float64  `json:"profit_loss_amount"`
	ProfitLossPercentage float64  `json:"profit_loss_percentage"`
	CancelFailures       []string `json:"cancel_failures,omitempty"`
}

// CompleteTrade closes a filled trade: it cancels every exit leg, prices the
// position at the current ticker and records the realized P&L. Legs that
// could not be cancelled are reported and do not stop completion. No closing
// order is placed. A trade still pending in the ledger is checked against the
// exchange first, so a fill that was never reconciled can be completed.
func (o *Orchestrator) CompleteTrade(ctx context.Context, accountID, tradeID uint) (*CompletionResult, error) {
	trade, client, err := o.loadTrade(ctx, accountID, tradeID)
	if err != nil {
		return nil, err
	}
	// the fill may not have been recorded yet
	if trade.Status == models.TradeStatusPending {
		if trade, err = o.refresh(ctx, client, trade); err != nil {
			return nil, err
		}
	}
	if trade.Status != models.TradeStatusFilled {
		return nil, fmt.Errorf("%w: trade %d is %s, only filled trades can be completed", ErrInvalidTransition, trade.ID, trade.Status)
	}

	entry := trade.OrderPrice
	if trade.EntryPrice != nil {
		entry = *trade.EntryPrice
	}
	// checked before any leg is touched so a zero entry leaves the trade as it was
	if entry == 0 {
		return nil, fmt.Errorf("%w: trade %d", ErrDivisionByZero, trade.ID)
	}

	l := o.logger.With(zap.Uint("trade_id", trade.ID), zap.String("symbol", trade.Symbol))
	result := &CompletionResult{TradeID: trade.ID}

	var failures error
	for _, kind := range []models.ExitKind{models.ExitKindStopLoss, models.ExitKindTakeProfit} {
		_, err := o.sweep(ctx, client, trade, kind)
		failures = multierr.Append(failures, err)
	}
	for _, err := range multierr.Errors(failures) {
		result.CancelFailures = append(result.CancelFailures, err.Error())
	}
	if failures != nil {
		l.Warn("Some exit legs could not be cancelled", zap.Error(failures))
	}

	ticker, err := client.FetchTicker(ctx, trade.Symbol)
	if err != nil {
		return result, fmt.Errorf("failed to fetch price for %s: %w", trade.Symbol, err)
	}

	realized, err := computePnL(trade.Side, entry, ticker.Last, trade.Volume)
	if err != nil {
		return result, err
	}

	closedAt := o.now()
	err = o.commit(ctx, "close trade", func() error {
		return o.ledger.MarkClosed(ctx, trade.ID, ledger.Realized{
			ExitPrice:  ticker.Last,
			Amount:     realized.Amount,
			Percentage: realized.Percentage,
			ClosedAt:   closedAt,
		})
	})
	if err != nil {
		return result, err
	}

	result.ExitPrice = ticker.Last
	result.ProfitLossAmount = realized.Amount
	result.ProfitLossPercentage = realized.Percentage
	l.Info("Completed trade",
		zap.Float64("entry_price", entry),
		zap.Float64("exit_price", ticker.Last),
		zap.Float64("profit_loss_amount", realized.Amount),
		zap.Float64("profit_loss_percentage", realized.Percentage),
	)
	return result, nil
}

// CancelResult reports the outcome of CancelTrade. PartiallyFilled is set
// when part of the primary order executed before the cancel; the trade is
// then kept as filled for the executed volume.
type CancelResult struct {
	TradeID         uint                  `json:"trade_id"`
	Order           *exchange.RemoteOrder `json:"order"`
	PartiallyFilled bool                  `json:"partially_filled,omitempty"`
	LegFailures     []string              `json:"leg_failures,omitempty"`
}

// CancelTrade cancels a pending trade: the primary order first, then its exit
// legs on a best-effort basis. The trade is then marked cancelled and removed
// together with its legs. When the cancel is refused the order is fetched: a
// fill is recorded and reported as ErrInvalidTransition, an order already
// cancelled on the exchange is cleaned up as usual, and anything else leaves
// the ledger unchanged.
func (o *Orchestrator) CancelTrade(ctx context.Context, accountID, tradeID uint) (*CancelResult, error) {
	trade, client, err := o.loadTrade(ctx, accountID, tradeID)
	if err != nil {
		return nil, err
	}
	if !trade.Status.CanTransition(models.TradeStatusCancelled) {
		return nil, fmt.Errorf("%w: trade %d is %s", ErrInvalidTransition, trade.ID, trade.Status)
	}
	l := o.logger.With(zap.Uint("trade_id", trade.ID), zap.String("order_id", trade.RemoteOrderID))

	order, cancelErr := client.CancelOrder(ctx, trade.RemoteOrderID, trade.Symbol)
	if cancelErr != nil {
		order, err = client.FetchOrder(ctx, trade.RemoteOrderID, trade.Symbol)
		switch {
		case err != nil:
			return nil, fmt.Errorf("failed to cancel order %s: %w", trade.RemoteOrderID, cancelErr)
		case order.Status == exchange.StatusClosed:
			if _, err := o.applyRemoteStatus(ctx, trade, order); err != nil {
				l.Error("Failed to record fill found while cancelling", zap.Error(err))
			}
			return nil, fmt.Errorf("%w: order %s of trade %d is already filled", ErrInvalidTransition, trade.RemoteOrderID, trade.ID)
		case order.Status != exchange.StatusCanceled:
			return nil, fmt.Errorf("failed to cancel order %s: %w", trade.RemoteOrderID, cancelErr)
		}
		l.Info("Order was already cancelled on the exchange", zap.NamedError("cancel_error", cancelErr))
	}

	result := &CancelResult{TradeID: trade.ID, Order: order}
	if order.Filled > 0 {
		err := o.commit(ctx, "record partial fill", func() error {
			return o.ledger.MarkPartiallyFilled(ctx, trade.ID, o.now(), entryPrice(order, trade.OrderPrice), order.Filled)
		})
		if err != nil {
			return result, err
		}
		result.PartiallyFilled = true
		l.Info("Cancelled the rest of a partially filled order, trade kept as filled",
			zap.Float64("filled", order.Filled),
			zap.Float64("ordered", trade.Volume),
		)
		return result, nil
	}

	var failures error
	for _, leg := range trade.ExitLegs {
		if err := o.cancelLeg(ctx, client, trade, leg); err != nil {
			failures = multierr.Append(failures, fmt.Errorf("cancel %s leg at %v: %w", leg.Kind, leg.TriggerPrice, err))
		}
	}
	for _, err := range multierr.Errors(failures) {
		result.LegFailures = append(result.LegFailures, err.Error())
	}

	err = o.commit(ctx, "cancel trade", func() error { return o.ledger.MarkCancelled(ctx, trade.ID) })
	if err != nil {
		return result, err
	}
	if err := o.commit(ctx, "delete trade", func() error { return o.ledger.DeleteTrade(ctx, trade.ID) }); err != nil {
		return result, err
	}

	l.Info("Cancelled trade", zap.Int("leg_failures", len(result.LegFailures)))
	return result, nil
}
