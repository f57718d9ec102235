package trader

import (
	"context"
	"fmt"

	"strade-go/internal/exchange"
	"strade-go/internal/models"

	"go.uber.org/zap"
)

// ReconcileReport counts what one reconciliation tick did.
type ReconcileReport struct {
	Checked   int `json:"checked"`
	Filled    int `json:"filled"`
	Cancelled int `json:"cancelled"`
	Failed    int `json:"failed"`
}

// CheckAndUpdateLimitOrders polls the exchange for every pending trade of
// accountID. Limit orders are the usual case, but a market order whose fill
// was not confirmed at placement is picked up here as well. A filled order
// marks the trade filled with its fill time and average price; a cancelled
// order marks it cancelled unless part of it executed first. Failures on one
// trade are logged and counted, the rest of the tick continues.
func (o *Orchestrator) CheckAndUpdateLimitOrders(ctx context.Context, accountID uint) (*ReconcileReport, error) {
	trades, err := o.ledger.PendingTrades(ctx, accountID)
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{}
	for i := range trades {
		trade := &trades[i]
		report.Checked++
		l := o.logger.With(
			zap.Uint("account_id", accountID),
			zap.Uint("trade_id", trade.ID),
			zap.String("order_id", trade.RemoteOrderID),
		)

		if trade.Credential == nil {
			l.Error("Trade has no credential, skipping")
			report.Failed++
			continue
		}
		client, err := o.clientFor(trade.Credential)
		if err != nil {
			l.Error("Failed to create exchange client", zap.Error(err))
			report.Failed++
			continue
		}

		order, err := client.FetchOrder(ctx, trade.RemoteOrderID, trade.Symbol)
		if err != nil {
			l.Error("Failed to fetch order", zap.Error(err))
			report.Failed++
			continue
		}

		status, err := o.applyRemoteStatus(ctx, trade, order)
		if err != nil {
			l.Error("Failed to record order status", zap.Error(err))
			report.Failed++
			continue
		}
		switch status {
		case models.TradeStatusFilled:
			l.Info("Order filled",
				zap.String("type", string(trade.Type)),
				zap.Float64("average_price", order.AveragePrice),
				zap.Float64("filled", order.Filled),
			)
			report.Filled++
		case models.TradeStatusCancelled:
			l.Info("Order was cancelled on the exchange")
			report.Cancelled++
		default:
			l.Debug("Order still open", zap.Float64("filled", order.Filled))
		}
	}

	if report.Checked > 0 {
		o.logger.Info("Reconciled pending orders",
			zap.Uint("account_id", accountID),
			zap.Int("checked", report.Checked),
			zap.Int("filled", report.Filled),
			zap.Int("cancelled", report.Cancelled),
			zap.Int("failed", report.Failed),
		)
	}
	return report, nil
}

// applyRemoteStatus records the exchange's view of a pending trade's primary
// order in the ledger and returns the trade's resulting status. An order
// cancelled after a partial execution is a fill of the executed volume.
func (o *Orchestrator) applyRemoteStatus(ctx context.Context, trade *models.Trade, order *exchange.RemoteOrder) (models.TradeStatus, error) {
	switch {
	case order.Status == exchange.StatusClosed:
		if err := o.ledger.MarkFilled(ctx, trade.ID, o.now(), entryPrice(order, trade.OrderPrice)); err != nil {
			return trade.Status, fmt.Errorf("failed to mark trade %d filled: %w", trade.ID, err)
		}
		return models.TradeStatusFilled, nil
	case order.Status == exchange.StatusCanceled && order.Filled > 0:
		err := o.ledger.MarkPartiallyFilled(ctx, trade.ID, o.now(), entryPrice(order, trade.OrderPrice), order.Filled)
		if err != nil {
			return trade.Status, fmt.Errorf("failed to mark trade %d partially filled: %w", trade.ID, err)
		}
		return models.TradeStatusFilled, nil
	case order.Status == exchange.StatusCanceled:
		if err := o.ledger.MarkCancelled(ctx, trade.ID); err != nil {
			return trade.Status, fmt.Errorf("failed to mark trade %d cancelled: %w", trade.ID, err)
		}
		return models.TradeStatusCancelled, nil
	}
	return trade.Status, nil
}

// refresh asks the exchange for the primary order of a pending trade and
// records any change, returning the trade as the ledger now holds it.
func (o *Orchestrator) refresh(ctx context.Context, client exchange.Client, trade *models.Trade) (*models.Trade, error) {
	order, err := client.FetchOrder(ctx, trade.RemoteOrderID, trade.Symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch order %s: %w", trade.RemoteOrderID, err)
	}
	status, err := o.applyRemoteStatus(ctx, trade, order)
	if err != nil {
		return nil, err
	}
	if status == trade.Status {
		return trade, nil
	}
	return o.ledger.GetTrade(ctx, trade.Credential.AccountID, trade.ID)
}
