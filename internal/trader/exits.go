package trader

import (
	"context"
	"errors"
	"fmt"

	"strade-go/internal/exchange"
	"strade-go/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// attachTakeProfits places one reduce-only take-profit per price, each for an
// equal share of the trade volume, and records each leg after its order was
// accepted. On failure the legs recorded so far are returned with a *StepError.
func (o *Orchestrator) attachTakeProfits(ctx context.Context, client exchange.Client, trade *models.Trade, prices []float64) ([]models.ExitLeg, error) {
	amounts := splitVolume(trade.Volume, len(prices))
	side := exchange.Side(trade.Side.Opposite())
	legs := make([]models.ExitLeg, 0, len(prices))

	for i, price := range prices {
		clientOrderID := o.newClientOrderID()
		order, err := client.CreateConditionalOrder(ctx, trade.Symbol, exchange.TakeProfit, side, amounts[i], price, clientOrderID)
		if err != nil {
			o.logger.Error("Failed to place take-profit",
				zap.Uint("trade_id", trade.ID), zap.Int("leg", i+1), zap.Float64("price", price), zap.Error(err))
			return legs, &StepError{Step: StepAttachTakeProfit, Index: i + 1, Price: price, Err: err}
		}

		leg := models.ExitLeg{
			TradeID:       trade.ID,
			Kind:          models.ExitKindTakeProfit,
			TriggerPrice:  price,
			Amount:        acceptedAmount(order, amounts[i]),
			RemoteOrderID: order.ID,
			ClientOrderID: clientOrderID,
		}
		if err := o.commit(ctx, "insert take-profit leg", func() error { return o.ledger.AddExitLeg(ctx, &leg) }); err != nil {
			return legs, &StepError{Step: StepAttachTakeProfit, Index: i + 1, Price: price, Err: err}
		}
		legs = append(legs, leg)
	}

	o.logger.Info("Attached take-profits", zap.Uint("trade_id", trade.ID), zap.Int("legs", len(legs)))
	return legs, nil
}

// attachStopLoss places one reduce-only stop for the full volume and records it.
func (o *Orchestrator) attachStopLoss(ctx context.Context, client exchange.Client, trade *models.Trade, price float64) (*models.ExitLeg, error) {
	clientOrderID := o.newClientOrderID()
	side := exchange.Side(trade.Side.Opposite())
	order, err := client.CreateConditionalOrder(ctx, trade.Symbol, exchange.StopLoss, side, trade.Volume, price, clientOrderID)
	if err != nil {
		o.logger.Error("Failed to place stop-loss",
			zap.Uint("trade_id", trade.ID), zap.Float64("price", price), zap.Error(err))
		return nil, &StepError{Step: StepAttachStopLoss, Price: price, Err: err}
	}

	leg := &models.ExitLeg{
		TradeID:       trade.ID,
		Kind:          models.ExitKindStopLoss,
		TriggerPrice:  price,
		Amount:        acceptedAmount(order, trade.Volume),
		RemoteOrderID: order.ID,
		ClientOrderID: clientOrderID,
	}
	if err := o.commit(ctx, "insert stop-loss leg", func() error { return o.ledger.RecordStopLoss(ctx, leg) }); err != nil {
		return nil, &StepError{Step: StepAttachStopLoss, Price: price, Err: err}
	}
	trade.StopLossPrice = &price

	o.logger.Info("Attached stop-loss", zap.Uint("trade_id", trade.ID), zap.Float64("price", price))
	return leg, nil
}

// acceptedAmount is the quantity the exchange placed, which may be the
// requested one floored to the market's step size.
func acceptedAmount(order *exchange.RemoteOrder, requested float64) float64 {
	if order.Amount > 0 {
		return order.Amount
	}
	return requested
}

// openForExits loads a trade that may still receive exit legs.
func (o *Orchestrator) openForExits(ctx context.Context, accountID, tradeID uint) (*models.Trade, exchange.Client, error) {
	trade, client, err := o.loadTrade(ctx, accountID, tradeID)
	if err != nil {
		return nil, nil, err
	}
	if trade.Status.Terminal() {
		return nil, nil, fmt.Errorf("%w: trade %d is %s", ErrInvalidTransition, tradeID, trade.Status)
	}
	return trade, client, nil
}

// AttachTakeProfits adds one take-profit leg per price to a trade.
func (o *Orchestrator) AttachTakeProfits(ctx context.Context, accountID, tradeID uint, prices []float64) ([]models.ExitLeg, error) {
	if err := o.validate.Struct(ExitRequest{TakeProfits: prices}); err != nil || len(prices) == 0 {
		return nil, fmt.Errorf("%w: at least one positive take-profit price is required", ErrValidation)
	}
	trade, client, err := o.openForExits(ctx, accountID, tradeID)
	if err != nil {
		return nil, err
	}
	return o.attachTakeProfits(ctx, client, trade, prices)
}

// AttachStopLoss adds a stop-loss leg to a trade. A stop placed earlier is
// left untouched; ReplaceExitLegs cancels it.
func (o *Orchestrator) AttachStopLoss(ctx context.Context, accountID, tradeID uint, price float64) (*models.ExitLeg, error) {
	if price <= 0 {
		return nil, fmt.Errorf("%w: stop-loss price must be positive", ErrValidation)
	}
	trade, client, err := o.openForExits(ctx, accountID, tradeID)
	if err != nil {
		return nil, err
	}
	return o.attachStopLoss(ctx, client, trade, price)
}

// ExitResult lists the legs placed by AttachExitLegs.
type ExitResult struct {
	TradeID uint             `json:"trade_id"`
	Legs    []models.ExitLeg `json:"legs"`
}

// AttachExitLegs updates the comment, then attaches take-profits, then the
// stop-loss, stopping at the first failure.
func (o *Orchestrator) AttachExitLegs(ctx context.Context, accountID, tradeID uint, req ExitRequest) (*ExitResult, error) {
	if err := o.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if req.empty() {
		return nil, fmt.Errorf("%w: nothing to attach", ErrValidation)
	}
	trade, client, err := o.openForExits(ctx, accountID, tradeID)
	if err != nil {
		return nil, err
	}

	if req.Comment != nil {
		if err := o.ledger.SetComment(ctx, trade.ID, *req.Comment); err != nil {
			return nil, err
		}
	}

	result := &ExitResult{TradeID: trade.ID}
	if len(req.TakeProfits) > 0 {
		legs, err := o.attachTakeProfits(ctx, client, trade, req.TakeProfits)
		result.Legs = append(result.Legs, legs...)
		if err != nil {
			return result, err
		}
	}
	if req.StopLoss != nil {
		leg, err := o.attachStopLoss(ctx, client, trade, *req.StopLoss)
		if err != nil {
			return result, err
		}
		result.Legs = append(result.Legs, *leg)
	}
	return result, nil
}

// ReplaceResult reports what ReplaceExitLegs cancelled and placed, and every
// step that failed along the way.
type ReplaceResult struct {
	TradeID   uint             `json:"trade_id"`
	Cancelled []models.ExitLeg `json:"cancelled"`
	Placed    []models.ExitLeg `json:"placed"`
	Failures  []string         `json:"failures,omitempty"`

	// Err combines the failures; nil when every step succeeded.
	Err error `json:"-"`
}

// ReplaceExitLegs cancels the current stop-loss and/or take-profit legs and
// places the new ones. Steps are independent: a failing step is recorded and
// the others still run. Legs whose cancellation failed stay on record.
func (o *Orchestrator) ReplaceExitLegs(ctx context.Context, accountID, tradeID uint, req ExitRequest) (*ReplaceResult, error) {
	if err := o.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if req.StopLoss == nil && len(req.TakeProfits) == 0 {
		return nil, fmt.Errorf("%w: nothing to replace", ErrValidation)
	}
	trade, client, err := o.openForExits(ctx, accountID, tradeID)
	if err != nil {
		return nil, err
	}

	result := &ReplaceResult{TradeID: trade.ID}
	var errs error

	if req.Comment != nil {
		errs = multierr.Append(errs, o.ledger.SetComment(ctx, trade.ID, *req.Comment))
	}

	if req.StopLoss != nil {
		cancelled, err := o.sweep(ctx, client, trade, models.ExitKindStopLoss)
		result.Cancelled = append(result.Cancelled, cancelled...)
		errs = multierr.Append(errs, err)

		leg, err := o.attachStopLoss(ctx, client, trade, *req.StopLoss)
		if err == nil {
			result.Placed = append(result.Placed, *leg)
		}
		errs = multierr.Append(errs, err)
	}

	if len(req.TakeProfits) > 0 {
		cancelled, err := o.sweep(ctx, client, trade, models.ExitKindTakeProfit)
		result.Cancelled = append(result.Cancelled, cancelled...)
		errs = multierr.Append(errs, err)

		legs, err := o.attachTakeProfits(ctx, client, trade, req.TakeProfits)
		result.Placed = append(result.Placed, legs...)
		errs = multierr.Append(errs, err)
	}

	result.Err = errs
	for _, err := range multierr.Errors(errs) {
		result.Failures = append(result.Failures, err.Error())
	}
	if errs != nil {
		o.logger.Warn("Exit leg replacement finished with failures",
			zap.Uint("trade_id", trade.ID), zap.Int("failures", len(result.Failures)), zap.Error(errs))
	}
	return result, nil
}

// sweep cancels every recorded leg of kind and removes the legs that are
// gone from the exchange. Failures are collected, not returned early.
func (o *Orchestrator) sweep(ctx context.Context, client exchange.Client, trade *models.Trade, kind models.ExitKind) ([]models.ExitLeg, error) {
	legs, err := o.ledger.ExitLegs(ctx, trade.ID, kind)
	if err != nil {
		return nil, err
	}

	var errs error
	var removed []models.ExitLeg
	var ids []uint
	for _, leg := range legs {
		if err := o.cancelLeg(ctx, client, trade, leg); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("cancel %s leg at %v: %w", leg.Kind, leg.TriggerPrice, err))
			continue
		}
		removed = append(removed, leg)
		ids = append(ids, leg.ID)
	}

	if err := o.commit(ctx, "remove exit legs", func() error { return o.ledger.RemoveExitLegs(ctx, trade.ID, ids) }); err != nil {
		return nil, multierr.Append(errs, err)
	}
	if kind == models.ExitKindStopLoss && len(ids) == len(legs) {
		trade.StopLossPrice = nil
	}
	return removed, errs
}

// cancelLeg cancels the remote order behind leg. Legs with a stored order id
// are cancelled by id; older legs are matched against the open orders by type
// and trigger price. An order the exchange no longer has counts as cancelled.
func (o *Orchestrator) cancelLeg(ctx context.Context, client exchange.Client, trade *models.Trade, leg models.ExitLeg) error {
	orderID := leg.RemoteOrderID
	if orderID == "" {
		open, err := client.FetchOpenOrders(ctx, trade.Symbol)
		if err != nil {
			return err
		}
		orderID = matchOpenOrder(open, leg)
		if orderID == "" {
			o.logger.Info("No open order matches exit leg, nothing to cancel",
				zap.Uint("trade_id", trade.ID), zap.String("kind", string(leg.Kind)), zap.Float64("price", leg.TriggerPrice))
			return nil
		}
	}

	if _, err := client.CancelOrder(ctx, orderID, trade.Symbol); err != nil {
		if errors.Is(err, exchange.ErrOrderNotFound) {
			return nil
		}
		return err
	}
	return nil
}

func matchOpenOrder(open []*exchange.RemoteOrder, leg models.ExitLeg) string {
	wantType := exchange.OrderTypeStop
	if leg.Kind == models.ExitKindTakeProfit {
		wantType = exchange.OrderTypeTakeProfit
	}
	for _, order := range open {
		if order.Type != wantType {
			continue
		}
		if samePrice(order.TriggerPrice, leg.TriggerPrice) || samePrice(order.Price, leg.TriggerPrice) {
			return order.ID
		}
	}
	return ""
}

// pricePlaces is the finest price precision either exchange reports.
const pricePlaces = 8

// samePrice compares two prices at exchange precision, so a price that went
// through a string round trip still matches the float it was built from.
func samePrice(a, b float64) bool {
	if a <= 0 || b <= 0 {
		return false
	}
	return decimal.NewFromFloat(a).Round(pricePlaces).Equal(decimal.NewFromFloat(b).Round(pricePlaces))
}
