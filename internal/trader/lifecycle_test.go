package trader

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"strade-go/internal/exchange"
	"strade-go/internal/ledger"
	"strade-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func (e *testEnv) addLeg(t *testing.T, trade *models.Trade, kind models.ExitKind, price, amount float64, remoteID string) *models.ExitLeg {
	leg := &models.ExitLeg{TradeID: trade.ID, Kind: kind, TriggerPrice: price, Amount: amount, RemoteOrderID: remoteID}
	if kind == models.ExitKindStopLoss {
		require.NoError(t, e.ledger.RecordStopLoss(context.Background(), leg))
	} else {
		require.NoError(t, e.ledger.AddExitLeg(context.Background(), leg))
	}
	return leg
}

func TestCompleteTrade(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	trade := env.seedTrade(t, models.TradeTypeMarket, models.TradeStatusFilled, ptr(100))
	env.addLeg(t, trade, models.ExitKindTakeProfit, 120, 2, "tp1")
	// recorded before order ids were stored: found by price
	env.addLeg(t, trade, models.ExitKindStopLoss, 90, 2, "")

	env.client.On("CancelOrder", "tp1", "BTC/USDT").Return(&exchange.RemoteOrder{ID: "tp1", Status: exchange.StatusCanceled}, nil)
	env.client.On("FetchOpenOrders", "BTC/USDT").Return([]*exchange.RemoteOrder{
		{ID: "other", Type: exchange.OrderTypeTakeProfit, TriggerPrice: 90},
		{ID: "sl-remote", Type: exchange.OrderTypeStop, TriggerPrice: 90},
	}, nil)
	env.client.On("CancelOrder", "sl-remote", "BTC/USDT").Return(&exchange.RemoteOrder{ID: "sl-remote", Status: exchange.StatusCanceled}, nil)
	env.client.On("FetchTicker", "BTC/USDT").Return(&exchange.Ticker{Last: 110}, nil)

	result, err := env.o.CompleteTrade(ctx, 1, trade.ID)
	require.NoError(t, err)
	env.client.AssertExpectations(t)

	assert.Equal(t, 20.0, result.ProfitLossAmount)
	assert.Equal(t, 10.0, result.ProfitLossPercentage)
	assert.Empty(t, result.CancelFailures)
	env.client.AssertNotCalled(t, "CreateMarketOrder", mock.Anything, mock.Anything, mock.Anything)

	got, err := env.ledger.GetTrade(ctx, 1, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeStatusClosed, got.Status)
	require.NotNil(t, got.ClosedAt)
	assert.Equal(t, 110.0, *got.ExitPrice)
	assert.Equal(t, 100.0, *got.EntryPrice)
	assert.Equal(t, 20.0, *got.SellingRate())
	assert.Equal(t, 10.0, *got.PurchaseRate())
	assert.Empty(t, got.ExitLegs)
	assert.Nil(t, got.StopLossPrice)
}

func TestCompleteTrade_CollectsCancelFailures(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	trade := env.seedTrade(t, models.TradeTypeMarket, models.TradeStatusFilled, ptr(100))
	env.addLeg(t, trade, models.ExitKindTakeProfit, 110, 1, "tp1")
	env.addLeg(t, trade, models.ExitKindTakeProfit, 120, 1, "tp2")
	env.addLeg(t, trade, models.ExitKindStopLoss, 90, 2, "sl1")

	env.client.On("CancelOrder", "sl1", "BTC/USDT").Return(nil, &exchange.RemoteError{Exchange: exchange.Binance, Operation: "cancel_order", Status: 503})
	env.client.On("CancelOrder", "tp1", "BTC/USDT").Return(nil, &exchange.RemoteError{Exchange: exchange.Binance, Operation: "cancel_order", Err: exchange.ErrOrderNotFound})
	env.client.On("CancelOrder", "tp2", "BTC/USDT").Return(&exchange.RemoteOrder{ID: "tp2"}, nil)
	env.client.On("FetchTicker", "BTC/USDT").Return(&exchange.Ticker{Last: 95}, nil)

	result, err := env.o.CompleteTrade(ctx, 1, trade.ID)
	require.NoError(t, err)

	require.Len(t, result.CancelFailures, 1)
	assert.Contains(t, result.CancelFailures[0], "stop_loss")
	assert.Equal(t, -10.0, result.ProfitLossAmount)
	assert.Equal(t, -5.0, result.ProfitLossPercentage)

	got, _ := env.ledger.GetTrade(ctx, 1, trade.ID)
	assert.Equal(t, models.TradeStatusClosed, got.Status)
	// the stop that could not be cancelled stays on record
	require.Len(t, got.ExitLegs, 1)
	assert.Equal(t, "sl1", got.ExitLegs[0].RemoteOrderID)
}

func TestCompleteTrade_Rejections(t *testing.T) {
	t.Run("Zero entry price", func(t *testing.T) {
		env := setupTest(t)
		trade := env.seedTrade(t, models.TradeTypeMarket, models.TradeStatusFilled, ptr(0))

		_, err := env.o.CompleteTrade(context.Background(), 1, trade.ID)
		assert.True(t, errors.Is(err, ErrDivisionByZero))
		assert.Empty(t, env.client.Calls)

		got, _ := env.ledger.GetTrade(context.Background(), 1, trade.ID)
		assert.Equal(t, models.TradeStatusFilled, got.Status)
		assert.Nil(t, got.ExitPrice)
	})

	t.Run("Pending trade still open", func(t *testing.T) {
		env := setupTest(t)
		trade := env.seedTrade(t, models.TradeTypeLimit, models.TradeStatusPending, nil)
		env.client.On("FetchOrder", "primary", "BTC/USDT").Return(&exchange.RemoteOrder{ID: "primary", Status: exchange.StatusOpen}, nil)

		_, err := env.o.CompleteTrade(context.Background(), 1, trade.ID)
		assert.True(t, errors.Is(err, ErrInvalidTransition))
		env.client.AssertNotCalled(t, "FetchTicker", mock.Anything)
	})

	t.Run("Pending trade cannot be checked", func(t *testing.T) {
		env := setupTest(t)
		trade := env.seedTrade(t, models.TradeTypeLimit, models.TradeStatusPending, nil)
		env.client.On("FetchOrder", "primary", "BTC/USDT").Return(nil, &exchange.RemoteError{Exchange: exchange.Binance, Operation: "fetch_order", Status: 503})

		_, err := env.o.CompleteTrade(context.Background(), 1, trade.ID)
		assert.True(t, errors.Is(err, exchange.ErrRemote))

		got, _ := env.ledger.GetTrade(context.Background(), 1, trade.ID)
		assert.Equal(t, models.TradeStatusPending, got.Status)
	})

	t.Run("Other account", func(t *testing.T) {
		env := setupTest(t)
		trade := env.seedTrade(t, models.TradeTypeMarket, models.TradeStatusFilled, ptr(100))
		_, err := env.o.CompleteTrade(context.Background(), 2, trade.ID)
		assert.True(t, errors.Is(err, ledger.ErrNotFound))
	})
}

func TestCompleteTrade_UnreconciledMarketFill(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	// placement answered before the fill was reported
	trade := env.seedTrade(t, models.TradeTypeMarket, models.TradeStatusPending, nil)

	env.client.On("FetchOrder", "primary", "BTC/USDT").Return(&exchange.RemoteOrder{
		ID: "primary", Status: exchange.StatusClosed, AveragePrice: 100, Filled: 2,
	}, nil).Once()
	env.client.On("FetchTicker", "BTC/USDT").Return(&exchange.Ticker{Last: 105}, nil)

	result, err := env.o.CompleteTrade(ctx, 1, trade.ID)
	require.NoError(t, err)
	env.client.AssertExpectations(t)
	assert.Equal(t, 10.0, result.ProfitLossAmount)
	assert.Equal(t, 5.0, result.ProfitLossPercentage)

	got, err := env.ledger.GetTrade(ctx, 1, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeStatusClosed, got.Status)
	require.NotNil(t, got.FilledAt)
	assert.Equal(t, 100.0, *got.EntryPrice)
}

func TestReplaceExitLegs(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	trade := env.seedTrade(t, models.TradeTypeMarket, models.TradeStatusFilled, ptr(100))
	env.addLeg(t, trade, models.ExitKindStopLoss, 90, 2, "sl-old")
	env.addLeg(t, trade, models.ExitKindTakeProfit, 110, 1, "tp-old-1")
	env.addLeg(t, trade, models.ExitKindTakeProfit, 120, 1, "")

	env.client.On("CancelOrder", "sl-old", "BTC/USDT").Return(&exchange.RemoteOrder{ID: "sl-old"}, nil)
	env.client.On("CreateConditionalOrder", "BTC/USDT", exchange.StopLoss, exchange.SideSell, 2.0, 95.0).Return(&exchange.RemoteOrder{ID: "sl-new"}, nil)
	env.client.On("CancelOrder", "tp-old-1", "BTC/USDT").Return(nil, &exchange.RemoteError{Exchange: exchange.Binance, Operation: "cancel_order", Status: 500})
	// no open order matches the untracked take-profit, so nothing is cancelled for it
	env.client.On("FetchOpenOrders", "BTC/USDT").Return([]*exchange.RemoteOrder{}, nil)
	env.client.On("CreateConditionalOrder", "BTC/USDT", exchange.TakeProfit, exchange.SideSell, 2.0, 130.0).Return(&exchange.RemoteOrder{ID: "tp-new"}, nil)

	result, err := env.o.ReplaceExitLegs(ctx, 1, trade.ID, ExitRequest{StopLoss: ptr(95), TakeProfits: []float64{130}})
	require.NoError(t, err)
	env.client.AssertExpectations(t)

	assert.Len(t, result.Cancelled, 2)
	assert.Len(t, result.Placed, 2)
	require.Len(t, result.Failures, 1)
	assert.Contains(t, result.Failures[0], "110")
	assert.Error(t, result.Err)

	got, _ := env.ledger.GetTrade(ctx, 1, trade.ID)
	require.NotNil(t, got.StopLossPrice)
	assert.Equal(t, 95.0, *got.StopLossPrice)

	stops, _ := env.ledger.ExitLegs(ctx, trade.ID, models.ExitKindStopLoss)
	require.Len(t, stops, 1)
	assert.Equal(t, "sl-new", stops[0].RemoteOrderID)

	tps, _ := env.ledger.ExitLegs(ctx, trade.ID, models.ExitKindTakeProfit)
	require.Len(t, tps, 2)
	assert.Equal(t, "tp-old-1", tps[0].RemoteOrderID)
	assert.Equal(t, "tp-new", tps[1].RemoteOrderID)
}

func TestReplaceExitLegs_RejectsClosedTrade(t *testing.T) {
	env := setupTest(t)
	trade := env.seedTrade(t, models.TradeTypeMarket, models.TradeStatusFilled, ptr(100))
	require.NoError(t, env.ledger.MarkClosed(context.Background(), trade.ID, ledger.Realized{ExitPrice: 1, Amount: 1, Percentage: 1}))

	_, err := env.o.ReplaceExitLegs(context.Background(), 1, trade.ID, ExitRequest{StopLoss: ptr(95)})
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	_, err = env.o.ReplaceExitLegs(context.Background(), 1, trade.ID, ExitRequest{})
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestAttachExitLegs(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()
	trade := env.seedTrade(t, models.TradeTypeMarket, models.TradeStatusFilled, ptr(100))
	env.addLeg(t, trade, models.ExitKindStopLoss, 80, 2, "sl-first")

	env.client.On("CreateConditionalOrder", "BTC/USDT", exchange.TakeProfit, exchange.SideSell, 2.0, 150.0).Return(&exchange.RemoteOrder{ID: "tp"}, nil)
	env.client.On("CreateConditionalOrder", "BTC/USDT", exchange.StopLoss, exchange.SideSell, 2.0, 85.0).Return(&exchange.RemoteOrder{ID: "sl-second"}, nil)

	comment := "scaling out"
	result, err := env.o.AttachExitLegs(ctx, 1, trade.ID, ExitRequest{TakeProfits: []float64{150}, StopLoss: ptr(85), Comment: &comment})
	require.NoError(t, err)
	assert.Len(t, result.Legs, 2)

	// the earlier stop is not cancelled
	env.client.AssertNotCalled(t, "CancelOrder", mock.Anything, mock.Anything)
	got, _ := env.ledger.GetTrade(ctx, 1, trade.ID)
	assert.Equal(t, "scaling out", got.Comment)
	assert.Equal(t, 85.0, *got.StopLossPrice)
	stops, _ := env.ledger.ExitLegs(ctx, trade.ID, models.ExitKindStopLoss)
	assert.Len(t, stops, 2)

	_, err = env.o.AttachTakeProfits(ctx, 1, trade.ID, nil)
	assert.True(t, errors.Is(err, ErrValidation))
	_, err = env.o.AttachStopLoss(ctx, 1, trade.ID, -1)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestCancelTrade(t *testing.T) {
	t.Run("Pending", func(t *testing.T) {
		env := setupTest(t)
		ctx := context.Background()
		trade := env.seedTrade(t, models.TradeTypeLimit, models.TradeStatusPending, nil)
		env.addLeg(t, trade, models.ExitKindTakeProfit, 110, 2, "tp1")

		env.client.On("CancelOrder", "primary", "BTC/USDT").Return(&exchange.RemoteOrder{ID: "primary", Status: exchange.StatusCanceled}, nil)
		env.client.On("CancelOrder", "tp1", "BTC/USDT").Return(nil, &exchange.RemoteError{Exchange: exchange.Binance, Operation: "cancel_order", Status: 502})

		result, err := env.o.CancelTrade(ctx, 1, trade.ID)
		require.NoError(t, err)
		assert.Len(t, result.LegFailures, 1)

		_, err = env.ledger.GetTrade(ctx, 1, trade.ID)
		assert.True(t, errors.Is(err, ledger.ErrNotFound))

		var statuses []string
		require.NoError(t, env.db.Unscoped().Model(&models.Trade{}).Where("id = ?", trade.ID).Pluck("status", &statuses).Error)
		assert.Equal(t, []string{string(models.TradeStatusCancelled)}, statuses)
	})

	t.Run("Primary cancel fails", func(t *testing.T) {
		env := setupTest(t)
		trade := env.seedTrade(t, models.TradeTypeLimit, models.TradeStatusPending, nil)
		env.client.On("CancelOrder", "primary", "BTC/USDT").Return(nil, &exchange.RemoteError{Exchange: exchange.Binance, Operation: "cancel_order", Status: 503})
		env.client.On("FetchOrder", "primary", "BTC/USDT").Return(&exchange.RemoteOrder{ID: "primary", Status: exchange.StatusOpen}, nil)

		_, err := env.o.CancelTrade(context.Background(), 1, trade.ID)
		assert.True(t, errors.Is(err, exchange.ErrRemote))

		got, err := env.ledger.GetTrade(context.Background(), 1, trade.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TradeStatusPending, got.Status)
	})

	t.Run("Filled before the cancel arrived", func(t *testing.T) {
		env := setupTest(t)
		ctx := context.Background()
		trade := env.seedTrade(t, models.TradeTypeLimit, models.TradeStatusPending, nil)
		env.addLeg(t, trade, models.ExitKindTakeProfit, 110, 2, "tp1")
		env.client.On("CancelOrder", "primary", "BTC/USDT").Return(nil, fmt.Errorf("%w: unknown order", exchange.ErrOrderNotFound))
		env.client.On("FetchOrder", "primary", "BTC/USDT").Return(&exchange.RemoteOrder{
			ID: "primary", Status: exchange.StatusClosed, AveragePrice: 99, Filled: 2,
		}, nil)

		_, err := env.o.CancelTrade(ctx, 1, trade.ID)
		assert.True(t, errors.Is(err, ErrInvalidTransition))
		env.client.AssertNotCalled(t, "CancelOrder", "tp1", "BTC/USDT")

		got, err := env.ledger.GetTrade(ctx, 1, trade.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TradeStatusFilled, got.Status)
		assert.Equal(t, 99.0, *got.EntryPrice)
		assert.Len(t, got.ExitLegs, 1)
	})

	t.Run("Already cancelled on the exchange", func(t *testing.T) {
		env := setupTest(t)
		ctx := context.Background()
		trade := env.seedTrade(t, models.TradeTypeLimit, models.TradeStatusPending, nil)
		env.client.On("CancelOrder", "primary", "BTC/USDT").Return(nil, fmt.Errorf("%w: unknown order", exchange.ErrOrderNotFound))
		env.client.On("FetchOrder", "primary", "BTC/USDT").Return(&exchange.RemoteOrder{ID: "primary", Status: exchange.StatusCanceled}, nil)

		result, err := env.o.CancelTrade(ctx, 1, trade.ID)
		require.NoError(t, err)
		assert.False(t, result.PartiallyFilled)

		_, err = env.ledger.GetTrade(ctx, 1, trade.ID)
		assert.True(t, errors.Is(err, ledger.ErrNotFound))
	})

	t.Run("Partially filled", func(t *testing.T) {
		env := setupTest(t)
		ctx := context.Background()
		trade := env.seedTrade(t, models.TradeTypeLimit, models.TradeStatusPending, nil)
		env.addLeg(t, trade, models.ExitKindStopLoss, 90, 2, "sl1")
		env.client.On("CancelOrder", "primary", "BTC/USDT").Return(&exchange.RemoteOrder{
			ID: "primary", Status: exchange.StatusCanceled, Filled: 0.5, AveragePrice: 100,
		}, nil)

		result, err := env.o.CancelTrade(ctx, 1, trade.ID)
		require.NoError(t, err)
		assert.True(t, result.PartiallyFilled)
		env.client.AssertNotCalled(t, "CancelOrder", "sl1", "BTC/USDT")

		got, err := env.ledger.GetTrade(ctx, 1, trade.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TradeStatusFilled, got.Status)
		assert.Equal(t, 0.5, got.Volume)
		assert.Len(t, got.ExitLegs, 1)
	})

	t.Run("Filled", func(t *testing.T) {
		env := setupTest(t)
		trade := env.seedTrade(t, models.TradeTypeMarket, models.TradeStatusFilled, ptr(100))
		_, err := env.o.CancelTrade(context.Background(), 1, trade.ID)
		assert.True(t, errors.Is(err, ErrInvalidTransition))
		assert.Empty(t, env.client.Calls)
	})
}

func TestMatchOpenOrder(t *testing.T) {
	open := []*exchange.RemoteOrder{
		{ID: "tp", Type: exchange.OrderTypeTakeProfit, TriggerPrice: 0.1 + 0.2},
		{ID: "sl", Type: exchange.OrderTypeStop, Price: 27123.45},
	}

	testCases := []struct {
		name     string
		leg      models.ExitLeg
		expected string
	}{
		{name: "Float noise", leg: models.ExitLeg{Kind: models.ExitKindTakeProfit, TriggerPrice: 0.3}, expected: "tp"},
		{name: "Price field", leg: models.ExitLeg{Kind: models.ExitKindStopLoss, TriggerPrice: 27123.450000001}, expected: "sl"},
		{name: "Wrong kind", leg: models.ExitLeg{Kind: models.ExitKindStopLoss, TriggerPrice: 0.3}, expected: ""},
		{name: "Different price", leg: models.ExitLeg{Kind: models.ExitKindTakeProfit, TriggerPrice: 0.31}, expected: ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, matchOpenOrder(open, tc.leg))
		})
	}
}
