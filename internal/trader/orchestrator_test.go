package trader

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"strade-go/internal/config"
	"strade-go/internal/credentials"
	"strade-go/internal/database"
	"strade-go/internal/exchange"
	"strade-go/internal/ledger"
	"strade-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testEnv struct {
	o      *Orchestrator
	client *MockClient
	ledger *ledger.Ledger
	db     *gorm.DB
	cred   *models.Credential
}

// setupTest creates an orchestrator over an in-memory database with one
// binance credential for account 1 and a mock exchange client.
func setupTest(t *testing.T) *testEnv {
	db, err := database.NewDatabase(":memory:")
	require.NoError(t, err)

	store := credentials.NewStore(db, zap.NewNop())
	cred := &models.Credential{AccountID: 1, Exchange: "binance", APIKey: "k", APISecret: "s"}
	require.NoError(t, store.Register(context.Background(), cred))

	client := new(MockClient)
	l := ledger.New(db)
	o := NewOrchestrator(l, store, staticFactory{client: client}, config.Trading{QuoteAsset: "USDT", CommitRetries: 3}, zap.NewNop())
	o.commitBackoff = func(int) time.Duration { return 0 }
	seq := 0
	o.newClientOrderID = func() string {
		seq++
		return fmt.Sprintf("cid-%d", seq)
	}

	return &testEnv{o: o, client: client, ledger: l, db: db, cred: cred}
}

func (e *testEnv) countTrades(t *testing.T) int64 {
	var n int64
	require.NoError(t, e.db.Model(&models.Trade{}).Count(&n).Error)
	return n
}

func (e *testEnv) seedTrade(t *testing.T, typ models.TradeType, status models.TradeStatus, entry *float64) *models.Trade {
	trade := &models.Trade{
		CredentialID:  e.cred.ID,
		Type:          typ,
		Side:          models.SideBuy,
		Symbol:        "BTC/USDT",
		OrderPrice:    100,
		Volume:        2,
		Status:        status,
		RemoteOrderID: "primary",
		EntryPrice:    entry,
	}
	require.NoError(t, e.ledger.CreateTrade(context.Background(), trade))
	return trade
}

func ptr(f float64) *float64 { return &f }

func usdt(free float64) map[string]exchange.Balance {
	return map[string]exchange.Balance{"USDT": {Free: free, Total: free}}
}

func TestCreateOrder_EndToEnd(t *testing.T) {
	env := setupTest(t)
	ctx := context.Background()

	env.client.On("FetchBalance").Return(usdt(1000), nil)
	env.client.On("CreateMarketOrder", "BTC/USDT", exchange.SideBuy, 1.0).Return(&exchange.RemoteOrder{
		ID: "o1", Status: exchange.StatusClosed, AveragePrice: 100.5, Timestamp: time.Now(),
		Raw: map[string]any{"orderId": "o1"},
	}, nil)
	env.client.On("CreateConditionalOrder", "BTC/USDT", exchange.TakeProfit, exchange.SideSell, 0.5, 110.0).Return(&exchange.RemoteOrder{ID: "tp1"}, nil)
	env.client.On("CreateConditionalOrder", "BTC/USDT", exchange.TakeProfit, exchange.SideSell, 0.5, 120.0).Return(&exchange.RemoteOrder{ID: "tp2"}, nil)
	env.client.On("CreateConditionalOrder", "BTC/USDT", exchange.StopLoss, exchange.SideSell, 1.0, 90.0).Return(&exchange.RemoteOrder{ID: "sl1"}, nil)

	result, err := env.o.CreateOrder(ctx, 1, OrderRequest{
		Symbol:      "BTC/USDT",
		Side:        models.SideBuy,
		Type:        models.TradeTypeMarket,
		Amount:      1,
		Price:       100,
		TakeProfits: []float64{110, 120},
		StopLoss:    ptr(90),
	})
	require.NoError(t, err)
	env.client.AssertExpectations(t)

	// one primary order plus three exit legs
	env.client.AssertNumberOfCalls(t, "CreateMarketOrder", 1)
	env.client.AssertNumberOfCalls(t, "CreateConditionalOrder", 3)

	assert.Equal(t, int64(1), env.countTrades(t))
	assert.Equal(t, "o1", result.Order["orderId"])
	assert.Len(t, result.Legs, 3)

	trade, err := env.ledger.GetTrade(ctx, 1, result.Trade.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeStatusFilled, trade.Status)
	assert.Equal(t, "cid-1", trade.ClientOrderID)
	assert.Equal(t, 0.0, trade.OrderPrice)
	require.NotNil(t, trade.FilledAt)
	require.NotNil(t, trade.EntryPrice)
	assert.Equal(t, 100.5, *trade.EntryPrice)
	require.NotNil(t, trade.StopLossPrice)
	assert.Equal(t, 90.0, *trade.StopLossPrice)

	tps, err := env.ledger.ExitLegs(ctx, trade.ID, models.ExitKindTakeProfit)
	require.NoError(t, err)
	require.Len(t, tps, 2)
	for _, leg := range tps {
		assert.Equal(t, 0.5, leg.Amount)
	}
	assert.Equal(t, "tp1", tps[0].RemoteOrderID)
	assert.Equal(t, "cid-2", tps[0].ClientOrderID)
}

func TestCreateOrder_ValidationMakesNoCalls(t *testing.T) {
	testCases := []struct {
		name string
		req  OrderRequest
	}{
		{name: "Missing symbol", req: OrderRequest{Side: models.SideBuy, Type: models.TradeTypeMarket, Amount: 1}},
		{name: "Symbol without quote", req: OrderRequest{Symbol: "BTCUSDT", Side: models.SideBuy, Type: models.TradeTypeMarket, Amount: 1}},
		{name: "Zero amount", req: OrderRequest{Symbol: "BTC/USDT", Side: models.SideBuy, Type: models.TradeTypeMarket}},
		{name: "Unknown side", req: OrderRequest{Symbol: "BTC/USDT", Side: "hold", Type: models.TradeTypeMarket, Amount: 1}},
		{name: "Limit without price", req: OrderRequest{Symbol: "BTC/USDT", Side: models.SideBuy, Type: models.TradeTypeLimit, Amount: 1}},
		{name: "Negative take-profit", req: OrderRequest{Symbol: "BTC/USDT", Side: models.SideBuy, Type: models.TradeTypeMarket, Amount: 1, TakeProfits: []float64{110, -1}}},
		{name: "Zero stop-loss", req: OrderRequest{Symbol: "BTC/USDT", Side: models.SideBuy, Type: models.TradeTypeMarket, Amount: 1, StopLoss: ptr(0)}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			env := setupTest(t)
			_, err := env.o.CreateOrder(context.Background(), 1, tc.req)
			assert.True(t, errors.Is(err, ErrValidation), "got %v", err)
			assert.Empty(t, env.client.Calls)
		})
	}
}

func TestCreateOrder_InsufficientBalance(t *testing.T) {
	env := setupTest(t)
	env.client.On("FetchBalance").Return(usdt(99.99), nil)

	_, err := env.o.CreateOrder(context.Background(), 1, OrderRequest{
		Symbol: "BTC/USDT", Side: models.SideBuy, Type: models.TradeTypeLimit, Amount: 1, Price: 100,
	})

	assert.True(t, errors.Is(err, ErrInsufficientBalance))
	env.client.AssertNotCalled(t, "CreateLimitOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	env.client.AssertNotCalled(t, "CreateConditionalOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Zero(t, env.countTrades(t))
}

func TestCreateOrder_MarketWithoutPriceUsesTicker(t *testing.T) {
	env := setupTest(t)
	env.client.On("FetchTicker", "BTC/USDT").Return(&exchange.Ticker{Symbol: "BTC/USDT", Last: 200}, nil)
	env.client.On("FetchBalance").Return(usdt(150), nil)

	_, err := env.o.CreateOrder(context.Background(), 1, OrderRequest{
		Symbol: "BTC/USDT", Side: models.SideBuy, Type: models.TradeTypeMarket, Amount: 1,
	})

	assert.True(t, errors.Is(err, ErrInsufficientBalance))
	env.client.AssertNotCalled(t, "CreateMarketOrder", mock.Anything, mock.Anything, mock.Anything)
}

func TestCreateOrder_PlacementFailureLeavesNoRow(t *testing.T) {
	env := setupTest(t)
	remote := &exchange.RemoteError{Exchange: exchange.Binance, Operation: "create_limit_order", Status: 400, Code: "-2019", Message: "Margin is insufficient."}
	env.client.On("FetchBalance").Return(usdt(1000), nil)
	env.client.On("CreateLimitOrder", "BTC/USDT", exchange.SideBuy, 1.0, 100.0).Return(nil, remote)

	result, err := env.o.CreateOrder(context.Background(), 1, OrderRequest{
		Symbol: "BTC/USDT", Side: models.SideBuy, Type: models.TradeTypeLimit, Amount: 1, Price: 100,
		TakeProfits: []float64{110},
	})

	assert.Nil(t, result)
	assert.True(t, errors.Is(err, ErrOrderPlacementFailed))
	assert.True(t, errors.Is(err, exchange.ErrRemote))
	assert.Zero(t, env.countTrades(t))
	env.client.AssertNotCalled(t, "CreateConditionalOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCreateOrder_UnknownOrAmbiguousExchange(t *testing.T) {
	env := setupTest(t)
	req := OrderRequest{Symbol: "BTC/USDT", Side: models.SideBuy, Type: models.TradeTypeLimit, Amount: 1, Price: 100}

	req.Exchange = "kraken"
	_, err := env.o.CreateOrder(context.Background(), 1, req)
	assert.True(t, errors.Is(err, exchange.ErrUnknownExchange))

	req.Exchange = "bybit"
	_, err = env.o.CreateOrder(context.Background(), 1, req)
	assert.True(t, errors.Is(err, credentials.ErrNotFound))

	require.NoError(t, env.db.Create(&models.Credential{AccountID: 1, Exchange: "bybit", APIKey: "k2", APISecret: "s2"}).Error)
	req.Exchange = ""
	_, err = env.o.CreateOrder(context.Background(), 1, req)
	assert.True(t, errors.Is(err, credentials.ErrAmbiguousCredential))
	assert.Empty(t, env.client.Calls)
}

func TestCreateOrder_EqualSplit(t *testing.T) {
	env := setupTest(t)
	env.client.On("FetchBalance").Return(usdt(10000), nil)
	env.client.On("CreateLimitOrder", "ETH/USDT", exchange.SideBuy, 9.0, 100.0).Return(&exchange.RemoteOrder{ID: "l1", Status: exchange.StatusOpen}, nil)
	env.client.On("CreateConditionalOrder", "ETH/USDT", exchange.TakeProfit, exchange.SideSell, 3.0, mock.AnythingOfType("float64")).
		Return(&exchange.RemoteOrder{ID: "tp"}, nil)

	result, err := env.o.CreateOrder(context.Background(), 1, OrderRequest{
		Symbol: "ETH/USDT", Side: models.SideBuy, Type: models.TradeTypeLimit, Amount: 9, Price: 100,
		TakeProfits: []float64{110, 120, 130},
	})
	require.NoError(t, err)

	env.client.AssertNumberOfCalls(t, "CreateConditionalOrder", 3)
	assert.Equal(t, models.TradeStatusPending, result.Trade.Status)
	assert.Nil(t, result.Trade.FilledAt)
	require.Len(t, result.Legs, 3)
	for _, leg := range result.Legs {
		assert.Equal(t, 3.0, leg.Amount)
	}
}

func TestCreateOrder_PartialLegFailure(t *testing.T) {
	env := setupTest(t)
	legErr := &exchange.RemoteError{Exchange: exchange.Binance, Operation: "create_take_profit_order", Message: "Order would immediately trigger."}
	env.client.On("FetchBalance").Return(usdt(1000), nil)
	env.client.On("CreateLimitOrder", "BTC/USDT", exchange.SideBuy, 3.0, 100.0).Return(&exchange.RemoteOrder{ID: "l1", Status: exchange.StatusOpen}, nil)
	env.client.On("CreateConditionalOrder", "BTC/USDT", exchange.TakeProfit, exchange.SideSell, 1.0, 110.0).Return(&exchange.RemoteOrder{ID: "tp1"}, nil)
	env.client.On("CreateConditionalOrder", "BTC/USDT", exchange.TakeProfit, exchange.SideSell, 1.0, 120.0).Return(nil, legErr)

	result, err := env.o.CreateOrder(context.Background(), 1, OrderRequest{
		Symbol: "BTC/USDT", Side: models.SideBuy, Type: models.TradeTypeLimit, Amount: 3, Price: 100,
		TakeProfits: []float64{110, 120, 130}, StopLoss: ptr(90),
	})

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, StepAttachTakeProfit, stepErr.Step)
	assert.Equal(t, 2, stepErr.Index)
	assert.Equal(t, 120.0, stepErr.Price)
	assert.Contains(t, err.Error(), "120")
	assert.True(t, errors.Is(err, exchange.ErrRemote))

	// the trade and the first leg survive; nothing after the failure was placed
	require.NotNil(t, result)
	assert.Len(t, result.Legs, 1)
	assert.Equal(t, int64(1), env.countTrades(t))
	tps, _ := env.ledger.ExitLegs(context.Background(), result.Trade.ID, models.ExitKindTakeProfit)
	assert.Len(t, tps, 1)
	env.client.AssertNumberOfCalls(t, "CreateConditionalOrder", 2)
}

func TestCreateOrder_UnrecordedTradeKeepsRemoteOrder(t *testing.T) {
	env := setupTest(t)
	env.client.On("FetchBalance").Return(usdt(1000), nil)
	env.client.On("CreateLimitOrder", "BTC/USDT", exchange.SideBuy, 1.0, 100.0).Return(&exchange.RemoteOrder{
		ID: "l-77", Status: exchange.StatusOpen, Raw: map[string]any{"orderId": "l-77"},
	}, nil)
	require.NoError(t, env.db.Exec("DROP TABLE trades").Error)

	result, err := env.o.CreateOrder(context.Background(), 1, OrderRequest{
		Symbol: "BTC/USDT", Side: models.SideBuy, Type: models.TradeTypeLimit, Amount: 1, Price: 100,
		TakeProfits: []float64{110},
	})

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, StepCommitTrade, stepErr.Step)
	assert.Contains(t, err.Error(), "l-77")
	require.NotNil(t, result)
	assert.Nil(t, result.Trade)
	assert.Equal(t, "l-77", result.Order["orderId"])
	env.client.AssertNotCalled(t, "CreateConditionalOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCreateOrder_LegsRecordAcceptedAmount(t *testing.T) {
	env := setupTest(t)
	env.client.On("FetchBalance").Return(usdt(1000), nil)
	env.client.On("CreateLimitOrder", "BTC/USDT", exchange.SideBuy, 1.0, 100.0).Return(&exchange.RemoteOrder{ID: "l1", Status: exchange.StatusOpen}, nil)
	// the exchange floors 1/3 to its step size
	env.client.On("CreateConditionalOrder", "BTC/USDT", exchange.TakeProfit, exchange.SideSell, mock.AnythingOfType("float64"), mock.AnythingOfType("float64")).
		Return(&exchange.RemoteOrder{ID: "tp", Amount: 0.333}, nil)
	env.client.On("CreateConditionalOrder", "BTC/USDT", exchange.StopLoss, exchange.SideSell, 1.0, 90.0).Return(&exchange.RemoteOrder{ID: "sl"}, nil)

	result, err := env.o.CreateOrder(context.Background(), 1, OrderRequest{
		Symbol: "BTC/USDT", Side: models.SideBuy, Type: models.TradeTypeLimit, Amount: 1, Price: 100,
		TakeProfits: []float64{110, 120, 130}, StopLoss: ptr(90),
	})
	require.NoError(t, err)
	require.Len(t, result.Legs, 4)
	for _, leg := range result.Legs[:3] {
		assert.Equal(t, 0.333, leg.Amount)
	}
	// no amount in the response: the requested one is kept
	assert.Equal(t, 1.0, result.Legs[3].Amount)

	tps, err := env.ledger.ExitLegs(context.Background(), result.Trade.ID, models.ExitKindTakeProfit)
	require.NoError(t, err)
	require.Len(t, tps, 3)
	assert.Equal(t, 0.333, tps[0].Amount)
}

func TestClientFor_ReusesClientPerCredential(t *testing.T) {
	env := setupTest(t)
	factory := &countingFactory{client: env.client}
	env.o.clients = factory

	for i := 0; i < 3; i++ {
		client, err := env.o.clientFor(env.cred)
		require.NoError(t, err)
		assert.Same(t, env.client, client)
	}
	assert.Len(t, factory.built, 1)

	rotated := *env.cred
	rotated.APISecret = "s-new"
	_, err := env.o.clientFor(&rotated)
	require.NoError(t, err)
	require.Len(t, factory.built, 2)
	assert.Equal(t, "s-new", factory.built[1].APISecret)
}

func TestCommit_RetriesTransientFailures(t *testing.T) {
	env := setupTest(t)
	attempts := 0
	err := env.o.commit(context.Background(), "test write", func() error {
		attempts++
		if attempts < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)

	attempts = 0
	err = env.o.commit(context.Background(), "test write", func() error {
		attempts++
		return ledger.ErrInvalidTransition
	})
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, 1, attempts)
}

func TestCancelOrder(t *testing.T) {
	env := setupTest(t)
	env.client.On("CancelOrder", "77", "BTC/USDT").Return(&exchange.RemoteOrder{ID: "77", Status: exchange.StatusCanceled}, nil)

	order, err := env.o.CancelOrder(context.Background(), 1, "binance", "77", "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, exchange.StatusCanceled, order.Status)

	_, err = env.o.CancelOrder(context.Background(), 1, "binance", "", "BTC/USDT")
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestDashboard(t *testing.T) {
	env := setupTest(t)
	env.client.On("FetchBalance").Return(map[string]exchange.Balance{
		"USDT": {Free: 80, Total: 100},
		"BTC":  {Free: 0.5, Total: 0.5},
		"ETH":  {},
	}, nil)

	rows, err := env.o.Dashboard(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "binance", rows[0].Exchange)
	assert.Equal(t, 100.0, rows[0].QuoteBalance)
	assert.Equal(t, 2, rows[0].NonZeroAssets)
	assert.Empty(t, rows[0].Error)
}
