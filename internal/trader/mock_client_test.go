package trader

import (
	"context"

	"strade-go/internal/exchange"

	"github.com/stretchr/testify/mock"
)

// MockClient is a mock implementation of exchange.Client.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) Name() exchange.Name { return exchange.Binance }

func (m *MockClient) FetchBalance(ctx context.Context) (map[string]exchange.Balance, error) {
	args := m.Called()
	if b := args.Get(0); b != nil {
		return b.(map[string]exchange.Balance), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockClient) FetchTicker(ctx context.Context, symbol string) (*exchange.Ticker, error) {
	args := m.Called(symbol)
	if t := args.Get(0); t != nil {
		return t.(*exchange.Ticker), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockClient) CreateMarketOrder(ctx context.Context, symbol string, side exchange.Side, amount float64, clientOrderID string) (*exchange.RemoteOrder, error) {
	return remoteOrderArgs(m.Called(symbol, side, amount))
}

func (m *MockClient) CreateLimitOrder(ctx context.Context, symbol string, side exchange.Side, amount, price float64, clientOrderID string) (*exchange.RemoteOrder, error) {
	return remoteOrderArgs(m.Called(symbol, side, amount, price))
}

func (m *MockClient) CreateConditionalOrder(ctx context.Context, symbol string, kind exchange.ConditionalKind, side exchange.Side, amount, triggerPrice float64, clientOrderID string) (*exchange.RemoteOrder, error) {
	return remoteOrderArgs(m.Called(symbol, kind, side, amount, triggerPrice))
}

func (m *MockClient) FetchOrder(ctx context.Context, orderID, symbol string) (*exchange.RemoteOrder, error) {
	return remoteOrderArgs(m.Called(orderID, symbol))
}

func (m *MockClient) FetchOpenOrders(ctx context.Context, symbol string) ([]*exchange.RemoteOrder, error) {
	args := m.Called(symbol)
	if o := args.Get(0); o != nil {
		return o.([]*exchange.RemoteOrder), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockClient) CancelOrder(ctx context.Context, orderID, symbol string) (*exchange.RemoteOrder, error) {
	return remoteOrderArgs(m.Called(orderID, symbol))
}

func remoteOrderArgs(args mock.Arguments) (*exchange.RemoteOrder, error) {
	if o := args.Get(0); o != nil {
		return o.(*exchange.RemoteOrder), args.Error(1)
	}
	return nil, args.Error(1)
}

// staticFactory hands out the same client for every credential.
type staticFactory struct {
	client exchange.Client
	err    error
}

func (f staticFactory) Client(string, exchange.Credentials) (exchange.Client, error) {
	return f.client, f.err
}

// countingFactory records how many clients it built.
type countingFactory struct {
	client exchange.Client
	built  []exchange.Credentials
}

func (f *countingFactory) Client(_ string, creds exchange.Credentials) (exchange.Client, error) {
	f.built = append(f.built, creds)
	return f.client, nil
}
