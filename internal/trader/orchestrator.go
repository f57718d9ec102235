// Package trader places orders, manages their exit legs and keeps the ledger
// in step with the exchange.
package trader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"strade-go/internal/config"
	"strade-go/internal/credentials"
	"strade-go/internal/exchange"
	"strade-go/internal/ledger"
	"strade-go/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CredentialResolver finds the credential an account trades with.
type CredentialResolver interface {
	Resolve(ctx context.Context, accountID uint, exchangeName string) (*models.Credential, error)
	ResolveDefault(ctx context.Context, accountID uint) (*models.Credential, error)
	List(ctx context.Context, accountID uint) ([]models.Credential, error)
}

// ClientFactory builds an exchange client for a credential.
type ClientFactory interface {
	Client(name string, creds exchange.Credentials) (exchange.Client, error)
}

// Orchestrator coordinates exchange calls with ledger writes. A ledger row is
// only written after the exchange accepted the corresponding order.
type Orchestrator struct {
	ledger      *ledger.Ledger
	credentials CredentialResolver
	clients     ClientFactory
	validate    *validator.Validate
	logger      *zap.Logger

	// one client per exchange and key set, so market filters are fetched once
	mu    sync.Mutex
	cache map[clientKey]exchange.Client

	quoteAsset    string
	commitRetries int

	// swapped in tests
	commitBackoff    func(attempt int) time.Duration
	now              func() time.Time
	newClientOrderID func() string
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(l *ledger.Ledger, creds CredentialResolver, clients ClientFactory, cfg config.Trading, logger *zap.Logger) *Orchestrator {
	retries := cfg.CommitRetries
	if retries <= 0 {
		retries = 1
	}
	return &Orchestrator{
		ledger:           l,
		credentials:      creds,
		clients:          clients,
		validate:         newValidator(),
		logger:           logger.Named("orchestrator"),
		cache:            make(map[clientKey]exchange.Client),
		quoteAsset:       cfg.QuoteAsset,
		commitRetries:    retries,
		commitBackoff:    func(i int) time.Duration { return time.Duration(100<<i) * time.Millisecond },
		now:              time.Now,
		newClientOrderID: uuid.NewString,
	}
}

// OrderResult is the outcome of CreateOrder.
type OrderResult struct {
	Trade *models.Trade    `json:"trade"`
	Order map[string]any   `json:"order"`
	Legs  []models.ExitLeg `json:"legs"`
}

// credentialFor resolves the credential named by exchangeName, or the only
// credential of the account when no exchange is named.
func (o *Orchestrator) credentialFor(ctx context.Context, accountID uint, exchangeName string) (*models.Credential, error) {
	if exchangeName == "" {
		return o.credentials.ResolveDefault(ctx, accountID)
	}
	return o.credentials.Resolve(ctx, accountID, exchangeName)
}

type clientKey struct {
	name  string
	creds exchange.Credentials
}

// clientFor returns the client for a credential, building it on first use.
// Rotated keys produce a new client.
func (o *Orchestrator) clientFor(c *models.Credential) (exchange.Client, error) {
	key := clientKey{name: c.Exchange, creds: credentials.ExchangeCredentials(c)}

	o.mu.Lock()
	defer o.mu.Unlock()
	if client, ok := o.cache[key]; ok {
		return client, nil
	}
	client, err := o.clients.Client(c.Exchange, key.creds)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", c.Exchange, err)
	}
	o.cache[key] = client
	return client, nil
}

// CreateOrder validates the request, checks the balance, places the primary
// order and records it, then attaches the requested exit legs. When a leg
// fails the trade and the legs placed so far are returned together with a
// *StepError. When the trade cannot be recorded the result carries only the
// exchange's order, so the caller still learns its id.
func (o *Orchestrator) CreateOrder(ctx context.Context, accountID uint, req OrderRequest) (*OrderResult, error) {
	if err := o.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	cred, err := o.credentialFor(ctx, accountID, req.Exchange)
	if err != nil {
		return nil, err
	}
	client, err := o.clientFor(cred)
	if err != nil {
		return nil, err
	}

	l := o.logger.With(
		zap.Uint("account_id", accountID),
		zap.String("exchange", cred.Exchange),
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.String("type", string(req.Type)),
		zap.Float64("amount", req.Amount),
	)

	if err := o.checkBalance(ctx, client, req); err != nil {
		l.Warn("Balance check rejected order", zap.Error(err))
		return nil, err
	}

	clientOrderID := o.newClientOrderID()
	side := exchange.Side(req.Side)
	var order *exchange.RemoteOrder
	if req.Type == models.TradeTypeLimit {
		order, err = client.CreateLimitOrder(ctx, req.Symbol, side, req.Amount, req.Price, clientOrderID)
	} else {
		order, err = client.CreateMarketOrder(ctx, req.Symbol, side, req.Amount, clientOrderID)
	}
	if err != nil {
		l.Error("Failed to place order", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrOrderPlacementFailed, err)
	}

	trade := &models.Trade{
		CredentialID:  cred.ID,
		Type:          req.Type,
		Side:          req.Side,
		Symbol:        req.Symbol,
		OrderPrice:    req.Price,
		Volume:        req.Amount,
		Status:        models.TradeStatusPending,
		RemoteOrderID: order.ID,
		ClientOrderID: clientOrderID,
		Comment:       req.Comment,
	}
	if req.Type == models.TradeTypeMarket {
		trade.OrderPrice = 0
	}
	if order.Status == exchange.StatusClosed {
		filledAt := order.Timestamp
		if filledAt.IsZero() {
			filledAt = o.now()
		}
		trade.Status = models.TradeStatusFilled
		trade.FilledAt = &filledAt
		trade.EntryPrice = entryPrice(order, req.Price)
	}

	result := &OrderResult{Order: order.Raw}
	if result.Order == nil {
		result.Order = map[string]any{"id": order.ID, "status": order.Status}
	}

	err = o.commit(ctx, "insert trade", func() error { return o.ledger.CreateTrade(ctx, trade) })
	if err != nil {
		// the remote order exists without a local record
		l.Error("Order placed but trade could not be recorded",
			zap.String("order_id", order.ID), zap.Error(err))
		return result, &StepError{Step: StepCommitTrade, Err: fmt.Errorf("order %s was placed but not recorded: %w", order.ID, err)}
	}
	trade.Credential = cred
	result.Trade = trade
	l.Info("Recorded trade", zap.Uint("trade_id", trade.ID), zap.String("status", string(trade.Status)))

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
	trade.ExitLegs = result.Legs
	return result, nil
}

// entryPrice prefers the exchange's average fill price and falls back to fallback.
func entryPrice(order *exchange.RemoteOrder, fallback float64) *float64 {
	price := order.AveragePrice
	if price <= 0 {
		price = order.Price
	}
	if price <= 0 {
		price = fallback
	}
	if price <= 0 {
		return nil
	}
	return &price
}

// checkBalance rejects the order when the free quote balance is below amount x
// price. Market orders without a reference price are costed at the last price.
func (o *Orchestrator) checkBalance(ctx context.Context, client exchange.Client, req OrderRequest) error {
	price := req.Price
	if price <= 0 {
		ticker, err := client.FetchTicker(ctx, req.Symbol)
		if err != nil {
			return fmt.Errorf("failed to price %s for balance check: %w", req.Symbol, err)
		}
		price = ticker.Last
	}

	quote := o.quoteAsset
	if _, q, ok := exchange.SplitSymbol(req.Symbol); ok {
		quote = q
	}

	balances, err := client.FetchBalance(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch balance: %w", err)
	}
	free := balances[quote].Free
	cost := orderCost(req.Amount, price)
	if cost.GreaterThan(decimal.NewFromFloat(free)) {
		return fmt.Errorf("%w: %s free %v, order needs %s", ErrInsufficientBalance, quote, free, cost)
	}
	return nil
}

// commit runs a ledger write, retrying with backoff. It is used after a
// remote side effect succeeded, so the write is retried rather than undone.
func (o *Orchestrator) commit(ctx context.Context, what string, write func() error) error {
	var err error
	for attempt := 0; attempt < o.commitRetries; attempt++ {
		if err = write(); err == nil {
			return nil
		}
		if errors.Is(err, ledger.ErrNotFound) || errors.Is(err, ledger.ErrInvalidTransition) {
			return err
		}
		if attempt == o.commitRetries-1 {
			break
		}
		wait := o.commitBackoff(attempt)
		o.logger.Warn("Ledger write failed, retrying...",
			zap.String("write", what),
			zap.Int("attempt", attempt+1),
			zap.Duration("retry_after", wait),
			zap.Error(err),
		)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w (last error: %v)", what, ctx.Err(), err)
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", what, o.commitRetries, err)
}

// loadTrade returns a trade of accountID and a client for its credential.
func (o *Orchestrator) loadTrade(ctx context.Context, accountID, tradeID uint) (*models.Trade, exchange.Client, error) {
	trade, err := o.ledger.GetTrade(ctx, accountID, tradeID)
	if err != nil {
		return nil, nil, err
	}
	if trade.Credential == nil {
		return nil, nil, fmt.Errorf("trade %d has no credential", tradeID)
	}
	client, err := o.clientFor(trade.Credential)
	if err != nil {
		return nil, nil, err
	}
	return trade, client, nil
}

// ListTrades returns the trades of accountID from the ledger.
func (o *Orchestrator) ListTrades(ctx context.Context, accountID uint) ([]models.Trade, error) {
	return o.ledger.ListTrades(ctx, accountID)
}

// CancelOrder cancels one remote order by id and returns the exchange's view
// of it. The local trade, if any, is left to the caller.
func (o *Orchestrator) CancelOrder(ctx context.Context, accountID uint, exchangeName, orderID, symbol string) (*exchange.RemoteOrder, error) {
	if orderID == "" || symbol == "" {
		return nil, fmt.Errorf("%w: order id and symbol are required", ErrValidation)
	}
	cred, err := o.credentialFor(ctx, accountID, exchangeName)
	if err != nil {
		return nil, err
	}
	client, err := o.clientFor(cred)
	if err != nil {
		return nil, err
	}
	order, err := client.CancelOrder(ctx, orderID, symbol)
	if err != nil {
		return nil, err
	}
	o.logger.Info("Cancelled order",
		zap.Uint("account_id", accountID),
		zap.String("exchange", cred.Exchange),
		zap.String("order_id", orderID),
	)
	return order, nil
}
