package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"strade-go/internal/config"
	"strade-go/internal/exchange"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	baseURL        = "https://fapi.binance.com"
	testnetBaseURL = "https://testnet.binancefuture.com"
	recvWindow     = "5000" // How long a request is valid in milliseconds

	OrderTypeMarket           = "MARKET"
	OrderTypeLimit            = "LIMIT"
	OrderTypeTakeProfitMarket = "TAKE_PROFIT_MARKET"
	OrderTypeStopMarket       = "STOP_MARKET"
	OrderSideBuy              = "BUY"
	OrderSideSell             = "SELL"

	// error codes for orders the exchange does not know
	codeUnknownOrder     = -2011
	codeOrderNotExisting = -2013
)

// RestClient is a client for the Binance USDⓈ-M futures REST API.
// It implements exchange.Client.
type RestClient struct {
	transport *exchange.Transport
	apiKey    string
	secretKey string
	logger    *zap.Logger

	rulesMu sync.Mutex
	rules   map[string]SymbolInfo // nil until exchangeInfo was loaded
}

// ensure RestClient implements the interface
var _ exchange.Client = (*RestClient)(nil)

// NewRestClient creates a new Binance REST API client.
func NewRestClient(cfg *config.Exchange, creds exchange.Credentials, logger *zap.Logger) *RestClient {
	logger = logger.Named("binance")
	url := cfg.BaseURL
	if url == "" {
		if cfg.Testnet {
			url = testnetBaseURL
			logger.Debug("Using Binance Futures Testnet")
		} else {
			url = baseURL
		}
	}

	return &RestClient{
		transport: exchange.NewTransport(exchange.Binance, url, cfg.Timeout, cfg.RateLimit, cfg.RateLimitBurst, logger, decodeError),
		apiKey:    creds.APIKey,
		secretKey: creds.APISecret,
		logger:    logger,
	}
}

// NewFactory returns an exchange.Factory building Binance clients.
func NewFactory(cfg *config.Exchange, logger *zap.Logger) exchange.Factory {
	return func(creds exchange.Credentials) (exchange.Client, error) {
		return NewRestClient(cfg, creds, logger), nil
	}
}

// Name implements exchange.Client.
func (c *RestClient) Name() exchange.Name { return exchange.Binance }

// Transport exposes the underlying transport, mainly so tests can shorten backoff.
func (c *RestClient) Transport() *exchange.Transport { return c.transport }

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func decodeError(resp *resty.Response) (string, string) {
	var e apiError
	if err := json.Unmarshal(resp.Body(), &e); err != nil || e.Code == 0 {
		return "", ""
	}
	return strconv.Itoa(e.Code), e.Msg
}

// sign creates a HMAC-SHA256 signature for the request.
func (c *RestClient) sign(data string) string {
	h := hmac.New(sha256.New, []byte(c.secretKey))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// signedRequest adds timestamp, recvWindow and signature to params. POST
// requests carry them as a form body; other methods get them appended to the
// returned path so the signature stays the last query parameter.
func (c *RestClient) signedRequest(method, path string, params url.Values) (*resty.Request, string) {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", recvWindow)
	queryString := params.Encode()
	signed := queryString + "&signature=" + c.sign(queryString)

	req := c.transport.Client.R().SetHeader("X-MBX-APIKEY", c.apiKey)
	if method == http.MethodPost {
		return req.
			SetHeader("Content-Type", "application/x-www-form-urlencoded").
			SetBody(signed), path
	}
	return req, path + "?" + signed
}

// GetServerTime fetches the current server time from Binance.
// This is a good endpoint to test connectivity.
func (c *RestClient) GetServerTime(ctx context.Context) (int64, error) {
	type ServerTimeResponse struct {
		ServerTime int64 `json:"serverTime"`
	}

	req := c.transport.Client.R().SetResult(&ServerTimeResponse{})
	resp, err := c.transport.Do(ctx, "server_time", http.MethodGet, "/fapi/v1/time", req, true)
	if err != nil {
		return 0, fmt.Errorf("failed to get server time: %w", err)
	}

	return resp.Result().(*ServerTimeResponse).ServerTime, nil
}

// ExchangeInfoResponse represents the full response from the /exchangeInfo endpoint.
type ExchangeInfoResponse struct {
	Symbols []SymbolInfo `json:"symbols"`
}

// SymbolInfo contains information about a specific trading symbol.
type SymbolInfo struct {
	Symbol  string   `json:"symbol"`
	Status  string   `json:"status"`
	Filters []Filter `json:"filters"`
}

// Filter represents a single filter for a symbol.
// We are interested in the LOT_SIZE filter to get the stepSize.
type Filter struct {
	FilterType string `json:"filterType"`
	MinQty     string `json:"minQty,omitempty"`
	MaxQty     string `json:"maxQty,omitempty"`
	StepSize   string `json:"stepSize,omitempty"`
}

// GetExchangeInfo fetches exchange trading rules and symbol information.
func (c *RestClient) GetExchangeInfo(ctx context.Context) (*ExchangeInfoResponse, error) {
	req := c.transport.Client.R().SetResult(&ExchangeInfoResponse{})
	resp, err := c.transport.Do(ctx, "exchange_info", http.MethodGet, "/fapi/v1/exchangeInfo", req, true)
	if err != nil {
		return nil, fmt.Errorf("failed to get exchange info: %w", err)
	}
	return resp.Result().(*ExchangeInfoResponse), nil
}

// symbolRules returns the cached trading rules for a market, loading them on
// first use. A failed load is logged and retried on the next order.
func (c *RestClient) symbolRules(ctx context.Context, market string) (SymbolInfo, bool) {
	c.rulesMu.Lock()
	defer c.rulesMu.Unlock()

	if c.rules == nil {
		info, err := c.GetExchangeInfo(ctx)
		if err != nil {
			c.logger.Warn("Could not load exchange info, sending unformatted quantities", zap.Error(err))
			return SymbolInfo{}, false
		}
		c.rules = make(map[string]SymbolInfo, len(info.Symbols))
		for _, s := range info.Symbols {
			c.rules[s.Symbol] = s
		}
	}
	rule, ok := c.rules[market]
	return rule, ok
}

func (c *RestClient) quantity(ctx context.Context, market string, amount float64) (string, error) {
	rule, ok := c.symbolRules(ctx, market)
	if !ok {
		return strconv.FormatFloat(amount, 'f', -1, 64), nil
	}
	return formatQuantity(rule, amount)
}

// FetchBalance implements exchange.Client.
func (c *RestClient) FetchBalance(ctx context.Context) (map[string]exchange.Balance, error) {
	var balances []struct {
		Asset            string `json:"asset"`
		Balance          string `json:"balance"`
		AvailableBalance string `json:"availableBalance"`
	}

	req, path := c.signedRequest(http.MethodGet, "/fapi/v2/balance", url.Values{})
	if _, err := c.transport.Do(ctx, "fetch_balance", http.MethodGet, path, req.SetResult(&balances), true); err != nil {
		return nil, err
	}

	out := make(map[string]exchange.Balance, len(balances))
	for _, b := range balances {
		total, _ := strconv.ParseFloat(b.Balance, 64)
		free, _ := strconv.ParseFloat(b.AvailableBalance, 64)
		out[b.Asset] = exchange.Balance{Free: free, Total: total}
	}
	return out, nil
}

// TickerPrice represents the response for a single ticker price.
type TickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
	Time   int64  `json:"time"`
}

// FetchTicker implements exchange.Client.
func (c *RestClient) FetchTicker(ctx context.Context, symbol string) (*exchange.Ticker, error) {
	req := c.transport.Client.R().
		SetQueryParam("symbol", exchange.MarketID(symbol)).
		SetResult(&TickerPrice{})

	resp, err := c.transport.Do(ctx, "fetch_ticker", http.MethodGet, "/fapi/v1/ticker/price", req, true)
	if err != nil {
		return nil, err
	}

	tp := resp.Result().(*TickerPrice)
	last, err := strconv.ParseFloat(tp.Price, 64)
	if err != nil {
		return nil, c.transport.Rejected("fetch_ticker", "", fmt.Sprintf("invalid price %q", tp.Price))
	}
	return &exchange.Ticker{Symbol: symbol, Last: last, Timestamp: time.UnixMilli(tp.Time)}, nil
}

// OrderResponse is the order object returned by the order endpoints.
type OrderResponse struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Price         string `json:"price"`
	AvgPrice      string `json:"avgPrice"`
	OrigQuantity  string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	StopPrice     string `json:"stopPrice"`
	Status        string `json:"status"`
	TimeInForce   string `json:"timeInForce"`
	Type          string `json:"type"`
	OrigType      string `json:"origType"`
	Side          string `json:"side"`
	ReduceOnly    bool   `json:"reduceOnly"`
	Time          int64  `json:"time"`
	UpdateTime    int64  `json:"updateTime"`
}

func (c *RestClient) placeOrder(ctx context.Context, op, symbol string, params url.Values) (*exchange.RemoteOrder, error) {
	params.Set("symbol", exchange.MarketID(symbol))
	params.Set("newOrderRespType", "RESULT")

	req, path := c.signedRequest(http.MethodPost, "/fapi/v1/order", params)
	resp, err := c.transport.Do(ctx, op, http.MethodPost, path, req.SetResult(&OrderResponse{}), false)
	if err != nil {
		c.logger.Error("Failed to create order",
			zap.Error(err),
			zap.String("symbol", symbol),
			zap.String("type", params.Get("type")),
		)
		return nil, err
	}

	order, err := c.orderResult(symbol, op, resp)
	if err != nil {
		c.logger.Error("Order response could not be read", zap.Error(err), zap.String("symbol", symbol))
		return nil, err
	}
	c.logger.Info("Successfully created order",
		zap.String("symbol", symbol),
		zap.String("order_id", order.ID),
		zap.String("type", order.Type),
		zap.String("status", string(order.Status)),
	)
	return order, nil
}

// CreateMarketOrder implements exchange.Client.
func (c *RestClient) CreateMarketOrder(ctx context.Context, symbol string, side exchange.Side, amount float64, clientOrderID string) (*exchange.RemoteOrder, error) {
	qty, err := c.quantity(ctx, exchange.MarketID(symbol), amount)
	if err != nil {
		return nil, c.transport.Rejected("create_market_order", "", err.Error())
	}
	params := url.Values{}
	params.Set("side", wireSide(side))
	params.Set("type", OrderTypeMarket)
	params.Set("quantity", qty)
	setClientOrderID(params, clientOrderID)
	return c.placeOrder(ctx, "create_market_order", symbol, params)
}

// CreateLimitOrder implements exchange.Client.
func (c *RestClient) CreateLimitOrder(ctx context.Context, symbol string, side exchange.Side, amount, price float64, clientOrderID string) (*exchange.RemoteOrder, error) {
	qty, err := c.quantity(ctx, exchange.MarketID(symbol), amount)
	if err != nil {
		return nil, c.transport.Rejected("create_limit_order", "", err.Error())
	}
	params := url.Values{}
	params.Set("side", wireSide(side))
	params.Set("type", OrderTypeLimit)
	params.Set("timeInForce", "GTC")
	params.Set("quantity", qty)
	params.Set("price", strconv.FormatFloat(price, 'f', -1, 64))
	setClientOrderID(params, clientOrderID)
	return c.placeOrder(ctx, "create_limit_order", symbol, params)
}

// CreateConditionalOrder implements exchange.Client. The order is always reduce-only.
func (c *RestClient) CreateConditionalOrder(ctx context.Context, symbol string, kind exchange.ConditionalKind, side exchange.Side, amount, triggerPrice float64, clientOrderID string) (*exchange.RemoteOrder, error) {
	op := "create_" + string(kind) + "_order"
	orderType := OrderTypeStopMarket
	if kind == exchange.TakeProfit {
		orderType = OrderTypeTakeProfitMarket
	}
	qty, err := c.quantity(ctx, exchange.MarketID(symbol), amount)
	if err != nil {
		return nil, c.transport.Rejected(op, "", err.Error())
	}

	params := url.Values{}
	params.Set("side", wireSide(side))
	params.Set("type", orderType)
	params.Set("quantity", qty)
	params.Set("stopPrice", strconv.FormatFloat(triggerPrice, 'f', -1, 64))
	params.Set("reduceOnly", "true")
	params.Set("workingType", "MARK_PRICE")
	setClientOrderID(params, clientOrderID)
	return c.placeOrder(ctx, op, symbol, params)
}

// FetchOrder implements exchange.Client.
func (c *RestClient) FetchOrder(ctx context.Context, orderID, symbol string) (*exchange.RemoteOrder, error) {
	params := url.Values{}
	params.Set("symbol", exchange.MarketID(symbol))
	params.Set("orderId", orderID)

	req, path := c.signedRequest(http.MethodGet, "/fapi/v1/order", params)
	resp, err := c.transport.Do(ctx, "fetch_order", http.MethodGet, path, req.SetResult(&OrderResponse{}), true)
	if err != nil {
		return nil, notFound(err)
	}
	return c.orderResult(symbol, "fetch_order", resp)
}

// FetchOpenOrders implements exchange.Client.
func (c *RestClient) FetchOpenOrders(ctx context.Context, symbol string) ([]*exchange.RemoteOrder, error) {
	params := url.Values{}
	params.Set("symbol", exchange.MarketID(symbol))

	var orders []OrderResponse
	req, path := c.signedRequest(http.MethodGet, "/fapi/v1/openOrders", params)
	if _, err := c.transport.Do(ctx, "fetch_open_orders", http.MethodGet, path, req.SetResult(&orders), true); err != nil {
		return nil, err
	}

	out := make([]*exchange.RemoteOrder, 0, len(orders))
	for i := range orders {
		out = append(out, toRemoteOrder(symbol, &orders[i], nil))
	}
	return out, nil
}

// CancelOrder implements exchange.Client.
func (c *RestClient) CancelOrder(ctx context.Context, orderID, symbol string) (*exchange.RemoteOrder, error) {
	params := url.Values{}
	params.Set("symbol", exchange.MarketID(symbol))
	params.Set("orderId", orderID)

	req, path := c.signedRequest(http.MethodDelete, "/fapi/v1/order", params)
	resp, err := c.transport.Do(ctx, "cancel_order", http.MethodDelete, path, req.SetResult(&OrderResponse{}), false)
	if err != nil {
		return nil, notFound(err)
	}
	return c.orderResult(symbol, "cancel_order", resp)
}

// orderResult converts a successful order response, rejecting bodies that
// do not describe an order.
func (c *RestClient) orderResult(symbol, op string, resp *resty.Response) (*exchange.RemoteOrder, error) {
	result := resp.Result().(*OrderResponse)
	if result.OrderID == 0 {
		return nil, c.transport.Rejected(op, "", "response carries no order id: "+resp.String())
	}
	return toRemoteOrder(symbol, result, resp.Body()), nil
}

// notFound tags unknown-order errors with exchange.ErrOrderNotFound.
func notFound(err error) error {
	var re *exchange.RemoteError
	if errors.As(err, &re) && (re.Code == strconv.Itoa(codeUnknownOrder) || re.Code == strconv.Itoa(codeOrderNotExisting)) {
		re.Err = exchange.ErrOrderNotFound
	}
	return err
}

func setClientOrderID(params url.Values, id string) {
	if id != "" {
		params.Set("newClientOrderId", id)
	}
}

func wireSide(s exchange.Side) string {
	if s == exchange.SideSell {
		return OrderSideSell
	}
	return OrderSideBuy
}

func toRemoteOrder(symbol string, o *OrderResponse, body []byte) *exchange.RemoteOrder {
	price, _ := strconv.ParseFloat(o.Price, 64)
	avg, _ := strconv.ParseFloat(o.AvgPrice, 64)
	amount, _ := strconv.ParseFloat(o.OrigQuantity, 64)
	filled, _ := strconv.ParseFloat(o.ExecutedQty, 64)
	trigger, _ := strconv.ParseFloat(o.StopPrice, 64)

	ts := o.Time
	if o.UpdateTime != 0 {
		ts = o.UpdateTime
	}

	side := exchange.SideBuy
	if o.Side == OrderSideSell {
		side = exchange.SideSell
	}

	orderType := o.OrigType
	if orderType == "" {
		orderType = o.Type
	}

	ro := &exchange.RemoteOrder{
		ID:            strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Symbol:        symbol,
		Side:          side,
		Type:          unifiedType(orderType),
		Status:        unifiedStatus(o.Status),
		Price:         price,
		TriggerPrice:  trigger,
		Amount:        amount,
		Filled:        filled,
		AveragePrice:  avg,
		ReduceOnly:    o.ReduceOnly,
		Timestamp:     time.UnixMilli(ts),
	}
	if len(body) > 0 {
		_ = json.Unmarshal(body, &ro.Raw)
	}
	return ro
}

func unifiedStatus(s string) exchange.OrderStatus {
	switch s {
	case "FILLED":
		return exchange.StatusClosed
	case "CANCELED", "EXPIRED", "REJECTED", "EXPIRED_IN_MATCH":
		return exchange.StatusCanceled
	default:
		return exchange.StatusOpen
	}
}

func unifiedType(t string) string {
	switch t {
	case OrderTypeMarket:
		return exchange.OrderTypeMarket
	case OrderTypeLimit:
		return exchange.OrderTypeLimit
	case OrderTypeTakeProfitMarket, "TAKE_PROFIT":
		return exchange.OrderTypeTakeProfit
	case OrderTypeStopMarket, "STOP":
		return exchange.OrderTypeStop
	default:
		return t
	}
}
