// Package bybit implements exchange.Client against the Bybit v5 unified REST
// API for linear (USDT-margined) contracts.
package bybit

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
	"time"

	"strade-go/internal/config"
	"strade-go/internal/exchange"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	baseURL        = "https://api.bybit.com"
	testnetBaseURL = "https://api-testnet.bybit.com"
	recvWindow     = "5000"
	category       = "linear"

	codeOrderNotExists = 110001
)

// Client is a Bybit v5 REST client bound to one API key.
type Client struct {
	transport *exchange.Transport
	apiKey    string
	apiSecret string
	logger    *zap.Logger
}

var _ exchange.Client = (*Client)(nil)

// NewClient creates a Bybit client.
func NewClient(cfg *config.Exchange, creds exchange.Credentials, logger *zap.Logger) *Client {
	logger = logger.Named("bybit")
	url := cfg.BaseURL
	if url == "" {
		url = baseURL
		if cfg.Testnet {
			url = testnetBaseURL
		}
	}
	return &Client{
		transport: exchange.NewTransport(exchange.Bybit, url, cfg.Timeout, cfg.RateLimit, cfg.RateLimitBurst, logger, decodeError),
		apiKey:    creds.APIKey,
		apiSecret: creds.APISecret,
		logger:    logger,
	}
}

// NewFactory returns an exchange.Factory building Bybit clients.
func NewFactory(cfg *config.Exchange, logger *zap.Logger) exchange.Factory {
	return func(creds exchange.Credentials) (exchange.Client, error) {
		return NewClient(cfg, creds, logger), nil
	}
}

// Name implements exchange.Client.
func (c *Client) Name() exchange.Name { return exchange.Bybit }

// Transport exposes the underlying transport.
func (c *Client) Transport() *exchange.Transport { return c.transport }

// envelope is the wrapper around every v5 response.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

func decodeError(resp *resty.Response) (string, string) {
	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil || env.RetCode == 0 {
		return "", ""
	}
	return strconv.Itoa(env.RetCode), env.RetMsg
}

// sign computes HMAC-SHA256 over timestamp + apiKey + recvWindow + payload.
func (c *Client) sign(timestamp, payload string) string {
	h := hmac.New(sha256.New, []byte(c.apiSecret))
	h.Write([]byte(timestamp + c.apiKey + recvWindow + payload))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Client) signed(payload string) *resty.Request {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	return c.transport.Client.R().
		SetHeader("X-BAPI-API-KEY", c.apiKey).
		SetHeader("X-BAPI-TIMESTAMP", ts).
		SetHeader("X-BAPI-RECV-WINDOW", recvWindow).
		SetHeader("X-BAPI-SIGN", c.sign(ts, payload))
}

// get performs a signed (or public) GET and decodes result into out.
func (c *Client) get(ctx context.Context, op, path string, params url.Values, private bool, out any) (*envelope, error) {
	query := params.Encode()
	req := c.transport.Client.R()
	if private {
		req = c.signed(query)
	}
	if query != "" {
		path += "?" + query
	}
	resp, err := c.transport.Do(ctx, op, http.MethodGet, path, req, true)
	if err != nil {
		return nil, err
	}
	return c.decode(op, resp, out)
}

// post performs a signed POST with a JSON body. It is never retried.
func (c *Client) post(ctx context.Context, op, path string, body map[string]any, out any) (*envelope, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", op, err)
	}
	req := c.signed(string(payload)).
		SetHeader("Content-Type", "application/json").
		SetBody(payload)
	resp, err := c.transport.Do(ctx, op, http.MethodPost, path, req, false)
	if err != nil {
		return nil, err
	}
	return c.decode(op, resp, out)
}

func (c *Client) decode(op string, resp *resty.Response, out any) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return nil, c.transport.Rejected(op, "", fmt.Sprintf("invalid response: %v", err))
	}
	if env.RetCode != 0 {
		re := c.transport.Rejected(op, strconv.Itoa(env.RetCode), env.RetMsg)
		if env.RetCode == codeOrderNotExists {
			re.Err = exchange.ErrOrderNotFound
		}
		return nil, re
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return nil, c.transport.Rejected(op, "", fmt.Sprintf("invalid result: %v", err))
		}
	}
	return &env, nil
}

// GetServerTime returns the exchange clock in milliseconds.
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	var result struct {
		TimeNano string `json:"timeNano"`
	}
	if _, err := c.get(ctx, "server_time", "/v5/market/time", url.Values{}, false, &result); err != nil {
		return 0, fmt.Errorf("failed to get server time: %w", err)
	}
	nanos, err := strconv.ParseInt(result.TimeNano, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse server time %q: %w", result.TimeNano, err)
	}
	return nanos / int64(time.Millisecond), nil
}

// FetchBalance implements exchange.Client using the unified trading account.
func (c *Client) FetchBalance(ctx context.Context) (map[string]exchange.Balance, error) {
	var result struct {
		List []struct {
			Coin []struct {
				Coin                string `json:"coin"`
				WalletBalance       string `json:"walletBalance"`
				AvailableToWithdraw string `json:"availableToWithdraw"`
				Locked              string `json:"locked"`
			} `json:"coin"`
		} `json:"list"`
	}
	params := url.Values{}
	params.Set("accountType", "UNIFIED")
	if _, err := c.get(ctx, "fetch_balance", "/v5/account/wallet-balance", params, true, &result); err != nil {
		return nil, err
	}

	out := make(map[string]exchange.Balance)
	for _, account := range result.List {
		for _, coin := range account.Coin {
			total := parseFloat(coin.WalletBalance)
			free, err := strconv.ParseFloat(coin.AvailableToWithdraw, 64)
			if err != nil {
				free = total - parseFloat(coin.Locked)
			}
			out[coin.Coin] = exchange.Balance{Free: free, Total: total}
		}
	}
	return out, nil
}

// FetchTicker implements exchange.Client.
func (c *Client) FetchTicker(ctx context.Context, symbol string) (*exchange.Ticker, error) {
	var result struct {
		List []struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", exchange.MarketID(symbol))
	env, err := c.get(ctx, "fetch_ticker", "/v5/market/tickers", params, false, &result)
	if err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, c.transport.Rejected("fetch_ticker", "", fmt.Sprintf("symbol %s not found", symbol))
	}
	last, err := strconv.ParseFloat(result.List[0].LastPrice, 64)
	if err != nil {
		return nil, c.transport.Rejected("fetch_ticker", "", fmt.Sprintf("invalid price %q", result.List[0].LastPrice))
	}
	return &exchange.Ticker{Symbol: symbol, Last: last, Timestamp: time.UnixMilli(env.Time)}, nil
}

// CreateMarketOrder implements exchange.Client.
func (c *Client) CreateMarketOrder(ctx context.Context, symbol string, side exchange.Side, amount float64, clientOrderID string) (*exchange.RemoteOrder, error) {
	body := c.orderBody(symbol, side, "Market", amount, clientOrderID)
	return c.create(ctx, "create_market_order", symbol, body)
}

// CreateLimitOrder implements exchange.Client.
func (c *Client) CreateLimitOrder(ctx context.Context, symbol string, side exchange.Side, amount, price float64, clientOrderID string) (*exchange.RemoteOrder, error) {
	body := c.orderBody(symbol, side, "Limit", amount, clientOrderID)
	body["price"] = formatFloat(price)
	body["timeInForce"] = "GTC"
	return c.create(ctx, "create_limit_order", symbol, body)
}

// CreateConditionalOrder implements exchange.Client. The order triggers on
// the mark price and is always reduce-only.
func (c *Client) CreateConditionalOrder(ctx context.Context, symbol string, kind exchange.ConditionalKind, side exchange.Side, amount, triggerPrice float64, clientOrderID string) (*exchange.RemoteOrder, error) {
	body := c.orderBody(symbol, side, "Market", amount, clientOrderID)
	body["triggerPrice"] = formatFloat(triggerPrice)
	body["triggerDirection"] = triggerDirection(kind, side)
	body["triggerBy"] = "MarkPrice"
	body["reduceOnly"] = true
	return c.create(ctx, "create_"+string(kind)+"_order", symbol, body)
}

// triggerDirection is 1 when the order fires on a rising price, 2 on a falling
// one. A sell take-profit closes a long above the market; a sell stop below it.
func triggerDirection(kind exchange.ConditionalKind, side exchange.Side) int {
	rising := kind == exchange.TakeProfit
	if side == exchange.SideBuy {
		rising = !rising
	}
	if rising {
		return 1
	}
	return 2
}

func (c *Client) orderBody(symbol string, side exchange.Side, orderType string, amount float64, clientOrderID string) map[string]any {
	body := map[string]any{
		"category":  category,
		"symbol":    exchange.MarketID(symbol),
		"side":      wireSide(side),
		"orderType": orderType,
		"qty":       formatFloat(amount),
	}
	if clientOrderID != "" {
		body["orderLinkId"] = clientOrderID
	}
	return body
}

type orderAck struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

// create places an order and, because the create response only carries
// identifiers, follows up with a fetch to report the order's state. A failed
// follow-up is logged and the order is reported as open.
func (c *Client) create(ctx context.Context, op, symbol string, body map[string]any) (*exchange.RemoteOrder, error) {
	var ack orderAck
	if _, err := c.post(ctx, op, "/v5/order/create", body, &ack); err != nil {
		c.logger.Error("Failed to create order",
			zap.Error(err),
			zap.String("symbol", symbol),
			zap.Any("order_type", body["orderType"]),
		)
		return nil, err
	}

	c.logger.Info("Successfully created order",
		zap.String("symbol", symbol),
		zap.String("order_id", ack.OrderID),
		zap.String("order_link_id", ack.OrderLinkID),
	)

	order, err := c.FetchOrder(ctx, ack.OrderID, symbol)
	if err != nil {
		c.logger.Warn("Could not fetch created order, reporting it as open",
			zap.String("order_id", ack.OrderID), zap.Error(err))
		return c.fromAck(symbol, ack, body, exchange.StatusOpen), nil
	}
	return order, nil
}

func (c *Client) fromAck(symbol string, ack orderAck, body map[string]any, status exchange.OrderStatus) *exchange.RemoteOrder {
	ro := &exchange.RemoteOrder{
		ID:            ack.OrderID,
		ClientOrderID: ack.OrderLinkID,
		Symbol:        symbol,
		Status:        status,
		Timestamp:     time.Now(),
		Raw:           map[string]any{"orderId": ack.OrderID, "orderLinkId": ack.OrderLinkID},
	}
	if body != nil {
		if s, ok := body["side"].(string); ok {
			ro.Side = unifiedSide(s)
		}
		if q, ok := body["qty"].(string); ok {
			ro.Amount = parseFloat(q)
		}
	}
	return ro
}

// Order is the v5 order object.
type Order struct {
	OrderID          string `json:"orderId"`
	OrderLinkID      string `json:"orderLinkId"`
	Symbol           string `json:"symbol"`
	Price            string `json:"price"`
	Qty              string `json:"qty"`
	Side             string `json:"side"`
	OrderStatus      string `json:"orderStatus"`
	AvgPrice         string `json:"avgPrice"`
	CumExecQty       string `json:"cumExecQty"`
	OrderType        string `json:"orderType"`
	StopOrderType    string `json:"stopOrderType"`
	TriggerPrice     string `json:"triggerPrice"`
	TriggerDirection int    `json:"triggerDirection"`
	ReduceOnly       bool   `json:"reduceOnly"`
	CreatedTime      string `json:"createdTime"`
	UpdatedTime      string `json:"updatedTime"`
}

type orderList struct {
	List []json.RawMessage `json:"list"`
}

func (c *Client) queryOrders(ctx context.Context, op, path string, params url.Values, symbol string) ([]*exchange.RemoteOrder, error) {
	var result orderList
	if _, err := c.get(ctx, op, path, params, true, &result); err != nil {
		return nil, err
	}
	out := make([]*exchange.RemoteOrder, 0, len(result.List))
	for _, raw := range result.List {
		var o Order
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, c.transport.Rejected(op, "", fmt.Sprintf("invalid order: %v", err))
		}
		out = append(out, toRemoteOrder(symbol, &o, raw))
	}
	return out, nil
}

// FetchOrder implements exchange.Client. Active and recent orders come from
// the realtime endpoint; older ones from the order history.
func (c *Client) FetchOrder(ctx context.Context, orderID, symbol string) (*exchange.RemoteOrder, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", exchange.MarketID(symbol))
	params.Set("orderId", orderID)

	for _, path := range []string{"/v5/order/realtime", "/v5/order/history"} {
		orders, err := c.queryOrders(ctx, "fetch_order", path, params, symbol)
		if err != nil {
			return nil, err
		}
		if len(orders) > 0 {
			return orders[0], nil
		}
	}
	return nil, &exchange.RemoteError{
		Exchange:  exchange.Bybit,
		Operation: "fetch_order",
		Message:   fmt.Sprintf("order %s not found", orderID),
		Err:       exchange.ErrOrderNotFound,
	}
}

// FetchOpenOrders implements exchange.Client.
func (c *Client) FetchOpenOrders(ctx context.Context, symbol string) ([]*exchange.RemoteOrder, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", exchange.MarketID(symbol))
	params.Set("openOnly", "0")
	return c.queryOrders(ctx, "fetch_open_orders", "/v5/order/realtime", params, symbol)
}

// CancelOrder implements exchange.Client.
func (c *Client) CancelOrder(ctx context.Context, orderID, symbol string) (*exchange.RemoteOrder, error) {
	body := map[string]any{
		"category": category,
		"symbol":   exchange.MarketID(symbol),
		"orderId":  orderID,
	}
	var ack orderAck
	if _, err := c.post(ctx, "cancel_order", "/v5/order/cancel", body, &ack); err != nil {
		return nil, err
	}

	order, err := c.FetchOrder(ctx, orderID, symbol)
	if err != nil {
		if !errors.Is(err, exchange.ErrOrderNotFound) {
			c.logger.Warn("Could not fetch cancelled order", zap.String("order_id", orderID), zap.Error(err))
		}
		return c.fromAck(symbol, ack, nil, exchange.StatusCanceled), nil
	}
	return order, nil
}

func toRemoteOrder(symbol string, o *Order, raw []byte) *exchange.RemoteOrder {
	// a fill or cancel moves updatedTime, createdTime is only the placement
	ts, _ := strconv.ParseInt(o.CreatedTime, 10, 64)
	if updated, err := strconv.ParseInt(o.UpdatedTime, 10, 64); err == nil && updated != 0 {
		ts = updated
	}
	side := unifiedSide(o.Side)
	ro := &exchange.RemoteOrder{
		ID:            o.OrderID,
		ClientOrderID: o.OrderLinkID,
		Symbol:        symbol,
		Side:          side,
		Type:          unifiedType(o, side),
		Status:        unifiedStatus(o.OrderStatus),
		Price:         parseFloat(o.Price),
		TriggerPrice:  parseFloat(o.TriggerPrice),
		Amount:        parseFloat(o.Qty),
		Filled:        parseFloat(o.CumExecQty),
		AveragePrice:  parseFloat(o.AvgPrice),
		ReduceOnly:    o.ReduceOnly,
		Timestamp:     time.UnixMilli(ts),
	}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &ro.Raw)
	}
	return ro
}

func unifiedStatus(s string) exchange.OrderStatus {
	switch s {
	case "Filled":
		return exchange.StatusClosed
	case "Cancelled", "Rejected", "Deactivated", "PartiallyFilledCanceled":
		return exchange.StatusCanceled
	default:
		return exchange.StatusOpen
	}
}

func unifiedType(o *Order, side exchange.Side) string {
	switch o.StopOrderType {
	case "TakeProfit", "PartialTakeProfit":
		return exchange.OrderTypeTakeProfit
	case "StopLoss", "PartialStopLoss", "TrailingStop":
		return exchange.OrderTypeStop
	case "Stop":
		rising := o.TriggerDirection == 1
		if (side == exchange.SideSell) == rising {
			return exchange.OrderTypeTakeProfit
		}
		return exchange.OrderTypeStop
	}
	if o.OrderType == "Limit" {
		return exchange.OrderTypeLimit
	}
	return exchange.OrderTypeMarket
}

func wireSide(s exchange.Side) string {
	if s == exchange.SideSell {
		return "Sell"
	}
	return "Buy"
}

func unifiedSide(s string) exchange.Side {
	if s == "Sell" {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
