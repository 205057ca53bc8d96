package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradeengine/internal/model"
)

// Retry configuration for venue calls.
const (
	maxRetries     = 3
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 5 * time.Second
)

const (
	// BinanceFuturesBaseURL is the production futures API URL.
	BinanceFuturesBaseURL = "https://fapi.binance.com"
	// BinanceFuturesTestnetURL is the testnet futures API URL.
	BinanceFuturesTestnetURL = "https://testnet.binancefuture.com"
)

// BinanceConfig configures the futures REST client.
type BinanceConfig struct {
	APIKey    string        `json:"api_key"`
	SecretKey string        `json:"secret_key"`
	Testnet   bool          `json:"testnet"`
	BaseURL   string        `json:"base_url,omitempty"` // overrides testnet switch when set
	Timeout   time.Duration `json:"timeout,omitempty"`
}

// BinanceClient implements Client against the Binance USDⓈ-M futures
// REST API. Requests are HMAC-SHA256 signed; transient failures retry
// with exponential backoff and jitter.
type BinanceClient struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger

	infoMu     sync.RWMutex
	symbolInfo map[string]*SymbolInfo
}

// NewBinanceClient creates a futures REST client. Keys are trimmed;
// stray whitespace breaks signature generation.
func NewBinanceClient(cfg BinanceConfig, logger zerolog.Logger) *BinanceClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = BinanceFuturesBaseURL
		if cfg.Testnet {
			baseURL = BinanceFuturesTestnetURL
		}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &BinanceClient{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		secretKey:  strings.TrimSpace(cfg.SecretKey),
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With().Str("component", "BinanceClient").Logger(),
		symbolInfo: make(map[string]*SymbolInfo),
	}
}

func (c *BinanceClient) Name() string { return "binance_futures" }

// Ping verifies REST connectivity.
func (c *BinanceClient) Ping(ctx context.Context) error {
	_, err := c.request(ctx, http.MethodGet, "/fapi/v1/ping", nil, false)
	return err
}

// ==================== TRADING ====================

type bnOrderResponse struct {
	OrderID     int64  `json:"orderId"`
	Symbol      string `json:"symbol"`
	Status      string `json:"status"`
	AvgPrice    string `json:"avgPrice"`
	Price       string `json:"price"`
	OrigQty     string `json:"origQty"`
	ExecutedQty string `json:"executedQty"`
}

// Execute submits an order. Client-side conditional types are rejected
// here; the order manager fires those locally.
func (c *BinanceClient) Execute(ctx context.Context, order *model.Order) (*model.ExecutionResult, error) {
	venueType, ok := venueOrderType(order.Type)
	if !ok {
		return nil, ErrUnsupportedOrderType
	}
	if err := order.Validate(); err != nil {
		return nil, err
	}

	params := map[string]string{
		"symbol":           order.Symbol,
		"side":             string(order.Side),
		"type":             venueType,
		"quantity":         strconv.FormatFloat(order.Amount, 'f', -1, 64),
		"newOrderRespType": "RESULT",
	}
	if order.PositionSide != "" {
		params["positionSide"] = string(order.PositionSide)
	}
	if order.ClientOrderID != "" {
		params["newClientOrderId"] = order.ClientOrderID
	}
	if order.ReduceOnly {
		params["reduceOnly"] = "true"
	}

	switch order.Type {
	case model.OrderTypeLimit:
		params["price"] = strconv.FormatFloat(order.TargetPrice, 'f', -1, 64)
		tif := order.TimeInForce
		if tif == "" {
			tif = model.TimeInForceGTC
		}
		params["timeInForce"] = string(tif)
	case model.OrderTypeStop, model.OrderTypeTakeProfit:
		params["stopPrice"] = strconv.FormatFloat(order.TargetPrice, 'f', -1, 64)
	case model.OrderTypeStopLimit, model.OrderTypeTakeProfitLimit:
		params["stopPrice"] = strconv.FormatFloat(order.TargetPrice, 'f', -1, 64)
		params["price"] = strconv.FormatFloat(order.TargetPrice, 'f', -1, 64)
		params["timeInForce"] = string(model.TimeInForceGTC)
	}

	body, err := c.request(ctx, http.MethodPost, "/fapi/v1/order", params, true)
	if err != nil {
		return nil, fmt.Errorf("placing order: %w", err)
	}

	var resp bnOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing order response: %w", err)
	}

	result := &model.ExecutionResult{
		Status:    venueOrderStatus(resp.Status),
		OrderID:   strconv.FormatInt(resp.OrderID, 10),
		FillPrice: parsePositive(resp.AvgPrice, parsePositive(resp.Price, 0)),
		Amount:    parsePositive(resp.ExecutedQty, parsePositive(resp.OrigQty, order.Amount)),
	}
	return result, nil
}

// CancelOrder cancels a resting order by venue id.
func (c *BinanceClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := map[string]string{
		"symbol":  symbol,
		"orderId": orderID,
	}
	if _, err := c.request(ctx, http.MethodDelete, "/fapi/v1/order", params, true); err != nil {
		return fmt.Errorf("canceling order %s: %w", orderID, err)
	}
	return nil
}

// BatchCancel cancels each order individually so one unknown id does
// not sink the rest.
func (c *BinanceClient) BatchCancel(ctx context.Context, symbol string, orderIDs []string) []CancelResult {
	results := make([]CancelResult, 0, len(orderIDs))
	for _, id := range orderIDs {
		res := CancelResult{OrderID: id, Cancelled: true}
		if err := c.CancelOrder(ctx, symbol, id); err != nil {
			res.Cancelled = IsUnknownOrder(err)
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results
}

type bnOpenOrder struct {
	OrderID      int64  `json:"orderId"`
	Symbol       string `json:"symbol"`
	Type         string `json:"type"`
	Side         string `json:"side"`
	PositionSide string `json:"positionSide"`
	Price        string `json:"price"`
	StopPrice    string `json:"stopPrice"`
	OrigQty      string `json:"origQty"`
	ReduceOnly   bool   `json:"reduceOnly"`
	Status       string `json:"status"`
}

// GetOpenOrders lists resting orders for a symbol.
func (c *BinanceClient) GetOpenOrders(ctx context.Context, symbol string) ([]model.OpenOrder, error) {
	params := map[string]string{}
	if symbol != "" {
		params["symbol"] = symbol
	}
	body, err := c.request(ctx, http.MethodGet, "/fapi/v1/openOrders", params, true)
	if err != nil {
		return nil, fmt.Errorf("fetching open orders: %w", err)
	}

	var raw []bnOpenOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing open orders: %w", err)
	}

	orders := make([]model.OpenOrder, 0, len(raw))
	for _, o := range raw {
		orders = append(orders, model.OpenOrder{
			OrderID:      strconv.FormatInt(o.OrderID, 10),
			Symbol:       o.Symbol,
			Type:         engineOrderType(o.Type),
			Side:         model.OrderSide(o.Side),
			PositionSide: model.PositionSide(o.PositionSide),
			Price:        parsePositive(o.Price, 0),
			StopPrice:    parsePositive(o.StopPrice, 0),
			Quantity:     parsePositive(o.OrigQty, 0),
			ReduceOnly:   o.ReduceOnly,
			Status:       venueOrderStatus(o.Status),
		})
	}
	return orders, nil
}

// ==================== MARKET DATA ====================

// GetSymbolPrice returns the last traded price.
func (c *BinanceClient) GetSymbolPrice(ctx context.Context, symbol string) (float64, error) {
	body, err := c.request(ctx, http.MethodGet, "/fapi/v1/ticker/price", map[string]string{"symbol": symbol}, false)
	if err != nil {
		return 0, fmt.Errorf("fetching price for %s: %w", symbol, err)
	}

	var ticker struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &ticker); err != nil {
		return 0, fmt.Errorf("parsing price for %s: %w", symbol, err)
	}
	price, err := strconv.ParseFloat(ticker.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing price %q: %w", ticker.Price, err)
	}
	return price, nil
}

// GetSymbolInfo returns the trading rules for a symbol. Results are
// cached for the process lifetime; venue filters change rarely.
func (c *BinanceClient) GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error) {
	c.infoMu.RLock()
	if info, ok := c.symbolInfo[symbol]; ok {
		c.infoMu.RUnlock()
		return info, nil
	}
	c.infoMu.RUnlock()

	body, err := c.request(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", map[string]string{"symbol": symbol}, false)
	if err != nil {
		return nil, fmt.Errorf("fetching exchange info for %s: %w", symbol, err)
	}

	var resp struct {
		Symbols []struct {
			Symbol            string           `json:"symbol"`
			PricePrecision    int              `json:"pricePrecision"`
			QuantityPrecision int              `json:"quantityPrecision"`
			Filters           []map[string]any `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing exchange info: %w", err)
	}
	if len(resp.Symbols) == 0 {
		return nil, fmt.Errorf("symbol %s not listed", symbol)
	}

	s := resp.Symbols[0]
	info := &SymbolInfo{
		Symbol:            s.Symbol,
		PricePrecision:    s.PricePrecision,
		QuantityPrecision: s.QuantityPrecision,
	}
	for _, f := range s.Filters {
		switch f["filterType"] {
		case "LOT_SIZE":
			info.Filters.MinQty = filterFloat(f, "minQty")
			info.Filters.MaxQty = filterFloat(f, "maxQty")
			info.Filters.StepSize = filterFloat(f, "stepSize")
		case "PRICE_FILTER":
			info.Filters.TickSize = filterFloat(f, "tickSize")
		case "MIN_NOTIONAL":
			info.Filters.MinNotional = filterFloat(f, "notional")
		case "PERCENT_PRICE":
			info.Filters.MultiplierUp = filterFloat(f, "multiplierUp")
			info.Filters.MultiplierDown = filterFloat(f, "multiplierDown")
		}
	}

	c.infoMu.Lock()
	c.symbolInfo[symbol] = info
	c.infoMu.Unlock()
	return info, nil
}

// ==================== ACCOUNT ====================

// ChangeLeverage sets leverage for a symbol and returns the value now
// in force.
func (c *BinanceClient) ChangeLeverage(ctx context.Context, symbol string, leverage int) (int, error) {
	params := map[string]string{
		"symbol":   symbol,
		"leverage": strconv.Itoa(leverage),
	}
	body, err := c.request(ctx, http.MethodPost, "/fapi/v1/leverage", params, true)
	if err != nil {
		return 0, err
	}

	var resp struct {
		Leverage int `json:"leverage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("parsing leverage response: %w", err)
	}
	return resp.Leverage, nil
}

// SetPositionMode switches between hedge and one-way mode. The venue
// rejects a no-op switch; that rejection is swallowed.
func (c *BinanceClient) SetPositionMode(ctx context.Context, hedge bool) error {
	params := map[string]string{
		"dualSidePosition": strconv.FormatBool(hedge),
	}
	_, err := c.request(ctx, http.MethodPost, "/fapi/v1/positionSide/dual", params, true)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && strings.Contains(strings.ToLower(apiErr.Message), "no need to change") {
			return nil
		}
		return fmt.Errorf("setting position mode: %w", err)
	}
	return nil
}

// GetAccountBalance returns the available USDT balance.
func (c *BinanceClient) GetAccountBalance(ctx context.Context) (float64, error) {
	body, err := c.request(ctx, http.MethodGet, "/fapi/v2/balance", nil, true)
	if err != nil {
		return 0, fmt.Errorf("fetching balance: %w", err)
	}

	var assets []struct {
		Asset            string `json:"asset"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := json.Unmarshal(body, &assets); err != nil {
		return 0, fmt.Errorf("parsing balance: %w", err)
	}
	for _, a := range assets {
		if a.Asset == "USDT" {
			return parsePositive(a.AvailableBalance, 0), nil
		}
	}
	return 0, nil
}

// GetPositions lists all non-flat hedge-mode positions.
func (c *BinanceClient) GetPositions(ctx context.Context) ([]Position, error) {
	body, err := c.request(ctx, http.MethodGet, "/fapi/v2/positionRisk", nil, true)
	if err != nil {
		return nil, fmt.Errorf("fetching positions: %w", err)
	}

	var raw []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		MarkPrice        string `json:"markPrice"`
		UnRealizedProfit string `json:"unRealizedProfit"`
		Leverage         string `json:"leverage"`
		PositionSide     string `json:"positionSide"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing positions: %w", err)
	}

	positions := make([]Position, 0, len(raw))
	for _, p := range raw {
		amt, _ := strconv.ParseFloat(p.PositionAmt, 64)
		if amt == 0 {
			continue
		}
		lev, _ := strconv.Atoi(p.Leverage)
		positions = append(positions, Position{
			Symbol:        p.Symbol,
			PositionSide:  model.PositionSide(p.PositionSide),
			Quantity:      math.Abs(amt),
			EntryPrice:    parsePositive(p.EntryPrice, 0),
			MarkPrice:     parsePositive(p.MarkPrice, 0),
			UnrealizedPnl: parseSigned(p.UnRealizedProfit),
			Leverage:      lev,
		})
	}
	return positions, nil
}

// ==================== HTTP ====================

// request performs one venue call with signing, bounded retries and
// exponential backoff. The timestamp is refreshed per attempt so
// retries never reuse a stale signature.
func (c *BinanceClient) request(ctx context.Context, method, endpoint string, params map[string]string, signed bool) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt - 1)
			c.logger.Warn().
				Str("endpoint", endpoint).
				Int("attempt", attempt).
				Dur("delay", delay).
				Err(lastErr).
				Msg("retrying venue call")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		body, err := c.do(ctx, method, endpoint, params, signed)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !IsTransient(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *BinanceClient) do(ctx context.Context, method, endpoint string, params map[string]string, signed bool) ([]byte, error) {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	if signed {
		values.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		values.Set("recvWindow", "10000")
	}
	query := values.Encode()
	if signed {
		query = query + "&signature=" + c.sign(query)
	}

	reqURL := c.baseURL + endpoint
	if query != "" {
		reqURL = reqURL + "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, err
	}
	if signed {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseVenueError(resp.StatusCode, body)
	}
	return body, nil
}

// sign creates the HMAC-SHA256 signature over the query string.
func (c *BinanceClient) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// parseVenueError converts a non-200 body into an *APIError when it
// parses, otherwise a plain error that classifies as transient for
// 5xx.
func parseVenueError(statusCode int, body []byte) error {
	var apiErr APIError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Code != 0 {
		return &apiErr
	}
	if statusCode >= 500 || statusCode == http.StatusTooManyRequests {
		return fmt.Errorf("venue status %d: %s", statusCode, string(body))
	}
	return &APIError{Code: int64(-statusCode), Message: string(body)}
}

// retryDelay returns exponential backoff with ±25% jitter.
func retryDelay(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 2))
	return delay + jitter - delay/4
}

// ==================== MAPPING ====================

func venueOrderType(t model.OrderType) (string, bool) {
	switch t {
	case model.OrderTypeMarket:
		return "MARKET", true
	case model.OrderTypeLimit:
		return "LIMIT", true
	case model.OrderTypeStop:
		return "STOP_MARKET", true
	case model.OrderTypeStopLimit:
		return "STOP", true
	case model.OrderTypeTakeProfit:
		return "TAKE_PROFIT_MARKET", true
	case model.OrderTypeTakeProfitLimit:
		return "TAKE_PROFIT", true
	default:
		return "", false
	}
}

func engineOrderType(venueType string) model.OrderType {
	switch venueType {
	case "MARKET":
		return model.OrderTypeMarket
	case "LIMIT":
		return model.OrderTypeLimit
	case "STOP_MARKET":
		return model.OrderTypeStop
	case "STOP":
		return model.OrderTypeStopLimit
	case "TAKE_PROFIT_MARKET":
		return model.OrderTypeTakeProfit
	case "TAKE_PROFIT":
		return model.OrderTypeTakeProfitLimit
	default:
		return model.OrderType(venueType)
	}
}

func venueOrderStatus(s string) model.OrderStatus {
	switch s {
	case "NEW":
		return model.StatusPending
	case "PARTIALLY_FILLED":
		return model.StatusPartial
	case "FILLED":
		return model.StatusFilled
	case "CANCELED", "EXPIRED":
		return model.StatusCancelled
	case "REJECTED":
		return model.StatusRejected
	default:
		return model.StatusPending
	}
}

func parsePositive(s string, fallback float64) float64 {
	if v, err := strconv.ParseFloat(s, 64); err == nil && v > 0 {
		return v
	}
	return fallback
}

func parseSigned(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func filterFloat(filter map[string]any, key string) float64 {
	switch v := filter[key].(type) {
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	case float64:
		return v
	default:
		return 0
	}
}
