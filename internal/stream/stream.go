// Package stream consumes the venue user-data websocket. Fill notices
// arrive here seconds before the polling OCO monitor would infer them
// from the open-orders listing, so the engine reacts on the fast path
// and keeps the poller as the fallback.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"tradeengine/internal/model"
)

const (
	// ProductionWSBaseURL is the futures user-data websocket endpoint.
	ProductionWSBaseURL = "wss://fstream.binance.com"
	// TestnetWSBaseURL is the testnet endpoint.
	TestnetWSBaseURL = "wss://stream.binancefuture.com"

	productionRESTBaseURL = "https://fapi.binance.com"
	testnetRESTBaseURL    = "https://testnet.binancefuture.com"

	listenKeyEndpoint = "/fapi/v1/listenKey"
)

// Config tunes the stream consumer.
type Config struct {
	Enabled     bool   `json:"enabled"`
	Testnet     bool   `json:"testnet"`
	APIKey      string `json:"-"`
	WSBaseURL   string `json:"ws_base_url,omitempty"`   // overrides testnet switch
	RESTBaseURL string `json:"rest_base_url,omitempty"` // overrides testnet switch
	// KeepAliveInterval refreshes the listen key; the venue expires
	// keys idle for 60 minutes.
	KeepAliveInterval time.Duration `json:"-"`
	// ReconnectDelay paces reconnection attempts.
	ReconnectDelay time.Duration `json:"-"`
}

func (c *Config) applyDefaults() {
	if c.WSBaseURL == "" {
		c.WSBaseURL = ProductionWSBaseURL
		if c.Testnet {
			c.WSBaseURL = TestnetWSBaseURL
		}
	}
	if c.RESTBaseURL == "" {
		c.RESTBaseURL = productionRESTBaseURL
		if c.Testnet {
			c.RESTBaseURL = testnetRESTBaseURL
		}
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 30 * time.Minute
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 3 * time.Second
	}
}

// OrderUpdate is one decoded ORDER_TRADE_UPDATE event.
type OrderUpdate struct {
	Symbol        string
	OrderID       string
	ClientOrderID string
	Status        model.OrderStatus
	Side          model.OrderSide
	PositionSide  model.PositionSide
	AvgPrice      float64
	FilledQty     float64
	ReduceOnly    bool
	RealizedPnl   float64
}

// FillHandler receives every terminal fill the stream observes.
type FillHandler func(ctx context.Context, update OrderUpdate)

// Consumer owns the websocket connection, the listen-key lease and the
// reconnect loop.
type Consumer struct {
	cfg        Config
	log        zerolog.Logger
	httpClient *http.Client

	mu        sync.Mutex
	conn      *websocket.Conn
	listenKey string
	onFill    []FillHandler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, logger zerolog.Logger) *Consumer {
	cfg.applyDefaults()
	return &Consumer{
		cfg:        cfg,
		log:        logger.With().Str("component", "UserDataStream").Logger(),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// OnFill registers a handler for filled orders. Register before Start.
func (c *Consumer) OnFill(fn FillHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFill = append(c.onFill, fn)
}

// Start obtains a listen key and launches the read and keepalive
// loops. Disabled consumers start as a no-op.
func (c *Consumer) Start(ctx context.Context) error {
	if !c.cfg.Enabled {
		c.log.Info().Msg("User data stream disabled")
		return nil
	}

	key, err := c.requestListenKey(ctx, http.MethodPost)
	if err != nil {
		return fmt.Errorf("obtain listen key: %w", err)
	}
	c.mu.Lock()
	c.listenKey = key
	c.mu.Unlock()

	cctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(2)
	go c.connectLoop(cctx)
	go c.keepAliveLoop(cctx)

	c.log.Info().Str("ws_url", c.cfg.WSBaseURL).Msg("User data stream started")
	return nil
}

// Stop tears down the connection and releases the listen key.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	key := c.listenKey
	c.mu.Unlock()
	c.wg.Wait()

	if key != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := c.requestListenKey(ctx, http.MethodDelete); err != nil {
			c.log.Debug().Err(err).Msg("Listen key release failed")
		}
	}
	c.log.Info().Msg("User data stream stopped")
}

// connectLoop dials and reads until cancelled, reconnecting on loss.
func (c *Consumer) connectLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		wsURL := c.cfg.WSBaseURL + "/ws/" + c.listenKey
		c.mu.Unlock()

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			c.log.Warn().Err(err).Dur("retry_in", c.cfg.ReconnectDelay).Msg("Stream connect failed")
			if !sleepCtx(ctx, c.cfg.ReconnectDelay) {
				return
			}
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.log.Info().Msg("Stream connected")

		c.readLoop(ctx, conn)
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		c.log.Warn().Dur("retry_in", c.cfg.ReconnectDelay).Msg("Stream connection lost")
		if !sleepCtx(ctx, c.cfg.ReconnectDelay) {
			return
		}
	}
}

func (c *Consumer) readLoop(ctx context.Context, conn *websocket.Conn) {
	// Close unblocks ReadMessage when ctx ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleMessage(ctx, message)
	}
}

// orderTradeUpdate mirrors the venue's ORDER_TRADE_UPDATE payload. The
// single-letter keys are the venue's, not ours.
type orderTradeUpdate struct {
	EventType string `json:"e"`
	Order     struct {
		Symbol        string  `json:"s"`
		ClientOrderID string  `json:"c"`
		Side          string  `json:"S"`
		Status        string  `json:"X"`
		OrderID       int64   `json:"i"`
		AvgPrice      float64 `json:"ap,string"`
		FilledQty     float64 `json:"z,string"`
		LastFillPrice float64 `json:"L,string"`
		ReduceOnly    bool    `json:"R"`
		PositionSide  string  `json:"ps"`
		RealizedPnl   float64 `json:"rp,string"`
	} `json:"o"`
}

func (c *Consumer) handleMessage(ctx context.Context, message []byte) {
	var envelope struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(message, &envelope); err != nil {
		return
	}
	if envelope.EventType != "ORDER_TRADE_UPDATE" {
		return
	}

	var event orderTradeUpdate
	if err := json.Unmarshal(message, &event); err != nil {
		c.log.Debug().Err(err).Msg("Undecodable order update")
		return
	}
	if event.Order.Status != "FILLED" {
		return
	}

	update := OrderUpdate{
		Symbol:        event.Order.Symbol,
		OrderID:       fmt.Sprintf("%d", event.Order.OrderID),
		ClientOrderID: event.Order.ClientOrderID,
		Status:        model.StatusFilled,
		Side:          model.OrderSide(event.Order.Side),
		PositionSide:  model.PositionSide(event.Order.PositionSide),
		AvgPrice:      event.Order.AvgPrice,
		FilledQty:     event.Order.FilledQty,
		ReduceOnly:    event.Order.ReduceOnly,
		RealizedPnl:   event.Order.RealizedPnl,
	}
	if update.AvgPrice <= 0 {
		update.AvgPrice = event.Order.LastFillPrice
	}

	c.log.Debug().
		Str("symbol", update.Symbol).
		Str("order_id", update.OrderID).
		Str("client_order_id", update.ClientOrderID).
		Float64("avg_price", update.AvgPrice).
		Msg("Fill observed on stream")

	c.mu.Lock()
	handlers := make([]FillHandler, len(c.onFill))
	copy(handlers, c.onFill)
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(ctx, update)
	}
}

// keepAliveLoop refreshes the listen key lease.
func (c *Consumer) keepAliveLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.requestListenKey(ctx, http.MethodPut); err != nil {
				c.log.Warn().Err(err).Msg("Listen key keepalive failed")
			}
		}
	}
}

// requestListenKey hits the listen-key endpoint. POST mints a key, PUT
// extends it, DELETE releases it.
func (c *Consumer) requestListenKey(ctx context.Context, method string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.RESTBaseURL+listenKeyEndpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("listen key %s: status %d: %s", method, resp.StatusCode, body)
	}
	if method != http.MethodPost {
		return "", nil
	}

	var payload struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("decode listen key response: %w", err)
	}
	if payload.ListenKey == "" {
		return "", fmt.Errorf("venue returned empty listen key")
	}
	return payload.ListenKey, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
