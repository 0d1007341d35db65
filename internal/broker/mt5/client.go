// Package mt5 adapts a MetaTrader 5 REST bridge to the broker gateway
// contract. MT5 has no client order IDs, so idempotency is enforced with a
// local submission journal consulted before every submit.
package mt5

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"fxcore/internal/broker"
	"fxcore/internal/config"
	"fxcore/internal/logger"
	"fxcore/internal/market"
	"fxcore/internal/pkg/circuit"
)

// unitsPerLot is the standard FX contract size the bridge expects volumes in.
const unitsPerLot = 100000.0

// Journal is the local submission log. Lookup must return true for any key
// that was ever handed to the bridge, even if the process restarted since.
// Remove releases a key whose submission the bridge definitively did not
// execute, so the same intent can be retried.
type Journal interface {
	Lookup(key string) (orderID string, ok bool)
	Record(key, orderID string) error
	Remove(key string) error
}

// Client implements broker.Gateway against an MT5 bridge service.
type Client struct {
	bridgeURL  string
	login      int64
	password   string
	server     string
	httpClient *http.Client
	catalog    *market.Catalog
	journal    Journal
	breaker    *circuit.Breaker

	mu        sync.Mutex
	connected bool
}

func NewClient(cfg config.MT5Config, catalog *market.Catalog, journal Journal) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BridgeURL), "/")
	if base == "" {
		return nil, fmt.Errorf("mt5: bridge_url cannot be empty")
	}
	if journal == nil {
		return nil, fmt.Errorf("mt5: a submission journal is required")
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		bridgeURL:  base,
		login:      cfg.Login,
		password:   cfg.Password,
		server:     cfg.Server,
		httpClient: &http.Client{Timeout: timeout},
		catalog:    catalog,
		journal:    journal,
		breaker:    circuit.NewBreaker("mt5", 5, 30*time.Second),
	}, nil
}

// SetHTTPClient sets the HTTP client for testing.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// SetBreakerHandler forwards circuit state transitions, e.g. to the alert
// sink.
func (c *Client) SetBreakerHandler(fn func(name string, from, to circuit.State)) {
	c.breaker.SetStateChangeHandler(fn)
}

func (c *Client) Name() string { return "mt5" }

// ensureConnected performs the bridge login handshake once per process.
func (c *Client) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}
	payload := map[string]any{
		"login":    c.login,
		"password": c.password,
		"server":   c.server,
	}
	raw, err := c.doRequest(ctx, http.MethodPost, "/login", payload)
	if err != nil {
		return err
	}
	if !gjson.GetBytes(raw, "connected").Bool() {
		return broker.NewError(broker.Fatal, "mt5", "LOGIN_FAILED",
			gjson.GetBytes(raw, "message").String(), nil)
	}
	c.connected = true
	logger.Infof("mt5: bridge session established (server=%s)", c.server)
	return nil
}

type orderSendRequest struct {
	Action   string  `json:"action"`
	Symbol   string  `json:"symbol"`
	Volume   float64 `json:"volume"`
	Type     string  `json:"type"`
	SL       float64 `json:"sl,omitempty"`
	TP       float64 `json:"tp,omitempty"`
	Filling  string  `json:"type_filling"`
	Comment  string  `json:"comment,omitempty"`
	Deviaton int     `json:"deviation"`
}

// SubmitOrder sends a market deal through the bridge. The journal is checked
// first: a key that was ever dispatched is refused locally so a retry after a
// lost response cannot double-fill. The key is claimed only once the request
// is built and the breaker admits it; local failures never poison it.
func (c *Client) SubmitOrder(ctx context.Context, intent broker.OrderIntent) (*broker.OrderAck, error) {
	if intent.Units == 0 {
		return nil, broker.NewError(broker.Rejected, "mt5", "ZERO_UNITS", "intent has zero units", nil)
	}
	if orderID, seen := c.journal.Lookup(intent.IdempotencyKey); seen {
		if orderID == "" {
			// Dispatched earlier with the outcome lost; only a reconcile
			// against the venue can tell whether it filled.
			return nil, broker.NewError(broker.Fatal, "mt5", "SUBMIT_UNCONFIRMED",
				"prior submission outcome unknown, reconcile before retrying", nil)
		}
		return nil, broker.NewError(broker.Rejected, "mt5", "DUPLICATE_SUBMISSION",
			fmt.Sprintf("key already filled as order %s", orderID), nil)
	}
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}

	side := "BUY"
	volume := float64(intent.Units) / unitsPerLot
	if intent.Units < 0 {
		side = "SELL"
		volume = -volume
	}
	req := orderSendRequest{
		Action:   "DEAL",
		Symbol:   bridgeSymbol(intent.Instrument),
		Volume:   volume,
		Type:     side,
		SL:       intent.StopLoss,
		TP:       intent.TakeProfit,
		Filling:  "IOC",
		Comment:  intent.IdempotencyKey,
		Deviaton: 10,
	}
	if !c.breaker.Allow() {
		return nil, broker.NewError(broker.Transient, "mt5", "CIRCUIT_OPEN", "circuit breaker open", circuit.ErrOpen)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("mt5: marshaling order failed: %w", err)
	}

	// Recorded before the wire call: if the response is lost we must assume
	// the venue may have filled it.
	if err := c.journal.Record(intent.IdempotencyKey, ""); err != nil {
		return nil, fmt.Errorf("mt5: recording submission failed: %w", err)
	}

	raw, err := c.do(ctx, http.MethodPost, "/order_send", json.RawMessage(body))
	if err != nil {
		if broker.IsRejected(err) {
			// A definitive refusal from the bridge: nothing executed.
			c.breaker.RecordSuccess()
			if rmErr := c.journal.Remove(intent.IdempotencyKey); rmErr != nil {
				logger.Warnf("mt5: releasing journal key failed: %v", rmErr)
			}
			return nil, err
		}
		c.breaker.RecordFailure()
		// The bridge may have executed the deal anyway. The journaled key
		// blocks blind retries; reconciliation picks up any fill.
		return nil, broker.NewError(broker.Fatal, "mt5", "SUBMIT_UNCONFIRMED",
			"order_send outcome unknown", err)
	}
	c.breaker.RecordSuccess()
	return c.parseOrderResult(intent, raw)
}

func (c *Client) parseOrderResult(intent broker.OrderIntent, raw []byte) (*broker.OrderAck, error) {
	retcode := gjson.GetBytes(raw, "retcode").Int()
	if retcode != retcodeDone {
		// A definitive non-execution: release the key so the coordinator can
		// retry transient retcodes under the same idempotency key.
		if err := c.journal.Remove(intent.IdempotencyKey); err != nil {
			logger.Warnf("mt5: releasing journal key failed: %v", err)
		}
		return nil, classifyRetcode(retcode, gjson.GetBytes(raw, "comment").String())
	}
	orderID := gjson.GetBytes(raw, "order").String()
	if err := c.journal.Record(intent.IdempotencyKey, orderID); err != nil {
		logger.Warnf("mt5: updating journal with order %s failed: %v", orderID, err)
	}
	return &broker.OrderAck{
		OrderID:    orderID,
		TradeID:    gjson.GetBytes(raw, "deal").String(),
		Instrument: intent.Instrument,
		Units:      intent.Units,
		FillPrice:  gjson.GetBytes(raw, "price").Float(),
		FilledAt:   time.Now().UTC(),
	}, nil
}

// CancelOrder cancels a pending bridge order by ticket.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if strings.TrimSpace(orderID) == "" {
		return fmt.Errorf("mt5: order id cannot be empty")
	}
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}
	_, err := c.doRequest(ctx, http.MethodPost, "/order_cancel", map[string]any{"order": orderID})
	return err
}

// GetOpenPositions maps the bridge's position list onto the gateway view.
// MT5 reports one ticket per deal; tickets on the same symbol are netted.
func (c *Client) GetOpenPositions(ctx context.Context) ([]broker.Position, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	raw, err := c.doRequest(ctx, http.MethodGet, "/positions_get", nil)
	if err != nil {
		return nil, err
	}

	byInstrument := make(map[string]*broker.Position)
	var order []string
	gjson.GetBytes(raw, "positions").ForEach(func(_, p gjson.Result) bool {
		instrument := coreSymbol(p.Get("symbol").String())
		units := int64(p.Get("volume").Float() * unitsPerLot)
		if p.Get("type").Int() == 1 { // 1 = sell
			units = -units
		}
		if units == 0 {
			return true
		}
		pos, ok := byInstrument[instrument]
		if !ok {
			pos = &broker.Position{Instrument: instrument}
			byInstrument[instrument] = pos
			order = append(order, instrument)
		}
		if pos.Units+units != 0 {
			pos.AvgPrice = netAvg(pos.Units, pos.AvgPrice, units, p.Get("price_open").Float())
		}
		pos.Units += units
		pos.UnrealizedPnL += p.Get("profit").Float()
		return true
	})

	out := make([]broker.Position, 0, len(order))
	for _, instrument := range order {
		if byInstrument[instrument].Units != 0 {
			out = append(out, *byInstrument[instrument])
		}
	}
	return out, nil
}

// AccountEquity reads equity from the bridge account endpoint.
func (c *Client) AccountEquity(ctx context.Context) (float64, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return 0, err
	}
	raw, err := c.doRequest(ctx, http.MethodGet, "/account_info", nil)
	if err != nil {
		return 0, err
	}
	return gjson.GetBytes(raw, "equity").Float(), nil
}

// StreamPrices polls the bridge tick endpoint; the bridge offers no push
// stream, so polling at a fixed cadence is the best available.
func (c *Client) StreamPrices(ctx context.Context, instruments []string, fn func(market.PriceTick)) error {
	if len(instruments) == 0 {
		return fmt.Errorf("mt5: no instruments to stream")
	}
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}
	last := make(map[string]time.Time, len(instruments))
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		for _, instrument := range instruments {
			raw, err := c.doRequest(ctx, http.MethodGet,
				"/symbol_info_tick?symbol="+bridgeSymbol(instrument), nil)
			if err != nil {
				logger.Warnf("mt5: tick poll %s failed: %v", instrument, err)
				continue
			}
			tick := market.PriceTick{
				Instrument: instrument,
				Bid:        gjson.GetBytes(raw, "bid").Float(),
				Ask:        gjson.GetBytes(raw, "ask").Float(),
				Time:       time.UnixMilli(gjson.GetBytes(raw, "time_msc").Int()).UTC(),
			}
			if tick.Bid <= 0 || tick.Ask <= 0 {
				continue
			}
			if prev, seen := last[instrument]; seen && !tick.Time.After(prev) {
				continue
			}
			last[instrument] = tick.Time
			fn(tick)
		}
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, payload any) ([]byte, error) {
	if !c.breaker.Allow() {
		return nil, broker.NewError(broker.Transient, "mt5", "CIRCUIT_OPEN", "circuit breaker open", circuit.ErrOpen)
	}
	raw, err := c.do(ctx, method, path, payload)
	if err != nil {
		if broker.IsRejected(err) {
			c.breaker.RecordSuccess()
		} else {
			c.breaker.RecordFailure()
		}
		return nil, err
	}
	c.breaker.RecordSuccess()
	return raw, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("mt5: marshaling request failed: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.bridgeURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("mt5: building request failed: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, broker.NewError(broker.Transient, "mt5", "TRANSPORT", "bridge request failed", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, broker.NewError(broker.Transient, "mt5", "READ_BODY", "reading response failed", err)
	}
	if resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return nil, broker.NewError(broker.ClassifyHTTPStatus(resp.StatusCode), "mt5",
			fmt.Sprintf("HTTP_%d", resp.StatusCode), msg, nil)
	}
	return raw, nil
}

// bridgeSymbol strips the underscore convention: EUR_USD -> EURUSD.
func bridgeSymbol(instrument string) string {
	return strings.ReplaceAll(instrument, "_", "")
}

// coreSymbol restores the underscore convention for six-letter FX symbols.
func coreSymbol(symbol string) string {
	if len(symbol) == 6 && !strings.Contains(symbol, "_") {
		return symbol[:3] + "_" + symbol[3:]
	}
	return symbol
}

func netAvg(units int64, avg float64, addUnits int64, addPrice float64) float64 {
	a := float64(abs64(units))
	b := float64(abs64(addUnits))
	if a+b == 0 {
		return 0
	}
	return (a*avg + b*addPrice) / (a + b)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
