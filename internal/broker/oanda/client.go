// Package oanda adapts OANDA's v20 REST and streaming APIs to the broker
// gateway contract.
package oanda

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"fxcore/internal/broker"
	"fxcore/internal/config"
	"fxcore/internal/logger"
	"fxcore/internal/market"
	"fxcore/internal/pkg/circuit"
)

const (
	practiceAPIURL    = "https://api-fxpractice.oanda.com"
	practiceStreamURL = "https://stream-fxpractice.oanda.com"
	liveAPIURL        = "https://api-fxtrade.oanda.com"
	liveStreamURL     = "https://stream-fxtrade.oanda.com"
)

// Client implements broker.Gateway against OANDA v20. The idempotency key
// rides as the client order extension ID, so a resubmitted intent is rejected
// by the venue instead of double-filling.
type Client struct {
	apiURL     string
	streamURL  string
	token      string
	accountID  string
	httpClient *http.Client
	streamHTTP *http.Client
	catalog    *market.Catalog
	breaker    *circuit.Breaker
}

func NewClient(cfg config.OandaConfig, catalog *market.Catalog) (*Client, error) {
	token := strings.TrimSpace(cfg.APIToken)
	if token == "" {
		return nil, fmt.Errorf("oanda: api_token cannot be empty")
	}
	account := strings.TrimSpace(cfg.AccountID)
	if account == "" {
		return nil, fmt.Errorf("oanda: account_id cannot be empty")
	}

	var apiURL, streamURL string
	switch strings.ToLower(strings.TrimSpace(cfg.Environment)) {
	case "", "practice", "demo":
		apiURL, streamURL = practiceAPIURL, practiceStreamURL
	case "live":
		apiURL, streamURL = liveAPIURL, liveStreamURL
	default:
		return nil, fmt.Errorf("oanda: unknown environment %q (want practice|live)", cfg.Environment)
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	streamTimeout := time.Duration(cfg.StreamTimeoutSeconds) * time.Second
	if streamTimeout <= 0 {
		streamTimeout = 0 // the stream body is long lived; only dialing is bounded
	}

	return &Client{
		apiURL:     apiURL,
		streamURL:  streamURL,
		token:      token,
		accountID:  account,
		httpClient: &http.Client{Timeout: timeout},
		streamHTTP: &http.Client{Timeout: streamTimeout},
		catalog:    catalog,
		breaker:    circuit.NewBreaker("oanda", 5, 30*time.Second),
	}, nil
}

// SetHTTPClient sets the HTTP client for testing.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
	c.streamHTTP = client
}

// SetBaseURLs overrides the API endpoints for testing.
func (c *Client) SetBaseURLs(api, stream string) {
	c.apiURL = api
	c.streamURL = stream
}

// SetBreakerHandler forwards circuit state transitions, e.g. to the alert
// sink.
func (c *Client) SetBreakerHandler(fn func(name string, from, to circuit.State)) {
	c.breaker.SetStateChangeHandler(fn)
}

func (c *Client) Name() string { return "oanda" }

type orderRequest struct {
	Order orderBody `json:"order"`
}

type orderBody struct {
	Type             string            `json:"type"`
	Instrument       string            `json:"instrument"`
	Units            string            `json:"units"`
	TimeInForce      string            `json:"timeInForce"`
	PositionFill     string            `json:"positionFill"`
	StopLossOnFill   *priceDetail      `json:"stopLossOnFill,omitempty"`
	TakeProfitOnFill *priceDetail      `json:"takeProfitOnFill,omitempty"`
	ClientExtensions *clientExtensions `json:"clientExtensions,omitempty"`
}

type priceDetail struct {
	Price string `json:"price"`
}

type clientExtensions struct {
	ID string `json:"id"`
}

// SubmitOrder places a FOK market order with the stop and target attached to
// the fill, so a filled trade is never naked.
func (c *Client) SubmitOrder(ctx context.Context, intent broker.OrderIntent) (*broker.OrderAck, error) {
	if intent.Units == 0 {
		return nil, broker.NewError(broker.Rejected, "oanda", "ZERO_UNITS", "intent has zero units", nil)
	}
	inst := c.catalog.Lookup(intent.Instrument)

	body := orderRequest{Order: orderBody{
		Type:         "MARKET",
		Instrument:   intent.Instrument,
		Units:        strconv.FormatInt(intent.Units, 10),
		TimeInForce:  "FOK",
		PositionFill: "DEFAULT",
	}}
	if intent.StopLoss > 0 {
		body.Order.StopLossOnFill = &priceDetail{Price: formatPrice(inst, intent.StopLoss)}
	}
	if intent.TakeProfit > 0 {
		body.Order.TakeProfitOnFill = &priceDetail{Price: formatPrice(inst, intent.TakeProfit)}
	}
	if intent.IdempotencyKey != "" {
		body.Order.ClientExtensions = &clientExtensions{ID: intent.IdempotencyKey}
	}

	raw, err := c.doRequest(ctx, http.MethodPost, fmt.Sprintf("/v3/accounts/%s/orders", c.accountID), body)
	if err != nil {
		return nil, err
	}
	return c.parseOrderResponse(intent, raw)
}

func (c *Client) parseOrderResponse(intent broker.OrderIntent, raw []byte) (*broker.OrderAck, error) {
	fill := gjson.GetBytes(raw, "orderFillTransaction")
	if !fill.Exists() {
		if cancel := gjson.GetBytes(raw, "orderCancelTransaction"); cancel.Exists() {
			reason := cancel.Get("reason").String()
			return nil, broker.NewError(broker.Rejected, "oanda", reason,
				fmt.Sprintf("order cancelled by venue: %s", reason), nil)
		}
		if reject := gjson.GetBytes(raw, "orderRejectTransaction"); reject.Exists() {
			reason := reject.Get("rejectReason").String()
			return nil, broker.NewError(broker.Rejected, "oanda", reason,
				fmt.Sprintf("order rejected by venue: %s", reason), nil)
		}
		return nil, broker.NewError(broker.Transient, "oanda", "NO_FILL_TRANSACTION",
			"response carries no fill, cancel or reject transaction", nil)
	}

	filledAt, _ := time.Parse(time.RFC3339Nano, fill.Get("time").String())
	units := fill.Get("units").Int()
	if units == 0 {
		units = intent.Units
	}
	return &broker.OrderAck{
		OrderID:    fill.Get("orderID").String(),
		TradeID:    fill.Get("tradeOpened.tradeID").String(),
		Instrument: intent.Instrument,
		Units:      units,
		FillPrice:  fill.Get("price").Float(),
		FilledAt:   filledAt,
	}, nil
}

// CancelOrder cancels a pending order by venue order ID.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if strings.TrimSpace(orderID) == "" {
		return fmt.Errorf("oanda: order id cannot be empty")
	}
	_, err := c.doRequest(ctx, http.MethodPut,
		fmt.Sprintf("/v3/accounts/%s/orders/%s/cancel", c.accountID, url.PathEscape(orderID)), nil)
	return err
}

// GetOpenPositions returns the venue's open positions, netted per instrument
// the way OANDA reports them (long and short sides, one of which is zero).
func (c *Client) GetOpenPositions(ctx context.Context) ([]broker.Position, error) {
	raw, err := c.doRequest(ctx, http.MethodGet,
		fmt.Sprintf("/v3/accounts/%s/openPositions", c.accountID), nil)
	if err != nil {
		return nil, err
	}

	var out []broker.Position
	gjson.GetBytes(raw, "positions").ForEach(func(_, p gjson.Result) bool {
		longUnits := p.Get("long.units").Int()
		shortUnits := p.Get("short.units").Int()
		units := longUnits + shortUnits
		if units == 0 {
			return true
		}
		side := "long"
		if units < 0 {
			side = "short"
		}
		out = append(out, broker.Position{
			Instrument:    p.Get("instrument").String(),
			Units:         units,
			AvgPrice:      p.Get(side + ".averagePrice").Float(),
			UnrealizedPnL: p.Get("unrealizedPL").Float(),
		})
		return true
	})
	return out, nil
}

// AccountEquity reads the account NAV from the summary endpoint.
func (c *Client) AccountEquity(ctx context.Context) (float64, error) {
	raw, err := c.doRequest(ctx, http.MethodGet,
		fmt.Sprintf("/v3/accounts/%s/summary", c.accountID), nil)
	if err != nil {
		return 0, err
	}
	nav := gjson.GetBytes(raw, "account.NAV").Float()
	if nav <= 0 {
		nav = gjson.GetBytes(raw, "account.balance").Float()
	}
	return nav, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, payload any) ([]byte, error) {
	if !c.breaker.Allow() {
		return nil, broker.NewError(broker.Transient, "oanda", "CIRCUIT_OPEN", "circuit breaker open", circuit.ErrOpen)
	}
	raw, err := c.do(ctx, method, path, payload)
	if err != nil {
		// Venue rejections are healthy responses; only transport and server
		// faults count against the breaker.
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
			return nil, fmt.Errorf("oanda: marshaling request failed: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("oanda: building request failed: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, broker.NewError(broker.Transient, "oanda", "TRANSPORT", "request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, broker.NewError(broker.Transient, "oanda", "READ_BODY", "reading response failed", err)
	}
	if resp.StatusCode >= 300 {
		return nil, classifyResponse(resp.StatusCode, raw)
	}
	return raw, nil
}

// classifyResponse maps an OANDA error body onto the error taxonomy. The
// HTTP status decides the class; errorCode/errorMessage give the detail.
func classifyResponse(status int, raw []byte) error {
	code := gjson.GetBytes(raw, "errorCode").String()
	msg := gjson.GetBytes(raw, "errorMessage").String()
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
		if len(msg) > 200 {
			msg = msg[:200]
		}
	}
	if code == "" {
		code = strconv.Itoa(status)
	}
	class := broker.ClassifyHTTPStatus(status)
	logger.Debugf("oanda: http %d class=%s code=%s", status, class, code)
	return broker.NewError(class, "oanda", code, msg, nil)
}

// formatPrice renders a price at the instrument's quote precision: one digit
// finer than the pip.
func formatPrice(inst market.Instrument, price float64) string {
	decimals := 5
	if inst.PipSize >= 0.01 {
		decimals = 3
	}
	return strconv.FormatFloat(price, 'f', decimals, 64)
}
