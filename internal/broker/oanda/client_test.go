package oanda

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"fxcore/internal/broker"
	"fxcore/internal/config"
	"fxcore/internal/market"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	catalog := market.NewCatalog()
	require.NoError(t, catalog.Register(market.Instrument{Name: "USD_JPY", PipSize: 0.01, MinUnits: 1}))
	require.NoError(t, catalog.Register(market.Instrument{Name: "EUR_USD", PipSize: 0.0001, MinUnits: 1}))

	c, err := NewClient(config.OandaConfig{
		Environment: "practice",
		APIToken:    "test-token",
		AccountID:   "001-001-1234567-001",
	}, catalog)
	require.NoError(t, err)
	c.SetBaseURLs(srv.URL, srv.URL)
	return c, srv
}

func TestSubmitOrderPayload(t *testing.T) {
	var captured []byte
	var auth string
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/accounts/001-001-1234567-001/orders", r.URL.Path)
		auth = r.Header.Get("Authorization")
		captured, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"orderFillTransaction":{"orderID":"42","price":"130.502","units":"10000",
			"time":"2024-03-01T12:00:00.000000000Z","tradeOpened":{"tradeID":"101"}}}`)
	}))

	ack, err := c.SubmitOrder(context.Background(), broker.OrderIntent{
		Instrument:     "USD_JPY",
		Units:          10000,
		StopLoss:       129.90,
		TakeProfit:     131.40,
		IdempotencyKey: "abcd1234",
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer test-token", auth)
	body := gjson.ParseBytes(captured)
	assert.Equal(t, "MARKET", body.Get("order.type").String())
	assert.Equal(t, "USD_JPY", body.Get("order.instrument").String())
	assert.Equal(t, "10000", body.Get("order.units").String())
	assert.Equal(t, "FOK", body.Get("order.timeInForce").String())
	assert.Equal(t, "DEFAULT", body.Get("order.positionFill").String())
	assert.Equal(t, "129.900", body.Get("order.stopLossOnFill.price").String())
	assert.Equal(t, "131.400", body.Get("order.takeProfitOnFill.price").String())
	assert.Equal(t, "abcd1234", body.Get("order.clientExtensions.id").String())

	assert.Equal(t, "42", ack.OrderID)
	assert.Equal(t, "101", ack.TradeID)
	assert.Equal(t, int64(10000), ack.Units)
	assert.InDelta(t, 130.502, ack.FillPrice, 1e-9)
}

func TestSubmitOrderCancelledByVenue(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"orderCancelTransaction":{"reason":"INSUFFICIENT_MARGIN"}}`)
	}))

	_, err := c.SubmitOrder(context.Background(), broker.OrderIntent{Instrument: "EUR_USD", Units: 1000})
	require.Error(t, err)
	assert.True(t, broker.IsRejected(err))
	var be *broker.Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "INSUFFICIENT_MARGIN", be.Code)
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   broker.ErrorClass
	}{
		{"rate limited", http.StatusTooManyRequests, broker.Transient},
		{"server error", http.StatusBadGateway, broker.Transient},
		{"bad request", http.StatusBadRequest, broker.Rejected},
		{"bad token", http.StatusUnauthorized, broker.Fatal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				io.WriteString(w, `{"errorCode":"E","errorMessage":"boom"}`)
			}))
			_, err := c.SubmitOrder(context.Background(), broker.OrderIntent{Instrument: "EUR_USD", Units: 1000})
			require.Error(t, err)
			assert.Equal(t, tc.want, broker.ClassOf(err))
		})
	}
}

func TestGetOpenPositionsNetting(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/accounts/001-001-1234567-001/openPositions", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"positions": []map[string]any{
				{
					"instrument":   "EUR_USD",
					"unrealizedPL": "12.5",
					"long":         map[string]any{"units": "10000", "averagePrice": "1.0850"},
					"short":        map[string]any{"units": "0"},
				},
				{
					"instrument":   "USD_JPY",
					"unrealizedPL": "-3.1",
					"long":         map[string]any{"units": "0"},
					"short":        map[string]any{"units": "-5000", "averagePrice": "130.20"},
				},
			},
		})
	}))

	positions, err := c.GetOpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 2)

	assert.Equal(t, int64(10000), positions[0].Units)
	assert.InDelta(t, 1.0850, positions[0].AvgPrice, 1e-9)
	assert.Equal(t, int64(-5000), positions[1].Units)
	assert.InDelta(t, 130.20, positions[1].AvgPrice, 1e-9)
}

func TestParseTick(t *testing.T) {
	tick, ok := parseTick(`{"type":"PRICE","instrument":"EUR_USD","time":"2024-03-01T12:00:00.123456789Z",` +
		`"bids":[{"price":"1.08500"}],"asks":[{"price":"1.08512"}]}`)
	require.True(t, ok)
	assert.Equal(t, "EUR_USD", tick.Instrument)
	assert.InDelta(t, 1.08500, tick.Bid, 1e-9)
	assert.InDelta(t, 1.08512, tick.Ask, 1e-9)
	assert.Equal(t, 123456789, tick.Time.Nanosecond())

	_, ok = parseTick(`{"type":"HEARTBEAT","time":"2024-03-01T12:00:00Z"}`)
	assert.False(t, ok)

	_, ok = parseTick(`{"type":"PRICE","instrument":"EUR_USD","bids":[],"asks":[]}`)
	assert.False(t, ok)
}

func TestFormatPrice(t *testing.T) {
	jpy := market.Instrument{Name: "USD_JPY", PipSize: 0.01}
	eur := market.Instrument{Name: "EUR_USD", PipSize: 0.0001}
	assert.Equal(t, "129.900", formatPrice(jpy, 129.9))
	assert.Equal(t, "1.08500", formatPrice(eur, 1.085))
}
