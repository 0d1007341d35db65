package mt5

import (
	"context"
	"encoding/json"
	"fmt"
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

type memJournal struct {
	entries map[string]string
}

func newMemJournal() *memJournal {
	return &memJournal{entries: make(map[string]string)}
}

func (j *memJournal) Lookup(key string) (string, bool) {
	id, ok := j.entries[key]
	return id, ok
}

func (j *memJournal) Record(key, orderID string) error {
	j.entries[key] = orderID
	return nil
}

func (j *memJournal) Remove(key string) error {
	delete(j.entries, key)
	return nil
}

func testBridge(t *testing.T, journal Journal, handler http.HandlerFunc) *Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"connected":true}`)
	})
	mux.HandleFunc("/", handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := NewClient(config.MT5Config{
		BridgeURL: srv.URL,
		Login:     123456,
		Password:  "pw",
		Server:    "Demo-Server",
	}, market.NewCatalog(), journal)
	require.NoError(t, err)
	return c
}

func TestSubmitOrderBridgePayload(t *testing.T) {
	journal := newMemJournal()
	var captured []byte
	c := testBridge(t, journal, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/order_send", r.URL.Path)
		captured, _ = io.ReadAll(r.Body)
		io.WriteString(w, `{"retcode":10009,"order":"55501","deal":"90001","price":1.08512}`)
	})

	ack, err := c.SubmitOrder(context.Background(), broker.OrderIntent{
		Instrument:     "EUR_USD",
		Units:          10000,
		StopLoss:       1.0750,
		TakeProfit:     1.0950,
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)

	body := gjson.ParseBytes(captured)
	assert.Equal(t, "DEAL", body.Get("action").String())
	assert.Equal(t, "EURUSD", body.Get("symbol").String())
	assert.InDelta(t, 0.1, body.Get("volume").Float(), 1e-9)
	assert.Equal(t, "BUY", body.Get("type").String())
	assert.Equal(t, "IOC", body.Get("type_filling").String())
	assert.Equal(t, "key-1", body.Get("comment").String())
	assert.Equal(t, int64(10), body.Get("deviation").Int())

	assert.Equal(t, "55501", ack.OrderID)
	assert.Equal(t, "90001", ack.TradeID)
	assert.InDelta(t, 1.08512, ack.FillPrice, 1e-9)

	// Journal carries the venue ticket after the fill.
	id, ok := journal.Lookup("key-1")
	require.True(t, ok)
	assert.Equal(t, "55501", id)
}

func TestSubmitOrderSellVolumePositive(t *testing.T) {
	var captured []byte
	c := testBridge(t, newMemJournal(), func(w http.ResponseWriter, r *http.Request) {
		captured, _ = io.ReadAll(r.Body)
		io.WriteString(w, `{"retcode":10009,"order":"1","price":130.20}`)
	})

	_, err := c.SubmitOrder(context.Background(), broker.OrderIntent{
		Instrument:     "USD_JPY",
		Units:          -50000,
		IdempotencyKey: "key-2",
	})
	require.NoError(t, err)

	body := gjson.ParseBytes(captured)
	assert.Equal(t, "SELL", body.Get("type").String())
	assert.InDelta(t, 0.5, body.Get("volume").Float(), 1e-9)
}

func TestSubmitOrderRefusesFilledKey(t *testing.T) {
	journal := newMemJournal()
	require.NoError(t, journal.Record("key-1", "55501"))

	called := false
	c := testBridge(t, journal, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	_, err := c.SubmitOrder(context.Background(), broker.OrderIntent{
		Instrument:     "EUR_USD",
		Units:          10000,
		IdempotencyKey: "key-1",
	})
	require.Error(t, err)
	assert.True(t, broker.IsRejected(err))
	assert.False(t, called, "duplicate key must never reach the bridge")
}

func TestSubmitOrderUnconfirmedKeyIsFatal(t *testing.T) {
	journal := newMemJournal()
	require.NoError(t, journal.Record("key-1", ""))

	called := false
	c := testBridge(t, journal, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	_, err := c.SubmitOrder(context.Background(), broker.OrderIntent{
		Instrument:     "EUR_USD",
		Units:          10000,
		IdempotencyKey: "key-1",
	})
	require.Error(t, err)
	assert.True(t, broker.IsFatal(err))
	assert.False(t, called)
}

func TestSubmitOrderLostResponseIsFatal(t *testing.T) {
	journal := newMemJournal()
	c := testBridge(t, journal, func(w http.ResponseWriter, r *http.Request) {
		// Bridge dies mid-request: response lost, fill state unknown.
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := c.SubmitOrder(context.Background(), broker.OrderIntent{
		Instrument:     "EUR_USD",
		Units:          10000,
		IdempotencyKey: "key-1",
	})
	require.Error(t, err)
	assert.True(t, broker.IsFatal(err), "unknown venue state must not be retried")

	// The key stays journaled, so a blind retry is refused until reconcile.
	_, ok := journal.Lookup("key-1")
	require.True(t, ok)
	_, err = c.SubmitOrder(context.Background(), broker.OrderIntent{
		Instrument:     "EUR_USD",
		Units:          10000,
		IdempotencyKey: "key-1",
	})
	require.Error(t, err)
	assert.True(t, broker.IsFatal(err))
}

func TestSubmitOrderTransientRetcodeReleasesKey(t *testing.T) {
	journal := newMemJournal()
	requoted := false
	c := testBridge(t, journal, func(w http.ResponseWriter, r *http.Request) {
		if !requoted {
			requoted = true
			io.WriteString(w, `{"retcode":10004,"comment":"Requote"}`)
			return
		}
		io.WriteString(w, `{"retcode":10009,"order":"77","price":1.0852}`)
	})

	intent := broker.OrderIntent{
		Instrument:     "EUR_USD",
		Units:          10000,
		IdempotencyKey: "key-1",
	}
	_, err := c.SubmitOrder(context.Background(), intent)
	require.Error(t, err)
	assert.Equal(t, broker.Transient, broker.ClassOf(err))

	// A confirmed non-execution releases the key; the same-key retry reaches
	// the bridge and fills.
	_, ok := journal.Lookup("key-1")
	require.False(t, ok)
	ack, err := c.SubmitOrder(context.Background(), intent)
	require.NoError(t, err)
	assert.Equal(t, "77", ack.OrderID)
}

func TestSubmitOrderRetcodeRejected(t *testing.T) {
	journal := newMemJournal()
	c := testBridge(t, journal, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"retcode":10019,"comment":"No money"}`)
	})

	_, err := c.SubmitOrder(context.Background(), broker.OrderIntent{
		Instrument:     "EUR_USD",
		Units:          10000,
		IdempotencyKey: "key-1",
	})
	require.Error(t, err)
	assert.True(t, broker.IsRejected(err))

	_, ok := journal.Lookup("key-1")
	assert.False(t, ok, "a confirmed rejection releases the key")
}

func TestSubmitOrderOpenBreakerSkipsJournal(t *testing.T) {
	journal := newMemJournal()
	c := testBridge(t, journal, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	// Five on-wire failures trip the breaker.
	for i := 0; i < 5; i++ {
		_, err := c.SubmitOrder(context.Background(), broker.OrderIntent{
			Instrument:     "EUR_USD",
			Units:          10000,
			IdempotencyKey: fmt.Sprintf("key-%d", i),
		})
		require.Error(t, err)
	}

	_, err := c.SubmitOrder(context.Background(), broker.OrderIntent{
		Instrument:     "EUR_USD",
		Units:          10000,
		IdempotencyKey: "key-shed",
	})
	require.Error(t, err)
	assert.Equal(t, broker.Transient, broker.ClassOf(err))

	// A shed request never touched the wire, so its key must stay clean.
	_, ok := journal.Lookup("key-shed")
	assert.False(t, ok)
}

func TestClassifyRetcode(t *testing.T) {
	cases := []struct {
		retcode int64
		want    broker.ErrorClass
	}{
		{retcodeRequote, broker.Transient},
		{retcodeTimeout, broker.Transient},
		{retcodePriceChanged, broker.Transient},
		{retcodeNoConnection, broker.Transient},
		{retcodeNoMoney, broker.Rejected},
		{retcodeMarketClosed, broker.Rejected},
		{retcodeInvalidVolume, broker.Rejected},
		{99999, broker.Rejected},
	}
	for _, tc := range cases {
		err := classifyRetcode(tc.retcode, "x")
		assert.Equal(t, tc.want, broker.ClassOf(err), "retcode %d", tc.retcode)
	}
}

func TestGetOpenPositionsNetsTickets(t *testing.T) {
	c := testBridge(t, newMemJournal(), func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/positions_get", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"positions": []map[string]any{
				{"symbol": "EURUSD", "volume": 0.1, "type": 0, "price_open": 1.0800, "profit": 5.0},
				{"symbol": "EURUSD", "volume": 0.1, "type": 0, "price_open": 1.0900, "profit": -2.0},
				{"symbol": "EURUSD", "volume": 0.05, "type": 1, "price_open": 1.0850, "profit": 1.0},
			},
		})
	})

	positions, err := c.GetOpenPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)

	assert.Equal(t, "EUR_USD", positions[0].Instrument)
	assert.Equal(t, int64(15000), positions[0].Units)
	assert.InDelta(t, 4.0, positions[0].UnrealizedPnL, 1e-9)
}

func TestGetOpenPositionsDropsFlatSymbols(t *testing.T) {
	c := testBridge(t, newMemJournal(), func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"positions": []map[string]any{
				{"symbol": "GBPUSD", "volume": 0.1, "type": 0, "price_open": 1.2700},
				{"symbol": "GBPUSD", "volume": 0.1, "type": 1, "price_open": 1.2710},
			},
		})
	})

	positions, err := c.GetOpenPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestSymbolMapping(t *testing.T) {
	assert.Equal(t, "EURUSD", bridgeSymbol("EUR_USD"))
	assert.Equal(t, "EUR_USD", coreSymbol("EURUSD"))
	assert.Equal(t, "XAU_USD", coreSymbol("XAU_USD")) // already mapped stays put
}
