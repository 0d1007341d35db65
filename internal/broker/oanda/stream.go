package oanda

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"fxcore/internal/logger"
	"fxcore/internal/market"
)

const (
	streamInitialBackoff = time.Second
	streamMaxBackoff     = 30 * time.Second
	// Stream messages can be long; bump the scanner's max token.
	streamMaxLine = 2 * 1024 * 1024
)

// StreamPrices consumes the newline-delimited pricing stream until ctx is
// done. Disconnects reconnect with exponential backoff; on resume, ticks at or
// before the last delivered timestamp per instrument are dropped so consumers
// never see a replay.
func (c *Client) StreamPrices(ctx context.Context, instruments []string, fn func(market.PriceTick)) error {
	if len(instruments) == 0 {
		return fmt.Errorf("oanda: no instruments to stream")
	}
	last := make(map[string]time.Time, len(instruments))
	backoff := streamInitialBackoff

	for {
		err := c.streamOnce(ctx, instruments, last, fn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warnf("oanda: pricing stream dropped: %v, reconnecting in %s", err, backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > streamMaxBackoff {
			backoff = streamMaxBackoff
		}
	}
}

func (c *Client) streamOnce(ctx context.Context, instruments []string, last map[string]time.Time, fn func(market.PriceTick)) error {
	u := fmt.Sprintf("%s/v3/accounts/%s/pricing/stream?instruments=%s",
		c.streamURL, c.accountID, url.QueryEscape(strings.Join(instruments, ",")))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.streamHTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classifyResponse(resp.StatusCode, body)
	}
	logger.Infof("oanda: pricing stream connected (%d instruments)", len(instruments))

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), streamMaxLine)
	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		tick, ok := parseTick(line)
		if !ok {
			continue
		}
		if prev, seen := last[tick.Instrument]; seen && !tick.Time.After(prev) {
			continue
		}
		last[tick.Instrument] = tick.Time
		fn(tick)
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return io.EOF
}

// parseTick extracts a PRICE message; heartbeats and malformed lines return
// ok=false.
func parseTick(line string) (market.PriceTick, bool) {
	msg := gjson.Parse(line)
	if !strings.EqualFold(msg.Get("type").String(), "PRICE") {
		return market.PriceTick{}, false
	}
	instrument := msg.Get("instrument").String()
	bid := msg.Get("bids.0.price").Float()
	ask := msg.Get("asks.0.price").Float()
	if instrument == "" || bid <= 0 || ask <= 0 {
		return market.PriceTick{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, msg.Get("time").String())
	if err != nil {
		ts = time.Now().UTC()
	}
	return market.PriceTick{
		Instrument: instrument,
		Bid:        bid,
		Ask:        ask,
		Time:       ts,
	}, true
}
