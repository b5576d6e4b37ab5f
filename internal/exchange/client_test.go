package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newthinker/spotbot/internal/core"
)

const (
	testKey    = "test-key"
	testSecret = "test-secret"
)

// fakeExchange is a minimal REST exchange that verifies signatures.
type fakeExchange struct {
	t   *testing.T
	now func() time.Time

	mu     sync.Mutex
	hits   map[string]int
	orders map[string]map[string]any
	// handlers override the default behavior of a route
	handlers map[string]func(w http.ResponseWriter, r *http.Request) bool
}

func newFakeExchange(t *testing.T, now func() time.Time) (*fakeExchange, *httptest.Server) {
	f := &fakeExchange{
		t:        t,
		now:      now,
		hits:     make(map[string]int),
		orders:   make(map[string]map[string]any),
		handlers: make(map[string]func(http.ResponseWriter, *http.Request) bool),
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeExchange) count(route string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[route]
}

func (f *fakeExchange) on(route string, h func(w http.ResponseWriter, r *http.Request) bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[route] = h
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func apiError(w http.ResponseWriter, status int, code int, msg string) {
	writeJSON(w, status, map[string]any{"code": code, "msg": msg})
}

func (f *fakeExchange) verify(r *http.Request) bool {
	raw := r.URL.RawQuery
	i := strings.LastIndex(raw, "&signature=")
	if i < 0 || r.Header.Get("X-MBX-APIKEY") != testKey {
		return false
	}
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(raw[:i]))
	return hex.EncodeToString(mac.Sum(nil)) == raw[i+len("&signature="):]
}

func (f *fakeExchange) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route := r.Method + " " + r.URL.Path
	f.mu.Lock()
	f.hits[route]++
	h := f.handlers[route]
	f.mu.Unlock()
	if h != nil && h(w, r) {
		return
	}

	q := r.URL.Query()
	switch r.URL.Path {
	case "/api/v3/ping":
		writeJSON(w, 200, map[string]any{})
		return
	case "/api/v3/time":
		writeJSON(w, 200, map[string]any{"serverTime": f.now().UnixMilli()})
		return
	case "/api/v3/exchangeInfo":
		if q.Get("symbol") != "BTCUSDC" {
			apiError(w, 400, -1121, "Invalid symbol.")
			return
		}
		writeJSON(w, 200, map[string]any{"symbols": []any{map[string]any{
			"symbol":     "BTCUSDC",
			"baseAsset":  "BTC",
			"quoteAsset": "USDC",
			"filters": []any{
				map[string]any{"filterType": "PRICE_FILTER", "tickSize": "0.01000000"},
				map[string]any{"filterType": "LOT_SIZE", "stepSize": "0.00001000", "minQty": "0.00001000"},
				map[string]any{"filterType": "NOTIONAL", "minNotional": "5.00000000"},
			},
		}}})
		return
	case "/api/v3/ticker/price":
		writeJSON(w, 200, []any{
			map[string]any{"symbol": "BTCUSDC", "price": "60000.00"},
			map[string]any{"symbol": "ETHUSDC", "price": "3000.00"},
		})
		return
	case "/api/v3/klines":
		f.klines(w, q.Get("startTime"), q.Get("endTime"), q.Get("limit"))
		return
	}

	if !f.verify(r) {
		apiError(w, 401, -1022, "Signature for this request is not valid.")
		return
	}
	switch route {
	case "GET /api/v3/account":
		writeJSON(w, 200, map[string]any{
			"updateTime": f.now().UnixMilli(),
			"balances": []any{
				map[string]any{"asset": "USDC", "free": "1000.5", "locked": "0"},
				map[string]any{"asset": "BTC", "free": "0.01", "locked": "0.005"},
			},
		})
	case "GET /api/v3/order":
		f.mu.Lock()
		o, ok := f.orders[q.Get("origClientOrderId")]
		f.mu.Unlock()
		if !ok {
			apiError(w, 400, -2013, "Order does not exist.")
			return
		}
		writeJSON(w, 200, o)
	case "POST /api/v3/order":
		id := q.Get("newClientOrderId")
		f.mu.Lock()
		defer f.mu.Unlock()
		o := map[string]any{
			"symbol":              q.Get("symbol"),
			"orderId":             len(f.orders) + 1,
			"clientOrderId":       id,
			"transactTime":        f.now().UnixMilli(),
			"side":                q.Get("side"),
			"type":                q.Get("type"),
			"status":              "FILLED",
			"origQty":             "0.001",
			"executedQty":         "0.001",
			"cummulativeQuoteQty": "60",
			"trailingDelta":       q.Get("trailingDelta"),
			"fills": []any{
				map[string]any{"price": "60000", "qty": "0.001", "commission": "0.042", "commissionAsset": "USDC"},
			},
		}
		f.orders[id] = o
		writeJSON(w, 200, o)
	case "DELETE /api/v3/order":
		writeJSON(w, 200, map[string]any{
			"symbol":            q.Get("symbol"),
			"origClientOrderId": q.Get("origClientOrderId"),
			"clientOrderId":     "cancel123",
			"status":            "CANCELED",
		})
	default:
		http.NotFound(w, r)
	}
}

// klines serves hourly candles from startTime, at most limit per page,
// with 1200 candles in total.
func (f *fakeExchange) klines(w http.ResponseWriter, start, end, limit string) {
	first := klineEpoch.UnixMilli()
	s, _ := strconv.ParseInt(start, 10, 64)
	e, _ := strconv.ParseInt(end, 10, 64)
	n, _ := strconv.Atoi(limit)
	if s < first {
		s = first
	}
	last := first + 1200*time.Hour.Milliseconds()
	if e == 0 || e > last {
		e = last
	}
	var out []any
	for ts := s; ts < e && len(out) < n; ts += time.Hour.Milliseconds() {
		p := fmt.Sprintf("%d", 100+(ts-first)/time.Hour.Milliseconds())
		out = append(out, []any{ts, p, p, p, p, "1", ts + time.Hour.Milliseconds() - 1, "1", 1, "0", "0", "0"})
	}
	writeJSON(w, 200, out)
}

var klineEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func noSleep() RetryPolicy {
	p := DefaultRetryPolicy()
	p.Sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func newTestClient(t *testing.T, now func() time.Time) (*Client, *fakeExchange) {
	fake, srv := newFakeExchange(t, now)
	c := New(Config{APIKey: testKey, SecretKey: testSecret, BaseURL: srv.URL}, nil,
		WithHTTPClient(srv.Client()),
		WithRetryPolicy(noSleep()),
		WithNow(now),
	)
	return c, fake
}

func fixedNow() func() time.Time {
	t := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func TestClient_AccountSigned(t *testing.T) {
	c, fake := newTestClient(t, fixedNow())

	acc, err := c.Account(context.Background())
	require.NoError(t, err)

	assert.True(t, acc.Free("USDC").Equal(decimal.RequireFromString("1000.5")))
	assert.True(t, acc.Total("BTC").Equal(decimal.RequireFromString("0.015")))
	assert.Equal(t, 1, fake.count("GET /api/v3/time"), "first signed call syncs the clock")
	assert.Equal(t, -2*time.Second, c.Clock().Offset())
}

func TestClient_MissingCredentials(t *testing.T) {
	_, srv := newFakeExchange(t, fixedNow())
	c := New(Config{BaseURL: srv.URL}, nil, WithHTTPClient(srv.Client()), WithRetryPolicy(noSleep()))

	_, err := c.Account(context.Background())
	assert.ErrorIs(t, err, core.ErrConfigMissing)
}

func TestClient_TimestampRejectedResyncs(t *testing.T) {
	c, fake := newTestClient(t, fixedNow())
	rejected := false
	fake.on("GET /api/v3/account", func(w http.ResponseWriter, r *http.Request) bool {
		if rejected {
			return false
		}
		rejected = true
		apiError(w, 400, -1021, "Timestamp for this request is outside of the recvWindow.")
		return true
	})

	_, err := c.Account(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, fake.count("GET /api/v3/account"))
	assert.Equal(t, 2, fake.count("GET /api/v3/time"))
	assert.Equal(t, -8*time.Second, c.Clock().Offset())
}

func TestClient_NonRetryableError(t *testing.T) {
	c, fake := newTestClient(t, fixedNow())
	fake.on("POST /api/v3/order", func(w http.ResponseWriter, r *http.Request) bool {
		apiError(w, 400, -2010, "Account has insufficient balance for requested action.")
		return true
	})

	_, err := c.MarketBuyQuote(context.Background(), "BTCUSDC", decimal.NewFromInt(60), "sbBdeadbeef-1-abcdef")
	assert.ErrorIs(t, err, core.ErrInsufficientBalance)
	assert.Equal(t, 1, fake.count("POST /api/v3/order"))
}

func TestClient_PlaceIsIdempotent(t *testing.T) {
	c, fake := newTestClient(t, fixedNow())
	id := ClientOrderID(IntentEntry, "0f8fad5b-d9cb-469f-a165-70867728950e", "BTCUSDC", klineEpoch)

	first, err := c.MarketBuyQuote(context.Background(), "BTCUSDC", decimal.NewFromInt(60), id)
	require.NoError(t, err)
	assert.Equal(t, OrderStatusFilled, first.Status)
	assert.True(t, first.Commission.Equal(decimal.RequireFromString("0.042")))
	assert.True(t, first.AvgPrice().Equal(decimal.NewFromInt(60000)))

	second, err := c.MarketBuyQuote(context.Background(), "BTCUSDC", decimal.NewFromInt(60), id)
	require.NoError(t, err)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, 1, fake.count("POST /api/v3/order"))
}

func TestClient_OrderTimeoutOutlivesRequestTimeout(t *testing.T) {
	fake, srv := newFakeExchange(t, fixedNow())
	c := New(Config{
		APIKey:       testKey,
		SecretKey:    testSecret,
		BaseURL:      srv.URL,
		Timeout:      50 * time.Millisecond,
		OrderTimeout: 5 * time.Second,
	}, nil, WithHTTPClient(srv.Client()), WithRetryPolicy(noSleep()), WithNow(fixedNow()))

	slow := func(w http.ResponseWriter, r *http.Request) bool {
		time.Sleep(200 * time.Millisecond)
		return false
	}
	fake.on("POST /api/v3/order", slow)

	id := ClientOrderID(IntentEntry, "0f8fad5b-d9cb-469f-a165-70867728950e", "BTCUSDC", klineEpoch)
	o, err := c.MarketBuyQuote(context.Background(), "BTCUSDC", decimal.NewFromInt(60), id)
	require.NoError(t, err)
	assert.Equal(t, OrderStatusFilled, o.Status)
	assert.Equal(t, 1, fake.count("POST /api/v3/order"))

	// other calls keep the short timeout
	fake.on("GET /api/v3/account", slow)
	_, err = c.Account(context.Background())
	assert.ErrorIs(t, err, core.ErrTransient)
}

func TestClient_LostResponseDoesNotDoubleFill(t *testing.T) {
	c, fake := newTestClient(t, fixedNow())
	lost := false
	fake.on("POST /api/v3/order", func(w http.ResponseWriter, r *http.Request) bool {
		if lost {
			return false
		}
		lost = true
		// accept the order, then fail the response
		fake.mu.Lock()
		fake.orders[r.URL.Query().Get("newClientOrderId")] = map[string]any{
			"symbol": "BTCUSDC", "orderId": 77, "clientOrderId": r.URL.Query().Get("newClientOrderId"),
			"status": "FILLED", "executedQty": "0.001", "cummulativeQuoteQty": "60",
		}
		fake.mu.Unlock()
		apiError(w, 503, 0, "Service Unavailable")
		return true
	})

	o, err := c.MarketSellBase(context.Background(), "BTCUSDC", decimal.RequireFromString("0.001"), "sbSdeadbeef-1-abcdef")
	require.NoError(t, err)
	assert.Equal(t, int64(77), o.OrderID)
	assert.Equal(t, 1, fake.count("POST /api/v3/order"))
}

func TestClient_TrailingDeltaClamped(t *testing.T) {
	c, _ := newTestClient(t, fixedNow())

	o, err := c.PlaceTrailingStop(context.Background(), "BTCUSDC", decimal.RequireFromString("0.001"), decimal.Zero, 5000, "sbTdeadbeef-1-abcdef")
	require.NoError(t, err)
	assert.Equal(t, MaxTrailingDelta, o.TrailingDelta)
}

func TestClient_CancelKeepsOriginalID(t *testing.T) {
	c, _ := newTestClient(t, fixedNow())

	o, err := c.CancelOrder(context.Background(), "BTCUSDC", "sbLdeadbeef-1-abcdef")
	require.NoError(t, err)
	assert.Equal(t, "sbLdeadbeef-1-abcdef", o.ClientOrderID)
	assert.Equal(t, OrderStatusCanceled, o.Status)
}

func TestClient_GetOrderNotFound(t *testing.T) {
	c, _ := newTestClient(t, fixedNow())

	_, err := c.GetOrder(context.Background(), "BTCUSDC", "sbBmissing-1-abcdef")
	assert.ErrorIs(t, err, core.ErrOrderNotFound)
}

func TestClient_Filters(t *testing.T) {
	c, fake := newTestClient(t, fixedNow())

	f, err := c.Filters(context.Background(), "BTCUSDC")
	require.NoError(t, err)
	assert.Equal(t, "BTC", f.BaseAsset)
	assert.True(t, f.TickSize.Equal(decimal.RequireFromString("0.01")))
	assert.True(t, f.StepSize.Equal(decimal.RequireFromString("0.00001")))
	assert.True(t, f.MinNotional.Equal(decimal.NewFromInt(5)))

	_, err = c.Filters(context.Background(), "BTCUSDC")
	require.NoError(t, err)
	assert.Equal(t, 1, fake.count("GET /api/v3/exchangeInfo"))

	_, err = c.Filters(context.Background(), "NOPE")
	assert.ErrorIs(t, err, core.ErrUnknownSymbol)
}

func TestClient_TickersTTL(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	c, fake := newTestClient(t, func() time.Time { return now })

	prices, err := c.AllTickers(context.Background())
	require.NoError(t, err)
	assert.True(t, prices["BTCUSDC"].Equal(decimal.NewFromInt(60000)))

	now = now.Add(5 * time.Second)
	_, err = c.AllTickers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fake.count("GET /api/v3/ticker/price"))

	now = now.Add(6 * time.Second)
	_, err = c.AllTickers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, fake.count("GET /api/v3/ticker/price"))
}

func TestTickerCache_FetchOutsideLock(t *testing.T) {
	cache := newTickerCache(time.Minute, fixedNow())
	release := make(chan struct{})
	var calls int
	var mu sync.Mutex
	fetch := func() (map[string]decimal.Decimal, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		<-release
		return map[string]decimal.Decimal{"BTCUSDC": decimal.NewFromInt(60000)}, nil
	}

	var wg sync.WaitGroup
	results := make([]map[string]decimal.Decimal, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := cache.get(fetch)
			assert.NoError(t, err)
			results[i] = p
		}()
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, time.Second, time.Millisecond)
	require.True(t, cache.mu.TryLock(), "lock held across fetch")
	cache.mu.Unlock()

	close(release)
	wg.Wait()
	assert.Equal(t, 1, calls)
	for _, p := range results {
		assert.True(t, p["BTCUSDC"].Equal(decimal.NewFromInt(60000)))
	}
}

func TestClient_KlinesPaging(t *testing.T) {
	c, fake := newTestClient(t, fixedNow())

	candles, err := c.Klines(context.Background(), "BTCUSDC", "1h", klineEpoch, klineEpoch.Add(1100*time.Hour))
	require.NoError(t, err)

	require.Len(t, candles, 1100)
	assert.Equal(t, 2, fake.count("GET /api/v3/klines"))
	assert.True(t, candles[0].Time.Equal(klineEpoch))
	assert.True(t, candles[1099].Close.Equal(decimal.NewFromInt(1199)))
	for i := 1; i < len(candles); i++ {
		assert.Equal(t, time.Hour, candles[i].Time.Sub(candles[i-1].Time))
	}
}

func TestValuation(t *testing.T) {
	acc := &Account{Balances: []Balance{
		{Asset: "USDC", Free: decimal.NewFromInt(100)},
		{Asset: "BTC", Free: decimal.RequireFromString("0.01"), Locked: decimal.RequireFromString("0.01")},
		{Asset: "DOGE", Free: decimal.NewFromInt(50)},
	}}
	prices := map[string]decimal.Decimal{"BTCUSDC": decimal.NewFromInt(60000)}

	assert.True(t, Valuation(acc, "USDC", prices).Equal(decimal.NewFromInt(1300)))
}

func TestClientOrderID(t *testing.T) {
	bar := time.Date(2024, 3, 1, 4, 0, 0, 0, time.UTC)
	id := ClientOrderID(IntentStopLoss, "0f8fad5b-d9cb-469f-a165-70867728950e", "BTCUSDC", bar)

	assert.Len(t, id, 32)
	assert.True(t, strings.HasPrefix(id, "sbL0f8fad5b-"))
	assert.Equal(t, id, ClientOrderID(IntentStopLoss, "0f8fad5b-d9cb-469f-a165-70867728950e", "BTCUSDC", bar))
	assert.NotEqual(t, id, ClientOrderID(IntentStopLoss, "0f8fad5b-d9cb-469f-a165-70867728950e", "ETHUSDC", bar))

	ref, ok := ParseClientOrderID(id)
	require.True(t, ok)
	assert.Equal(t, IntentStopLoss, ref.Intent)
	assert.True(t, ref.Bar.Equal(bar))
	assert.Equal(t, core.SideSell, ref.Intent.Side())
	assert.True(t, ref.Matches("0f8fad5b-d9cb-469f-a165-70867728950e", "BTCUSDC"))
	assert.False(t, ref.Matches("0f8fad5b-d9cb-469f-a165-70867728950e", "ETHUSDC"))

	for _, bad := range []string{"", "web_abc", "sbX1234-1-abc", "sbB1234-x-abc", "sbB1234"} {
		_, ok := ParseClientOrderID(bad)
		assert.False(t, ok, bad)
	}
}

func TestTrailingDeltaBP(t *testing.T) {
	// 5 * ATR(2) = 10 on an activation of 110 is 909bp
	assert.Equal(t, 909, TrailingDeltaBP(decimal.NewFromInt(10), decimal.NewFromInt(110)))
	assert.Equal(t, MinTrailingDelta, TrailingDeltaBP(decimal.RequireFromString("0.001"), decimal.NewFromInt(110)))
	assert.Equal(t, MaxTrailingDelta, TrailingDeltaBP(decimal.NewFromInt(50), decimal.NewFromInt(110)))
}
