package exchange

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/newthinker/spotbot/internal/core"
)

// DefaultBaseURL is the production spot REST endpoint.
const DefaultBaseURL = "https://api.binance.com"

// Config holds exchange client settings.
type Config struct {
	APIKey       string        `mapstructure:"api_key"`
	SecretKey    string        `mapstructure:"secret_key"`
	BaseURL      string        `mapstructure:"base_url"`
	RecvWindow   time.Duration `mapstructure:"recv_window"`
	Timeout      time.Duration `mapstructure:"timeout"`
	OrderTimeout time.Duration `mapstructure:"order_timeout"`
	SyncInterval time.Duration `mapstructure:"sync_interval"`
	TickersTTL   time.Duration `mapstructure:"tickers_ttl"`
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.RecvWindow <= 0 {
		c.RecvWindow = 10 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.OrderTimeout <= 0 {
		c.OrderTimeout = 45 * time.Second
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 300 * time.Second
	}
	if c.TickersTTL <= 0 {
		c.TickersTTL = 10 * time.Second
	}
	return c
}

// Observer receives client telemetry. All methods must be cheap.
type Observer interface {
	ObserveRequest(endpoint string, elapsed time.Duration, err error)
	ObserveRetry(endpoint string)
	ObserveClockOffset(offset time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveRequest(string, time.Duration, error) {}
func (nopObserver) ObserveRetry(string)                         {}
func (nopObserver) ObserveClockOffset(time.Duration)            {}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the transport used for every call.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithNow replaces the wall clock.
func WithNow(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

// WithObserver attaches a telemetry observer.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// Client is the exchange REST client. Public market data goes through the
// go-binance SDK; signed calls are issued directly so the request timestamp
// comes from the synchronized Clock.
type Client struct {
	cfg      Config
	http     *http.Client
	public   *binance.Client
	signer   signer
	clock    *Clock
	retry    RetryPolicy
	now      func() time.Time
	observer Observer
	logger   *zap.Logger

	tickers *tickerCache

	filtersMu sync.Mutex
	filters   map[string]core.SymbolFilters
}

var _ API = (*Client)(nil)

// New creates a client. Credentials may be empty for market-data-only use.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:      cfg,
		http:     &http.Client{},
		signer:   signer{secret: []byte(cfg.SecretKey)},
		retry:    DefaultRetryPolicy(),
		now:      time.Now,
		observer: nopObserver{},
		logger:   logger.Named("exchange"),
		filters:  make(map[string]core.SymbolFilters),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.public = binance.NewClient(cfg.APIKey, cfg.SecretKey)
	c.public.BaseURL = cfg.BaseURL
	c.public.HTTPClient = c.http
	c.clock = NewClock(cfg.SyncInterval, c.now)
	c.tickers = newTickerCache(cfg.TickersTTL, c.now)
	return c
}

// Clock exposes the server time tracker.
func (c *Client) Clock() *Clock { return c.clock }

// call runs fn under the retry policy and reports telemetry for endpoint.
// Each attempt gets the default request timeout.
func (c *Client) call(ctx context.Context, endpoint string, fn func(ctx context.Context) error) error {
	return c.callWithin(ctx, endpoint, c.cfg.Timeout, fn)
}

func (c *Client) callWithin(ctx context.Context, endpoint string, timeout time.Duration, fn func(ctx context.Context) error) error {
	policy := c.retry
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		c.observer.ObserveRetry(endpoint)
		c.logger.Warn("retrying exchange call",
			zap.String("endpoint", endpoint),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	return policy.Do(ctx, func(int) error {
		actx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		start := c.now()
		err := classify(fn(actx))
		c.observer.ObserveRequest(endpoint, c.now().Sub(start), err)
		return err
	})
}

// syncClock refreshes the server offset when it is due.
func (c *Client) syncClock(ctx context.Context) error {
	if !c.clock.Due() {
		return nil
	}
	err := c.clock.Sync(ctx, func(ctx context.Context) (int64, error) {
		return c.public.NewServerTimeService().Do(ctx)
	})
	if err != nil {
		return fmt.Errorf("sync server time: %w", err)
	}
	c.observer.ObserveClockOffset(c.clock.Offset())
	c.logger.Debug("server time synced",
		zap.Duration("drift", c.clock.Drift()),
		zap.Duration("offset", c.clock.Offset()),
	)
	return nil
}

// signedOnce issues a single signed request without retrying.
func (c *Client) signedOnce(ctx context.Context, method, path string, params url.Values) (gjson.Result, error) {
	if c.cfg.APIKey == "" || c.cfg.SecretKey == "" {
		return gjson.Result{}, core.Errorf(core.ErrConfigMissing, "api credentials required for %s", path)
	}
	if err := c.syncClock(ctx); err != nil {
		return gjson.Result{}, err
	}

	query := c.signer.signedQuery(params, c.cfg.RecvWindow.Milliseconds(), c.clock.Timestamp())
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path+"?"+query, nil)
	if err != nil {
		return gjson.Result{}, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)

	c.logger.Debug("signed request",
		zap.String("method", method),
		zap.String("path", path),
		zap.String("query", redact(query)),
	)

	resp, err := c.http.Do(req)
	if err != nil {
		return gjson.Result{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		res := gjson.ParseBytes(body)
		apiErr := &APIError{
			Status:  resp.StatusCode,
			Code:    res.Get("code").Int(),
			Message: res.Get("msg").String(),
		}
		if apiErr.Code == codeTimestamp {
			c.clock.Invalidate()
		}
		return gjson.Result{}, apiErr
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("invalid json from %s", path)
	}
	return gjson.ParseBytes(body), nil
}

// signed issues a signed request under the retry policy.
func (c *Client) signed(ctx context.Context, method, path string, params url.Values) (gjson.Result, error) {
	var res gjson.Result
	err := c.call(ctx, method+" "+path, func(ctx context.Context) error {
		var err error
		res, err = c.signedOnce(ctx, method, path, params)
		return err
	})
	return res, err
}

func dec(r gjson.Result) decimal.Decimal {
	v, err := decimal.NewFromString(r.String())
	if err != nil {
		return decimal.Zero
	}
	return v
}

func millis(r gjson.Result) time.Time {
	if !r.Exists() || r.Int() == 0 {
		return time.Time{}
	}
	return time.UnixMilli(r.Int()).UTC()
}
