package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/newthinker/spotbot/internal/alert"
	"github.com/newthinker/spotbot/internal/backtest"
	"github.com/newthinker/spotbot/internal/breaker"
	"github.com/newthinker/spotbot/internal/core"
	"github.com/newthinker/spotbot/internal/exchange"
	"github.com/newthinker/spotbot/internal/live"
	"github.com/newthinker/spotbot/internal/storage/archive"
	"github.com/newthinker/spotbot/internal/strategy"
	"github.com/newthinker/spotbot/internal/sweep"
)

type Config struct {
	Exchange       ExchangeConfig            `mapstructure:"exchange"`
	Trading        TradingConfig             `mapstructure:"trading"`
	Strategy       StrategyConfig            `mapstructure:"strategy"`
	Backtest       BacktestConfig            `mapstructure:"backtest"`
	Breaker        breaker.Config            `mapstructure:"breaker"`
	IndicatorCache IndicatorCacheConfig      `mapstructure:"indicator_cache"`
	Scheduler      SchedulerConfig           `mapstructure:"scheduler"`
	Paths          PathsConfig               `mapstructure:"paths"`
	Archive        archive.Config            `mapstructure:"archive"`
	Symbols        []SymbolConfig            `mapstructure:"symbols"`
	Notifiers      map[string]NotifierConfig `mapstructure:"notifiers"`
	Alerts         AlertsConfig              `mapstructure:"alerts"`
	Server         ServerConfig              `mapstructure:"server"`
	Metrics        MetricsConfig             `mapstructure:"metrics"`
	Log            LogConfig                 `mapstructure:"log"`
}

// ExchangeConfig holds credentials and transport settings. Timeouts given
// as bare numbers keep the units of the flat environment names: seconds
// for api_timeout and milliseconds for recv_window.
type ExchangeConfig struct {
	APIKey       string        `mapstructure:"api_key"`
	SecretKey    string        `mapstructure:"secret_key"`
	BaseURL      string        `mapstructure:"base_url"`
	RecvWindow   int           `mapstructure:"recv_window"`
	APITimeout   int           `mapstructure:"api_timeout"`
	OrderTimeout time.Duration `mapstructure:"order_timeout"`
	SyncInterval time.Duration `mapstructure:"sync_interval"`
	TickersTTL   time.Duration `mapstructure:"tickers_ttl"`
}

type TradingConfig struct {
	TakerFee          float64       `mapstructure:"taker_fee"`
	MakerFee          float64       `mapstructure:"maker_fee"`
	UseLimitOrders    bool          `mapstructure:"use_limit_orders"`
	LimitOrderTimeout int           `mapstructure:"limit_order_timeout"` // seconds
	LimitPollInterval time.Duration `mapstructure:"limit_poll_interval"`
	CapitalUsageRatio float64       `mapstructure:"capital_usage_ratio"`
	MinCandles        int           `mapstructure:"min_candles"`
}

// StrategyConfig holds the parameters shared by every EMA pair and scenario.
type StrategyConfig struct {
	ATRPeriod           int     `mapstructure:"atr_period"`
	ATRMultiplier       float64 `mapstructure:"atr_multiplier"`
	ATRStopMultiplier   float64 `mapstructure:"atr_stop_multiplier"`
	RiskPerTrade        float64 `mapstructure:"risk_per_trade"`
	AdaptiveMultipliers bool    `mapstructure:"adaptive_multipliers"`
	Sizing              string  `mapstructure:"sizing"`
	FixedNotional       float64 `mapstructure:"fixed_notional"`
	TargetVolatility    float64 `mapstructure:"target_volatility"`
	ADXThreshold        float64 `mapstructure:"adx_threshold"`
	SMALongPeriod       int     `mapstructure:"sma_long_period"`
	TRIXPeriod          int     `mapstructure:"trix_period"`
	TRIXSignal          int     `mapstructure:"trix_signal"`
}

type BacktestConfig struct {
	InitialWallet float64    `mapstructure:"initial_wallet"`
	Days          int        `mapstructure:"days"`
	MaxWorkers    int        `mapstructure:"max_workers"`
	Grid          sweep.Grid `mapstructure:"grid"`
}

type IndicatorCacheConfig struct {
	DriftThreshold float64 `mapstructure:"drift_threshold"`
}

// AlertsConfig holds threshold rules over the bot's own metrics.
type AlertsConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Cooldown time.Duration `mapstructure:"cooldown"`
	Rules    []alert.Rule  `mapstructure:"rules"`
}

type SchedulerConfig struct {
	// Offset delays each run past the bar boundary.
	Offset time.Duration `mapstructure:"offset"`
}

type PathsConfig struct {
	CacheDir      string `mapstructure:"cache_dir"`
	StatesDir     string `mapstructure:"states_dir"`
	StateFile     string `mapstructure:"state_file"`
	LedgerFile    string `mapstructure:"ledger_file"`
	SelectionFile string `mapstructure:"selection_file"`
}

// SymbolConfig binds one symbol to the parameters it trades with.
type SymbolConfig struct {
	Symbol    string `mapstructure:"symbol"`
	Timeframe string `mapstructure:"timeframe"`
	EMA1      int    `mapstructure:"ema1"`
	EMA2      int    `mapstructure:"ema2"`
	Scenario  string `mapstructure:"scenario"`
	RunID     string `mapstructure:"run_id"`
}

type NotifierConfig struct {
	Enabled  bool              `mapstructure:"enabled"`
	BotToken string            `mapstructure:"bot_token"`
	ChatID   string            `mapstructure:"chat_id"`
	URL      string            `mapstructure:"url"`
	Headers  map[string]string `mapstructure:"headers"`
}

type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	APIKey  string `mapstructure:"api_key"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LogConfig selects the log format and an optional rotated file.
type LogConfig struct {
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
	Compress    bool   `mapstructure:"compress"`
}

// legacyEnv maps config keys to the flat environment names older
// deployments set.
var legacyEnv = map[string][]string{
	"exchange.api_key":             {"BINANCE_API_KEY", "API_KEY"},
	"exchange.secret_key":          {"BINANCE_SECRET_KEY", "SECRET_KEY"},
	"exchange.api_timeout":         {"API_TIMEOUT"},
	"exchange.recv_window":         {"RECV_WINDOW"},
	"trading.taker_fee":            {"TAKER_FEE"},
	"trading.maker_fee":            {"MAKER_FEE"},
	"trading.use_limit_orders":     {"USE_LIMIT_ORDERS"},
	"trading.limit_order_timeout":  {"LIMIT_ORDER_TIMEOUT"},
	"trading.capital_usage_ratio":  {"CAPITAL_USAGE_RATIO"},
	"backtest.initial_wallet":      {"INITIAL_WALLET"},
	"backtest.days":                {"BACKTEST_DAYS"},
	"backtest.max_workers":         {"MAX_WORKERS"},
	"strategy.atr_period":          {"ATR_PERIOD"},
	"strategy.atr_multiplier":      {"ATR_MULTIPLIER"},
	"strategy.atr_stop_multiplier": {"ATR_STOP_MULTIPLIER"},
	"strategy.risk_per_trade":      {"RISK_PER_TRADE"},
	"paths.cache_dir":              {"CACHE_DIR"},
	"paths.states_dir":             {"STATES_DIR"},
	"paths.state_file":             {"STATE_FILE"},
}

// LoadEnvFile loads a dotenv file into the process environment. Variables
// already set win. An empty path is a no-op.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return core.WrapError(core.ErrConfigMissing, fmt.Errorf("loading env file %s: %w", path, err))
	}
	return nil
}

// Load reads configuration from file, falling back to defaults and the
// environment. An empty path reads the environment only.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v, Defaults())

	// Support environment variable overrides
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for key, names := range legacyEnv {
		_ = v.BindEnv(append([]string{key}, names...)...)
	}
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	// Expand environment variables in string values
	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if strings.Contains(val, "${") {
			v.Set(key, os.Expand(val, os.Getenv))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// Defaults returns a config with sensible defaults
func Defaults() *Config {
	return &Config{
		Exchange: ExchangeConfig{
			BaseURL:      exchange.DefaultBaseURL,
			RecvWindow:   10000,
			APITimeout:   30,
			OrderTimeout: 45 * time.Second,
			SyncInterval: 300 * time.Second,
			TickersTTL:   10 * time.Second,
		},
		Trading: TradingConfig{
			TakerFee:          0.0007,
			MakerFee:          0.0004,
			LimitOrderTimeout: 60,
			LimitPollInterval: 2 * time.Second,
			CapitalUsageRatio: 0.995,
			MinCandles:        1000,
		},
		Strategy: StrategyConfig{
			ATRPeriod:         14,
			ATRMultiplier:     5.0,
			ATRStopMultiplier: 3.0,
			RiskPerTrade:      0.01,
			Sizing:            string(strategy.SizingRisk),
			TargetVolatility:  0.01,
			ADXThreshold:      25,
			SMALongPeriod:     200,
			TRIXPeriod:        9,
			TRIXSignal:        9,
		},
		Backtest: BacktestConfig{
			InitialWallet: 10000,
			Days:          1825,
			MaxWorkers:    4,
		},
		Breaker:        breaker.DefaultConfig(),
		IndicatorCache: IndicatorCacheConfig{DriftThreshold: 0.005},
		Scheduler:      SchedulerConfig{Offset: 5 * time.Second},
		Paths: PathsConfig{
			CacheDir:      "cache",
			StatesDir:     "states",
			StateFile:     "state.bin",
			LedgerFile:    "trades.csv",
			SelectionFile: "selection.json",
		},
		Archive: archive.Config{Backend: "local"},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Alerts: AlertsConfig{
			Interval: 30 * time.Second,
			Cooldown: 15 * time.Minute,
			Rules: []alert.Rule{
				{
					Name:     "clock_ahead",
					Expr:     "spotbot_clock_offset_ms > 1000",
					For:      5 * time.Minute,
					Severity: "warning",
					Message:  "exchange clock is more than 1s ahead of the host",
				},
				{
					Name:     "clock_behind",
					Expr:     "spotbot_clock_offset_ms < -1000",
					For:      5 * time.Minute,
					Severity: "warning",
					Message:  "exchange clock is more than 1s behind the host",
				},
				{
					Name:     "breaker_paused",
					Expr:     `spotbot_breaker_mode{mode="PAUSED"} == 1`,
					For:      30 * time.Minute,
					Severity: "warning",
					Message:  "circuit breaker has been paused for 30 minutes",
				},
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Log: LogConfig{
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("exchange.api_key", "")
	v.SetDefault("exchange.secret_key", "")
	v.SetDefault("exchange.base_url", d.Exchange.BaseURL)
	v.SetDefault("exchange.recv_window", d.Exchange.RecvWindow)
	v.SetDefault("exchange.api_timeout", d.Exchange.APITimeout)
	v.SetDefault("exchange.order_timeout", d.Exchange.OrderTimeout)
	v.SetDefault("exchange.sync_interval", d.Exchange.SyncInterval)
	v.SetDefault("exchange.tickers_ttl", d.Exchange.TickersTTL)

	v.SetDefault("trading.taker_fee", d.Trading.TakerFee)
	v.SetDefault("trading.maker_fee", d.Trading.MakerFee)
	v.SetDefault("trading.use_limit_orders", d.Trading.UseLimitOrders)
	v.SetDefault("trading.limit_order_timeout", d.Trading.LimitOrderTimeout)
	v.SetDefault("trading.limit_poll_interval", d.Trading.LimitPollInterval)
	v.SetDefault("trading.capital_usage_ratio", d.Trading.CapitalUsageRatio)
	v.SetDefault("trading.min_candles", d.Trading.MinCandles)

	v.SetDefault("strategy.atr_period", d.Strategy.ATRPeriod)
	v.SetDefault("strategy.atr_multiplier", d.Strategy.ATRMultiplier)
	v.SetDefault("strategy.atr_stop_multiplier", d.Strategy.ATRStopMultiplier)
	v.SetDefault("strategy.risk_per_trade", d.Strategy.RiskPerTrade)
	v.SetDefault("strategy.adaptive_multipliers", d.Strategy.AdaptiveMultipliers)
	v.SetDefault("strategy.sizing", d.Strategy.Sizing)
	v.SetDefault("strategy.fixed_notional", d.Strategy.FixedNotional)
	v.SetDefault("strategy.target_volatility", d.Strategy.TargetVolatility)
	v.SetDefault("strategy.adx_threshold", d.Strategy.ADXThreshold)
	v.SetDefault("strategy.sma_long_period", d.Strategy.SMALongPeriod)
	v.SetDefault("strategy.trix_period", d.Strategy.TRIXPeriod)
	v.SetDefault("strategy.trix_signal", d.Strategy.TRIXSignal)

	v.SetDefault("backtest.initial_wallet", d.Backtest.InitialWallet)
	v.SetDefault("backtest.days", d.Backtest.Days)
	v.SetDefault("backtest.max_workers", d.Backtest.MaxWorkers)

	v.SetDefault("breaker.failure_threshold", d.Breaker.FailureThreshold)
	v.SetDefault("breaker.timeout", d.Breaker.Timeout)
	v.SetDefault("indicator_cache.drift_threshold", d.IndicatorCache.DriftThreshold)
	v.SetDefault("scheduler.offset", d.Scheduler.Offset)
	v.SetDefault("alerts.interval", d.Alerts.Interval)
	v.SetDefault("alerts.cooldown", d.Alerts.Cooldown)
	v.SetDefault("alerts.rules", d.Alerts.Rules)

	v.SetDefault("paths.cache_dir", d.Paths.CacheDir)
	v.SetDefault("paths.states_dir", d.Paths.StatesDir)
	v.SetDefault("paths.state_file", d.Paths.StateFile)
	v.SetDefault("paths.ledger_file", d.Paths.LedgerFile)
	v.SetDefault("paths.selection_file", d.Paths.SelectionFile)

	v.SetDefault("archive.backend", d.Archive.Backend)
	v.SetDefault("archive.path", d.Archive.Path)

	v.SetDefault("server.enabled", d.Server.Enabled)
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.api_key", "")
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.path", d.Metrics.Path)

	v.SetDefault("log.development", d.Log.Development)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return core.WrapError(core.ErrConfigInvalid, fmt.Errorf(format, args...))
	}

	if c.Trading.TakerFee < 0 || c.Trading.TakerFee >= 0.01 {
		return invalid("taker_fee must be in [0, 0.01), got %g", c.Trading.TakerFee)
	}
	if c.Trading.MakerFee < 0 || c.Trading.MakerFee >= 0.01 {
		return invalid("maker_fee must be in [0, 0.01), got %g", c.Trading.MakerFee)
	}
	if c.Trading.CapitalUsageRatio <= 0 || c.Trading.CapitalUsageRatio > 1 {
		return invalid("capital_usage_ratio must be in (0, 1], got %g", c.Trading.CapitalUsageRatio)
	}
	if c.Trading.LimitOrderTimeout < 0 {
		return invalid("limit_order_timeout cannot be negative, got %d", c.Trading.LimitOrderTimeout)
	}
	if c.Strategy.RiskPerTrade <= 0 || c.Strategy.RiskPerTrade > 1 {
		return invalid("risk_per_trade must be in (0, 1], got %g", c.Strategy.RiskPerTrade)
	}
	if c.Backtest.MaxWorkers < 1 {
		return invalid("max_workers must be at least 1, got %d", c.Backtest.MaxWorkers)
	}
	if c.Backtest.InitialWallet <= 0 {
		return invalid("initial_wallet must be positive, got %g", c.Backtest.InitialWallet)
	}
	if c.Exchange.RecvWindow <= 0 || c.Exchange.RecvWindow > 60000 {
		return invalid("recv_window must be in (0, 60000], got %d", c.Exchange.RecvWindow)
	}
	if c.Breaker.FailureThreshold < 1 {
		return invalid("breaker failure_threshold must be at least 1, got %d", c.Breaker.FailureThreshold)
	}
	if c.Server.Enabled && (c.Server.Port < 1 || c.Server.Port > 65535) {
		return invalid("port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if len(c.Alerts.Rules) > 0 && c.Alerts.Interval <= 0 {
		return invalid("alerts interval must be positive, got %s", c.Alerts.Interval)
	}
	for _, r := range c.Alerts.Rules {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	for i, s := range c.Symbols {
		if _, err := c.Strategy.Params(s.EMA1, s.EMA2, strategy.Scenario(s.Scenario)); err != nil {
			return core.WrapError(core.ErrConfigInvalid, fmt.Errorf("symbols[%d] %s: %w", i, s.Symbol, err))
		}
	}
	return nil
}

// ValidateLive additionally requires what the live loop cannot run without.
func (c *Config) ValidateLive() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Exchange.APIKey == "" || c.Exchange.SecretKey == "" {
		return core.WrapError(core.ErrConfigMissing, fmt.Errorf("exchange api_key and secret_key are required"))
	}
	if len(c.Symbols) == 0 {
		if _, err := os.Stat(c.Paths.SelectionPath()); err != nil {
			return core.WrapError(core.ErrConfigMissing, fmt.Errorf("no symbols bound and no selection at %s", c.Paths.SelectionPath()))
		}
	}
	for i, s := range c.Symbols {
		if s.Symbol == "" || s.Timeframe == "" {
			return core.WrapError(core.ErrConfigMissing, fmt.Errorf("symbols[%d] needs symbol and timeframe", i))
		}
	}
	return nil
}

// Client returns the exchange client settings.
func (e ExchangeConfig) Client() exchange.Config {
	return exchange.Config{
		APIKey:       e.APIKey,
		SecretKey:    e.SecretKey,
		BaseURL:      e.BaseURL,
		RecvWindow:   time.Duration(e.RecvWindow) * time.Millisecond,
		Timeout:      time.Duration(e.APITimeout) * time.Second,
		OrderTimeout: e.OrderTimeout,
		SyncInterval: e.SyncInterval,
		TickersTTL:   e.TickersTTL,
	}
}

// Live returns the trader settings.
func (t TradingConfig) Live() live.Config {
	return live.Config{
		TakerFee:          decimal.NewFromFloat(t.TakerFee),
		MakerFee:          decimal.NewFromFloat(t.MakerFee),
		CapitalUsage:      decimal.NewFromFloat(t.CapitalUsageRatio),
		UseLimitOrders:    t.UseLimitOrders,
		LimitOrderTimeout: time.Duration(t.LimitOrderTimeout) * time.Second,
		LimitPollInterval: t.LimitPollInterval,
		MinCandles:        t.MinCandles,
	}
}

// Fees returns the backtest fee schedule.
func (t TradingConfig) Fees() backtest.Fees {
	return backtest.Fees{
		Taker:    decimal.NewFromFloat(t.TakerFee),
		Maker:    decimal.NewFromFloat(t.MakerFee),
		UseMaker: t.UseLimitOrders,
	}
}

// Sweep returns the sweeper settings.
func (c *Config) Sweep() sweep.Config {
	return sweep.Config{
		MaxWorkers:    c.Backtest.MaxWorkers,
		InitialWallet: decimal.NewFromFloat(c.Backtest.InitialWallet),
		Fees:          c.Trading.Fees(),
		CapitalUsage:  decimal.NewFromFloat(c.Trading.CapitalUsageRatio),
	}
}

// Params builds validated strategy parameters for one EMA pair and scenario.
func (s StrategyConfig) Params(ema1, ema2 int, scenario strategy.Scenario) (strategy.Params, error) {
	p := strategy.DefaultParams(ema1, ema2, scenario)
	p.ATRPeriod = s.ATRPeriod
	p.ATRTrailMult = s.ATRMultiplier
	p.ATRStopMult = s.ATRStopMultiplier
	p.RiskPerTrade = s.RiskPerTrade
	p.AdaptiveMultipliers = s.AdaptiveMultipliers
	if s.Sizing != "" {
		p.Sizing = strategy.SizingMode(s.Sizing)
	}
	p.FixedNotional = decimal.NewFromFloat(s.FixedNotional)
	p.TargetVolatility = s.TargetVolatility
	p.ADXThreshold = s.ADXThreshold
	p.SMALongPeriod = s.SMALongPeriod
	p.TRIXPeriod = s.TRIXPeriod
	p.TRIXSignal = s.TRIXSignal
	if err := p.Validate(); err != nil {
		return strategy.Params{}, err
	}
	return p, nil
}

// StatePath is the state blob location.
func (p PathsConfig) StatePath() string {
	if filepath.IsAbs(p.StateFile) || p.StatesDir == "" {
		return p.StateFile
	}
	return filepath.Join(p.StatesDir, p.StateFile)
}

// LedgerPath is the trade ledger location, next to the state blob.
func (p PathsConfig) LedgerPath() string {
	if filepath.IsAbs(p.LedgerFile) || p.StatesDir == "" {
		return p.LedgerFile
	}
	return filepath.Join(p.StatesDir, p.LedgerFile)
}

// SelectionPath is where the sweep writes its selection and run reads it.
func (p PathsConfig) SelectionPath() string {
	if filepath.IsAbs(p.SelectionFile) || p.StatesDir == "" {
		return p.SelectionFile
	}
	return filepath.Join(p.StatesDir, p.SelectionFile)
}

// ArchiveConfig returns the archive settings, defaulting the local backend
// to the cache directory.
func (c *Config) ArchiveConfig() archive.Config {
	a := c.Archive
	if (a.Backend == "" || a.Backend == "local") && a.Path == "" {
		a.Path = c.Paths.CacheDir
	}
	return a
}

// Watch reloads the file at path whenever it changes and hands the result
// to fn. A reload that fails to parse or validate is passed as an error and
// the caller keeps its current config.
func Watch(path string, fn func(*Config, error)) error {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := Load(path)
		if err == nil {
			err = cfg.Validate()
		}
		fn(cfg, err)
	})
	v.WatchConfig()
	return nil
}
