package config

import "time"

// Config is the process-wide configuration, loaded once at startup.
type Config struct {
	App         AppConfig          `yaml:"app"`
	Risk        RiskConfig         `yaml:"risk"`
	Broker      BrokerConfig       `yaml:"broker"`
	Executor    ExecutorConfig     `yaml:"executor"`
	Store       StoreConfig        `yaml:"store"`
	Notify      NotifyConfig       `yaml:"notify"`
	Correlation CorrelationConfig  `yaml:"correlation"`
	Instruments []InstrumentConfig `yaml:"instruments"`
}

type AppConfig struct {
	Env      string `yaml:"env"`
	LogLevel string `yaml:"log_level"`
	HTTPAddr string `yaml:"http_addr"`
	LogPath  string `yaml:"log_path"`
}

// RiskConfig is the RiskLimits bundle. Treated as immutable for the lifetime
// of the process; hot-reload is deliberately unsupported.
type RiskConfig struct {
	RiskPerTradePct           float64 `yaml:"risk_per_trade_pct"`           // fraction of max_position_units put at risk per trade
	MaxPositionUnits          int64   `yaml:"max_position_units"`           // per-instrument unit cap
	MaxPositionsPerInstrument int     `yaml:"max_positions_per_instrument"` // concurrent positions per pair
	MaxConcurrentPositions    int     `yaml:"max_concurrent_positions"`     // portfolio-wide position count
	MaxInstrumentExposure     float64 `yaml:"max_instrument_exposure"`      // per-instrument notional cap
	MaxPortfolioExposure      float64 `yaml:"max_portfolio_exposure"`       // sum of absolute notionals
	MaxDrawdownPct            float64 `yaml:"max_drawdown_pct"`             // (0,1]
	CorrelationThreshold      float64 `yaml:"correlation_threshold"`        // (0,1]
	CorrelationMode           string  `yaml:"correlation_mode"`             // "same_direction" | "any"
	DefaultSLPips             float64 `yaml:"default_sl_pips"`
	DefaultTPPips             float64 `yaml:"default_tp_pips"`
	SlippageToleranceBps      int     `yaml:"slippage_tolerance_bps"`
	ATRPeriod                 int     `yaml:"atr_period"`
	ATRMultiplierSizing       float64 `yaml:"atr_multiplier_sizing"`
	ATRMultiplierSL           float64 `yaml:"atr_multiplier_sl"`
	ATRMultiplierTP           float64 `yaml:"atr_multiplier_tp"`
}

type BrokerConfig struct {
	Venue string      `yaml:"venue"` // "oanda" | "mt5"
	OANDA OandaConfig `yaml:"oanda"`
	MT5   MT5Config   `yaml:"mt5"`
}

type OandaConfig struct {
	Environment          string `yaml:"environment"` // "practice" | "live"
	APIToken             string `yaml:"api_token"`
	AccountID            string `yaml:"account_id"`
	TimeoutSeconds       int    `yaml:"timeout_seconds"`
	StreamTimeoutSeconds int    `yaml:"stream_timeout_seconds"`
}

// MT5Config describes the REST bridge in front of a MetaTrader 5 terminal.
type MT5Config struct {
	BridgeURL      string `yaml:"bridge_url"`
	Login          int64  `yaml:"login"`
	Password       string `yaml:"password"`
	Server         string `yaml:"server"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type ExecutorConfig struct {
	MaxRetries            int `yaml:"max_retries"`
	RetryDelayMS          int `yaml:"retry_delay_ms"`
	MaxBackoffMS          int `yaml:"max_backoff_ms"`
	IdempotencyTTLSeconds int `yaml:"idempotency_ttl_seconds"`
}

func (e ExecutorConfig) RetryDelay() time.Duration {
	return time.Duration(e.RetryDelayMS) * time.Millisecond
}

func (e ExecutorConfig) MaxBackoff() time.Duration {
	return time.Duration(e.MaxBackoffMS) * time.Millisecond
}

func (e ExecutorConfig) IdempotencyTTL() time.Duration {
	return time.Duration(e.IdempotencyTTLSeconds) * time.Second
}

type StoreConfig struct {
	PositionsPath string `yaml:"positions_path"` // gorm/sqlite position store
	ExecLogPath   string `yaml:"exec_log_path"`  // execution journal
}

type NotifyConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

type CorrelationConfig struct {
	MatrixPath string `yaml:"matrix_path"` // YAML file, reloaded on change
}

type InstrumentConfig struct {
	Name     string  `yaml:"name"`
	PipSize  float64 `yaml:"pip_size"`
	MinUnits int64   `yaml:"min_units"`
	MaxUnits int64   `yaml:"max_units"`
}

// keySet tracks which dotted key paths the config files set explicitly, so
// defaults never clobber an intentional zero.
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	_, ok := k[path]
	return ok
}
