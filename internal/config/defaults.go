package config

import "strings"

const (
	defaultAppEnv      = "dev"
	defaultAppLogLevel = "info"
	defaultAppHTTPAddr = ":9980"
	defaultAppLogPath  = ""

	defaultRiskPerTradePct       = 0.01
	defaultMaxPositionUnits      = 100000
	defaultMaxPositionsPerInst   = 2
	defaultMaxConcurrentPos      = 5
	defaultMaxInstrumentExposure = 250000
	defaultMaxPortfolioExposure  = 1000000
	defaultMaxDrawdownPct        = 0.10
	defaultCorrelationThreshold  = 0.7
	defaultCorrelationMode       = "same_direction"
	defaultSLPips                = 50
	defaultTPPips                = 100
	defaultSlippageBps           = 5
	defaultATRPeriod             = 14
	defaultATRMultSizing         = 2.0
	defaultATRMultSL             = 2.0
	defaultATRMultTP             = 3.0

	defaultVenue         = "oanda"
	defaultOandaEnv      = "practice"
	defaultOandaTimeout  = 15
	defaultStreamTimeout = 30
	defaultMT5Timeout    = 15

	defaultMaxRetries     = 3
	defaultRetryDelayMS   = 500
	defaultMaxBackoffMS   = 10000
	defaultIdemTTLSeconds = 90

	defaultPositionsPath = "data/fxcore.db"
	defaultExecLogPath   = "data/execlog.db"
)

type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return strings.TrimSpace(*target) == "" },
		apply: func() { *target = def },
	}
}

func intDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target <= 0 },
		apply: func() { *target = def },
	}
}

func int64Default(key string, target *int64, def int64) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target <= 0 },
		apply: func() { *target = def },
	}
}

func floatDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target <= 0 },
		apply: func() { *target = def },
	}
}

func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Risk.applyDefaults(keys)
	c.Broker.applyDefaults(keys)
	c.Executor.applyDefaults(keys)
	c.Store.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringDefault("app.env", &a.Env, defaultAppEnv),
		stringDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringDefault("app.log_path", &a.LogPath, defaultAppLogPath),
	)
}

func (r *RiskConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		floatDefault("risk.risk_per_trade_pct", &r.RiskPerTradePct, defaultRiskPerTradePct),
		int64Default("risk.max_position_units", &r.MaxPositionUnits, defaultMaxPositionUnits),
		intDefault("risk.max_positions_per_instrument", &r.MaxPositionsPerInstrument, defaultMaxPositionsPerInst),
		intDefault("risk.max_concurrent_positions", &r.MaxConcurrentPositions, defaultMaxConcurrentPos),
		floatDefault("risk.max_instrument_exposure", &r.MaxInstrumentExposure, defaultMaxInstrumentExposure),
		floatDefault("risk.max_portfolio_exposure", &r.MaxPortfolioExposure, defaultMaxPortfolioExposure),
		floatDefault("risk.max_drawdown_pct", &r.MaxDrawdownPct, defaultMaxDrawdownPct),
		floatDefault("risk.correlation_threshold", &r.CorrelationThreshold, defaultCorrelationThreshold),
		stringDefault("risk.correlation_mode", &r.CorrelationMode, defaultCorrelationMode),
		floatDefault("risk.default_sl_pips", &r.DefaultSLPips, defaultSLPips),
		floatDefault("risk.default_tp_pips", &r.DefaultTPPips, defaultTPPips),
		intDefault("risk.slippage_tolerance_bps", &r.SlippageToleranceBps, defaultSlippageBps),
		intDefault("risk.atr_period", &r.ATRPeriod, defaultATRPeriod),
		floatDefault("risk.atr_multiplier_sizing", &r.ATRMultiplierSizing, defaultATRMultSizing),
		floatDefault("risk.atr_multiplier_sl", &r.ATRMultiplierSL, defaultATRMultSL),
		floatDefault("risk.atr_multiplier_tp", &r.ATRMultiplierTP, defaultATRMultTP),
	)
}

func (b *BrokerConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringDefault("broker.venue", &b.Venue, defaultVenue),
		stringDefault("broker.oanda.environment", &b.OANDA.Environment, defaultOandaEnv),
		intDefault("broker.oanda.timeout_seconds", &b.OANDA.TimeoutSeconds, defaultOandaTimeout),
		intDefault("broker.oanda.stream_timeout_seconds", &b.OANDA.StreamTimeoutSeconds, defaultStreamTimeout),
		intDefault("broker.mt5.timeout_seconds", &b.MT5.TimeoutSeconds, defaultMT5Timeout),
	)
}

func (e *ExecutorConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intDefault("executor.max_retries", &e.MaxRetries, defaultMaxRetries),
		intDefault("executor.retry_delay_ms", &e.RetryDelayMS, defaultRetryDelayMS),
		intDefault("executor.max_backoff_ms", &e.MaxBackoffMS, defaultMaxBackoffMS),
		intDefault("executor.idempotency_ttl_seconds", &e.IdempotencyTTLSeconds, defaultIdemTTLSeconds),
	)
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringDefault("store.positions_path", &s.PositionsPath, defaultPositionsPath),
		stringDefault("store.exec_log_path", &s.ExecLogPath, defaultExecLogPath),
	)
}
