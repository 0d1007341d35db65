package config

import (
	"fmt"
	"strings"
)

func validate(c *Config) error {
	if err := c.Risk.validate(); err != nil {
		return err
	}
	if err := c.Broker.validate(); err != nil {
		return err
	}
	if err := c.Executor.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	for i, inst := range c.Instruments {
		if strings.TrimSpace(inst.Name) == "" {
			return fmt.Errorf("instruments[%d] missing name", i)
		}
		if inst.PipSize < 0 {
			return fmt.Errorf("instruments[%d] pip_size must be >= 0", i)
		}
		if inst.MaxUnits > 0 && inst.MinUnits > inst.MaxUnits {
			return fmt.Errorf("instruments[%d] min_units exceeds max_units", i)
		}
	}
	return nil
}

func (r *RiskConfig) validate() error {
	if r.RiskPerTradePct <= 0 || r.RiskPerTradePct > 0.05 {
		return fmt.Errorf("risk.risk_per_trade_pct must be in (0, 0.05]")
	}
	if r.MaxPositionUnits < 1 {
		return fmt.Errorf("risk.max_position_units must be >= 1")
	}
	if r.MaxDrawdownPct <= 0 || r.MaxDrawdownPct > 1 {
		return fmt.Errorf("risk.max_drawdown_pct must be in (0, 1]")
	}
	if r.CorrelationThreshold <= 0 || r.CorrelationThreshold > 1 {
		return fmt.Errorf("risk.correlation_threshold must be in (0, 1]")
	}
	switch r.CorrelationMode {
	case "same_direction", "any":
	default:
		return fmt.Errorf("risk.correlation_mode must be same_direction or any, got %q", r.CorrelationMode)
	}
	if r.MaxPortfolioExposure <= 0 {
		return fmt.Errorf("risk.max_portfolio_exposure must be > 0")
	}
	if r.MaxInstrumentExposure <= 0 {
		return fmt.Errorf("risk.max_instrument_exposure must be > 0")
	}
	if r.MaxInstrumentExposure > r.MaxPortfolioExposure {
		return fmt.Errorf("risk.max_instrument_exposure cannot exceed max_portfolio_exposure")
	}
	if r.ATRPeriod < 2 {
		return fmt.Errorf("risk.atr_period must be >= 2")
	}
	if r.ATRMultiplierSL <= 0 || r.ATRMultiplierTP <= 0 || r.ATRMultiplierSizing <= 0 {
		return fmt.Errorf("risk atr multipliers must be > 0")
	}
	return nil
}

func (b *BrokerConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(b.Venue)) {
	case "oanda":
		if strings.TrimSpace(b.OANDA.APIToken) == "" {
			return fmt.Errorf("broker.oanda.api_token cannot be empty")
		}
		if strings.TrimSpace(b.OANDA.AccountID) == "" {
			return fmt.Errorf("broker.oanda.account_id cannot be empty")
		}
		switch strings.ToLower(strings.TrimSpace(b.OANDA.Environment)) {
		case "practice", "live":
		default:
			return fmt.Errorf("broker.oanda.environment must be practice or live, got %q", b.OANDA.Environment)
		}
	case "mt5":
		if strings.TrimSpace(b.MT5.BridgeURL) == "" {
			return fmt.Errorf("broker.mt5.bridge_url cannot be empty")
		}
		if b.MT5.Login <= 0 {
			return fmt.Errorf("broker.mt5.login must be > 0")
		}
	default:
		return fmt.Errorf("broker.venue must be oanda or mt5, got %q", b.Venue)
	}
	return nil
}

func (e *ExecutorConfig) validate() error {
	if e.MaxRetries < 0 {
		return fmt.Errorf("executor.max_retries must be >= 0")
	}
	if e.RetryDelayMS <= 0 {
		return fmt.Errorf("executor.retry_delay_ms must be > 0")
	}
	if e.MaxBackoffMS < e.RetryDelayMS {
		return fmt.Errorf("executor.max_backoff_ms must be >= retry_delay_ms")
	}
	// The idempotency log must outlive any retry sequence, otherwise a
	// duplicate Execute could slip through after expiry.
	minTTL := (e.MaxRetries + 1) * e.MaxBackoffMS / 1000
	if e.IdempotencyTTLSeconds <= minTTL {
		return fmt.Errorf("executor.idempotency_ttl_seconds must exceed max_retries x max_backoff (%ds)", minTTL)
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	if n.Telegram.Enabled {
		if n.Telegram.BotToken == "" || n.Telegram.ChatID == "" {
			return fmt.Errorf("telegram notification enabled but missing bot_token or chat_id")
		}
	}
	return nil
}
