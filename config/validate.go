package config

import (
	"fmt"
	"strings"
)

// ErrInvalid 用于参数验证错误。
type ErrInvalid string

func (e ErrInvalid) Error() string { return string(e) }

func invalid(format string, args ...interface{}) error {
	return ErrInvalid(fmt.Sprintf(format, args...))
}

var riskLevels = map[string]bool{"": true, "low": true, "medium": true, "high": true, "max": true}

// Validate ensures required fields are present.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return invalid("env is required")
	}
	if cfg.Gateway.APIKey == "" || cfg.Gateway.APISecret == "" {
		return invalid("gateway.apiKey/apiSecret is required (or env overrides)")
	}
	if cfg.Gateway.BaseURL == "" {
		return invalid("gateway.baseURL is required")
	}
	if cfg.Gateway.WSURL == "" {
		return invalid("gateway.wsURL is required")
	}
	if cfg.Gateway.PrivateWSURL == "" {
		// 成交与仓位只从私有推送获得，对账快照不含已成交订单
		return invalid("gateway.privateWSURL is required")
	}
	if cfg.Gateway.RateLimit < 0 {
		return invalid("gateway.rateLimit must be >= 0")
	}
	if cfg.Hub.MaxRetries < 0 {
		return invalid("hub.maxRetries must be >= 0")
	}
	if cfg.Alert.ThrottleSec < 0 {
		return invalid("alert.throttleSec must be >= 0")
	}
	if err := validateRisk(cfg); err != nil {
		return err
	}
	if len(cfg.Tasks) == 0 {
		return invalid("at least one task is required")
	}
	seen := make(map[string]bool, len(cfg.Tasks))
	for i, t := range cfg.Tasks {
		if t.Symbol == "" {
			return invalid("tasks[%d].symbol is required", i)
		}
		if seen[t.Symbol] {
			return invalid("task %s configured twice", t.Symbol)
		}
		seen[t.Symbol] = true
		if t.BudgetUSD <= 0 {
			return invalid("task %s budgetUSD must be > 0", t.Symbol)
		}
		if !riskLevels[strings.ToLower(t.RiskLevel)] {
			return invalid("task %s riskLevel %q must be one of low|medium|high|max", t.Symbol, t.RiskLevel)
		}
		if t.ExitBps < 0 {
			return invalid("task %s exitBps must be >= 0", t.Symbol)
		}
		if t.RepriceBps < 0 {
			return invalid("task %s repriceBps must be >= 0", t.Symbol)
		}
		if t.RefreshIntervalMs < 0 || t.SendTimeoutMs < 0 || t.ReconcileIntervalMs < 0 || t.MaxPriceAgeMs < 0 {
			return invalid("task %s intervals must be >= 0", t.Symbol)
		}
	}
	return nil
}

func validateRisk(cfg AppConfig) error {
	r := cfg.Risk
	if r.MaxVelocityBpsPerSec < 0 {
		return invalid("risk.maxVelocityBpsPerSec must be >= 0")
	}
	if r.MinDepthNotional < 0 {
		return invalid("risk.minDepthNotional must be >= 0")
	}
	if r.MaxSpreadBps < 0 {
		return invalid("risk.maxSpreadBps must be >= 0")
	}
	if r.MaxPositionNotional < 0 {
		return invalid("risk.maxPositionNotional must be >= 0")
	}
	if r.MaxFillsPerMinute < 0 {
		return invalid("risk.maxFillsPerMinute must be >= 0")
	}
	return nil
}
