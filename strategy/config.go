package strategy

import (
	"errors"
	"time"

	"perp-maker-go/risk"
)

// Config 单交易对做市参数
type Config struct {
	Symbol            string
	BudgetUSD         float64
	RiskLevel         RiskLevel
	Tiers             []Tier
	RefreshInterval   time.Duration
	RepriceBps        float64 // 参考价变动超过该值时立即刷新，0 表示只按周期刷新
	SendTimeout       time.Duration
	ReconcileInterval time.Duration
	MaxPriceAge       time.Duration // 参考价快照超过该时长视为失效，暂停报价
	Risk              risk.Config

	SurvivalDuration  time.Duration
	BackoffDuration   time.Duration
	BackoffMultiplier float64
	InventoryCapRatio float64

	CancelAckTimeout    time.Duration
	CancelRetryInterval time.Duration
	ReconcileMinGap     time.Duration
	MinRestForDrift     time.Duration
	MinDriftBps         float64
}

// DefaultConfig 默认参数
func DefaultConfig(symbol string, budgetUSD float64) Config {
	return Config{
		Symbol:              symbol,
		BudgetUSD:           budgetUSD,
		RiskLevel:           RiskMax,
		Tiers:               DefaultTiers(),
		RefreshInterval:     time.Second,
		RepriceBps:          1,
		SendTimeout:         10 * time.Second,
		ReconcileInterval:   30 * time.Second,
		MaxPriceAge:         10 * time.Second,
		Risk:                risk.DefaultConfig(),
		SurvivalDuration:    60 * time.Second,
		BackoffDuration:     600 * time.Second,
		BackoffMultiplier:   0.3,
		InventoryCapRatio:   0.5,
		CancelAckTimeout:    10 * time.Second,
		CancelRetryInterval: 15 * time.Second,
		ReconcileMinGap:     5 * time.Second,
		MinRestForDrift:     3 * time.Second,
		MinDriftBps:         1,
	}
}

// Validate 检查必填项并补齐默认值
func (c *Config) Validate() error {
	if c.Symbol == "" {
		return errors.New("symbol required")
	}
	if c.BudgetUSD <= 0 {
		return errors.New("budget must be positive")
	}
	def := DefaultConfig(c.Symbol, c.BudgetUSD)
	if c.RiskLevel == "" {
		c.RiskLevel = def.RiskLevel
	}
	if len(c.Tiers) == 0 {
		c.Tiers = def.Tiers
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = def.RefreshInterval
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = def.SendTimeout
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = def.ReconcileInterval
	}
	if c.MaxPriceAge <= 0 {
		c.MaxPriceAge = def.MaxPriceAge
	}
	if c.SurvivalDuration <= 0 {
		c.SurvivalDuration = def.SurvivalDuration
	}
	if c.BackoffDuration <= 0 {
		c.BackoffDuration = def.BackoffDuration
	}
	if c.BackoffMultiplier <= 0 || c.BackoffMultiplier > 1 {
		c.BackoffMultiplier = def.BackoffMultiplier
	}
	if c.InventoryCapRatio <= 0 {
		c.InventoryCapRatio = def.InventoryCapRatio
	}
	if c.CancelAckTimeout <= 0 {
		c.CancelAckTimeout = def.CancelAckTimeout
	}
	if c.CancelRetryInterval <= 0 {
		c.CancelRetryInterval = def.CancelRetryInterval
	}
	if c.ReconcileMinGap <= 0 {
		c.ReconcileMinGap = def.ReconcileMinGap
	}
	if c.MinRestForDrift <= 0 {
		c.MinRestForDrift = def.MinRestForDrift
	}
	if c.MinDriftBps <= 0 {
		c.MinDriftBps = def.MinDriftBps
	}
	return nil
}

// ActiveTiers 当前风险级别下启用的档位
func (c Config) ActiveTiers() []Tier {
	n := c.RiskLevel.ActiveTiers()
	if n > len(c.Tiers) {
		n = len(c.Tiers)
	}
	return c.Tiers[:n]
}
