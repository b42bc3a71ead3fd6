package strategy

import (
	"fmt"
	"strings"
)

// Tier 报价阶梯的一档，由距参考价的 bps 区间定义。
type Tier struct {
	Index    int     `yaml:"index"`
	MinBps   float64 `yaml:"minBps"`
	MaxBps   float64 `yaml:"maxBps"`
	Weight   float64 `yaml:"weight"`
	DriftBps float64 `yaml:"driftBps"` // 0 表示不做漂移重挂
}

// Band 档位区间
func (t Tier) Band() Band { return Band{Min: t.MinBps, Max: t.MaxBps} }

// Contains bps 是否落在档位区间内（闭区间）
func (t Tier) Contains(bps float64) bool {
	return bps >= t.MinBps && bps <= t.MaxBps
}

// DefaultTiers 五档默认阶梯
func DefaultTiers() []Tier {
	return []Tier{
		{Index: 1, MinBps: 2, MaxBps: 10, Weight: 0.30, DriftBps: 2.5},
		{Index: 2, MinBps: 10, MaxBps: 20, Weight: 0.25},
		{Index: 3, MinBps: 20, MaxBps: 40, Weight: 0.20},
		{Index: 4, MinBps: 40, MaxBps: 70, Weight: 0.15},
		{Index: 5, MinBps: 70, MaxBps: 100, Weight: 0.10},
	}
}

// RiskLevel 风险偏好，决定启用档位数与强平阈值。
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
	RiskMax    RiskLevel = "max"
)

// ParseRiskLevel 解析配置中的风险级别
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch l := RiskLevel(strings.ToLower(strings.TrimSpace(s))); l {
	case RiskLow, RiskMedium, RiskHigh, RiskMax:
		return l, nil
	case "":
		return RiskMax, nil
	default:
		return "", fmt.Errorf("unknown risk level %q", s)
	}
}

// ActiveTiers 启用的档位数：1/2/3/5
func (l RiskLevel) ActiveTiers() int {
	switch l {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	default:
		return 5
	}
}

// GuardBps 保护单偏离标记价超过该值时强平
func (l RiskLevel) GuardBps() float64 {
	switch l {
	case RiskLow:
		return 50
	case RiskMedium:
		return 80
	case RiskHigh:
		return 120
	default:
		return 150
	}
}
