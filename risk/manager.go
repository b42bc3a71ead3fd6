package risk

import (
	"fmt"
	"math"
	"time"
)

const (
	priceWindow = time.Second
	fillWindow  = time.Minute
)

// Level 风险判定结果
type Level int

const (
	// LevelSafe 可以报价
	LevelSafe Level = iota
	// LevelCaution 撤单观望
	LevelCaution
	// LevelHalt 停止报价
	LevelHalt
)

// String 返回级别名称
func (l Level) String() string {
	switch l {
	case LevelSafe:
		return "SAFE"
	case LevelCaution:
		return "CAUTION"
	case LevelHalt:
		return "HALT"
	default:
		return "UNKNOWN"
	}
}

// Verdict 一次评估的结论；Halt 原因排在 Caution 原因之前。
type Verdict struct {
	Level   Level
	Reasons []string
}

// IsSafe 是否允许报价
func (v Verdict) IsSafe() bool { return v.Level == LevelSafe }

// Config 风控阈值，为 0 的阈值表示关闭该项检查。
type Config struct {
	MaxVelocityBpsPerSec float64 `yaml:"maxVelocityBpsPerSec"` // 1 秒窗口内的最大价格速度
	MinDepthNotional     float64 `yaml:"minDepthNotional"`     // 双边挂单名义价值下限
	MaxSpreadBps         float64 `yaml:"maxSpreadBps"`         // 最优买卖价差上限
	MaxPositionNotional  float64 `yaml:"maxPositionNotional"`  // 持仓名义价值上限
	MaxFillsPerMinute    int     `yaml:"maxFillsPerMinute"`    // 60 秒内成交笔数上限
}

// DefaultConfig 默认阈值
func DefaultConfig() Config {
	return Config{
		MaxVelocityBpsPerSec: 30,
		MinDepthNotional:     0,
		MaxSpreadBps:         50,
		MaxPositionNotional:  0,
		MaxFillsPerMinute:    5,
	}
}

// BookLevel 盘口一档
type BookLevel struct {
	Price float64
	Qty   float64
}

// Depth 深度快照，Bids 价格降序，Asks 价格升序。
type Depth struct {
	Bids []BookLevel
	Asks []BookLevel
}

// Notional 双边合计名义价值
func (d Depth) Notional() float64 {
	total := 0.0
	for _, l := range d.Bids {
		total += l.Price * l.Qty
	}
	for _, l := range d.Asks {
		total += l.Price * l.Qty
	}
	return total
}

// Inputs 评估时可选的外部输入。
type Inputs struct {
	Depth            *Depth  // nil 跳过深度检查
	BestBid, BestAsk float64 // 任一为 0 时从 Depth 推导，仍缺失则跳过点差检查
	PositionNotional float64 // 有符号，按绝对值比较
}

type priceSample struct {
	at    time.Time
	price float64
}

// Manager 滚动窗口风控评估器。
// 归属单个策略任务，不加锁。
type Manager struct {
	cfg    Config
	prices []priceSample
	fills  []time.Time
}

// NewManager 创建风控评估器
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg}
}

// Config 当前阈值
func (m *Manager) Config() Config { return m.cfg }

// UpdateConfig 热更新阈值，窗口数据保留。
func (m *Manager) UpdateConfig(cfg Config) { m.cfg = cfg }

// RecordPrice 追加价格样本，非正价格直接忽略。
func (m *Manager) RecordPrice(now time.Time, price float64) {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return
	}
	m.prices = append(m.prices, priceSample{at: now, price: price})
	m.prune(now)
}

// RecordFill 记录一次成交
func (m *Manager) RecordFill(now time.Time) {
	m.fills = append(m.fills, now)
	m.prune(now)
}

// FillsInWindow 60 秒窗口内成交笔数
func (m *Manager) FillsInWindow(now time.Time) int {
	m.prune(now)
	return len(m.fills)
}

// minVelocityInterval 同一时刻的两次采样按 1ms 计
const minVelocityInterval = time.Millisecond

// Velocity 1 秒窗口内最大价格速度（bps/s），按样本间的实际间隔折算。
func (m *Manager) Velocity(now time.Time) float64 {
	m.prune(now)
	if len(m.prices) < 2 {
		return 0
	}
	first := m.prices[0]
	maxV := 0.0
	for _, s := range m.prices[1:] {
		dt := s.at.Sub(first.at)
		if dt < minVelocityInterval {
			dt = minVelocityInterval
		}
		v := math.Abs(s.price-first.price) / first.price * 1e4 / dt.Seconds()
		if v > maxV {
			maxV = v
		}
	}
	return maxV
}

// Assess 独立评估五项条件，任一 Halt 即 Halt，否则任一 Caution 即 Caution。
func (m *Manager) Assess(now time.Time, in Inputs) Verdict {
	m.prune(now)
	var halts, cautions []string

	if m.cfg.MaxVelocityBpsPerSec > 0 {
		if v := m.Velocity(now); v > m.cfg.MaxVelocityBpsPerSec {
			halts = append(halts, fmt.Sprintf("price velocity %.2fbps/s > %.2f", v, m.cfg.MaxVelocityBpsPerSec))
		}
	}
	if m.cfg.MinDepthNotional > 0 && in.Depth != nil {
		if n := in.Depth.Notional(); n < m.cfg.MinDepthNotional {
			halts = append(halts, fmt.Sprintf("depth notional %.2f < %.2f", n, m.cfg.MinDepthNotional))
		}
	}
	if m.cfg.MaxFillsPerMinute > 0 && len(m.fills) > m.cfg.MaxFillsPerMinute {
		halts = append(halts, fmt.Sprintf("fills in last minute %d > %d", len(m.fills), m.cfg.MaxFillsPerMinute))
	}

	if m.cfg.MaxSpreadBps > 0 {
		if bps, ok := spreadBps(in); ok && bps > m.cfg.MaxSpreadBps {
			cautions = append(cautions, fmt.Sprintf("spread %.2fbps > %.2f", bps, m.cfg.MaxSpreadBps))
		}
	}
	if m.cfg.MaxPositionNotional > 0 {
		if n := math.Abs(in.PositionNotional); n > m.cfg.MaxPositionNotional {
			cautions = append(cautions, fmt.Sprintf("position notional %.2f > %.2f", n, m.cfg.MaxPositionNotional))
		}
	}

	switch {
	case len(halts) > 0:
		return Verdict{Level: LevelHalt, Reasons: append(halts, cautions...)}
	case len(cautions) > 0:
		return Verdict{Level: LevelCaution, Reasons: cautions}
	default:
		return Verdict{Level: LevelSafe}
	}
}

func (m *Manager) prune(now time.Time) {
	cutoff := now.Add(-priceWindow)
	i := 0
	for i < len(m.prices) && m.prices[i].at.Before(cutoff) {
		i++
	}
	m.prices = m.prices[i:]

	cutoff = now.Add(-fillWindow)
	j := 0
	for j < len(m.fills) && m.fills[j].Before(cutoff) {
		j++
	}
	m.fills = m.fills[j:]
}

// spreadBps 价差 bps，倒挂或为 0 时钳制为 0。
func spreadBps(in Inputs) (float64, bool) {
	bid, ask := in.BestBid, in.BestAsk
	if (bid <= 0 || ask <= 0) && in.Depth != nil {
		if len(in.Depth.Bids) > 0 {
			bid = in.Depth.Bids[0].Price
		}
		if len(in.Depth.Asks) > 0 {
			ask = in.Depth.Asks[0].Price
		}
	}
	if bid <= 0 || ask <= 0 {
		return 0, false
	}
	mid := (bid + ask) / 2
	bps := (ask - bid) / mid * 1e4
	if bps < 0 {
		bps = 0
	}
	return bps, true
}
