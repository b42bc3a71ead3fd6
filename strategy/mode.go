package strategy

// Band bps 区间
type Band struct {
	Min float64
	Max float64
}

// Intersect 区间交集，空集时 ok 为 false。
func (b Band) Intersect(o Band) (Band, bool) {
	lo, hi := b.Min, b.Max
	if o.Min > lo {
		lo = o.Min
	}
	if o.Max < hi {
		hi = o.Max
	}
	if lo > hi {
		return Band{}, false
	}
	return Band{Min: lo, Max: hi}, true
}

// Mid 区间中点
func (b Band) Mid() float64 { return (b.Min + b.Max) / 2 }

// ModeKind 策略模式
type ModeKind int

const (
	ModeAggressive ModeKind = iota
	ModeSurvival
)

func (k ModeKind) String() string {
	if k == ModeSurvival {
		return "SURVIVAL"
	}
	return "AGGRESSIVE"
}

// Mode 模式及其目标 bps 区间
type Mode struct {
	Kind ModeKind
	Band Band
}

// AggressiveMode 默认全区间报价
func AggressiveMode() Mode { return Mode{Kind: ModeAggressive, Band: Band{Min: 0, Max: 100}} }

// SurvivalMode 成交后收窄目标区间，报价远离参考价。
// 下限落在 T1 区间内，每一档都与之有交集。
func SurvivalMode() Mode { return Mode{Kind: ModeSurvival, Band: Band{Min: 8, Max: 100}} }

// TargetBps 档位区间与模式区间交集的中点，交集为空时退回档位自身区间。
func TargetBps(t Tier, m Mode) float64 {
	if b, ok := t.Band().Intersect(m.Band); ok {
		return b.Mid()
	}
	return t.Band().Mid()
}

// SizeMultiplier 按目标 bps 缩放下单量
func SizeMultiplier(bps float64) float64 {
	switch {
	case bps < 10:
		return 1
	case bps < 30:
		return 0.5
	case bps <= 100:
		return 0.1
	default:
		return 0
	}
}
