package strategy

import (
	"github.com/shopspring/decimal"

	"perp-maker-go/gateway"
)

var (
	one      = decimal.NewFromInt(1)
	bpsScale = decimal.NewFromInt(10000)
)

// PriceAtBps 以 ref 为基准向远离盘口方向偏移 bps：买单在下，卖单在上。
func PriceAtBps(ref decimal.Decimal, side gateway.Side, bps float64) decimal.Decimal {
	factor := decimal.NewFromFloat(bps).Div(bpsScale)
	if side == gateway.SideBuy {
		return ref.Mul(one.Sub(factor))
	}
	return ref.Mul(one.Add(factor))
}

// BpsFromPrice PriceAtBps 的逆运算；价格位于盘口内侧时为负。
func BpsFromPrice(ref decimal.Decimal, side gateway.Side, price decimal.Decimal) float64 {
	if !ref.IsPositive() {
		return 0
	}
	diff := price.Sub(ref)
	if side == gateway.SideBuy {
		diff = ref.Sub(price)
	}
	return diff.Div(ref).Mul(bpsScale).InexactFloat64()
}

// DistanceBps 两个价格间的绝对距离（bps，以 base 为分母）
func DistanceBps(base, price decimal.Decimal) float64 {
	if !base.IsPositive() {
		return 0
	}
	return price.Sub(base).Abs().Div(base).Mul(bpsScale).InexactFloat64()
}
