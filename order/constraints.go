package order

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// SymbolConstraints 描述交易对的精度、数量限制与 maker 费率（来自 symbol info）。
type SymbolConstraints struct {
	Symbol        string          `json:"symbol"`
	PriceDecimals int32           `json:"price_decimals"`
	QtyDecimals   int32           `json:"qty_decimals"`
	MinQty        decimal.Decimal `json:"min_qty"`
	MaxQty        decimal.Decimal `json:"max_qty"`
	MakerFeeRate  decimal.Decimal `json:"maker_fee_rate"`
}

// AlignPrice 按价格精度向零截断。
func (c SymbolConstraints) AlignPrice(price decimal.Decimal) decimal.Decimal {
	return price.Truncate(c.PriceDecimals)
}

// AlignQty 按数量精度向零截断；低于最小下单量时归零，超过最大下单量时封顶。
func (c SymbolConstraints) AlignQty(qty decimal.Decimal) decimal.Decimal {
	qty = qty.Truncate(c.QtyDecimals)
	if !qty.IsPositive() {
		return decimal.Zero
	}
	if c.MinQty.IsPositive() && qty.LessThan(c.MinQty) {
		return decimal.Zero
	}
	if c.MaxQty.IsPositive() && qty.GreaterThan(c.MaxQty) {
		return c.MaxQty.Truncate(c.QtyDecimals)
	}
	return qty
}

// MakerFeeBps maker 费率换算为 bps。
func (c SymbolConstraints) MakerFeeBps() float64 {
	return c.MakerFeeRate.Mul(decimal.NewFromInt(10000)).InexactFloat64()
}

// Validate 检查订单价格/数量是否符合精度与数量限制。
func (c SymbolConstraints) Validate(price, qty decimal.Decimal) error {
	if !price.Equal(c.AlignPrice(price)) {
		return fmt.Errorf("price %s not aligned to %d decimals", price, c.PriceDecimals)
	}
	if !qty.Equal(qty.Truncate(c.QtyDecimals)) {
		return fmt.Errorf("qty %s not aligned to %d decimals", qty, c.QtyDecimals)
	}
	if c.MinQty.IsPositive() && qty.LessThan(c.MinQty) {
		return fmt.Errorf("qty %s < minQty %s", qty, c.MinQty)
	}
	if c.MaxQty.IsPositive() && qty.GreaterThan(c.MaxQty) {
		return fmt.Errorf("qty %s > maxQty %s", qty, c.MaxQty)
	}
	return nil
}
