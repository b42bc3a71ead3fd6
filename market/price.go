package market

import (
	"time"

	"github.com/shopspring/decimal"
)

var two = decimal.NewFromInt(2)

// PriceSnapshot 某交易对的最新价格，首次推送前为零值占位。
type PriceSnapshot struct {
	Symbol string
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	Last   decimal.Decimal
	Mark   decimal.Decimal
	At     time.Time
}

// IsZero 是否仍是占位值
func (p PriceSnapshot) IsZero() bool { return p.At.IsZero() }

// Mid 买卖一都有效时返回中间价
func (p PriceSnapshot) Mid() (decimal.Decimal, bool) {
	if !p.Bid.IsPositive() || !p.Ask.IsPositive() {
		return decimal.Zero, false
	}
	return p.Bid.Add(p.Ask).Div(two), true
}

// ReferencePrice 参考价：优先中间价，其次最新成交价，最后标记价。
func (p PriceSnapshot) ReferencePrice() (decimal.Decimal, bool) {
	if mid, ok := p.Mid(); ok {
		return mid, true
	}
	if p.Last.IsPositive() {
		return p.Last, true
	}
	if p.Mark.IsPositive() {
		return p.Mark, true
	}
	return decimal.Zero, false
}

// MarkOrReference 标记价，缺失时退回参考价。
func (p PriceSnapshot) MarkOrReference() (decimal.Decimal, bool) {
	if p.Mark.IsPositive() {
		return p.Mark, true
	}
	return p.ReferencePrice()
}

// Merge 用增量推送中的有效字段覆盖旧值
func (p PriceSnapshot) Merge(u PriceSnapshot) PriceSnapshot {
	if u.Bid.IsPositive() {
		p.Bid = u.Bid
	}
	if u.Ask.IsPositive() {
		p.Ask = u.Ask
	}
	if u.Last.IsPositive() {
		p.Last = u.Last
	}
	if u.Mark.IsPositive() {
		p.Mark = u.Mark
	}
	if u.Symbol != "" {
		p.Symbol = u.Symbol
	}
	p.At = u.At
	return p
}

// PriceLevel 盘口一档
type PriceLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// DepthBook 深度快照，Bids 降序，Asks 升序。
type DepthBook struct {
	Symbol string
	Bids   []PriceLevel
	Asks   []PriceLevel
	At     time.Time
}

// IsZero 是否仍是占位值
func (d DepthBook) IsZero() bool { return d.At.IsZero() }
