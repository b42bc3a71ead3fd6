package market

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"perp-maker-go/order"
)

// Channel WS 消息频道
type Channel string

const (
	ChannelPrice     Channel = "price"
	ChannelDepthBook Channel = "depth_book"
	ChannelOrder     Channel = "order"
	ChannelPosition  Channel = "position"
	ChannelBalance   Channel = "balance"
	ChannelOther     Channel = "other"
)

// PositionUpdate 仓位推送，Qty 有符号（正为多头）。
type PositionUpdate struct {
	Symbol     string          `json:"symbol"`
	Qty        decimal.Decimal `json:"qty"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	MarkPrice  decimal.Decimal `json:"mark_price"`
}

// BalanceUpdate 余额推送
type BalanceUpdate struct {
	Asset     string          `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Total     decimal.Decimal `json:"total"`
}

// Message 按频道区分的消息联合体，仅与 Channel 对应的字段非空。
type Message struct {
	Channel  Channel
	Symbol   string
	Price    *PriceSnapshot
	Depth    *DepthBook
	Order    *order.ExchangeOrder
	Position *PositionUpdate
	Balance  *BalanceUpdate
	Raw      json.RawMessage // ChannelOther
}

type envelope struct {
	Channel string          `json:"channel"`
	Symbol  string          `json:"symbol"`
	Data    json.RawMessage `json:"data"`
}

type pricePayload struct {
	Bid  decimal.Decimal `json:"bid"`
	Ask  decimal.Decimal `json:"ask"`
	Last decimal.Decimal `json:"last"`
	Mark decimal.Decimal `json:"mark"`
	Ts   int64           `json:"ts"`
}

type depthPayload struct {
	Bids [][2]decimal.Decimal `json:"bids"`
	Asks [][2]decimal.Decimal `json:"asks"`
	Ts   int64                `json:"ts"`
}

// Parse 解析一条 WS 消息。未识别的频道返回 ChannelOther 而不是错误。
// now 用于缺少时间戳的推送。
func Parse(raw []byte, now time.Time) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, fmt.Errorf("decode envelope: %w", err)
	}
	msg := Message{Channel: Channel(env.Channel), Symbol: env.Symbol}
	switch msg.Channel {
	case ChannelPrice:
		var p pricePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return Message{}, fmt.Errorf("decode price: %w", err)
		}
		msg.Price = &PriceSnapshot{
			Symbol: env.Symbol,
			Bid:    p.Bid,
			Ask:    p.Ask,
			Last:   p.Last,
			Mark:   p.Mark,
			At:     tsOrNow(p.Ts, now),
		}
	case ChannelDepthBook:
		var p depthPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return Message{}, fmt.Errorf("decode depth: %w", err)
		}
		msg.Depth = &DepthBook{
			Symbol: env.Symbol,
			Bids:   levels(p.Bids),
			Asks:   levels(p.Asks),
			At:     tsOrNow(p.Ts, now),
		}
	case ChannelOrder:
		var o order.ExchangeOrder
		if err := json.Unmarshal(env.Data, &o); err != nil {
			return Message{}, fmt.Errorf("decode order: %w", err)
		}
		if o.Symbol == "" {
			o.Symbol = env.Symbol
		}
		msg.Order = &o
	case ChannelPosition:
		var p PositionUpdate
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return Message{}, fmt.Errorf("decode position: %w", err)
		}
		if p.Symbol == "" {
			p.Symbol = env.Symbol
		}
		msg.Position = &p
	case ChannelBalance:
		var b BalanceUpdate
		if err := json.Unmarshal(env.Data, &b); err != nil {
			return Message{}, fmt.Errorf("decode balance: %w", err)
		}
		msg.Balance = &b
	default:
		msg.Channel = ChannelOther
		msg.Raw = append(json.RawMessage(nil), raw...)
	}
	return msg, nil
}

func levels(in [][2]decimal.Decimal) []PriceLevel {
	out := make([]PriceLevel, 0, len(in))
	for _, l := range in {
		out = append(out, PriceLevel{Price: l[0], Qty: l[1]})
	}
	return out
}

func tsOrNow(ms int64, now time.Time) time.Time {
	if ms <= 0 {
		return now
	}
	return time.UnixMilli(ms)
}
