package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// StateKind 订单生命周期阶段。
type StateKind int

const (
	StatePending StateKind = iota
	StateSent
	StateAcknowledged
	StatePartiallyFilled
	StateCancelling
	StateFilled
	StateCancelled
	StateFailed
)

func (k StateKind) String() string {
	switch k {
	case StatePending:
		return "PENDING"
	case StateSent:
		return "SENT"
	case StateAcknowledged:
		return "ACKNOWLEDGED"
	case StatePartiallyFilled:
		return "PARTIALLY_FILLED"
	case StateCancelling:
		return "CANCELLING"
	case StateFilled:
		return "FILLED"
	case StateCancelled:
		return "CANCELLED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// State 带负载的状态值。At 的含义随 Kind 变化：
// created_at / sent_at / acked_at / cancel_sent_at / filled_at / cancelled_at。
type State struct {
	Kind         StateKind
	At           time.Time
	OrderID      int64           // Acknowledged
	FilledQty    decimal.Decimal // PartiallyFilled
	RemainingQty decimal.Decimal // PartiallyFilled
	Reason       string          // Failed
}

// IsTerminal 终态：Filled / Cancelled / Failed。
func (s State) IsTerminal() bool {
	switch s.Kind {
	case StateFilled, StateCancelled, StateFailed:
		return true
	default:
		return false
	}
}

func pending(now time.Time) State { return State{Kind: StatePending, At: now} }
func sent(now time.Time) State { return State{Kind: StateSent, At: now} }
func cancelling(now time.Time) State { return State{Kind: StateCancelling, At: now} }
func failed(reason string) State { return State{Kind: StateFailed, Reason: reason} }

func acknowledged(orderID int64, now time.Time) State {
	return State{Kind: StateAcknowledged, OrderID: orderID, At: now}
}

// 失败原因
const (
	ReasonRejected          = "rejected"
	ReasonMissingOnExchange = "missing_on_exchange"
	ReasonSendTimeout       = "send_timeout"
)

// ExchangeStatus 交易所侧订单状态。
type ExchangeStatus string

const (
	ExchangeNew             ExchangeStatus = "NEW"
	ExchangeOpen            ExchangeStatus = "OPEN"
	ExchangeUntriggered     ExchangeStatus = "UNTRIGGERED"
	ExchangePartiallyFilled ExchangeStatus = "PARTIALLY_FILLED"
	ExchangeFilled          ExchangeStatus = "FILLED"
	ExchangeCancelled       ExchangeStatus = "CANCELLED"
	ExchangeRejected        ExchangeStatus = "REJECTED"
)

// ExchangeOrder 交易所推送或快照中的一条订单视图。
type ExchangeOrder struct {
	OrderID       int64           `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Qty           decimal.Decimal `json:"qty"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	Status        ExchangeStatus  `json:"status"`
}

// deriveState 将交易所状态映射为本地状态。
func deriveState(o ExchangeOrder, now time.Time) State {
	switch o.Status {
	case ExchangeFilled:
		return State{Kind: StateFilled, At: now}
	case ExchangeCancelled:
		return State{Kind: StateCancelled, At: now}
	case ExchangeRejected:
		return failed(ReasonRejected)
	}
	hasFill := o.FilledQty.IsPositive()
	switch {
	case o.Status == ExchangePartiallyFilled,
		hasFill && (o.Status == ExchangeNew || o.Status == ExchangeOpen || o.Status == ExchangeUntriggered):
		remaining := o.Qty.Sub(o.FilledQty)
		if remaining.IsNegative() {
			remaining = decimal.Zero
		}
		return State{Kind: StatePartiallyFilled, At: now, FilledQty: o.FilledQty, RemainingQty: remaining}
	}
	return acknowledged(o.OrderID, now)
}
