package order

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrDuplicateClientOrderID = errors.New("duplicate client order id")
	ErrUnknownClientOrderID   = errors.New("unknown client order id")
	ErrUnknownOrderID         = errors.New("unknown exchange order id")
	ErrOrderIDConflict        = errors.New("order id conflict")
	ErrOrderIDMismatch        = errors.New("order id mismatch")
	ErrInvalidTransition      = errors.New("invalid state transition")
)

// DefaultSendTimeout Sent 状态最长等待时间。
const DefaultSendTimeout = 10 * time.Second

// TrackedOrder 以 client order id 为主键的本地订单记录。
type TrackedOrder struct {
	ClientOrderID string
	OrderID       int64 // 0 表示尚未绑定
	TotalQty      decimal.Decimal
	FilledQty     decimal.Decimal
	State         State
}

// HasOrderID 是否已绑定交易所订单号。
func (o TrackedOrder) HasOrderID() bool { return o.OrderID != 0 }

// ReconcileResult 对账计数。
type ReconcileResult struct {
	Inserted      int
	Updated       int
	MissingFailed int
}

// Tracker 订单状态机。
// 不是并发安全的：一个 Tracker 只归属一个策略任务，由其单独驱动。
type Tracker struct {
	orders      map[string]*TrackedOrder
	byOrderID   map[int64]string
	sendTimeout time.Duration
}

// NewTracker 创建 Tracker；sendTimeout<=0 时使用默认 10s。
func NewTracker(sendTimeout time.Duration) *Tracker {
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	return &Tracker{
		orders:      make(map[string]*TrackedOrder),
		byOrderID:   make(map[int64]string),
		sendTimeout: sendTimeout,
	}
}

// Get 返回订单副本。
func (t *Tracker) Get(clOrdID string) (TrackedOrder, bool) {
	o, ok := t.orders[clOrdID]
	if !ok {
		return TrackedOrder{}, false
	}
	return *o, true
}

// Len 已跟踪订单数。
func (t *Tracker) Len() int { return len(t.orders) }

// Snapshot 按 client id 排序返回全部订单副本。
func (t *Tracker) Snapshot() []TrackedOrder {
	res := make([]TrackedOrder, 0, len(t.orders))
	for _, o := range t.orders {
		res = append(res, *o)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ClientOrderID < res[j].ClientOrderID })
	return res
}

// RegisterPending 登记新订单。
func (t *Tracker) RegisterPending(clOrdID string, qty decimal.Decimal, now time.Time) error {
	if _, ok := t.orders[clOrdID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateClientOrderID, clOrdID)
	}
	t.orders[clOrdID] = &TrackedOrder{
		ClientOrderID: clOrdID,
		TotalQty:      qty,
		State:         pending(now),
	}
	return nil
}

// MarkSent Pending -> Sent；Sent 时重复调用为空操作。
func (t *Tracker) MarkSent(clOrdID string, now time.Time) error {
	o, err := t.lookup(clOrdID)
	if err != nil {
		return err
	}
	switch o.State.Kind {
	case StatePending:
		o.State = sent(now)
		return nil
	case StateSent:
		return nil
	default:
		return invalidTransition(clOrdID, o.State.Kind, StateSent)
	}
}

// Acknowledge 绑定交易所订单号，非终态推进到 Acknowledged。
func (t *Tracker) Acknowledge(clOrdID string, orderID int64, now time.Time) error {
	o, err := t.lookup(clOrdID)
	if err != nil {
		return err
	}
	if err := t.bind(o, orderID); err != nil {
		return err
	}
	if !o.State.IsTerminal() {
		o.State = acknowledged(orderID, now)
	}
	return nil
}

// MarkCancelling 撤单已发出。
func (t *Tracker) MarkCancelling(clOrdID string, now time.Time) error {
	o, err := t.lookup(clOrdID)
	if err != nil {
		return err
	}
	switch o.State.Kind {
	case StateSent, StateAcknowledged, StatePartiallyFilled:
		o.State = cancelling(now)
		return nil
	case StateCancelling:
		return nil
	default:
		return invalidTransition(clOrdID, o.State.Kind, StateCancelling)
	}
}

// MarkFailed 标记失败；已 Failed 时幂等，其他终态拒绝。
func (t *Tracker) MarkFailed(clOrdID, reason string) error {
	o, err := t.lookup(clOrdID)
	if err != nil {
		return err
	}
	switch {
	case o.State.Kind == StateFailed:
		return nil
	case o.State.IsTerminal():
		return invalidTransition(clOrdID, o.State.Kind, StateFailed)
	}
	o.State = failed(reason)
	return nil
}

// HandleUpdate 处理 WS 推送的订单更新。
// 终态订单被冻结：更新会被接受但不再修改任何字段。
func (t *Tracker) HandleUpdate(u ExchangeOrder, now time.Time) error {
	clOrdID, ok := t.byOrderID[u.OrderID]
	if !ok {
		// 推送先于对账到达：client id 已登记时先绑定
		if _, tracked := t.orders[u.ClientOrderID]; u.ClientOrderID == "" || !tracked {
			return fmt.Errorf("%w: %d", ErrUnknownOrderID, u.OrderID)
		}
		clOrdID = u.ClientOrderID
	}
	o := t.orders[clOrdID]
	if u.ClientOrderID != "" && u.ClientOrderID != clOrdID {
		return fmt.Errorf("%w: order %d bound to %s, update carries %s",
			ErrOrderIDMismatch, u.OrderID, clOrdID, u.ClientOrderID)
	}
	if err := t.bind(o, u.OrderID); err != nil {
		return err
	}
	if o.State.IsTerminal() {
		return nil
	}
	applyQuantities(o, u)
	o.State = deriveState(u, now)
	return nil
}

// ReconcileWithExchange 与交易所快照批量对账。
// 本地终态永远不会被改回非终态；交易所终态总是生效。
func (t *Tracker) ReconcileWithExchange(orders []ExchangeOrder, now time.Time) (ReconcileResult, error) {
	var (
		res  ReconcileResult
		errs []error
	)
	seen := make(map[string]struct{}, len(orders))
	for _, eo := range orders {
		clOrdID := eo.ClientOrderID
		if bound, ok := t.byOrderID[eo.OrderID]; ok {
			if clOrdID != "" && clOrdID != bound {
				errs = append(errs, fmt.Errorf("%w: order %d bound to %s, snapshot carries %s",
					ErrOrderIDMismatch, eo.OrderID, bound, clOrdID))
				continue
			}
			clOrdID = bound
		}
		if clOrdID == "" {
			clOrdID = fmt.Sprintf("exchange-%d", eo.OrderID)
		}
		seen[clOrdID] = struct{}{}

		o, ok := t.orders[clOrdID]
		if !ok {
			o = &TrackedOrder{ClientOrderID: clOrdID}
			if err := t.bind(o, eo.OrderID); err != nil {
				errs = append(errs, err)
				continue
			}
			applyQuantities(o, eo)
			o.State = deriveState(eo, now)
			t.orders[clOrdID] = o
			res.Inserted++
			continue
		}
		if err := t.bind(o, eo.OrderID); err != nil {
			errs = append(errs, err)
			continue
		}
		next := deriveState(eo, now)
		if !o.State.IsTerminal() || next.IsTerminal() {
			applyQuantities(o, eo)
			o.State = next
		}
		res.Updated++
	}
	for id, o := range t.orders {
		if _, ok := seen[id]; ok || o.State.IsTerminal() {
			continue
		}
		o.State = failed(ReasonMissingOnExchange)
		res.MissingFailed++
	}
	return res, errors.Join(errs...)
}

// ResolveMissing 用历史订单记录修正被判定为 missing_on_exchange 的订单。
// 只接受交易所终态；其他订单不受影响，返回 false。
func (t *Tracker) ResolveMissing(u ExchangeOrder, now time.Time) (bool, error) {
	o, err := t.lookup(u.ClientOrderID)
	if err != nil {
		return false, err
	}
	if o.State.Kind != StateFailed || o.State.Reason != ReasonMissingOnExchange {
		return false, nil
	}
	next := deriveState(u, now)
	if !next.IsTerminal() {
		return false, nil
	}
	if err := t.bind(o, u.OrderID); err != nil {
		return false, err
	}
	applyQuantities(o, u)
	o.State = next
	return true, nil
}

// CheckTimeouts 将超过 sendTimeout 仍处于 Sent 的订单标记为失败。
func (t *Tracker) CheckTimeouts(now time.Time) []string {
	var expired []string
	for id, o := range t.orders {
		if o.State.Kind == StateSent && now.Sub(o.State.At) > t.sendTimeout {
			o.State = failed(ReasonSendTimeout)
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	return expired
}

func (t *Tracker) lookup(clOrdID string) (*TrackedOrder, error) {
	o, ok := t.orders[clOrdID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownClientOrderID, clOrdID)
	}
	return o, nil
}

// bind 双向校验 order id <-> client id 绑定。
func (t *Tracker) bind(o *TrackedOrder, orderID int64) error {
	if orderID == 0 {
		return nil
	}
	if o.HasOrderID() && o.OrderID != orderID {
		return fmt.Errorf("%w: %s already bound to %d, got %d",
			ErrOrderIDConflict, o.ClientOrderID, o.OrderID, orderID)
	}
	if owner, ok := t.byOrderID[orderID]; ok && owner != o.ClientOrderID {
		return fmt.Errorf("%w: order %d already bound to %s, not %s",
			ErrOrderIDMismatch, orderID, owner, o.ClientOrderID)
	}
	o.OrderID = orderID
	t.byOrderID[orderID] = o.ClientOrderID
	return nil
}

func applyQuantities(o *TrackedOrder, eo ExchangeOrder) {
	if eo.Qty.IsPositive() {
		o.TotalQty = eo.Qty
	}
	o.FilledQty = eo.FilledQty
}

func invalidTransition(clOrdID string, from, to StateKind) error {
	return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, clOrdID, from, to)
}
