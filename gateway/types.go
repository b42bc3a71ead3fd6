package gateway

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrAccountNotFound = errors.New("account not found or not activated")
	ErrNotFound        = errors.New("resource not found")
)

// CodeAccountNotFound 账户不存在/未激活时交易所返回的业务码
const CodeAccountNotFound = 40004

// Side 买卖方向
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite 反方向
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType 订单类型
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// TimeInForce 有效方式
type TimeInForce string

const (
	TimeInForceGTC      TimeInForce = "GTC"
	TimeInForceIOC      TimeInForce = "IOC"
	TimeInForcePostOnly TimeInForce = "POST_ONLY"
)

// NewOrderRequest 下单请求，Price 仅限价单需要。
type NewOrderRequest struct {
	Symbol        string           `json:"symbol"`
	Side          Side             `json:"side"`
	Type          OrderType        `json:"type"`
	Qty           decimal.Decimal  `json:"qty"`
	TimeInForce   TimeInForce      `json:"time_in_force,omitempty"`
	ReduceOnly    bool             `json:"reduce_only"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	ClientOrderID string           `json:"client_order_id,omitempty"`
}

// CancelOrderRequest 撤单请求，OrderID 与 ClientOrderID 二选一。
type CancelOrderRequest struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"order_id,omitempty"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

// Envelope 下单/撤单统一响应，Code 为 0 表示受理。
type Envelope struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
	OrderID   int64  `json:"order_id,omitempty"`
}

// OK 是否受理
func (e Envelope) OK() bool { return e.Code == 0 }

// Err 非零业务码转换为 *APIError
func (e Envelope) Err() error {
	if e.OK() {
		return nil
	}
	return &APIError{Code: e.Code, Message: e.Message, RequestID: e.RequestID}
}

// APIError 交易所返回的业务错误
type APIError struct {
	Code      int
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s (request_id=%s)", e.Code, e.Message, e.RequestID)
}

// Is 账户未找到的业务码匹配 ErrAccountNotFound
func (e *APIError) Is(target error) bool {
	return target == ErrAccountNotFound && e.Code == CodeAccountNotFound
}
