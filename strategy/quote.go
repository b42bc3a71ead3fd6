package strategy

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"perp-maker-go/gateway"
)

// ClientOrderPrefix 做市单 client id 前缀，用于区分保护单
const ClientOrderPrefix = "mm-"

// Slot 阶梯上的固定坐标 (tier, side)
type Slot struct {
	Tier int
	Side gateway.Side
}

func (s Slot) String() string { return fmt.Sprintf("T%d/%s", s.Tier, s.Side) }

// Desired 一个槽位本轮期望的价格与数量
type Desired struct {
	Price  decimal.Decimal
	Qty    decimal.Decimal
	Capped bool // 数量被库存上限压缩过
}

// CancelInFlight 已发出但尚未确认的撤单
type CancelInFlight struct {
	SentAt          time.Time
	AckDeadline     time.Time
	LastReconcileAt time.Time
	Pending         *Desired // 撤单完成后应挂出的替换报价
}

// LiveQuote 绑定在槽位上的在挂报价
type LiveQuote struct {
	Slot          Slot
	ClientOrderID string
	Price         decimal.Decimal
	Qty           decimal.Decimal
	PlacedAt      time.Time
	AccountedQty  decimal.Decimal // 已计入库存的成交量
	Cancel        *CancelInFlight
}

// NewClientOrderID 生成全局唯一 client id，编码 symbol/side/tier。
func NewClientOrderID(symbol string, side gateway.Side, tier int) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%s%s-%c%d-%s", ClientOrderPrefix, strings.ToLower(symbol), side[0], tier, id[:12])
}
