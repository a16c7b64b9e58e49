package order

import (
	"strings"
	"time"
)

// Side 买卖方向。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite 返回反方向。
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Kind 订单类型。
type Kind string

const (
	KindMarket    Kind = "MARKET"
	KindBuyLimit  Kind = "BUY_LIMIT"
	KindSellLimit Kind = "SELL_LIMIT"
	KindBuyStop   Kind = "BUY_STOP"
	KindSellStop  Kind = "SELL_STOP"
)

func (k Kind) Valid() bool {
	switch k {
	case KindMarket, KindBuyLimit, KindSellLimit, KindBuyStop, KindSellStop:
		return true
	}
	return false
}

func (k Kind) IsMarket() bool { return k == KindMarket }
func (k Kind) IsLimit() bool  { return k == KindBuyLimit || k == KindSellLimit }
func (k Kind) IsStop() bool   { return k == KindBuyStop || k == KindSellStop }

// Resting 挂单类型（LIMIT/STOP）会进入订单池等待撮合或触发。
func (k Kind) Resting() bool { return k.IsLimit() || k.IsStop() }

// Side 返回挂单类型隐含的方向；MARKET 没有隐含方向，返回空串。
func (k Kind) Side() Side {
	switch k {
	case KindBuyLimit, KindBuyStop:
		return SideBuy
	case KindSellLimit, KindSellStop:
		return SideSell
	}
	return ""
}

// AccountType 账户类型。
type AccountType string

const (
	AccountDemo AccountType = "DEMO"
	AccountReal AccountType = "REAL"
)

func (a AccountType) Valid() bool {
	return a == AccountDemo || a == AccountReal
}

// ParseAccountType 忽略大小写。
func ParseAccountType(s string) AccountType {
	return AccountType(strings.ToUpper(strings.TrimSpace(s)))
}

// Status represents order lifecycle.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusMatched  Status = "MATCHED"
	StatusExecuted Status = "EXECUTED"
	StatusFailed   Status = "FAILED"
	StatusExpired  Status = "EXPIRED"
	StatusCanceled Status = "CANCELED"
	StatusModified Status = "MODIFIED"
)

// PendingOrder 客户端提交、等待撮合或转发到交易场所的订单。
type PendingOrder struct {
	ID          string      `json:"order_id"`
	UserID      string      `json:"user_id"`
	AccountType AccountType `json:"account_type"`
	AccountName string      `json:"account_name"`
	Symbol      string      `json:"symbol"`
	Side        Side        `json:"side"`
	Kind        Kind        `json:"order_kind"`
	Leverage    int         `json:"leverage"`
	Volume      float64     `json:"volume"`
	EntryPrice  float64     `json:"entry_price"`
	StopLoss    float64     `json:"stop_loss"`
	TakeProfit  float64     `json:"take_profit"`
	// Expiration unix 秒，0 表示永不过期
	Expiration int64     `json:"expiration"`
	CreatedAt  time.Time `json:"created_at"`
	Status     Status    `json:"status"`
	Ticket     int64     `json:"ticket"`
	Magic      int64     `json:"magic"`
	LastError  string    `json:"last_error,omitempty"`
}

// Expired 判断订单在 now 时刻是否已过期。
func (o *PendingOrder) Expired(now time.Time) bool {
	return o.Expiration > 0 && o.Expiration <= now.Unix()
}

// PriceConsistent MARKET 单入场价必须为 0，其余必须 > 0。
func (o *PendingOrder) PriceConsistent() bool {
	if o.Kind.IsMarket() {
		return o.EntryPrice == 0
	}
	return o.EntryPrice > 0
}
