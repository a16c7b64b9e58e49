// Package venue 定义订单桥依赖的外部交易场所能力接口。
package venue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"order-bridge/order"
)

// 交易场所返回码（与 MT5 TRADE_RETCODE 对齐，便于远端本地化错误信息）
const (
	RetcodeDone              = 10009
	RetcodeInvalid           = 10013
	RetcodeInvalidVolume     = 10014
	RetcodeInvalidPrice      = 10015
	RetcodeInvalidStops      = 10016
	RetcodeNoMoney           = 10019
	RetcodePriceOff          = 10021
	RetcodeInvalidExpiration = 10022
	RetcodeNotFound          = 10027
)

// Error 交易场所拒绝请求。Comment 原样透传到 FAILED 事件。
type Error struct {
	Retcode int
	Comment string
}

func (e *Error) Error() string {
	return fmt.Sprintf("venue retcode %d: %s", e.Retcode, e.Comment)
}

// Action 下单动作
type Action int

const (
	// ActionDeal 按市价立即成交
	ActionDeal Action = iota
	// ActionPending 挂单（LIMIT/STOP）
	ActionPending
)

func (a Action) String() string {
	if a == ActionPending {
		return "pending"
	}
	return "deal"
}

// OrderRequest 发往交易场所的下单请求。
type OrderRequest struct {
	Action     Action
	Symbol     string
	Side       order.Side
	Kind       order.Kind
	Volume     float64
	Price      float64
	StopLoss   float64
	TakeProfit float64
	Expiration int64
	Magic      int64
	Comment    string
}

// Position 交易场所持仓
type Position struct {
	Ticket     int64      `json:"ticket"`
	Symbol     string     `json:"symbol"`
	Side       order.Side `json:"side"`
	Volume     float64    `json:"volume"`
	OpenPrice  float64    `json:"open_price"`
	StopLoss   float64    `json:"stop_loss"`
	TakeProfit float64    `json:"take_profit"`
	Profit     float64    `json:"profit"`
	Magic      int64      `json:"magic"`
	OpenTime   time.Time  `json:"open_time"`
}

// Order 交易场所挂单
type Order struct {
	Ticket     int64      `json:"ticket"`
	Symbol     string     `json:"symbol"`
	Kind       order.Kind `json:"order_kind"`
	Volume     float64    `json:"volume"`
	Price      float64    `json:"price"`
	StopLoss   float64    `json:"stop_loss"`
	TakeProfit float64    `json:"take_profit"`
	Expiration int64      `json:"expiration"`
	Magic      int64      `json:"magic"`
	SetupTime  time.Time  `json:"setup_time"`
}

// Closed 平仓/撤单结果。挂单撤销时 Price 与 Profit 为 0。
type Closed struct {
	Price  float64
	Profit float64
}

// QuoteSource 报价
type QuoteSource interface {
	Quote(ctx context.Context, symbol string) (order.Quote, error)
}

// SymbolCatalog 品种约束
type SymbolCatalog interface {
	SymbolConstraints(ctx context.Context, symbol string) (order.SymbolConstraints, error)
}

// MarginChecker 资金与保证金
type MarginChecker interface {
	CheckMargin(ctx context.Context, symbol string, volume float64, side order.Side) (bool, error)
	Balance(ctx context.Context) (float64, error)
}

// Executor 下单与平仓。CloseOrder 对持仓反向平仓，对挂单直接撤销。
type Executor interface {
	SendOrder(ctx context.Context, req OrderRequest) (int64, error)
	CloseOrder(ctx context.Context, ticket int64, symbol string, volume float64, side order.Side) (Closed, error)
}

// Enumerator 列出交易场所上的持仓与挂单
type Enumerator interface {
	ListPositions(ctx context.Context) ([]Position, error)
	ListOrders(ctx context.Context) ([]Order, error)
}

// Venue 订单桥消费的全部能力
type Venue interface {
	QuoteSource
	SymbolCatalog
	MarginChecker
	Executor
	Enumerator
}

// Retcode 从错误中取出交易场所返回码，非交易场所错误返回 0。
func Retcode(err error) int {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Retcode
	}
	return 0
}
