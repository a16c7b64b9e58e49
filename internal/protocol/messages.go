// Package protocol 控制面 websocket 上传输的 JSON 消息。
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"order-bridge/order"
)

// Type 消息类型判别字段
type Type string

const (
	TypeTradeRequest       Type = "trade_request"
	TypeBalanceRequest     Type = "balance_request"
	TypeCloseTradeRequest  Type = "close_trade_request"
	TypeModifyTradeRequest Type = "modify_trade_request"
	TypeOrderStreamRequest Type = "order_stream_request"
	TypePing               Type = "ping"
	TypePong               Type = "pong"
	TypeHandshake          Type = "handshake"
	TypeHandshakeResponse  Type = "handshake_response"
	TypeDisconnect         Type = "disconnect"

	TypeTradeResponse       Type = "trade_response"
	TypeBalanceResponse     Type = "balance_response"
	TypeCloseTradeResponse  Type = "close_trade_response"
	TypeOrderStreamResponse Type = "order_stream_response"
)

// Envelope 只解析类型与时间戳，其余字段按类型二次解析。
type Envelope struct {
	Type      Type    `json:"type"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

// Peek 读取消息类型
func Peek(raw []byte) (Type, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("decode envelope: missing type")
	}
	return env.Type, nil
}

// Outbound 由本进程发出的消息
type Outbound interface {
	MessageType() Type
	// CorrelationID 关联的订单 ID，用于日志与接收方幂等去重。没有时为空。
	CorrelationID() string
}

// Header 所有出站消息共有的字段。EventID 在重投递时保持不变。
type Header struct {
	Type      Type    `json:"type"`
	EventID   string  `json:"event_id,omitempty"`
	Timestamp float64 `json:"timestamp"`
}

// NewHeader 生成带新事件 ID 的消息头
func NewHeader(t Type, now time.Time) Header {
	return Header{Type: t, EventID: uuid.NewString(), Timestamp: UnixFloat(now)}
}

func (h Header) MessageType() Type { return h.Type }

// UnixFloat 秒级浮点时间戳
func UnixFloat(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// ---- 入站请求 ----

// TradeRequest 下单请求
type TradeRequest struct {
	Type        Type    `json:"type"`
	TradeID     string  `json:"trade_id"`
	UserID      string  `json:"user_id" validate:"required"`
	Symbol      string  `json:"symbol" validate:"required"`
	TradeType   string  `json:"trade_type" validate:"required,oneof=BUY SELL"`
	OrderType   string  `json:"order_type" validate:"required,oneof=MARKET BUY_LIMIT SELL_LIMIT BUY_STOP SELL_STOP"`
	AccountType string  `json:"account_type" validate:"required,oneof=DEMO REAL"`
	AccountName string  `json:"account_name"`
	Leverage    int     `json:"leverage" validate:"gt=0"`
	Volume      float64 `json:"volume" validate:"gt=0"`
	EntryPrice  float64 `json:"entry_price" validate:"gte=0"`
	StopLoss    float64 `json:"stop_loss" validate:"gte=0"`
	TakeProfit  float64 `json:"take_profit" validate:"gte=0"`
	Expiration  int64   `json:"expiration" validate:"gte=0"`
	Timestamp   float64 `json:"timestamp"`
}

// BalanceRequest 余额查询
type BalanceRequest struct {
	Type        Type   `json:"type"`
	UserID      string `json:"user_id"`
	AccountType string `json:"account_type"`
	AccountName string `json:"account_name"`
}

// CloseTradeRequest 撤单/平仓
type CloseTradeRequest struct {
	Type        Type   `json:"type"`
	TradeID     string `json:"trade_id"`
	UserID      string `json:"user_id"`
	AccountType string `json:"account_type"`
	AccountName string `json:"account_name"`
}

// ModifyTradeRequest 改单。未出现的字段保持不变。
type ModifyTradeRequest struct {
	Type        Type     `json:"type"`
	TradeID     string   `json:"trade_id"`
	UserID      string   `json:"user_id"`
	AccountType string   `json:"account_type"`
	OrderType   string   `json:"order_type,omitempty"`
	EntryPrice  *float64 `json:"entry_price,omitempty"`
	Volume      *float64 `json:"volume,omitempty"`
	StopLoss    *float64 `json:"stop_loss,omitempty"`
	TakeProfit  *float64 `json:"take_profit,omitempty"`
	Expiration  *int64   `json:"expiration,omitempty"`
}

// OrderStreamRequest 查询用户当前的持仓与挂单
type OrderStreamRequest struct {
	Type        Type   `json:"type"`
	UserID      string `json:"user_id"`
	AccountType string `json:"account_type"`
	AccountName string `json:"account_name"`
}

// ---- 出站消息 ----

// TradeResponse 订单生命周期事件
type TradeResponse struct {
	Header
	TradeID         string       `json:"trade_id"`
	UserID          string       `json:"user_id"`
	AccountType     string       `json:"account_type"`
	Status          order.Status `json:"status"`
	TradeRetcode    int          `json:"trade_retcode"`
	Error           string       `json:"error,omitempty"`
	MatchedTradeID  string       `json:"matched_trade_id"`
	MatchedVolume   float64      `json:"matched_volume"`
	RemainingVolume float64      `json:"remaining_volume"`
	Price           float64      `json:"price,omitempty"`
	Ticket          int64        `json:"ticket,omitempty"`
}

func (r *TradeResponse) CorrelationID() string { return r.TradeID }

// BalanceResponse 余额
type BalanceResponse struct {
	Header
	UserID      string  `json:"user_id"`
	AccountType string  `json:"account_type"`
	AccountName string  `json:"account_name"`
	Balance     float64 `json:"balance"`
	Error       string  `json:"error,omitempty"`
}

func (r *BalanceResponse) CorrelationID() string { return "" }

// 平仓结果
const (
	CloseStatusSuccess = "SUCCESS"
	CloseStatusFailed  = "FAILED"

	CloseReasonClosed   = "CLOSED"
	CloseReasonCanceled = "CANCELED"
	CloseReasonFailed   = "FAILED"
	CloseReasonNotFound = "NOT_FOUND"
)

// CloseTradeResponse 撤单/平仓结果
type CloseTradeResponse struct {
	Header
	TradeID     string  `json:"trade_id"`
	UserID      string  `json:"user_id"`
	AccountType string  `json:"account_type"`
	AccountName string  `json:"account_name"`
	Status      string  `json:"status"`
	ClosePrice  float64 `json:"close_price"`
	CloseReason string  `json:"close_reason"`
	Profit      float64 `json:"profit"`
	Error       string  `json:"error,omitempty"`
}

func (r *CloseTradeResponse) CorrelationID() string { return r.TradeID }

// OrderSnapshot order_stream_response 中的单条订单
type OrderSnapshot struct {
	TradeID    string     `json:"trade_id"`
	Ticket     int64      `json:"ticket"`
	Symbol     string     `json:"symbol"`
	TradeType  order.Side `json:"trade_type"`
	OrderType  order.Kind `json:"order_type"`
	Volume     float64    `json:"volume"`
	Price      float64    `json:"price"`
	StopLoss   float64    `json:"stop_loss"`
	TakeProfit float64    `json:"take_profit"`
	Profit     float64    `json:"profit"`
	Status     string     `json:"status"`
	Expiration int64      `json:"expiration,omitempty"`
}

// OrderStreamResponse 用户订单快照
type OrderStreamResponse struct {
	Header
	UserID      string          `json:"user_id"`
	AccountType string          `json:"account_type"`
	AccountName string          `json:"account_name"`
	Trades      []OrderSnapshot `json:"trades"`
	Error       string          `json:"error,omitempty"`
}

func (r *OrderStreamResponse) CorrelationID() string { return "" }

// Ping 心跳
type Ping struct {
	Header
}

func (p *Ping) CorrelationID() string { return "" }

// Pong 心跳回应
type Pong struct {
	Header
}

func (p *Pong) CorrelationID() string { return "" }

// Handshake 连接建立后发送的身份信息
type Handshake struct {
	Header
	ClientID  string `json:"client_id"`
	SessionID string `json:"session_id"`
}

func (h *Handshake) CorrelationID() string { return "" }

// HandshakeResponse 服务端握手确认
type HandshakeResponse struct {
	Type    Type   `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Accepted 缺省 status 视为成功
func (r HandshakeResponse) Accepted() bool {
	return r.Status == "" || r.Status == "success" || r.Status == "ok"
}

// Disconnect 主动断开
type Disconnect struct {
	Header
	Reason string `json:"reason"`
}

func (d *Disconnect) CorrelationID() string { return "" }

func NewPing(now time.Time) *Ping { return &Ping{Header: NewHeader(TypePing, now)} }

func NewPong(now time.Time) *Pong { return &Pong{Header: NewHeader(TypePong, now)} }

func NewHandshake(clientID, sessionID string, now time.Time) *Handshake {
	return &Handshake{Header: NewHeader(TypeHandshake, now), ClientID: clientID, SessionID: sessionID}
}

func NewDisconnect(reason string, now time.Time) *Disconnect {
	return &Disconnect{Header: NewHeader(TypeDisconnect, now), Reason: reason}
}
