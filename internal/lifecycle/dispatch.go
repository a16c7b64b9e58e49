package lifecycle

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"order-bridge/internal/protocol"
)

// Handle 按消息类型分发控制面请求，返回需要发出的事件。
// 无法解析或未知类型的消息记录日志后忽略。
func (m *Manager) Handle(ctx context.Context, typ protocol.Type, raw []byte) []protocol.Outbound {
	switch typ {
	case protocol.TypeTradeRequest:
		var req protocol.TradeRequest
		if !m.decode(typ, raw, &req) {
			return nil
		}
		return m.Submit(ctx, &req)
	case protocol.TypeCloseTradeRequest:
		var req protocol.CloseTradeRequest
		if !m.decode(typ, raw, &req) {
			return nil
		}
		return m.Cancel(ctx, &req)
	case protocol.TypeModifyTradeRequest:
		var req protocol.ModifyTradeRequest
		if !m.decode(typ, raw, &req) {
			return nil
		}
		return m.Modify(ctx, &req)
	case protocol.TypeBalanceRequest:
		var req protocol.BalanceRequest
		if !m.decode(typ, raw, &req) {
			return nil
		}
		return m.Balance(ctx, &req)
	case protocol.TypeOrderStreamRequest:
		var req protocol.OrderStreamRequest
		if !m.decode(typ, raw, &req) {
			return nil
		}
		return m.OrderStream(ctx, &req)
	}
	m.log.Warn("unknown message type", zap.String("type", string(typ)))
	return nil
}

func (m *Manager) decode(typ protocol.Type, raw []byte, v interface{}) bool {
	if err := json.Unmarshal(raw, v); err != nil {
		m.log.Warn("invalid message", zap.String("type", string(typ)), zap.Error(err))
		return false
	}
	return true
}
