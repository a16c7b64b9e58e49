package lifecycle

import (
	"context"

	"order-bridge/internal/protocol"
	"order-bridge/order"
)

// 订单流中的状态
const (
	streamOpen    = "OPEN"
	streamPending = "PENDING"
)

// Balance 查询交易场所账户余额
func (m *Manager) Balance(ctx context.Context, req *protocol.BalanceRequest) []protocol.Outbound {
	resp := &protocol.BalanceResponse{
		Header:      protocol.NewHeader(protocol.TypeBalanceResponse, m.now()),
		UserID:      req.UserID,
		AccountType: string(order.ParseAccountType(req.AccountType)),
		AccountName: req.AccountName,
	}
	balance, err := m.venue.Balance(ctx)
	if err != nil {
		resp.Error = venueError(err).Reason
		return []protocol.Outbound{resp}
	}
	resp.Balance = balance
	return []protocol.Outbound{resp}
}

// OrderStream 列出用户的持仓（OPEN）、交易场所挂单与池内挂单（PENDING）。
func (m *Manager) OrderStream(ctx context.Context, req *protocol.OrderStreamRequest) []protocol.Outbound {
	acct := order.ParseAccountType(req.AccountType)
	resp := &protocol.OrderStreamResponse{
		Header:      protocol.NewHeader(protocol.TypeOrderStreamResponse, m.now()),
		UserID:      req.UserID,
		AccountType: string(acct),
		AccountName: req.AccountName,
		Trades:      []protocol.OrderSnapshot{},
	}

	positions, err := m.venue.ListPositions(ctx)
	if err != nil {
		resp.Error = venueError(err).Reason
		return []protocol.Outbound{resp}
	}
	orders, err := m.venue.ListOrders(ctx)
	if err != nil {
		resp.Error = venueError(err).Reason
		return []protocol.Outbound{resp}
	}

	m.mu.Lock()
	mine := make(map[int64]string)
	for magic, o := range m.owners {
		if owns(o, req.UserID, acct) {
			mine[magic] = o.ID
		}
	}
	var pooled []order.PendingOrder
	for _, o := range m.pool.Snapshot() {
		if o.UserID == req.UserID && o.AccountType == acct {
			pooled = append(pooled, o)
		}
	}
	m.mu.Unlock()

	for _, p := range positions {
		id, ok := mine[p.Magic]
		if !ok {
			continue
		}
		resp.Trades = append(resp.Trades, protocol.OrderSnapshot{
			TradeID:    id,
			Ticket:     p.Ticket,
			Symbol:     p.Symbol,
			TradeType:  p.Side,
			OrderType:  order.KindMarket,
			Volume:     p.Volume,
			Price:      p.OpenPrice,
			StopLoss:   p.StopLoss,
			TakeProfit: p.TakeProfit,
			Profit:     p.Profit,
			Status:     streamOpen,
		})
	}
	for _, vo := range orders {
		id, ok := mine[vo.Magic]
		if !ok {
			continue
		}
		resp.Trades = append(resp.Trades, protocol.OrderSnapshot{
			TradeID:    id,
			Ticket:     vo.Ticket,
			Symbol:     vo.Symbol,
			TradeType:  vo.Kind.Side(),
			OrderType:  vo.Kind,
			Volume:     vo.Volume,
			Price:      vo.Price,
			StopLoss:   vo.StopLoss,
			TakeProfit: vo.TakeProfit,
			Status:     streamPending,
			Expiration: vo.Expiration,
		})
	}
	for _, o := range pooled {
		resp.Trades = append(resp.Trades, protocol.OrderSnapshot{
			TradeID:    o.ID,
			Symbol:     o.Symbol,
			TradeType:  o.Side,
			OrderType:  o.Kind,
			Volume:     o.Volume,
			Price:      o.EntryPrice,
			StopLoss:   o.StopLoss,
			TakeProfit: o.TakeProfit,
			Status:     streamPending,
			Expiration: o.Expiration,
		})
	}
	return []protocol.Outbound{resp}
}
