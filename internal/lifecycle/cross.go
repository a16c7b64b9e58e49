package lifecycle

import (
	"context"
	"math"

	"order-bridge/internal/protocol"
	"order-bridge/order"
	"order-bridge/venue"
)

// cross 以同一价格在交易场所为两条腿各下一笔市价单。
// a 是新提交的订单（不在池内），b 是池内被 Hold 的对手单。
func (m *Manager) cross(ctx context.Context, a, b *order.PendingOrder) []protocol.Outbound {
	c, err := m.venue.SymbolConstraints(ctx, a.Symbol)
	if err != nil {
		return m.crossFailed(ctx, a, b, venueError(err))
	}
	volume := math.Min(a.Volume, b.Volume)
	price, err := order.CrossingPrice(a, b, c, func(symbol string) (order.Quote, error) {
		return m.venue.Quote(ctx, symbol)
	})
	if err != nil {
		return m.crossFailed(ctx, a, b, venueError(err))
	}
	slA, tpA := c.ClampStops(a.Side, price, a.StopLoss, a.TakeProfit)
	slB, tpB := c.ClampStops(b.Side, price, b.StopLoss, b.TakeProfit)

	m.mu.Lock()
	err = m.checkFundsLocked(ctx, a, volume)
	if err == nil {
		err = m.checkFundsLocked(ctx, b, volume)
	}
	m.mu.Unlock()
	if err != nil {
		return m.crossFailed(ctx, a, b, asError(err))
	}

	px := price.InexactFloat64()
	ticketA, err := m.sendOrder(ctx, dealRequest(a, volume, px, slA, tpA))
	if err != nil {
		return m.crossFailed(ctx, a, b, venueError(err))
	}
	ticketB, err := m.sendOrder(ctx, dealRequest(b, volume, px, slB, tpB))
	if err != nil {
		// 第一条腿已成交，尽力平掉
		if _, cerr := m.closeOrder(ctx, ticketA, a.Symbol, volume, a.Side); cerr != nil {
			m.log.LogError(cerr, map[string]interface{}{"op": "unwind_cross", "order_id": a.ID, "ticket": ticketA})
		}
		return m.crossFailed(ctx, a, b, venueError(err))
	}

	m.mon.RecordMatch(volume)
	m.log.Info("orders crossed",
		logFields(a, "matched_trade_id", b.ID, "volume", volume, "price", px, "ticket_a", ticketA, "ticket_b", ticketB)...)

	a.Volume = order.SubVolume(a.Volume, volume)
	a.Ticket = ticketA
	remainingB := order.SubVolume(b.Volume, volume)

	// 对手单 b 仍是池内条目，只在 mu 内修改；之后只使用拷贝
	m.mu.Lock()
	b.Volume = remainingB
	b.Ticket = ticketB
	filledB := remainingB <= 0
	if filledB {
		m.pool.Remove(b)
		m.transition(b, order.StatusExecuted)
	}
	ownerB := m.registerOwnerLocked(b)
	snapB := *b
	if !filledB {
		m.pool.Release(b.ID)
	}
	ownerA := m.registerOwnerLocked(a)
	m.mu.Unlock()

	var events []protocol.Outbound
	events = append(events, m.matchedEvent(a, &snapB, volume, px), m.matchedEvent(&snapB, a, volume, px))

	m.saveOwner(ctx, ownerA)
	m.saveOwner(ctx, ownerB)
	if filledB {
		m.forget(ctx, &snapB)
		events = append(events, m.tradeEvent(&snapB, order.StatusExecuted))
	} else {
		m.save(ctx, &snapB)
	}

	// 新订单 a
	if a.Volume <= 0 {
		m.transition(a, order.StatusExecuted)
		return append(events, m.tradeEvent(a, order.StatusExecuted))
	}
	return append(events, m.placeRemainder(ctx, a)...)
}

// placeRemainder 新订单部分成交后的剩余量。
// 配置为转发交易场所时再下一笔挂单，失败则带剩余量回报 FAILED；否则留在订单池。
func (m *Manager) placeRemainder(ctx context.Context, a *order.PendingOrder) []protocol.Outbound {
	m.transition(a, order.StatusPending)
	if !m.cfg.PlaceRestingAtVenue {
		snap := *a
		m.mu.Lock()
		err := m.pool.Add(a)
		m.mu.Unlock()
		if err != nil {
			return []protocol.Outbound{m.failEvent(&snap, duplicate(&snap))}
		}
		// 入池后 a 可能立即被其他请求撮合，只使用入池前的拷贝
		m.save(ctx, &snap)
		return []protocol.Outbound{m.tradeEvent(&snap, order.StatusPending)}
	}

	m.save(ctx, a)
	ticket, err := m.sendOrder(ctx, pendingRequest(a, a.Volume))
	if err != nil {
		m.forget(ctx, a)
		m.transition(a, order.StatusFailed)
		return []protocol.Outbound{m.failEvent(a, venueError(err))}
	}
	a.Ticket = ticket
	m.transition(a, order.StatusExecuted)
	m.mu.Lock()
	owner := m.registerOwnerLocked(a)
	m.mu.Unlock()
	m.forget(ctx, a)
	m.saveOwner(ctx, owner)
	return []protocol.Outbound{m.tradeEvent(a, order.StatusExecuted)}
}

func (m *Manager) matchedEvent(o, counter *order.PendingOrder, volume, price float64) *protocol.TradeResponse {
	ev := m.tradeEvent(o, order.StatusMatched)
	ev.MatchedTradeID = counter.ID
	ev.MatchedVolume = volume
	ev.Price = price
	ev.TradeRetcode = venue.RetcodeDone
	return ev
}

// crossFailed 两条腿都回报 FAILED。新订单不入池，对手单保持 PENDING 继续留在池内。
func (m *Manager) crossFailed(ctx context.Context, a, b *order.PendingOrder, err *Error) []protocol.Outbound {
	m.mu.Lock()
	b.LastError = err.Reason
	snapB := *b
	m.pool.Release(b.ID)
	m.mu.Unlock()

	m.transition(a, order.StatusFailed)
	evA := m.failEvent(a, err)
	evA.MatchedTradeID = b.ID
	evB := m.failEvent(&snapB, err)
	evB.MatchedTradeID = a.ID
	return []protocol.Outbound{evA, evB}
}
