package lifecycle

import (
	"context"
	"time"

	"order-bridge/internal/protocol"
	"order-bridge/order"
)

// OnTimer 周期任务：清理过期挂单，并对已触发的 STOP 挂单按市价成交。
// 过期清理先于触发判断，过期的 STOP 单不会被触发。
func (m *Manager) OnTimer(ctx context.Context, now time.Time) []protocol.Outbound {
	m.mu.Lock()
	expired := m.pool.SweepExpired(now)
	var stops []order.PendingOrder
	for _, o := range m.pool.Live() {
		if o.Kind.IsStop() {
			stops = append(stops, *o)
		}
	}
	m.mu.Unlock()

	events := m.expiredEvents(ctx, expired)
	for i := range stops {
		events = append(events, m.triggerStop(ctx, &stops[i])...)
	}
	if len(expired) > 0 || len(stops) > 0 {
		m.updatePoolGauge()
	}
	return events
}

// triggerStop 用 mu 内取得的拷贝判断是否触发；触发后确认池内订单未被修改再 Hold。
func (m *Manager) triggerStop(ctx context.Context, snap *order.PendingOrder) []protocol.Outbound {
	c, err := m.venue.SymbolConstraints(ctx, snap.Symbol)
	if err != nil {
		return nil
	}
	q, err := m.venue.Quote(ctx, snap.Symbol)
	if err != nil {
		m.log.Debug("stop trigger skipped, no quote", logFields(snap, "error", err.Error())...)
		return nil
	}
	if !order.StopTriggered(snap, c, q) {
		return nil
	}

	m.mu.Lock()
	o, ok := m.pool.Get(snap.ID)
	if !ok || !m.pool.IsLive(o) || o.Kind != snap.Kind || o.EntryPrice != snap.EntryPrice {
		m.mu.Unlock()
		return nil
	}
	m.pool.Hold(o.ID)
	m.mu.Unlock()

	price := q.Ask
	if o.Side == order.SideSell {
		price = q.Bid
	}
	ticket, err := m.sendOrder(ctx, dealRequest(o, o.Volume, price, o.StopLoss, o.TakeProfit))
	if err != nil {
		m.log.Warn("stop trigger execution failed, order stays in pool", logFields(o, "error", err.Error())...)
		m.mu.Lock()
		m.pool.Release(o.ID)
		m.mu.Unlock()
		return nil
	}
	m.mu.Lock()
	m.pool.Remove(o)
	o.Ticket = ticket
	m.transition(o, order.StatusExecuted)
	owner := m.registerOwnerLocked(o)
	m.mu.Unlock()

	m.forget(ctx, o)
	m.saveOwner(ctx, owner)
	m.log.Info("stop order triggered", logFields(o, "bid", q.Bid, "price", price, "ticket", ticket)...)
	ev := m.tradeEvent(o, order.StatusExecuted)
	ev.Price = price
	ev.MatchedVolume = o.Volume
	ev.RemainingVolume = 0
	return []protocol.Outbound{ev}
}
