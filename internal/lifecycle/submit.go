package lifecycle

import (
	"context"

	"order-bridge/internal/protocol"
	"order-bridge/order"
	"order-bridge/venue"
)

// Submit 处理下单请求。
// MARKET 单直接发往交易场所；LIMIT/STOP 先在订单池寻找对手单，找到则撮合，
// 否则进入订单池并（按配置）尝试在交易场所挂单。
func (m *Manager) Submit(ctx context.Context, req *protocol.TradeRequest) []protocol.Outbound {
	o := m.newOrder(req)
	if _, err := m.validateRequest(ctx, req, o); err != nil {
		m.transition(o, order.StatusFailed)
		return []protocol.Outbound{m.failEvent(o, err)}
	}
	if o.Kind.IsMarket() {
		m.mon.RecordOrderRouted("market")
		return m.executeMarket(ctx, o)
	}
	return m.submitResting(ctx, o)
}

func (m *Manager) knownLocked(o *order.PendingOrder) bool {
	if _, ok := m.pool.Get(o.ID); ok {
		return true
	}
	_, ok := m.owners[o.Magic]
	return ok
}

func duplicate(o *order.PendingOrder) *Error {
	return validationf(venue.RetcodeInvalid, "duplicate trade id %s", o.ID)
}

func (m *Manager) executeMarket(ctx context.Context, o *order.PendingOrder) []protocol.Outbound {
	m.mu.Lock()
	if m.knownLocked(o) {
		m.mu.Unlock()
		return []protocol.Outbound{m.failEvent(o, duplicate(o))}
	}
	err := m.checkFundsLocked(ctx, o, o.Volume)
	m.mu.Unlock()
	if err != nil {
		m.transition(o, order.StatusFailed)
		return []protocol.Outbound{m.failEvent(o, err)}
	}

	q, err := m.venue.Quote(ctx, o.Symbol)
	if err != nil {
		m.transition(o, order.StatusFailed)
		return []protocol.Outbound{m.failEvent(o, venueError(err))}
	}
	price := q.Ask
	if o.Side == order.SideSell {
		price = q.Bid
	}
	ticket, err := m.sendOrder(ctx, dealRequest(o, o.Volume, price, o.StopLoss, o.TakeProfit))
	if err != nil {
		m.transition(o, order.StatusFailed)
		return []protocol.Outbound{m.failEvent(o, venueError(err))}
	}

	o.Ticket = ticket
	m.transition(o, order.StatusExecuted)
	m.mu.Lock()
	owner := m.registerOwnerLocked(o)
	m.mu.Unlock()
	m.saveOwner(ctx, owner)

	ev := m.tradeEvent(o, order.StatusExecuted)
	ev.Price = price
	ev.MatchedVolume = o.Volume
	ev.RemainingVolume = 0
	return []protocol.Outbound{ev}
}

func (m *Manager) submitResting(ctx context.Context, o *order.PendingOrder) []protocol.Outbound {
	m.mu.Lock()
	if m.knownLocked(o) {
		m.mu.Unlock()
		return []protocol.Outbound{m.failEvent(o, duplicate(o))}
	}
	if err := m.checkFundsLocked(ctx, o, o.Volume); err != nil {
		m.mu.Unlock()
		m.transition(o, order.StatusFailed)
		return []protocol.Outbound{m.failEvent(o, err)}
	}

	match, expired := m.matcher(ctx).FindMatchingTrade(o, m.pool, m.now())
	if match != nil {
		// 对手单保持 PENDING，Hold 期间不可再被撮合或撤改
		m.pool.Hold(match.ID)
		m.mu.Unlock()

		m.mon.RecordOrderRouted("pool")
		events := m.expiredEvents(ctx, expired)
		m.transition(o, order.StatusMatched)
		events = append(events, m.cross(ctx, o, match)...)
		m.updatePoolGauge()
		return events
	}

	if err := m.pool.Add(o); err != nil {
		m.mu.Unlock()
		return append(m.expiredEvents(ctx, expired), m.failEvent(o, duplicate(o)))
	}
	place := m.cfg.PlaceRestingAtVenue
	if place {
		m.pool.Hold(o.ID)
	}
	snap := *o
	m.mu.Unlock()

	events := m.expiredEvents(ctx, expired)
	m.save(ctx, &snap)
	events = append(events, m.tradeEvent(&snap, order.StatusPending))
	if place {
		events = append(events, m.placeAtVenue(ctx, o)...)
	}
	m.updatePoolGauge()
	return events
}

// placeAtVenue 把池内挂单转发到交易场所。成功后订单离开订单池；失败则继续留在池内等待撮合。
// 调用前订单已被 Hold。
func (m *Manager) placeAtVenue(ctx context.Context, o *order.PendingOrder) []protocol.Outbound {
	ticket, err := m.sendOrder(ctx, pendingRequest(o, o.Volume))
	if err != nil {
		m.log.Warn("venue placement failed, order stays in pool", logFields(o, "error", err.Error())...)
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

	m.mon.RecordOrderRouted("venue_pending")
	m.forget(ctx, o)
	m.saveOwner(ctx, owner)
	return []protocol.Outbound{m.tradeEvent(o, order.StatusExecuted)}
}

func dealRequest(o *order.PendingOrder, volume, price, sl, tp float64) venue.OrderRequest {
	return venue.OrderRequest{
		Action:     venue.ActionDeal,
		Symbol:     o.Symbol,
		Side:       o.Side,
		Kind:       order.KindMarket,
		Volume:     volume,
		Price:      price,
		StopLoss:   sl,
		TakeProfit: tp,
		Magic:      o.Magic,
		Comment:    "bridge " + o.ID,
	}
}

func pendingRequest(o *order.PendingOrder, volume float64) venue.OrderRequest {
	return venue.OrderRequest{
		Action:     venue.ActionPending,
		Symbol:     o.Symbol,
		Side:       o.Side,
		Kind:       o.Kind,
		Volume:     volume,
		Price:      o.EntryPrice,
		StopLoss:   o.StopLoss,
		TakeProfit: o.TakeProfit,
		Expiration: o.Expiration,
		Magic:      o.Magic,
		Comment:    "bridge " + o.ID,
	}
}
