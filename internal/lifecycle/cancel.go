package lifecycle

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"

	"order-bridge/internal/protocol"
	"order-bridge/order"
	"order-bridge/venue"
)

// Cancel 撤销池内挂单，或按 magic 撤销/平掉已转发到交易场所的挂单与持仓。
func (m *Manager) Cancel(ctx context.Context, req *protocol.CloseTradeRequest) []protocol.Outbound {
	acct := order.ParseAccountType(req.AccountType)
	resp := &protocol.CloseTradeResponse{
		Header:      protocol.NewHeader(protocol.TypeCloseTradeResponse, m.now()),
		TradeID:     req.TradeID,
		UserID:      req.UserID,
		AccountType: string(acct),
		AccountName: req.AccountName,
	}

	m.mu.Lock()
	if o, ok := m.pool.Get(req.TradeID); ok && owns(o, req.UserID, acct) {
		if !m.pool.IsLive(o) {
			m.mu.Unlock()
			return []protocol.Outbound{closeFailed(resp, protocol.CloseReasonFailed, "order is being processed")}
		}
		m.pool.Remove(o)
		m.transition(o, order.StatusCanceled)
		m.mu.Unlock()

		m.forget(ctx, o)
		m.updatePoolGauge()
		m.mon.RecordOrderEvent(string(order.StatusCanceled))
		m.log.LogOrder(string(order.StatusCanceled), o.ID, map[string]interface{}{"user_id": o.UserID, "where": "pool"})
		resp.Status = protocol.CloseStatusSuccess
		resp.CloseReason = protocol.CloseReasonCanceled
		return []protocol.Outbound{resp}
	}
	owner, ok := m.owners[order.Magic(req.TradeID)]
	if ok && (owner.ID != req.TradeID || !owns(owner, req.UserID, acct)) {
		ok = false
	}
	var snapshot order.PendingOrder
	if ok {
		snapshot = *owner
	}
	m.mu.Unlock()

	if !ok {
		return []protocol.Outbound{closeFailed(resp, protocol.CloseReasonNotFound, "order not found")}
	}
	return []protocol.Outbound{m.closeAtVenue(ctx, &snapshot, resp)}
}

func owns(o *order.PendingOrder, userID string, acct order.AccountType) bool {
	return o.UserID == userID && o.AccountType == acct
}

func closeFailed(resp *protocol.CloseTradeResponse, reason, msg string) *protocol.CloseTradeResponse {
	resp.Status = protocol.CloseStatusFailed
	resp.CloseReason = reason
	resp.Error = msg
	return resp
}

// closeAtVenue 撤销 magic 对应的全部挂单并平掉全部持仓。
func (m *Manager) closeAtVenue(ctx context.Context, o *order.PendingOrder, resp *protocol.CloseTradeResponse) *protocol.CloseTradeResponse {
	positions, err := m.venue.ListPositions(ctx)
	if err != nil {
		return closeFailed(resp, protocol.CloseReasonFailed, venueError(err).Reason)
	}
	orders, err := m.venue.ListOrders(ctx)
	if err != nil {
		return closeFailed(resp, protocol.CloseReasonFailed, venueError(err).Reason)
	}

	canceled, closed := 0, 0
	profit := decimal.Zero
	for _, vo := range orders {
		if vo.Magic != o.Magic {
			continue
		}
		if _, err := m.closeOrder(ctx, vo.Ticket, vo.Symbol, vo.Volume, vo.Kind.Side()); err != nil {
			return closeFailed(resp, protocol.CloseReasonFailed, venueError(err).Reason)
		}
		canceled++
	}
	for _, p := range positions {
		if p.Magic != o.Magic {
			continue
		}
		res, err := m.closeOrder(ctx, p.Ticket, p.Symbol, p.Volume, p.Side)
		if err != nil {
			return closeFailed(resp, protocol.CloseReasonFailed, venueError(err).Reason)
		}
		closed++
		resp.ClosePrice = res.Price
		profit = profit.Add(decimal.NewFromFloat(res.Profit))
	}

	m.mu.Lock()
	delete(m.owners, o.Magic)
	m.mu.Unlock()
	if err := m.store.DeleteOwner(ctx, o); err != nil {
		m.log.LogError(err, map[string]interface{}{"op": "delete_owner", "order_id": o.ID})
	}

	if canceled == 0 && closed == 0 {
		return closeFailed(resp, protocol.CloseReasonNotFound, "order not found at venue")
	}
	resp.Status = protocol.CloseStatusSuccess
	resp.Profit = profit.InexactFloat64()
	if closed > 0 {
		resp.CloseReason = protocol.CloseReasonClosed
	} else {
		resp.CloseReason = protocol.CloseReasonCanceled
	}
	m.mon.RecordOrderEvent(string(order.StatusCanceled))
	m.log.LogOrder(string(order.StatusCanceled), o.ID, map[string]interface{}{
		"user_id":  o.UserID,
		"where":    "venue",
		"canceled": canceled,
		"closed":   closed,
		"profit":   resp.Profit,
	})
	return resp
}

const reasonModifyMarket = "cannot modify market order"

// Modify 修改池内挂单或交易场所挂单的价格、数量、止损止盈与过期时间。
// MARKET 单与已成交的持仓不能修改。
func (m *Manager) Modify(ctx context.Context, req *protocol.ModifyTradeRequest) []protocol.Outbound {
	acct := order.ParseAccountType(req.AccountType)
	ref := &order.PendingOrder{ID: req.TradeID, UserID: req.UserID, AccountType: acct}

	if order.Kind(strings.ToUpper(strings.TrimSpace(req.OrderType))) == order.KindMarket {
		return []protocol.Outbound{m.failEvent(ref, validationf(venue.RetcodeInvalid, reasonModifyMarket))}
	}

	m.mu.Lock()
	pooled, inPool := m.pool.Get(req.TradeID)
	if inPool && !owns(pooled, req.UserID, acct) {
		inPool = false
	}
	var current order.PendingOrder
	if inPool {
		current = *pooled
	}
	owner, atVenue := m.owners[order.Magic(req.TradeID)]
	if atVenue && (owner.ID != req.TradeID || !owns(owner, req.UserID, acct)) {
		atVenue = false
	}
	if !inPool && atVenue {
		current = *owner
	}
	m.mu.Unlock()

	if !inPool && !atVenue {
		return []protocol.Outbound{m.failEvent(ref, notFound("order not found"))}
	}
	if current.Kind.IsMarket() {
		return []protocol.Outbound{m.failEvent(&current, validationf(venue.RetcodeInvalid, reasonModifyMarket))}
	}

	updated := current
	applyModify(&updated, req)
	if err := m.validateModified(ctx, &updated); err != nil {
		return []protocol.Outbound{m.failEvent(&current, err)}
	}

	if inPool {
		return m.modifyPooled(ctx, &updated)
	}
	return m.modifyAtVenue(ctx, &current, &updated)
}

func applyModify(o *order.PendingOrder, req *protocol.ModifyTradeRequest) {
	if req.EntryPrice != nil {
		o.EntryPrice = *req.EntryPrice
	}
	if req.Volume != nil {
		o.Volume = *req.Volume
	}
	if req.StopLoss != nil {
		o.StopLoss = *req.StopLoss
	}
	if req.TakeProfit != nil {
		o.TakeProfit = *req.TakeProfit
	}
	if req.Expiration != nil {
		o.Expiration = *req.Expiration
	}
}

func (m *Manager) validateModified(ctx context.Context, o *order.PendingOrder) error {
	c, err := m.venue.SymbolConstraints(ctx, o.Symbol)
	if err != nil {
		return validationf(venue.RetcodeInvalid, "invalid symbol %s", o.Symbol)
	}
	if err := c.ValidateVolume(o.Volume); err != nil {
		return validationf(venue.RetcodeInvalidVolume, "invalid volume: %v", err)
	}
	if !o.PriceConsistent() {
		return validationf(venue.RetcodeInvalidPrice, "%s order requires entry price > 0", o.Kind)
	}
	if o.StopLoss < 0 || o.TakeProfit < 0 {
		return validationf(venue.RetcodeInvalidStops, "stop loss and take profit must be >= 0")
	}
	if o.Expiration != 0 && o.Expiration <= m.now().Unix() {
		return validationf(venue.RetcodeInvalidExpiration, "expiration %d is not in the future", o.Expiration)
	}
	return nil
}

func (m *Manager) modifyPooled(ctx context.Context, updated *order.PendingOrder) []protocol.Outbound {
	m.mu.Lock()
	o, ok := m.pool.Get(updated.ID)
	if !ok {
		m.mu.Unlock()
		return []protocol.Outbound{m.failEvent(updated, notFound("order not found"))}
	}
	if !m.pool.IsLive(o) {
		m.mu.Unlock()
		return []protocol.Outbound{m.failEvent(updated, validationf(venue.RetcodeInvalid, "order is being processed"))}
	}
	o.EntryPrice = updated.EntryPrice
	o.Volume = updated.Volume
	o.StopLoss = updated.StopLoss
	o.TakeProfit = updated.TakeProfit
	o.Expiration = updated.Expiration
	m.transition(o, order.StatusModified)
	ev := m.tradeEvent(o, order.StatusModified)
	m.transition(o, order.StatusPending)
	cp := *o
	m.mu.Unlock()

	m.save(ctx, &cp)
	return []protocol.Outbound{ev}
}

// modifyAtVenue 交易场所挂单：撤销旧单后按新参数重新挂单。持仓不可修改。
func (m *Manager) modifyAtVenue(ctx context.Context, current, updated *order.PendingOrder) []protocol.Outbound {
	orders, err := m.venue.ListOrders(ctx)
	if err != nil {
		return []protocol.Outbound{m.failEvent(current, venueError(err))}
	}
	var resting []venue.Order
	for _, vo := range orders {
		if vo.Magic == current.Magic {
			resting = append(resting, vo)
		}
	}
	if len(resting) == 0 {
		return []protocol.Outbound{m.failEvent(current, validationf(venue.RetcodeInvalid, reasonModifyMarket))}
	}
	for _, vo := range resting {
		if _, err := m.closeOrder(ctx, vo.Ticket, vo.Symbol, vo.Volume, vo.Kind.Side()); err != nil {
			return []protocol.Outbound{m.failEvent(current, venueError(err))}
		}
	}
	ticket, err := m.sendOrder(ctx, pendingRequest(updated, updated.Volume))
	if err != nil {
		m.mu.Lock()
		delete(m.owners, current.Magic)
		m.mu.Unlock()
		if derr := m.store.DeleteOwner(ctx, current); derr != nil {
			m.log.LogError(derr, map[string]interface{}{"op": "delete_owner", "order_id": current.ID})
		}
		return []protocol.Outbound{m.failEvent(current, venueError(err))}
	}
	updated.Ticket = ticket
	updated.Status = order.StatusExecuted

	m.mu.Lock()
	owner := m.registerOwnerLocked(updated)
	m.mu.Unlock()
	m.saveOwner(ctx, owner)

	ev := m.tradeEvent(updated, order.StatusModified)
	ev.TradeRetcode = venue.RetcodeDone
	return []protocol.Outbound{ev}
}
