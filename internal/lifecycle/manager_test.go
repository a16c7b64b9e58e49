package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"order-bridge/internal/protocol"
	"order-bridge/order"
	"order-bridge/venue"
)

func TestSubmitValidation(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(r *protocol.TradeRequest)
		reason  string
		retcode int
	}{
		{"未知品种", func(r *protocol.TradeRequest) { r.Symbol = "XXX" }, "invalid symbol XXX", venue.RetcodeInvalid},
		{"数量低于最小值", func(r *protocol.TradeRequest) { r.Volume = 0.05 }, "invalid volume", venue.RetcodeInvalidVolume},
		{"数量为0", func(r *protocol.TradeRequest) { r.Volume = 0 }, "invalid volume", venue.RetcodeInvalidVolume},
		{"方向非法", func(r *protocol.TradeRequest) { r.TradeType = "HOLD" }, "invalid trade_type", venue.RetcodeInvalid},
		{"账户类型非法", func(r *protocol.TradeRequest) { r.AccountType = "paper" }, "invalid account_type", venue.RetcodeInvalid},
		{"缺少用户", func(r *protocol.TradeRequest) { r.UserID = "" }, "invalid user_id", venue.RetcodeInvalid},
		{"杠杆为0", func(r *protocol.TradeRequest) { r.Leverage = 0 }, "invalid leverage", venue.RetcodeInvalid},
		{"限价单价格为0", func(r *protocol.TradeRequest) { r.EntryPrice = 0 }, "requires entry price", venue.RetcodeInvalidPrice},
		{"市价单带价格", func(r *protocol.TradeRequest) { r.OrderType = "MARKET"; r.EntryPrice = 5 }, "market order", venue.RetcodeInvalidPrice},
		{"入场价为负", func(r *protocol.TradeRequest) { r.EntryPrice = -1 }, "invalid entry_price", venue.RetcodeInvalidPrice},
		{"止损为负", func(r *protocol.TradeRequest) { r.StopLoss = -1 }, "invalid stop_loss", venue.RetcodeInvalidStops},
		{"止盈为负", func(r *protocol.TradeRequest) { r.TakeProfit = -1 }, "invalid take_profit", venue.RetcodeInvalidStops},
		{"过期时间为负", func(r *protocol.TradeRequest) { r.Expiration = -1 }, "invalid expiration", venue.RetcodeInvalidExpiration},
		{"过期时间已过", func(r *protocol.TradeRequest) { r.Expiration = base.Unix() }, "not in the future", venue.RetcodeInvalidExpiration},
		{"方向与类型不符", func(r *protocol.TradeRequest) { r.TradeType = "SELL" }, "does not match", venue.RetcodeInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, false)
			r := tradeReq("v1", "BUY", "BUY_LIMIT", 1, 99)
			tc.mutate(&r)

			events := h.submit(r)
			require.Len(t, events, 1)
			assert.Equal(t, order.StatusFailed, events[0].Status)
			assert.Contains(t, events[0].Error, tc.reason)
			assert.Equal(t, tc.retcode, events[0].TradeRetcode)
			assert.Empty(t, h.m.PoolSnapshot())
			assert.Empty(t, h.venue.sends())
		})
	}
}

func TestSubmitGeneratesTradeID(t *testing.T) {
	h := newHarness(t, false)
	r := tradeReq("", "BUY", "BUY_LIMIT", 1, 99)
	r.UserID = "u1"
	events := h.submit(r)
	require.Len(t, events, 1)
	assert.NotEmpty(t, events[0].TradeID)
	assert.Equal(t, order.StatusPending, events[0].Status)
}

func TestSubmitMarketExecutes(t *testing.T) {
	h := newHarness(t, false)

	events := h.submit(tradeReq("m1", "BUY", "MARKET", 1, 0))
	require.Equal(t, []string{"m1:EXECUTED"}, statuses(events))
	assert.NotZero(t, events[0].Ticket)
	assert.Equal(t, 100.02, events[0].Price)
	assert.Equal(t, venue.RetcodeDone, events[0].TradeRetcode)

	owner, ok := h.owner("m1")
	require.True(t, ok)
	assert.Equal(t, order.StatusExecuted, owner.Status)
	assert.Empty(t, h.m.PoolSnapshot())

	// 相同 ID 不会重复下单
	events = h.submit(tradeReq("m1", "BUY", "MARKET", 1, 0))
	require.Len(t, events, 1)
	assert.Equal(t, order.StatusFailed, events[0].Status)
	assert.Contains(t, events[0].Error, "duplicate")
}

func TestSubmitMarketVenueFailure(t *testing.T) {
	h := newHarness(t, false)
	h.venue.failNextSends(&venue.Error{Retcode: venue.RetcodePriceOff, Comment: "off quotes"})

	events := h.submit(tradeReq("m1", "SELL", "MARKET", 1, 0))
	require.Len(t, events, 1)
	assert.Equal(t, order.StatusFailed, events[0].Status)
	assert.Equal(t, "off quotes", events[0].Error)
	assert.Equal(t, venue.RetcodePriceOff, events[0].TradeRetcode)
	assert.Empty(t, h.m.PoolSnapshot())
}

func TestSubmitInsufficientMargin(t *testing.T) {
	h := newHarness(t, false)
	h.venue.marginOff = true

	events := h.submit(tradeReq("l1", "BUY", "BUY_LIMIT", 1, 99))
	require.Len(t, events, 1)
	assert.Equal(t, order.StatusFailed, events[0].Status)
	assert.Equal(t, "insufficient margin", events[0].Error)
	assert.Equal(t, venue.RetcodeNoMoney, events[0].TradeRetcode)
	assert.Empty(t, h.m.PoolSnapshot())
}

func TestRestingOrderPlacedAtVenue(t *testing.T) {
	h := newHarness(t, true)

	events := h.submit(tradeReq("l1", "BUY", "BUY_LIMIT", 1, 99))
	require.Equal(t, []string{"l1:PENDING", "l1:EXECUTED"}, statuses(events))
	assert.NotZero(t, events[1].Ticket)
	assert.Empty(t, h.m.PoolSnapshot())

	orders, err := h.venue.ListOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, order.Magic("l1"), orders[0].Magic)

	_, found := h.stored("l1")
	assert.False(t, found)
}

func TestRestingOrderStaysInPoolWhenVenueRejects(t *testing.T) {
	h := newHarness(t, true)

	// 买入限价高于 ask，交易场所拒绝
	events := h.submit(tradeReq("l2", "BUY", "BUY_LIMIT", 1, 101))
	require.Equal(t, []string{"l2:PENDING"}, statuses(events))

	o, ok := h.pooled("l2")
	require.True(t, ok)
	assert.Equal(t, order.StatusPending, o.Status)

	stored, ok := h.stored("l2")
	require.True(t, ok)
	assert.Equal(t, order.StatusPending, stored.Status)
}

// 5 与 3 撮合：3 的一方完全成交离开订单池，5 的一方剩余 2 继续挂单
func TestCrossPartialFillRestingLegKeepsRemainder(t *testing.T) {
	h := newHarness(t, false)

	require.Equal(t, []string{"s:PENDING"}, statuses(h.submit(tradeReq("s", "SELL", "SELL_LIMIT", 5, 100))))

	events := h.submit(tradeReq("b", "BUY", "BUY_LIMIT", 3, 100))
	require.Equal(t, []string{"b:MATCHED", "s:MATCHED", "b:EXECUTED"}, statuses(events))
	assert.Equal(t, 3.0, events[0].MatchedVolume)
	assert.Equal(t, "s", events[0].MatchedTradeID)
	assert.Equal(t, 100.0, events[0].Price)
	assert.Equal(t, 0.0, events[0].RemainingVolume)
	assert.Equal(t, "b", events[1].MatchedTradeID)
	assert.Equal(t, 2.0, events[1].RemainingVolume)

	s, ok := h.pooled("s")
	require.True(t, ok)
	assert.Equal(t, 2.0, s.Volume)
	assert.Equal(t, order.StatusPending, s.Status)
	_, ok = h.pooled("b")
	assert.False(t, ok)

	stored, ok := h.stored("s")
	require.True(t, ok)
	assert.Equal(t, 2.0, stored.Volume)
	_, found := h.stored("b")
	assert.False(t, found)

	positions, err := h.venue.ListPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 2)
	for _, p := range positions {
		assert.Equal(t, 3.0, p.Volume)
	}

	// 剩余量仍可撮合
	events = h.submit(tradeReq("b2", "BUY", "BUY_LIMIT", 2, 100.5))
	require.Equal(t, []string{"b2:MATCHED", "s:MATCHED", "s:EXECUTED", "b2:EXECUTED"}, statuses(events))
	assert.Empty(t, h.m.PoolSnapshot())
}

func TestCrossPartialFillNewOrderRemainderPlacedAtVenue(t *testing.T) {
	h := newHarness(t, true)

	// 卖出限价 100 不高于 bid，交易场所拒绝，留在池内
	require.Equal(t, []string{"s:PENDING"}, statuses(h.submit(tradeReq("s", "SELL", "SELL_LIMIT", 3, 100))))

	events := h.submit(tradeReq("b", "BUY", "BUY_LIMIT", 5, 100))
	require.Equal(t, []string{"b:MATCHED", "s:MATCHED", "s:EXECUTED", "b:EXECUTED"}, statuses(events))
	last := events[3]
	assert.Equal(t, 2.0, last.RemainingVolume)
	assert.NotZero(t, last.Ticket)
	assert.Empty(t, h.m.PoolSnapshot())

	orders, err := h.venue.ListOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, 2.0, orders[0].Volume)
	assert.Equal(t, order.KindBuyLimit, orders[0].Kind)
}

func TestCrossRemainderPlacementFailureReportsRemaining(t *testing.T) {
	h := newHarness(t, true)
	require.Len(t, h.submit(tradeReq("s", "SELL", "SELL_LIMIT", 3, 100)), 1)

	h.venue.failNextSends(nil, nil, &venue.Error{Retcode: venue.RetcodeInvalidPrice, Comment: "invalid price"})
	events := h.submit(tradeReq("b", "BUY", "BUY_LIMIT", 5, 100))
	require.Equal(t, []string{"b:MATCHED", "s:MATCHED", "s:EXECUTED", "b:FAILED"}, statuses(events))
	assert.Equal(t, 2.0, events[3].RemainingVolume)
	assert.Equal(t, "invalid price", events[3].Error)
	assert.Equal(t, venue.RetcodeInvalidPrice, events[3].TradeRetcode)

	assert.Empty(t, h.m.PoolSnapshot())
	_, found := h.stored("b")
	assert.False(t, found)
	// 已成交部分仍归属于 b
	_, ok := h.owner("b")
	assert.True(t, ok)
}

func TestCrossVenueFailureFailsBothLegs(t *testing.T) {
	h := newHarness(t, false)
	require.Len(t, h.submit(tradeReq("s", "SELL", "SELL_LIMIT", 2, 100)), 1)

	h.venue.failNextSends(nil, &venue.Error{Retcode: venue.RetcodeNoMoney, Comment: "not enough money"})
	events := h.submit(tradeReq("b", "BUY", "BUY_LIMIT", 2, 100))
	require.Equal(t, []string{"b:FAILED", "s:FAILED"}, statuses(events))
	for _, ev := range events {
		assert.Equal(t, "not enough money", ev.Error)
	}
	assert.Equal(t, "s", events[0].MatchedTradeID)
	assert.Equal(t, "b", events[1].MatchedTradeID)

	// 第一条腿已被平掉
	positions, err := h.venue.ListPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions)

	// 对手单保持原样继续挂单
	s, ok := h.pooled("s")
	require.True(t, ok)
	assert.Equal(t, order.StatusPending, s.Status)
	assert.Equal(t, 2.0, s.Volume)
	_, ok = h.pooled("b")
	assert.False(t, ok)

	events = h.submit(tradeReq("b2", "BUY", "BUY_LIMIT", 2, 100))
	assert.Equal(t, []string{"b2:MATCHED", "s:MATCHED", "s:EXECUTED", "b2:EXECUTED"}, statuses(events))
}

// 撮合时对手单保证金不足：两条腿都失败，不向交易场所下单，对手单继续挂单
func TestCrossInsufficientMarginFailsBothLegs(t *testing.T) {
	h := newHarness(t, false)
	require.Len(t, h.submit(tradeReq("s", "SELL", "SELL_LIMIT", 2, 100)), 1)

	h.venue.mu.Lock()
	h.venue.denySide = order.SideSell
	h.venue.mu.Unlock()

	events := h.submit(tradeReq("b", "BUY", "BUY_LIMIT", 2, 100))
	require.Equal(t, []string{"b:FAILED", "s:FAILED"}, statuses(events))
	for _, ev := range events {
		assert.Equal(t, "insufficient margin", ev.Error)
		assert.Equal(t, venue.RetcodeNoMoney, ev.TradeRetcode)
	}
	assert.Empty(t, h.venue.sends())

	s, ok := h.pooled("s")
	require.True(t, ok)
	assert.Equal(t, order.StatusPending, s.Status)
	assert.Equal(t, 2.0, s.Volume)
}

func TestCrossPicksOldestCounterOrder(t *testing.T) {
	h := newHarness(t, false)

	first := tradeReq("s1", "SELL", "SELL_LIMIT", 1, 99.5)
	first.Timestamp = float64(base.Unix() - 10)
	second := tradeReq("s2", "SELL", "SELL_LIMIT", 1, 99)
	second.Timestamp = float64(base.Unix() - 20)
	h.submit(first)
	h.submit(second)

	events := h.submit(tradeReq("b", "BUY", "BUY_LIMIT", 1, 100))
	require.NotEmpty(t, events)
	assert.Equal(t, "s2", events[0].MatchedTradeID)
}

func TestOnTimerExpiresOrders(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	lapsing := tradeReq("e", "BUY", "BUY_LIMIT", 1, 99)
	lapsing.Expiration = base.Unix() + 10
	h.submit(lapsing)
	h.submit(tradeReq("f", "BUY", "BUY_LIMIT", 1, 99))

	assert.Empty(t, h.m.OnTimer(ctx, h.clock()))

	now := h.advance(11 * time.Second)
	events := trades(t, h.m.OnTimer(ctx, now))
	require.Equal(t, []string{"e:EXPIRED"}, statuses(events))

	_, ok := h.pooled("e")
	assert.False(t, ok)
	_, found := h.stored("e")
	assert.False(t, found)

	// expiration = 0 永不过期
	now = h.advance(100 * 365 * 24 * time.Hour)
	assert.Empty(t, h.m.OnTimer(ctx, now))
	_, ok = h.pooled("f")
	assert.True(t, ok)
}

func TestSubmitSweepsExpiredBeforeMatching(t *testing.T) {
	h := newHarness(t, false)
	lapsing := tradeReq("e", "SELL", "SELL_LIMIT", 1, 99)
	lapsing.Expiration = base.Unix() + 10
	h.submit(lapsing)

	h.advance(11 * time.Second)
	events := h.submit(tradeReq("b", "BUY", "BUY_LIMIT", 1, 100))
	assert.Equal(t, []string{"e:EXPIRED", "b:PENDING"}, statuses(events))
}

func TestOnTimerTriggersStopOrders(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	require.Equal(t, []string{"st:PENDING"}, statuses(h.submit(tradeReq("st", "BUY", "BUY_STOP", 1, 101))))
	assert.Empty(t, h.m.OnTimer(ctx, h.clock()))

	h.venue.SetQuote("US500", 101.5, 101.52)

	// 下单失败时继续挂单
	h.venue.failNextSends(errors.New("venue busy"))
	assert.Empty(t, h.m.OnTimer(ctx, h.clock()))
	_, ok := h.pooled("st")
	require.True(t, ok)

	events := trades(t, h.m.OnTimer(ctx, h.clock()))
	require.Equal(t, []string{"st:EXECUTED"}, statuses(events))
	assert.Equal(t, 101.52, events[0].Price)
	assert.Empty(t, h.m.PoolSnapshot())
	_, ok = h.owner("st")
	assert.True(t, ok)
}

// 触发判断期间挂单被改价，按修改后的价格不再触发
func TestOnTimerSkipsStopModifiedDuringTrigger(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	require.Equal(t, []string{"st:PENDING"}, statuses(h.submit(tradeReq("st", "BUY", "BUY_STOP", 1, 101))))
	h.venue.SetQuote("US500", 101.5, 101.52)

	h.venue.beforeNextQuote(func() {
		events := trades(t, h.m.Modify(ctx, &protocol.ModifyTradeRequest{
			TradeID: "st", UserID: "user-st", AccountType: "DEMO", EntryPrice: ptr(102.0),
		}))
		require.Equal(t, []string{"st:MODIFIED"}, statuses(events))
	})
	assert.Empty(t, h.m.OnTimer(ctx, h.clock()))
	assert.Empty(t, h.venue.sends())

	o, ok := h.pooled("st")
	require.True(t, ok)
	assert.Equal(t, 102.0, o.EntryPrice)
	assert.Equal(t, order.StatusPending, o.Status)

	assert.Empty(t, h.m.OnTimer(ctx, h.clock()))
	_, ok = h.pooled("st")
	assert.True(t, ok)
}

func ptr[T any](v T) *T { return &v }

func TestModifyMarketOrderAlwaysFails(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.submit(tradeReq("m1", "BUY", "MARKET", 1, 0))
	h.submit(tradeReq("l1", "BUY", "BUY_LIMIT", 1, 99))

	cases := []struct {
		name string
		req  protocol.ModifyTradeRequest
	}{
		{"请求声明为市价单", protocol.ModifyTradeRequest{TradeID: "whatever", OrderType: "MARKET", Volume: ptr(2.0)}},
		{"小写market", protocol.ModifyTradeRequest{TradeID: "l1", UserID: "user-l1", AccountType: "DEMO", OrderType: "market", EntryPrice: ptr(98.0)}},
		{"已成交的市价单", protocol.ModifyTradeRequest{TradeID: "m1", UserID: "user-m1", AccountType: "DEMO", Volume: ptr(2.0)}},
		{"市价单无修改字段", protocol.ModifyTradeRequest{TradeID: "m1", UserID: "user-m1", AccountType: "DEMO"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			events := trades(t, h.m.Modify(ctx, &tc.req))
			require.Len(t, events, 1)
			assert.Equal(t, order.StatusFailed, events[0].Status)
			assert.Equal(t, "cannot modify market order", events[0].Error)
		})
	}

	l1, ok := h.pooled("l1")
	require.True(t, ok)
	assert.Equal(t, 99.0, l1.EntryPrice)
}

func TestModifyPooledOrder(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.submit(tradeReq("l1", "BUY", "BUY_LIMIT", 1, 99))

	events := trades(t, h.m.Modify(ctx, &protocol.ModifyTradeRequest{
		TradeID: "l1", UserID: "user-l1", AccountType: "DEMO", Volume: ptr(2.0), EntryPrice: ptr(98.5),
	}))
	require.Equal(t, []string{"l1:MODIFIED"}, statuses(events))
	assert.Equal(t, 2.0, events[0].RemainingVolume)

	o, ok := h.pooled("l1")
	require.True(t, ok)
	assert.Equal(t, 2.0, o.Volume)
	assert.Equal(t, 98.5, o.EntryPrice)
	assert.Equal(t, order.StatusPending, o.Status)

	stored, ok := h.stored("l1")
	require.True(t, ok)
	assert.Equal(t, 2.0, stored.Volume)

	events = trades(t, h.m.Modify(ctx, &protocol.ModifyTradeRequest{
		TradeID: "l1", UserID: "user-l1", AccountType: "DEMO", Volume: ptr(1000.0),
	}))
	require.Len(t, events, 1)
	assert.Equal(t, order.StatusFailed, events[0].Status)
	assert.Contains(t, events[0].Error, "invalid volume")

	events = trades(t, h.m.Modify(ctx, &protocol.ModifyTradeRequest{TradeID: "nope", UserID: "x", AccountType: "DEMO"}))
	require.Len(t, events, 1)
	assert.Equal(t, "order not found", events[0].Error)
	assert.Equal(t, venue.RetcodeNotFound, events[0].TradeRetcode)
}

func TestModifyVenuePendingOrder(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	placed := h.submit(tradeReq("v", "BUY", "BUY_LIMIT", 1, 99))
	require.Equal(t, []string{"v:PENDING", "v:EXECUTED"}, statuses(placed))

	events := trades(t, h.m.Modify(ctx, &protocol.ModifyTradeRequest{
		TradeID: "v", UserID: "user-v", AccountType: "DEMO", EntryPrice: ptr(98.0),
	}))
	require.Equal(t, []string{"v:MODIFIED"}, statuses(events))
	assert.NotEqual(t, placed[1].Ticket, events[0].Ticket)

	orders, err := h.venue.ListOrders(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, 98.0, orders[0].Price)

	owner, ok := h.owner("v")
	require.True(t, ok)
	assert.Equal(t, events[0].Ticket, owner.Ticket)
}

func closeEvents(t *testing.T, events []protocol.Outbound) *protocol.CloseTradeResponse {
	t.Helper()
	require.Len(t, events, 1)
	resp, ok := events[0].(*protocol.CloseTradeResponse)
	require.True(t, ok)
	return resp
}

func TestCancelPoolOrder(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.submit(tradeReq("c", "BUY", "BUY_LIMIT", 1, 99))

	resp := closeEvents(t, h.m.Cancel(ctx, &protocol.CloseTradeRequest{TradeID: "c", UserID: "someone-else", AccountType: "DEMO"}))
	assert.Equal(t, protocol.CloseStatusFailed, resp.Status)
	assert.Equal(t, protocol.CloseReasonNotFound, resp.CloseReason)

	resp = closeEvents(t, h.m.Cancel(ctx, &protocol.CloseTradeRequest{TradeID: "c", UserID: "user-c", AccountType: "demo"}))
	assert.Equal(t, protocol.CloseStatusSuccess, resp.Status)
	assert.Equal(t, protocol.CloseReasonCanceled, resp.CloseReason)
	assert.Empty(t, h.m.PoolSnapshot())
	_, found := h.stored("c")
	assert.False(t, found)
}

func TestCancelClosesVenuePosition(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.submit(tradeReq("m", "BUY", "MARKET", 1, 0))

	h.venue.SetQuote("US500", 101, 101.02)
	resp := closeEvents(t, h.m.Cancel(ctx, &protocol.CloseTradeRequest{TradeID: "m", UserID: "user-m", AccountType: "DEMO"}))
	assert.Equal(t, protocol.CloseStatusSuccess, resp.Status)
	assert.Equal(t, protocol.CloseReasonClosed, resp.CloseReason)
	assert.Equal(t, 101.0, resp.ClosePrice)
	assert.InDelta(t, 0.98, resp.Profit, 1e-9)

	_, ok := h.owner("m")
	assert.False(t, ok)
	resp = closeEvents(t, h.m.Cancel(ctx, &protocol.CloseTradeRequest{TradeID: "m", UserID: "user-m", AccountType: "DEMO"}))
	assert.Equal(t, protocol.CloseReasonNotFound, resp.CloseReason)
}

func TestCancelVenuePendingOrder(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.submit(tradeReq("p", "BUY", "BUY_LIMIT", 1, 99))

	resp := closeEvents(t, h.m.Cancel(ctx, &protocol.CloseTradeRequest{TradeID: "p", UserID: "user-p", AccountType: "DEMO"}))
	assert.Equal(t, protocol.CloseStatusSuccess, resp.Status)
	assert.Equal(t, protocol.CloseReasonCanceled, resp.CloseReason)

	orders, err := h.venue.ListOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestBalanceAndOrderStream(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	bal := h.m.Balance(ctx, &protocol.BalanceRequest{UserID: "alice", AccountType: "DEMO"})
	require.Len(t, bal, 1)
	assert.Equal(t, 1_000_000.0, bal[0].(*protocol.BalanceResponse).Balance)

	for _, r := range []protocol.TradeRequest{
		tradeReq("a1", "BUY", "MARKET", 1, 0),
		tradeReq("a2", "BUY", "BUY_LIMIT", 1, 99),
		tradeReq("a3", "BUY", "BUY_LIMIT", 1, 101),
	} {
		r.UserID = "alice"
		h.submit(r)
	}
	h.submit(tradeReq("other", "BUY", "MARKET", 1, 0))

	events := h.m.OrderStream(ctx, &protocol.OrderStreamRequest{UserID: "alice", AccountType: "DEMO"})
	require.Len(t, events, 1)
	stream := events[0].(*protocol.OrderStreamResponse)
	require.Len(t, stream.Trades, 3)

	got := make([]string, 0, 3)
	for _, tr := range stream.Trades {
		got = append(got, tr.TradeID+":"+tr.Status)
	}
	assert.Equal(t, []string{"a1:OPEN", "a2:PENDING", "a3:PENDING"}, got)
}

func TestRestoreRebuildsPoolAndOwners(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)

	live := &order.PendingOrder{
		ID: "r1", UserID: "u", AccountType: order.AccountDemo, Symbol: "US500",
		Side: order.SideBuy, Kind: order.KindBuyLimit, Volume: 1, EntryPrice: 99,
		CreatedAt: base, Status: order.StatusMatched, Magic: order.Magic("r1"),
	}
	lapsed := *live
	lapsed.ID, lapsed.Magic, lapsed.Expiration = "r2", order.Magic("r2"), base.Unix()-1
	owned := *live
	owned.ID, owned.Magic, owned.Status, owned.Ticket = "r3", order.Magic("r3"), order.StatusExecuted, 77
	require.NoError(t, h.store.Save(ctx, live))
	require.NoError(t, h.store.Save(ctx, &lapsed))
	require.NoError(t, h.store.SaveOwner(ctx, &owned))

	require.NoError(t, h.m.Restore(ctx))

	pool := h.m.PoolSnapshot()
	require.Len(t, pool, 1)
	assert.Equal(t, "r1", pool[0].ID)
	assert.Equal(t, order.StatusPending, pool[0].Status)

	_, found := h.stored("r2")
	assert.False(t, found)

	o, ok := h.owner("r3")
	require.True(t, ok)
	assert.Equal(t, int64(77), o.Ticket)
}

func TestHandleDispatch(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	raw := []byte(`{"type":"trade_request","trade_id":"j1","user_id":"u","symbol":"US500","trade_type":"buy",
		"order_type":"buy_limit","account_type":"demo","leverage":100,"volume":1,"entry_price":99}`)
	events := trades(t, h.m.Handle(ctx, protocol.TypeTradeRequest, raw))
	require.Equal(t, []string{"j1:PENDING"}, statuses(events))

	assert.Nil(t, h.m.Handle(ctx, protocol.TypeTradeRequest, []byte(`{"type":`)))
	assert.Nil(t, h.m.Handle(ctx, protocol.Type("mystery"), []byte(`{}`)))

	out := h.m.Handle(ctx, protocol.TypeBalanceRequest, []byte(`{"type":"balance_request","user_id":"u"}`))
	require.Len(t, out, 1)
	assert.Equal(t, protocol.TypeBalanceResponse, out[0].MessageType())
}

// 并发下单不会让同一笔对手单被撮合两次，结束时订单池里不存在可以互相撮合的订单
func TestConcurrentSubmitsNeverDoubleMatch(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		matched int
	)
	for i := 0; i < 20; i++ {
		for _, side := range []string{"BUY", "SELL"} {
			wg.Add(1)
			go func(id, side string) {
				defer wg.Done()
				r := tradeReq(id, side, side+"_LIMIT", 1, 100)
				events := h.m.Submit(ctx, &r)
				mu.Lock()
				defer mu.Unlock()
				for _, ev := range events {
					if tr := ev.(*protocol.TradeResponse); tr.Status == order.StatusMatched {
						matched++
					}
				}
			}(fmt.Sprintf("%s-%d", side, i), side)
		}
	}
	wg.Wait()

	pool := h.m.PoolSnapshot()
	assert.Equal(t, 40, len(pool)+matched)
	sides := map[order.Side]int{}
	for _, o := range pool {
		sides[o.Side]++
	}
	assert.False(t, sides[order.SideBuy] > 0 && sides[order.SideSell] > 0, "crossable orders left in pool: %v", sides)
}

// 撮合进行中并发查询订单流与订单池：池内订单始终是 PENDING，对手单剩余量逐笔递减
func TestCrossWhileStreamingOrders(t *testing.T) {
	h := newHarness(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.Equal(t, []string{"s:PENDING"}, statuses(h.submit(tradeReq("s", "SELL", "SELL_LIMIT", 5, 100))))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		notLive  []string
		lastSeen = 5.0
		shrunk   bool
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			events := h.m.OrderStream(context.Background(), &protocol.OrderStreamRequest{UserID: "user-s", AccountType: "DEMO"})
			stream := events[0].(*protocol.OrderStreamResponse)
			listed := false
			for _, tr := range stream.Trades {
				listed = listed || (tr.TradeID == "s" && tr.Status == streamPending)
			}
			mu.Lock()
			if !listed {
				notLive = append(notLive, "s missing from order stream")
			}
			mu.Unlock()
			for _, o := range h.m.PoolSnapshot() {
				mu.Lock()
				if o.Status != order.StatusPending {
					notLive = append(notLive, o.ID+":"+string(o.Status))
				}
				if o.Volume > lastSeen {
					shrunk = true
				}
				lastSeen = o.Volume
				mu.Unlock()
			}
		}
	}()

	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("b%d", i)
		events := h.submit(tradeReq(id, "BUY", "BUY_LIMIT", 1, 100))
		require.Equal(t, []string{id + ":MATCHED", "s:MATCHED", id + ":EXECUTED"}, statuses(events))
		assert.Equal(t, float64(4-i), events[1].RemainingVolume)
	}
	cancel()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, notLive)
	assert.False(t, shrunk, "remaining volume went back up")

	s, ok := h.pooled("s")
	require.True(t, ok)
	assert.Equal(t, 1.0, s.Volume)
	assert.Equal(t, order.StatusPending, s.Status)
}
