package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"order-bridge/internal/protocol"
	"order-bridge/internal/store"
	"order-bridge/order"
	"order-bridge/venue"
)

var base = time.Unix(1_700_000_000, 0)

// fakeVenue 在纸面交易场所之上注入失败
type fakeVenue struct {
	*venue.Paper

	mu        sync.Mutex
	sendErrs  []error // 依次作用于后续 SendOrder 调用，nil 表示放行
	sent      []venue.OrderRequest
	marginOff bool
	denySide  order.Side // 该方向的保证金检查失败
	onQuote   func() // 下一次 Quote 返回前执行一次
}

func (f *fakeVenue) Quote(ctx context.Context, symbol string) (order.Quote, error) {
	f.mu.Lock()
	hook := f.onQuote
	f.onQuote = nil
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return f.Paper.Quote(ctx, symbol)
}

func (f *fakeVenue) beforeNextQuote(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onQuote = fn
}

func (f *fakeVenue) failNextSends(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErrs = append(f.sendErrs, errs...)
}

func (f *fakeVenue) SendOrder(ctx context.Context, req venue.OrderRequest) (int64, error) {
	f.mu.Lock()
	f.sent = append(f.sent, req)
	var err error
	if len(f.sendErrs) > 0 {
		err, f.sendErrs = f.sendErrs[0], f.sendErrs[1:]
	}
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return f.Paper.SendOrder(ctx, req)
}

func (f *fakeVenue) CheckMargin(ctx context.Context, symbol string, volume float64, side order.Side) (bool, error) {
	f.mu.Lock()
	off := f.marginOff || side == f.denySide
	f.mu.Unlock()
	if off {
		return false, nil
	}
	return f.Paper.CheckMargin(ctx, symbol, volume, side)
}

func (f *fakeVenue) sends() []venue.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]venue.OrderRequest(nil), f.sent...)
}

type harness struct {
	t     *testing.T
	m     *Manager
	venue *fakeVenue
	store *store.MemoryStore

	mu  sync.Mutex
	now time.Time
}

func newHarness(t *testing.T, placeAtVenue bool) *harness {
	t.Helper()
	h := &harness{t: t, store: store.NewMemoryStore(), now: base}
	paper := venue.NewPaper(venue.PaperConfig{
		Balance:  1_000_000,
		Leverage: 100,
		Symbols: map[string]venue.SymbolConfig{
			"US500": {
				SymbolConstraints: order.SymbolConstraints{
					TickSize: 0.01, VolumeMin: 0.1, VolumeMax: 100, ContractSize: 1,
				},
				Bid: 100.00,
				Ask: 100.02,
			},
		},
	})
	paper.SetClock(h.clock)
	h.venue = &fakeVenue{Paper: paper}
	h.m = New(Config{PlaceRestingAtVenue: placeAtVenue}, Deps{
		Venue: h.venue,
		Store: h.store,
		Now:   h.clock,
	})
	return h
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
	return h.now
}

func (h *harness) submit(req protocol.TradeRequest) []*protocol.TradeResponse {
	h.t.Helper()
	return trades(h.t, h.m.Submit(context.Background(), &req))
}

func trades(t *testing.T, events []protocol.Outbound) []*protocol.TradeResponse {
	t.Helper()
	res := make([]*protocol.TradeResponse, 0, len(events))
	for _, ev := range events {
		tr, ok := ev.(*protocol.TradeResponse)
		require.True(t, ok, "unexpected event %T", ev)
		res = append(res, tr)
	}
	return res
}

func statuses(events []*protocol.TradeResponse) []string {
	res := make([]string, 0, len(events))
	for _, ev := range events {
		res = append(res, ev.TradeID+":"+string(ev.Status))
	}
	return res
}

func (h *harness) pooled(id string) (order.PendingOrder, bool) {
	for _, o := range h.m.PoolSnapshot() {
		if o.ID == id {
			return o, true
		}
	}
	return order.PendingOrder{}, false
}

// owner 按订单 ID 取归属索引中的订单拷贝
func (h *harness) owner(id string) (order.PendingOrder, bool) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	o, ok := h.m.owners[order.Magic(id)]
	if !ok || o.ID != id {
		return order.PendingOrder{}, false
	}
	return *o, true
}

// stored 按订单 ID 取持久化的挂单记录
func (h *harness) stored(id string) (order.PendingOrder, bool) {
	list, err := h.store.List(context.Background())
	require.NoError(h.t, err)
	for _, o := range list {
		if o.ID == id {
			return o, true
		}
	}
	return order.PendingOrder{}, false
}

func tradeReq(id, side, kind string, volume, price float64) protocol.TradeRequest {
	return protocol.TradeRequest{
		Type:        protocol.TypeTradeRequest,
		TradeID:     id,
		UserID:      "user-" + id,
		Symbol:      "US500",
		TradeType:   side,
		OrderType:   kind,
		AccountType: "DEMO",
		AccountName: "acct-" + id,
		Leverage:    100,
		Volume:      volume,
		EntryPrice:  price,
	}
}
