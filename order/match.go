package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote 交易场所的实时报价。
type Quote struct {
	Bid  float64   `json:"bid"`
	Ask  float64   `json:"ask"`
	Time time.Time `json:"time"`
}

// QuoteFunc 读取品种当前报价。
type QuoteFunc func(symbol string) (Quote, error)

// ConstraintsFunc 读取品种约束。
type ConstraintsFunc func(symbol string) (SymbolConstraints, error)

// Matcher 判断两笔对向订单能否撮合。除必要时读取一次报价外无副作用。
type Matcher struct {
	Constraints ConstraintsFunc
	Quote       QuoteFunc
}

// lazyQuote 保证一次判断内最多读取一次报价；读取失败视为不可撮合。
type lazyQuote struct {
	fn     QuoteFunc
	symbol string
	done   bool
	bid    decimal.Decimal
	err    error
}

func (q *lazyQuote) get(c SymbolConstraints) (decimal.Decimal, bool) {
	if !q.done {
		q.done = true
		if q.fn == nil {
			q.err = errNoQuoteSource
		} else {
			var quote Quote
			quote, q.err = q.fn(q.symbol)
			if q.err == nil && quote.Bid <= 0 {
				q.err = errNoQuoteSource
			}
			q.bid = c.Round(quote.Bid)
		}
	}
	return q.bid, q.err == nil
}

// CanMatch 判断 a、b 是否可以撮合，对参数顺序对称。
func (m Matcher) CanMatch(a, b *PendingOrder) bool {
	if a.Side == b.Side || a.Symbol != b.Symbol || a.AccountType != b.AccountType {
		return false
	}
	if m.Constraints == nil {
		return false
	}
	c, err := m.Constraints(a.Symbol)
	if err != nil {
		return false
	}
	q := &lazyQuote{fn: m.Quote, symbol: a.Symbol}
	if !kindRule(a, b, c, q) {
		return false
	}
	if c.MinStopDistance().IsZero() {
		return true
	}
	price, ok := crossingPrice(a, b, c, q)
	if !ok {
		return false
	}
	return c.StopsValid(a, price) && c.StopsValid(b, price)
}

func kindRule(a, b *PendingOrder, c SymbolConstraints, q *lazyQuote) bool {
	switch {
	case a.Kind.IsStop() && b.Kind.IsMarket():
		return stopTriggered(a, c, q)
	case b.Kind.IsStop() && a.Kind.IsMarket():
		return stopTriggered(b, c, q)
	case a.Kind.IsMarket() || b.Kind.IsMarket():
		return true
	}

	buy, sell := a, b
	if a.Side == SideSell {
		buy, sell = b, a
	}
	if buy.Kind.Side() != SideBuy || sell.Kind.Side() != SideSell {
		return false
	}

	if buy.Kind.IsStop() && sell.Kind.IsStop() {
		bid, ok := q.get(c)
		if !ok {
			return false
		}
		return c.Round(buy.EntryPrice).LessThanOrEqual(bid) &&
			bid.LessThanOrEqual(c.Round(sell.EntryPrice))
	}
	// LIMIT/LIMIT 以及 STOP/LIMIT：STOP 入场价按同价位限价单处理
	return c.Round(buy.EntryPrice).GreaterThanOrEqual(c.Round(sell.EntryPrice))
}

func stopTriggered(stop *PendingOrder, c SymbolConstraints, q *lazyQuote) bool {
	bid, ok := q.get(c)
	if !ok {
		return false
	}
	return triggeredAt(stop, c, bid)
}

func triggeredAt(stop *PendingOrder, c SymbolConstraints, bid decimal.Decimal) bool {
	level := c.Round(stop.EntryPrice)
	switch stop.Kind {
	case KindBuyStop:
		return bid.GreaterThanOrEqual(level)
	case KindSellStop:
		return bid.LessThanOrEqual(level)
	}
	return false
}

// StopTriggered BUY_STOP: bid >= entry；SELL_STOP: bid <= entry（均按 tick 取整）。
func StopTriggered(stop *PendingOrder, c SymbolConstraints, quote Quote) bool {
	if quote.Bid <= 0 {
		return false
	}
	return triggeredAt(stop, c, c.Round(quote.Bid))
}

func crossingPrice(a, b *PendingOrder, c SymbolConstraints, q *lazyQuote) (decimal.Decimal, bool) {
	if a.Kind.IsMarket() || b.Kind.IsMarket() {
		return q.get(c)
	}
	mid := c.Round(a.EntryPrice).Add(c.Round(b.EntryPrice)).Div(decimal.NewFromInt(2))
	return c.Round(mid.InexactFloat64()), true
}

// CrossingPrice 撮合成交价：任一方为 MARKET 时取当前 bid，否则取两笔入场价的中点，均按 tick 取整。
func CrossingPrice(a, b *PendingOrder, c SymbolConstraints, quote QuoteFunc) (decimal.Decimal, error) {
	q := &lazyQuote{fn: quote, symbol: a.Symbol}
	price, ok := crossingPrice(a, b, c, q)
	if !ok {
		if q.err != nil {
			return decimal.Zero, q.err
		}
		return decimal.Zero, errNoQuoteSource
	}
	return price, nil
}

// FindMatchingTrade 先清理过期订单，再按池内顺序寻找最早提交的可撮合对手单。
// 没有匹配时返回 nil；过期订单一并返回，由调用方发出 EXPIRED 事件。
func (m Matcher) FindMatchingTrade(newOrder *PendingOrder, pool *Pool, now time.Time) (*PendingOrder, []*PendingOrder) {
	expired := pool.SweepExpired(now)

	var best *PendingOrder
	for _, o := range pool.Live() {
		if o.ID == newOrder.ID {
			continue
		}
		if !m.CanMatch(newOrder, o) {
			continue
		}
		if best == nil || o.CreatedAt.Before(best.CreatedAt) {
			best = o
		}
	}
	return best, expired
}
