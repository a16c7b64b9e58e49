package venue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"order-bridge/order"
)

// SymbolConfig 纸面交易场所的品种设置
type SymbolConfig struct {
	order.SymbolConstraints `yaml:",inline"`
	Bid                     float64 `yaml:"bid"`
	Ask                     float64 `yaml:"ask"`
}

// PaperConfig 纸面交易场所配置
type PaperConfig struct {
	Balance  float64                 `yaml:"balance"`
	Leverage int                     `yaml:"leverage"`
	Symbols  map[string]SymbolConfig `yaml:"symbols"`
}

// Paper 进程内模拟交易场所。挂单在报价穿越时转为持仓，规则与 MT5 一致。
type Paper struct {
	mu          sync.Mutex
	leverage    int
	balance     decimal.Decimal
	quotes      map[string]order.Quote
	constraints map[string]order.SymbolConstraints
	positions   map[int64]*Position
	orders      map[int64]*Order
	nextTicket  int64
	now         func() time.Time
}

// NewPaper 创建纸面交易场所
func NewPaper(cfg PaperConfig) *Paper {
	p := &Paper{
		leverage:    cfg.Leverage,
		balance:     decimal.NewFromFloat(cfg.Balance),
		quotes:      make(map[string]order.Quote),
		constraints: make(map[string]order.SymbolConstraints),
		positions:   make(map[int64]*Position),
		orders:      make(map[int64]*Order),
		nextTicket:  1000,
		now:         time.Now,
	}
	if p.leverage <= 0 {
		p.leverage = 1
	}
	for sym, sc := range cfg.Symbols {
		p.constraints[sym] = sc.SymbolConstraints
		if sc.Bid > 0 && sc.Ask > 0 {
			p.quotes[sym] = order.Quote{Bid: sc.Bid, Ask: sc.Ask, Time: p.now()}
		}
	}
	return p
}

// SetClock 替换时钟，测试用
func (p *Paper) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// SetQuote 更新报价，并触发被穿越的挂单。
func (p *Paper) SetQuote(symbol string, bid, ask float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := order.Quote{Bid: bid, Ask: ask, Time: p.now()}
	p.quotes[symbol] = q
	p.processOrdersLocked(symbol, q)
}

func (p *Paper) processOrdersLocked(symbol string, q order.Quote) {
	nowUnix := p.now().Unix()
	for ticket, o := range p.orders {
		if o.Symbol != symbol {
			continue
		}
		if o.Expiration > 0 && o.Expiration <= nowUnix {
			delete(p.orders, ticket)
			continue
		}
		triggered := false
		switch o.Kind {
		case order.KindBuyLimit:
			triggered = q.Ask <= o.Price
		case order.KindSellLimit:
			triggered = q.Bid >= o.Price
		case order.KindBuyStop:
			triggered = q.Ask >= o.Price
		case order.KindSellStop:
			triggered = q.Bid <= o.Price
		}
		if !triggered {
			continue
		}
		delete(p.orders, ticket)
		p.positions[ticket] = &Position{
			Ticket:     ticket,
			Symbol:     o.Symbol,
			Side:       o.Kind.Side(),
			Volume:     o.Volume,
			OpenPrice:  o.Price,
			StopLoss:   o.StopLoss,
			TakeProfit: o.TakeProfit,
			Magic:      o.Magic,
			OpenTime:   p.now(),
		}
	}
}

func (p *Paper) Quote(ctx context.Context, symbol string) (order.Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.quotes[symbol]
	if !ok || q.Bid <= 0 {
		return order.Quote{}, &Error{Retcode: RetcodePriceOff, Comment: "no quotes for " + symbol}
	}
	return q, nil
}

func (p *Paper) SymbolConstraints(ctx context.Context, symbol string) (order.SymbolConstraints, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.constraints[symbol]
	if !ok {
		return order.SymbolConstraints{}, &Error{Retcode: RetcodeInvalid, Comment: "unknown symbol " + symbol}
	}
	return c, nil
}

func (p *Paper) Balance(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance.InexactFloat64(), nil
}

// CheckMargin 所需保证金 = volume * contractSize * price / leverage，须不超过可用余额。
func (p *Paper) CheckMargin(ctx context.Context, symbol string, volume float64, side order.Side) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	need, err := p.marginLocked(symbol, volume, side)
	if err != nil {
		return false, err
	}
	return need.LessThanOrEqual(p.freeMarginLocked()), nil
}

func (p *Paper) marginLocked(symbol string, volume float64, side order.Side) (decimal.Decimal, error) {
	c, ok := p.constraints[symbol]
	if !ok {
		return decimal.Zero, &Error{Retcode: RetcodeInvalid, Comment: "unknown symbol " + symbol}
	}
	q, ok := p.quotes[symbol]
	if !ok || q.Bid <= 0 {
		return decimal.Zero, &Error{Retcode: RetcodePriceOff, Comment: "no quotes for " + symbol}
	}
	price := q.Ask
	if side == order.SideSell {
		price = q.Bid
	}
	contract := c.ContractSize
	if contract <= 0 {
		contract = 1
	}
	return decimal.NewFromFloat(volume).
		Mul(decimal.NewFromFloat(contract)).
		Mul(decimal.NewFromFloat(price)).
		Div(decimal.NewFromInt(int64(p.leverage))), nil
}

func (p *Paper) freeMarginLocked() decimal.Decimal {
	used := decimal.Zero
	for _, pos := range p.positions {
		c := p.constraints[pos.Symbol]
		contract := c.ContractSize
		if contract <= 0 {
			contract = 1
		}
		used = used.Add(decimal.NewFromFloat(pos.Volume).
			Mul(decimal.NewFromFloat(contract)).
			Mul(decimal.NewFromFloat(pos.OpenPrice)).
			Div(decimal.NewFromInt(int64(p.leverage))))
	}
	return p.balance.Sub(used)
}

// SendOrder 市价成交或挂单。
func (p *Paper) SendOrder(ctx context.Context, req OrderRequest) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.constraints[req.Symbol]
	if !ok {
		return 0, &Error{Retcode: RetcodeInvalid, Comment: "unknown symbol " + req.Symbol}
	}
	if err := c.ValidateVolume(req.Volume); err != nil {
		return 0, &Error{Retcode: RetcodeInvalidVolume, Comment: err.Error()}
	}
	q, ok := p.quotes[req.Symbol]
	if !ok || q.Bid <= 0 {
		return 0, &Error{Retcode: RetcodePriceOff, Comment: "no quotes for " + req.Symbol}
	}

	switch req.Action {
	case ActionDeal:
		if !req.Side.Valid() {
			return 0, &Error{Retcode: RetcodeInvalid, Comment: fmt.Sprintf("invalid side %q", req.Side)}
		}
		need, err := p.marginLocked(req.Symbol, req.Volume, req.Side)
		if err != nil {
			return 0, err
		}
		if need.GreaterThan(p.freeMarginLocked()) {
			return 0, &Error{Retcode: RetcodeNoMoney, Comment: "not enough money"}
		}
		price := q.Ask
		if req.Side == order.SideSell {
			price = q.Bid
		}
		p.nextTicket++
		p.positions[p.nextTicket] = &Position{
			Ticket:     p.nextTicket,
			Symbol:     req.Symbol,
			Side:       req.Side,
			Volume:     req.Volume,
			OpenPrice:  price,
			StopLoss:   req.StopLoss,
			TakeProfit: req.TakeProfit,
			Magic:      req.Magic,
			OpenTime:   p.now(),
		}
		return p.nextTicket, nil

	case ActionPending:
		if err := pendingPriceValid(req.Kind, req.Price, q); err != nil {
			return 0, err
		}
		if req.Expiration > 0 && req.Expiration <= p.now().Unix() {
			return 0, &Error{Retcode: RetcodeInvalidExpiration, Comment: "invalid expiration"}
		}
		p.nextTicket++
		p.orders[p.nextTicket] = &Order{
			Ticket:     p.nextTicket,
			Symbol:     req.Symbol,
			Kind:       req.Kind,
			Volume:     req.Volume,
			Price:      req.Price,
			StopLoss:   req.StopLoss,
			TakeProfit: req.TakeProfit,
			Expiration: req.Expiration,
			Magic:      req.Magic,
			SetupTime:  p.now(),
		}
		return p.nextTicket, nil
	}
	return 0, &Error{Retcode: RetcodeInvalid, Comment: fmt.Sprintf("unsupported action %d", req.Action)}
}

// pendingPriceValid BUY_LIMIT 低于 ask，SELL_LIMIT 高于 bid，BUY_STOP 高于 ask，SELL_STOP 低于 bid。
func pendingPriceValid(kind order.Kind, price float64, q order.Quote) error {
	ok := false
	switch kind {
	case order.KindBuyLimit:
		ok = price < q.Ask
	case order.KindSellLimit:
		ok = price > q.Bid
	case order.KindBuyStop:
		ok = price > q.Ask
	case order.KindSellStop:
		ok = price < q.Bid
	default:
		return &Error{Retcode: RetcodeInvalid, Comment: fmt.Sprintf("invalid pending order kind %q", kind)}
	}
	if !ok {
		return &Error{Retcode: RetcodeInvalidPrice, Comment: fmt.Sprintf("invalid price %.5f for %s (bid %.5f ask %.5f)", price, kind, q.Bid, q.Ask)}
	}
	return nil
}

// CloseOrder 挂单直接撤销；持仓按 bid（多）/ask（空）平仓，volume<=0 或超出持仓时全部平仓。
func (p *Paper) CloseOrder(ctx context.Context, ticket int64, symbol string, volume float64, side order.Side) (Closed, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.orders[ticket]; ok {
		delete(p.orders, ticket)
		return Closed{}, nil
	}
	pos, ok := p.positions[ticket]
	if !ok {
		return Closed{}, &Error{Retcode: RetcodeNotFound, Comment: fmt.Sprintf("ticket %d not found", ticket)}
	}
	q, ok := p.quotes[pos.Symbol]
	if !ok || q.Bid <= 0 {
		return Closed{}, &Error{Retcode: RetcodePriceOff, Comment: "no quotes for " + pos.Symbol}
	}

	closeVol := decimal.NewFromFloat(pos.Volume)
	if volume > 0 && volume < pos.Volume {
		closeVol = decimal.NewFromFloat(volume)
	}
	price := closePrice(pos.Side, q)
	profit := p.profitLocked(pos, price, closeVol)

	p.balance = p.balance.Add(profit)
	remaining := decimal.NewFromFloat(pos.Volume).Sub(closeVol)
	if remaining.IsPositive() {
		pos.Volume = remaining.InexactFloat64()
	} else {
		delete(p.positions, ticket)
	}
	return Closed{Price: price, Profit: profit.InexactFloat64()}, nil
}

func closePrice(side order.Side, q order.Quote) float64 {
	if side == order.SideBuy {
		return q.Bid
	}
	return q.Ask
}

func (p *Paper) profitLocked(pos *Position, price float64, volume decimal.Decimal) decimal.Decimal {
	contract := p.constraints[pos.Symbol].ContractSize
	if contract <= 0 {
		contract = 1
	}
	diff := decimal.NewFromFloat(price).Sub(decimal.NewFromFloat(pos.OpenPrice))
	if pos.Side == order.SideSell {
		diff = diff.Neg()
	}
	return diff.Mul(volume).Mul(decimal.NewFromFloat(contract))
}

// ListPositions 返回按 ticket 排序的持仓快照，Profit 按当前报价计算。
func (p *Paper) ListPositions(ctx context.Context) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	res := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		cp := *pos
		if q, ok := p.quotes[pos.Symbol]; ok {
			cp.Profit = p.profitLocked(pos, closePrice(pos.Side, q), decimal.NewFromFloat(pos.Volume)).InexactFloat64()
		}
		res = append(res, cp)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Ticket < res[j].Ticket })
	return res, nil
}

// ListOrders 返回按 ticket 排序的挂单快照。
func (p *Paper) ListOrders(ctx context.Context) ([]Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	res := make([]Order, 0, len(p.orders))
	for _, o := range p.orders {
		res = append(res, *o)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Ticket < res[j].Ticket })
	return res, nil
}

var _ Venue = (*Paper)(nil)
