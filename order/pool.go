package order

import (
	"errors"
	"time"
)

var (
	ErrEmptyID        = errors.New("order id is empty")
	ErrDuplicateOrder = errors.New("duplicate order id")
)

// Pool 内存订单池，按插入顺序保存等待撮合的挂单。
// Pool 本身不加锁，由调用方（lifecycle.Manager）串行化访问。
type Pool struct {
	orders []*PendingOrder
	index  map[string]*PendingOrder
	held   map[string]struct{}
}

func NewPool() *Pool {
	return &Pool{
		index: make(map[string]*PendingOrder),
		held:  make(map[string]struct{}),
	}
}

// Add 追加订单。
func (p *Pool) Add(o *PendingOrder) error {
	if o.ID == "" {
		return ErrEmptyID
	}
	if _, ok := p.index[o.ID]; ok {
		return ErrDuplicateOrder
	}
	p.orders = append(p.orders, o)
	p.index[o.ID] = o
	return nil
}

// Remove 按订单 ID 移除，重复调用无副作用。
func (p *Pool) Remove(o *PendingOrder) bool {
	if o == nil {
		return false
	}
	return p.RemoveByID(o.ID)
}

func (p *Pool) RemoveByID(id string) bool {
	if _, ok := p.index[id]; !ok {
		return false
	}
	delete(p.index, id)
	delete(p.held, id)
	for i, o := range p.orders {
		if o.ID == id {
			p.orders = append(p.orders[:i], p.orders[i+1:]...)
			break
		}
	}
	return true
}

func (p *Pool) Get(id string) (*PendingOrder, bool) {
	o, ok := p.index[id]
	return o, ok
}

// Len 池内订单数。
func (p *Pool) Len() int {
	return len(p.index)
}

// Hold 暂时把订单标记为不可撮合（例如正在与交易场所交互）。
func (p *Pool) Hold(id string) bool {
	if _, ok := p.index[id]; !ok {
		return false
	}
	p.held[id] = struct{}{}
	return true
}

func (p *Pool) Release(id string) {
	delete(p.held, id)
}

// IsLive 订单在池内、未被占用且状态为 PENDING。
func (p *Pool) IsLive(o *PendingOrder) bool {
	if _, ok := p.index[o.ID]; !ok {
		return false
	}
	if _, held := p.held[o.ID]; held {
		return false
	}
	return lifecycle.IsLive(o.Status)
}

// Live 按插入顺序返回可撮合订单。
func (p *Pool) Live() []*PendingOrder {
	res := make([]*PendingOrder, 0, len(p.orders))
	for _, o := range p.orders {
		if p.IsLive(o) {
			res = append(res, o)
		}
	}
	return res
}

// SweepExpired 移除并返回所有 expiration>0 且 <= now 的订单，状态置为 EXPIRED。
// 事件由调用方生成。
func (p *Pool) SweepExpired(now time.Time) []*PendingOrder {
	var expired []*PendingOrder
	kept := p.orders[:0]
	for _, o := range p.orders {
		if _, held := p.held[o.ID]; !held && o.Expired(now) {
			o.Status = StatusExpired
			delete(p.index, o.ID)
			expired = append(expired, o)
			continue
		}
		kept = append(kept, o)
	}
	for i := len(kept); i < len(p.orders); i++ {
		p.orders[i] = nil
	}
	p.orders = kept
	return expired
}

// Snapshot 返回池内订单的拷贝。
func (p *Pool) Snapshot() []PendingOrder {
	res := make([]PendingOrder, 0, len(p.orders))
	for _, o := range p.orders {
		res = append(res, *o)
	}
	return res
}
