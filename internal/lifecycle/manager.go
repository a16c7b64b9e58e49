// Package lifecycle 订单生命周期管理：校验下单请求、撮合订单池、转发交易场所、
// 撤单改单，并把每一步结果转换为出站事件。
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"order-bridge/infrastructure/logger"
	"order-bridge/infrastructure/monitor"
	"order-bridge/internal/protocol"
	"order-bridge/internal/store"
	"order-bridge/order"
	"order-bridge/venue"
)

// Config 生命周期管理配置
type Config struct {
	// PlaceRestingAtVenue 未撮合的挂单同时尝试在交易场所挂单
	PlaceRestingAtVenue bool
}

// Deps 外部依赖
type Deps struct {
	Venue   venue.Venue
	Store   store.OrderStore
	Logger  *logger.Logger
	Monitor *monitor.Monitor
	Now     func() time.Time
}

// Manager 订单生命周期管理器。
// mu 串行化订单池变更与保证金检查，交易场所下单/平仓不在锁内进行。
type Manager struct {
	cfg      Config
	venue    venue.Venue
	store    store.OrderStore
	log      *logger.Logger
	mon      *monitor.Monitor
	validate *validator.Validate
	now      func() time.Time

	mu     sync.Mutex
	pool   *order.Pool
	owners map[int64]*order.PendingOrder // magic -> 已转发到交易场所的订单
}

// New 创建管理器
func New(cfg Config, deps Deps) *Manager {
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	if deps.Store == nil {
		deps.Store = store.NewMemoryStore()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Manager{
		cfg:      cfg,
		venue:    deps.Venue,
		store:    deps.Store,
		log:      deps.Logger,
		mon:      deps.Monitor,
		validate: newValidator(),
		now:      deps.Now,
		pool:     order.NewPool(),
		owners:   make(map[int64]*order.PendingOrder),
	}
}

// matcher 绑定本次请求的 context
func (m *Manager) matcher(ctx context.Context) order.Matcher {
	return order.Matcher{
		Constraints: func(symbol string) (order.SymbolConstraints, error) {
			return m.venue.SymbolConstraints(ctx, symbol)
		},
		Quote: func(symbol string) (order.Quote, error) {
			return m.venue.Quote(ctx, symbol)
		},
	}
}

// Restore 从存储恢复订单池与归属索引。过期的挂单直接清理。
func (m *Manager) Restore(ctx context.Context) error {
	records, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("restore pool: %w", err)
	}
	owners, err := m.store.ListOwners(ctx)
	if err != nil {
		return fmt.Errorf("restore owners: %w", err)
	}

	now := m.now()
	var stale []order.PendingOrder

	m.mu.Lock()
	for i := range records {
		o := records[i]
		if o.Expired(now) {
			stale = append(stale, o)
			continue
		}
		o.Status = order.StatusPending
		if err := m.pool.Add(&o); err != nil {
			m.log.Warn("skip stored order", logFields(&o, "error", err.Error())...)
		}
	}
	for i := range owners {
		o := owners[i]
		m.owners[o.Magic] = &o
	}
	poolSize := m.pool.Len()
	m.mu.Unlock()

	for i := range stale {
		if err := m.store.Delete(ctx, &stale[i]); err != nil {
			m.log.LogError(err, map[string]interface{}{"op": "restore", "order_id": stale[i].ID})
		}
	}
	m.mon.UpdatePoolSize(poolSize)
	m.log.Info("order state restored",
		logFields(nil, "pool", poolSize, "owners", len(owners), "expired", len(stale))...)
	return nil
}

// PoolSnapshot 当前订单池拷贝
func (m *Manager) PoolSnapshot() []order.PendingOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pool.Snapshot()
}

// transition 按状态机更新订单状态，非法转换记录错误后仍强制更新
func (m *Manager) transition(o *order.PendingOrder, to order.Status) {
	if err := o.Transition(to); err != nil {
		m.log.Error("illegal order transition", logFields(o, "error", err.Error())...)
		o.Status = to
	}
}

// registerOwnerLocked 记录归属，调用方持有 mu
func (m *Manager) registerOwnerLocked(o *order.PendingOrder) *order.PendingOrder {
	cp := *o
	m.owners[o.Magic] = &cp
	return &cp
}

func (m *Manager) saveOwner(ctx context.Context, o *order.PendingOrder) {
	if err := m.store.SaveOwner(ctx, o); err != nil {
		m.log.LogError(err, map[string]interface{}{"op": "save_owner", "order_id": o.ID})
	}
}

func (m *Manager) save(ctx context.Context, o *order.PendingOrder) {
	if err := m.store.Save(ctx, o); err != nil {
		m.log.LogError(err, map[string]interface{}{"op": "save", "order_id": o.ID})
	}
}

func (m *Manager) forget(ctx context.Context, o *order.PendingOrder) {
	if err := m.store.Delete(ctx, o); err != nil {
		m.log.LogError(err, map[string]interface{}{"op": "delete", "order_id": o.ID})
	}
}

func (m *Manager) updatePoolGauge() {
	m.mu.Lock()
	n := m.pool.Len()
	m.mu.Unlock()
	m.mon.UpdatePoolSize(n)
}

// sendOrder 带延迟与错误统计的下单
func (m *Manager) sendOrder(ctx context.Context, req venue.OrderRequest) (int64, error) {
	start := time.Now()
	ticket, err := m.venue.SendOrder(ctx, req)
	m.mon.RecordVenueRequest("send_"+req.Action.String(), time.Since(start).Seconds())
	if err != nil {
		m.mon.RecordVenueError("send_"+req.Action.String(), fmt.Sprint(venue.Retcode(err)))
	}
	return ticket, err
}

func (m *Manager) closeOrder(ctx context.Context, ticket int64, symbol string, volume float64, side order.Side) (venue.Closed, error) {
	start := time.Now()
	closed, err := m.venue.CloseOrder(ctx, ticket, symbol, volume, side)
	m.mon.RecordVenueRequest("close", time.Since(start).Seconds())
	if err != nil {
		m.mon.RecordVenueError("close", fmt.Sprint(venue.Retcode(err)))
	}
	return closed, err
}

// ---- 事件 ----

func (m *Manager) tradeEvent(o *order.PendingOrder, status order.Status) *protocol.TradeResponse {
	ev := &protocol.TradeResponse{
		Header:          protocol.NewHeader(protocol.TypeTradeResponse, m.now()),
		TradeID:         o.ID,
		UserID:          o.UserID,
		AccountType:     string(o.AccountType),
		Status:          status,
		RemainingVolume: o.Volume,
		Ticket:          o.Ticket,
	}
	if status == order.StatusExecuted {
		ev.TradeRetcode = venue.RetcodeDone
	}
	m.mon.RecordOrderEvent(string(status))
	m.log.LogOrder(string(status), o.ID, map[string]interface{}{
		"user_id": o.UserID,
		"symbol":  o.Symbol,
		"kind":    string(o.Kind),
		"volume":  o.Volume,
		"ticket":  o.Ticket,
	})
	return ev
}

func (m *Manager) failEvent(o *order.PendingOrder, err error) *protocol.TradeResponse {
	le := asError(err)
	o.LastError = le.Reason
	ev := m.tradeEvent(o, order.StatusFailed)
	ev.Error = le.Reason
	ev.TradeRetcode = le.Retcode
	m.log.Warn("order failed", logFields(o, "kind", le.Kind.String(), "reason", le.Reason)...)
	return ev
}

func (m *Manager) expiredEvents(ctx context.Context, expired []*order.PendingOrder) []protocol.Outbound {
	var events []protocol.Outbound
	for _, o := range expired {
		m.forget(ctx, o)
		events = append(events, m.tradeEvent(o, order.StatusExpired))
	}
	return events
}

// logFields 订单公共字段加上额外的 key/value
func logFields(o *order.PendingOrder, kv ...interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(kv)/2+3)
	if o != nil {
		fields = append(fields, zap.String("order_id", o.ID), zap.String("user_id", o.UserID), zap.String("symbol", o.Symbol))
	}
	for i := 0; i+1 < len(kv); i += 2 {
		fields = append(fields, zap.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return fields
}
