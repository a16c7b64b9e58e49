// Package engine 周期驱动：按固定间隔清理过期挂单、检查止损单触发，并把产生的事件交给会话投递。
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"order-bridge/infrastructure/logger"
	"order-bridge/internal/protocol"
)

// DriverState 驱动状态
type DriverState int

const (
	// StateIdle 空闲状态
	StateIdle DriverState = iota
	// StateRunning 运行状态
	StateRunning
	// StatePaused 暂停状态
	StatePaused
	// StateStopped 停止状态
	StateStopped
)

// String 返回状态名称
func (s DriverState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StatePaused:
		return "PAUSED"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Timer 周期任务，由生命周期管理器实现
type Timer interface {
	OnTimer(ctx context.Context, now time.Time) []protocol.Outbound
}

// Sink 事件投递，由会话实现
type Sink interface {
	Deliver(msg protocol.Outbound) error
}

// Config 驱动配置
type Config struct {
	TickInterval time.Duration
}

// Components 驱动依赖组件
type Components struct {
	Timer  Timer
	Sink   Sink
	Logger *logger.Logger
	// OnTick 每次 tick 结束后调用，用于 watchdog 心跳
	OnTick func()
	Now    func() time.Time
}

// Statistics 驱动统计信息
type Statistics struct {
	StartTime    time.Time
	TotalTicks   int64
	TotalEvents  int64
	TotalErrors  int64
	LastTickTime time.Time
}

// Driver 周期驱动
type Driver struct {
	config Config
	timer  Timer
	sink   Sink
	logger *logger.Logger
	onTick func()
	now    func() time.Time

	state DriverState
	mu    sync.RWMutex

	stopChan chan struct{}
	doneChan chan struct{}

	statsMu sync.RWMutex
	stats   Statistics
}

// New 创建驱动
func New(cfg Config, components Components) (*Driver, error) {
	if components.Timer == nil {
		return nil, fmt.Errorf("invalid components: timer is required")
	}
	if components.Sink == nil {
		return nil, fmt.Errorf("invalid components: sink is required")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 500 * time.Millisecond
	}
	if components.Logger == nil {
		components.Logger = logger.NewNop()
	}
	if components.Now == nil {
		components.Now = time.Now
	}
	return &Driver{
		config:   cfg,
		timer:    components.Timer,
		sink:     components.Sink,
		logger:   components.Logger,
		onTick:   components.OnTick,
		now:      components.Now,
		state:    StateIdle,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}, nil
}

// Start 启动驱动（后台 goroutine）
func (d *Driver) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.state != StateIdle && d.state != StateStopped {
		d.mu.Unlock()
		return fmt.Errorf("driver already started (state: %s)", d.state)
	}
	if d.state == StateStopped {
		d.stopChan = make(chan struct{})
		d.doneChan = make(chan struct{})
	}
	d.state = StateRunning
	stop, done := d.stopChan, d.doneChan
	d.mu.Unlock()

	d.statsMu.Lock()
	d.stats.StartTime = d.now()
	d.statsMu.Unlock()

	d.logger.Info("Periodic driver started", zap.Duration("tick_interval", d.config.TickInterval))
	go d.run(ctx, stop, done)
	return nil
}

// Run 阻塞运行直到 ctx 取消
func (d *Driver) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return d.Stop()
}

// Stop 停止驱动并等待主循环退出
func (d *Driver) Stop() error {
	d.mu.Lock()
	if d.state != StateRunning && d.state != StatePaused {
		d.mu.Unlock()
		return nil
	}
	stop, done := d.stopChan, d.doneChan
	d.mu.Unlock()

	select {
	case <-stop:
	default:
		close(stop)
	}
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		d.logger.Warn("Timeout waiting for driver to stop")
	}

	d.mu.Lock()
	d.state = StateStopped
	d.mu.Unlock()
	d.logger.Info("Periodic driver stopped")
	return nil
}

// Pause 暂停驱动，tick 照常到达但不执行
func (d *Driver) Pause() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateRunning {
		return fmt.Errorf("driver not running (state: %s)", d.state)
	}
	d.state = StatePaused
	d.logger.Info("Periodic driver paused")
	return nil
}

// Resume 恢复驱动
func (d *Driver) Resume() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StatePaused {
		return fmt.Errorf("driver not paused (state: %s)", d.state)
	}
	d.state = StateRunning
	d.logger.Info("Periodic driver resumed")
	return nil
}

func (d *Driver) run(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(d.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick 执行一次周期任务。暂停时只回调 OnTick。
func (d *Driver) Tick(ctx context.Context) {
	d.mu.RLock()
	paused := d.state == StatePaused
	d.mu.RUnlock()

	if !paused {
		now := d.now()
		events := d.timer.OnTimer(ctx, now)
		errs := 0
		for _, ev := range events {
			if err := d.sink.Deliver(ev); err != nil {
				errs++
				d.logger.Error("Failed to deliver timer event",
					zap.Error(err),
					zap.String("type", string(ev.MessageType())),
					zap.String("trade_id", ev.CorrelationID()))
			}
		}

		d.statsMu.Lock()
		d.stats.TotalTicks++
		d.stats.TotalEvents += int64(len(events))
		d.stats.TotalErrors += int64(errs)
		d.stats.LastTickTime = now
		d.statsMu.Unlock()

		if len(events) > 0 {
			d.logger.Debug("Timer events delivered", zap.Int("count", len(events)))
		}
	}
	if d.onTick != nil {
		d.onTick()
	}
}

// GetState 获取状态
func (d *Driver) GetState() DriverState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// GetStatistics 获取统计信息
func (d *Driver) GetStatistics() Statistics {
	d.statsMu.RLock()
	defer d.statsMu.RUnlock()
	return d.stats
}
