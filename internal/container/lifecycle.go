package container

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"order-bridge/config"
	"order-bridge/infrastructure/logger"
	"order-bridge/internal/engine"
	"order-bridge/internal/lifecycle"
	"order-bridge/internal/session"
	"order-bridge/internal/store"
	"order-bridge/venue"
)

// Lifecycle 生命周期接口
type Lifecycle interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Health() error
}

// LifecycleManager 生命周期管理器
type LifecycleManager struct {
	components []Lifecycle
	mu         sync.RWMutex
}

// NewLifecycleManager 创建新的生命周期管理器
func NewLifecycleManager() *LifecycleManager {
	return &LifecycleManager{
		components: make([]Lifecycle, 0),
	}
}

// Register 注册组件
func (m *LifecycleManager) Register(component Lifecycle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components = append(m.components, component)
}

// StartAll 按顺序启动所有组件
func (m *LifecycleManager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i, component := range m.components {
		if err := component.Start(ctx); err != nil {
			// 启动失败，回滚已启动的组件
			for j := i - 1; j >= 0; j-- {
				_ = m.components[j].Stop()
			}
			return fmt.Errorf("start %s failed: %w", component.Name(), err)
		}
	}
	return nil
}

// StopAll 逆序停止所有组件
func (m *LifecycleManager) StopAll() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []error
	for i := len(m.components) - 1; i >= 0; i-- {
		if err := m.components[i].Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CheckHealth 检查所有组件健康状态
func (m *LifecycleManager) CheckHealth() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, component := range m.components {
		if err := component.Health(); err != nil {
			return fmt.Errorf("%s unhealthy: %w", component.Name(), err)
		}
	}
	return nil
}

// httpServerComponent HTTP服务器组件
type httpServerComponent struct {
	name    string
	handler http.Handler
	addr    string
	logger  *logger.Logger
	server  **http.Server
	started bool
	mu      sync.Mutex
}

func (h *httpServerComponent) Name() string { return h.name }

func (h *httpServerComponent) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return nil
	}

	srv := &http.Server{
		Addr:              h.addr,
		Handler:           h.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	*h.server = srv

	// 在后台启动服务器
	go func() {
		h.logger.Info("http server listening", zap.String("component", h.name), zap.String("addr", h.addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.LogError(err, map[string]interface{}{
				"component": h.name,
				"action":    "listen",
			})
		}
	}()

	h.started = true
	return nil
}

func (h *httpServerComponent) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started || *h.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := (*h.server).Shutdown(ctx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", h.name, err)
	}

	h.logger.Info("http server stopped", zap.String("component", h.name))
	h.started = false
	return nil
}

func (h *httpServerComponent) Health() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		return fmt.Errorf("%s not started", h.name)
	}
	return nil
}

// redisComponent 启动时确认 Redis 可达，停止时关闭连接
type redisComponent struct {
	store  *store.RedisStore
	logger *logger.Logger
}

func (r *redisComponent) Name() string { return "redis_store" }

func (r *redisComponent) Start(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.store.Ping(pctx); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (r *redisComponent) Stop() error { return r.store.Close() }

func (r *redisComponent) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return r.store.Ping(ctx)
}

// venueComponent 启动时确认交易场所可用，然后从存储恢复订单池
type venueComponent struct {
	venue   venue.Venue
	manager *lifecycle.Manager
	logger  *logger.Logger
}

func (v *venueComponent) Name() string { return "venue" }

func (v *venueComponent) Start(ctx context.Context) error {
	balance, err := v.venue.Balance(ctx)
	if err != nil {
		return fmt.Errorf("venue unavailable: %w", err)
	}
	v.logger.Info("venue connected", zap.Float64("balance", balance))
	return v.manager.Restore(ctx)
}

func (v *venueComponent) Stop() error { return nil }

func (v *venueComponent) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := v.venue.Balance(ctx)
	return err
}

// sessionComponent 在后台运行控制面会话
type sessionComponent struct {
	session *session.Session
	logger  *logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *sessionComponent) Name() string { return "session" }

func (s *sessionComponent) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		// 重连耗尽时由 fatal handler 通知容器
		if err := s.session.Run(runCtx); err != nil {
			s.logger.LogError(err, map[string]interface{}{"component": "session"})
		}
	}(s.done)
	return nil
}

func (s *sessionComponent) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-time.After(10 * time.Second):
		return errors.New("session stop timeout")
	}
}

func (s *sessionComponent) Health() error {
	if st := s.session.State(); st != session.StateActive {
		return fmt.Errorf("session %s", st)
	}
	return nil
}

// driverComponent 周期驱动
type driverComponent struct {
	driver *engine.Driver
}

func (d *driverComponent) Name() string { return "driver" }

func (d *driverComponent) Start(ctx context.Context) error { return d.driver.Start(ctx) }

func (d *driverComponent) Stop() error { return d.driver.Stop() }

func (d *driverComponent) Health() error {
	if st := d.driver.GetState(); st != engine.StateRunning {
		return fmt.Errorf("driver %s", st)
	}
	return nil
}

// watcherComponent 配置文件热更新
type watcherComponent struct {
	watcher config.Watcher
	apply   func(config.AppConfig)

	cancel context.CancelFunc
	done   chan struct{}
}

func (w *watcherComponent) Name() string { return "config_watcher" }

func (w *watcherComponent) Start(ctx context.Context) error {
	wctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		if err := w.watcher.Start(wctx, w.apply); err != nil && !errors.Is(err, context.Canceled) {
			w.watcher.Logger.Warn("config watcher stopped", zap.Error(err))
		}
	}()
	return nil
}

func (w *watcherComponent) Stop() error {
	if w.cancel == nil {
		return nil
	}
	w.cancel()
	<-w.done
	w.cancel = nil
	return nil
}

func (w *watcherComponent) Health() error { return nil }
