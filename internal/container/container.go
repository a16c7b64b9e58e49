package container

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"order-bridge/config"
	"order-bridge/infrastructure/alert"
	"order-bridge/infrastructure/logger"
	"order-bridge/infrastructure/monitor"
	"order-bridge/internal/engine"
	"order-bridge/internal/lifecycle"
	"order-bridge/internal/outbox"
	"order-bridge/internal/session"
	"order-bridge/internal/store"
	"order-bridge/venue"
)

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	// 配置
	cfg        *config.AppConfig
	configPath string

	// 基础设施
	logger  *logger.Logger
	monitor *monitor.Monitor
	alerts  *alert.Manager

	// 存储
	outbox *outbox.Outbox
	store  store.OrderStore
	redis  *store.RedisStore

	// 交易场所
	venue venue.Venue

	// 核心服务
	manager *lifecycle.Manager
	session *session.Session
	driver  *engine.Driver

	// HTTP服务器
	metricsServer *http.Server

	// 生命周期管理
	lifecycle *LifecycleManager

	onTick func()
	fatal  chan error
	once   sync.Once
}

// New 从配置文件创建 Container
func New(configPath string) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	c := NewWithConfig(cfg)
	c.configPath = configPath
	return c, nil
}

// NewWithConfig 使用已加载的配置创建 Container
func NewWithConfig(cfg config.AppConfig) *Container {
	return &Container{
		cfg:       &cfg,
		lifecycle: NewLifecycleManager(),
		fatal:     make(chan error, 1),
	}
}

// SetVenue 替换默认的纸面交易场所，须在 Build 之前调用
func (c *Container) SetVenue(v venue.Venue) { c.venue = v }

// SetTickHook 周期驱动每次 tick 后调用（systemd watchdog），须在 Build 之前调用
func (c *Container) SetTickHook(fn func()) { c.onTick = fn }

// Build 构建所有组件
func (c *Container) Build() error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}
	if err := c.buildStorage(); err != nil {
		return fmt.Errorf("build storage failed: %w", err)
	}
	if err := c.buildCoreServices(); err != nil {
		return fmt.Errorf("build core services failed: %w", err)
	}

	c.registerLifecycleComponents()
	c.logger.Info("container built successfully")
	return nil
}

func (c *Container) buildInfrastructure() error {
	var err error
	c.logger, err = logger.New(c.cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}

	c.monitor = monitor.New(monitor.Config{
		Namespace: c.cfg.Metrics.Namespace,
		Subsystem: c.cfg.Metrics.Subsystem,
	})

	channels := []alert.Channel{alert.NewLogChannel("log", c.logger)}
	if c.cfg.Alert.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookChannel("webhook", c.cfg.Alert.WebhookURL, 5*time.Second))
	}
	c.alerts = alert.NewManager(channels, c.cfg.Alert.Throttle)

	c.logger.Info("infrastructure built")
	return nil
}

func (c *Container) buildStorage() error {
	var err error
	c.outbox, err = outbox.Open(c.cfg.Outbox.Path, c.cfg.Outbox.MaxLen)
	if err != nil {
		return fmt.Errorf("open outbox failed: %w", err)
	}
	c.monitor.UpdateOutboxDepth(c.outbox.Len())

	if addr := c.cfg.Store.RedisAddr; addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: c.cfg.Store.RedisPassword,
			DB:       c.cfg.Store.RedisDB,
		})
		c.redis = store.NewRedisStore(client, c.cfg.Store.KeyPrefix, c.cfg.Store.TTL)
		c.store = c.redis
	} else {
		c.store = store.NewMemoryStore()
	}

	c.logger.Info("storage built")
	return nil
}

func (c *Container) buildCoreServices() error {
	if c.venue == nil {
		c.venue = venue.NewPaper(c.cfg.Venue)
	}

	c.manager = lifecycle.New(lifecycle.Config{
		PlaceRestingAtVenue: c.cfg.Engine.PlaceRestingAtVenue,
	}, lifecycle.Deps{
		Venue:   c.venue,
		Store:   c.store,
		Logger:  c.logger,
		Monitor: c.monitor,
	})

	s := c.cfg.Session
	c.session = session.New(session.Config{
		URL:                  s.URL,
		ClientID:             s.ClientID,
		PingInterval:         s.PingInterval,
		ReadTimeout:          s.ReadTimeout,
		WriteTimeout:         s.WriteTimeout,
		HandshakeTimeout:     s.HandshakeTimeout,
		BackoffInitial:       s.BackoffInitial,
		BackoffMax:           s.BackoffMax,
		BackoffMultiplier:    s.BackoffMultiplier,
		MaxReconnectAttempts: s.MaxReconnectAttempts,
		MaxMissedKeepalives:  s.MaxMissedKeepalives,
		MaxMessageSize:       s.MaxMessageSize,
	}, session.Deps{
		Handler: c.manager,
		Queue:   c.outbox,
		Logger:  c.logger,
		Monitor: c.monitor,
	})
	c.session.SetFatalErrorHandler(c.reportFatal)
	c.session.SetStateListener(c.alertOnSessionChange)

	var err error
	c.driver, err = engine.New(engine.Config{TickInterval: c.cfg.Engine.TimerInterval}, engine.Components{
		Timer:  c.manager,
		Sink:   c.session,
		Logger: c.logger,
		OnTick: c.onTick,
	})
	if err != nil {
		return fmt.Errorf("create driver failed: %w", err)
	}

	c.logger.Info("core services built")
	return nil
}

func (c *Container) registerLifecycleComponents() {
	if c.redis != nil {
		c.lifecycle.Register(&redisComponent{store: c.redis, logger: c.logger})
	}
	c.lifecycle.Register(&venueComponent{venue: c.venue, manager: c.manager, logger: c.logger})
	if c.cfg.Metrics.Addr != "" {
		c.lifecycle.Register(&httpServerComponent{
			name:    "metrics_server",
			handler: c.monitor.Handler(),
			addr:    c.cfg.Metrics.Addr,
			logger:  c.logger,
			server:  &c.metricsServer,
		})
	}
	c.lifecycle.Register(&sessionComponent{session: c.session, logger: c.logger})
	c.lifecycle.Register(&driverComponent{driver: c.driver})
	if c.configPath != "" {
		c.lifecycle.Register(&watcherComponent{
			watcher: config.Watcher{Path: c.configPath, Cooldown: c.cfg.Engine.TimerInterval, Logger: c.logger},
			apply:   config.ApplyLogLevel(c.logger),
		})
	}
}

// reportFatal 会话不可恢复时通知主程序，只保留第一个错误
func (c *Container) reportFatal(err error) {
	c.once.Do(func() {
		c.logger.LogError(err, map[string]interface{}{"action": "fatal"})
		c.sendAlert(c.alerts.SendCritical("control plane unreachable, reconnect attempts exhausted",
			map[string]interface{}{"error": err.Error(), "url": c.cfg.Session.URL}))
		c.fatal <- err
	})
}

// alertOnSessionChange 连接断开与恢复都通知运维
func (c *Container) alertOnSessionChange(_, to session.State, fields map[string]interface{}) {
	switch {
	case to == session.StateReconnecting:
		c.sendAlert(c.alerts.SendWarning("control plane connection lost", fields))
	case to == session.StateActive:
		c.sendAlert(c.alerts.SendInfo("control plane session active", fields))
	}
}

func (c *Container) sendAlert(err error) {
	if err != nil {
		c.logger.Warn("alert delivery failed", zap.Error(err))
	}
}

// Fatal 不可恢复错误（重连耗尽），主程序据此退出
func (c *Container) Fatal() <-chan error { return c.fatal }

func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container...")

	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}

	c.logger.Info("container started")
	return nil
}

func (c *Container) Stop() error {
	c.logger.Info("stopping container...")

	err := c.lifecycle.StopAll()
	if err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
	}

	if c.outbox != nil {
		if cerr := c.outbox.Close(); cerr != nil {
			c.logger.LogError(cerr, map[string]interface{}{"action": "close_outbox"})
		}
	}

	if c.logger != nil {
		_ = c.logger.Close()
	}
	return err
}

func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

// Logger 容器日志器
func (c *Container) Logger() *logger.Logger { return c.logger }

// Manager 订单生命周期管理器
func (c *Container) Manager() *lifecycle.Manager { return c.manager }

// Session 控制面会话
func (c *Container) Session() *session.Session { return c.session }

// Monitor 指标
func (c *Container) Monitor() *monitor.Monitor { return c.monitor }

// Alerts 运维告警
func (c *Container) Alerts() *alert.Manager { return c.alerts }
