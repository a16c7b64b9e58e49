package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor Prometheus监控指标收集器。
// 所有记录方法对 nil 接收者安全，未启用指标时可直接传 nil。
type Monitor struct {
	registry *prometheus.Registry

	// 订单指标
	orderEvents   *prometheus.CounterVec
	ordersRouted  *prometheus.CounterVec
	matches       prometheus.Counter
	matchedVolume prometheus.Counter
	poolSize      prometheus.Gauge

	// 交易场所指标
	venueRequests *prometheus.CounterVec
	venueErrors   *prometheus.CounterVec
	venueLatency  *prometheus.HistogramVec

	// 控制面连接指标
	sessionState       prometheus.Gauge
	sessionConnects    prometheus.Counter
	sessionDisconnects prometheus.Counter
	keepaliveMissed    prometheus.Counter
	messagesIn         *prometheus.CounterVec
	messagesOut        *prometheus.CounterVec

	// 出站队列
	outboxDepth   prometheus.Gauge
	outboxDropped prometheus.Counter
}

// Config 监控配置
type Config struct {
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "bridge",
		Subsystem: "orders",
	}
}

// New 创建新的Monitor实例
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help,
		})
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help,
		}, labels)
	}

	return &Monitor{
		registry: reg,

		orderEvents:   counterVec("order_events_total", "按状态统计的订单事件数", "status"),
		ordersRouted:  counterVec("orders_routed_total", "按路径统计的订单数（market/pool/venue_pending）", "route"),
		matches:       counter("matches_total", "订单池撮合次数"),
		matchedVolume: counter("matched_volume_total", "订单池累计撮合量"),
		poolSize:      gauge("pool_size", "订单池当前订单数"),

		venueRequests: counterVec("venue_requests_total", "交易场所请求数", "action"),
		venueErrors:   counterVec("venue_errors_total", "交易场所错误数", "action", "retcode"),
		venueLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "venue_latency_seconds",
			Help:      "交易场所请求延迟分布（秒）",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"action"}),

		sessionState:       gauge("session_state", "控制面连接状态（0=disconnected 1=connecting 2=handshaking 3=active 4=reconnecting）"),
		sessionConnects:    counter("session_connects_total", "握手成功次数"),
		sessionDisconnects: counter("session_disconnects_total", "连接断开次数"),
		keepaliveMissed:    counter("keepalive_missed_total", "未收到回应的心跳数"),
		messagesIn:         counterVec("messages_in_total", "收到的控制面消息数", "type"),
		messagesOut:        counterVec("messages_out_total", "发出的控制面消息数", "type"),

		outboxDepth:   gauge("outbox_depth", "待重发消息数"),
		outboxDropped: counter("outbox_dropped_total", "超出容量被丢弃的待发消息数"),
	}
}

// 订单相关方法
func (m *Monitor) RecordOrderEvent(status string) {
	if m == nil {
		return
	}
	m.orderEvents.WithLabelValues(status).Inc()
}

func (m *Monitor) RecordOrderRouted(route string) {
	if m == nil {
		return
	}
	m.ordersRouted.WithLabelValues(route).Inc()
}

func (m *Monitor) RecordMatch(volume float64) {
	if m == nil {
		return
	}
	m.matches.Inc()
	m.matchedVolume.Add(volume)
}

func (m *Monitor) UpdatePoolSize(n int) {
	if m == nil {
		return
	}
	m.poolSize.Set(float64(n))
}

// 交易场所相关方法
func (m *Monitor) RecordVenueRequest(action string, seconds float64) {
	if m == nil {
		return
	}
	m.venueRequests.WithLabelValues(action).Inc()
	m.venueLatency.WithLabelValues(action).Observe(seconds)
}

func (m *Monitor) RecordVenueError(action, retcode string) {
	if m == nil {
		return
	}
	m.venueErrors.WithLabelValues(action, retcode).Inc()
}

// 连接相关方法
func (m *Monitor) UpdateSessionState(state int) {
	if m == nil {
		return
	}
	m.sessionState.Set(float64(state))
}

func (m *Monitor) RecordSessionConnect() {
	if m == nil {
		return
	}
	m.sessionConnects.Inc()
}

func (m *Monitor) RecordSessionDisconnect() {
	if m == nil {
		return
	}
	m.sessionDisconnects.Inc()
}

func (m *Monitor) RecordKeepaliveMissed() {
	if m == nil {
		return
	}
	m.keepaliveMissed.Inc()
}

func (m *Monitor) RecordMessageIn(typ string) {
	if m == nil {
		return
	}
	m.messagesIn.WithLabelValues(typ).Inc()
}

func (m *Monitor) RecordMessageOut(typ string) {
	if m == nil {
		return
	}
	m.messagesOut.WithLabelValues(typ).Inc()
}

// 出站队列相关方法
func (m *Monitor) UpdateOutboxDepth(n int) {
	if m == nil {
		return
	}
	m.outboxDepth.Set(float64(n))
}

func (m *Monitor) RecordOutboxDropped(n int) {
	if m == nil {
		return
	}
	m.outboxDropped.Add(float64(n))
}

// Handler 返回HTTP handler用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
