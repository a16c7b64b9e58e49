// Package session 维护与控制面的长连接：握手、心跳、断线指数退避重连，
// 以及断线期间出站事件的持久化与重连后的按序重发。
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"order-bridge/infrastructure/logger"
	"order-bridge/infrastructure/monitor"
	"order-bridge/internal/outbox"
	"order-bridge/internal/protocol"
)

var (
	// ErrReconnectExhausted 重连次数用尽，会话不再尝试投递
	ErrReconnectExhausted = errors.New("session: reconnect attempts exhausted")

	errKeepaliveTimeout = errors.New("keepalive acknowledgments missed")
	errHandshakeRefused = errors.New("handshake refused")
	errRemoteDisconnect = errors.New("remote disconnect")
)

// State 会话状态
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateActive
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateActive:
		return "ACTIVE"
	case StateReconnecting:
		return "RECONNECTING"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Config 会话配置
type Config struct {
	URL                  string
	ClientID             string
	PingInterval         time.Duration
	ReadTimeout          time.Duration
	WriteTimeout         time.Duration
	HandshakeTimeout     time.Duration
	BackoffInitial       time.Duration
	BackoffMax           time.Duration
	BackoffMultiplier    float64
	MaxReconnectAttempts int
	MaxMissedKeepalives  int
	MaxMessageSize       int64
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		PingInterval:         30 * time.Second,
		ReadTimeout:          60 * time.Second,
		WriteTimeout:         10 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		BackoffInitial:       2 * time.Second,
		BackoffMax:           30 * time.Second,
		BackoffMultiplier:    1.5,
		MaxReconnectAttempts: 5,
		MaxMissedKeepalives:  5,
		MaxMessageSize:       1 << 20,
	}
}

// Queue 断线期间的出站消息队列
type Queue interface {
	Push(payload []byte) (evicted int, err error)
	Pending() ([]outbox.Item, error)
	Remove(seq uint64) error
	Len() int
}

// Handler 处理入站请求，返回需要发出的事件
type Handler interface {
	Handle(ctx context.Context, typ protocol.Type, raw []byte) []protocol.Outbound
}

// Deps 外部依赖。Dialer 为空时使用 WSDialer。
type Deps struct {
	Dialer  Dialer
	Handler Handler
	Queue   Queue
	Logger  *logger.Logger
	Monitor *monitor.Monitor
	Now     func() time.Time
	Sleep   func(ctx context.Context, d time.Duration) error
}

// Session 单条控制面连接的拥有者
type Session struct {
	cfg       Config
	dialer    Dialer
	handler   Handler
	queue     Queue
	log       *logger.Logger
	mon       *monitor.Monitor
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	sessionID string
	backoff   *Backoff

	mu       sync.Mutex
	state    State
	attempts int
	onFatal  func(error)
	onState  func(from, to State, fields map[string]interface{})

	// writeMu 串行化所有写入；conn 仅在 ACTIVE 且积压已清空时非空
	writeMu sync.Mutex
	conn    Conn

	pingOutstanding atomic.Bool
}

// New 创建会话
func New(cfg Config, deps Deps) *Session {
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepCtx
	}
	if deps.Dialer == nil {
		deps.Dialer = WSDialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			WriteTimeout:     cfg.WriteTimeout,
			MaxMessageSize:   cfg.MaxMessageSize,
		}
	}
	return &Session{
		cfg:       cfg,
		dialer:    deps.Dialer,
		handler:   deps.Handler,
		queue:     deps.Queue,
		log:       deps.Logger,
		mon:       deps.Monitor,
		now:       deps.Now,
		sleep:     deps.Sleep,
		sessionID: uuid.NewString(),
		backoff:   NewBackoff(cfg.BackoffInitial, cfg.BackoffMax, cfg.BackoffMultiplier),
		state:     StateDisconnected,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SetFatalErrorHandler 设置致命错误回调（用于通知主程序触发优雅退出）
func (s *Session) SetFatalErrorHandler(fn func(error)) {
	s.mu.Lock()
	s.onFatal = fn
	s.mu.Unlock()
}

// SetStateListener 状态变化回调，在会话 goroutine 中同步调用
func (s *Session) SetStateListener(fn func(from, to State, fields map[string]interface{})) {
	s.mu.Lock()
	s.onState = fn
	s.mu.Unlock()
}

// State 当前状态
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ReconnectAttempts 当前连续失败次数
func (s *Session) ReconnectAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *Session) setState(st State, fields map[string]interface{}) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	listener := s.onState
	s.mu.Unlock()
	if prev == st {
		return
	}
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["from"] = prev.String()
	fields["state"] = st.String()
	s.log.LogSession("state_change", fields)
	s.mon.UpdateSessionState(int(st))
	if listener != nil {
		listener(prev, st, fields)
	}
}

// Run 连接并维持会话直到 ctx 取消。重连次数用尽时返回 ErrReconnectExhausted。
func (s *Session) Run(ctx context.Context) error {
	s.backoff.Reset()
	for {
		if ctx.Err() != nil {
			s.setState(StateDisconnected, nil)
			return nil
		}

		s.setState(StateConnecting, map[string]interface{}{"url": s.cfg.URL})
		conn, err := s.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.setState(StateDisconnected, nil)
				return nil
			}
			if fatal := s.failedAttempt(ctx, err); fatal != nil {
				return fatal
			}
			continue
		}

		s.mu.Lock()
		s.attempts = 0
		s.mu.Unlock()
		s.backoff.Reset()
		s.mon.RecordSessionConnect()

		err = s.serve(ctx, conn)
		s.mon.RecordSessionDisconnect()
		if ctx.Err() != nil {
			s.setState(StateDisconnected, map[string]interface{}{"reason": "shutdown"})
			return nil
		}
		s.setState(StateReconnecting, map[string]interface{}{"error": errString(err)})
	}
}

// connect 拨号并完成握手
func (s *Session) connect(ctx context.Context) (Conn, error) {
	conn, err := s.dialer.Dial(ctx, s.cfg.URL)
	if err != nil {
		return nil, err
	}
	s.setState(StateHandshaking, nil)
	if err := s.handshake(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	return conn, nil
}

// failedAttempt 记录一次失败并等待退避；次数用尽时返回致命错误
func (s *Session) failedAttempt(ctx context.Context, cause error) error {
	s.mu.Lock()
	s.attempts++
	attempts := s.attempts
	s.mu.Unlock()

	if attempts >= s.cfg.MaxReconnectAttempts {
		err := fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, attempts, cause)
		s.setState(StateDisconnected, map[string]interface{}{"attempt": attempts, "error": cause.Error()})
		s.log.LogError(err, map[string]interface{}{"op": "reconnect"})
		s.mu.Lock()
		fn := s.onFatal
		s.mu.Unlock()
		if fn != nil {
			fn(err)
		}
		return err
	}

	wait := s.backoff.Next()
	s.log.LogSession("connect_failed", map[string]interface{}{
		"attempt": attempts,
		"max":     s.cfg.MaxReconnectAttempts,
		"backoff": wait.String(),
		"error":   cause.Error(),
	})
	_ = s.sleep(ctx, wait)
	return nil
}

// handshake 发送身份信息并等待确认。确认前收到的请求照常处理，产生的事件进入积压队列。
func (s *Session) handshake(ctx context.Context, conn Conn) error {
	if err := s.writeControl(conn, protocol.NewHandshake(s.cfg.ClientID, s.sessionID, s.now())); err != nil {
		return err
	}
	if s.cfg.HandshakeTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout)); err != nil {
			return err
		}
	}
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		typ, err := protocol.Peek(raw)
		if err != nil {
			s.log.LogSession("invalid_message", map[string]interface{}{"error": err.Error()})
			continue
		}
		if typ != protocol.TypeHandshakeResponse {
			if err := s.dispatch(ctx, conn, typ, raw); err != nil {
				return err
			}
			continue
		}
		s.mon.RecordMessageIn(string(typ))
		var resp protocol.HandshakeResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return fmt.Errorf("decode handshake response: %w", err)
		}
		if !resp.Accepted() {
			return fmt.Errorf("%w: %s %s", errHandshakeRefused, resp.Status, resp.Message)
		}
		s.log.LogSession("handshake_ok", map[string]interface{}{
			"client_id":  s.cfg.ClientID,
			"session_id": s.sessionID,
		})
		return nil
	}
}

// serve 进入 ACTIVE：清空积压后运行读循环与心跳，任一退出即结束本次连接
func (s *Session) serve(ctx context.Context, conn Conn) error {
	s.pingOutstanding.Store(false)
	s.setState(StateActive, map[string]interface{}{"backlog": s.queueLen()})
	s.activate(conn)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 2)
	go func() { errc <- s.readLoop(connCtx, conn) }()
	go func() { errc <- s.keepaliveLoop(connCtx, conn) }()

	err := <-errc
	cancel()
	s.detach(conn)
	if ctx.Err() != nil {
		if werr := s.writeControl(conn, protocol.NewDisconnect("client shutdown", s.now())); werr != nil {
			s.log.LogSession("disconnect_send_failed", map[string]interface{}{"error": werr.Error()})
		}
	}
	_ = conn.Close()
	<-errc
	return err
}

// activate 按 FIFO 重发积压消息，确认写入后才删除。写入失败则保留剩余消息并关闭连接。
func (s *Session) activate(conn Conn) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.queue != nil && s.queue.Len() > 0 {
		items, err := s.queue.Pending()
		if err != nil {
			s.log.LogError(err, map[string]interface{}{"op": "outbox_pending"})
			_ = conn.Close()
			return
		}
		sent := 0
		for _, it := range items {
			if err := conn.WriteMessage(it.Payload); err != nil {
				s.log.LogSession("redelivery_interrupted", map[string]interface{}{
					"sent":      sent,
					"remaining": len(items) - sent,
					"error":     err.Error(),
				})
				s.mon.UpdateOutboxDepth(s.queue.Len())
				_ = conn.Close()
				return
			}
			if err := s.queue.Remove(it.Seq); err != nil {
				s.log.LogError(err, map[string]interface{}{"op": "outbox_remove", "seq": it.Seq})
			}
			s.mon.RecordMessageOut("redelivery")
			sent++
		}
		s.mon.UpdateOutboxDepth(s.queue.Len())
		s.log.LogSession("redelivered", map[string]interface{}{"count": sent})
	}
	s.conn = conn
}

func (s *Session) detach(conn Conn) {
	s.writeMu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.writeMu.Unlock()
}

func (s *Session) readLoop(ctx context.Context, conn Conn) error {
	for {
		if s.cfg.ReadTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
				return err
			}
		}
		raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		s.pingOutstanding.Store(false)

		typ, err := protocol.Peek(raw)
		if err != nil {
			s.log.LogSession("invalid_message", map[string]interface{}{"error": err.Error()})
			continue
		}
		if err := s.dispatch(ctx, conn, typ, raw); err != nil {
			return err
		}
	}
}

// dispatch 处理一条入站消息。心跳直接应答，请求交给 Handler，事件经 Deliver 发出。
func (s *Session) dispatch(ctx context.Context, conn Conn, typ protocol.Type, raw []byte) error {
	s.mon.RecordMessageIn(string(typ))
	switch typ {
	case protocol.TypePing:
		return s.writeControl(conn, protocol.NewPong(s.now()))
	case protocol.TypePong, protocol.TypeHandshakeResponse:
		return nil
	case protocol.TypeDisconnect:
		var d protocol.Disconnect
		_ = json.Unmarshal(raw, &d)
		s.log.LogSession("remote_disconnect", map[string]interface{}{"reason": d.Reason})
		return errRemoteDisconnect
	}
	if s.handler == nil {
		return nil
	}
	for _, ev := range s.handler.Handle(ctx, typ, raw) {
		if err := s.Deliver(ev); err != nil {
			s.log.LogError(err, map[string]interface{}{"op": "deliver", "type": string(ev.MessageType())})
		}
	}
	return nil
}

// keepaliveLoop 按固定间隔发送 ping。上一次 ping 之后没有任何入站消息记为一次丢失，
// 连续丢失达到上限则断开重连。
func (s *Session) keepaliveLoop(ctx context.Context, conn Conn) error {
	if s.cfg.PingInterval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if s.pingOutstanding.Load() {
			missed++
			s.mon.RecordKeepaliveMissed()
			s.log.LogSession("keepalive_missed", map[string]interface{}{
				"missed": missed,
				"max":    s.cfg.MaxMissedKeepalives,
			})
			if s.cfg.MaxMissedKeepalives > 0 && missed >= s.cfg.MaxMissedKeepalives {
				return errKeepaliveTimeout
			}
		} else {
			missed = 0
		}
		s.pingOutstanding.Store(true)
		if err := s.writeControl(conn, protocol.NewPing(s.now())); err != nil {
			return fmt.Errorf("send ping: %w", err)
		}
	}
}

// writeControl 发送握手/心跳/断开等控制消息，失败不进入积压队列
func (s *Session) writeControl(conn Conn, msg protocol.Outbound) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.MessageType(), err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteMessage(payload); err != nil {
		return err
	}
	s.mon.RecordMessageOut(string(msg.MessageType()))
	return nil
}

// Deliver 发送事件；连接不可用、积压未清空或写入失败时写入持久队列，重连后按序重发。
func (s *Session) Deliver(msg protocol.Outbound) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.MessageType(), err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.conn != nil && s.queueLenLocked() == 0 {
		err := s.conn.WriteMessage(payload)
		if err == nil {
			s.mon.RecordMessageOut(string(msg.MessageType()))
			return nil
		}
		s.log.LogSession("send_failed", map[string]interface{}{
			"type":     string(msg.MessageType()),
			"trade_id": msg.CorrelationID(),
			"error":    err.Error(),
		})
		_ = s.conn.Close()
		s.conn = nil
	}
	return s.enqueueLocked(msg, payload)
}

func (s *Session) enqueueLocked(msg protocol.Outbound, payload []byte) error {
	if s.queue == nil {
		return fmt.Errorf("session not active, %s dropped", msg.MessageType())
	}
	evicted, err := s.queue.Push(payload)
	if err != nil {
		return fmt.Errorf("queue %s: %w", msg.MessageType(), err)
	}
	if evicted > 0 {
		s.mon.RecordOutboxDropped(evicted)
		s.log.LogSession("outbox_evicted", map[string]interface{}{"count": evicted})
	}
	s.mon.UpdateOutboxDepth(s.queue.Len())
	s.log.LogSession("queued", map[string]interface{}{
		"type":     string(msg.MessageType()),
		"trade_id": msg.CorrelationID(),
		"depth":    s.queue.Len(),
	})
	return nil
}

func (s *Session) queueLenLocked() int {
	if s.queue == nil {
		return 0
	}
	return s.queue.Len()
}

func (s *Session) queueLen() int {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.queueLenLocked()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
