package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"order-bridge/internal/protocol"
)

var (
	errFakeClosed  = errors.New("fake conn closed")
	errFakeTimeout = errors.New("fake read timeout")
)

// fakeConn 内存连接。对端行为由 handshakeStatus / answerPings / failWrite 控制。
type fakeConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	handshakeStatus string // 空表示不应答握手
	answerPings     bool
	failWrite       func(typ protocol.Type, raw []byte) error

	mu       sync.Mutex
	written  [][]byte
	deadline time.Time
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:              make(chan []byte, 64),
		closed:          make(chan struct{}),
		handshakeStatus: "success",
		answerPings:     true,
	}
}

func (f *fakeConn) ReadMessage() ([]byte, error) {
	f.mu.Lock()
	dl := f.deadline
	f.mu.Unlock()

	var timeout <-chan time.Time
	if !dl.IsZero() {
		t := time.NewTimer(time.Until(dl))
		defer t.Stop()
		timeout = t.C
	}
	select {
	case m := <-f.in:
		return m, nil
	case <-f.closed:
		return nil, errFakeClosed
	case <-timeout:
		return nil, errFakeTimeout
	}
}

func (f *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-f.closed:
		return errFakeClosed
	default:
	}
	typ, _ := protocol.Peek(data)
	if f.failWrite != nil {
		if err := f.failWrite(typ, data); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.written = append(f.written, append([]byte(nil), data...))
	f.mu.Unlock()

	switch {
	case typ == protocol.TypeHandshake && f.handshakeStatus != "":
		f.send(map[string]interface{}{"type": "handshake_response", "status": f.handshakeStatus})
	case typ == protocol.TypePing && f.answerPings:
		f.send(map[string]interface{}{"type": "pong"})
	}
	return nil
}

func (f *fakeConn) SetReadDeadline(t time.Time) error {
	f.mu.Lock()
	f.deadline = t
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// send 模拟对端发来一条消息
func (f *fakeConn) send(v interface{}) {
	raw, _ := json.Marshal(v)
	f.in <- raw
}

func (f *fakeConn) types() []protocol.Type {
	f.mu.Lock()
	defer f.mu.Unlock()
	res := make([]protocol.Type, 0, len(f.written))
	for _, raw := range f.written {
		typ, _ := protocol.Peek(raw)
		res = append(res, typ)
	}
	return res
}

func (f *fakeConn) has(typ protocol.Type) bool {
	for _, t := range f.types() {
		if t == typ {
			return true
		}
	}
	return false
}

// tradeIDs 已成功写出的 trade_response 的 trade_id
func (f *fakeConn) tradeIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, raw := range f.written {
		var tr protocol.TradeResponse
		if err := json.Unmarshal(raw, &tr); err != nil || tr.Type != protocol.TypeTradeResponse {
			continue
		}
		ids = append(ids, tr.TradeID)
	}
	return ids
}

func (f *fakeConn) last() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.written) == 0 {
		return nil
	}
	return f.written[len(f.written)-1]
}

// fakeDialer 依次返回预置的连接或错误，用完后一直返回错误
type fakeDialer struct {
	mu    sync.Mutex
	steps []interface{} // *fakeConn 或 error
	dials int
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.steps) == 0 {
		return nil, errors.New("connection refused")
	}
	step := d.steps[0]
	d.steps = d.steps[1:]
	if err, ok := step.(error); ok {
		return nil, err
	}
	return step.(*fakeConn), nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// recordSleep 记录退避时长，不真正等待
type recordSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recordSleep) all() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

type handlerFunc func(ctx context.Context, typ protocol.Type, raw []byte) []protocol.Outbound

func (h handlerFunc) Handle(ctx context.Context, typ protocol.Type, raw []byte) []protocol.Outbound {
	return h(ctx, typ, raw)
}
