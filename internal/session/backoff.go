package session

import "time"

// Backoff 指数退避。每次 Next 返回当前间隔，然后乘以 Multiplier，上限 Max。
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64

	current time.Duration
}

// NewBackoff 创建退避器，multiplier <= 1 时按 1.5 处理
func NewBackoff(initial, max time.Duration, multiplier float64) *Backoff {
	if multiplier <= 1 {
		multiplier = 1.5
	}
	if max < initial {
		max = initial
	}
	return &Backoff{Initial: initial, Max: max, Multiplier: multiplier, current: initial}
}

// Next 返回本次等待时间
func (b *Backoff) Next() time.Duration {
	if b.current <= 0 {
		b.current = b.Initial
	}
	d := b.current
	next := time.Duration(float64(b.current) * b.Multiplier)
	if next > b.Max || next <= 0 {
		next = b.Max
	}
	b.current = next
	if d > b.Max {
		d = b.Max
	}
	return d
}

// Reset 回到初始间隔
func (b *Backoff) Reset() {
	b.current = b.Initial
}
