package order

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestSymbolConstraintsRound(t *testing.T) {
	c := SymbolConstraints{TickSize: 0.01}
	cases := []struct {
		in   float64
		want string
	}{
		{1.234, "1.23"},
		{1.235, "1.24"},
		{99.996, "100"},
		{99.994, "99.99"},
		{100, "100"},
	}
	for _, tc := range cases {
		if got := c.Round(tc.in).String(); got != tc.want {
			t.Fatalf("Round(%v) = %s, want %s", tc.in, got, tc.want)
		}
	}
	// 没有 tick 时原样返回
	if got := (SymbolConstraints{}).RoundPrice(1.23456); got != 1.23456 {
		t.Fatalf("unexpected %v", got)
	}
}

func TestSymbolConstraintsValidateVolume(t *testing.T) {
	c := SymbolConstraints{VolumeMin: 0.01, VolumeMax: 10}
	if err := c.ValidateVolume(0.5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.ValidateVolume(0.001); err == nil {
		t.Fatalf("expected min volume error")
	}
	if err := c.ValidateVolume(11); err == nil {
		t.Fatalf("expected max volume error")
	}
	if err := c.ValidateVolume(0); err == nil {
		t.Fatalf("expected non-positive volume error")
	}
}

func TestStopsValid(t *testing.T) {
	c := SymbolConstraints{TickSize: 0.01, StopsLevel: 10}
	price := decimal.RequireFromString("100")
	o := &PendingOrder{Side: SideBuy, StopLoss: 99.90, TakeProfit: 100.10}
	if !c.StopsValid(o, price) {
		t.Fatalf("stops exactly at min distance should pass")
	}
	o.StopLoss = 99.91
	if c.StopsValid(o, price) {
		t.Fatalf("stop loss inside min distance should fail")
	}
	o.StopLoss = 0
	o.TakeProfit = 100.09
	if c.StopsValid(o, price) {
		t.Fatalf("take profit inside min distance should fail")
	}
	// stops level 为 0 时不校验
	if !(SymbolConstraints{TickSize: 0.01}).StopsValid(o, price) {
		t.Fatalf("zero stops level must skip validation")
	}
}

func TestClampStops(t *testing.T) {
	c := SymbolConstraints{TickSize: 0.01, StopsLevel: 10}
	price := decimal.RequireFromString("100")

	sl, tp := c.ClampStops(SideBuy, price, 99.95, 100.05)
	if sl != 99.9 || tp != 100.1 {
		t.Fatalf("buy clamp got sl=%v tp=%v", sl, tp)
	}
	sl, tp = c.ClampStops(SideSell, price, 100.02, 99.99)
	if sl != 100.1 || tp != 99.9 {
		t.Fatalf("sell clamp got sl=%v tp=%v", sl, tp)
	}
	sl, tp = c.ClampStops(SideBuy, price, 99.5, 0)
	if sl != 99.5 || tp != 0 {
		t.Fatalf("far stops should be untouched, got sl=%v tp=%v", sl, tp)
	}
}

func TestSubVolume(t *testing.T) {
	if got := SubVolume(0.3, 0.1); got != 0.2 {
		t.Fatalf("SubVolume(0.3, 0.1) = %v", got)
	}
	if got := SubVolume(5, 3); got != 2 {
		t.Fatalf("SubVolume(5, 3) = %v", got)
	}
}
