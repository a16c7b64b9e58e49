package order

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// SymbolConstraints 描述交易品种的价格步长、止损距离与数量限制（来自交易场所）。
type SymbolConstraints struct {
	TickSize     float64 `json:"tick_size" yaml:"tickSize"`
	StopsLevel   int     `json:"stops_level" yaml:"stopsLevel"`
	VolumeMin    float64 `json:"volume_min" yaml:"volumeMin"`
	VolumeMax    float64 `json:"volume_max" yaml:"volumeMax"`
	ContractSize float64 `json:"contract_size" yaml:"contractSize"`
}

func (c SymbolConstraints) tick() decimal.Decimal {
	if c.TickSize <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(c.TickSize)
}

// Round 把价格对齐到 tick：round(price / tick) * tick。
func (c SymbolConstraints) Round(price float64) decimal.Decimal {
	p := decimal.NewFromFloat(price)
	tick := c.tick()
	if tick.IsZero() {
		return p
	}
	return p.Div(tick).Round(0).Mul(tick)
}

// RoundPrice 同 Round，返回 float64。
func (c SymbolConstraints) RoundPrice(price float64) float64 {
	return c.Round(price).InexactFloat64()
}

// MinStopDistance stops_level * tick_size；交易场所未设置 stops level 时为 0，即不校验。
func (c SymbolConstraints) MinStopDistance() decimal.Decimal {
	if c.StopsLevel <= 0 {
		return decimal.Zero
	}
	return c.tick().Mul(decimal.NewFromInt(int64(c.StopsLevel)))
}

// ValidateVolume 检查数量是否在 [VolumeMin, VolumeMax] 内。
func (c SymbolConstraints) ValidateVolume(volume float64) error {
	if volume <= 0 {
		return fmt.Errorf("volume %.8f must be > 0", volume)
	}
	if c.VolumeMin > 0 && volume < c.VolumeMin {
		return fmt.Errorf("volume %.8f < volumeMin %.8f", volume, c.VolumeMin)
	}
	if c.VolumeMax > 0 && volume > c.VolumeMax {
		return fmt.Errorf("volume %.8f > volumeMax %.8f", volume, c.VolumeMax)
	}
	return nil
}

// StopsValid 止损/止盈（已设置时）与成交价的距离必须 >= MinStopDistance。
func (c SymbolConstraints) StopsValid(o *PendingOrder, price decimal.Decimal) bool {
	min := c.MinStopDistance()
	if min.IsZero() {
		return true
	}
	for _, level := range []float64{o.StopLoss, o.TakeProfit} {
		if level == 0 {
			continue
		}
		if c.Round(level).Sub(price).Abs().LessThan(min) {
			return false
		}
	}
	return true
}

// ClampStops 把止损/止盈推到成交价最小距离之外，不拒单。
// BUY: SL <= price-d, TP >= price+d；SELL 相反。未设置（0）的保持 0，d 为 0 时原样返回。
func (c SymbolConstraints) ClampStops(side Side, price decimal.Decimal, sl, tp float64) (float64, float64) {
	d := c.MinStopDistance()
	if d.IsZero() {
		return sl, tp
	}
	below := price.Sub(d)
	above := price.Add(d)
	if sl != 0 {
		s := c.Round(sl)
		if side == SideBuy && s.GreaterThan(below) {
			s = below
		}
		if side == SideSell && s.LessThan(above) {
			s = above
		}
		sl = s.InexactFloat64()
	}
	if tp != 0 {
		t := c.Round(tp)
		if side == SideBuy && t.LessThan(above) {
			t = above
		}
		if side == SideSell && t.GreaterThan(below) {
			t = below
		}
		tp = t.InexactFloat64()
	}
	return sl, tp
}

// SubVolume 用 decimal 做数量相减，避免浮点残差。
func SubVolume(a, b float64) float64 {
	return decimal.NewFromFloat(a).Sub(decimal.NewFromFloat(b)).InexactFloat64()
}
