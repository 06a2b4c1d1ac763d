package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// --- Market impact ---

func TestMarketImpact_Proportional(t *testing.T) {
	tests := []struct {
		size, liquidity, want float64
	}{
		{100, 1000, 0.01},
		{500, 1000, 0.05},
		{1000, 1000, 0.1},
		{0, 1000, 0},
		{100, 500, 0.02},
	}
	for _, tt := range tests {
		got := MarketImpact(d(tt.size), d(tt.liquidity))
		if !got.Equal(d(tt.want)) {
			t.Errorf("MarketImpact(%v, %v) = %s, want %v", tt.size, tt.liquidity, got, tt.want)
		}
	}
}

func TestMarketImpact_ZeroLiquidity_NoPanic(t *testing.T) {
	got := MarketImpact(d(100), decimal.Zero)
	if got.LessThan(d(1)) {
		t.Errorf("zero liquidity should saturate impact, got %s", got)
	}
}

// --- NewPrice ---

func TestNewPrice_YesIncreases(t *testing.T) {
	p := NewPrice(d(0.5), d(100), "yes", BaseLiquidity)
	if !p.GreaterThan(d(0.5)) {
		t.Errorf("YES trade should raise price, got %s", p)
	}
	if !p.Equal(d(0.51)) {
		t.Errorf("expected 0.51, got %s", p)
	}
}

func TestNewPrice_NoDecreases(t *testing.T) {
	p := NewPrice(d(0.5), d(100), "no", BaseLiquidity)
	if !p.LessThan(d(0.5)) {
		t.Errorf("NO trade should lower price, got %s", p)
	}
	if !p.Equal(d(0.49)) {
		t.Errorf("expected 0.49, got %s", p)
	}
}

func TestNewPrice_ClampedToBounds(t *testing.T) {
	// Massive trade against thin liquidity pins price at the ceiling.
	p := NewPrice(d(0.5), d(100000), "yes", d(10))
	if !p.Equal(MaxPrice) {
		t.Errorf("expected clamp to MaxPrice %s, got %s", MaxPrice, p)
	}

	p = NewPrice(d(0.5), d(100000), "no", d(10))
	if !p.Equal(MinPrice) {
		t.Errorf("expected clamp to MinPrice %s, got %s", MinPrice, p)
	}

	// Zero liquidity must not panic and must stay in bounds.
	p = NewPrice(d(0.5), d(100), "yes", decimal.Zero)
	if !p.Equal(MaxPrice) {
		t.Errorf("expected MaxPrice for zero liquidity, got %s", p)
	}
}

// --- Slippage ---

func TestSlippage_CappedAtTenPercent(t *testing.T) {
	tests := []struct {
		size, liquidity, want float64
	}{
		{50, 1000, 0.05},
		{100, 1000, 0.1},
		{500, 1000, 0.1}, // capped
		{0, 1000, 0},
	}
	for _, tt := range tests {
		got := Slippage(d(tt.size), d(tt.liquidity))
		if !got.Equal(d(tt.want)) {
			t.Errorf("Slippage(%v, %v) = %s, want %v", tt.size, tt.liquidity, got, tt.want)
		}
	}
}

// --- EffectivePrice ---

func TestEffectivePrice_YesAboveBase(t *testing.T) {
	// 50/1000 = 5% slippage: 0.5 * 1.05 = 0.525
	got := EffectivePrice(d(0.5), d(50), "yes", d(1000))
	if !got.Equal(d(0.525)) {
		t.Errorf("expected 0.525, got %s", got)
	}
}

func TestEffectivePrice_NoBelowBase(t *testing.T) {
	// 0.5 * 0.95 = 0.475
	got := EffectivePrice(d(0.5), d(50), "no", d(1000))
	if !got.Equal(d(0.475)) {
		t.Errorf("expected 0.475, got %s", got)
	}
}

func TestEffectivePrice_WithinBounds(t *testing.T) {
	tests := []struct {
		base, size, liquidity float64
		position              string
	}{
		{0.98, 1000, 1000, "yes"},
		{0.02, 1000, 1000, "no"},
		{0.5, 0, 1000, "yes"},
		{0.5, 100, 0, "yes"},
		{0.5, 100, 0, "no"},
	}
	for _, tt := range tests {
		got := EffectivePrice(d(tt.base), d(tt.size), tt.position, d(tt.liquidity))
		if got.LessThan(MinPrice) || got.GreaterThan(MaxPrice) {
			t.Errorf("EffectivePrice(%v, %v, %s, %v) = %s out of bounds",
				tt.base, tt.size, tt.position, tt.liquidity, got)
		}
	}
}

// --- AdjustForImbalance ---

func TestAdjustForImbalance_ZeroVolumeUnchanged(t *testing.T) {
	got := AdjustForImbalance(decimal.Zero, decimal.Zero, d(0.5))
	if !got.Equal(d(0.5)) {
		t.Errorf("zero volume should leave price unchanged, got %s", got)
	}
}

func TestAdjustForImbalance_YesHeavyRaises(t *testing.T) {
	// imbalance = (300-100)/400 = 0.5 → 0.5 + 0.5*0.05 = 0.525
	got := AdjustForImbalance(d(300), d(100), d(0.5))
	if !got.Equal(d(0.525)) {
		t.Errorf("expected 0.525, got %s", got)
	}
}

func TestAdjustForImbalance_NoHeavyLowers(t *testing.T) {
	got := AdjustForImbalance(d(100), d(300), d(0.5))
	if !got.Equal(d(0.475)) {
		t.Errorf("expected 0.475, got %s", got)
	}
}

func TestAdjustForImbalance_MaxAdjustmentIsFivePercent(t *testing.T) {
	// Entirely one-sided pool: imbalance = 1 → shift exactly 0.05.
	got := AdjustForImbalance(d(1000), decimal.Zero, d(0.5))
	if !got.Equal(d(0.55)) {
		t.Errorf("expected 0.55, got %s", got)
	}
}

func TestAdjustForImbalance_Clamped(t *testing.T) {
	got := AdjustForImbalance(d(1000), decimal.Zero, d(0.97))
	if !got.Equal(MaxPrice) {
		t.Errorf("expected MaxPrice, got %s", got)
	}
	got = AdjustForImbalance(decimal.Zero, d(1000), d(0.03))
	if !got.Equal(MinPrice) {
		t.Errorf("expected MinPrice, got %s", got)
	}
}

// --- ImpliedProbability ---

func TestImpliedProbability(t *testing.T) {
	tests := []struct {
		price, want float64
	}{
		{0.5, 0.49},
		{0.99, 0.98},
		{0.01, 0},
		{0.005, 0},
	}
	for _, tt := range tests {
		got := ImpliedProbability(d(tt.price))
		if !got.Equal(d(tt.want)) {
			t.Errorf("ImpliedProbability(%v) = %s, want %v", tt.price, got, tt.want)
		}
	}
}

// --- Bounds hold for a grid of finite non-negative inputs ---

func TestAllPriceOutputs_WithinBounds(t *testing.T) {
	prices := []float64{0.01, 0.1, 0.5, 0.9, 0.99}
	sizes := []float64{0, 1, 100, 10000, 1e9}
	liqs := []float64{0, 10, 1000, 1e6}

	for _, p := range prices {
		for _, s := range sizes {
			for _, l := range liqs {
				for _, pos := range []string{"yes", "no"} {
					np := NewPrice(d(p), d(s), pos, d(l))
					if np.LessThan(MinPrice) || np.GreaterThan(MaxPrice) {
						t.Fatalf("NewPrice(%v,%v,%s,%v) = %s out of bounds", p, s, pos, l, np)
					}
					ep := EffectivePrice(d(p), d(s), pos, d(l))
					if ep.LessThan(MinPrice) || ep.GreaterThan(MaxPrice) {
						t.Fatalf("EffectivePrice(%v,%v,%s,%v) = %s out of bounds", p, s, pos, l, ep)
					}
				}
				ap := AdjustForImbalance(d(s), d(l), d(p))
				if ap.LessThan(MinPrice) || ap.GreaterThan(MaxPrice) {
					t.Fatalf("AdjustForImbalance(%v,%v,%v) = %s out of bounds", s, l, p, ap)
				}
			}
		}
	}
}
