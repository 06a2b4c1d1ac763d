// Package pricing implements the market-impact pricing model for binary
// outcome markets: impact-based price shift, slippage-adjusted effective
// price, pool-imbalance correction, and implied probability.
//
// The model is deliberately simple — impact is proportional to order size
// over liquidity with no decay — and every output is clamped to
// [MinPrice, MaxPrice], so all functions are total for non-negative inputs.
//
// All functions are stateless pure transforms over shopspring/decimal —
// never float64 for money. The pool-imbalance rule (AdjustForImbalance) is
// the canonical published-price update; the impact-based NewPrice exists
// for pre-trade estimates only.
package pricing

import "github.com/shopspring/decimal"

var (
	// MinPrice is the lowest allowed price (probability floor).
	// Prevents degenerate markets where YES appears impossible.
	MinPrice = decimal.NewFromFloat(0.01)

	// MaxPrice is the highest allowed price (probability ceiling).
	// Prevents degenerate markets where YES appears certain.
	MaxPrice = decimal.NewFromFloat(0.99)

	// BaseLiquidity is the default liquidity denominator for new markets.
	BaseLiquidity = decimal.NewFromInt(1000)

	// impactFactor scales order size / liquidity into a price shift.
	impactFactor = decimal.NewFromFloat(0.1)

	// maxSlippage caps the slippage contribution at 10% of the base price.
	maxSlippage = decimal.NewFromFloat(0.1)

	// imbalanceFactor is the maximum pool-imbalance adjustment (5%).
	imbalanceFactor = decimal.NewFromFloat(0.05)

	// halfSpread is the market-maker spread deducted from the YES price
	// when deriving an implied probability (2% spread, halved).
	halfSpread = decimal.NewFromFloat(0.01)

	one = decimal.NewFromInt(1)
)

// Clamp bounds a price to [MinPrice, MaxPrice].
func Clamp(p decimal.Decimal) decimal.Decimal {
	if p.LessThan(MinPrice) {
		return MinPrice
	}
	if p.GreaterThan(MaxPrice) {
		return MaxPrice
	}
	return p
}

// direction maps a wager position onto the sign of its price effect:
// YES pushes the price up, NO pushes it down.
func direction(position string) decimal.Decimal {
	if position == "yes" {
		return one
	}
	return one.Neg()
}

// MarketImpact returns the raw price shift a trade of the given size causes
// against the given liquidity: size/liquidity × 0.1. Larger orders or
// thinner liquidity move the price more. Zero liquidity saturates to 1,
// which the caller's clamp pins to a price bound.
func MarketImpact(size, liquidity decimal.Decimal) decimal.Decimal {
	if liquidity.IsZero() {
		return one
	}
	return size.Div(liquidity).Mul(impactFactor)
}

// NewPrice returns the impact-shifted price for a trade: buying YES moves
// the price up, buying NO moves it down. The result is always within
// [MinPrice, MaxPrice] regardless of inputs.
func NewPrice(currentPrice, tradeSize decimal.Decimal, position string, liquidity decimal.Decimal) decimal.Decimal {
	impact := MarketImpact(tradeSize, liquidity)
	return Clamp(currentPrice.Add(impact.Mul(direction(position))))
}

// Slippage returns the fractional price concession for an order of the
// given size: min(0.1, size/liquidity).
func Slippage(orderSize, liquidity decimal.Decimal) decimal.Decimal {
	if liquidity.IsZero() {
		return maxSlippage
	}
	s := orderSize.Div(liquidity)
	if s.GreaterThan(maxSlippage) {
		return maxSlippage
	}
	return s
}

// EffectivePrice returns the price actually recorded against a wager:
// the pre-trade base price adjusted for slippage in the direction of the
// position, clamped to bounds. It must be computed from pre-trade state —
// settlement later divides by it, so it is immutable once persisted.
func EffectivePrice(basePrice, orderSize decimal.Decimal, position string, liquidity decimal.Decimal) decimal.Decimal {
	slip := Slippage(orderSize, liquidity)
	return Clamp(basePrice.Mul(one.Add(slip.Mul(direction(position)))))
}

// AdjustForImbalance returns the published price after a wager, derived
// from the post-trade pool imbalance:
//
//	clamp(current + ((yes − no) / (yes + no)) × 0.05)
//
// When total volume is zero the current price is returned unchanged. This
// is the canonical price-update rule; it is what gets persisted and
// appended to the price history.
func AdjustForImbalance(yesVolume, noVolume, currentPrice decimal.Decimal) decimal.Decimal {
	total := yesVolume.Add(noVolume)
	if total.IsZero() {
		return currentPrice
	}
	imbalance := yesVolume.Sub(noVolume).Div(total)
	return Clamp(currentPrice.Add(imbalance.Mul(imbalanceFactor)))
}

// ImpliedProbability converts a YES price into a probability estimate by
// deducting half the fixed 2% market-maker spread, bounded to [0, 1].
func ImpliedProbability(yesPrice decimal.Decimal) decimal.Decimal {
	p := yesPrice.Sub(halfSpread)
	if p.LessThan(decimal.Zero) {
		return decimal.Zero
	}
	if p.GreaterThan(one) {
		return one
	}
	return p
}
