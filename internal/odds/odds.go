// Package odds holds the shared probability math: American odds conversion,
// expected value, Kelly sizing, consensus aggregation, and vig removal.
//
// Everything here is pure and decimal-exact. Contract prices enter as integer
// cents on [0, 100]; probabilities are decimals on [0, 1]. No floats.
package odds

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
	half    = decimal.New(5, -1) // 0.5
	two     = decimal.NewFromInt(2)
)

// AmericanToProb converts American odds to the implied win probability.
// Negative odds are favorites: p = |odds| / (|odds| + 100). Positive odds
// are underdogs: p = 100 / (odds + 100). Zero is treated as even money.
func AmericanToProb(american int) decimal.Decimal {
	if american == 0 {
		return half
	}
	o := decimal.NewFromInt(int64(american))
	if american < 0 {
		abs := o.Abs()
		return abs.Div(abs.Add(hundred))
	}
	return hundred.Div(o.Add(hundred))
}

// ProbToAmerican converts a probability in (0, 1) to canonical American odds.
// Probabilities above one half map to negative odds, below to positive, and
// exactly one half to +100 (the canonical even-money form). The result is
// rounded half away from zero to an integer.
func ProbToAmerican(p decimal.Decimal) (int, error) {
	if p.LessThanOrEqual(decimal.Zero) || p.GreaterThanOrEqual(one) {
		return 0, fmt.Errorf("probability %s outside (0, 1)", p)
	}
	switch {
	case p.Equal(half):
		return 100, nil
	case p.GreaterThan(half):
		// favorite: -100p / (1-p)
		v := hundred.Mul(p).Div(one.Sub(p)).Neg()
		return int(v.Round(0).IntPart()), nil
	default:
		// underdog: 100(1-p) / p
		v := hundred.Mul(one.Sub(p)).Div(p)
		return int(v.Round(0).IntPart()), nil
	}
}

// PriceToProb converts a contract price in cents to an implied probability,
// clamping out-of-range input to [0, 100] first.
func PriceToProb(cents int) decimal.Decimal {
	if cents < 0 {
		cents = 0
	}
	if cents > 100 {
		cents = 100
	}
	return decimal.NewFromInt(int64(cents)).Div(hundred)
}

// Median returns the median of the given probabilities; for an even count
// the middle two values are averaged. ok is false for an empty slice.
func Median(ps []decimal.Decimal) (decimal.Decimal, bool) {
	if len(ps) == 0 {
		return decimal.Zero, false
	}
	sorted := make([]decimal.Decimal, len(ps))
	copy(sorted, ps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid], true
	}
	return sorted[mid-1].Add(sorted[mid]).Div(two), true
}

// EVPercent returns the expected value of buying at priceCents given the
// true probability, as a percentage of cost: ((p - cost) / cost) * 100,
// rounded to four decimal places. ok is false when the price is zero or
// negative, where the ratio is undefined.
func EVPercent(trueProb decimal.Decimal, priceCents int) (decimal.Decimal, bool) {
	if priceCents <= 0 {
		return decimal.Zero, false
	}
	cost := PriceToProb(priceCents)
	ev := trueProb.Sub(cost).Div(cost).Mul(hundred)
	return ev.Round(4), true
}

// Edge returns trueProb minus the implied probability of priceCents.
func Edge(trueProb decimal.Decimal, priceCents int) decimal.Decimal {
	return trueProb.Sub(PriceToProb(priceCents))
}

// Kelly returns the fraction of bankroll to stake when buying at priceCents
// with true win probability trueProb, scaled by the fractional multiplier
// and capped at 1. Prices at 0 or 100 cents and non-positive edges return
// zero. With b = payout/cost, the full-Kelly stake is (p*b - q) / b.
func Kelly(trueProb decimal.Decimal, priceCents int, fractional decimal.Decimal) decimal.Decimal {
	if priceCents <= 0 || priceCents >= 100 {
		return decimal.Zero
	}
	cost := decimal.NewFromInt(int64(priceCents))
	payout := hundred.Sub(cost)
	b := payout.Div(cost)
	q := one.Sub(trueProb)

	f := trueProb.Mul(b).Sub(q).Div(b)
	if f.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	f = f.Mul(fractional)
	if f.GreaterThan(one) {
		return one
	}
	return f
}

// RemoveVig normalizes a two-way implied probability pair so it sums to 1,
// removing the bookmaker margin. A non-positive sum returns the inputs
// unchanged. Results are rounded to four decimal places.
func RemoveVig(a, b decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	total := a.Add(b)
	if total.LessThanOrEqual(decimal.Zero) {
		return a, b
	}
	return a.Div(total).Round(4), b.Div(total).Round(4)
}
