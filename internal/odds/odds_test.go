package odds

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestAmericanToProb(t *testing.T) {
	t.Parallel()

	tests := []struct {
		odds int
		want string
	}{
		{-150, "0.6"},                // 150/250
		{-110, "0.5238095238095238"}, // 110/210
		{130, "0.4347826086956522"},  // 100/230
		{100, "0.5"},
		{-100, "0.5"},
		{0, "0.5"},
	}

	for _, tt := range tests {
		got := AmericanToProb(tt.odds)
		if !got.Equal(dec(tt.want)) {
			t.Errorf("AmericanToProb(%d) = %s, want %s", tt.odds, got, tt.want)
		}
	}
}

// American -> probability -> American is the identity on canonical odds
// (|odds| >= 100), with -100 collapsing onto the canonical +100.
func TestAmericanRoundTrip(t *testing.T) {
	t.Parallel()

	for o := -10000; o <= 10000; o++ {
		if o > -100 && o < 100 {
			continue // not canonical American odds
		}
		want := o
		if o == -100 {
			want = 100
		}
		back, err := ProbToAmerican(AmericanToProb(o))
		if err != nil {
			t.Fatalf("ProbToAmerican(AmericanToProb(%d)): %v", o, err)
		}
		if back != want {
			t.Fatalf("round trip %d -> %d, want %d", o, back, want)
		}
	}
}

func TestProbToAmericanRejectsBounds(t *testing.T) {
	t.Parallel()

	for _, p := range []decimal.Decimal{decimal.Zero, decimal.NewFromInt(1), dec("-0.1"), dec("1.5")} {
		if _, err := ProbToAmerican(p); err == nil {
			t.Errorf("ProbToAmerican(%s) expected error", p)
		}
	}
}

func TestPriceToProbClamps(t *testing.T) {
	t.Parallel()

	if got := PriceToProb(44); !got.Equal(dec("0.44")) {
		t.Errorf("PriceToProb(44) = %s, want 0.44", got)
	}
	if got := PriceToProb(-5); !got.Equal(decimal.Zero) {
		t.Errorf("PriceToProb(-5) = %s, want 0", got)
	}
	if got := PriceToProb(250); !got.Equal(decimal.NewFromInt(1)) {
		t.Errorf("PriceToProb(250) = %s, want 1", got)
	}
}

func TestMedian(t *testing.T) {
	t.Parallel()

	// The three-book consensus: {-150, -140, -160} as probabilities.
	ps := []decimal.Decimal{
		AmericanToProb(-150),
		AmericanToProb(-140),
		AmericanToProb(-160),
	}
	got, ok := Median(ps)
	if !ok {
		t.Fatal("Median returned !ok for non-empty input")
	}
	if !got.Equal(dec("0.6")) {
		t.Errorf("median = %s, want 0.6", got)
	}

	// Even count averages the middle two.
	even := []decimal.Decimal{dec("0.40"), dec("0.50"), dec("0.60"), dec("0.70")}
	got, _ = Median(even)
	if !got.Equal(dec("0.55")) {
		t.Errorf("even median = %s, want 0.55", got)
	}

	if _, ok := Median(nil); ok {
		t.Error("Median(nil) should report !ok")
	}
}

func TestEVPercent(t *testing.T) {
	t.Parallel()

	// Buying at 44c with true probability 0.60: ((0.60-0.44)/0.44)*100.
	got, ok := EVPercent(dec("0.6"), 44)
	if !ok {
		t.Fatal("EVPercent returned !ok for valid price")
	}
	if !got.Equal(dec("36.3636")) {
		t.Errorf("EVPercent = %s, want 36.3636", got)
	}

	if _, ok := EVPercent(dec("0.6"), 0); ok {
		t.Error("EVPercent at 0c must not divide by zero")
	}
}

func TestKelly(t *testing.T) {
	t.Parallel()

	fullK := decimal.NewFromInt(1)

	// p=0.6 at 50c: b=1, f = (0.6 - 0.4)/1 = 0.2
	if got := Kelly(dec("0.6"), 50, fullK); !got.Equal(dec("0.2")) {
		t.Errorf("Kelly(0.6, 50) = %s, want 0.2", got)
	}

	// Negative edge returns zero.
	if got := Kelly(dec("0.4"), 50, fullK); !got.Equal(decimal.Zero) {
		t.Errorf("Kelly(0.4, 50) = %s, want 0", got)
	}

	// Boundary prices return zero rather than dividing by zero.
	if got := Kelly(dec("0.9"), 0, fullK); !got.Equal(decimal.Zero) {
		t.Errorf("Kelly at 0c = %s, want 0", got)
	}
	if got := Kelly(dec("0.9"), 100, fullK); !got.Equal(decimal.Zero) {
		t.Errorf("Kelly at 100c = %s, want 0", got)
	}

	// Fractional multiplier scales the stake.
	if got := Kelly(dec("0.6"), 50, dec("0.25")); !got.Equal(dec("0.05")) {
		t.Errorf("quarter Kelly = %s, want 0.05", got)
	}

	// Cap at 1.
	if got := Kelly(dec("0.99"), 1, decimal.NewFromInt(10)); !got.Equal(decimal.NewFromInt(1)) {
		t.Errorf("capped Kelly = %s, want 1", got)
	}
}

func TestEdge(t *testing.T) {
	t.Parallel()

	if got := Edge(dec("0.6"), 44); !got.Equal(dec("0.16")) {
		t.Errorf("Edge = %s, want 0.16", got)
	}
}

func TestRemoveVig(t *testing.T) {
	t.Parallel()

	// Standard -110/-110 pair: each side 0.5238..., normalized to 0.5/0.5.
	a, b := RemoveVig(AmericanToProb(-110), AmericanToProb(-110))
	if !a.Equal(dec("0.5")) || !b.Equal(dec("0.5")) {
		t.Errorf("RemoveVig(-110, -110) = (%s, %s), want (0.5, 0.5)", a, b)
	}

	sum := a.Add(b)
	if !sum.Equal(decimal.NewFromInt(1)) {
		t.Errorf("normalized pair sums to %s, want 1", sum)
	}

	// Degenerate zero total passes through.
	a, b = RemoveVig(decimal.Zero, decimal.Zero)
	if !a.Equal(decimal.Zero) || !b.Equal(decimal.Zero) {
		t.Errorf("RemoveVig(0, 0) = (%s, %s), want zeros", a, b)
	}
}
