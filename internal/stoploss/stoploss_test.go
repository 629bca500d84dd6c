package stoploss

import (
	"math"
	"testing"
)

func assertClose(t *testing.T, label string, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s: got %.6f, want %.6f (tol=%.6f, diff=%.6f)", label, got, want, tol, math.Abs(got-want))
	}
}

func TestCalculateEMA_Empty(t *testing.T) {
	for _, period := range []int{9, 10, 20} {
		if got := CalculateEMA(nil, period); got != 0 {
			t.Errorf("EMA(empty, %d): got %v, want 0", period, got)
		}
		if got := CalculateEMA([]float64{}, period); got != 0 {
			t.Errorf("EMA([], %d): got %v, want 0", period, got)
		}
	}
}

func TestCalculateEMA_SingleElement(t *testing.T) {
	// With one price the seed is the result, regardless of period.
	for _, period := range []int{1, 9, 10, 20} {
		if got := CalculateEMA([]float64{104.37}, period); got != 104.37 {
			t.Errorf("EMA([104.37], %d): got %v, want 104.37", period, got)
		}
	}
}

func TestCalculateEMA_Correctness_Period10(t *testing.T) {
	// Hand-verified recurrence: seed 100, k = 2/11 ≈ 0.1818, applied over
	// the remaining nine prices, rounded to 2 decimals.
	prices := []float64{100, 102, 101, 105, 107, 110, 108, 112, 115, 118}
	assertClose(t, "EMA(10)", CalculateEMA(prices, 10), 109.43, 0.0001)
}

func TestCalculateEMA_Correctness_Period3(t *testing.T) {
	// Prices: 100, 102, 104. k = 0.5.
	// ema1 = 102*0.5 + 100*0.5 = 101
	// ema2 = 104*0.5 + 101*0.5 = 102.5
	assertClose(t, "EMA(3)", CalculateEMA([]float64{100, 102, 104}, 3), 102.5, 0.0001)
}

func TestCalculateEMA_ShortInput(t *testing.T) {
	// Fewer prices than the period still computes, with k from the
	// nominal period. Prices: 100, 110 with period 10 → 100 + 10*2/11.
	got := CalculateEMA([]float64{100, 110}, 10)
	assertClose(t, "EMA short input", got, 101.82, 0.0001)
}

func TestCalculateEMA_OrderSensitive(t *testing.T) {
	prices := []float64{100, 102, 101, 105, 107, 110, 108, 112, 115, 118}
	reversed := make([]float64, len(prices))
	for i, p := range prices {
		reversed[len(prices)-1-i] = p
	}

	forward := CalculateEMA(prices, 10)
	backward := CalculateEMA(reversed, 10)
	if forward == backward {
		t.Errorf("EMA must be order-sensitive: forward=%v backward=%v", forward, backward)
	}
}

func TestSuggestStopLoss_MatchesEMAIdentity(t *testing.T) {
	cases := []struct {
		name      string
		prices    []float64
		period    int
		bufferPct float64
	}{
		{"period10 default buffer", []float64{100, 102, 101, 105, 107, 110, 108, 112, 115, 118}, 10, 0.6},
		{"period20 wide buffer", []float64{250, 251, 249, 255, 260, 258, 262, 261, 263, 266}, 20, 1.5},
		{"period9 short series", []float64{95.5, 96.25, 97}, 9, 0.6},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ema := CalculateEMA(tc.prices, tc.period)
			want := Round2(ema * (1 - tc.bufferPct/100))
			got := SuggestStopLoss(tc.prices, tc.period, tc.bufferPct)
			assertClose(t, "stop-loss identity", got, want, 0.0001)
		})
	}
}

func TestSuggestStopLoss_ZeroBuffer(t *testing.T) {
	prices := []float64{100, 102, 101, 105, 107}
	got := SuggestStopLoss(prices, 10, 0)
	assertClose(t, "zero buffer equals EMA", got, CalculateEMA(prices, 10), 0.0001)
}

func TestSuggestStopLoss_RegressionFixture(t *testing.T) {
	// End-to-end fixture: EMA(10) of the series is 109.43; default 0.6%
	// buffer puts the trigger at round2(109.43 - 109.43*0.006) = 108.77.
	prices := []float64{100, 102, 101, 105, 107, 110, 108, 112, 115, 118}
	assertClose(t, "stop-loss fixture", SuggestStopLoss(prices, 10, DefaultBufferPct), 108.77, 0.0001)
}

func TestNormalizePeriod(t *testing.T) {
	cases := map[int]int{
		9:   9,
		10:  10,
		20:  20,
		0:   DefaultPeriod,
		-5:  DefaultPeriod,
		15:  DefaultPeriod,
		200: DefaultPeriod,
	}
	for in, want := range cases {
		if got := NormalizePeriod(in); got != want {
			t.Errorf("NormalizePeriod(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestRound2(t *testing.T) {
	cases := map[float64]float64{
		109.4331: 109.43,
		108.775:  108.78,
		0.125:    0.13,  // exact binary half, rounds away from zero
		-0.125:   -0.13,
	}
	for in, want := range cases {
		got := Round2(in)
		assertClose(t, "Round2", got, want, 0.000001)
	}
}
