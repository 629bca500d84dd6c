package enrich

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"testing"

	"stopsafe/internal/model"
	"stopsafe/internal/pricehistory"
	"stopsafe/internal/stoploss"
)

// fakeCandleSource serves canned close series keyed by "exchange:token".
type fakeCandleSource struct {
	closes map[string][]float64
	errs   map[string]error
	calls  atomic.Int64
}

func (f *fakeCandleSource) DailyCloses(ctx context.Context, exchange, token string, days int) ([]float64, error) {
	f.calls.Add(1)
	key := exchange + ":" + token
	if err, ok := f.errs[key]; ok {
		return nil, err
	}
	return f.closes[key], nil
}

func holding(symbol, token string, ltp float64) model.Holding {
	return model.Holding{
		Symbol:          symbol,
		Exchange:        "NSE",
		Token:           token,
		Quantity:        10,
		LastTradedPrice: ltp,
	}
}

func seq(n int, start float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)
	}
	return out
}

func TestEnrichHoldings_UsesBrokerHistory(t *testing.T) {
	src := &fakeCandleSource{closes: map[string][]float64{
		"NSE:3045": seq(30, 100),
	}}
	e := New(pricehistory.New(), src, nil, Config{})

	got := e.EnrichHoldings(context.Background(), []model.Holding{holding("SBIN-EQ", "3045", 129)}, []int{10, 20})
	if len(got) != 1 {
		t.Fatalf("expected 1 enriched holding, got %d", len(got))
	}

	for _, period := range []int{10, 20} {
		lv := got[0].Levels[period]
		if lv.EMA == nil || lv.StopLoss == nil {
			t.Fatalf("period %d: expected populated levels with 30 closes", period)
		}
		wantEMA := stoploss.CalculateEMA(seq(30, 100), period)
		if *lv.EMA != wantEMA {
			t.Errorf("period %d: ema got %v, want %v", period, *lv.EMA, wantEMA)
		}
		wantSL := stoploss.SuggestStopLoss(seq(30, 100), period, stoploss.DefaultBufferPct)
		if *lv.StopLoss != wantSL {
			t.Errorf("period %d: stop-loss got %v, want %v", period, *lv.StopLoss, wantSL)
		}
	}
}

func TestEnrichHoldings_FetchErrorDegradesToEmpty(t *testing.T) {
	src := &fakeCandleSource{
		closes: map[string][]float64{"NSE:3045": seq(30, 100)},
		errs:   map[string]error{"NSE:11536": errors.New("502 from chart api")},
	}
	e := New(pricehistory.New(), src, nil, Config{})

	var fetchErrs atomic.Int64
	e.OnHistoryFetchError = func() { fetchErrs.Add(1) }

	got := e.EnrichHoldings(context.Background(), []model.Holding{
		holding("SBIN-EQ", "3045", 129),
		holding("TCS-EQ", "11536", 3300),
	}, []int{10})

	// The failing instrument degrades to nil levels; the batch survives.
	if got[0].Levels[10].EMA == nil {
		t.Error("healthy instrument should still be enriched")
	}
	if got[1].Levels[10].EMA != nil || got[1].Levels[10].StopLoss != nil {
		t.Error("failed fetch must yield nil levels, not a stale or zero value")
	}
	if fetchErrs.Load() != 1 {
		t.Errorf("expected 1 fetch error hook call, got %d", fetchErrs.Load())
	}
}

func TestEnrichHoldings_PreSuppliedHistorySkipsFetch(t *testing.T) {
	src := &fakeCandleSource{}
	e := New(pricehistory.New(), src, nil, Config{})

	h := holding("INFY-EQ", "1594", 1500)
	h.PriceHistory = seq(12, 1490)

	got := e.EnrichHoldings(context.Background(), []model.Holding{h}, []int{10})
	if src.calls.Load() != 0 {
		t.Errorf("expected no candle fetches, got %d", src.calls.Load())
	}
	if got[0].Levels[10].EMA == nil {
		t.Error("expected levels from the supplied history")
	}
}

func TestEnrichHoldings_ManyInstrumentsConcurrently(t *testing.T) {
	closes := make(map[string][]float64)
	holdings := make([]model.Holding, 25)
	for i := range holdings {
		tok := fmt.Sprintf("%d", 1000+i)
		closes["NSE:"+tok] = seq(30, float64(100+i))
		holdings[i] = holding(fmt.Sprintf("SYM%d-EQ", i), tok, 100)
	}
	src := &fakeCandleSource{closes: closes}
	e := New(pricehistory.New(), src, nil, Config{})

	got := e.EnrichHoldings(context.Background(), holdings, []int{10})
	if src.calls.Load() != 25 {
		t.Fatalf("expected 25 fetches, got %d", src.calls.Load())
	}
	for i := range got {
		lv := got[i].Levels[10]
		if lv.EMA == nil {
			t.Fatalf("instrument %d: missing levels", i)
		}
		want := stoploss.CalculateEMA(closes["NSE:"+got[i].Token], 10)
		if *lv.EMA != want {
			t.Errorf("instrument %d: ema got %v, want %v (history mixed up across goroutines?)", i, *lv.EMA, want)
		}
	}
}

func TestEnrichPositions_FailureIsPerInstrument(t *testing.T) {
	src := &fakeCandleSource{
		closes: map[string][]float64{"NSE:3045": seq(30, 200)},
		errs:   map[string]error{"NSE:11536": context.DeadlineExceeded},
	}
	e := New(pricehistory.New(), src, nil, Config{})

	got := e.EnrichPositions(context.Background(), []model.Position{
		{Symbol: "SBIN-EQ", Exchange: "NSE", Token: "3045", NetQty: 5, LastTradedPrice: 229},
		{Symbol: "TCS-EQ", Exchange: "NSE", Token: "11536", NetQty: -2, LastTradedPrice: 3300},
	}, []int{10})

	if got[0].Levels[10].EMA == nil {
		t.Error("healthy position should be enriched")
	}
	if got[1].Levels[10].EMA != nil {
		t.Error("timed-out position must degrade to nil levels")
	}
}

func TestEnrichSnapshots_GatesOnInsufficientHistory(t *testing.T) {
	store := pricehistory.New()
	e := New(store, nil, nil, Config{})

	var gated atomic.Int64
	e.OnInsufficientHistory = func() { gated.Add(1) }

	// Record 4 snapshots, then enrich records the 5th: only 5 samples with
	// period 10 requested → withheld, even though CalculateEMA itself would
	// return a number for 5 prices.
	for _, p := range []float64{100, 101, 102, 103} {
		store.Record("SBIN-EQ", p)
	}
	got := e.EnrichSnapshots([]model.Holding{holding("SBIN-EQ", "3045", 104)}, []int{10})

	lv := got[0].Levels[10]
	if lv.EMA != nil || lv.StopLoss != nil {
		t.Errorf("expected nil levels with 5 of 10 samples, got ema=%v sl=%v", lv.EMA, lv.StopLoss)
	}
	if gated.Load() != 1 {
		t.Errorf("expected 1 gate hook call, got %d", gated.Load())
	}
	if store.Len("SBIN-EQ") != 5 {
		t.Errorf("snapshot price should have been recorded, len=%d", store.Len("SBIN-EQ"))
	}
}

func TestEnrichSnapshots_IndependentPeriodGating(t *testing.T) {
	store := pricehistory.New()
	e := New(store, nil, nil, Config{})

	// 14 recorded + 1 from enrichment = 15 samples: period 10 qualifies,
	// period 20 does not.
	for i := 0; i < 14; i++ {
		store.Record("TCS-EQ", 3300+float64(i))
	}
	got := e.EnrichSnapshots([]model.Holding{holding("TCS-EQ", "11536", 3314)}, []int{10, 20})

	lv10 := got[0].Levels[10]
	lv20 := got[0].Levels[20]
	if lv10.EMA == nil || lv10.StopLoss == nil {
		t.Error("period 10 should be populated with 15 samples")
	}
	if lv20.EMA != nil || lv20.StopLoss != nil {
		t.Error("period 20 should be withheld with 15 samples")
	}

	// Period 10 reads its own 10-sample tail, not all 15.
	want := stoploss.CalculateEMA(store.History("TCS-EQ", 10), 10)
	if *lv10.EMA != want {
		t.Errorf("period 10 ema: got %v, want %v", *lv10.EMA, want)
	}
}

func TestEnrichSnapshots_NonFinitePriceNotRecorded(t *testing.T) {
	store := pricehistory.New()
	e := New(store, nil, nil, Config{})

	h := holding("BAD-EQ", "1", math.NaN())
	e.EnrichSnapshots([]model.Holding{h}, []int{10})

	if store.Len("BAD-EQ") != 0 {
		t.Errorf("NaN snapshot must not enter the buffer, len=%d", store.Len("BAD-EQ"))
	}
}
