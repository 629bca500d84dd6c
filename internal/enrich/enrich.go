// Package enrich attaches EMA and suggested stop-loss levels to broker
// holdings and positions.
//
// Two history paths feed the calculation. Brokers with a historical-candle
// endpoint supply a chronological daily-close series per instrument, used
// directly. Brokers that only return point snapshots have each snapshot
// price accumulated in a pricehistory.Store, whose tail is used instead.
// The two paths produce different statistical characters (daily-close EMA
// vs. polled-snapshot EMA) under the same field names; both are kept.
package enrich

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"stopsafe/internal/model"
	"stopsafe/internal/pricehistory"
	"stopsafe/internal/stoploss"
)

// Level carries the derived values for one EMA period. Both pointers are
// nil when the available history is shorter than the period — the
// suggestion is withheld rather than computed on an unrepresentative
// window. A UI must render that as "not enough data", never as zero.
type Level struct {
	EMA      *float64 `json:"ema"`
	StopLoss *float64 `json:"suggested_stop_loss"`
}

// Holding is a broker holding with per-period stop-loss levels attached.
type Holding struct {
	model.Holding
	Levels map[int]Level `json:"levels"`
}

// Position is a broker position with per-period stop-loss levels attached.
type Position struct {
	model.Position
	Levels map[int]Level `json:"levels"`
}

const (
	defaultLookbackDays = 30
	defaultFetchTimeout = 20 * time.Second
)

// Config tunes the enricher. Zero values pick the defaults above; a zero
// BufferPct means stoploss.DefaultBufferPct.
type Config struct {
	BufferPct    float64
	LookbackDays int
	FetchTimeout time.Duration
}

// Enricher orchestrates history lookup, gating and level computation.
type Enricher struct {
	history *pricehistory.Store
	candles model.CandleSource
	log     *slog.Logger
	cfg     Config

	// Metric hooks, wired by the caller. May be nil.
	OnInsufficientHistory func()
	OnHistoryFetchError   func()
	OnPriceRecorded       func()
}

// New creates an Enricher. candles may be nil when only the snapshot path
// is used; history must not be nil.
func New(history *pricehistory.Store, candles model.CandleSource, log *slog.Logger, cfg Config) *Enricher {
	if cfg.BufferPct == 0 {
		cfg.BufferPct = stoploss.DefaultBufferPct
	}
	if cfg.LookbackDays == 0 {
		cfg.LookbackDays = defaultLookbackDays
	}
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Enricher{
		history: history,
		candles: candles,
		log:     log,
		cfg:     cfg,
	}
}

// EnrichHoldings attaches levels for each requested period using the
// broker-history path. Holdings that arrive without a price history get one
// fetched from the candle source; the fetches run concurrently, each under
// its own timeout, and a failed fetch degrades that one instrument to an
// empty series instead of failing the batch.
func (e *Enricher) EnrichHoldings(ctx context.Context, holdings []model.Holding, periods []int) []Holding {
	out := make([]Holding, len(holdings))

	var wg sync.WaitGroup
	for i := range holdings {
		out[i].Holding = holdings[i]
		if len(holdings[i].PriceHistory) > 0 || holdings[i].Token == "" || e.candles == nil {
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out[i].PriceHistory = e.fetchCloses(ctx, holdings[i].Exchange, holdings[i].Token)
		}(i)
	}
	wg.Wait()

	for i := range out {
		out[i].Levels = e.levels(out[i].PriceHistory, periods)
	}
	return out
}

// EnrichPositions mirrors EnrichHoldings for positions.
func (e *Enricher) EnrichPositions(ctx context.Context, positions []model.Position, periods []int) []Position {
	out := make([]Position, len(positions))

	var wg sync.WaitGroup
	for i := range positions {
		out[i].Position = positions[i]
		if len(positions[i].PriceHistory) > 0 || positions[i].Token == "" || e.candles == nil {
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out[i].PriceHistory = e.fetchCloses(ctx, positions[i].Exchange, positions[i].Token)
		}(i)
	}
	wg.Wait()

	for i := range out {
		out[i].Levels = e.levels(out[i].PriceHistory, periods)
	}
	return out
}

// EnrichSnapshots attaches levels using the snapshot path: each holding's
// last traded price is recorded into the rolling buffer, then the buffer
// tail serves as the series. Used for brokers without a historical endpoint.
func (e *Enricher) EnrichSnapshots(holdings []model.Holding, periods []int) []Holding {
	out := make([]Holding, len(holdings))
	for i, h := range holdings {
		out[i].Holding = h
		if h.Symbol != "" {
			if e.history.Record(h.Symbol, h.LastTradedPrice) && e.OnPriceRecorded != nil {
				e.OnPriceRecorded()
			}
		}

		// Each period reads its own tail so EMA-10 sees at most 10 samples
		// even when more are buffered.
		levels := make(map[int]Level, len(periods))
		for _, period := range periods {
			levels[period] = e.levelFor(e.history.History(h.Symbol, period), period)
		}
		out[i].Levels = levels
	}
	return out
}

// fetchCloses pulls the daily close series for one instrument, degrading
// to an empty series on any failure.
func (e *Enricher) fetchCloses(ctx context.Context, exchange, token string) []float64 {
	fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	closes, err := e.candles.DailyCloses(fetchCtx, exchange, token, e.cfg.LookbackDays)
	if err != nil {
		if e.OnHistoryFetchError != nil {
			e.OnHistoryFetchError()
		}
		e.log.Warn("historical fetch failed, degrading to empty series",
			slog.String("exchange", exchange),
			slog.String("token", token),
			slog.Any("err", err))
		return nil
	}
	return closes
}

// levels computes one Level per requested period, gating each period
// independently on len(prices) >= period.
func (e *Enricher) levels(prices []float64, periods []int) map[int]Level {
	out := make(map[int]Level, len(periods))
	for _, period := range periods {
		out[period] = e.levelFor(prices, period)
	}
	return out
}

func (e *Enricher) levelFor(prices []float64, period int) Level {
	var lv Level
	if len(prices) >= period {
		ema := stoploss.CalculateEMA(prices, period)
		sl := stoploss.SuggestStopLoss(prices, period, e.cfg.BufferPct)
		lv.EMA = &ema
		lv.StopLoss = &sl
	} else if e.OnInsufficientHistory != nil {
		e.OnInsufficientHistory()
	}
	return lv
}
