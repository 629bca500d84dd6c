// Package pricehistory maintains a bounded, per-symbol chronological buffer
// of observed prices. Broker snapshot endpoints return only a point-in-time
// price per poll; accumulating observations locally lets the EMA compute
// against more than one sample even when the broker's historical-candle
// endpoint is unavailable for a symbol.
package pricehistory

import (
	"math"
	"sync"
)

// MaxEntries is the per-symbol capacity. Exceeding it evicts oldest first.
const MaxEntries = 200

// series is a preallocated circular buffer of prices for one symbol.
type series struct {
	buf   []float64
	idx   int // next write position
	count int // total values received, saturates at len(buf) for reads
}

func newSeries(capacity int) *series {
	return &series{buf: make([]float64, capacity)}
}

func (s *series) push(price float64) {
	s.buf[s.idx] = price
	s.idx = (s.idx + 1) % len(s.buf)
	s.count++
}

// len returns the number of retained entries (≤ capacity).
func (s *series) len() int {
	if s.count > len(s.buf) {
		return len(s.buf)
	}
	return s.count
}

// tail copies the most recent n entries, oldest first.
func (s *series) tail(n int) []float64 {
	retained := s.len()
	if n > retained {
		n = retained
	}
	out := make([]float64, n)
	// idx points one past the newest entry
	start := s.idx - n
	if start < 0 {
		start += len(s.buf)
	}
	for i := 0; i < n; i++ {
		out[i] = s.buf[(start+i)%len(s.buf)]
	}
	return out
}

// Store is a process-wide price buffer keyed by symbol. A single mutex
// serializes appends; the buffers are small and appends are cheap, so
// contention is negligible. Instantiate one per process (or per test).
type Store struct {
	mu       sync.Mutex
	capacity int
	symbols  map[string]*series
}

// New creates an empty store with the default per-symbol capacity.
func New() *Store {
	return NewWithCapacity(MaxEntries)
}

// NewWithCapacity creates an empty store with a custom per-symbol capacity.
// Capacity below 1 is clamped to 1.
func NewWithCapacity(capacity int) *Store {
	if capacity < 1 {
		capacity = 1
	}
	return &Store{
		capacity: capacity,
		symbols:  make(map[string]*series),
	}
}

// Record appends price to the symbol's series and reports whether it was
// accepted. Non-finite prices (NaN, ±Inf) are dropped. When the series is
// full the oldest entry is evicted.
func (st *Store) Record(symbol string, price float64) bool {
	if math.IsNaN(price) || math.IsInf(price, 0) {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.symbols[symbol]
	if !ok {
		s = newSeries(st.capacity)
		st.symbols[symbol] = s
	}
	s.push(price)
	return true
}

// History returns the last max(period, 1) recorded prices for symbol,
// oldest first. Unknown symbols yield an empty slice. The result is never
// padded: its length is ≤ period and ≤ the current series length.
func (st *Store) History(symbol string, period int) []float64 {
	if period < 1 {
		period = 1
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.symbols[symbol]
	if !ok {
		return []float64{}
	}
	return s.tail(period)
}

// Len returns the number of retained entries for symbol.
func (st *Store) Len(symbol string) int {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.symbols[symbol]
	if !ok {
		return 0
	}
	return s.len()
}
