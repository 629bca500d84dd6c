package model

// Holding represents a settled, owned quantity of an instrument in a
// brokerage account.
type Holding struct {
	Symbol          string  `json:"symbol"`
	Exchange        string  `json:"exchange"`
	Token           string  `json:"token,omitempty"` // instrument token, used for order placement
	Quantity        int64   `json:"quantity"`
	AvgPrice        float64 `json:"avg_price"`
	LastTradedPrice float64 `json:"last_traded_price"`
	DayChangePct    float64 `json:"day_change_pct"`

	// PriceHistory is the chronological close-price series fetched from the
	// broker's historical endpoint, oldest first. Empty when unavailable.
	PriceHistory []float64 `json:"-"`
}
