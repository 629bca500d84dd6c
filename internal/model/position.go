package model

// Position represents an open, possibly intraday, net exposure in an
// instrument. NetQty is signed: positive = long, negative = short.
type Position struct {
	Symbol          string  `json:"symbol"`
	Exchange        string  `json:"exchange"`
	Token           string  `json:"token,omitempty"`
	NetQty          int64   `json:"net_qty"`
	BuyQty          int64   `json:"buy_qty"`
	SellQty         int64   `json:"sell_qty"`
	LastTradedPrice float64 `json:"last_traded_price"`
	AvgBuyPrice     float64 `json:"avg_buy_price"`
	AvgSellPrice    float64 `json:"avg_sell_price"`
	RealizedPnL     float64 `json:"realized_pnl"`
	UnrealizedPnL   float64 `json:"unrealized_pnl"`

	// PriceHistory mirrors Holding.PriceHistory.
	PriceHistory []float64 `json:"-"`
}
