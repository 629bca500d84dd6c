package model

// StopLossOrder is a request to place a protective SL-M exit order at a
// trigger price derived from the EMA suggestion.
type StopLossOrder struct {
	Symbol          string  `json:"symbol"`
	Token           string  `json:"token"`
	Exchange        string  `json:"exchange"` // NSE, BSE, NFO, MCX, BFO, CDS
	Qty             int64   `json:"qty"`
	TriggerPrice    float64 `json:"trigger_price"`
	ProductCode     string  `json:"product_code"`     // MIS, CNC, NRML
	TransactionType string  `json:"transaction_type"` // BUY, SELL
	Tag             string  `json:"tag,omitempty"`
}

// Validate reports the first missing required field, or "" if complete.
func (o *StopLossOrder) Validate() string {
	switch {
	case o.Symbol == "":
		return "symbol"
	case o.Token == "":
		return "token"
	case o.Exchange == "":
		return "exchange"
	case o.Qty <= 0:
		return "qty"
	case o.TriggerPrice <= 0:
		return "trigger_price"
	case o.ProductCode == "":
		return "product_code"
	case o.TransactionType == "":
		return "transaction_type"
	}
	return ""
}
