package api

import (
	"encoding/json"
	"net/http"

	"stopsafe/internal/enrich"
	"stopsafe/internal/model"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// holdingsResponse carries enriched holdings plus the parameters that
// produced the levels, so the dashboard can label them.
type holdingsResponse struct {
	Holdings  []enrich.Holding `json:"holdings"`
	Periods   []int            `json:"periods"`
	BufferPct float64          `json:"bufferPct"`
}

type positionsResponse struct {
	Positions []enrich.Position `json:"positions"`
	Periods   []int             `json:"periods"`
	BufferPct float64           `json:"bufferPct"`
}

// syncResponse is the combined portfolio payload, also broadcast on /ws.
type syncResponse struct {
	Holdings  []enrich.Holding  `json:"holdings"`
	Positions []enrich.Position `json:"positions"`
	Periods   []int             `json:"periods"`
	BufferPct float64           `json:"bufferPct"`
	SyncedAt  string            `json:"syncedAt"`
}

type orderRequest struct {
	Broker          string  `json:"broker"`
	Symbol          string  `json:"symbol"`
	Token           string  `json:"token"`
	Exchange        string  `json:"exchange"`
	Qty             int64   `json:"qty"`
	TriggerPrice    float64 `json:"triggerPrice"`
	ProductCode     string  `json:"productCode"`
	TransactionType string  `json:"transactionType"`
	Tag             string  `json:"tag"`
}

func (r orderRequest) toModel() model.StopLossOrder {
	return model.StopLossOrder{
		Symbol:          r.Symbol,
		Token:           r.Token,
		Exchange:        r.Exchange,
		Qty:             r.Qty,
		TriggerPrice:    r.TriggerPrice,
		ProductCode:     r.ProductCode,
		TransactionType: r.TransactionType,
		Tag:             r.Tag,
	}
}

// modifyOrderRequest re-submits an open order with new parameters.
type modifyOrderRequest struct {
	orderRequest
	OrderNo string `json:"orderNo"`
}

type orderResponse struct {
	OrderID string `json:"orderId"`
	Broker  string `json:"broker"`
}

type brokerStatus struct {
	Name     string `json:"name"`
	LoggedIn bool   `json:"loggedIn"`
}

// kotakSettingsRequest mirrors model.KotakSettings with JSON names the
// dashboard uses.
type kotakSettingsRequest struct {
	AccessToken  string `json:"accessToken"`
	MobileNumber string `json:"mobileNumber"`
	UCC          string `json:"ucc"`
	MPIN         string `json:"mpin"`
	TOTPSecret   string `json:"totpSecret"`
}

type aliceSettingsRequest struct {
	UserID    string `json:"userId"`
	APIKey    string `json:"apiKey"`
	APISecret string `json:"apiSecret"`
}

// settingsStatus reports which credential fields are on file without
// echoing secrets back.
type settingsStatus struct {
	Configured bool              `json:"configured"`
	Fields     map[string]bool   `json:"fields,omitempty"`
	Hints      map[string]string `json:"hints,omitempty"`
}

// mask keeps the last four characters for recognition.
func mask(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}
