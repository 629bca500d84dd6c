package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"stopsafe/config"
	"stopsafe/internal/broker"
	"stopsafe/internal/model"
	"stopsafe/internal/pricehistory"
	"stopsafe/internal/stoploss"
	"stopsafe/internal/store/memory"
	"stopsafe/pkg/aliceblue"
	"stopsafe/pkg/kotakneo"
)

type fakeSettings struct {
	kotak     map[string]model.KotakSettings
	aliceblue map[string]model.AliceBlueSettings
}

func newFakeSettings() *fakeSettings {
	return &fakeSettings{
		kotak:     make(map[string]model.KotakSettings),
		aliceblue: make(map[string]model.AliceBlueSettings),
	}
}

func (f *fakeSettings) SaveKotakSettings(_ context.Context, userID string, s model.KotakSettings) error {
	f.kotak[userID] = s
	return nil
}

func (f *fakeSettings) KotakSettings(_ context.Context, userID string) (model.KotakSettings, bool, error) {
	s, ok := f.kotak[userID]
	return s, ok, nil
}

func (f *fakeSettings) SaveAliceBlueSettings(_ context.Context, userID string, s model.AliceBlueSettings) error {
	f.aliceblue[userID] = s
	return nil
}

func (f *fakeSettings) AliceBlueSettings(_ context.Context, userID string) (model.AliceBlueSettings, bool, error) {
	s, ok := f.aliceblue[userID]
	return s, ok, nil
}

func (f *fakeSettings) Close() error { return nil }

// env is a full API stack wired to fake broker backends.
type env struct {
	api      *httptest.Server
	settings *fakeSettings
	sessions *memory.Store
}

func brokerJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

// fakeAliceServer serves login, portfolio, chart, and order endpoints with
// a fixed 30-close daily series.
func fakeAliceServer(t *testing.T, closes []float64) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/vendor/getUserDetails", func(w http.ResponseWriter, r *http.Request) {
		brokerJSON(w, map[string]string{"stat": "Ok", "userSession": "ab-sess", "clientId": "AB1"})
	})
	mux.HandleFunc("/positionAndHoldings/holdings", func(w http.ResponseWriter, r *http.Request) {
		brokerJSON(w, map[string]any{
			"stat": "Ok",
			"HoldingVal": []map[string]string{
				{"Tradingsymbol": "RELIANCE-EQ", "Exchange": "NSE", "Token": "2885", "HoldingQuantity": "10", "Price": "2400", "LTP": "2500"},
			},
		})
	})
	mux.HandleFunc("/positionAndHoldings/positionBook", func(w http.ResponseWriter, r *http.Request) {
		brokerJSON(w, map[string]any{
			"stat": "Ok",
			"PositionDetail": []map[string]string{
				{"Symbol": "TCS-EQ", "Exchange": "NSE", "Token": "11536", "Netqty": "5", "LTP": "3900"},
			},
		})
	})
	mux.HandleFunc("/ChartAPIService/api/chart/history", func(w http.ResponseWriter, r *http.Request) {
		candles := make([]map[string]any, len(closes))
		for i, c := range closes {
			candles[i] = map[string]any{"time": fmt.Sprintf("day-%d", i), "close": c}
		}
		brokerJSON(w, map[string]any{"stat": "Ok", "result": candles})
	})
	mux.HandleFunc("/placeOrder/executePlaceOrder", func(w http.ResponseWriter, r *http.Request) {
		brokerJSON(w, map[string]string{"stat": "Ok", "NOrdNo": "ORD-1"})
	})
	mux.HandleFunc("/v1/userAndFunds/getEncryptionKey", func(w http.ResponseWriter, r *http.Request) {
		brokerJSON(w, map[string]string{"stat": "Ok", "encKey": "enc-1"})
	})
	mux.HandleFunc("/v1/userAndFunds/generateSessionId", func(w http.ResponseWriter, r *http.Request) {
		brokerJSON(w, map[string]string{"stat": "Ok", "sessionID": "legacy-sess"})
	})
	mux.HandleFunc("/profile/displayProfile", func(w http.ResponseWriter, r *http.Request) {
		brokerJSON(w, map[string]string{"stat": "Ok", "accountName": "Test Account", "email": "t@example.com"})
	})
	mux.HandleFunc("/userAndFunds/cashMargin", func(w http.ResponseWriter, r *http.Request) {
		brokerJSON(w, map[string]string{"stat": "Ok", "net": "15000.50", "cashmarginavailable": "12000"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// fakeKotakServer serves login, holdings, scrips, and order endpoints; the
// LTP comes from the ltp pointer so tests can move the price between
// requests. The login payloads carry the fake's own URL as baseUrl so every
// subsequent trade call stays inside the fixture.
func fakeKotakServer(t *testing.T, ltp *float64) *httptest.Server {
	t.Helper()
	var baseURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/login/1.0/tradeApiLogin", func(w http.ResponseWriter, r *http.Request) {
		brokerJSON(w, map[string]any{"data": map[string]string{"token": "view", "sid": "sid-1", "baseUrl": baseURL}})
	})
	mux.HandleFunc("/login/1.0/tradeApiValidate", func(w http.ResponseWriter, r *http.Request) {
		brokerJSON(w, map[string]any{"data": map[string]string{"token": "trade", "sid": "sid-2", "baseUrl": baseURL}})
	})
	mux.HandleFunc("/portfolio/v1/holdings", func(w http.ResponseWriter, r *http.Request) {
		brokerJSON(w, map[string]any{
			"data": []map[string]any{
				{"displaySymbol": "INFY", "exchangeSegment": "nse_cm", "quantity": 12, "closingPrice": *ltp},
			},
		})
	})
	mux.HandleFunc("/masterscrip/v1/file-paths", func(w http.ResponseWriter, r *http.Request) {
		brokerJSON(w, map[string]any{"data": map[string]any{"filesPaths": []string{"https://files.example/nse_cm.csv"}}})
	})
	mux.HandleFunc("/quick/order/vr/modify", func(w http.ResponseWriter, r *http.Request) {
		brokerJSON(w, map[string]any{"data": map[string]string{"result": "modified"}})
	})
	mux.HandleFunc("/quick/order/cancel", func(w http.ResponseWriter, r *http.Request) {
		brokerJSON(w, map[string]any{"data": map[string]string{"result": "cancelled"}})
	})
	srv := httptest.NewServer(mux)
	baseURL = srv.URL
	t.Cleanup(srv.Close)
	return srv
}

func newEnv(t *testing.T, aliceURL, kotakURL string) *env {
	t.Helper()

	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Brokers.AliceBlue.BaseURL = aliceURL
	cfg.Brokers.KotakNeo.LoginBaseURL = kotakURL

	settings := newFakeSettings()
	sessions := memory.New()
	history := pricehistory.New()

	alice := broker.NewAliceBlue(aliceblue.New(aliceblue.Config{BaseURL: aliceURL}), settings, sessions, nil)
	kotak := broker.NewKotakNeo(kotakneo.New(kotakneo.Config{LoginBaseURL: kotakURL}), settings, sessions, nil)

	s := NewServer(Deps{
		Config:   cfg,
		Alice:    alice,
		Kotak:    kotak,
		Registry: broker.NewRegistry(alice, kotak),
		Settings: settings,
		History:  history,
		Hub:      NewHub(nil, nil),
	})
	api := httptest.NewServer(s.Routes())
	t.Cleanup(api.Close)
	return &env{api: api, settings: settings, sessions: sessions}
}

func (e *env) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(e.api.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (e *env) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.api.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestSettings_SaveAndMaskedStatus(t *testing.T) {
	e := newEnv(t, "http://alice.invalid", "http://kotak.invalid")

	resp := e.post(t, "/api/settings/kotak", kotakSettingsRequest{
		AccessToken:  "portal-token-abcd",
		MobileNumber: "+919999990000",
		UCC:          "ZZ999",
		MPIN:         "123456",
		TOTPSecret:   "JBSWY3DPEHPK3PXP",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("save status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	status := decode[settingsStatus](t, e.get(t, "/api/settings/kotak"))
	if !status.Configured {
		t.Fatal("Configured = false after save")
	}
	if !status.Fields["totpSecret"] || !status.Fields["mpin"] {
		t.Errorf("fields = %v", status.Fields)
	}
	if status.Hints["mobileNumber"] != "****0000" {
		t.Errorf("mobile hint = %q, want masked tail", status.Hints["mobileNumber"])
	}
	if _, leaked := status.Hints["totpSecret"]; leaked {
		t.Error("totp secret echoed back")
	}

	// Missing fields rejected.
	resp = e.post(t, "/api/settings/kotak", kotakSettingsRequest{AccessToken: "x"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("partial save status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestKotak_LoginAndSnapshotHoldings(t *testing.T) {
	ltp := 100.0
	kotakSrv := fakeKotakServer(t, &ltp)
	e := newEnv(t, "http://alice.invalid", kotakSrv.URL)

	e.settings.kotak["default"] = model.KotakSettings{
		AccessToken:  "portal",
		MobileNumber: "+911111111111",
		UCC:          "AA111",
		MPIN:         "123456",
		TOTPSecret:   "JBSWY3DPEHPK3PXP",
	}

	// Holdings before login: 401.
	resp := e.get(t, "/api/brokers/kotak/holdings")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("pre-login status = %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()

	resp = e.post(t, "/api/brokers/kotak/login", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	// First snapshot: one sample, below period 9, levels withheld.
	got := decode[holdingsResponse](t, e.get(t, "/api/brokers/kotak/holdings?period=9"))
	if len(got.Holdings) != 1 {
		t.Fatalf("got %d holdings", len(got.Holdings))
	}
	if lv := got.Holdings[0].Levels[9]; lv.EMA != nil || lv.StopLoss != nil {
		t.Errorf("levels after one sample = %+v, want nils", lv)
	}

	// Poll until nine samples have accumulated; the buffer fills one price
	// per request and levels appear on the ninth.
	prices := []float64{100}
	for _, p := range []float64{101, 103, 102, 105, 107, 106, 109, 111} {
		ltp = p
		prices = append(prices, p)
		got = decode[holdingsResponse](t, e.get(t, "/api/brokers/kotak/holdings?period=9"))
	}
	lv := got.Holdings[0].Levels[9]
	if lv.EMA == nil || lv.StopLoss == nil {
		t.Fatal("levels missing after nine samples")
	}
	wantEMA := stoploss.CalculateEMA(prices, 9)
	wantSL := stoploss.SuggestStopLoss(prices, 9, got.BufferPct)
	if *lv.EMA != wantEMA || *lv.StopLoss != wantSL {
		t.Errorf("levels = %v/%v, want %v/%v", *lv.EMA, *lv.StopLoss, wantEMA, wantSL)
	}

	// Invalid period falls back to the default.
	got = decode[holdingsResponse](t, e.get(t, "/api/brokers/kotak/holdings?period=7"))
	if got.Periods[0] != stoploss.DefaultPeriod {
		t.Errorf("period = %d, want default %d", got.Periods[0], stoploss.DefaultPeriod)
	}
}

func TestKotak_OrderMaintenanceAndScrips(t *testing.T) {
	ltp := 100.0
	kotakSrv := fakeKotakServer(t, &ltp)
	e := newEnv(t, "http://alice.invalid", kotakSrv.URL)

	e.settings.kotak["default"] = model.KotakSettings{
		AccessToken:  "portal",
		MobileNumber: "+911111111111",
		UCC:          "AA111",
		MPIN:         "123456",
		TOTPSecret:   "JBSWY3DPEHPK3PXP",
	}

	// Scrips before login: 401.
	resp := e.get(t, "/api/brokers/kotak/scrips")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("pre-login scrips status = %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()

	resp = e.post(t, "/api/brokers/kotak/login", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	scrips := decode[map[string][]string](t, e.get(t, "/api/brokers/kotak/scrips"))
	if len(scrips["filePaths"]) != 1 {
		t.Errorf("scrip file paths = %v", scrips["filePaths"])
	}

	modify := modifyOrderRequest{OrderNo: "ORD-9"}
	modify.Symbol = "INFY-EQ"
	modify.Token = "1594"
	modify.Exchange = "NSE"
	modify.Qty = 5
	modify.TriggerPrice = 1480.25
	modify.ProductCode = "CNC"
	modify.TransactionType = "SELL"
	status := decode[map[string]string](t, e.post(t, "/api/brokers/kotak/orders/modify", modify))
	if status["status"] != "modified" || status["orderNo"] != "ORD-9" {
		t.Errorf("modify response = %v", status)
	}

	// Modify without an order number rejected.
	modify.OrderNo = ""
	resp = e.post(t, "/api/brokers/kotak/orders/modify", modify)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("modify without orderNo status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	status = decode[map[string]string](t, e.post(t, "/api/brokers/kotak/orders/cancel", map[string]string{"orderNo": "ORD-9"}))
	if status["status"] != "cancelled" {
		t.Errorf("cancel response = %v", status)
	}
	resp = e.post(t, "/api/brokers/kotak/orders/cancel", map[string]string{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("cancel without orderNo status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAlice_LoginSyncAndOrder(t *testing.T) {
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	aliceSrv := fakeAliceServer(t, closes)
	e := newEnv(t, aliceSrv.URL+"/", "http://kotak.invalid")

	e.settings.aliceblue["default"] = model.AliceBlueSettings{UserID: "AB1", APIKey: "key", APISecret: "sec"}

	resp := e.post(t, "/api/brokers/aliceblue/login", map[string]string{"authCode": "code"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	sync := decode[syncResponse](t, e.get(t, "/api/brokers/aliceblue/sync"))
	if len(sync.Holdings) != 1 || len(sync.Positions) != 1 {
		t.Fatalf("sync = %d holdings, %d positions", len(sync.Holdings), len(sync.Positions))
	}
	for _, period := range []int{10, 20} {
		lv := sync.Holdings[0].Levels[period]
		if lv.EMA == nil || lv.StopLoss == nil {
			t.Fatalf("period %d levels missing", period)
		}
		wantEMA := stoploss.CalculateEMA(closes, period)
		wantSL := stoploss.SuggestStopLoss(closes, period, sync.BufferPct)
		if *lv.EMA != wantEMA || *lv.StopLoss != wantSL {
			t.Errorf("period %d: ema=%v sl=%v, want %v/%v", period, *lv.EMA, *lv.StopLoss, wantEMA, wantSL)
		}
	}
	if sync.Positions[0].Levels[10].EMA == nil {
		t.Error("position levels missing")
	}

	order := decode[orderResponse](t, e.post(t, "/api/orders/stoploss", orderRequest{
		Broker:          broker.AliceBlueName,
		Symbol:          "RELIANCE-EQ",
		Token:           "2885",
		Exchange:        "NSE",
		Qty:             10,
		TriggerPrice:    108.77,
		ProductCode:     "CNC",
		TransactionType: "SELL",
	}))
	if order.OrderID != "ORD-1" {
		t.Errorf("order id = %q", order.OrderID)
	}

	// Unknown broker and invalid order rejected.
	resp = e.post(t, "/api/orders/stoploss", orderRequest{Broker: "zerodha"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown broker status = %d", resp.StatusCode)
	}
	resp.Body.Close()
	resp = e.post(t, "/api/orders/stoploss", orderRequest{Broker: broker.AliceBlueName, Symbol: "X"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid order status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAlice_PasswordLoginAndAccount(t *testing.T) {
	aliceSrv := fakeAliceServer(t, []float64{100})
	e := newEnv(t, aliceSrv.URL+"/", "http://kotak.invalid")

	e.settings.aliceblue["default"] = model.AliceBlueSettings{UserID: "AB1", APIKey: "key", APISecret: "sec"}

	// Account before login: 401.
	resp := e.get(t, "/api/brokers/aliceblue/account")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("pre-login account status = %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()

	// Neither auth code nor password: 400.
	resp = e.post(t, "/api/brokers/aliceblue/login", map[string]string{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty login status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	resp = e.post(t, "/api/brokers/aliceblue/login", map[string]string{"password": "pw", "twoFA": "1990"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("password login status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	account := decode[map[string]map[string]string](t, e.get(t, "/api/brokers/aliceblue/account"))
	if account["profile"]["accountName"] != "Test Account" {
		t.Errorf("profile = %v", account["profile"])
	}
	if account["balance"]["net"] != "15000.50" {
		t.Errorf("balance = %v", account["balance"])
	}
}

func TestBrokersStatus(t *testing.T) {
	e := newEnv(t, "http://alice.invalid", "http://kotak.invalid")

	statuses := decode[[]brokerStatus](t, e.get(t, "/api/brokers"))
	if len(statuses) != 2 {
		t.Fatalf("got %d brokers", len(statuses))
	}
	for _, st := range statuses {
		if st.LoggedIn {
			t.Errorf("%s reports logged in with no session", st.Name)
		}
	}

	e.sessions.SaveAliceBlueSession(context.Background(), "default", model.AliceBlueSession{AccessToken: "x"})
	statuses = decode[[]brokerStatus](t, e.get(t, "/api/brokers"))
	for _, st := range statuses {
		if st.Name == broker.AliceBlueName && !st.LoggedIn {
			t.Error("alice-blue not logged in after session save")
		}
	}
}

func TestHealth(t *testing.T) {
	e := newEnv(t, "http://alice.invalid", "http://kotak.invalid")
	resp := e.get(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["status"] != "ok" {
		t.Errorf("health body = %v", body)
	}
}
