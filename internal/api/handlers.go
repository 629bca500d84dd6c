package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"stopsafe/internal/broker"
	"stopsafe/internal/markethours"
	"stopsafe/internal/model"
	"stopsafe/internal/stoploss"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"ws_clients": s.hub.ClientCount(),
		"brokers":    s.registry.Names(),
		"market":     markethours.StatusString(time.Now()),
	})
}

func (s *Server) handleBrokers(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	statuses := make([]brokerStatus, 0, 2)
	for _, name := range s.registry.Names() {
		it, _ := s.registry.Get(name)
		statuses = append(statuses, brokerStatus{
			Name:     name,
			LoggedIn: it.LoggedIn(r.Context(), user),
		})
	}
	writeJSON(w, http.StatusOK, statuses)
}

// ---- Settings ----

func (s *Server) handleKotakSettings(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	switch r.Method {
	case http.MethodGet:
		settings, ok, err := s.settings.KotakSettings(r.Context(), user)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		status := settingsStatus{Configured: ok}
		if ok {
			status.Fields = map[string]bool{
				"accessToken":  settings.AccessToken != "",
				"mobileNumber": settings.MobileNumber != "",
				"ucc":          settings.UCC != "",
				"mpin":         settings.MPIN != "",
				"totpSecret":   settings.TOTPSecret != "",
			}
			status.Hints = map[string]string{
				"ucc":          settings.UCC,
				"mobileNumber": mask(settings.MobileNumber),
			}
		}
		writeJSON(w, http.StatusOK, status)

	case http.MethodPost:
		var req kotakSettingsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		if req.AccessToken == "" || req.MobileNumber == "" || req.UCC == "" || req.MPIN == "" || req.TOTPSecret == "" {
			writeError(w, http.StatusBadRequest, "all fields are required: accessToken, mobileNumber, ucc, mpin, totpSecret")
			return
		}
		err := s.settings.SaveKotakSettings(r.Context(), user, model.KotakSettings{
			AccessToken:  req.AccessToken,
			MobileNumber: req.MobileNumber,
			UCC:          req.UCC,
			MPIN:         req.MPIN,
			TOTPSecret:   req.TOTPSecret,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleAliceSettings(w http.ResponseWriter, r *http.Request) {
	user := userID(r)
	switch r.Method {
	case http.MethodGet:
		settings, ok, err := s.settings.AliceBlueSettings(r.Context(), user)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		status := settingsStatus{Configured: ok}
		if ok {
			status.Fields = map[string]bool{
				"userId":    settings.UserID != "",
				"apiKey":    settings.APIKey != "",
				"apiSecret": settings.APISecret != "",
			}
			status.Hints = map[string]string{
				"userId": settings.UserID,
				"apiKey": mask(settings.APIKey),
			}
		}
		writeJSON(w, http.StatusOK, status)

	case http.MethodPost:
		var req aliceSettingsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		if req.UserID == "" || req.APIKey == "" || req.APISecret == "" {
			writeError(w, http.StatusBadRequest, "all fields are required: userId, apiKey, apiSecret")
			return
		}
		err := s.settings.SaveAliceBlueSettings(r.Context(), user, model.AliceBlueSettings{
			UserID:    req.UserID,
			APIKey:    req.APIKey,
			APISecret: req.APISecret,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// ---- Kotak Neo ----

func (s *Server) handleKotakLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	user := userID(r)

	s.countCall(broker.KotakNeoName, "login")
	if _, err := s.kotak.Login(r.Context(), user); err != nil {
		s.countFailure(broker.KotakNeoName, "login")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_in"})
}

func (s *Server) handleKotakLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.kotak.Logout(r.Context(), userID(r)); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// handleKotakHoldings serves enriched Kotak holdings. There is no candle
// endpoint on this broker, so levels come from the rolling snapshot buffer:
// each request records the current LTPs and computes per-period tails.
func (s *Server) handleKotakHoldings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	user := userID(r)
	period := stoploss.NormalizePeriod(queryInt(r, "period", stoploss.DefaultPeriod))

	s.countCall(broker.KotakNeoName, "holdings")
	holdings, err := s.kotak.Holdings(r.Context(), user)
	if err != nil {
		s.countFailure(broker.KotakNeoName, "holdings")
		writeBrokerError(w, err)
		return
	}

	enriched := s.enricher(nil).EnrichSnapshots(holdings, []int{period})
	if s.metrics != nil {
		s.metrics.InstrumentsEnriched.Add(float64(len(enriched)))
	}

	resp := holdingsResponse{Holdings: enriched, Periods: []int{period}, BufferPct: s.cfg.Enrich.BufferPct}
	s.hub.Broadcast("kotak_holdings", resp)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleKotakQuotes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	symbols := strings.Split(r.URL.Query().Get("symbols"), ",")
	if len(symbols) == 1 && symbols[0] == "" {
		writeError(w, http.StatusBadRequest, "symbols query parameter is required")
		return
	}

	s.countCall(broker.KotakNeoName, "quotes")
	quotes, err := s.kotak.Quotes(r.Context(), userID(r), symbols, r.URL.Query().Get("filter"))
	if err != nil {
		s.countFailure(broker.KotakNeoName, "quotes")
		writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"quotes": quotes})
}

// handleKotakScrips returns the master scrip file URLs so the dashboard can
// resolve instrument tokens.
func (s *Server) handleKotakScrips(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.countCall(broker.KotakNeoName, "scrips")
	paths, err := s.kotak.ScripFilePaths(r.Context(), userID(r))
	if err != nil {
		s.countFailure(broker.KotakNeoName, "scrips")
		writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"filePaths": paths})
}

func (s *Server) handleKotakModifyOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req modifyOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.OrderNo == "" {
		writeError(w, http.StatusBadRequest, "orderNo is required")
		return
	}
	order := req.toModel()
	if missing := order.Validate(); missing != "" {
		writeError(w, http.StatusBadRequest, "missing field: "+missing)
		return
	}

	s.countCall(broker.KotakNeoName, "modify_order")
	if err := s.kotak.ModifyStopLossOrder(r.Context(), userID(r), req.OrderNo, order); err != nil {
		s.countFailure(broker.KotakNeoName, "modify_order")
		writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "modified", "orderNo": req.OrderNo})
}

func (s *Server) handleKotakCancelOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		OrderNo string `json:"orderNo"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrderNo == "" {
		writeError(w, http.StatusBadRequest, "orderNo is required")
		return
	}

	s.countCall(broker.KotakNeoName, "cancel_order")
	if err := s.kotak.CancelOrder(r.Context(), userID(r), req.OrderNo); err != nil {
		s.countFailure(broker.KotakNeoName, "cancel_order")
		writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "orderNo": req.OrderNo})
}

// ---- Alice Blue ----

// handleAliceLogin accepts either an OAuth auth code from the redirect
// callback or, for accounts without an OAuth app, a password plus 2FA
// answer for the legacy encryption-key flow.
func (s *Server) handleAliceLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		AuthCode string `json:"authCode"`
		Password string `json:"password"`
		TwoFA    string `json:"twoFA"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || (req.AuthCode == "" && req.Password == "") {
		writeError(w, http.StatusBadRequest, "authCode or password is required")
		return
	}

	s.countCall(broker.AliceBlueName, "login")
	var err error
	if req.AuthCode != "" {
		_, err = s.alice.ExchangeAuthCode(r.Context(), userID(r), req.AuthCode)
	} else {
		_, err = s.alice.PasswordLogin(r.Context(), userID(r), req.Password, req.TwoFA)
	}
	if err != nil {
		s.countFailure(broker.AliceBlueName, "login")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_in"})
}

// handleAliceAccount serves the profile and cash margin summary.
func (s *Server) handleAliceAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.countCall(broker.AliceBlueName, "account")
	profile, balance, err := s.alice.Account(r.Context(), userID(r))
	if err != nil {
		s.countFailure(broker.AliceBlueName, "account")
		writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"profile": profile, "balance": balance})
}

func (s *Server) handleAliceLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.alice.Logout(r.Context(), userID(r)); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *Server) handleAliceHoldings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	user := userID(r)

	s.countCall(broker.AliceBlueName, "holdings")
	holdings, err := s.alice.Holdings(r.Context(), user)
	if err != nil {
		s.countFailure(broker.AliceBlueName, "holdings")
		writeBrokerError(w, err)
		return
	}

	enriched := s.enricher(s.alice.CandleSource(user)).EnrichHoldings(r.Context(), holdings, syncPeriods)
	if s.metrics != nil {
		s.metrics.InstrumentsEnriched.Add(float64(len(enriched)))
	}
	writeJSON(w, http.StatusOK, holdingsResponse{
		Holdings:  enriched,
		Periods:   syncPeriods,
		BufferPct: s.cfg.Enrich.BufferPct,
	})
}

func (s *Server) handleAlicePositions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	user := userID(r)

	s.countCall(broker.AliceBlueName, "positions")
	positions, err := s.alice.Positions(r.Context(), user)
	if err != nil {
		s.countFailure(broker.AliceBlueName, "positions")
		writeBrokerError(w, err)
		return
	}

	enriched := s.enricher(s.alice.CandleSource(user)).EnrichPositions(r.Context(), positions, syncPeriods)
	if s.metrics != nil {
		s.metrics.InstrumentsEnriched.Add(float64(len(enriched)))
	}
	writeJSON(w, http.StatusOK, positionsResponse{
		Positions: enriched,
		Periods:   syncPeriods,
		BufferPct: s.cfg.Enrich.BufferPct,
	})
}

// handleAliceSync fetches holdings and positions together, enriches both,
// and pushes the result to connected dashboards.
func (s *Server) handleAliceSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	user := userID(r)
	start := time.Now()

	var (
		wg         sync.WaitGroup
		holdings   []model.Holding
		positions  []model.Position
		hErr, pErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.countCall(broker.AliceBlueName, "holdings")
		holdings, hErr = s.alice.Holdings(r.Context(), user)
	}()
	go func() {
		defer wg.Done()
		s.countCall(broker.AliceBlueName, "positions")
		positions, pErr = s.alice.Positions(r.Context(), user)
	}()
	wg.Wait()

	if hErr != nil {
		s.countFailure(broker.AliceBlueName, "holdings")
		writeBrokerError(w, hErr)
		return
	}
	if pErr != nil {
		s.countFailure(broker.AliceBlueName, "positions")
		writeBrokerError(w, pErr)
		return
	}

	e := s.enricher(s.alice.CandleSource(user))
	resp := syncResponse{
		Holdings:  e.EnrichHoldings(r.Context(), holdings, syncPeriods),
		Positions: e.EnrichPositions(r.Context(), positions, syncPeriods),
		Periods:   syncPeriods,
		BufferPct: s.cfg.Enrich.BufferPct,
		SyncedAt:  time.Now().Format(time.RFC3339),
	}

	if s.metrics != nil {
		s.metrics.SyncsTotal.Inc()
		s.metrics.InstrumentsEnriched.Add(float64(len(resp.Holdings) + len(resp.Positions)))
		s.metrics.EnrichDuration.Observe(time.Since(start).Seconds())
	}
	if s.health != nil {
		s.health.SetLastSyncTime(time.Now())
	}

	s.hub.Broadcast("sync", resp)
	writeJSON(w, http.StatusOK, resp)
}

// ---- Orders ----

func (s *Server) handleStopLossOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Broker == "" {
		req.Broker = broker.AliceBlueName
	}
	it, ok := s.registry.Get(req.Broker)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown broker: "+req.Broker)
		return
	}

	order := req.toModel()
	if missing := order.Validate(); missing != "" {
		writeError(w, http.StatusBadRequest, "missing field: "+missing)
		return
	}

	s.countCall(req.Broker, "place_order")
	orderID, err := it.PlaceStopLossOrder(r.Context(), userID(r), order)
	if err != nil {
		s.countFailure(req.Broker, "place_order")
		writeBrokerError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.OrdersPlaced.WithLabelValues(req.Broker).Inc()
	}
	s.log.Info("stop-loss order accepted",
		slog.String("broker", req.Broker),
		slog.String("symbol", req.Symbol),
		slog.String("order_id", orderID))
	writeJSON(w, http.StatusOK, orderResponse{OrderID: orderID, Broker: req.Broker})
}

// ---- helpers ----

func (s *Server) countCall(brokerName, op string) {
	if s.metrics != nil {
		s.metrics.BrokerAPICalls.WithLabelValues(brokerName, op).Inc()
	}
}

func (s *Server) countFailure(brokerName, op string) {
	if s.metrics != nil {
		s.metrics.BrokerAPIFailures.WithLabelValues(brokerName, op).Inc()
	}
}

func writeBrokerError(w http.ResponseWriter, err error) {
	if errors.Is(err, model.ErrNotLoggedIn) {
		writeError(w, http.StatusUnauthorized, "not logged in")
		return
	}
	writeError(w, http.StatusBadGateway, err.Error())
}

func queryInt(r *http.Request, name string, fallback int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
