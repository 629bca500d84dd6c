// Package aliceblue is a typed HTTP client for the Alice Blue open API.
// It covers the OAuth token exchange, the legacy encryption-key login,
// portfolio reads, historical candles, and stop-loss order placement.
//
// Alice Blue deployments disagree on endpoint paths and response field
// names, so portfolio reads probe an ordered list of candidate paths and
// token-bearing responses are read through ordered field-alias lists.
package aliceblue

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://ant.aliceblueonline.com/open-api/od/"
	defaultTimeout = 20 * time.Second
)

// Route paths relative to the API base.
const (
	routeUserDetails   = "v1/vendor/getUserDetails"
	routeEncryptionKey = "v1/userAndFunds/getEncryptionKey"
	routeSessionID     = "v1/userAndFunds/generateSessionId"
	routeProfile       = "profile/displayProfile"
	routeCashMargin    = "userAndFunds/cashMargin"
	routePlaceOrder    = "placeOrder/executePlaceOrder"
	routeChartHistory  = "ChartAPIService/api/chart/history"
)

// Candidate portfolio paths, tried in order of likelihood. The first
// success short-circuits; every failure is captured for diagnostics.
var (
	holdingsPaths = []string{
		"positionAndHoldings/holdings",
		"positionAndHoldings/myHoldings",
		"portfolio/holdings",
		"holdings",
		"v1/holdings",
		"portfolio/v1/holdings",
	}
	positionsPaths = []string{
		"positionAndHoldings/positionBook?ret=NET",
		"positionAndHoldings/positionBook",
		"positionAndHoldings/positions",
		"portfolio/positions",
		"positions",
		"v1/positions",
	}
)

// Session token aliases, in acceptance order, for responses that carry the
// session under varying field names.
var sessionTokenAliases = []string{"userSession", "token", "accessToken", "sessionId", "sessionID"}

// ChecksumMode selects which generateSessionId checksum variant is tried
// first in the legacy login flow.
type ChecksumMode string

const (
	ChecksumFull   ChecksumMode = "full"     // sha256(userId+apiKey+apiSecret+encKey)
	ChecksumLegacy ChecksumMode = "hashOnly" // sha256(userId+apiKey+encKey)
)

// Config configures the client. Zero values pick defaults.
type Config struct {
	BaseURL      string
	AuthBaseURL  string // defaults to BaseURL
	Timeout      time.Duration
	ChecksumMode ChecksumMode
	Logger       *slog.Logger
}

// Client is an Alice Blue API client. Safe for concurrent use.
type Client struct {
	baseURL      string
	authBaseURL  string
	httpClient   *http.Client
	checksumMode ChecksumMode
	log          *slog.Logger
}

// Session is a live Alice Blue session.
type Session struct {
	AccessToken string
	UserID      string
}

// New creates a client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.AuthBaseURL == "" {
		cfg.AuthBaseURL = cfg.BaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.ChecksumMode == "" {
		cfg.ChecksumMode = ChecksumFull
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL:      ensureSlash(cfg.BaseURL),
		authBaseURL:  ensureSlash(cfg.AuthBaseURL),
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		checksumMode: cfg.ChecksumMode,
		log:          cfg.Logger,
	}
}

func ensureSlash(u string) string {
	if strings.HasSuffix(u, "/") {
		return u
	}
	return u + "/"
}

// ---- Raw response records (wire shapes, string-typed as received) ----

// Holding is the raw holdings record as returned by the API.
type Holding struct {
	Token           string `json:"Token"`
	Tradingsymbol   string `json:"Tradingsymbol"`
	Exchange        string `json:"Exchange"`
	HoldingQuantity string `json:"HoldingQuantity"`
	Price           string `json:"Price"`
	LTP             string `json:"LTP"`
	Pnl             string `json:"Pnl"`
	PnlPercentage   string `json:"PnlPercentage"`
}

// Position is the raw position-book record as returned by the API.
type Position struct {
	Token                string `json:"Token"`
	Symbol               string `json:"Symbol"`
	Exchange             string `json:"Exchange"`
	Netqty               string `json:"Netqty"`
	BuyQty               string `json:"BuyQty"`
	SellQty              string `json:"SellQty"`
	LTP                  string `json:"LTP"`
	BuyAveragePrice      string `json:"BuyAveragePrice"`
	SellAveragePrice     string `json:"SellAveragePrice"`
	Realisedprofitloss   string `json:"Realisedprofitloss"`
	Unrealisedprofitloss string `json:"Unrealisedprofitloss"`
}

// Candle is one bar from the chart history endpoint.
type Candle struct {
	Time   string  `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// ---- Request helpers ----

// payload is a decoded JSON object with fields kept raw so alias lists can
// be applied per response type.
type payload map[string]json.RawMessage

func (p payload) stringField(names ...string) string {
	for _, name := range names {
		raw, ok := p[name]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s
		}
	}
	return ""
}

func (p payload) stat() string { return p.stringField("stat") }
func (p payload) emsg() string { return p.stringField("emsg") }

func (c *Client) do(ctx context.Context, method, url, bearer string, body any) (payload, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("aliceblue: encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("aliceblue: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("aliceblue: %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("aliceblue: read response: %w", err)
	}

	ct := resp.Header.Get("Content-Type")
	if !strings.Contains(ct, "json") {
		return nil, fmt.Errorf("aliceblue: non-JSON response (status %d, content-type %q): %s",
			resp.StatusCode, ct, truncate(raw, 200))
	}

	var out payload
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("aliceblue: parse response (status %d): %s", resp.StatusCode, truncate(raw, 200))
	}

	if resp.StatusCode != http.StatusOK || out.stat() == "Not_Ok" {
		emsg := out.emsg()
		if emsg == "" {
			emsg = resp.Status
		}
		return out, fmt.Errorf("aliceblue: api error (status %d): %s", resp.StatusCode, emsg)
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, url, bearer string, body any) (payload, error) {
	return c.do(ctx, http.MethodPost, url, bearer, body)
}

func (c *Client) get(ctx context.Context, url, bearer string) (payload, error) {
	return c.do(ctx, http.MethodGet, url, bearer, nil)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

func sha256Hex(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// ---- Auth ----

// GenerateSession performs the OAuth token exchange: the callback's auth
// code is combined with the user id and API secret into a sha256 checksum
// and posted to the vendor getUserDetails endpoint.
func (c *Client) GenerateSession(ctx context.Context, userID, authCode, apiSecret string) (Session, error) {
	checksum := sha256Hex(userID + authCode + apiSecret)

	resp, err := c.post(ctx, c.authBaseURL+routeUserDetails, "", map[string]string{"checkSum": checksum})
	if err != nil {
		return Session{}, fmt.Errorf("token exchange: %w", err)
	}
	if stat := resp.stat(); stat != "Ok" {
		return Session{}, fmt.Errorf("token exchange: stat=%q: %s", stat, resp.emsg())
	}

	token := resp.stringField(sessionTokenAliases...)
	if token == "" {
		return Session{}, fmt.Errorf("token exchange: no session token in response (fields: %s)", fieldNames(resp))
	}

	uid := resp.stringField("clientId", "userId")
	if uid == "" {
		uid = userID
	}
	return Session{AccessToken: token, UserID: uid}, nil
}

// LoginParams are the credentials for the legacy password login flow.
type LoginParams struct {
	UserID    string
	APIKey    string
	APISecret string
	Password  string
	TwoFA     string
}

// Login performs the legacy two-call flow: fetch the account's encryption
// key, then request a session id. Two checksum variants exist in the wild;
// the configured mode is tried first and the other as fallback.
func (c *Client) Login(ctx context.Context, p LoginParams) (Session, error) {
	encKey, err := c.encryptionKey(ctx, p.UserID)
	if err != nil {
		return Session{}, err
	}

	modes := []ChecksumMode{ChecksumFull, ChecksumLegacy}
	if c.checksumMode == ChecksumLegacy {
		modes = []ChecksumMode{ChecksumLegacy, ChecksumFull}
	}

	var lastEmsg string
	for _, mode := range modes {
		token, emsg, err := c.sessionID(ctx, p, encKey, mode)
		if err != nil {
			return Session{}, err
		}
		if token != "" {
			return Session{AccessToken: token, UserID: p.UserID}, nil
		}
		if emsg != "" {
			lastEmsg = emsg
		}
	}
	if lastEmsg == "" {
		lastEmsg = "failed to generate session id"
	}
	return Session{}, fmt.Errorf("aliceblue: login: %s", lastEmsg)
}

func (c *Client) encryptionKey(ctx context.Context, userID string) (string, error) {
	resp, err := c.post(ctx, c.authBaseURL+routeEncryptionKey, "", map[string]string{"userId": userID})
	if err != nil {
		return "", fmt.Errorf("encryption key: %w", err)
	}
	key := resp.stringField("EncKey", "encKey")
	if key == "" {
		return "", fmt.Errorf("encryption key missing in response: %s", resp.emsg())
	}
	return key, nil
}

func (c *Client) sessionID(ctx context.Context, p LoginParams, encKey string, mode ChecksumMode) (token, emsg string, err error) {
	var body map[string]string
	if mode == ChecksumFull {
		checksum := sha256Hex(p.UserID + p.APIKey + p.APISecret + encKey)
		body = map[string]string{
			"userId":    p.UserID,
			"password":  p.Password,
			"twoFA":     p.TwoFA,
			"appId":     p.APIKey,
			"apiSecret": p.APISecret,
			"encKey":    encKey,
			"checksum":  checksum,
		}
	} else {
		checksum := sha256Hex(p.UserID + p.APIKey + encKey)
		body = map[string]string{
			"userId":   p.UserID,
			"userData": checksum,
		}
	}

	resp, err := c.post(ctx, c.authBaseURL+routeSessionID, "", body)
	if err != nil {
		// A rejected checksum variant is not fatal; surface emsg and let
		// the caller try the other mode.
		if resp != nil {
			return "", resp.emsg(), nil
		}
		return "", "", err
	}
	if resp.stat() != "Ok" {
		return "", resp.emsg(), nil
	}
	return resp.stringField("sessionID", "sessionId"), resp.emsg(), nil
}

// ---- Portfolio ----

// pathAttempt records one failed probe for diagnostics.
type pathAttempt struct {
	Path  string
	Error string
}

// Holdings fetches the holdings book, probing candidate paths in order.
// When every path fails the result degrades to an empty book so a missing
// or renamed endpoint cannot take down a sync.
func (c *Client) Holdings(ctx context.Context, s Session) ([]Holding, error) {
	var attempts []pathAttempt
	for _, path := range holdingsPaths {
		resp, err := c.get(ctx, c.baseURL+path, s.AccessToken)
		if err != nil {
			attempts = append(attempts, pathAttempt{Path: path, Error: err.Error()})
			continue
		}
		raw, ok := resp["HoldingVal"]
		if resp.stat() != "Ok" || !ok {
			attempts = append(attempts, pathAttempt{Path: path, Error: "no HoldingVal in response"})
			continue
		}
		var holdings []Holding
		if err := json.Unmarshal(raw, &holdings); err != nil {
			attempts = append(attempts, pathAttempt{Path: path, Error: err.Error()})
			continue
		}
		c.log.Debug("holdings fetched", slog.String("path", path), slog.Int("count", len(holdings)))
		return holdings, nil
	}

	c.log.Warn("all holdings endpoints failed, returning empty book",
		slog.Any("attempts", attempts))
	return []Holding{}, nil
}

// Positions fetches the position book. Same probing and degradation
// behavior as Holdings.
func (c *Client) Positions(ctx context.Context, s Session) ([]Position, error) {
	var attempts []pathAttempt
	for _, path := range positionsPaths {
		resp, err := c.get(ctx, c.baseURL+path, s.AccessToken)
		if err != nil {
			attempts = append(attempts, pathAttempt{Path: path, Error: err.Error()})
			continue
		}
		raw, ok := resp["PositionDetail"]
		if resp.stat() != "Ok" || !ok {
			attempts = append(attempts, pathAttempt{Path: path, Error: "no PositionDetail in response"})
			continue
		}
		var positions []Position
		if err := json.Unmarshal(raw, &positions); err != nil {
			attempts = append(attempts, pathAttempt{Path: path, Error: err.Error()})
			continue
		}
		c.log.Debug("positions fetched", slog.String("path", path), slog.Int("count", len(positions)))
		return positions, nil
	}

	c.log.Warn("all positions endpoints failed, returning empty book",
		slog.Any("attempts", attempts))
	return []Position{}, nil
}

// ---- Historical data ----

// HistoricalParams selects a chart history window. Resolution is "1" for
// minute bars or "1D" for daily. From/To are unix milliseconds.
type HistoricalParams struct {
	Exchange   string
	Token      string
	Resolution string
	From       int64
	To         int64
}

// HistoricalData fetches chart bars for one instrument, oldest first.
func (c *Client) HistoricalData(ctx context.Context, s Session, p HistoricalParams) ([]Candle, error) {
	body := map[string]string{
		"exchange":   p.Exchange,
		"token":      p.Token,
		"resolution": p.Resolution,
		"from":       fmt.Sprintf("%d", p.From),
		"to":         fmt.Sprintf("%d", p.To),
	}
	resp, err := c.post(ctx, c.baseURL+routeChartHistory, s.AccessToken, body)
	if err != nil {
		return nil, fmt.Errorf("chart history %s:%s: %w", p.Exchange, p.Token, err)
	}

	raw, ok := resp["result"]
	if !ok {
		return nil, nil
	}
	var candles []Candle
	if err := json.Unmarshal(raw, &candles); err != nil {
		return nil, fmt.Errorf("chart history %s:%s: decode result: %w", p.Exchange, p.Token, err)
	}
	return candles, nil
}

// DailyCloses fetches up to days of daily close prices ending now, oldest
// first.
func (c *Client) DailyCloses(ctx context.Context, s Session, exchange, token string, days int) ([]float64, error) {
	to := time.Now().UnixMilli()
	from := to - int64(days)*24*60*60*1000

	candles, err := c.HistoricalData(ctx, s, HistoricalParams{
		Exchange:   exchange,
		Token:      token,
		Resolution: "1D",
		From:       from,
		To:         to,
	})
	if err != nil {
		return nil, err
	}
	closes := make([]float64, len(candles))
	for i, candle := range candles {
		closes[i] = candle.Close
	}
	return closes, nil
}

// ---- Orders ----

// OrderParams is the executePlaceOrder request shape.
type OrderParams struct {
	Complexty     string `json:"complexty"` // regular, BO, CO, AMO
	DiscQty       string `json:"discqty"`
	Exchange      string `json:"exch"`   // NSE, BSE, NFO, MCX, BFO, CDS
	ProductCode   string `json:"pCode"`  // MIS, CNC, NRML
	PriceType     string `json:"prctyp"` // L, MKT, SL, SL-M
	Price         string `json:"price"`
	Qty           string `json:"qty"`
	Retention     string `json:"ret"` // DAY, IOC
	SymbolID      string `json:"symbol_id"`
	TradingSymbol string `json:"trading_symbol"`
	TransType     string `json:"transtype"` // BUY, SELL
	TrigPrice     string `json:"trigPrice,omitempty"`
	OrderTag      string `json:"orderTag,omitempty"`
}

// PlaceOrder submits an order and returns the broker order number.
func (c *Client) PlaceOrder(ctx context.Context, s Session, p OrderParams) (string, error) {
	resp, err := c.post(ctx, c.baseURL+routePlaceOrder, s.AccessToken, p)
	if err != nil {
		return "", fmt.Errorf("place order %s: %w", p.TradingSymbol, err)
	}
	if resp.stat() != "Ok" {
		return "", fmt.Errorf("place order %s: %s", p.TradingSymbol, resp.emsg())
	}
	orderID := resp.stringField("NOrdNo")
	if orderID == "" {
		return "", fmt.Errorf("place order %s: no order number in response", p.TradingSymbol)
	}
	return orderID, nil
}

// ---- Account ----

// Profile fetches the account profile. Failures degrade to a profile with
// only the session's user id, never an error.
func (c *Client) Profile(ctx context.Context, s Session) map[string]string {
	out := map[string]string{"userId": s.UserID}
	resp, err := c.get(ctx, c.baseURL+routeProfile, s.AccessToken)
	if err != nil {
		c.log.Warn("profile fetch failed", slog.Any("err", err))
		return out
	}
	for _, field := range []string{"email", "mobile", "accountId", "accountName"} {
		if v := resp.stringField(field); v != "" {
			out[field] = v
		}
	}
	return out
}

// Balance fetches the cash margin summary. Like Profile, it degrades to
// an empty map on failure.
func (c *Client) Balance(ctx context.Context, s Session) map[string]string {
	out := map[string]string{}
	resp, err := c.get(ctx, c.baseURL+routeCashMargin, s.AccessToken)
	if err != nil {
		c.log.Warn("cash margin fetch failed", slog.Any("err", err))
		return out
	}
	for _, field := range []string{"net", "cashmarginavailable", "collateralvalue", "payindate"} {
		if v := resp.stringField(field); v != "" {
			out[field] = v
		}
	}
	return out
}

func fieldNames(p payload) string {
	names := make([]string, 0, len(p))
	for k := range p {
		names = append(names, k)
	}
	return strings.Join(names, ",")
}
