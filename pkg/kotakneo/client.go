// Package kotakneo is a typed HTTP client for the Kotak Neo trade API.
//
// Authentication is two-step: tradeApiLogin with a TOTP code yields a view
// token, tradeApiValidate with the MPIN upgrades it to a trade token. Both
// steps ride on the long-lived access token issued by the developer portal.
package kotakneo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"
)

const (
	defaultLoginBaseURL = "https://mis.kotaksecurities.com"
	defaultTradeBaseURL = "https://cis.kotaksecurities.com"
	defaultTimeout      = 20 * time.Second

	neoFinKey = "neotradeapi"
)

const (
	routeLogin    = "/login/1.0/tradeApiLogin"
	routeValidate = "/login/1.0/tradeApiValidate"
	routeHoldings = "/portfolio/v1/holdings"
	routeOrders   = "/quick/order/rule/ms/place"
	routeModify   = "/quick/order/vr/modify"
	routeCancel   = "/quick/order/cancel"
)

// Config configures the client. Zero values pick defaults.
type Config struct {
	LoginBaseURL string
	Timeout      time.Duration
	Logger       *slog.Logger
}

// Client is a Kotak Neo API client. Safe for concurrent use.
type Client struct {
	loginBaseURL string
	httpClient   *http.Client
	log          *slog.Logger
}

// Session is an authenticated Neo session. After Login it is view-only;
// after Validate it is trade-enabled.
type Session struct {
	Token   string `json:"token"`
	SID     string `json:"sid"`
	BaseURL string `json:"baseUrl"`
	KType   string `json:"kType"`
}

// LoginParams are the first-step credentials. TOTPSecret is the base32
// secret registered with the broker; the six-digit code is derived from it
// at call time.
type LoginParams struct {
	AccessToken  string
	MobileNumber string
	UCC          string
	TOTPSecret   string
}

// New creates a client.
func New(cfg Config) *Client {
	if cfg.LoginBaseURL == "" {
		cfg.LoginBaseURL = defaultLoginBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		loginBaseURL: strings.TrimSuffix(cfg.LoginBaseURL, "/"),
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		log:          cfg.Logger,
	}
}

// apiEnvelope is the common {data, error/message} wrapper.
type apiEnvelope struct {
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
}

func (c *Client) doJSON(ctx context.Context, method, url string, headers map[string]string, body any) (*apiEnvelope, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("kotakneo: encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("kotakneo: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("neo-fin-key", neoFinKey)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kotakneo: %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("kotakneo: read response: %w", err)
	}

	var env apiEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("kotakneo: parse response (status %d): %s", resp.StatusCode, truncate(raw, 200))
	}
	if resp.StatusCode != http.StatusOK {
		msg := env.Error
		if msg == "" {
			msg = env.Message
		}
		if msg == "" {
			msg = resp.Status
		}
		return &env, fmt.Errorf("kotakneo: api error (status %d): %s", resp.StatusCode, msg)
	}
	return &env, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// Login performs step one: generates the current TOTP code from the stored
// secret and exchanges it for a view session.
func (c *Client) Login(ctx context.Context, p LoginParams) (Session, error) {
	code, err := totp.GenerateCode(p.TOTPSecret, time.Now())
	if err != nil {
		return Session{}, fmt.Errorf("kotakneo: generate totp: %w", err)
	}

	env, err := c.doJSON(ctx, http.MethodPost, c.loginBaseURL+routeLogin,
		map[string]string{"Authorization": p.AccessToken},
		map[string]string{
			"mobileNumber": p.MobileNumber,
			"ucc":          p.UCC,
			"totp":         code,
		})
	if err != nil {
		return Session{}, fmt.Errorf("trade api login: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(env.Data, &sess); err != nil {
		return Session{}, fmt.Errorf("trade api login: decode session: %w", err)
	}
	if sess.Token == "" || sess.SID == "" {
		return Session{}, fmt.Errorf("trade api login: incomplete session (token or sid missing)")
	}
	if sess.BaseURL == "" {
		sess.BaseURL = defaultTradeBaseURL
	}
	return sess, nil
}

// Validate performs step two: upgrades a view session to a trade session
// with the account MPIN.
func (c *Client) Validate(ctx context.Context, accessToken, mpin string, view Session) (Session, error) {
	env, err := c.doJSON(ctx, http.MethodPost, c.loginBaseURL+routeValidate,
		map[string]string{
			"Authorization": accessToken,
			"sid":           view.SID,
			"Auth":          view.Token,
		},
		map[string]string{"mpin": mpin})
	if err != nil {
		return Session{}, fmt.Errorf("trade api validate: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(env.Data, &sess); err != nil {
		return Session{}, fmt.Errorf("trade api validate: decode session: %w", err)
	}
	if sess.Token == "" {
		return Session{}, fmt.Errorf("trade api validate: no trade token in response")
	}
	if sess.SID == "" {
		sess.SID = view.SID
	}
	if sess.BaseURL == "" {
		sess.BaseURL = view.BaseURL
	}
	return sess, nil
}

// Holding is one normalized holdings row. The wire record varies between
// deployments, so rows are read through field-alias lists.
type Holding struct {
	Symbol          string
	Exchange        string
	Quantity        int64
	AveragePrice    float64
	LastTradedPrice float64
	DayChangePct    float64
}

// rawRecord is a holdings row with fields kept raw for alias resolution.
type rawRecord map[string]json.RawMessage

func (r rawRecord) str(names ...string) string {
	for _, name := range names {
		raw, ok := r[name]
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

// num reads a numeric field that some deployments send as a JSON number
// and others as a quoted string.
func (r rawRecord) num(names ...string) float64 {
	for _, name := range names {
		raw, ok := r[name]
		if !ok {
			continue
		}
		var f float64
		if err := json.Unmarshal(raw, &f); err == nil {
			return f
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return f
			}
		}
	}
	return 0
}

// Holdings fetches and normalizes the holdings book.
func (c *Client) Holdings(ctx context.Context, accessToken string, s Session) ([]Holding, error) {
	env, err := c.doJSON(ctx, http.MethodGet, strings.TrimSuffix(s.BaseURL, "/")+routeHoldings,
		map[string]string{
			"Authorization": accessToken,
			"Sid":           s.SID,
			"Auth":          s.Token,
		}, nil)
	if err != nil {
		return nil, fmt.Errorf("holdings: %w", err)
	}

	var rows []rawRecord
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return nil, fmt.Errorf("holdings: decode rows: %w", err)
	}

	holdings := make([]Holding, 0, len(rows))
	for _, row := range rows {
		symbol := row.str("displaySymbol", "symbol", "tradingSymbol")
		if symbol == "" {
			continue
		}
		holdings = append(holdings, Holding{
			Symbol:          symbol,
			Exchange:        normalizeExchange(row.str("exchangeSegment", "exchange")),
			Quantity:        int64(row.num("quantity", "sellableQuantity")),
			AveragePrice:    row.num("averagePrice", "avgPrice"),
			LastTradedPrice: row.num("closingPrice", "ltp", "lastPrice"),
			DayChangePct:    row.num("per_change", "perChange", "changePct"),
		})
	}
	return holdings, nil
}

func normalizeExchange(segment string) string {
	switch {
	case strings.HasPrefix(segment, "nse"), strings.HasPrefix(segment, "NSE"):
		return "NSE"
	case strings.HasPrefix(segment, "bse"), strings.HasPrefix(segment, "BSE"):
		return "BSE"
	case segment == "":
		return "NSE"
	default:
		return strings.ToUpper(segment)
	}
}

// Quotes fetches raw market quotes for the given neo symbols
// (e.g. "nse_cm|11536"). The payload shape varies by quote filter, so it
// is returned undecoded.
func (c *Client) Quotes(ctx context.Context, accessToken string, s Session, symbols []string, filter string) (json.RawMessage, error) {
	q := url.Values{"sids": {strings.Join(symbols, ",")}}
	if filter != "" {
		q.Set("type", filter)
	}
	env, err := c.doJSON(ctx, http.MethodGet,
		strings.TrimSuffix(s.BaseURL, "/")+"/quotes/v1/quote?"+q.Encode(),
		map[string]string{
			"Authorization": accessToken,
			"Sid":           s.SID,
			"Auth":          s.Token,
		}, nil)
	if err != nil {
		return nil, fmt.Errorf("quotes: %w", err)
	}
	return env.Data, nil
}

// ScripFilePaths returns the day's master scrip file URLs.
func (c *Client) ScripFilePaths(ctx context.Context, accessToken string, s Session) ([]string, error) {
	env, err := c.doJSON(ctx, http.MethodGet,
		strings.TrimSuffix(s.BaseURL, "/")+"/masterscrip/v1/file-paths",
		map[string]string{"Authorization": accessToken}, nil)
	if err != nil {
		return nil, fmt.Errorf("scrip file paths: %w", err)
	}
	var result struct {
		FilesPaths []string `json:"filesPaths"`
	}
	if err := json.Unmarshal(env.Data, &result); err != nil {
		return nil, fmt.Errorf("scrip file paths: decode: %w", err)
	}
	return result.FilesPaths, nil
}

// OrderParams is the jData order request shape.
type OrderParams struct {
	ExchangeSegment string `json:"es"` // nse_cm, bse_cm, nse_fo
	Product         string `json:"pc"` // CNC, MIS, NRML
	Price           string `json:"pr"`
	OrderType       string `json:"pt"` // L, MKT, SL, SL-M
	Quantity        string `json:"qt"`
	TriggerPrice    string `json:"tp,omitempty"`
	TradingSymbol   string `json:"ts"`
	TransactionType string `json:"tt"` // B, S
	Validity        string `json:"rt"` // DAY, IOC
	OrderTag        string `json:"ig,omitempty"`
}

// PlaceOrder submits an order. The trade API takes the order as a
// form-urlencoded jData payload rather than a JSON body.
func (c *Client) PlaceOrder(ctx context.Context, accessToken string, s Session, p OrderParams) (string, error) {
	env, err := c.doForm(ctx, strings.TrimSuffix(s.BaseURL, "/")+routeOrders, accessToken, s, p)
	if err != nil {
		return "", fmt.Errorf("place order %s: %w", p.TradingSymbol, err)
	}
	var result struct {
		OrderNo string `json:"nOrdNo"`
	}
	if err := json.Unmarshal(env.Data, &result); err != nil || result.OrderNo == "" {
		return "", fmt.Errorf("place order %s: no order number in response", p.TradingSymbol)
	}
	return result.OrderNo, nil
}

// ModifyOrder updates the price, trigger, or quantity of an open order.
func (c *Client) ModifyOrder(ctx context.Context, accessToken string, s Session, orderNo string, p OrderParams) error {
	body := struct {
		OrderParams
		OrderNo string `json:"no"`
	}{OrderParams: p, OrderNo: orderNo}
	if _, err := c.doForm(ctx, strings.TrimSuffix(s.BaseURL, "/")+routeModify, accessToken, s, body); err != nil {
		return fmt.Errorf("modify order %s: %w", orderNo, err)
	}
	return nil
}

// CancelOrder cancels an open order by broker order number.
func (c *Client) CancelOrder(ctx context.Context, accessToken string, s Session, orderNo string) error {
	body := map[string]string{"on": orderNo}
	if _, err := c.doForm(ctx, strings.TrimSuffix(s.BaseURL, "/")+routeCancel, accessToken, s, body); err != nil {
		return fmt.Errorf("cancel order %s: %w", orderNo, err)
	}
	return nil
}

func (c *Client) doForm(ctx context.Context, endpoint, accessToken string, s Session, jData any) (*apiEnvelope, error) {
	encoded, err := json.Marshal(jData)
	if err != nil {
		return nil, fmt.Errorf("kotakneo: encode jData: %w", err)
	}
	form := url.Values{"jData": {string(encoded)}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("kotakneo: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("neo-fin-key", neoFinKey)
	req.Header.Set("Authorization", accessToken)
	req.Header.Set("Sid", s.SID)
	req.Header.Set("Auth", s.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kotakneo: POST %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("kotakneo: read response: %w", err)
	}
	var env apiEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("kotakneo: parse response (status %d): %s", resp.StatusCode, truncate(raw, 200))
	}
	if resp.StatusCode != http.StatusOK {
		msg := env.Error
		if msg == "" {
			msg = env.Message
		}
		return &env, fmt.Errorf("kotakneo: api error (status %d): %s", resp.StatusCode, msg)
	}
	return &env, nil
}
