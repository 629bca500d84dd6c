package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"stopsafe/internal/model"
	"stopsafe/pkg/kotakneo"
)

const KotakNeoName = "kotak-neo"

// KotakNeo connects the Kotak Neo client to stored credentials and cached
// sessions.
type KotakNeo struct {
	client   *kotakneo.Client
	settings model.SettingsStore
	sessions model.SessionStore
	log      *slog.Logger
}

func NewKotakNeo(client *kotakneo.Client, settings model.SettingsStore, sessions model.SessionStore, log *slog.Logger) *KotakNeo {
	if log == nil {
		log = slog.Default()
	}
	return &KotakNeo{client: client, settings: settings, sessions: sessions, log: log}
}

func (b *KotakNeo) Name() string { return KotakNeoName }

func (b *KotakNeo) LoggedIn(ctx context.Context, userID string) bool {
	_, ok, err := b.sessions.KotakSession(ctx, userID)
	return err == nil && ok
}

// Login runs the full two-step flow with the stored credentials: TOTP
// login for a view session, then MPIN validation for a trade session. The
// trade session is cached.
func (b *KotakNeo) Login(ctx context.Context, userID string) (model.KotakSession, error) {
	settings, ok, err := b.settings.KotakSettings(ctx, userID)
	if err != nil {
		return model.KotakSession{}, fmt.Errorf("load kotak settings: %w", err)
	}
	if !ok {
		return model.KotakSession{}, fmt.Errorf("no kotak credentials saved for user %s", userID)
	}

	view, err := b.client.Login(ctx, kotakneo.LoginParams{
		AccessToken:  settings.AccessToken,
		MobileNumber: settings.MobileNumber,
		UCC:          settings.UCC,
		TOTPSecret:   settings.TOTPSecret,
	})
	if err != nil {
		return model.KotakSession{}, err
	}

	trade, err := b.client.Validate(ctx, settings.AccessToken, settings.MPIN, view)
	if err != nil {
		return model.KotakSession{}, err
	}

	out := model.KotakSession{
		Token:   trade.Token,
		SID:     trade.SID,
		BaseURL: trade.BaseURL,
		KType:   trade.KType,
	}
	if err := b.sessions.SaveKotakSession(ctx, userID, out); err != nil {
		return model.KotakSession{}, fmt.Errorf("save kotak session: %w", err)
	}
	b.log.Info("kotak session established", slog.String("user", userID))
	return out, nil
}

func (b *KotakNeo) session(ctx context.Context, userID string) (string, kotakneo.Session, error) {
	settings, ok, err := b.settings.KotakSettings(ctx, userID)
	if err != nil {
		return "", kotakneo.Session{}, fmt.Errorf("load kotak settings: %w", err)
	}
	if !ok {
		return "", kotakneo.Session{}, model.ErrNotLoggedIn
	}
	s, ok, err := b.sessions.KotakSession(ctx, userID)
	if err != nil {
		return "", kotakneo.Session{}, fmt.Errorf("load kotak session: %w", err)
	}
	if !ok {
		return "", kotakneo.Session{}, model.ErrNotLoggedIn
	}
	return settings.AccessToken, kotakneo.Session{
		Token:   s.Token,
		SID:     s.SID,
		BaseURL: s.BaseURL,
		KType:   s.KType,
	}, nil
}

func (b *KotakNeo) Holdings(ctx context.Context, userID string) ([]model.Holding, error) {
	accessToken, sess, err := b.session(ctx, userID)
	if err != nil {
		return nil, err
	}
	raw, err := b.client.Holdings(ctx, accessToken, sess)
	if err != nil {
		return nil, err
	}

	holdings := make([]model.Holding, 0, len(raw))
	for _, r := range raw {
		holdings = append(holdings, model.Holding{
			Symbol:          r.Symbol,
			Exchange:        r.Exchange,
			Quantity:        r.Quantity,
			AvgPrice:        r.AveragePrice,
			LastTradedPrice: r.LastTradedPrice,
			DayChangePct:    r.DayChangePct,
		})
	}
	return holdings, nil
}

// Quotes fetches raw quotes for the user's session.
func (b *KotakNeo) Quotes(ctx context.Context, userID string, symbols []string, filter string) (json.RawMessage, error) {
	accessToken, sess, err := b.session(ctx, userID)
	if err != nil {
		return nil, err
	}
	return b.client.Quotes(ctx, accessToken, sess, symbols, filter)
}

func (b *KotakNeo) PlaceStopLossOrder(ctx context.Context, userID string, order model.StopLossOrder) (string, error) {
	if missing := order.Validate(); missing != "" {
		return "", fmt.Errorf("stop-loss order: missing %s", missing)
	}
	accessToken, sess, err := b.session(ctx, userID)
	if err != nil {
		return "", err
	}

	orderNo, err := b.client.PlaceOrder(ctx, accessToken, sess, stopLossOrderParams(order))
	if err != nil {
		return "", err
	}
	b.log.Info("stop-loss order placed",
		slog.String("user", userID),
		slog.String("symbol", order.Symbol),
		slog.String("order_id", orderNo))
	return orderNo, nil
}

// ModifyStopLossOrder re-submits an open stop-loss order with a new trigger
// price or quantity.
func (b *KotakNeo) ModifyStopLossOrder(ctx context.Context, userID, orderNo string, order model.StopLossOrder) error {
	if missing := order.Validate(); missing != "" {
		return fmt.Errorf("stop-loss order: missing %s", missing)
	}
	accessToken, sess, err := b.session(ctx, userID)
	if err != nil {
		return err
	}
	if err := b.client.ModifyOrder(ctx, accessToken, sess, orderNo, stopLossOrderParams(order)); err != nil {
		return err
	}
	b.log.Info("stop-loss order modified",
		slog.String("user", userID),
		slog.String("order_id", orderNo))
	return nil
}

// CancelOrder cancels an open order by broker order number.
func (b *KotakNeo) CancelOrder(ctx context.Context, userID, orderNo string) error {
	accessToken, sess, err := b.session(ctx, userID)
	if err != nil {
		return err
	}
	if err := b.client.CancelOrder(ctx, accessToken, sess, orderNo); err != nil {
		return err
	}
	b.log.Info("order cancelled",
		slog.String("user", userID),
		slog.String("order_id", orderNo))
	return nil
}

// ScripFilePaths returns the day's master scrip file URLs for symbol lookup.
func (b *KotakNeo) ScripFilePaths(ctx context.Context, userID string) ([]string, error) {
	accessToken, sess, err := b.session(ctx, userID)
	if err != nil {
		return nil, err
	}
	return b.client.ScripFilePaths(ctx, accessToken, sess)
}

// stopLossOrderParams maps a stop-loss order onto the jData wire shape.
func stopLossOrderParams(order model.StopLossOrder) kotakneo.OrderParams {
	txn := "S"
	if strings.EqualFold(order.TransactionType, "BUY") || order.TransactionType == "B" {
		txn = "B"
	}
	return kotakneo.OrderParams{
		ExchangeSegment: exchangeSegment(order.Exchange),
		Product:         order.ProductCode,
		Price:           "0",
		OrderType:       "SL-M",
		Quantity:        strconv.FormatInt(order.Qty, 10),
		TriggerPrice:    strconv.FormatFloat(order.TriggerPrice, 'f', 2, 64),
		TradingSymbol:   order.Symbol,
		TransactionType: txn,
		Validity:        "DAY",
		OrderTag:        order.Tag,
	}
}

func exchangeSegment(exchange string) string {
	switch strings.ToUpper(exchange) {
	case "BSE":
		return "bse_cm"
	case "NFO":
		return "nse_fo"
	default:
		return "nse_cm"
	}
}

func (b *KotakNeo) Logout(ctx context.Context, userID string) error {
	return b.sessions.ClearKotakSession(ctx, userID)
}
