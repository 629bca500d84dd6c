package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"stopsafe/internal/model"
	"stopsafe/pkg/aliceblue"
)

const AliceBlueName = "alice-blue"

// AliceBlue connects the Alice Blue client to stored credentials and
// cached sessions.
type AliceBlue struct {
	client   *aliceblue.Client
	settings model.SettingsStore
	sessions model.SessionStore
	log      *slog.Logger
}

func NewAliceBlue(client *aliceblue.Client, settings model.SettingsStore, sessions model.SessionStore, log *slog.Logger) *AliceBlue {
	if log == nil {
		log = slog.Default()
	}
	return &AliceBlue{client: client, settings: settings, sessions: sessions, log: log}
}

func (b *AliceBlue) Name() string { return AliceBlueName }

func (b *AliceBlue) LoggedIn(ctx context.Context, userID string) bool {
	_, ok, err := b.sessions.AliceBlueSession(ctx, userID)
	return err == nil && ok
}

// ExchangeAuthCode completes the OAuth redirect: the auth code from the
// callback is exchanged for a session using the stored API secret, and the
// session is cached for subsequent portfolio reads.
func (b *AliceBlue) ExchangeAuthCode(ctx context.Context, userID, authCode string) (model.AliceBlueSession, error) {
	settings, ok, err := b.settings.AliceBlueSettings(ctx, userID)
	if err != nil {
		return model.AliceBlueSession{}, fmt.Errorf("load aliceblue settings: %w", err)
	}
	if !ok {
		return model.AliceBlueSession{}, fmt.Errorf("no aliceblue credentials saved for user %s", userID)
	}

	brokerUser := settings.UserID
	if brokerUser == "" {
		brokerUser = userID
	}
	sess, err := b.client.GenerateSession(ctx, brokerUser, authCode, settings.APISecret)
	if err != nil {
		return model.AliceBlueSession{}, err
	}

	out := model.AliceBlueSession{AccessToken: sess.AccessToken, UserID: sess.UserID}
	if err := b.sessions.SaveAliceBlueSession(ctx, userID, out); err != nil {
		return model.AliceBlueSession{}, fmt.Errorf("save aliceblue session: %w", err)
	}
	b.log.Info("aliceblue session established", slog.String("user", userID))
	return out, nil
}

// PasswordLogin runs the legacy encryption-key flow for accounts without
// an OAuth app: password and 2FA answer plus the stored API key pair. The
// session is cached like the OAuth one.
func (b *AliceBlue) PasswordLogin(ctx context.Context, userID, password, twoFA string) (model.AliceBlueSession, error) {
	settings, ok, err := b.settings.AliceBlueSettings(ctx, userID)
	if err != nil {
		return model.AliceBlueSession{}, fmt.Errorf("load aliceblue settings: %w", err)
	}
	if !ok {
		return model.AliceBlueSession{}, fmt.Errorf("no aliceblue credentials saved for user %s", userID)
	}

	brokerUser := settings.UserID
	if brokerUser == "" {
		brokerUser = userID
	}
	sess, err := b.client.Login(ctx, aliceblue.LoginParams{
		UserID:    brokerUser,
		APIKey:    settings.APIKey,
		APISecret: settings.APISecret,
		Password:  password,
		TwoFA:     twoFA,
	})
	if err != nil {
		return model.AliceBlueSession{}, err
	}

	out := model.AliceBlueSession{AccessToken: sess.AccessToken, UserID: sess.UserID}
	if err := b.sessions.SaveAliceBlueSession(ctx, userID, out); err != nil {
		return model.AliceBlueSession{}, fmt.Errorf("save aliceblue session: %w", err)
	}
	b.log.Info("aliceblue session established", slog.String("user", userID))
	return out, nil
}

func (b *AliceBlue) session(ctx context.Context, userID string) (aliceblue.Session, error) {
	s, ok, err := b.sessions.AliceBlueSession(ctx, userID)
	if err != nil {
		return aliceblue.Session{}, fmt.Errorf("load aliceblue session: %w", err)
	}
	if !ok {
		return aliceblue.Session{}, model.ErrNotLoggedIn
	}
	return aliceblue.Session{AccessToken: s.AccessToken, UserID: s.UserID}, nil
}

func (b *AliceBlue) Holdings(ctx context.Context, userID string) ([]model.Holding, error) {
	sess, err := b.session(ctx, userID)
	if err != nil {
		return nil, err
	}
	raw, err := b.client.Holdings(ctx, sess)
	if err != nil {
		return nil, err
	}

	holdings := make([]model.Holding, 0, len(raw))
	for _, r := range raw {
		holdings = append(holdings, model.Holding{
			Symbol:          r.Tradingsymbol,
			Exchange:        r.Exchange,
			Token:           r.Token,
			Quantity:        parseI(r.HoldingQuantity),
			AvgPrice:        parseF(r.Price),
			LastTradedPrice: parseF(r.LTP),
			DayChangePct:    parseF(r.PnlPercentage),
		})
	}
	return holdings, nil
}

func (b *AliceBlue) Positions(ctx context.Context, userID string) ([]model.Position, error) {
	sess, err := b.session(ctx, userID)
	if err != nil {
		return nil, err
	}
	raw, err := b.client.Positions(ctx, sess)
	if err != nil {
		return nil, err
	}

	positions := make([]model.Position, 0, len(raw))
	for _, r := range raw {
		positions = append(positions, model.Position{
			Symbol:          r.Symbol,
			Exchange:        r.Exchange,
			Token:           r.Token,
			NetQty:          parseI(r.Netqty),
			BuyQty:          parseI(r.BuyQty),
			SellQty:         parseI(r.SellQty),
			LastTradedPrice: parseF(r.LTP),
			AvgBuyPrice:     parseF(r.BuyAveragePrice),
			AvgSellPrice:    parseF(r.SellAveragePrice),
			RealizedPnL:     parseF(r.Realisedprofitloss),
			UnrealizedPnL:   parseF(r.Unrealisedprofitloss),
		})
	}
	return positions, nil
}

func (b *AliceBlue) PlaceStopLossOrder(ctx context.Context, userID string, order model.StopLossOrder) (string, error) {
	if missing := order.Validate(); missing != "" {
		return "", fmt.Errorf("stop-loss order: missing %s", missing)
	}
	sess, err := b.session(ctx, userID)
	if err != nil {
		return "", err
	}

	orderID, err := b.client.PlaceOrder(ctx, sess, aliceblue.OrderParams{
		Complexty:     "regular",
		DiscQty:       "0",
		Exchange:      order.Exchange,
		ProductCode:   order.ProductCode,
		PriceType:     "SL-M",
		Price:         "0",
		Qty:           strconv.FormatInt(order.Qty, 10),
		Retention:     "DAY",
		SymbolID:      order.Token,
		TradingSymbol: order.Symbol,
		TransType:     order.TransactionType,
		TrigPrice:     strconv.FormatFloat(order.TriggerPrice, 'f', 2, 64),
		OrderTag:      order.Tag,
	})
	if err != nil {
		return "", err
	}
	b.log.Info("stop-loss order placed",
		slog.String("user", userID),
		slog.String("symbol", order.Symbol),
		slog.String("order_id", orderID))
	return orderID, nil
}

// Account reads the profile and cash margin summary for the session. Both
// reads degrade to partial maps on upstream failure; only a missing session
// is an error.
func (b *AliceBlue) Account(ctx context.Context, userID string) (profile, balance map[string]string, err error) {
	sess, err := b.session(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	return b.client.Profile(ctx, sess), b.client.Balance(ctx, sess), nil
}

func (b *AliceBlue) Logout(ctx context.Context, userID string) error {
	return b.sessions.ClearAliceBlueSession(ctx, userID)
}

// CandleSource returns a per-user daily-close source backed by the chart
// history endpoint, for enriching that user's portfolio.
func (b *AliceBlue) CandleSource(userID string) model.CandleSource {
	return &aliceCandleSource{broker: b, userID: userID}
}

type aliceCandleSource struct {
	broker *AliceBlue
	userID string
}

func (s *aliceCandleSource) DailyCloses(ctx context.Context, exchange, token string, days int) ([]float64, error) {
	sess, err := s.broker.session(ctx, s.userID)
	if err != nil {
		return nil, err
	}
	return s.broker.client.DailyCloses(ctx, sess, exchange, token, days)
}
