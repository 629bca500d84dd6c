package memory

import (
	"context"
	"testing"
	"time"

	"stopsafe/internal/model"
)

func TestSessions_RoundTripAndClear(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, ok, _ := s.KotakSession(ctx, "u1"); ok {
		t.Fatal("unexpected session in fresh store")
	}

	kotak := model.KotakSession{Token: "t", SID: "sid", BaseURL: "https://trade.example"}
	if err := s.SaveKotakSession(ctx, "u1", kotak); err != nil {
		t.Fatalf("SaveKotakSession: %v", err)
	}
	got, ok, err := s.KotakSession(ctx, "u1")
	if err != nil || !ok {
		t.Fatalf("KotakSession: ok=%v err=%v", ok, err)
	}
	if got != kotak {
		t.Errorf("got %+v, want %+v", got, kotak)
	}

	alice := model.AliceBlueSession{AccessToken: "at", UserID: "AB1"}
	s.SaveAliceBlueSession(ctx, "u1", alice)
	if gotA, ok, _ := s.AliceBlueSession(ctx, "u1"); !ok || gotA != alice {
		t.Errorf("aliceblue session = %+v ok=%v", gotA, ok)
	}

	// Sessions are independent per broker and per user.
	if _, ok, _ := s.KotakSession(ctx, "u2"); ok {
		t.Error("session leaked across users")
	}
	s.ClearKotakSession(ctx, "u1")
	if _, ok, _ := s.KotakSession(ctx, "u1"); ok {
		t.Error("session survived clear")
	}
	if _, ok, _ := s.AliceBlueSession(ctx, "u1"); !ok {
		t.Error("clearing kotak dropped aliceblue session")
	}
}

func TestSessions_Expire(t *testing.T) {
	s := New()
	ctx := context.Background()

	now := time.Now()
	s.now = func() time.Time { return now }

	s.SaveKotakSession(ctx, "u1", model.KotakSession{Token: "t"})
	if _, ok, _ := s.KotakSession(ctx, "u1"); !ok {
		t.Fatal("session missing before expiry")
	}

	now = now.Add(defaultSessionTTL + time.Minute)
	if _, ok, _ := s.KotakSession(ctx, "u1"); ok {
		t.Error("session survived past TTL")
	}
}
