package safety

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/loyalty/internal/domain"
	"github.com/opensource-finance/loyalty/internal/kv"
)

var fixedNow = time.Date(2026, 3, 11, 15, 0, 0, 0, time.UTC) // Wednesday

func newTestGate(cfg domain.ProfitConfig) *ProfitGate {
	g := NewProfitGate(cfg, kv.NewMemoryStore(100))
	g.SetClock(func() time.Time { return fixedNow })
	return g
}

// vipState yields expected revenue 25 for reward types without a
// retention entry (multiplier 1.0).
func vipState() *domain.PlayerState {
	return &domain.PlayerState{
		PlayerID:      "player-001",
		Segment:       domain.SegmentVIP,
		RecentWagered: 500,
	}
}

func floatPtr(v float64) *float64 { return &v }

func TestValidateRewardExpectedValue(t *testing.T) {
	gate := newTestGate(domain.DefaultProfitConfig())
	ctx := context.Background()

	t.Run("Approved", func(t *testing.T) {
		check, err := gate.ValidateReward(ctx, vipState(), 10, domain.RewardTickets, Options{})
		if err != nil {
			t.Fatalf("ValidateReward failed: %v", err)
		}
		if !check.Approved {
			t.Fatalf("expected approval, got %q", check.Reason)
		}
		if check.ExpectedRevenue != 25 {
			t.Errorf("expected revenue 25, got %v", check.ExpectedRevenue)
		}
		if check.ROIPercent == nil || *check.ROIPercent != 150 {
			t.Errorf("expected roi 150, got %v", check.ROIPercent)
		}
	})

	t.Run("NegativeProfit", func(t *testing.T) {
		check, err := gate.ValidateReward(ctx, vipState(), 100, domain.RewardTickets, Options{})
		if err != nil {
			t.Fatalf("ValidateReward failed: %v", err)
		}
		if check.Approved {
			t.Fatal("expected rejection")
		}
		if check.Rejection != domain.ProfitRejected {
			t.Errorf("expected PROFIT_REJECTED, got %s", check.Rejection)
		}
		if check.ExpectedProfit != -75 {
			t.Errorf("expected profit -75, got %v", check.ExpectedProfit)
		}
	})

	t.Run("NegativeMinROIAllowsLoss", func(t *testing.T) {
		check, _ := gate.ValidateReward(ctx, vipState(), 100, domain.RewardTickets, Options{MinROI: floatPtr(-80)})
		if !check.Approved {
			t.Errorf("expected approval with roi -75 >= -80, got %q", check.Reason)
		}

		check, _ = gate.ValidateReward(ctx, vipState(), 100, domain.RewardTickets, Options{MinROI: floatPtr(-50)})
		if check.Approved || check.Rejection != domain.ProfitRejected {
			t.Errorf("expected rejection with roi -75 < -50, got %+v", check)
		}
	})

	t.Run("MinROIFloor", func(t *testing.T) {
		check, _ := gate.ValidateReward(ctx, vipState(), 10, domain.RewardTickets, Options{MinROI: floatPtr(200)})
		if check.Approved {
			t.Error("expected rejection with roi 150 < 200")
		}
	})

	t.Run("ZeroAmount", func(t *testing.T) {
		check, err := gate.ValidateReward(ctx, vipState(), 0, domain.RewardTickets, Options{MinROI: floatPtr(50)})
		if err != nil {
			t.Fatalf("ValidateReward failed: %v", err)
		}
		if check.ROIPercent != nil {
			t.Errorf("expected undefined roi, got %v", *check.ROIPercent)
		}
		if !check.Approved {
			t.Errorf("expected pass-through approval, got %q", check.Reason)
		}
	})

	t.Run("RetentionMultiplier", func(t *testing.T) {
		s := vipState()
		s.Segment = domain.SegmentLosing
		check, _ := gate.ValidateReward(ctx, s, 10, domain.RewardBonusBalance, Options{})
		// 500 * 1.8 * 0.05
		if check.ExpectedRevenue != 45 {
			t.Errorf("expected revenue 45, got %v", check.ExpectedRevenue)
		}
	})

	t.Run("PerGameHouseEdge", func(t *testing.T) {
		check, _ := gate.ValidateReward(ctx, vipState(), 1, domain.RewardTickets, Options{EligibleGames: []string{"blackjack"}})
		if check.ExpectedRevenue != 2.5 {
			t.Errorf("expected revenue 2.5, got %v", check.ExpectedRevenue)
		}
	})
}

func TestValidateRewardCaps(t *testing.T) {
	cfg := domain.DefaultProfitConfig()
	ctx := context.Background()

	rich := &domain.PlayerState{PlayerID: "whale", Segment: domain.SegmentVIP, RecentWagered: 10_000_000}

	t.Run("DailyCap", func(t *testing.T) {
		gate := newTestGate(cfg)
		if err := gate.RecordIssued(ctx, "whale", 900, fixedNow); err != nil {
			t.Fatalf("RecordIssued failed: %v", err)
		}

		check, err := gate.ValidateReward(ctx, rich, 100, domain.RewardTickets, Options{})
		if err != nil || !check.Approved {
			t.Fatalf("expected 900+100 to fit the daily cap, got %+v, %v", check, err)
		}

		check, _ = gate.ValidateReward(ctx, rich, 150, domain.RewardTickets, Options{})
		if check.Approved {
			t.Fatal("expected daily cap rejection")
		}
		if check.Rejection != domain.CapExceeded || check.Period != PeriodDaily {
			t.Errorf("expected daily CAP_EXCEEDED, got %s/%s", check.Rejection, check.Period)
		}
	})

	t.Run("NextDayResets", func(t *testing.T) {
		gate := newTestGate(cfg)
		_ = gate.RecordIssued(ctx, "whale", 1000, fixedNow)
		gate.SetClock(func() time.Time { return fixedNow.Add(24 * time.Hour) })

		check, _ := gate.ValidateReward(ctx, rich, 500, domain.RewardTickets, Options{})
		if !check.Approved {
			t.Errorf("expected approval on the next day, got %q", check.Reason)
		}

		issued, err := gate.Issued(ctx, "whale", PeriodWeekly, fixedNow.Add(24*time.Hour))
		if err != nil || issued != 1000 {
			t.Errorf("expected weekly issued 1000, got %v, %v", issued, err)
		}
	})

	t.Run("WeeklyCap", func(t *testing.T) {
		c := cfg
		c.DailyCap = 0
		gate := newTestGate(c)
		_ = gate.RecordIssued(ctx, "whale", 4900, fixedNow)

		check, _ := gate.ValidateReward(ctx, rich, 200, domain.RewardTickets, Options{})
		if check.Rejection != domain.CapExceeded || check.Period != PeriodWeekly {
			t.Errorf("expected weekly CAP_EXCEEDED, got %s/%s", check.Rejection, check.Period)
		}
	})

	t.Run("PendingCountsTowardsCap", func(t *testing.T) {
		gate := newTestGate(cfg)

		check, _ := gate.ValidateReward(ctx, rich, 400, domain.RewardTickets, Options{Pending: 700})
		if check.Rejection != domain.CapExceeded || check.Period != PeriodDaily {
			t.Errorf("expected daily CAP_EXCEEDED with pending 700, got %s/%s", check.Rejection, check.Period)
		}
	})

	t.Run("ExpectedValueCheckedFirst", func(t *testing.T) {
		gate := newTestGate(cfg)
		_ = gate.RecordIssued(ctx, "player-001", 1000, fixedNow)

		check, _ := gate.ValidateReward(ctx, vipState(), 100, domain.RewardTickets, Options{})
		if check.Rejection != domain.ProfitRejected {
			t.Errorf("expected PROFIT_REJECTED before caps, got %s", check.Rejection)
		}
	})
}

type failingStore struct{ *kv.MemoryStore }

func (f *failingStore) GetFloat(ctx context.Context, key string) (float64, error) {
	return 0, errors.New("connection refused")
}

func TestValidateRewardStoreError(t *testing.T) {
	gate := NewProfitGate(domain.DefaultProfitConfig(), &failingStore{MemoryStore: kv.NewMemoryStore(1)})

	_, err := gate.ValidateReward(context.Background(), vipState(), 10, domain.RewardTickets, Options{})
	if err == nil {
		t.Fatal("expected store error to surface as an error, not a rejection")
	}
}

func TestHold(t *testing.T) {
	gate := newTestGate(domain.DefaultProfitConfig())
	ctx := context.Background()

	release, err := gate.Hold(ctx, "p1")
	if err != nil {
		t.Fatalf("Hold failed: %v", err)
	}

	t.Run("SamePlayerWaits", func(t *testing.T) {
		tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		if _, err := gate.Hold(tctx, "p1"); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded while held, got %v", err)
		}
	})

	t.Run("OtherPlayerFree", func(t *testing.T) {
		other, err := gate.Hold(ctx, "p2")
		if err != nil {
			t.Fatalf("Hold failed: %v", err)
		}
		other()
	})

	release()
	again, err := gate.Hold(ctx, "p1")
	if err != nil {
		t.Fatalf("Hold after release failed: %v", err)
	}
	again()
}
