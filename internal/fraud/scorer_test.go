package fraud

import (
	"testing"
	"time"

	"github.com/opensource-finance/loyalty/internal/domain"
)

var testNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestScorer(t *testing.T, cfg domain.FraudConfig) *Scorer {
	t.Helper()
	s, err := NewScorer(cfg)
	if err != nil {
		t.Fatalf("NewScorer failed: %v", err)
	}
	s.SetClock(func() time.Time { return testNow })
	return s
}

func at(hoursAgo float64) time.Time {
	return testNow.Add(-time.Duration(hoursAgo * float64(time.Hour)))
}

func hasSignal(signals []domain.AbuseSignal, t domain.SignalType) bool {
	for _, s := range signals {
		if s.Type == t {
			return true
		}
	}
	return false
}

func depositor() *domain.PlayerState {
	return &domain.PlayerState{PlayerID: "p1", Segment: domain.SegmentLosing, TotalDeposited: 500}
}

func TestBonusOnlyPlay(t *testing.T) {
	s := newTestScorer(t, domain.DefaultFraudConfig())

	t.Run("BonusWithoutDeposits", func(t *testing.T) {
		state := &domain.PlayerState{PlayerID: "p1", Balances: map[domain.Currency]float64{domain.CurrencyBonus: 50}}
		signals := s.DetectAbuseSignals(state, nil)
		if !hasSignal(signals, domain.SignalBonusOnlyPlay) {
			t.Fatalf("expected BONUS_ONLY_PLAY, got %+v", signals)
		}
		if signals[0].Severity != 5 {
			t.Errorf("expected severity 5, got %d", signals[0].Severity)
		}
	})

	t.Run("BonusIssuedEvent", func(t *testing.T) {
		state := &domain.PlayerState{PlayerID: "p1"}
		activity := []domain.Activity{{Type: domain.ActivityBonusIssued, Amount: 20, Timestamp: at(2)}}
		if !hasSignal(s.DetectAbuseSignals(state, activity), domain.SignalBonusOnlyPlay) {
			t.Error("expected BONUS_ONLY_PLAY")
		}
	})

	t.Run("RealDeposits", func(t *testing.T) {
		state := depositor()
		state.Balances = map[domain.Currency]float64{domain.CurrencyBonus: 50}
		if hasSignal(s.DetectAbuseSignals(state, nil), domain.SignalBonusOnlyPlay) {
			t.Error("unexpected BONUS_ONLY_PLAY for depositing player")
		}
	})
}

func TestImmediateWithdrawal(t *testing.T) {
	s := newTestScorer(t, domain.DefaultFraudConfig())

	t.Run("AfterUnlock", func(t *testing.T) {
		activity := []domain.Activity{
			{Type: domain.ActivityWithdrawal, Amount: 300, Timestamp: at(1)},
			{Type: domain.ActivityBonusUnlocked, Timestamp: at(3)},
		}
		if !hasSignal(s.DetectAbuseSignals(depositor(), activity), domain.SignalImmediateWithdrawal) {
			t.Error("expected IMMEDIATE_WITHDRAWAL")
		}
	})

	t.Run("AfterWin", func(t *testing.T) {
		activity := []domain.Activity{
			{Type: domain.ActivityWin, Amount: 900, Timestamp: at(30)},
			{Type: domain.ActivityWithdrawal, Amount: 900, Timestamp: at(29)},
		}
		if !hasSignal(s.DetectAbuseSignals(depositor(), activity), domain.SignalImmediateWithdrawal) {
			t.Error("expected IMMEDIATE_WITHDRAWAL")
		}
	})

	t.Run("OutsideWindow", func(t *testing.T) {
		activity := []domain.Activity{
			{Type: domain.ActivityWin, Amount: 900, Timestamp: at(72)},
			{Type: domain.ActivityWithdrawal, Amount: 900, Timestamp: at(1)},
		}
		if hasSignal(s.DetectAbuseSignals(depositor(), activity), domain.SignalImmediateWithdrawal) {
			t.Error("unexpected IMMEDIATE_WITHDRAWAL")
		}
	})

	t.Run("WithdrawalBeforeWin", func(t *testing.T) {
		activity := []domain.Activity{
			{Type: domain.ActivityWithdrawal, Amount: 100, Timestamp: at(5)},
			{Type: domain.ActivityWin, Amount: 900, Timestamp: at(4)},
		}
		if hasSignal(s.DetectAbuseSignals(depositor(), activity), domain.SignalImmediateWithdrawal) {
			t.Error("unexpected IMMEDIATE_WITHDRAWAL")
		}
	})
}

func wagerRun(start float64, n int, amount float64) []domain.Activity {
	out := make([]domain.Activity, n)
	for i := range out {
		out[i] = domain.Activity{Type: domain.ActivityWager, Amount: amount, Timestamp: at(start - float64(i)*0.1)}
	}
	return out
}

func TestBetManipulation(t *testing.T) {
	s := newTestScorer(t, domain.DefaultFraudConfig())

	t.Run("SpikeAfterUnlock", func(t *testing.T) {
		activity := wagerRun(10, 10, 1)
		activity = append(activity, domain.Activity{Type: domain.ActivityBonusUnlocked, Timestamp: at(5)})
		activity = append(activity, domain.Activity{Type: domain.ActivityWager, Amount: 50, Timestamp: at(4)})
		if !hasSignal(s.DetectAbuseSignals(depositor(), activity), domain.SignalBetManipulation) {
			t.Error("expected BET_MANIPULATION")
		}
	})

	t.Run("SteadyAfterUnlock", func(t *testing.T) {
		activity := wagerRun(10, 10, 5)
		activity = append(activity, domain.Activity{Type: domain.ActivityBonusUnlocked, Timestamp: at(5)})
		activity = append(activity, domain.Activity{Type: domain.ActivityWager, Amount: 10, Timestamp: at(4)})
		if hasSignal(s.DetectAbuseSignals(depositor(), activity), domain.SignalBetManipulation) {
			t.Error("unexpected BET_MANIPULATION")
		}
	})

	t.Run("RecentSpreadWithoutUnlock", func(t *testing.T) {
		activity := wagerRun(10, 11, 2)
		activity = append(activity, domain.Activity{Type: domain.ActivityWager, Amount: 25, Timestamp: at(1)})
		if !hasSignal(s.DetectAbuseSignals(depositor(), activity), domain.SignalBetManipulation) {
			t.Error("expected BET_MANIPULATION")
		}
	})

	t.Run("TooFewWagers", func(t *testing.T) {
		activity := wagerRun(10, 5, 1)
		activity = append(activity, domain.Activity{Type: domain.ActivityWager, Amount: 500, Timestamp: at(1)})
		if hasSignal(s.DetectAbuseSignals(depositor(), activity), domain.SignalBetManipulation) {
			t.Error("unexpected BET_MANIPULATION below sample size")
		}
	})
}

func TestAbnormalWinRate(t *testing.T) {
	s := newTestScorer(t, domain.DefaultFraudConfig())

	tests := []struct {
		name    string
		wagered float64
		won     float64
		want    bool
	}{
		{"AboveThreshold", 5000, 6500, true},
		{"AtThreshold", 5000, 6000, false},
		{"SmallSample", 900, 5000, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := depositor()
			state.TotalWagered = tt.wagered
			state.TotalWon = tt.won
			got := hasSignal(s.DetectAbuseSignals(state, nil), domain.SignalAbnormalWinRate)
			if got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestCleanPlayer(t *testing.T) {
	s := newTestScorer(t, domain.DefaultFraudConfig())
	state := depositor()
	state.TotalWagered = 4000
	state.TotalWon = 3500
	if signals := s.DetectAbuseSignals(state, wagerRun(5, 15, 10)); len(signals) != 0 {
		t.Errorf("expected no signals, got %+v", signals)
	}
}

func TestCalculateAbuseScore(t *testing.T) {
	s := newTestScorer(t, domain.DefaultFraudConfig())

	tests := []struct {
		name    string
		signals []domain.AbuseSignal
		want    int
	}{
		{"None", nil, 0},
		{"Single", []domain.AbuseSignal{{Severity: 5}}, 50},
		{"ClampedTo100", []domain.AbuseSignal{{Severity: 7}, {Severity: 8}}, 100},
		{"ResolvedIgnored", []domain.AbuseSignal{{Severity: 3}, {Severity: 9, Resolved: true}}, 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.CalculateAbuseScore(tt.signals); got != tt.want {
				t.Errorf("expected %d, got %d", tt.want, got)
			}
		})
	}

	t.Run("CustomWeight", func(t *testing.T) {
		cfg := domain.DefaultFraudConfig()
		cfg.SeverityWeight = 3
		s := newTestScorer(t, cfg)
		if got := s.CalculateAbuseScore([]domain.AbuseSignal{{Severity: 5}, {Severity: 7}}); got != 36 {
			t.Errorf("expected 36, got %d", got)
		}
	})
}

func TestApplyPenalty(t *testing.T) {
	tests := []struct {
		score int
		want  domain.PenaltyAction
	}{
		{0, domain.PenaltyNone},
		{30, domain.PenaltyNone},
		{31, domain.PenaltyReducedRewards},
		{60, domain.PenaltyReducedRewards},
		{61, domain.PenaltyIncreasedWagering},
		{80, domain.PenaltyIncreasedWagering},
		{81, domain.PenaltyBlocked},
		{100, domain.PenaltyBlocked},
	}
	for _, tt := range tests {
		if got := ApplyPenalty(tt.score); got != tt.want {
			t.Errorf("ApplyPenalty(%d) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestAssess(t *testing.T) {
	s := newTestScorer(t, domain.DefaultFraudConfig())
	state := &domain.PlayerState{PlayerID: "p1", Balances: map[domain.Currency]float64{domain.CurrencyBonus: 10}}
	prior := []domain.AbuseSignal{{Type: domain.SignalImmediateWithdrawal, Severity: 1}}

	a := s.Assess(state, nil, prior)
	if len(a.Signals) != 1 {
		t.Fatalf("expected 1 new signal, got %d", len(a.Signals))
	}
	if a.Score != 60 {
		t.Errorf("expected score 60, got %d", a.Score)
	}
	if a.Penalty != domain.PenaltyReducedRewards {
		t.Errorf("expected REDUCED_REWARDS, got %s", a.Penalty)
	}

	t.Run("OpenSignalNotRaisedAgain", func(t *testing.T) {
		prior := []domain.AbuseSignal{{Type: domain.SignalBonusOnlyPlay, Severity: 5}}
		a := s.Assess(state, nil, prior)
		if len(a.Signals) != 0 {
			t.Errorf("expected no new signals, got %d", len(a.Signals))
		}
		if a.Score != 50 {
			t.Errorf("expected score 50, got %d", a.Score)
		}
	})

	t.Run("ResolvedSignalRaisedAgain", func(t *testing.T) {
		prior := []domain.AbuseSignal{{Type: domain.SignalBonusOnlyPlay, Severity: 5, Resolved: true}}
		a := s.Assess(state, nil, prior)
		if len(a.Signals) != 1 {
			t.Errorf("expected 1 new signal, got %d", len(a.Signals))
		}
	})
}

func TestFlagForReview(t *testing.T) {
	s := newTestScorer(t, domain.DefaultFraudConfig())
	sig := s.FlagForReview("p9", "chargeback")

	if sig.Type != domain.SignalManualReview || sig.Severity != 10 {
		t.Errorf("unexpected signal %+v", sig)
	}
	if sig.PlayerID != "p9" || sig.ID == "" || !sig.DetectedAt.Equal(testNow) {
		t.Errorf("unexpected signal fields %+v", sig)
	}
	if ApplyPenalty(s.CalculateAbuseScore([]domain.AbuseSignal{sig})) != domain.PenaltyBlocked {
		t.Error("manual review alone should block")
	}
}

func TestCustomRules(t *testing.T) {
	cfg := domain.DefaultFraudConfig()
	cfg.CustomRules = []domain.CustomSignalRule{
		{
			ID:         "rapid_withdrawals",
			SignalType: "RAPID_WITHDRAWALS",
			Expression: `activity.window_withdrawals >= 3 && player.total_deposited < 1000.0`,
			Severity:   6,
		},
		{
			ID:         "vip_loss",
			Expression: `segment == "VIP" && player.net_loss > 50000`,
			Severity:   42,
		},
	}
	s := newTestScorer(t, cfg)

	t.Run("Fires", func(t *testing.T) {
		activity := []domain.Activity{
			{Type: domain.ActivityWithdrawal, Amount: 10, Timestamp: at(1)},
			{Type: domain.ActivityWithdrawal, Amount: 10, Timestamp: at(2)},
			{Type: domain.ActivityWithdrawal, Amount: 10, Timestamp: at(3)},
		}
		signals := s.DetectAbuseSignals(depositor(), activity)
		if !hasSignal(signals, "RAPID_WITHDRAWALS") {
			t.Fatalf("expected RAPID_WITHDRAWALS, got %+v", signals)
		}
	})

	t.Run("DefaultTypeAndSeverityClamp", func(t *testing.T) {
		state := &domain.PlayerState{PlayerID: "v1", Segment: domain.SegmentVIP, TotalDeposited: 1e6, NetPnL: -60000}
		signals := s.DetectAbuseSignals(state, nil)
		if !hasSignal(signals, "VIP_LOSS") {
			t.Fatalf("expected VIP_LOSS, got %+v", signals)
		}
		for _, sig := range signals {
			if sig.Type == "VIP_LOSS" && sig.Severity != 10 {
				t.Errorf("expected severity clamped to 10, got %d", sig.Severity)
			}
		}
	})

	t.Run("CompileErrors", func(t *testing.T) {
		bad := []domain.CustomSignalRule{
			{ID: "syntax", Expression: "activity.wager_count >"},
			{ID: "not_bool", Expression: "activity.wager_total"},
			{ID: "unknown_var", Expression: "balance > 1.0"},
			{ID: "", Expression: "true"},
		}
		for _, rc := range bad {
			if err := s.ValidateCustomRule(rc); err == nil {
				t.Errorf("expected compile error for %q", rc.ID)
			}
		}

		cfg := domain.DefaultFraudConfig()
		cfg.CustomRules = bad[:1]
		if _, err := NewScorer(cfg); err == nil {
			t.Error("expected NewScorer to reject a bad custom rule")
		}
	})
}

func TestSummarize(t *testing.T) {
	activity := []domain.Activity{
		{Type: domain.ActivityDeposit, Amount: 100, Timestamp: at(48)},
		{Type: domain.ActivityDeposit, Amount: 50, Timestamp: at(1)},
		{Type: domain.ActivityWager, Amount: 5, Timestamp: at(1)},
		{Type: domain.ActivityWager, Amount: 15, Timestamp: at(1)},
		{Type: domain.ActivityWin, Amount: 30, Timestamp: at(1)},
	}
	s := Summarize(activity, testNow, 24*time.Hour)

	if s.DepositCount != 2 || s.DepositTotal != 150 || s.WindowDeposits != 1 {
		t.Errorf("unexpected deposits %+v", s)
	}
	if s.WagerMin != 5 || s.WagerMax != 15 || s.WagerAvg() != 10 {
		t.Errorf("unexpected wagers %+v", s)
	}
	if s.WinCount != 1 || s.WinTotal != 30 {
		t.Errorf("unexpected wins %+v", s)
	}
}
