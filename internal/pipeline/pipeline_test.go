package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/loyalty/internal/bus"
	"github.com/opensource-finance/loyalty/internal/domain"
	"github.com/opensource-finance/loyalty/internal/fraud"
	"github.com/opensource-finance/loyalty/internal/kv"
	"github.com/opensource-finance/loyalty/internal/ledger"
	"github.com/opensource-finance/loyalty/internal/rules"
	"github.com/opensource-finance/loyalty/internal/safety"
)

var testNow = time.Date(2026, 3, 11, 15, 0, 0, 0, time.UTC)

type memoryAudit struct {
	mu        sync.Mutex
	decisions []*domain.RewardDecision
	signals   []domain.AbuseSignal
	listErr   error
}

func (a *memoryAudit) SaveDecision(ctx context.Context, d *domain.RewardDecision) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.decisions = append(a.decisions, d)
	return nil
}

func (a *memoryAudit) SaveAbuseSignals(ctx context.Context, signals []domain.AbuseSignal) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.signals = append(a.signals, signals...)
	return nil
}

func (a *memoryAudit) ListAbuseSignals(ctx context.Context, playerID string, unresolvedOnly bool) ([]domain.AbuseSignal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listErr != nil {
		return nil, a.listErr
	}
	var out []domain.AbuseSignal
	for _, s := range a.signals {
		if s.PlayerID == playerID && !(unresolvedOnly && s.Resolved) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (a *memoryAudit) decisionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.decisions)
}

type fixture struct {
	pipeline *Pipeline
	ledger   *ledger.Ledger
	gate     *safety.ProfitGate
	audit    *memoryAudit
	bus      *bus.ChannelBus
}

func newFixture(t *testing.T, profit domain.ProfitConfig) *fixture {
	t.Helper()
	return newFixtureWithStore(t, profit, kv.NewMemoryStore(1000))
}

func newFixtureWithStore(t *testing.T, profit domain.ProfitConfig, store domain.KVStore) *fixture {
	t.Helper()

	wagering := 10.0
	expiry := 72.0
	engine := rules.NewEngine(domain.RulesConfig{MaxRewardsPerEvaluation: 1, MaxWorkers: 4})
	engine.SetClock(func() time.Time { return testNow })
	err := engine.LoadRule(&domain.RewardRule{
		ID:         "weekly-cashback",
		Name:       "Weekly cashback",
		Priority:   100,
		Active:     true,
		Conditions: map[string]any{"segment": "LOSING", "net_loss_min": 100.0},
		RewardConfig: domain.RewardConfig{
			RewardType:          domain.RewardBonusBalance,
			Formula:             "net_loss * 0.1",
			MaxAmount:           500,
			WageringRequirement: &wagering,
			ExpiryHours:         &expiry,
		},
	})
	if err != nil {
		t.Fatalf("LoadRule failed: %v", err)
	}

	gate := safety.NewProfitGate(profit, store)
	gate.SetClock(func() time.Time { return testNow })

	scorer, err := fraud.NewScorer(domain.DefaultFraudConfig())
	if err != nil {
		t.Fatalf("NewScorer failed: %v", err)
	}
	scorer.SetClock(func() time.Time { return testNow })

	l := ledger.New(ledger.NewMemoryStore(), store, domain.LedgerConfig{})
	l.SetClock(func() time.Time { return testNow })

	audit := &memoryAudit{}
	b := bus.NewChannelBus(100)
	t.Cleanup(func() { b.Close() })

	p := New(engine, gate, scorer, l, audit, b, Config{
		Pipeline:     domain.PipelineConfig{ReducedRewardFactor: 0.5, IncreasedWageringFactor: 2},
		Segmentation: domain.DefaultSegmentationConfig(),
		MaxWorkers:   4,
	})
	p.SetClock(func() time.Time { return testNow })

	return &fixture{pipeline: p, ledger: l, gate: gate, audit: audit, bus: b}
}

// losingPlayer proposes a 300 bonus with 3000 wagering; expected profit is 1500.
func losingPlayer(id string) *domain.PlayerState {
	return &domain.PlayerState{
		PlayerID:       id,
		Segment:        domain.SegmentLosing,
		TotalDeposited: 5000,
		TotalWagered:   10000,
		TotalWon:       7000,
		NetPnL:         -3000,
		SessionCount:   40,
		RecentWagered:  20000,
	}
}

func priorSignal(playerID string, severity int) domain.AbuseSignal {
	return domain.AbuseSignal{
		ID:         "prior-" + playerID,
		PlayerID:   playerID,
		Type:       domain.SignalMultiAccount,
		Severity:   severity,
		DetectedAt: testNow.Add(-time.Hour),
	}
}

func collect(t *testing.T, b *bus.ChannelBus, topic string) <-chan *domain.Message {
	t.Helper()
	ch := make(chan *domain.Message, 10)
	if _, err := b.Subscribe(context.Background(), topic, func(ctx context.Context, msg *domain.Message) error {
		ch <- msg
		return nil
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	return ch
}

func waitFor(t *testing.T, ch <-chan *domain.Message) *domain.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

func TestProcessIssuesReward(t *testing.T) {
	f := newFixture(t, domain.DefaultProfitConfig())
	ctx := context.Background()

	decisions := collect(t, f.bus, domain.TopicRewardDecision)
	issued := collect(t, f.bus, domain.TopicRewardIssued)

	decision, err := f.pipeline.Process(ctx, Request{State: losingPlayer("p1"), TraceID: "trace-1"})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if len(decision.Outcomes) != 1 {
		t.Fatalf("expected 1 outcome, got %d", len(decision.Outcomes))
	}
	o := decision.Outcomes[0]
	if !o.Issued {
		t.Fatalf("expected reward issued, got %q", o.Reason)
	}
	if o.Transaction == nil || o.Transaction.Type != domain.TxBonusIssued {
		t.Errorf("expected BONUS_ISSUED transaction, got %+v", o.Transaction)
	}
	if o.Profit == nil || o.Profit.ExpectedProfit != 1500 {
		t.Errorf("expected expected profit 1500, got %+v", o.Profit)
	}
	if decision.TraceID != "trace-1" {
		t.Errorf("expected trace-1, got %s", decision.TraceID)
	}
	if decision.Penalty != domain.PenaltyNone {
		t.Errorf("expected NO_ACTION, got %s", decision.Penalty)
	}

	w, err := f.ledger.GetWallet(ctx, "p1")
	if err != nil {
		t.Fatalf("GetWallet failed: %v", err)
	}
	if !w.BonusBalance.Equal(decimal.NewFromInt(300)) {
		t.Errorf("expected bonus 300, got %s", w.BonusBalance)
	}
	if !w.BonusWageringRequired.Equal(decimal.NewFromInt(3000)) {
		t.Errorf("expected wagering 3000, got %s", w.BonusWageringRequired)
	}

	daily, err := f.gate.Issued(ctx, "p1", safety.PeriodDaily, testNow)
	if err != nil || daily != 300 {
		t.Errorf("expected 300 recorded against the daily cap, got %v, %v", daily, err)
	}

	if f.audit.decisionCount() != 1 {
		t.Errorf("expected 1 saved decision, got %d", f.audit.decisionCount())
	}

	var published domain.RewardDecision
	if err := json.Unmarshal(waitFor(t, decisions).Payload, &published); err != nil {
		t.Fatalf("failed to decode decision event: %v", err)
	}
	if published.ID != decision.ID {
		t.Errorf("expected decision %s on the bus, got %s", decision.ID, published.ID)
	}
	waitFor(t, issued)
}

func TestProcessDryRun(t *testing.T) {
	f := newFixture(t, domain.DefaultProfitConfig())
	ctx := context.Background()

	decision, err := f.pipeline.Process(ctx, Request{State: losingPlayer("p1"), DryRun: true})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	o := decision.Outcomes[0]
	if o.Issued || o.Rejection != domain.RejectionDryRun {
		t.Errorf("expected DRY_RUN outcome, got issued=%v rejection=%s", o.Issued, o.Rejection)
	}
	if !decision.DryRun {
		t.Error("expected decision marked as dry run")
	}
	if _, err := f.ledger.GetWallet(ctx, "p1"); !errors.Is(err, ledger.ErrWalletNotFound) {
		t.Errorf("expected no wallet after dry run, got %v", err)
	}
	if daily, _ := f.gate.Issued(ctx, "p1", safety.PeriodDaily, testNow); daily != 0 {
		t.Errorf("expected nothing recorded against caps, got %v", daily)
	}
}

func TestProcessProfitRejected(t *testing.T) {
	f := newFixture(t, domain.DefaultProfitConfig())

	state := losingPlayer("p1")
	state.RecentWagered = 0

	decision, err := f.pipeline.Process(context.Background(), Request{State: state})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	o := decision.Outcomes[0]
	if o.Issued || o.Rejection != domain.ProfitRejected {
		t.Errorf("expected PROFIT_REJECTED, got issued=%v rejection=%s", o.Issued, o.Rejection)
	}
	if o.Reason == "" {
		t.Error("expected a rejection reason")
	}
}

func TestProcessCapAcrossCycles(t *testing.T) {
	cfg := domain.DefaultProfitConfig()
	cfg.DailyCap = 500
	f := newFixture(t, cfg)
	ctx := context.Background()

	first, err := f.pipeline.Process(ctx, Request{State: losingPlayer("p1")})
	if err != nil || !first.Outcomes[0].Issued {
		t.Fatalf("expected first reward issued, got %+v, %v", first, err)
	}

	second, err := f.pipeline.Process(ctx, Request{State: losingPlayer("p1")})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	o := second.Outcomes[0]
	if o.Issued || o.Rejection != domain.CapExceeded {
		t.Errorf("expected CAP_EXCEEDED, got issued=%v rejection=%s", o.Issued, o.Rejection)
	}
}

// slowCounters delays counter reads so concurrent cycles overlap.
type slowCounters struct {
	domain.KVStore
	delay time.Duration
}

func (s *slowCounters) GetFloat(ctx context.Context, key string) (float64, error) {
	time.Sleep(s.delay)
	return s.KVStore.GetFloat(ctx, key)
}

func TestProcessCapConcurrentCycles(t *testing.T) {
	cfg := domain.DefaultProfitConfig()
	cfg.DailyCap = 400
	f := newFixtureWithStore(t, cfg, &slowCounters{KVStore: kv.NewMemoryStore(1000), delay: 5 * time.Millisecond})
	ctx := context.Background()

	const cycles = 5
	decisions := make([]*domain.RewardDecision, cycles)
	errs := make([]error, cycles)
	var wg sync.WaitGroup
	for i := 0; i < cycles; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			decisions[i], errs[i] = f.pipeline.Process(ctx, Request{State: losingPlayer("p1")})
		}(i)
	}
	wg.Wait()

	issued, capped := 0, 0
	for i := range decisions {
		if errs[i] != nil {
			t.Fatalf("cycle %d failed: %v", i, errs[i])
		}
		o := decisions[i].Outcomes[0]
		switch {
		case o.Issued:
			issued++
		case o.Rejection == domain.CapExceeded:
			capped++
		default:
			t.Errorf("cycle %d: unexpected outcome %s: %s", i, o.Rejection, o.Reason)
		}
	}
	if issued != 1 || capped != cycles-1 {
		t.Errorf("expected 1 issued and %d capped, got %d and %d", cycles-1, issued, capped)
	}

	daily, err := f.gate.Issued(ctx, "p1", safety.PeriodDaily, testNow)
	if err != nil || daily != 300 {
		t.Errorf("expected 300 against the daily cap, got %v, %v", daily, err)
	}
	w, err := f.ledger.GetWallet(ctx, "p1")
	if err != nil {
		t.Fatalf("GetWallet failed: %v", err)
	}
	if !w.BonusBalance.Equal(decimal.NewFromInt(300)) {
		t.Errorf("expected bonus 300, got %s", w.BonusBalance)
	}
}

func TestProcessPenalties(t *testing.T) {
	tests := []struct {
		name         string
		severity     int
		wantPenalty  domain.PenaltyAction
		wantIssued   bool
		wantAmount   float64
		wantWagering float64
	}{
		{"NoAction", 3, domain.PenaltyNone, true, 300, 3000},
		{"ReducedRewards", 4, domain.PenaltyReducedRewards, true, 150, 1500},
		{"IncreasedWagering", 7, domain.PenaltyIncreasedWagering, true, 300, 6000},
		{"Blocked", 9, domain.PenaltyBlocked, false, 300, 3000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, domain.DefaultProfitConfig())
			ctx := context.Background()
			_ = f.audit.SaveAbuseSignals(ctx, []domain.AbuseSignal{priorSignal("p1", tt.severity)})

			decision, err := f.pipeline.Process(ctx, Request{State: losingPlayer("p1")})
			if err != nil {
				t.Fatalf("Process failed: %v", err)
			}
			if decision.Penalty != tt.wantPenalty {
				t.Errorf("expected penalty %s, got %s", tt.wantPenalty, decision.Penalty)
			}

			o := decision.Outcomes[0]
			if o.Issued != tt.wantIssued {
				t.Fatalf("expected issued=%v, got %v (%s)", tt.wantIssued, o.Issued, o.Reason)
			}
			if !tt.wantIssued {
				if o.Rejection != domain.FraudBlocked {
					t.Errorf("expected FRAUD_BLOCKED, got %s", o.Rejection)
				}
				return
			}
			if o.Reward.Amount != tt.wantAmount {
				t.Errorf("expected amount %v, got %v", tt.wantAmount, o.Reward.Amount)
			}
			if o.Reward.WageringRequired != tt.wantWagering {
				t.Errorf("expected wagering %v, got %v", tt.wantWagering, o.Reward.WageringRequired)
			}
		})
	}
}

func TestProcessAbuseAlert(t *testing.T) {
	f := newFixture(t, domain.DefaultProfitConfig())
	ctx := context.Background()
	alerts := collect(t, f.bus, domain.TopicAbuseAlert)

	// Bonus balance without any deposit.
	state := losingPlayer("p2")
	state.TotalDeposited = 0
	state.Balances = map[domain.Currency]float64{domain.CurrencyBonus: 50}

	decision, err := f.pipeline.Process(ctx, Request{State: state})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(decision.Signals) != 1 || decision.Signals[0].Type != domain.SignalBonusOnlyPlay {
		t.Fatalf("expected one BONUS_ONLY_PLAY signal, got %+v", decision.Signals)
	}

	var alert AbuseAlert
	if err := json.Unmarshal(waitFor(t, alerts).Payload, &alert); err != nil {
		t.Fatalf("failed to decode alert: %v", err)
	}
	if alert.PlayerID != "p2" || alert.Score != 50 {
		t.Errorf("unexpected alert %+v", alert)
	}

	// The open signal is not raised again on the next cycle.
	again, err := f.pipeline.Process(ctx, Request{State: state})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(again.Signals) != 0 {
		t.Errorf("expected no new signals, got %d", len(again.Signals))
	}
	if again.AbuseScore != 50 {
		t.Errorf("expected score 50 from the open signal, got %d", again.AbuseScore)
	}
}

func TestProcessClassifiesMissingSegment(t *testing.T) {
	f := newFixture(t, domain.DefaultProfitConfig())

	state := losingPlayer("p3")
	state.Segment = ""

	decision, err := f.pipeline.Process(context.Background(), Request{State: state})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if decision.Segment != domain.SegmentLosing {
		t.Errorf("expected LOSING, got %s", decision.Segment)
	}
	if state.Segment != "" {
		t.Error("caller's state must not be modified")
	}
	if len(decision.Outcomes) != 1 || !decision.Outcomes[0].Issued {
		t.Errorf("expected the cashback rule to match after classification")
	}
}

func TestProcessErrors(t *testing.T) {
	f := newFixture(t, domain.DefaultProfitConfig())
	ctx := context.Background()

	t.Run("InvalidRequest", func(t *testing.T) {
		if _, err := f.pipeline.Process(ctx, Request{}); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("expected ErrInvalidRequest, got %v", err)
		}
		if _, err := f.pipeline.Process(ctx, Request{State: &domain.PlayerState{}}); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("expected ErrInvalidRequest, got %v", err)
		}
	})

	t.Run("SignalStoreFailure", func(t *testing.T) {
		f.audit.listErr = errors.New("database unavailable")
		defer func() { f.audit.listErr = nil }()

		if _, err := f.pipeline.Process(ctx, Request{State: losingPlayer("p1")}); err == nil {
			t.Error("expected error when prior signals cannot be loaded")
		}
		if _, err := f.ledger.GetWallet(ctx, "p1"); !errors.Is(err, ledger.ErrWalletNotFound) {
			t.Errorf("expected nothing issued, got %v", err)
		}
	})
}

func TestProcessBatch(t *testing.T) {
	f := newFixture(t, domain.DefaultProfitConfig())

	results := f.pipeline.ProcessBatch(context.Background(), []Request{
		{State: losingPlayer("a")},
		{State: nil},
		{State: losingPlayer("b")},
	})

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for _, i := range []int{0, 2} {
		if results[i].Error != "" || results[i].Decision == nil {
			t.Errorf("result %d: expected success, got %q", i, results[i].Error)
		}
	}
	if results[1].Error == "" {
		t.Error("expected error for nil state")
	}
	if results[0].PlayerID != "a" || results[2].PlayerID != "b" {
		t.Errorf("results out of order: %s, %s", results[0].PlayerID, results[2].PlayerID)
	}

	t.Run("CancelledContext", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		results := f.pipeline.ProcessBatch(ctx, []Request{{State: losingPlayer("c")}})
		if results[0].Error == "" {
			t.Error("expected context error")
		}
	})
}
