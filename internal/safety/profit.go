// Package safety implements the profit safety gate: an expected-value check
// followed by per-player issuance caps.
package safety

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/opensource-finance/loyalty/internal/domain"
	"github.com/opensource-finance/loyalty/internal/kv"
)

// Cap periods.
const (
	PeriodDaily   = "daily"
	PeriodWeekly  = "weekly"
	PeriodMonthly = "monthly"
)

// Options narrows a single validation.
type Options struct {
	// MinROI is the ROI floor in percent. When nil, any negative expected
	// profit is rejected.
	MinROI *float64

	// EligibleGames selects per-game house edges. Empty uses the default edge.
	EligibleGames []string

	// Pending is approved in the same cycle but not yet recorded.
	Pending float64
}

// ProfitGate validates that proposed rewards are expected to pay for
// themselves and stay within issuance caps.
type ProfitGate struct {
	cfg   domain.ProfitConfig
	store domain.KVStore
	now   func() time.Time
}

type period struct {
	name string
	cap  float64
	key  string
	ttl  time.Duration
}

// NewProfitGate creates a gate. A nil store falls back to an in-process
// counter store.
func NewProfitGate(cfg domain.ProfitConfig, store domain.KVStore) *ProfitGate {
	if store == nil {
		store = kv.NewMemoryStore(0)
	}
	if cfg.HouseEdge <= 0 {
		cfg.HouseEdge = 0.05
	}
	if cfg.DefaultRetention <= 0 {
		cfg.DefaultRetention = 1.0
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = 30
	}
	if cfg.ProjectionDays <= 0 {
		cfg.ProjectionDays = 30
	}
	return &ProfitGate{cfg: cfg, store: store, now: time.Now}
}

// SetClock overrides the clock used to pick cap buckets.
func (g *ProfitGate) SetClock(now func() time.Time) {
	g.now = now
}

// HouseEdge returns the edge for the given games: the mean of the known
// per-game edges, or the default edge when none are known.
func (g *ProfitGate) HouseEdge(games []string) float64 {
	var sum float64
	var n int
	for _, game := range games {
		if edge, ok := g.cfg.GameHouseEdges[game]; ok {
			sum += edge
			n++
		}
	}
	if n == 0 {
		return g.cfg.HouseEdge
	}
	return sum / float64(n)
}

// RetentionMultiplier looks up the multiplier for segment and reward type.
func (g *ProfitGate) RetentionMultiplier(segment domain.Segment, rewardType domain.RewardType) float64 {
	if bySegment, ok := g.cfg.RetentionMultipliers[segment]; ok {
		if m, ok := bySegment[rewardType]; ok {
			return m
		}
	}
	return g.cfg.DefaultRetention
}

// HistoricalWager projects the player's lookback wager onto the projection window.
func (g *ProfitGate) HistoricalWager(state *domain.PlayerState) float64 {
	daily := state.RecentWagered / float64(g.cfg.LookbackDays)
	return daily * float64(g.cfg.ProjectionDays)
}

// ExpectedValue fills the EV fields of a check without approving or
// rejecting it.
func (g *ProfitGate) ExpectedValue(state *domain.PlayerState, amount float64, rewardType domain.RewardType, games []string) domain.ProfitCheck {
	wager := g.HistoricalWager(state) * g.RetentionMultiplier(state.Segment, rewardType)
	revenue := wager * g.HouseEdge(games)
	profit := revenue - amount

	check := domain.ProfitCheck{
		ExpectedWager:   round2(wager),
		ExpectedRevenue: round2(revenue),
		ExpectedProfit:  round2(profit),
	}
	if amount > 0 {
		roi := round2(profit / amount * 100)
		check.ROIPercent = &roi
	}
	return check
}

// ValidateReward runs the EV check and then the cap check. A business
// rejection is reported in the returned check; the error is only set when
// the counter store fails.
func (g *ProfitGate) ValidateReward(ctx context.Context, state *domain.PlayerState, amount float64, rewardType domain.RewardType, opts Options) (domain.ProfitCheck, error) {
	if state == nil {
		return domain.ProfitCheck{}, fmt.Errorf("player state is required")
	}

	check := g.ExpectedValue(state, amount, rewardType, opts.EligibleGames)

	switch {
	case opts.MinROI == nil && check.ExpectedProfit < 0:
		return reject(check, domain.ProfitRejected, fmt.Sprintf("negative expected profit: %.2f", check.ExpectedProfit)), nil
	case opts.MinROI != nil && check.ROIPercent != nil && *check.ROIPercent < *opts.MinROI:
		return reject(check, domain.ProfitRejected, fmt.Sprintf("ROI %.1f%% below minimum %.1f%%", *check.ROIPercent, *opts.MinROI)), nil
	}

	for _, p := range g.periods(state.PlayerID, g.now()) {
		issued, err := g.store.GetFloat(ctx, p.key)
		if err != nil {
			return check, fmt.Errorf("failed to read %s cap counter: %w", p.name, err)
		}
		if total := issued + opts.Pending + amount; total > p.cap {
			check.Period = p.name
			return reject(check, domain.CapExceeded, fmt.Sprintf("%s cap exceeded: %.2f > %.2f", p.name, total, p.cap)), nil
		}
	}

	check.Approved = true
	check.Reason = "all validations passed"

	slog.Debug("reward validated",
		"player_id", state.PlayerID,
		"amount", amount,
		"expected_profit", check.ExpectedProfit,
	)
	return check, nil
}

// holdTTL bounds how long a crashed cycle can block a player's issuance.
const holdTTL = 30 * time.Second

// Hold serializes cap checks for one player. A cycle that issues rewards
// holds it from ValidateReward until the last RecordIssued so that two
// cycles cannot both pass against the same counters.
func (g *ProfitGate) Hold(ctx context.Context, playerID string) (func(), error) {
	release, err := g.store.Lock(ctx, "issue:"+playerID, holdTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to hold issuance for %s: %w", playerID, err)
	}
	return release, nil
}

// RecordIssued adds an issued amount to every enabled cap period.
func (g *ProfitGate) RecordIssued(ctx context.Context, playerID string, amount float64, at time.Time) error {
	for _, p := range g.periods(playerID, at) {
		if _, err := g.store.AddFloat(ctx, p.key, amount, p.ttl); err != nil {
			return fmt.Errorf("failed to record %s issuance: %w", p.name, err)
		}
	}
	return nil
}

// Issued returns the amount issued in the period containing at.
func (g *ProfitGate) Issued(ctx context.Context, playerID, periodName string, at time.Time) (float64, error) {
	for _, p := range g.allPeriods(playerID, at) {
		if p.name == periodName {
			return g.store.GetFloat(ctx, p.key)
		}
	}
	return 0, fmt.Errorf("unknown period: %s", periodName)
}

// periods returns the enabled cap periods for at, shortest first.
func (g *ProfitGate) periods(playerID string, at time.Time) []period {
	all := g.allPeriods(playerID, at)
	enabled := all[:0]
	for _, p := range all {
		if p.cap > 0 {
			enabled = append(enabled, p)
		}
	}
	return enabled
}

func (g *ProfitGate) allPeriods(playerID string, at time.Time) []period {
	at = at.UTC()
	year, week := at.ISOWeek()
	return []period{
		{PeriodDaily, g.cfg.DailyCap, "cap:" + playerID + ":d:" + at.Format("2006-01-02"), 48 * time.Hour},
		{PeriodWeekly, g.cfg.WeeklyCap, fmt.Sprintf("cap:%s:w:%d-%02d", playerID, year, week), 8 * 24 * time.Hour},
		{PeriodMonthly, g.cfg.MonthlyCap, "cap:" + playerID + ":m:" + at.Format("2006-01"), 32 * 24 * time.Hour},
	}
}

func reject(check domain.ProfitCheck, kind domain.RejectionKind, reason string) domain.ProfitCheck {
	check.Approved = false
	check.Rejection = kind
	check.Reason = reason
	return check
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
