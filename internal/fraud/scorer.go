// Package fraud detects bonus abuse patterns and recommends penalties.
// It is advisory only and never touches the ledger.
package fraud

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"
	"github.com/opensource-finance/loyalty/internal/domain"
)

// Scorer runs the abuse detectors and turns signals into a penalty.
type Scorer struct {
	cfg    domain.FraudConfig
	env    *cel.Env
	custom []*customRule
	now    func() time.Time
}

// Assessment is the full fraud verdict for one player.
type Assessment struct {
	Signals []domain.AbuseSignal `json:"signals"`
	Score   int                  `json:"score"`
	Penalty domain.PenaltyAction `json:"penalty"`
}

// NewScorer creates a scorer and compiles its custom signal rules.
func NewScorer(cfg domain.FraudConfig) (*Scorer, error) {
	defaults := domain.DefaultFraudConfig()
	if cfg.Severities == nil {
		cfg.Severities = defaults.Severities
	}
	if cfg.SeverityWeight <= 0 {
		cfg.SeverityWeight = defaults.SeverityWeight
	}
	if cfg.WithdrawalWindow <= 0 {
		cfg.WithdrawalWindow = defaults.WithdrawalWindow
	}
	if cfg.MinBetSample <= 0 {
		cfg.MinBetSample = defaults.MinBetSample
	}
	if cfg.RecentBetWindow <= 0 {
		cfg.RecentBetWindow = defaults.RecentBetWindow
	}
	if cfg.BetSpikeRatio <= 0 {
		cfg.BetSpikeRatio = defaults.BetSpikeRatio
	}
	if cfg.WinRateThreshold <= 0 {
		cfg.WinRateThreshold = defaults.WinRateThreshold
	}
	if cfg.MinWinRateSample <= 0 {
		cfg.MinWinRateSample = defaults.MinWinRateSample
	}
	if cfg.DepositEpsilon <= 0 {
		cfg.DepositEpsilon = defaults.DepositEpsilon
	}

	env, err := newCELEnv()
	if err != nil {
		return nil, err
	}

	s := &Scorer{cfg: cfg, env: env, now: time.Now}
	for _, rc := range cfg.CustomRules {
		r, err := compileCustomRule(env, rc)
		if err != nil {
			return nil, err
		}
		s.custom = append(s.custom, r)
	}
	return s, nil
}

// SetClock overrides the clock used for signal timestamps and windows.
func (s *Scorer) SetClock(now func() time.Time) {
	s.now = now
}

// ValidateCustomRule compiles a custom signal rule without adding it.
func (s *Scorer) ValidateCustomRule(rc domain.CustomSignalRule) error {
	_, err := compileCustomRule(s.env, rc)
	return err
}

// DetectAbuseSignals runs every detector against the snapshot and history.
// Detectors are independent; each firing contributes one signal.
func (s *Scorer) DetectAbuseSignals(state *domain.PlayerState, activity []domain.Activity) []domain.AbuseSignal {
	if state == nil {
		return nil
	}

	history := chronological(activity)
	summary := Summarize(history, s.now(), s.cfg.WithdrawalWindow)

	var signals []domain.AbuseSignal
	add := func(t domain.SignalType, details string) {
		signals = append(signals, s.newSignal(state.PlayerID, t, s.severity(t), details))
	}

	if ok, details := s.bonusOnlyPlay(state, summary); ok {
		add(domain.SignalBonusOnlyPlay, details)
	}
	if ok, details := s.immediateWithdrawal(history); ok {
		add(domain.SignalImmediateWithdrawal, details)
	}
	if ok, details := s.betManipulation(history); ok {
		add(domain.SignalBetManipulation, details)
	}
	if ok, details := s.abnormalWinRate(state); ok {
		add(domain.SignalAbnormalWinRate, details)
	}
	if s.multiAccount(state) {
		add(domain.SignalMultiAccount, "shared identity with another account")
	}

	if len(s.custom) > 0 {
		activation := activationFor(state, summary)
		for _, r := range s.custom {
			hit, err := r.eval(activation)
			if err != nil {
				slog.Warn("custom signal rule failed",
					"rule_id", r.cfg.ID,
					"player_id", state.PlayerID,
					"error", err,
				)
				continue
			}
			if hit {
				details := r.cfg.Details
				if details == "" {
					details = "custom rule " + r.cfg.ID
				}
				signals = append(signals, s.newSignal(state.PlayerID, r.cfg.SignalType, r.cfg.Severity, details))
			}
		}
	}

	for _, sig := range signals {
		slog.Warn("abuse signal detected",
			"player_id", state.PlayerID,
			"signal_type", sig.Type,
			"severity", sig.Severity,
		)
	}
	return signals
}

// CalculateAbuseScore sums unresolved severities, scales them by the
// configured weight and clamps the result to 0..100.
func (s *Scorer) CalculateAbuseScore(signals []domain.AbuseSignal) int {
	total := 0
	for _, sig := range signals {
		if !sig.Resolved {
			total += sig.Severity
		}
	}
	score := total * s.cfg.SeverityWeight
	return int(math.Max(0, math.Min(float64(score), 100)))
}

// ApplyPenalty maps a score to an action. Bands are inclusive on the lower
// end: 30 is NO_ACTION and 31 is REDUCED_REWARDS.
func ApplyPenalty(score int) domain.PenaltyAction {
	switch {
	case score >= 81:
		return domain.PenaltyBlocked
	case score >= 61:
		return domain.PenaltyIncreasedWagering
	case score >= 31:
		return domain.PenaltyReducedRewards
	default:
		return domain.PenaltyNone
	}
}

// Assess detects signals and scores them together with prior unresolved
// signals for the same player. A pattern that already has an unresolved
// signal is not raised again.
func (s *Scorer) Assess(state *domain.PlayerState, activity []domain.Activity, prior []domain.AbuseSignal) Assessment {
	open := make(map[domain.SignalType]bool, len(prior))
	for _, p := range prior {
		if !p.Resolved {
			open[p.Type] = true
		}
	}

	var fresh []domain.AbuseSignal
	for _, sig := range s.DetectAbuseSignals(state, activity) {
		if !open[sig.Type] {
			fresh = append(fresh, sig)
		}
	}

	all := make([]domain.AbuseSignal, 0, len(prior)+len(fresh))
	all = append(all, prior...)
	all = append(all, fresh...)

	score := s.CalculateAbuseScore(all)
	return Assessment{
		Signals: fresh,
		Score:   score,
		Penalty: ApplyPenalty(score),
	}
}

// FlagForReview creates a maximum-severity manual review signal.
func (s *Scorer) FlagForReview(playerID, reason string) domain.AbuseSignal {
	sig := s.newSignal(playerID, domain.SignalManualReview, 10, "flagged for manual review: "+reason)
	slog.Error("player flagged for manual review",
		"player_id", playerID,
		"reason", reason,
	)
	return sig
}

func (s *Scorer) newSignal(playerID string, t domain.SignalType, severity int, details string) domain.AbuseSignal {
	return domain.AbuseSignal{
		ID:         uuid.New().String(),
		PlayerID:   playerID,
		Type:       t,
		Severity:   clampSeverity(severity),
		Details:    details,
		DetectedAt: s.now().UTC(),
	}
}

func (s *Scorer) severity(t domain.SignalType) int {
	if sev, ok := s.cfg.Severities[t]; ok {
		return sev
	}
	return domain.DefaultFraudConfig().Severities[t]
}

// bonusOnlyPlay fires when bonus funds are in play but no real money was deposited.
func (s *Scorer) bonusOnlyPlay(state *domain.PlayerState, summary Summary) (bool, string) {
	deposits := math.Max(summary.DepositTotal, state.TotalDeposited)
	bonusActivity := summary.BonusIssued > 0 || state.Balances[domain.CurrencyBonus] > 0
	if bonusActivity && deposits < s.cfg.DepositEpsilon {
		return true, "bonus activity without real-money deposits"
	}
	return false, ""
}

// immediateWithdrawal fires on a withdrawal shortly after a bonus unlock or a win.
func (s *Scorer) immediateWithdrawal(history []domain.Activity) (bool, string) {
	var trigger *domain.Activity
	for i := range history {
		a := &history[i]
		switch a.Type {
		case domain.ActivityBonusUnlocked, domain.ActivityWin:
			trigger = a
		case domain.ActivityWithdrawal:
			if trigger == nil {
				continue
			}
			if gap := a.Timestamp.Sub(trigger.Timestamp); gap <= s.cfg.WithdrawalWindow {
				return true, fmt.Sprintf("withdrawal %s after %s", gap.Round(time.Minute), trigger.Type)
			}
		}
	}
	return false, ""
}

// betManipulation fires on minimum stakes during wagering followed by a
// stake spike after unlock. Without an unlock event it falls back to the
// spread of recent stakes.
func (s *Scorer) betManipulation(history []domain.Activity) (bool, string) {
	all := wagers(history)
	if len(all) < s.cfg.MinBetSample {
		return false, ""
	}

	unlock := -1
	for i, a := range history {
		if a.Type == domain.ActivityBonusUnlocked {
			unlock = i
			break
		}
	}

	if unlock >= 0 {
		before := wagers(history[:unlock])
		after := wagers(history[unlock+1:])
		if len(before) == 0 || len(after) == 0 {
			return false, ""
		}
		avgBefore := mean(before)
		maxAfter := maxOf(after)
		if avgBefore > 0 && maxAfter/avgBefore >= s.cfg.BetSpikeRatio {
			return true, fmt.Sprintf("stake rose from avg %.2f during wagering to %.2f after unlock", avgBefore, maxAfter)
		}
		return false, ""
	}

	recent := all
	if len(recent) > s.cfg.RecentBetWindow {
		recent = recent[len(recent)-s.cfg.RecentBetWindow:]
	}
	lo, hi := minOf(recent), maxOf(recent)
	if lo > 0 && hi/lo > s.cfg.BetSpikeRatio {
		return true, fmt.Sprintf("stake spread %.2f..%.2f over last %d wagers", lo, hi, len(recent))
	}
	return false, ""
}

// abnormalWinRate fires when winnings exceed wagers by the threshold over a
// minimum sample.
func (s *Scorer) abnormalWinRate(state *domain.PlayerState) (bool, string) {
	if state.TotalWagered < s.cfg.MinWinRateSample {
		return false, ""
	}
	rate := state.TotalWon / state.TotalWagered
	if rate > s.cfg.WinRateThreshold {
		return true, fmt.Sprintf("win rate %.0f%% over %.2f wagered", rate*100, state.TotalWagered)
	}
	return false, ""
}

// multiAccount needs device and payment fingerprints that player snapshots
// do not carry yet.
func (s *Scorer) multiAccount(state *domain.PlayerState) bool {
	return false
}

func mean(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

func minOf(v []float64) float64 {
	m := v[0]
	for _, x := range v[1:] {
		if x < m {
			m = x
		}
	}
	return m
}

func maxOf(v []float64) float64 {
	m := v[0]
	for _, x := range v[1:] {
		if x > m {
			m = x
		}
	}
	return m
}
