package fraud

import (
	"sort"
	"time"

	"github.com/opensource-finance/loyalty/internal/domain"
)

// Summary aggregates a player's activity history. It feeds the built-in
// detectors and is exposed to custom rules as the `activity` variable.
type Summary struct {
	DepositCount    int
	DepositTotal    float64
	WithdrawalCount int
	WithdrawalTotal float64
	WagerCount      int
	WagerTotal      float64
	WagerMin        float64
	WagerMax        float64
	WinCount        int
	WinTotal        float64
	BonusIssued     int
	BonusUnlocked   int

	// Counts inside the trailing window ending at the summary time.
	WindowDeposits    int
	WindowWithdrawals int
	WindowWagers      int
}

// Summarize builds a Summary; events at or after now-window count towards
// the window fields.
func Summarize(activity []domain.Activity, now time.Time, window time.Duration) Summary {
	var s Summary
	since := now.Add(-window)
	for _, a := range activity {
		recent := !a.Timestamp.Before(since)
		switch a.Type {
		case domain.ActivityDeposit:
			s.DepositCount++
			s.DepositTotal += a.Amount
			if recent {
				s.WindowDeposits++
			}
		case domain.ActivityWithdrawal:
			s.WithdrawalCount++
			s.WithdrawalTotal += a.Amount
			if recent {
				s.WindowWithdrawals++
			}
		case domain.ActivityWager:
			if s.WagerCount == 0 || a.Amount < s.WagerMin {
				s.WagerMin = a.Amount
			}
			if a.Amount > s.WagerMax {
				s.WagerMax = a.Amount
			}
			s.WagerCount++
			s.WagerTotal += a.Amount
			if recent {
				s.WindowWagers++
			}
		case domain.ActivityWin:
			s.WinCount++
			s.WinTotal += a.Amount
		case domain.ActivityBonusIssued:
			s.BonusIssued++
		case domain.ActivityBonusUnlocked:
			s.BonusUnlocked++
		}
	}
	return s
}

// WagerAvg is the mean stake, 0 without wagers.
func (s Summary) WagerAvg() float64 {
	if s.WagerCount == 0 {
		return 0
	}
	return s.WagerTotal / float64(s.WagerCount)
}

// Vars returns the summary as CEL variables.
func (s Summary) Vars() map[string]any {
	return map[string]any{
		"deposit_count":      int64(s.DepositCount),
		"deposit_total":      s.DepositTotal,
		"withdrawal_count":   int64(s.WithdrawalCount),
		"withdrawal_total":   s.WithdrawalTotal,
		"wager_count":        int64(s.WagerCount),
		"wager_total":        s.WagerTotal,
		"wager_min":          s.WagerMin,
		"wager_max":          s.WagerMax,
		"wager_avg":          s.WagerAvg(),
		"win_count":          int64(s.WinCount),
		"win_total":          s.WinTotal,
		"bonus_issued":       int64(s.BonusIssued),
		"bonus_unlocked":     int64(s.BonusUnlocked),
		"window_deposits":    int64(s.WindowDeposits),
		"window_withdrawals": int64(s.WindowWithdrawals),
		"window_wagers":      int64(s.WindowWagers),
	}
}

// chronological returns a time-ordered copy of activity.
func chronological(activity []domain.Activity) []domain.Activity {
	sorted := append([]domain.Activity(nil), activity...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	return sorted
}

func wagers(activity []domain.Activity) []float64 {
	var out []float64
	for _, a := range activity {
		if a.Type == domain.ActivityWager {
			out = append(out, a.Amount)
		}
	}
	return out
}
