// Package segment classifies players into behavioral segments from their
// lifetime metrics.
package segment

import (
	"math"

	"github.com/opensource-finance/loyalty/internal/domain"
)

// Classify returns the segment for state. Checks run in order: NEW, VIP,
// WINNING, BREAKEVEN, then LOSING as the fallback.
func Classify(state *domain.PlayerState, cfg domain.SegmentationConfig) domain.Segment {
	if state.TotalWagered < cfg.NewPlayerWagerThreshold {
		return domain.SegmentNew
	}
	if state.TotalWagered > cfg.VIPWagerThreshold && state.SessionCount > cfg.VIPSessionThreshold {
		return domain.SegmentVIP
	}
	if state.NetPnL > 0 && state.WinLossRatio > cfg.WinningRatio {
		return domain.SegmentWinning
	}
	if math.Abs(state.NetPnL) < state.TotalWagered*cfg.BreakevenTolerance {
		return domain.SegmentBreakeven
	}
	return domain.SegmentLosing
}

// Ensure fills in state.Segment when it is missing or unknown and reports
// whether it did.
func Ensure(state *domain.PlayerState, cfg domain.SegmentationConfig) bool {
	if state.Segment.Valid() {
		return false
	}
	state.Segment = Classify(state, cfg)
	return true
}
