package domain

import (
	"time"
)

// SignalType identifies an abuse pattern.
type SignalType string

const (
	SignalBonusOnlyPlay       SignalType = "BONUS_ONLY_PLAY"
	SignalImmediateWithdrawal SignalType = "IMMEDIATE_WITHDRAWAL"
	SignalBetManipulation     SignalType = "BET_MANIPULATION"
	SignalAbnormalWinRate     SignalType = "ABNORMAL_WIN_RATE"
	SignalMultiAccount        SignalType = "MULTI_ACCOUNT"
	SignalManualReview        SignalType = "MANUAL_REVIEW_REQUIRED"
)

// AbuseSignal is one detected abuse indicator.
type AbuseSignal struct {
	ID         string     `json:"id"`
	PlayerID   string     `json:"player_id"`
	Type       SignalType `json:"signal_type"`
	Severity   int        `json:"severity"` // 1-10
	Details    string     `json:"details,omitempty"`
	Resolved   bool       `json:"resolved"`
	DetectedAt time.Time  `json:"detected_at"`
}

// PenaltyAction is the fraud scorer's recommendation.
type PenaltyAction string

const (
	PenaltyNone              PenaltyAction = "NO_ACTION"
	PenaltyReducedRewards    PenaltyAction = "REDUCED_REWARDS"
	PenaltyIncreasedWagering PenaltyAction = "INCREASED_WAGERING"
	PenaltyBlocked           PenaltyAction = "BLOCKED"
)

// ActivityType classifies a player activity event.
type ActivityType string

const (
	ActivityDeposit       ActivityType = "DEPOSIT"
	ActivityWithdrawal    ActivityType = "WITHDRAWAL"
	ActivityWager         ActivityType = "WAGER"
	ActivityWin           ActivityType = "WIN"
	ActivityBonusIssued   ActivityType = "BONUS_ISSUED"
	ActivityBonusUnlocked ActivityType = "BONUS_UNLOCKED"
)

// Activity is one entry of a player's activity history.
type Activity struct {
	Type      ActivityType `json:"type"`
	Amount    float64      `json:"amount"`
	GameType  string       `json:"game_type,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}
