package domain

import (
	"time"
)

// RewardType identifies what a rule grants.
type RewardType string

const (
	RewardBonusBalance  RewardType = "BONUS_BALANCE"
	RewardCashback      RewardType = "CASHBACK"
	RewardLoyaltyPoints RewardType = "LOYALTY_POINTS"
	RewardRewardPoints  RewardType = "REWARD_POINTS"
	RewardTickets       RewardType = "TICKETS"
	RewardFreePlay      RewardType = "FREE_PLAY"
	RewardVIPPerks      RewardType = "VIP_PERKS"
)

// Valid reports whether t is a known reward type.
func (t RewardType) Valid() bool {
	switch t {
	case RewardBonusBalance, RewardCashback, RewardLoyaltyPoints, RewardRewardPoints,
		RewardTickets, RewardFreePlay, RewardVIPPerks:
		return true
	}
	return false
}

// Currency returns the wallet currency a reward type is credited to.
func (t RewardType) Currency() Currency {
	switch t {
	case RewardLoyaltyPoints:
		return CurrencyLP
	case RewardRewardPoints:
		return CurrencyRP
	case RewardTickets:
		return CurrencyTickets
	default:
		return CurrencyBonus
	}
}

// RewardRule is an administrator-authored reward rule.
// Field names are the storage contract and must not change.
type RewardRule struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	Priority     int            `json:"priority"`
	Active       bool           `json:"active"`
	Conditions   map[string]any `json:"conditions"`
	RewardConfig RewardConfig   `json:"reward_config"`
	CreatedAt    time.Time      `json:"created_at,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at,omitempty"`
}

// RewardConfig describes how a matched rule computes its reward.
type RewardConfig struct {
	RewardType RewardType `json:"reward_type"`
	Formula    string     `json:"formula"`
	MaxAmount  float64    `json:"max_amount"`

	// WageringRequirement is a multiplier on the reward amount.
	WageringRequirement *float64 `json:"wagering_requirement,omitempty"`
	ExpiryHours         *float64 `json:"expiry_hours,omitempty"`
	EligibleGames       []string `json:"eligible_games,omitempty"`
	MaxBet              *float64 `json:"max_bet,omitempty"`
}

// ProposedReward is the Rule Engine's output for one matched rule.
type ProposedReward struct {
	RuleID           string     `json:"rule_id"`
	RuleName         string     `json:"rule_name"`
	PlayerID         string     `json:"player_id"`
	RewardType       RewardType `json:"reward_type"`
	Amount           float64    `json:"amount"`
	Currency         Currency   `json:"currency"`
	WageringRequired float64    `json:"wagering_required"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	EligibleGames    []string   `json:"eligible_games,omitempty"`
	MaxBet           *float64   `json:"max_bet,omitempty"`
}

// RuleFailure reports a rule that was skipped during evaluation.
type RuleFailure struct {
	RuleID string `json:"rule_id"`
	Stage  string `json:"stage"` // "compile", "condition", "formula"
	Reason string `json:"reason"`
}

// Failure stages.
const (
	StageCompile   = "compile"
	StageCondition = "condition"
	StageFormula   = "formula"
)
