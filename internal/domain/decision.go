package domain

import (
	"time"
)

// RejectionKind distinguishes business rejections from each other.
type RejectionKind string

const (
	RejectionNone   RejectionKind = ""
	ProfitRejected  RejectionKind = "PROFIT_REJECTED"
	CapExceeded     RejectionKind = "CAP_EXCEEDED"
	FraudBlocked    RejectionKind = "FRAUD_BLOCKED"
	LedgerRejected  RejectionKind = "LEDGER_REJECTED"
	RejectionDryRun RejectionKind = "DRY_RUN"
)

// ProfitCheck is the Profit Safety Gate verdict for one reward.
type ProfitCheck struct {
	Approved        bool          `json:"approved"`
	Reason          string        `json:"reason"`
	Rejection       RejectionKind `json:"rejection,omitempty"`
	ExpectedWager   float64       `json:"expected_wager"`
	ExpectedRevenue float64       `json:"expected_revenue"`
	ExpectedProfit  float64       `json:"expected_profit"`
	ROIPercent      *float64      `json:"roi_percent,omitempty"`
	Period          string        `json:"period,omitempty"` // cap period that failed
}

// RewardOutcome records what happened to one proposed reward.
type RewardOutcome struct {
	Reward      ProposedReward     `json:"reward"`
	Issued      bool               `json:"issued"`
	Reason      string             `json:"reason"`
	Rejection   RejectionKind      `json:"rejection,omitempty"`
	Profit      *ProfitCheck       `json:"profit,omitempty"`
	Transaction *LedgerTransaction `json:"transaction,omitempty"`
}

// RewardDecision is the auditable result of one orchestration cycle.
type RewardDecision struct {
	ID             string          `json:"id"`
	PlayerID       string          `json:"player_id"`
	Segment        Segment         `json:"segment"`
	Outcomes       []RewardOutcome `json:"outcomes"`
	Failures       []RuleFailure   `json:"failures,omitempty"`
	Signals        []AbuseSignal   `json:"signals,omitempty"`
	AbuseScore     int             `json:"abuse_score"`
	Penalty        PenaltyAction   `json:"penalty"`
	RulesEvaluated int             `json:"rules_evaluated"`
	DryRun         bool            `json:"dry_run,omitempty"`
	TraceID        string          `json:"trace_id,omitempty"`
	TotalMs        int64           `json:"total_ms"`
	Timestamp      time.Time       `json:"timestamp"`
}

// IssuedCount returns how many outcomes reached the ledger.
func (d *RewardDecision) IssuedCount() int {
	n := 0
	for _, o := range d.Outcomes {
		if o.Issued {
			n++
		}
	}
	return n
}
