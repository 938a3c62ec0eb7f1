package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Currency is a wallet balance bucket.
type Currency string

const (
	CurrencyLP      Currency = "LP"
	CurrencyRP      Currency = "RP"
	CurrencyBonus   Currency = "BONUS"
	CurrencyTickets Currency = "TICKETS"
)

// Valid reports whether c is a known currency.
func (c Currency) Valid() bool {
	switch c {
	case CurrencyLP, CurrencyRP, CurrencyBonus, CurrencyTickets:
		return true
	}
	return false
}

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TxDeposit      TransactionType = "DEPOSIT"
	TxWithdrawal   TransactionType = "WITHDRAWAL"
	TxWager        TransactionType = "WAGER"
	TxWin          TransactionType = "WIN"
	TxReward       TransactionType = "REWARD"
	TxBonusIssued  TransactionType = "BONUS_ISSUED"
	TxBonusExpired TransactionType = "BONUS_EXPIRED"
	TxLPEarned     TransactionType = "LP_EARNED"
	TxLPRedeemed   TransactionType = "LP_REDEEMED"
)

// Wallet holds one player's balances and bonus wagering state.
type Wallet struct {
	PlayerID string `json:"player_id"`

	LPBalance      decimal.Decimal `json:"lp_balance"`
	RPBalance      decimal.Decimal `json:"rp_balance"`
	BonusBalance   decimal.Decimal `json:"bonus_balance"`
	TicketsBalance decimal.Decimal `json:"tickets_balance"`

	BonusWageringRequired  decimal.Decimal  `json:"bonus_wagering_required"`
	BonusWageringCompleted decimal.Decimal  `json:"bonus_wagering_completed"`
	BonusExpiry            *time.Time       `json:"bonus_expiry,omitempty"`
	BonusMaxBet            *decimal.Decimal `json:"bonus_max_bet,omitempty"`
	BonusEligibleGames     []string         `json:"bonus_eligible_games,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewWallet returns an empty wallet for playerID.
func NewWallet(playerID string, now time.Time) *Wallet {
	return &Wallet{
		PlayerID:  playerID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Balance returns the balance for currency c.
func (w *Wallet) Balance(c Currency) decimal.Decimal {
	switch c {
	case CurrencyLP:
		return w.LPBalance
	case CurrencyRP:
		return w.RPBalance
	case CurrencyBonus:
		return w.BonusBalance
	case CurrencyTickets:
		return w.TicketsBalance
	}
	return decimal.Zero
}

// SetBalance replaces the balance for currency c.
func (w *Wallet) SetBalance(c Currency, v decimal.Decimal) {
	switch c {
	case CurrencyLP:
		w.LPBalance = v
	case CurrencyRP:
		w.RPBalance = v
	case CurrencyBonus:
		w.BonusBalance = v
	case CurrencyTickets:
		w.TicketsBalance = v
	}
}

// WageringComplete reports whether the active bonus requirement is met.
func (w *Wallet) WageringComplete() bool {
	return w.BonusWageringCompleted.GreaterThanOrEqual(w.BonusWageringRequired)
}

// Clone returns a deep copy.
func (w *Wallet) Clone() *Wallet {
	c := *w
	if w.BonusExpiry != nil {
		t := *w.BonusExpiry
		c.BonusExpiry = &t
	}
	if w.BonusMaxBet != nil {
		m := *w.BonusMaxBet
		c.BonusMaxBet = &m
	}
	if w.BonusEligibleGames != nil {
		c.BonusEligibleGames = append([]string(nil), w.BonusEligibleGames...)
	}
	return &c
}

// LedgerTransaction is an immutable ledger entry.
type LedgerTransaction struct {
	ID            string          `json:"id"`
	PlayerID      string          `json:"player_id"`
	Type          TransactionType `json:"type"`
	Currency      Currency        `json:"currency"`
	Amount        decimal.Decimal `json:"amount"` // signed effect on the balance
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Reference     string          `json:"reference,omitempty"`
	Description   string          `json:"description,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// WageringProgress is returned by a wager record.
type WageringProgress struct {
	PlayerID  string          `json:"player_id"`
	Active    bool            `json:"active"`
	Counted   bool            `json:"counted"`
	Required  decimal.Decimal `json:"required"`
	Completed decimal.Decimal `json:"completed"`
	Percent   float64         `json:"percent"`
	Unlocked  bool            `json:"unlocked"`
	Reason    string          `json:"reason,omitempty"`
}
