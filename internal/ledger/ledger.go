// Package ledger implements the wallet ledger: per-player balances with an
// append-only transaction log.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/loyalty/internal/domain"
	"github.com/opensource-finance/loyalty/internal/kv"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUnknownCurrency     = errors.New("unknown currency")
	ErrWalletNotFound      = errors.New("wallet not found")
)

// Ledger applies balance mutations. Every mutation holds the player's lock
// and runs in one store transaction that saves the wallet and appends one
// transaction record.
type Ledger struct {
	store   Store
	locker  Locker
	lockTTL time.Duration
	now     func() time.Time
}

// BonusGrant describes a bonus credit.
type BonusGrant struct {
	Amount decimal.Decimal

	// WageringRequired is the absolute stake added to the requirement.
	WageringRequired decimal.Decimal
	ExpiresAt        *time.Time
	MaxBet           *decimal.Decimal
	EligibleGames    []string
	Reference        string
}

// ExpiryFailure records one player the expiry sweep could not process.
type ExpiryFailure struct {
	PlayerID string `json:"player_id"`
	Error    string `json:"error"`
}

// ExpiryReport summarizes an expiry sweep.
type ExpiryReport struct {
	Scanned      int                         `json:"scanned"`
	Expired      int                         `json:"expired"`
	Forfeited    decimal.Decimal             `json:"forfeited"`
	Transactions []*domain.LedgerTransaction `json:"transactions,omitempty"`
	Failures     []ExpiryFailure             `json:"failures,omitempty"`
}

// New creates a ledger. A nil locker uses an in-process lock table.
func New(store Store, locker Locker, cfg domain.LedgerConfig) *Ledger {
	if locker == nil {
		locker = kv.NewMemoryStore(0)
	}
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Ledger{store: store, locker: locker, lockTTL: ttl, now: time.Now}
}

// SetClock overrides the ledger clock.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// mutation changes w and returns the transaction describing the change, or
// nil when nothing needs recording.
type mutation func(w *domain.Wallet, now time.Time) (*domain.LedgerTransaction, error)

// apply runs fn under the player's lock inside one store transaction.
// create controls whether a missing wallet is created.
func (l *Ledger) apply(ctx context.Context, playerID string, create bool, fn mutation) (*domain.LedgerTransaction, error) {
	if playerID == "" {
		return nil, fmt.Errorf("player id is required")
	}

	release, err := l.locker.Lock(ctx, "wallet:"+playerID, l.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to lock wallet %s: %w", playerID, err)
	}
	defer release()

	var result *domain.LedgerTransaction
	err = l.store.InTx(ctx, func(tx Tx) error {
		now := l.now().UTC()

		w, err := tx.GetWallet(ctx, playerID)
		if errors.Is(err, ErrWalletNotFound) && create {
			w = domain.NewWallet(playerID, now)
		} else if err != nil {
			return err
		}

		t, err := fn(w, now)
		if err != nil {
			return err
		}

		w.UpdatedAt = now
		if err := tx.SaveWallet(ctx, w); err != nil {
			return fmt.Errorf("failed to save wallet: %w", err)
		}
		if t != nil {
			if err := tx.AppendTransaction(ctx, t); err != nil {
				return fmt.Errorf("failed to append transaction: %w", err)
			}
		}
		result = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// credit is the common path for positive balance changes.
func credit(w *domain.Wallet, c domain.Currency, amount decimal.Decimal, txType domain.TransactionType, ref, desc string, now time.Time) *domain.LedgerTransaction {
	before := w.Balance(c)
	after := before.Add(amount)
	w.SetBalance(c, after)
	return newTransaction(w.PlayerID, txType, c, amount, before, after, ref, desc, now)
}

func newTransaction(playerID string, txType domain.TransactionType, c domain.Currency, amount, before, after decimal.Decimal, ref, desc string, now time.Time) *domain.LedgerTransaction {
	return &domain.LedgerTransaction{
		ID:            uuid.New().String(),
		PlayerID:      playerID,
		Type:          txType,
		Currency:      c,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Reference:     ref,
		Description:   desc,
		CreatedAt:     now,
	}
}

func requirePositive(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidAmount, amount.String())
	}
	return nil
}

// AddLoyaltyPoints credits loyalty points.
func (l *Ledger) AddLoyaltyPoints(ctx context.Context, playerID string, amount decimal.Decimal, source string) (*domain.LedgerTransaction, error) {
	if err := requirePositive(amount); err != nil {
		return nil, err
	}
	return l.apply(ctx, playerID, true, func(w *domain.Wallet, now time.Time) (*domain.LedgerTransaction, error) {
		return credit(w, domain.CurrencyLP, amount, domain.TxLPEarned, source, "loyalty points earned", now), nil
	})
}

// AddRewardPoints credits reward points.
func (l *Ledger) AddRewardPoints(ctx context.Context, playerID string, amount decimal.Decimal, source string) (*domain.LedgerTransaction, error) {
	if err := requirePositive(amount); err != nil {
		return nil, err
	}
	return l.apply(ctx, playerID, true, func(w *domain.Wallet, now time.Time) (*domain.LedgerTransaction, error) {
		return credit(w, domain.CurrencyRP, amount, domain.TxReward, source, "reward points earned", now), nil
	})
}

// AddTickets credits whole tickets; fractions are dropped.
func (l *Ledger) AddTickets(ctx context.Context, playerID string, amount decimal.Decimal, source string) (*domain.LedgerTransaction, error) {
	amount = amount.Truncate(0)
	if err := requirePositive(amount); err != nil {
		return nil, err
	}
	return l.apply(ctx, playerID, true, func(w *domain.Wallet, now time.Time) (*domain.LedgerTransaction, error) {
		return credit(w, domain.CurrencyTickets, amount, domain.TxReward, source, "tickets earned", now), nil
	})
}

// AddBonusBalance credits a bonus. Wagering requirements stack; the expiry
// moves to the later of the current and new expiry; max bet and eligible
// games take the new grant's values.
func (l *Ledger) AddBonusBalance(ctx context.Context, playerID string, grant BonusGrant) (*domain.LedgerTransaction, error) {
	if err := requirePositive(grant.Amount); err != nil {
		return nil, err
	}
	if grant.WageringRequired.IsNegative() {
		return nil, fmt.Errorf("%w: wagering requirement must not be negative", ErrInvalidAmount)
	}

	return l.apply(ctx, playerID, true, func(w *domain.Wallet, now time.Time) (*domain.LedgerTransaction, error) {
		hadBonus := w.BonusBalance.IsPositive()

		t := credit(w, domain.CurrencyBonus, grant.Amount, domain.TxBonusIssued, grant.Reference, "bonus issued", now)

		// Wagering beyond the current requirement does not count towards
		// the next bonus.
		if w.BonusWageringCompleted.GreaterThan(w.BonusWageringRequired) {
			w.BonusWageringCompleted = w.BonusWageringRequired
		}
		w.BonusWageringRequired = w.BonusWageringRequired.Add(grant.WageringRequired)
		w.BonusExpiry = laterExpiry(w.BonusExpiry, grant.ExpiresAt, hadBonus)
		if grant.MaxBet != nil {
			m := *grant.MaxBet
			w.BonusMaxBet = &m
		} else {
			w.BonusMaxBet = nil
		}
		w.BonusEligibleGames = append([]string(nil), grant.EligibleGames...)

		t.Metadata = map[string]any{
			"wagering_required": w.BonusWageringRequired.String(),
		}
		return t, nil
	})
}

// laterExpiry picks the expiry for a stacked bonus. A nil expiry on an
// existing bonus means it never expires.
func laterExpiry(current, next *time.Time, hadBonus bool) *time.Time {
	if !hadBonus {
		return copyTime(next)
	}
	if current == nil || next == nil {
		return nil
	}
	if next.After(*current) {
		return copyTime(next)
	}
	return current
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// DeductBalance debits a balance. The default type is LP_REDEEMED for
// loyalty points and WITHDRAWAL otherwise.
func (l *Ledger) DeductBalance(ctx context.Context, playerID string, c domain.Currency, amount decimal.Decimal, txType domain.TransactionType, reference string) (*domain.LedgerTransaction, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCurrency, c)
	}
	if err := requirePositive(amount); err != nil {
		return nil, err
	}
	if txType == "" {
		txType = domain.TxWithdrawal
		if c == domain.CurrencyLP {
			txType = domain.TxLPRedeemed
		}
	}

	return l.apply(ctx, playerID, false, func(w *domain.Wallet, now time.Time) (*domain.LedgerTransaction, error) {
		before := w.Balance(c)
		after := before.Sub(amount)
		if after.IsNegative() {
			return nil, fmt.Errorf("%w: %s balance %s, requested %s", ErrInsufficientBalance, c, before.String(), amount.String())
		}
		w.SetBalance(c, after)
		return newTransaction(playerID, txType, c, amount.Neg(), before, after, reference, "balance deducted", now), nil
	})
}

// RecordWager counts a stake towards the active bonus requirement. It moves
// no funds and records no transaction. Unlocking leaves the bonus in place.
func (l *Ledger) RecordWager(ctx context.Context, playerID string, amount decimal.Decimal, gameType string) (*domain.WageringProgress, error) {
	if err := requirePositive(amount); err != nil {
		return nil, err
	}

	progress := &domain.WageringProgress{PlayerID: playerID}
	_, err := l.apply(ctx, playerID, false, func(w *domain.Wallet, now time.Time) (*domain.LedgerTransaction, error) {
		progress.Required = w.BonusWageringRequired
		progress.Completed = w.BonusWageringCompleted

		if !bonusActive(w, now) {
			progress.Reason = "no active bonus"
			return nil, nil
		}
		progress.Active = true

		if !gameEligible(w.BonusEligibleGames, gameType) {
			progress.Reason = fmt.Sprintf("game %q is not eligible", gameType)
			progress.Percent = percent(w)
			return nil, nil
		}

		if w.BonusMaxBet != nil && amount.GreaterThan(*w.BonusMaxBet) {
			slog.Warn("wager above bonus max bet",
				"player_id", playerID,
				"amount", amount.String(),
				"max_bet", w.BonusMaxBet.String(),
			)
			progress.Reason = "wager above max bet"
		}

		if w.WageringComplete() {
			progress.Unlocked = true
			progress.Percent = 100
			if progress.Reason == "" {
				progress.Reason = "wagering already complete"
			}
			return nil, nil
		}

		w.BonusWageringCompleted = w.BonusWageringCompleted.Add(amount)
		progress.Counted = true
		progress.Completed = w.BonusWageringCompleted
		progress.Unlocked = w.WageringComplete()
		progress.Percent = percent(w)

		if progress.Unlocked {
			slog.Info("bonus unlocked",
				"player_id", playerID,
				"bonus_balance", w.BonusBalance.String(),
			)
		}
		return nil, nil
	})
	if errors.Is(err, ErrWalletNotFound) {
		progress.Reason = "no active bonus"
		return progress, nil
	}
	if err != nil {
		return nil, err
	}
	return progress, nil
}

func bonusActive(w *domain.Wallet, now time.Time) bool {
	if !w.BonusBalance.IsPositive() || !w.BonusWageringRequired.IsPositive() {
		return false
	}
	return w.BonusExpiry == nil || w.BonusExpiry.After(now)
}

func gameEligible(games []string, gameType string) bool {
	if len(games) == 0 {
		return true
	}
	for _, g := range games {
		if g == gameType {
			return true
		}
	}
	return false
}

func percent(w *domain.Wallet) float64 {
	if !w.BonusWageringRequired.IsPositive() {
		return 100
	}
	p, _ := w.BonusWageringCompleted.Div(w.BonusWageringRequired).Mul(decimal.NewFromInt(100)).Round(2).Float64()
	if p > 100 {
		return 100
	}
	return p
}

// ExpireBonuses forfeits expired bonuses whose wagering is incomplete. Each
// player is processed independently; failures are collected, not returned.
// Running it again on the same state records nothing new.
func (l *Ledger) ExpireBonuses(ctx context.Context) (*ExpiryReport, error) {
	now := l.now().UTC()
	candidates, err := l.store.ListBonusExpiryCandidates(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list expiry candidates: %w", err)
	}

	report := &ExpiryReport{Scanned: len(candidates), Forfeited: decimal.Zero}
	for _, playerID := range candidates {
		if err := ctx.Err(); err != nil {
			report.Failures = append(report.Failures, ExpiryFailure{PlayerID: playerID, Error: err.Error()})
			continue
		}

		t, err := l.apply(ctx, playerID, false, expireBonus)
		if err != nil {
			slog.Error("failed to expire bonus",
				"player_id", playerID,
				"error", err,
			)
			report.Failures = append(report.Failures, ExpiryFailure{PlayerID: playerID, Error: err.Error()})
			continue
		}
		if t == nil {
			continue
		}
		report.Expired++
		report.Forfeited = report.Forfeited.Add(t.Amount.Neg())
		report.Transactions = append(report.Transactions, t)
	}

	if report.Expired > 0 || len(report.Failures) > 0 {
		slog.Info("bonus expiry sweep finished",
			"scanned", report.Scanned,
			"expired", report.Expired,
			"forfeited", report.Forfeited.String(),
			"failures", len(report.Failures),
		)
	}
	return report, nil
}

func expireBonus(w *domain.Wallet, now time.Time) (*domain.LedgerTransaction, error) {
	if !w.BonusBalance.IsPositive() || w.BonusExpiry == nil || w.BonusExpiry.After(now) || w.WageringComplete() {
		return nil, nil
	}

	before := w.BonusBalance
	w.BonusBalance = decimal.Zero
	w.BonusWageringRequired = decimal.Zero
	w.BonusWageringCompleted = decimal.Zero
	w.BonusExpiry = nil
	w.BonusMaxBet = nil
	w.BonusEligibleGames = nil

	t := newTransaction(w.PlayerID, domain.TxBonusExpired, domain.CurrencyBonus, before.Neg(), before, decimal.Zero, "", "bonus expired", now)
	return t, nil
}

// IssueReward credits an approved reward to the wallet for its currency.
func (l *Ledger) IssueReward(ctx context.Context, reward domain.ProposedReward) (*domain.LedgerTransaction, error) {
	amount := decimal.NewFromFloat(reward.Amount).Round(2)
	ref := reward.RuleID

	var (
		t   *domain.LedgerTransaction
		err error
	)
	switch reward.Currency {
	case domain.CurrencyLP:
		t, err = l.AddLoyaltyPoints(ctx, reward.PlayerID, amount, ref)
	case domain.CurrencyRP:
		t, err = l.AddRewardPoints(ctx, reward.PlayerID, amount, ref)
	case domain.CurrencyTickets:
		t, err = l.AddTickets(ctx, reward.PlayerID, amount, ref)
	case domain.CurrencyBonus:
		grant := BonusGrant{
			Amount:           amount,
			WageringRequired: decimal.NewFromFloat(reward.WageringRequired).Round(2),
			ExpiresAt:        reward.ExpiresAt,
			EligibleGames:    reward.EligibleGames,
			Reference:        ref,
		}
		if reward.MaxBet != nil {
			m := decimal.NewFromFloat(*reward.MaxBet)
			grant.MaxBet = &m
		}
		t, err = l.AddBonusBalance(ctx, reward.PlayerID, grant)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCurrency, reward.Currency)
	}
	if err != nil {
		return nil, err
	}

	slog.Info("reward issued",
		"player_id", reward.PlayerID,
		"rule_id", reward.RuleID,
		"reward_type", reward.RewardType,
		"amount", t.Amount.String(),
		"currency", t.Currency,
	)
	return t, nil
}

// GetWallet returns the player's wallet.
func (l *Ledger) GetWallet(ctx context.Context, playerID string) (*domain.Wallet, error) {
	return l.store.GetWallet(ctx, playerID)
}

// ListTransactions returns the player's transactions, newest first.
func (l *Ledger) ListTransactions(ctx context.Context, playerID string, limit int) ([]*domain.LedgerTransaction, error) {
	return l.store.ListTransactions(ctx, playerID, limit)
}
