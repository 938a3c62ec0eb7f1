package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/loyalty/internal/domain"
	"github.com/opensource-finance/loyalty/internal/ledger"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqlTx is the ledger.Tx view of an open database transaction.
type sqlTx struct {
	repo *SQLRepository
	tx   *sql.Tx
}

// InTx runs fn inside a database transaction.
func (r *SQLRepository) InTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(&sqlTx{repo: r, tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (t *sqlTx) GetWallet(ctx context.Context, playerID string) (*domain.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE player_id = ?`
	if t.repo.driver == "postgres" {
		query += ` FOR UPDATE`
	}
	return t.repo.getWallet(ctx, t.tx, query, playerID)
}

func (t *sqlTx) SaveWallet(ctx context.Context, w *domain.Wallet) error {
	games, err := json.Marshal(w.BonusEligibleGames)
	if err != nil {
		return fmt.Errorf("failed to marshal eligible games: %w", err)
	}

	var maxBet decimal.NullDecimal
	if w.BonusMaxBet != nil {
		maxBet = decimal.NullDecimal{Decimal: *w.BonusMaxBet, Valid: true}
	}
	var expiry sql.NullTime
	if w.BonusExpiry != nil {
		expiry = sql.NullTime{Time: w.BonusExpiry.UTC(), Valid: true}
	}

	query := `
		INSERT INTO wallets (
			player_id, lp_balance, rp_balance, bonus_balance, tickets_balance,
			bonus_wagering_required, bonus_wagering_completed, bonus_expiry,
			bonus_max_bet, bonus_eligible_games, has_bonus, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(player_id) DO UPDATE SET
			lp_balance = excluded.lp_balance,
			rp_balance = excluded.rp_balance,
			bonus_balance = excluded.bonus_balance,
			tickets_balance = excluded.tickets_balance,
			bonus_wagering_required = excluded.bonus_wagering_required,
			bonus_wagering_completed = excluded.bonus_wagering_completed,
			bonus_expiry = excluded.bonus_expiry,
			bonus_max_bet = excluded.bonus_max_bet,
			bonus_eligible_games = excluded.bonus_eligible_games,
			has_bonus = excluded.has_bonus,
			updated_at = excluded.updated_at
	`

	_, err = t.tx.ExecContext(ctx, t.repo.rebind(query),
		w.PlayerID,
		w.LPBalance.String(), w.RPBalance.String(), w.BonusBalance.String(), w.TicketsBalance.String(),
		w.BonusWageringRequired.String(), w.BonusWageringCompleted.String(), expiry,
		maxBet, string(games), boolToInt(w.BonusBalance.IsPositive()),
		w.CreatedAt.UTC(), w.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save wallet %s: %w", w.PlayerID, err)
	}
	return nil
}

func (t *sqlTx) AppendTransaction(ctx context.Context, lt *domain.LedgerTransaction) error {
	var metadata []byte
	if len(lt.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(lt.Metadata); err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	query := `
		INSERT INTO ledger_transactions (
			id, player_id, type, currency, amount, balance_before, balance_after,
			reference, description, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := t.tx.ExecContext(ctx, t.repo.rebind(query),
		lt.ID, lt.PlayerID, string(lt.Type), string(lt.Currency),
		lt.Amount.String(), lt.BalanceBefore.String(), lt.BalanceAfter.String(),
		lt.Reference, lt.Description, string(metadata), lt.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append transaction %s: %w", lt.ID, err)
	}
	return nil
}

const walletColumns = `player_id, lp_balance, rp_balance, bonus_balance, tickets_balance,
	bonus_wagering_required, bonus_wagering_completed, bonus_expiry,
	bonus_max_bet, bonus_eligible_games, created_at, updated_at`

// GetWallet reads a wallet outside any transaction.
func (r *SQLRepository) GetWallet(ctx context.Context, playerID string) (*domain.Wallet, error) {
	return r.getWallet(ctx, r.db, `SELECT `+walletColumns+` FROM wallets WHERE player_id = ?`, playerID)
}

func (r *SQLRepository) getWallet(ctx context.Context, q queryer, query, playerID string) (*domain.Wallet, error) {
	var w domain.Wallet
	var expiry sql.NullTime
	var maxBet decimal.NullDecimal
	var games sql.NullString

	err := q.QueryRowContext(ctx, r.rebind(query), playerID).Scan(
		&w.PlayerID, &w.LPBalance, &w.RPBalance, &w.BonusBalance, &w.TicketsBalance,
		&w.BonusWageringRequired, &w.BonusWageringCompleted, &expiry,
		&maxBet, &games, &w.CreatedAt, &w.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}

	if expiry.Valid {
		t := expiry.Time.UTC()
		w.BonusExpiry = &t
	}
	if maxBet.Valid {
		m := maxBet.Decimal
		w.BonusMaxBet = &m
	}
	if games.Valid && games.String != "" && games.String != "null" {
		if err := json.Unmarshal([]byte(games.String), &w.BonusEligibleGames); err != nil {
			return nil, fmt.Errorf("failed to parse eligible games for %s: %w", playerID, err)
		}
	}
	return &w, nil
}

// ListTransactions returns a player's ledger entries, newest first.
func (r *SQLRepository) ListTransactions(ctx context.Context, playerID string, limit int) ([]*domain.LedgerTransaction, error) {
	query := `
		SELECT id, player_id, type, currency, amount, balance_before, balance_after,
			reference, description, metadata, created_at
		FROM ledger_transactions
		WHERE player_id = ?
		ORDER BY created_at DESC, id DESC` + limitClause(limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), playerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []*domain.LedgerTransaction
	for rows.Next() {
		var lt domain.LedgerTransaction
		var reference, description, metadata sql.NullString
		if err := rows.Scan(
			&lt.ID, &lt.PlayerID, &lt.Type, &lt.Currency, &lt.Amount, &lt.BalanceBefore, &lt.BalanceAfter,
			&reference, &description, &metadata, &lt.CreatedAt,
		); err != nil {
			return nil, err
		}
		lt.Reference = reference.String
		lt.Description = description.String
		if metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &lt.Metadata); err != nil {
				return nil, fmt.Errorf("failed to parse metadata for %s: %w", lt.ID, err)
			}
		}
		txs = append(txs, &lt)
	}
	return txs, rows.Err()
}

// ListBonusExpiryCandidates returns players with a bonus balance whose
// expiry has passed.
func (r *SQLRepository) ListBonusExpiryCandidates(ctx context.Context, now time.Time) ([]string, error) {
	query := `
		SELECT player_id FROM wallets
		WHERE has_bonus = 1 AND bonus_expiry IS NOT NULL AND bonus_expiry <= ?
		ORDER BY player_id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
