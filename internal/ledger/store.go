package ledger

import (
	"context"
	"time"

	"github.com/opensource-finance/loyalty/internal/domain"
)

// Store is the transactional storage behind the ledger.
type Store interface {
	// InTx runs fn in one storage transaction. The transaction commits only
	// if fn returns nil.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	GetWallet(ctx context.Context, playerID string) (*domain.Wallet, error)
	ListTransactions(ctx context.Context, playerID string, limit int) ([]*domain.LedgerTransaction, error)

	// ListBonusExpiryCandidates returns players holding a bonus balance whose
	// expiry is at or before now.
	ListBonusExpiryCandidates(ctx context.Context, now time.Time) ([]string, error)
}

// Tx is the view of the store inside InTx.
type Tx interface {
	// GetWallet returns ErrWalletNotFound when the player has no wallet.
	GetWallet(ctx context.Context, playerID string) (*domain.Wallet, error)
	SaveWallet(ctx context.Context, w *domain.Wallet) error
	AppendTransaction(ctx context.Context, t *domain.LedgerTransaction) error
}

// Locker serializes mutations per player. domain.KVStore satisfies it.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (func(), error)
}
