package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/loyalty/internal/domain"
)

// MemoryStore is an in-process Store. Transactions are serialized and
// staged until commit.
type MemoryStore struct {
	mu           sync.Mutex
	wallets      map[string]*domain.Wallet
	transactions map[string][]*domain.LedgerTransaction
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:      make(map[string]*domain.Wallet),
		transactions: make(map[string][]*domain.LedgerTransaction),
	}
}

type memTx struct {
	store   *MemoryStore
	wallets map[string]*domain.Wallet
	appends []*domain.LedgerTransaction
}

// InTx runs fn with exclusive access to the store.
func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{store: s, wallets: make(map[string]*domain.Wallet)}
	if err := fn(tx); err != nil {
		return err
	}

	for id, w := range tx.wallets {
		s.wallets[id] = w
	}
	for _, t := range tx.appends {
		s.transactions[t.PlayerID] = append(s.transactions[t.PlayerID], t)
	}
	return nil
}

func (t *memTx) GetWallet(ctx context.Context, playerID string) (*domain.Wallet, error) {
	if w, ok := t.wallets[playerID]; ok {
		return w.Clone(), nil
	}
	w, ok := t.store.wallets[playerID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return w.Clone(), nil
}

func (t *memTx) SaveWallet(ctx context.Context, w *domain.Wallet) error {
	t.wallets[w.PlayerID] = w.Clone()
	return nil
}

func (t *memTx) AppendTransaction(ctx context.Context, lt *domain.LedgerTransaction) error {
	c := *lt
	t.appends = append(t.appends, &c)
	return nil
}

// GetWallet returns a copy of the player's wallet.
func (s *MemoryStore) GetWallet(ctx context.Context, playerID string) (*domain.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[playerID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return w.Clone(), nil
}

// ListTransactions returns the player's transactions, newest first.
func (s *MemoryStore) ListTransactions(ctx context.Context, playerID string, limit int) ([]*domain.LedgerTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txs := s.transactions[playerID]
	out := make([]*domain.LedgerTransaction, 0, len(txs))
	for i := len(txs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		c := *txs[i]
		out = append(out, &c)
	}
	return out, nil
}

// ListBonusExpiryCandidates returns players with an expired, non-zero bonus.
func (s *MemoryStore) ListBonusExpiryCandidates(ctx context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, w := range s.wallets {
		if w.BonusBalance.IsPositive() && w.BonusExpiry != nil && !w.BonusExpiry.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
