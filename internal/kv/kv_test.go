package kv

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/loyalty/internal/domain"
)

func TestMemoryStoreCounters(t *testing.T) {
	store := NewMemoryStore(100)
	ctx := context.Background()

	t.Run("AddAndGet", func(t *testing.T) {
		v, err := store.AddFloat(ctx, "cap:p1:day", 250.5, time.Minute)
		if err != nil {
			t.Fatalf("AddFloat failed: %v", err)
		}
		if v != 250.5 {
			t.Errorf("expected 250.5, got %v", v)
		}

		v, _ = store.AddFloat(ctx, "cap:p1:day", 49.5, time.Minute)
		if v != 300 {
			t.Errorf("expected 300, got %v", v)
		}

		got, err := store.GetFloat(ctx, "cap:p1:day")
		if err != nil {
			t.Fatalf("GetFloat failed: %v", err)
		}
		if got != 300 {
			t.Errorf("expected 300, got %v", got)
		}
	})

	t.Run("Missing", func(t *testing.T) {
		got, err := store.GetFloat(ctx, "nonexistent")
		if err != nil {
			t.Fatalf("GetFloat failed: %v", err)
		}
		if got != 0 {
			t.Errorf("expected 0 for missing key, got %v", got)
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		_, _ = store.AddFloat(ctx, "expiring", 10, 10*time.Millisecond)
		time.Sleep(20 * time.Millisecond)

		got, _ := store.GetFloat(ctx, "expiring")
		if got != 0 {
			t.Errorf("expected expired counter to read 0, got %v", got)
		}

		v, _ := store.AddFloat(ctx, "expiring", 5, time.Minute)
		if v != 5 {
			t.Errorf("expected counter to restart at 5, got %v", v)
		}
	})
}

func TestMemoryStoreEviction(t *testing.T) {
	store := NewMemoryStore(3)
	ctx := context.Background()

	_, _ = store.AddFloat(ctx, "a", 1, time.Minute)
	_, _ = store.AddFloat(ctx, "b", 2, time.Minute)
	_, _ = store.AddFloat(ctx, "c", 3, time.Minute)

	// Touch "a" so "b" is the least recently used.
	_, _ = store.AddFloat(ctx, "a", 1, time.Minute)
	_, _ = store.AddFloat(ctx, "d", 4, time.Minute)

	size, capacity := store.Stats()
	if size != 3 || capacity != 3 {
		t.Errorf("expected 3/3, got %d/%d", size, capacity)
	}
	if v, _ := store.GetFloat(ctx, "b"); v != 0 {
		t.Errorf("expected b to be evicted, got %v", v)
	}
	if v, _ := store.GetFloat(ctx, "a"); v != 2 {
		t.Errorf("expected a=2, got %v", v)
	}
}

func TestMemoryStoreLock(t *testing.T) {
	store := NewMemoryStore(10)
	ctx := context.Background()

	t.Run("MutualExclusion", func(t *testing.T) {
		var wg sync.WaitGroup
		counter := 0
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				release, err := store.Lock(ctx, "player-1", time.Second)
				if err != nil {
					t.Errorf("Lock failed: %v", err)
					return
				}
				defer release()
				v := counter
				time.Sleep(time.Microsecond)
				counter = v + 1
			}()
		}
		wg.Wait()
		if counter != 50 {
			t.Errorf("expected 50, got %d", counter)
		}
	})

	t.Run("ContextCancelled", func(t *testing.T) {
		release, err := store.Lock(ctx, "player-2", time.Second)
		if err != nil {
			t.Fatalf("Lock failed: %v", err)
		}
		defer release()

		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		if _, err := store.Lock(cctx, "player-2", time.Second); err == nil {
			t.Error("expected error while lock is held")
		}
	})

	t.Run("IndependentKeys", func(t *testing.T) {
		r1, err := store.Lock(ctx, "player-3", time.Second)
		if err != nil {
			t.Fatalf("Lock failed: %v", err)
		}
		defer r1()

		cctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		r2, err := store.Lock(cctx, "player-4", time.Second)
		if err != nil {
			t.Fatalf("expected independent key to lock, got %v", err)
		}
		r2()
	})

	t.Run("ReleaseIsIdempotent", func(t *testing.T) {
		release, _ := store.Lock(ctx, "player-5", time.Second)
		release()
		release()

		store.locksMu.Lock()
		n := len(store.locks)
		store.locksMu.Unlock()
		if n != 0 {
			t.Errorf("expected lock entries to be dropped, got %d", n)
		}
	})
}

func TestNew(t *testing.T) {
	store, err := New(domain.KVConfig{Type: "memory"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Errorf("expected *MemoryStore, got %T", store)
	}
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}

	if _, err := New(domain.KVConfig{Type: "memcached"}); err == nil {
		t.Error("expected error for unsupported type")
	}
}
