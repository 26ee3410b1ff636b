// Package nonce hands out per-account transaction sequence numbers.
package nonce

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Store persists the next unused nonce of an account across restarts.
type Store interface {
	// LoadNonce returns ok=false when nothing has been saved for addr.
	LoadNonce(ctx context.Context, addr common.Address) (next uint64, ok bool, err error)
	SaveNonce(ctx context.Context, addr common.Address, next uint64) error
}

type account struct {
	mu        sync.Mutex
	next      uint64
	committed uint64
}

// Tracker keeps the next nonce of every account. Operations on one account
// are serialized; different accounts proceed independently.
type Tracker struct {
	mu       sync.Mutex
	accounts map[common.Address]*account
	store    Store
	logger   *slog.Logger
}

// NewTracker creates a tracker. store may be nil.
func NewTracker(store Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Tracker{
		accounts: make(map[common.Address]*account),
		store:    store,
		logger:   logger,
	}
}

func (t *Tracker) account(addr common.Address) *account {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.accounts[addr]
	if !ok {
		a = &account{}
		t.accounts[addr] = a
	}
	return a
}

// Allocate returns the next nonce for addr and advances the counter.
func (t *Tracker) Allocate(addr common.Address) uint64 {
	a := t.account(addr)
	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.next
	a.next++
	return n
}

// Release undoes the allocation of nonce when it was the most recent one and
// the broadcast using it was rejected. It reports whether the counter moved.
func (t *Tracker) Release(addr common.Address, nonce uint64) bool {
	a := t.account(addr)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.next == 0 || a.next-1 != nonce || nonce < a.committed {
		return false
	}
	a.next = nonce
	return true
}

// Reconcile raises the counter to the network's view. It never lowers it.
func (t *Tracker) Reconcile(addr common.Address, networkNonce uint64) uint64 {
	a := t.account(addr)
	a.mu.Lock()
	defer a.mu.Unlock()
	if networkNonce > a.next {
		t.logger.Info("nonce reconciled with network",
			"address", addr.Hex(),
			"local", a.next,
			"network", networkNonce,
		)
		a.next = networkNonce
	}
	if networkNonce > a.committed {
		a.committed = networkNonce
	}
	return a.next
}

// Peek returns the next nonce without allocating it.
func (t *Tracker) Peek(addr common.Address) uint64 {
	a := t.account(addr)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}

// Commit records that a broadcast using nonce reached the network, so it can
// no longer be released, and persists the next nonce when a store is configured.
func (t *Tracker) Commit(ctx context.Context, addr common.Address, nonce uint64) error {
	a := t.account(addr)
	a.mu.Lock()
	if nonce+1 > a.committed {
		a.committed = nonce + 1
	}
	if a.committed > a.next {
		a.next = a.committed
	}
	committed := a.committed
	a.mu.Unlock()

	if t.store == nil {
		return nil
	}
	if err := t.store.SaveNonce(ctx, addr, committed); err != nil {
		return fmt.Errorf("save nonce: %w", err)
	}
	return nil
}

// Restore loads the persisted nonce of addr and reconciles with it.
func (t *Tracker) Restore(ctx context.Context, addr common.Address) error {
	if t.store == nil {
		return nil
	}
	next, ok, err := t.store.LoadNonce(ctx, addr)
	if err != nil {
		return fmt.Errorf("load nonce: %w", err)
	}
	if ok {
		t.Reconcile(addr, next)
	}
	return nil
}
