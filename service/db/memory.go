package db

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/brojonat/ethwallet/service/wallet"
	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore keeps records, nonces and token ledgers in process memory.
// It is used when no DATABASE_URL is configured and in tests.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[common.Hash]*wallet.TransactionRecord
	nonces   map[common.Address]uint64
	balances map[common.Address][]wallet.TokenBalance
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[common.Hash]*wallet.TransactionRecord),
		nonces:   make(map[common.Address]uint64),
		balances: make(map[common.Address][]wallet.TokenBalance),
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) SaveRecord(ctx context.Context, rec *wallet.TransactionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Hash] = rec.Clone()
	return nil
}

func (m *MemoryStore) GetRecord(ctx context.Context, hash common.Hash) (*wallet.TransactionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", wallet.ErrRecordNotFound, hash.Hex())
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) ListRecords(ctx context.Context, filter wallet.RecordFilter) ([]*wallet.TransactionRecord, error) {
	m.mu.RLock()
	var out []*wallet.TransactionRecord
	for _, rec := range m.records {
		if filter.Match(rec) {
			out = append(out, rec.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Nonce > out[j].Nonce
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) ListOpenRecords(ctx context.Context) ([]*wallet.TransactionRecord, error) {
	m.mu.RLock()
	var out []*wallet.TransactionRecord
	for _, rec := range m.records {
		if rec.Status.Open() {
			out = append(out, rec.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if c := out[i].From.Cmp(out[j].From); c != 0 {
			return c < 0
		}
		if out[i].Nonce != out[j].Nonce {
			return out[i].Nonce < out[j].Nonce
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) LoadNonce(ctx context.Context, addr common.Address) (uint64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nonces[addr]
	return n, ok, nil
}

func (m *MemoryStore) SaveNonce(ctx context.Context, addr common.Address, next uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.nonces[addr]; !ok || next > cur {
		m.nonces[addr] = next
	}
	return nil
}

func (m *MemoryStore) ReplaceTokenBalances(ctx context.Context, addr common.Address, balances []wallet.TokenBalance, at time.Time) error {
	cp := make([]wallet.TokenBalance, len(balances))
	copy(cp, balances)
	for i := range cp {
		cp[i].TokenContract = strings.ToLower(cp[i].TokenContract)
	}
	sort.Slice(cp, func(i, j int) bool { return cp[i].TokenContract < cp[j].TokenContract })

	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[addr] = cp
	return nil
}

func (m *MemoryStore) ListTokenBalances(ctx context.Context, addr common.Address) ([]wallet.TokenBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]wallet.TokenBalance, len(m.balances[addr]))
	copy(out, m.balances[addr])
	return out, nil
}
