package nonce

import (
	"context"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	bob   = common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
)

type memStore struct {
	mu    sync.Mutex
	saved map[common.Address]uint64
}

func (m *memStore) LoadNonce(ctx context.Context, addr common.Address) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.saved[addr]
	return n, ok, nil
}

func (m *memStore) SaveNonce(ctx context.Context, addr common.Address, next uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = make(map[common.Address]uint64)
	}
	m.saved[addr] = next
	return nil
}

func TestAllocate_SequentialIsGapFree(t *testing.T) {
	tr := NewTracker(nil, nil)
	tr.Reconcile(alice, 5)

	for want := uint64(5); want < 10; want++ {
		assert.Equal(t, want, tr.Allocate(alice))
	}
	// accounts are independent
	assert.Equal(t, uint64(0), tr.Allocate(bob))
}

func TestAllocate_ConcurrentCallsNeverCollide(t *testing.T) {
	tr := NewTracker(nil, nil)
	const n = 200

	var wg sync.WaitGroup
	results := make(chan uint64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- tr.Allocate(alice)
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[uint64]bool, n)
	for got := range results {
		assert.False(t, seen[got], "nonce %d allocated twice", got)
		seen[got] = true
	}
	for i := uint64(0); i < n; i++ {
		assert.True(t, seen[i], "nonce %d missing", i)
	}
}

func TestReconcile_NeverLowers(t *testing.T) {
	tr := NewTracker(nil, nil)
	tr.Reconcile(alice, 7)
	tr.Allocate(alice)
	tr.Allocate(alice)

	assert.Equal(t, uint64(9), tr.Reconcile(alice, 3))
	assert.Equal(t, uint64(12), tr.Reconcile(alice, 12))
	assert.Equal(t, uint64(12), tr.Peek(alice))
}

func TestRelease(t *testing.T) {
	tr := NewTracker(nil, nil)
	first := tr.Allocate(alice)
	second := tr.Allocate(alice)

	// only the most recent allocation can be released
	assert.False(t, tr.Release(alice, first))
	assert.True(t, tr.Release(alice, second))
	assert.Equal(t, second, tr.Allocate(alice))
}

func TestCommit_PreventsReleaseAndPersists(t *testing.T) {
	ctx := context.Background()
	store := &memStore{}
	tr := NewTracker(store, nil)

	n := tr.Allocate(alice)
	require.NoError(t, tr.Commit(ctx, alice, n))
	assert.False(t, tr.Release(alice, n))

	restarted := NewTracker(store, nil)
	require.NoError(t, restarted.Restore(ctx, alice))
	assert.Equal(t, n+1, restarted.Allocate(alice))
}
