package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/ethwallet/service/db"
	"github.com/brojonat/ethwallet/service/keyvault"
	"github.com/brojonat/ethwallet/service/temporal"
	"github.com/brojonat/ethwallet/service/wallet"
)

// Well-known development key (anvil account 0).
const (
	testSecret  = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testAccount = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeChainID struct {
	id  *big.Int
	err error
}

func (f fakeChainID) ChainID(ctx context.Context) (*big.Int, error) { return f.id, f.err }

func TestOpenStore_InMemoryWithoutURL(t *testing.T) {
	store, closeFn, err := openStore(context.Background(), "", nil, discardLogger())
	require.NoError(t, err)
	defer closeFn()

	assert.IsType(t, &db.MemoryStore{}, store)
	assert.NoError(t, store.Ping(context.Background()))
}

func TestLoadAccount(t *testing.T) {
	ctx := context.Background()

	t.Run("private key", func(t *testing.T) {
		account, err := loadAccount(ctx, keyvault.New(nil), testSecret, nil)
		require.NoError(t, err)
		assert.Equal(t, common.HexToAddress(testAccount), account.Address)
	})

	t.Run("keystore", func(t *testing.T) {
		// Setup
		secrets := &keyvault.MemorySecretStore{}
		require.NoError(t, secrets.Save(ctx, testSecret))

		// Act
		vault := keyvault.New(nil)
		account, err := loadAccount(ctx, vault, "", secrets)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, common.HexToAddress(testAccount), account.Address)
		assert.True(t, vault.Has(account.Address))
	})

	t.Run("empty keystore", func(t *testing.T) {
		_, err := loadAccount(ctx, keyvault.New(nil), "", &keyvault.MemorySecretStore{})
		require.Error(t, err)
		assert.ErrorIs(t, err, wallet.ErrKeyUnavailable)
	})

	t.Run("no key source", func(t *testing.T) {
		_, err := loadAccount(ctx, keyvault.New(nil), "", nil)
		assert.ErrorIs(t, err, wallet.ErrKeyUnavailable)
	})

	t.Run("malformed key", func(t *testing.T) {
		_, err := loadAccount(ctx, keyvault.New(nil), "0x1234", nil)
		assert.ErrorIs(t, err, wallet.ErrInvalidKeyFormat)
	})
}

func TestResolveChainID(t *testing.T) {
	tests := []struct {
		name       string
		configured int64
		node       fakeChainID
		want       int64
		wantErr    string
	}{
		{"node decides", 0, fakeChainID{id: big.NewInt(11155111)}, 11155111, ""},
		{"configured matches", 1, fakeChainID{id: big.NewInt(1)}, 1, ""},
		{"mismatch", 1, fakeChainID{id: big.NewInt(11155111)}, 0, "chain id mismatch"},
		{"node error", 1, fakeChainID{err: errors.New("dial tcp: refused")}, 0, "failed to query chain id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := resolveChainID(context.Background(), tt.configured, tt.node)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, id.Int64())
		})
	}
}

func TestEnsureLedgerSchedule(t *testing.T) {
	ctx := context.Background()
	account := wallet.Account{Address: common.HexToAddress(testAccount)}

	t.Run("creates then updates", func(t *testing.T) {
		sched := temporal.NewMockScheduler()

		require.NoError(t, ensureLedgerSchedule(ctx, sched, account, 5*time.Minute, discardLogger()))
		interval, ok := sched.GetScheduleInterval(testAccount)
		require.True(t, ok)
		assert.Equal(t, 5*time.Minute, interval)

		require.NoError(t, ensureLedgerSchedule(ctx, sched, account, 10*time.Minute, discardLogger()))
		assert.Equal(t, 1, sched.ScheduleCount())
		interval, _ = sched.GetScheduleInterval(testAccount)
		assert.Equal(t, 10*time.Minute, interval)
	})

	t.Run("zero interval deletes", func(t *testing.T) {
		sched := temporal.NewMockScheduler()
		require.NoError(t, ensureLedgerSchedule(ctx, sched, account, 5*time.Minute, discardLogger()))

		require.NoError(t, ensureLedgerSchedule(ctx, sched, account, 0, discardLogger()))
		assert.False(t, sched.ScheduleExists(testAccount))
	})

	t.Run("upsert failure", func(t *testing.T) {
		sched := temporal.NewMockScheduler()
		sched.SetCreateError(errors.New("temporal down"))

		err := ensureLedgerSchedule(ctx, sched, account, 5*time.Minute, discardLogger())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "temporal down")
	})
}

func TestPingFunc(t *testing.T) {
	boom := errors.New("boom")
	assert.NoError(t, pingFunc(func(context.Context) error { return nil }).Ping(context.Background()))
	assert.ErrorIs(t, pingFunc(func(context.Context) error { return boom }).Ping(context.Background()), boom)
}
