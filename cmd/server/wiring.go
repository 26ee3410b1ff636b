package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brojonat/ethwallet/service/db"
	"github.com/brojonat/ethwallet/service/keyvault"
	"github.com/brojonat/ethwallet/service/lifecycle"
	"github.com/brojonat/ethwallet/service/metrics"
	"github.com/brojonat/ethwallet/service/nonce"
	"github.com/brojonat/ethwallet/service/temporal"
	"github.com/brojonat/ethwallet/service/wallet"
)

// walletStore is everything the relay persists: records, nonces and the ledger.
type walletStore interface {
	lifecycle.RecordStore
	lifecycle.LedgerStore
	nonce.Store
	Ping(ctx context.Context) error
}

// openStore connects to Postgres and applies the schema. Without a database
// URL records live in memory and are lost on restart.
func openStore(ctx context.Context, databaseURL string, m *metrics.Metrics, logger *slog.Logger) (walletStore, func(), error) {
	if databaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		return db.NewMemoryStore(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := db.NewStore(pool, m)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	logger.Info("connected to database")
	return store, pool.Close, nil
}

// loadAccount imports the custodied key. A raw private key wins over the
// keystore; secrets may be nil when no keystore is configured.
func loadAccount(ctx context.Context, vault *keyvault.Vault, privateKey string, secrets keyvault.SecretStore) (wallet.Account, error) {
	if privateKey != "" {
		return vault.ImportFromSecret(privateKey)
	}
	if secrets == nil {
		return wallet.Account{}, fmt.Errorf("%w: no key source configured", wallet.ErrKeyUnavailable)
	}
	account, ok, err := vault.Restore(ctx, secrets)
	if err != nil {
		return wallet.Account{}, fmt.Errorf("failed to restore key: %w", err)
	}
	if !ok {
		return wallet.Account{}, fmt.Errorf("%w: keystore holds no key", wallet.ErrKeyUnavailable)
	}
	return account, nil
}

type chainIDReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
}

// resolveChainID asks the node for its chain id. A configured id must match
// so a misrouted RPC URL cannot sign for the wrong network.
func resolveChainID(ctx context.Context, configured int64, node chainIDReader) (*big.Int, error) {
	id, err := node.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query chain id: %w", err)
	}
	if configured > 0 && id.Cmp(big.NewInt(configured)) != 0 {
		return nil, fmt.Errorf("chain id mismatch: configured %d, node reports %s", configured, id)
	}
	return id, nil
}

// ensureLedgerSchedule registers the periodic ledger refresh of the account.
// A zero interval removes the schedule.
func ensureLedgerSchedule(ctx context.Context, sched temporal.Scheduler, account wallet.Account, interval time.Duration, logger *slog.Logger) error {
	addr := account.Address.Hex()
	if interval <= 0 {
		if err := sched.DeleteLedgerSchedule(ctx, addr); err != nil {
			logger.Debug("no ledger schedule to delete", "address", addr, "error", err)
		}
		return nil
	}
	if err := sched.UpsertLedgerSchedule(ctx, addr, interval); err != nil {
		return fmt.Errorf("failed to upsert ledger schedule: %w", err)
	}
	logger.Info("ledger schedule ensured", "address", addr, "interval", interval)
	return nil
}

// pingFunc adapts a function to server.Pinger.
type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }
