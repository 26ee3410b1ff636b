// Package broadcast submits signed transactions and watches them until they
// are confirmed or fail.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/brojonat/ethwallet/service/chain"
	"github.com/brojonat/ethwallet/service/metrics"
	"github.com/brojonat/ethwallet/service/wallet"
)

// Network is the node surface used by the broadcaster. *chain.Client implements it.
type Network interface {
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	// TransactionReceipt returns nil, nil while the transaction is not mined.
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error)
	PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error)
}

// Config tunes polling and retries.
type Config struct {
	// PollInterval is the time between receipt polls.
	PollInterval time.Duration
	// Timeout bounds every single network call.
	Timeout time.Duration
	// RetryAttempts caps attempts of one idempotent read, first try included.
	RetryAttempts uint64
	// RetryInitialInterval is the first backoff delay between attempts.
	RetryInitialInterval time.Duration
	// Confirmations is how many blocks on top of the inclusion block end a watch.
	Confirmations uint64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:         4 * time.Second,
		Timeout:              20 * time.Second,
		RetryAttempts:        5,
		RetryInitialInterval: 500 * time.Millisecond,
		Confirmations:        1,
	}
}

// Broadcaster submits transactions and tracks their receipts.
type Broadcaster struct {
	net     Network
	cfg     Config
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Broadcaster. Zero config fields take their defaults.
func New(net Network, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Broadcaster {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = def.RetryAttempts
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = def.RetryInitialInterval
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Broadcaster{
		net:     net,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Config returns the effective configuration.
func (b *Broadcaster) Config() Config { return b.cfg }

// Submit sends signed exactly once.
//
// On acceptance it returns a pending record. When the node refused the
// transaction it returns a nil record and an ErrBroadcastRejected error. When
// the outcome is unknown (timeout or transport failure) it returns a pending
// record together with ErrTimeout or ErrNetwork: the payload may have reached
// the node and can still be mined.
func (b *Broadcaster) Submit(ctx context.Context, signed *wallet.SignedTransaction, kind wallet.RecordKind) (*wallet.TransactionRecord, error) {
	sendCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	err := b.net.SendTransaction(sendCtx, signed.Tx)
	if err != nil && wallet.KindOf(err) == wallet.KindUnknown {
		err = chain.ClassifySendError(err)
	}

	logger := b.logger.With("hash", signed.Hash.Hex(), "nonce", signed.Nonce, "kind", kind)

	switch wallet.KindOf(err) {
	case "":
		b.metrics.RecordBroadcast(string(kind), "accepted")
		logger.InfoContext(ctx, "transaction broadcast")
		return wallet.NewRecord(signed, kind, wallet.StatusPending, b.now()), nil

	case wallet.KindTimeout, wallet.KindNetwork:
		b.metrics.RecordBroadcast(string(kind), "unknown")
		logger.WarnContext(ctx, "broadcast outcome unknown, tracking as pending", "error", err)
		rec := wallet.NewRecord(signed, kind, wallet.StatusPending, b.now())
		return rec, err

	default:
		b.metrics.RecordBroadcast(string(kind), "rejected")
		logger.WarnContext(ctx, "broadcast rejected", "error", err)
		if !errors.Is(err, wallet.ErrBroadcastRejected) {
			err = fmt.Errorf("%w: %w", wallet.ErrBroadcastRejected, err)
		}
		return nil, err
	}
}

// Watch polls the receipt of rec until it fails, reaches the configured
// number of confirmations, or ctx is cancelled, then closes the channel.
// Poll failures are reported through StatusUpdate.Err and never change the
// status. Cancelling ctx only stops polling.
func (b *Broadcaster) Watch(ctx context.Context, rec *wallet.TransactionRecord) <-chan wallet.StatusUpdate {
	out := make(chan wallet.StatusUpdate, 1)
	hash := rec.Hash
	var confirmations uint64
	if rec.Status == wallet.StatusConfirmed {
		confirmations = rec.Confirmations
	}

	go func() {
		defer close(out)
		ticker := time.NewTicker(b.cfg.PollInterval)
		defer ticker.Stop()

		w := &watch{hash: hash, confirmations: confirmations}
		for {
			update, done := b.poll(ctx, w)
			if update != nil {
				select {
				case out <- *update:
				case <-ctx.Done():
					return
				}
			}
			if done {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}

type watch struct {
	hash          common.Hash
	confirmed     bool
	confirmations uint64
	block         uint64
	timestamp     *time.Time
}

func (b *Broadcaster) poll(ctx context.Context, w *watch) (*wallet.StatusUpdate, bool) {
	var receipt *types.Receipt
	err := b.retry(ctx, "eth_getTransactionReceipt", func(ctx context.Context) error {
		r, err := b.net.TransactionReceipt(ctx, w.hash)
		receipt = r
		return err
	})
	if ctx.Err() != nil {
		return nil, true
	}
	if err != nil {
		b.logger.WarnContext(ctx, "receipt poll failed", "hash", w.hash.Hex(), "error", err)
		return &wallet.StatusUpdate{Hash: w.hash, Err: err}, false
	}
	if receipt == nil || receipt.BlockNumber == nil {
		return nil, false
	}

	block := receipt.BlockNumber.Uint64()
	if w.timestamp == nil || w.block != block {
		w.block = block
		w.timestamp = b.blockTime(ctx, receipt.BlockNumber)
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return &wallet.StatusUpdate{
			Hash:        w.hash,
			Status:      wallet.StatusFailed,
			BlockNumber: &block,
			Timestamp:   w.timestamp,
			Reason:      "execution failed on-chain",
		}, true
	}

	var head *types.Header
	err = b.retry(ctx, "eth_getBlockByNumber", func(ctx context.Context) error {
		h, err := b.net.HeaderByNumber(ctx, nil)
		head = h
		return err
	})
	if ctx.Err() != nil {
		return nil, true
	}
	if err != nil || head == nil || head.Number == nil {
		if err == nil {
			err = fmt.Errorf("%w: head unavailable", wallet.ErrNetwork)
		}
		return &wallet.StatusUpdate{Hash: w.hash, Err: err}, false
	}

	var confirmations uint64
	if headNum := head.Number.Uint64(); headNum > block {
		confirmations = headNum - block
	}
	if confirmations < w.confirmations {
		confirmations = w.confirmations
	}

	changed := !w.confirmed || confirmations > w.confirmations
	w.confirmed = true
	w.confirmations = confirmations
	done := confirmations >= b.cfg.Confirmations
	if !changed {
		return nil, done
	}
	return &wallet.StatusUpdate{
		Hash:          w.hash,
		Status:        wallet.StatusConfirmed,
		BlockNumber:   &block,
		Timestamp:     w.timestamp,
		Confirmations: confirmations,
	}, done
}

func (b *Broadcaster) blockTime(ctx context.Context, number *big.Int) *time.Time {
	var header *types.Header
	err := b.retry(ctx, "eth_getBlockByNumber", func(ctx context.Context) error {
		h, err := b.net.HeaderByNumber(ctx, number)
		header = h
		return err
	})
	if err != nil || header == nil {
		return nil
	}
	ts := time.Unix(int64(header.Time), 0).UTC()
	return &ts
}

// Balance returns the balance of addr in wei.
func (b *Broadcaster) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	var balance *big.Int
	err := b.retry(ctx, "eth_getBalance", func(ctx context.Context) error {
		v, err := b.net.BalanceAt(ctx, addr)
		balance = v
		return err
	})
	if err != nil {
		return nil, err
	}
	return balance, nil
}

// NetworkNonce returns the next nonce of addr as seen by the node, pending pool included.
func (b *Broadcaster) NetworkNonce(ctx context.Context, addr common.Address) (uint64, error) {
	var nonce uint64
	err := b.retry(ctx, "eth_getTransactionCount", func(ctx context.Context) error {
		n, err := b.net.PendingNonceAt(ctx, addr)
		nonce = n
		return err
	})
	return nonce, err
}

// retry runs an idempotent read with exponential backoff. Only network and
// timeout errors are retried.
func (b *Broadcaster) retry(ctx context.Context, method string, op func(ctx context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = b.cfg.RetryInitialInterval
	policy.MaxInterval = b.cfg.PollInterval
	policy.MaxElapsedTime = 0

	bo := backoff.WithContext(backoff.WithMaxRetries(policy, b.cfg.RetryAttempts-1), ctx)
	return backoff.RetryNotify(func() error {
		callCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()
		err := op(callCtx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %v", wallet.ErrTimeout, err)
		}
		switch wallet.KindOf(err) {
		case wallet.KindNetwork, wallet.KindTimeout, wallet.KindUnknown:
			return err
		default:
			return backoff.Permanent(err)
		}
	}, bo, func(err error, next time.Duration) {
		b.metrics.RecordRPCRetry(method)
		b.logger.DebugContext(ctx, "retrying read", "method", method, "backoff", next, "error", err)
	})
}
