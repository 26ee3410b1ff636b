// Package replace cancels or speeds up in-flight transactions by
// re-broadcasting their nonce with higher fees.
package replace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/brojonat/ethwallet/service/metrics"
	"github.com/brojonat/ethwallet/service/wallet"
)

// DefaultMinBumpPercent matches the default price bump of geth's transaction pool.
const DefaultMinBumpPercent = 10

// Mode selects what the replacement does.
type Mode string

const (
	// ModeCancel sends zero value to the account itself.
	ModeCancel Mode = "cancel"
	// ModeSpeedUp re-sends the original transfer with higher fees.
	ModeSpeedUp Mode = "speedup"
)

func (m Mode) recordKind() wallet.RecordKind {
	if m == ModeCancel {
		return wallet.KindCancel
	}
	return wallet.KindSpeedUp
}

// Builder signs an intent with explicit fees.
type Builder interface {
	BuildWithFees(ctx context.Context, account wallet.Account, intent wallet.TransactionIntent, nonce uint64, fees wallet.FeeParams) (*wallet.SignedTransaction, error)
}

// Submitter broadcasts a signed transaction once.
type Submitter interface {
	Submit(ctx context.Context, signed *wallet.SignedTransaction, kind wallet.RecordKind) (*wallet.TransactionRecord, error)
}

type slot struct {
	addr  common.Address
	nonce uint64
}

// entry is the replacement state of one nonce. While a Replace call runs,
// inFlight is set; afterwards hash is the latest broadcast replacement.
type entry struct {
	hash     common.Hash
	inFlight bool
}

// Controller enforces at most one outstanding replacement per (account, nonce).
type Controller struct {
	builder   Builder
	submitter Submitter
	minBump   int64
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu          sync.Mutex
	outstanding map[slot]entry
}

// Option configures a Controller.
type Option func(*Controller)

// WithMinBumpPercent sets the minimum fee increase over the replaced transaction.
func WithMinBumpPercent(p int64) Option {
	return func(c *Controller) {
		if p > 0 {
			c.minBump = p
		}
	}
}

// WithMetrics records replacement outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// New creates a Controller.
func New(builder Builder, submitter Submitter, logger *slog.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Controller{
		builder:     builder,
		submitter:   submitter,
		minBump:     DefaultMinBumpPercent,
		logger:      logger,
		outstanding: make(map[slot]entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// MinimumFees returns the lowest fees a replacement of old may carry.
func (c *Controller) MinimumFees(old wallet.FeeParams) wallet.FeeParams {
	return wallet.FeeParams{
		GasLimit:             old.GasLimit,
		MaxFeePerGas:         bump(old.MaxFeePerGas, c.minBump),
		MaxPriorityFeePerGas: bump(old.MaxPriorityFeePerGas, c.minBump),
	}
}

// bump returns ceil(v * (100 + percent) / 100).
func bump(v *big.Int, percent int64) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	num := new(big.Int).Mul(v, big.NewInt(100+percent))
	q, r := new(big.Int).QuoRem(num, big.NewInt(100), new(big.Int))
	if r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// Replace broadcasts a transaction reusing old's nonce. fees may be nil or
// partially set; missing fields default to the minimum bump.
//
// Fee checks happen before any network call. A replacement that loses the
// race against the original returns ErrAlreadyConfirmed.
func (c *Controller) Replace(ctx context.Context, account wallet.Account, old *wallet.TransactionRecord, mode Mode, fees *wallet.FeeParams) (*wallet.TransactionRecord, error) {
	if old == nil {
		return nil, wallet.ErrRecordNotFound
	}
	switch {
	case old.Status == wallet.StatusConfirmed:
		return nil, fmt.Errorf("%w: %s", wallet.ErrAlreadyConfirmed, old.Hash.Hex())
	case !old.Status.Open():
		return nil, fmt.Errorf("%w: %s is %s", wallet.ErrNotReplaceable, old.Hash.Hex(), old.Status)
	case old.From != account.Address:
		return nil, fmt.Errorf("%w: %s was not sent by %s", wallet.ErrNotReplaceable, old.Hash.Hex(), account.Address.Hex())
	}

	resolved, err := c.resolveFees(old, fees)
	if err != nil {
		c.metrics.RecordReplacement(string(mode), "fee_too_low")
		return nil, err
	}

	intent, err := c.intentFor(account, old, mode)
	if err != nil {
		return nil, err
	}
	if mode == ModeCancel {
		resolved.GasLimit = wallet.DefaultGasLimit
	}

	key := slot{addr: account.Address, nonce: old.Nonce}
	release, err := c.reserve(key, old.Hash)
	if err != nil {
		c.metrics.RecordReplacement(string(mode), "in_progress")
		return nil, err
	}

	signed, err := c.builder.BuildWithFees(ctx, account, intent, old.Nonce, resolved)
	if err != nil {
		release()
		return nil, err
	}

	rec, err := c.submitter.Submit(ctx, signed, mode.recordKind())
	switch {
	case errors.Is(err, wallet.ErrNonceTooLow):
		c.Resolve(account.Address, old.Nonce)
		c.metrics.RecordReplacement(string(mode), "already_confirmed")
		return nil, fmt.Errorf("%w: nonce %d already used: %v", wallet.ErrAlreadyConfirmed, old.Nonce, err)
	case errors.Is(err, wallet.ErrReplacementUnderpriced):
		release()
		c.metrics.RecordReplacement(string(mode), "fee_too_low")
		return nil, fmt.Errorf("%w: %v", wallet.ErrFeeTooLowForReplacement, err)
	case rec == nil:
		release()
		c.metrics.RecordReplacement(string(mode), "rejected")
		return nil, err
	}

	replaced := old.Hash
	rec.Replaces = &replaced
	c.mark(key, rec.Hash)
	c.metrics.RecordReplacement(string(mode), "broadcast")
	c.logger.InfoContext(ctx, "replacement broadcast",
		"mode", mode,
		"nonce", old.Nonce,
		"replaces", old.Hash.Hex(),
		"hash", rec.Hash.Hex(),
		"max_fee_per_gas", resolved.MaxFeePerGas.String(),
		"max_priority_fee_per_gas", resolved.MaxPriorityFeePerGas.String(),
	)
	// rec is pending; err is non-nil only when the submission outcome is unknown
	return rec, err
}

func (c *Controller) resolveFees(old *wallet.TransactionRecord, fees *wallet.FeeParams) (wallet.FeeParams, error) {
	minimum := c.MinimumFees(old.Fees)
	resolved := minimum.Clone()
	if fees != nil {
		if fees.MaxFeePerGas != nil {
			resolved.MaxFeePerGas = new(big.Int).Set(fees.MaxFeePerGas)
		}
		if fees.MaxPriorityFeePerGas != nil {
			resolved.MaxPriorityFeePerGas = new(big.Int).Set(fees.MaxPriorityFeePerGas)
		}
		if fees.GasLimit > resolved.GasLimit {
			resolved.GasLimit = fees.GasLimit
		}
	}
	if resolved.MaxFeePerGas.Cmp(minimum.MaxFeePerGas) < 0 {
		return wallet.FeeParams{}, fmt.Errorf("%w: max fee per gas %s below required %s (+%d%%)",
			wallet.ErrFeeTooLowForReplacement, resolved.MaxFeePerGas, minimum.MaxFeePerGas, c.minBump)
	}
	if resolved.MaxPriorityFeePerGas.Cmp(minimum.MaxPriorityFeePerGas) < 0 {
		return wallet.FeeParams{}, fmt.Errorf("%w: priority fee per gas %s below required %s (+%d%%)",
			wallet.ErrFeeTooLowForReplacement, resolved.MaxPriorityFeePerGas, minimum.MaxPriorityFeePerGas, c.minBump)
	}
	if resolved.MaxPriorityFeePerGas.Cmp(resolved.MaxFeePerGas) > 0 {
		return wallet.FeeParams{}, fmt.Errorf("%w: priority fee %s exceeds max fee %s",
			wallet.ErrInvalidIntent, resolved.MaxPriorityFeePerGas, resolved.MaxFeePerGas)
	}
	if resolved.GasLimit == 0 {
		resolved.GasLimit = wallet.DefaultGasLimit
	}
	return resolved, nil
}

func (c *Controller) intentFor(account wallet.Account, old *wallet.TransactionRecord, mode Mode) (wallet.TransactionIntent, error) {
	switch mode {
	case ModeCancel:
		return wallet.NewIntentTo(account.Address, big.NewInt(0))
	case ModeSpeedUp:
		return wallet.NewIntentTo(old.To, old.ValueWei)
	default:
		return wallet.TransactionIntent{}, fmt.Errorf("%w: unknown replacement mode %q", wallet.ErrInvalidIntent, mode)
	}
}

// reserve marks nonce as being replaced. Replacing the latest broadcast
// replacement again is allowed; anything else while a replacement is
// outstanding fails. The returned func restores the previous state.
func (c *Controller) reserve(key slot, target common.Hash) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.outstanding[key]
	if ok && (prev.inFlight || prev.hash != target) {
		return nil, fmt.Errorf("%w: nonce %d already being replaced by %s",
			wallet.ErrReplacementInProgress, key.nonce, prev.hash.Hex())
	}
	c.outstanding[key] = entry{hash: target, inFlight: true}
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if ok {
			c.outstanding[key] = prev
		} else {
			delete(c.outstanding, key)
		}
	}, nil
}

func (c *Controller) mark(key slot, replacement common.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outstanding[key] = entry{hash: replacement}
}

// Outstanding returns the hash of the replacement in flight for nonce, if any.
func (c *Controller) Outstanding(addr common.Address, nonce uint64) (common.Hash, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.outstanding[slot{addr: addr, nonce: nonce}]
	if !ok || e.inFlight {
		return common.Hash{}, false
	}
	return e.hash, true
}

// Resolve frees the replacement slot of nonce once the nonce is settled.
func (c *Controller) Resolve(addr common.Address, nonce uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.outstanding, slot{addr: addr, nonce: nonce})
}
