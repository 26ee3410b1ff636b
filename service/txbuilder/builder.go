// Package txbuilder turns a TransactionIntent into a signed EIP-1559 transaction.
package txbuilder

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/brojonat/ethwallet/service/chain"
	"github.com/brojonat/ethwallet/service/wallet"
)

// FeeOracle suggests current gas prices.
type FeeOracle interface {
	SuggestFees(ctx context.Context) (chain.FeeSuggestion, error)
}

// Signer signs transactions on behalf of a custodied account.
type Signer interface {
	SignTx(addr common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// Builder builds and signs transactions for one chain.
type Builder struct {
	chainID *big.Int
	fees    FeeOracle
	signer  Signer
	logger  *slog.Logger
}

// New creates a Builder.
func New(chainID *big.Int, fees FeeOracle, signer Signer, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Builder{
		chainID: new(big.Int).Set(chainID),
		fees:    fees,
		signer:  signer,
		logger:  logger,
	}
}

// ChainID returns the chain the builder signs for.
func (b *Builder) ChainID() *big.Int { return new(big.Int).Set(b.chainID) }

// Build resolves fees for intent and signs it with nonce.
func (b *Builder) Build(ctx context.Context, account wallet.Account, intent wallet.TransactionIntent, nonce uint64) (*wallet.SignedTransaction, error) {
	if err := validate(intent); err != nil {
		return nil, err
	}
	fees, err := b.ResolveFees(ctx, intent)
	if err != nil {
		return nil, err
	}
	return b.BuildWithFees(ctx, account, intent, nonce, fees)
}

// ResolveFees fills in gas limit, tip and fee cap the caller left open.
// Caller supplied caps are never raised: a suggested tip above an explicit
// fee cap is clamped to the cap.
func (b *Builder) ResolveFees(ctx context.Context, intent wallet.TransactionIntent) (wallet.FeeParams, error) {
	fees := wallet.FeeParams{
		GasLimit:             wallet.DefaultGasLimit,
		MaxFeePerGas:         intent.MaxFeePerGas(),
		MaxPriorityFeePerGas: intent.MaxPriorityFeePerGas(),
	}
	if limit, ok := intent.GasLimit(); ok {
		fees.GasLimit = limit
	}
	if fees.MaxFeePerGas != nil && fees.MaxPriorityFeePerGas != nil {
		return fees, nil
	}

	suggested, err := b.fees.SuggestFees(ctx)
	if err != nil {
		return wallet.FeeParams{}, fmt.Errorf("suggest fees: %w", err)
	}

	if fees.MaxPriorityFeePerGas == nil {
		fees.MaxPriorityFeePerGas = new(big.Int).Set(suggested.Tip)
		if fees.MaxFeePerGas != nil && fees.MaxPriorityFeePerGas.Cmp(fees.MaxFeePerGas) > 0 {
			fees.MaxPriorityFeePerGas = new(big.Int).Set(fees.MaxFeePerGas)
		}
	}
	if fees.MaxFeePerGas == nil {
		// headroom for the base fee doubling before inclusion
		fees.MaxFeePerGas = new(big.Int).Mul(suggested.BaseFee, big.NewInt(2))
		fees.MaxFeePerGas.Add(fees.MaxFeePerGas, fees.MaxPriorityFeePerGas)
	}

	b.logger.DebugContext(ctx, "resolved fees",
		"base_fee", suggested.BaseFee.String(),
		"max_fee_per_gas", fees.MaxFeePerGas.String(),
		"max_priority_fee_per_gas", fees.MaxPriorityFeePerGas.String(),
		"gas_limit", fees.GasLimit,
	)
	return fees, nil
}

// BuildWithFees signs intent with explicit fee parameters and no oracle call.
func (b *Builder) BuildWithFees(ctx context.Context, account wallet.Account, intent wallet.TransactionIntent, nonce uint64, fees wallet.FeeParams) (*wallet.SignedTransaction, error) {
	if err := validate(intent); err != nil {
		return nil, err
	}
	if fees.MaxFeePerGas == nil || fees.MaxPriorityFeePerGas == nil {
		return nil, fmt.Errorf("%w: fee parameters are required", wallet.ErrInvalidIntent)
	}
	if fees.MaxPriorityFeePerGas.Cmp(fees.MaxFeePerGas) > 0 {
		return nil, fmt.Errorf("%w: priority fee %s exceeds max fee %s",
			wallet.ErrInvalidIntent, fees.MaxPriorityFeePerGas, fees.MaxFeePerGas)
	}
	if fees.GasLimit == 0 {
		fees.GasLimit = wallet.DefaultGasLimit
	}

	to := intent.To()
	unsigned := types.NewTx(&types.DynamicFeeTx{
		ChainID:   b.ChainID(),
		Nonce:     nonce,
		GasTipCap: new(big.Int).Set(fees.MaxPriorityFeePerGas),
		GasFeeCap: new(big.Int).Set(fees.MaxFeePerGas),
		Gas:       fees.GasLimit,
		To:        &to,
		Value:     intent.Value(),
	})

	signed, err := b.signer.SignTx(account.Address, unsigned, b.chainID)
	if err != nil {
		return nil, err
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode transaction: %w", err)
	}

	return &wallet.SignedTransaction{
		From:    account.Address,
		Nonce:   nonce,
		Intent:  intent,
		Fees:    fees.Clone(),
		ChainID: b.ChainID(),
		Raw:     raw,
		Hash:    signed.Hash(),
		Tx:      signed,
	}, nil
}

func validate(intent wallet.TransactionIntent) error {
	if intent.IsZero() {
		return fmt.Errorf("%w: empty intent", wallet.ErrInvalidIntent)
	}
	if intent.Value().Sign() < 0 {
		return fmt.Errorf("%w: negative value", wallet.ErrInvalidAmount)
	}
	return nil
}
