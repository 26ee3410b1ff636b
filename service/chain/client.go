// Package chain talks to an Ethereum node: balances, nonces, fee
// suggestions, broadcast and receipts.
package chain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/brojonat/ethwallet/service/metrics"
	"github.com/brojonat/ethwallet/service/wallet"
)

// FeeSuggestion is the node's view of current gas prices.
type FeeSuggestion struct {
	BaseFee *big.Int
	Tip     *big.Int
}

// Client wraps an RPCClient with logging, metrics and error classification.
type Client struct {
	rpc      RPCClient
	logger   *slog.Logger
	metrics  *metrics.Metrics
	endpoint string
}

// NewClient creates a chain client. endpoint labels metrics and logs and must
// not contain credentials; use Endpoint(url) to derive it.
func NewClient(rpcClient RPCClient, endpoint string, m *metrics.Metrics, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		rpc:      rpcClient,
		logger:   logger,
		metrics:  m,
		endpoint: endpoint,
	}
}

// Endpoint derives a credential-free label from an RPC URL.
func Endpoint(rpcURL string) string {
	return redactURL(strings.TrimSpace(rpcURL))
}

func (c *Client) observe(method string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordRPCCall(method, status, c.endpoint, time.Since(start).Seconds())
}

// ChainID returns the chain id reported by the node.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	start := time.Now()
	id, err := c.rpc.ChainID(ctx)
	c.observe("eth_chainId", start, err)
	if err != nil {
		return nil, classifyReadError(err)
	}
	return id, nil
}

// BalanceAt returns the latest balance of addr in wei.
func (c *Client) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	start := time.Now()
	balance, err := c.rpc.BalanceAt(ctx, addr, nil)
	c.observe("eth_getBalance", start, err)
	if err != nil {
		return nil, classifyReadError(err)
	}
	return balance, nil
}

// PendingNonceAt returns the next nonce including transactions in the node's pool.
func (c *Client) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	start := time.Now()
	n, err := c.rpc.PendingNonceAt(ctx, addr)
	c.observe("eth_getTransactionCount", start, err)
	if err != nil {
		return 0, classifyReadError(err)
	}
	return n, nil
}

// SendTransaction broadcasts tx once. A node that already knows the
// transaction counts as acceptance.
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	start := time.Now()
	err := c.rpc.SendTransaction(ctx, tx)
	c.observe("eth_sendRawTransaction", start, err)
	if err == nil {
		return nil
	}
	classified := ClassifySendError(err)
	if classified == nil {
		c.logger.DebugContext(ctx, "node already knows transaction", "hash", tx.Hash().Hex())
		return nil
	}
	c.logger.WarnContext(ctx, "broadcast failed",
		"hash", tx.Hash().Hex(),
		"nonce", tx.Nonce(),
		"kind", wallet.KindOf(classified),
		"error", err,
	)
	return classified
}

// TransactionReceipt returns the receipt of hash, or nil when it is not yet mined.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	start := time.Now()
	receipt, err := c.rpc.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		c.observe("eth_getTransactionReceipt", start, nil)
		return nil, nil
	}
	c.observe("eth_getTransactionReceipt", start, err)
	if err != nil {
		return nil, classifyReadError(err)
	}
	return receipt, nil
}

// HeaderByNumber returns the header at number, or the latest when number is nil.
func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	start := time.Now()
	header, err := c.rpc.HeaderByNumber(ctx, number)
	c.observe("eth_getBlockByNumber", start, err)
	if err != nil {
		return nil, classifyReadError(err)
	}
	return header, nil
}

// SuggestFees returns the latest base fee and the node's suggested tip.
func (c *Client) SuggestFees(ctx context.Context) (FeeSuggestion, error) {
	header, err := c.HeaderByNumber(ctx, nil)
	if err != nil {
		return FeeSuggestion{}, fmt.Errorf("fetch head: %w", err)
	}
	if header.BaseFee == nil {
		return FeeSuggestion{}, fmt.Errorf("%w: chain does not support dynamic fee transactions", wallet.ErrBroadcastRejected)
	}

	start := time.Now()
	tip, err := c.rpc.SuggestGasTipCap(ctx)
	c.observe("eth_maxPriorityFeePerGas", start, err)
	if err != nil {
		return FeeSuggestion{}, classifyReadError(err)
	}
	return FeeSuggestion{BaseFee: new(big.Int).Set(header.BaseFee), Tip: tip}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() {
	c.rpc.Close()
}

// ClassifySendError maps a broadcast error onto the wallet error taxonomy.
// It returns nil when the node reports it already has the transaction.
func ClassifySendError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", wallet.ErrTimeout, err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already known"), strings.Contains(msg, "known transaction"):
		return nil
	case strings.Contains(msg, "nonce too low"), strings.Contains(msg, "nonce has already been used"):
		return fmt.Errorf("%w: %v", wallet.ErrNonceTooLow, err)
	case strings.Contains(msg, "replacement transaction underpriced"), strings.Contains(msg, "replacement fee too low"):
		return fmt.Errorf("%w: %v", wallet.ErrReplacementUnderpriced, err)
	case strings.Contains(msg, "insufficient funds"):
		return fmt.Errorf("%w: %v", wallet.ErrInsufficientFunds, err)
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return fmt.Errorf("%w: %v", wallet.ErrBroadcastRejected, err)
	}
	return fmt.Errorf("%w: %v", wallet.ErrNetwork, err)
}

func classifyReadError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", wallet.ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", wallet.ErrNetwork, err)
}
