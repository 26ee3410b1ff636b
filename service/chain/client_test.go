package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/ethwallet/service/wallet"
)

// fakeRPC is a behaviour mock: tests set what each call returns.
type fakeRPC struct {
	sendErr    error
	receipt    *types.Receipt
	receiptErr error
	header     *types.Header
	tip        *big.Int
	sent       []*types.Transaction
}

func (f *fakeRPC) ChainID(ctx context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (f *fakeRPC) BalanceAt(ctx context.Context, a common.Address, b *big.Int) (*big.Int, error) {
	return big.NewInt(42), nil
}
func (f *fakeRPC) PendingNonceAt(ctx context.Context, a common.Address) (uint64, error) {
	return 3, nil
}
func (f *fakeRPC) NonceAt(ctx context.Context, a common.Address, b *big.Int) (uint64, error) {
	return 3, nil
}
func (f *fakeRPC) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.sent = append(f.sent, tx)
	return f.sendErr
}
func (f *fakeRPC) TransactionReceipt(ctx context.Context, h common.Hash) (*types.Receipt, error) {
	return f.receipt, f.receiptErr
}
func (f *fakeRPC) HeaderByNumber(ctx context.Context, n *big.Int) (*types.Header, error) {
	return f.header, nil
}
func (f *fakeRPC) SuggestGasTipCap(ctx context.Context) (*big.Int, error) { return f.tip, nil }

func (f *fakeRPC) Close() {}

type jsonRPCError struct{ msg string }

func (e jsonRPCError) Error() string  { return e.msg }
func (e jsonRPCError) ErrorCode() int { return -32000 }

func TestClassifySendError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "nonce too low", err: errors.New("nonce too low: next nonce 6, tx nonce 5"), want: wallet.ErrNonceTooLow},
		{name: "underpriced", err: errors.New("replacement transaction underpriced"), want: wallet.ErrReplacementUnderpriced},
		{name: "insufficient funds", err: errors.New("insufficient funds for gas * price + value"), want: wallet.ErrInsufficientFunds},
		{name: "other node rejection", err: jsonRPCError{msg: "max fee per gas less than block base fee"}, want: wallet.ErrBroadcastRejected},
		{name: "deadline", err: fmt.Errorf("post: %w", context.DeadlineExceeded), want: wallet.ErrTimeout},
		{name: "transport", err: errors.New("dial tcp: connection refused"), want: wallet.ErrNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, ClassifySendError(tt.err), tt.want)
		})
	}

	assert.NoError(t, ClassifySendError(errors.New("already known")))
	assert.NoError(t, ClassifySendError(nil))
}

func TestTransactionReceipt_NotFoundIsNil(t *testing.T) {
	c := NewClient(&fakeRPC{receiptErr: ethereum.NotFound}, "test", nil, nil)
	receipt, err := c.TransactionReceipt(context.Background(), common.Hash{})
	require.NoError(t, err)
	assert.Nil(t, receipt)
}

func TestTransactionReceipt_TransportErrorIsNetwork(t *testing.T) {
	c := NewClient(&fakeRPC{receiptErr: errors.New("EOF")}, "test", nil, nil)
	_, err := c.TransactionReceipt(context.Background(), common.Hash{})
	assert.ErrorIs(t, err, wallet.ErrNetwork)
}

func TestSuggestFees(t *testing.T) {
	rpc := &fakeRPC{
		header: &types.Header{Number: big.NewInt(100), BaseFee: big.NewInt(30)},
		tip:    big.NewInt(2),
	}
	c := NewClient(rpc, "test", nil, nil)

	fees, err := c.SuggestFees(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(30), fees.BaseFee.Int64())
	assert.Equal(t, int64(2), fees.Tip.Int64())

	rpc.header = &types.Header{Number: big.NewInt(100)}
	_, err = c.SuggestFees(context.Background())
	assert.Error(t, err)
}

func TestSendTransaction_AlreadyKnownIsAccepted(t *testing.T) {
	rpc := &fakeRPC{sendErr: errors.New("already known")}
	c := NewClient(rpc, "test", nil, nil)
	tx := types.NewTx(&types.DynamicFeeTx{ChainID: big.NewInt(1)})

	require.NoError(t, c.SendTransaction(context.Background(), tx))
	assert.Len(t, rpc.sent, 1)
}

func TestEndpoint_RedactsCredentials(t *testing.T) {
	assert.Equal(t, "https://eth-sepolia.g.alchemy.com", Endpoint("https://eth-sepolia.g.alchemy.com/v2/SECRET"))
	assert.Equal(t, "https://node.example", Endpoint("https://user:pw@node.example?key=1"))
	assert.Equal(t, "localhost:8545", Endpoint("localhost:8545"))
}
