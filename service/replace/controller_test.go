package replace

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/ethwallet/service/wallet"
)

var (
	owner     = wallet.Account{Address: common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")}
	recipient = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
)

type fakeBuilder struct {
	mu      sync.Mutex
	intents []wallet.TransactionIntent
	fees    []wallet.FeeParams
	count   int64
}

func (f *fakeBuilder) BuildWithFees(ctx context.Context, account wallet.Account, intent wallet.TransactionIntent, nonce uint64, fees wallet.FeeParams) (*wallet.SignedTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	f.intents = append(f.intents, intent)
	f.fees = append(f.fees, fees)
	return &wallet.SignedTransaction{
		From:   account.Address,
		Nonce:  nonce,
		Intent: intent,
		Fees:   fees,
		Hash:   common.BigToHash(big.NewInt(1000 + f.count)),
	}, nil
}

func (f *fakeBuilder) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.intents)
}

type fakeSubmitter struct {
	mu      sync.Mutex
	err     error
	pending bool
	block   chan struct{}
	calls   int
}

func (f *fakeSubmitter) Submit(ctx context.Context, signed *wallet.SignedTransaction, kind wallet.RecordKind) (*wallet.TransactionRecord, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if f.err != nil && !f.pending {
		return nil, f.err
	}
	return wallet.NewRecord(signed, kind, wallet.StatusPending, time.Now()), f.err
}

func pendingRecord() *wallet.TransactionRecord {
	return &wallet.TransactionRecord{
		Hash:     common.HexToHash("0xaa"),
		From:     owner.Address,
		To:       recipient,
		ValueWei: big.NewInt(10_000_000_000_000_000),
		Nonce:    5,
		Fees: wallet.FeeParams{
			GasLimit:             21000,
			MaxFeePerGas:         big.NewInt(100),
			MaxPriorityFeePerGas: big.NewInt(15),
		},
		Kind:   wallet.KindPayment,
		Status: wallet.StatusPending,
	}
}

func TestReplace_FeeBelowMinimumRejectedBeforeNetwork(t *testing.T) {
	// Setup
	builder, submitter := &fakeBuilder{}, &fakeSubmitter{}
	c := New(builder, submitter, nil)

	// Act
	_, err := c.Replace(context.Background(), owner, pendingRecord(), ModeCancel, &wallet.FeeParams{
		MaxFeePerGas:         big.NewInt(109),
		MaxPriorityFeePerGas: big.NewInt(20),
	})

	// Assert
	assert.ErrorIs(t, err, wallet.ErrFeeTooLowForReplacement)
	assert.Equal(t, wallet.KindReplacementConflict, wallet.KindOf(err))
	assert.Equal(t, 0, builder.calls())
	assert.Equal(t, 0, submitter.calls)
	_, ok := c.Outstanding(owner.Address, 5)
	assert.False(t, ok)
}

func TestReplace_DefaultsToMinimumBump(t *testing.T) {
	builder, submitter := &fakeBuilder{}, &fakeSubmitter{}
	c := New(builder, submitter, nil)

	rec, err := c.Replace(context.Background(), owner, pendingRecord(), ModeCancel, nil)
	require.NoError(t, err)

	require.Len(t, builder.fees, 1)
	assert.Equal(t, int64(110), builder.fees[0].MaxFeePerGas.Int64())
	// 15 * 1.1 = 16.5, rounded up
	assert.Equal(t, int64(17), builder.fees[0].MaxPriorityFeePerGas.Int64())

	// cancel sends nothing to self
	assert.Equal(t, owner.Address, builder.intents[0].To())
	assert.Equal(t, int64(0), builder.intents[0].Value().Int64())

	assert.Equal(t, wallet.KindCancel, rec.Kind)
	assert.Equal(t, uint64(5), rec.Nonce)
	require.NotNil(t, rec.Replaces)
	assert.Equal(t, common.HexToHash("0xaa"), *rec.Replaces)
}

func TestReplace_SpeedUpKeepsRecipient(t *testing.T) {
	builder := &fakeBuilder{}
	c := New(builder, &fakeSubmitter{}, nil, WithMinBumpPercent(25))

	_, err := c.Replace(context.Background(), owner, pendingRecord(), ModeSpeedUp, &wallet.FeeParams{
		MaxFeePerGas: big.NewInt(200),
	})
	require.NoError(t, err)

	assert.Equal(t, recipient, builder.intents[0].To())
	assert.Equal(t, "10000000000000000", builder.intents[0].Value().String())
	assert.Equal(t, int64(200), builder.fees[0].MaxFeePerGas.Int64())
	assert.Equal(t, int64(19), builder.fees[0].MaxPriorityFeePerGas.Int64())
}

func TestReplace_StatusPreconditions(t *testing.T) {
	c := New(&fakeBuilder{}, &fakeSubmitter{}, nil)

	confirmed := pendingRecord()
	confirmed.Status = wallet.StatusConfirmed
	_, err := c.Replace(context.Background(), owner, confirmed, ModeCancel, nil)
	assert.ErrorIs(t, err, wallet.ErrAlreadyConfirmed)

	superseded := pendingRecord()
	superseded.Status = wallet.StatusSuperseded
	_, err = c.Replace(context.Background(), owner, superseded, ModeCancel, nil)
	assert.ErrorIs(t, err, wallet.ErrNotReplaceable)
}

func TestReplace_ConcurrentCallFailsInProgress(t *testing.T) {
	submitter := &fakeSubmitter{block: make(chan struct{})}
	c := New(&fakeBuilder{}, submitter, nil)
	old := pendingRecord()

	done := make(chan error, 1)
	go func() {
		_, err := c.Replace(context.Background(), owner, old, ModeCancel, nil)
		done <- err
	}()

	require.Eventually(t, func() bool {
		submitter.mu.Lock()
		defer submitter.mu.Unlock()
		return submitter.calls == 1
	}, time.Second, time.Millisecond)

	_, err := c.Replace(context.Background(), owner, old, ModeSpeedUp, nil)
	assert.ErrorIs(t, err, wallet.ErrReplacementInProgress)

	close(submitter.block)
	require.NoError(t, <-done)
}

func TestReplace_OriginalConfirmedFirst(t *testing.T) {
	submitter := &fakeSubmitter{err: wallet.ErrNonceTooLow}
	c := New(&fakeBuilder{}, submitter, nil)

	_, err := c.Replace(context.Background(), owner, pendingRecord(), ModeCancel, nil)
	assert.ErrorIs(t, err, wallet.ErrAlreadyConfirmed)

	_, ok := c.Outstanding(owner.Address, 5)
	assert.False(t, ok)
}

func TestReplace_NodeUnderpricedMapsToFeeTooLow(t *testing.T) {
	c := New(&fakeBuilder{}, &fakeSubmitter{err: wallet.ErrReplacementUnderpriced}, nil)

	_, err := c.Replace(context.Background(), owner, pendingRecord(), ModeCancel, nil)
	assert.ErrorIs(t, err, wallet.ErrFeeTooLowForReplacement)

	_, ok := c.Outstanding(owner.Address, 5)
	assert.False(t, ok)
	_, err = c.reserve(slot{addr: owner.Address, nonce: 5}, common.HexToHash("0xaa"))
	assert.NoError(t, err, "slot should be free after a rejected replacement")
}

func TestReplace_UnknownOutcomeKeepsSlot(t *testing.T) {
	c := New(&fakeBuilder{}, &fakeSubmitter{err: wallet.ErrTimeout, pending: true}, nil)

	rec, err := c.Replace(context.Background(), owner, pendingRecord(), ModeCancel, nil)
	assert.ErrorIs(t, err, wallet.ErrTimeout)
	require.NotNil(t, rec)

	hash, ok := c.Outstanding(owner.Address, 5)
	require.True(t, ok)
	assert.Equal(t, rec.Hash, hash)
}

func TestReplace_ReplacingTheReplacement(t *testing.T) {
	c := New(&fakeBuilder{}, &fakeSubmitter{}, nil)
	original := pendingRecord()

	first, err := c.Replace(context.Background(), owner, original, ModeSpeedUp, nil)
	require.NoError(t, err)

	// the original is no longer the latest attempt for this nonce
	_, err = c.Replace(context.Background(), owner, original, ModeSpeedUp, nil)
	assert.ErrorIs(t, err, wallet.ErrReplacementInProgress)

	second, err := c.Replace(context.Background(), owner, first, ModeSpeedUp, nil)
	require.NoError(t, err)
	assert.Equal(t, first.Hash, *second.Replaces)
	assert.Equal(t, int64(121), second.Fees.MaxFeePerGas.Int64())

	c.Resolve(owner.Address, 5)
	_, ok := c.Outstanding(owner.Address, 5)
	assert.False(t, ok)
}

func TestBump(t *testing.T) {
	assert.Equal(t, int64(110), bump(big.NewInt(100), 10).Int64())
	assert.Equal(t, int64(2), bump(big.NewInt(1), 10).Int64())
	assert.Equal(t, int64(0), bump(big.NewInt(0), 10).Int64())
	assert.Equal(t, int64(0), bump(nil, 10).Int64())
}
