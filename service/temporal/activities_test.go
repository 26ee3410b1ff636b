package temporal

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	temporalsdk "go.temporal.io/sdk/temporal"

	"github.com/brojonat/ethwallet/service/db"
	"github.com/brojonat/ethwallet/service/explorer"
	natspkg "github.com/brojonat/ethwallet/service/nats"
	"github.com/brojonat/ethwallet/service/wallet"
)

const testAddress = "0x1111111111111111111111111111111111111111"

// MockTransferSource mocks the explorer.
type MockTransferSource struct {
	mock.Mock
}

func (m *MockTransferSource) ListTokenTransfers(ctx context.Context, address string) ([]wallet.TransferEvent, error) {
	args := m.Called(ctx, address)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]wallet.TransferEvent), args.Error(1)
}

// MockBalanceReader mocks the chain client.
type MockBalanceReader struct {
	mock.Mock
}

func (m *MockBalanceReader) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	args := m.Called(ctx, addr)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*big.Int), args.Error(1)
}

type failingStore struct{}

func (failingStore) ReplaceTokenBalances(ctx context.Context, addr common.Address, balances []wallet.TokenBalance, at time.Time) error {
	return errors.New("database error")
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func isNonRetryable(err error) bool {
	var appErr *temporalsdk.ApplicationError
	return errors.As(err, &appErr) && appErr.NonRetryable()
}

func usdcTransfer(from, to string, raw int64, tx string) wallet.TransferEvent {
	return wallet.TransferEvent{
		TokenContract: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48",
		From:          from,
		To:            to,
		RawValue:      big.NewInt(raw),
		Decimals:      6,
		TokenName:     "USD Coin",
		TokenSymbol:   "USDC",
		TxHash:        tx,
	}
}

func TestFetchTokenTransfers(t *testing.T) {
	// Setup
	source := new(MockTransferSource)
	events := []wallet.TransferEvent{usdcTransfer("0xabc", testAddress, 100, "0x01")}
	source.On("ListTokenTransfers", mock.Anything, testAddress).Return(events, nil)
	activities := NewActivities(source, nil, nil, nil, nil, testLogger())

	// Act
	result, err := activities.FetchTokenTransfers(context.Background(), FetchTokenTransfersInput{Address: testAddress})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, events, result.Transfers)
	source.AssertExpectations(t)
}

func TestFetchTokenTransfers_Errors(t *testing.T) {
	tests := []struct {
		name             string
		err              error
		wantNonRetryable bool
	}{
		{"explorer rejection", &explorer.APIError{Message: "NOTOK", Result: "Invalid API Key"}, true},
		{"transport failure", errors.New("connection reset"), false},
		{"explorer rate limit", &explorer.APIError{Message: "NOTOK", Result: "Max calls per sec rate limit reached (5/sec)"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := new(MockTransferSource)
			source.On("ListTokenTransfers", mock.Anything, testAddress).Return(nil, tt.err)
			activities := NewActivities(source, nil, nil, nil, nil, testLogger())

			_, err := activities.FetchTokenTransfers(context.Background(), FetchTokenTransfersInput{Address: testAddress})

			require.Error(t, err)
			assert.Equal(t, tt.wantNonRetryable, isNonRetryable(err))
		})
	}
}

func TestFetchBalance(t *testing.T) {
	balances := new(MockBalanceReader)
	balances.On("BalanceAt", mock.Anything, common.HexToAddress(testAddress)).Return(big.NewInt(42), nil)
	activities := NewActivities(new(MockTransferSource), balances, nil, nil, nil, testLogger())

	result, err := activities.FetchBalance(context.Background(), FetchBalanceInput{Address: testAddress})

	require.NoError(t, err)
	assert.Equal(t, "42", result.BalanceWei)
	balances.AssertExpectations(t)
}

func TestFetchBalance_Errors(t *testing.T) {
	noReader := NewActivities(new(MockTransferSource), nil, nil, nil, nil, testLogger())
	_, err := noReader.FetchBalance(context.Background(), FetchBalanceInput{Address: testAddress})
	assert.True(t, isNonRetryable(err))

	balances := new(MockBalanceReader)
	activities := NewActivities(new(MockTransferSource), balances, nil, nil, nil, testLogger())
	_, err = activities.FetchBalance(context.Background(), FetchBalanceInput{Address: "not-an-address"})
	assert.True(t, isNonRetryable(err))
	balances.AssertNotCalled(t, "BalanceAt", mock.Anything, mock.Anything)

	balances.On("BalanceAt", mock.Anything, mock.Anything).Return(nil, wallet.ErrNetwork)
	_, err = activities.FetchBalance(context.Background(), FetchBalanceInput{Address: testAddress})
	require.Error(t, err)
	assert.False(t, isNonRetryable(err))
	assert.ErrorIs(t, err, wallet.ErrNetwork)
}

func TestStoreTokenBalances(t *testing.T) {
	// Setup
	store := db.NewMemoryStore()
	activities := NewActivities(new(MockTransferSource), nil, store, nil, nil, testLogger())
	tokens := []wallet.TokenBalance{{
		TokenContract: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48",
		Symbol:        "USDC",
		Decimals:      6,
		NetRaw:        big.NewInt(2_500_000),
		NetBalance:    wallet.ToDecimal(big.NewInt(2_500_000), 6),
	}}

	// Act
	err := activities.StoreTokenBalances(context.Background(), StoreTokenBalancesInput{
		Address:           testAddress,
		Tokens:            tokens,
		RefreshedAt:       time.Now().UTC(),
		WorkflowStartedAt: time.Now().Add(-time.Second),
	})

	// Assert
	require.NoError(t, err)
	stored, err := store.ListTokenBalances(context.Background(), common.HexToAddress(testAddress))
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "2.5", stored[0].NetBalance.String())
}

func TestStoreTokenBalances_Errors(t *testing.T) {
	activities := NewActivities(new(MockTransferSource), nil, failingStore{}, nil, nil, testLogger())

	err := activities.StoreTokenBalances(context.Background(), StoreTokenBalancesInput{Address: testAddress})
	require.Error(t, err)
	assert.False(t, isNonRetryable(err))

	err = activities.StoreTokenBalances(context.Background(), StoreTokenBalancesInput{Address: "0x12"})
	assert.True(t, isNonRetryable(err))
}

func TestPublishBalance(t *testing.T) {
	publisher := natspkg.NewMockPublisher()
	activities := NewActivities(new(MockTransferSource), nil, nil, publisher, nil, testLogger())

	err := activities.PublishBalance(context.Background(), PublishBalanceInput{
		Address:    testAddress,
		BalanceWei: "1500000000000000000",
		Tokens:     []wallet.TokenBalance{},
	})

	require.NoError(t, err)
	events := publisher.BalanceEvents()
	require.Len(t, events, 1)
	assert.Equal(t, testAddress, events[0].Address)
	assert.Equal(t, "1.5", events[0].BalanceEther)

	publisher.SetPublishError(errors.New("nats: timeout"))
	err = activities.PublishBalance(context.Background(), PublishBalanceInput{Address: testAddress})
	assert.Error(t, err)
}

func TestPublishBalance_NoPublisher(t *testing.T) {
	activities := NewActivities(new(MockTransferSource), nil, nil, nil, nil, testLogger())

	assert.NoError(t, activities.PublishBalance(context.Background(), PublishBalanceInput{Address: testAddress}))
}
