package wallet

import (
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRecipient = "0x1111111111111111111111111111111111111111"

func TestNewIntent_Validation(t *testing.T) {
	tests := []struct {
		name  string
		to    string
		value *big.Int
		opts  []IntentOption
		err   error
	}{
		{name: "missing 0x", to: "1111111111111111111111111111111111111111", value: big.NewInt(1), err: ErrInvalidAddress},
		{name: "short address", to: "0x1234", value: big.NewInt(1), err: ErrInvalidAddress},
		{name: "nil value", to: testRecipient, value: nil, err: ErrInvalidAmount},
		{name: "negative value", to: testRecipient, value: big.NewInt(-1), err: ErrInvalidAmount},
		{
			name:  "tip above cap",
			to:    testRecipient,
			value: big.NewInt(1),
			opts:  []IntentOption{WithMaxFeePerGas(big.NewInt(10)), WithMaxPriorityFeePerGas(big.NewInt(11))},
			err:   ErrInvalidIntent,
		},
		{
			name:  "gas below intrinsic",
			to:    testRecipient,
			value: big.NewInt(1),
			opts:  []IntentOption{WithGasLimit(20000)},
			err:   ErrInvalidIntent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewIntent(tt.to, tt.value, tt.opts...)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, KindValidation, KindOf(err))
		})
	}
}

func TestNewIntent_IsImmutable(t *testing.T) {
	value := big.NewInt(100)
	fee := big.NewInt(50)

	intent, err := NewIntent(testRecipient, value, WithMaxFeePerGas(fee))
	require.NoError(t, err)

	value.SetInt64(1)
	fee.SetInt64(1)
	intent.Value().SetInt64(7)

	assert.Equal(t, int64(100), intent.Value().Int64())
	assert.Equal(t, int64(50), intent.MaxFeePerGas().Int64())
	assert.Nil(t, intent.MaxPriorityFeePerGas())
	_, ok := intent.GasLimit()
	assert.False(t, ok)
}

func TestIntentFromEther(t *testing.T) {
	intent, err := IntentFromEther(testRecipient, "0.01")
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(testRecipient), intent.To())
	assert.Equal(t, "10000000000000000", intent.Value().String())
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindChainRejection, KindOf(ErrNonceTooLow))
	assert.ErrorIs(t, ErrNonceTooLow, ErrBroadcastRejected)
	assert.Equal(t, KindNetwork, KindOf(fmt.Errorf("fetch: %w", ErrExplorer)))
	assert.Equal(t, KindTimeout, KindOf(fmt.Errorf("submit: %w", ErrTimeout)))
	assert.Equal(t, KindUnknown, KindOf(fmt.Errorf("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestRecordApply_ConfirmationsNeverDecrease(t *testing.T) {
	now := time.Now()
	rec := &TransactionRecord{Status: StatusPending}
	block := uint64(10)

	changed := rec.Apply(StatusUpdate{Status: StatusConfirmed, BlockNumber: &block, Confirmations: 3}, now)
	assert.True(t, changed)
	assert.Equal(t, uint64(3), rec.Confirmations)

	rec.Apply(StatusUpdate{Status: StatusConfirmed, BlockNumber: &block, Confirmations: 1}, now)
	assert.Equal(t, uint64(3), rec.Confirmations)
	assert.Equal(t, StatusConfirmed, rec.Status)

	// terminal records keep their status
	rec.Apply(StatusUpdate{Status: StatusFailed}, now)
	assert.Equal(t, StatusConfirmed, rec.Status)
}

func TestRecordClone(t *testing.T) {
	h := common.HexToHash("0x01")
	rec := &TransactionRecord{ValueWei: big.NewInt(5), Replaces: &h}
	c := rec.Clone()
	c.ValueWei.SetInt64(9)
	*c.Replaces = common.HexToHash("0x02")

	assert.Equal(t, int64(5), rec.ValueWei.Int64())
	assert.Equal(t, h, *rec.Replaces)
}

func TestExplorerTransactionStatus(t *testing.T) {
	assert.Equal(t, StatusPending, ExplorerTransaction{}.Status())
	assert.Equal(t, StatusConfirmed, ExplorerTransaction{Confirmations: 2}.Status())
	assert.Equal(t, StatusFailed, ExplorerTransaction{Confirmations: 2, IsError: true}.Status())
}
