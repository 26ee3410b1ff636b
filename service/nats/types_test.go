package nats

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/brojonat/ethwallet/service/wallet"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sender = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")

func TestSubjects(t *testing.T) {
	assert.Equal(t, "wallet.txs.0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266", RecordSubject(sender))
	assert.Equal(t, "wallet.balances.0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266", BalanceSubject(sender))
	assert.Equal(t, "wallet.>", FilterSubject(nil))
	assert.Equal(t, "wallet.*.0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266", FilterSubject(&sender))

	assert.Equal(t, "record", MessageType(RecordSubject(sender)))
	assert.Equal(t, "balance", MessageType(BalanceSubject(sender)))
	assert.Equal(t, "unknown", MessageType("other.subject"))
}

func TestFromRecord(t *testing.T) {
	block := uint64(7)
	replaced := common.HexToHash("0xaa")
	rec := &wallet.TransactionRecord{
		Hash:          common.HexToHash("0xbb"),
		From:          sender,
		To:            sender,
		ValueWei:      big.NewInt(1_500_000_000_000_000_000),
		Nonce:         3,
		Kind:          wallet.KindCancel,
		Status:        wallet.StatusConfirmed,
		Replaces:      &replaced,
		BlockNumber:   &block,
		Confirmations: 2,
		UpdatedAt:     time.Now(),
	}

	event := FromRecord(rec)

	assert.Equal(t, rec.Hash.Hex(), event.Hash)
	assert.Equal(t, "1500000000000000000", event.ValueWei)
	assert.Equal(t, "1.5", event.ValueEther)
	assert.Equal(t, "cancel", event.Kind)
	assert.Equal(t, "confirmed", event.Status)
	assert.Equal(t, replaced.Hex(), event.Replaces)
	assert.Empty(t, event.SupersededBy)
	assert.Equal(t, &block, event.BlockNumber)
	assert.False(t, event.PublishedAt.IsZero())
}

func TestMockPublisher(t *testing.T) {
	// Setup
	ctx := context.Background()
	pub := NewMockPublisher()

	// Act
	require.NoError(t, pub.PublishRecord(ctx, &RecordEvent{From: sender.Hex(), Hash: "0x1"}))
	require.NoError(t, pub.PublishRecord(ctx, &RecordEvent{From: "0x0000000000000000000000000000000000000001", Hash: "0x2"}))
	require.NoError(t, pub.PublishBalance(ctx, &BalanceEvent{Address: sender.Hex()}))

	// Assert
	assert.Len(t, pub.RecordEvents(), 2)
	assert.Len(t, pub.RecordEventsFor("0xF39FD6E51AAD88F6F4CE6AB8827279CFFFB92266"), 1)
	assert.Len(t, pub.BalanceEvents(), 1)

	pub.SetPublishError(errors.New("boom"))
	assert.Error(t, pub.PublishRecord(ctx, &RecordEvent{}))

	pub.Reset()
	assert.Empty(t, pub.RecordEvents())
	require.NoError(t, pub.Close())
	assert.True(t, pub.IsClosed())
}
