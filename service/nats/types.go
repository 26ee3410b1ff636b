package nats

import (
	"strings"
	"time"

	"github.com/brojonat/ethwallet/service/wallet"
	"github.com/ethereum/go-ethereum/common"
)

const (
	// StreamName is the JetStream stream that carries every wallet event.
	StreamName = "WALLET"

	// StreamSubjects captures record and balance subjects of all accounts.
	StreamSubjects = "wallet.>"

	// StreamRetention is how long messages are kept.
	StreamRetention = 7 * 24 * time.Hour

	recordSubjectPrefix  = "wallet.txs."
	balanceSubjectPrefix = "wallet.balances."
)

// RecordSubject is the subject record events of addr are published on.
func RecordSubject(addr common.Address) string {
	return recordSubjectPrefix + strings.ToLower(addr.Hex())
}

// BalanceSubject is the subject balance snapshots of addr are published on.
func BalanceSubject(addr common.Address) string {
	return balanceSubjectPrefix + strings.ToLower(addr.Hex())
}

// FilterSubject returns the subject filter for one account, or all accounts
// when addr is nil.
func FilterSubject(addr *common.Address) string {
	if addr == nil {
		return StreamSubjects
	}
	return "wallet.*." + strings.ToLower(addr.Hex())
}

// RecordEvent is a transaction record state change published to NATS.
type RecordEvent struct {
	Hash          string     `json:"hash"`
	From          string     `json:"from"`
	To            string     `json:"to"`
	ValueWei      string     `json:"value_wei"`
	ValueEther    string     `json:"value_ether"`
	Nonce         uint64     `json:"nonce"`
	Kind          string     `json:"kind"`
	Status        string     `json:"status"`
	Replaces      string     `json:"replaces,omitempty"`
	SupersededBy  string     `json:"superseded_by,omitempty"`
	BlockNumber   *uint64    `json:"block_number,omitempty"`
	BlockTime     *time.Time `json:"block_time,omitempty"`
	Confirmations uint64     `json:"confirmations"`
	Error         string     `json:"error,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
	PublishedAt   time.Time  `json:"published_at"`
}

// FromRecord converts a record into the event published for it.
func FromRecord(rec *wallet.TransactionRecord) *RecordEvent {
	event := &RecordEvent{
		Hash:          rec.Hash.Hex(),
		From:          rec.From.Hex(),
		To:            rec.To.Hex(),
		ValueWei:      "0",
		ValueEther:    "0",
		Nonce:         rec.Nonce,
		Kind:          string(rec.Kind),
		Status:        string(rec.Status),
		BlockNumber:   rec.BlockNumber,
		BlockTime:     rec.Timestamp,
		Confirmations: rec.Confirmations,
		Error:         rec.Error,
		UpdatedAt:     rec.UpdatedAt,
		PublishedAt:   time.Now().UTC(),
	}
	if rec.ValueWei != nil {
		event.ValueWei = rec.ValueWei.String()
		event.ValueEther = wallet.FormatEther(rec.ValueWei)
	}
	if rec.Replaces != nil {
		event.Replaces = rec.Replaces.Hex()
	}
	if rec.SupersededBy != nil {
		event.SupersededBy = rec.SupersededBy.Hex()
	}
	return event
}

// BalanceEvent is a ledger snapshot of one account.
type BalanceEvent struct {
	Address      string                `json:"address"`
	BalanceWei   string                `json:"balance_wei,omitempty"`
	BalanceEther string                `json:"balance_ether,omitempty"`
	Tokens       []wallet.TokenBalance `json:"tokens"`
	RefreshedAt  time.Time             `json:"refreshed_at"`
	PublishedAt  time.Time             `json:"published_at"`
}

// Message is one event delivered to a subscriber.
type Message struct {
	Subject string
	Type    string // "record" or "balance"
	Data    []byte
}

// MessageType derives the event type from a subject.
func MessageType(subject string) string {
	switch {
	case strings.HasPrefix(subject, recordSubjectPrefix):
		return "record"
	case strings.HasPrefix(subject, balanceSubjectPrefix):
		return "balance"
	default:
		return "unknown"
	}
}
