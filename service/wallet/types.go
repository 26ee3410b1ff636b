package wallet

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

// DefaultGasLimit is the intrinsic gas of a plain value transfer.
const DefaultGasLimit uint64 = 21000

// Account identifies a custodied key by its derived address.
type Account struct {
	Address common.Address `json:"address"`
}

func (a Account) String() string { return a.Address.Hex() }

// ParseAddress accepts only 0x-prefixed 40 hex character addresses.
func ParseAddress(s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return common.Address{}, fmt.Errorf("%w: %q must start with 0x", ErrInvalidAddress, s)
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return common.HexToAddress(s), nil
}

// TransactionIntent is what the caller asked for. It is immutable once built;
// accessors return copies.
type TransactionIntent struct {
	to                   common.Address
	value                *big.Int
	gasLimit             uint64
	maxFeePerGas         *big.Int
	maxPriorityFeePerGas *big.Int
}

// IntentOption customizes a TransactionIntent.
type IntentOption func(*TransactionIntent)

// WithGasLimit overrides the default gas limit.
func WithGasLimit(limit uint64) IntentOption {
	return func(i *TransactionIntent) { i.gasLimit = limit }
}

// WithMaxFeePerGas caps the total fee per gas the caller is willing to pay.
func WithMaxFeePerGas(fee *big.Int) IntentOption {
	return func(i *TransactionIntent) { i.maxFeePerGas = copyBig(fee) }
}

// WithMaxPriorityFeePerGas sets the tip per gas.
func WithMaxPriorityFeePerGas(tip *big.Int) IntentOption {
	return func(i *TransactionIntent) { i.maxPriorityFeePerGas = copyBig(tip) }
}

// NewIntent validates and builds a transfer of valueWei to the recipient.
func NewIntent(to string, valueWei *big.Int, opts ...IntentOption) (TransactionIntent, error) {
	addr, err := ParseAddress(to)
	if err != nil {
		return TransactionIntent{}, err
	}
	return NewIntentTo(addr, valueWei, opts...)
}

// NewIntentTo is NewIntent for an already parsed recipient.
func NewIntentTo(to common.Address, valueWei *big.Int, opts ...IntentOption) (TransactionIntent, error) {
	if valueWei == nil {
		return TransactionIntent{}, fmt.Errorf("%w: value is required", ErrInvalidAmount)
	}
	if valueWei.Sign() < 0 {
		return TransactionIntent{}, fmt.Errorf("%w: value %s is negative", ErrInvalidAmount, valueWei)
	}
	intent := TransactionIntent{to: to, value: copyBig(valueWei)}
	for _, opt := range opts {
		opt(&intent)
	}
	if intent.maxFeePerGas != nil && intent.maxFeePerGas.Sign() < 0 {
		return TransactionIntent{}, fmt.Errorf("%w: negative max fee per gas", ErrInvalidIntent)
	}
	if intent.maxPriorityFeePerGas != nil && intent.maxPriorityFeePerGas.Sign() < 0 {
		return TransactionIntent{}, fmt.Errorf("%w: negative priority fee per gas", ErrInvalidIntent)
	}
	if intent.maxFeePerGas != nil && intent.maxPriorityFeePerGas != nil &&
		intent.maxPriorityFeePerGas.Cmp(intent.maxFeePerGas) > 0 {
		return TransactionIntent{}, fmt.Errorf("%w: priority fee %s exceeds max fee %s",
			ErrInvalidIntent, intent.maxPriorityFeePerGas, intent.maxFeePerGas)
	}
	if intent.gasLimit != 0 && intent.gasLimit < DefaultGasLimit {
		return TransactionIntent{}, fmt.Errorf("%w: gas limit %d below intrinsic gas %d",
			ErrInvalidIntent, intent.gasLimit, DefaultGasLimit)
	}
	return intent, nil
}

// IntentFromEther builds an intent from an ether denominated amount such as "0.01".
func IntentFromEther(to, amountEther string, opts ...IntentOption) (TransactionIntent, error) {
	wei, err := ParseEther(amountEther)
	if err != nil {
		return TransactionIntent{}, err
	}
	return NewIntent(to, wei, opts...)
}

func (i TransactionIntent) To() common.Address { return i.to }

// Value returns the transfer amount in wei. A zero intent returns nil.
func (i TransactionIntent) Value() *big.Int { return copyBig(i.value) }

// GasLimit returns the caller supplied gas limit, if any.
func (i TransactionIntent) GasLimit() (uint64, bool) { return i.gasLimit, i.gasLimit != 0 }

// MaxFeePerGas returns nil when the caller left the fee cap to the builder.
func (i TransactionIntent) MaxFeePerGas() *big.Int { return copyBig(i.maxFeePerGas) }

// MaxPriorityFeePerGas returns nil when the caller left the tip to the builder.
func (i TransactionIntent) MaxPriorityFeePerGas() *big.Int { return copyBig(i.maxPriorityFeePerGas) }

// IsZero reports whether the intent was never built through NewIntent.
func (i TransactionIntent) IsZero() bool { return i.value == nil }

// FeeParams are the resolved gas parameters of a signed transaction.
type FeeParams struct {
	GasLimit             uint64   `json:"gas_limit"`
	MaxFeePerGas         *big.Int `json:"max_fee_per_gas"`
	MaxPriorityFeePerGas *big.Int `json:"max_priority_fee_per_gas"`
}

func (f FeeParams) Clone() FeeParams {
	return FeeParams{
		GasLimit:             f.GasLimit,
		MaxFeePerGas:         copyBig(f.MaxFeePerGas),
		MaxPriorityFeePerGas: copyBig(f.MaxPriorityFeePerGas),
	}
}

// SignedTransaction is a fully built, signed EIP-1559 transaction ready for broadcast.
type SignedTransaction struct {
	From    common.Address
	Nonce   uint64
	Intent  TransactionIntent
	Fees    FeeParams
	ChainID *big.Int
	Raw     []byte
	Hash    common.Hash
	Tx      *types.Transaction
}

// Status is the lifecycle state of a broadcast attempt.
type Status string

const (
	StatusPending    Status = "pending" // broadcast, not yet observed in a block
	StatusConfirmed  Status = "confirmed"
	StatusFailed     Status = "failed"
	StatusSuperseded Status = "superseded" // another transaction with the same nonce was mined
)

// Open reports whether the transaction may still be mined.
func (s Status) Open() bool {
	return s == StatusPending
}

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed || s == StatusSuperseded
}

// RecordKind says why a broadcast attempt was made.
type RecordKind string

const (
	KindPayment RecordKind = "payment"
	KindCancel  RecordKind = "cancel"
	KindSpeedUp RecordKind = "speedup"
)

// TransactionRecord tracks one broadcast attempt.
type TransactionRecord struct {
	Hash          common.Hash    `json:"hash"`
	From          common.Address `json:"from"`
	To            common.Address `json:"to"`
	ValueWei      *big.Int       `json:"value_wei"`
	Nonce         uint64         `json:"nonce"`
	Fees          FeeParams      `json:"fees"`
	Kind          RecordKind     `json:"kind"`
	Status        Status         `json:"status"`
	Replaces      *common.Hash   `json:"replaces,omitempty"`
	SupersededBy  *common.Hash   `json:"superseded_by,omitempty"`
	BlockNumber   *uint64        `json:"block_number,omitempty"`
	Timestamp     *time.Time     `json:"timestamp,omitempty"`
	Confirmations uint64         `json:"confirmations"`
	Error         string         `json:"error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// NewRecord creates the record for a freshly signed transaction.
func NewRecord(signed *SignedTransaction, kind RecordKind, status Status, now time.Time) *TransactionRecord {
	return &TransactionRecord{
		Hash:      signed.Hash,
		From:      signed.From,
		To:        signed.Intent.To(),
		ValueWei:  signed.Intent.Value(),
		Nonce:     signed.Nonce,
		Fees:      signed.Fees.Clone(),
		Kind:      kind,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy.
func (r *TransactionRecord) Clone() *TransactionRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.ValueWei = copyBig(r.ValueWei)
	c.Fees = r.Fees.Clone()
	if r.Replaces != nil {
		h := *r.Replaces
		c.Replaces = &h
	}
	if r.SupersededBy != nil {
		h := *r.SupersededBy
		c.SupersededBy = &h
	}
	if r.BlockNumber != nil {
		n := *r.BlockNumber
		c.BlockNumber = &n
	}
	if r.Timestamp != nil {
		t := *r.Timestamp
		c.Timestamp = &t
	}
	return &c
}

// Apply merges an observed status update into the record. Confirmations never
// decrease and terminal records do not change status.
func (r *TransactionRecord) Apply(u StatusUpdate, now time.Time) bool {
	changed := false
	if u.Status != "" && u.Status != r.Status && !r.Status.Terminal() {
		r.Status = u.Status
		changed = true
	}
	if u.BlockNumber != nil && (r.BlockNumber == nil || *r.BlockNumber != *u.BlockNumber) {
		n := *u.BlockNumber
		r.BlockNumber = &n
		changed = true
	}
	if u.Timestamp != nil && r.Timestamp == nil {
		t := *u.Timestamp
		r.Timestamp = &t
		changed = true
	}
	if u.Confirmations > r.Confirmations {
		r.Confirmations = u.Confirmations
		changed = true
	}
	if u.Status == StatusFailed && u.Reason != "" {
		r.Error = u.Reason
		changed = true
	}
	if changed {
		r.UpdatedAt = now
	}
	return changed
}

// StatusUpdate is one observation emitted while watching a transaction.
// Err is set when a poll failed; it never implies the transaction failed.
type StatusUpdate struct {
	Hash          common.Hash
	Status        Status
	BlockNumber   *uint64
	Timestamp     *time.Time
	Confirmations uint64
	Reason        string
	Err           error
}

// TransferEvent is one token transfer log entry as reported by an explorer.
type TransferEvent struct {
	TokenContract string   `json:"token_contract"`
	From          string   `json:"from"`
	To            string   `json:"to"`
	RawValue      *big.Int `json:"raw_value"`
	Decimals      uint8    `json:"decimals"`
	TokenName     string   `json:"token_name"`
	TokenSymbol   string   `json:"token_symbol"`
	TxHash        string   `json:"tx_hash"`
	LogIndex      uint64   `json:"log_index"`
}

// Key identifies the underlying log entry for deduplication.
func (e TransferEvent) Key() string {
	return strings.ToLower(e.TxHash) + ":" + fmt.Sprint(e.LogIndex)
}

// ExplorerTransaction is a historical transaction as listed by a block explorer.
type ExplorerTransaction struct {
	Hash          string    `json:"hash"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	ValueWei      *big.Int  `json:"value_wei"`
	Nonce         uint64    `json:"nonce"`
	BlockNumber   uint64    `json:"block_number"`
	Timestamp     time.Time `json:"timestamp"`
	Confirmations uint64    `json:"confirmations"`
	IsError       bool      `json:"is_error"`
}

// Status derives the display status of a historical transaction.
func (t ExplorerTransaction) Status() Status {
	if t.Confirmations == 0 {
		return StatusPending
	}
	if t.IsError {
		return StatusFailed
	}
	return StatusConfirmed
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

// TokenBalance is the net holding of one token derived from transfer events.
type TokenBalance struct {
	TokenContract string          `json:"token_contract"`
	Symbol        string          `json:"symbol"`
	Name          string          `json:"name"`
	Decimals      uint8           `json:"decimals"`
	NetRaw        *big.Int        `json:"net_raw"`
	NetBalance    decimal.Decimal `json:"net_balance"`
}

// RecordFilter narrows a record listing. Zero values mean no constraint.
type RecordFilter struct {
	From   *common.Address
	Status Status
	Limit  int
}

// Match reports whether rec passes the filter, ignoring Limit.
func (f RecordFilter) Match(rec *TransactionRecord) bool {
	if f.From != nil && rec.From != *f.From {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	return true
}
