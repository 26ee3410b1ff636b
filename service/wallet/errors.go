package wallet

import (
	"errors"
)

// Kind classifies an error by how callers are expected to react to it.
type Kind string

const (
	KindUnknown             Kind = "unknown"
	KindValidation          Kind = "validation"
	KindNetwork             Kind = "network"
	KindChainRejection      Kind = "chain_rejection"
	KindReplacementConflict Kind = "replacement_conflict"
	KindKey                 Kind = "key"
	KindTimeout             Kind = "timeout"
	KindNotFound            Kind = "not_found"
)

// kindError is a sentinel error that carries a Kind and optionally refines a
// broader sentinel (errors.Is matches the parent as well).
type kindError struct {
	kind   Kind
	msg    string
	parent error
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.parent }

func newError(kind Kind, msg string) error {
	return &kindError{kind: kind, msg: msg}
}

func refine(parent error, msg string) error {
	var p *kindError
	if !errors.As(parent, &p) {
		panic("wallet: refine requires a kind sentinel")
	}
	return &kindError{kind: p.kind, msg: msg, parent: parent}
}

// Validation errors. Never retried.
var (
	ErrInvalidIntent  = newError(KindValidation, "invalid transaction intent")
	ErrInvalidAmount  = refine(ErrInvalidIntent, "invalid amount")
	ErrInvalidAddress = refine(ErrInvalidIntent, "invalid address")
)

// Network errors. Only idempotent reads are retried.
var (
	ErrNetwork  = newError(KindNetwork, "network error")
	ErrExplorer = refine(ErrNetwork, "explorer error")
)

// Chain rejections: the node refused the transaction.
var (
	ErrBroadcastRejected      = newError(KindChainRejection, "broadcast rejected")
	ErrNonceTooLow            = refine(ErrBroadcastRejected, "nonce too low")
	ErrInsufficientFunds      = refine(ErrBroadcastRejected, "insufficient funds")
	ErrReplacementUnderpriced = refine(ErrBroadcastRejected, "replacement transaction underpriced")
)

// Replacement conflicts.
var (
	ErrFeeTooLowForReplacement = newError(KindReplacementConflict, "fee too low for replacement")
	ErrAlreadyConfirmed        = newError(KindReplacementConflict, "transaction already confirmed")
	ErrReplacementInProgress   = newError(KindReplacementConflict, "replacement already in progress")
	ErrNotReplaceable          = newError(KindReplacementConflict, "transaction is not replaceable")
)

// Key errors.
var (
	ErrInvalidKeyFormat = newError(KindKey, "invalid key format")
	ErrKeyUnavailable   = newError(KindKey, "key unavailable")
	ErrEntropy          = newError(KindKey, "entropy source failure")
)

var (
	ErrTimeout        = newError(KindTimeout, "timed out waiting for network")
	ErrRecordNotFound = newError(KindNotFound, "transaction record not found")
)

// KindOf returns the Kind of the first kind sentinel found in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var k *kindError
	if errors.As(err, &k) {
		return k.kind
	}
	return KindUnknown
}
