package model

import "errors"

// Error kinds returned by every ledger operation. Callers wrap them with
// context using fmt.Errorf("...: %w", err) and test with errors.Is.
var (
	ErrValidation          = errors.New("validation error")
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvariantViolation  = errors.New("invariant violation")
	ErrInvalidState        = errors.New("invalid state")
	ErrExternalCall        = errors.New("external call failed")
	ErrConfirmationTimeout = errors.New("confirmation timeout")
)

// Kind is the closed set of error classes above.
type Kind string

const (
	KindNone                Kind = ""
	KindValidation          Kind = "validation"
	KindNotFound            Kind = "not_found"
	KindAlreadyExists       Kind = "already_exists"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindInvariantViolation  Kind = "invariant_violation"
	KindInvalidState        Kind = "invalid_state"
	KindExternalCall        Kind = "external_call"
	KindConfirmationTimeout Kind = "confirmation_timeout"
	KindInternal            Kind = "internal"
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrValidation, KindValidation},
	{ErrNotFound, KindNotFound},
	{ErrAlreadyExists, KindAlreadyExists},
	{ErrInsufficientBalance, KindInsufficientBalance},
	{ErrInvariantViolation, KindInvariantViolation},
	{ErrInvalidState, KindInvalidState},
	{ErrExternalCall, KindExternalCall},
	{ErrConfirmationTimeout, KindConfirmationTimeout},
}

// KindOf classifies err. Errors outside the taxonomy are KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}
