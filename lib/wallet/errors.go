package wallet

import (
	"errors"
	"fmt"
)

// Kind classifies ledger and business errors. SyncRequired and RetryRequired
// are recoverable control signals the orchestrator branches on; they must not
// surface to callers as failures.
type Kind string

// Error kinds.
const (
	KindException       Kind = "EXCEPTION"
	KindValidation      Kind = "VALIDATION"
	KindDB              Kind = "DB"
	KindConnection      Kind = "CONNECTION"
	KindNotEnoughFunds  Kind = "NOT_ENOUGH_FUNDS"
	KindNotEnoughOutput Kind = "NOT_ENOUGH_OUTPUTS"
	KindNotEnoughAmount Kind = "NOT_ENOUGH_AMOUNT"
	KindSyncRequired    Kind = "SYNC_REQUIRED"
	KindRetryRequired   Kind = "RETRY_REQUIRED"
)

// Error is the typed error every backend returns for expected ledger and
// business conditions.
type Error struct {
	Kind Kind
	What string
}

func (e *Error) Error() string {
	if e.What == "" {
		return string(e.Kind)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.What)
}

// E builds a typed wallet error.
func E(kind Kind, what string) *Error {
	return &Error{Kind: kind, What: what}
}

// Errf builds a typed wallet error with a formatted description.
func Errf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, What: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from err, unwrapping as needed. Errors that are not
// wallet errors report KindException.
func KindOf(err error) Kind {
	var we *Error
	if errors.As(err, &we) {
		return we.Kind
	}

	return KindException
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
