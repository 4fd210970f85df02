package kvtable

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

var (
	// ErrMissingKeyAttribute is returned when a key or item lacks the partition or sort attribute.
	ErrMissingKeyAttribute = errors.New("kvtable: missing key attribute")

	// ErrAmbiguousSortKeyComparison is returned when a query supplies more than one sort key operator.
	ErrAmbiguousSortKeyComparison = errors.New("kvtable: more than one sort key comparison supplied")

	// ErrMissingSortKeyValue is returned when a sort key operator is supplied with an undefined value.
	ErrMissingSortKeyValue = errors.New("kvtable: sort key comparison value is undefined")

	// ErrInvalidRangeBounds is returned when Between does not carry exactly
	// [lower, upper], or when lower sorts after upper.
	ErrInvalidRangeBounds = errors.New("kvtable: between requires ordered [lower, upper] bounds")

	// ErrUnknownIndex is returned when a query or scan names an index that is not registered.
	ErrUnknownIndex = errors.New("kvtable: index not registered")

	// ErrItemNotFound is returned when an item doesn't exist or has expired (TTL <= now).
	ErrItemNotFound = errors.New("kvtable: item not found")

	// ErrConditionalWriteFailed is returned when a create hits an existing key or a
	// putUpdate hits a missing one.
	ErrConditionalWriteFailed = errors.New("kvtable: conditional write failed")

	// ErrTransactionConditionFailed is returned when any condition in a transaction fails.
	// The whole batch is rolled back.
	ErrTransactionConditionFailed = errors.New("kvtable: transaction condition failed")

	// ErrTransactionTooLarge is returned when a transaction carries more than MaxTransactionItems.
	ErrTransactionTooLarge = errors.New("kvtable: transaction has too many items")

	// ErrValidation is returned when the pre-save parser rejects an item.
	ErrValidation = errors.New("kvtable: item failed validation")

	// ErrStoreUnavailable wraps every failure reported by the underlying store or transport.
	ErrStoreUnavailable = errors.New("kvtable: store unavailable")

	// ErrInvalidRegistry is returned by New when the index registry is malformed.
	ErrInvalidRegistry = errors.New("kvtable: invalid index registry")

	// ErrInvalidConfig is returned by New when the table configuration is incomplete.
	ErrInvalidConfig = errors.New("kvtable: invalid table config")
)

// OpError records the operation, table and key of a failed call.
type OpError struct {
	Op    string
	Table string
	Key   string
	Err   error
}

func (e *OpError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Table, e.Err)
	}
	return fmt.Sprintf("%s %s [%s]: %v", e.Op, e.Table, e.Key, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// ValidationError carries the parser failure for an item that was not written.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return "kvtable: item failed validation: " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Is reports ErrValidation so callers can match either the sentinel or the parser's own error.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// TransactionError describes a transaction cancelled by a failed condition.
type TransactionError struct {
	// Index is the position of the failing item in the submitted batch, or -1 if
	// the store did not report it.
	Index int

	// Reasons holds the per-item cancellation reasons as reported by the store.
	Reasons []types.CancellationReason

	// Cause is the store error that cancelled the transaction.
	Cause error
}

func (e *TransactionError) Error() string {
	var codes []string
	for _, r := range e.Reasons {
		if r.Code != nil {
			codes = append(codes, *r.Code)
		}
	}
	msg := ErrTransactionConditionFailed.Error()
	if e.Index >= 0 {
		msg = fmt.Sprintf("%s at item %d", msg, e.Index)
	}
	if len(codes) > 0 {
		msg += " [" + strings.Join(codes, ", ") + "]"
	}
	return msg
}

func (e *TransactionError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrTransactionConditionFailed}
	}
	return []error{ErrTransactionConditionFailed, e.Cause}
}
