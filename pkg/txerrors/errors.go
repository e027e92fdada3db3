// Package txerrors defines the error taxonomy surfaced by txcore (§6-§7).
package txerrors

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Callers match with errors.Is.
var (
	ErrInvalidOptions             = errors.New("invalid options")
	ErrInvalidParameter           = errors.New("invalid parameter")
	ErrInvalidField               = errors.New("invalid field")
	ErrInvalidIndex               = errors.New("invalid index")
	ErrInvalidFilter              = errors.New("invalid filter")
	ErrInvalidCachedModel         = errors.New("invalid cached model")
	ErrModelAlreadyExists         = errors.New("model already exists")
	ErrModelDeletedTwice          = errors.New("model deleted twice")
	ErrModelTrackedTwice          = errors.New("model tracked twice")
	ErrInvalidModelUpdate         = errors.New("invalid model update")
	ErrInvalidModelDeletion       = errors.New("invalid model deletion")
	ErrWriteAttemptedInReadOnlyTx = errors.New("write attempted in read-only transaction")
	ErrEncryptedFieldNotQueryable = errors.New("encrypted fields are not queryable/filterable")
)

// TransactionFailed wraps the terminal failure of a Transaction.Run loop
// (§6, §7). Cause is the original error that ended the attempt loop;
// AllErrors carries every per-item classified error collected during the
// final commit attempt (e.g. one entry per ConditionalCheckFailed).
type TransactionFailed struct {
	Cause     error
	AllErrors []error
}

func (e *TransactionFailed) Error() string {
	if e == nil || e.Cause == nil {
		return "txcore: transaction failed"
	}
	if len(e.AllErrors) > 1 {
		return fmt.Sprintf("txcore: transaction failed: %v (and %d more)", e.Cause, len(e.AllErrors)-1)
	}
	return fmt.Sprintf("txcore: transaction failed: %v", e.Cause)
}

func (e *TransactionFailed) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// NewTransactionFailed builds a TransactionFailed from a primary cause and
// the full set of classified errors observed during commit.
func NewTransactionFailed(cause error, all []error) *TransactionFailed {
	return &TransactionFailed{Cause: cause, AllErrors: all}
}

// TooMuchContention is the load-bearing message (§4.4 step 2) emitted when
// Transaction.Run exhausts its retry budget on retryable errors alone.
const TooMuchContention = "Too much contention."

// Retryable reports whether err should trigger another Transaction.Run
// attempt: conditional-check failures and store-tagged transient errors
// (§7 taxonomy classes 3 and 4).
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var re interface{ Retryable() bool }
	if errors.As(err, &re) {
		return re.Retryable()
	}
	return errors.Is(err, ErrModelAlreadyExists) ||
		errors.Is(err, ErrInvalidModelUpdate) ||
		errors.Is(err, ErrInvalidModelDeletion)
}

// FieldError reports a field-level validation or mutation failure
// (set on immutable field, validator mismatch).
type FieldError struct {
	Err   error
	Field string
	Model string
}

func (e *FieldError) Error() string {
	if e == nil {
		return "txcore: invalid field"
	}
	return fmt.Sprintf("txcore: field %s.%s invalid: %v", e.Model, e.Field, e.Err)
}

func (e *FieldError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *FieldError) Is(target error) bool {
	return errors.Is(ErrInvalidField, target)
}

// NewFieldError wraps a field validation failure with model/field context.
func NewFieldError(model, field string, cause error) *FieldError {
	return &FieldError{Model: model, Field: field, Err: cause}
}
