package store_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/theory-cloud/txcore/pkg/store"
)

func TestError_RetryableReflectsTransientFlag(t *testing.T) {
	transient := &store.Error{Op: "Write", Transient: true, Err: errors.New("ProvisionedThroughputExceeded")}
	permanent := &store.Error{Op: "Write", Transient: false, Err: errors.New("ResourceNotFound")}

	assert.True(t, transient.Retryable())
	assert.False(t, permanent.Retryable())
}

func TestError_NilReceiverIsSafe(t *testing.T) {
	var e *store.Error
	assert.False(t, e.Retryable())
	assert.Nil(t, e.Unwrap())
	assert.Equal(t, "store: nil error", e.Error())
}

func TestError_UnwrapReturnsCause(t *testing.T) {
	cause := errors.New("ConditionalCheckFailed")
	e := &store.Error{Op: "TransactWrite", Err: cause}
	assert.Equal(t, cause, errors.Unwrap(e))
	assert.Contains(t, e.Error(), "TransactWrite")
}

func TestError_CancellationReasonsPreserveOrder(t *testing.T) {
	e := &store.Error{
		Op: "TransactWrite",
		Reasons: []store.CancellationReason{
			{Code: "None"},
			{Code: "ConditionalCheckFailed"},
			{Code: "None"},
		},
		Err: errors.New("TransactionCanceledException"),
	}
	assert.Len(t, e.Reasons, 3)
	assert.Equal(t, "ConditionalCheckFailed", e.Reasons[1].Code)
}
