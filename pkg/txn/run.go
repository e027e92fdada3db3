package txn

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/theory-cloud/txcore/pkg/store"
	"github.com/theory-cloud/txcore/pkg/txerrors"
)

// Fn is one Transaction.Run attempt body. It may be invoked more than
// once: on a retryable commit failure, Run constructs a fresh
// Transaction (and a fresh write batcher) and re-invokes fn from
// scratch. fn must not retain a Transaction across invocations.
type Fn func(tx *Transaction) error

// Run drives the read-modify-write retry loop (SPEC_FULL.md §4.4,
// §5): construct a Transaction, invoke fn, commit the accumulated
// writes, and on a retryable failure sleep for backoff +/-10% jitter
// before doubling backoff (capped at opts.MaxBackoff) and trying
// again. Exhausting opts.Retries on retryable failures alone returns a
// *txerrors.TransactionFailed wrapping the load-bearing "Too much
// contention." message. A non-retryable failure returns immediately,
// without consuming a retry.
func Run(ctx context.Context, st store.Store, opts Options, fn Fn) error {
	if err := opts.validate(); err != nil {
		return err
	}

	backoff := opts.InitialBackoff
	for attempt := 0; ; attempt++ {
		events := &eventEmitter{}
		tx := newTransaction(ctx, st, opts, events)

		err := runAttempt(ctx, st, opts, tx, fn)
		if err == nil {
			events.emitPostCommit()
			return nil
		}

		all := flatten(err)
		if !allRetryable(all) {
			events.emitTxFailed(err)
			return err
		}

		if attempt >= opts.Retries {
			final := txerrors.NewTransactionFailed(errors.New(txerrors.TooMuchContention), all)
			events.emitTxFailed(final)
			return final
		}

		if err := sleepWithJitter(ctx, backoff); err != nil {
			events.emitTxFailed(err)
			return err
		}
		backoff *= 2
		if backoff > opts.MaxBackoff {
			backoff = opts.MaxBackoff
		}
	}
}

func runAttempt(ctx context.Context, st store.Store, opts Options, tx *Transaction, fn Fn) error {
	if err := fn(tx); err != nil {
		tx.batcher.ResetForRetry()
		return err
	}
	_, err := tx.batcher.Commit(ctx, st, !opts.ReadOnly)
	if err != nil {
		tx.batcher.ResetForRetry()
		return err
	}
	return nil
}

func flatten(err error) []error {
	var tf *txerrors.TransactionFailed
	if errors.As(err, &tf) && len(tf.AllErrors) > 0 {
		return tf.AllErrors
	}
	return []error{err}
}

func allRetryable(errs []error) bool {
	if len(errs) == 0 {
		return false
	}
	for _, e := range errs {
		if !txerrors.Retryable(e) {
			return false
		}
	}
	return true
}

// sleepWithJitter sleeps for base +/-10% uniform jitter, or returns
// ctx.Err() if ctx is canceled first.
func sleepWithJitter(ctx context.Context, base time.Duration) error {
	jitter := 0.9 + rand.Float64()*0.2 // [0.9, 1.1)
	d := time.Duration(float64(base) * jitter)
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("txn: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
