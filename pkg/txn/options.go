package txn

import (
	"fmt"
	"time"

	"github.com/theory-cloud/txcore/pkg/itemmodel"
	"github.com/theory-cloud/txcore/pkg/schema"
	"github.com/theory-cloud/txcore/pkg/txerrors"
)

// Options configures one Transaction.Run call (SPEC_FULL.md §4.4).
// Zero value is not valid; use DefaultOptions as a base.
type Options struct {
	ReadOnly       bool
	Retries        int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	CacheModels    bool

	// Codec, when set, routes Encrypted/Overflow fields (SPEC_FULL.md
	// §4.2, §4.4) through fieldcrypt/overflow on every Get/Create/
	// Update/CreateOrPut/Delete/Scan/Query this transaction performs. A
	// zero Codec is fine for declarations with no such fields.
	Codec itemmodel.Codec
}

// DefaultOptions returns the documented defaults: readOnly=false,
// retries=3, initialBackoff=500ms, maxBackoff=10s, cacheModels=false.
func DefaultOptions() Options {
	return Options{
		Retries:        3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
	}
}

// validate enforces the invariants in SPEC_FULL.md §4.4: retries>=0,
// initialBackoff>=1ms, maxBackoff>=200ms (the underlying atomic write
// has a 100-200ms floor).
func (o Options) validate() error {
	if o.Retries < 0 {
		return fmt.Errorf("%w: retries must be >= 0", txerrors.ErrInvalidOptions)
	}
	if o.InitialBackoff < time.Millisecond {
		return fmt.Errorf("%w: initialBackoff must be >= 1ms", txerrors.ErrInvalidOptions)
	}
	if o.MaxBackoff < 200*time.Millisecond {
		return fmt.Errorf("%w: maxBackoff must be >= 200ms", txerrors.ErrInvalidOptions)
	}
	return nil
}

// Decl names one model class: the table it lives in plus its compiled
// schema. Every Transaction operation takes a Decl identifying which
// kind of item it operates on (SPEC_FULL.md §4.4).
type Decl struct {
	Table  string
	Schema *schema.Compiled
}

// Declare builds a Decl for a compiled schema.
func Declare(table string, compiled *schema.Compiled) Decl {
	return Decl{Table: table, Schema: compiled}
}

// GetOptions configures Transaction.Get/GetMany (SPEC_FULL.md §4.4).
type GetOptions struct {
	// InconsistentRead flips a single Get from strongly consistent
	// (the default) to eventually consistent; it also selects the
	// batched-with-retry path for GetMany instead of an atomic
	// TransactGet.
	InconsistentRead bool
	// CreateIfMissing returns a new-item Model (source CREATE) when
	// the row is absent or TTL-expired, seeded with keyVals and the
	// schema's declared defaults, instead of returning nil.
	CreateIfMissing bool
}
