// Package txn implements the Transaction component (SPEC_FULL.md §2
// item 4, §4.4): a single unit-of-work binding a store.Store, a
// pkg/batcher write batcher, and the Get/Create/Update/CreateOrPut/
// Delete/Scan/Query surface application code drives inside a
// Transaction.Run attempt closure.
package txn

import (
	"context"
	"fmt"
	"time"

	"github.com/theory-cloud/txcore/pkg/batcher"
	"github.com/theory-cloud/txcore/pkg/field"
	"github.com/theory-cloud/txcore/pkg/itemmodel"
	"github.com/theory-cloud/txcore/pkg/iterator"
	"github.com/theory-cloud/txcore/pkg/schema"
	"github.com/theory-cloud/txcore/pkg/store"
	"github.com/theory-cloud/txcore/pkg/txerrors"
)

// Transaction is the per-attempt unit-of-work handed to a Run closure.
// It is not safe for concurrent use by more than one goroutine; a
// fresh Transaction is constructed for every retry attempt.
type Transaction struct {
	ctx     context.Context
	st      store.Store
	opts    Options
	batcher *batcher.Batcher
	events  *eventEmitter
}

func newTransaction(ctx context.Context, st store.Store, opts Options, events *eventEmitter) *Transaction {
	return &Transaction{ctx: ctx, st: st, opts: opts, batcher: batcher.New(), events: events}
}

// Get fetches one item by key. A read miss returns (nil, nil) unless
// opts.CreateIfMissing is set, in which case a new-item Model (source
// CREATE) is returned instead. Every Get, hit or miss, tracks the
// result so the eventual commit conditions on whatever this
// transaction observed.
func (tx *Transaction) Get(decl Decl, keyVals map[string]any, opts GetOptions) (*itemmodel.Model, error) {
	key, identity, err := physicalKeyAndIdentity(decl, keyVals)
	if err != nil {
		return nil, err
	}

	if tx.opts.CacheModels {
		if tracked, ok := tx.batcher.Tracked(identity); ok {
			m, isModel := tracked.(*itemmodel.Model)
			if !isModel || m.Kind() != field.SourceGet || m.MarkedForDeletion() {
				return nil, txerrors.ErrInvalidCachedModel
			}
			return m, nil
		}
	}

	out, err := tx.st.Get(tx.ctx, store.GetInput{TableName: decl.Table, Key: key, ConsistentRead: !opts.InconsistentRead})
	if err != nil {
		return nil, err
	}

	if out.Item == nil || isExpired(decl.Schema, out.Item) {
		return tx.trackMiss(decl, key, keyVals, opts)
	}

	m, err := itemmodel.FromItem(tx.ctx, decl.Table, decl.Schema, field.SourceGet, out.Item, tx.opts.Codec)
	if err != nil {
		return nil, err
	}
	if err := tx.batcher.Track(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (tx *Transaction) trackMiss(decl Decl, key store.Key, keyVals map[string]any, opts GetOptions) (*itemmodel.Model, error) {
	if opts.CreateIfMissing {
		m, err := itemmodel.New(decl.Table, decl.Schema, field.SourceCreate, keyVals)
		if err != nil {
			return nil, err
		}
		m.SetCodec(tx.opts.Codec)
		if err := tx.batcher.Track(m); err != nil {
			return nil, err
		}
		return m, nil
	}
	sentinel := itemmodel.NewSentinel(decl.Table, key)
	if err := tx.batcher.Track(sentinel); err != nil {
		return nil, err
	}
	return nil, nil
}

// GetMany fetches several items of the same declared model class by
// key. A strongly consistent call (the default) uses one atomic
// TransactGet; InconsistentRead uses BatchGet with bounded retry over
// unprocessed keys.
func (tx *Transaction) GetMany(decl Decl, keyVals []map[string]any, opts GetOptions) ([]*itemmodel.Model, error) {
	if opts.InconsistentRead {
		return tx.getManyBatch(decl, keyVals, opts)
	}
	return tx.getManyTransact(decl, keyVals, opts)
}

func (tx *Transaction) getManyTransact(decl Decl, keyVals []map[string]any, opts GetOptions) ([]*itemmodel.Model, error) {
	keys := make([]store.Key, len(keyVals))
	entries := make([]store.TransactGetEntry, len(keyVals))
	for i, kv := range keyVals {
		key, _, err := physicalKeyAndIdentity(decl, kv)
		if err != nil {
			return nil, err
		}
		keys[i] = key
		entries[i] = store.TransactGetEntry{TableName: decl.Table, Key: key}
	}
	out, err := tx.st.TransactGet(tx.ctx, store.TransactGetInput{Items: entries})
	if err != nil {
		return nil, err
	}
	return tx.trackGetResults(decl, keys, keyVals, opts, out.Items)
}

func (tx *Transaction) getManyBatch(decl Decl, keyVals []map[string]any, opts GetOptions) ([]*itemmodel.Model, error) {
	keys := make([]store.Key, len(keyVals))
	for i, kv := range keyVals {
		key, _, err := physicalKeyAndIdentity(decl, kv)
		if err != nil {
			return nil, err
		}
		keys[i] = key
	}

	pending := append([]store.Key{}, keys...)
	found := make(map[string]store.Item, len(keys))
	delay := 50 * time.Millisecond
	const maxRounds = 11
	const maxDelay = time.Second

	for round := 0; round < maxRounds && len(pending) > 0; round++ {
		out, err := tx.st.BatchGet(tx.ctx, store.BatchGetInput{
			Requests: []store.BatchGetRequest{{TableName: decl.Table, Keys: pending, ConsistentRead: false}},
		})
		if err != nil {
			return nil, err
		}
		for _, item := range out.Items {
			found[itemIdentity(decl.Table, item)] = item
		}
		var retry []store.Key
		for _, req := range out.Unprocessed {
			retry = append(retry, req.Keys...)
		}
		pending = retry
		if len(pending) > 0 && round < maxRounds-1 {
			time.Sleep(delay)
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		}
	}

	items := make([]store.Item, len(keys))
	for i, key := range keys {
		items[i] = found[itemIdentity(decl.Table, store.Item(key))]
	}
	return tx.trackGetResults(decl, keys, keyVals, opts, items)
}

func itemIdentity(table string, item store.Item) string {
	return fmt.Sprintf("%s\x00%v\x00%v", table, item["_id"], item["_sk"])
}

func (tx *Transaction) trackGetResults(decl Decl, keys []store.Key, keyVals []map[string]any, opts GetOptions, items []store.Item) ([]*itemmodel.Model, error) {
	out := make([]*itemmodel.Model, len(items))
	for i, raw := range items {
		if raw == nil || isExpired(decl.Schema, raw) {
			m, err := tx.trackMiss(decl, keys[i], keyVals[i], opts)
			if err != nil {
				return nil, err
			}
			out[i] = m
			continue
		}
		m, err := itemmodel.FromItem(tx.ctx, decl.Table, decl.Schema, field.SourceGet, raw, tx.opts.Codec)
		if err != nil {
			return nil, err
		}
		if err := tx.batcher.Track(m); err != nil {
			return nil, err
		}
		out[i] = m
	}
	return out, nil
}

// Create tracks a brand-new item for insertion. Commit fails with
// ErrModelAlreadyExists if the row already exists.
func (tx *Transaction) Create(decl Decl, values map[string]any) (*itemmodel.Model, error) {
	m, err := itemmodel.NewForCreate(decl.Table, decl.Schema, values)
	if err != nil {
		return nil, err
	}
	m.SetCodec(tx.opts.Codec)
	if err := tx.batcher.Track(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Update tracks an in-place update of an already-identified item.
// original supplies the key plus every non-key field whose current
// value the commit must condition on; updated supplies the new
// values for whichever fields actually changed.
func (tx *Transaction) Update(decl Decl, original, updated map[string]any) (*itemmodel.Model, error) {
	m, err := itemmodel.NewForUpdate(decl.Table, decl.Schema, original, updated)
	if err != nil {
		return nil, err
	}
	m.SetCodec(tx.opts.Codec)
	if err := tx.batcher.Track(m); err != nil {
		return nil, err
	}
	return m, nil
}

// CreateOrPut tracks a full-item upsert: if the row exists it must
// match original field-for-field, otherwise the item is created.
func (tx *Transaction) CreateOrPut(decl Decl, original, updated map[string]any) (*itemmodel.Model, error) {
	m, err := itemmodel.NewForCreateOrPut(decl.Table, decl.Schema, original, updated)
	if err != nil {
		return nil, err
	}
	m.SetCodec(tx.opts.Codec)
	if err := tx.batcher.Track(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Delete tracks the row identified by keyVals for deletion.
func (tx *Transaction) Delete(decl Decl, keyVals map[string]any) error {
	m, err := itemmodel.NewForDelete(decl.Table, decl.Schema, keyVals)
	if err != nil {
		return err
	}
	m.SetCodec(tx.opts.Codec)
	return tx.batcher.Track(m)
}

// Scan returns a Scan handle over decl's table (or a named secondary
// index), wired to this transaction's write-batcher cache when
// CacheModels is enabled.
func (tx *Transaction) Scan(decl Decl, opts iterator.ScanOptions) *iterator.Scan {
	opts.CacheModels = opts.CacheModels || tx.opts.CacheModels
	opts.Codec = tx.opts.Codec
	return iterator.NewScan(tx.ctx, tx.st, decl.Table, decl.Schema, cacheAdapter{tx.batcher}, opts)
}

// Query returns a Query handle over decl's table (or a named secondary
// index), wired to this transaction's write-batcher cache when
// CacheModels is enabled.
func (tx *Transaction) Query(decl Decl, opts iterator.QueryOptions) *iterator.Query {
	opts.CacheModels = opts.CacheModels || tx.opts.CacheModels
	opts.Codec = tx.opts.Codec
	return iterator.NewQuery(tx.ctx, tx.st, decl.Table, decl.Schema, cacheAdapter{tx.batcher}, opts)
}

// Diff is one tracked item's before/after field snapshot, returned by
// GetModelDiffs.
type Diff struct {
	Table  string
	Before map[string]any
	After  map[string]any
}

// GetModelDiffs returns the before/after field snapshot of every
// tracked, non-sentinel item for which filter returns true. A nil
// filter collects every tracked item's diff.
func (tx *Transaction) GetModelDiffs(filter func(m *itemmodel.Model) bool) []Diff {
	var out []Diff
	for _, item := range tx.batcher.Items() {
		m, ok := item.(*itemmodel.Model)
		if !ok {
			continue
		}
		if filter != nil && !filter(m) {
			continue
		}
		before, after := m.Snapshot()
		out = append(out, Diff{Table: m.Table, Before: before, After: after})
	}
	return out
}

func physicalKeyAndIdentity(decl Decl, keyVals map[string]any) (store.Key, string, error) {
	return itemmodel.Identify(decl.Table, decl.Schema, keyVals)
}

func isExpired(c *schema.Compiled, item store.Item) bool {
	if c.ExpireEpochField == "" {
		return false
	}
	v, ok := item[c.ExpireEpochField]
	if !ok {
		return false
	}
	epoch, ok := v.(float64)
	if !ok {
		return false
	}
	return int64(epoch) < time.Now().Unix()
}
