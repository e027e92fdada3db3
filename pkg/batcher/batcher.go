// Package batcher implements the Write Batcher component
// (SPEC_FULL.md §2 item 4, §4.3): the per-transaction set of tracked
// items, the distinction between read-only preconditions and dirty
// writes, and their collapse into one atomic transactional write (or a
// single-item write when possible).
package batcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/theory-cloud/txcore/pkg/field"
	"github.com/theory-cloud/txcore/pkg/itemmodel"
	"github.com/theory-cloud/txcore/pkg/store"
	"github.com/theory-cloud/txcore/pkg/txerrors"
)

// Item is anything the batcher can track: a real *itemmodel.Model or
// the *itemmodel.Sentinel for a read miss whose absence must be
// verified at commit.
type Item interface {
	TrackedKey() (string, error)
	TableName() string
	Kind() field.Source
	IsDirty() bool
	MarkedForDeletion() bool
	IsSentinel() bool
	CommitParams(ctx context.Context) (itemmodel.WriteParams, error)
	ConditionCheckParams(ctx context.Context) (itemmodel.WriteParams, error)
	ResetForRetry()
}

// Batcher holds the ordered set of items tracked by one Transaction
// attempt. A Batcher is reset (via New) between retry attempts; it
// must not be reused across Commit calls.
type Batcher struct {
	order    []string
	items    map[string]Item
	resolved bool
}

// New returns an empty Batcher.
func New() *Batcher {
	return &Batcher{items: make(map[string]Item)}
}

// Track records item under its identity key. A plain Get or Create is
// permitted even if a non-existent sentinel was tracked earlier at the
// same identity (the sentinel is upgraded to the real tracked item).
// Any other re-track at an already-tracked identity fails:
// ModelDeletedTwice if the existing entry is marked for deletion,
// ModelTrackedTwice otherwise.
func (b *Batcher) Track(item Item) error {
	key, err := item.TrackedKey()
	if err != nil {
		return err
	}

	existing, ok := b.items[key]
	if !ok {
		b.items[key] = item
		b.order = append(b.order, key)
		return nil
	}

	if existing.IsSentinel() && (item.Kind() == field.SourceGet || item.Kind() == field.SourceCreate) {
		b.items[key] = item
		return nil
	}

	if existing.MarkedForDeletion() {
		return txerrors.ErrModelDeletedTwice
	}
	return txerrors.ErrModelTrackedTwice
}

// Tracked returns the item currently tracked under key, if any — used
// by pkg/txn's cacheModels lookup.
func (b *Batcher) Tracked(key string) (Item, bool) {
	it, ok := b.items[key]
	return it, ok
}

// Items returns every tracked item in track order.
func (b *Batcher) Items() []Item {
	out := make([]Item, 0, len(b.order))
	for _, key := range b.order {
		out = append(out, b.items[key])
	}
	return out
}

// ResetForRetry restores every tracked item's field access tracking
// ahead of a fresh Transaction.Run attempt. The Batcher itself is not
// reused across attempts (Transaction.Run constructs a fresh one), but
// tracked Model values may be reused via cacheModels, so their access
// state still needs resetting.
func (b *Batcher) ResetForRetry() {
	for _, key := range b.order {
		b.items[key].ResetForRetry()
	}
}

type writeEntry struct {
	key    string
	item   Item
	params itemmodel.WriteParams
}

// Commit finalizes every dirty tracked item into a write and submits
// them per SPEC_FULL.md §4.3:
//
//  1. Zero write entries: no-op, returns (false, nil).
//  2. expectWrites is false and writes were produced:
//     ErrWriteAttemptedInReadOnlyTx.
//  3. Exactly one write entry and exactly one tracked item overall:
//     a single-item store.Write call.
//  4. Otherwise: one atomic store.TransactWrite call containing every
//     write plus a ConditionCheck for every tracked item that stayed
//     read-only and has a non-empty precondition.
func (b *Batcher) Commit(ctx context.Context, st store.Store, expectWrites bool) (bool, error) {
	if b.resolved {
		return false, fmt.Errorf("batcher: commit called more than once")
	}
	b.resolved = true

	var writes []writeEntry
	for _, key := range b.order {
		item := b.items[key]
		if !item.IsDirty() {
			continue
		}
		params, err := item.CommitParams(ctx)
		if err != nil {
			return false, err
		}
		writes = append(writes, writeEntry{key: key, item: item, params: params})
	}

	if len(writes) == 0 {
		return false, nil
	}
	if !expectWrites {
		return false, txerrors.ErrWriteAttemptedInReadOnlyTx
	}

	if len(writes) == 1 && len(b.order) == 1 {
		w := writes[0]
		if err := st.Write(ctx, toWriteInput(w.params)); err != nil {
			return false, classifySingle(w.item, err)
		}
		return true, nil
	}

	dirty := make(map[string]bool, len(writes))
	entries := make([]store.TransactWriteEntry, 0, len(b.order))
	entryItems := make([]Item, 0, len(b.order))
	for _, w := range writes {
		dirty[w.key] = true
		entries = append(entries, toTransactEntry(w.params))
		entryItems = append(entryItems, w.item)
	}
	for _, key := range b.order {
		if dirty[key] {
			continue
		}
		item := b.items[key]
		cc, err := item.ConditionCheckParams(ctx)
		if err != nil {
			return false, err
		}
		if cc.ConditionExpression == "" {
			continue
		}
		entries = append(entries, toTransactEntry(cc))
		entryItems = append(entryItems, item)
	}

	if err := st.TransactWrite(ctx, store.TransactWriteInput{Items: entries}); err != nil {
		return false, classifyTransact(entryItems, err)
	}
	return true, nil
}

func toWriteInput(p itemmodel.WriteParams) store.WriteInput {
	in := store.WriteInput{
		TableName:           p.TableName,
		Key:                 p.Key,
		Item:                p.Item,
		UpdateExpression:    p.UpdateExpression,
		ConditionExpression: p.ConditionExpression,
		Names:               p.Names,
		Values:              p.Values,
	}
	switch p.Kind {
	case store.TransactPut:
		in.Kind = store.WritePut
	case store.TransactUpdate:
		in.Kind = store.WriteUpdate
	case store.TransactDelete:
		in.Kind = store.WriteDelete
	}
	return in
}

func toTransactEntry(p itemmodel.WriteParams) store.TransactWriteEntry {
	return store.TransactWriteEntry{
		Kind:                p.Kind,
		TableName:           p.TableName,
		Key:                 p.Key,
		Item:                p.Item,
		UpdateExpression:    p.UpdateExpression,
		ConditionExpression: p.ConditionExpression,
		Names:               p.Names,
		Values:              p.Values,
	}
}

// classifySingle maps a single-item Write failure back to the
// taxonomy in SPEC_FULL.md §4.3/§7.
func classifySingle(item Item, err error) error {
	var serr *store.Error
	if errors.As(err, &serr) && len(serr.Reasons) > 0 && serr.Reasons[0].Code == "ConditionalCheckFailed" {
		return classifyOne(item)
	}
	return err
}

// classifyTransact maps a failed TransactWrite's per-entry
// cancellation reasons back to the originating tracked items (by
// input order, per spec.md §4.3) and aggregates the classified errors
// as TransactionFailed.AllErrors.
func classifyTransact(items []Item, err error) error {
	var serr *store.Error
	if !errors.As(err, &serr) || len(serr.Reasons) == 0 {
		return err
	}
	var all []error
	for i, reason := range serr.Reasons {
		if reason.Code != "ConditionalCheckFailed" || i >= len(items) {
			continue
		}
		all = append(all, classifyOne(items[i]))
	}
	if len(all) == 0 {
		return err
	}
	return txerrors.NewTransactionFailed(all[0], all)
}

// classifyOne applies the source-based classification of §4.3: a
// deletion conditioned away from under us is InvalidModelDeletion, a
// CREATE colliding with an existing row is ModelAlreadyExists, and
// anything else (UPDATE, CREATE_OR_PUT, or a mutated Get/Scan result)
// is InvalidModelUpdate.
func classifyOne(item Item) error {
	switch {
	case item.MarkedForDeletion():
		return txerrors.ErrInvalidModelDeletion
	case item.Kind() == field.SourceCreate:
		return txerrors.ErrModelAlreadyExists
	default:
		return txerrors.ErrInvalidModelUpdate
	}
}
