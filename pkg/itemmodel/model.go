// Package itemmodel implements the Model Runtime component
// (SPEC_FULL.md §2 item 3, §4.2): materializing a concrete item from a
// raw store record or from user-supplied values, providing typed
// attribute access over pkg/field, and emitting the put/update/delete/
// condition-check parameter structures the write batcher assembles
// into a single- or multi-item store.Write/TransactWrite call.
package itemmodel

import (
	"fmt"
	"time"

	"github.com/theory-cloud/txcore/pkg/field"
	"github.com/theory-cloud/txcore/pkg/keycodec"
	"github.com/theory-cloud/txcore/pkg/schema"
	"github.com/theory-cloud/txcore/pkg/store"
	"github.com/theory-cloud/txcore/internal/expr"
)

// fiveYears is the TTL-widened nonexistence window from SPEC_FULL.md
// §4.2: an item whose expire-epoch field falls in the past five years
// is treated as logically absent, so a create racing its own expiry
// reaper does not spuriously fail on ConditionalCheckFailed.
const fiveYears = 5 * 365 * 24 * time.Hour

// WriteParams is the store-agnostic shape of one put/update/delete/
// condition-check operation, either handed to store.Store.Write
// directly or folded into a store.TransactWriteEntry by pkg/batcher.
type WriteParams struct {
	Kind                store.TransactWriteKind
	TableName           string
	Key                 store.Key
	Item                store.Item
	UpdateExpression    string
	ConditionExpression string
	Names               map[string]string
	Values              map[string]any
}

// Model is the runtime instance of one schema-declared item: its key
// components, its non-key fields, and the write source that produced
// it.
type Model struct {
	Table    string
	Compiled *schema.Compiled
	Source   field.Source

	// isNew is true for models with no confirmed stored baseline
	// (CREATE, CREATE_OR_PUT): their identity condition asserts
	// nonexistence rather than existence.
	isNew bool

	fields  map[string]field.Field
	idField *field.CompoundField
	skField *field.CompoundField

	codec Codec

	// rawBaseline holds the literal stored representation (KMS envelope
	// or overflow.Pointer) of every Encrypted/Overflow field this model
	// was materialized with via FromItem. Optimistic-lock conditions for
	// those fields compare against this, never against the plaintext
	// field.Initial() value, since the attribute actually stored is the
	// envelope/pointer, not the plaintext. Models built directly from
	// application values (New, NewForUpdate, NewForCreateOrPut) carry no
	// entry here for such a field; its condition is skipped rather than
	// compared against a representation the application never held.
	rawBaseline map[string]any
}

// SetCodec attaches the field-level encryption/overflow stores this
// model threads values through at commit time. FromItem sets this
// directly from its codec argument; models built from plaintext
// application values (New, NewForUpdate, NewForCreateOrPut,
// NewForDelete) need it set explicitly — via SetCodec — before
// CommitParams/ConditionCheckParams runs an Encrypted or Overflow
// field through the store boundary.
func (m *Model) SetCodec(c Codec) { m.codec = c }

// TableName returns the table this model belongs to, satisfying
// pkg/batcher.Item.
func (m *Model) TableName() string { return m.Table }

// Kind returns the write source this model was constructed with,
// satisfying pkg/batcher.Item.
func (m *Model) Kind() field.Source { return m.Source }

// MarkedForDeletion reports whether this model is tracked for
// deletion, satisfying pkg/batcher.Item.
func (m *Model) MarkedForDeletion() bool { return m.Source == field.SourceDelete }

// IsSentinel is always false for a real Model; distinguishes it from
// Sentinel for pkg/batcher's track-upgrade rule.
func (m *Model) IsSentinel() bool { return false }

// Field returns the named field, if declared.
func (m *Model) Field(name string) (field.Field, bool) {
	f, ok := m.fields[name]
	return f, ok
}

// Get returns the named field's tracked value.
func (m *Model) Get(name string) (any, error) {
	f, ok := m.fields[name]
	if !ok {
		return nil, fmt.Errorf("itemmodel: %q is not a declared field", name)
	}
	return f.Get(), nil
}

// Set writes the named field's value through its tracked Set path.
func (m *Model) Set(name string, value any) error {
	f, ok := m.fields[name]
	if !ok {
		return fmt.Errorf("itemmodel: %q is not a declared field", name)
	}
	if f.IsKey() {
		return fmt.Errorf("itemmodel: %q is a key component and cannot be set", name)
	}
	return f.Set(value)
}

// IncrementBy applies an unconditioned-increment-eligible delta to a
// numeric field.
func (m *Model) IncrementBy(name string, delta float64) error {
	f, ok := m.fields[name]
	if !ok {
		return fmt.Errorf("itemmodel: %q is not a declared field", name)
	}
	nf, ok := f.(*field.NumericField)
	if !ok {
		return fmt.Errorf("itemmodel: %q is not a numeric field", name)
	}
	return nf.IncrementBy(delta)
}

// IsDirty reports whether committing this model would produce a
// nontrivial write: CREATE/CREATE_OR_PUT/DELETE always do, and an
// UPDATE does iff some non-key field actually changed.
func (m *Model) IsDirty() bool {
	switch m.Source {
	case field.SourceCreate, field.SourceCreateOrPut, field.SourceDelete:
		return true
	}
	for _, f := range m.fields {
		if f.IsKey() {
			continue
		}
		if f.Mutated() {
			return true
		}
	}
	return false
}

// TrackedKey identifies this model's row for the write batcher's
// tracked-item map: table plus the encoded physical key.
func (m *Model) TrackedKey() (string, error) {
	idEnc, err := m.idField.Encode()
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("%s\x00%v", m.Table, idEnc.Value())
	if m.skField != nil {
		skEnc, err := m.skField.Encode()
		if err != nil {
			return "", err
		}
		key += fmt.Sprintf("\x00%v", skEnc.Value())
	}
	return key, nil
}

// Snapshot returns the before/after values of every non-key field that
// has a tracked baseline or current value, for pkg/txn's
// GetModelDiffs. A field appears in before only if it has a baseline
// (HasInitial) and in after only if it has a current value (HasCurrent),
// whether or not it was read or written.
func (m *Model) Snapshot() (before, after map[string]any) {
	before = map[string]any{}
	after = map[string]any{}
	for name, f := range m.fields {
		if f.IsKey() {
			continue
		}
		if f.HasInitial() {
			before[name] = f.Initial()
		}
		if f.HasCurrent() {
			after[name] = f.Peek()
		}
	}
	return before, after
}

// ResetForRetry restores every field's read/written tracking ahead of
// a fresh Transaction.Run attempt, keeping the originally loaded
// baseline values.
func (m *Model) ResetForRetry() {
	m.idField.ResetForRetry()
	if m.skField != nil {
		m.skField.ResetForRetry()
	}
	for _, f := range m.fields {
		if f.IsKey() {
			continue
		}
		f.ResetForRetry()
	}
}

func (m *Model) physicalKey() (store.Key, error) {
	idEnc, err := m.idField.Encode()
	if err != nil {
		return nil, err
	}
	key := store.Key{"_id": idEnc.Value()}
	if m.skField != nil {
		skEnc, err := m.skField.Encode()
		if err != nil {
			return nil, err
		}
		key["_sk"] = skEnc.Value()
	}
	return key, nil
}

func isKeyName(c *schema.Compiled, name string) bool {
	_, inKey := c.Key[name]
	_, inSort := c.SortKey[name]
	return inKey || inSort
}

func buildField(name string, def schema.FieldDef, source field.Source, isKey bool, value any, hasValue bool, initial any, hasInitial bool) field.Field {
	if !hasValue && def.Default != nil && source != field.SourceUpdate {
		value, hasValue = deepCopyAny(def.Default), true
	}
	switch def.Kind {
	case schema.KindNumber:
		return field.NewNumeric(name, def, source, isKey, value, hasValue, initial, hasInitial)
	case schema.KindObject, schema.KindArray:
		return field.NewStructural(name, def, source, isKey, value, hasValue, initial, hasInitial)
	default:
		return field.NewScalar(name, def, source, isKey, value, hasValue, initial, hasInitial)
	}
}

func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, sub := range val {
			out[k] = deepCopyAny(sub)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, sub := range val {
			out[i] = deepCopyAny(sub)
		}
		return out
	default:
		return v
	}
}

func decodeComponents(components []keycodec.Component, encoded any) (map[string]any, error) {
	if encoded == nil {
		return nil, fmt.Errorf("itemmodel: missing key attribute")
	}
	if len(components) == 1 && components[0].Kind == keycodec.KindNumber {
		n, ok := encoded.(float64)
		if !ok {
			return nil, fmt.Errorf("itemmodel: expected numeric key, got %T", encoded)
		}
		return keycodec.DecodeNumeric(components, n)
	}
	s, ok := encoded.(string)
	if !ok {
		return nil, fmt.Errorf("itemmodel: expected string key, got %T", encoded)
	}
	return keycodec.Decode(components, s)
}
