// Package field implements the Field Objects component (SPEC_FULL.md
// §2 item 2, §4.1): per-instance runtime state for a model attribute —
// current value, initial (baseline) value, read/written flags, and the
// derived properties the itemmodel and batcher packages use to compute
// minimal condition/update expressions.
package field

import (
	"fmt"
	"reflect"

	"github.com/theory-cloud/txcore/pkg/keycodec"
	"github.com/theory-cloud/txcore/pkg/schema"
	"github.com/theory-cloud/txcore/pkg/txerrors"
)

// Source identifies which operation created a Field, per SPEC_FULL.md
// §3 "Field lifecycle".
type Source int

const (
	SourceCreate Source = iota
	SourceCreateOrPut
	SourceUpdate
	SourceDelete
	SourceGet
	SourceScan
)

// Field is the public contract every field variant satisfies.
//
// Get/Set implement the tracked-access semantics of §4.1: Get marks the
// field read unless it has already been written since load; Set fails
// closed on immutable-after-initialization fields and on validator
// mismatch, restoring the prior value/written-flag atomically.
type Field interface {
	Name() string
	IsKey() bool

	Get() any
	Set(value any) error
	Validate() error

	// Peek returns the current value without the Get() side effect of
	// marking the field read. Used internally by pkg/itemmodel to
	// serialize a field's value for a write without altering the access
	// tracking that determines which fields get conditioned.
	Peek() any

	HasCurrent() bool
	HasInitial() bool
	Initial() any

	Accessed() bool
	Mutated() bool
	CanUpdateWithoutCondition() bool

	// SuppressCondition reports whether this field's mutation must NOT
	// contribute a condition expression even though Accessed() is true
	// (the unconditioned-increment carve-out in §4.1).
	SuppressCondition() bool

	// ResetForRetry restores read/written tracking for a fresh attempt
	// of the owning Transaction, keeping the originally loaded initial
	// value (used by Transaction.Run between attempts).
	ResetForRetry()

	// OverwriteInitial replaces the baseline value after construction,
	// used by itemmodel.NewForCreateOrPut to seed per-field conditions
	// from the caller-supplied `original` map.
	OverwriteInitial(value any, has bool)

	// ForceRead marks the field read without returning its value, the
	// other half of the createOrPut `original` wiring.
	ForceRead()
}

type base struct {
	name       string
	def        schema.FieldDef
	source     Source
	current    any
	initial    any
	hasCurrent bool
	hasInitial bool
	isKey      bool
	read       bool
	written    bool
}

func newBase(name string, def schema.FieldDef, source Source, isKey bool) base {
	return base{name: name, def: def, source: source, isKey: isKey}
}

func (b *base) Name() string { return b.name }
func (b *base) IsKey() bool  { return b.isKey }

func (b *base) HasCurrent() bool { return b.hasCurrent }
func (b *base) HasInitial() bool { return b.hasInitial }
func (b *base) Initial() any     { return b.initial }

func (b *base) Accessed() bool { return b.read || b.written }

func (b *base) CanUpdateWithoutCondition() bool { return !b.isKey && !b.read }

func (b *base) SuppressCondition() bool { return false }

func (b *base) ResetForRetry() {
	b.read = false
	b.written = false
	b.current = b.initial
	b.hasCurrent = b.hasInitial
}

func (b *base) OverwriteInitial(value any, has bool) {
	b.initial = value
	b.hasInitial = has
}

func (b *base) ForceRead() { b.read = true }

// markRead implements the shared Get() tracking rule.
func (b *base) markRead() {
	if !b.written {
		b.read = true
	}
}

func (b *base) checkImmutable() error {
	if b.def.Immutable && b.hasInitial {
		return txerrors.NewFieldError("", b.name, fmt.Errorf("field is immutable once initialized"))
	}
	return nil
}

// setInitial seeds the baseline (load-from-store) value. Each field
// constructor calls it once with the initial/hasInitial it was given.
func setInitial(b *base, value any, has bool) {
	b.initial = value
	b.hasInitial = has
	if !b.hasCurrent {
		b.current = value
		b.hasCurrent = has
	}
}

// setCurrentFromConstruction seeds the current (pre-mutation) value
// with the already-resolved value/has pair; the explicit-value-else-
// default resolution happens in pkg/itemmodel before construction.
func setCurrentFromConstruction(b *base, value any, has bool) {
	b.current = value
	b.hasCurrent = has
}

// --- Scalar (string, bool) --------------------------------------------

// ScalarField holds a string or bool value with reference-equality
// mutation detection.
type ScalarField struct {
	base
}

// NewScalar constructs a ScalarField. value/hasValue is the resolved
// initial/current value per the field lifecycle in §3; initial/hasInitial
// is the load-from-store baseline (absent for brand-new items).
func NewScalar(name string, def schema.FieldDef, source Source, isKey bool, value any, hasValue bool, initial any, hasInitial bool) *ScalarField {
	f := &ScalarField{base: newBase(name, def, source, isKey)}
	setCurrentFromConstruction(&f.base, value, hasValue)
	setInitial(&f.base, initial, hasInitial)
	return f
}

func (f *ScalarField) Get() any {
	f.markRead()
	return f.current
}

func (f *ScalarField) Peek() any { return f.current }

func (f *ScalarField) Set(value any) error {
	if err := f.checkImmutable(); err != nil {
		return err
	}
	prevCurrent, prevHasCurrent, prevWritten := f.current, f.hasCurrent, f.written
	f.current, f.hasCurrent, f.written = value, true, true
	if err := f.Validate(); err != nil {
		f.current, f.hasCurrent, f.written = prevCurrent, prevHasCurrent, prevWritten
		return err
	}
	return nil
}

func (f *ScalarField) Validate() error {
	if f.source == SourceUpdate && !f.hasCurrent {
		return nil // omitted on update path: not validated
	}
	if f.def.Validator == nil || !f.hasCurrent {
		return nil
	}
	if err := f.def.Validator.Validate(f.current); err != nil {
		return txerrors.NewFieldError("", f.name, err)
	}
	return nil
}

func (f *ScalarField) Mutated() bool {
	if f.hasCurrent != f.hasInitial {
		return true
	}
	if !f.hasCurrent {
		return false
	}
	return f.current != f.initial
}

// --- Numeric ------------------------------------------------------------

// NumericField adds incrementBy pending-diff tracking (§4.1): repeated
// incrementBy calls before any read/set collapse into one unconditioned
// ADD; a read or an explicit Set degrades all future increments to
// plain conditioned SET.
type NumericField struct {
	base
	pendingDiff    float64
	hasPendingDiff bool
	setCalled      bool
}

// NewNumeric constructs a NumericField.
func NewNumeric(name string, def schema.FieldDef, source Source, isKey bool, value any, hasValue bool, initial any, hasInitial bool) *NumericField {
	f := &NumericField{base: newBase(name, def, source, isKey)}
	setCurrentFromConstruction(&f.base, value, hasValue)
	setInitial(&f.base, initial, hasInitial)
	return f
}

func (f *NumericField) Get() any {
	f.markRead()
	return f.current
}

func (f *NumericField) Peek() any { return f.current }

func (f *NumericField) Set(value any) error {
	if err := f.checkImmutable(); err != nil {
		return err
	}
	prevCurrent, prevHasCurrent, prevWritten, prevSetCalled, prevDiff, prevHasDiff :=
		f.current, f.hasCurrent, f.written, f.setCalled, f.pendingDiff, f.hasPendingDiff
	f.current, f.hasCurrent, f.written, f.setCalled = value, true, true, true
	f.hasPendingDiff = false
	f.pendingDiff = 0
	if err := f.Validate(); err != nil {
		f.current, f.hasCurrent, f.written, f.setCalled, f.pendingDiff, f.hasPendingDiff =
			prevCurrent, prevHasCurrent, prevWritten, prevSetCalled, prevDiff, prevHasDiff
		return err
	}
	return nil
}

func (f *NumericField) Validate() error {
	if f.source == SourceUpdate && !f.hasCurrent {
		return nil
	}
	if f.def.Validator == nil || !f.hasCurrent {
		return nil
	}
	if err := f.def.Validator.Validate(f.current); err != nil {
		return txerrors.NewFieldError("", f.name, err)
	}
	return nil
}

func (f *NumericField) Mutated() bool {
	if f.hasCurrent != f.hasInitial {
		return true
	}
	if !f.hasCurrent {
		return false
	}
	return toFloat(f.current) != toFloat(f.initial)
}

// IncrementBy accumulates d into the pending diff. Once the field has
// been read or explicitly Set, it degrades to a plain conditioned Set.
func (f *NumericField) IncrementBy(d float64) error {
	if f.setCalled || f.read {
		return f.Set(f.baseline() + d)
	}
	f.hasPendingDiff = true
	f.pendingDiff += d
	f.current = f.baseline() + d
	f.hasCurrent = true
	f.written = true
	return nil
}

func (f *NumericField) baseline() float64 {
	if f.hasCurrent {
		return toFloat(f.current)
	}
	if f.hasInitial {
		return toFloat(f.initial)
	}
	return 0
}

// PendingIncrement reports the unconditioned-ADD case: a run of
// incrementBy calls with no intervening read or explicit Set, against a
// field that already has a stored baseline.
func (f *NumericField) PendingIncrement() (float64, bool) {
	if f.hasPendingDiff && !f.setCalled && !f.read && f.hasInitial {
		return f.pendingDiff, true
	}
	return 0, false
}

func (f *NumericField) SuppressCondition() bool {
	_, ok := f.PendingIncrement()
	return ok
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

// --- Structural (object, array) -----------------------------------------

// StructuralField holds a map/slice value. Because Get() returns the
// live reference, mutation is detected with reflect.DeepEqual against
// the (deep-copied) initial snapshot, short-circuited by mayHaveMutated
// so untouched structural fields never pay the DeepEqual cost.
type StructuralField struct {
	base
}

// NewStructural constructs a StructuralField.
func NewStructural(name string, def schema.FieldDef, source Source, isKey bool, value any, hasValue bool, initial any, hasInitial bool) *StructuralField {
	f := &StructuralField{base: newBase(name, def, source, isKey)}
	setCurrentFromConstruction(&f.base, deepCopy(value), hasValue)
	setInitial(&f.base, deepCopy(initial), hasInitial)
	return f
}

func (f *StructuralField) Get() any {
	f.markRead()
	return f.current
}

func (f *StructuralField) Peek() any { return f.current }

func (f *StructuralField) Set(value any) error {
	if err := f.checkImmutable(); err != nil {
		return err
	}
	prevCurrent, prevHasCurrent, prevWritten := f.current, f.hasCurrent, f.written
	f.current, f.hasCurrent, f.written = value, true, true
	if err := f.Validate(); err != nil {
		f.current, f.hasCurrent, f.written = prevCurrent, prevHasCurrent, prevWritten
		return err
	}
	return nil
}

func (f *StructuralField) Validate() error {
	if f.source == SourceUpdate && !f.hasCurrent {
		return nil
	}
	if f.def.Validator == nil || !f.hasCurrent {
		return nil
	}
	if err := f.def.Validator.Validate(f.current); err != nil {
		return txerrors.NewFieldError("", f.name, err)
	}
	return nil
}

// mayHaveMutated short-circuits the DeepEqual check: true if the field
// was ever read, ever written, or constructed with a defined current
// value over an undefined initial (§3 "Field lifecycle").
func (f *StructuralField) mayHaveMutated() bool {
	return f.read || f.written || (f.hasCurrent && !f.hasInitial)
}

func (f *StructuralField) Mutated() bool {
	if f.hasCurrent != f.hasInitial {
		return true
	}
	if !f.hasCurrent {
		return false
	}
	if !f.mayHaveMutated() {
		return false
	}
	return !reflect.DeepEqual(f.current, f.initial)
}

func deepCopy(v any) any {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, sub := range val {
			out[k] = deepCopy(sub)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, sub := range val {
			out[i] = deepCopy(sub)
		}
		return out
	default:
		return v
	}
}

// --- Compound (derived key) ----------------------------------------------

// CompoundField is a derived, immutable, lookup-only field whose value
// is the keycodec encoding of its component fields (§3, §4.1.1). It has
// no independent value and is mutated iff the item is new or any
// component field changed.
type CompoundField struct {
	name       string
	components []Field
	kinds      []keycodec.Component
	isNew      bool
}

// NewCompound builds a compound field over the given (already ordered
// by keycodec) component fields.
func NewCompound(name string, components []Field, kinds []keycodec.Component, isNew bool) *CompoundField {
	return &CompoundField{name: name, components: components, kinds: kinds, isNew: isNew}
}

func (c *CompoundField) Name() string { return c.name }
func (c *CompoundField) IsKey() bool  { return true }

func (c *CompoundField) Get() any {
	enc, err := c.encode()
	if err != nil {
		return nil
	}
	if enc.Numeric {
		return enc.Number
	}
	return enc.Text
}

func (c *CompoundField) Peek() any { return c.Get() }

func (c *CompoundField) Set(any) error {
	return txerrors.NewFieldError("", c.name, fmt.Errorf("compound fields are derived and cannot be set"))
}

func (c *CompoundField) Validate() error { return nil }

func (c *CompoundField) HasCurrent() bool { return true }
func (c *CompoundField) HasInitial() bool { return !c.isNew }
func (c *CompoundField) Initial() any {
	if c.isNew {
		return nil
	}
	return c.Get()
}

func (c *CompoundField) Accessed() bool { return true }

func (c *CompoundField) Mutated() bool {
	if c.isNew {
		return true
	}
	for _, comp := range c.components {
		if comp.Mutated() {
			return true
		}
	}
	return false
}

func (c *CompoundField) CanUpdateWithoutCondition() bool { return false }
func (c *CompoundField) SuppressCondition() bool         { return false }
func (c *CompoundField) ResetForRetry() {
	for _, comp := range c.components {
		comp.ResetForRetry()
	}
}

// OverwriteInitial is a no-op on CompoundField: a compound key has no
// independent baseline of its own, only the ones its components carry.
// Callers seed per-component baselines before wrapping them in a
// CompoundField instead.
func (c *CompoundField) OverwriteInitial(any, bool) {}

func (c *CompoundField) ForceRead() {
	for _, comp := range c.components {
		comp.ForceRead()
	}
}

// Encode exposes the component encoding with its error, for callers
// (pkg/itemmodel) that need the typed keycodec.Encoded result rather
// than the any returned by Get/Peek.
func (c *CompoundField) Encode() (keycodec.Encoded, error) {
	return c.encode()
}

func (c *CompoundField) encode() (keycodec.Encoded, error) {
	values := make(map[string]any, len(c.components))
	for _, comp := range c.components {
		values[comp.Name()] = comp.Peek()
	}
	return keycodec.Encode(c.kinds, values)
}
