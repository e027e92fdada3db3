package field_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theory-cloud/txcore/pkg/field"
	"github.com/theory-cloud/txcore/pkg/schema"
)

func TestScalarGetMarksRead(t *testing.T) {
	f := field.NewScalar("name", schema.String(), field.SourceGet, false, "alice", true, "alice", true)
	assert.False(t, f.Accessed())
	_ = f.Get()
	assert.True(t, f.Accessed())
	assert.False(t, f.CanUpdateWithoutCondition())
}

func TestScalarGetAfterWriteDoesNotMarkRead(t *testing.T) {
	f := field.NewScalar("name", schema.String(), field.SourceUpdate, false, "alice", true, "alice", true)
	require.NoError(t, f.Set("bob"))
	_ = f.Get()
	// written, never read: still eligible for an unconditioned update path
	assert.True(t, f.CanUpdateWithoutCondition())
}

func TestScalarUntouchedFieldHasNoCondition(t *testing.T) {
	f := field.NewScalar("name", schema.String(), field.SourceUpdate, false, "alice", true, "alice", true)
	assert.False(t, f.Accessed())
	assert.True(t, f.CanUpdateWithoutCondition())
}

func TestScalarImmutableRejectsSetAfterInitial(t *testing.T) {
	f := field.NewScalar("name", schema.String().Immutable(), field.SourceUpdate, false, "alice", true, "alice", true)
	err := f.Set("bob")
	require.Error(t, err)
}

func TestScalarImmutableAllowsSetOnNewItem(t *testing.T) {
	f := field.NewScalar("name", schema.String().Immutable(), field.SourceCreate, false, nil, false, nil, false)
	require.NoError(t, f.Set("alice"))
}

func TestScalarSetValidationFailureRollsBack(t *testing.T) {
	v := failingValidator{}
	f := field.NewScalar("name", schema.String().Validate(v), field.SourceUpdate, false, "alice", true, "alice", true)
	err := f.Set("bob")
	require.Error(t, err)
	assert.Equal(t, "alice", f.Get())
	// the failed Set must not have left the field "written": only then
	// does the Get above count as a read that requires a condition
	assert.False(t, f.CanUpdateWithoutCondition())
}

func TestScalarMutatedDetectsChange(t *testing.T) {
	f := field.NewScalar("name", schema.String(), field.SourceUpdate, false, "alice", true, "alice", true)
	assert.False(t, f.Mutated())
	require.NoError(t, f.Set("bob"))
	assert.True(t, f.Mutated())
}

// --- Numeric: property #8, incrementBy correctness ----------------------

func TestNumericBlindIncrementsCollapseToUnconditionedAdd(t *testing.T) {
	f := field.NewNumeric("count", schema.Number(), field.SourceUpdate, false, float64(10), true, float64(10), true)
	require.NoError(t, f.IncrementBy(1))
	require.NoError(t, f.IncrementBy(2))
	require.NoError(t, f.IncrementBy(3))

	diff, ok := f.PendingIncrement()
	require.True(t, ok)
	assert.InEpsilon(t, 6.0, diff, 1e-9)
	assert.True(t, f.SuppressCondition())
	assert.Equal(t, float64(16), f.Get())
}

func TestNumericIncrementWithoutInitialFallsBackToConditionedSet(t *testing.T) {
	// brand-new field: no stored baseline, so the ADD-vs-SET rule requires
	// "has an existing initial value" -- absent here, so no PendingIncrement.
	f := field.NewNumeric("count", schema.Number(), field.SourceCreate, false, nil, false, nil, false)
	require.NoError(t, f.IncrementBy(5))
	_, ok := f.PendingIncrement()
	assert.False(t, ok)
}

func TestNumericReadBeforeIncrementDegradesToConditionedSet(t *testing.T) {
	f := field.NewNumeric("count", schema.Number(), field.SourceUpdate, false, float64(10), true, float64(10), true)
	_ = f.Get() // marks read
	require.NoError(t, f.IncrementBy(1))

	_, ok := f.PendingIncrement()
	assert.False(t, ok)
	assert.False(t, f.SuppressCondition())
	assert.Equal(t, float64(11), f.Get())
}

func TestNumericExplicitSetDegradesFutureIncrements(t *testing.T) {
	f := field.NewNumeric("count", schema.Number(), field.SourceUpdate, false, float64(10), true, float64(10), true)
	require.NoError(t, f.Set(20))
	require.NoError(t, f.IncrementBy(5))

	_, ok := f.PendingIncrement()
	assert.False(t, ok)
	assert.Equal(t, float64(25), f.Get())
}

func TestNumericIncrementThenSetIsNotSuppressed(t *testing.T) {
	f := field.NewNumeric("count", schema.Number(), field.SourceUpdate, false, float64(10), true, float64(10), true)
	require.NoError(t, f.IncrementBy(1))
	require.NoError(t, f.Set(100))

	_, ok := f.PendingIncrement()
	assert.False(t, ok)
	assert.Equal(t, 100, f.Get())
}

// --- Structural -----------------------------------------------------------

func TestStructuralMutationDetectsDeepChange(t *testing.T) {
	initial := map[string]any{"tags": []any{"a", "b"}}
	f := field.NewStructural("meta", schema.Object(), field.SourceUpdate, false, initial, true, initial, true)
	assert.False(t, f.Mutated())

	m := f.Get().(map[string]any)
	m["tags"] = append(m["tags"].([]any), "c")
	assert.True(t, f.Mutated())
}

func TestStructuralUntouchedFieldNeverDeepEquals(t *testing.T) {
	initial := map[string]any{"tags": []any{"a"}}
	f := field.NewStructural("meta", schema.Object(), field.SourceUpdate, false, initial, true, initial, true)
	// never read or written: Mutated must short-circuit to false without
	// needing the live/initial maps to differ structurally.
	assert.False(t, f.Mutated())
	assert.False(t, f.Accessed())
}

type failingValidator struct{}

func (failingValidator) Validate(value any) error {
	if value == "bob" {
		return assertErr{}
	}
	return nil
}

type assertErr struct{}

func (assertErr) Error() string { return "rejected" }
