// Package expr adapts the teacher's expression-builder idiom
// (internal/expr.Builder in theory-cloud-TableTheory) into the
// synthetic-name scheme required by SPEC_FULL.md §6: every attribute
// referenced in a condition, key-condition, filter, update, or
// projection expression gets a short placeholder name (#0, #1, ...)
// and every literal value a short placeholder (:0, :1, ...), assigned
// in order of first reference. Attribute names are deduplicated (the
// same field referenced twice reuses its #n); values are not (DynamoDB
// has no reason to dedupe literals and doing so would complicate
// condition/update assembly for no benefit).
package expr

import (
	"fmt"
	"strings"
)

// Builder accumulates expression fragments and their placeholder
// bindings for a single store operation (a Get/Put/Update/Delete/Query/
// Scan call or one entry of a TransactWrite).
type Builder struct {
	nameSym   map[string]string // attribute name -> "#n"
	nameOrder []string          // attribute names in assignment order
	values    []any             // values[i] is bound to ":i"

	keyConds    []string
	filterConds []string
	conds       []string
	sets        []string
	removes     []string
	adds        []string
	projection  []string
}

// New returns an empty Builder.
func New() *Builder {
	return &Builder{nameSym: make(map[string]string)}
}

// NameSym returns the synthetic placeholder for attr, assigning a new
// one on first reference.
func (b *Builder) NameSym(attr string) string {
	if sym, ok := b.nameSym[attr]; ok {
		return sym
	}
	sym := fmt.Sprintf("#%d", len(b.nameOrder))
	b.nameSym[attr] = sym
	b.nameOrder = append(b.nameOrder, attr)
	return sym
}

// ValueSym binds v to a fresh placeholder and returns it.
func (b *Builder) ValueSym(v any) string {
	sym := fmt.Sprintf(":%d", len(b.values))
	b.values = append(b.values, v)
	return sym
}

// AddKeyCondition appends a raw fragment to the key-condition
// expression (ANDed with any other key conditions).
func (b *Builder) AddKeyCondition(fragment string) { b.keyConds = append(b.keyConds, fragment) }

// AddFilter appends a raw fragment to the filter expression (ANDed).
func (b *Builder) AddFilter(fragment string) { b.filterConds = append(b.filterConds, fragment) }

// AddCondition appends a raw fragment to the condition expression
// (ANDed).
func (b *Builder) AddCondition(fragment string) { b.conds = append(b.conds, fragment) }

// AddSet appends a "name = value"-shaped fragment to the update
// expression's SET clause.
func (b *Builder) AddSet(fragment string) { b.sets = append(b.sets, fragment) }

// AddRemove appends an attribute symbol to the update expression's
// REMOVE clause.
func (b *Builder) AddRemove(nameSym string) { b.removes = append(b.removes, nameSym) }

// AddAdd appends a "name value"-shaped fragment to the update
// expression's ADD clause.
func (b *Builder) AddAdd(fragment string) { b.adds = append(b.adds, fragment) }

// AddProjection appends an attribute symbol to the projection
// expression.
func (b *Builder) AddProjection(nameSym string) { b.projection = append(b.projection, nameSym) }

// HasCondition reports whether any condition fragment was added.
func (b *Builder) HasCondition() bool { return len(b.conds) > 0 }

// HasUpdate reports whether any SET/REMOVE/ADD fragment was added.
func (b *Builder) HasUpdate() bool {
	return len(b.sets) > 0 || len(b.removes) > 0 || len(b.adds) > 0
}

// ConditionExpression joins all condition fragments with AND, or ""
// if none were added.
func (b *Builder) ConditionExpression() string { return strings.Join(b.conds, " AND ") }

// KeyConditionExpression joins all key-condition fragments with AND.
func (b *Builder) KeyConditionExpression() string { return strings.Join(b.keyConds, " AND ") }

// FilterExpression joins all filter fragments with AND.
func (b *Builder) FilterExpression() string { return strings.Join(b.filterConds, " AND ") }

// ProjectionExpression joins all projected attribute symbols with ", ".
func (b *Builder) ProjectionExpression() string { return strings.Join(b.projection, ", ") }

// UpdateExpression assembles the SET/REMOVE/ADD clauses in that order,
// omitting any clause with nothing to contribute.
func (b *Builder) UpdateExpression() string {
	var clauses []string
	if len(b.sets) > 0 {
		clauses = append(clauses, "SET "+strings.Join(b.sets, ", "))
	}
	if len(b.removes) > 0 {
		clauses = append(clauses, "REMOVE "+strings.Join(b.removes, ", "))
	}
	if len(b.adds) > 0 {
		clauses = append(clauses, "ADD "+strings.Join(b.adds, ", "))
	}
	return strings.Join(clauses, " ")
}

// Names returns the ExpressionAttributeNames map (placeholder -> real
// attribute name), or nil if no names were referenced.
func (b *Builder) Names() map[string]string {
	if len(b.nameOrder) == 0 {
		return nil
	}
	out := make(map[string]string, len(b.nameOrder))
	for attr, sym := range b.nameSym {
		out[sym] = attr
	}
	return out
}

// Values returns the ExpressionAttributeValues map (placeholder ->
// bound value), or nil if no values were bound.
func (b *Builder) Values() map[string]any {
	if len(b.values) == 0 {
		return nil
	}
	out := make(map[string]any, len(b.values))
	for i, v := range b.values {
		out[fmt.Sprintf(":%d", i)] = v
	}
	return out
}

// --- condition/key-condition fragment helpers ----------------------------

// Eq returns "nameSym = valueSym".
func Eq(nameSym, valueSym string) string { return fmt.Sprintf("%s = %s", nameSym, valueSym) }

// NotEq returns "nameSym <> valueSym".
func NotEq(nameSym, valueSym string) string { return fmt.Sprintf("%s <> %s", nameSym, valueSym) }

// Cmp returns "nameSym op valueSym" for op in {<, <=, >, >=}.
func Cmp(nameSym, op, valueSym string) string { return fmt.Sprintf("%s %s %s", nameSym, op, valueSym) }

// Between returns "nameSym BETWEEN loSym AND hiSym".
func Between(nameSym, loSym, hiSym string) string {
	return fmt.Sprintf("%s BETWEEN %s AND %s", nameSym, loSym, hiSym)
}

// BeginsWith returns "begins_with(nameSym, valueSym)".
func BeginsWith(nameSym, valueSym string) string {
	return fmt.Sprintf("begins_with(%s, %s)", nameSym, valueSym)
}

// Contains returns "contains(nameSym, valueSym)".
func Contains(nameSym, valueSym string) string {
	return fmt.Sprintf("contains(%s, %s)", nameSym, valueSym)
}

// NotExists returns "attribute_not_exists(nameSym)".
func NotExists(nameSym string) string { return fmt.Sprintf("attribute_not_exists(%s)", nameSym) }

// Exists returns "attribute_exists(nameSym)".
func Exists(nameSym string) string { return fmt.Sprintf("attribute_exists(%s)", nameSym) }

// Or parenthesizes and joins fragments with OR.
func Or(fragments ...string) string {
	return "(" + strings.Join(fragments, " OR ") + ")"
}

// And parenthesizes and joins fragments with AND.
func And(fragments ...string) string {
	return "(" + strings.Join(fragments, " AND ") + ")"
}

// IncrementAdd returns "nameSym diffSym" for an ADD clause (the
// unconditioned blind-increment case in SPEC_FULL.md §4.1).
func IncrementAdd(nameSym, diffSym string) string { return fmt.Sprintf("%s %s", nameSym, diffSym) }

// SetAdd returns "nameSym = nameSym + valueSym" for the SET-form of
// numeric increment (read-before-increment, or explicit Set path).
func SetAdd(nameSym, valueSym string) string {
	return fmt.Sprintf("%s = %s + %s", nameSym, nameSym, valueSym)
}
