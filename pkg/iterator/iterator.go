// Package iterator implements the Iterators component (SPEC_FULL.md
// §2 item 6, §4.5): Query and Scan handles over a declared model,
// built around a per-field filter DSL, opaque pagination tokens, and
// parallel-scan sharding.
//
// A handle moves through the state machine described in §4.5:
// configuring -> locked-on-first-fetch -> paginating -> exhausted.
// Filter/key-condition calls made after the first Fetch/Run panic is
// avoided by surfacing a locked error instead (idiomatic Go: no silent
// no-ops).
package iterator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/theory-cloud/txcore/pkg/field"
	"github.com/theory-cloud/txcore/pkg/itemmodel"
	"github.com/theory-cloud/txcore/pkg/keycodec"
	"github.com/theory-cloud/txcore/pkg/schema"
	"github.com/theory-cloud/txcore/pkg/store"
	"github.com/theory-cloud/txcore/pkg/txerrors"
)

// Op identifies one filter DSL operation (SPEC_FULL.md §4.5).
type Op int

const (
	OpEq Op = iota
	OpNotEq
	OpLt
	OpLte
	OpGt
	OpGte
	OpBetween
	OpPrefix
	OpContains
)

// lazyCondition is one non-key field filter fragment. On Query these
// are only permitted with AllowLazyFilter; on Scan they are always
// lazy-filtered (evaluated after the store reads a page).
type lazyCondition struct {
	field string
	op    Op
	value any
	high  any
}

// Cache is the narrow seam into the write batcher's tracked-item map
// that pkg/txn wires in when CacheModels is enabled (SPEC_FULL.md §4.5
// "Cache interaction").
type Cache interface {
	Tracked(key string) (CachedItem, bool)
}

// CachedItem is the subset of pkg/batcher.Item this package needs to
// validate a cache hit, kept narrow here to avoid an import cycle
// (pkg/batcher already depends on pkg/itemmodel).
type CachedItem interface {
	Kind() field.Source
	MarkedForDeletion() bool
}

// base holds state shared by Query and Scan.
type base struct {
	ctx      context.Context
	st       store.Store
	table    string
	compiled *schema.Compiled
	source   field.Source

	cache       Cache
	cacheModels bool
	codec       itemmodel.Codec

	consistentRead bool
	indexName      string
	allowLazy      bool
	lazy           []lazyCondition

	locked    bool
	exhausted bool
	err       error
}

func (b *base) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

func (b *base) checkUnlocked() error {
	if b.locked {
		return fmt.Errorf("%w: iterator already started fetching", txerrors.ErrInvalidFilter)
	}
	return nil
}

// Filter returns a chainable handle for a non-key field condition.
// Scan always lazy-filters; Query requires AllowLazyFilter.
func (b *base) Filter(fieldName string) FieldFilter {
	return FieldFilter{b: b, field: fieldName}
}

// FieldFilter is the chainable per-field filter DSL handle
// (SPEC_FULL.md §4.5).
type FieldFilter struct {
	b     *base
	field string
}

func (f FieldFilter) add(op Op, value, high any) FieldFilter {
	if err := f.b.checkUnlocked(); err != nil {
		f.b.fail(err)
		return f
	}
	def, declared := f.b.compiled.Fields[f.field]
	if !declared {
		f.b.fail(fmt.Errorf("%w: field %q is not declared", txerrors.ErrInvalidFilter, f.field))
		return f
	}
	if def.Encrypted {
		f.b.fail(fmt.Errorf("%w: %s", txerrors.ErrEncryptedFieldNotQueryable, f.field))
		return f
	}
	if isKeyField(f.b.compiled, f.field) {
		f.b.fail(fmt.Errorf("%w: %q is a key field; use WherePartition/WhereSort", txerrors.ErrInvalidFilter, f.field))
		return f
	}
	if !f.b.allowLazy {
		f.b.fail(fmt.Errorf("%w: non-key filter on %q requires AllowLazyFilter on Query", txerrors.ErrInvalidFilter, f.field))
		return f
	}
	f.b.lazy = append(f.b.lazy, lazyCondition{field: f.field, op: op, value: value, high: high})
	return f
}

func isKeyField(c *schema.Compiled, name string) bool {
	_, inKey := c.Key[name]
	_, inSort := c.SortKey[name]
	return inKey || inSort
}

func (f FieldFilter) Eq(v any) FieldFilter       { return f.add(OpEq, v, nil) }
func (f FieldFilter) NotEq(v any) FieldFilter    { return f.add(OpNotEq, v, nil) }
func (f FieldFilter) Lt(v any) FieldFilter       { return f.add(OpLt, v, nil) }
func (f FieldFilter) Lte(v any) FieldFilter      { return f.add(OpLte, v, nil) }
func (f FieldFilter) Gt(v any) FieldFilter       { return f.add(OpGt, v, nil) }
func (f FieldFilter) Gte(v any) FieldFilter      { return f.add(OpGte, v, nil) }
func (f FieldFilter) Contains(v any) FieldFilter { return f.add(OpContains, v, nil) }
func (f FieldFilter) Between(lo, hi any) FieldFilter {
	if !ascending(lo, hi) {
		f.b.fail(fmt.Errorf("%w: between requires lo <= hi", txerrors.ErrInvalidFilter))
		return f
	}
	return f.add(OpBetween, lo, hi)
}

func ascending(lo, hi any) bool {
	lf, lok := toFloat(lo)
	hf, hok := toFloat(hi)
	if lok && hok {
		return lf <= hf
	}
	ls, lsok := lo.(string)
	hs, hsok := hi.(string)
	if lsok && hsok {
		return ls <= hs
	}
	return true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Page is one fetched page of materialized models plus an opaque
// continuation token (empty when pagination is exhausted).
type Page struct {
	Items     []*itemmodel.Model
	NextToken string
}

// encodeToken/decodeToken implement the opaque pagination token
// (SPEC_FULL.md §6): base64 of the JSON-encoded LastEvaluatedKey. The
// store treats it as bytes; callers pass it back verbatim.
func encodeToken(key store.Key) (string, error) {
	if key == nil {
		return "", nil
	}
	b, err := json.Marshal(key)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func decodeToken(tok string) (store.Key, error) {
	if tok == "" {
		return nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed pagination token", txerrors.ErrInvalidParameter)
	}
	var key store.Key
	if err := json.Unmarshal(b, &key); err != nil {
		return nil, fmt.Errorf("%w: malformed pagination token", txerrors.ErrInvalidParameter)
	}
	return key, nil
}

// addLazyConditions compiles the accumulated non-key conditions into
// FilterExpression fragments passed to addFilter, using nameSym and
// valueSym for synthetic names/values.
func addLazyConditions(addFilter func(string), nameSym func(string) string, valueSym func(any) string, conds []lazyCondition) {
	for _, c := range conds {
		sym := nameSym(c.field)
		switch c.op {
		case OpEq:
			addFilter(sym + " = " + valueSym(c.value))
		case OpNotEq:
			addFilter(sym + " <> " + valueSym(c.value))
		case OpLt:
			addFilter(sym + " < " + valueSym(c.value))
		case OpLte:
			addFilter(sym + " <= " + valueSym(c.value))
		case OpGt:
			addFilter(sym + " > " + valueSym(c.value))
		case OpGte:
			addFilter(sym + " >= " + valueSym(c.value))
		case OpBetween:
			addFilter(sym + " BETWEEN " + valueSym(c.value) + " AND " + valueSym(c.high))
		case OpPrefix:
			addFilter("begins_with(" + sym + ", " + valueSym(c.value) + ")")
		case OpContains:
			addFilter("contains(" + sym + ", " + valueSym(c.value) + ")")
		}
	}
}

// materialize converts one raw store item into a *itemmodel.Model,
// consulting the cache (SPEC_FULL.md §4.5 "Cache interaction").
func (b *base) materialize(raw store.Item) (*itemmodel.Model, error) {
	if b.cacheModels && b.cache != nil {
		key := cacheKey(b.table, raw)
		if tracked, ok := b.cache.Tracked(key); ok {
			m, isModel := any(tracked).(*itemmodel.Model)
			if !isModel || tracked.Kind() != field.SourceGet || tracked.MarkedForDeletion() {
				return nil, txerrors.ErrInvalidCachedModel
			}
			return m, nil
		}
	}
	return itemmodel.FromItem(b.ctx, b.table, b.compiled, b.source, raw, b.codec)
}

func cacheKey(table string, raw store.Item) string {
	key := fmt.Sprintf("%s\x00%v", table, raw["_id"])
	if sk, ok := raw["_sk"]; ok {
		key += fmt.Sprintf("\x00%v", sk)
	}
	return key
}

// encodeKeyValues is a small helper shared by Query's key-condition
// assembly: encode a map of component values through keycodec.
func encodeKeyValues(components []keycodec.Component, values map[string]any) (keycodec.Encoded, error) {
	return keycodec.Encode(components, values)
}
