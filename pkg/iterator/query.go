package iterator

import (
	"context"
	"fmt"

	"github.com/theory-cloud/txcore/internal/expr"
	"github.com/theory-cloud/txcore/pkg/field"
	"github.com/theory-cloud/txcore/pkg/itemmodel"
	"github.com/theory-cloud/txcore/pkg/keycodec"
	"github.com/theory-cloud/txcore/pkg/schema"
	"github.com/theory-cloud/txcore/pkg/store"
	"github.com/theory-cloud/txcore/pkg/txerrors"
)

// QueryOptions configures a Query handle (SPEC_FULL.md §4.5).
type QueryOptions struct {
	IndexName       string
	ConsistentRead  bool
	AllowLazyFilter bool
	Descending      bool
	CacheModels     bool
	// Codec decrypts/offloads Encrypted and Overflow fields on
	// materialize (SPEC_FULL.md §4.2, §4.4). pkg/txn sets this from the
	// owning Transaction's Options.Codec; direct callers may set it too.
	Codec itemmodel.Codec
}

// Query iterates the items matching a partition (and, optionally,
// sort-key range) via the declared model's table or a named secondary
// index.
type Query struct {
	base
	descending   bool
	partitionSet bool
	partition    any // keycodec.Encoded.Value()
	sortCond     *keyCondition
}

type keyCondition struct {
	op  Op
	lo  any // keycodec.Encoded.Value()
	hi  any // for between
}

// NewQuery constructs a Query over compiled for the given table.
func NewQuery(ctx context.Context, st store.Store, table string, compiled *schema.Compiled, cache Cache, opts QueryOptions) *Query {
	return &Query{
		base: base{
			ctx: ctx, st: st, table: table, compiled: compiled, source: field.SourceScan,
			cache: cache, cacheModels: opts.CacheModels, codec: opts.Codec,
			consistentRead: opts.ConsistentRead, indexName: opts.IndexName, allowLazy: opts.AllowLazyFilter,
		},
		descending: opts.Descending,
	}
}

// WherePartition sets the required partition-key equality condition
// (the only operation the partition key permits, per §4.5).
func (q *Query) WherePartition(values map[string]any) *Query {
	if err := q.checkUnlocked(); err != nil {
		q.fail(err)
		return q
	}
	components, err := q.keyComponents()
	if err != nil {
		q.fail(err)
		return q
	}
	enc, err := encodeKeyValues(components.partition, values)
	if err != nil {
		q.fail(err)
		return q
	}
	q.partitionSet = true
	q.partition = enc.Value()
	return q
}

// WhereSort applies a sort-key condition. Every operation except
// NotEq and Contains is permitted (§4.5); Prefix encodes begins_with
// over the physical _sk attribute, which Fetch names for index queries
// as well.
func (q *Query) WhereSort(op Op, values map[string]any, high map[string]any) *Query {
	if err := q.checkUnlocked(); err != nil {
		q.fail(err)
		return q
	}
	if op == OpNotEq || op == OpContains {
		q.fail(fmt.Errorf("%w: sort key does not support this operation", txerrors.ErrInvalidFilter))
		return q
	}
	components, err := q.keyComponents()
	if err != nil {
		q.fail(err)
		return q
	}
	if len(components.sort) == 0 {
		q.fail(fmt.Errorf("%w: this index has no sort key", txerrors.ErrInvalidFilter))
		return q
	}
	enc, err := encodeKeyValues(components.sort, values)
	if err != nil {
		q.fail(err)
		return q
	}
	cond := &keyCondition{op: op, lo: enc.Value()}
	if op == OpBetween {
		if high == nil {
			q.fail(fmt.Errorf("%w: between requires two values", txerrors.ErrInvalidFilter))
			return q
		}
		hiEnc, err := encodeKeyValues(components.sort, high)
		if err != nil {
			q.fail(err)
			return q
		}
		if !ascending(enc.Value(), hiEnc.Value()) {
			q.fail(fmt.Errorf("%w: between requires lo <= hi", txerrors.ErrInvalidFilter))
			return q
		}
		cond.hi = hiEnc.Value()
	}
	q.sortCond = cond
	return q
}

// componentPair is the partition/sort key-component schema for one
// query target (main table or named secondary index).
type componentPair struct {
	partition []keycodec.Component
	sort      []keycodec.Component
}

// keyComponents resolves the key-component schema for this query's
// target (main table or named secondary index). The core does not
// model secondary-index projections beyond delegating to the store
// (§1 non-goals), so an index query reuses the base table's field
// types, keyed by the index's own declared KEY/SORT_KEY field lists.
func (q *Query) keyComponents() (componentPair, error) {
	if q.indexName == "" {
		return componentPair{partition: q.compiled.KeyComponents, sort: q.compiled.SortComponents}, nil
	}
	idx, ok := q.compiled.Indexes[q.indexName]
	if !ok {
		return componentPair{}, fmt.Errorf("%w: index %q is not declared", txerrors.ErrInvalidIndex, q.indexName)
	}
	return componentPair{
		partition: fieldsToComponents(q.compiled, idx.Key),
		sort:      fieldsToComponents(q.compiled, idx.SortKey),
	}, nil
}

func fieldsToComponents(c *schema.Compiled, names []string) []keycodec.Component {
	out := make([]keycodec.Component, len(names))
	for i, n := range names {
		out[i] = keycodec.Component{Name: n, Kind: toKeycodecKind(c.Fields[n].Kind)}
	}
	return out
}

func toKeycodecKind(k schema.Kind) keycodec.Kind {
	switch k {
	case schema.KindNumber:
		return keycodec.KindNumber
	case schema.KindBool:
		return keycodec.KindBool
	default:
		return keycodec.KindString
	}
}

// Fetch retrieves up to n items, starting from nextToken (empty for
// the first page). Locks the iterator's filter state on first call.
func (q *Query) Fetch(n int32, nextToken string) (Page, error) {
	if q.err != nil {
		return Page{}, q.err
	}
	if !q.partitionSet {
		return Page{}, fmt.Errorf("%w: query requires a partition-key filter", txerrors.ErrInvalidFilter)
	}
	q.locked = true

	start, err := decodeToken(nextToken)
	if err != nil {
		return Page{}, err
	}

	b := expr.New()
	idSym := b.NameSym("_id")
	b.AddKeyCondition(expr.Eq(idSym, b.ValueSym(q.partition)))
	if q.sortCond != nil {
		skSym := b.NameSym("_sk")
		addSortKeyCondition(b, skSym, q.sortCond)
	}
	addLazyConditions(b.AddFilter, b.NameSym, b.ValueSym, q.lazy)

	forward := !q.descending
	out, err := q.st.Query(q.ctx, store.QueryInput{
		TableName:              q.table,
		IndexName:              q.indexName,
		KeyConditionExpression: b.KeyConditionExpression(),
		FilterExpression:       b.FilterExpression(),
		Names:                  b.Names(),
		Values:                 b.Values(),
		ConsistentRead:         q.consistentRead,
		Limit:                  n,
		ExclusiveStartKey:      start,
		ScanIndexForward:       &forward,
	})
	if err != nil {
		return Page{}, err
	}

	items := make([]*itemmodel.Model, 0, len(out.Items))
	for _, raw := range out.Items {
		m, err := q.materialize(raw)
		if err != nil {
			return Page{}, err
		}
		items = append(items, m)
	}

	tok, err := encodeToken(out.LastEvaluatedKey)
	if err != nil {
		return Page{}, err
	}
	if tok == "" {
		q.exhausted = true
	}
	return Page{Items: items, NextToken: tok}, nil
}

func addSortKeyCondition(b *expr.Builder, skSym string, cond *keyCondition) {
	switch cond.op {
	case OpEq:
		b.AddKeyCondition(expr.Eq(skSym, b.ValueSym(cond.lo)))
	case OpLt:
		b.AddKeyCondition(expr.Cmp(skSym, "<", b.ValueSym(cond.lo)))
	case OpLte:
		b.AddKeyCondition(expr.Cmp(skSym, "<=", b.ValueSym(cond.lo)))
	case OpGt:
		b.AddKeyCondition(expr.Cmp(skSym, ">", b.ValueSym(cond.lo)))
	case OpGte:
		b.AddKeyCondition(expr.Cmp(skSym, ">=", b.ValueSym(cond.lo)))
	case OpBetween:
		b.AddKeyCondition(expr.Between(skSym, b.ValueSym(cond.lo), b.ValueSym(cond.hi)))
	case OpPrefix:
		b.AddKeyCondition(expr.BeginsWith(skSym, b.ValueSym(cond.lo)))
	}
}

// Run yields up to n items total, paging internally in batches of up
// to 50 (SPEC_FULL.md §4.5), stopping early once n items have been
// collected or the store signals exhaustion.
func (q *Query) Run(ctx context.Context, n int) ([]*itemmodel.Model, error) {
	const pageSize = 50
	var out []*itemmodel.Model
	token := ""
	for {
		remaining := n - len(out)
		if remaining <= 0 {
			break
		}
		fetchN := int32(pageSize)
		if remaining < pageSize {
			fetchN = int32(remaining)
		}
		page, err := q.Fetch(fetchN, token)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Items...)
		if page.NextToken == "" {
			break
		}
		token = page.NextToken
	}
	return out, nil
}
