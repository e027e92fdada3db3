// Package storetest provides an in-memory store.Store used by the
// property and scenario tests in SPEC_FULL.md §8 (atomicity, retry
// bound, parallel scan). It is deliberately minimal: no secondary
// index maintenance (Query/Scan always evaluate over the whole table),
// no throttling simulation. What it does enforce precisely is
// all-or-nothing TransactWrite visibility, which is the property the
// atomicity tests depend on.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/theory-cloud/txcore/pkg/store"
)

// FakeStore is a concurrency-safe in-memory store.Store.
type FakeStore struct {
	mu     sync.Mutex
	tables map[string]map[string]store.Item
}

// New returns an empty FakeStore.
func New() *FakeStore {
	return &FakeStore{tables: make(map[string]map[string]store.Item)}
}

func keyID(k store.Key) string {
	var sb strings.Builder
	if v, ok := k["_id"]; ok {
		fmt.Fprintf(&sb, "%v", v)
	}
	sb.WriteByte('\x00')
	if v, ok := k["_sk"]; ok {
		fmt.Fprintf(&sb, "%v", v)
	}
	return sb.String()
}

func cloneItem(it store.Item) store.Item {
	if it == nil {
		return nil
	}
	out := make(store.Item, len(it))
	for k, v := range it {
		out[k] = v
	}
	return out
}

func (f *FakeStore) table(name string) map[string]store.Item {
	t, ok := f.tables[name]
	if !ok {
		t = make(map[string]store.Item)
		f.tables[name] = t
	}
	return t
}

// Get implements store.Store.
func (f *FakeStore) Get(_ context.Context, in store.GetInput) (store.GetOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item := f.table(in.TableName)[keyID(in.Key)]
	return store.GetOutput{Item: cloneItem(item)}, nil
}

// TransactGet implements store.Store.
func (f *FakeStore) TransactGet(_ context.Context, in store.TransactGetInput) (store.TransactGetOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := store.TransactGetOutput{Items: make([]store.Item, len(in.Items))}
	for i, e := range in.Items {
		out.Items[i] = cloneItem(f.table(e.TableName)[keyID(e.Key)])
	}
	return out, nil
}

// BatchGet implements store.Store. The fake never throttles, so
// Unprocessed is always empty.
func (f *FakeStore) BatchGet(_ context.Context, in store.BatchGetInput) (store.BatchGetOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out store.BatchGetOutput
	for _, req := range in.Requests {
		for _, k := range req.Keys {
			if item, ok := f.table(req.TableName)[keyID(k)]; ok {
				out.Items = append(out.Items, cloneItem(item))
			}
		}
	}
	return out, nil
}

// Write implements store.Store's single-item put/update/delete path.
func (f *FakeStore) Write(_ context.Context, in store.WriteInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	tbl := f.table(in.TableName)
	var key store.Key
	if in.Kind == store.WritePut {
		key = store.Key{"_id": in.Item["_id"]}
		if sk, ok := in.Item["_sk"]; ok {
			key["_sk"] = sk
		}
	} else {
		key = in.Key
	}
	id := keyID(key)
	existing := tbl[id]

	ok, err := evalExpr(in.ConditionExpression, existing, in.Names, in.Values)
	if err != nil {
		return err
	}
	if !ok {
		return &store.Error{Op: "Write", Transient: true, Err: fmt.Errorf("ConditionalCheckFailed"),
			Reasons: []store.CancellationReason{{Code: "ConditionalCheckFailed"}}}
	}

	switch in.Kind {
	case store.WritePut:
		tbl[id] = cloneItem(in.Item)
	case store.WriteDelete:
		delete(tbl, id)
	case store.WriteUpdate:
		applyUpdate(tbl, id, existing, in.UpdateExpression, in.Names, in.Values)
	}
	return nil
}

// TransactWrite implements store.Store's atomic multi-item write: every
// condition is evaluated against the pre-transaction snapshot before
// any mutation is applied, and either all entries take effect or none
// do.
func (f *FakeStore) TransactWrite(_ context.Context, in store.TransactWriteInput) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	reasons := make([]store.CancellationReason, len(in.Items))
	anyFailed := false
	for i, e := range in.Items {
		tbl := f.table(e.TableName)
		var key store.Key
		if e.Kind == store.TransactPut {
			key = store.Key{"_id": e.Item["_id"]}
			if sk, ok := e.Item["_sk"]; ok {
				key["_sk"] = sk
			}
		} else {
			key = e.Key
		}
		existing := tbl[keyID(key)]
		ok, err := evalExpr(e.ConditionExpression, existing, e.Names, e.Values)
		if err != nil {
			return err
		}
		if ok {
			reasons[i] = store.CancellationReason{Code: "None"}
		} else {
			reasons[i] = store.CancellationReason{Code: "ConditionalCheckFailed"}
			anyFailed = true
		}
	}

	if anyFailed {
		return &store.Error{Op: "TransactWrite", Transient: true,
			Err: fmt.Errorf("TransactionCanceledException"), Reasons: reasons}
	}

	for _, e := range in.Items {
		tbl := f.table(e.TableName)
		switch e.Kind {
		case store.TransactConditionCheck:
			// no mutation
		case store.TransactPut:
			key := store.Key{"_id": e.Item["_id"]}
			if sk, ok := e.Item["_sk"]; ok {
				key["_sk"] = sk
			}
			tbl[keyID(key)] = cloneItem(e.Item)
		case store.TransactDelete:
			delete(tbl, keyID(e.Key))
		case store.TransactUpdate:
			id := keyID(e.Key)
			applyUpdate(tbl, id, tbl[id], e.UpdateExpression, e.Names, e.Values)
		}
	}
	return nil
}

// Query implements store.Store. The fake has no real secondary-index
// storage: it scans the whole table and evaluates the key-condition and
// filter expressions against every item, which is semantically
// equivalent for correctness tests that don't exercise index-specific
// projections.
func (f *FakeStore) Query(ctx context.Context, in store.QueryInput) (store.QueryOutput, error) {
	return f.scanLike(in, true)
}

// Scan implements store.Store, including parallel-scan sharding via
// Segment/TotalSegments.
func (f *FakeStore) Scan(ctx context.Context, in store.QueryInput) (store.QueryOutput, error) {
	return f.scanLike(in, false)
}

func (f *FakeStore) scanLike(in store.QueryInput, isQuery bool) (store.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	tbl := f.table(in.TableName)
	ids := make([]string, 0, len(tbl))
	for id := range tbl {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if in.ScanIndexForward != nil && !*in.ScanIndexForward {
		for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
			ids[i], ids[j] = ids[j], ids[i]
		}
	}

	var matched []store.Item
	for _, id := range ids {
		item := tbl[id]
		if in.TotalSegments != nil && *in.TotalSegments > 1 {
			if int32(hashID(id))%*in.TotalSegments != *in.Segment {
				continue
			}
		}
		if isQuery && in.KeyConditionExpression != "" {
			ok, err := evalExpr(in.KeyConditionExpression, item, in.Names, in.Values)
			if err != nil {
				return store.QueryOutput{}, err
			}
			if !ok {
				continue
			}
		}
		if in.FilterExpression != "" {
			ok, err := evalExpr(in.FilterExpression, item, in.Names, in.Values)
			if err != nil {
				return store.QueryOutput{}, err
			}
			if !ok {
				continue
			}
		}
		matched = append(matched, cloneItem(item))
	}

	limit := in.Limit
	if limit <= 0 || int(limit) > len(matched) {
		return store.QueryOutput{Items: matched}, nil
	}
	return store.QueryOutput{Items: matched[:limit], LastEvaluatedKey: store.Key{"_id": matched[limit-1]["_id"]}}, nil
}

func hashID(id string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(id); i++ {
		h ^= uint32(id[i])
		h *= 16777619
	}
	return h
}

// applyUpdate interprets the small SET/REMOVE/ADD subset emitted by
// internal/expr and pkg/itemmodel.
func applyUpdate(tbl map[string]store.Item, id string, existing store.Item, updateExpr string, names map[string]string, values map[string]any) {
	item := cloneItem(existing)
	if item == nil {
		item = store.Item{}
	}

	clauses := splitClauses(updateExpr)
	for _, c := range clauses {
		switch {
		case strings.HasPrefix(c.verb, "SET"):
			for _, part := range splitTop(c.body, ',') {
				applySet(item, part, names, values)
			}
		case strings.HasPrefix(c.verb, "REMOVE"):
			for _, part := range splitTop(c.body, ',') {
				name := resolveSym(strings.TrimSpace(part), names)
				delete(item, name)
			}
		case strings.HasPrefix(c.verb, "ADD"):
			for _, part := range splitTop(c.body, ',') {
				applyAdd(item, part, names, values)
			}
		}
	}
	tbl[id] = item
}

type clause struct {
	verb string
	body string
}

func splitClauses(expr string) []clause {
	var out []clause
	for _, verb := range []string{"SET", "REMOVE", "ADD"} {
		idx := strings.Index(expr, verb+" ")
		if idx < 0 {
			continue
		}
		rest := expr[idx+len(verb)+1:]
		end := len(rest)
		for _, other := range []string{"SET ", "REMOVE ", "ADD "} {
			if j := strings.Index(rest, other); j >= 0 && j < end {
				end = j
			}
		}
		out = append(out, clause{verb: verb, body: strings.TrimSpace(rest[:end])})
	}
	return out
}

func splitTop(s string, sep byte) []string {
	var out []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		case sep:
			if depth == 0 {
				out = append(out, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	if start < len(s) {
		out = append(out, strings.TrimSpace(s[start:]))
	}
	return out
}

// applySet interprets one "#n = :v" or "#n = #n + :v" SET fragment.
func applySet(item store.Item, part string, names map[string]string, values map[string]any) {
	eq := strings.Index(part, "=")
	if eq < 0 {
		return
	}
	lhsSym := strings.TrimSpace(part[:eq])
	rhs := strings.TrimSpace(part[eq+1:])
	name := resolveSym(lhsSym, names)

	if plus := strings.Index(rhs, "+"); plus >= 0 {
		valSym := strings.TrimSpace(rhs[plus+1:])
		cur, _ := toFloat(item[name])
		d, _ := toFloat(values[valSym])
		item[name] = cur + d
		return
	}
	item[name] = values[rhs]
}

// applyAdd interprets one "#n :v" ADD fragment.
func applyAdd(item store.Item, part string, names map[string]string, values map[string]any) {
	fields := strings.Fields(part)
	if len(fields) != 2 {
		return
	}
	name := resolveSym(fields[0], names)
	cur, _ := toFloat(item[name])
	d, _ := toFloat(values[fields[1]])
	item[name] = cur + d
}

func resolveSym(sym string, names map[string]string) string {
	if name, ok := names[sym]; ok {
		return name
	}
	return sym
}
