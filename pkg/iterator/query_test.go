package iterator_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theory-cloud/txcore/pkg/iterator"
	"github.com/theory-cloud/txcore/pkg/schema"
	"github.com/theory-cloud/txcore/pkg/store"
	"github.com/theory-cloud/txcore/pkg/store/storetest"
	"github.com/theory-cloud/txcore/pkg/txerrors"
)

var entries = schema.Must(schema.Schema{
	Key:     schema.Keys{"a": schema.String()},
	SortKey: schema.Keys{"b": schema.String()},
	Fields: schema.Fields{
		"n": schema.Number().Opt(),
	},
	Indexes: schema.Indexes{
		"byN": {Key: []string{"a"}, SortKey: []string{"n"}, Sparse: true},
	},
})

func seed(t *testing.T, fake *storetest.FakeStore, table string, items ...store.Item) {
	t.Helper()
	for _, it := range items {
		key := store.Key{"_id": it["_id"]}
		if sk, ok := it["_sk"]; ok {
			key["_sk"] = sk
		}
		err := fake.Write(context.Background(), store.WriteInput{
			Kind: store.WritePut, TableName: table, Item: it,
		})
		require.NoError(t, err, "seed %v", key)
	}
}

func TestQuery_RequiresPartitionFilter(t *testing.T) {
	fake := storetest.New()
	q := iterator.NewQuery(context.Background(), fake, "Entries", entries, nil, iterator.QueryOptions{})
	_, err := q.Fetch(10, "")
	require.Error(t, err)
}

func TestQuery_PartitionEquality_OrdersAscendingBySortKey(t *testing.T) {
	fake := storetest.New()
	seed(t, fake, "Entries",
		store.Item{"_id": "x", "_sk": "y", "n": 1.0},
		store.Item{"_id": "x", "_sk": "z", "n": 2.0},
		store.Item{"_id": "w", "_sk": "q", "n": 3.0},
	)

	q := iterator.NewQuery(context.Background(), fake, "Entries", entries, nil, iterator.QueryOptions{})
	q.WherePartition(map[string]any{"a": "x"})
	page, err := q.Fetch(10, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 2)

	first, err := page.Items[0].Get("b")
	require.NoError(t, err)
	second, err := page.Items[1].Get("b")
	require.NoError(t, err)
	assert.Equal(t, "y", first)
	assert.Equal(t, "z", second)
}

func TestQuery_Descending(t *testing.T) {
	fake := storetest.New()
	seed(t, fake, "Entries",
		store.Item{"_id": "x", "_sk": "y"},
		store.Item{"_id": "x", "_sk": "z"},
	)

	q := iterator.NewQuery(context.Background(), fake, "Entries", entries, nil, iterator.QueryOptions{Descending: true})
	q.WherePartition(map[string]any{"a": "x"})
	page, err := q.Fetch(10, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	first, _ := page.Items[0].Get("b")
	assert.Equal(t, "z", first)
}

func TestQuery_BetweenRequiresAscendingBounds(t *testing.T) {
	fake := storetest.New()
	q := iterator.NewQuery(context.Background(), fake, "Entries", entries, nil, iterator.QueryOptions{})
	q.WherePartition(map[string]any{"a": "x"})
	q.WhereSort(iterator.OpBetween, map[string]any{"b": "z"}, map[string]any{"b": "a"})
	_, err := q.Fetch(10, "")
	require.Error(t, err)
}

func TestQuery_SortKey_NotEqForbidden(t *testing.T) {
	fake := storetest.New()
	q := iterator.NewQuery(context.Background(), fake, "Entries", entries, nil, iterator.QueryOptions{})
	q.WherePartition(map[string]any{"a": "x"})
	q.WhereSort(iterator.OpNotEq, map[string]any{"b": "y"}, nil)
	_, err := q.Fetch(10, "")
	require.Error(t, err)
}

func TestQuery_NonKeyFilter_RequiresAllowLazyFilter(t *testing.T) {
	fake := storetest.New()
	q := iterator.NewQuery(context.Background(), fake, "Entries", entries, nil, iterator.QueryOptions{})
	q.WherePartition(map[string]any{"a": "x"})
	q.Filter("n").Gt(1.0)
	_, err := q.Fetch(10, "")
	require.Error(t, err)
}

func TestQuery_NonKeyFilter_AllowedWithOption(t *testing.T) {
	fake := storetest.New()
	seed(t, fake, "Entries",
		store.Item{"_id": "x", "_sk": "y", "n": 1.0},
		store.Item{"_id": "x", "_sk": "z", "n": 5.0},
	)

	q := iterator.NewQuery(context.Background(), fake, "Entries", entries, nil, iterator.QueryOptions{AllowLazyFilter: true})
	q.WherePartition(map[string]any{"a": "x"})
	q.Filter("n").Gt(2.0)
	page, err := q.Fetch(10, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	b, _ := page.Items[0].Get("b")
	assert.Equal(t, "z", b)
}

func TestQuery_Run_PaginatesInternally(t *testing.T) {
	fake := storetest.New()
	for i := 0; i < 5; i++ {
		seed(t, fake, "Entries", store.Item{"_id": "x", "_sk": string(rune('a' + i))})
	}

	q := iterator.NewQuery(context.Background(), fake, "Entries", entries, nil, iterator.QueryOptions{})
	q.WherePartition(map[string]any{"a": "x"})
	items, err := q.Run(context.Background(), 3)
	require.NoError(t, err)
	assert.Len(t, items, 3)
}

func TestQuery_UnknownIndex_Fails(t *testing.T) {
	fake := storetest.New()
	q := iterator.NewQuery(context.Background(), fake, "Entries", entries, nil, iterator.QueryOptions{IndexName: "nope"})
	q.WherePartition(map[string]any{"a": "x"})
	_, err := q.Fetch(10, "")
	require.Error(t, err)
}

func TestQuery_LockedAfterFirstFetch(t *testing.T) {
	fake := storetest.New()
	q := iterator.NewQuery(context.Background(), fake, "Entries", entries, nil, iterator.QueryOptions{})
	q.WherePartition(map[string]any{"a": "x"})
	_, err := q.Fetch(10, "")
	require.NoError(t, err)

	q.WherePartition(map[string]any{"a": "w"})
	_, err = q.Fetch(10, "")
	require.Error(t, err)
}

var encryptedEntries = schema.Must(schema.Schema{
	Key:     schema.Keys{"a": schema.String()},
	SortKey: schema.Keys{"b": schema.String()},
	Fields: schema.Fields{
		"ssn": schema.String().EncryptedField(),
	},
})

func TestQuery_FilterOnEncryptedField_Fails(t *testing.T) {
	fake := storetest.New()
	q := iterator.NewQuery(context.Background(), fake, "Entries", encryptedEntries, nil,
		iterator.QueryOptions{AllowLazyFilter: true})
	q.WherePartition(map[string]any{"a": "x"})
	q.Filter("ssn").Eq("123-45-6789")

	_, err := q.Fetch(10, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, txerrors.ErrEncryptedFieldNotQueryable)
}
