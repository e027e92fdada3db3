package txn_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theory-cloud/txcore/pkg/itemmodel"
	"github.com/theory-cloud/txcore/pkg/schema"
	"github.com/theory-cloud/txcore/pkg/store"
	"github.com/theory-cloud/txcore/pkg/store/storetest"
	"github.com/theory-cloud/txcore/pkg/txerrors"
	"github.com/theory-cloud/txcore/pkg/txn"
)

var widgets = schema.Must(schema.Schema{
	Key: schema.Keys{"id": schema.String()},
	Fields: schema.Fields{
		"n": schema.Number().Default(0.0),
	},
})

func fastOptions() txn.Options {
	return txn.Options{Retries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestRun_CreateThenGet(t *testing.T) {
	fake := storetest.New()
	decl := txn.Declare("Widgets", widgets)
	ctx := context.Background()

	err := txn.Run(ctx, fake, fastOptions(), func(tx *txn.Transaction) error {
		_, err := tx.Create(decl, map[string]any{"id": "a", "n": 1.0})
		return err
	})
	require.NoError(t, err)

	var got *float64
	err = txn.Run(ctx, fake, fastOptions(), func(tx *txn.Transaction) error {
		m, err := tx.Get(decl, map[string]any{"id": "a"}, txn.GetOptions{})
		if err != nil {
			return err
		}
		require.NotNil(t, m)
		v, err := m.Get("n")
		if err != nil {
			return err
		}
		f := v.(float64)
		got = &f
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1.0, *got)
}

func TestRun_GetMiss_ReturnsNil(t *testing.T) {
	fake := storetest.New()
	decl := txn.Declare("Widgets", widgets)

	var sawNil bool
	err := txn.Run(context.Background(), fake, fastOptions(), func(tx *txn.Transaction) error {
		m, err := tx.Get(decl, map[string]any{"id": "missing"}, txn.GetOptions{})
		if err != nil {
			return err
		}
		sawNil = m == nil
		return nil
	})
	require.NoError(t, err)
	assert.True(t, sawNil)
}

func TestRun_GetCreateIfMissing(t *testing.T) {
	fake := storetest.New()
	decl := txn.Declare("Widgets", widgets)

	err := txn.Run(context.Background(), fake, fastOptions(), func(tx *txn.Transaction) error {
		m, err := tx.Get(decl, map[string]any{"id": "b", "n": 2.0}, txn.GetOptions{CreateIfMissing: true})
		if err != nil {
			return err
		}
		require.NotNil(t, m)
		return nil
	})
	require.NoError(t, err)

	out, err := fake.Get(context.Background(), store.GetInput{TableName: "Widgets", Key: store.Key{"_id": "b"}})
	require.NoError(t, err)
	assert.Equal(t, 2.0, out.Item["n"])
}

func TestRun_RetriesOnContention(t *testing.T) {
	fake := storetest.New()
	decl := txn.Declare("Widgets", widgets)
	ctx := context.Background()

	require.NoError(t, fake.Write(ctx, store.WriteInput{
		Kind: store.WritePut, TableName: "Widgets", Item: store.Item{"_id": "a", "n": 1.0},
	}))

	attempts := 0
	err := txn.Run(ctx, fake, fastOptions(), func(tx *txn.Transaction) error {
		attempts++
		m, err := tx.Get(decl, map[string]any{"id": "a"}, txn.GetOptions{})
		if err != nil {
			return err
		}
		if _, err := m.Get("n"); err != nil {
			return err
		}
		if attempts == 1 {
			// a concurrent writer lands between our read and our commit.
			if err := fake.Write(ctx, store.WriteInput{
				Kind: store.WritePut, TableName: "Widgets", Item: store.Item{"_id": "a", "n": 99.0},
			}); err != nil {
				return err
			}
		}
		return m.Set("n", 5.0)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	out, err := fake.Get(ctx, store.GetInput{TableName: "Widgets", Key: store.Key{"_id": "a"}})
	require.NoError(t, err)
	assert.Equal(t, 5.0, out.Item["n"])
}

func TestRun_ReadOnlyWithWrite_FailsWithoutRetry(t *testing.T) {
	fake := storetest.New()
	decl := txn.Declare("Widgets", widgets)

	opts := fastOptions()
	opts.ReadOnly = true

	attempts := 0
	err := txn.Run(context.Background(), fake, opts, func(tx *txn.Transaction) error {
		attempts++
		_, err := tx.Create(decl, map[string]any{"id": "c", "n": 1.0})
		return err
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, txerrors.ErrWriteAttemptedInReadOnlyTx)
	assert.Equal(t, 1, attempts)
}

func TestRun_EventHooks_FireInOrder(t *testing.T) {
	fake := storetest.New()
	decl := txn.Declare("Widgets", widgets)

	var calls []string
	err := txn.Run(context.Background(), fake, fastOptions(), func(tx *txn.Transaction) error {
		tx.OnPostCommit(func() { calls = append(calls, "first") })
		tx.OnPostCommit(func() { calls = append(calls, "second") })
		_, err := tx.Create(decl, map[string]any{"id": "d", "n": 1.0})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, calls)
}

func TestRun_InvalidOptions_RejectsNegativeRetries(t *testing.T) {
	fake := storetest.New()
	opts := fastOptions()
	opts.Retries = -1
	err := txn.Run(context.Background(), fake, opts, func(tx *txn.Transaction) error { return nil })
	assert.ErrorIs(t, err, txerrors.ErrInvalidOptions)
}

func TestRun_ModelDiffs(t *testing.T) {
	fake := storetest.New()
	decl := txn.Declare("Widgets", widgets)
	ctx := context.Background()

	require.NoError(t, fake.Write(ctx, store.WriteInput{
		Kind: store.WritePut, TableName: "Widgets", Item: store.Item{"_id": "a", "n": 1.0},
	}))

	var diffs []txn.Diff
	err := txn.Run(ctx, fake, fastOptions(), func(tx *txn.Transaction) error {
		m, err := tx.Get(decl, map[string]any{"id": "a"}, txn.GetOptions{})
		if err != nil {
			return err
		}
		if err := m.Set("n", 7.0); err != nil {
			return err
		}
		diffs = tx.GetModelDiffs(func(m *itemmodel.Model) bool { return true })
		return nil
	})
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.Equal(t, 1.0, diffs[0].Before["n"])
	assert.Equal(t, 7.0, diffs[0].After["n"])
}
