package batcher_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theory-cloud/txcore/pkg/batcher"
	"github.com/theory-cloud/txcore/pkg/field"
	"github.com/theory-cloud/txcore/pkg/itemmodel"
	"github.com/theory-cloud/txcore/pkg/schema"
	"github.com/theory-cloud/txcore/pkg/store"
	"github.com/theory-cloud/txcore/pkg/store/storetest"
	"github.com/theory-cloud/txcore/pkg/txerrors"
)

var testSchema = schema.Must(schema.Schema{
	Key: schema.Keys{"id": schema.String()},
	Fields: schema.Fields{
		"n": schema.Number().Default(5.0),
	},
})

func TestCommit_NoWrites_IsNoop(t *testing.T) {
	fake := storetest.New()
	b := batcher.New()

	m, err := itemmodel.FromItem(context.Background(), "Widgets", testSchema, field.SourceGet, store.Item{"_id": "a", "n": 1.0}, itemmodel.Codec{})
	require.NoError(t, err)
	require.NoError(t, b.Track(m))

	wrote, err := b.Commit(context.Background(), fake, true)
	require.NoError(t, err)
	assert.False(t, wrote)
}

func TestCommit_SingleItem_UsesWritePath(t *testing.T) {
	fake := storetest.New()
	b := batcher.New()

	m, err := itemmodel.NewForCreate("Widgets", testSchema, map[string]any{"id": "a"})
	require.NoError(t, err)
	require.NoError(t, b.Track(m))

	wrote, err := b.Commit(context.Background(), fake, true)
	require.NoError(t, err)
	assert.True(t, wrote)

	out, err := fake.Get(context.Background(), store.GetInput{TableName: "Widgets", Key: store.Key{"_id": "a"}})
	require.NoError(t, err)
	assert.Equal(t, 5.0, out.Item["n"])
}

func TestCommit_MultipleItems_UsesTransactWrite(t *testing.T) {
	fake := storetest.New()
	b := batcher.New()

	m1, err := itemmodel.NewForCreate("Widgets", testSchema, map[string]any{"id": "a"})
	require.NoError(t, err)
	m2, err := itemmodel.NewForCreate("Widgets", testSchema, map[string]any{"id": "b"})
	require.NoError(t, err)
	require.NoError(t, b.Track(m1))
	require.NoError(t, b.Track(m2))

	wrote, err := b.Commit(context.Background(), fake, true)
	require.NoError(t, err)
	assert.True(t, wrote)
}

func TestCommit_ReadOnlyWithDirtyItem_Fails(t *testing.T) {
	fake := storetest.New()
	require.NoError(t, fake.Write(context.Background(), store.WriteInput{
		Kind: store.WritePut, TableName: "Widgets", Item: store.Item{"_id": "a", "n": 1.0},
	}))

	b := batcher.New()
	m, err := itemmodel.FromItem(context.Background(), "Widgets", testSchema, field.SourceGet, store.Item{"_id": "a", "n": 1.0}, itemmodel.Codec{})
	require.NoError(t, err)
	require.NoError(t, m.Set("n", 2.0))
	require.NoError(t, b.Track(m))

	_, err = b.Commit(context.Background(), fake, false)
	assert.ErrorIs(t, err, txerrors.ErrWriteAttemptedInReadOnlyTx)
}

func TestCommit_ConcurrentUpdate_ClassifiesInvalidModelUpdate(t *testing.T) {
	fake := storetest.New()
	require.NoError(t, fake.Write(context.Background(), store.WriteInput{
		Kind: store.WritePut, TableName: "Widgets", Item: store.Item{"_id": "a", "n": 1.0},
	}))

	m, err := itemmodel.FromItem(context.Background(), "Widgets", testSchema, field.SourceGet, store.Item{"_id": "a", "n": 1.0}, itemmodel.Codec{})
	require.NoError(t, err)
	_, _ = m.Get("n") // force a read-based condition
	require.NoError(t, m.Set("n", 3.0))

	// concurrent writer changes n first
	require.NoError(t, fake.Write(context.Background(), store.WriteInput{
		Kind: store.WritePut, TableName: "Widgets", Item: store.Item{"_id": "a", "n": 2.0},
	}))

	b := batcher.New()
	require.NoError(t, b.Track(m))
	_, err = b.Commit(context.Background(), fake, true)
	require.Error(t, err)
	assert.True(t, txerrors.Retryable(err))

	var tf *txerrors.TransactionFailed
	if errors.As(err, &tf) {
		assert.ErrorIs(t, tf.Cause, txerrors.ErrInvalidModelUpdate)
	} else {
		assert.ErrorIs(t, err, txerrors.ErrInvalidModelUpdate)
	}
}

func TestCommit_CreateCollision_ClassifiesModelAlreadyExists(t *testing.T) {
	fake := storetest.New()
	require.NoError(t, fake.Write(context.Background(), store.WriteInput{
		Kind: store.WritePut, TableName: "Widgets", Item: store.Item{"_id": "a", "n": 1.0},
	}))

	m, err := itemmodel.NewForCreate("Widgets", testSchema, map[string]any{"id": "a"})
	require.NoError(t, err)

	b := batcher.New()
	require.NoError(t, b.Track(m))
	_, err = b.Commit(context.Background(), fake, true)
	require.Error(t, err)
	assert.ErrorIs(t, err, txerrors.ErrModelAlreadyExists)
}

func TestTrack_DoubleTrack_Fails(t *testing.T) {
	b := batcher.New()
	m1, err := itemmodel.NewForCreate("Widgets", testSchema, map[string]any{"id": "a"})
	require.NoError(t, err)
	m2, err := itemmodel.NewForCreate("Widgets", testSchema, map[string]any{"id": "a"})
	require.NoError(t, err)

	require.NoError(t, b.Track(m1))
	err = b.Track(m2)
	assert.ErrorIs(t, err, txerrors.ErrModelTrackedTwice)
}

func TestTrack_DoubleDelete_Fails(t *testing.T) {
	b := batcher.New()
	d1, err := itemmodel.NewForDelete("Widgets", testSchema, map[string]any{"id": "a"})
	require.NoError(t, err)
	d2, err := itemmodel.NewForDelete("Widgets", testSchema, map[string]any{"id": "a"})
	require.NoError(t, err)

	require.NoError(t, b.Track(d1))
	err = b.Track(d2)
	assert.ErrorIs(t, err, txerrors.ErrModelDeletedTwice)
}

func TestTrack_SentinelUpgradedByCreate(t *testing.T) {
	b := batcher.New()
	sentinel := itemmodel.NewSentinel("Widgets", store.Key{"_id": "a"})
	require.NoError(t, b.Track(sentinel))

	m, err := itemmodel.NewForCreate("Widgets", testSchema, map[string]any{"id": "a"})
	require.NoError(t, err)
	require.NoError(t, b.Track(m))

	assert.Len(t, b.Items(), 1)
}

func TestCommit_SentinelRequiresAbsence(t *testing.T) {
	fake := storetest.New()
	b := batcher.New()
	sentinel := itemmodel.NewSentinel("Widgets", store.Key{"_id": "a"})
	require.NoError(t, b.Track(sentinel))

	// a racing writer creates the row before commit
	require.NoError(t, fake.Write(context.Background(), store.WriteInput{
		Kind: store.WritePut, TableName: "Widgets", Item: store.Item{"_id": "a", "n": 1.0},
	}))

	m, err := itemmodel.NewForCreate("Widgets", testSchema, map[string]any{"id": "b"})
	require.NoError(t, err)
	require.NoError(t, b.Track(m))

	_, err = b.Commit(context.Background(), fake, true)
	require.Error(t, err)
}
