package storetest_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theory-cloud/txcore/pkg/store"
	"github.com/theory-cloud/txcore/pkg/store/storetest"
)

func TestPutThenGetRoundTrips(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()

	err := s.Write(ctx, store.WriteInput{
		Kind:      store.WritePut,
		TableName: "users",
		Item:      store.Item{"_id": "a", "n": float64(5)},
	})
	require.NoError(t, err)

	out, err := s.Get(ctx, store.GetInput{TableName: "users", Key: store.Key{"_id": "a"}})
	require.NoError(t, err)
	assert.Equal(t, float64(5), out.Item["n"])
}

func TestConditionalWriteRejectsOnMismatch(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()
	require.NoError(t, s.Write(ctx, store.WriteInput{
		Kind: store.WritePut, TableName: "users", Item: store.Item{"_id": "a", "n": float64(1)},
	}))

	err := s.Write(ctx, store.WriteInput{
		Kind: store.WriteUpdate, TableName: "users", Key: store.Key{"_id": "a"},
		UpdateExpression: "SET #0 = :0", ConditionExpression: "#0 = :1",
		Names:  map[string]string{"#0": "n"},
		Values: map[string]any{":0": float64(2), ":1": float64(999)},
	})
	require.Error(t, err)

	out, _ := s.Get(ctx, store.GetInput{TableName: "users", Key: store.Key{"_id": "a"}})
	assert.Equal(t, float64(1), out.Item["n"], "failed conditional update must not mutate the item")
}

func TestTransactWriteIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()
	require.NoError(t, s.Write(ctx, store.WriteInput{
		Kind: store.WritePut, TableName: "t", Item: store.Item{"_id": "a", "n": float64(1)},
	}))

	err := s.TransactWrite(ctx, store.TransactWriteInput{Items: []store.TransactWriteEntry{
		{
			Kind: store.TransactPut, TableName: "t", Item: store.Item{"_id": "b", "n": float64(1)},
		},
		{
			Kind: store.TransactConditionCheck, TableName: "t", Key: store.Key{"_id": "a"},
			ConditionExpression: "#0 = :0",
			Names:               map[string]string{"#0": "n"},
			Values:              map[string]any{":0": float64(999)}, // will fail
		},
	}})
	require.Error(t, err)

	_, okA := s.Get(ctx, store.GetInput{TableName: "t", Key: store.Key{"_id": "b"}})
	require.NoError(t, okA)
	out, _ := s.Get(ctx, store.GetInput{TableName: "t", Key: store.Key{"_id": "b"}})
	assert.Nil(t, out.Item, "the Put half of a cancelled TransactWrite must not be visible")
}

func TestUnconditionedAddAccumulates(t *testing.T) {
	ctx := context.Background()
	s := storetest.New()
	require.NoError(t, s.Write(ctx, store.WriteInput{
		Kind: store.WritePut, TableName: "t", Item: store.Item{"_id": "a", "counter": float64(10)},
	}))

	require.NoError(t, s.Write(ctx, store.WriteInput{
		Kind: store.WriteUpdate, TableName: "t", Key: store.Key{"_id": "a"},
		UpdateExpression: "ADD #0 :0",
		Names:            map[string]string{"#0": "counter"},
		Values:           map[string]any{":0": float64(6)},
	}))

	out, _ := s.Get(ctx, store.GetInput{TableName: "t", Key: store.Key{"_id": "a"}})
	assert.Equal(t, float64(16), out.Item["counter"])
}
