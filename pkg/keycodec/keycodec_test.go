package keycodec_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theory-cloud/txcore/pkg/keycodec"
)

func TestEncodeDecodeRoundTrip_SingleString(t *testing.T) {
	components := []keycodec.Component{{Name: "id", Kind: keycodec.KindString}}

	enc, err := keycodec.Encode(components, map[string]any{"id": "abc"})
	require.NoError(t, err)
	assert.False(t, enc.Numeric)
	assert.Equal(t, "abc", enc.Text)

	decoded, err := keycodec.Decode(components, enc.Text)
	require.NoError(t, err)
	assert.Equal(t, "abc", decoded["id"])
}

func TestEncodeDecodeRoundTrip_SingleNumeric(t *testing.T) {
	components := []keycodec.Component{{Name: "n", Kind: keycodec.KindNumber}}

	enc, err := keycodec.Encode(components, map[string]any{"n": 42.5})
	require.NoError(t, err)
	assert.True(t, enc.Numeric)
	assert.InEpsilon(t, 42.5, enc.Number, 1e-9)

	decoded, err := keycodec.DecodeNumeric(components, enc.Number)
	require.NoError(t, err)
	assert.InEpsilon(t, 42.5, decoded["n"].(float64), 1e-9)
}

func TestEncodeDecodeRoundTrip_CompoundStringKeys(t *testing.T) {
	components := []keycodec.Component{
		{Name: "b", Kind: keycodec.KindString},
		{Name: "a", Kind: keycodec.KindString},
	}

	values := map[string]any{"a": "x", "b": "y"}
	enc, err := keycodec.Encode(components, values)
	require.NoError(t, err)
	assert.Equal(t, "x\x00y", enc.Text) // sorted by name: a, b

	decoded, err := keycodec.Decode(components, enc.Text)
	require.NoError(t, err)
	assert.Equal(t, values, decoded)
}

func TestCompoundOrderingMatchesComponentwiseOrdering(t *testing.T) {
	components := []keycodec.Component{
		{Name: "a", Kind: keycodec.KindString},
		{Name: "b", Kind: keycodec.KindString},
	}

	lo, err := keycodec.Encode(components, map[string]any{"a": "x", "b": "y"})
	require.NoError(t, err)
	hi, err := keycodec.Encode(components, map[string]any{"a": "x", "b": "z"})
	require.NoError(t, err)

	assert.Less(t, lo.Text, hi.Text)
}

func TestEncodeRejectsNulInStringComponent(t *testing.T) {
	components := []keycodec.Component{{Name: "id", Kind: keycodec.KindString}}
	_, err := keycodec.Encode(components, map[string]any{"id": "a\x00b"})
	require.Error(t, err)
}

func TestEncodeInjectiveAcrossDistinctValues(t *testing.T) {
	components := []keycodec.Component{
		{Name: "a", Kind: keycodec.KindString},
		{Name: "b", Kind: keycodec.KindNumber},
	}

	seen := map[string]bool{}
	inputs := []map[string]any{
		{"a": "x", "b": float64(1)},
		{"a": "x", "b": float64(2)},
		{"a": "y", "b": float64(1)},
	}
	for _, in := range inputs {
		enc, err := keycodec.Encode(components, in)
		require.NoError(t, err)
		require.False(t, seen[enc.Text], "collision for %v", in)
		seen[enc.Text] = true
	}
}

func TestDecodeRejectsWrongComponentCount(t *testing.T) {
	components := []keycodec.Component{
		{Name: "a", Kind: keycodec.KindString},
		{Name: "b", Kind: keycodec.KindString},
	}
	_, err := keycodec.Decode(components, "only-one-piece")
	require.Error(t, err)
}
