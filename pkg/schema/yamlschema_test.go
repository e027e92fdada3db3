package schema_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theory-cloud/txcore/pkg/schema"
)

const widgetsYAML = `
key:
  id: {kind: string}
fields:
  name: {kind: string}
  qty: {kind: number, optional: true, default: 0}
indexes:
  byName:
    key: [name]
`

func TestLoadDocument_CompilesSchema(t *testing.T) {
	compiled, err := schema.LoadDocument([]byte(widgetsYAML), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"id"}, compiled.KeyNames)
	assert.Contains(t, compiled.Fields, "name")
	assert.Contains(t, compiled.Fields, "qty")
	assert.Contains(t, compiled.Indexes, "byName")
}

func TestLoadDocument_ValidateRequiresFactory(t *testing.T) {
	doc := `
key:
  id: {kind: string}
fields:
  email: {kind: string, validate: {type: string, format: email}}
`
	_, err := schema.LoadDocument([]byte(doc), nil)
	assert.Error(t, err)
}

func TestLoadDocument_ValidateWithFactory(t *testing.T) {
	doc := `
key:
  id: {kind: string}
fields:
  email: {kind: string, validate: {type: string}}
`
	called := false
	factory := func(spec any) (schema.Validator, error) {
		called = true
		return stubValidator{}, nil
	}
	compiled, err := schema.LoadDocument([]byte(doc), factory)
	require.NoError(t, err)
	assert.True(t, called)
	assert.NotNil(t, compiled.Fields["email"].Validator)
}

type stubValidator struct{}

func (stubValidator) Validate(value any) error { return nil }

func TestLoadDocument_UnknownKind(t *testing.T) {
	doc := `
key:
  id: {kind: string}
fields:
  bad: {kind: wat}
`
	_, err := schema.LoadDocument([]byte(doc), nil)
	assert.Error(t, err)
}
