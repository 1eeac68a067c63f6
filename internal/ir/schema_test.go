package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFieldKey(t *testing.T) {
	k, err := ParseFieldKey("Orders.total")
	require.NoError(t, err)
	assert.Equal(t, FieldKey{Schema: "Orders", Field: "total"}, k)
	assert.Equal(t, "Orders.total", k.String())

	for _, bad := range []string{"", "Orders", ".total", "Orders.", "a.b.c"} {
		_, err := ParseFieldKey(bad)
		assert.Error(t, err, bad)
	}
}

func TestSchemaDefCloneIsDeep(t *testing.T) {
	s := SchemaDef{Name: "A", Fields: []FieldDef{
		{Name: "x", Shape: RefSingle},
		{Name: "y", Shape: RefSingle, Transform: &FieldTransform{Inputs: []string{"A.x"}, Logic: "x"}},
	}}

	c := s.Clone()
	f, ok := c.Field("y")
	require.True(t, ok)
	f.Transform.Inputs[0] = "B.z"
	f.RefAtomUUID = "ref"

	orig, _ := s.Field("y")
	assert.Equal(t, "A.x", orig.Transform.Inputs[0])
	assert.Empty(t, orig.RefAtomUUID)

	_, ok = s.Field("missing")
	assert.False(t, ok)
}
