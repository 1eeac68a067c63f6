package compiler

import (
	"testing"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/strata/internal/ir"
)

func TestCompileSchemaBasic(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`
		schema: Order: fields: {
			qty:   {shape: "single"}
			price: {}
			total: {
				shape: "single"
				transform: {
					inputs: ["Order.qty", "Order.price"]
					logic:  "qty * price"
				}
			}
			notes: {shape: "range"}
			lines: {shape: "collection"}
		}
	`)
	require.NoError(t, v.Err())

	def, err := CompileSchema(v.LookupPath(cue.ParsePath("schema.Order")))
	require.NoError(t, err)

	assert.Equal(t, "Order", def.Name)
	require.Len(t, def.Fields, 5)
	assert.Equal(t, []string{"qty", "price", "total", "notes", "lines"},
		[]string{def.Fields[0].Name, def.Fields[1].Name, def.Fields[2].Name, def.Fields[3].Name, def.Fields[4].Name})
	assert.Equal(t, ir.RefSingle, def.Fields[1].Shape)
	assert.Equal(t, ir.RefRange, def.Fields[3].Shape)
	assert.Equal(t, ir.RefCollection, def.Fields[4].Shape)

	total := def.Fields[2]
	require.NotNil(t, total.Transform)
	assert.Equal(t, []string{"Order.qty", "Order.price"}, total.Transform.Inputs)
	assert.Equal(t, "qty * price", total.Transform.Logic)
}

func TestCompileSchemaErrors(t *testing.T) {
	tests := []struct {
		name  string
		src   string
		field string
	}{
		{"no fields", `schema: S: {}`, "fields"},
		{"empty fields", `schema: S: fields: {}`, "fields"},
		{"bad shape", `schema: S: fields: x: shape: "tree"`, "shape"},
		{"transform without inputs", `schema: S: fields: x: transform: logic: "1"`, "transform.inputs"},
		{"transform without logic", `schema: S: fields: x: transform: inputs: ["S.y"]`, "transform.logic"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := cuecontext.New().CompileString(tt.src)
			require.NoError(t, v.Err())

			_, err := CompileSchema(v.LookupPath(cue.ParsePath("schema.S")))
			require.Error(t, err)
			var ce *CompileError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
		})
	}
}

func TestCompileSchemaNonStringShape(t *testing.T) {
	v := cuecontext.New().CompileString(`schema: S: fields: x: shape: 3`)
	require.NoError(t, v.Err())

	_, err := CompileSchema(v.LookupPath(cue.ParsePath("schema.S")))
	require.Error(t, err)
}

func TestTransformsFromSchemas(t *testing.T) {
	defs, err := LoadString(`
		schema: A: fields: {
			x: {}
			y: transform: {inputs: ["A.x"], logic: "x * 2"}
		}
		schema: B: fields: z: transform: {inputs: ["A.y"], logic: "y + 1"}
	`)
	require.NoError(t, err)

	got := Transforms(defs)
	require.Len(t, got, 2)
	assert.Equal(t, ir.Transform{ID: "A.y", Inputs: []string{"A.x"}, Output: "A.y", Logic: "x * 2"}, got[0])
	assert.Equal(t, ir.Transform{ID: "B.z", Inputs: []string{"A.y"}, Output: "B.z", Logic: "y + 1"}, got[1])
}

func TestCompileErrorFormat(t *testing.T) {
	err := &CompileError{Field: "shape", Message: "bad"}
	assert.Equal(t, "shape: bad", err.Error())
}
