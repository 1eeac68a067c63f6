package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/strata/internal/expr"
	"github.com/roach88/strata/internal/ir"
)

func codes(errs []ValidationError) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Code
	}
	return out
}

func TestValidateClean(t *testing.T) {
	defs, err := LoadString(`
		schema: A: fields: {
			x: {}
			y: transform: {inputs: ["A.x"], logic: "x * 2"}
		}
	`)
	require.NoError(t, err)
	assert.Empty(t, Validate(defs, expr.NewCUE()))
}

func TestValidateCollectsAll(t *testing.T) {
	defs := []ir.SchemaDef{
		{Name: "A", Fields: []ir.FieldDef{
			{Name: "x", Shape: ir.RefSingle},
			{Name: "x", Shape: ir.RefSingle},
			{Name: "r", Shape: ir.RefRange, Transform: &ir.FieldTransform{Inputs: []string{"A.x"}, Logic: "x"}},
			{Name: "u", Shape: ir.RefSingle, Transform: &ir.FieldTransform{Inputs: []string{"Nope.x", "bad"}, Logic: "x"}},
			{Name: "e", Shape: ir.RefSingle, Transform: &ir.FieldTransform{Inputs: []string{"A.x"}, Logic: "  "}},
			{Name: "p", Shape: ir.RefSingle, Transform: &ir.FieldTransform{Inputs: []string{"A.x"}, Logic: "x +"}},
		}},
		{Name: "B"},
		{Name: "A.B", Fields: []ir.FieldDef{{Name: "k", Shape: "tree"}}},
	}

	errs := Validate(defs, expr.NewCUE())
	got := codes(errs)
	for _, want := range []string{
		ErrDuplicateName, ErrTransformOutput, ErrUnknownInput, ErrInvalidInputRef,
		ErrEmptyLogic, ErrInvalidLogic, ErrSchemaNoFields, ErrInvalidSchemaName, ErrInvalidShape,
	} {
		assert.Contains(t, got, want)
	}
}

func TestValidateWithoutEvaluatorSkipsLogic(t *testing.T) {
	defs := []ir.SchemaDef{{Name: "A", Fields: []ir.FieldDef{
		{Name: "x", Shape: ir.RefSingle},
		{Name: "y", Shape: ir.RefSingle, Transform: &ir.FieldTransform{Inputs: []string{"A.x"}, Logic: "x +"}},
	}}}
	assert.Empty(t, Validate(defs, nil))
}

func TestValidationErrorString(t *testing.T) {
	e := ValidationError{Field: "A.x", Message: "bad", Code: ErrInvalidShape}
	assert.Equal(t, "[E104] A.x: bad", e.Error())
}
