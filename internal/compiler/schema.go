// Package compiler turns CUE schema files into schema definitions.
//
// A schema file declares schemas under the top-level "schema" struct:
//
//	schema: Order: fields: {
//		qty:   {shape: "single"}
//		price: {shape: "single"}
//		total: {
//			shape: "single"
//			transform: {
//				inputs: ["Order.qty", "Order.price"]
//				logic:  "qty * price"
//			}
//		}
//		lines: {shape: "collection"}
//	}
//
// shape defaults to "single". Field order follows declaration order.
package compiler

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/strata/internal/ir"
)

// CompileSchema parses one schema struct, e.g. the value at "schema.Order".
func CompileSchema(v cue.Value) (*ir.SchemaDef, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	def := &ir.SchemaDef{}
	if labels := v.Path().Selectors(); len(labels) > 0 {
		def.Name = labels[len(labels)-1].String()
	}

	fieldsVal := v.LookupPath(cue.ParsePath("fields"))
	if !fieldsVal.Exists() {
		return nil, &CompileError{
			Field:   "fields",
			Message: fmt.Sprintf("schema %s declares no fields", def.Name),
			Pos:     v.Pos(),
		}
	}

	iter, err := fieldsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		field, err := compileField(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		def.Fields = append(def.Fields, field)
	}

	if len(def.Fields) == 0 {
		return nil, &CompileError{
			Field:   "fields",
			Message: fmt.Sprintf("schema %s declares no fields", def.Name),
			Pos:     v.Pos(),
		}
	}
	return def, nil
}

func compileField(name string, v cue.Value) (ir.FieldDef, error) {
	field := ir.FieldDef{Name: name, Shape: ir.RefSingle}

	if shapeVal := v.LookupPath(cue.ParsePath("shape")); shapeVal.Exists() {
		s, err := shapeVal.String()
		if err != nil {
			return field, formatCUEError(err)
		}
		field.Shape = ir.RefKind(s)
		if !field.Shape.Valid() {
			return field, &CompileError{
				Field:   "shape",
				Message: fmt.Sprintf("field %s: shape %q must be single, range or collection", name, s),
				Pos:     shapeVal.Pos(),
			}
		}
	}

	tVal := v.LookupPath(cue.ParsePath("transform"))
	if !tVal.Exists() {
		return field, nil
	}

	ft := &ir.FieldTransform{}
	inputsVal := tVal.LookupPath(cue.ParsePath("inputs"))
	if !inputsVal.Exists() {
		return field, &CompileError{
			Field:   "transform.inputs",
			Message: fmt.Sprintf("field %s: transform inputs are required", name),
			Pos:     tVal.Pos(),
		}
	}
	list, err := inputsVal.List()
	if err != nil {
		return field, formatCUEError(err)
	}
	for list.Next() {
		in, err := list.Value().String()
		if err != nil {
			return field, formatCUEError(err)
		}
		ft.Inputs = append(ft.Inputs, in)
	}

	logicVal := tVal.LookupPath(cue.ParsePath("logic"))
	if !logicVal.Exists() {
		return field, &CompileError{
			Field:   "transform.logic",
			Message: fmt.Sprintf("field %s: transform logic is required", name),
			Pos:     tVal.Pos(),
		}
	}
	if ft.Logic, err = logicVal.String(); err != nil {
		return field, formatCUEError(err)
	}

	field.Transform = ft
	return field, nil
}

// Transforms derives the transforms attached to schema fields. Each gets
// the id "Schema.field" and writes to that field.
func Transforms(defs []ir.SchemaDef) []ir.Transform {
	var out []ir.Transform
	for _, def := range defs {
		for _, f := range def.Fields {
			if f.Transform == nil {
				continue
			}
			key := ir.FieldKey{Schema: def.Name, Field: f.Name}.String()
			out = append(out, ir.Transform{
				ID:     key,
				Inputs: append([]string(nil), f.Transform.Inputs...),
				Output: key,
				Logic:  f.Transform.Logic,
			})
		}
	}
	return out
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError keeps the first CUE error and its position.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
