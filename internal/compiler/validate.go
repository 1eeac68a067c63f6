package compiler

import (
	"fmt"
	"strings"

	"github.com/roach88/strata/internal/expr"
	"github.com/roach88/strata/internal/ir"
)

// Validation error codes (E100-E199)
const (
	// Schema errors (E101-E109)
	ErrInvalidSchemaName = "E101" // empty or dotted schema name
	ErrSchemaNoFields    = "E102" // at least one field required
	ErrInvalidFieldName  = "E103" // empty or dotted field name
	ErrInvalidShape      = "E104" // shape not single/range/collection
	ErrDuplicateName     = "E105" // duplicate schema or field name

	// Transform errors (E110-E119)
	ErrInvalidInputRef  = "E110" // input is not "Schema.field"
	ErrUnknownInput     = "E111" // input names an undeclared field
	ErrTransformOutput  = "E112" // transform attached to a non-single field
	ErrEmptyLogic       = "E113" // logic body is empty
	ErrInvalidLogic     = "E114" // evaluator rejected the logic
	ErrTransformNoInput = "E115" // transform declares no inputs
)

// ValidationError represents a schema validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate checks a set of schemas together, including that every
// transform input names a declared field. It returns all errors found.
// eval, when non-nil, statically checks each transform's logic.
func Validate(defs []ir.SchemaDef, eval expr.Evaluator) []ValidationError {
	var errs []ValidationError

	declared := make(map[string]bool)
	schemaNames := make(map[string]bool, len(defs))
	for i, def := range defs {
		if schemaNames[def.Name] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("schemas[%d].name", i),
				Message: fmt.Sprintf("duplicate schema name: %q", def.Name),
				Code:    ErrDuplicateName,
			})
		}
		schemaNames[def.Name] = true
		for _, f := range def.Fields {
			declared[def.Name+"."+f.Name] = true
		}
	}

	for _, def := range defs {
		errs = append(errs, validateSchema(def, declared, eval)...)
	}
	return errs
}

func validateSchema(def ir.SchemaDef, declared map[string]bool, eval expr.Evaluator) []ValidationError {
	var errs []ValidationError

	if def.Name == "" || strings.Contains(def.Name, ".") {
		errs = append(errs, ValidationError{
			Field:   "schema",
			Message: fmt.Sprintf("invalid schema name %q", def.Name),
			Code:    ErrInvalidSchemaName,
		})
	}
	if len(def.Fields) == 0 {
		errs = append(errs, ValidationError{
			Field:   def.Name,
			Message: "at least one field is required",
			Code:    ErrSchemaNoFields,
		})
	}

	fieldNames := make(map[string]bool, len(def.Fields))
	for _, f := range def.Fields {
		path := def.Name + "." + f.Name

		if f.Name == "" || strings.Contains(f.Name, ".") {
			errs = append(errs, ValidationError{
				Field:   path,
				Message: fmt.Sprintf("invalid field name %q", f.Name),
				Code:    ErrInvalidFieldName,
			})
		}
		if fieldNames[f.Name] {
			errs = append(errs, ValidationError{
				Field:   path,
				Message: fmt.Sprintf("duplicate field name: %q", f.Name),
				Code:    ErrDuplicateName,
			})
		}
		fieldNames[f.Name] = true

		if !f.Shape.Valid() {
			errs = append(errs, ValidationError{
				Field:   path + ".shape",
				Message: fmt.Sprintf("shape %q must be single, range or collection", f.Shape),
				Code:    ErrInvalidShape,
			})
		}

		if f.Transform != nil {
			errs = append(errs, validateTransform(path, f, declared, eval)...)
		}
	}
	return errs
}

func validateTransform(path string, f ir.FieldDef, declared map[string]bool, eval expr.Evaluator) []ValidationError {
	var errs []ValidationError
	tpath := path + ".transform"

	if f.Shape != ir.RefSingle {
		errs = append(errs, ValidationError{
			Field:   tpath,
			Message: fmt.Sprintf("transform output must be a single field, not %s", f.Shape),
			Code:    ErrTransformOutput,
		})
	}
	if len(f.Transform.Inputs) == 0 {
		errs = append(errs, ValidationError{
			Field:   tpath + ".inputs",
			Message: "at least one input is required",
			Code:    ErrTransformNoInput,
		})
	}

	inputsOK := true
	for i, in := range f.Transform.Inputs {
		field := fmt.Sprintf("%s.inputs[%d]", tpath, i)
		if _, err := ir.ParseFieldKey(in); err != nil {
			inputsOK = false
			errs = append(errs, ValidationError{Field: field, Message: err.Error(), Code: ErrInvalidInputRef})
			continue
		}
		if !declared[in] {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("input %s is not a declared field", in),
				Code:    ErrUnknownInput,
			})
		}
	}

	if strings.TrimSpace(f.Transform.Logic) == "" {
		errs = append(errs, ValidationError{
			Field:   tpath + ".logic",
			Message: "logic is required and must be non-empty",
			Code:    ErrEmptyLogic,
		})
		return errs
	}
	if eval != nil && inputsOK {
		if err := eval.Check(f.Transform.Logic, f.Transform.Inputs); err != nil {
			errs = append(errs, ValidationError{
				Field:   tpath + ".logic",
				Message: err.Error(),
				Code:    ErrInvalidLogic,
			})
		}
	}
	return errs
}
