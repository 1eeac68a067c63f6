package schema

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/strata/internal/ir"
)

func validateSchema(def ir.SchemaDef) error {
	if def.Name == "" || strings.Contains(def.Name, ".") {
		return fmt.Errorf("invalid schema name %q", def.Name)
	}
	if len(def.Fields) == 0 {
		return errors.New("schema has no fields")
	}

	seen := make(map[string]bool, len(def.Fields))
	for _, f := range def.Fields {
		if f.Name == "" || strings.Contains(f.Name, ".") {
			return fmt.Errorf("invalid field name %q", f.Name)
		}
		if seen[f.Name] {
			return fmt.Errorf("duplicate field %q", f.Name)
		}
		seen[f.Name] = true

		if !f.Shape.Valid() {
			return fmt.Errorf("field %q: unknown shape %q", f.Name, f.Shape)
		}
		if f.Transform == nil {
			continue
		}
		if f.Shape != ir.RefSingle {
			return fmt.Errorf("field %q: transform output must be a single field, not %s", f.Name, f.Shape)
		}
		if len(f.Transform.Inputs) == 0 {
			return fmt.Errorf("field %q: transform declares no inputs", f.Name)
		}
		if strings.TrimSpace(f.Transform.Logic) == "" {
			return fmt.Errorf("field %q: transform logic is empty", f.Name)
		}
		for _, in := range f.Transform.Inputs {
			if _, err := ir.ParseFieldKey(in); err != nil {
				return fmt.Errorf("field %q: %w", f.Name, err)
			}
		}
	}
	return nil
}
