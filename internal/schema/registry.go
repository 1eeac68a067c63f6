package schema

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/roach88/strata/internal/atom"
	"github.com/roach88/strata/internal/fault"
	"github.com/roach88/strata/internal/ir"
	"github.com/roach88/strata/internal/storage"
)

// Registry owns schema definitions and their field bindings. All binding
// reads and writes go through its single mutex.
type Registry struct {
	mu      sync.Mutex
	kv      storage.KV
	atoms   *atom.Store
	schemas map[string]*ir.SchemaDef
}

// NewRegistry creates an empty registry. Call Load to restore persisted
// schemas.
func NewRegistry(kv storage.KV, atoms *atom.Store) *Registry {
	return &Registry{
		kv:      kv,
		atoms:   atoms,
		schemas: make(map[string]*ir.SchemaDef),
	}
}

// Load restores persisted schemas and clears ghost bindings. It returns the
// number of bindings cleared.
func (r *Registry) Load(ctx context.Context) (int, error) {
	const op = "schema.Load"

	entries, err := r.kv.Scan(ctx, storage.TreeSchemas, "")
	if err != nil {
		return 0, fault.Wrap(fault.InvalidData, op, err, "scan schemas")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	repaired := 0
	for _, e := range entries {
		var def ir.SchemaDef
		if err := json.Unmarshal(e.Value, &def); err != nil {
			return repaired, fault.Wrap(fault.InvalidData, op, err, "decode schema %s", e.Key)
		}

		dirty := false
		for i := range def.Fields {
			f := &def.Fields[i]
			if f.RefAtomUUID == "" {
				continue
			}
			ok, err := r.atoms.HasRef(ctx, f.RefAtomUUID)
			if err != nil {
				return repaired, err
			}
			if !ok {
				slog.Warn("clearing ghost field binding",
					"schema", def.Name,
					"field", f.Name,
					"ref", f.RefAtomUUID)
				f.RefAtomUUID = ""
				dirty = true
				repaired++
			}
		}
		if dirty {
			if err := r.persistLocked(ctx, &def); err != nil {
				return repaired, err
			}
		}
		r.schemas[def.Name] = &def
	}

	slog.Debug("schemas loaded", "count", len(entries), "ghosts_cleared", repaired)
	return repaired, nil
}

// AddSchema validates and stores def, replacing any schema with the same
// name. Bindings of fields that keep their name and shape carry over.
func (r *Registry) AddSchema(ctx context.Context, def ir.SchemaDef) error {
	const op = "schema.AddSchema"

	if err := validateSchema(def); err != nil {
		return fault.Wrap(fault.InvalidField, op, err, "schema %q", def.Name)
	}
	next := def.Clone()

	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.schemas[next.Name]
	for i := range next.Fields {
		f := &next.Fields[i]
		f.RefAtomUUID = ""
		if prev == nil {
			continue
		}
		if old, ok := prev.Field(f.Name); ok && old.Shape == f.Shape {
			f.RefAtomUUID = old.RefAtomUUID
		}
	}

	if err := r.persistLocked(ctx, &next); err != nil {
		return err
	}
	r.schemas[next.Name] = &next
	return nil
}

// Schema returns a copy of the named schema.
func (r *Registry) Schema(name string) (ir.SchemaDef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.schemas[name]
	if !ok {
		return ir.SchemaDef{}, fault.NotFoundf("schema.Schema", "schema %q", name)
	}
	return def.Clone(), nil
}

// Schemas returns copies of every schema ordered by name.
func (r *Registry) Schemas() []ir.SchemaDef {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ir.SchemaDef, 0, len(r.schemas))
	for _, def := range r.schemas {
		out = append(out, def.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Field returns a copy of one field definition. An unknown schema is
// NotFound; an unknown field of a known schema is InvalidField.
func (r *Registry) Field(schema, field string) (ir.FieldDef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := r.fieldLocked("schema.Field", schema, field)
	if err != nil {
		return ir.FieldDef{}, err
	}
	return *f, nil
}

func (r *Registry) fieldLocked(op, schema, field string) (*ir.FieldDef, error) {
	def, ok := r.schemas[schema]
	if !ok {
		return nil, fault.NotFoundf(op, "schema %q", schema)
	}
	f, ok := def.Field(field)
	if !ok {
		return nil, fault.InvalidFieldf(op, "schema %q has no field %q", schema, field)
	}
	return f, nil
}

// ResolveOrCreate returns the field's reference id, minting and binding a
// new reference of the field's shape when none exists. This is the only
// code path that sets a field's RefAtomUUID: the reference is persisted
// before the binding, so a crash in between leaves an unused reference and
// never a ghost.
func (r *Registry) ResolveOrCreate(ctx context.Context, schema, field string) (string, error) {
	const op = "schema.ResolveOrCreate"

	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := r.fieldLocked(op, schema, field)
	if err != nil {
		return "", err
	}

	if f.RefAtomUUID != "" {
		ok, err := r.atoms.HasRef(ctx, f.RefAtomUUID)
		if err != nil {
			return "", err
		}
		if ok {
			return f.RefAtomUUID, nil
		}
		slog.Warn("replacing ghost field binding",
			"schema", schema,
			"field", field,
			"ref", f.RefAtomUUID)
	}

	ref, err := r.atoms.CreateRef(ctx, f.Shape)
	if err != nil {
		return "", err
	}

	def := r.schemas[schema]
	next := def.Clone()
	bound, _ := next.Field(field)
	bound.RefAtomUUID = ref.RefUUID()
	if err := r.persistLocked(ctx, &next); err != nil {
		return "", err
	}
	r.schemas[schema] = &next

	slog.Debug("field bound",
		"schema", schema,
		"field", field,
		"ref", ref.RefUUID(),
		"shape", string(f.Shape))
	return ref.RefUUID(), nil
}

// ExistingRef returns the field's reference id without creating one. An
// unbound field or a binding without a backing reference is NotFound.
func (r *Registry) ExistingRef(ctx context.Context, schema, field string) (string, error) {
	const op = "schema.ExistingRef"

	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := r.fieldLocked(op, schema, field)
	if err != nil {
		return "", err
	}
	if f.RefAtomUUID == "" {
		return "", fault.NotFoundf(op, "field %s.%s has no reference", schema, field)
	}
	ok, err := r.atoms.HasRef(ctx, f.RefAtomUUID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fault.NotFoundf(op, "field %s.%s names missing reference %s", schema, field, f.RefAtomUUID)
	}
	return f.RefAtomUUID, nil
}

func (r *Registry) persistLocked(ctx context.Context, def *ir.SchemaDef) error {
	data, err := json.Marshal(def)
	if err != nil {
		return fault.Wrap(fault.InvalidData, "schema.persist", err, "encode schema %s", def.Name)
	}
	if err := r.kv.Put(ctx, storage.TreeSchemas, def.Name, data); err != nil {
		return fault.Wrap(fault.InvalidData, "schema.persist", err, "write schema %s", def.Name)
	}
	return nil
}
