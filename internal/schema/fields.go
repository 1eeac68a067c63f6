package schema

import (
	"context"
	"fmt"
	"strconv"

	"github.com/roach88/strata/internal/atom"
	"github.com/roach88/strata/internal/eventbus"
	"github.com/roach88/strata/internal/fault"
	"github.com/roach88/strata/internal/ir"
)

// Fields is the field-level read/write path over a Registry and a Store.
type Fields struct {
	schemas *Registry
	atoms   *atom.Store
	bus     *eventbus.Bus
}

// NewFields creates the write path. bus may be nil.
func NewFields(schemas *Registry, atoms *atom.Store, bus *eventbus.Bus) *Fields {
	return &Fields{schemas: schemas, atoms: atoms, bus: bus}
}

// Registry returns the underlying schema registry.
func (f *Fields) Registry() *Registry {
	return f.schemas
}

func (f *Fields) shaped(op, schema, field string, want ir.RefKind) error {
	def, err := f.schemas.Field(schema, field)
	if err != nil {
		return err
	}
	if def.Shape != want {
		return fault.InvalidFieldf(op, "%s.%s is %s, not %s", schema, field, def.Shape, want)
	}
	return nil
}

func (f *Fields) changed(schema, field, key, refID string, a ir.Atom) error {
	fp, err := ir.ChangeFingerprint(schema, field, key, a.Content)
	if err != nil {
		return fault.Wrap(fault.InvalidData, "schema.fingerprint", err, "%s.%s", schema, field)
	}
	if f.bus != nil {
		f.bus.Publish(eventbus.Event{
			Type: eventbus.EventFieldChanged,
			Field: &eventbus.FieldChanged{
				Schema:      schema,
				Field:       field,
				Key:         key,
				RefUUID:     refID,
				AtomUUID:    a.UUID,
				Fingerprint: fp,
			},
		})
	}
	return nil
}

// headOf returns the current head of a single reference, or "" if unset.
func (f *Fields) headOf(ctx context.Context, refID string) (string, error) {
	latest, err := f.atoms.GetLatest(ctx, refID)
	if fault.IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return latest.UUID, nil
}

// Write stores content as the new head of a single field.
func (f *Fields) Write(ctx context.Context, schema, field, writer string, content ir.IRValue) (ir.Atom, error) {
	const op = "schema.Write"

	if err := f.shaped(op, schema, field, ir.RefSingle); err != nil {
		return ir.Atom{}, err
	}
	refID, err := f.schemas.ResolveOrCreate(ctx, schema, field)
	if err != nil {
		return ir.Atom{}, err
	}
	return f.writeSingle(ctx, schema, field, writer, refID, content, ir.StatusActive)
}

func (f *Fields) writeSingle(ctx context.Context, schema, field, writer, refID string, content ir.IRValue, status ir.AtomStatus) (ir.Atom, error) {
	prev, err := f.headOf(ctx, refID)
	if err != nil {
		return ir.Atom{}, err
	}
	a, err := f.atoms.CreateAtom(ctx, schema, writer, prev, content, status)
	if err != nil {
		return ir.Atom{}, err
	}
	if _, err := f.atoms.UpdateRef(ctx, refID, a.UUID, writer); err != nil {
		return ir.Atom{}, err
	}
	return a, f.changed(schema, field, "", refID, a)
}

// WriteRange stores content under key of a range field.
func (f *Fields) WriteRange(ctx context.Context, schema, field, key, writer string, content ir.IRValue) (ir.Atom, error) {
	const op = "schema.WriteRange"

	if err := f.shaped(op, schema, field, ir.RefRange); err != nil {
		return ir.Atom{}, err
	}
	if key == "" {
		return ir.Atom{}, fault.InvalidFieldf(op, "range key must not be empty")
	}
	refID, err := f.schemas.ResolveOrCreate(ctx, schema, field)
	if err != nil {
		return ir.Atom{}, err
	}
	return f.writeRange(ctx, schema, field, key, writer, refID, content, ir.StatusActive)
}

func (f *Fields) writeRange(ctx context.Context, schema, field, key, writer, refID string, content ir.IRValue, status ir.AtomStatus) (ir.Atom, error) {
	prev := ""
	latest, err := f.atoms.GetLatestRange(ctx, refID, key)
	switch {
	case err == nil:
		prev = latest.UUID
	case !fault.IsNotFound(err):
		return ir.Atom{}, err
	}

	a, err := f.atoms.CreateAtom(ctx, schema, writer, prev, content, status)
	if err != nil {
		return ir.Atom{}, err
	}
	if _, err := f.atoms.UpdateRefRange(ctx, refID, key, a.UUID, writer); err != nil {
		return ir.Atom{}, err
	}
	return a, f.changed(schema, field, key, refID, a)
}

// Append adds content at the end of a collection field.
func (f *Fields) Append(ctx context.Context, schema, field, writer string, content ir.IRValue) (ir.Atom, error) {
	const op = "schema.Append"

	if err := f.shaped(op, schema, field, ir.RefCollection); err != nil {
		return ir.Atom{}, err
	}
	refID, err := f.schemas.ResolveOrCreate(ctx, schema, field)
	if err != nil {
		return ir.Atom{}, err
	}

	a, err := f.atoms.CreateAtom(ctx, schema, writer, "", content, ir.StatusActive)
	if err != nil {
		return ir.Atom{}, err
	}
	coll, err := f.atoms.AppendCollection(ctx, refID, a.UUID, writer)
	if err != nil {
		return ir.Atom{}, err
	}
	return a, f.changed(schema, field, collectionKey(coll.Len()-1), refID, a)
}

// Delete tombstones a field. Single fields get a deleted-status head; for
// range fields key names the entry; for collection fields key is the
// decimal index to remove. Delete never creates a reference.
func (f *Fields) Delete(ctx context.Context, schema, field, key, writer string) (ir.Atom, error) {
	const op = "schema.Delete"

	def, err := f.schemas.Field(schema, field)
	if err != nil {
		return ir.Atom{}, err
	}
	refID, err := f.schemas.ExistingRef(ctx, schema, field)
	if err != nil {
		return ir.Atom{}, err
	}

	switch def.Shape {
	case ir.RefSingle:
		if _, err := f.atoms.GetLatest(ctx, refID); err != nil {
			return ir.Atom{}, err
		}
		return f.writeSingle(ctx, schema, field, writer, refID, ir.IRNull{}, ir.StatusDeleted)

	case ir.RefRange:
		if _, err := f.atoms.GetLatestRange(ctx, refID, key); err != nil {
			return ir.Atom{}, err
		}
		return f.writeRange(ctx, schema, field, key, writer, refID, ir.IRNull{}, ir.StatusDeleted)

	case ir.RefCollection:
		index, err := strconv.Atoi(key)
		if err != nil {
			return ir.Atom{}, fault.InvalidFieldf(op, "collection key %q is not an index", key)
		}
		ref, err := f.atoms.GetRef(ctx, refID)
		if err != nil {
			return ir.Atom{}, err
		}
		prev, ok := ref.(*ir.AtomRefCollection).Get(index)
		if !ok {
			return ir.Atom{}, fault.InvalidFieldf(op, "collection index %d out of range", index)
		}
		tomb, err := f.atoms.CreateAtom(ctx, schema, writer, prev, ir.IRNull{}, ir.StatusDeleted)
		if err != nil {
			return ir.Atom{}, err
		}
		if _, err := f.atoms.RemoveCollection(ctx, refID, index, tomb.UUID, writer); err != nil {
			return ir.Atom{}, err
		}
		return tomb, f.changed(schema, field, collectionKey(index), refID, tomb)
	}
	return ir.Atom{}, fault.InvalidFieldf(op, "unknown shape %q", def.Shape)
}

func collectionKey(index int) string {
	return fmt.Sprintf("[%d]", index)
}

// Read returns the head atom of a single field. Tombstones are returned as
// is; callers inspect Status.
func (f *Fields) Read(ctx context.Context, schema, field string) (ir.Atom, error) {
	const op = "schema.Read"

	if err := f.shaped(op, schema, field, ir.RefSingle); err != nil {
		return ir.Atom{}, err
	}
	refID, err := f.schemas.ExistingRef(ctx, schema, field)
	if err != nil {
		return ir.Atom{}, err
	}
	return f.atoms.GetLatest(ctx, refID)
}

// ReadRange returns the atom under key of a range field.
func (f *Fields) ReadRange(ctx context.Context, schema, field, key string) (ir.Atom, error) {
	const op = "schema.ReadRange"

	if err := f.shaped(op, schema, field, ir.RefRange); err != nil {
		return ir.Atom{}, err
	}
	refID, err := f.schemas.ExistingRef(ctx, schema, field)
	if err != nil {
		return ir.Atom{}, err
	}
	return f.atoms.GetLatestRange(ctx, refID, key)
}

// RangeKeys lists the keys of a range field in order.
func (f *Fields) RangeKeys(ctx context.Context, schema, field string) ([]string, error) {
	const op = "schema.RangeKeys"

	if err := f.shaped(op, schema, field, ir.RefRange); err != nil {
		return nil, err
	}
	refID, err := f.schemas.ExistingRef(ctx, schema, field)
	if err != nil {
		return nil, err
	}
	return f.atoms.RangeKeys(ctx, refID)
}

// ReadCollection returns the atoms of a collection field in order.
func (f *Fields) ReadCollection(ctx context.Context, schema, field string) ([]ir.Atom, error) {
	const op = "schema.ReadCollection"

	if err := f.shaped(op, schema, field, ir.RefCollection); err != nil {
		return nil, err
	}
	refID, err := f.schemas.ExistingRef(ctx, schema, field)
	if err != nil {
		return nil, err
	}
	return f.atoms.GetCollection(ctx, refID)
}

// History returns the lineage of a single field, or of one key of a range
// field, newest first.
func (f *Fields) History(ctx context.Context, schema, field, key string) ([]ir.Atom, error) {
	const op = "schema.History"

	def, err := f.schemas.Field(schema, field)
	if err != nil {
		return nil, err
	}
	refID, err := f.schemas.ExistingRef(ctx, schema, field)
	if err != nil {
		return nil, err
	}
	switch def.Shape {
	case ir.RefSingle:
		return f.atoms.History(ctx, refID)
	case ir.RefRange:
		return f.atoms.HistoryRange(ctx, refID, key)
	default:
		return nil, fault.InvalidFieldf(op, "%s.%s is a collection; history is per element", schema, field)
	}
}

// Value returns the current value of any field shape as an IR value:
// single fields yield their content, range fields an object keyed by range
// key, collection fields an array. Deleted entries are skipped; a field
// with no live value is NotFound.
func (f *Fields) Value(ctx context.Context, schema, field string) (ir.IRValue, error) {
	const op = "schema.Value"

	def, err := f.schemas.Field(schema, field)
	if err != nil {
		return nil, err
	}
	refID, err := f.schemas.ExistingRef(ctx, schema, field)
	if err != nil {
		return nil, err
	}

	switch def.Shape {
	case ir.RefSingle:
		a, err := f.atoms.GetLatest(ctx, refID)
		if err != nil {
			return nil, err
		}
		if a.Status == ir.StatusDeleted {
			return nil, fault.NotFoundf(op, "%s.%s is deleted", schema, field)
		}
		return a.Content, nil

	case ir.RefRange:
		keys, err := f.atoms.RangeKeys(ctx, refID)
		if err != nil {
			return nil, err
		}
		obj := make(ir.IRObject, len(keys))
		for _, k := range keys {
			a, err := f.atoms.GetLatestRange(ctx, refID, k)
			if err != nil {
				return nil, err
			}
			if a.Status == ir.StatusActive {
				obj[k] = a.Content
			}
		}
		if len(obj) == 0 {
			return nil, fault.NotFoundf(op, "%s.%s has no entries", schema, field)
		}
		return obj, nil

	default:
		atoms, err := f.atoms.GetCollection(ctx, refID)
		if err != nil {
			return nil, err
		}
		arr := make(ir.IRArray, 0, len(atoms))
		for _, a := range atoms {
			arr = append(arr, a.Content)
		}
		return arr, nil
	}
}
