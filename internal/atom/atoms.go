package atom

import (
	"context"
	"encoding/json"
	"iter"

	"github.com/roach88/strata/internal/eventbus"
	"github.com/roach88/strata/internal/fault"
	"github.com/roach88/strata/internal/ir"
	"github.com/roach88/strata/internal/metrics"
	"github.com/roach88/strata/internal/storage"
)

// CreateAtom writes a new immutable atom. prevUUID, when set, must name an
// existing atom; status defaults to active. No existing atom is modified.
func (s *Store) CreateAtom(ctx context.Context, schemaName, writer, prevUUID string, content ir.IRValue, status ir.AtomStatus) (ir.Atom, error) {
	const op = "atom.CreateAtom"

	if status == "" {
		status = ir.StatusActive
	}
	if !status.Valid() {
		return ir.Atom{}, fault.InvalidDataf(op, "unknown status %q", status)
	}
	if content == nil {
		content = ir.IRNull{}
	}
	if prevUUID != "" {
		if _, err := s.loadAtom(ctx, op, prevUUID); err != nil {
			return ir.Atom{}, err
		}
	}

	a := ir.Atom{
		UUID:             s.ids.Generate(),
		SourceSchemaName: schemaName,
		SourcePubKey:     writer,
		CreatedAt:        s.clock.Now(),
		PrevAtomUUID:     prevUUID,
		Status:           status,
		Content:          content,
	}

	data, err := json.Marshal(a)
	if err != nil {
		return ir.Atom{}, fault.Wrap(fault.InvalidData, op, err, "encode atom")
	}
	if err := s.kv.Put(ctx, storage.TreeAtoms, a.UUID, data); err != nil {
		return ir.Atom{}, fault.Wrap(fault.InvalidData, op, err, "write atom %s", a.UUID)
	}
	s.atoms.SetDefault(a.UUID, a)

	metrics.AtomsCreated.Inc()
	s.publish(eventbus.Event{
		Type: eventbus.EventAtomCreated,
		Atom: &eventbus.AtomCreated{AtomUUID: a.UUID, Schema: schemaName, Status: status},
	})
	return a, nil
}

// GetAtom reads an atom by id.
func (s *Store) GetAtom(ctx context.Context, id string) (ir.Atom, error) {
	return s.loadAtom(ctx, "atom.GetAtom", id)
}

// Lineage walks prev links starting at head and ending at the root. The
// sequence is restartable; each iteration reads from the store again. A
// missing link yields a NotFound error as the final element.
func (s *Store) Lineage(ctx context.Context, head string) iter.Seq2[ir.Atom, error] {
	return func(yield func(ir.Atom, error) bool) {
		seen := make(map[string]bool)
		for id := head; id != ""; {
			if seen[id] {
				yield(ir.Atom{}, fault.InvalidDataf("atom.Lineage", "lineage loops at atom %s", id))
				return
			}
			seen[id] = true

			a, err := s.loadAtom(ctx, "atom.Lineage", id)
			if err != nil {
				if fault.IsNotFound(err) {
					err = fault.NotFoundf("atom.Lineage", "broken lineage: atom %s missing (head %s)", id, head)
				}
				yield(ir.Atom{}, err)
				return
			}
			if !yield(a, nil) {
				return
			}
			id = a.PrevAtomUUID
		}
	}
}

// History returns the lineage of a single reference, newest first. A
// reference that was never written has an empty history.
func (s *Store) History(ctx context.Context, refID string) ([]ir.Atom, error) {
	ref, err := s.singleRef(ctx, "atom.History", refID)
	if err != nil {
		return nil, err
	}
	return collect(s.Lineage(ctx, ref.AtomUUID))
}

// HistoryRange returns the lineage of one key of a range reference.
func (s *Store) HistoryRange(ctx context.Context, refID, key string) ([]ir.Atom, error) {
	ref, err := s.rangeRef(ctx, "atom.HistoryRange", refID)
	if err != nil {
		return nil, err
	}
	head, ok := ref.Get(key)
	if !ok {
		return nil, fault.NotFoundf("atom.HistoryRange", "ref %s has no key %q", refID, key)
	}
	return collect(s.Lineage(ctx, head))
}

func collect(seq iter.Seq2[ir.Atom, error]) ([]ir.Atom, error) {
	var out []ir.Atom
	for a, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
