package atom

import (
	"context"

	"github.com/roach88/strata/internal/fault"
	"github.com/roach88/strata/internal/ir"
)

// mutateCollection runs fn on a private copy of the collection under the
// reference lock and persists the result.
func (s *Store) mutateCollection(ctx context.Context, op, refID string, fn func(*ir.AtomRefCollection) error) (*ir.AtomRefCollection, error) {
	unlock := s.refLocks.Lock(refID)
	defer unlock()

	var ref *ir.AtomRefCollection
	existing, err := s.collectionRef(ctx, op, refID)
	switch {
	case err == nil:
		ref = ir.CloneRef(existing).(*ir.AtomRefCollection)
	case fault.IsNotFound(err):
		ref = ir.NewAtomRefCollection(refID, s.clock.Now())
	default:
		return nil, err
	}

	if err := fn(ref); err != nil {
		return nil, fault.Wrap(fault.InvalidField, op, err, "ref %s", refID)
	}
	if err := s.saveRef(ctx, op, ref); err != nil {
		return nil, err
	}
	return ir.CloneRef(ref).(*ir.AtomRefCollection), nil
}

// AppendCollection adds atomUUID at the end of the collection.
func (s *Store) AppendCollection(ctx context.Context, refID, atomUUID, writer string) (*ir.AtomRefCollection, error) {
	return s.InsertCollection(ctx, refID, -1, atomUUID, writer)
}

// InsertCollection places atomUUID at index. A negative index appends.
func (s *Store) InsertCollection(ctx context.Context, refID string, index int, atomUUID, writer string) (*ir.AtomRefCollection, error) {
	const op = "atom.InsertCollection"

	if _, err := s.loadAtom(ctx, op, atomUUID); err != nil {
		return nil, err
	}
	ref, err := s.mutateCollection(ctx, op, refID, func(c *ir.AtomRefCollection) error {
		at := index
		if at < 0 {
			at = c.Len()
		}
		return c.Insert(at, atomUUID, writer, s.clock.Now())
	})
	if err != nil {
		return nil, err
	}
	s.refUpdated(ir.RefCollection, refID, atomUUID, "")
	return ref, nil
}

// ReplaceCollection swaps the atom at index and returns the previous UUID.
func (s *Store) ReplaceCollection(ctx context.Context, refID string, index int, atomUUID, writer string) (string, error) {
	const op = "atom.ReplaceCollection"

	if _, err := s.loadAtom(ctx, op, atomUUID); err != nil {
		return "", err
	}
	var old string
	_, err := s.mutateCollection(ctx, op, refID, func(c *ir.AtomRefCollection) error {
		var err error
		old, err = c.Replace(index, atomUUID, writer, s.clock.Now())
		return err
	})
	if err != nil {
		return "", err
	}
	s.refUpdated(ir.RefCollection, refID, atomUUID, "")
	return old, nil
}

// RemoveCollection deletes the element at index. tombstoneUUID names the
// deleted-status atom recorded in the reference history.
func (s *Store) RemoveCollection(ctx context.Context, refID string, index int, tombstoneUUID, writer string) (string, error) {
	const op = "atom.RemoveCollection"

	if _, err := s.loadAtom(ctx, op, tombstoneUUID); err != nil {
		return "", err
	}
	var removed string
	_, err := s.mutateCollection(ctx, op, refID, func(c *ir.AtomRefCollection) error {
		var err error
		removed, err = c.Remove(index, tombstoneUUID, writer, s.clock.Now())
		return err
	})
	if err != nil {
		return "", err
	}
	s.refUpdated(ir.RefCollection, refID, tombstoneUUID, "")
	return removed, nil
}

// GetCollection returns the atoms of a collection in order.
func (s *Store) GetCollection(ctx context.Context, refID string) ([]ir.Atom, error) {
	const op = "atom.GetCollection"

	ref, err := s.collectionRef(ctx, op, refID)
	if err != nil {
		return nil, err
	}
	atoms := make([]ir.Atom, 0, ref.Len())
	for _, id := range ref.Heads() {
		a, err := s.loadAtom(ctx, op, id)
		if err != nil {
			return nil, err
		}
		atoms = append(atoms, a)
	}
	return atoms, nil
}
