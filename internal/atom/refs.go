package atom

import (
	"context"

	"github.com/roach88/strata/internal/eventbus"
	"github.com/roach88/strata/internal/fault"
	"github.com/roach88/strata/internal/ir"
	"github.com/roach88/strata/internal/metrics"
)

// CreateRef mints and persists an empty reference of the given kind.
func (s *Store) CreateRef(ctx context.Context, kind ir.RefKind) (ir.Ref, error) {
	const op = "atom.CreateRef"

	id := s.ids.Generate()
	now := s.clock.Now()

	var ref ir.Ref
	switch kind {
	case ir.RefSingle:
		ref = ir.NewAtomRef(id, now)
	case ir.RefRange:
		ref = ir.NewAtomRefRange(id, now)
	case ir.RefCollection:
		ref = ir.NewAtomRefCollection(id, now)
	default:
		return nil, fault.InvalidFieldf(op, "unknown ref kind %q", kind)
	}

	if err := s.saveRef(ctx, op, ref); err != nil {
		return nil, err
	}
	return ir.CloneRef(ref), nil
}

// HasRef reports whether a reference with id exists.
func (s *Store) HasRef(ctx context.Context, id string) (bool, error) {
	_, err := s.loadRef(ctx, "atom.HasRef", id)
	if fault.IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

// GetRef returns a copy of the reference.
func (s *Store) GetRef(ctx context.Context, id string) (ir.Ref, error) {
	ref, err := s.loadRef(ctx, "atom.GetRef", id)
	if err != nil {
		return nil, err
	}
	return ir.CloneRef(ref), nil
}

func (s *Store) singleRef(ctx context.Context, op, id string) (*ir.AtomRef, error) {
	ref, err := s.loadRef(ctx, op, id)
	if err != nil {
		return nil, err
	}
	single, ok := ref.(*ir.AtomRef)
	if !ok {
		return nil, fault.InvalidFieldf(op, "ref %s is %s, not single", id, ref.Kind())
	}
	return single, nil
}

func (s *Store) rangeRef(ctx context.Context, op, id string) (*ir.AtomRefRange, error) {
	ref, err := s.loadRef(ctx, op, id)
	if err != nil {
		return nil, err
	}
	rng, ok := ref.(*ir.AtomRefRange)
	if !ok {
		return nil, fault.InvalidFieldf(op, "ref %s is %s, not range", id, ref.Kind())
	}
	return rng, nil
}

func (s *Store) collectionRef(ctx context.Context, op, id string) (*ir.AtomRefCollection, error) {
	ref, err := s.loadRef(ctx, op, id)
	if err != nil {
		return nil, err
	}
	coll, ok := ref.(*ir.AtomRefCollection)
	if !ok {
		return nil, fault.InvalidFieldf(op, "ref %s is %s, not collection", id, ref.Kind())
	}
	return coll, nil
}

// UpdateRef points a single reference at atomUUID. An absent reference is
// bootstrapped with refID. The atom must exist.
func (s *Store) UpdateRef(ctx context.Context, refID, atomUUID, writer string) (*ir.AtomRef, error) {
	const op = "atom.UpdateRef"

	target, err := s.loadAtom(ctx, op, atomUUID)
	if err != nil {
		return nil, err
	}

	unlock := s.refLocks.Lock(refID)
	defer unlock()

	var ref *ir.AtomRef
	existing, err := s.singleRef(ctx, op, refID)
	switch {
	case err == nil:
		ref = ir.CloneRef(existing).(*ir.AtomRef)
	case fault.IsNotFound(err):
		ref = ir.NewAtomRef(refID, s.clock.Now())
	default:
		return nil, err
	}

	ref.Set(atomUUID, writer, target.Status, s.clock.Now())
	if err := s.saveRef(ctx, op, ref); err != nil {
		return nil, err
	}

	s.refUpdated(ir.RefSingle, refID, atomUUID, "")
	return ir.CloneRef(ref).(*ir.AtomRef), nil
}

// UpdateRefRange points one key of a range reference at atomUUID. An
// absent reference is bootstrapped with refID.
func (s *Store) UpdateRefRange(ctx context.Context, refID, key, atomUUID, writer string) (*ir.AtomRefRange, error) {
	const op = "atom.UpdateRefRange"

	if key == "" {
		return nil, fault.InvalidFieldf(op, "range key must not be empty")
	}
	target, err := s.loadAtom(ctx, op, atomUUID)
	if err != nil {
		return nil, err
	}

	unlock := s.refLocks.Lock(refID)
	defer unlock()

	var ref *ir.AtomRefRange
	existing, err := s.rangeRef(ctx, op, refID)
	switch {
	case err == nil:
		ref = ir.CloneRef(existing).(*ir.AtomRefRange)
	case fault.IsNotFound(err):
		ref = ir.NewAtomRefRange(refID, s.clock.Now())
	default:
		return nil, err
	}

	ref.Set(key, atomUUID, writer, target.Status, s.clock.Now())
	if err := s.saveRef(ctx, op, ref); err != nil {
		return nil, err
	}

	s.refUpdated(ir.RefRange, refID, atomUUID, key)
	return ir.CloneRef(ref).(*ir.AtomRefRange), nil
}

// RemoveRangeKey drops key from a range reference. The atoms it pointed at
// stay in the store. Returns false if the key was absent.
func (s *Store) RemoveRangeKey(ctx context.Context, refID, key, writer string) (bool, error) {
	const op = "atom.RemoveRangeKey"

	unlock := s.refLocks.Lock(refID)
	defer unlock()

	existing, err := s.rangeRef(ctx, op, refID)
	if err != nil {
		return false, err
	}
	ref := ir.CloneRef(existing).(*ir.AtomRefRange)
	if !ref.Remove(key, writer, s.clock.Now()) {
		return false, nil
	}
	if err := s.saveRef(ctx, op, ref); err != nil {
		return false, err
	}

	s.refUpdated(ir.RefRange, refID, "", key)
	return true, nil
}

func (s *Store) refUpdated(kind ir.RefKind, refID, atomUUID, key string) {
	metrics.RefUpdates.WithLabelValues(string(kind)).Inc()
	s.publish(eventbus.Event{
		Type: eventbus.EventRefUpdated,
		Ref:  &eventbus.RefUpdated{RefUUID: refID, Kind: kind, AtomUUID: atomUUID, Key: key},
	})
}

// GetLatest returns the head atom of a single reference.
func (s *Store) GetLatest(ctx context.Context, refID string) (ir.Atom, error) {
	const op = "atom.GetLatest"

	ref, err := s.singleRef(ctx, op, refID)
	if err != nil {
		return ir.Atom{}, err
	}
	if ref.AtomUUID == "" {
		return ir.Atom{}, fault.NotFoundf(op, "ref %s has no head", refID)
	}
	return s.loadAtom(ctx, op, ref.AtomUUID)
}

// GetLatestRange returns the atom stored under key.
func (s *Store) GetLatestRange(ctx context.Context, refID, key string) (ir.Atom, error) {
	const op = "atom.GetLatestRange"

	ref, err := s.rangeRef(ctx, op, refID)
	if err != nil {
		return ir.Atom{}, err
	}
	head, ok := ref.Get(key)
	if !ok {
		return ir.Atom{}, fault.NotFoundf(op, "ref %s has no key %q", refID, key)
	}
	return s.loadAtom(ctx, op, head)
}

// RangeKeys returns the keys of a range reference in ascending order.
func (s *Store) RangeKeys(ctx context.Context, refID string) ([]string, error) {
	ref, err := s.rangeRef(ctx, "atom.RangeKeys", refID)
	if err != nil {
		return nil, err
	}
	return ref.Keys(), nil
}
