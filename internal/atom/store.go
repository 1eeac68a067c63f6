package atom

import (
	"context"
	"encoding/json"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/roach88/strata/internal/eventbus"
	"github.com/roach88/strata/internal/fault"
	"github.com/roach88/strata/internal/ir"
	"github.com/roach88/strata/internal/storage"
)

// DefaultAtomTTL bounds how long an atom stays cached after its last write.
// Atoms are immutable, so eviction only costs a storage read.
const DefaultAtomTTL = 30 * time.Minute

// Store owns atoms and references.
type Store struct {
	kv    storage.KV
	bus   *eventbus.Bus
	clock Clock
	ids   IDGenerator

	atoms *cache.Cache // uuid -> ir.Atom
	refs  *cache.Cache // uuid -> ir.Ref, never mutated after Set

	refLocks keyedMutex
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock.
func WithClock(c Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithIDGenerator overrides identifier generation.
func WithIDGenerator(g IDGenerator) Option {
	return func(s *Store) { s.ids = g }
}

// WithBus publishes store events on b.
func WithBus(b *eventbus.Bus) Option {
	return func(s *Store) { s.bus = b }
}

// WithAtomTTL sets the atom cache expiration. Zero disables expiry.
func WithAtomTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl <= 0 {
			s.atoms = cache.New(cache.NoExpiration, 0)
			return
		}
		s.atoms = cache.New(ttl, ttl/3)
	}
}

// New creates a Store over kv.
func New(kv storage.KV, opts ...Option) *Store {
	s := &Store{
		kv:    kv,
		clock: SystemClock{},
		ids:   UUIDv7Generator{},
		atoms: cache.New(DefaultAtomTTL, DefaultAtomTTL/3),
		refs:  cache.New(cache.NoExpiration, 0),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Warm loads every persisted reference into the cache. It fails on the
// first reference that does not decode.
func (s *Store) Warm(ctx context.Context) (int, error) {
	entries, err := s.kv.Scan(ctx, storage.TreeRefs, "")
	if err != nil {
		return 0, fault.Wrap(fault.InvalidData, "atom.Warm", err, "scan refs")
	}
	for _, e := range entries {
		ref, err := ir.DecodeRef(e.Value)
		if err != nil {
			return 0, fault.Wrap(fault.InvalidData, "atom.Warm", err, "ref %s", e.Key)
		}
		s.refs.Set(e.Key, ref, cache.NoExpiration)
	}
	return len(entries), nil
}

// Purge drops both caches. Subsequent reads go to storage.
func (s *Store) Purge() {
	s.atoms.Flush()
	s.refs.Flush()
}

func (s *Store) publish(e eventbus.Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(e)
}

func (s *Store) loadAtom(ctx context.Context, op, id string) (ir.Atom, error) {
	if v, ok := s.atoms.Get(id); ok {
		return v.(ir.Atom), nil
	}

	data, found, err := s.kv.Get(ctx, storage.TreeAtoms, id)
	if err != nil {
		return ir.Atom{}, fault.Wrap(fault.InvalidData, op, err, "read atom %s", id)
	}
	if !found {
		return ir.Atom{}, fault.NotFoundf(op, "atom %s", id)
	}

	var a ir.Atom
	if err := json.Unmarshal(data, &a); err != nil {
		return ir.Atom{}, fault.Wrap(fault.InvalidData, op, err, "decode atom %s", id)
	}
	s.atoms.SetDefault(id, a)
	return a, nil
}

// loadRef returns the cached reference. Callers must clone before mutating.
func (s *Store) loadRef(ctx context.Context, op, id string) (ir.Ref, error) {
	if v, ok := s.refs.Get(id); ok {
		return v.(ir.Ref), nil
	}

	data, found, err := s.kv.Get(ctx, storage.TreeRefs, id)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidData, op, err, "read ref %s", id)
	}
	if !found {
		return nil, fault.NotFoundf(op, "ref %s", id)
	}

	ref, err := ir.DecodeRef(data)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidData, op, err, "decode ref %s", id)
	}
	s.refs.Set(id, ref, cache.NoExpiration)
	return ref, nil
}

// saveRef persists ref and then publishes it to the cache.
func (s *Store) saveRef(ctx context.Context, op string, ref ir.Ref) error {
	data, err := ir.EncodeRef(ref)
	if err != nil {
		return fault.Wrap(fault.InvalidData, op, err, "encode ref %s", ref.RefUUID())
	}
	if err := s.kv.Put(ctx, storage.TreeRefs, ref.RefUUID(), data); err != nil {
		return fault.Wrap(fault.InvalidData, op, err, "write ref %s", ref.RefUUID())
	}
	s.refs.Set(ref.RefUUID(), ref, cache.NoExpiration)
	return nil
}
