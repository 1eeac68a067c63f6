package ir

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/emirpasic/gods/maps/treemap"
)

// RefKind selects one of the three reference shapes. A field's declared
// shape is a RefKind, chosen once when the field is bound.
type RefKind string

const (
	RefSingle     RefKind = "single"
	RefRange      RefKind = "range"
	RefCollection RefKind = "collection"
)

// Valid reports whether k is a known reference shape.
func (k RefKind) Valid() bool {
	switch k {
	case RefSingle, RefRange, RefCollection:
		return true
	}
	return false
}

// RefUpdate is one entry of a reference's append-only update log.
type RefUpdate struct {
	Timestamp    time.Time  `json:"timestamp"`
	Status       AtomStatus `json:"status"`
	SourcePubKey string     `json:"source_pub_key"`
	AtomUUID     string     `json:"atom_uuid,omitempty"`
	Key          string     `json:"key,omitempty"`
}

// Ref is the closed union over AtomRef, AtomRefRange and AtomRefCollection.
type Ref interface {
	RefUUID() string
	Kind() RefKind
	History() []RefUpdate
	// Heads returns every atom UUID the reference currently points at.
	Heads() []string
	clone() Ref
	sealedRef()
}

// CloneRef returns a deep copy of r. Stores hand out clones so that cached
// references are never mutated in place.
func CloneRef(r Ref) Ref {
	if r == nil {
		return nil
	}
	return r.clone()
}

// AtomRef points at the current head of a single-value lineage.
// An empty AtomUUID means the reference was minted but never written.
type AtomRef struct {
	UUID          string      `json:"uuid"`
	AtomUUID      string      `json:"atom_uuid,omitempty"`
	UpdatedAt     time.Time   `json:"updated_at"`
	Status        AtomStatus  `json:"status"`
	UpdateHistory []RefUpdate `json:"update_history"`
}

// NewAtomRef mints an empty single-value reference.
func NewAtomRef(uuid string, at time.Time) *AtomRef {
	return &AtomRef{UUID: uuid, UpdatedAt: at, Status: StatusActive, UpdateHistory: []RefUpdate{}}
}

func (r *AtomRef) RefUUID() string { return r.UUID }
func (r *AtomRef) Kind() RefKind { return RefSingle }
func (r *AtomRef) History() []RefUpdate { return r.UpdateHistory }
func (r *AtomRef) sealedRef() {}

func (r *AtomRef) Heads() []string {
	if r.AtomUUID == "" {
		return nil
	}
	return []string{r.AtomUUID}
}

func (r *AtomRef) clone() Ref {
	c := *r
	c.UpdateHistory = append([]RefUpdate(nil), r.UpdateHistory...)
	return &c
}

// Set moves the head and appends a history entry.
func (r *AtomRef) Set(atomUUID, pubKey string, status AtomStatus, at time.Time) {
	r.AtomUUID = atomUUID
	r.UpdatedAt = at
	r.Status = status
	r.UpdateHistory = append(r.UpdateHistory, RefUpdate{
		Timestamp:    at,
		Status:       status,
		SourcePubKey: pubKey,
		AtomUUID:     atomUUID,
	})
}

// AtomRefRange maps string keys to atom UUIDs in key order.
type AtomRefRange struct {
	UUID          string
	UpdatedAt     time.Time
	Status        AtomStatus
	UpdateHistory []RefUpdate

	atoms *treemap.Map
}

// RangeEntry is one key of an AtomRefRange.
type RangeEntry struct {
	Key      string `json:"key"`
	AtomUUID string `json:"atom_uuid"`
}

// NewAtomRefRange mints an empty keyed reference.
func NewAtomRefRange(uuid string, at time.Time) *AtomRefRange {
	return &AtomRefRange{
		UUID:          uuid,
		UpdatedAt:     at,
		Status:        StatusActive,
		UpdateHistory: []RefUpdate{},
		atoms:         treemap.NewWithStringComparator(),
	}
}

func (r *AtomRefRange) RefUUID() string { return r.UUID }
func (r *AtomRefRange) Kind() RefKind { return RefRange }
func (r *AtomRefRange) History() []RefUpdate { return r.UpdateHistory }
func (r *AtomRefRange) sealedRef() {}

func (r *AtomRefRange) Heads() []string {
	entries := r.Entries()
	heads := make([]string, len(entries))
	for i, e := range entries {
		heads[i] = e.AtomUUID
	}
	return heads
}

func (r *AtomRefRange) clone() Ref {
	c := NewAtomRefRange(r.UUID, r.UpdatedAt)
	c.Status = r.Status
	c.UpdateHistory = append([]RefUpdate(nil), r.UpdateHistory...)
	for _, e := range r.Entries() {
		c.atoms.Put(e.Key, e.AtomUUID)
	}
	return c
}

// Get returns the atom UUID stored under key.
func (r *AtomRefRange) Get(key string) (string, bool) {
	v, ok := r.atoms.Get(key)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Set points key at atomUUID and appends a history entry.
func (r *AtomRefRange) Set(key, atomUUID, pubKey string, status AtomStatus, at time.Time) {
	r.atoms.Put(key, atomUUID)
	r.UpdatedAt = at
	r.UpdateHistory = append(r.UpdateHistory, RefUpdate{
		Timestamp:    at,
		Status:       status,
		SourcePubKey: pubKey,
		AtomUUID:     atomUUID,
		Key:          key,
	})
}

// Remove drops key, recording a deleted entry. Returns false if absent.
func (r *AtomRefRange) Remove(key, pubKey string, at time.Time) bool {
	if _, ok := r.atoms.Get(key); !ok {
		return false
	}
	r.atoms.Remove(key)
	r.UpdatedAt = at
	r.UpdateHistory = append(r.UpdateHistory, RefUpdate{
		Timestamp:    at,
		Status:       StatusDeleted,
		SourcePubKey: pubKey,
		Key:          key,
	})
	return true
}

// Keys returns the keys in ascending order.
func (r *AtomRefRange) Keys() []string {
	keys := make([]string, 0, r.atoms.Size())
	for _, k := range r.atoms.Keys() {
		keys = append(keys, k.(string))
	}
	return keys
}

// Entries returns key/atom pairs in ascending key order.
func (r *AtomRefRange) Entries() []RangeEntry {
	entries := make([]RangeEntry, 0, r.atoms.Size())
	it := r.atoms.Iterator()
	for it.Next() {
		entries = append(entries, RangeEntry{Key: it.Key().(string), AtomUUID: it.Value().(string)})
	}
	return entries
}

// Len returns the number of keys.
func (r *AtomRefRange) Len() int {
	return r.atoms.Size()
}

type atomRefRangeJSON struct {
	UUID          string       `json:"uuid"`
	UpdatedAt     time.Time    `json:"updated_at"`
	Status        AtomStatus   `json:"status"`
	Entries       []RangeEntry `json:"entries"`
	UpdateHistory []RefUpdate  `json:"update_history"`
}

// MarshalJSON writes entries as an ordered list.
func (r *AtomRefRange) MarshalJSON() ([]byte, error) {
	return json.Marshal(atomRefRangeJSON{
		UUID:          r.UUID,
		UpdatedAt:     r.UpdatedAt,
		Status:        r.Status,
		Entries:       r.Entries(),
		UpdateHistory: r.UpdateHistory,
	})
}

// UnmarshalJSON rebuilds the ordered map from the entry list.
func (r *AtomRefRange) UnmarshalJSON(data []byte) error {
	var raw atomRefRangeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = *NewAtomRefRange(raw.UUID, raw.UpdatedAt)
	r.Status = raw.Status
	if raw.UpdateHistory != nil {
		r.UpdateHistory = raw.UpdateHistory
	}
	for _, e := range raw.Entries {
		r.atoms.Put(e.Key, e.AtomUUID)
	}
	return nil
}

// AtomRefCollection is an ordered sequence of atom UUIDs.
type AtomRefCollection struct {
	UUID          string      `json:"uuid"`
	Atoms         []string    `json:"atoms"`
	UpdatedAt     time.Time   `json:"updated_at"`
	Status        AtomStatus  `json:"status"`
	UpdateHistory []RefUpdate `json:"update_history"`
}

// NewAtomRefCollection mints an empty sequential reference.
func NewAtomRefCollection(uuid string, at time.Time) *AtomRefCollection {
	return &AtomRefCollection{UUID: uuid, Atoms: []string{}, UpdatedAt: at, Status: StatusActive, UpdateHistory: []RefUpdate{}}
}

func (r *AtomRefCollection) RefUUID() string { return r.UUID }
func (r *AtomRefCollection) Kind() RefKind { return RefCollection }
func (r *AtomRefCollection) History() []RefUpdate { return r.UpdateHistory }
func (r *AtomRefCollection) Heads() []string { return append([]string(nil), r.Atoms...) }
func (r *AtomRefCollection) sealedRef() {}

func (r *AtomRefCollection) clone() Ref {
	c := *r
	c.Atoms = append([]string{}, r.Atoms...)
	c.UpdateHistory = append([]RefUpdate(nil), r.UpdateHistory...)
	return &c
}

// Len returns the number of elements.
func (r *AtomRefCollection) Len() int {
	return len(r.Atoms)
}

// Get returns the atom UUID at index.
func (r *AtomRefCollection) Get(index int) (string, bool) {
	if index < 0 || index >= len(r.Atoms) {
		return "", false
	}
	return r.Atoms[index], true
}

// Insert places atomUUID at index; index == Len() appends.
func (r *AtomRefCollection) Insert(index int, atomUUID, pubKey string, at time.Time) error {
	if index < 0 || index > len(r.Atoms) {
		return fmt.Errorf("collection index %d out of range [0,%d]", index, len(r.Atoms))
	}
	r.Atoms = append(r.Atoms, "")
	copy(r.Atoms[index+1:], r.Atoms[index:])
	r.Atoms[index] = atomUUID
	r.record(atomUUID, pubKey, StatusActive, at)
	return nil
}

// Replace swaps the atom at index and returns the previous UUID.
func (r *AtomRefCollection) Replace(index int, atomUUID, pubKey string, at time.Time) (string, error) {
	if index < 0 || index >= len(r.Atoms) {
		return "", fmt.Errorf("collection index %d out of range [0,%d)", index, len(r.Atoms))
	}
	old := r.Atoms[index]
	r.Atoms[index] = atomUUID
	r.record(atomUUID, pubKey, StatusActive, at)
	return old, nil
}

// Remove deletes the element at index and returns its UUID. tombstone is the
// deleted-status atom recorded in the history for audit.
func (r *AtomRefCollection) Remove(index int, tombstone, pubKey string, at time.Time) (string, error) {
	if index < 0 || index >= len(r.Atoms) {
		return "", fmt.Errorf("collection index %d out of range [0,%d)", index, len(r.Atoms))
	}
	old := r.Atoms[index]
	r.Atoms = append(r.Atoms[:index], r.Atoms[index+1:]...)
	r.record(tombstone, pubKey, StatusDeleted, at)
	return old, nil
}

func (r *AtomRefCollection) record(atomUUID, pubKey string, status AtomStatus, at time.Time) {
	r.UpdatedAt = at
	r.UpdateHistory = append(r.UpdateHistory, RefUpdate{
		Timestamp:    at,
		Status:       status,
		SourcePubKey: pubKey,
		AtomUUID:     atomUUID,
	})
}

// refEnvelope is the storage form of a Ref: the kind tag plus one payload.
type refEnvelope struct {
	Kind       RefKind            `json:"kind"`
	Single     *AtomRef           `json:"single,omitempty"`
	Range      *AtomRefRange      `json:"range,omitempty"`
	Collection *AtomRefCollection `json:"collection,omitempty"`
}

// EncodeRef serializes any reference shape with its kind tag.
func EncodeRef(r Ref) ([]byte, error) {
	env := refEnvelope{Kind: r.Kind()}
	switch v := r.(type) {
	case *AtomRef:
		env.Single = v
	case *AtomRefRange:
		env.Range = v
	case *AtomRefCollection:
		env.Collection = v
	default:
		return nil, fmt.Errorf("unknown ref type: %T", r)
	}
	return json.Marshal(env)
}

// DecodeRef is the inverse of EncodeRef.
func DecodeRef(data []byte) (Ref, error) {
	var env refEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode ref: %w", err)
	}
	switch env.Kind {
	case RefSingle:
		if env.Single == nil {
			return nil, fmt.Errorf("decode ref: single payload missing")
		}
		if env.Single.UpdateHistory == nil {
			env.Single.UpdateHistory = []RefUpdate{}
		}
		return env.Single, nil
	case RefRange:
		if env.Range == nil {
			return nil, fmt.Errorf("decode ref: range payload missing")
		}
		return env.Range, nil
	case RefCollection:
		if env.Collection == nil {
			return nil, fmt.Errorf("decode ref: collection payload missing")
		}
		if env.Collection.Atoms == nil {
			env.Collection.Atoms = []string{}
		}
		return env.Collection, nil
	default:
		return nil, fmt.Errorf("decode ref: unknown kind %q", env.Kind)
	}
}
