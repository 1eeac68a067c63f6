package storage

import (
	"context"
	"fmt"
)

// Tree names a logical partition of the store.
type Tree string

const (
	TreeAtoms      Tree = "atoms"
	TreeRefs       Tree = "refs"
	TreeSchemas    Tree = "schemas"
	TreeTransforms Tree = "transforms"
	TreeQueue      Tree = "queue"
)

// Trees lists every known tree.
var Trees = []Tree{TreeAtoms, TreeRefs, TreeSchemas, TreeTransforms, TreeQueue}

// Valid reports whether t is a known tree.
func (t Tree) Valid() bool {
	for _, known := range Trees {
		if t == known {
			return true
		}
	}
	return false
}

// Entry is one key/value pair returned by Scan.
type Entry struct {
	Key   string
	Value []byte
}

// KV is the durable storage collaborator.
type KV interface {
	// Get returns the value for key. found is false when the key is absent.
	Get(ctx context.Context, tree Tree, key string) (value []byte, found bool, err error)

	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, tree Tree, key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, tree Tree, key string) error

	// Scan returns every entry of tree whose key starts with prefix,
	// in ascending key order.
	Scan(ctx context.Context, tree Tree, prefix string) ([]Entry, error)

	// Apply commits every operation in b atomically.
	Apply(ctx context.Context, b *Batch) error

	// Close releases the backend.
	Close() error
}

type opKind int

const (
	opPut opKind = iota
	opDelete
)

type op struct {
	kind  opKind
	tree  Tree
	key   string
	value []byte
}

// Batch collects puts and deletes to be committed together.
type Batch struct {
	ops []op
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Put queues a put.
func (b *Batch) Put(tree Tree, key string, value []byte) {
	b.ops = append(b.ops, op{kind: opPut, tree: tree, key: key, value: value})
}

// Delete queues a delete.
func (b *Batch) Delete(tree Tree, key string) {
	b.ops = append(b.ops, op{kind: opDelete, tree: tree, key: key})
}

// Len returns the number of queued operations.
func (b *Batch) Len() int {
	return len(b.ops)
}

func (b *Batch) validate() error {
	for _, o := range b.ops {
		if !o.tree.Valid() {
			return fmt.Errorf("unknown tree %q", o.tree)
		}
	}
	return nil
}

// Backend names a storage implementation.
type Backend string

const (
	BackendSQLite  Backend = "sqlite"
	BackendLevelDB Backend = "leveldb"
	BackendMemory  Backend = "memory"
)

// Open opens the named backend at path. path is ignored for BackendMemory.
func Open(backend Backend, path string) (KV, error) {
	switch backend {
	case BackendSQLite, "":
		return OpenSQLite(path)
	case BackendLevelDB:
		return OpenLevelDB(path)
	case BackendMemory:
		return Memory()
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}
