package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	ldb_storage "github.com/syndtr/goleveldb/leveldb/storage"
	ldb_util "github.com/syndtr/goleveldb/leveldb/util"
)

// tree prefixes; a single byte in front of every LevelDB key
var treePrefix = map[Tree]byte{
	TreeAtoms:      'A',
	TreeRefs:       'R',
	TreeSchemas:    'S',
	TreeTransforms: 'T',
	TreeQueue:      'Q',
}

// LevelDB stores each tree under its own key prefix.
type LevelDB struct {
	db *leveldb.DB
}

var _ KV = (*LevelDB)(nil)

// OpenLevelDB opens or creates a LevelDB database directory.
func OpenLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb %s: %w", path, err)
	}
	return &LevelDB{db: db}, nil
}

// Memory opens an empty LevelDB held entirely in memory.
func Memory() (*LevelDB, error) {
	db, err := leveldb.Open(ldb_storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory leveldb: %w", err)
	}
	return &LevelDB{db: db}, nil
}

func prefixKey(tree Tree, key string) ([]byte, error) {
	p, ok := treePrefix[tree]
	if !ok {
		return nil, fmt.Errorf("unknown tree %q", tree)
	}
	k := make([]byte, 0, len(key)+1)
	k = append(k, p)
	return append(k, key...), nil
}

func (l *LevelDB) Close() error {
	return l.db.Close()
}

func (l *LevelDB) Get(_ context.Context, tree Tree, key string) ([]byte, bool, error) {
	k, err := prefixKey(tree, key)
	if err != nil {
		return nil, false, err
	}
	value, err := l.db.Get(k, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s/%s: %w", tree, key, err)
	}
	return value, true, nil
}

func (l *LevelDB) Put(ctx context.Context, tree Tree, key string, value []byte) error {
	b := NewBatch()
	b.Put(tree, key, value)
	return l.Apply(ctx, b)
}

func (l *LevelDB) Delete(ctx context.Context, tree Tree, key string) error {
	b := NewBatch()
	b.Delete(tree, key)
	return l.Apply(ctx, b)
}

func (l *LevelDB) Scan(ctx context.Context, tree Tree, prefix string) ([]Entry, error) {
	start, err := prefixKey(tree, prefix)
	if err != nil {
		return nil, err
	}

	iter := l.db.NewIterator(ldb_util.BytesPrefix(start), nil)
	defer iter.Release()

	var entries []Entry
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// iterator buffers are only valid until the next call to Next
		key := iter.Key()
		value := make([]byte, len(iter.Value()))
		copy(value, iter.Value())
		entries = append(entries, Entry{Key: string(key[1:]), Value: value})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("scan %s/%s: %w", tree, prefix, err)
	}
	return entries, nil
}

// Apply writes the batch as one LevelDB batch.
func (l *LevelDB) Apply(_ context.Context, b *Batch) error {
	if err := b.validate(); err != nil {
		return err
	}
	if b.Len() == 0 {
		return nil
	}

	batch := new(leveldb.Batch)
	for _, o := range b.ops {
		k, err := prefixKey(o.tree, o.key)
		if err != nil {
			return err
		}
		switch o.kind {
		case opPut:
			batch.Put(k, o.value)
		case opDelete:
			batch.Delete(k)
		}
	}

	if err := l.db.Write(batch, nil); err != nil {
		return fmt.Errorf("write batch: %w", err)
	}
	return nil
}
