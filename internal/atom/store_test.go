package atom

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/strata/internal/eventbus"
	"github.com/roach88/strata/internal/fault"
	"github.com/roach88/strata/internal/ir"
	"github.com/roach88/strata/internal/storage"
	"github.com/roach88/strata/internal/testutil"
)

func createTestStore(t *testing.T) (*Store, storage.KV) {
	t.Helper()
	kv, err := storage.Memory()
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	s := New(kv,
		WithClock(testutil.NewFakeClock()),
		WithIDGenerator(testutil.NewSequenceIDGenerator("id")),
	)
	return s, kv
}

func TestCreateAtom(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	a, err := s.CreateAtom(ctx, "A", "alice", "", ir.IRInt(5), "")
	require.NoError(t, err)
	assert.Equal(t, "id-0001", a.UUID)
	assert.Equal(t, ir.StatusActive, a.Status)
	assert.Equal(t, testutil.Epoch, a.CreatedAt)
	assert.True(t, a.IsRoot())

	got, err := s.GetAtom(ctx, a.UUID)
	require.NoError(t, err)
	assert.Equal(t, a.Content, got.Content)
}

func TestCreateAtomRequiresExistingPrev(t *testing.T) {
	s, _ := createTestStore(t)

	_, err := s.CreateAtom(context.Background(), "A", "alice", "missing", ir.IRInt(1), "")
	require.Error(t, err)
	assert.True(t, fault.IsNotFound(err))
}

func TestCreateAtomRejectsUnknownStatus(t *testing.T) {
	s, _ := createTestStore(t)

	_, err := s.CreateAtom(context.Background(), "A", "alice", "", ir.IRInt(1), ir.AtomStatus("zombie"))
	assert.True(t, fault.IsInvalidData(err))
}

func TestCreateAtomNilContentIsNull(t *testing.T) {
	s, _ := createTestStore(t)

	a, err := s.CreateAtom(context.Background(), "A", "alice", "", nil, "")
	require.NoError(t, err)
	assert.Equal(t, ir.IRNull{}, a.Content)
}

func TestGetAtomReadsThroughAfterPurge(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	a, err := s.CreateAtom(ctx, "A", "alice", "", ir.IRObject{"n": ir.IRInt(1)}, "")
	require.NoError(t, err)

	s.Purge()
	got, err := s.GetAtom(ctx, a.UUID)
	require.NoError(t, err)
	assert.Equal(t, ir.IRObject{"n": ir.IRInt(1)}, got.Content)
	assert.True(t, got.CreatedAt.Equal(a.CreatedAt))
}

func TestGetAtomMissing(t *testing.T) {
	s, _ := createTestStore(t)
	_, err := s.GetAtom(context.Background(), "nope")
	assert.True(t, fault.IsNotFound(err))
}

func TestEventsPublished(t *testing.T) {
	kv, err := storage.Memory()
	require.NoError(t, err)
	defer kv.Close()

	bus := eventbus.New()
	sub := bus.Subscribe(10)
	defer sub.Close()

	s := New(kv, WithBus(bus))
	ctx := context.Background()

	a, err := s.CreateAtom(ctx, "A", "alice", "", ir.IRInt(1), "")
	require.NoError(t, err)
	_, err = s.UpdateRef(ctx, "ref-1", a.UUID, "alice")
	require.NoError(t, err)

	created := <-sub.C()
	require.Equal(t, eventbus.EventAtomCreated, created.Type)
	assert.Equal(t, a.UUID, created.Atom.AtomUUID)

	updated := <-sub.C()
	require.Equal(t, eventbus.EventRefUpdated, updated.Type)
	assert.Equal(t, "ref-1", updated.Ref.RefUUID)
	assert.Equal(t, a.UUID, updated.Ref.AtomUUID)
}

func TestSQLiteBackedStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "atoms.db")
	ctx := context.Background()

	kv, err := storage.OpenSQLite(path)
	require.NoError(t, err)
	s := New(kv)

	a, err := s.CreateAtom(ctx, "A", "alice", "", ir.IRString("hello"), "")
	require.NoError(t, err)
	_, err = s.UpdateRef(ctx, "ref-1", a.UUID, "alice")
	require.NoError(t, err)
	require.NoError(t, kv.Close())

	kv, err = storage.OpenSQLite(path)
	require.NoError(t, err)
	defer kv.Close()
	s = New(kv)

	n, err := s.Warm(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	latest, err := s.GetLatest(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("hello"), latest.Content)
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	var k keyedMutex
	var wg sync.WaitGroup
	counter := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("ref")
			counter++
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, counter)
	assert.Empty(t, k.locks)
}
