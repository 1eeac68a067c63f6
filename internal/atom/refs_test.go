package atom

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/strata/internal/fault"
	"github.com/roach88/strata/internal/ir"
)

func writeAtom(t *testing.T, s *Store, prev string, content ir.IRValue) ir.Atom {
	t.Helper()
	a, err := s.CreateAtom(context.Background(), "A", "writer", prev, content, "")
	require.NoError(t, err)
	return a
}

func TestCreateRefKinds(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	for _, kind := range []ir.RefKind{ir.RefSingle, ir.RefRange, ir.RefCollection} {
		ref, err := s.CreateRef(ctx, kind)
		require.NoError(t, err)
		assert.Equal(t, kind, ref.Kind())

		ok, err := s.HasRef(ctx, ref.RefUUID())
		require.NoError(t, err)
		assert.True(t, ok)
	}

	_, err := s.CreateRef(ctx, ir.RefKind("tree"))
	assert.True(t, fault.IsInvalidField(err))

	ok, err := s.HasRef(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateRefBootstrapsAndAdvances(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	a1 := writeAtom(t, s, "", ir.IRInt(1))
	ref, err := s.UpdateRef(ctx, "ref-1", a1.UUID, "alice")
	require.NoError(t, err)
	assert.Equal(t, a1.UUID, ref.AtomUUID)
	assert.Len(t, ref.UpdateHistory, 1)

	a2 := writeAtom(t, s, a1.UUID, ir.IRInt(2))
	ref, err = s.UpdateRef(ctx, "ref-1", a2.UUID, "bob")
	require.NoError(t, err)
	assert.Equal(t, a2.UUID, ref.AtomUUID)
	require.Len(t, ref.UpdateHistory, 2)
	assert.Equal(t, "bob", ref.UpdateHistory[1].SourcePubKey)

	latest, err := s.GetLatest(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(2), latest.Content)
}

func TestUpdateRefRejectsMissingAtom(t *testing.T) {
	s, _ := createTestStore(t)

	_, err := s.UpdateRef(context.Background(), "ref-1", "ghost-atom", "alice")
	assert.True(t, fault.IsNotFound(err))

	ok, err := s.HasRef(context.Background(), "ref-1")
	require.NoError(t, err)
	assert.False(t, ok, "no reference is bootstrapped for a missing atom")
}

func TestUpdateRefWrongKind(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	rng, err := s.CreateRef(ctx, ir.RefRange)
	require.NoError(t, err)
	a := writeAtom(t, s, "", ir.IRInt(1))

	_, err = s.UpdateRef(ctx, rng.RefUUID(), a.UUID, "alice")
	assert.True(t, fault.IsInvalidField(err))
}

func TestGetRefReturnsCopy(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	a := writeAtom(t, s, "", ir.IRInt(1))
	_, err := s.UpdateRef(ctx, "ref-1", a.UUID, "alice")
	require.NoError(t, err)

	ref, err := s.GetRef(ctx, "ref-1")
	require.NoError(t, err)
	ref.(*ir.AtomRef).AtomUUID = "tampered"

	latest, err := s.GetLatest(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, a.UUID, latest.UUID)
}

func TestGetLatestEmptyRef(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	ref, err := s.CreateRef(ctx, ir.RefSingle)
	require.NoError(t, err)

	_, err = s.GetLatest(ctx, ref.RefUUID())
	assert.True(t, fault.IsNotFound(err))

	_, err = s.GetLatest(ctx, "missing")
	assert.True(t, fault.IsNotFound(err))
}

func TestConcurrentUpdatesLastWriteWins(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	atoms := make([]ir.Atom, 10)
	for i := range atoms {
		atoms[i] = writeAtom(t, s, "", ir.IRInt(int64(i)))
	}

	var wg sync.WaitGroup
	for _, a := range atoms {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := s.UpdateRef(ctx, "shared", id, "w")
			assert.NoError(t, err)
		}(a.UUID)
	}
	wg.Wait()

	ref, err := s.GetRef(ctx, "shared")
	require.NoError(t, err)
	single := ref.(*ir.AtomRef)
	require.Len(t, single.UpdateHistory, len(atoms), "every update is recorded")
	assert.Equal(t, single.UpdateHistory[len(atoms)-1].AtomUUID, single.AtomUUID,
		"head is the last update applied")
}

func TestUpdateRefRange(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"2026-03", "2026-01", "2026-02"} {
		a := writeAtom(t, s, "", ir.IRString(key))
		_, err := s.UpdateRefRange(ctx, "series", key, a.UUID, "w")
		require.NoError(t, err)
	}

	keys, err := s.RangeKeys(ctx, "series")
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-01", "2026-02", "2026-03"}, keys)

	got, err := s.GetLatestRange(ctx, "series", "2026-02")
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("2026-02"), got.Content)

	_, err = s.GetLatestRange(ctx, "series", "2027-01")
	assert.True(t, fault.IsNotFound(err))

	_, err = s.UpdateRefRange(ctx, "series", "", "x", "w")
	assert.True(t, fault.IsInvalidField(err))
}

func TestRemoveRangeKey(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	a := writeAtom(t, s, "", ir.IRInt(1))
	_, err := s.UpdateRefRange(ctx, "series", "k", a.UUID, "w")
	require.NoError(t, err)

	removed, err := s.RemoveRangeKey(ctx, "series", "k", "w")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.RemoveRangeKey(ctx, "series", "k", "w")
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = s.GetAtom(ctx, a.UUID)
	assert.NoError(t, err, "atoms outlive their range key")
}

func TestHistoryWalksToRoot(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	prev := ""
	for i := 1; i <= 4; i++ {
		a := writeAtom(t, s, prev, ir.IRInt(int64(i)))
		_, err := s.UpdateRef(ctx, "ref-1", a.UUID, "w")
		require.NoError(t, err)
		prev = a.UUID
	}

	history, err := s.History(ctx, "ref-1")
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, ir.IRInt(4), history[0].Content, "history starts at the head")
	assert.True(t, history[3].IsRoot(), "history ends at a root")

	again, err := s.History(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, history, again, "history is restartable")
}

func TestLineageStopsEarly(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	a1 := writeAtom(t, s, "", ir.IRInt(1))
	a2 := writeAtom(t, s, a1.UUID, ir.IRInt(2))

	count := 0
	for _, err := range s.Lineage(ctx, a2.UUID) {
		require.NoError(t, err)
		count++
		break
	}
	assert.Equal(t, 1, count)
}

func TestHistoryBrokenLineage(t *testing.T) {
	s, kv := createTestStore(t)
	ctx := context.Background()

	a1 := writeAtom(t, s, "", ir.IRInt(1))
	a2 := writeAtom(t, s, a1.UUID, ir.IRInt(2))
	_, err := s.UpdateRef(ctx, "ref-1", a2.UUID, "w")
	require.NoError(t, err)

	// Simulate corruption: remove the root from storage and the cache.
	require.NoError(t, kv.Delete(ctx, "atoms", a1.UUID))
	s.Purge()

	_, err = s.History(ctx, "ref-1")
	require.Error(t, err)
	assert.True(t, fault.IsNotFound(err))
	assert.Contains(t, err.Error(), "broken lineage")
}

func TestHistoryRange(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	a1 := writeAtom(t, s, "", ir.IRInt(1))
	_, err := s.UpdateRefRange(ctx, "series", "k", a1.UUID, "w")
	require.NoError(t, err)
	a2 := writeAtom(t, s, a1.UUID, ir.IRInt(2))
	_, err = s.UpdateRefRange(ctx, "series", "k", a2.UUID, "w")
	require.NoError(t, err)

	history, err := s.HistoryRange(ctx, "series", "k")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, a2.UUID, history[0].UUID)

	_, err = s.HistoryRange(ctx, "series", "nope")
	assert.True(t, fault.IsNotFound(err))
}

func TestCollectionOps(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		a := writeAtom(t, s, "", ir.IRString(fmt.Sprintf("item-%d", i)))
		_, err := s.AppendCollection(ctx, "list", a.UUID, "w")
		require.NoError(t, err)
		ids = append(ids, a.UUID)
	}

	front := writeAtom(t, s, "", ir.IRString("front"))
	coll, err := s.InsertCollection(ctx, "list", 0, front.UUID, "w")
	require.NoError(t, err)
	assert.Equal(t, 4, coll.Len())

	replacement := writeAtom(t, s, ids[1], ir.IRString("item-1b"))
	old, err := s.ReplaceCollection(ctx, "list", 2, replacement.UUID, "w")
	require.NoError(t, err)
	assert.Equal(t, ids[1], old)

	tomb, err := s.CreateAtom(ctx, "A", "w", ids[2], ir.IRNull{}, ir.StatusDeleted)
	require.NoError(t, err)
	removed, err := s.RemoveCollection(ctx, "list", 3, tomb.UUID, "w")
	require.NoError(t, err)
	assert.Equal(t, ids[2], removed)

	atoms, err := s.GetCollection(ctx, "list")
	require.NoError(t, err)
	contents := make([]ir.IRValue, len(atoms))
	for i, a := range atoms {
		contents[i] = a.Content
	}
	assert.Equal(t, []ir.IRValue{ir.IRString("front"), ir.IRString("item-0"), ir.IRString("item-1b")}, contents)

	_, err = s.ReplaceCollection(ctx, "list", 9, replacement.UUID, "w")
	assert.True(t, fault.IsInvalidField(err))
}
