package schema

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/strata/internal/eventbus"
	"github.com/roach88/strata/internal/fault"
	"github.com/roach88/strata/internal/ir"
)

func setupFields(t *testing.T) (*testEnv, *eventbus.Subscription) {
	t.Helper()
	env := setupTestEnv(t)
	require.NoError(t, env.reg.AddSchema(context.Background(), schemaA()))
	sub := env.bus.Subscribe(100, eventbus.EventFieldChanged)
	t.Cleanup(sub.Close)
	return env, sub
}

func TestWriteLinksLineage(t *testing.T) {
	env, _ := setupFields(t)
	ctx := context.Background()

	a1, err := env.fields.Write(ctx, "A", "x", "alice", ir.IRInt(1))
	require.NoError(t, err)
	a2, err := env.fields.Write(ctx, "A", "x", "alice", ir.IRInt(2))
	require.NoError(t, err)

	assert.True(t, a1.IsRoot())
	assert.Equal(t, a1.UUID, a2.PrevAtomUUID)

	latest, err := env.fields.Read(ctx, "A", "x")
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(2), latest.Content)

	history, err := env.fields.History(ctx, "A", "x", "")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, a2.UUID, history[0].UUID)
}

func TestWritePublishesFingerprint(t *testing.T) {
	env, sub := setupFields(t)
	ctx := context.Background()

	a, err := env.fields.Write(ctx, "A", "x", "alice", ir.IRInt(5))
	require.NoError(t, err)

	e := <-sub.C()
	require.NotNil(t, e.Field)
	assert.Equal(t, "A", e.Field.Schema)
	assert.Equal(t, "x", e.Field.Field)
	assert.Equal(t, a.UUID, e.Field.AtomUUID)
	assert.Equal(t, ir.MustChangeFingerprint("A", "x", "", ir.IRInt(5)), e.Field.Fingerprint)

	_, err = env.fields.Write(ctx, "A", "x", "bob", ir.IRInt(5))
	require.NoError(t, err)
	again := <-sub.C()
	assert.Equal(t, e.Field.Fingerprint, again.Field.Fingerprint, "same content, same fingerprint")
}

func TestWriteShapeMismatch(t *testing.T) {
	env, _ := setupFields(t)
	ctx := context.Background()

	_, err := env.fields.Write(ctx, "A", "series", "w", ir.IRInt(1))
	assert.True(t, fault.IsInvalidField(err))

	_, err = env.fields.WriteRange(ctx, "A", "x", "k", "w", ir.IRInt(1))
	assert.True(t, fault.IsInvalidField(err))

	_, err = env.fields.Append(ctx, "A", "x", "w", ir.IRInt(1))
	assert.True(t, fault.IsInvalidField(err))

	_, err = env.fields.Write(ctx, "A", "nope", "w", ir.IRInt(1))
	assert.True(t, fault.IsInvalidField(err))
}

func TestReadUnwrittenField(t *testing.T) {
	env, _ := setupFields(t)

	_, err := env.fields.Read(context.Background(), "A", "x")
	assert.True(t, fault.IsNotFound(err))

	_, err = env.reg.ExistingRef(context.Background(), "A", "x")
	assert.True(t, fault.IsNotFound(err), "reads never bind a field")
}

func TestWriteRangeAndValue(t *testing.T) {
	env, sub := setupFields(t)
	ctx := context.Background()

	_, err := env.fields.WriteRange(ctx, "A", "series", "b", "w", ir.IRInt(2))
	require.NoError(t, err)
	first, err := env.fields.WriteRange(ctx, "A", "series", "a", "w", ir.IRInt(1))
	require.NoError(t, err)
	second, err := env.fields.WriteRange(ctx, "A", "series", "a", "w", ir.IRInt(10))
	require.NoError(t, err)
	assert.Equal(t, first.UUID, second.PrevAtomUUID, "per-key lineage")

	e := <-sub.C()
	assert.Equal(t, "b", e.Field.Key)

	keys, err := env.fields.RangeKeys(ctx, "A", "series")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	v, err := env.fields.Value(ctx, "A", "series")
	require.NoError(t, err)
	assert.Equal(t, ir.IRObject{"a": ir.IRInt(10), "b": ir.IRInt(2)}, v)

	got, err := env.fields.ReadRange(ctx, "A", "series", "b")
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(2), got.Content)

	history, err := env.fields.History(ctx, "A", "series", "a")
	require.NoError(t, err)
	assert.Len(t, history, 2)

	_, err = env.fields.WriteRange(ctx, "A", "series", "", "w", ir.IRInt(1))
	assert.True(t, fault.IsInvalidField(err))
}

func TestAppendAndDeleteCollection(t *testing.T) {
	env, sub := setupFields(t)
	ctx := context.Background()

	for _, tag := range []string{"red", "green", "blue"} {
		_, err := env.fields.Append(ctx, "A", "tags", "w", ir.IRString(tag))
		require.NoError(t, err)
	}
	e := <-sub.C()
	assert.Equal(t, "[0]", e.Field.Key)

	tomb, err := env.fields.Delete(ctx, "A", "tags", "1", "w")
	require.NoError(t, err)
	assert.Equal(t, ir.StatusDeleted, tomb.Status)
	assert.False(t, tomb.IsRoot(), "tombstone links to the removed element")

	v, err := env.fields.Value(ctx, "A", "tags")
	require.NoError(t, err)
	assert.Equal(t, ir.IRArray{ir.IRString("red"), ir.IRString("blue")}, v)

	_, err = env.fields.Delete(ctx, "A", "tags", "x", "w")
	assert.True(t, fault.IsInvalidField(err))
	_, err = env.fields.Delete(ctx, "A", "tags", "7", "w")
	assert.True(t, fault.IsInvalidField(err))

	_, err = env.fields.History(ctx, "A", "tags", "")
	assert.True(t, fault.IsInvalidField(err))
}

func TestDeleteSingleTombstones(t *testing.T) {
	env, _ := setupFields(t)
	ctx := context.Background()

	_, err := env.fields.Delete(ctx, "A", "x", "", "w")
	assert.True(t, fault.IsNotFound(err), "delete never fabricates a lineage")
	_, err = env.reg.ExistingRef(ctx, "A", "x")
	assert.True(t, fault.IsNotFound(err))

	written, err := env.fields.Write(ctx, "A", "x", "w", ir.IRInt(3))
	require.NoError(t, err)
	tomb, err := env.fields.Delete(ctx, "A", "x", "", "w")
	require.NoError(t, err)
	assert.Equal(t, written.UUID, tomb.PrevAtomUUID)

	head, err := env.fields.Read(ctx, "A", "x")
	require.NoError(t, err)
	assert.Equal(t, ir.StatusDeleted, head.Status)

	_, err = env.fields.Value(ctx, "A", "x")
	assert.True(t, fault.IsNotFound(err), "deleted fields have no value")

	history, err := env.fields.History(ctx, "A", "x", "")
	require.NoError(t, err)
	assert.Len(t, history, 2, "the written atom is retained")
}

func TestDeleteRangeKey(t *testing.T) {
	env, _ := setupFields(t)
	ctx := context.Background()

	_, err := env.fields.WriteRange(ctx, "A", "series", "a", "w", ir.IRInt(1))
	require.NoError(t, err)
	_, err = env.fields.WriteRange(ctx, "A", "series", "b", "w", ir.IRInt(2))
	require.NoError(t, err)

	_, err = env.fields.Delete(ctx, "A", "series", "a", "w")
	require.NoError(t, err)

	v, err := env.fields.Value(ctx, "A", "series")
	require.NoError(t, err)
	assert.Equal(t, ir.IRObject{"b": ir.IRInt(2)}, v)

	_, err = env.fields.Delete(ctx, "A", "series", "zzz", "w")
	assert.True(t, fault.IsNotFound(err))
}
