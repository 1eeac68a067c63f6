package transform

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/strata/internal/atom"
	"github.com/roach88/strata/internal/eventbus"
	"github.com/roach88/strata/internal/expr"
	"github.com/roach88/strata/internal/fault"
	"github.com/roach88/strata/internal/ir"
	"github.com/roach88/strata/internal/schema"
	"github.com/roach88/strata/internal/storage"
	"github.com/roach88/strata/internal/testutil"
)

type testEnv struct {
	kv     storage.KV
	atoms  *atom.Store
	fields *schema.Fields
	reg    *Registry
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	kv, err := storage.Memory()
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	env := newEnv(kv)
	require.NoError(t, env.fields.Registry().AddSchema(context.Background(), ir.SchemaDef{
		Name: "A",
		Fields: []ir.FieldDef{
			{Name: "x", Shape: ir.RefSingle},
			{Name: "y", Shape: ir.RefSingle},
			{Name: "z", Shape: ir.RefSingle},
			{Name: "series", Shape: ir.RefRange},
			{Name: "tags", Shape: ir.RefCollection},
		},
	}))
	return env
}

func newEnv(kv storage.KV) *testEnv {
	atoms := atom.New(kv, atom.WithBus(eventbus.New()), atom.WithClock(testutil.NewFakeClock()))
	fields := schema.NewFields(schema.NewRegistry(kv, atoms), atoms, nil)
	return &testEnv{kv: kv, atoms: atoms, fields: fields, reg: NewRegistry(kv, fields, expr.NewCUE())}
}

func t1() ir.Transform {
	return ir.Transform{ID: "t1", Inputs: []string{"A.x"}, Output: "A.y", Logic: "x * 2"}
}

func TestRegisterIndexes(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.reg.Register(ctx, t1()))

	assert.Equal(t, []string{"t1"}, env.reg.TransformsForField("A", "x"))
	assert.Empty(t, env.reg.TransformsForField("A", "y"))

	got, ok := env.reg.Get("t1")
	require.True(t, ok)
	assert.Equal(t, t1(), got)

	inRefs, ok := env.reg.InputRefs("t1")
	require.True(t, ok)
	xRef, err := env.fields.Registry().ExistingRef(ctx, "A", "x")
	require.NoError(t, err)
	assert.Equal(t, []string{xRef}, inRefs)

	outRef, ok := env.reg.OutputRef("t1")
	require.True(t, ok)
	yRef, err := env.fields.Registry().ExistingRef(ctx, "A", "y")
	require.NoError(t, err)
	assert.Equal(t, yRef, outRef)
}

func TestRegisterReplacesIndexEntries(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.reg.Register(ctx, t1()))
	moved := t1()
	moved.Inputs = []string{"A.z"}
	moved.Logic = "z + 1"
	require.NoError(t, env.reg.Register(ctx, moved))

	assert.Empty(t, env.reg.TransformsForField("A", "x"))
	assert.Equal(t, []string{"t1"}, env.reg.TransformsForField("A", "z"))
	assert.Len(t, env.reg.List(), 1)
}

func TestRegisterValidation(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		tr    ir.Transform
		check func(error) bool
	}{
		{"missing id", ir.Transform{Inputs: []string{"A.x"}, Output: "A.y", Logic: "x"}, fault.IsInvalidData},
		{"no inputs", ir.Transform{ID: "t", Output: "A.y", Logic: "1"}, fault.IsInvalidData},
		{"bad input key", ir.Transform{ID: "t", Inputs: []string{"x"}, Output: "A.y", Logic: "x"}, fault.IsInvalidField},
		{"duplicate input", ir.Transform{ID: "t", Inputs: []string{"A.x", "A.x"}, Output: "A.y", Logic: "x"}, fault.IsInvalidField},
		{"unknown schema", ir.Transform{ID: "t", Inputs: []string{"B.x"}, Output: "A.y", Logic: "x"}, fault.IsNotFound},
		{"unknown field", ir.Transform{ID: "t", Inputs: []string{"A.nope"}, Output: "A.y", Logic: "nope"}, fault.IsInvalidField},
		{"range output", ir.Transform{ID: "t", Inputs: []string{"A.x"}, Output: "A.series", Logic: "x"}, fault.IsInvalidField},
		{"unparseable logic", ir.Transform{ID: "t", Inputs: []string{"A.x"}, Output: "A.y", Logic: "x +"}, fault.IsInvalidData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := env.reg.Register(ctx, tt.tr)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error class: %v", err)
		})
	}
	assert.Empty(t, env.reg.List())
}

func TestUnregister(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.reg.Register(ctx, t1()))

	ok, err := env.reg.Unregister(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, env.reg.TransformsForField("A", "x"))
	_, ok = env.reg.OutputRef("t1")
	assert.False(t, ok)

	ok, err = env.reg.Unregister(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, found, err := env.kv.Get(ctx, storage.TreeTransforms, "t1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestExecuteWritesOneAtom(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.reg.Register(ctx, t1()))
	_, err := env.fields.Write(ctx, "A", "x", "alice", ir.IRInt(5))
	require.NoError(t, err)

	res, err := env.reg.Execute(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.Equal(t, ir.IRInt(10), res.Value)
	assert.Equal(t, "transform:t1", res.Atom.SourcePubKey)

	latest, err := env.fields.Read(ctx, "A", "y")
	require.NoError(t, err)
	assert.Equal(t, res.Atom.UUID, latest.UUID)
	assert.Equal(t, ir.IRInt(10), latest.Content)

	// a second run appends exactly one more atom to the output lineage
	_, err = env.reg.Execute(ctx, "t1")
	require.NoError(t, err)
	history, err := env.fields.History(ctx, "A", "y", "")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, history[1].UUID, history[0].PrevAtomUUID)
}

func TestInputsTracksValuesAndDefinition(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	_, _, err := env.reg.Inputs(ctx, "t1")
	assert.True(t, fault.IsNotFound(err))

	require.NoError(t, env.reg.Register(ctx, t1()))
	_, set, err := env.reg.Inputs(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, set)

	_, err = env.fields.Write(ctx, "A", "x", "alice", ir.IRInt(5))
	require.NoError(t, err)
	five, set, err := env.reg.Inputs(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, set)

	res, err := env.reg.Execute(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, five, res.Inputs)

	_, err = env.fields.Write(ctx, "A", "x", "alice", ir.IRInt(6))
	require.NoError(t, err)
	six, _, err := env.reg.Inputs(ctx, "t1")
	require.NoError(t, err)
	assert.NotEqual(t, five, six)

	redefined := t1()
	redefined.Logic = "x * 3"
	require.NoError(t, env.reg.Register(ctx, redefined))
	other, _, err := env.reg.Inputs(ctx, "t1")
	require.NoError(t, err)
	assert.NotEqual(t, six, other)
}

func TestExecuteMissingInputWritesNull(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.reg.Register(ctx, t1()))

	res, err := env.reg.Execute(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, res.Success())
	assert.True(t, expr.IsMissingInput(res.EvalErr))
	assert.Equal(t, ir.IRNull{}, res.Value)

	latest, err := env.fields.Read(ctx, "A", "y")
	require.NoError(t, err)
	assert.Equal(t, ir.IRNull{}, latest.Content)
}

func TestExecuteEvaluationErrorWritesNull(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	tr := t1()
	tr.Logic = "x * 2"
	require.NoError(t, env.reg.Register(ctx, tr))
	_, err := env.fields.Write(ctx, "A", "x", "alice", ir.IRString("five"))
	require.NoError(t, err)

	res, err := env.reg.Execute(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, res.Success())
	assert.Equal(t, ir.IRNull{}, res.Value)
}

func TestExecuteRangeInput(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.reg.Register(ctx, ir.Transform{
		ID: "sum", Inputs: []string{"A.series"}, Output: "A.y", Logic: `series.a + series.b`,
	}))
	_, err := env.fields.WriteRange(ctx, "A", "series", "a", "alice", ir.IRInt(2))
	require.NoError(t, err)
	_, err = env.fields.WriteRange(ctx, "A", "series", "b", "alice", ir.IRInt(3))
	require.NoError(t, err)

	res, err := env.reg.Execute(ctx, "sum")
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(5), res.Value)
}

func TestExecuteUnknown(t *testing.T) {
	env := setupTestEnv(t)

	_, err := env.reg.Execute(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, fault.IsNotFound(err))
}

func TestExecuteCanceledContext(t *testing.T) {
	env := setupTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, env.reg.Register(ctx, t1()))
	_, err := env.fields.Write(ctx, "A", "x", "alice", ir.IRInt(5))
	require.NoError(t, err)
	cancel()

	_, err = env.reg.Execute(ctx, "t1")
	require.ErrorIs(t, err, context.Canceled)
}

func TestLoadRebuildsIndices(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.reg.Register(ctx, t1()))
	require.NoError(t, env.reg.Register(ctx, ir.Transform{ID: "t2", Inputs: []string{"A.y"}, Output: "A.z", Logic: "y + 1"}))

	// a fresh process over the same storage
	fresh := newEnv(env.kv)
	_, err := fresh.fields.Registry().Load(ctx)
	require.NoError(t, err)
	n, err := fresh.reg.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, []string{"t1"}, fresh.reg.TransformsForField("A", "x"))
	assert.Equal(t, []string{"t2"}, fresh.reg.TransformsForField("A", "y"))

	oldRef, _ := env.reg.OutputRef("t1")
	newRef, _ := fresh.reg.OutputRef("t1")
	assert.Equal(t, oldRef, newRef)
}

func TestLoadSkipsInvalid(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.kv.Put(ctx, storage.TreeTransforms, "junk", []byte("{")))
	require.NoError(t, env.kv.Put(ctx, storage.TreeTransforms, "gone",
		[]byte(`{"id":"gone","inputs":["Missing.x"],"output":"A.y","logic":"x"}`)))

	n, err := env.reg.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, env.reg.List())
}

func TestCycleWarningsDoNotBlockRegistration(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.reg.Register(ctx, t1()))
	require.NoError(t, env.reg.Register(ctx, ir.Transform{ID: "t2", Inputs: []string{"A.y"}, Output: "A.x", Logic: "y"}))

	warnings := env.reg.CycleWarnings()
	require.Len(t, warnings, 1)
	assert.Equal(t, []string{"t1", "t2", "t1"}, warnings[0].Path)
}
