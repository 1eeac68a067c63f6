// Package node wires storage, the atom store, schemas, transforms and the
// orchestrator into one in-process surface.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/roach88/strata/internal/atom"
	"github.com/roach88/strata/internal/compiler"
	"github.com/roach88/strata/internal/config"
	"github.com/roach88/strata/internal/eventbus"
	"github.com/roach88/strata/internal/expr"
	"github.com/roach88/strata/internal/fault"
	"github.com/roach88/strata/internal/ir"
	"github.com/roach88/strata/internal/orchestrator"
	"github.com/roach88/strata/internal/schema"
	"github.com/roach88/strata/internal/storage"
	"github.com/roach88/strata/internal/transform"
)

// Node is an open strata node.
type Node struct {
	cfg        config.Config
	kv         storage.KV
	bus        *eventbus.Bus
	atoms      *atom.Store
	schemas    *schema.Registry
	fields     *schema.Fields
	eval       expr.Evaluator
	transforms *transform.Registry
	orch       *orchestrator.Orchestrator
	policy     Policy
}

// Option configures Open.
type Option func(*options)

type options struct {
	policy   Policy
	atomOpts []atom.Option
	eval     expr.Evaluator
	kv       storage.KV
}

// WithPolicy installs an access policy. The default allows everything.
func WithPolicy(p Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithAtomOptions passes options through to the atom store.
func WithAtomOptions(opts ...atom.Option) Option {
	return func(o *options) { o.atomOpts = append(o.atomOpts, opts...) }
}

// WithEvaluator replaces the CUE evaluator.
func WithEvaluator(e expr.Evaluator) Option {
	return func(o *options) { o.eval = e }
}

// WithStorage uses kv instead of opening cfg.Storage. The node takes
// ownership and closes it.
func WithStorage(kv storage.KV) Option {
	return func(o *options) { o.kv = kv }
}

// Open opens storage, restores schemas, transforms and queue state, and
// loads cfg.Schemas if set. The background listener is not started; call
// Start.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := options{policy: AllowAll{}}
	for _, opt := range opts {
		opt(&o)
	}

	kv := o.kv
	if kv == nil {
		var err error
		kv, err = storage.Open(cfg.Storage.Backend, cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
	}
	if o.eval == nil {
		o.eval = expr.NewCUE()
	}

	n := &Node{cfg: cfg, kv: kv, bus: eventbus.New(), eval: o.eval, policy: o.policy}
	n.atoms = atom.New(kv, append([]atom.Option{atom.WithBus(n.bus)}, o.atomOpts...)...)
	n.schemas = schema.NewRegistry(kv, n.atoms)
	n.fields = schema.NewFields(n.schemas, n.atoms, n.bus)
	n.transforms = transform.NewRegistry(kv, n.fields, n.eval)
	n.orch = orchestrator.New(kv, n.transforms, n.bus, orchestrator.Options{
		Instance:           cfg.Orchestrator.Instance,
		ProcessedRetention: cfg.Orchestrator.ProcessedRetention,
		Buffer:             cfg.Bus.Buffer,
		AutoDrain:          cfg.Orchestrator.AutoDrain,
	})

	if err := n.restore(ctx); err != nil {
		n.Close()
		return nil, err
	}
	if cfg.Schemas != "" {
		if _, err := n.LoadSchemaDir(ctx, cfg.Schemas); err != nil {
			n.Close()
			return nil, err
		}
	}
	return n, nil
}

func (n *Node) restore(ctx context.Context) error {
	repaired, err := n.schemas.Load(ctx)
	if err != nil {
		return fmt.Errorf("load schemas: %w", err)
	}
	loaded, err := n.transforms.Load(ctx)
	if err != nil {
		return fmt.Errorf("load transforms: %w", err)
	}
	if err := n.orch.Load(ctx); err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	slog.Info("node restored",
		"backend", string(n.cfg.Storage.Backend),
		"schemas", len(n.schemas.Schemas()),
		"ghost_bindings_cleared", repaired,
		"transforms", loaded,
		"queued", n.orch.QueueLen(),
	)
	return nil
}

// Close stops the listener and releases storage.
func (n *Node) Close() error {
	n.orch.Close()
	n.bus.Close()
	return n.kv.Close()
}

// Start runs the background listener that turns field changes into
// transform executions.
func (n *Node) Start() { n.orch.Start() }

// Stop halts the background listener.
func (n *Node) Stop() { n.orch.Stop() }

// Flush runs every pending and triggered transform to completion. Do not
// call it while the listener is running.
func (n *Node) Flush(ctx context.Context) (int, error) {
	return n.orch.Flush(ctx)
}

// Bus returns the node's event bus.
func (n *Node) Bus() *eventbus.Bus { return n.bus }

// Atoms returns the atom store.
func (n *Node) Atoms() *atom.Store { return n.atoms }

// Transforms returns the transform registry.
func (n *Node) Transforms() *transform.Registry { return n.transforms }

// Orchestrator returns the orchestrator.
func (n *Node) Orchestrator() *orchestrator.Orchestrator { return n.orch }

// Schemas returns every registered schema.
func (n *Node) Schemas() []ir.SchemaDef { return n.schemas.Schemas() }

// LoadSchemaDir compiles the CUE schemas in dir and adds them. Every schema
// is added before any attached transform is registered, so transforms may
// read fields of schemas declared in other files.
func (n *Node) LoadSchemaDir(ctx context.Context, dir string) ([]ir.SchemaDef, error) {
	result, errs := compiler.LoadDir(dir, compiler.LoadModeCollectAll)
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	// validate against already registered schemas too, so inputs may
	// name fields declared outside dir
	all := slices.Clone(result.Schemas)
	for _, def := range n.schemas.Schemas() {
		if !slices.ContainsFunc(result.Schemas, func(d ir.SchemaDef) bool { return d.Name == def.Name }) {
			all = append(all, def)
		}
	}
	if verrs := compiler.Validate(all, n.eval); len(verrs) > 0 {
		joined := make([]error, len(verrs))
		for i, e := range verrs {
			joined[i] = e
		}
		return nil, fault.Wrap(fault.InvalidField, "node.LoadSchemaDir", errors.Join(joined...), "validate %s", dir)
	}
	if err := n.addSchemas(ctx, result.Schemas); err != nil {
		return nil, err
	}
	return result.Schemas, nil
}

// AddSchema adds or replaces one schema and registers its attached
// transforms. Transforms attached to fields the new definition drops are
// unregistered.
func (n *Node) AddSchema(ctx context.Context, def ir.SchemaDef) error {
	return n.addSchemas(ctx, []ir.SchemaDef{def})
}

func (n *Node) addSchemas(ctx context.Context, defs []ir.SchemaDef) error {
	var stale []string
	for _, def := range defs {
		old, err := n.schemas.Schema(def.Name)
		if err == nil {
			for _, f := range old.Fields {
				if f.Transform == nil {
					continue
				}
				if nf, ok := def.Field(f.Name); !ok || nf.Transform == nil {
					stale = append(stale, ir.FieldKey{Schema: def.Name, Field: f.Name}.String())
				}
			}
		}
		if err := n.schemas.AddSchema(ctx, def); err != nil {
			return err
		}
	}

	for _, id := range stale {
		if _, err := n.unregister(ctx, id); err != nil {
			return err
		}
	}
	redefined := false
	for _, t := range compiler.Transforms(defs) {
		changed, err := n.register(ctx, t)
		if err != nil {
			return err
		}
		redefined = redefined || changed
	}
	if redefined {
		if _, err := n.orch.Reconcile(ctx); err != nil {
			return err
		}
	}
	return nil
}

// RegisterTransform registers a standalone transform. Replacing a transform
// with a different definition recomputes its output from current inputs.
func (n *Node) RegisterTransform(ctx context.Context, t ir.Transform) error {
	changed, err := n.register(ctx, t)
	if err != nil || !changed {
		return err
	}
	_, err = n.orch.Reconcile(ctx)
	return err
}

// UnregisterTransform removes a transform. It reports whether it existed.
func (n *Node) UnregisterTransform(ctx context.Context, id string) (bool, error) {
	return n.unregister(ctx, id)
}

// register registers t and reports whether it replaced a different
// definition under the same id. The orchestrator forgets what it processed
// for a replaced definition.
func (n *Node) register(ctx context.Context, t ir.Transform) (bool, error) {
	old, existed := n.transforms.Get(t.ID)
	if err := n.transforms.Register(ctx, t); err != nil {
		return false, err
	}
	if !existed {
		return false, nil
	}
	before, err := ir.TransformHash(old)
	if err != nil {
		return false, err
	}
	after, err := ir.TransformHash(t)
	if err != nil {
		return false, err
	}
	if before == after {
		return false, nil
	}
	slog.Info("transform redefined", "transform_id", t.ID)
	return true, n.orch.Forget(ctx, t.ID)
}

func (n *Node) unregister(ctx context.Context, id string) (bool, error) {
	ok, err := n.transforms.Unregister(ctx, id)
	if err != nil || !ok {
		return ok, err
	}
	return true, n.orch.Forget(ctx, id)
}

func (n *Node) authorize(ctx context.Context, op, principal string, access Access, schemaName, field string) error {
	if !n.policy.Allow(ctx, principal, access, schemaName, field) {
		return fault.InvalidPermissionf(op, "%s may not %s %s.%s", principal, access, schemaName, field)
	}
	return nil
}

// WriteField writes a single field.
func (n *Node) WriteField(ctx context.Context, writer, schemaName, field string, content ir.IRValue) (ir.Atom, error) {
	if err := n.authorize(ctx, "node.WriteField", writer, AccessWrite, schemaName, field); err != nil {
		return ir.Atom{}, err
	}
	return n.fields.Write(ctx, schemaName, field, writer, content)
}

// WriteRangeField writes one key of a range field.
func (n *Node) WriteRangeField(ctx context.Context, writer, schemaName, field, key string, content ir.IRValue) (ir.Atom, error) {
	if err := n.authorize(ctx, "node.WriteRangeField", writer, AccessWrite, schemaName, field); err != nil {
		return ir.Atom{}, err
	}
	return n.fields.WriteRange(ctx, schemaName, field, key, writer, content)
}

// AppendField appends to a collection field.
func (n *Node) AppendField(ctx context.Context, writer, schemaName, field string, content ir.IRValue) (ir.Atom, error) {
	if err := n.authorize(ctx, "node.AppendField", writer, AccessWrite, schemaName, field); err != nil {
		return ir.Atom{}, err
	}
	return n.fields.Append(ctx, schemaName, field, writer, content)
}

// DeleteField tombstones a field, a range key, or a collection index. It
// never creates a reference.
func (n *Node) DeleteField(ctx context.Context, writer, schemaName, field, key string) (ir.Atom, error) {
	if err := n.authorize(ctx, "node.DeleteField", writer, AccessWrite, schemaName, field); err != nil {
		return ir.Atom{}, err
	}
	return n.fields.Delete(ctx, schemaName, field, key, writer)
}

// ReadField returns the head atom of a single field.
func (n *Node) ReadField(ctx context.Context, reader, schemaName, field string) (ir.Atom, error) {
	if err := n.authorize(ctx, "node.ReadField", reader, AccessRead, schemaName, field); err != nil {
		return ir.Atom{}, err
	}
	return n.fields.Read(ctx, schemaName, field)
}

// ReadRangeField returns the head atom for key of a range field.
func (n *Node) ReadRangeField(ctx context.Context, reader, schemaName, field, key string) (ir.Atom, error) {
	if err := n.authorize(ctx, "node.ReadRangeField", reader, AccessRead, schemaName, field); err != nil {
		return ir.Atom{}, err
	}
	return n.fields.ReadRange(ctx, schemaName, field, key)
}

// ReadCollection returns the atoms of a collection field in order.
func (n *Node) ReadCollection(ctx context.Context, reader, schemaName, field string) ([]ir.Atom, error) {
	if err := n.authorize(ctx, "node.ReadCollection", reader, AccessRead, schemaName, field); err != nil {
		return nil, err
	}
	return n.fields.ReadCollection(ctx, schemaName, field)
}

// FieldValue returns the current value of a field of any shape.
func (n *Node) FieldValue(ctx context.Context, reader, schemaName, field string) (ir.IRValue, error) {
	if err := n.authorize(ctx, "node.FieldValue", reader, AccessRead, schemaName, field); err != nil {
		return nil, err
	}
	return n.fields.Value(ctx, schemaName, field)
}

// History returns a field's lineage, newest first. key selects the range
// key for range fields.
func (n *Node) History(ctx context.Context, reader, schemaName, field, key string) ([]ir.Atom, error) {
	if err := n.authorize(ctx, "node.History", reader, AccessRead, schemaName, field); err != nil {
		return nil, err
	}
	return n.fields.History(ctx, schemaName, field, key)
}
