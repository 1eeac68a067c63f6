// Package transform holds the transform registry: registered computations,
// the indices that map fields to the transforms they trigger, and the
// execute path that turns current input values into a new output atom.
package transform

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/roach88/strata/internal/expr"
	"github.com/roach88/strata/internal/fault"
	"github.com/roach88/strata/internal/ir"
	"github.com/roach88/strata/internal/metrics"
	"github.com/roach88/strata/internal/schema"
	"github.com/roach88/strata/internal/storage"
)

// WriterPrefix prefixes the writer id recorded on atoms a transform
// produces.
const WriterPrefix = "transform:"

// Registry stores transforms and keeps four indices in step with them:
// field -> transforms, transform -> input fields, transform -> input refs
// and transform -> output ref. Readers never observe a partially applied
// registration.
type Registry struct {
	write sync.Mutex // serializes Register/Unregister/Load

	mu         sync.RWMutex
	transforms map[string]ir.Transform
	byField    map[string]map[string]struct{}
	fieldsOf   map[string][]string
	inputRefs  map[string][]string
	outputRef  map[string]string

	kv     storage.KV
	fields *schema.Fields
	eval   expr.Evaluator
}

// NewRegistry creates an empty registry. Call Load to restore persisted
// transforms.
func NewRegistry(kv storage.KV, fields *schema.Fields, eval expr.Evaluator) *Registry {
	return &Registry{
		transforms: make(map[string]ir.Transform),
		byField:    make(map[string]map[string]struct{}),
		fieldsOf:   make(map[string][]string),
		inputRefs:  make(map[string][]string),
		outputRef:  make(map[string]string),
		kv:         kv,
		fields:     fields,
		eval:       eval,
	}
}

// ExecResult is the outcome of one Execute call.
type ExecResult struct {
	TransformID string
	Value       ir.IRValue
	Atom        ir.Atom

	// EvalErr is the evaluator failure that was resolved to a null
	// output, if any.
	EvalErr error

	// Inputs fingerprints the definition and input values this execution
	// computed from.
	Inputs string
}

// Success reports whether the evaluator produced the value.
func (r ExecResult) Success() bool {
	return r.EvalErr == nil
}

// Register validates t, binds its input and output fields, persists it and
// swaps it into the indices. A prior registration with the same id is
// replaced. Cycles through the transform graph are logged, not rejected.
func (r *Registry) Register(ctx context.Context, t ir.Transform) error {
	const op = "transform.Register"

	r.write.Lock()
	defer r.write.Unlock()

	if err := r.validate(op, t); err != nil {
		return err
	}

	inRefs := make([]string, 0, len(t.Inputs))
	for _, in := range t.Inputs {
		key, _ := ir.ParseFieldKey(in)
		refID, err := r.fields.Registry().ResolveOrCreate(ctx, key.Schema, key.Field)
		if err != nil {
			return err
		}
		inRefs = append(inRefs, refID)
	}
	outKey, _ := ir.ParseFieldKey(t.Output)
	outRef, err := r.fields.Registry().ResolveOrCreate(ctx, outKey.Schema, outKey.Field)
	if err != nil {
		return err
	}

	data, err := json.Marshal(t)
	if err != nil {
		return fault.Wrap(fault.InvalidData, op, err, "encode %s", t.ID)
	}
	if err := r.kv.Put(ctx, storage.TreeTransforms, t.ID, data); err != nil {
		return fault.Wrap(fault.InvalidData, op, err, "persist %s", t.ID)
	}

	r.mu.Lock()
	r.indexLocked(t, inRefs, outRef)
	all := r.listLocked()
	r.mu.Unlock()

	slog.Debug("transform registered", "transform_id", t.ID, "inputs", t.Inputs, "output", t.Output)
	for _, w := range AnalyzeCycles(all) {
		if slices.Contains(w.Path, t.ID) {
			slog.Warn("transform cycle", "transform_id", t.ID, "path", w.Path)
		}
	}
	return nil
}

func (r *Registry) validate(op string, t ir.Transform) error {
	if t.ID == "" {
		return fault.InvalidDataf(op, "transform id is required")
	}
	if len(t.Inputs) == 0 {
		return fault.InvalidDataf(op, "transform %s declares no inputs", t.ID)
	}

	seen := make(map[string]bool, len(t.Inputs))
	for _, in := range t.Inputs {
		key, err := ir.ParseFieldKey(in)
		if err != nil {
			return fault.Wrap(fault.InvalidField, op, err, "transform %s input", t.ID)
		}
		if seen[in] {
			return fault.InvalidFieldf(op, "transform %s lists input %s twice", t.ID, in)
		}
		seen[in] = true
		if _, err := r.fields.Registry().Field(key.Schema, key.Field); err != nil {
			return err
		}
	}

	outKey, err := ir.ParseFieldKey(t.Output)
	if err != nil {
		return fault.Wrap(fault.InvalidField, op, err, "transform %s output", t.ID)
	}
	out, err := r.fields.Registry().Field(outKey.Schema, outKey.Field)
	if err != nil {
		return err
	}
	if out.Shape != ir.RefSingle {
		return fault.InvalidFieldf(op, "transform %s output %s must be single, is %s", t.ID, t.Output, out.Shape)
	}

	if err := r.eval.Check(t.Logic, t.Inputs); err != nil {
		return fault.Wrap(fault.InvalidData, op, err, "transform %s logic", t.ID)
	}
	return nil
}

// indexLocked replaces any existing entries for t.ID. Caller holds mu.
func (r *Registry) indexLocked(t ir.Transform, inRefs []string, outRef string) {
	r.unindexLocked(t.ID)

	r.transforms[t.ID] = t
	r.fieldsOf[t.ID] = slices.Clone(t.Inputs)
	r.inputRefs[t.ID] = inRefs
	r.outputRef[t.ID] = outRef
	for _, in := range t.Inputs {
		set, ok := r.byField[in]
		if !ok {
			set = make(map[string]struct{})
			r.byField[in] = set
		}
		set[t.ID] = struct{}{}
	}
}

func (r *Registry) unindexLocked(id string) bool {
	if _, ok := r.transforms[id]; !ok {
		return false
	}
	for _, in := range r.fieldsOf[id] {
		delete(r.byField[in], id)
		if len(r.byField[in]) == 0 {
			delete(r.byField, in)
		}
	}
	delete(r.transforms, id)
	delete(r.fieldsOf, id)
	delete(r.inputRefs, id)
	delete(r.outputRef, id)
	return true
}

// Unregister removes the transform and every index entry referencing it.
// It reports whether the transform existed.
func (r *Registry) Unregister(ctx context.Context, id string) (bool, error) {
	const op = "transform.Unregister"

	r.write.Lock()
	defer r.write.Unlock()

	r.mu.RLock()
	_, ok := r.transforms[id]
	r.mu.RUnlock()
	if !ok {
		return false, nil
	}

	if err := r.kv.Delete(ctx, storage.TreeTransforms, id); err != nil {
		return false, fault.Wrap(fault.InvalidData, op, err, "delete %s", id)
	}

	r.mu.Lock()
	r.unindexLocked(id)
	r.mu.Unlock()

	slog.Debug("transform unregistered", "transform_id", id)
	return true, nil
}

// TransformsForField returns the ids of transforms that read schema.field,
// sorted.
func (r *Registry) TransformsForField(schemaName, field string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byField[schemaName+"."+field]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Get returns a registered transform.
func (r *Registry) Get(id string) (ir.Transform, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.transforms[id]
	if !ok {
		return ir.Transform{}, false
	}
	t.Inputs = slices.Clone(t.Inputs)
	return t, true
}

// List returns every registered transform ordered by id.
func (r *Registry) List() []ir.Transform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked()
}

func (r *Registry) listLocked() []ir.Transform {
	out := make([]ir.Transform, 0, len(r.transforms))
	for _, t := range r.transforms {
		t.Inputs = slices.Clone(t.Inputs)
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b ir.Transform) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// InputRefs returns the refs bound to the transform's inputs, in input order.
func (r *Registry) InputRefs(id string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	refs, ok := r.inputRefs[id]
	return slices.Clone(refs), ok
}

// OutputRef returns the ref bound to the transform's output.
func (r *Registry) OutputRef(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ref, ok := r.outputRef[id]
	return ref, ok
}

// CycleWarnings analyzes the current transform graph.
func (r *Registry) CycleWarnings() []CycleWarning {
	return AnalyzeCycles(r.List())
}

// Load rebuilds the indices from persisted transforms. Entries that no
// longer decode or validate against the current schemas are skipped and
// logged. It returns the number of transforms loaded.
func (r *Registry) Load(ctx context.Context) (int, error) {
	const op = "transform.Load"

	entries, err := r.kv.Scan(ctx, storage.TreeTransforms, "")
	if err != nil {
		return 0, fault.Wrap(fault.InvalidData, op, err, "scan transforms")
	}

	r.write.Lock()
	defer r.write.Unlock()

	loaded := 0
	for _, e := range entries {
		var t ir.Transform
		if err := json.Unmarshal(e.Value, &t); err != nil {
			slog.Warn("skipping undecodable transform", "key", e.Key, "error", err)
			continue
		}
		if err := r.validate(op, t); err != nil {
			slog.Warn("skipping invalid transform", "transform_id", t.ID, "error", err)
			continue
		}

		inRefs := make([]string, 0, len(t.Inputs))
		for _, in := range t.Inputs {
			key, _ := ir.ParseFieldKey(in)
			refID, err := r.fields.Registry().ResolveOrCreate(ctx, key.Schema, key.Field)
			if err != nil {
				return loaded, err
			}
			inRefs = append(inRefs, refID)
		}
		outKey, _ := ir.ParseFieldKey(t.Output)
		outRef, err := r.fields.Registry().ResolveOrCreate(ctx, outKey.Schema, outKey.Field)
		if err != nil {
			return loaded, err
		}

		r.mu.Lock()
		r.indexLocked(t, inRefs, outRef)
		r.mu.Unlock()
		loaded++
	}

	for _, w := range r.CycleWarnings() {
		slog.Warn("transform cycle", "path", w.Path)
	}
	return loaded, nil
}

// gather reads the current value of every set input of t.
func (r *Registry) gather(ctx context.Context, t ir.Transform) (map[string]ir.IRValue, error) {
	values := make(map[string]ir.IRValue, len(t.Inputs))
	for _, in := range t.Inputs {
		key, _ := ir.ParseFieldKey(in)
		v, err := r.fields.Value(ctx, key.Schema, key.Field)
		switch {
		case err == nil:
			values[in] = v
		case fault.IsNotFound(err):
			// unset input; the evaluator reports it
		default:
			return nil, err
		}
	}
	return values, nil
}

// Inputs fingerprints the transform's definition together with the current
// values of its inputs, the same way Execute does. set is false when none
// of the inputs has a value.
func (r *Registry) Inputs(ctx context.Context, id string) (fp string, set bool, err error) {
	const op = "transform.Inputs"

	t, ok := r.Get(id)
	if !ok {
		return "", false, fault.NotFoundf(op, "transform %s", id)
	}
	values, err := r.gather(ctx, t)
	if err != nil {
		return "", false, err
	}
	fp, err = ir.InputFingerprint(t, values)
	if err != nil {
		return "", false, fault.Wrap(fault.InvalidData, op, err, "fingerprint %s", id)
	}
	return fp, len(values) > 0, nil
}

// Execute gathers the current values of the transform's inputs, evaluates
// its logic and writes the result to the output field. Evaluator failures
// are resolved to a null output, logged, and reported in ExecResult.EvalErr;
// only registry, storage and context errors are returned.
func (r *Registry) Execute(ctx context.Context, id string) (ExecResult, error) {
	const op = "transform.Execute"

	t, ok := r.Get(id)
	if !ok {
		return ExecResult{}, fault.NotFoundf(op, "transform %s", id)
	}

	start := time.Now()
	values, err := r.gather(ctx, t)
	if err != nil {
		metrics.TransformExecutions.WithLabelValues(metrics.OutcomeError).Inc()
		return ExecResult{}, err
	}
	inputs, err := ir.InputFingerprint(t, values)
	if err != nil {
		return ExecResult{}, fault.Wrap(fault.InvalidData, op, err, "fingerprint %s", id)
	}

	result := ExecResult{TransformID: id, Inputs: inputs}
	value, err := r.eval.Evaluate(ctx, t.Logic, t.Inputs, values)
	switch {
	case err == nil:
		result.Value = value
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ExecResult{}, err
	default:
		slog.Warn("transform evaluation failed; writing null",
			"transform_id", id,
			"output", t.Output,
			"error", err,
		)
		result.Value = ir.IRNull{}
		result.EvalErr = err
	}

	outKey, _ := ir.ParseFieldKey(t.Output)
	a, err := r.fields.Write(ctx, outKey.Schema, outKey.Field, WriterPrefix+id, result.Value)
	if err != nil {
		metrics.TransformExecutions.WithLabelValues(metrics.OutcomeError).Inc()
		return ExecResult{}, err
	}
	result.Atom = a

	metrics.TransformDuration.Observe(time.Since(start).Seconds())
	if result.Success() {
		metrics.TransformExecutions.WithLabelValues(metrics.OutcomeSuccess).Inc()
	} else {
		metrics.TransformExecutions.WithLabelValues(metrics.OutcomeNull).Inc()
	}
	slog.Debug("transform executed", "transform_id", id, "atom_uuid", a.UUID, "success", result.Success())
	return result, nil
}
