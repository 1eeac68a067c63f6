package harness

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/roach88/strata/internal/atom"
	"github.com/roach88/strata/internal/config"
	"github.com/roach88/strata/internal/eventbus"
	"github.com/roach88/strata/internal/fault"
	"github.com/roach88/strata/internal/ir"
	"github.com/roach88/strata/internal/node"
	"github.com/roach88/strata/internal/storage"
	"github.com/roach88/strata/internal/testutil"
)

// traceBuffer bounds the events buffered between two steps.
const traceBuffer = 1 << 14

// Harness executes one scenario against one node.
type Harness struct {
	node   *node.Node
	sub    *eventbus.Subscription
	result *Result
}

// Run executes a scenario and returns the result.
//
// Each scenario runs on a fresh memory-backed node:
//  1. Load schema directories and standalone transforms
//  2. Apply steps in order, draining bus events into the trace after each
//  3. Capture the final value of every schema field
//  4. Evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()

	cfg := config.Default()
	cfg.Storage = config.Storage{Backend: storage.BackendMemory}
	cfg.Orchestrator.AutoDrain = false

	n, err := node.Open(ctx, cfg, node.WithAtomOptions(
		atom.WithClock(testutil.NewFakeClock()),
		atom.WithIDGenerator(testutil.NewSequenceIDGenerator("atom")),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open node: %w", err)
	}
	defer n.Close()

	h := &Harness{
		node:   n,
		sub:    n.Bus().Subscribe(traceBuffer, eventbus.EventFieldChanged, eventbus.EventTransformExecuted),
		result: NewResult(),
	}
	defer h.sub.Close()

	if err := h.setup(ctx, scenario); err != nil {
		return nil, fmt.Errorf("failed to set up scenario: %w", err)
	}

	for i, step := range scenario.Steps {
		if err := h.apply(ctx, step); err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.action(), err)
		}
		if scenario.AutoFlush && !step.Flush {
			if _, err := n.Flush(ctx); err != nil {
				return nil, fmt.Errorf("step %d: flush: %w", i, err)
			}
		}
		if err := h.drain(ctx); err != nil {
			return nil, err
		}
		slog.Debug("scenario step applied", "scenario", scenario.Name, "step", i, "action", step.action())
	}

	if err := h.captureState(ctx); err != nil {
		return nil, err
	}

	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions, &AssertionContext{Node: n, Ctx: ctx}) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

func (h *Harness) setup(ctx context.Context, scenario *Scenario) error {
	for _, dir := range scenario.Schemas {
		if _, err := h.node.LoadSchemaDir(ctx, dir); err != nil {
			return err
		}
	}
	for _, t := range scenario.Transforms {
		if err := h.node.RegisterTransform(ctx, t.toIR()); err != nil {
			return err
		}
	}
	return nil
}

func (h *Harness) apply(ctx context.Context, step Step) error {
	value, err := ir.FromGo(step.Value)
	if err != nil {
		return fmt.Errorf("value: %w", err)
	}

	switch step.action() {
	case "write":
		key, _ := ir.ParseFieldKey(step.Write)
		if step.Key != "" {
			_, err = h.node.WriteRangeField(ctx, step.writer(), key.Schema, key.Field, step.Key, value)
		} else {
			_, err = h.node.WriteField(ctx, step.writer(), key.Schema, key.Field, value)
		}
	case "append":
		key, _ := ir.ParseFieldKey(step.Append)
		_, err = h.node.AppendField(ctx, step.writer(), key.Schema, key.Field, value)
	case "delete":
		key, _ := ir.ParseFieldKey(step.Delete)
		_, err = h.node.DeleteField(ctx, step.writer(), key.Schema, key.Field, step.Key)
	case "flush":
		_, err = h.node.Flush(ctx)
	case "unregister":
		var ok bool
		ok, err = h.node.UnregisterTransform(ctx, step.Unregister)
		if err == nil && !ok {
			err = fmt.Errorf("transform %s is not registered", step.Unregister)
		}
	default:
		err = fmt.Errorf("step has no single action")
	}
	return err
}

// drain moves everything buffered on the subscription into the trace.
func (h *Harness) drain(ctx context.Context) error {
	for {
		select {
		case e, ok := <-h.sub.C():
			if !ok {
				return nil
			}
			if err := h.record(ctx, e); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (h *Harness) record(ctx context.Context, e eventbus.Event) error {
	switch e.Type {
	case eventbus.EventFieldChanged:
		fc := e.Field
		a, err := h.node.Atoms().GetAtom(ctx, fc.AtomUUID)
		if err != nil {
			return fmt.Errorf("trace: atom for %s.%s: %w", fc.Schema, fc.Field, err)
		}
		h.result.addEvent(TraceEvent{
			Type:  EventFieldChanged,
			Field: fc.Schema + "." + fc.Field,
			Key:   fc.Key,
			Value: ir.ToGo(a.Content),
		})
	case eventbus.EventTransformExecuted:
		te := e.Transform
		success := te.Success
		ev := TraceEvent{
			Type:      EventTransformExecuted,
			Transform: te.TransformID,
			Success:   &success,
			Error:     te.Error,
		}
		if t, ok := h.node.Transforms().Get(te.TransformID); ok {
			ev.Field = t.Output
		}
		h.result.addEvent(ev)
	}
	return nil
}

func (h *Harness) captureState(ctx context.Context) error {
	for _, def := range h.node.Schemas() {
		for _, f := range def.Fields {
			v, err := h.node.FieldValue(ctx, "harness", def.Name, f.Name)
			if fault.IsNotFound(err) {
				continue
			}
			if err != nil {
				return fmt.Errorf("capture %s.%s: %w", def.Name, f.Name, err)
			}
			h.result.State[def.Name+"."+f.Name] = ir.ToGo(v)
		}
	}
	return nil
}

func formatKey(field, key string) string {
	if key == "" {
		return field
	}
	return field + "[" + strconv.Quote(key) + "]"
}
