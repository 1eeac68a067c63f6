package harness

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/roach88/strata/internal/fault"
	"github.com/roach88/strata/internal/ir"
	"github.com/roach88/strata/internal/node"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			switch event.Type {
			case EventFieldChanged:
				fmt.Fprintf(&buf, "  [%d] %s %s = %v\n", event.Seq, event.Type, formatKey(event.Field, event.Key), event.Value)
			case EventTransformExecuted:
				fmt.Fprintf(&buf, "  [%d] %s %s success=%v\n", event.Seq, event.Type, event.Transform, event.Success != nil && *event.Success)
			}
		}
	}
	return buf.String()
}

// matchEvent reports whether event satisfies the filters set on assertion.
// Field matches the written field for field_changed and the output field
// for transform_executed.
func matchEvent(event TraceEvent, a Assertion) bool {
	if a.Event != "" && event.Type != a.Event {
		return false
	}
	if a.Field != "" && event.Field != a.Field {
		return false
	}
	if a.Key != "" && event.Key != a.Key {
		return false
	}
	if a.Transform != "" && event.Transform != a.Transform {
		return false
	}
	if a.Success != nil && (event.Success == nil || *event.Success != *a.Success) {
		return false
	}
	return true
}

func describeFilter(a Assertion) string {
	var parts []string
	if a.Event != "" {
		parts = append(parts, "event="+a.Event)
	}
	if a.Field != "" {
		parts = append(parts, "field="+formatKey(a.Field, a.Key))
	}
	if a.Transform != "" {
		parts = append(parts, "transform="+a.Transform)
	}
	if a.Success != nil {
		parts = append(parts, fmt.Sprintf("success=%v", *a.Success))
	}
	if len(parts) == 0 {
		return "any event"
	}
	return strings.Join(parts, " ")
}

// assertTraceContains checks that at least one event matches.
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if matchEvent(event, assertion) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: describeFilter(assertion),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceCount checks that exactly Count events match.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if matchEvent(event, assertion) {
			count++
		}
	}
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, describeFilter(assertion)),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertTraceOrder checks that the named transforms first executed in the
// given order. Other events may interleave.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	positions := make(map[string]int64)
	for _, event := range trace {
		if event.Type != EventTransformExecuted {
			continue
		}
		if _, seen := positions[event.Transform]; !seen {
			positions[event.Transform] = event.Seq
		}
	}

	for _, id := range assertion.Transforms {
		if _, ok := positions[id]; !ok {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all transforms executed: %v", assertion.Transforms),
				Actual:   fmt.Sprintf("missing transform: %s", id),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Transforms); i++ {
		prev, curr := assertion.Transforms[i-1], assertion.Transforms[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("transforms in order: %v", assertion.Transforms),
				Actual: fmt.Sprintf("%s (seq %d) should be before %s (seq %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// fieldValue reads the live value of a field or of one range key.
func fieldValue(ctx context.Context, n *node.Node, field, key string) (ir.IRValue, error) {
	fk, err := ir.ParseFieldKey(field)
	if err != nil {
		return nil, err
	}
	if key == "" {
		return n.FieldValue(ctx, "harness", fk.Schema, fk.Field)
	}
	a, err := n.ReadRangeField(ctx, "harness", fk.Schema, fk.Field, key)
	if err != nil {
		return nil, err
	}
	if a.Status == ir.StatusDeleted {
		return nil, fault.NotFoundf("harness.fieldValue", "%s is deleted", formatKey(field, key))
	}
	return a.Content, nil
}

// assertFieldEquals compares canonical encodings so that YAML integers,
// maps and lists match their IR counterparts.
func assertFieldEquals(ctx context.Context, n *node.Node, assertion Assertion) error {
	name := formatKey(assertion.Field, assertion.Key)

	expected, err := ir.FromGo(assertion.Value)
	if err != nil {
		return fmt.Errorf("field_equals %s: expected value: %w", name, err)
	}
	want, err := ir.MarshalCanonical(expected)
	if err != nil {
		return fmt.Errorf("field_equals %s: expected value: %w", name, err)
	}

	actual, err := fieldValue(ctx, n, assertion.Field, assertion.Key)
	if err != nil {
		return &AssertionError{
			Type:     AssertFieldEquals,
			Expected: fmt.Sprintf("%s = %s", name, want),
			Actual:   fmt.Sprintf("read error: %v", err),
		}
	}
	got, err := ir.MarshalCanonical(actual)
	if err != nil {
		return fmt.Errorf("field_equals %s: actual value: %w", name, err)
	}

	if !bytes.Equal(want, got) {
		return &AssertionError{
			Type:     AssertFieldEquals,
			Expected: fmt.Sprintf("%s = %s", name, want),
			Actual:   fmt.Sprintf("%s = %s", name, got),
		}
	}
	return nil
}

func assertFieldMissing(ctx context.Context, n *node.Node, assertion Assertion) error {
	name := formatKey(assertion.Field, assertion.Key)

	v, err := fieldValue(ctx, n, assertion.Field, assertion.Key)
	if fault.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return &AssertionError{
			Type:     AssertFieldMissing,
			Expected: name + " has no value",
			Actual:   fmt.Sprintf("read error: %v", err),
		}
	}
	got, _ := ir.MarshalCanonical(v)
	return &AssertionError{
		Type:     AssertFieldMissing,
		Expected: name + " has no value",
		Actual:   fmt.Sprintf("%s = %s", name, got),
	}
}

func assertHistoryLength(ctx context.Context, n *node.Node, assertion Assertion) error {
	name := formatKey(assertion.Field, assertion.Key)

	fk, err := ir.ParseFieldKey(assertion.Field)
	if err != nil {
		return err
	}
	history, err := n.History(ctx, "harness", fk.Schema, fk.Field, assertion.Key)
	if err != nil && !fault.IsNotFound(err) {
		return &AssertionError{
			Type:     AssertHistoryLength,
			Expected: fmt.Sprintf("%d atoms in %s", assertion.Count, name),
			Actual:   fmt.Sprintf("read error: %v", err),
		}
	}
	if len(history) != assertion.Count {
		return &AssertionError{
			Type:     AssertHistoryLength,
			Expected: fmt.Sprintf("%d atoms in %s", assertion.Count, name),
			Actual:   fmt.Sprintf("%d atoms", len(history)),
		}
	}
	return nil
}

func assertQueueLength(n *node.Node, assertion Assertion) error {
	if got := n.Orchestrator().QueueLen(); got != assertion.Count {
		return &AssertionError{
			Type:     AssertQueueLength,
			Expected: fmt.Sprintf("%d pending tasks", assertion.Count),
			Actual:   fmt.Sprintf("%d pending tasks", got),
		}
	}
	return nil
}

// AssertionContext provides node access for state assertions.
type AssertionContext struct {
	Node *node.Node
	Ctx  context.Context
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertFieldEquals, AssertFieldMissing, AssertHistoryLength, AssertQueueLength:
			if actx == nil || actx.Node == nil {
				err = fmt.Errorf("assertion[%d]: %s requires a node", i, assertion.Type)
				break
			}
			switch assertion.Type {
			case AssertFieldEquals:
				err = assertFieldEquals(actx.Ctx, actx.Node, assertion)
			case AssertFieldMissing:
				err = assertFieldMissing(actx.Ctx, actx.Node, assertion)
			case AssertHistoryLength:
				err = assertHistoryLength(actx.Ctx, actx.Node, assertion)
			case AssertQueueLength:
				err = assertQueueLength(actx.Node, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
