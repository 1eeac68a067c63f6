package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/strata/internal/ir"
)

// Scenario is a declarative run against a fresh node: schemas to load,
// steps to apply, and assertions over the resulting trace and state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Schemas lists CUE package directories to load, relative to the
	// scenario file once loaded through LoadScenario.
	Schemas []string `yaml:"schemas"`

	// Transforms registers standalone transforms after schemas load.
	Transforms []TransformDef `yaml:"transforms,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`

	// AutoFlush drains the queue after every step.
	AutoFlush bool `yaml:"auto_flush,omitempty"`
}

// TransformDef declares a standalone transform.
type TransformDef struct {
	ID     string   `yaml:"id"`
	Inputs []string `yaml:"inputs"`
	Output string   `yaml:"output"`
	Logic  string   `yaml:"logic"`
}

func (d TransformDef) toIR() ir.Transform {
	return ir.Transform{ID: d.ID, Inputs: d.Inputs, Output: d.Output, Logic: d.Logic}
}

// Step performs exactly one action.
type Step struct {
	// Write sets a single field, or a range key when Key is set.
	Write string `yaml:"write,omitempty"`

	// Append adds Value to a collection field.
	Append string `yaml:"append,omitempty"`

	// Delete tombstones a field, a range key or a collection index.
	Delete string `yaml:"delete,omitempty"`

	// Key selects the range key or collection index.
	Key string `yaml:"key,omitempty"`

	// Value is the content written. Absent means null.
	Value any `yaml:"value,omitempty"`

	// Writer is the principal recorded on the atom. Defaults to "harness".
	Writer string `yaml:"writer,omitempty"`

	// Flush drains the queue until it is empty.
	Flush bool `yaml:"flush,omitempty"`

	// Unregister removes a transform by id.
	Unregister string `yaml:"unregister,omitempty"`
}

func (s Step) action() string {
	var set []string
	if s.Write != "" {
		set = append(set, "write")
	}
	if s.Append != "" {
		set = append(set, "append")
	}
	if s.Delete != "" {
		set = append(set, "delete")
	}
	if s.Flush {
		set = append(set, "flush")
	}
	if s.Unregister != "" {
		set = append(set, "unregister")
	}
	if len(set) != 1 {
		return ""
	}
	return set[0]
}

func (s Step) writer() string {
	if s.Writer == "" {
		return "harness"
	}
	return s.Writer
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Field is a "schema.field" key (field_*, history_length, trace_*).
	Field string `yaml:"field,omitempty"`

	// Key selects a range key (field_equals, history_length).
	Key string `yaml:"key,omitempty"`

	// Value is the expected content (field_equals).
	Value any `yaml:"value,omitempty"`

	// Event restricts trace assertions to one event type.
	Event string `yaml:"event,omitempty"`

	// Transform restricts trace assertions to one transform id.
	Transform string `yaml:"transform,omitempty"`

	// Success restricts trace assertions to executions with this outcome.
	Success *bool `yaml:"success,omitempty"`

	// Count is the expected number (trace_count, queue_length, history_length).
	Count int `yaml:"count"`

	// Transforms is the expected execution order (trace_order).
	Transforms []string `yaml:"transforms,omitempty"`
}

// Assertion type constants.
const (
	AssertFieldEquals   = "field_equals"
	AssertFieldMissing  = "field_missing"
	AssertHistoryLength = "history_length"
	AssertQueueLength   = "queue_length"
	AssertTraceContains = "trace_contains"
	AssertTraceCount    = "trace_count"
	AssertTraceOrder    = "trace_order"
)

// LoadScenario reads and parses a scenario YAML file. Schema paths are
// resolved relative to the file's directory. Unknown fields are rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	base := filepath.Dir(path)
	for i, dir := range scenario.Schemas {
		if !filepath.IsAbs(dir) {
			scenario.Schemas[i] = filepath.Join(base, dir)
		}
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Schemas) == 0 && len(s.Transforms) == 0 {
		return fmt.Errorf("schemas list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for _, dir := range s.Schemas {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("schema directory not found: %s", dir)
		}
		if !info.IsDir() {
			return fmt.Errorf("schema path is not a directory: %s", dir)
		}
	}

	for i, t := range s.Transforms {
		if t.ID == "" {
			return fmt.Errorf("transforms[%d]: id is required", i)
		}
		if len(t.Inputs) == 0 {
			return fmt.Errorf("transforms[%d]: inputs are required", i)
		}
		if t.Output == "" {
			return fmt.Errorf("transforms[%d]: output is required", i)
		}
	}

	for i, step := range s.Steps {
		action := step.action()
		if action == "" {
			return fmt.Errorf("steps[%d]: exactly one of write, append, delete, flush, unregister is required", i)
		}
		var target string
		switch action {
		case "write":
			target = step.Write
		case "append":
			target = step.Append
		case "delete":
			target = step.Delete
		}
		if target != "" {
			if _, err := ir.ParseFieldKey(target); err != nil {
				return fmt.Errorf("steps[%d]: %w", i, err)
			}
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertFieldEquals, AssertFieldMissing, AssertHistoryLength:
		if _, err := ir.ParseFieldKey(a.Field); err != nil {
			return fmt.Errorf("assertions[%d]: %s: %w", index, a.Type, err)
		}
	case AssertQueueLength:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case AssertTraceContains, AssertTraceCount:
		if a.Event != "" && a.Event != EventFieldChanged && a.Event != EventTransformExecuted {
			return fmt.Errorf("assertions[%d]: unknown event %q", index, a.Event)
		}
		if a.Type == AssertTraceCount && a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case AssertTraceOrder:
		if len(a.Transforms) < 2 {
			return fmt.Errorf("assertions[%d]: trace_order needs at least two transforms", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
