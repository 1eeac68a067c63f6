package harness

// Trace event types.
const (
	EventFieldChanged      = "field_changed"
	EventTransformExecuted = "transform_executed"
)

// TraceEvent is one observed bus event. Atom identifiers and fingerprints
// are left out so traces compare stably across runs.
type TraceEvent struct {
	Type      string `json:"type"`
	Seq       int64  `json:"seq"`
	Field     string `json:"field,omitempty"`
	Key       string `json:"key,omitempty"`
	Value     any    `json:"value,omitempty"`
	Transform string `json:"transform,omitempty"`
	Success   *bool  `json:"success,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Trace holds field changes and transform executions in delivery order.
	Trace []TraceEvent `json:"trace"`

	// Errors holds one message per failed assertion.
	Errors []string `json:"errors,omitempty"`

	// State maps each "schema.field" to its final value. Fields without a
	// live value are absent.
	State map[string]any `json:"state,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  make(map[string]any),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) addEvent(e TraceEvent) {
	e.Seq = int64(len(r.Trace) + 1)
	r.Trace = append(r.Trace, e)
}
