package ir

// Transform is a registered computation: declared input fields, one output
// field, and a logic body understood only by the expression evaluator.
// Inputs and Output are "schema.field" keys.
type Transform struct {
	ID     string   `json:"id"`
	Inputs []string `json:"inputs"`
	Output string   `json:"output"`
	Logic  string   `json:"logic"`
}

// QueueTask is one pending transform execution.
type QueueTask struct {
	TransformID       string `json:"transform_id"`
	ChangeFingerprint string `json:"change_fingerprint"`

	// Source is the "schema.field" whose change queued the task, or empty
	// for a reconciliation task.
	Source string `json:"source,omitempty"`
}

// Key is the dedup key for the task.
func (t QueueTask) Key() string {
	return t.TransformID + "|" + t.ChangeFingerprint
}
