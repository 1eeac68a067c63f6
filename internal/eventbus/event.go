package eventbus

import "github.com/roach88/strata/internal/ir"

// EventType distinguishes event kinds.
type EventType int

const (
	// EventAtomCreated is published after an atom is durably written.
	EventAtomCreated EventType = iota + 1
	// EventRefUpdated is published after a reference head moves.
	EventRefUpdated
	// EventFieldChanged is published after a schema field write completes.
	EventFieldChanged
	// EventTransformExecuted is published after the orchestrator runs a task.
	EventTransformExecuted
)

func (t EventType) String() string {
	switch t {
	case EventAtomCreated:
		return "atom_created"
	case EventRefUpdated:
		return "ref_updated"
	case EventFieldChanged:
		return "field_changed"
	case EventTransformExecuted:
		return "transform_executed"
	default:
		return "unknown"
	}
}

// Event is the envelope delivered to subscribers. Exactly one payload
// pointer matching Type is set.
type Event struct {
	Type EventType
	Seq  int64

	Atom      *AtomCreated
	Ref       *RefUpdated
	Field     *FieldChanged
	Transform *TransformExecuted
}

type AtomCreated struct {
	AtomUUID string
	Schema   string
	Status   ir.AtomStatus
}

type RefUpdated struct {
	RefUUID  string
	Kind     ir.RefKind
	AtomUUID string
	Key      string
}

// FieldChanged reports a completed schema field write. Fingerprint is the
// change fingerprint of (schema, field, key, content).
type FieldChanged struct {
	Schema      string
	Field       string
	Key         string
	RefUUID     string
	AtomUUID    string
	Fingerprint string
}

// TransformExecuted reports the outcome of one orchestrator task.
// Success is false when the evaluator failed and a null was persisted.
type TransformExecuted struct {
	TransformID string
	Fingerprint string
	AtomUUID    string
	Success     bool
	Error       string
}
