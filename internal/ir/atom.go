package ir

import (
	"encoding/json"
	"fmt"
	"time"
)

// AtomStatus marks whether a revision (or a reference head) is live.
type AtomStatus string

const (
	StatusActive  AtomStatus = "active"
	StatusDeleted AtomStatus = "deleted"
)

// Valid reports whether s is a known status.
func (s AtomStatus) Valid() bool {
	return s == StatusActive || s == StatusDeleted
}

// Atom is an immutable content revision. Atoms form a backward-linked list
// per lineage through PrevAtomUUID and are never mutated or deleted once
// written; a tombstone is a new Atom with StatusDeleted.
type Atom struct {
	UUID             string     `json:"uuid"`
	SourceSchemaName string     `json:"source_schema_name"`
	SourcePubKey     string     `json:"source_pub_key"`
	CreatedAt        time.Time  `json:"created_at"`
	PrevAtomUUID     string     `json:"prev_atom_uuid,omitempty"`
	Status           AtomStatus `json:"status"`
	Content          IRValue    `json:"content"`
}

// IsRoot reports whether the atom starts its lineage.
func (a Atom) IsRoot() bool {
	return a.PrevAtomUUID == ""
}

// UnmarshalJSON decodes Content through DecodeValue so that numbers stay
// integers and null becomes IRNull.
func (a *Atom) UnmarshalJSON(data []byte) error {
	type plain Atom
	var raw struct {
		plain
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*a = Atom(raw.plain)
	a.Content = IRNull{}
	if len(raw.Content) > 0 {
		content, err := DecodeValue(raw.Content)
		if err != nil {
			return fmt.Errorf("atom %s content: %w", a.UUID, err)
		}
		a.Content = content
	}
	return nil
}
