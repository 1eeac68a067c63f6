package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// The version suffix leaves room for algorithm migration.
const (
	DomainChange    = "strata/change/v1"
	DomainTransform = "strata/transform/v1"
	DomainInputs    = "strata/inputs/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null byte keeps the domain/data boundary unambiguous.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ChangeFingerprint identifies the semantic mutation of a field: the same
// content written to the same field always yields the same fingerprint,
// regardless of which atom ended up holding it. The orchestrator uses it to
// deduplicate queue entries.
//
// key is the range key for range fields and empty otherwise.
func ChangeFingerprint(schema, field, key string, content IRValue) (string, error) {
	obj := IRObject{
		"schema":  IRString(schema),
		"field":   IRString(field),
		"content": content,
	}
	if key != "" {
		obj["key"] = IRString(key)
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("ChangeFingerprint: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainChange, canonical), nil
}

// TransformHash identifies a transform definition. Re-registering an
// identical definition produces the same hash.
func TransformHash(t Transform) (string, error) {
	inputs := make(IRArray, len(t.Inputs))
	for i, in := range t.Inputs {
		inputs[i] = IRString(in)
	}
	obj := IRObject{
		"id":     IRString(t.ID),
		"inputs": inputs,
		"output": IRString(t.Output),
		"logic":  IRString(t.Logic),
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("TransformHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainTransform, canonical), nil
}

// InputFingerprint identifies what an execution of t would compute from:
// its definition and the current values of its inputs. Unset inputs are
// left out of values and hash differently from a null value.
func InputFingerprint(t Transform, values map[string]IRValue) (string, error) {
	def, err := TransformHash(t)
	if err != nil {
		return "", fmt.Errorf("InputFingerprint: %w", err)
	}
	inputs := make(IRObject, len(values))
	for k, v := range values {
		inputs[k] = v
	}

	canonical, err := MarshalCanonical(IRObject{
		"transform": IRString(def),
		"inputs":    inputs,
	})
	if err != nil {
		return "", fmt.Errorf("InputFingerprint: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainInputs, canonical), nil
}

// MustChangeFingerprint is like ChangeFingerprint but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustChangeFingerprint(schema, field, key string, content IRValue) string {
	fp, err := ChangeFingerprint(schema, field, key, content)
	if err != nil {
		panic(err)
	}
	return fp
}
