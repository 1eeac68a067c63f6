// Package expr is the expression evaluator behind transforms.
//
// The core treats a transform's logic as opaque: it hands the evaluator
// the logic body and the current values of the declared inputs and gets
// back one value or a typed *Failure.
package expr

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/strata/internal/ir"
)

// Evaluator checks and evaluates transform logic.
type Evaluator interface {
	// Check statically validates logic against the declared inputs.
	Check(logic string, inputs []string) error

	// Evaluate computes the output for the given input values, keyed by
	// "schema.field". Declared inputs absent from values fail with
	// MissingInput.
	Evaluate(ctx context.Context, logic string, inputs []string, values map[string]ir.IRValue) (ir.IRValue, error)
}

// FailureKind categorizes evaluation failures.
type FailureKind string

const (
	MissingInput    FailureKind = "missing_input"
	TypeMismatch    FailureKind = "type_mismatch"
	EvaluationError FailureKind = "evaluation_error"
)

// Failure is the typed error returned by evaluators.
type Failure struct {
	Kind    FailureKind
	Input   string // set for MissingInput
	Message string
	Err     error
}

func (f *Failure) Error() string {
	msg := fmt.Sprintf("%s: %s", f.Kind, f.Message)
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// AsFailure extracts a *Failure from err's chain.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// IsMissingInput reports whether err is a MissingInput failure.
func IsMissingInput(err error) bool {
	f, ok := AsFailure(err)
	return ok && f.Kind == MissingInput
}
