package expr

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/parser"

	"github.com/roach88/strata/internal/ir"
)

// CUE evaluates logic written as a single CUE expression.
//
// Inputs are in scope twice: as schema structs ("A.x") and, when the field
// name is unambiguous across inputs, as bare identifiers ("x"). For inputs
// A.x = 5 the logic `x * 2` and `A.x * 2` both yield 10.
//
// Division in CUE produces decimals; whole results are narrowed to int and
// fractional results fail with TypeMismatch.
type CUE struct {
	mu  sync.Mutex
	ctx *cue.Context
}

var _ Evaluator = (*CUE)(nil)

// NewCUE creates a CUE evaluator with its own context.
func NewCUE() *CUE {
	return &CUE{ctx: cuecontext.New()}
}

// Check parses logic and validates the declared input keys.
func (c *CUE) Check(logic string, inputs []string) error {
	if strings.TrimSpace(logic) == "" {
		return &Failure{Kind: EvaluationError, Message: "logic is empty"}
	}
	for _, in := range inputs {
		if _, err := ir.ParseFieldKey(in); err != nil {
			return &Failure{Kind: MissingInput, Input: in, Message: "invalid input key", Err: err}
		}
	}
	if _, err := parser.ParseExpr("logic", logic); err != nil {
		return &Failure{Kind: EvaluationError, Message: "parse logic", Err: fmt.Errorf("%s", errors.Details(err, nil))}
	}
	return nil
}

// Evaluate implements Evaluator. Panics inside the CUE runtime are
// returned as EvaluationError failures.
func (c *CUE) Evaluate(ctx context.Context, logic string, inputs []string, values map[string]ir.IRValue) (out ir.IRValue, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, in := range inputs {
		if _, ok := values[in]; !ok {
			return nil, &Failure{Kind: MissingInput, Input: in, Message: fmt.Sprintf("input %s has no value", in)}
		}
	}

	scope, err := buildScope(inputs, values)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = &Failure{Kind: EvaluationError, Message: fmt.Sprintf("evaluator panic: %v", r)}
		}
	}()

	scopeVal := c.ctx.Encode(scope)
	if err := scopeVal.Err(); err != nil {
		return nil, &Failure{Kind: TypeMismatch, Message: "encode inputs", Err: err}
	}

	v := c.ctx.CompileString(logic, cue.Scope(scopeVal), cue.Filename("logic"))
	if err := v.Err(); err != nil {
		return nil, &Failure{Kind: EvaluationError, Message: "evaluate", Err: fmt.Errorf("%s", errors.Details(err, nil))}
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, &Failure{Kind: EvaluationError, Message: "result is not concrete", Err: fmt.Errorf("%s", errors.Details(err, nil))}
	}

	return fromCUE(v)
}

// buildScope nests each input under its schema and adds bare field names
// that are unambiguous and do not shadow a schema name.
func buildScope(inputs []string, values map[string]ir.IRValue) (map[string]any, error) {
	scope := make(map[string]any)
	bare := make(map[string]int)

	for _, in := range inputs {
		key, err := ir.ParseFieldKey(in)
		if err != nil {
			return nil, &Failure{Kind: MissingInput, Input: in, Message: "invalid input key", Err: err}
		}
		nested, ok := scope[key.Schema].(map[string]any)
		if !ok {
			nested = make(map[string]any)
			scope[key.Schema] = nested
		}
		nested[key.Field] = ir.ToGo(values[in])
		bare[key.Field]++
	}

	for _, in := range inputs {
		key, _ := ir.ParseFieldKey(in)
		if bare[key.Field] != 1 {
			continue
		}
		if _, taken := scope[key.Field]; taken {
			continue
		}
		scope[key.Field] = ir.ToGo(values[in])
	}
	return scope, nil
}

func fromCUE(v cue.Value) (ir.IRValue, error) {
	switch v.Kind() {
	case cue.NullKind:
		return ir.IRNull{}, nil

	case cue.BoolKind:
		b, err := v.Bool()
		if err != nil {
			return nil, &Failure{Kind: TypeMismatch, Message: "bool result", Err: err}
		}
		return ir.IRBool(b), nil

	case cue.IntKind:
		i, err := v.Int64()
		if err != nil {
			return nil, &Failure{Kind: TypeMismatch, Message: "int result out of range", Err: err}
		}
		return ir.IRInt(i), nil

	case cue.FloatKind, cue.NumberKind:
		f, err := v.Float64()
		if err != nil {
			return nil, &Failure{Kind: TypeMismatch, Message: "numeric result", Err: err}
		}
		if f != math.Trunc(f) || math.Abs(f) >= math.MaxInt64 {
			return nil, &Failure{Kind: TypeMismatch, Message: fmt.Sprintf("non-integer result %v", f)}
		}
		return ir.IRInt(int64(f)), nil

	case cue.StringKind:
		s, err := v.String()
		if err != nil {
			return nil, &Failure{Kind: TypeMismatch, Message: "string result", Err: err}
		}
		return ir.IRString(s), nil

	case cue.ListKind:
		iter, err := v.List()
		if err != nil {
			return nil, &Failure{Kind: TypeMismatch, Message: "list result", Err: err}
		}
		arr := ir.IRArray{}
		for iter.Next() {
			elem, err := fromCUE(iter.Value())
			if err != nil {
				return nil, err
			}
			arr = append(arr, elem)
		}
		return arr, nil

	case cue.StructKind:
		iter, err := v.Fields()
		if err != nil {
			return nil, &Failure{Kind: TypeMismatch, Message: "struct result", Err: err}
		}
		obj := ir.IRObject{}
		for iter.Next() {
			elem, err := fromCUE(iter.Value())
			if err != nil {
				return nil, err
			}
			obj[iter.Label()] = elem
		}
		return obj, nil

	default:
		return nil, &Failure{Kind: TypeMismatch, Message: fmt.Sprintf("unsupported result kind %s", v.Kind())}
	}
}
