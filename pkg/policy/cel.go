package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// CELEvaluator evaluates rule conditions as CEL programs. Conditions address
// the evaluation context through the `ctx` map variable, e.g.
// `ctx.amount > 500.0 && ctx.network == "mainnet"`. Programs are compiled
// once per distinct condition and cached.
type CELEvaluator struct {
	env *cel.Env

	mu       sync.Mutex
	programs map[string]cel.Program
}

// NewCELEvaluator builds the shared CEL environment.
func NewCELEvaluator() (*CELEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("ctx", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel env: %w", err)
	}
	return &CELEvaluator{env: env, programs: make(map[string]cel.Program)}, nil
}

// EvalCondition implements ConditionEvaluator. Non-boolean results and
// compile or runtime errors are reported as errors, which the engine treats
// as a non-match (fail closed for that rule).
func (e *CELEvaluator) EvalCondition(condition string, input map[string]any) (bool, error) {
	prg, err := e.program(condition)
	if err != nil {
		return false, err
	}
	ctxVal, ok := input["ctx"]
	if !ok {
		ctxVal = input
	}
	out, _, err := prg.Eval(map[string]any{"ctx": ctxVal})
	if err != nil {
		return false, fmt.Errorf("policy: cel eval: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("policy: cel condition returned %T, want bool", out.Value())
	}
	return b, nil
}

func (e *CELEvaluator) program(condition string) (cel.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok := e.programs[condition]; ok {
		return prg, nil
	}
	ast, issues := e.env.Compile(condition)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy: cel compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("policy: cel program: %w", err)
	}
	e.programs[condition] = prg
	return prg, nil
}
