package scheduler

import (
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/ashita-ai/soji/internal/model"
)

// Eligibility is a compiled CEL expression over task, robot and space that
// must evaluate to true for a pairing to be considered. Fields are named as
// in the tools' JSON, e.g.
//
//	task.priority >= 3 || robot.zone == task.zone
type Eligibility struct {
	expr string
	prg  cel.Program
}

var eligibilityEnv = func() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("task", cel.DynType),
		cel.Variable("robot", cel.DynType),
		cel.Variable("space", cel.DynType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		panic(fmt.Sprintf("scheduler: cel environment: %v", err))
	}
	return env
}()

// CompileEligibility compiles expr. An empty expr returns nil, which admits
// every pairing.
func CompileEligibility(expr string) (*Eligibility, error) {
	if expr == "" {
		return nil, nil
	}
	ast, iss := eligibilityEnv.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("scheduler: compile eligibility: %w", iss.Err())
	}
	if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("scheduler: eligibility must be boolean, got %s", t)
	}
	prg, err := eligibilityEnv.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("scheduler: eligibility program: %w", err)
	}
	return &Eligibility{expr: expr, prg: prg}, nil
}

// String returns the source expression.
func (e *Eligibility) String() string {
	if e == nil {
		return ""
	}
	return e.expr
}

// Allows evaluates the expression for one pairing.
func (e *Eligibility) Allows(task model.CleaningTask, robot model.Robot, space model.Space) (bool, error) {
	if e == nil {
		return true, nil
	}
	vars := make(map[string]any, 3)
	for name, v := range map[string]any{"task": task, "robot": robot, "space": space} {
		m, err := asMap(v)
		if err != nil {
			return false, err
		}
		vars[name] = m
	}
	out, _, err := e.prg.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("scheduler: eligibility %q: %w", e.expr, err)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return false, fmt.Errorf("scheduler: eligibility %q returned %T", e.expr, out.Value())
	}
	return ok, nil
}

func asMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
