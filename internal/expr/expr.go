// Package expr evaluates edge guards and script assignments. Expressions
// are CEL: total, sandboxed, no host access, no side effects.
package expr

import (
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"

	"signline/internal/domain"
)

type Evaluator struct {
	env   *cel.Env
	types map[string]string
}

// OutcomeVar names the implicit variable holding an approval node's
// outcome, referenced by guards on its outgoing edges.
func OutcomeVar(nodeID string) string {
	return nodeID + "_outcome"
}

// New builds an evaluator for a definition: its declared variables plus
// one implicit <node>_outcome string per approval node.
func New(def domain.WorkflowDefinition) (*Evaluator, error) {
	types := map[string]string{}
	var opts []cel.EnvOption
	for _, v := range def.Variables {
		var t *cel.Type
		switch v.Type {
		case "string":
			t = cel.StringType
		case "int":
			t = cel.IntType
		case "double":
			t = cel.DoubleType
		case "bool":
			t = cel.BoolType
		default:
			return nil, fmt.Errorf("variable %s has unsupported type %q", v.Name, v.Type)
		}
		types[v.Name] = v.Type
		opts = append(opts, cel.Variable(v.Name, t))
	}
	for _, n := range def.Nodes {
		if n.Kind != domain.NodeApproval {
			continue
		}
		name := OutcomeVar(n.ID)
		if _, exists := types[name]; exists {
			continue
		}
		types[name] = "string"
		opts = append(opts, cel.Variable(name, cel.StringType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("build expression env: %w", err)
	}
	return &Evaluator{env: env, types: types}, nil
}

func (e *Evaluator) compile(src string) (cel.Program, *cel.Ast, error) {
	ast, issues := e.env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return nil, nil, fmt.Errorf("compile %q: %w", src, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, nil, fmt.Errorf("program %q: %w", src, err)
	}
	return prg, ast, nil
}

// CheckBool type-checks a guard without evaluating it.
func (e *Evaluator) CheckBool(src string) error {
	ast, issues := e.env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("compile %q: %w", src, issues.Err())
	}
	if !reflect.DeepEqual(ast.OutputType(), cel.BoolType) {
		return fmt.Errorf("guard %q evaluates to %v, want bool", src, ast.OutputType())
	}
	return nil
}

// Check type-checks a script assignment expression.
func (e *Evaluator) Check(src string) error {
	_, issues := e.env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("compile %q: %w", src, issues.Err())
	}
	return nil
}

// EvalBool evaluates a guard against the activation. Missing declared
// variables take their zero value.
func (e *Evaluator) EvalBool(src string, vars map[string]any) (bool, error) {
	out, err := e.Eval(src, vars)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("guard %q returned %T, want bool", src, out)
	}
	return b, nil
}

// Eval evaluates an expression and returns its native value.
func (e *Evaluator) Eval(src string, vars map[string]any) (any, error) {
	prg, _, err := e.compile(src)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.Eval(e.Normalize(vars))
	if err != nil {
		return nil, fmt.Errorf("eval %q: %w", src, err)
	}
	return out.Value(), nil
}

// Normalize coerces JSON-decoded values to the declared CEL types and
// fills zero values for missing declared variables.
func (e *Evaluator) Normalize(vars map[string]any) map[string]any {
	res := make(map[string]any, len(e.types))
	for name, typ := range e.types {
		v, ok := vars[name]
		if !ok || v == nil {
			switch typ {
			case "string":
				res[name] = ""
			case "int":
				res[name] = int64(0)
			case "double":
				res[name] = float64(0)
			case "bool":
				res[name] = false
			}
			continue
		}
		switch typ {
		case "int":
			switch n := v.(type) {
			case float64:
				res[name] = int64(n)
			case int:
				res[name] = int64(n)
			case int64:
				res[name] = n
			default:
				res[name] = v
			}
		case "double":
			switch n := v.(type) {
			case int:
				res[name] = float64(n)
			case int64:
				res[name] = float64(n)
			default:
				res[name] = v
			}
		default:
			res[name] = v
		}
	}
	return res
}

// DeclaredType reports the schema type of a variable, "" when undeclared.
func (e *Evaluator) DeclaredType(name string) string {
	return e.types[name]
}
