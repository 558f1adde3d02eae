// Package cel provides an expression evaluator for free-form rule
// conditions backed by Google's cel-go. Structured selectors cover the
// common cases; rules that need arbitrary boolean logic over the ticket
// attributes set Rule.Expr instead, and the engine delegates those to this
// evaluator. Expressions must conform to the CEL spec:
// https://github.com/google/cel-spec.
package cel

import (
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/checker/decls"
	"github.com/pkg/errors"
)

// Evaluator compiles and caches CEL programs for rule expressions.
// The evaluation environment declares:
//
//	ticket  map[string]dyn   the ticket attributes
//	article map[string]dyn   the triggering article, or an empty map
//	changes map[string]dyn   the before/after diff, keyed by attribute
//	now     timestamp        the evaluation instant
//	actor   int              the acting user id, 0 when absent
type Evaluator struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewEvaluator initializes the CEL environment.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Declarations(
			decls.NewVar("ticket", decls.NewMapType(decls.String, decls.Any)),
			decls.NewVar("article", decls.NewMapType(decls.String, decls.Any)),
			decls.NewVar("changes", decls.NewMapType(decls.String, decls.Any)),
			decls.NewVar("now", decls.Timestamp),
			decls.NewVar("actor", decls.Int),
		),
	)
	if err != nil {
		return nil, errors.Wrap(err, "creating CEL environment")
	}
	return &Evaluator{env: env, programs: map[string]cel.Program{}}, nil
}

// Compile parses, checks and stores the expression under the id. Compiling
// the same id again replaces the stored program.
func (e *Evaluator) Compile(id string, expr string) error {
	ast, iss := e.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return errors.Wrapf(iss.Err(), "compiling expression %s", id)
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return errors.Wrapf(err, "generating program %s", id)
	}
	e.mu.Lock()
	e.programs[id] = prg
	e.mu.Unlock()
	return nil
}

// Compiled reports whether an expression is stored under the id.
func (e *Evaluator) Compiled(id string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.programs[id]
	return ok
}

// Matches evaluates the stored program against the data and interprets the
// result as a boolean. A non-boolean result is false, not an error, so a
// miswritten expression behaves like a non-matching condition.
func (e *Evaluator) Matches(id string, data map[string]any) (bool, error) {
	e.mu.RLock()
	prg, ok := e.programs[id]
	e.mu.RUnlock()
	if !ok {
		return false, errors.Errorf("expression %s not compiled", id)
	}
	out, _, err := prg.Eval(data)
	if err != nil {
		return false, errors.Wrapf(err, "evaluating expression %s", id)
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, nil
	}
	return v, nil
}
