package rules

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator evaluates boolean rule expressions against a context map. It is
// used for alert conditions in the resilience layer and for filtered event
// subscriptions.
type Evaluator interface {
	Evaluate(expression string, context map[string]interface{}) (bool, error)
}

// ExprEvaluator is an Evaluator backed by expr-lang/expr with a compiled
// program cache.
type ExprEvaluator struct {
	cache       map[string]*vm.Program
	mu          sync.RWMutex
	optionsFunc map[string]func(map[string]interface{}) interface{}
}

// NewExprEvaluator creates an ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache:       make(map[string]*vm.Program),
		optionsFunc: make(map[string]func(map[string]interface{}) interface{}),
	}
}

// AddOptionFunc registers a derived value injected into every evaluation
// context under the given name.
func (e *ExprEvaluator) AddOptionFunc(name string, f func(map[string]interface{}) interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.optionsFunc[name] = f
}

// Evaluate evaluates the given expression against the provided context. The
// expression must evaluate to a boolean; otherwise an error is returned.
func (e *ExprEvaluator) Evaluate(expression string, context map[string]interface{}) (bool, error) {
	e.mu.RLock()
	for k, f := range e.optionsFunc {
		context[k] = f(context)
	}
	program, ok := e.cache[expression]
	e.mu.RUnlock()

	if !ok {
		e.mu.Lock()
		if program, ok = e.cache[expression]; !ok {
			var err error
			program, err = expr.Compile(expression, expr.Env(context))
			if err != nil {
				e.mu.Unlock()
				return false, err
			}
			e.cache[expression] = program
		}
		e.mu.Unlock()
	}

	result, err := expr.Run(program, context)
	if err != nil {
		return false, err
	}

	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}
