// Package condition evaluates a workflow edge's boolean guard expression
// over the same {trigger, context, vars} scope the template engine uses.
// It shares CEL's comprehension-free environment construction style with
// package template, but compiles the whole expression string (not `{{ }}`
// wrapped leaves) and demands a bool result.
package condition

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/sirupsen/logrus"

	"github.com/NemorionTechnologies/DataConnectors-sub001/contracts"
)

// Config controls the evaluator's sandbox limits.
type Config struct {
	Timeout   time.Duration
	CostLimit uint64
}

// DefaultConfig matches the engine-wide defaults: 2s wall-clock, 500
// statement-cost ceiling (CEL's runtime cost tracker stands in for a
// statement counter since the dialect has no loops to count iterations of).
func DefaultConfig() Config {
	return Config{
		Timeout:   2 * time.Second,
		CostLimit: 500,
	}
}

// Evaluator implements contracts.ConditionEvaluator. Every failure mode
// (parse error, runtime error, timeout, cost-limit exceeded, non-bool
// result) degrades to false; the evaluator never panics or propagates an
// error to the caller. Failures are logged so an operator can still see
// why an edge didn't fire.
type Evaluator struct {
	env    *cel.Env
	config Config
	log    *logrus.Entry
}

// New builds a condition evaluator with the given sandbox limits.
func New(config Config, log *logrus.Entry) (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.ClearMacros(),
		cel.Variable("trigger", cel.DynType),
		cel.Variable("context", cel.DynType),
		cel.Variable("vars", cel.DynType),
	)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Evaluator{env: env, config: config, log: log}, nil
}

// Evaluate returns the expression's boolean value, or false on any failure.
// An empty or whitespace-only expression is defined to be true.
func (e *Evaluator) Evaluate(ctx context.Context, expression string, model contracts.TemplateModel) bool {
	result, err := e.EvaluateWithError(ctx, expression, model)
	if err != nil {
		e.log.WithError(err).WithField("expression", expression).Warn("condition evaluation failed, treating as false")
		return false
	}
	return result
}

// EvaluateWithError is the same evaluation but surfaces the failure instead
// of absorbing it, for callers (publish validation) that need to
// distinguish "parses and runs, just false" from a hard error.
func (e *Evaluator) EvaluateWithError(ctx context.Context, expression string, model contracts.TemplateModel) (bool, error) {
	if strings.TrimSpace(expression) == "" {
		return true, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return false, issues.Err()
	}
	if ast.OutputType() != cel.BoolType {
		return false, fmt.Errorf("condition expression %q does not yield bool", expression)
	}

	prg, err := e.env.Program(ast, cel.CostLimit(e.config.CostLimit))
	if err != nil {
		return false, err
	}

	evalCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	scope := map[string]interface{}{
		"trigger": dynOrEmpty(model.Trigger),
		"context": dynOrEmpty(model.Context),
		"vars":    dynOrEmpty(model.Vars),
	}

	type evalResult struct {
		val bool
		err error
	}
	done := make(chan evalResult, 1)
	go func() {
		out, _, evalErr := prg.Eval(scope)
		if evalErr != nil {
			done <- evalResult{err: evalErr}
			return
		}
		b, ok := out.Value().(bool)
		if !ok {
			done <- evalResult{err: nil, val: false}
			return
		}
		done <- evalResult{val: b}
	}()

	select {
	case <-evalCtx.Done():
		return false, fmt.Errorf("condition evaluation timed out")
	case r := <-done:
		if r.err != nil {
			return false, r.err
		}
		return r.val, nil
	}
}

// CheckSyntax reports whether expression compiles to a bool-typed CEL
// program. It never evaluates the expression, so it says nothing about
// whether a given trigger/context/vars scope would make a key lookup fail
// at runtime. An empty or whitespace-only expression is always valid.
func (e *Evaluator) CheckSyntax(expression string) error {
	if strings.TrimSpace(expression) == "" {
		return nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return issues.Err()
	}
	if ast.OutputType() != cel.BoolType {
		return fmt.Errorf("condition expression %q does not yield bool", expression)
	}
	return nil
}

func dynOrEmpty(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
