// Package template renders a workflow node's parameter tree by substituting
// `{{ }}`-wrapped expressions, evaluated over a read-only {trigger, context,
// vars} scope with google/cel-go. CEL gives us parse-time rejection of loops
// and arbitrary function calls for free once its comprehension macros are
// stripped from the environment, which is exactly the non-Turing-complete
// guarantee the engine needs from its expression dialect.
package template

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/NemorionTechnologies/DataConnectors-sub001/contracts"
)

// exprPattern finds `{{ ... }}` leaves inside the serialized parameter tree.
var exprPattern = regexp.MustCompile(`\{\{(.*?)\}\}`)

// ParseError reports a disallowed construct or a syntax error, raised at
// compile time, before any expression runs.
type ParseError struct {
	Expression string
	Cause      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("template parse error in %q: %v", e.Expression, e.Cause)
}

// RuntimeError reports a missing name under strict mode, or any other
// evaluation-time failure.
type RuntimeError struct {
	Expression string
	Cause      error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("template runtime error in %q: %v", e.Expression, e.Cause)
}

// TimeoutError reports that rendering exceeded its wall-clock budget.
type TimeoutError struct {
	Expression string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("template render timed out evaluating %q", e.Expression)
}

// Config controls the engine's render-time bounds and strictness.
type Config struct {
	RenderTimeout time.Duration
	StrictMode    bool
}

// DefaultConfig matches the engine-wide default of a 2s render timeout with
// strict mode (missing names are errors, not blanks) enabled.
func DefaultConfig() Config {
	return Config{
		RenderTimeout: 2 * time.Second,
		StrictMode:    true,
	}
}

// Engine implements contracts.TemplateEngine.
type Engine struct {
	env    *cel.Env
	config Config
}

// New builds a template engine with the given render bounds. The CEL
// environment declares exactly trigger, context, and vars as dynamic maps,
// and clears CEL's macro set so that comprehension-based constructs
// (all/exists/map/filter), which would otherwise give the dialect
// unbounded loops, are rejected at Compile time rather than at Eval time.
func New(config Config) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.ClearMacros(),
		cel.Variable("trigger", cel.DynType),
		cel.Variable("context", cel.DynType),
		cel.Variable("vars", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("building template CEL environment: %w", err)
	}
	return &Engine{env: env, config: config}, nil
}

// Render substitutes every `{{ expr }}` leaf in templateJSON with the string
// form of expr evaluated against model, returning the substituted document.
// templateJSON is expected to be the parameter subtree serialized to JSON
// text; callers re-parse the result back into a map.
func (e *Engine) Render(ctx context.Context, templateJSON string, model contracts.TemplateModel) (string, error) {
	renderCtx, cancel := context.WithTimeout(ctx, e.config.RenderTimeout)
	defer cancel()

	scope := map[string]interface{}{
		"trigger": asDyn(model.Trigger),
		"context": asDyn(model.Context),
		"vars":    asDyn(model.Vars),
	}

	var firstErr error
	result := exprPattern.ReplaceAllStringFunc(templateJSON, func(match string) string {
		if firstErr != nil {
			return match
		}
		expr := strings.TrimSpace(exprPattern.FindStringSubmatch(match)[1])

		ast, issues := e.env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			firstErr = &ParseError{Expression: expr, Cause: issues.Err()}
			return match
		}
		prg, err := e.env.Program(ast)
		if err != nil {
			firstErr = &ParseError{Expression: expr, Cause: err}
			return match
		}

		done := make(chan struct{})
		var out ref.Val
		var evalErr error
		go func() {
			defer close(done)
			out, _, evalErr = prg.Eval(scope)
		}()

		select {
		case <-renderCtx.Done():
			firstErr = &TimeoutError{Expression: expr}
			return match
		case <-done:
		}

		if evalErr != nil {
			if e.config.StrictMode {
				firstErr = &RuntimeError{Expression: expr, Cause: evalErr}
			}
			return match
		}
		if types.IsError(out) {
			firstErr = &RuntimeError{Expression: expr, Cause: fmt.Errorf("%v", out)}
			return match
		}
		return fmt.Sprintf("%v", out.Value())
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// asDyn passes maps through unchanged; CEL's DynType accepts Go maps
// directly via its native-type adapter.
func asDyn(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
