// Package selector compiles consumer selectors: CEL expressions evaluated
// against each candidate message so a consumer only receives what it asks for.
//
// Variables available to an expression:
//
//	properties  map(string, string)  message properties
//	body        string               raw body
//	json        dyn                  body parsed as JSON, null when not JSON
//	priority    int
//	enqueued_ms int
//	now_ms      int
//
// Example: properties["region"] == "eu" && json.total > 100
package selector

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/rzbill/reactor/internal/broker"
)

// Selector is a compiled expression. The zero value matches everything.
type Selector struct {
	expr    string
	prog    cel.Program
	enabled bool
}

// Compile parses and type-checks expr. An empty expression matches everything.
func Compile(expr string) (Selector, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Selector{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("properties", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("body", cel.StringType),
		cel.Variable("json", cel.DynType),
		cel.Variable("priority", cel.IntType),
		cel.Variable("enqueued_ms", cel.IntType),
		cel.Variable("now_ms", cel.IntType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return Selector{}, err
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return Selector{}, fmt.Errorf("selector %q: %w", expr, iss.Err())
	}
	if out := ast.OutputType().String(); out != "bool" && out != "dyn" {
		return Selector{}, fmt.Errorf("selector %q: must evaluate to bool, got %s", expr, ast.OutputType())
	}
	prog, err := env.Program(ast)
	if err != nil {
		return Selector{}, err
	}
	return Selector{expr: expr, prog: prog, enabled: true}, nil
}

// String returns the source expression.
func (s Selector) String() string { return s.expr }

// Match evaluates the selector. Evaluation errors count as no match.
func (s Selector) Match(h broker.Header, body []byte) bool {
	if !s.enabled {
		return true
	}
	var doc any
	_ = json.Unmarshal(body, &doc)
	props := h.Properties
	if props == nil {
		props = map[string]string{}
	}
	out, _, err := s.prog.Eval(map[string]any{
		"properties":  props,
		"body":        string(body),
		"json":        doc,
		"priority":    int64(h.Priority),
		"enqueued_ms": h.EnqueuedMs,
		"now_ms":      time.Now().UnixMilli(),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

// Filter adapts the selector for broker.Queue.Dequeue. Disabled selectors
// return nil so the broker skips evaluation entirely.
func (s Selector) Filter() broker.Filter {
	if !s.enabled {
		return nil
	}
	return s.Match
}
