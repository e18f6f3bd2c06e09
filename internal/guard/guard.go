// Package guard evaluates CEL constraint rules against the permissions a
// policy requests. Guards are an audit layer on top of the schema: a "deny"
// rule that matches any requested permission aborts compilation, so an
// operator can pin down invariants ("no reads outside /home", "no mach
// lookups at all") that survive policy edits.
package guard

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/kernelcell/kernelcell/internal/policy"
)

// Effect is the outcome of evaluating the rule set against one subject.
type Effect int

const (
	Allow Effect = iota
	Deny
)

// Subject is one requested permission presented to the rule set.
// Category is "read", "write", "network", or "mach". Path is set for
// filesystem categories, Service for mach, Port for network.
type Subject struct {
	Category string
	Path     string
	Service  string
	Port     int
}

type compiledRule struct {
	name    string
	effect  string
	program cel.Program
}

// Engine holds the compiled rule set. Rules are evaluated in declaration
// order; the first match wins. No match means Allow: guards narrow what the
// schema already granted, they never widen it.
type Engine struct {
	rules []compiledRule
}

// New compiles the given guard rules. Invalid CEL is rejected here, before
// any process start, so a malformed guard can never silently stop guarding.
func New(rules []policy.GuardRule) (*Engine, error) {
	if len(rules) == 0 {
		return &Engine{}, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("category", cel.StringType),
		cel.Variable("path", cel.StringType),
		cel.Variable("service", cel.StringType),
		cel.Variable("port", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("creating CEL environment: %w", err)
	}

	e := &Engine{rules: make([]compiledRule, 0, len(rules))}
	for _, rule := range rules {
		ast, issues := env.Compile(rule.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("guard %q: invalid CEL expression: %w", rule.Name, issues.Err())
		}
		program, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("guard %q: building program: %w", rule.Name, err)
		}
		e.rules = append(e.rules, compiledRule{name: rule.Name, effect: rule.Effect, program: program})
	}
	return e, nil
}

// Evaluate runs the rule set against one subject. It returns the effect and
// the name of the matching rule ("" when no rule matched). Evaluation errors
// are treated as a match for deny: ambiguity must narrow permissions.
func (e *Engine) Evaluate(s Subject) (Effect, string, error) {
	if e == nil {
		return Allow, "", nil
	}

	activation := map[string]any{
		"category": s.Category,
		"path":     s.Path,
		"service":  s.Service,
		"port":     s.Port,
	}

	for _, rule := range e.rules {
		out, _, err := rule.program.Eval(activation)
		if err != nil {
			return Deny, rule.name, fmt.Errorf("guard %q: evaluation failed: %w", rule.name, err)
		}
		matched, ok := out.Value().(bool)
		if !ok {
			return Deny, rule.name, fmt.Errorf("guard %q: expression returned %T, want bool", rule.name, out.Value())
		}
		if !matched {
			continue
		}
		if rule.effect == "deny" {
			return Deny, rule.name, nil
		}
		return Allow, rule.name, nil
	}
	return Allow, "", nil
}
