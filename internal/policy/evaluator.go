// Package policy implements the optional CEL-based tool-policy pre-check:
// an ordered list of named rules evaluated against a small fixed variable
// set before a registered tool handler runs.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
)

// Limits mirror the teacher's CEL evaluator hardening (evaluator.go):
// bounded expression length, nesting depth, compile cost, and a hard
// per-evaluation timeout, so a malformed or adversarial rule can't hang or
// blow up the host process.
const (
	maxExpressionLength = 1024
	maxCostBudget       = 100_000
	maxNestingDepth     = 50
	evalTimeout         = 5 * time.Second
	interruptCheckFreq  = 100
)

// Action is the outcome of a matched rule.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
)

// Rule is one named, ordered CEL policy rule.
type Rule struct {
	Name       string
	Expression string
	Action     Action
}

// compiledRule pairs a Rule with its compiled CEL program.
type compiledRule struct {
	Rule
	program cel.Program
}

// Evaluator holds a compiled CEL environment and the ordered rule set
// attached to one Session.
type Evaluator struct {
	env   *cel.Env
	rules []compiledRule
}

// NewEvaluator builds a CEL environment scoped to tool-policy evaluation
// and compiles rules in order. The first rule with an invalid expression
// makes the whole call fail — rules are compiled once, up front, so a
// typo surfaces at RegisterToolPolicy time rather than mid-session.
func NewEvaluator(rules []Rule) (*Evaluator, error) {
	env, err := newToolPolicyEnvironment()
	if err != nil {
		return nil, fmt.Errorf("policy: build CEL environment: %w", err)
	}
	ev := &Evaluator{env: env}
	for _, r := range rules {
		if err := validateExpression(r.Expression); err != nil {
			return nil, fmt.Errorf("policy: rule %q: %w", r.Name, err)
		}
		prg, err := compile(env, r.Expression)
		if err != nil {
			return nil, fmt.Errorf("policy: rule %q: %w", r.Name, err)
		}
		ev.rules = append(ev.rules, compiledRule{Rule: r, program: prg})
	}
	return ev, nil
}

func newToolPolicyEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("tool_name", cel.StringType),
		cel.Variable("tool_args", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("session_id", cel.StringType),
	)
}

func compile(env *cel.Env, expression string) (cel.Program, error) {
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}
	prg, err := env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}
	return prg, nil
}

func validateExpression(expr string) error {
	if expr == "" {
		return errors.New("expression is empty")
	}
	if len(expr) > maxExpressionLength {
		return fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}
	return validateNesting(expr)
}

func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// Decision is the outcome of evaluating a tool call against the rule set.
type Decision struct {
	// Matched is false when no rule matched; the handler should run
	// normally.
	Matched bool
	Rule    string
	Action  Action
}

// Evaluate runs toolName/toolArgs/sessionID against the compiled rules in
// order and returns the first match. No match returns Matched=false, which
// callers must treat as "fall through to the host tool handler" per
// SPEC_FULL.md — an Evaluator with zero rules always returns Matched=false.
func (e *Evaluator) Evaluate(toolName string, toolArgs json.RawMessage, sessionID string) (Decision, error) {
	if len(e.rules) == 0 {
		return Decision{}, nil
	}

	args, err := decodeArgs(toolArgs)
	if err != nil {
		return Decision{}, fmt.Errorf("policy: decode tool_args: %w", err)
	}

	activation := map[string]any{
		"tool_name":  toolName,
		"tool_args":  args,
		"session_id": sessionID,
	}

	for _, r := range e.rules {
		matched, err := evalOne(r.program, activation)
		if err != nil {
			return Decision{}, fmt.Errorf("policy: rule %q: %w", r.Name, err)
		}
		if matched {
			return Decision{Matched: true, Rule: r.Name, Action: r.Action}, nil
		}
	}
	return Decision{}, nil
}

// decodeArgs turns a tool call's JSON arguments into the map[string]any CEL
// expects for the "tool_args" variable. Nil/empty input decodes to an empty
// map rather than erroring, since most rules don't reference tool_args.
func decodeArgs(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func evalOne(prg cel.Program, activation map[string]any) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()

	result, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}
	boolResult, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", result.Value())
	}
	return boolResult, nil
}
