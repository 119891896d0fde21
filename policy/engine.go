// Package policy evaluates routing decisions against a rego policy.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Gate outcomes. Clarify forces the turn into a clarifying question before
// any route is committed.
const (
	GateAllow   = "allow"
	GateClarify = "clarify"
)

// Engine is the OPA policy engine for routing decisions.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine prepares the engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.routing.decision"),
		rego.Module("routing.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Input is what the router hands to the policy for one classified turn.
type Input struct {
	Type       string   `json:"type"`
	Confidence float64  `json:"confidence"`
	Threshold  float64  `json:"threshold"`
	Agents     []string `json:"agents,omitempty"`
}

// Evaluate returns GateAllow or GateClarify for the given decision input.
// A policy that yields nothing falls back to allow; the policy is expected
// to define its own default.
func (e *Engine) Evaluate(ctx context.Context, input Input) (string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return GateAllow, nil
	}

	if s, ok := results[0].Expressions[0].Value.(string); ok {
		return s, nil
	}
	return GateAllow, nil
}

// DefaultPolicy gates low-confidence classifications into clarification.
// A confidence of zero means the provider reported none and is not gated.
const DefaultPolicy = `
package routing

default decision = "allow"

decision = "clarify" {
	input.confidence > 0
	input.confidence < input.threshold
}
`
