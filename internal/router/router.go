// Package router classifies one conversational turn into exactly one of the
// three routing decisions: ask a clarifying question, execute a direct
// request, or hand off to specialist coaches. The classifier's raw output is
// never trusted, every decision leaving this package is validated and gated.
package router

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/coachflow/orchestrator/internal/domain"
	"github.com/coachflow/orchestrator/internal/llm"
	"github.com/coachflow/orchestrator/internal/metrics"
	"github.com/coachflow/orchestrator/internal/prompt"
	"github.com/coachflow/orchestrator/policy"
)

const fallbackQuestion = "I want to make sure I understand. Could you tell me a bit more about what you're looking for?"

// Router turns conversation history into a validated routing decision.
type Router struct {
	client    llm.Client
	composer  *prompt.Composer
	gate      *policy.Engine
	threshold float64
	metrics   *metrics.Metrics
	log       zerolog.Logger
}

// New creates a router. The policy engine may be nil, in which case every
// validated decision is allowed through ungated.
func New(client llm.Client, composer *prompt.Composer, gate *policy.Engine, threshold float64, m *metrics.Metrics, log zerolog.Logger) *Router {
	return &Router{
		client:    client,
		composer:  composer,
		gate:      gate,
		threshold: threshold,
		metrics:   m,
		log:       log.With().Str("component", "router").Logger(),
	}
}

// Route classifies the latest turn of the given history.
//
// Provider failures surface as errors wrapping domain.ErrUpstreamUnavailable.
// Malformed classifier output never fails the turn; it degrades to an
// ask-question decision. A handoff naming an unknown coach returns a
// *domain.RoutingError.
func (r *Router) Route(ctx context.Context, history []domain.Message, activeAgent string) (*domain.Decision, error) {
	instructions, err := r.composer.Compose([]string{prompt.TriageAgent})
	if err != nil {
		return nil, fmt.Errorf("composing triage instructions: %w", err)
	}
	if activeAgent != "" && activeAgent != prompt.TriageAgent {
		instructions += fmt.Sprintf("\n\nThe conversation is currently owned by %q. Hand off again only if the user's needs changed.", activeAgent)
	}

	decision, err := r.client.Classify(ctx, instructions, history)
	if err != nil {
		return nil, err
	}

	if decision == nil || decision.Type == "" {
		r.metrics.ClassifierFallbacks.Inc()
		r.log.Warn().Msg("classifier produced no usable decision, degrading to clarification")
		return r.clarify(decision), nil
	}

	if decision.Type == domain.DecisionHandoff {
		for _, agent := range decision.Agents {
			if !r.composer.Known(agent) {
				return nil, &domain.RoutingError{
					Agent:  agent,
					Reason: fmt.Sprintf("no such coach, known coaches are: %s", strings.Join(r.composer.Agents(), ", ")),
				}
			}
		}
	}

	gated, err := r.evaluateGate(ctx, decision)
	if err != nil {
		r.log.Warn().Err(err).Msg("policy evaluation failed, allowing decision")
	} else if gated == policy.GateClarify {
		r.log.Info().
			Str("type", string(decision.Type)).
			Float64("confidence", decision.Confidence).
			Msg("low-confidence decision gated into clarification")
		return r.clarify(decision), nil
	}

	return decision, nil
}

func (r *Router) evaluateGate(ctx context.Context, d *domain.Decision) (string, error) {
	if r.gate == nil {
		return policy.GateAllow, nil
	}
	return r.gate.Evaluate(ctx, policy.Input{
		Type:       string(d.Type),
		Confidence: d.Confidence,
		Threshold:  r.threshold,
		Agents:     d.Agents,
	})
}

// clarify builds the ask-question decision used for both malformed output
// and gated low-confidence routes. Free text from the provider is preferred
// over the canned question when present.
func (r *Router) clarify(d *domain.Decision) *domain.Decision {
	question := fallbackQuestion
	if d != nil && strings.TrimSpace(d.Text) != "" {
		question = strings.TrimSpace(d.Text)
	}
	out := &domain.Decision{
		Type:     domain.DecisionAskQuestion,
		Question: question,
	}
	if d != nil {
		out.Confidence = d.Confidence
		out.Text = d.Text
	}
	return out
}
