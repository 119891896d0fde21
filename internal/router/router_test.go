package router

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachflow/orchestrator/internal/domain"
	"github.com/coachflow/orchestrator/internal/llm"
	"github.com/coachflow/orchestrator/internal/metrics"
	"github.com/coachflow/orchestrator/internal/prompt"
	"github.com/coachflow/orchestrator/policy"
)

type stubClassifier struct {
	decision *domain.Decision
	err      error
}

func (s *stubClassifier) Classify(ctx context.Context, instructions string, history []domain.Message) (*domain.Decision, error) {
	return s.decision, s.err
}

func (s *stubClassifier) AnalyzeUpdate(ctx context.Context, req llm.AnalyzeRequest) (*llm.UpdateAnalysis, error) {
	return nil, errors.New("not implemented")
}

func (s *stubClassifier) Complete(ctx context.Context, system, prompt string) (string, error) {
	return "", errors.New("not implemented")
}

func newTestRouter(t *testing.T, client llm.Client) *Router {
	t.Helper()
	gate, err := policy.NewEngine(t.Context(), policy.DefaultPolicy)
	require.NoError(t, err)
	return New(client, prompt.NewComposer(), gate, 0.5, metrics.New(), zerolog.Nop())
}

func TestRouteHandoffPassesThrough(t *testing.T) {
	r := newTestRouter(t, &stubClassifier{decision: &domain.Decision{
		Type:       domain.DecisionHandoff,
		Agents:     []string{"exercise_coach", "nutrition_coach"},
		Confidence: 0.9,
	}})

	d, err := r.Route(t.Context(), nil, "")
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionHandoff, d.Type)
	assert.Equal(t, []string{"exercise_coach", "nutrition_coach"}, d.Agents)
}

func TestRouteClassifierErrorPropagates(t *testing.T) {
	upstream := &stubClassifier{err: domain.ErrUpstreamUnavailable}
	r := newTestRouter(t, upstream)

	_, err := r.Route(t.Context(), nil, "")
	require.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
}

func TestRouteMalformedDegradesToQuestion(t *testing.T) {
	r := newTestRouter(t, &stubClassifier{decision: &domain.Decision{Text: "what kind of plan?"}})

	d, err := r.Route(t.Context(), nil, "")
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionAskQuestion, d.Type)
	assert.Equal(t, "what kind of plan?", d.Question)
}

func TestRouteNilDecisionDegradesToQuestion(t *testing.T) {
	r := newTestRouter(t, &stubClassifier{})

	d, err := r.Route(t.Context(), nil, "")
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionAskQuestion, d.Type)
	assert.NotEmpty(t, d.Question)
}

func TestRouteUnknownCoachIsRoutingError(t *testing.T) {
	r := newTestRouter(t, &stubClassifier{decision: &domain.Decision{
		Type:       domain.DecisionHandoff,
		Agents:     []string{"exercise_coach", "astrology_coach"},
		Confidence: 0.95,
	}})

	_, err := r.Route(t.Context(), nil, "")
	require.Error(t, err)
	assert.True(t, domain.IsRoutingError(err))

	var re *domain.RoutingError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "astrology_coach", re.Agent)
}

func TestRouteLowConfidenceGatedIntoClarification(t *testing.T) {
	r := newTestRouter(t, &stubClassifier{decision: &domain.Decision{
		Type:       domain.DecisionHandoff,
		Agents:     []string{"exercise_coach"},
		Confidence: 0.2,
	}})

	d, err := r.Route(t.Context(), nil, "")
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionAskQuestion, d.Type)
}

func TestRouteZeroConfidenceNotGated(t *testing.T) {
	// A provider that reports no confidence at all is taken at its word.
	r := newTestRouter(t, &stubClassifier{decision: &domain.Decision{
		Type:   domain.DecisionExecuteDirect,
		Action: "list_tasks",
	}})

	d, err := r.Route(t.Context(), nil, "")
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionExecuteDirect, d.Type)
}

func TestRouteNilGateAllows(t *testing.T) {
	r := New(&stubClassifier{decision: &domain.Decision{
		Type:       domain.DecisionHandoff,
		Agents:     []string{"wellness_coach"},
		Confidence: 0.1,
	}}, prompt.NewComposer(), nil, 0.5, metrics.New(), zerolog.Nop())

	d, err := r.Route(t.Context(), nil, "")
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionHandoff, d.Type)
}
