package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/coachflow/orchestrator/internal/domain"
)

// MockClient is a deterministic, offline implementation of Client. It keys
// its decisions off keywords in the latest user message so tests and local
// runs behave predictably without a provider.
type MockClient struct{}

// NewMockClient creates a new mock LLM client.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// Ensure MockClient implements the Client interface.
var _ Client = (*MockClient)(nil)

var mockCoachKeywords = []struct {
	coach    string
	keywords []string
}{
	{"exercise_coach", []string{"exercise", "workout", "training", "strength", "cardio"}},
	{"nutrition_coach", []string{"nutrition", "diet", "meal", "protein", "calorie"}},
	{"wellness_coach", []string{"stress", "sleep", "mindfulness", "wellness", "habit"}},
	{"recovery_coach", []string{"recovery", "injury", "rehab", "soreness", "mobility"}},
}

// Classify maps the latest user message onto a decision. Coaching keywords
// produce a handoff, task-management verbs produce a direct action, anything
// else asks for clarification.
func (m *MockClient) Classify(ctx context.Context, instructions string, history []domain.Message) (*domain.Decision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	text := strings.ToLower(lastUserContent(history))

	for _, action := range []string{"list", "delete", "cancel", "show my"} {
		if strings.Contains(text, action) && strings.Contains(text, "task") {
			return &domain.Decision{
				Type:       domain.DecisionExecuteDirect,
				Action:     strings.Fields(action)[0] + "_tasks",
				Confidence: 0.9,
			}, nil
		}
	}

	var coaches []string
	for _, entry := range mockCoachKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(text, kw) {
				coaches = append(coaches, entry.coach)
				break
			}
		}
	}
	if len(coaches) > 0 {
		return &domain.Decision{
			Type:       domain.DecisionHandoff,
			Agents:     coaches,
			Confidence: 0.9,
		}, nil
	}

	return &domain.Decision{
		Type:       domain.DecisionAskQuestion,
		Question:   "Could you tell me more about what you would like help with?",
		Confidence: 0.8,
	}, nil
}

// AnalyzeUpdate returns a minor verdict for small wording tweaks and a major
// one for everything else.
func (m *MockClient) AnalyzeUpdate(ctx context.Context, req AnalyzeRequest) (*UpdateAnalysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	update := strings.ToLower(req.UpdateInput)
	for _, kw := range []string{"typo", "rename", "wording", "minor", "small"} {
		if strings.Contains(update, kw) {
			return &UpdateAnalysis{
				Severity:  domain.UpdateMinor,
				Summary:   fmt.Sprintf("Minor wording change: %s", truncate(req.UpdateInput, 80)),
				Reasoning: "update does not alter the goal",
			}, nil
		}
	}

	return &UpdateAnalysis{
		Severity:    domain.UpdateMajor,
		StaleStages: append([]string(nil), req.Stages...),
		Summary:     fmt.Sprintf("Requirement changed: %s", truncate(req.UpdateInput, 80)),
		Reasoning:   "update changes the requested outcome",
	}, nil
}

// Complete returns a canned response that echoes the prompt.
func (m *MockClient) Complete(ctx context.Context, system, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("[MOCK] %s", truncate(prompt, 120)), nil
}

func lastUserContent(history []domain.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == domain.RoleUser {
			return history[i].Content
		}
	}
	return ""
}

// truncate truncates a string to the given length.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
