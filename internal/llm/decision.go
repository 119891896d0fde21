package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/coachflow/orchestrator/internal/domain"
)

// toolSpec is a provider-neutral function declaration. Both adapters project
// the same three declarations into their vendor's wire format so the decoded
// decision is identical regardless of provider.
type toolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

func routingTools() []toolSpec {
	confidence := map[string]any{
		"type":        "number",
		"description": "Your confidence in this decision, 0 to 1",
	}
	return []toolSpec{
		{
			Name:        "handoff_to_coach",
			Description: "Hand off the conversation to one or more specialist coaches",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"coach_names": map[string]any{
						"type":        "array",
						"items":       map[string]any{"type": "string"},
						"description": "Ordered list of coach names to hand off to",
					},
					"confidence": confidence,
				},
				"required": []string{"coach_names"},
			},
		},
		{
			Name:        "execute_direct_request",
			Description: "Execute a simple, direct request that needs no specialist",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"action": map[string]any{
						"type":        "string",
						"description": "The action to perform (e.g. 'delete', 'list', 'cancel')",
					},
					"context": map[string]any{
						"type":        "object",
						"description": "Additional context needed to execute the action",
					},
					"confidence": confidence,
				},
				"required": []string{"action"},
			},
		},
		{
			Name:        "ask_question",
			Description: "Ask the user a clarifying question",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"question": map[string]any{
						"type":        "string",
						"description": "The question to ask the user",
					},
					"confidence": confidence,
				},
				"required": []string{"question"},
			},
		},
	}
}

// decodeDecision converts a provider function call into the closed decision
// variant. An unrecognized name or unparseable arguments yield a decision
// with an empty Type and whatever free text accompanied the call; the router
// decides what to do with that.
func decodeDecision(name string, args []byte, text string) *domain.Decision {
	d := &domain.Decision{Text: text}

	var fields struct {
		CoachNames []string        `json:"coach_names"`
		Action     string          `json:"action"`
		Context    json.RawMessage `json:"context"`
		Question   string          `json:"question"`
		Confidence float64         `json:"confidence"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &fields); err != nil {
			return d
		}
	}
	d.Confidence = fields.Confidence

	switch name {
	case string(domain.DecisionHandoff):
		if len(fields.CoachNames) == 0 {
			return d
		}
		d.Type = domain.DecisionHandoff
		d.Agents = fields.CoachNames
	case string(domain.DecisionExecuteDirect):
		if fields.Action == "" {
			return d
		}
		d.Type = domain.DecisionExecuteDirect
		d.Action = fields.Action
		d.ActionContext = fields.Context
	case string(domain.DecisionAskQuestion):
		if fields.Question == "" {
			return d
		}
		d.Type = domain.DecisionAskQuestion
		d.Question = fields.Question
	}
	return d
}

// buildAnalyzePrompt renders the requirement-update analysis prompt. The
// shape follows the original planner: ask for a strict JSON verdict naming
// the stale stages.
func buildAnalyzePrompt(req AnalyzeRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Analyze the following requirement update for a planning workflow.\n\n")
	fmt.Fprintf(&b, "Original request: %q\n", req.OriginalInput)
	fmt.Fprintf(&b, "New or updated request: %q\n\n", req.UpdateInput)
	if len(req.History) > 0 {
		b.WriteString("Previous requirement updates:\n")
		for _, h := range req.History {
			fmt.Fprintf(&b, "- %s\n", h)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "The workflow runs these stages in order: %s.\n\n", strings.Join(req.Stages, ", "))
	b.WriteString(`Classify the update:
- "minor": a clarification; only the plan summary text needs amending.
- "partial": some stage outputs are stale and must be recomputed; name them.
- "major": the whole workflow must rerun from the initial input.

Respond with JSON only:
{"severity": "minor|partial|major", "stale_stages": ["..."], "change_summary": "...", "reasoning": "..."}`)
	return b.String()
}

// parseAnalysis decodes the analyzer's JSON verdict. Tolerates code fences
// but nothing looser; callers fall back to the deterministic heuristic on
// error.
func parseAnalysis(raw string) (*UpdateAnalysis, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")

	var out UpdateAnalysis
	if err := json.Unmarshal([]byte(strings.TrimSpace(cleaned)), &out); err != nil {
		return nil, fmt.Errorf("unparseable analysis: %w", err)
	}
	switch out.Severity {
	case domain.UpdateMinor, domain.UpdatePartial, domain.UpdateMajor:
	default:
		return nil, fmt.Errorf("unknown severity %q", out.Severity)
	}
	return &out, nil
}
