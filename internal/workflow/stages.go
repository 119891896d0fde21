package workflow

import (
	"fmt"
	"strings"
)

// Stage is one step of the domain workflow body. Prompt receives the
// workflow goal and the outputs of every stage that already ran.
type Stage struct {
	Name   string
	System string
	Prompt func(goal string, prior map[string]string) string
}

// StageNames returns the ordered names of the given stages.
func StageNames(stages []Stage) []string {
	names := make([]string, len(stages))
	for i, s := range stages {
		names[i] = s.Name
	}
	return names
}

// DefaultStages is the standard coaching pipeline: draft a plan outline,
// research it, then summarize the outcome for the user.
func DefaultStages() []Stage {
	return []Stage{
		{
			Name:   "plan",
			System: "You are a coaching planner. Break the user's goal into a short, concrete plan outline.",
			Prompt: func(goal string, _ map[string]string) string {
				return fmt.Sprintf("Draft a step-by-step plan outline for this goal:\n\n%s", goal)
			},
		},
		{
			Name:   "research",
			System: "You are a research assistant. Ground each plan step in practical, safe guidance.",
			Prompt: func(goal string, prior map[string]string) string {
				return fmt.Sprintf("Goal:\n%s\n\nPlan outline:\n%s\n\nFor each step, add the practical guidance a coach would give.", goal, prior["plan"])
			},
		},
		{
			Name:   "summarize",
			System: "You are a coach writing for the end user. Be concrete and encouraging.",
			Prompt: func(goal string, prior map[string]string) string {
				var b strings.Builder
				fmt.Fprintf(&b, "Goal:\n%s\n\n", goal)
				if plan := prior["plan"]; plan != "" {
					fmt.Fprintf(&b, "Plan outline:\n%s\n\n", plan)
				}
				if research := prior["research"]; research != "" {
					fmt.Fprintf(&b, "Research notes:\n%s\n\n", research)
				}
				b.WriteString("Write the final plan the user will read.")
				return b.String()
			},
		},
	}
}

// clampProgress keeps progress inside [0, 1].
func clampProgress(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
