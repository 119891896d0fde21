// Package llm provides the language-model capabilities the orchestrator
// consumes: intent classification, requirement-update analysis and plain
// completions. How a provider produces a decision is its own business; the
// rest of the system only ever sees the decoded domain.Decision.
package llm

import (
	"context"
	"time"

	"github.com/coachflow/orchestrator/internal/domain"
)

// Client defines the interface for LLM-backed capabilities.
type Client interface {
	// Classify routes one conversational turn. The returned decision has an
	// empty Type when the provider produced no recognized structured output;
	// the router owns the fallback policy for that case.
	Classify(ctx context.Context, instructions string, history []domain.Message) (*domain.Decision, error)

	// AnalyzeUpdate classifies a requirement update against the workflow's
	// history. Errors leave severity selection to the caller's fallback.
	AnalyzeUpdate(ctx context.Context, req AnalyzeRequest) (*UpdateAnalysis, error)

	// Complete returns a plain completion for the given system and user text.
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// AnalyzeRequest carries a requirement update and the context needed to
// judge its blast radius.
type AnalyzeRequest struct {
	OriginalInput string
	UpdateInput   string
	History       []string
	Stages        []string
}

// UpdateAnalysis is the analyzer's verdict on one requirement update.
type UpdateAnalysis struct {
	Severity    domain.UpdateSeverity `json:"severity"`
	StaleStages []string              `json:"stale_stages"`
	Summary     string                `json:"change_summary"`
	Reasoning   string                `json:"reasoning"`
}

// retry runs fn up to attempts times with a fixed short backoff between
// tries.
func retry(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return err
}
