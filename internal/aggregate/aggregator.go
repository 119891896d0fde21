// Package aggregate assembles the cross-domain context bundle a turn answers
// from: every readable workflow snapshot for the session plus the completed
// task results of the conversation.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/coachflow/orchestrator/internal/domain"
	"github.com/coachflow/orchestrator/internal/store"
	"github.com/coachflow/orchestrator/internal/workflow"
)

// Bundle is the merged view of everything known for one session and
// conversation. Partial bundles are valid; a missing domain simply does not
// appear.
type Bundle struct {
	SessionID      string              `json:"session_id"`
	ConversationID string              `json:"conversation_id"`
	Workflows      []workflow.Snapshot `json:"workflows"`
	Tasks          []domain.Task       `json:"tasks"`
}

// Empty reports whether the bundle carries no context at all.
func (b *Bundle) Empty() bool {
	return len(b.Workflows) == 0 && len(b.Tasks) == 0
}

// Render flattens the bundle into prompt-ready text.
func (b *Bundle) Render() string {
	var out strings.Builder
	for _, wf := range b.Workflows {
		fmt.Fprintf(&out, "[%s] status=%s progress=%.0f%%", wf.Domain, wf.Status, wf.Progress*100)
		if wf.Result != "" {
			fmt.Fprintf(&out, "\n%s", wf.Result)
		}
		out.WriteString("\n\n")
	}
	for _, task := range b.Tasks {
		fmt.Fprintf(&out, "Completed task (%s): %s\n%s\n\n", task.Domain, task.Goal, task.Result)
	}
	return strings.TrimSpace(out.String())
}

// Aggregator merges workflow state with durable task results.
type Aggregator struct {
	dispatcher *workflow.Dispatcher
	store      store.Store
}

// NewAggregator creates an aggregator over the given dispatcher and store.
func NewAggregator(d *workflow.Dispatcher, s store.Store) *Aggregator {
	return &Aggregator{dispatcher: d, store: s}
}

// Aggregate builds the bundle for one session and conversation. Workflow
// snapshots are ordered by domain name so the bundle is deterministic.
// Evicted or never-launched domains are skipped, not errors.
func (a *Aggregator) Aggregate(ctx context.Context, sessionID, conversationID string) (*Bundle, error) {
	bundle := &Bundle{SessionID: sessionID, ConversationID: conversationID}

	domains := a.dispatcher.Domains(sessionID)
	sort.Strings(domains)
	for _, dom := range domains {
		snap, err := a.dispatcher.ReadState(sessionID, dom)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		bundle.Workflows = append(bundle.Workflows, snap)
	}

	tasks, err := a.store.ListTasks(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	for _, task := range tasks {
		if task.Status == domain.TaskStatusCompleted {
			bundle.Tasks = append(bundle.Tasks, task)
		}
	}

	return bundle, nil
}
