// Package workflow runs long-lived domain workflows behind an in-memory
// handle table. A handle is keyed by session and domain: launching twice
// while the first body is still running folds the second request into a
// requirement update instead of a second body. Bodies are goroutines that
// outlive their originating request; everything a reader sees comes from a
// guarded snapshot copy.
package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coachflow/orchestrator/internal/domain"
	"github.com/coachflow/orchestrator/internal/llm"
	"github.com/coachflow/orchestrator/internal/metrics"
	"github.com/coachflow/orchestrator/internal/store"
)

// Snapshot is a point-in-time copy of one workflow handle. All fields
// describe the same run generation; a reader never observes the stage of one
// run paired with the result of another.
type Snapshot struct {
	SessionID      string                    `json:"session_id"`
	ConversationID string                    `json:"conversation_id"`
	Domain         string                    `json:"domain"`
	Goal           string                    `json:"goal"`
	Status         domain.WorkflowStatus     `json:"status"`
	Stage          string                    `json:"stage,omitempty"`
	Progress       float64                   `json:"progress"`
	Result         string                    `json:"result,omitempty"`
	Err            string                    `json:"error,omitempty"`
	Epoch          int                       `json:"epoch"`
	StartedAt      time.Time                 `json:"started_at"`
	UpdatedAt      time.Time                 `json:"updated_at"`
	CompletedAt    time.Time                 `json:"completed_at,omitempty"`
	StageOutputs   map[string]string         `json:"-"`
	History        []domain.RequirementEntry `json:"-"`
}

type handle struct {
	mu     sync.RWMutex
	snap   Snapshot
	gen    int
	notes  []string // minor amendments, folded into Result on completion
	cancel context.CancelFunc
}

// copySnapshot must be called with h.mu held (read or write).
func (h *handle) copySnapshot() Snapshot {
	out := h.snap
	out.StageOutputs = make(map[string]string, len(h.snap.StageOutputs))
	for k, v := range h.snap.StageOutputs {
		out.StageOutputs[k] = v
	}
	out.History = append([]domain.RequirementEntry(nil), h.snap.History...)
	return out
}

// Dispatcher owns the handle table and the workflow bodies.
type Dispatcher struct {
	mu    sync.Mutex
	flows map[string]*handle

	store   store.Store
	client  llm.Client
	stages  []Stage
	grace   time.Duration
	timeout time.Duration
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// NewDispatcher creates a dispatcher running the given stage pipeline.
// Terminal handles stay readable for the grace period before eviction;
// each body run is bounded by timeout.
func NewDispatcher(s store.Store, client llm.Client, stages []Stage, grace, timeout time.Duration, m *metrics.Metrics, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		flows:   make(map[string]*handle),
		store:   s,
		client:  client,
		stages:  stages,
		grace:   grace,
		timeout: timeout,
		metrics: m,
		log:     log.With().Str("component", "workflow").Logger(),
	}
}

func flowKey(sessionID, dom string) string {
	return sessionID + "/" + dom
}

// Launch starts a workflow for the session and domain, or folds the input
// into the running one as a requirement update. The returned bool reports
// whether a new body was started.
func (d *Dispatcher) Launch(ctx context.Context, sessionID, conversationID, dom, input string) (Snapshot, bool, error) {
	key := flowKey(sessionID, dom)

	d.mu.Lock()
	h, ok := d.flows[key]
	if ok {
		h.mu.RLock()
		running := h.snap.Status == domain.WorkflowStatusRunning
		h.mu.RUnlock()
		if running {
			d.mu.Unlock()
			return d.applyUpdate(ctx, h, input)
		}
	}

	now := time.Now().UTC()
	runCtx, cancel := context.WithCancel(context.Background())
	h = &handle{
		gen:    1,
		cancel: cancel,
		snap: Snapshot{
			SessionID:      sessionID,
			ConversationID: conversationID,
			Domain:         dom,
			Goal:           input,
			Status:         domain.WorkflowStatusRunning,
			Epoch:          1,
			StartedAt:      now,
			UpdatedAt:      now,
			StageOutputs:   make(map[string]string),
			History: []domain.RequirementEntry{{
				Seq:       1,
				Input:     input,
				Summary:   "initial requirement",
				Severity:  domain.UpdateInitial,
				CreatedAt: now,
			}},
		},
	}
	d.flows[key] = h
	d.mu.Unlock()

	d.metrics.WorkflowLaunches.Inc()
	d.log.Info().Str("session_id", sessionID).Str("domain", dom).Msg("workflow launched")
	go d.run(runCtx, h, 1)

	h.mu.RLock()
	snap := h.copySnapshot()
	h.mu.RUnlock()
	return snap, true, nil
}

// ReadState returns a consistent snapshot of the workflow, or
// domain.ErrNotFound if it was never launched or already evicted.
func (d *Dispatcher) ReadState(sessionID, dom string) (Snapshot, error) {
	d.mu.Lock()
	h, ok := d.flows[flowKey(sessionID, dom)]
	d.mu.Unlock()
	if !ok {
		return Snapshot{}, domain.ErrNotFound
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.copySnapshot(), nil
}

// History returns the ordered requirement entries for the workflow.
func (d *Dispatcher) History(sessionID, dom string) ([]domain.RequirementEntry, error) {
	snap, err := d.ReadState(sessionID, dom)
	if err != nil {
		return nil, err
	}
	return snap.History, nil
}

// Domains lists every domain this dispatcher currently holds a handle for
// under the given session, terminal ones included.
func (d *Dispatcher) Domains(sessionID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	prefix := sessionID + "/"
	var out []string
	for key := range d.flows {
		if strings.HasPrefix(key, prefix) {
			out = append(out, strings.TrimPrefix(key, prefix))
		}
	}
	return out
}

// Cancel transitions a running workflow to failed with the given reason.
// Canceling a terminal workflow is a no-op.
func (d *Dispatcher) Cancel(sessionID, dom, reason string) error {
	d.mu.Lock()
	h, ok := d.flows[flowKey(sessionID, dom)]
	d.mu.Unlock()
	if !ok {
		return domain.ErrNotFound
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.snap.Status != domain.WorkflowStatusRunning {
		return nil
	}
	h.gen++
	h.cancel()
	now := time.Now().UTC()
	h.snap.Status = domain.WorkflowStatusFailed
	h.snap.Err = reason
	h.snap.UpdatedAt = now
	h.snap.CompletedAt = now

	d.log.Info().Str("session_id", sessionID).Str("domain", dom).Str("reason", reason).Msg("workflow canceled")
	go d.persistTask(h.copySnapshot(), domain.TaskStatusCanceled, reason)
	return nil
}

// RunJanitor evicts terminal handles past the grace period until ctx ends.
func (d *Dispatcher) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.EvictExpired(time.Now().UTC())
		}
	}
}

// EvictExpired removes terminal handles whose grace period ended before now.
func (d *Dispatcher) EvictExpired(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	evicted := 0
	for key, h := range d.flows {
		h.mu.RLock()
		terminal := h.snap.Status != domain.WorkflowStatusRunning
		deadline := h.snap.CompletedAt.Add(d.grace)
		h.mu.RUnlock()
		if terminal && now.After(deadline) {
			delete(d.flows, key)
			evicted++
		}
	}
	if evicted > 0 {
		d.log.Debug().Int("evicted", evicted).Msg("evicted terminal workflows")
	}
	return evicted
}

// run executes every stage whose output is missing, in pipeline order.
// It abandons all writes once its generation is superseded.
func (d *Dispatcher) run(ctx context.Context, h *handle, gen int) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	for i, stage := range d.stages {
		h.mu.Lock()
		if h.gen != gen {
			h.mu.Unlock()
			return
		}
		if _, done := h.snap.StageOutputs[stage.Name]; done {
			h.mu.Unlock()
			continue
		}
		goal := h.snap.Goal
		prior := make(map[string]string, len(h.snap.StageOutputs))
		for k, v := range h.snap.StageOutputs {
			prior[k] = v
		}
		h.snap.Stage = stage.Name
		h.snap.UpdatedAt = time.Now().UTC()
		h.mu.Unlock()

		out, err := d.client.Complete(ctx, stage.System, stage.Prompt(goal, prior))
		if err != nil {
			d.finishFailed(h, gen, fmt.Errorf("stage %s: %w", stage.Name, err))
			return
		}

		h.mu.Lock()
		if h.gen != gen {
			h.mu.Unlock()
			return
		}
		h.snap.StageOutputs[stage.Name] = out
		h.snap.Progress = clampProgress(float64(i+1) / float64(len(d.stages)))
		h.snap.UpdatedAt = time.Now().UTC()
		h.mu.Unlock()
	}

	h.mu.Lock()
	if h.gen != gen {
		h.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	h.snap.Status = domain.WorkflowStatusCompleted
	h.snap.Stage = ""
	h.snap.Progress = 1
	h.snap.Result = withNotes(h.snap.StageOutputs[d.stages[len(d.stages)-1].Name], h.notes)
	h.snap.UpdatedAt = now
	h.snap.CompletedAt = now
	snap := h.copySnapshot()
	h.mu.Unlock()

	d.log.Info().Str("session_id", snap.SessionID).Str("domain", snap.Domain).Msg("workflow completed")
	d.persistTask(snap, domain.TaskStatusCompleted, snap.Result)
}

func (d *Dispatcher) finishFailed(h *handle, gen int, err error) {
	wrapped := fmt.Errorf("%w: %v", domain.ErrWorkflowFailed, err)

	h.mu.Lock()
	if h.gen != gen {
		h.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	h.snap.Status = domain.WorkflowStatusFailed
	h.snap.Err = wrapped.Error()
	h.snap.UpdatedAt = now
	h.snap.CompletedAt = now
	snap := h.copySnapshot()
	h.mu.Unlock()

	d.log.Error().Err(err).Str("session_id", snap.SessionID).Str("domain", snap.Domain).Msg("workflow failed")
	d.persistTask(snap, domain.TaskStatusFailed, snap.Err)
}

// persistTask records the workflow outcome as a durable task row. Storage
// failures are logged, never propagated into the handle.
func (d *Dispatcher) persistTask(snap Snapshot, status domain.TaskStatus, result string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now().UTC()
	task := &domain.Task{
		TaskID:         uuid.New().String(),
		ConversationID: snap.ConversationID,
		Goal:           snap.Goal,
		Domain:         snap.Domain,
		Status:         status,
		Result:         result,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := d.store.CreateTask(ctx, task); err != nil {
		d.log.Error().Err(err).Str("domain", snap.Domain).Msg("failed to persist workflow task")
	}
}

// applyUpdate folds a new requirement into a running workflow. Analysis runs
// without the handle lock; only the verdict is applied under it.
func (d *Dispatcher) applyUpdate(ctx context.Context, h *handle, input string) (Snapshot, bool, error) {
	h.mu.RLock()
	goal := h.snap.Goal
	summaries := make([]string, 0, len(h.snap.History))
	for _, e := range h.snap.History {
		summaries = append(summaries, e.Summary)
	}
	h.mu.RUnlock()

	analysis := d.analyze(ctx, goal, input, summaries)
	d.metrics.RequirementUpdates.WithLabelValues(string(analysis.Severity)).Inc()

	h.mu.Lock()
	now := time.Now().UTC()
	h.snap.History = append(h.snap.History, domain.RequirementEntry{
		Seq:       len(h.snap.History) + 1,
		Input:     input,
		Summary:   analysis.Summary,
		Severity:  analysis.Severity,
		CreatedAt: now,
	})
	h.snap.UpdatedAt = now

	switch analysis.Severity {
	case domain.UpdateMinor:
		h.notes = append(h.notes, analysis.Summary)
		h.snap.Result = withNotes(h.snap.StageOutputs[d.stages[len(d.stages)-1].Name], h.notes)
		snap := h.copySnapshot()
		h.mu.Unlock()
		return snap, false, nil

	case domain.UpdatePartial:
		for _, stale := range analysis.StaleStages {
			delete(h.snap.StageOutputs, stale)
		}

	default: // major
		h.snap.StageOutputs = make(map[string]string)
		h.snap.Goal = goal + "\nRevision: " + input
		h.notes = nil
	}

	h.gen++
	gen := h.gen
	h.cancel()
	runCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.snap.Epoch++
	h.snap.Status = domain.WorkflowStatusRunning
	h.snap.Result = withNotes("", h.notes)
	h.snap.Err = ""
	h.snap.Progress = clampProgress(float64(len(h.snap.StageOutputs)) / float64(len(d.stages)))
	h.snap.CompletedAt = time.Time{}
	snap := h.copySnapshot()
	h.mu.Unlock()

	d.log.Info().
		Str("session_id", snap.SessionID).
		Str("domain", snap.Domain).
		Str("severity", string(analysis.Severity)).
		Msg("requirement update applied, rerunning stale stages")
	go d.run(runCtx, h, gen)

	return snap, false, nil
}

// withNotes appends accumulated minor amendments to a result body.
func withNotes(body string, notes []string) string {
	out := body
	for _, n := range notes {
		if out != "" {
			out += "\n\n"
		}
		out += "Note: " + n
	}
	return out
}

var minorUpdateMarkers = []string{"typo", "rename", "wording", "rephrase", "clarif", "minor", "small change"}

// analyze asks the model to judge the update and falls back to a
// deterministic heuristic when the analyzer is unreachable or returns an
// invalid verdict: obvious wording tweaks are minor, everything else reruns
// the whole pipeline.
func (d *Dispatcher) analyze(ctx context.Context, goal, input string, history []string) *llm.UpdateAnalysis {
	analysis, err := d.client.AnalyzeUpdate(ctx, llm.AnalyzeRequest{
		OriginalInput: goal,
		UpdateInput:   input,
		History:       history,
		Stages:        StageNames(d.stages),
	})
	if err == nil {
		return analysis
	}
	d.log.Warn().Err(err).Msg("requirement analyzer unavailable, using heuristic fallback")

	lowered := strings.ToLower(input)
	for _, marker := range minorUpdateMarkers {
		if strings.Contains(lowered, marker) {
			return &llm.UpdateAnalysis{
				Severity: domain.UpdateMinor,
				Summary:  input,
			}
		}
	}
	return &llm.UpdateAnalysis{
		Severity:    domain.UpdateMajor,
		StaleStages: StageNames(d.stages),
		Summary:     input,
	}
}
