// Package service implements the conversation orchestrator: the turn
// protocol, session verbs, and the read surface over workflows. One inbound
// turn is one goroutine; turns for the same conversation are serialized by a
// per-conversation lock, turns for different conversations run in parallel.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coachflow/orchestrator/internal/aggregate"
	"github.com/coachflow/orchestrator/internal/domain"
	"github.com/coachflow/orchestrator/internal/llm"
	"github.com/coachflow/orchestrator/internal/metrics"
	"github.com/coachflow/orchestrator/internal/prompt"
	"github.com/coachflow/orchestrator/internal/router"
	"github.com/coachflow/orchestrator/internal/session"
	"github.com/coachflow/orchestrator/internal/store"
	"github.com/coachflow/orchestrator/internal/workflow"
)

const historyLimit = 50

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// Orchestrator wires the registry, router, composer, dispatcher and
// aggregator into the public conversation API.
type Orchestrator struct {
	registry   *session.Registry
	store      store.Store
	router     *router.Router
	composer   *prompt.Composer
	dispatcher *workflow.Dispatcher
	aggregator *aggregate.Aggregator
	client     llm.Client
	metrics    *metrics.Metrics
	log        zerolog.Logger

	mu    sync.Mutex
	locks map[string]*turnLock
}

// turnLock serializes turns on one conversation. Entries are refcounted so
// the lock table only holds conversations with a turn in flight.
type turnLock struct {
	mu   sync.Mutex
	refs int
}

// New creates the orchestrator.
func New(reg *session.Registry, st store.Store, rt *router.Router, comp *prompt.Composer, disp *workflow.Dispatcher, agg *aggregate.Aggregator, client llm.Client, m *metrics.Metrics, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		registry:   reg,
		store:      st,
		router:     rt,
		composer:   comp,
		dispatcher: disp,
		aggregator: agg,
		client:     client,
		metrics:    m,
		log:        log.With().Str("component", "orchestrator").Logger(),
		locks:      make(map[string]*turnLock),
	}
}

// lockConversation acquires the turn lock for one conversation and returns
// the release func. The table entry is dropped once the last holder releases.
func (o *Orchestrator) lockConversation(conversationID string) func() {
	o.mu.Lock()
	l, ok := o.locks[conversationID]
	if !ok {
		l = &turnLock{}
		o.locks[conversationID] = l
	}
	l.refs++
	o.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		o.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(o.locks, conversationID)
		}
		o.mu.Unlock()
	}
}

// CreateSession opens a new session and returns it with its bearer token
// still populated.
func (o *Orchestrator) CreateSession(ctx context.Context, metadata []byte) (*domain.Session, error) {
	return o.registry.Create(ctx, metadata)
}

// SessionInfo validates and extends the session, returning it together with
// its conversations.
func (o *Orchestrator) SessionInfo(ctx context.Context, token string) (*domain.Session, []domain.Conversation, error) {
	sess, err := o.registry.ValidateAndExtend(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	convs, err := o.store.ListConversationsBySession(ctx, sess.SessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("listing conversations: %w", err)
	}
	return sess, convs, nil
}

// Logout revokes the session. Running workflows are left alone; their
// results stay readable for the grace period.
func (o *Orchestrator) Logout(ctx context.Context, token string) error {
	return o.registry.Revoke(ctx, token)
}

// WorkflowStatus returns a snapshot of one domain workflow. The token's
// session must own it.
func (o *Orchestrator) WorkflowStatus(ctx context.Context, token, sessionID, dom string) (workflow.Snapshot, error) {
	sess, err := o.registry.ValidateAndExtend(ctx, token)
	if err != nil {
		return workflow.Snapshot{}, err
	}
	if sess.SessionID != sessionID {
		return workflow.Snapshot{}, domain.ErrNotFound
	}
	return o.dispatcher.ReadState(sessionID, dom)
}

// RequirementHistory returns the ordered requirement entries of one domain
// workflow.
func (o *Orchestrator) RequirementHistory(ctx context.Context, token, sessionID, dom string) ([]domain.RequirementEntry, error) {
	sess, err := o.registry.ValidateAndExtend(ctx, token)
	if err != nil {
		return nil, err
	}
	if sess.SessionID != sessionID {
		return nil, domain.ErrNotFound
	}
	return o.dispatcher.History(sessionID, dom)
}

// Messages returns the conversation history, ownership checked.
func (o *Orchestrator) Messages(ctx context.Context, token, conversationID string, limit int) ([]domain.Message, error) {
	sess, err := o.registry.ValidateAndExtend(ctx, token)
	if err != nil {
		return nil, err
	}
	conv, err := o.loadOwnedConversation(ctx, sess.SessionID, conversationID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = historyLimit
	}
	return o.store.GetMessages(ctx, conv.ConversationID, limit)
}

// SendMessage runs one conversational turn. An empty conversationID starts a
// new conversation owned by the token's session. Every successful turn
// appends exactly one agent message.
func (o *Orchestrator) SendMessage(ctx context.Context, token, conversationID, text string) (*domain.TurnResponse, error) {
	start := time.Now()
	resp, err := o.sendMessage(ctx, token, conversationID, text)
	o.metrics.TurnDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		o.metrics.TurnsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	o.metrics.TurnsTotal.WithLabelValues("success").Inc()
	return resp, nil
}

func (o *Orchestrator) sendMessage(ctx context.Context, token, conversationID, text string) (*domain.TurnResponse, error) {
	sess, err := o.registry.ValidateAndExtend(ctx, token)
	if err != nil {
		return nil, err
	}

	conv, err := o.loadOrCreateConversation(ctx, sess.SessionID, conversationID)
	if err != nil {
		return nil, err
	}

	unlock := o.lockConversation(conv.ConversationID)
	defer unlock()

	now := time.Now().UTC()
	if err := o.store.CreateMessage(ctx, &domain.Message{
		MessageID:      uuid.New().String(),
		ConversationID: conv.ConversationID,
		Role:           domain.RoleUser,
		Content:        text,
		CreatedAt:      now,
	}); err != nil {
		return nil, fmt.Errorf("appending user message: %w", err)
	}

	history, err := o.store.GetMessages(ctx, conv.ConversationID, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	decision, err := o.router.Route(ctx, history, conv.CurrentAgent)
	if err != nil {
		return nil, err
	}

	switch decision.Type {
	case domain.DecisionExecuteDirect:
		return o.applyDirect(ctx, sess, conv, decision)
	case domain.DecisionHandoff:
		return o.applyHandoff(ctx, sess, conv, decision, text)
	default:
		return o.applyQuestion(ctx, conv, decision)
	}
}

// applyQuestion answers the turn with the clarifying question. The
// conversation owner does not change.
func (o *Orchestrator) applyQuestion(ctx context.Context, conv *domain.Conversation, decision *domain.Decision) (*domain.TurnResponse, error) {
	if err := o.appendAgentMessage(ctx, conv, conv.CurrentAgent, decision.Question, ""); err != nil {
		return nil, err
	}
	return &domain.TurnResponse{
		ConversationID: conv.ConversationID,
		Agent:          conv.CurrentAgent,
		Text:           decision.Question,
		Action:         &domain.ActionDescriptor{Type: "question"},
	}, nil
}

// applyDirect executes a builtin action over the conversation's tasks and
// workflows. The conversation owner does not change.
func (o *Orchestrator) applyDirect(ctx context.Context, sess *domain.Session, conv *domain.Conversation, decision *domain.Decision) (*domain.TurnResponse, error) {
	text := o.runDirectAction(ctx, sess, conv, decision)
	if err := o.appendAgentMessage(ctx, conv, conv.CurrentAgent, text, ""); err != nil {
		return nil, err
	}
	return &domain.TurnResponse{
		ConversationID: conv.ConversationID,
		Agent:          conv.CurrentAgent,
		Text:           text,
		Action:         &domain.ActionDescriptor{Type: "direct_request", Action: decision.Action},
	}, nil
}

// applyHandoff commits the composite owner, launches the domain workflows
// and answers with the new owner's first reply. Workflow launch problems
// degrade the reply, they never fail the turn.
func (o *Orchestrator) applyHandoff(ctx context.Context, sess *domain.Session, conv *domain.Conversation, decision *domain.Decision, text string) (*domain.TurnResponse, error) {
	composite := prompt.CompositeID(decision.Agents)
	if err := o.store.UpdateCurrentAgent(ctx, conv.ConversationID, composite); err != nil {
		return nil, fmt.Errorf("committing handoff: %w", err)
	}
	conv.CurrentAgent = composite
	o.metrics.HandoffsTotal.Inc()

	contextDoc := mustJSON(map[string]any{
		"active_domains": prompt.SplitComposite(composite),
		"handed_off_at":  time.Now().UTC(),
	})
	if err := o.store.UpdateConversationContext(ctx, conv.ConversationID, contextDoc); err != nil {
		o.log.Warn().Err(err).Msg("updating conversation context failed")
	}

	var launched []string
	for _, dom := range prompt.SplitComposite(composite) {
		if _, _, err := o.dispatcher.Launch(ctx, sess.SessionID, conv.ConversationID, dom, text); err != nil {
			o.log.Error().Err(err).Str("domain", dom).Msg("workflow launch failed")
			continue
		}
		launched = append(launched, dom)
	}

	reply := o.handoffReply(ctx, composite, text, launched)
	if err := o.appendAgentMessage(ctx, conv, composite, reply, ""); err != nil {
		return nil, err
	}

	return &domain.TurnResponse{
		ConversationID: conv.ConversationID,
		Agent:          composite,
		Text:           reply,
		Action: &domain.ActionDescriptor{
			Type:    "handoff",
			Agents:  decision.Agents,
			Domains: launched,
		},
	}, nil
}

// handoffReply produces the new owner's first message. The composed
// instructions drive a real completion when a provider is configured; if it
// is unreachable the reply degrades to a plain acknowledgement.
func (o *Orchestrator) handoffReply(ctx context.Context, composite, text string, launched []string) string {
	instructions, err := o.composer.Compose(prompt.SplitComposite(composite))
	if err == nil {
		reply, cerr := o.client.Complete(ctx, instructions, text)
		if cerr == nil && strings.TrimSpace(reply) != "" {
			return reply
		}
		if cerr != nil {
			o.log.Warn().Err(cerr).Msg("handoff reply completion failed, degrading")
		}
	}
	if len(launched) > 0 {
		return fmt.Sprintf("I'm on it. I've started working on your %s plan and will have a first version shortly.", strings.Join(launched, " and "))
	}
	return "I'm on it."
}

// runDirectAction interprets the classifier's action verb against the
// conversation's tasks and the session's workflows. Unknown verbs answer
// from the aggregated context instead of failing the turn.
func (o *Orchestrator) runDirectAction(ctx context.Context, sess *domain.Session, conv *domain.Conversation, decision *domain.Decision) string {
	action := strings.ToLower(decision.Action)
	switch {
	case strings.Contains(action, "list"), strings.Contains(action, "show"):
		return o.listTasks(ctx, conv.ConversationID)
	case strings.Contains(action, "delete"):
		return o.deleteTasks(ctx, conv.ConversationID)
	case strings.Contains(action, "cancel"):
		return o.cancelWork(ctx, sess.SessionID, conv.ConversationID)
	default:
		return o.answerFromContext(ctx, sess.SessionID, conv.ConversationID, decision)
	}
}

func (o *Orchestrator) listTasks(ctx context.Context, conversationID string) string {
	tasks, err := o.store.ListTasks(ctx, conversationID)
	if err != nil {
		o.log.Error().Err(err).Msg("listing tasks failed")
		return "I couldn't load your plans just now. Please try again."
	}
	var lines []string
	for _, task := range tasks {
		if task.Status == domain.TaskStatusDeleted {
			continue
		}
		lines = append(lines, fmt.Sprintf("- [%s] %s (%s)", task.Status, task.Goal, task.Domain))
	}
	if len(lines) == 0 {
		return "You have no saved plans yet."
	}
	return "Here are your plans:\n" + strings.Join(lines, "\n")
}

func (o *Orchestrator) deleteTasks(ctx context.Context, conversationID string) string {
	tasks, err := o.store.ListTasks(ctx, conversationID)
	if err != nil {
		o.log.Error().Err(err).Msg("loading tasks for delete failed")
		return "I couldn't delete your plans just now. Please try again."
	}
	deleted := 0
	for _, task := range tasks {
		if task.Status == domain.TaskStatusDeleted {
			continue
		}
		if err := o.store.UpdateTaskStatus(ctx, task.TaskID, domain.TaskStatusDeleted); err != nil {
			o.log.Error().Err(err).Str("task_id", task.TaskID).Msg("deleting task failed")
			continue
		}
		deleted++
	}
	if deleted == 0 {
		return "There were no plans to delete."
	}
	return fmt.Sprintf("Deleted %d plan(s).", deleted)
}

func (o *Orchestrator) cancelWork(ctx context.Context, sessionID, conversationID string) string {
	canceled := 0
	for _, dom := range o.dispatcher.Domains(sessionID) {
		snap, err := o.dispatcher.ReadState(sessionID, dom)
		if err != nil || snap.Status != domain.WorkflowStatusRunning {
			continue
		}
		if err := o.dispatcher.Cancel(sessionID, dom, "canceled by user"); err == nil {
			canceled++
		}
	}
	tasks, err := o.store.ListTasks(ctx, conversationID)
	if err == nil {
		for _, task := range tasks {
			if task.Status != domain.TaskStatusPending {
				continue
			}
			if err := o.store.UpdateTaskStatus(ctx, task.TaskID, domain.TaskStatusCanceled); err == nil {
				canceled++
			}
		}
	}
	if canceled == 0 {
		return "There was nothing in progress to cancel."
	}
	return fmt.Sprintf("Canceled %d item(s).", canceled)
}

// answerFromContext answers a query about in-flight or finished work from
// the aggregated bundle.
func (o *Orchestrator) answerFromContext(ctx context.Context, sessionID, conversationID string, decision *domain.Decision) string {
	bundle, err := o.aggregator.Aggregate(ctx, sessionID, conversationID)
	if err != nil {
		o.log.Error().Err(err).Msg("context aggregation failed")
		return "I couldn't check on that just now. Please try again."
	}
	if bundle.Empty() {
		return "There's nothing in progress yet. Tell me what you'd like to work on."
	}

	rendered := bundle.Render()
	answer, err := o.client.Complete(ctx,
		"You are a coaching assistant. Answer the user's request using only the context below.",
		fmt.Sprintf("Context:\n%s\n\nRequest: %s", rendered, decision.Action))
	if err != nil || strings.TrimSpace(answer) == "" {
		return "Here's where things stand:\n" + rendered
	}
	return answer
}

func (o *Orchestrator) appendAgentMessage(ctx context.Context, conv *domain.Conversation, agent, content, taskID string) error {
	if err := o.store.CreateMessage(ctx, &domain.Message{
		MessageID:      uuid.New().String(),
		ConversationID: conv.ConversationID,
		Role:           domain.RoleAgent,
		Agent:          agent,
		Content:        content,
		TaskID:         taskID,
		CreatedAt:      time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("appending agent message: %w", err)
	}
	return nil
}

func (o *Orchestrator) loadOwnedConversation(ctx context.Context, sessionID, conversationID string) (*domain.Conversation, error) {
	conv, err := o.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	if conv == nil || conv.SessionID != sessionID {
		return nil, domain.ErrNotFound
	}
	return conv, nil
}

func (o *Orchestrator) loadOrCreateConversation(ctx context.Context, sessionID, conversationID string) (*domain.Conversation, error) {
	if conversationID != "" {
		return o.loadOwnedConversation(ctx, sessionID, conversationID)
	}

	now := time.Now().UTC()
	conv := &domain.Conversation{
		ConversationID: uuid.New().String(),
		SessionID:      sessionID,
		CurrentAgent:   domain.AgentTriage,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := o.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}
	return conv, nil
}
