package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/coachflow/orchestrator/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	now := time.Now().UTC()
	session := &domain.Session{
		SessionID:    "s1",
		Token:        "tok1",
		CreatedAt:    now,
		LastAccessed: now,
		ExpiresAt:    now.Add(30 * time.Minute),
		IsActive:     true,
		Metadata:     json.RawMessage(`{"tier":"premium"}`),
	}
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	got, err := store.GetSessionByToken(ctx, "tok1")
	if err != nil {
		t.Fatalf("GetSessionByToken failed: %v", err)
	}
	if got == nil || got.SessionID != "s1" || !got.IsActive {
		t.Fatalf("unexpected session: %+v", got)
	}

	// Extension inside the window succeeds and moves the deadline.
	newExpiry := now.Add(time.Hour)
	ok, err := store.TouchSession(ctx, "tok1", now.Add(time.Minute), newExpiry)
	if err != nil {
		t.Fatalf("TouchSession failed: %v", err)
	}
	if !ok {
		t.Fatal("expected touch to succeed inside the window")
	}
	got, err = store.GetSessionByToken(ctx, "tok1")
	if err != nil {
		t.Fatalf("GetSessionByToken failed: %v", err)
	}
	if !got.ExpiresAt.After(session.ExpiresAt) {
		t.Fatalf("expected deadline to move forward, got %v", got.ExpiresAt)
	}

	// A touch after the deadline fails.
	ok, err = store.TouchSession(ctx, "tok1", newExpiry.Add(time.Second), newExpiry.Add(time.Hour))
	if err != nil {
		t.Fatalf("TouchSession failed: %v", err)
	}
	if ok {
		t.Fatal("expected touch to fail past the deadline")
	}

	// Revocation is idempotent and blocks further touches.
	if err := store.RevokeSession(ctx, "tok1"); err != nil {
		t.Fatalf("RevokeSession failed: %v", err)
	}
	if err := store.RevokeSession(ctx, "tok1"); err != nil {
		t.Fatalf("second RevokeSession failed: %v", err)
	}
	ok, err = store.TouchSession(ctx, "tok1", now.Add(2*time.Minute), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("TouchSession failed: %v", err)
	}
	if ok {
		t.Fatal("expected touch to fail after revocation")
	}
}

func TestDeleteExpiredSessions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	now := time.Now().UTC()
	for _, s := range []*domain.Session{
		{SessionID: "live", Token: "t-live", CreatedAt: now, LastAccessed: now, ExpiresAt: now.Add(time.Hour), IsActive: true},
		{SessionID: "dead", Token: "t-dead", CreatedAt: now, LastAccessed: now, ExpiresAt: now.Add(-time.Minute), IsActive: true},
		{SessionID: "revoked", Token: "t-rev", CreatedAt: now, LastAccessed: now, ExpiresAt: now.Add(-time.Hour), IsActive: false},
	} {
		if err := store.CreateSession(ctx, s); err != nil {
			t.Fatalf("CreateSession(%s) failed: %v", s.SessionID, err)
		}
	}

	n, err := store.DeleteExpiredSessions(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpiredSessions failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows deleted, got %d", n)
	}

	got, err := store.GetSessionByToken(ctx, "t-live")
	if err != nil || got == nil {
		t.Fatalf("live session should survive the sweep: %v, %+v", err, got)
	}
	got, err = store.GetSessionByToken(ctx, "t-dead")
	if err != nil {
		t.Fatalf("GetSessionByToken failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expired session should be hard-deleted, got %+v", got)
	}
}

func TestConversationAndMessages(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	now := time.Now().UTC()
	conv := &domain.Conversation{
		ConversationID: "c1",
		SessionID:      "s1",
		CurrentAgent:   domain.AgentTriage,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	got, err := store.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if got == nil || got.CurrentAgent != domain.AgentTriage {
		t.Fatalf("unexpected conversation: %+v", got)
	}

	for i, m := range []*domain.Message{
		{MessageID: "m1", ConversationID: "c1", Role: domain.RoleUser, Content: "hello", CreatedAt: now},
		{MessageID: "m2", ConversationID: "c1", Role: domain.RoleAgent, Agent: "triage", Content: "hi", CreatedAt: now.Add(time.Millisecond)},
	} {
		if err := store.CreateMessage(ctx, m); err != nil {
			t.Fatalf("CreateMessage(%d) failed: %v", i, err)
		}
	}

	// Replaying an append with the same id must not duplicate the row.
	dup := &domain.Message{MessageID: "m1", ConversationID: "c1", Role: domain.RoleUser, Content: "hello", CreatedAt: now}
	if err := store.CreateMessage(ctx, dup); err != nil {
		t.Fatalf("replayed CreateMessage failed: %v", err)
	}

	messages, err := store.GetMessages(ctx, "c1", 0)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if messages[0].MessageID != "m1" || messages[1].MessageID != "m2" {
		t.Fatalf("messages out of order: %+v", messages)
	}
	if messages[0].Agent != "" || messages[1].Agent != "triage" {
		t.Fatalf("unexpected agent attribution: %+v", messages)
	}

	if err := store.UpdateCurrentAgent(ctx, "c1", "exercise_coach+nutrition_coach"); err != nil {
		t.Fatalf("UpdateCurrentAgent failed: %v", err)
	}
	got, err = store.GetConversation(ctx, "c1")
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if got.CurrentAgent != "exercise_coach+nutrition_coach" {
		t.Fatalf("unexpected current agent: %q", got.CurrentAgent)
	}
}

func TestTaskLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	now := time.Now().UTC()
	conv := &domain.Conversation{ConversationID: "c1", SessionID: "s1", CurrentAgent: domain.AgentTriage, CreatedAt: now, UpdatedAt: now}
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}

	task := &domain.Task{
		TaskID:         "t1",
		ConversationID: "c1",
		Goal:           "build a workout plan",
		Domain:         "exercise_coach",
		Status:         domain.TaskStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	if err := store.UpdateTaskResult(ctx, "t1", domain.TaskStatusCompleted, "3-day split"); err != nil {
		t.Fatalf("UpdateTaskResult failed: %v", err)
	}

	got, err := store.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != domain.TaskStatusCompleted || got.Result != "3-day split" {
		t.Fatalf("unexpected task: %+v", got)
	}

	tasks, err := store.ListTasks(ctx, "c1")
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
}
