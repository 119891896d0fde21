// Package store defines the storage interface and implementations.
package store

import (
	"context"
	"time"

	"github.com/coachflow/orchestrator/internal/domain"
)

// Store defines the interface for data persistence. Implementations must keep
// every compound operation (notably TouchSession) atomic with respect to
// concurrent callers; expiration is a pure function of stored timestamps so
// any replica can validate or sweep against the shared rows.
type Store interface {
	// Session operations
	CreateSession(ctx context.Context, session *domain.Session) error
	GetSessionByToken(ctx context.Context, token string) (*domain.Session, error)
	// TouchSession extends an active, unexpired session in a single guarded
	// write. It returns false when no such session matches the token.
	TouchSession(ctx context.Context, token string, now, expiresAt time.Time) (bool, error)
	RevokeSession(ctx context.Context, token string) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)

	// Conversation operations
	CreateConversation(ctx context.Context, conv *domain.Conversation) error
	GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error)
	ListConversationsBySession(ctx context.Context, sessionID string) ([]domain.Conversation, error)
	UpdateCurrentAgent(ctx context.Context, conversationID, agent string) error
	UpdateConversationContext(ctx context.Context, conversationID string, contextData []byte) error

	// Message operations
	CreateMessage(ctx context.Context, message *domain.Message) error
	GetMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)

	// Task operations
	CreateTask(ctx context.Context, task *domain.Task) error
	GetTask(ctx context.Context, taskID string) (*domain.Task, error)
	ListTasks(ctx context.Context, conversationID string) ([]domain.Task, error)
	UpdateTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus) error
	UpdateTaskResult(ctx context.Context, taskID string, status domain.TaskStatus, result string) error

	// Lifecycle
	Close() error
}
