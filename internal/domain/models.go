// Package domain defines the core domain models for the orchestrator.
package domain

import (
	"encoding/json"
	"time"
)

// AgentTriage is the agent that owns every new conversation.
const AgentTriage = "triage"

// Role identifies who authored a message.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// TaskStatus represents the status of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCanceled  TaskStatus = "canceled"
	TaskStatusDeleted   TaskStatus = "deleted"
)

// WorkflowStatus represents the status of a domain workflow handle.
type WorkflowStatus string

const (
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
)

// Session is a durable, sliding-expiration session record.
type Session struct {
	SessionID    string          `json:"session_id"`
	Token        string          `json:"-"`
	CreatedAt    time.Time       `json:"created_at"`
	LastAccessed time.Time       `json:"last_accessed"`
	ExpiresAt    time.Time       `json:"expires_at"`
	IsActive     bool            `json:"is_active"`
	Metadata     json.RawMessage `json:"user_metadata,omitempty"`
}

// Conversation is the durable record of one dialogue, including which agent
// currently owns it. ContextData is an open document; its schema belongs to
// the consumers, not the store.
type Conversation struct {
	ConversationID string          `json:"conversation_id"`
	SessionID      string          `json:"session_id"`
	CurrentAgent   string          `json:"current_agent"`
	ContextData    json.RawMessage `json:"context_data,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Message is one entry in a conversation's append-only history.
// Agent is empty for user messages.
type Message struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Agent          string    `json:"agent,omitempty"`
	Content        string    `json:"content"`
	TaskID         string    `json:"task_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Task is one unit of specialist work tied to a conversation. A completed
// domain workflow persists its final result here.
type Task struct {
	TaskID         string     `json:"task_id"`
	ConversationID string     `json:"conversation_id"`
	Goal           string     `json:"goal"`
	Domain         string     `json:"domain"`
	Status         TaskStatus `json:"status"`
	Context        string     `json:"context,omitempty"`
	Result         string     `json:"result,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// RequirementEntry is one user-supplied change to a workflow's inputs.
// Entries are appended, never rewritten.
type RequirementEntry struct {
	Seq       int            `json:"seq"`
	Input     string         `json:"input"`
	Summary   string         `json:"summary"`
	Severity  UpdateSeverity `json:"severity"`
	CreatedAt time.Time      `json:"created_at"`
}

// UpdateSeverity classifies a requirement update for re-evaluation.
type UpdateSeverity string

const (
	// UpdateInitial marks the entry recorded when a workflow launches.
	UpdateInitial UpdateSeverity = "initial"
	UpdateMinor   UpdateSeverity = "minor"
	UpdatePartial UpdateSeverity = "partial"
	UpdateMajor   UpdateSeverity = "major"
)

// TurnResponse is what one conversational turn yields to the caller.
type TurnResponse struct {
	ConversationID string            `json:"conversation_id"`
	Agent          string            `json:"agent"`
	Text           string            `json:"text"`
	Action         *ActionDescriptor `json:"action,omitempty"`
}

// ActionDescriptor describes the side effect a turn produced, if any.
type ActionDescriptor struct {
	Type    string   `json:"type"` // handoff, direct_request, question
	Agents  []string `json:"agents,omitempty"`
	Action  string   `json:"action,omitempty"`
	Domains []string `json:"domains,omitempty"`
}
