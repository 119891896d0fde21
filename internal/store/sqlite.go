package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/coachflow/orchestrator/internal/domain"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			session_token TEXT NOT NULL UNIQUE,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_accessed DATETIME NOT NULL,
			expires_at DATETIME NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			user_metadata TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_token ON sessions(session_token)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_expiry ON sessions(expires_at)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			conversation_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			current_agent TEXT NOT NULL DEFAULT 'triage',
			context_data TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_session ON conversations(session_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			agent TEXT,
			content TEXT NOT NULL,
			task_id TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (conversation_id) REFERENCES conversations(conversation_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			task_id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			goal TEXT NOT NULL,
			domain TEXT NOT NULL,
			status TEXT NOT NULL,
			context TEXT,
			result TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (conversation_id) REFERENCES conversations(conversation_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_conversation ON tasks(conversation_id, created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSession creates a new session row.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	var metadata sql.NullString
	if len(session.Metadata) > 0 {
		metadata = sql.NullString{String: string(session.Metadata), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, session_token, created_at, last_accessed, expires_at, is_active, user_metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		session.SessionID, session.Token, session.CreatedAt, session.LastAccessed,
		session.ExpiresAt, session.IsActive, metadata)
	return err
}

// GetSessionByToken retrieves a session by its token, expired or not.
// Callers decide what expiry means; see TouchSession for the validating path.
func (s *SQLiteStore) GetSessionByToken(ctx context.Context, token string) (*domain.Session, error) {
	var session domain.Session
	var metadata sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, session_token, created_at, last_accessed, expires_at, is_active, user_metadata
		 FROM sessions WHERE session_token = ?`,
		token).Scan(&session.SessionID, &session.Token, &session.CreatedAt,
		&session.LastAccessed, &session.ExpiresAt, &session.IsActive, &metadata)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if metadata.Valid {
		session.Metadata = []byte(metadata.String)
	}
	return &session, nil
}

// TouchSession atomically extends an active, unexpired session. The expiry
// guard lives in the WHERE clause, so two concurrent callers race on the row
// itself rather than on a stale read: both succeed inside the window, both
// fail after it, and neither can resurrect an expired session.
func (s *SQLiteStore) TouchSession(ctx context.Context, token string, now, expiresAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_accessed = ?, expires_at = ?
		 WHERE session_token = ? AND is_active = 1 AND expires_at > ?`,
		now, expiresAt, token, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RevokeSession marks a session inactive. Idempotent.
func (s *SQLiteStore) RevokeSession(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET is_active = 0 WHERE session_token = ?`, token)
	return err
}

// DeleteExpiredSessions hard-deletes every session past its deadline.
func (s *SQLiteStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CreateConversation creates a new conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	var contextData sql.NullString
	if len(conv.ContextData) > 0 {
		contextData = sql.NullString{String: string(conv.ContextData), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (conversation_id, session_id, current_agent, context_data, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		conv.ConversationID, conv.SessionID, conv.CurrentAgent, contextData, conv.CreatedAt, conv.UpdatedAt)
	return err
}

// GetConversation retrieves a conversation by ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	var conv domain.Conversation
	var contextData sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, session_id, current_agent, context_data, created_at, updated_at
		 FROM conversations WHERE conversation_id = ?`,
		conversationID).Scan(&conv.ConversationID, &conv.SessionID, &conv.CurrentAgent,
		&contextData, &conv.CreatedAt, &conv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if contextData.Valid {
		conv.ContextData = []byte(contextData.String)
	}
	return &conv, nil
}

// ListConversationsBySession lists a session's conversations, newest first.
func (s *SQLiteStore) ListConversationsBySession(ctx context.Context, sessionID string) ([]domain.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id, session_id, current_agent, context_data, created_at, updated_at
		 FROM conversations WHERE session_id = ? ORDER BY created_at DESC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []domain.Conversation
	for rows.Next() {
		var conv domain.Conversation
		var contextData sql.NullString
		if err := rows.Scan(&conv.ConversationID, &conv.SessionID, &conv.CurrentAgent,
			&contextData, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, err
		}
		if contextData.Valid {
			conv.ContextData = []byte(contextData.String)
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// UpdateCurrentAgent sets the conversation's controlling agent in one write.
func (s *SQLiteStore) UpdateCurrentAgent(ctx context.Context, conversationID, agent string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET current_agent = ?, updated_at = ? WHERE conversation_id = ?`,
		agent, time.Now().UTC(), conversationID)
	return err
}

// UpdateConversationContext replaces the conversation's context document.
func (s *SQLiteStore) UpdateConversationContext(ctx context.Context, conversationID string, contextData []byte) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET context_data = ?, updated_at = ? WHERE conversation_id = ?`,
		string(contextData), time.Now().UTC(), conversationID)
	return err
}

// CreateMessage appends a message. Idempotent on message id: replaying the
// same append after a failure is a no-op rather than a duplicate row.
func (s *SQLiteStore) CreateMessage(ctx context.Context, message *domain.Message) error {
	var agent, taskID sql.NullString
	if message.Agent != "" {
		agent = sql.NullString{String: message.Agent, Valid: true}
	}
	if message.TaskID != "" {
		taskID = sql.NullString{String: message.TaskID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages (message_id, conversation_id, role, agent, content, task_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		message.MessageID, message.ConversationID, message.Role, agent, message.Content, taskID, message.CreatedAt)
	return err
}

// GetMessages retrieves a conversation's messages in creation order.
func (s *SQLiteStore) GetMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	query := `SELECT message_id, conversation_id, role, agent, content, task_id, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, message_id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		var agent, taskID sql.NullString
		if err := rows.Scan(&msg.MessageID, &msg.ConversationID, &msg.Role, &agent,
			&msg.Content, &taskID, &msg.CreatedAt); err != nil {
			return nil, err
		}
		if agent.Valid {
			msg.Agent = agent.String
		}
		if taskID.Valid {
			msg.TaskID = taskID.String
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// CreateTask creates a new task.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *domain.Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (task_id, conversation_id, goal, domain, status, context, result, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.TaskID, task.ConversationID, task.Goal, task.Domain, task.Status,
		task.Context, task.Result, task.CreatedAt, task.UpdatedAt)
	return err
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	var task domain.Task
	var context, result sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT task_id, conversation_id, goal, domain, status, context, result, created_at, updated_at
		 FROM tasks WHERE task_id = ?`,
		taskID).Scan(&task.TaskID, &task.ConversationID, &task.Goal, &task.Domain,
		&task.Status, &context, &result, &task.CreatedAt, &task.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if context.Valid {
		task.Context = context.String
	}
	if result.Valid {
		task.Result = result.String
	}
	return &task, nil
}

// ListTasks lists a conversation's tasks in creation order.
func (s *SQLiteStore) ListTasks(ctx context.Context, conversationID string) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, conversation_id, goal, domain, status, context, result, created_at, updated_at
		 FROM tasks WHERE conversation_id = ? ORDER BY created_at ASC`,
		conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		var task domain.Task
		var context, result sql.NullString
		if err := rows.Scan(&task.TaskID, &task.ConversationID, &task.Goal, &task.Domain,
			&task.Status, &context, &result, &task.CreatedAt, &task.UpdatedAt); err != nil {
			return nil, err
		}
		if context.Valid {
			task.Context = context.String
		}
		if result.Valid {
			task.Result = result.String
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// UpdateTaskStatus updates the status of a task.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE task_id = ?`,
		status, time.Now().UTC(), taskID)
	return err
}

// UpdateTaskResult sets a task's final status and result in one write.
func (s *SQLiteStore) UpdateTaskResult(ctx context.Context, taskID string, status domain.TaskStatus, result string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, result = ?, updated_at = ? WHERE task_id = ?`,
		status, result, time.Now().UTC(), taskID)
	return err
}
