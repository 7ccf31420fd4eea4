package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// EnsureConversation creates the conversation if it does not exist yet and
// bumps its updated_at otherwise. The first non-empty title wins.
func (s *Store) EnsureConversation(ctx context.Context, id, title string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			updated_at = excluded.updated_at,
			title = CASE WHEN conversations.title = '' THEN excluded.title ELSE conversations.title END`,
		id, title, now, now,
	)
	return err
}

// AddMessage appends a message to an existing conversation.
func (s *Store) AddMessage(ctx context.Context, m Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, sql, template_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Role, m.Content, m.SQL, m.TemplateID, m.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// RecordExecution stores the outcome of one business query.
func (s *Store) RecordExecution(ctx context.Context, e QueryExecution) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO query_executions (id, conversation_id, sql, status, duration_ms, row_count, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ConversationID, e.SQL, e.Status, e.DurationMS, e.RowCount, e.Error, e.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// ListConversations returns the most recently active conversations first,
// without messages.
func (s *Store) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, created_at, updated_at FROM conversations
		ORDER BY updated_at DESC, id LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// GetConversation returns a conversation with its messages in order.
func (s *Store) GetConversation(ctx context.Context, id string) (Conversation, error) {
	c, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, sql, template_id, created_at
		FROM messages WHERE conversation_id = ? ORDER BY created_at, rowid`, id,
	)
	if err != nil {
		return Conversation{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var m Message
		var createdAt string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.SQL, &m.TemplateID, &createdAt); err != nil {
			return Conversation{}, err
		}
		if m.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return Conversation{}, fmt.Errorf("parsing created_at: %w", err)
		}
		c.Messages = append(c.Messages, m)
	}
	return c, rows.Err()
}

// ListExecutions returns the executions recorded for a conversation, oldest
// first.
func (s *Store) ListExecutions(ctx context.Context, conversationID string) ([]QueryExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, sql, status, duration_ms, row_count, error, created_at
		FROM query_executions WHERE conversation_id = ? ORDER BY created_at, rowid`, conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []QueryExecution
	for rows.Next() {
		var e QueryExecution
		var createdAt string
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.SQL, &e.Status, &e.DurationMS, &e.RowCount, &e.Error, &createdAt); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

func scanConversation(row rowScanner) (Conversation, error) {
	var c Conversation
	var createdAt, updatedAt string
	if err := row.Scan(&c.ID, &c.Title, &createdAt, &updatedAt); err != nil {
		return Conversation{}, err
	}
	var err error
	if c.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Conversation{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Conversation{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return c, nil
}
