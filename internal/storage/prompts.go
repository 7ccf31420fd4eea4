package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GetPrompt returns the stored override for a prompt id.
func (s *Store) GetPrompt(ctx context.Context, id string) (PromptOverride, error) {
	var p PromptOverride
	var updatedAt string
	err := s.db.QueryRowContext(ctx, `SELECT id, body, updated_at FROM prompts WHERE id = ?`, id).
		Scan(&p.ID, &p.Body, &updatedAt)
	if err == sql.ErrNoRows {
		return PromptOverride{}, ErrNotFound
	}
	if err != nil {
		return PromptOverride{}, err
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return PromptOverride{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return p, nil
}

// SetPrompt creates or replaces a prompt override.
func (s *Store) SetPrompt(ctx context.Context, id, body string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prompts (id, body, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		id, body, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// DeletePrompt removes an override, restoring the built-in prompt.
func (s *Store) DeletePrompt(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM prompts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPrompts returns every stored override ordered by id.
func (s *Store) ListPrompts(ctx context.Context) ([]PromptOverride, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, body, updated_at FROM prompts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []PromptOverride
	for rows.Next() {
		var p PromptOverride
		var updatedAt string
		if err := rows.Scan(&p.ID, &p.Body, &updatedAt); err != nil {
			return nil, err
		}
		if p.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		results = append(results, p)
	}
	return results, rows.Err()
}
