// Package pgstore keeps verified templates in PostgreSQL and answers
// similarity searches with pgvector's cosine distance operator.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/kalambet/querysmith/internal/templates"
)

var _ templates.Store = (*Store)(nil)

// Store is a templates.Store backed by a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
	dim  int
}

// Open connects to dsn and creates the schema if needed. dim fixes the width
// of the embedding column.
func Open(ctx context.Context, dsn string, dim int) (*Store, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("pgstore: invalid embedding dimension %d", dim)
	}
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: parsing dsn: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("pgstore: creating pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}

	s := &Store{pool: pool, dim: dim}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnsureSchema creates the vector extension, the tables and the HNSW index.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS templates (
			id           TEXT PRIMARY KEY,
			name         TEXT NOT NULL,
			sql          TEXT NOT NULL,
			explanation  TEXT NOT NULL DEFAULT '',
			instructions TEXT NOT NULL DEFAULT '',
			tables_used  TEXT[] NOT NULL DEFAULT '{}',
			verified_at  TIMESTAMPTZ NOT NULL,
			verified_by  TEXT NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS template_questions (
			id          BIGSERIAL PRIMARY KEY,
			template_id TEXT NOT NULL REFERENCES templates(id) ON DELETE CASCADE,
			position    INTEGER NOT NULL,
			text        TEXT NOT NULL,
			embedding   vector(%d) NOT NULL,
			UNIQUE (template_id, position)
		)`, s.dim),
		`CREATE INDEX IF NOT EXISTS idx_template_questions_embedding
			ON template_questions USING hnsw (embedding vector_cosine_ops)`,
		`CREATE TABLE IF NOT EXISTS template_follow_ups (
			source_id TEXT NOT NULL REFERENCES templates(id) ON DELETE CASCADE,
			target_id TEXT NOT NULL,
			position  INTEGER NOT NULL,
			PRIMARY KEY (source_id, target_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("pgstore: ensuring schema: %w", err)
		}
	}
	return nil
}

// Get loads a template with its questions and follow-up ids.
func (s *Store) Get(ctx context.Context, id string) (*templates.Template, error) {
	var t templates.Template
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, sql, explanation, instructions, tables_used, verified_at, verified_by
		FROM templates WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.SQL, &t.Explanation, &t.Instructions, &t.TablesUsed, &t.VerifiedAt, &t.VerifiedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, templates.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: get template %s: %w", id, err)
	}
	if err := s.loadChildren(ctx, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// List returns all templates ordered by id.
func (s *Store) List(ctx context.Context) ([]templates.Template, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, sql, explanation, instructions, tables_used, verified_at, verified_by
		FROM templates ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list templates: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (templates.Template, error) {
		var t templates.Template
		err := row.Scan(&t.ID, &t.Name, &t.SQL, &t.Explanation, &t.Instructions, &t.TablesUsed, &t.VerifiedAt, &t.VerifiedBy)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("pgstore: scan templates: %w", err)
	}
	for i := range out {
		if err := s.loadChildren(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ListFollowUps returns the follow-up ids of a template in declared order.
func (s *Store) ListFollowUps(ctx context.Context, id string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT target_id FROM template_follow_ups WHERE source_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list follow-ups of %s: %w", id, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("pgstore: scan follow-ups of %s: %w", id, err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// Upsert replaces a template, its questions and its edges in one transaction.
func (s *Store) Upsert(ctx context.Context, t *templates.Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if !t.Embedded(s.dim) {
		return fmt.Errorf("pgstore: template %s: questions must carry %d-dimensional embeddings", t.ID, s.dim)
	}
	tables := t.TablesUsed
	if tables == nil {
		tables = []string{}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pgstore: begin upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO templates (id, name, sql, explanation, instructions, tables_used, verified_at, verified_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, sql = EXCLUDED.sql, explanation = EXCLUDED.explanation,
			instructions = EXCLUDED.instructions, tables_used = EXCLUDED.tables_used,
			verified_at = EXCLUDED.verified_at, verified_by = EXCLUDED.verified_by,
			updated_at = NOW()`,
		t.ID, t.Name, t.SQL, t.Explanation, t.Instructions, tables, t.VerifiedAt.UTC(), t.VerifiedBy,
	)
	if err != nil {
		return fmt.Errorf("pgstore: upsert template %s: %w", t.ID, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM template_questions WHERE template_id = $1`, t.ID); err != nil {
		return fmt.Errorf("pgstore: clear questions of %s: %w", t.ID, err)
	}
	batch := &pgx.Batch{}
	for i, q := range t.Questions {
		batch.Queue(`INSERT INTO template_questions (template_id, position, text, embedding) VALUES ($1, $2, $3, $4::vector)`,
			t.ID, i, q.Text, pgvector.NewVector(q.Embedding))
	}
	if _, err := tx.Exec(ctx, `DELETE FROM template_follow_ups WHERE source_id = $1`, t.ID); err != nil {
		return fmt.Errorf("pgstore: clear follow-ups of %s: %w", t.ID, err)
	}
	for i, target := range t.FollowUps {
		batch.Queue(`INSERT INTO template_follow_ups (source_id, target_id, position) VALUES ($1, $2, $3)`,
			t.ID, target, i)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("pgstore: insert children of %s: %w", t.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("pgstore: commit upsert %s: %w", t.ID, err)
	}
	return nil
}

// Delete removes a template; questions and outgoing edges cascade.
func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM templates WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("pgstore: delete template %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return templates.ErrNotFound
	}
	return nil
}

// SearchBySimilarity returns the limit example questions closest to vector
// by cosine distance, most similar first.
func (s *Store) SearchBySimilarity(ctx context.Context, vector []float32, limit int) ([]templates.SearchHit, error) {
	if limit <= 0 {
		return nil, nil
	}
	if len(vector) != s.dim {
		return nil, fmt.Errorf("pgstore: query vector has %d dimensions, want %d", len(vector), s.dim)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT template_id, text, 1 - (embedding <=> $1::vector) AS similarity
		FROM template_questions
		ORDER BY embedding <=> $1::vector
		LIMIT $2`, pgvector.NewVector(vector), limit)
	if err != nil {
		return nil, fmt.Errorf("pgstore: search: %w", err)
	}
	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (templates.SearchHit, error) {
		var h templates.SearchHit
		err := row.Scan(&h.TemplateID, &h.MatchedQuestion, &h.Similarity)
		return h, err
	})
	if err != nil {
		return nil, fmt.Errorf("pgstore: scan search hits: %w", err)
	}
	return hits, nil
}

func (s *Store) loadChildren(ctx context.Context, t *templates.Template) error {
	rows, err := s.pool.Query(ctx, `
		SELECT text, embedding::text FROM template_questions
		WHERE template_id = $1 ORDER BY position`, t.ID)
	if err != nil {
		return fmt.Errorf("pgstore: load questions of %s: %w", t.ID, err)
	}
	t.Questions, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (templates.Question, error) {
		var q templates.Question
		var raw string
		if err := row.Scan(&q.Text, &raw); err != nil {
			return q, err
		}
		var v pgvector.Vector
		if err := v.Scan(raw); err != nil {
			return q, fmt.Errorf("parsing embedding: %w", err)
		}
		q.Embedding = v.Slice()
		return q, nil
	})
	if err != nil {
		return fmt.Errorf("pgstore: scan questions of %s: %w", t.ID, err)
	}
	if t.TablesUsed == nil {
		t.TablesUsed = []string{}
	}

	t.FollowUps, err = s.ListFollowUps(ctx, t.ID)
	return err
}
