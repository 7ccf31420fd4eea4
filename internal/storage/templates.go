package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/querysmith/internal/retrieval"
	"github.com/kalambet/querysmith/internal/templates"
)

var _ templates.Store = (*Store)(nil)

const templateColumns = `id, name, sql, explanation, instructions, tables_used, verified_at, verified_by`

// Get loads a template with its questions, embeddings and follow-up ids.
func (s *Store) Get(ctx context.Context, id string) (*templates.Template, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM templates WHERE id = ?`, id)
	t, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, templates.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading template %s: %w", id, err)
	}
	if err := s.loadChildren(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// List returns every template ordered by id.
func (s *Store) List(ctx context.Context) ([]templates.Template, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+templateColumns+` FROM templates ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing templates: %w", err)
	}
	var out []templates.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning template: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	// The store runs on a single connection; children are loaded only after
	// the outer cursor is released.
	rows.Close()

	for i := range out {
		if err := s.loadChildren(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ListFollowUps returns the follow-up ids of a template in declared order.
// Targets are not checked for existence.
func (s *Store) ListFollowUps(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT target_id FROM template_follow_ups WHERE source_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("listing follow-ups of %s: %w", id, err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var target string
		if err := rows.Scan(&target); err != nil {
			return nil, err
		}
		ids = append(ids, target)
	}
	return ids, rows.Err()
}

// Upsert replaces a template, its questions and its follow-up edges in one
// transaction. Every question must carry an embedding.
func (s *Store) Upsert(ctx context.Context, t *templates.Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if !t.Embedded(0) {
		return fmt.Errorf("template %s: questions must be embedded before storing", t.ID)
	}
	tables, err := json.Marshal(t.TablesUsed)
	if err != nil {
		return fmt.Errorf("encoding tables_used: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO templates (id, name, sql, explanation, instructions, tables_used, verified_at, verified_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, sql = excluded.sql, explanation = excluded.explanation,
			instructions = excluded.instructions, tables_used = excluded.tables_used,
			verified_at = excluded.verified_at, verified_by = excluded.verified_by,
			updated_at = excluded.updated_at`,
		t.ID, t.Name, t.SQL, t.Explanation, t.Instructions, string(tables),
		t.VerifiedAt.UTC().Format(time.RFC3339), t.VerifiedBy, now, now,
	)
	if err != nil {
		return fmt.Errorf("upserting template %s: %w", t.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM template_questions WHERE template_id = ?`, t.ID); err != nil {
		return fmt.Errorf("clearing questions of %s: %w", t.ID, err)
	}
	for i, q := range t.Questions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO template_questions (template_id, position, text, embedding) VALUES (?, ?, ?, ?)`,
			t.ID, i, q.Text, retrieval.EncodeVector(q.Embedding),
		); err != nil {
			return fmt.Errorf("inserting question %d of %s: %w", i, t.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM template_follow_ups WHERE source_id = ?`, t.ID); err != nil {
		return fmt.Errorf("clearing follow-ups of %s: %w", t.ID, err)
	}
	for i, target := range t.FollowUps {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO template_follow_ups (source_id, target_id, position) VALUES (?, ?, ?)`,
			t.ID, target, i,
		); err != nil {
			return fmt.Errorf("inserting follow-up %s -> %s: %w", t.ID, target, err)
		}
	}

	return tx.Commit()
}

// Delete removes a template with its questions and outgoing edges. Edges from
// other templates that point at it are left dangling.
func (s *Store) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM template_questions WHERE template_id = ?`,
		`DELETE FROM template_follow_ups WHERE source_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("deleting template %s: %w", id, err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM templates WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting template %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return templates.ErrNotFound
	}
	return tx.Commit()
}

// SearchBySimilarity scores every stored question against vector by cosine
// similarity and returns the best limit hits, most similar first.
func (s *Store) SearchBySimilarity(ctx context.Context, vector []float32, limit int) ([]templates.SearchHit, error) {
	if limit <= 0 {
		return nil, nil
	}
	queryNorm := retrieval.Norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	// Phase 1: scan only id + embedding to find the top candidates.
	top, err := s.scanTopQuestions(ctx, vector, queryNorm, limit)
	if err != nil {
		return nil, err
	}
	if len(top) == 0 {
		return nil, nil
	}

	// Phase 2: fetch template id and text only for the winners.
	args := make([]any, len(top))
	for i, sc := range top {
		args[i] = sc.Key
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, template_id, text FROM template_questions WHERE id IN (?`+strings.Repeat(",?", len(top)-1)+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("fetching matched questions: %w", err)
	}
	defer rows.Close()

	type meta struct{ templateID, text string }
	byID := make(map[int64]meta, len(top))
	for rows.Next() {
		var id int64
		var m meta
		if err := rows.Scan(&id, &m.templateID, &m.text); err != nil {
			return nil, fmt.Errorf("scanning matched question: %w", err)
		}
		byID[id] = m
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// IN does not preserve order; top is already sorted.
	hits := make([]templates.SearchHit, 0, len(top))
	for _, sc := range top {
		m, ok := byID[sc.Key]
		if !ok {
			continue
		}
		hits = append(hits, templates.SearchHit{
			TemplateID:      m.templateID,
			Similarity:      sc.Score,
			MatchedQuestion: m.text,
		})
	}
	return hits, nil
}

func (s *Store) scanTopQuestions(ctx context.Context, vector []float32, queryNorm float64, limit int) ([]retrieval.Scored, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM template_questions`)
	if err != nil {
		return nil, fmt.Errorf("querying question vectors: %w", err)
	}
	defer rows.Close()

	top := retrieval.NewTopK(limit)
	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32
	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning question vector: %w", err)
		}
		buf, err = retrieval.DecodeVectorInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for question %d: %w", id, err)
		}
		top.Offer(id, retrieval.Cosine(vector, buf, queryNorm))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating question vectors: %w", err)
	}
	return top.Drain(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row rowScanner) (*templates.Template, error) {
	var t templates.Template
	var tables, verifiedAt string
	if err := row.Scan(&t.ID, &t.Name, &t.SQL, &t.Explanation, &t.Instructions, &tables, &verifiedAt, &t.VerifiedBy); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tables), &t.TablesUsed); err != nil {
		return nil, fmt.Errorf("decoding tables_used of %s: %w", t.ID, err)
	}
	if t.TablesUsed == nil {
		t.TablesUsed = []string{}
	}
	va, err := time.Parse(time.RFC3339, verifiedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing verified_at of %s: %w", t.ID, err)
	}
	t.VerifiedAt = va
	return &t, nil
}

func (s *Store) loadChildren(ctx context.Context, t *templates.Template) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT text, embedding FROM template_questions WHERE template_id = ? ORDER BY position`, t.ID)
	if err != nil {
		return fmt.Errorf("loading questions of %s: %w", t.ID, err)
	}
	t.Questions = nil
	for rows.Next() {
		var q templates.Question
		var blob []byte
		if err := rows.Scan(&q.Text, &blob); err != nil {
			rows.Close()
			return fmt.Errorf("scanning question of %s: %w", t.ID, err)
		}
		if q.Embedding, err = retrieval.DecodeVector(blob); err != nil {
			rows.Close()
			return fmt.Errorf("decoding embedding of %s: %w", t.ID, err)
		}
		t.Questions = append(t.Questions, q)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return err
	}

	t.FollowUps, err = s.ListFollowUps(ctx, t.ID)
	return err
}
