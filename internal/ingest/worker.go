// Package ingest runs the background job queue that embeds and stores
// verified templates.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/querysmith/internal/metrics"
	"github.com/kalambet/querysmith/internal/storage"
	"github.com/kalambet/querysmith/internal/templates"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

// Enqueuer adds jobs to the queue.
type Enqueuer interface {
	EnqueueJob(job storage.Job) error
}

// Indexer embeds and persists templates. Implemented by templates.Registry.
type Indexer interface {
	Save(ctx context.Context, t *templates.Template) error
	Reembed(ctx context.Context, id string) error
}

var jobTypes = []string{storage.JobTemplateUpsert, storage.JobTemplateReembed}

// Worker processes template jobs from the SQLite job queue.
type Worker struct {
	store   JobStore
	indexer Indexer
	poll    time.Duration
	logger  *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms. A nil logger means
// slog.Default().
func NewWorker(store JobStore, indexer Indexer, pollInterval time.Duration, logger *slog.Logger) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:   store,
		indexer: indexer,
		poll:    pollInterval,
		logger:  logger,
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("ingest: worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(jobTypes)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("ingest: job failed", "job_id", job.ID, "type", job.Type, "attempt", job.Attempts+1, "error", err)
		metrics.IngestJobs.WithLabelValues(job.Type, "failed").Inc()
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("ingest: failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	metrics.IngestJobs.WithLabelValues(job.Type, "completed").Inc()
	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	w.logger.Debug("ingest: job completed", "job_id", job.ID, "type", job.Type)
	return true, nil
}

type reembedPayload struct {
	TemplateID string `json:"template_id"`
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	switch job.Type {
	case storage.JobTemplateUpsert:
		var t templates.Template
		if err := json.Unmarshal([]byte(job.PayloadJSON), &t); err != nil {
			return fmt.Errorf("parsing payload: %w", err)
		}
		if err := w.indexer.Save(ctx, &t); err != nil {
			return fmt.Errorf("saving template %s: %w", t.ID, err)
		}
	case storage.JobTemplateReembed:
		var p reembedPayload
		if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
			return fmt.Errorf("parsing payload: %w", err)
		}
		err := w.indexer.Reembed(ctx, p.TemplateID)
		if errors.Is(err, templates.ErrNotFound) {
			w.logger.Info("ingest: template deleted before re-embed", "template", p.TemplateID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("re-embedding template %s: %w", p.TemplateID, err)
		}
	default:
		return fmt.Errorf("unknown job type %q", job.Type)
	}
	return nil
}

// EnqueueUpsert validates t and queues it for embedding and storage. It
// returns the job id.
func EnqueueUpsert(q Enqueuer, t *templates.Template, maxAttempts int) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("encoding template %s: %w", t.ID, err)
	}
	return enqueue(q, storage.JobTemplateUpsert, payload, maxAttempts)
}

// EnqueueReembed queues a full re-embed of template id.
func EnqueueReembed(q Enqueuer, id string, maxAttempts int) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", errors.New("template id is required")
	}
	payload, _ := json.Marshal(reembedPayload{TemplateID: id})
	return enqueue(q, storage.JobTemplateReembed, payload, maxAttempts)
}

func enqueue(q Enqueuer, typ string, payload []byte, maxAttempts int) (string, error) {
	job := storage.Job{
		ID:          uuid.NewString(),
		Type:        typ,
		PayloadJSON: string(payload),
		MaxAttempts: maxAttempts,
	}
	if err := q.EnqueueJob(job); err != nil {
		return "", fmt.Errorf("enqueueing %s job: %w", typ, err)
	}
	return job.ID, nil
}
