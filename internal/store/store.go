package store

import (
	"context"
	"errors"
	"time"

	"newsletter-delivery/internal/models"
	"newsletter-delivery/internal/retry"
)

// ErrDuplicateInCampaign is returned by Enqueue when a pending or claimed job
// already exists for the same (campaign key, recipient) pair. Callers count
// it; it is not a storage failure.
var ErrDuplicateInCampaign = errors.New("active job already queued for recipient in campaign")

// ErrNotFound is returned by GetJob for an unknown job id.
var ErrNotFound = errors.New("job not found")

// EnqueueParams collects inputs required to insert a job.
type EnqueueParams struct {
	CampaignKey string
	Recipient   string
	Payload     models.Payload
	Priority    int
	MaxAttempts int
	NotBefore   time.Time // zero means eligible immediately
}

// Stats is a read-only count of jobs per state.
type Stats struct {
	Pending   int64 `json:"pending"`
	Claimed   int64 `json:"claimed"`
	Sent      int64 `json:"sent"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
}

// Queue is the durable job store. Every mutation is individually atomic and
// idempotent under caller retry: re-marking a job that already reached the
// target state is a no-op. Enqueue is the exception — it reports
// ErrDuplicateInCampaign so composers can count skips separately from
// storage failures.
type Queue interface {
	// Enqueue inserts a new pending job and returns its id.
	Enqueue(ctx context.Context, p EnqueueParams) (int64, error)

	// ClaimBatch atomically moves up to limit due pending jobs to claimed
	// and returns them ordered by priority descending, id ascending. Two
	// concurrent callers never receive the same job.
	ClaimBatch(ctx context.Context, limit int) ([]models.Job, error)

	// MarkSent transitions a claimed job to sent and stamps sent_at.
	MarkSent(ctx context.Context, id int64) error

	// MarkFailed records a delivery failure on a claimed job: the job goes
	// back to pending with a backoff from policy while attempts remain,
	// otherwise to failed.
	MarkFailed(ctx context.Context, id int64, reason string, policy retry.Policy) error

	// CancelCampaign flips all pending jobs of a campaign to cancelled and
	// returns how many were affected. Claimed jobs in flight are left alone.
	CancelCampaign(ctx context.Context, campaignKey string) (int64, error)

	// Stats returns job counts by state.
	Stats(ctx context.Context) (Stats, error)

	// Cleanup deletes terminal jobs whose relevant timestamp predates the
	// cutoff and returns how many rows were removed.
	Cleanup(ctx context.Context, olderThan time.Time) (int64, error)

	// GetJob fetches a job by id.
	GetJob(ctx context.Context, id int64) (models.Job, error)
}
