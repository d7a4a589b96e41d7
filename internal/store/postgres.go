package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"newsletter-delivery/internal/models"
	"newsletter-delivery/internal/retry"
)

const uniqueViolation = "23505"

// Postgres implements Queue on top of a pgx connection pool. The claim path
// relies on FOR UPDATE SKIP LOCKED so overlapping workers never take the
// same row.
type Postgres struct {
	pool     *pgxpool.Pool
	workerID string
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{
		pool:     pool,
		workerID: fmt.Sprintf("worker-%s", uuid.New().String()[:8]),
	}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Enqueue inserts a pending job. The partial unique index on
// (campaign_key, recipient) over non-terminal rows turns a double enqueue
// into ErrDuplicateInCampaign.
func (s *Postgres) Enqueue(ctx context.Context, p EnqueueParams) (int64, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	headers, err := json.Marshal(p.Payload.Headers)
	if err != nil {
		return 0, fmt.Errorf("marshal headers: %w", err)
	}
	notBefore := p.NotBefore
	if notBefore.IsZero() {
		notBefore = time.Now().UTC()
	}

	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO email_jobs (campaign_key, recipient, subject, html_body, text_body, headers,
			priority, state, attempts, max_attempts, not_before, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10, NOW())
		RETURNING id
	`, p.CampaignKey, p.Recipient, p.Payload.Subject, p.Payload.HTMLBody, p.Payload.TextBody,
		headers, p.Priority, models.StatePending, p.MaxAttempts, notBefore).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return 0, ErrDuplicateInCampaign
		}
		return 0, fmt.Errorf("insert job: %w", err)
	}
	return id, nil
}

// ClaimBatch selects due pending jobs in priority/FIFO order and marks them
// claimed in the same statement. SKIP LOCKED keeps concurrent claimers off
// each other's rows.
func (s *Postgres) ClaimBatch(ctx context.Context, limit int) ([]models.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		UPDATE email_jobs
		SET state = $1, claimed_by = $2, claimed_at = NOW()
		WHERE id IN (
			SELECT id FROM email_jobs
			WHERE state = $3 AND not_before <= NOW()
			ORDER BY priority DESC, id ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, campaign_key, recipient, subject, html_body, text_body, headers,
			priority, state, attempts, max_attempts, not_before, created_at,
			last_attempted_at, sent_at, last_error, claimed_by
	`, models.StateClaimed, s.workerID, models.StatePending, limit)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim batch rows: %w", err)
	}
	// UPDATE ... RETURNING does not preserve the subquery ordering.
	sortClaimOrder(jobs)
	return jobs, nil
}

// MarkSent transitions claimed -> sent. Already-sent jobs are left untouched,
// so retrying the call is a no-op.
func (s *Postgres) MarkSent(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE email_jobs
		SET state = $2, sent_at = NOW(), last_attempted_at = NOW(), last_error = NULL
		WHERE id = $1 AND state = $3
	`, id, models.StateSent, models.StateClaimed)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	return nil
}

// MarkFailed increments attempts and either reschedules the job with backoff
// or, once attempts are exhausted, parks it as failed. The read and write run
// under a row lock so the transition is atomic.
func (s *Postgres) MarkFailed(ctx context.Context, id int64, reason string, policy retry.Policy) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var attempts, maxAttempts int
	err = tx.QueryRow(ctx, `
		SELECT attempts, max_attempts FROM email_jobs
		WHERE id = $1 AND state = $2
		FOR UPDATE
	`, id, models.StateClaimed).Scan(&attempts, &maxAttempts)
	if errors.Is(err, pgx.ErrNoRows) {
		// Not claimed anymore: a previous MarkFailed/MarkSent already ran.
		return nil
	}
	if err != nil {
		return fmt.Errorf("lock job: %w", err)
	}

	attempts++
	if attempts >= maxAttempts {
		_, err = tx.Exec(ctx, `
			UPDATE email_jobs
			SET state = $2, attempts = $3, last_error = $4, last_attempted_at = NOW()
			WHERE id = $1
		`, id, models.StateFailed, attempts, reason)
	} else {
		notBefore := time.Now().UTC().Add(policy.Delay(attempts))
		_, err = tx.Exec(ctx, `
			UPDATE email_jobs
			SET state = $2, attempts = $3, not_before = $4, last_error = $5,
				last_attempted_at = NOW(), claimed_by = NULL, claimed_at = NULL
			WHERE id = $1
		`, id, models.StatePending, attempts, notBefore, reason)
	}
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// CancelCampaign flips pending jobs of a campaign to cancelled. Claimed jobs
// are deliberately skipped: an in-flight attempt is allowed to finish.
func (s *Postgres) CancelCampaign(ctx context.Context, campaignKey string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE email_jobs SET state = $2 WHERE campaign_key = $1 AND state = $3
	`, campaignKey, models.StateCancelled, models.StatePending)
	if err != nil {
		return 0, fmt.Errorf("cancel campaign: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Stats returns job counts grouped by state.
func (s *Postgres) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.pool.Query(ctx, `SELECT state, COUNT(*) FROM email_jobs GROUP BY state`)
	if err != nil {
		return Stats{}, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return Stats{}, fmt.Errorf("scan stats: %w", err)
		}
		switch models.JobState(state) {
		case models.StatePending:
			st.Pending = n
		case models.StateClaimed:
			st.Claimed = n
		case models.StateSent:
			st.Sent = n
		case models.StateFailed:
			st.Failed = n
		case models.StateCancelled:
			st.Cancelled = n
		}
	}
	return st, rows.Err()
}

// Cleanup removes terminal jobs older than the cutoff. Sent jobs age by
// sent_at, failed and cancelled jobs by their last activity.
func (s *Postgres) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM email_jobs
		WHERE (state = $1 AND sent_at < $4)
		   OR (state = $2 AND COALESCE(last_attempted_at, created_at) < $4)
		   OR (state = $3 AND created_at < $4)
	`, models.StateSent, models.StateFailed, models.StateCancelled, olderThan)
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id int64) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, campaign_key, recipient, subject, html_body, text_body, headers,
			priority, state, attempts, max_attempts, not_before, created_at,
			last_attempted_at, sent_at, last_error, claimed_by
		FROM email_jobs WHERE id = $1
	`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	return job, err
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var headersJSON []byte
	var state string
	var lastAttempted, sentAt pgtype.Timestamptz
	var lastErr, claimedBy pgtype.Text

	err := row.Scan(&job.ID, &job.CampaignKey, &job.Recipient, &job.Payload.Subject,
		&job.Payload.HTMLBody, &job.Payload.TextBody, &headersJSON, &job.Priority,
		&state, &job.Attempts, &job.MaxAttempts, &job.NotBefore, &job.CreatedAt,
		&lastAttempted, &sentAt, &lastErr, &claimedBy)
	if err != nil {
		return models.Job{}, err
	}
	job.State = models.JobState(state)
	if len(headersJSON) > 0 {
		if err := json.Unmarshal(headersJSON, &job.Payload.Headers); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal headers: %w", err)
		}
	}
	job.LastAttemptedAt = timePtr(lastAttempted)
	job.SentAt = timePtr(sentAt)
	job.LastError = textPtr(lastErr)
	job.ClaimedBy = textPtr(claimedBy)
	return job, nil
}

func sortClaimOrder(jobs []models.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority > jobs[j].Priority
		}
		return jobs[i].ID < jobs[j].ID
	})
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
