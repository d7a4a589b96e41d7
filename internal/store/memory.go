package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"newsletter-delivery/internal/models"
	"newsletter-delivery/internal/retry"
)

// Memory implements Queue in process memory. It backs local development
// (STORE_DRIVER=memory) and the behavioral tests of the packages above the
// store; semantics match the Postgres implementation.
type Memory struct {
	mu     sync.Mutex
	jobs   map[int64]*models.Job
	nextID int64
	now    func() time.Time
}

// NewMemory creates an empty in-memory queue.
func NewMemory() *Memory {
	return &Memory{
		jobs: make(map[int64]*models.Job),
		now:  time.Now,
	}
}

func (m *Memory) Enqueue(_ context.Context, p EnqueueParams) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, j := range m.jobs {
		if j.CampaignKey == p.CampaignKey && j.Recipient == p.Recipient && !j.State.Terminal() {
			return 0, ErrDuplicateInCampaign
		}
	}

	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	now := m.now()
	notBefore := p.NotBefore
	if notBefore.IsZero() {
		notBefore = now
	}

	m.nextID++
	job := &models.Job{
		ID:          m.nextID,
		CampaignKey: p.CampaignKey,
		Recipient:   p.Recipient,
		Payload:     clonePayload(p.Payload),
		Priority:    p.Priority,
		State:       models.StatePending,
		MaxAttempts: p.MaxAttempts,
		NotBefore:   notBefore,
		CreatedAt:   now,
	}
	m.jobs[job.ID] = job
	return job.ID, nil
}

func (m *Memory) ClaimBatch(_ context.Context, limit int) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		return nil, nil
	}
	now := m.now()

	due := make([]*models.Job, 0)
	for _, j := range m.jobs {
		if j.State == models.StatePending && !j.NotBefore.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool {
		if due[i].Priority != due[k].Priority {
			return due[i].Priority > due[k].Priority
		}
		return due[i].ID < due[k].ID
	})
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]models.Job, 0, len(due))
	for _, j := range due {
		j.State = models.StateClaimed
		out = append(out, *j)
	}
	return out, nil
}

func (m *Memory) MarkSent(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok || j.State != models.StateClaimed {
		return nil
	}
	now := m.now()
	j.State = models.StateSent
	j.SentAt = &now
	j.LastAttemptedAt = &now
	j.LastError = nil
	return nil
}

func (m *Memory) MarkFailed(_ context.Context, id int64, reason string, policy retry.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok || j.State != models.StateClaimed {
		return nil
	}
	now := m.now()
	j.Attempts++
	j.LastAttemptedAt = &now
	j.LastError = &reason
	if j.Attempts >= j.MaxAttempts {
		j.State = models.StateFailed
		return nil
	}
	j.State = models.StatePending
	j.NotBefore = now.Add(policy.Delay(j.Attempts))
	return nil
}

func (m *Memory) CancelCampaign(_ context.Context, campaignKey string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, j := range m.jobs {
		if j.CampaignKey == campaignKey && j.State == models.StatePending {
			j.State = models.StateCancelled
			n++
		}
	}
	return n, nil
}

func (m *Memory) Stats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var st Stats
	for _, j := range m.jobs {
		switch j.State {
		case models.StatePending:
			st.Pending++
		case models.StateClaimed:
			st.Claimed++
		case models.StateSent:
			st.Sent++
		case models.StateFailed:
			st.Failed++
		case models.StateCancelled:
			st.Cancelled++
		}
	}
	return st, nil
}

func (m *Memory) Cleanup(_ context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, j := range m.jobs {
		var ref time.Time
		switch j.State {
		case models.StateSent:
			if j.SentAt != nil {
				ref = *j.SentAt
			}
		case models.StateFailed:
			if j.LastAttemptedAt != nil {
				ref = *j.LastAttemptedAt
			} else {
				ref = j.CreatedAt
			}
		case models.StateCancelled:
			ref = j.CreatedAt
		default:
			continue
		}
		if !ref.IsZero() && ref.Before(olderThan) {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) GetJob(_ context.Context, id int64) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return *j, nil
}

func clonePayload(p models.Payload) models.Payload {
	if p.Headers == nil {
		return p
	}
	headers := make(map[string]string, len(p.Headers))
	for k, v := range p.Headers {
		headers[k] = v
	}
	p.Headers = headers
	return p
}
