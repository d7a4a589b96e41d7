package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"newsletter-delivery/internal/models"
	"newsletter-delivery/internal/retry"
)

var testPolicy = retry.Policy{Base: time.Minute, Factor: 2, Max: time.Hour}

func enqueueN(t *testing.T, q *Memory, campaign string, n int) []int64 {
	t.Helper()
	ctx := context.Background()
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		id, err := q.Enqueue(ctx, EnqueueParams{
			CampaignKey: campaign,
			Recipient:   string(rune('a'+i)) + "@example.com",
			Payload:     models.Payload{Subject: "hi"},
		})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

func TestEnqueueRejectsDuplicateActiveJob(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()

	p := EnqueueParams{CampaignKey: "weekly", Recipient: "a@b.com"}
	if _, err := q.Enqueue(ctx, p); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	_, err := q.Enqueue(ctx, p)
	if !errors.Is(err, ErrDuplicateInCampaign) {
		t.Fatalf("expected ErrDuplicateInCampaign, got %v", err)
	}

	// A different campaign for the same recipient is fine.
	if _, err := q.Enqueue(ctx, EnqueueParams{CampaignKey: "custom:42", Recipient: "a@b.com"}); err != nil {
		t.Fatalf("enqueue other campaign: %v", err)
	}
}

func TestEnqueueAllowedAgainAfterTerminalState(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()

	p := EnqueueParams{CampaignKey: "weekly", Recipient: "a@b.com"}
	id, _ := q.Enqueue(ctx, p)
	if _, err := q.ClaimBatch(ctx, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := q.MarkSent(ctx, id); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if _, err := q.Enqueue(ctx, p); err != nil {
		t.Fatalf("re-enqueue after sent should succeed: %v", err)
	}
}

func TestClaimBatchHonorsLimitAndOrder(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()

	enqueueN(t, q, "weekly", 5)
	urgent, err := q.Enqueue(ctx, EnqueueParams{
		CampaignKey: "alert", Recipient: "vip@example.com", Priority: 10,
	})
	if err != nil {
		t.Fatalf("enqueue urgent: %v", err)
	}

	batch, err := q.ClaimBatch(ctx, 3)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("expected 3 claimed, got %d", len(batch))
	}
	if batch[0].ID != urgent {
		t.Fatalf("expected high-priority job first, got id %d", batch[0].ID)
	}
	if batch[1].ID > batch[2].ID {
		t.Fatalf("equal-priority jobs not in FIFO order: %d before %d", batch[1].ID, batch[2].ID)
	}

	st, _ := q.Stats(ctx)
	if st.Pending != 3 || st.Claimed != 3 {
		t.Fatalf("unexpected stats after claim: %+v", st)
	}
}

func TestClaimBatchSkipsNotYetDueJobs(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()

	if _, err := q.Enqueue(ctx, EnqueueParams{
		CampaignKey: "weekly",
		Recipient:   "later@example.com",
		NotBefore:   time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	batch, err := q.ClaimBatch(ctx, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(batch) != 0 {
		t.Fatalf("expected no due jobs, claimed %d", len(batch))
	}
}

func TestConcurrentClaimersNeverShareAJob(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	enqueueN(t, q, "weekly", 20)

	const claimers = 8
	var mu sync.Mutex
	seen := make(map[int64]int)

	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			batch, err := q.ClaimBatch(ctx, 5)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			mu.Lock()
			for _, j := range batch {
				seen[j.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != 20 {
		t.Fatalf("expected all 20 jobs claimed, got %d", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("job %d claimed %d times", id, n)
		}
	}
}

func TestMarkSentIsIdempotent(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()

	id, _ := q.Enqueue(ctx, EnqueueParams{CampaignKey: "weekly", Recipient: "a@b.com"})
	if _, err := q.ClaimBatch(ctx, 1); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := q.MarkSent(ctx, id); err != nil {
		t.Fatalf("mark sent: %v", err)
	}

	first, _ := q.GetJob(ctx, id)
	time.Sleep(2 * time.Millisecond)
	if err := q.MarkSent(ctx, id); err != nil {
		t.Fatalf("second mark sent should be a no-op, got %v", err)
	}
	second, _ := q.GetJob(ctx, id)
	if !first.SentAt.Equal(*second.SentAt) {
		t.Fatalf("sent_at changed on repeated MarkSent: %v vs %v", first.SentAt, second.SentAt)
	}
}

func TestMarkFailedReschedulesWithBackoffThenExhausts(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()

	id, _ := q.Enqueue(ctx, EnqueueParams{
		CampaignKey: "weekly", Recipient: "a@b.com", MaxAttempts: 3,
	})

	for attempt := 1; attempt <= 3; attempt++ {
		// Fast-forward past any backoff from the previous failure.
		q.now = func() time.Time { return time.Now().Add(time.Duration(attempt) * time.Hour) }
		batch, err := q.ClaimBatch(ctx, 1)
		if err != nil || len(batch) != 1 {
			t.Fatalf("attempt %d: claim got %d jobs, err %v", attempt, len(batch), err)
		}
		if err := q.MarkFailed(ctx, id, "smtp 451", testPolicy); err != nil {
			t.Fatalf("mark failed: %v", err)
		}

		job, _ := q.GetJob(ctx, id)
		if job.Attempts != attempt {
			t.Fatalf("expected attempts=%d, got %d", attempt, job.Attempts)
		}
		if attempt < 3 {
			if job.State != models.StatePending {
				t.Fatalf("attempt %d: expected pending, got %s", attempt, job.State)
			}
			wantDelay := testPolicy.Delay(attempt)
			if got := job.NotBefore.Sub(*job.LastAttemptedAt); got != wantDelay {
				t.Fatalf("attempt %d: expected backoff %s, got %s", attempt, wantDelay, got)
			}
		} else {
			if job.State != models.StateFailed {
				t.Fatalf("expected failed after exhausting attempts, got %s", job.State)
			}
			if job.LastError == nil || *job.LastError != "smtp 451" {
				t.Fatalf("last_error not recorded: %v", job.LastError)
			}
		}
	}

	// A failed job never comes back.
	q.now = func() time.Time { return time.Now().Add(100 * time.Hour) }
	batch, _ := q.ClaimBatch(ctx, 1)
	if len(batch) != 0 {
		t.Fatalf("failed job was claimed again")
	}
	if err := q.MarkFailed(ctx, id, "again", testPolicy); err != nil {
		t.Fatalf("mark failed on terminal job should be a no-op, got %v", err)
	}
	job, _ := q.GetJob(ctx, id)
	if job.Attempts != 3 {
		t.Fatalf("attempts exceeded max_attempts: %d", job.Attempts)
	}
}

func TestCancelCampaignLeavesClaimedJobsAlone(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()

	enqueueN(t, q, "weekly", 5)
	claimed, err := q.ClaimBatch(ctx, 2)
	if err != nil || len(claimed) != 2 {
		t.Fatalf("claim: %v (%d)", err, len(claimed))
	}

	n, err := q.CancelCampaign(ctx, "weekly")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 cancelled, got %d", n)
	}
	for _, c := range claimed {
		job, _ := q.GetJob(ctx, c.ID)
		if job.State != models.StateClaimed {
			t.Fatalf("claimed job %d was touched by cancel: %s", c.ID, job.State)
		}
	}
}

func TestCleanupDeletesOnlyOldTerminalJobs(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()

	old := time.Now().Add(-48 * time.Hour)
	q.now = func() time.Time { return old }
	sentID, _ := q.Enqueue(ctx, EnqueueParams{CampaignKey: "weekly", Recipient: "sent@example.com"})
	pendingID, _ := q.Enqueue(ctx, EnqueueParams{CampaignKey: "weekly", Recipient: "pending@example.com"})
	batch, _ := q.ClaimBatch(ctx, 1)
	if len(batch) != 1 || batch[0].ID != sentID {
		t.Fatalf("setup claim went wrong: %+v", batch)
	}
	_ = q.MarkSent(ctx, sentID)
	q.now = time.Now

	n, err := q.Cleanup(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deleted, got %d", n)
	}
	if _, err := q.GetJob(ctx, sentID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old sent job should be gone, got %v", err)
	}
	if _, err := q.GetJob(ctx, pendingID); err != nil {
		t.Fatalf("pending job must survive cleanup: %v", err)
	}
}

func TestPayloadFrozenAtEnqueue(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()

	headers := map[string]string{"List-Unsubscribe": "<mailto:u@example.com>"}
	id, _ := q.Enqueue(ctx, EnqueueParams{
		CampaignKey: "weekly",
		Recipient:   "a@b.com",
		Payload:     models.Payload{Subject: "issue #1", Headers: headers},
	})
	headers["List-Unsubscribe"] = "mutated"

	job, _ := q.GetJob(ctx, id)
	if job.Payload.Headers["List-Unsubscribe"] != "<mailto:u@example.com>" {
		t.Fatalf("payload headers were not copied at enqueue")
	}
}
