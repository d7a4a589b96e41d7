package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"newsletter-delivery/internal/composer"
	"newsletter-delivery/internal/config"
	"newsletter-delivery/internal/models"
	"newsletter-delivery/internal/processor"
	"newsletter-delivery/internal/retry"
	"newsletter-delivery/internal/sender"
	"newsletter-delivery/internal/store"
)

func testServer(t *testing.T) (*Server, *store.Memory) {
	t.Helper()
	cfg := config.Config{BatchSize: 10, MaxAttempts: 3, DrainMaxIterations: 20}
	q := store.NewMemory()
	log := zap.NewNop()
	snd := sender.Func(func(context.Context, string, models.Payload) error { return nil })
	proc := processor.New(q, snd, retry.Policy{Base: time.Millisecond, Factor: 2, Max: time.Second}, cfg.BatchSize, 0, log)
	cmp := composer.New(q, cfg.MaxAttempts, log)
	return New(cfg, q, cmp, proc, nil, log), q
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestEnqueueAndLookup(t *testing.T) {
	srv, _ := testServer(t)
	router := srv.Router()

	body := map[string]any{
		"campaign_key": "digest",
		"recipient":    "a@b.com",
		"payload":      map[string]any{"subject": "hello", "html_body": "<p>hi</p>"},
	}
	rec := doJSON(t, router, http.MethodPost, "/jobs", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("enqueue status %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = doJSON(t, router, http.MethodPost, "/jobs", body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate enqueue should 409, got %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/jobs/1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("lookup status %d", rec.Code)
	}
	var job models.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.Recipient != "a@b.com" || job.State != models.StatePending {
		t.Fatalf("unexpected job: %+v", job)
	}

	rec = doJSON(t, router, http.MethodGet, "/jobs/999", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown job should 404, got %d", rec.Code)
	}
}

func TestSendNowComposesAndDrains(t *testing.T) {
	srv, q := testServer(t)
	router := srv.Router()

	body := map[string]any{
		"recipients": []map[string]any{
			{"email": "a@b.com", "name": "A"},
			{"email": "c@d.com", "name": "C"},
		},
		"template": map[string]any{
			"subject":   "Issue {{ name }}",
			"html_body": "<p>Hi {{ name }}</p>",
		},
	}
	rec := doJSON(t, router, http.MethodPost, "/campaigns/weekly/send", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("send status %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Compose composer.Result   `json:"compose"`
		Drain   *processor.Result `json:"drain"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Compose.Queued != 2 {
		t.Fatalf("expected 2 queued, got %+v", resp.Compose)
	}
	if resp.Drain == nil || resp.Drain.Sent != 2 {
		t.Fatalf("expected 2 drained, got %+v", resp.Drain)
	}

	st, _ := q.Stats(context.Background())
	if st.Sent != 2 || st.Pending != 0 {
		t.Fatalf("queue not drained: %+v", st)
	}
}

func TestComposeOnlyLeavesJobsPending(t *testing.T) {
	srv, q := testServer(t)
	router := srv.Router()

	body := map[string]any{
		"recipients": []map[string]any{{"email": "a@b.com"}},
		"template":   map[string]any{"subject": "s", "html_body": "b"},
	}
	rec := doJSON(t, router, http.MethodPost, "/campaigns/weekly/compose", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("compose status %d", rec.Code)
	}

	st, _ := q.Stats(context.Background())
	if st.Pending != 1 || st.Sent != 0 {
		t.Fatalf("compose must not deliver: %+v", st)
	}
}

func TestCancelCampaignEndpoint(t *testing.T) {
	srv, q := testServer(t)
	router := srv.Router()

	for _, r := range []string{"a@b.com", "c@d.com"} {
		if _, err := q.Enqueue(context.Background(), store.EnqueueParams{CampaignKey: "weekly", Recipient: r}); err != nil {
			t.Fatalf("seed enqueue: %v", err)
		}
	}

	rec := doJSON(t, router, http.MethodPost, "/campaigns/weekly/cancel", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status %d", rec.Code)
	}
	var resp map[string]int64
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["cancelled"] != 2 {
		t.Fatalf("expected 2 cancelled, got %v", resp)
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv, q := testServer(t)
	router := srv.Router()

	if _, err := q.Enqueue(context.Background(), store.EnqueueParams{CampaignKey: "weekly", Recipient: "a@b.com"}); err != nil {
		t.Fatalf("seed enqueue: %v", err)
	}

	rec := doJSON(t, router, http.MethodGet, "/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status %d", rec.Code)
	}
	var st store.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if st.Pending != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}
