package worker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"briefline/internal/callback"
	"briefline/internal/db"
	"briefline/internal/domain"
	"briefline/internal/gate"
	"briefline/internal/llm"
	"briefline/internal/migrate"
	"briefline/internal/ratelimit"
	"briefline/internal/router"
	"briefline/internal/store"
)

const testSecret = "internal-secret"

type fakeClient struct {
	text string
	err  error
}

func (f *fakeClient) Generate(ctx context.Context, model, prompt string, maxTokens int) (string, error) {
	return f.text, f.err
}

type harness struct {
	store    *store.Store
	worker   *Worker
	clients  map[string]llm.Client
	now      time.Time
	received []callback.Result
	cbStatus int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	h := &harness{
		clients:  map[string]llm.Client{},
		now:      time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC),
		cbStatus: http.StatusOK,
	}
	h.store = store.New(conn)
	h.store.Now = func() time.Time { return h.now }

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !callback.Verify(testSecret, r.Header.Get(callback.AuthHeader), body, h.now, 0) {
			t.Errorf("callback signature invalid")
		}
		var res callback.Result
		if err := json.Unmarshal(body, &res); err != nil {
			t.Errorf("decode callback: %v", err)
		}
		h.received = append(h.received, res)
		w.WriteHeader(h.cbStatus)
	}))
	t.Cleanup(srv.Close)

	limiter := ratelimit.New(conn)
	limiter.Now = func() time.Time { return h.now }
	g := gate.New(h.store)
	g.Now = func() time.Time { return h.now }
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	rt := &router.Router{
		Store:   h.store,
		Limiter: limiter,
		Gate:    g,
		Clients: func(c domain.Candidate) llm.Client { return h.clients[c.ID] },
		Log:     log,
		Now:     func() time.Time { return h.now },
	}
	sender := callback.NewSender(srv.URL, testSecret)
	sender.Now = func() time.Time { return h.now }

	h.worker = &Worker{
		ID:       "test-worker",
		Store:    h.store,
		Router:   rt,
		Callback: sender,
		Log:      log,
		Now:      func() time.Time { return h.now },
	}
	return h
}

func (h *harness) seedModel(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if err := h.store.UpsertProvider(ctx, "primary", "primary", "sk", 1, true); err != nil {
		t.Fatalf("seed provider: %v", err)
	}
	if err := h.store.UpsertModel(ctx, "primary/a", "primary", "a", 10, 100, true); err != nil {
		t.Fatalf("seed model: %v", err)
	}
}

func (h *harness) claim(t *testing.T, fileID, payload string, maxAttempts int) domain.Job {
	t.Helper()
	ctx := context.Background()
	if _, err := h.store.Enqueue(ctx, fileID, []byte(payload), 0, maxAttempts); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	j, err := h.store.ClaimNext(ctx, h.worker.ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if j == nil {
		t.Fatal("nothing to claim")
	}
	return *j
}

func TestProcessSuccess(t *testing.T) {
	h := newHarness(t)
	h.seedModel(t)
	h.clients["primary/a"] = &fakeClient{text: "the summary"}
	job := h.claim(t, "file-1", `{"title":"T","blocks":[{"type":"p","text":"body text here"}]}`, 3)

	h.worker.Process(context.Background(), job)

	if len(h.received) != 1 {
		t.Fatalf("callbacks = %d, want 1", len(h.received))
	}
	got := h.received[0]
	if got.FileID != "file-1" || got.Summary != "the summary" {
		t.Fatalf("callback = %+v", got)
	}
	if got.Metadata.ContentBlocks != 1 || got.Metadata.TotalWords != 4 || got.Metadata.MainContentWords != 4 {
		t.Fatalf("metadata = %+v", got.Metadata)
	}

	final, err := h.store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.State != domain.JobSucceeded {
		t.Fatalf("state = %s, want succeeded", final.State)
	}
	if final.Result == nil || *final.Result != "the summary" {
		t.Fatalf("result = %v", final.Result)
	}
	if final.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", final.Attempts)
	}
}

func TestProcessDeadAfterMaxAttempts(t *testing.T) {
	h := newHarness(t)
	h.seedModel(t)
	h.clients["primary/a"] = &fakeClient{err: &llm.Error{Status: 500, Message: "boom"}}
	job := h.claim(t, "file-1", `{"content":"text"}`, 1)

	h.worker.Process(context.Background(), job)

	final, err := h.store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.State != domain.JobDead {
		t.Fatalf("state = %s, want dead", final.State)
	}
	if final.Error == nil {
		t.Fatal("dead job has no error")
	}
	if len(h.received) != 0 {
		t.Fatalf("callbacks = %d, want none", len(h.received))
	}
}

func TestProcessRequeuesWhileAttemptsRemain(t *testing.T) {
	h := newHarness(t)
	h.seedModel(t)
	h.clients["primary/a"] = &fakeClient{err: &llm.Error{Status: 503, Message: "down"}}
	job := h.claim(t, "file-1", `{"content":"text"}`, 3)

	h.worker.Process(context.Background(), job)

	final, err := h.store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.State != domain.JobQueued {
		t.Fatalf("state = %s, want queued", final.State)
	}
	if final.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", final.Attempts)
	}
}

func TestProcessNoExtractableContentIsDead(t *testing.T) {
	h := newHarness(t)
	h.seedModel(t)
	job := h.claim(t, "file-1", `{"blocks":[{"type":"nav","text":"menu only"}]}`, 3)

	h.worker.Process(context.Background(), job)

	final, err := h.store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	// Retrying cannot fix an empty payload.
	if final.State != domain.JobDead {
		t.Fatalf("state = %s, want dead", final.State)
	}
	if final.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", final.Attempts)
	}
}

func TestProcessNoCandidatesRequeues(t *testing.T) {
	h := newHarness(t)
	job := h.claim(t, "file-1", `{"content":"text"}`, 3)

	h.worker.Process(context.Background(), job)

	final, err := h.store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.State != domain.JobQueued {
		t.Fatalf("state = %s, want queued", final.State)
	}
	if final.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", final.Attempts)
	}
}

func TestProcessCallbackFailureRequeues(t *testing.T) {
	h := newHarness(t)
	h.seedModel(t)
	h.cbStatus = http.StatusBadGateway
	h.clients["primary/a"] = &fakeClient{text: "a summary"}
	job := h.claim(t, "file-1", `{"content":"text"}`, 3)

	h.worker.Process(context.Background(), job)

	final, err := h.store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.State != domain.JobQueued {
		t.Fatalf("state = %s, want queued", final.State)
	}
	// The router's successful attempt row is the only one; the delivery
	// failure itself adds none, so retries stay bounded by max_attempts.
	if final.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", final.Attempts)
	}
}

func TestHousekeepRecyclesCrashedWorkerJobs(t *testing.T) {
	h := newHarness(t)
	h.seedModel(t)
	ctx := context.Background()
	if _, err := h.store.Enqueue(ctx, "file-1", []byte(`{"content":"x"}`), 0, 3); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	j, err := h.store.ClaimNext(ctx, "crashed-worker")
	if err != nil || j == nil {
		t.Fatalf("claim: %v (%v)", err, j)
	}

	// The claimer never completes; housekeeping must time the claim out and
	// hand the job back to the queue.
	h.now = h.now.Add(11 * time.Minute)
	h.worker.housekeepOnce(ctx, 10*time.Minute)

	fresh, err := h.store.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if fresh.State != domain.JobQueued {
		t.Fatalf("state = %s, want queued", fresh.State)
	}
	reclaimed, err := h.store.ClaimNext(ctx, h.worker.ID)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if reclaimed == nil || reclaimed.ID != j.ID {
		t.Fatalf("reclaim = %+v, want job %s", reclaimed, j.ID)
	}
}

func TestRunDrainsOnCancel(t *testing.T) {
	h := newHarness(t)
	h.seedModel(t)
	h.clients["primary/a"] = &fakeClient{text: "done"}
	if _, err := h.store.Enqueue(context.Background(), "file-1", []byte(`{"content":"x"}`), 0, 3); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	h.worker.Concurrency = 2
	h.worker.PollInterval = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.worker.Run(ctx)
	}()

	deadline := time.After(5 * time.Second)
	for {
		j, err := h.store.GetJob(context.Background(), mustOnlyJobID(t, h.store))
		if err == nil && j.State == domain.JobSucceeded {
			break
		}
		select {
		case <-deadline:
			t.Fatal("job never succeeded")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not drain after cancel")
	}
}

func mustOnlyJobID(t *testing.T, st *store.Store) string {
	t.Helper()
	jobs, err := st.ListJobs(context.Background(), store.JobFilters{Limit: 1})
	if err != nil || len(jobs) == 0 {
		t.Fatalf("list jobs: %v (%d)", err, len(jobs))
	}
	return jobs[0].ID
}
