package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"briefline/internal/callback"
	"briefline/internal/db"
	"briefline/internal/migrate"
	"briefline/internal/store"
)

const testSecret = "test-internal-secret"

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type testServer struct {
	URL   string
	store *store.Store
	close func()
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st := store.New(conn)
	st.Now = func() time.Time { return testNow }
	handler, err := New(Config{
		Store:    st,
		BasePath: "/v0",
		Auth:     AuthConfig{Secret: testSecret, Now: func() time.Time { return testNow }},
		Now:      func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:   "http://" + ln.Addr().String(),
		store: st,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func hmacHeaders(body []byte) map[string]string {
	ts := strconv.FormatInt(testNow.UnixMilli(), 10)
	return map[string]string{
		callback.AuthHeader: ts + "." + callback.Sign(testSecret, ts, body),
	}
}

func jwtHeaders(t *testing.T) map[string]string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "tester"}).
		SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func doRaw(t *testing.T, method, url string, body []byte, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestHealthIsOpen(t *testing.T) {
	srv := newTestServer(t)
	res, data := doRaw(t, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, data)
	}
}

func TestSubmitRequiresAuth(t *testing.T) {
	srv := newTestServer(t)
	body := []byte(`{"file_id":"f1","payload":{"content":"x"}}`)

	res, data := doRaw(t, http.MethodPost, srv.URL+"/v0/jobs", body, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no-auth status %d: %s", res.StatusCode, data)
	}

	badTS := strconv.FormatInt(testNow.UnixMilli(), 10)
	res, data = doRaw(t, http.MethodPost, srv.URL+"/v0/jobs", body, map[string]string{
		callback.AuthHeader: badTS + "." + callback.Sign("wrong-secret", badTS, body),
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad-hmac status %d: %s", res.StatusCode, data)
	}
}

func TestSubmitAndDedupe(t *testing.T) {
	srv := newTestServer(t)
	body := []byte(`{"file_id":"f1","payload":{"title":"T","blocks":[{"type":"p","text":"hello"}]}}`)

	res, data := doRaw(t, http.MethodPost, srv.URL+"/v0/jobs", body, hmacHeaders(body))
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status %d: %s", res.StatusCode, data)
	}
	var first SubmitJobResponse
	if err := json.Unmarshal(data, &first); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if first.Status != "enqueued" || first.JobID == "" {
		t.Fatalf("first = %+v", first)
	}

	res, data = doRaw(t, http.MethodPost, srv.URL+"/v0/jobs", body, hmacHeaders(body))
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("resubmit status %d: %s", res.StatusCode, data)
	}
	var second SubmitJobResponse
	if err := json.Unmarshal(data, &second); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if second.Status != "already_queued" || second.JobID != first.JobID {
		t.Fatalf("second = %+v", second)
	}
}

func TestSubmitValidation(t *testing.T) {
	srv := newTestServer(t)
	body := []byte(`{"payload":{"content":"x"}}`)
	res, data := doRaw(t, http.MethodPost, srv.URL+"/v0/jobs", body, hmacHeaders(body))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "bad_request" {
		t.Fatalf("code = %s", envelope.Error.Code)
	}
}

func TestGetJobWithJWT(t *testing.T) {
	srv := newTestServer(t)
	enq, err := srv.store.Enqueue(context.Background(), "f1", []byte(`{"content":"x"}`), 0, 3)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	res, data := doRaw(t, http.MethodGet, srv.URL+"/v0/jobs/"+enq.JobID, nil, jwtHeaders(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, data)
	}
	var detail JobDetailResponse
	if err := json.Unmarshal(data, &detail); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if detail.ID != enq.JobID || detail.State != "queued" {
		t.Fatalf("detail = %+v", detail)
	}

	res, data = doRaw(t, http.MethodGet, srv.URL+"/v0/jobs/does-not-exist", nil, jwtHeaders(t))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing job status %d: %s", res.StatusCode, data)
	}
}

func TestJWTWithWrongSecretRejected(t *testing.T) {
	srv := newTestServer(t)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "tester"}).
		SignedString([]byte("not-the-secret"))
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	res, data := doRaw(t, http.MethodGet, srv.URL+"/v0/jobs", nil, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
}

func TestListJobsAndStats(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	for _, f := range []string{"a", "b", "c"} {
		if _, err := srv.store.Enqueue(ctx, "file-"+f, []byte(`{"content":"`+f+`"}`), 0, 3); err != nil {
			t.Fatalf("enqueue %s: %v", f, err)
		}
	}

	res, data := doRaw(t, http.MethodGet, srv.URL+"/v0/jobs?limit=2", nil, jwtHeaders(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, data)
	}
	var page paginatedJobs
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("page = %+v", page)
	}

	res, data = doRaw(t, http.MethodGet, srv.URL+"/v0/jobs?limit=2&cursor="+page.NextCursor, nil, jwtHeaders(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("page 2 status %d: %s", res.StatusCode, data)
	}
	var rest paginatedJobs
	if err := json.Unmarshal(data, &rest); err != nil {
		t.Fatalf("unmarshal page 2: %v", err)
	}
	if len(rest.Items) != 1 {
		t.Fatalf("page 2 = %+v", rest)
	}

	res, data = doRaw(t, http.MethodGet, srv.URL+"/v0/stats", nil, jwtHeaders(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stats status %d: %s", res.StatusCode, data)
	}
	var stats StatsResponse
	if err := json.Unmarshal(data, &stats); err != nil {
		t.Fatalf("unmarshal stats: %v", err)
	}
	if stats.Jobs["queued"] != 3 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestListProviders(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	if err := srv.store.UpsertProvider(ctx, "primary", "primary", "sk-live-credential", 1, true); err != nil {
		t.Fatalf("seed provider: %v", err)
	}
	if err := srv.store.SetBackoff(ctx, "primary", testNow.Add(15*time.Minute), "status 503"); err != nil {
		t.Fatalf("set backoff: %v", err)
	}

	res, data := doRaw(t, http.MethodGet, srv.URL+"/v0/providers", nil, jwtHeaders(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("providers status %d: %s", res.StatusCode, data)
	}
	var providers []ProviderResponse
	if err := json.Unmarshal(data, &providers); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(providers) != 1 || !providers[0].Gated || providers[0].Reason == nil {
		t.Fatalf("providers = %+v", providers)
	}
	// The credential must never appear in API output.
	if bytes.Contains(data, []byte("sk-live-credential")) {
		t.Fatalf("credential leaked: %s", data)
	}
}
