package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/trainalyze/trainalyze/internal/catalog"
	"github.com/trainalyze/trainalyze/internal/config"
	"github.com/trainalyze/trainalyze/internal/history"
	"github.com/trainalyze/trainalyze/internal/inbox"
	"github.com/trainalyze/trainalyze/internal/refund"
	"github.com/trainalyze/trainalyze/internal/scan"
)

type fakeSource struct {
	msgs  []inbox.Message
	err   error
	block chan struct{}
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Fetch(ctx context.Context, q inbox.Query) ([]inbox.Message, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.msgs, f.err
}

var delayedJourney = inbox.Message{
	ID:      "1",
	Sender:  "noreply@lner.co.uk",
	Subject: "Your train was delayed",
	Date:    "Fri, 15 Mar 2024 18:30:00 +0000",
	Body:    "Your train arrived 45 minutes late. Ref: LN123456. Travel: 15/03/2024. Ticket price: £45.00",
}

type testEnv struct {
	srv    *httptest.Server
	client *http.Client
	token  string
}

func newTestEnv(t *testing.T, src scan.Source, hist *history.Store, cfg config.WebConfig) *testEnv {
	t.Helper()

	store := NewSessionStore(time.Hour)
	t.Cleanup(store.Close)

	deps := Deps{
		Catalog:  catalog.Default(),
		Pipeline: scan.NewPipeline(catalog.Default(), refund.Default(), scan.DefaultOptions),
		Results:  store,
		History:  hist,
	}
	if src != nil {
		deps.NewSource = func(ctx context.Context) (scan.Source, error) { return src, nil }
	}

	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = time.Hour
	}
	if cfg.ScansPerMinute == 0 {
		cfg.ScansPerMinute = 10
	}
	s, err := NewServer(cfg, deps)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { s.Shutdown(context.Background()) })

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	client := srv.Client()
	client.Jar = jar

	env := &testEnv{srv: srv, client: client}
	var status map[string]any
	resp := env.do(t, http.MethodGet, "/", &status)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET / = %d", resp.StatusCode)
	}
	env.token = resp.Header.Get("X-CSRF-Token")
	if env.token == "" || status["csrf_token"] != env.token {
		t.Fatalf("no CSRF token issued: %v", status)
	}
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, out any) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if method != http.MethodGet && e.token != "" {
		req.Header.Set("X-CSRF-Token", e.token)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp
}

// waitForJob polls until the job leaves the running state.
func (e *testEnv) waitForJob(t *testing.T, id string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var job map[string]any
		e.do(t, http.MethodGet, "/api/job/"+id, &job)
		if job["status"] != string(JobStatusRunning) {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s still running", id)
	return nil
}

func TestScanLifecycle(t *testing.T) {
	hist, err := history.Open(config.DriverSQLite, filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { hist.Close() })

	env := newTestEnv(t, &fakeSource{msgs: []inbox.Message{delayedJourney}}, hist, config.WebConfig{})

	// nothing held before the first scan
	if resp := env.do(t, http.MethodGet, "/api/results", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("results before scan = %d, want 404", resp.StatusCode)
	}

	var started map[string]any
	resp := env.do(t, http.MethodPost, "/api/scan", &started)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST /api/scan = %d", resp.StatusCode)
	}
	jobID, _ := started["job_id"].(string)
	if jobID == "" {
		t.Fatalf("no job id: %v", started)
	}

	job := env.waitForJob(t, jobID)
	if job["status"] != string(JobStatusCompleted) {
		t.Fatalf("job = %v", job)
	}
	if job["emails"] != float64(1) || job["opportunities"] != float64(1) {
		t.Errorf("job counts = %v", job)
	}
	scanID, _ := job["scan_id"].(string)
	if scanID == "" {
		t.Error("completed job should reference its history record")
	}

	var res Results
	if resp := env.do(t, http.MethodGet, "/api/results", &res); resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/results = %d", resp.StatusCode)
	}
	if res.Source != "fake" || res.Summary.TotalEmails != 1 || len(res.Summary.Opportunities) != 1 {
		t.Errorf("results = %+v", res)
	}
	if res.Summary.Opportunities[0].Operator != "LNER" {
		t.Errorf("operator = %s", res.Summary.Opportunities[0].Operator)
	}

	var records []history.Record
	env.do(t, http.MethodGet, "/api/history", &records)
	if len(records) != 1 || records[0].ID != scanID {
		t.Errorf("history = %+v", records)
	}

	var rec history.Record
	if resp := env.do(t, http.MethodGet, "/api/history/"+scanID, &rec); resp.StatusCode != http.StatusOK {
		t.Errorf("GET history record = %d", resp.StatusCode)
	}
	if len(rec.Summary.Opportunities) != 1 {
		t.Errorf("stored opportunities = %d", len(rec.Summary.Opportunities))
	}

	var status map[string]any
	env.do(t, http.MethodGet, "/", &status)
	if status["has_results"] != true {
		t.Errorf("status after scan = %v", status)
	}

	if resp := env.do(t, http.MethodPost, "/api/disconnect", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("disconnect = %d", resp.StatusCode)
	}
	if resp := env.do(t, http.MethodGet, "/api/results", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("results after disconnect = %d, want 404", resp.StatusCode)
	}
}

func TestScanRequiresCSRFToken(t *testing.T) {
	env := newTestEnv(t, &fakeSource{}, nil, config.WebConfig{})
	env.token = ""

	if resp := env.do(t, http.MethodPost, "/api/scan", nil); resp.StatusCode != http.StatusForbidden {
		t.Errorf("POST without token = %d, want 403", resp.StatusCode)
	}
}

func TestScanWithoutSource(t *testing.T) {
	env := newTestEnv(t, nil, nil, config.WebConfig{})

	var body map[string]string
	resp := env.do(t, http.MethodPost, "/api/scan", &body)
	if resp.StatusCode != http.StatusBadRequest || body["error"] != scan.ErrNoSource.Error() {
		t.Errorf("got %d %v", resp.StatusCode, body)
	}
}

func TestScanFailure(t *testing.T) {
	env := newTestEnv(t, &fakeSource{err: errors.New("auth failed")}, nil, config.WebConfig{})

	var started map[string]any
	env.do(t, http.MethodPost, "/api/scan", &started)
	job := env.waitForJob(t, started["job_id"].(string))

	if job["status"] != string(JobStatusError) {
		t.Errorf("status = %v", job["status"])
	}
	if msg, _ := job["error"].(string); msg == "" {
		t.Error("failed job should carry the error")
	}
	if resp := env.do(t, http.MethodGet, "/api/results", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("failed scan should hold no results, got %d", resp.StatusCode)
	}
}

func TestConcurrentScanAndCancel(t *testing.T) {
	src := &fakeSource{block: make(chan struct{})}
	env := newTestEnv(t, src, nil, config.WebConfig{})

	var started map[string]any
	env.do(t, http.MethodPost, "/api/scan", &started)
	jobID := started["job_id"].(string)

	var conflict map[string]any
	if resp := env.do(t, http.MethodPost, "/api/scan", &conflict); resp.StatusCode != http.StatusConflict {
		t.Errorf("second scan = %d, want 409", resp.StatusCode)
	}
	if conflict["job_id"] != jobID {
		t.Errorf("conflict should name the running job: %v", conflict)
	}

	var cancelled map[string]any
	env.do(t, http.MethodPost, "/api/job/"+jobID+"/cancel", &cancelled)
	if cancelled["status"] != string(JobStatusCancelled) {
		t.Errorf("cancel = %v", cancelled)
	}

	job := env.waitForJob(t, jobID)
	if job["status"] != string(JobStatusCancelled) {
		t.Errorf("cancelled job finished as %v", job["status"])
	}
}

func TestScanRateLimit(t *testing.T) {
	env := newTestEnv(t, &fakeSource{}, nil, config.WebConfig{ScansPerMinute: 1})

	var started map[string]any
	env.do(t, http.MethodPost, "/api/scan", &started)
	env.waitForJob(t, started["job_id"].(string))

	if resp := env.do(t, http.MethodPost, "/api/scan", nil); resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second scan = %d, want 429", resp.StatusCode)
	}
}

func TestJobNotVisibleToOtherSessions(t *testing.T) {
	src := &fakeSource{}
	env := newTestEnv(t, src, nil, config.WebConfig{})

	var started map[string]any
	env.do(t, http.MethodPost, "/api/scan", &started)

	resp, err := http.Get(env.srv.URL + "/api/job/" + started["job_id"].(string))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("job seen without the session cookie: %d", resp.StatusCode)
	}
}

func TestCatalogueEndpoints(t *testing.T) {
	env := newTestEnv(t, nil, nil, config.WebConfig{})

	var urls map[string]string
	env.do(t, http.MethodGet, "/api/claim-urls", &urls)
	if urls["LNER"] == "" {
		t.Errorf("claim urls missing LNER: %v", urls)
	}

	var ops []catalog.OperatorInfo
	env.do(t, http.MethodGet, "/api/operators", &ops)
	if len(ops) == 0 || ops[0].Name != "Trainline" {
		t.Errorf("operators = %v", ops)
	}
}

func TestHistoryDisabled(t *testing.T) {
	env := newTestEnv(t, nil, nil, config.WebConfig{})
	if resp := env.do(t, http.MethodGet, "/api/history", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("history without store = %d, want 404", resp.StatusCode)
	}
}

func TestHealthAndHeaders(t *testing.T) {
	env := newTestEnv(t, nil, nil, config.WebConfig{})

	var body map[string]string
	resp := env.do(t, http.MethodGet, "/healthz", &body)
	if resp.StatusCode != http.StatusOK || body["status"] != "healthy" {
		t.Errorf("healthz = %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Frame-Options") != "DENY" || resp.Header.Get("Cache-Control") == "" {
		t.Errorf("security headers missing: %v", resp.Header)
	}
}

func TestSessionStoreExpiry(t *testing.T) {
	store := NewSessionStore(time.Minute)
	defer store.Close()
	now := time.Date(2024, time.April, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	if err := store.Put(ctx, "abc", &Results{Source: "fake"}); err != nil {
		t.Fatal(err)
	}
	if res, err := store.Get(ctx, "abc"); err != nil || res.Source != "fake" {
		t.Fatalf("Get = %v, %v", res, err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := store.Get(ctx, "abc"); !errors.Is(err, ErrNoResults) {
		t.Errorf("expired get = %v, want ErrNoResults", err)
	}
	if store.Count() != 0 {
		t.Errorf("expired session not removed")
	}

	store.Put(ctx, "x", &Results{})
	now = now.Add(2 * time.Minute)
	store.cleanup()
	if store.Count() != 0 {
		t.Errorf("cleanup left %d sessions", store.Count())
	}
}

func TestRedisStoreBadURL(t *testing.T) {
	if _, err := NewRedisStore("not-a-url", time.Hour); err == nil {
		t.Error("expected error for invalid redis url")
	}
	if got := resultKey("abc"); got != "trainalyze:results:abc" {
		t.Errorf("key = %s", got)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("first two requests should pass")
	}
	if rl.Allow("a") {
		t.Error("third request should be limited")
	}
	if !rl.Allow("b") {
		t.Error("keys are limited independently")
	}
}
