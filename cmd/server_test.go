//go:build !integration

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/price-scraper/internal/budget"
	"github.com/sells-group/price-scraper/internal/config"
	"github.com/sells-group/price-scraper/internal/model"
	"github.com/sells-group/price-scraper/internal/orchestrator"
	"github.com/sells-group/price-scraper/internal/scheduling"
	"github.com/sells-group/price-scraper/internal/store"
)

type fakeRunner struct {
	mu        sync.Mutex
	sess      *model.ScrapeSession
	err       error
	batchOpts []orchestrator.BatchOptions
	submitted []model.ScrapeJob
	started   chan struct{}
	block     chan struct{}
}

func (f *fakeRunner) RunBatch(_ context.Context, opts orchestrator.BatchOptions) (*model.ScrapeSession, error) {
	if f.block != nil {
		f.started <- struct{}{}
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchOpts = append(f.batchOpts, opts)
	return f.sess, f.err
}

func (f *fakeRunner) Submit(_ context.Context, job model.ScrapeJob) <-chan orchestrator.JobOutcome {
	f.mu.Lock()
	f.submitted = append(f.submitted, job)
	f.mu.Unlock()

	ch := make(chan orchestrator.JobOutcome, 1)
	job.Status = model.JobCompleted
	ch <- orchestrator.JobOutcome{
		Job:     job,
		Results: []model.ScrapeResult{{VendorID: job.VendorID, Method: model.MethodPlaywright, Status: model.ResultSuccess}},
	}
	close(ch)
	return ch
}

type fakeJobs struct {
	created     []scheduling.JobRequest
	reactivated []string
	err         error
}

func (f *fakeJobs) CreateJob(_ context.Context, vendorID string, req scheduling.JobRequest) (*model.ScrapeJob, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.created = append(f.created, req)
	return &model.ScrapeJob{
		ID:             "job-1",
		VendorID:       vendorID,
		Source:         req.Source,
		Priority:       req.Priority,
		AllowedMethods: req.AllowedMethods,
		MaxCost:        req.MaxCost,
		Status:         model.JobQueued,
	}, nil
}

func (f *fakeJobs) ReactivateVendor(_ context.Context, id string) error {
	if f.err != nil {
		return f.err
	}
	f.reactivated = append(f.reactivated, id)
	return nil
}

type fakeLister struct {
	jobs   []model.ScrapeJob
	filter model.JobFilter
}

func (f *fakeLister) ListJobs(_ context.Context, filter model.JobFilter) ([]model.ScrapeJob, error) {
	f.filter = filter
	return f.jobs, nil
}

type fakeBudget struct{ snap budget.Snapshot }

func (f fakeBudget) Snapshot() budget.Snapshot { return f.snap }

type testServer struct {
	runner *fakeRunner
	jobs   *fakeJobs
	lister *fakeLister
	h      http.Handler
}

func newTestServer(secret string) *testServer {
	ts := &testServer{
		runner: &fakeRunner{sess: &model.ScrapeSession{ID: "sess-1", Total: 2, Completed: 2}},
		jobs:   &fakeJobs{},
		lister: &fakeLister{},
	}
	snap := budget.Snapshot{
		Limits:      map[budget.Period]float64{budget.Daily: 3},
		Usage:       map[budget.Period]float64{budget.Daily: 1},
		MethodCosts: map[model.Method]float64{model.MethodFirecrawl: 0.01},
		Health:      budget.Health{Status: budget.StatusHealthy},
		CanScrape:   true,
	}
	s := &server{
		base:   context.Background(),
		runner: ts.runner,
		jobs:   ts.jobs,
		lister: ts.lister,
		budget: fakeBudget{snap: snap},
		secret: secret,

		backends: func() map[string]string { return map[string]string{"firecrawl": "open"} },

		queued: func() []model.ScrapeJob {
			return []model.ScrapeJob{{ID: "q1", VendorID: "acme", Status: model.JobQueued}}
		},
	}
	ts.h = buildRouter(s, config.ServerConfig{CORSOrigins: []string{"https://ops.example.com"}})
	return ts
}

func (ts *testServer) do(method, path, auth string, body []byte) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rr := httptest.NewRecorder()
	ts.h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body
}

func TestRouter_Health(t *testing.T) {
	ts := newTestServer("s3cret")

	rr := ts.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
	body := decode(t, rr)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, map[string]any{"firecrawl": "open"}, body["backends"])
}

func TestRouter_CronRequiresSecret(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		auth string
		want int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "Bearer nope", http.StatusUnauthorized},
		{"no scheme", "s3cret", http.StatusUnauthorized},
		{"valid", "Bearer s3cret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ts := newTestServer("s3cret")
			rr := ts.do(http.MethodPost, "/cron/scrape", tt.auth, nil)
			assert.Equal(t, tt.want, rr.Code)
		})
	}
}

func TestRouter_CronNoSecretConfigured(t *testing.T) {
	ts := newTestServer("")

	rr := ts.do(http.MethodGet, "/cron/scrape", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRouter_CronReturnsSession(t *testing.T) {
	ts := newTestServer("s3cret")

	rr := ts.do(http.MethodPost, "/cron/scrape", "Bearer s3cret", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, "sess-1", body["id"])
	assert.EqualValues(t, 2, body["completed"])

	require.Len(t, ts.runner.batchOpts, 1)
	assert.Equal(t, model.SourceScheduled, ts.runner.batchOpts[0].Source)
	assert.Equal(t, "/cron/scrape", ts.runner.batchOpts[0].Endpoint)
}

func TestRouter_CronBatchCannotStart(t *testing.T) {
	ts := newTestServer("")
	ts.runner.err = errors.New("db unreachable")
	ts.runner.sess = nil

	rr := ts.do(http.MethodPost, "/cron/scrape", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "could not start")
}

func TestRouter_CronRejectsOverlap(t *testing.T) {
	ts := newTestServer("")
	ts.runner.started = make(chan struct{}, 1)
	ts.runner.block = make(chan struct{})

	done := make(chan int)
	go func() {
		done <- ts.do(http.MethodPost, "/cron/scrape", "", nil).Code
	}()
	<-ts.runner.started

	rr := ts.do(http.MethodPost, "/cron/scrape", "", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	close(ts.runner.block)
	assert.Equal(t, http.StatusOK, <-done)
}

func TestRouter_BudgetStatus(t *testing.T) {
	ts := newTestServer("")

	rr := ts.do(http.MethodGet, "/budget/status", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.Equal(t, true, body["canScrape"])
	assert.Contains(t, body, "limits")
	assert.Contains(t, body, "usage")
	assert.Contains(t, body, "method_costs")
	health := body["health"].(map[string]any)
	assert.Equal(t, "healthy", health["status"])
}

func TestRouter_Jobs(t *testing.T) {
	ts := newTestServer("")
	ts.lister.jobs = []model.ScrapeJob{{ID: "j1", VendorID: "acme", Status: model.JobFailed}}

	rr := ts.do(http.MethodGet, "/jobs?status=failed&vendor=acme&limit=5&since=24h", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, model.JobFailed, ts.lister.filter.Status)
	assert.Equal(t, "acme", ts.lister.filter.VendorID)
	assert.Equal(t, 5, ts.lister.filter.Limit)
	assert.WithinDuration(t, time.Now().Add(-24*time.Hour), ts.lister.filter.Since, time.Minute)

	jobs := decode(t, rr)["jobs"].([]any)
	require.Len(t, jobs, 1)
}

func TestRouter_Queue(t *testing.T) {
	ts := newTestServer("")

	rr := ts.do(http.MethodGet, "/queue", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	assert.EqualValues(t, 1, body["depth"])
	jobs := body["jobs"].([]any)
	require.Len(t, jobs, 1)
}

func TestRouter_JobsBadSince(t *testing.T) {
	ts := newTestServer("")

	rr := ts.do(http.MethodGet, "/jobs?since=yesterday", "", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRouter_JobsEmptyIsArray(t *testing.T) {
	ts := newTestServer("")

	rr := ts.do(http.MethodGet, "/jobs", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"jobs":[]}`, rr.Body.String())
	assert.Equal(t, 50, ts.lister.filter.Limit)
}

func TestRouter_ScrapeVendor(t *testing.T) {
	ts := newTestServer("")

	body, _ := json.Marshal(map[string]any{"methods": []string{"playwright", "firecrawl"}, "max_cost": 0.05})
	rr := ts.do(http.MethodPost, "/vendors/acme/scrape", "", body)
	require.Equal(t, http.StatusOK, rr.Code)

	require.Len(t, ts.runner.submitted, 1)
	job := ts.runner.submitted[0]
	assert.Equal(t, "acme", job.VendorID)
	assert.Equal(t, model.PriorityHigh, job.Priority)
	assert.Equal(t, model.SourceAPI, job.Source)
	assert.Equal(t, []model.Method{model.MethodPlaywright, model.MethodFirecrawl}, job.AllowedMethods)
	assert.InDelta(t, 0.05, job.MaxCost, 1e-9)

	require.Len(t, ts.jobs.created, 1, "limits are part of the persisted job")
	assert.Equal(t, []model.Method{model.MethodPlaywright, model.MethodFirecrawl}, ts.jobs.created[0].AllowedMethods)
	assert.InDelta(t, 0.05, ts.jobs.created[0].MaxCost, 1e-9)

	resp := decode(t, rr)
	assert.Equal(t, "completed", resp["job"].(map[string]any)["status"])
	assert.Len(t, resp["results"], 1)
	assert.NotContains(t, resp, "error")
}

func TestRouter_ScrapeVendorNoBody(t *testing.T) {
	ts := newTestServer("")

	rr := ts.do(http.MethodPost, "/vendors/acme/scrape", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, ts.runner.submitted, 1)
	assert.Empty(t, ts.runner.submitted[0].AllowedMethods)
}

func TestRouter_ScrapeVendorBadRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"methods":`},
		{"unknown method", `{"methods":["telepathy"]}`},
		{"unknown priority", `{"priority":"urgent"}`},
		{"negative cost", `{"max_cost":-1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ts := newTestServer("")
			rr := ts.do(http.MethodPost, "/vendors/acme/scrape", "", []byte(tt.body))
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Empty(t, ts.runner.submitted)
		})
	}
}

func TestRouter_ScrapeUnknownVendor(t *testing.T) {
	ts := newTestServer("")
	ts.jobs.err = eris.Wrap(store.ErrVendorNotFound, "scheduling: create job")

	rr := ts.do(http.MethodPost, "/vendors/ghost/scrape", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRouter_Reactivate(t *testing.T) {
	ts := newTestServer("")

	rr := ts.do(http.MethodPost, "/vendors/acme/reactivate", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"acme"}, ts.jobs.reactivated)
	assert.Equal(t, "reactivated", decode(t, rr)["status"])
}

func TestRouter_ReactivateUnknownVendor(t *testing.T) {
	ts := newTestServer("")
	ts.jobs.err = eris.Wrapf(store.ErrVendorNotFound, "sqlite: set vendor active %s", "ghost")

	rr := ts.do(http.MethodPost, "/vendors/ghost/reactivate", "", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRouter_CORSPreflight(t *testing.T) {
	ts := newTestServer("s3cret")

	req := httptest.NewRequest(http.MethodOptions, "/budget/status", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rr := httptest.NewRecorder()
	ts.h.ServeHTTP(rr, req)

	assert.Equal(t, "https://ops.example.com", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestOutcomeResponse_IncludesError(t *testing.T) {
	out := orchestrator.JobOutcome{
		Job:       model.ScrapeJob{ID: "j1"},
		Anomalies: []string{"unrecorded spend"},
		Err:       errors.New("store unavailable"),
	}
	resp := outcomeResponse(out)
	assert.Equal(t, "store unavailable", resp["error"])
	assert.Equal(t, []string{"unrecorded spend"}, resp["anomalies"])
}
