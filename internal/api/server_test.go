package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/albapepper/cedh-data/internal/apperr"
	"github.com/albapepper/cedh-data/internal/cache"
	"github.com/albapepper/cedh-data/internal/confidence"
	"github.com/albapepper/cedh-data/internal/config"
	"github.com/albapepper/cedh-data/internal/job"
)

type fakeJobs struct {
	mu       sync.Mutex
	jobs     map[int64]*job.Job
	nextID   int64
	enqueued []job.EnqueueParams
	listed   []job.Status
	limits   []int
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{
		jobs: map[int64]*job.Job{
			1: {ID: 1, Type: job.TypeSync, Status: job.StatusPending},
			2: {ID: 2, Type: job.TypeEnrich, Status: job.StatusCompleted},
		},
		nextID: 10,
	}
}

func (f *fakeJobs) List(_ context.Context, status job.Status, limit int) ([]job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listed = append(f.listed, status)
	f.limits = append(f.limits, limit)
	var out []job.Job
	for _, id := range []int64{1, 2} {
		if j := f.jobs[id]; status == "" || j.Status == status {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (f *fakeJobs) Get(_ context.Context, id int64) (*job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (f *fakeJobs) Counts(context.Context) (map[job.Status]int, error) {
	return map[job.Status]int{job.StatusPending: 1, job.StatusCompleted: 1}, nil
}

func (f *fakeJobs) Enqueue(_ context.Context, p job.EnqueueParams) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, p)
	f.nextID++
	return f.nextID, nil
}

func (f *fakeJobs) Cancel(_ context.Context, id int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok || (j.Status != job.StatusPending && j.Status != job.StatusRunning) {
		return false, nil
	}
	j.Status = job.StatusCancelled
	return true, nil
}

type fakeRecords struct {
	calls int
}

func (f *fakeRecords) Records(context.Context, string, string) (confidence.Record, confidence.Record, error) {
	f.calls++
	return confidence.Record{Wins: 30, Losses: 70}, confidence.Record{Wins: 200, Losses: 800}, nil
}

type fakePinger struct{ err error }

func (p fakePinger) HealthCheck(context.Context) error { return p.err }

type testServer struct {
	handler http.Handler
	jobs    *fakeJobs
	records *fakeRecords
}

func newTestServer(t *testing.T, dbErr error) *testServer {
	t.Helper()
	s := &testServer{jobs: newFakeJobs(), records: &fakeRecords{}}
	s.handler = NewRouter(Deps{
		Jobs:    s.jobs,
		Records: s.records,
		DB:      fakePinger{err: dbErr},
		Cache:   cache.New(true),
	}, &config.Config{CORSAllowOrigins: []string{"http://localhost:3000"}})
	return s
}

func (s *testServer) do(method, path, body string, header http.Header) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Process-Time") == "" {
		t.Error("expected X-Process-Time header")
	}
}

func TestHealthDB(t *testing.T) {
	if rec := newTestServer(t, nil).do(http.MethodGet, "/health/db", "", nil); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	rec := newTestServer(t, errors.New("connection refused")).do(http.MethodGet, "/health/db", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if body := decode(t, rec); body["database"] != "disconnected" {
		t.Errorf("expected disconnected, got %v", body["database"])
	}
}

func TestListJobs(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(http.MethodGet, "/api/v1/jobs?status=pending&limit=1000", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if body := decode(t, rec); body["count"] != float64(1) {
		t.Errorf("expected 1 pending job, got %v", body["count"])
	}
	if s.jobs.listed[0] != job.StatusPending || s.jobs.limits[0] != 500 {
		t.Errorf("expected pending with limit capped at 500, got %v/%v", s.jobs.listed, s.jobs.limits)
	}

	if rec := s.do(http.MethodGet, "/api/v1/jobs?status=bogus", "", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown status, got %d", rec.Code)
	}
	if rec := s.do(http.MethodGet, "/api/v1/jobs?limit=-1", "", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for negative limit, got %d", rec.Code)
	}
}

func TestJobStats(t *testing.T) {
	rec := newTestServer(t, nil).do(http.MethodGet, "/api/v1/jobs/stats", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decode(t, rec); body["total"] != float64(2) {
		t.Errorf("expected total 2, got %v", body["total"])
	}
}

func TestGetJob(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(http.MethodGet, "/api/v1/jobs/1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decode(t, rec); body["job_type"] != "sync" {
		t.Errorf("expected sync job, got %v", body["job_type"])
	}
	if rec := s.do(http.MethodGet, "/api/v1/jobs/99", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if rec := s.do(http.MethodGet, "/api/v1/jobs/abc", "", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestEnqueueJob(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"sync with dates", `{"job_type":"sync","priority":3,"config":{"start_date":"2025-01-01","batch_size":100}}`, http.StatusCreated},
		{"unknown type", `{"job_type":"reindex"}`, http.StatusBadRequest},
		{"bad date", `{"job_type":"sync","config":{"start_date":"01/01/2025"}}`, http.StatusBadRequest},
		{"unknown field", `{"job_type":"sync","bogus":1}`, http.StatusBadRequest},
		{"zero runtime", `{"job_type":"sync","max_runtime_seconds":0}`, http.StatusBadRequest},
		{"not json", `sync`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, nil)
			rec := s.do(http.MethodPost, "/api/v1/jobs", tt.body, nil)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body)
			}
			if tt.want != http.StatusCreated {
				if len(s.jobs.enqueued) != 0 {
					t.Errorf("expected nothing enqueued, got %+v", s.jobs.enqueued)
				}
				return
			}
			p := s.jobs.enqueued[0]
			if p.Type != job.TypeSync || p.Priority != 3 || p.Config.StartDate != "2025-01-01" || p.Config.BatchSize != 100 {
				t.Errorf("unexpected enqueue params %+v", p)
			}
			if body := decode(t, rec); body["id"] != float64(11) || body["status"] != "pending" {
				t.Errorf("unexpected response %v", body)
			}
		})
	}
}

func TestCancelJob(t *testing.T) {
	s := newTestServer(t, nil)
	if rec := s.do(http.MethodPost, "/api/v1/jobs/1/cancel", "", nil); rec.Code != http.StatusOK {
		t.Errorf("expected 200 cancelling pending job, got %d", rec.Code)
	}
	if rec := s.do(http.MethodPost, "/api/v1/jobs/1/cancel", "", nil); rec.Code != http.StatusConflict {
		t.Errorf("expected 409 cancelling cancelled job, got %d", rec.Code)
	}
	if rec := s.do(http.MethodPost, "/api/v1/jobs/2/cancel", "", nil); rec.Code != http.StatusConflict {
		t.Errorf("expected 409 cancelling completed job, got %d", rec.Code)
	}
	if rec := s.do(http.MethodPost, "/api/v1/jobs/42/cancel", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestConfidence_CachedWithETag(t *testing.T) {
	s := newTestServer(t, nil)
	path := "/api/v1/confidence/kinnan/sol-ring"

	first := s.do(http.MethodGet, path, "", nil)
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", first.Code, first.Body)
	}
	if first.Header().Get("X-Cache") != "MISS" {
		t.Errorf("expected cache miss, got %q", first.Header().Get("X-Cache"))
	}
	body := decode(t, first)
	breakdown, ok := body["breakdown"].(map[string]any)
	if !ok {
		t.Fatalf("expected breakdown object, got %v", body)
	}
	want := confidence.Compute(confidence.Record{Wins: 30, Losses: 70}, confidence.Record{Wins: 200, Losses: 800})
	if breakdown["score"] != float64(want.Score) {
		t.Errorf("expected score %d, got %v", want.Score, breakdown["score"])
	}

	etag := first.Header().Get("ETag")
	second := s.do(http.MethodGet, path, "", http.Header{"If-None-Match": {etag}})
	if second.Code != http.StatusNotModified {
		t.Errorf("expected 304, got %d", second.Code)
	}

	third := s.do(http.MethodGet, path, "", nil)
	if third.Header().Get("X-Cache") != "HIT" {
		t.Errorf("expected cache hit, got %q", third.Header().Get("X-Cache"))
	}
	if s.records.calls != 1 {
		t.Errorf("expected 1 records query, got %d", s.records.calls)
	}
}

func TestRateLimit(t *testing.T) {
	h := RateLimitMiddleware(2, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	codes := make([]int, 0, 3)
	for range 3 {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	// burst is max(1, 2/2) = 1
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Errorf("expected 200 then 429, got %v", codes)
	}
}
