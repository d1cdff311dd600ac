package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuragrid/neuragrid/internal/coordinator/api"
	"github.com/neuragrid/neuragrid/internal/coordinator/db"
	"github.com/neuragrid/neuragrid/internal/coordinator/dispatch"
	"github.com/neuragrid/neuragrid/internal/coordinator/event"
	"github.com/neuragrid/neuragrid/internal/coordinator/registry"
	"github.com/neuragrid/neuragrid/internal/coordinator/store"
)

type fixture struct {
	store  *store.Store
	reg    *registry.Registry
	intake *api.Intake
	query  *api.Query
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))

	st := store.New(sqlDB)
	reg := registry.New()
	events := event.New(reg)
	disp := dispatch.New(st, reg, events)

	return &fixture{
		store:  st,
		reg:    reg,
		intake: api.NewIntake(st, disp, events),
		query:  api.NewQuery(reg, st),
	}
}

func (f *fixture) postJob(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/job", strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.intake.ServeHTTP(rec, req)
	return rec
}

func TestIntake_ValidSubmission(t *testing.T) {
	f := newFixture(t)

	body := `{"job_type":"prime_search","args":["1000"],"tags":["math"]}`
	rec := f.postJob(t, body)

	assert.Equal(t, http.StatusOK, rec.Code)
	response := rec.Body.String()
	require.True(t, strings.HasPrefix(response, "Job "))
	require.True(t, strings.HasSuffix(response, " queued"))

	id := strings.TrimSuffix(strings.TrimPrefix(response, "Job "), " queued")
	job, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, body, job.Body, "body is stored verbatim")
	assert.Equal(t, "prime_search", job.Type)
	assert.Equal(t, store.StatusPending, job.Status)
	assert.Equal(t, []string{"math"}, job.Tags)
	assert.NotZero(t, job.CreatedAt)
}

func TestIntake_InvalidJSON(t *testing.T) {
	f := newFixture(t)

	rec := f.postJob(t, `{"job_type": oops`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Invalid JSON", rec.Body.String())

	jobs, err := f.store.ListPending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs, "no row is inserted for a malformed submission")
}

func TestIntake_UnknownTypeStillQueues(t *testing.T) {
	f := newFixture(t)

	rec := f.postJob(t, `{"frobnicate":true}`)
	assert.Contains(t, rec.Body.String(), "queued")

	jobs, err := f.store.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "unknown", jobs[0].Type)
}

func TestIntake_NonObjectJSONIsAccepted(t *testing.T) {
	f := newFixture(t)

	rec := f.postJob(t, `[1,2,3]`)
	assert.Contains(t, rec.Body.String(), "queued")

	jobs, err := f.store.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, `[1,2,3]`, jobs[0].Body)
}

func TestIntake_SanitizesTags(t *testing.T) {
	f := newFixture(t)

	f.postJob(t, `{"tags":["<script>alert(1)</script>urgent","plain"]}`)

	counts, err := f.store.PendingTagCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"urgent": 1, "plain": 1}, counts)
}

func TestIntake_DistinctIDs(t *testing.T) {
	f := newFixture(t)

	first := f.postJob(t, `{}`).Body.String()
	second := f.postJob(t, `{}`).Body.String()
	assert.NotEqual(t, first, second)
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	f.reg.Add(registry.NewSession("Worker-A"))
	f.reg.Add(registry.NewSession("Worker-B"))
	f.reg.Add(registry.NewSession("dashboard"))

	rec := httptest.NewRecorder()
	f.query.HandleStats(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	var stats api.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.ActiveWorkers)
	assert.Equal(t, 91.0, stats.TotalTflops)
	assert.Equal(t, 14203+2*12, stats.JobsCompleted)
}

func TestWorkers(t *testing.T) {
	f := newFixture(t)
	f.reg.Add(registry.NewSession("Worker-A"))
	f.reg.Add(registry.NewSession("dashboard"))
	f.reg.Add(registry.NewSession("Worker-B"))

	require.NotNil(t, f.reg.ClaimWorker("Worker-B", time.Now()))

	rec := httptest.NewRecorder()
	f.query.HandleWorkers(rec, httptest.NewRequest(http.MethodGet, "/api/workers", nil))

	var workers []api.WorkerInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &workers))
	require.Len(t, workers, 2)

	assert.Equal(t, api.WorkerInfo{
		ID: "w0", Hostname: "Worker-A", IP: "192.168.1.100",
		GPU: "RTX 4090", Status: "idle", Task: "Prime Search",
	}, workers[0])
	assert.Equal(t, api.WorkerInfo{
		ID: "w1", Hostname: "Worker-B", IP: "192.168.1.101",
		GPU: "A100", Status: "busy", Task: "Prime Search",
	}, workers[1])
}

func TestWorkers_Empty(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	f.query.HandleWorkers(rec, httptest.NewRequest(http.MethodGet, "/api/workers", nil))
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestQueue(t *testing.T) {
	f := newFixture(t)

	f.postJob(t, `{"tags":["urgent","math"]}`)
	f.postJob(t, `{"tags":["urgent"]}`)
	f.postJob(t, `{}`)

	rec := httptest.NewRecorder()
	f.query.HandleQueue(rec, httptest.NewRequest(http.MethodGet, "/api/queue", nil))

	var counts map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &counts))
	assert.Equal(t, map[string]int{"urgent": 2, "math": 1}, counts)
}
