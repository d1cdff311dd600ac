package dispatch_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuragrid/neuragrid/internal/coordinator/db"
	"github.com/neuragrid/neuragrid/internal/coordinator/dispatch"
	"github.com/neuragrid/neuragrid/internal/coordinator/event"
	"github.com/neuragrid/neuragrid/internal/coordinator/registry"
	"github.com/neuragrid/neuragrid/internal/coordinator/store"
)

type stack struct {
	store *store.Store
	reg   *registry.Registry
	disp  *dispatch.Dispatcher
}

func newStack(t *testing.T) *stack {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))

	st := store.New(sqlDB)
	reg := registry.New()
	return &stack{
		store: st,
		reg:   reg,
		disp:  dispatch.New(st, reg, event.New(reg)),
	}
}

func (s *stack) submit(t *testing.T, id, body string, createdAt int64) {
	t.Helper()
	var sub struct {
		Tags []string `json:"tags"`
	}
	_ = json.Unmarshal([]byte(body), &sub)
	require.NoError(t, s.store.Insert(context.Background(), &store.Job{
		ID:        id,
		Body:      body,
		Type:      "noop",
		Tags:      sub.Tags,
		CreatedAt: createdAt,
	}))
}

func (s *stack) addWorker(t *testing.T, name string) *registry.Session {
	t.Helper()
	w := registry.NewSession(name)
	require.Equal(t, registry.RoleWorker, w.Role)
	s.reg.Add(w)
	return w
}

func recvFrame(t *testing.T, sess *registry.Session) string {
	t.Helper()
	select {
	case frame := <-sess.Outbound():
		return frame
	default:
		t.Fatalf("no frame queued for %s", sess.Name)
		return ""
	}
}

func assertNoFrame(t *testing.T, sess *registry.Session) {
	t.Helper()
	select {
	case frame := <-sess.Outbound():
		t.Fatalf("unexpected frame for %s: %s", sess.Name, frame)
	default:
	}
}

func jobStatus(t *testing.T, st *store.Store, id string) store.Status {
	t.Helper()
	job, err := st.Get(context.Background(), id)
	require.NoError(t, err)
	return job.Status
}

func TestSweep_SingleWorkerSingleJob(t *testing.T) {
	s := newStack(t)
	w := s.addWorker(t, "Worker-A")

	body := `{"job_type":"noop","args":[]}`
	s.submit(t, "j1", body, 1)

	s.disp.Sweep(context.Background())

	assert.Equal(t, body, recvFrame(t, w), "worker receives the body verbatim")
	assert.Equal(t, store.StatusProcessing, jobStatus(t, s.store, "j1"))
}

func TestSweep_NoWorkers(t *testing.T) {
	s := newStack(t)
	s.submit(t, "j1", `{}`, 1)

	s.disp.Sweep(context.Background())

	assert.Equal(t, store.StatusPending, jobStatus(t, s.store, "j1"))
}

func TestSweep_FIFOUnderScarcity(t *testing.T) {
	s := newStack(t)
	w := s.addWorker(t, "Worker-A")

	s.submit(t, "j1", `{"n":1}`, 100)
	s.submit(t, "j2", `{"n":2}`, 200)

	s.disp.Sweep(context.Background())

	assert.Equal(t, `{"n":1}`, recvFrame(t, w), "oldest job goes first")
	assertNoFrame(t, w)
	assert.Equal(t, store.StatusProcessing, jobStatus(t, s.store, "j1"))
	assert.Equal(t, store.StatusPending, jobStatus(t, s.store, "j2"))

	// Worker reports done; the next sweep hands over the second job.
	s.reg.FinishJob(w.Handle)
	require.NoError(t, s.store.SetStatus(context.Background(), "j1", store.StatusCompleted))

	s.disp.Sweep(context.Background())
	assert.Equal(t, `{"n":2}`, recvFrame(t, w))
	assert.Equal(t, store.StatusProcessing, jobStatus(t, s.store, "j2"))
}

func TestSweep_DrainsQueueAcrossWorkers(t *testing.T) {
	s := newStack(t)
	a := s.addWorker(t, "Worker-A")
	b := s.addWorker(t, "Worker-B")

	s.submit(t, "j1", `{"n":1}`, 100)
	s.submit(t, "j2", `{"n":2}`, 200)
	s.submit(t, "j3", `{"n":3}`, 300)

	s.disp.Sweep(context.Background())

	assert.Equal(t, `{"n":1}`, recvFrame(t, a), "earlier worker gets the older job")
	assert.Equal(t, `{"n":2}`, recvFrame(t, b))
	assert.Equal(t, store.StatusPending, jobStatus(t, s.store, "j3"))
}

func TestSweep_TargetedPlacement(t *testing.T) {
	s := newStack(t)
	a := s.addWorker(t, "Worker-A")
	b := s.addWorker(t, "Worker-B")

	body := `{"job_type":"noop","target":"@Worker-B"}`
	s.submit(t, "j1", body, 1)

	s.disp.Sweep(context.Background())

	assert.Equal(t, body, recvFrame(t, b), "only the addressed worker receives the body")
	assertNoFrame(t, a)
}

func TestSweep_TargetedStarvation(t *testing.T) {
	s := newStack(t)
	s.addWorker(t, "Worker-Y")

	s.submit(t, "j1", `{"target":"Worker-X"}`, 1)

	s.disp.Sweep(context.Background())
	assert.Equal(t, store.StatusPending, jobStatus(t, s.store, "j1"),
		"job addressed to an absent worker stays pending")

	x := s.addWorker(t, "Worker-X")
	s.disp.Sweep(context.Background())

	assert.Equal(t, `{"target":"Worker-X"}`, recvFrame(t, x))
	assert.Equal(t, store.StatusProcessing, jobStatus(t, s.store, "j1"))
}

func TestSweep_TargetedSkipDoesNotBlockLaterJobs(t *testing.T) {
	s := newStack(t)
	a := s.addWorker(t, "Worker-A")

	s.submit(t, "j1", `{"target":"@Worker-X"}`, 100)
	s.submit(t, "j2", `{"n":2}`, 200)

	s.disp.Sweep(context.Background())

	assert.Equal(t, `{"n":2}`, recvFrame(t, a), "unsatisfiable target does not stall the queue")
	assert.Equal(t, store.StatusPending, jobStatus(t, s.store, "j1"))
}

func TestSweep_ScheduleBlocked(t *testing.T) {
	s := newStack(t)
	w := s.addWorker(t, "Worker-A")

	monday14 := time.Date(2026, 8, 3, 14, 0, 0, 0, time.UTC)
	s.disp.SetNow(func() time.Time { return monday14 })

	blocked := &registry.Policy{}
	s.reg.SetPolicy(w.Handle, blocked)

	s.submit(t, "j1", `{}`, 1)
	s.disp.Sweep(context.Background())

	assertNoFrame(t, w)
	assert.Equal(t, store.StatusPending, jobStatus(t, s.store, "j1"))

	// The window opens; the next trigger delivers.
	open := &registry.Policy{}
	open.Schedule[0][14] = true
	s.reg.SetPolicy(w.Handle, open)

	s.disp.Sweep(context.Background())
	assert.Equal(t, `{}`, recvFrame(t, w))
	assert.Equal(t, store.StatusProcessing, jobStatus(t, s.store, "j1"))
}

func TestSweep_Idempotent(t *testing.T) {
	s := newStack(t)
	w := s.addWorker(t, "Worker-A")
	s.submit(t, "j1", `{}`, 1)

	s.disp.Sweep(context.Background())
	s.disp.Sweep(context.Background())

	assert.Equal(t, `{}`, recvFrame(t, w))
	// A second sweep with no state change assigns nothing new.
	assertNoFrame(t, w)
}

func TestSweep_SendFailureLeavesJobPending(t *testing.T) {
	s := newStack(t)
	w := s.addWorker(t, "Worker-A")
	w.Close() // outbound gone before the sweep runs

	s.submit(t, "j1", `{}`, 1)
	s.disp.Sweep(context.Background())

	assert.Equal(t, store.StatusPending, jobStatus(t, s.store, "j1"))

	// Once the dead session is gone, a fresh worker picks the job up.
	s.reg.Remove(w.Handle)
	b := s.addWorker(t, "Worker-B")
	s.disp.Sweep(context.Background())
	assert.Equal(t, `{}`, recvFrame(t, b))
}

func TestPokeRun_CoalescesTriggers(t *testing.T) {
	s := newStack(t)
	w := s.addWorker(t, "Worker-A")
	s.submit(t, "j1", `{}`, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.disp.Run(ctx)

	s.disp.Poke()
	s.disp.Poke()
	s.disp.Poke()

	require.Eventually(t, func() bool {
		return jobStatus(t, s.store, "j1") == store.StatusProcessing
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, `{}`, recvFrame(t, w))
	assertNoFrame(t, w)
}

func TestSweep_ProcessingEventCarriesTags(t *testing.T) {
	s := newStack(t)
	obs := registry.NewSession("dashboard")
	s.reg.Add(obs)
	s.addWorker(t, "Worker-A")

	s.submit(t, "j1", `{"tags":["urgent"]}`, 1)
	s.disp.Sweep(context.Background())

	var u event.Update
	require.NoError(t, json.Unmarshal([]byte(recvFrame(t, obs)), &u))
	assert.Equal(t, "job_update", u.Type)
	assert.Equal(t, "j1", u.Payload.ID)
	assert.Equal(t, "processing", u.Payload.Status)
	assert.Equal(t, []string{"urgent"}, u.Payload.Tags)
}

func TestSweep_ManyJobsManyWorkers(t *testing.T) {
	s := newStack(t)

	var workers []*registry.Session
	for i := 0; i < 5; i++ {
		workers = append(workers, s.addWorker(t, fmt.Sprintf("Worker-%d", i)))
	}
	for i := 0; i < 20; i++ {
		s.submit(t, fmt.Sprintf("j%02d", i), fmt.Sprintf(`{"n":%d}`, i), int64(i+1))
	}

	s.disp.Sweep(context.Background())

	// Exactly five jobs move, the five oldest, one per worker.
	pending, err := s.store.ListPending(context.Background())
	require.NoError(t, err)
	assert.Len(t, pending, 15)
	assert.Equal(t, "j05", pending[0].ID)

	for i, w := range workers {
		assert.Equal(t, fmt.Sprintf(`{"n":%d}`, i), recvFrame(t, w))
		assertNoFrame(t, w)
	}
}
