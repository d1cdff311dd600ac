// Package dispatch matches pending jobs to idle workers.
//
// The dispatcher is triggered after a job is inserted, after a worker
// connects, and after a worker reports completion. Triggers coalesce
// onto a single sweep goroutine, and each sweep drains as much of the
// pending queue as the connected workers allow.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/neuragrid/neuragrid/internal/coordinator/event"
	"github.com/neuragrid/neuragrid/internal/coordinator/registry"
	"github.com/neuragrid/neuragrid/internal/coordinator/store"
	"github.com/neuragrid/neuragrid/internal/metrics"
)

// Dispatcher owns the pending-job sweep.
type Dispatcher struct {
	store  *store.Store
	reg    *registry.Registry
	events *event.Plane
	log    *slog.Logger

	// directives caches per-job placement directives parsed out of the
	// immutable body, so repeated sweeps over a long queue do not
	// re-parse the same JSON.
	directives *gocache.Cache

	poke chan struct{}

	// now is swappable for schedule tests.
	now func() time.Time
}

// New creates a Dispatcher. Call Run to start the sweep loop.
func New(st *store.Store, reg *registry.Registry, events *event.Plane) *Dispatcher {
	return &Dispatcher{
		store:      st,
		reg:        reg,
		events:     events,
		log:        slog.With("component", "dispatch"),
		directives: gocache.New(5*time.Minute, 10*time.Minute),
		poke:       make(chan struct{}, 1),
		now:        time.Now,
	}
}

// Poke schedules a sweep. Non-blocking; concurrent pokes coalesce.
func (d *Dispatcher) Poke() {
	select {
	case d.poke <- struct{}{}:
	default:
	}
}

// Run drains poke signals until ctx is cancelled. One sweep runs at a
// time, so triggers arriving mid-sweep fold into the next one.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.poke:
			d.Sweep(ctx)
		}
	}
}

// Sweep performs one pass over the pending queue, oldest job first.
// Safe to invoke concurrently with itself: the conditional store
// transition arbitrates, and losers revert their worker claim.
func (d *Dispatcher) Sweep(ctx context.Context) {
	metrics.DispatchSweepsTotal.Inc()

	jobs, err := d.store.ListPending(ctx)
	if err != nil {
		d.log.Error("list pending jobs", "error", err)
		return
	}

	for _, job := range jobs {
		target := d.target(job)

		claim := d.reg.ClaimWorker(target, d.now())
		if claim == nil {
			// No eligible worker right now; a later trigger retries.
			continue
		}

		if !claim.Send(job.Body) {
			d.reg.Release(claim.Handle)
			d.log.Warn("send to worker failed, job stays pending",
				"job_id", job.ID, "worker", claim.Name)
			continue
		}

		won, err := d.store.MarkProcessing(ctx, job.ID)
		if err != nil {
			d.reg.Release(claim.Handle)
			d.log.Error("mark processing", "job_id", job.ID, "error", err)
			continue
		}
		if !won {
			// Another sweep claimed the row first.
			d.reg.Release(claim.Handle)
			continue
		}

		d.reg.RecordAssignment(claim.Handle, job.ID)
		metrics.JobsDispatchedTotal.Inc()
		d.log.Info("job dispatched", "job_id", job.ID, "worker", claim.Name)
		d.events.Emit(job.ID, string(store.StatusProcessing),
			"Dispatched to "+claim.Name, job.Tags)
	}
}

// SetNow overrides the dispatcher's clock. Intended for tests.
func (d *Dispatcher) SetNow(now func() time.Time) {
	d.now = now
}

// target returns the job's placement directive: the exact worker name
// the job is addressed to, or "" for any worker. A leading "@" on the
// submitted target is stripped.
func (d *Dispatcher) target(job store.Job) string {
	if v, ok := d.directives.Get(job.ID); ok {
		return v.(string)
	}

	var body struct {
		Target string `json:"target"`
	}
	// The body was accepted as valid JSON at intake; a parse failure
	// here just means no directive.
	_ = json.Unmarshal([]byte(job.Body), &body)
	target := strings.TrimPrefix(body.Target, "@")

	d.directives.SetDefault(job.ID, target)
	return target
}
