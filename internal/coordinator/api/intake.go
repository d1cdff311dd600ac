// Package api implements the coordinator's HTTP surface: job intake
// and the read-only query endpoints backing the dashboard.
package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/neuragrid/neuragrid/internal/coordinator/dispatch"
	"github.com/neuragrid/neuragrid/internal/coordinator/event"
	"github.com/neuragrid/neuragrid/internal/coordinator/store"
	"github.com/neuragrid/neuragrid/internal/metrics"
)

// maxJobBody bounds the submission payload.
const maxJobBody = 1 << 20 // 1MB

// Intake accepts job submissions.
type Intake struct {
	store     *store.Store
	disp      *dispatch.Dispatcher
	events    *event.Plane
	sanitizer *bluemonday.Policy
	log       *slog.Logger
}

// NewIntake wires the POST /job handler.
func NewIntake(st *store.Store, disp *dispatch.Dispatcher, events *event.Plane) *Intake {
	return &Intake{
		store:     st,
		disp:      disp,
		events:    events,
		sanitizer: bluemonday.StrictPolicy(),
		log:       slog.With("component", "intake"),
	}
}

// submission is the advisory shape pulled out of the raw body. The body
// itself is stored and forwarded verbatim; unknown job types still
// enter the queue.
type submission struct {
	JobType string   `json:"job_type"`
	Tags    []string `json:"tags"`
}

// ServeHTTP handles POST /job. The only rejection is malformed JSON;
// everything else is accepted, persisted as pending, and handed to the
// dispatcher.
func (h *Intake) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxJobBody))
	if err != nil {
		h.log.Warn("read job body", "error", err)
		respondText(w, http.StatusOK, "Invalid JSON")
		return
	}

	if !json.Valid(body) {
		respondText(w, http.StatusOK, "Invalid JSON")
		return
	}

	var sub submission
	_ = json.Unmarshal(body, &sub) // advisory fields only; arrays etc. just yield zero values
	if sub.JobType == "" {
		sub.JobType = "unknown"
	}

	job := &store.Job{
		ID:     uuid.NewString(),
		Body:   string(body),
		Type:   sub.JobType,
		Status: store.StatusPending,
		Tags:   h.sanitizeTags(sub.Tags),
	}

	if err := h.store.Insert(r.Context(), job); err != nil {
		// Best-effort intake: the submitter is still told the job was
		// queued, but without a row there is nothing to dispatch.
		h.log.Error("persist job", "job_id", job.ID, "error", err)
		respondText(w, http.StatusOK, "Job "+job.ID+" queued")
		return
	}

	metrics.JobsSubmittedTotal.Inc()
	h.log.Info("job queued", "job_id", job.ID, "type", job.Type, "tags", job.Tags)

	h.events.Emit(job.ID, string(store.StatusPending), "Job queued", job.Tags)
	h.disp.Poke()

	respondText(w, http.StatusOK, "Job "+job.ID+" queued")
}

// sanitizeTags strips any markup out of submitter-controlled tags
// before they are stored and rebroadcast to dashboards.
func (h *Intake) sanitizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if clean := h.sanitizer.Sanitize(t); clean != "" {
			out = append(out, clean)
		}
	}
	return out
}
