package api

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/neuragrid/neuragrid/internal/coordinator/registry"
	"github.com/neuragrid/neuragrid/internal/coordinator/store"
)

// Query serves the read-only dashboard endpoints.
type Query struct {
	reg   *registry.Registry
	store *store.Store
	log   *slog.Logger
}

// NewQuery wires the /api/* read endpoints.
func NewQuery(reg *registry.Registry, st *store.Store) *Query {
	return &Query{
		reg:   reg,
		store: st,
		log:   slog.With("component", "query"),
	}
}

// Stats is the GET /api/stats response shape.
type Stats struct {
	ActiveWorkers int     `json:"activeWorkers"`
	TotalTflops   float64 `json:"totalTflops"`
	JobsCompleted int     `json:"jobsCompleted"`
}

// HandleStats serves GET /api/stats. The TFLOPS and completed-job
// figures are placeholder arithmetic on the worker count, kept until
// real measurements exist.
func (h *Query) HandleStats(w http.ResponseWriter, r *http.Request) {
	n := h.reg.WorkerCount()
	respondJSON(w, http.StatusOK, Stats{
		ActiveWorkers: n,
		TotalTflops:   float64(n) * 45.5,
		JobsCompleted: 14203 + n*12,
	})
}

// WorkerInfo is one record of the GET /api/workers response.
type WorkerInfo struct {
	ID       string `json:"id"`
	Hostname string `json:"hostname"`
	IP       string `json:"ip"`
	GPU      string `json:"gpu"`
	Status   string `json:"status"`
	Task     string `json:"task"`
}

// HandleWorkers serves GET /api/workers: one record per connected
// worker session, with ids, addresses and GPU labels synthesized from
// the session index.
func (h *Query) HandleWorkers(w http.ResponseWriter, r *http.Request) {
	views := h.reg.WorkerViews()
	workers := make([]WorkerInfo, 0, len(views))
	for i, v := range views {
		gpu := "RTX 4090"
		if i%2 != 0 {
			gpu = "A100"
		}
		workers = append(workers, WorkerInfo{
			ID:       fmt.Sprintf("w%d", i),
			Hostname: v.Name,
			IP:       fmt.Sprintf("192.168.1.1%02d", i),
			GPU:      gpu,
			Status:   v.Status.String(),
			Task:     "Prime Search",
		})
	}
	respondJSON(w, http.StatusOK, workers)
}

// HandleQueue serves GET /api/queue: a histogram of pending-job tags.
func (h *Query) HandleQueue(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.PendingTagCounts(r.Context())
	if err != nil {
		h.log.Error("pending tag counts", "error", err)
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "queue unavailable"})
		return
	}
	respondJSON(w, http.StatusOK, counts)
}
