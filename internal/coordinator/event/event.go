// Package event fans job lifecycle updates out to observer sessions.
//
// Each observer has its own bounded queue, so a slow dashboard cannot
// stall the dispatcher or starve other observers: a full queue drops
// the event for that observer only.
package event

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/neuragrid/neuragrid/internal/coordinator/registry"
	"github.com/neuragrid/neuragrid/internal/metrics"
)

// Payload is the body of a job_update event.
type Payload struct {
	ID        string   `json:"id"`
	Timestamp int64    `json:"timestamp"` // epoch milliseconds
	Message   string   `json:"message"`
	Status    string   `json:"status"` // pending, processing, completed, failed
	Tags      []string `json:"tags,omitempty"`
}

// Update is the wire shape delivered to observers.
type Update struct {
	Type    string  `json:"type"` // always "job_update"
	Payload Payload `json:"payload"`
}

// Plane broadcasts updates to the registry's observer sessions. Workers
// never receive lifecycle events.
type Plane struct {
	reg *registry.Registry
	log *slog.Logger
}

// New creates an event plane over the given registry.
func New(reg *registry.Registry) *Plane {
	return &Plane{
		reg: reg,
		log: slog.With("component", "events"),
	}
}

// Emit renders the update and enqueues it on every observer's outbound
// queue. Delivery is best-effort per observer.
func (p *Plane) Emit(jobID, status, message string, tags []string) {
	u := Update{
		Type: "job_update",
		Payload: Payload{
			ID:        jobID,
			Timestamp: time.Now().UnixMilli(),
			Message:   message,
			Status:    status,
			Tags:      tags,
		},
	}

	frame, err := json.Marshal(u)
	if err != nil {
		p.log.Error("marshal event", "job_id", jobID, "error", err)
		return
	}

	for _, obs := range p.reg.Observers() {
		if !obs.TrySend(string(frame)) {
			metrics.FramesDroppedTotal.WithLabelValues("event").Inc()
			p.log.Warn("observer queue full, dropping event",
				"observer", obs.Name, "job_id", jobID, "status", status)
		}
	}
}
