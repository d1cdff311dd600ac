// Package registry tracks live client sessions and owns the worker
// availability state the dispatcher selects against.
//
// A single mutex serializes all mutations. Critical sections never
// cross a channel send or any other suspension point: callers claim a
// worker under the lock, then perform the actual send after release.
package registry

import (
	"sync"
	"time"

	"github.com/neuragrid/neuragrid/internal/metrics"
)

// Registry is the process-wide table of connected sessions. Thread-safe.
type Registry struct {
	mu       sync.Mutex
	order    []*Session // insertion order; dispatch tie-breaker
	byHandle map[string]*Session
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		byHandle: make(map[string]*Session),
	}
}

// Add registers a session. Names are not required to be unique; lookups
// by name resolve to the earliest-connected match.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.order = append(r.order, s)
	r.byHandle[s.Handle] = s

	if s.Role == RoleWorker {
		metrics.ConnectedWorkers.Inc()
	} else {
		metrics.ConnectedObservers.Inc()
	}
}

// Remove deletes a session by handle and returns it, or nil when the
// handle is unknown (e.g. already removed by the peer goroutine).
func (r *Registry) Remove(handle string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byHandle[handle]
	if !ok {
		return nil
	}
	delete(r.byHandle, handle)
	for i, cur := range r.order {
		if cur == s {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	if s.Role == RoleWorker {
		metrics.ConnectedWorkers.Dec()
	} else {
		metrics.ConnectedObservers.Dec()
	}
	return s
}

// Snapshot returns the sessions in insertion order.
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, len(r.order))
	copy(out, r.order)
	return out
}

// FindByName returns the earliest-connected session with the given
// name, or nil.
func (r *Registry) FindByName(name string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.order {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Observers returns all observer sessions in insertion order.
func (r *Registry) Observers() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Session
	for _, s := range r.order {
		if s.Role == RoleObserver {
			out = append(out, s)
		}
	}
	return out
}

// WorkerView is a point-in-time copy of a worker session's state for
// read-only listings.
type WorkerView struct {
	Name   string
	Status WorkerStatus
}

// WorkerViews returns a copy of every worker session's name and status
// in insertion order.
func (r *Registry) WorkerViews() []WorkerView {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []WorkerView
	for _, s := range r.order {
		if s.Role == RoleWorker {
			out = append(out, WorkerView{Name: s.Name, Status: s.status})
		}
	}
	return out
}

// WorkerCount returns the number of connected worker sessions.
func (r *Registry) WorkerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.order {
		if s.Role == RoleWorker {
			n++
		}
	}
	return n
}

// Claim is the dispatcher's hold on a worker: the status flip already
// happened under the registry lock, and the session handle lets the
// caller send (and, on failure, release) outside it.
type Claim struct {
	Handle string
	Name   string
	sess   *Session
}

// Send enqueues a frame on the claimed worker's outbound queue.
func (c *Claim) Send(frame string) bool {
	return c.sess.TrySend(frame)
}

// ClaimWorker scans workers in insertion order and atomically flips the
// first eligible one to busy. A worker is eligible when it is idle,
// matches the target name (when target is non-empty), and its policy —
// if any — permits work at now. Returns nil when no worker qualifies.
func (r *Registry) ClaimWorker(target string, now time.Time) *Claim {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.order {
		if s.Role != RoleWorker || s.status != StatusIdle {
			continue
		}
		if target != "" && s.Name != target {
			continue
		}
		if !s.policy.ActiveAt(now) {
			continue
		}
		s.status = StatusBusy
		return &Claim{Handle: s.Handle, Name: s.Name, sess: s}
	}
	return nil
}

// Release reverts a claimed worker to idle, e.g. after a failed send or
// a lost store race. Unknown handles are ignored (the session may have
// disconnected in the meantime).
func (r *Registry) Release(handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byHandle[handle]; ok && s.Role == RoleWorker {
		s.status = StatusIdle
		s.lastJobID = ""
	}
}

// RecordAssignment remembers the job most recently sent to a worker so
// a later completion report can reference it.
func (r *Registry) RecordAssignment(handle, jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byHandle[handle]; ok {
		s.lastJobID = jobID
	}
}

// FinishJob flips a worker back to idle and returns the id of the job
// it was assigned, or "" when none was tracked.
func (r *Registry) FinishJob(handle string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byHandle[handle]
	if !ok {
		return ""
	}
	jobID := s.lastJobID
	s.lastJobID = ""
	s.status = StatusIdle
	return jobID
}

// SetPolicy installs (or clears, with nil) a worker's availability policy.
func (r *Registry) SetPolicy(handle string, p *Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byHandle[handle]; ok {
		s.policy = p
	}
}
