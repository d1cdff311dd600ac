package registry

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/neuragrid/neuragrid/internal/coordinator/id"
)

// Role classifies a client session.
type Role int

const (
	// RoleObserver receives lifecycle events only.
	RoleObserver Role = iota

	// RoleWorker is eligible to receive job bodies.
	RoleWorker
)

func (r Role) String() string {
	if r == RoleWorker {
		return "worker"
	}
	return "observer"
}

// workerNamePrefix is the naming convention that makes a session a
// worker. A client named anything else becomes an observer and never
// receives jobs.
const workerNamePrefix = "Worker"

// RoleForName derives a session's role from its connect-time name.
func RoleForName(name string) Role {
	if strings.HasPrefix(name, workerNamePrefix) {
		return RoleWorker
	}
	return RoleObserver
}

// WorkerStatus is a worker session's dispatch availability.
type WorkerStatus int

const (
	// StatusIdle means the worker may be assigned a job.
	StatusIdle WorkerStatus = iota

	// StatusBusy means the worker has a job in flight.
	StatusBusy
)

func (s WorkerStatus) String() string {
	if s == StatusBusy {
		return "busy"
	}
	return "idle"
}

// Policy is a worker-advertised availability constraint: a silent-mode
// switch plus a weekly activity grid. A nil Policy means always-active.
type Policy struct {
	SilentMode bool
	// Schedule is indexed [weekday][hour] with Monday = 0.
	Schedule [7][24]bool
}

// ActiveAt reports whether the policy permits work at the given local time.
func (p *Policy) ActiveAt(t time.Time) bool {
	if p == nil {
		return true
	}
	if p.SilentMode {
		return false
	}
	weekday := (int(t.Weekday()) + 6) % 7 // time.Weekday counts from Sunday
	return p.Schedule[weekday][t.Hour()]
}

// OutboundCapacity bounds each session's outgoing frame queue. Overflow
// drops the frame.
const OutboundCapacity = 100

// Session is one connected client for the lifetime of its channel.
// Name and Role are fixed at handshake; status, policy and the last
// dispatched job id are guarded by the owning Registry's mutex.
type Session struct {
	Handle string
	Name   string
	Role   Role

	outbound  chan string
	closed    atomic.Bool
	closeOnce sync.Once

	// Guarded by Registry.mu.
	status    WorkerStatus
	policy    *Policy
	lastJobID string
}

// NewSession creates a session for a client that connected under the
// given name. An empty name defaults to "Unknown".
func NewSession(name string) *Session {
	if name == "" {
		name = "Unknown"
	}
	return &Session{
		Handle:   id.Generate(),
		Name:     name,
		Role:     RoleForName(name),
		outbound: make(chan string, OutboundCapacity),
	}
}

// TrySend enqueues a text frame without blocking. It returns false when
// the queue is full or the session is closed; the caller decides whether
// that is a drop or a dispatch failure.
func (s *Session) TrySend(frame string) (sent bool) {
	// Close races with concurrent senders; recover converts the
	// send-on-closed panic into a clean false.
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()

	if s.closed.Load() {
		return false
	}

	select {
	case s.outbound <- frame:
		return true
	default:
		return false
	}
}

// Outbound returns the receive side of the frame queue for the pump.
func (s *Session) Outbound() <-chan string {
	return s.outbound
}

// Close shuts the outbound queue. Safe to call multiple times and
// concurrently with TrySend.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.outbound)
	})
}
