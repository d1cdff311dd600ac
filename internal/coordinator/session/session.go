// Package session serves the /ws endpoint: it upgrades the connection,
// registers the client, and runs the per-session pump and reader until
// either side fails.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/neuragrid/neuragrid/internal/coordinator/dispatch"
	"github.com/neuragrid/neuragrid/internal/coordinator/event"
	"github.com/neuragrid/neuragrid/internal/coordinator/registry"
	"github.com/neuragrid/neuragrid/internal/coordinator/store"
	"github.com/neuragrid/neuragrid/internal/metrics"
)

// WelcomeFrame is sent once to every client right after registration.
const WelcomeFrame = "Welcome to NeuraGrid"

// earningsPrefix marks a worker-accounting sidechannel message of the
// form "Earnings Update: <float>".
const earningsPrefix = "Earnings Update: "

// Handler upgrades inbound connections and runs their session loops.
type Handler struct {
	reg          *registry.Registry
	store        *store.Store
	disp         *dispatch.Dispatcher
	events       *event.Plane
	pingInterval time.Duration
	shutdownCh   <-chan struct{}
	log          *slog.Logger
}

// NewHandler wires a session handler. shutdownCh may be nil; when it is
// closed, new upgrades are rejected.
func NewHandler(reg *registry.Registry, st *store.Store, disp *dispatch.Dispatcher, events *event.Plane, pingInterval time.Duration, shutdownCh <-chan struct{}) *Handler {
	return &Handler{
		reg:          reg,
		store:        st,
		disp:         disp,
		events:       events,
		pingInterval: pingInterval,
		shutdownCh:   shutdownCh,
		log:          slog.With("component", "session"),
	}
}

// ServeHTTP handles GET /ws?name=<name>.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.shutdownCh != nil {
		select {
		case <-h.shutdownCh:
			http.Error(w, "coordinator is shutting down", http.StatusServiceUnavailable)
			return
		default:
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Debug("ws accept failed", "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	sess := registry.NewSession(r.URL.Query().Get("name"))
	h.reg.Add(sess)
	h.log.Info("client connected", "name", sess.Name, "role", sess.Role.String())

	// One-shot welcome, then give the dispatcher a chance to use the
	// new worker for anything already queued.
	sess.TrySend(WelcomeFrame)
	h.disp.Poke()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		h.pump(ctx, conn, sess)
		cancel() // pump death tears down the reader
	}()

	h.read(ctx, conn, sess)

	// Either side is gone: stop the sibling, drop the registration.
	cancel()
	sess.Close()
	<-pumpDone
	h.reg.Remove(sess.Handle)
	h.log.Info("client disconnected", "name", sess.Name)
}

// pump drains the session's outbound queue onto the wire and emits the
// keepalive ping. Any write failure ends the session.
func (h *Handler) pump(ctx context.Context, conn *websocket.Conn, sess *registry.Session) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-sess.Outbound():
			if !ok {
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
				h.log.Debug("write failed", "name", sess.Name, "error", err)
				return
			}
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, h.pingInterval)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				h.log.Debug("ping failed", "name", sess.Name, "error", err)
				return
			}
		}
	}
}

// read consumes inbound frames until the connection drops.
func (h *Handler) read(ctx context.Context, conn *websocket.Conn, sess *registry.Session) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		h.handleFrame(ctx, sess, string(data))
	}
}

// statusUpdate is the JSON shape a worker sends to advertise its
// availability policy.
type statusUpdate struct {
	Type       string   `json:"type"`
	SilentMode bool     `json:"silent_mode"`
	Schedule   [][]bool `json:"schedule"`
}

// handleFrame classifies one inbound text frame. Observer frames are
// logged and ignored; worker frames are matched against the policy
// message, the completion token scan, and the earnings sidechannel.
func (h *Handler) handleFrame(ctx context.Context, sess *registry.Session, text string) {
	if sess.Role != registry.RoleWorker {
		h.log.Debug("ignoring observer frame", "name", sess.Name, "frame", text)
		return
	}

	if u, ok := parseStatusUpdate(text); ok {
		h.reg.SetPolicy(sess.Handle, policyFromUpdate(u))
		h.touch(ctx, sess.Name)
		h.log.Info("worker policy updated", "name", sess.Name, "silent", u.SilentMode)
		h.disp.Poke()
		return
	}

	lower := strings.ToLower(text)
	if strings.Contains(lower, "completed") || strings.Contains(lower, "finished") {
		h.handleCompletion(ctx, sess, lower)
		return
	}

	if strings.HasPrefix(text, earningsPrefix) {
		h.handleEarnings(ctx, sess, text)
		return
	}

	h.log.Debug("unhandled frame", "name", sess.Name, "frame", text)
}

// handleCompletion flips the worker back to idle, settles the job it
// was assigned (when tracked), and re-triggers dispatch.
func (h *Handler) handleCompletion(ctx context.Context, sess *registry.Session, lower string) {
	jobID := h.reg.FinishJob(sess.Handle)

	status := store.StatusCompleted
	if strings.Contains(lower, "fail") {
		status = store.StatusFailed
	}

	var tags []string
	if jobID != "" {
		if err := h.store.SetStatus(ctx, jobID, status); err != nil {
			h.log.Error("settle job", "job_id", jobID, "error", err)
		}
		if job, err := h.store.Get(ctx, jobID); err == nil {
			tags = job.Tags
		}
	}
	h.touch(ctx, sess.Name)

	metrics.JobsReportedTotal.WithLabelValues(string(status)).Inc()
	h.log.Info("worker reported job done", "name", sess.Name, "job_id", jobID, "status", status)

	message := "Worker " + sess.Name + " reported " + string(status)
	h.events.Emit(jobID, string(status), message, tags)
	h.disp.Poke()
}

// handleEarnings records the worker-accounting sidechannel message.
func (h *Handler) handleEarnings(ctx context.Context, sess *registry.Session, text string) {
	raw := strings.TrimSpace(strings.TrimPrefix(text, earningsPrefix))
	earnings, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		h.log.Warn("malformed earnings update", "name", sess.Name, "frame", text)
		return
	}
	if err := h.store.UpsertEarnings(ctx, sess.Name, earnings); err != nil {
		h.log.Error("record earnings", "name", sess.Name, "error", err)
		return
	}
	h.log.Debug("earnings recorded", "name", sess.Name, "earnings", earnings)
}

func (h *Handler) touch(ctx context.Context, name string) {
	if err := h.store.TouchWorker(ctx, name); err != nil {
		h.log.Debug("touch worker", "name", name, "error", err)
	}
}

// parseStatusUpdate accepts only a JSON object announcing itself as a
// status_update; everything else falls through to the substring scan.
func parseStatusUpdate(text string) (statusUpdate, bool) {
	var u statusUpdate
	if err := json.Unmarshal([]byte(text), &u); err != nil {
		return statusUpdate{}, false
	}
	if u.Type != "status_update" {
		return statusUpdate{}, false
	}
	return u, true
}

// policyFromUpdate converts the wire schedule (up to 7 rows of up to 24
// cells) into the fixed grid. Missing cells default to inactive.
func policyFromUpdate(u statusUpdate) *registry.Policy {
	p := &registry.Policy{SilentMode: u.SilentMode}
	for d := 0; d < len(u.Schedule) && d < 7; d++ {
		for hr := 0; hr < len(u.Schedule[d]) && hr < 24; hr++ {
			p.Schedule[d][hr] = u.Schedule[d][hr]
		}
	}
	return p
}
