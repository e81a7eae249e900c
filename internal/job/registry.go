// Package job tracks synthesis jobs: a small state machine per job, a
// deadline timer that fires cooperative cancellation, and ingestion of
// job/progress notifications forwarded from the workers.
package job

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cantoria/cantoria/internal/fault"
)

// State is a job lifecycle state.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateDone      State = "done"
	StateCancelled State = "cancelled"
	StateError     State = "error"
)

// IsValid reports whether s is a recognised state.
func (s State) IsValid() bool {
	switch s {
	case StateQueued, StateRunning, StateDone, StateCancelled, StateError:
		return true
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s State) Terminal() bool {
	return s == StateDone || s == StateCancelled || s == StateError
}

// transitions is the authoritative edge set of the state machine.
var transitions = map[State][]State{
	StateQueued:  {StateRunning, StateCancelled, StateError},
	StateRunning: {StateDone, StateCancelled, StateError},
}

func canTransition(from, to State) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// DefaultDeadline is the synthesis deadline.
const DefaultDeadline = 900 * time.Second

// Snapshot is a point-in-time copy of a job, safe to hold.
type Snapshot struct {
	ID            string
	SessionID     string
	UserID        string
	State         State
	Step          string
	Progress      float64
	Message       string
	CreatedAt     time.Time
	Deadline      time.Time
	ReservationID string
	OutputPath    string
	OutputMIME    string
	CancelReason  string
	ErrKind       fault.Kind
	ErrMessage    string
}

// record is the registry's mutable job state.
type record struct {
	snap     Snapshot
	timer    *time.Timer
	cancelCh chan struct{}
}

// Registry owns all jobs. All transitions go through its methods.
type Registry struct {
	deadline time.Duration
	logger   *slog.Logger
	clock    func() time.Time

	mu   sync.Mutex
	jobs map[string]*record
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithDeadline overrides the per-job deadline.
func WithDeadline(d time.Duration) RegistryOption {
	return func(r *Registry) { r.deadline = d }
}

// WithClock substitutes the time source.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.clock = now }
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		deadline: DefaultDeadline,
		logger:   slog.Default().With("component", "jobregistry"),
		clock:    time.Now,
		jobs:     make(map[string]*record),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Create registers a queued job and arms its deadline timer. An empty
// reservationID defaults to the job id, matching the ledger's convention
// that a reservation is keyed by the job it backs.
func (r *Registry) Create(sessionID, userID, reservationID string) Snapshot {
	now := r.clock()
	id := uuid.NewString()
	if reservationID == "" {
		reservationID = id
	}
	snap := Snapshot{
		ID:            id,
		SessionID:     sessionID,
		UserID:        userID,
		State:         StateQueued,
		Step:          "queued",
		CreatedAt:     now,
		Deadline:      now.Add(r.deadline),
		ReservationID: reservationID,
	}
	rec := &record{snap: snap, cancelCh: make(chan struct{})}
	rec.timer = time.AfterFunc(r.deadline, func() {
		r.Cancel(snap.ID, "deadline")
	})

	r.mu.Lock()
	r.jobs[snap.ID] = rec
	r.mu.Unlock()

	r.logger.Info("job created", "job_id", snap.ID, "session_id", sessionID, "deadline", snap.Deadline)
	return snap
}

// Start moves a queued job to running.
func (r *Registry) Start(id string) error {
	return r.transition(id, StateRunning, func(s *Snapshot) {
		s.Step = "starting"
	})
}

// Complete moves a running job to done with its output reference.
func (r *Registry) Complete(id, outputPath, mime string) error {
	return r.transition(id, StateDone, func(s *Snapshot) {
		s.Progress = 1
		s.Step = "done"
		s.OutputPath = outputPath
		s.OutputMIME = mime
	})
}

// Fail moves a job to error, recording the fault kind and message.
func (r *Registry) Fail(id string, cause error) error {
	return r.transition(id, StateError, func(s *Snapshot) {
		s.ErrKind = fault.KindOf(cause)
		s.ErrMessage = fault.MessageOf(cause)
	})
}

// Cancel moves a queued or running job to cancelled. Cancelling an unknown
// or already-terminal job is a no-op: cancellation is idempotent.
func (r *Registry) Cancel(id, reason string) {
	err := r.transition(id, StateCancelled, func(s *Snapshot) {
		s.CancelReason = reason
	})
	if err == nil {
		r.logger.Info("job cancelled", "job_id", id, "reason", reason)
	}
}

// transition applies one state-machine edge under the lock. apply mutates
// the snapshot after the edge is validated.
func (r *Registry) transition(id string, to State, apply func(*Snapshot)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.jobs[id]
	if !ok {
		return fault.Newf(fault.InvalidInput, "unknown job %s", id)
	}
	from := rec.snap.State
	if !canTransition(from, to) {
		if to == StateCancelled && from.Terminal() {
			return fault.Newf(fault.Cancelled, "job %s already %s", id, from)
		}
		return fault.Newf(fault.Internal, "invalid job transition %s -> %s", from, to)
	}

	rec.snap.State = to
	if apply != nil {
		apply(&rec.snap)
	}
	if to.Terminal() {
		rec.timer.Stop()
		close(rec.cancelCh)
	}
	return nil
}

// Get returns a snapshot of the job.
func (r *Registry) Get(id string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok {
		return Snapshot{}, false
	}
	return rec.snap, true
}

// CancelSignal returns a channel closed when the job reaches a terminal
// state. The background synthesis task selects on it between steps; long
// tool calls are not aborted mid-flight.
func (r *Registry) CancelSignal(id string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.jobs[id]
	if !ok {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return rec.cancelCh
}

// Cancelled reports whether the job was cancelled (explicitly or by
// deadline).
func (r *Registry) Cancelled(id string) bool {
	snap, ok := r.Get(id)
	return ok && snap.State == StateCancelled
}

// progressEvent is the job/progress notification payload.
type progressEvent struct {
	JobID    string  `json:"job_id"`
	Step     string  `json:"step"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message"`
}

// ApplyProgress ingests one job/progress notification. Events for unknown
// or terminal jobs are dropped; progress never moves backwards (late
// updates with lower values are clamped to the current one).
func (r *Registry) ApplyProgress(params json.RawMessage) {
	var ev progressEvent
	if err := json.Unmarshal(params, &ev); err != nil || ev.JobID == "" {
		r.logger.Warn("malformed progress event", "err", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.jobs[ev.JobID]
	if !ok || rec.snap.State.Terminal() {
		return
	}
	if ev.Step != "" {
		rec.snap.Step = ev.Step
	}
	if ev.Message != "" {
		rec.snap.Message = ev.Message
	}
	if p := min(max(ev.Progress, 0), 1); p > rec.snap.Progress {
		rec.snap.Progress = p
	}
}

// Remove drops a terminal job from the registry. Live jobs are kept.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.jobs[id]; ok && rec.snap.State.Terminal() {
		delete(r.jobs, id)
	}
}
