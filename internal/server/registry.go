package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/danshapiro/helixmix/internal/engine"
	"github.com/danshapiro/helixmix/internal/events"
	"github.com/danshapiro/helixmix/internal/llm"
	"github.com/danshapiro/helixmix/internal/runtime"
)

// RunState tracks a single running or finished run.
type RunState struct {
	RunID       string
	Broadcaster *Broadcaster

	// Events records the run's events for status queries.
	Events    *events.Recorder
	Cancel    func()
	StartedAt time.Time

	mu     sync.Mutex
	result engine.Result
	err    error
	done   bool
}

// SetResult records the terminal outcome of the run.
func (rs *RunState) SetResult(res engine.Result, err error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.result = res
	rs.err = err
	rs.done = true
}

// Done reports whether the run has finished.
func (rs *RunState) Done() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.done
}

// Status returns the current run status for the HTTP API.
func (rs *RunState) Status() RunStatus {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	status := RunStatus{
		RunID:     rs.RunID,
		State:     "running",
		StartedAt: rs.StartedAt,
	}
	if rs.done {
		status.State = string(rs.result.Status)
		if status.State == "" {
			status.State = string(runtime.FinalFailed)
		}
		status.SessionDir = rs.result.SessionDir
		status.FinalAnswer = rs.result.FinalAnswer
		status.Retries = rs.result.Retries
		if rs.err != nil && rs.result.Status != runtime.FinalCancelled {
			status.FailureReason = rs.err.Error()
			status.ErrorKind = string(llm.KindOf(rs.err))
		}
	}

	if rs.Events != nil {
		if phases := rs.Events.OfType(events.TypePhaseEntered); len(phases) > 0 {
			status.Phase = string(phases[len(phases)-1].Phase)
		}
		if last, ok := rs.Events.Last(); ok {
			status.LastEvent = string(last.Type)
			if !last.Time.IsZero() {
				t := last.Time
				status.LastEventAt = &t
			}
		}
	}
	return status
}

// RunRegistry tracks all runs managed by this server instance.
type RunRegistry struct {
	mu   sync.RWMutex
	runs map[string]*RunState
}

func NewRunRegistry() *RunRegistry {
	return &RunRegistry{
		runs: make(map[string]*RunState),
	}
}

// Register adds a run to the registry. Returns error if ID already exists.
func (r *RunRegistry) Register(runID string, rs *RunState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runs[runID]; exists {
		return fmt.Errorf("run %s already exists", runID)
	}
	r.runs[runID] = rs
	return nil
}

// Get returns a run by ID, or nil and false if not found.
func (r *RunRegistry) Get(runID string) (*RunState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rs, ok := r.runs[runID]
	return rs, ok
}

// List returns all run IDs.
func (r *RunRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.runs))
	for id := range r.runs {
		ids = append(ids, id)
	}
	return ids
}

// Active returns the number of runs that have not finished.
func (r *RunRegistry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, rs := range r.runs {
		if !rs.Done() {
			n++
		}
	}
	return n
}

// CancelAll cancels every run.
func (r *RunRegistry) CancelAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rs := range r.runs {
		if rs.Cancel != nil {
			rs.Cancel()
		}
	}
}
