package jobs

import (
	"sync"
	"time"
)

// RuntimeState is the live view of one job, safe to hand to pollers.
type RuntimeState struct {
	Name           string     `json:"name"`
	Label          string     `json:"label"`
	Running        bool       `json:"running"`
	LastMessage    string     `json:"last_message,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	LastExitCode   *int       `json:"last_exit_code,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	LastFinishedAt *time.Time `json:"last_finished_at,omitempty"`
	Log            []LogEntry `json:"log"`
}

// Tracker maintains per-job runtime state and a bounded live log for
// each job. All transitions happen under one mutex, so the busy check in
// TryStart is atomic with the transition to running.
type Tracker struct {
	mu     sync.RWMutex
	states map[string]*RuntimeState
	logCap int

	now func() time.Time
}

// NewTracker creates a tracker for the registered jobs with the given
// per-job log capacity.
func NewTracker(logCap int) *Tracker {
	t := &Tracker{
		states: make(map[string]*RuntimeState),
		logCap: logCap,
		now:    time.Now,
	}
	for _, def := range Definitions() {
		t.states[def.Name] = &RuntimeState{
			Name:  def.Name,
			Label: def.Label,
			Log:   []LogEntry{},
		}
	}
	return t
}

// TryStart atomically transitions the named job from idle to running.
// It returns ErrUnknownJob for unregistered names and ErrJobBusy when
// the job is already running.
func (t *Tracker) TryStart(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[name]
	if !ok {
		return ErrUnknownJob
	}
	if st.Running {
		return ErrJobBusy
	}

	now := t.now()
	st.Running = true
	st.StartedAt = &now
	return nil
}

// Finish transitions the named job back to idle and records the exit
// code. last_error is untouched; a failing run sets it via SetError and
// a successful run clears it via ClearError.
func (t *Tracker) Finish(name string, exitCode int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[name]
	if !ok {
		return
	}

	now := t.now()
	code := exitCode
	st.Running = false
	st.StartedAt = nil
	st.LastFinishedAt = &now
	st.LastExitCode = &code
}

// SetError records a failure: last_error and last_message both carry the
// message, and it lands in the live log.
func (t *Tracker) SetError(name, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[name]
	if !ok {
		return
	}
	st.LastError = message
	st.LastMessage = message
	t.appendLocked(st, message)
}

// ClearError wipes the job's last_error after a successful run.
func (t *Tracker) ClearError(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if st, ok := t.states[name]; ok {
		st.LastError = ""
	}
}

// SetMessage updates the job's last status message and appends it to the
// live log.
func (t *Tracker) SetMessage(name, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[name]
	if !ok {
		return
	}
	st.LastMessage = message
	t.appendLocked(st, message)
}

// AppendLog appends a line to the job's live log without touching the
// status message.
func (t *Tracker) AppendLog(name, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if st, ok := t.states[name]; ok {
		t.appendLocked(st, message)
	}
}

// appendLocked prepends the entry (newest first) and evicts beyond cap.
// Caller holds t.mu.
func (t *Tracker) appendLocked(st *RuntimeState, message string) {
	entry := LogEntry{Time: t.now(), Message: message}
	st.Log = append([]LogEntry{entry}, st.Log...)
	if t.logCap > 0 && len(st.Log) > t.logCap {
		st.Log = st.Log[:t.logCap]
	}
}

// Running reports whether the named job is currently executing.
func (t *Tracker) Running(name string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st, ok := t.states[name]
	return ok && st.Running
}

// Snapshot returns a deep copy of one job's state, or false for unknown
// names.
func (t *Tracker) Snapshot(name string) (RuntimeState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st, ok := t.states[name]
	if !ok {
		return RuntimeState{}, false
	}
	return cloneState(st), true
}

// SnapshotAll returns deep copies of every job's state keyed by name.
func (t *Tracker) SnapshotAll() map[string]RuntimeState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]RuntimeState, len(t.states))
	for name, st := range t.states {
		out[name] = cloneState(st)
	}
	return out
}

func cloneState(st *RuntimeState) RuntimeState {
	clone := *st
	clone.Log = make([]LogEntry, len(st.Log))
	copy(clone.Log, st.Log)
	if st.LastExitCode != nil {
		code := *st.LastExitCode
		clone.LastExitCode = &code
	}
	if st.StartedAt != nil {
		ts := *st.StartedAt
		clone.StartedAt = &ts
	}
	if st.LastFinishedAt != nil {
		ts := *st.LastFinishedAt
		clone.LastFinishedAt = &ts
	}
	return clone
}
