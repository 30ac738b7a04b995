// Package progress tracks coarse per-session execution milestones for
// polling clients. Records live only as long as the process; losing them on
// restart is accepted. Reporting is fire and forget: no method returns an
// error, and a nil Tracker is safe to call.
package progress

import (
	"slices"
	"sync"
	"time"
)

type Status string

const (
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusTimeout      Status = "timeout"
	StatusLimitReached Status = "limit_reached"
)

type StepEvent struct {
	At          time.Time `json:"at"`
	Description string    `json:"description"`
}

// Record is the ephemeral progress state for one session.
type Record struct {
	SessionID     string      `json:"session_id"`
	Status        Status      `json:"status"`
	Iteration     int         `json:"iteration"`
	MaxIterations int         `json:"max_iterations"`
	CurrentStep   string      `json:"current_step"`
	Steps         []StepEvent `json:"steps"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

type Tracker struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewTracker() *Tracker {
	return &Tracker{records: make(map[string]*Record)}
}

func (t *Tracker) record(sessionID string) *Record {
	r, ok := t.records[sessionID]
	if !ok {
		r = &Record{SessionID: sessionID, Status: StatusRunning}
		t.records[sessionID] = r
	}
	return r
}

// Step records a named milestone and makes it the current step.
func (t *Tracker) Step(sessionID, description string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.record(sessionID)
	now := time.Now()
	r.CurrentStep = description
	r.Steps = append(r.Steps, StepEvent{At: now, Description: description})
	r.UpdatedAt = now
}

// SetIteration updates the loop position shown to pollers.
func (t *Tracker) SetIteration(sessionID string, n, maxIterations int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.record(sessionID)
	r.Iteration = n
	r.MaxIterations = maxIterations
	r.UpdatedAt = time.Now()
}

// Finish marks the session's run terminal. A new Step call starts a fresh
// running record for the next turn.
func (t *Tracker) Finish(sessionID string, status Status) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.record(sessionID)
	r.Status = status
	r.UpdatedAt = time.Now()
}

// Reset starts a fresh running record for a session, keeping nothing from
// the previous turn.
func (t *Tracker) Reset(sessionID string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[sessionID] = &Record{
		SessionID: sessionID,
		Status:    StatusRunning,
		UpdatedAt: time.Now(),
	}
}

// Snapshot returns a copy of the session's record.
func (t *Tracker) Snapshot(sessionID string) (Record, bool) {
	if t == nil {
		return Record{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[sessionID]
	if !ok {
		return Record{}, false
	}
	out := *r
	out.Steps = slices.Clone(r.Steps)
	return out, true
}

// Drop discards a session's record, typically on session delete.
func (t *Tracker) Drop(sessionID string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, sessionID)
}
