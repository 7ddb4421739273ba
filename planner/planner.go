// Package planner maintains the structured task list the Driver extracts
// from model output: a single active plan plus an archive of prior ones,
// with tolerant JSON and Markdown parsing and dependency/priority-aware
// task queries.
package planner

import (
	"time"

	"github.com/google/uuid"
)

// Status is a task's lifecycle state.
type Status int

const (
	Pending Status = iota
	InProgress
	Completed
	Failed
	Skipped
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case InProgress:
		return "in_progress"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	default:
		return "pending"
	}
}

// ParseStatus maps the wire status strings the spec names to Status. An
// unrecognized string maps to Pending, matching the tolerant-parsing
// contract: a malformed status never aborts the whole plan update.
func ParseStatus(s string) Status {
	switch s {
	case "pending":
		return Pending
	case "in_progress":
		return InProgress
	case "completed":
		return Completed
	case "cancelled", "skipped":
		return Skipped
	default:
		return Pending
	}
}

// Priority orders tasks when more than one is Startable; lower numeric
// value runs first.
type Priority int

const (
	Critical Priority = iota
	High
	Medium
	Low
)

// Task is one item in a Plan.
type Task struct {
	ID           string
	Description  string
	Status       Status
	Priority     Priority
	Dependencies map[string]bool
	PreferredTool string
	Result       string

	seq int // insertion order, for next-task tie-breaking
}

// Startable reports whether every dependency of t is Completed in plan.
func (t Task) Startable(plan *Plan) bool {
	for dep := range t.Dependencies {
		depTask, ok := plan.byID[dep]
		if !ok || depTask.Status != Completed {
			return false
		}
	}
	return true
}

// Plan is the ordered task list for one run, plus bookkeeping timestamps.
type Plan struct {
	ID      string
	Goal    string
	Tasks   []Task
	Created time.Time
	Updated time.Time

	byID map[string]*Task
}

func newPlan(goal string) *Plan {
	return &Plan{
		ID:      uuid.NewString(),
		Goal:    goal,
		Created: time.Now(),
		Updated: time.Now(),
		byID:    make(map[string]*Task),
	}
}

func (p *Plan) reindex() {
	p.byID = make(map[string]*Task, len(p.Tasks))
	for i := range p.Tasks {
		p.byID[p.Tasks[i].ID] = &p.Tasks[i]
	}
}

// ProgressFraction returns (Completed+Skipped)/total, or 1.0 for an empty
// plan (nothing left to do is complete by definition).
func (p *Plan) ProgressFraction() float64 {
	if len(p.Tasks) == 0 {
		return 1.0
	}
	done := 0
	for _, t := range p.Tasks {
		if t.Status == Completed || t.Status == Skipped {
			done++
		}
	}
	return float64(done) / float64(len(p.Tasks))
}

// NextTask returns the task the Driver should work on next: the first
// InProgress task if one exists, else the lowest-priority-number Pending
// task whose dependencies are all Completed, tie-broken by insertion
// order. Returns (Task{}, false) if nothing is runnable.
func (p *Plan) NextTask() (Task, bool) {
	for _, t := range p.Tasks {
		if t.Status == InProgress {
			return t, true
		}
	}

	var best *Task
	for i := range p.Tasks {
		t := &p.Tasks[i]
		if t.Status != Pending || !t.Startable(p) {
			continue
		}
		if best == nil || t.Priority < best.Priority || (t.Priority == best.Priority && t.seq < best.seq) {
			best = t
		}
	}
	if best == nil {
		return Task{}, false
	}
	return *best, true
}

// Manager owns the single active Plan and an archive of completed/replaced
// ones, per run.
type Manager struct {
	active  *Plan
	archive []*Plan
}

// NewManager creates an empty Manager with no active plan.
func NewManager() *Manager {
	return &Manager{}
}

// Current returns the active plan, or nil if none has been set.
func (m *Manager) Current() *Plan {
	return m.active
}

// Archive returns prior plans, oldest first.
func (m *Manager) Archive() []*Plan {
	return m.archive
}

// replaceActive archives the current active plan (if any) and installs p.
func (m *Manager) replaceActive(p *Plan) {
	if m.active != nil {
		m.archive = append(m.archive, m.active)
	}
	m.active = p
}
