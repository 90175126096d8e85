// Package task implements the event-sourced Task Board: task snapshots with
// optimistic-concurrency versions, a status state machine, an append-only
// event log and idempotent replay of run-link records.
package task

import (
	"maps"
	"slices"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusDone       Status = "done"
)

// Statuses lists every task status.
var Statuses = []Status{StatusTodo, StatusInProgress, StatusBlocked, StatusDone}

// transitions is the permitted status graph. A task can only leave done back
// to todo.
var transitions = map[Status][]Status{
	StatusTodo:       {StatusInProgress, StatusBlocked, StatusDone},
	StatusInProgress: {StatusTodo, StatusBlocked, StatusDone},
	StatusBlocked:    {StatusTodo, StatusInProgress, StatusDone},
	StatusDone:       {StatusTodo},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// AssigneeType identifies what kind of principal owns a task.
type AssigneeType string

const (
	AssigneeUser         AssigneeType = "user"
	AssigneeAgent        AssigneeType = "agent"
	AssigneeAgentProfile AssigneeType = "agent_profile"
)

// Task is a unit of work tracked on the board.
type Task struct {
	ID           string         `json:"taskId"`
	Title        string         `json:"title"`
	Status       Status         `json:"status"`
	AssigneeType AssigneeType   `json:"assigneeType"`
	AssigneeID   string         `json:"assigneeId"`
	SessionID    string         `json:"sessionId,omitempty"`
	RunID        string         `json:"runId,omitempty"`
	ArtifactIDs  []string       `json:"artifactIds,omitempty"`
	Priority     *int           `json:"priority,omitempty"`
	DueAtMs      *int64         `json:"dueAtMs,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Version      int            `json:"version"`
	CreatedAtMs  int64          `json:"createdAtMs"`
	UpdatedAtMs  int64          `json:"updatedAtMs"`
}

// Clone returns a deep-enough copy for handing snapshots to callers.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.ArtifactIDs = slices.Clone(t.ArtifactIDs)
	c.Metadata = maps.Clone(t.Metadata)
	if t.Priority != nil {
		p := *t.Priority
		c.Priority = &p
	}
	if t.DueAtMs != nil {
		d := *t.DueAtMs
		c.DueAtMs = &d
	}
	return &c
}

// EventType names a task event.
type EventType string

const (
	EventTaskCreated      EventType = "task_created"
	EventTaskUpdated      EventType = "task_updated"
	EventTaskTransitioned EventType = "task_transitioned"
)

// Event is one append-only entry in the board's event log.
type Event struct {
	EventID        string         `json:"eventId"`
	Sequence       int64          `json:"sequence"`
	EventType      EventType      `json:"eventType"`
	TaskID         string         `json:"taskId"`
	Version        int            `json:"version"`
	Status         Status         `json:"status"`
	PreviousStatus Status         `json:"previousStatus,omitempty"`
	ActorID        string         `json:"actorId,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	TimestampMs    int64          `json:"timestampMs"`
	Payload        map[string]any `json:"payload,omitempty"`
}

// normalizeArtifacts deduplicates and sorts artifact ids.
func normalizeArtifacts(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
