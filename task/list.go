package task

import (
	"context"
	"sort"

	"github.com/GoCodeAlone/conductor/contract"
)

// ListTasksInput filters and pages the task list. Empty filters match all.
type ListTasksInput struct {
	Status       Status       `json:"status,omitempty"`
	AssigneeType AssigneeType `json:"assigneeType,omitempty"`
	AssigneeID   string       `json:"assigneeId,omitempty"`
	SessionID    string       `json:"sessionId,omitempty"`
	RunID        string       `json:"runId,omitempty"`
	Cursor       string       `json:"cursor,omitempty"`
	Limit        int          `json:"limit,omitempty"`
}

// TaskPage is one page of tasks, newest update first.
type TaskPage struct {
	Items      []*Task `json:"items"`
	NextCursor string  `json:"nextCursor,omitempty"`
	TotalCount int     `json:"totalCount"`
}

// ListEventsInput filters and pages the event log.
type ListEventsInput struct {
	TaskID    string    `json:"taskId,omitempty"`
	EventType EventType `json:"eventType,omitempty"`
	Cursor    string    `json:"cursor,omitempty"`
	Limit     int       `json:"limit,omitempty"`
}

// EventPage is one page of events in sequence order.
type EventPage struct {
	Items      []*Event `json:"items"`
	NextCursor string   `json:"nextCursor,omitempty"`
	TotalCount int      `json:"totalCount"`
}

func (in ListTasksInput) matches(t *Task) bool {
	return (in.Status == "" || t.Status == in.Status) &&
		(in.AssigneeType == "" || t.AssigneeType == in.AssigneeType) &&
		(in.AssigneeID == "" || t.AssigneeID == in.AssigneeID) &&
		(in.SessionID == "" || t.SessionID == in.SessionID) &&
		(in.RunID == "" || t.RunID == in.RunID)
}

// ListTasks returns tasks sorted by updatedAtMs descending, then taskId.
func (b *Board) ListTasks(ctx context.Context, in ListTasksInput) (TaskPage, error) {
	return contract.Run(ctx, b.pipeline, b.call(ctx, ActionListTasks), in,
		func(ctx context.Context, in ListTasksInput) (TaskPage, error) {
			all, err := b.store.ListTasks(ctx)
			if err != nil {
				return TaskPage{}, contract.AsRuntime(ActionListTasks, err)
			}
			filtered := make([]*Task, 0, len(all))
			for _, t := range all {
				if in.matches(t) {
					filtered = append(filtered, t)
				}
			}
			sort.Slice(filtered, func(i, j int) bool {
				if filtered[i].UpdatedAtMs != filtered[j].UpdatedAtMs {
					return filtered[i].UpdatedAtMs > filtered[j].UpdatedAtMs
				}
				return filtered[i].ID < filtered[j].ID
			})
			items, next, err := contract.Paginate(contract.SchemaID(ActionListTasks, ActionVersion), filtered, in.Cursor, in.Limit)
			if err != nil {
				return TaskPage{}, err
			}
			return TaskPage{Items: items, NextCursor: next, TotalCount: len(filtered)}, nil
		})
}

// ListEvents returns events in sequence order.
func (b *Board) ListEvents(ctx context.Context, in ListEventsInput) (EventPage, error) {
	return contract.Run(ctx, b.pipeline, b.call(ctx, ActionListEvents), in,
		func(ctx context.Context, in ListEventsInput) (EventPage, error) {
			all, err := b.store.ListEvents(ctx)
			if err != nil {
				return EventPage{}, contract.AsRuntime(ActionListEvents, err)
			}
			filtered := make([]*Event, 0, len(all))
			for _, e := range all {
				if (in.TaskID == "" || e.TaskID == in.TaskID) && (in.EventType == "" || e.EventType == in.EventType) {
					filtered = append(filtered, e)
				}
			}
			sort.SliceStable(filtered, func(i, j int) bool { return filtered[i].Sequence < filtered[j].Sequence })
			items, next, err := contract.Paginate(contract.SchemaID(ActionListEvents, ActionVersion), filtered, in.Cursor, in.Limit)
			if err != nil {
				return EventPage{}, err
			}
			return EventPage{Items: items, NextCursor: next, TotalCount: len(filtered)}, nil
		})
}
