package task

import (
	"context"

	"github.com/GoCodeAlone/conductor/contract"
)

// ReplayRecord is one run-link record. ReplayKey is the idempotence key:
// once applied it is remembered and later replays are no-ops.
type ReplayRecord struct {
	ReplayKey    string         `json:"replayKey"`
	TaskID       string         `json:"taskId"`
	Title        string         `json:"title"`
	AssigneeType AssigneeType   `json:"assigneeType"`
	AssigneeID   string         `json:"assigneeId"`
	ToStatus     Status         `json:"toStatus"`
	SessionID    string         `json:"sessionId,omitempty"`
	RunID        string         `json:"runId,omitempty"`
	ActorID      string         `json:"actorId,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// ReplayStatus is the per-record result of a replay.
type ReplayStatus string

const (
	ReplayLinked           ReplayStatus = "linked"
	ReplaySkippedDuplicate ReplayStatus = "skipped_duplicate"
	ReplayRejected         ReplayStatus = "rejected"
)

// ReplayItem reports what happened to one record.
type ReplayItem struct {
	ReplayKey string       `json:"replayKey"`
	TaskID    string       `json:"taskId"`
	Status    ReplayStatus `json:"status"`
	Reason    string       `json:"reason,omitempty"`
	Task      *Task        `json:"task,omitempty"`
}

// ReplayInput is a batch of run-link records.
type ReplayInput struct {
	Records []ReplayRecord `json:"records"`
}

// ReplayResult lists one item per record, in input order.
type ReplayResult struct {
	Items            []ReplayItem `json:"items"`
	Linked           int          `json:"linked"`
	SkippedDuplicate int          `json:"skippedDuplicate"`
	Rejected         int          `json:"rejected"`
}

// ReplayRunLinks applies each record at most once: an upsert that creates or
// refreshes the task at todo, then a transition to the record's status.
func (b *Board) ReplayRunLinks(ctx context.Context, in ReplayInput) (ReplayResult, error) {
	return contract.Run(ctx, b.pipeline, b.call(ctx, ActionReplay), in,
		func(ctx context.Context, in ReplayInput) (ReplayResult, error) {
			res := ReplayResult{Items: make([]ReplayItem, 0, len(in.Records))}
			for _, rec := range in.Records {
				item, events, err := b.replayOne(ctx, rec)
				if err != nil {
					return ReplayResult{}, err
				}
				for _, ev := range events {
					b.publish(ctx, ev)
				}
				switch item.Status {
				case ReplayLinked:
					res.Linked++
				case ReplaySkippedDuplicate:
					res.SkippedDuplicate++
				case ReplayRejected:
					res.Rejected++
				}
				res.Items = append(res.Items, item)
			}
			return res, nil
		})
}

func (b *Board) replayOne(ctx context.Context, rec ReplayRecord) (ReplayItem, []*Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	item := ReplayItem{ReplayKey: rec.ReplayKey, TaskID: rec.TaskID}
	seen, err := b.store.HasReplayKey(ctx, rec.ReplayKey)
	if err != nil {
		return item, nil, contract.AsRuntime(ActionReplay, err)
	}
	if seen {
		item.Status = ReplaySkippedDuplicate
		t, err := b.store.GetTask(ctx, rec.TaskID)
		if err != nil {
			return item, nil, contract.AsRuntime(ActionReplay, err)
		}
		item.Task = t
		return item, nil, nil
	}

	todo := StatusTodo
	up := UpsertInput{
		TaskID:       rec.TaskID,
		Title:        &rec.Title,
		Status:       &todo,
		AssigneeType: &rec.AssigneeType,
		AssigneeID:   &rec.AssigneeID,
		Metadata:     rec.Metadata,
		ActorID:      rec.ActorID,
		Reason:       rec.Reason,
	}
	if rec.SessionID != "" {
		up.SessionID = &rec.SessionID
	}
	if rec.RunID != "" {
		up.RunID = &rec.RunID
	}
	upRes, err := b.upsertLocked(ctx, up)
	if err != nil {
		return item, nil, err
	}
	if upRes.Status == MutationRejected {
		item.Status, item.Reason = ReplayRejected, upRes.Reason
		return item, nil, nil
	}
	events := []*Event{upRes.Event}
	task := upRes.Task

	trRes, err := b.transitionLocked(ctx, TransitionInput{
		TaskID:   rec.TaskID,
		ToStatus: rec.ToStatus,
		ActorID:  rec.ActorID,
		Reason:   rec.Reason,
	})
	if err != nil {
		return item, events, err
	}
	switch {
	case trRes.Status == MutationApplied:
		events = append(events, trRes.Event)
		task = trRes.Task
	case trRes.Reason != ReasonAlreadyInStatus:
		item.Status, item.Reason = ReplayRejected, trRes.Reason
		item.Task = task
		return item, events, nil
	}

	if err := b.store.MarkReplayKey(ctx, rec.ReplayKey, rec.TaskID); err != nil {
		return item, events, contract.AsRuntime(ActionReplay, err)
	}
	item.Status = ReplayLinked
	item.Task = task
	return item, events, nil
}
