package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/GoCodeAlone/conductor/automation"
	"github.com/GoCodeAlone/conductor/comms"
	"github.com/GoCodeAlone/conductor/contract"
	"github.com/GoCodeAlone/conductor/task"
)

// ListQueueInput selects one queue and filters it.
type ListQueueInput struct {
	Queue       Queue             `json:"queue"`
	RunStatus   automation.Status `json:"runStatus,omitempty"`
	Disposition Disposition       `json:"disposition,omitempty"`
	RunID       string            `json:"runId,omitempty"`
	Source      automation.Source `json:"source,omitempty"`
	Cursor      string            `json:"cursor,omitempty"`
	Limit       int               `json:"limit,omitempty"`
}

// QueueSummary describes every entry matching the filters, not just the
// returned page.
type QueueSummary struct {
	Total           int                 `json:"total"`
	ByStatus        map[EntryStatus]int `json:"byStatus"`
	ByRunStatus     map[string]int      `json:"byRunStatus"`
	ByDisposition   map[string]int      `json:"byDisposition"`
	UniqueRuns      int                 `json:"uniqueRuns"`
	NextRetryAtMs   *int64              `json:"nextRetryAtMs,omitempty"`
	LatestRetryAtMs *int64              `json:"latestRetryAtMs,omitempty"`
}

// QueuePage is one page of a queue.
type QueuePage struct {
	Queue      Queue        `json:"queue"`
	Items      []Entry      `json:"items"`
	NextCursor string       `json:"nextCursor,omitempty"`
	TotalCount int          `json:"totalCount"`
	Summary    QueueSummary `json:"summary"`
}

// QueueAction is an operator action on a retry or dead-letter entry.
type QueueAction string

const (
	ActionRequeue QueueAction = "requeue"
	ActionDismiss QueueAction = "dismiss"
)

// QueueActionStatus reports whether the action found its entry.
type QueueActionStatus string

const (
	QueueActionApplied  QueueActionStatus = "applied"
	QueueActionNotFound QueueActionStatus = "not_found"
)

// QueueActionInput names the entry to act on.
type QueueActionInput struct {
	Queue   Queue       `json:"queue"`
	Action  QueueAction `json:"action"`
	EventID string      `json:"eventId"`
}

// QueueActionResult carries a snapshot of the removed entry. For requeue it
// also carries the event to resubmit.
type QueueActionResult struct {
	Status  QueueActionStatus `json:"status"`
	Queue   Queue             `json:"queue"`
	Action  QueueAction       `json:"action"`
	EventID string            `json:"eventId"`
	Entry   *Entry            `json:"entry,omitempty"`
	Requeue *Event            `json:"requeue,omitempty"`
}

// ReplayRunLinksInput selects the ledger entries to replay.
type ReplayRunLinksInput struct {
	FromSequence int64 `json:"fromSequence,omitempty"`
}

// ListQueue returns one page of a queue in sequence order.
func (g *Gateway) ListQueue(ctx context.Context, in ListQueueInput) (QueuePage, error) {
	call := contract.Call{
		Type:     contract.ExecutionTypeFrom(ctx, contract.ExecutionTool),
		ActionID: ActionListQueue,
		Version:  ActionVersion,
	}
	return contract.Run(ctx, g.pipeline, call, in, func(ctx context.Context, in ListQueueInput) (QueuePage, error) {
		entries, err := g.entries(ctx, in.Queue)
		if err != nil {
			return QueuePage{}, contract.AsRuntime(ActionListQueue, err)
		}
		matched := make([]Entry, 0, len(entries))
		for _, e := range entries {
			if matches(e, in) {
				matched = append(matched, e)
			}
		}
		items, next, err := contract.Paginate(contract.SchemaID(ActionListQueue, ActionVersion), matched, in.Cursor, in.Limit)
		if err != nil {
			return QueuePage{}, err
		}
		return QueuePage{
			Queue:      in.Queue,
			Items:      items,
			NextCursor: next,
			TotalCount: len(matched),
			Summary:    summarize(matched),
		}, nil
	})
}

func (g *Gateway) entries(ctx context.Context, q Queue) ([]Entry, error) {
	var (
		entries []Entry
		err     error
	)
	switch q {
	case QueueProcessed:
		entries, err = g.store.ListProcessedEvents(ctx)
	case QueueRetry:
		entries, err = g.store.ListRetryEvents(ctx)
	case QueueDeadLetter:
		entries, err = g.store.ListDeadLetterEvents(ctx)
	default:
		return nil, fmt.Errorf("unknown queue %q", q)
	}
	if err != nil {
		return nil, fmt.Errorf("list %s queue: %w", q, err)
	}
	sortEntries(entries)
	return entries, nil
}

func matches(e Entry, in ListQueueInput) bool {
	switch {
	case in.RunStatus != "" && e.RunStatus != in.RunStatus:
		return false
	case in.Disposition != "" && e.Disposition != in.Disposition:
		return false
	case in.RunID != "" && e.RunID != in.RunID:
		return false
	case in.Source != "" && e.Source != in.Source:
		return false
	}
	return true
}

func summarize(entries []Entry) QueueSummary {
	s := QueueSummary{
		Total:         len(entries),
		ByStatus:      make(map[EntryStatus]int),
		ByRunStatus:   make(map[string]int),
		ByDisposition: make(map[string]int),
	}
	runs := make(map[string]struct{})
	for _, e := range entries {
		s.ByStatus[e.Status]++
		if e.RunStatus != "" {
			s.ByRunStatus[string(e.RunStatus)]++
		}
		if e.Disposition != "" {
			s.ByDisposition[string(e.Disposition)]++
		}
		runs[string(e.Source)+"\x00"+e.RunID] = struct{}{}
		if e.RetryAtMs > 0 {
			at := e.RetryAtMs
			if s.NextRetryAtMs == nil || at < *s.NextRetryAtMs {
				s.NextRetryAtMs = &at
			}
			if s.LatestRetryAtMs == nil || at > *s.LatestRetryAtMs {
				latest := at
				s.LatestRetryAtMs = &latest
			}
		}
	}
	s.UniqueRuns = len(runs)
	return s
}

// RunQueueAction removes an entry from the retry or dead-letter queue.
// Requeue additionally returns the next attempt of the event, ready for
// Process.
func (g *Gateway) RunQueueAction(ctx context.Context, in QueueActionInput) (QueueActionResult, error) {
	call := contract.Call{
		Type:     contract.ExecutionTypeFrom(ctx, contract.ExecutionTool),
		ActionID: ActionQueueAction,
		Version:  ActionVersion,
	}
	return contract.Run(ctx, g.pipeline, call, in, func(ctx context.Context, in QueueActionInput) (QueueActionResult, error) {
		res := QueueActionResult{Status: QueueActionNotFound, Queue: in.Queue, Action: in.Action, EventID: in.EventID}

		entries, err := g.entries(ctx, in.Queue)
		if err != nil {
			return QueueActionResult{}, contract.AsRuntime(ActionQueueAction, err)
		}
		var snapshot *Entry
		for i := range entries {
			if entries[i].EventID == in.EventID {
				snapshot = &entries[i]
				break
			}
		}
		if snapshot == nil {
			return res, nil
		}

		removed, err := g.removeEntry(ctx, in.Queue, in.EventID)
		if err != nil {
			return QueueActionResult{}, contract.AsRuntime(ActionQueueAction, err)
		}
		if !removed {
			return res, nil
		}

		res.Status = QueueActionApplied
		res.Entry = snapshot
		if in.Action == ActionRequeue {
			next := snapshot.NextEvent(g.now().UnixMilli())
			res.Requeue = &next
		}
		g.logger.Info("scheduler queue action applied",
			slog.String("queue", string(in.Queue)),
			slog.String("action", string(in.Action)),
			slog.String("event_id", in.EventID),
		)
		comms.Notify(ctx, g.bus, &comms.Message{
			Type:    comms.TypeQueueAction,
			Topic:   comms.TopicScheduler,
			Source:  string(snapshot.Source),
			Subject: in.EventID,
			Payload: res,
		}, func(err error) {
			g.logger.Warn("queue action notification failed", slog.String("event_id", in.EventID), slog.Any("err", err))
		})
		return res, nil
	})
}

func (g *Gateway) removeEntry(ctx context.Context, q Queue, eventID string) (bool, error) {
	var (
		removed bool
		err     error
	)
	switch q {
	case QueueRetry:
		removed, err = g.store.RemoveRetryEvent(ctx, eventID)
	case QueueDeadLetter:
		removed, err = g.store.RemoveDeadLetterEvent(ctx, eventID)
	default:
		return false, fmt.Errorf("queue %q does not support actions", q)
	}
	if err != nil {
		return false, fmt.Errorf("remove %s entry %s: %w", q, eventID, err)
	}
	return removed, nil
}

// Restore puts an entry removed by RunQueueAction back on its queue. Callers
// use it when processing a requeued event fails.
func (g *Gateway) Restore(ctx context.Context, q Queue, e Entry) error {
	var err error
	switch q {
	case QueueRetry:
		err = g.store.StoreRetryEvent(ctx, e)
	case QueueDeadLetter:
		err = g.store.StoreDeadLetterEvent(ctx, e)
	default:
		return fmt.Errorf("queue %q does not support actions", q)
	}
	if err != nil {
		return fmt.Errorf("restore %s entry %s: %w", q, e.EventID, err)
	}
	return nil
}

// ReplayRunLinks re-applies the run-linker ledger from in.FromSequence.
func (g *Gateway) ReplayRunLinks(ctx context.Context, in ReplayRunLinksInput) (task.ReplayResult, error) {
	call := contract.Call{
		Type:     contract.ExecutionTypeFrom(ctx, contract.ExecutionTool),
		ActionID: ActionReplay,
		Version:  ActionVersion,
	}
	return contract.Run(ctx, g.pipeline, call, in, func(ctx context.Context, in ReplayRunLinksInput) (task.ReplayResult, error) {
		if g.linker == nil {
			return task.ReplayResult{}, contract.Runtimef(ActionReplay, "no run linker configured")
		}
		res, err := g.linker.ReplayRecordedRuns(ctx, in.FromSequence)
		if err != nil {
			return task.ReplayResult{}, contract.AsRuntime(ActionReplay, err)
		}
		return res, nil
	})
}
