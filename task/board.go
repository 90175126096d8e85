package task

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/conductor/comms"
	"github.com/GoCodeAlone/conductor/contract"
)

// Rejection reasons returned by Upsert and Transition.
const (
	ReasonVersionConflict    = "Version conflict"
	ReasonNotRegistered      = "Task is not registered"
	ReasonAlreadyInStatus    = "Task is already in requested status"
	ReasonAssigneeIncomplete = "Assignee type and assignee id must be provided together"
	ReasonNewTaskIncomplete  = "Task title and assignee are required for new tasks"
)

// MutationStatus reports whether a mutation was applied.
type MutationStatus string

const (
	MutationApplied  MutationStatus = "applied"
	MutationRejected MutationStatus = "rejected"
)

// MutationResult is the outcome of Upsert or Transition. A rejected mutation
// changed nothing.
type MutationResult struct {
	Status MutationStatus `json:"status"`
	Reason string         `json:"reason,omitempty"`
	Task   *Task          `json:"task,omitempty"`
	Event  *Event         `json:"event,omitempty"`
}

func rejected(reason string) MutationResult {
	return MutationResult{Status: MutationRejected, Reason: reason}
}

// UpsertInput creates or updates a task. Nil fields keep their previous
// value.
type UpsertInput struct {
	TaskID          string         `json:"taskId"`
	Title           *string        `json:"title,omitempty"`
	Status          *Status        `json:"status,omitempty"`
	AssigneeType    *AssigneeType  `json:"assigneeType,omitempty"`
	AssigneeID      *string        `json:"assigneeId,omitempty"`
	SessionID       *string        `json:"sessionId,omitempty"`
	RunID           *string        `json:"runId,omitempty"`
	ArtifactIDs     []string       `json:"artifactIds,omitempty"`
	Priority        *int           `json:"priority,omitempty"`
	DueAtMs         *int64         `json:"dueAtMs,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	ExpectedVersion *int           `json:"expectedVersion,omitempty"`
	ActorID         string         `json:"actorId,omitempty"`
	Reason          string         `json:"reason,omitempty"`
}

// TransitionInput moves a task to a new status, optionally reassigning it.
type TransitionInput struct {
	TaskID          string        `json:"taskId"`
	ToStatus        Status        `json:"toStatus"`
	ExpectedVersion *int          `json:"expectedVersion,omitempty"`
	AssigneeType    *AssigneeType `json:"assigneeType,omitempty"`
	AssigneeID      *string       `json:"assigneeId,omitempty"`
	ActorID         string        `json:"actorId,omitempty"`
	Reason          string        `json:"reason,omitempty"`
}

// Board is the Task Board gateway. It owns task snapshots, the event log and
// the applied replay-key set; every decide-and-apply step runs under one
// mutex so event sequences are strictly increasing.
type Board struct {
	mu       sync.Mutex
	store    Store
	pipeline *contract.Pipeline
	bus      comms.Bus
	logger   *slog.Logger
	now      func() time.Time

	nextSeq   int64
	seqLoaded bool
}

// BoardOption configures a Board.
type BoardOption func(*Board)

// WithStore sets the persistence backend. Defaults to a MemoryStore.
func WithStore(s Store) BoardOption { return func(b *Board) { b.store = s } }

// WithBus publishes applied mutations on bus.
func WithBus(bus comms.Bus) BoardOption { return func(b *Board) { b.bus = bus } }

// WithLogger sets the board logger.
func WithLogger(l *slog.Logger) BoardOption { return func(b *Board) { b.logger = l } }

// WithClock overrides the board clock.
func WithClock(now func() time.Time) BoardOption { return func(b *Board) { b.now = now } }

// NewBoard creates a Board and registers its contracts with the pipeline's
// registry.
func NewBoard(p *contract.Pipeline, opts ...BoardOption) (*Board, error) {
	if p == nil {
		return nil, fmt.Errorf("new board: pipeline is required")
	}
	b := &Board{
		store:    NewMemoryStore(),
		pipeline: p,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.store == nil {
		return nil, fmt.Errorf("new board: store is nil")
	}
	for _, c := range Contracts() {
		if err := p.Registry().Register(c); err != nil {
			return nil, fmt.Errorf("new board: %w", err)
		}
	}
	return b, nil
}

func (b *Board) call(ctx context.Context, action string) contract.Call {
	return contract.Call{
		Type:     contract.ExecutionTypeFrom(ctx, contract.ExecutionTool),
		ActionID: action,
		Version:  ActionVersion,
	}
}

// Upsert creates a task or merges the supplied fields over an existing one.
func (b *Board) Upsert(ctx context.Context, in UpsertInput) (MutationResult, error) {
	return contract.Run(ctx, b.pipeline, b.call(ctx, ActionUpsert), in,
		func(ctx context.Context, in UpsertInput) (MutationResult, error) {
			b.mu.Lock()
			res, err := b.upsertLocked(ctx, in)
			b.mu.Unlock()
			if err != nil {
				return MutationResult{}, err
			}
			b.publish(ctx, res.Event)
			return res, nil
		})
}

// Transition moves a task along the status state machine.
func (b *Board) Transition(ctx context.Context, in TransitionInput) (MutationResult, error) {
	return contract.Run(ctx, b.pipeline, b.call(ctx, ActionTransition), in,
		func(ctx context.Context, in TransitionInput) (MutationResult, error) {
			b.mu.Lock()
			res, err := b.transitionLocked(ctx, in)
			b.mu.Unlock()
			if err != nil {
				return MutationResult{}, err
			}
			b.publish(ctx, res.Event)
			return res, nil
		})
}

func (b *Board) upsertLocked(ctx context.Context, in UpsertInput) (MutationResult, error) {
	current, err := b.store.GetTask(ctx, in.TaskID)
	if err != nil {
		return MutationResult{}, contract.AsRuntime(ActionUpsert, err)
	}
	currentVersion := 0
	if current != nil {
		currentVersion = current.Version
	}
	if in.ExpectedVersion != nil && *in.ExpectedVersion != currentVersion {
		return rejected(ReasonVersionConflict), nil
	}
	if (in.AssigneeType == nil) != (in.AssigneeID == nil) {
		return rejected(ReasonAssigneeIncomplete), nil
	}

	now := b.now().UnixMilli()
	next := current.Clone()
	eventType := EventTaskUpdated
	if next == nil {
		if in.Title == nil || in.AssigneeType == nil {
			return rejected(ReasonNewTaskIncomplete), nil
		}
		next = &Task{ID: in.TaskID, Status: StatusTodo, CreatedAtMs: now}
		eventType = EventTaskCreated
	}

	payload := map[string]any{}
	if in.Title != nil {
		next.Title = *in.Title
		payload["title"] = *in.Title
	}
	if in.Status != nil {
		next.Status = *in.Status
		payload["status"] = string(*in.Status)
	}
	if in.AssigneeType != nil {
		next.AssigneeType = *in.AssigneeType
		next.AssigneeID = *in.AssigneeID
		payload["assigneeType"] = string(*in.AssigneeType)
		payload["assigneeId"] = *in.AssigneeID
	}
	if in.SessionID != nil {
		next.SessionID = *in.SessionID
		payload["sessionId"] = *in.SessionID
	}
	if in.RunID != nil {
		next.RunID = *in.RunID
		payload["runId"] = *in.RunID
	}
	if in.ArtifactIDs != nil {
		next.ArtifactIDs = normalizeArtifacts(in.ArtifactIDs)
		payload["artifactIds"] = next.ArtifactIDs
	}
	if in.Priority != nil {
		p := *in.Priority
		next.Priority = &p
		payload["priority"] = p
	}
	if in.DueAtMs != nil {
		d := *in.DueAtMs
		next.DueAtMs = &d
		payload["dueAtMs"] = d
	}
	if in.Metadata != nil {
		next.Metadata = in.Metadata
		payload["metadata"] = in.Metadata
	}
	next.Version = currentVersion + 1
	next.UpdatedAtMs = now

	ev := &Event{
		EventType: eventType,
		Status:    next.Status,
		ActorID:   in.ActorID,
		Reason:    in.Reason,
		Payload:   payload,
	}
	return b.commitLocked(ctx, ActionUpsert, next, ev)
}

func (b *Board) transitionLocked(ctx context.Context, in TransitionInput) (MutationResult, error) {
	current, err := b.store.GetTask(ctx, in.TaskID)
	if err != nil {
		return MutationResult{}, contract.AsRuntime(ActionTransition, err)
	}
	if current == nil {
		return rejected(ReasonNotRegistered), nil
	}
	if in.ExpectedVersion != nil && *in.ExpectedVersion != current.Version {
		return rejected(ReasonVersionConflict), nil
	}
	if current.Status == in.ToStatus {
		return rejected(ReasonAlreadyInStatus), nil
	}
	if (in.AssigneeType == nil) != (in.AssigneeID == nil) {
		return rejected(ReasonAssigneeIncomplete), nil
	}
	if !CanTransition(current.Status, in.ToStatus) {
		return rejected(fmt.Sprintf("Transition from %s to %s is not allowed", current.Status, in.ToStatus)), nil
	}

	next := current.Clone()
	next.Status = in.ToStatus
	var payload map[string]any
	if in.AssigneeType != nil {
		next.AssigneeType = *in.AssigneeType
		next.AssigneeID = *in.AssigneeID
		payload = map[string]any{
			"assigneeType": string(*in.AssigneeType),
			"assigneeId":   *in.AssigneeID,
		}
	}
	next.Version = current.Version + 1
	next.UpdatedAtMs = b.now().UnixMilli()

	ev := &Event{
		EventType:      EventTaskTransitioned,
		Status:         next.Status,
		PreviousStatus: current.Status,
		ActorID:        in.ActorID,
		Reason:         in.Reason,
		Payload:        payload,
	}
	return b.commitLocked(ctx, ActionTransition, next, ev)
}

// commitLocked stamps ev with the next sequence and persists it together
// with the snapshot. The sequence only advances once the store accepted
// the commit.
func (b *Board) commitLocked(ctx context.Context, op string, t *Task, ev *Event) (MutationResult, error) {
	if !b.seqLoaded {
		last, err := b.store.LastSequence(ctx)
		if err != nil {
			return MutationResult{}, contract.AsRuntime(op, err)
		}
		b.nextSeq = last + 1
		b.seqLoaded = true
	}
	ev.EventID = uuid.NewString()
	ev.Sequence = b.nextSeq
	ev.TaskID = t.ID
	ev.Version = t.Version
	ev.TimestampMs = t.UpdatedAtMs

	if err := b.store.Commit(ctx, Commit{Task: t, Event: ev}); err != nil {
		return MutationResult{}, contract.AsRuntime(op, err)
	}
	b.nextSeq++
	evCopy := *ev
	return MutationResult{Status: MutationApplied, Task: t.Clone(), Event: &evCopy}, nil
}

func (b *Board) publish(ctx context.Context, ev *Event) {
	if ev == nil {
		return
	}
	comms.Notify(ctx, b.bus, &comms.Message{
		Type:    comms.TypeTaskUpdate,
		Topic:   comms.TopicTasks,
		Source:  "task-board",
		Subject: ev.TaskID,
		Payload: ev,
	}, func(err error) {
		b.logger.Warn("task board notification failed", slog.String("task_id", ev.TaskID), slog.Any("err", err))
	})
}
