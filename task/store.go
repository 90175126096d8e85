package task

import (
	"context"
	"sort"
	"sync"
)

// Commit is one board mutation: the new task snapshot and the event that
// produced it. Stores persist both atomically.
type Commit struct {
	Task  *Task
	Event *Event
}

// Store persists task snapshots, the event log and applied replay keys. The
// Board is the only writer; stores need not enforce board invariants.
type Store interface {
	// GetTask returns the task or nil when it is unknown.
	GetTask(ctx context.Context, id string) (*Task, error)

	// ListTasks returns every task in unspecified order.
	ListTasks(ctx context.Context) ([]*Task, error)

	// ListEvents returns the event log ordered by sequence.
	ListEvents(ctx context.Context) ([]*Event, error)

	// LastSequence returns the highest event sequence, or -1 for an empty log.
	LastSequence(ctx context.Context) (int64, error)

	// Commit writes a snapshot and appends its event.
	Commit(ctx context.Context, c Commit) error

	// HasReplayKey reports whether a run-link replay key was applied.
	HasReplayKey(ctx context.Context, key string) (bool, error)

	// MarkReplayKey remembers key as applied for taskID.
	MarkReplayKey(ctx context.Context, key, taskID string) error
}

// MemoryStore is the default in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	tasks  map[string]*Task
	events []*Event
	keys   map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]*Task),
		keys:  make(map[string]string),
	}
}

func (s *MemoryStore) GetTask(_ context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tasks[id].Clone(), nil
}

func (s *MemoryStore) ListTasks(_ context.Context) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	return out, nil
}

func (s *MemoryStore) ListEvents(_ context.Context) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Event, len(s.events))
	for i, e := range s.events {
		c := *e
		out[i] = &c
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *MemoryStore) LastSequence(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.events) == 0 {
		return -1, nil
	}
	return s.events[len(s.events)-1].Sequence, nil
}

func (s *MemoryStore) Commit(_ context.Context, c Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[c.Task.ID] = c.Task.Clone()
	ev := *c.Event
	s.events = append(s.events, &ev)
	return nil
}

func (s *MemoryStore) HasReplayKey(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[key]
	return ok, nil
}

func (s *MemoryStore) MarkReplayKey(_ context.Context, key, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key] = taskID
	return nil
}
