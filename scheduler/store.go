package scheduler

import (
	"context"
	"sort"
	"sync"
)

// StateStore persists the scheduler queues. It is the only state shared
// between scheduler processes. Entries are keyed by event id; storing an
// entry that already exists replaces it. Storing a retry entry removes any
// dead-letter entry with the same id, and the reverse.
type StateStore interface {
	HasProcessedEvent(ctx context.Context, eventID string) (bool, error)
	StoreProcessedEvent(ctx context.Context, e Entry) error
	StoreRetryEvent(ctx context.Context, e Entry) error
	StoreDeadLetterEvent(ctx context.Context, e Entry) error
	ListProcessedEvents(ctx context.Context) ([]Entry, error)
	ListRetryEvents(ctx context.Context) ([]Entry, error)
	ListDeadLetterEvents(ctx context.Context) ([]Entry, error)
	RemoveRetryEvent(ctx context.Context, eventID string) (bool, error)
	RemoveDeadLetterEvent(ctx context.Context, eventID string) (bool, error)
}

// queueState is the three queues keyed by event id. The memory and file
// stores share it.
type queueState struct {
	Processed  map[string]Entry `json:"processed"`
	Retry      map[string]Entry `json:"retry"`
	DeadLetter map[string]Entry `json:"deadLetter"`
}

func newQueueState() *queueState {
	return &queueState{
		Processed:  make(map[string]Entry),
		Retry:      make(map[string]Entry),
		DeadLetter: make(map[string]Entry),
	}
}

// ensure fills nil maps after decoding a partial document.
func (s *queueState) ensure() {
	if s.Processed == nil {
		s.Processed = make(map[string]Entry)
	}
	if s.Retry == nil {
		s.Retry = make(map[string]Entry)
	}
	if s.DeadLetter == nil {
		s.DeadLetter = make(map[string]Entry)
	}
}

func (s *queueState) storeRetry(e Entry) {
	delete(s.DeadLetter, e.EventID)
	s.Retry[e.EventID] = e
}

func (s *queueState) storeDeadLetter(e Entry) {
	delete(s.Retry, e.EventID)
	s.DeadLetter[e.EventID] = e
}

func remove(m map[string]Entry, eventID string) bool {
	if _, ok := m[eventID]; !ok {
		return false
	}
	delete(m, eventID)
	return true
}

// sorted returns the entries of m ordered by sequence, then event id.
func sorted(m map[string]Entry) []Entry {
	out := make([]Entry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	sortEntries(out)
	return out
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Sequence != entries[j].Sequence {
			return entries[i].Sequence < entries[j].Sequence
		}
		return entries[i].EventID < entries[j].EventID
	})
}

// MemoryStateStore keeps the queues in process memory.
type MemoryStateStore struct {
	mu    sync.RWMutex
	state *queueState
}

// NewMemoryStateStore creates an empty in-memory store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{state: newQueueState()}
}

func (m *MemoryStateStore) HasProcessedEvent(_ context.Context, eventID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.state.Processed[eventID]
	return ok, nil
}

func (m *MemoryStateStore) StoreProcessedEvent(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.Processed[e.EventID] = e
	return nil
}

func (m *MemoryStateStore) StoreRetryEvent(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.storeRetry(e)
	return nil
}

func (m *MemoryStateStore) StoreDeadLetterEvent(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.storeDeadLetter(e)
	return nil
}

func (m *MemoryStateStore) ListProcessedEvents(context.Context) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sorted(m.state.Processed), nil
}

func (m *MemoryStateStore) ListRetryEvents(context.Context) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sorted(m.state.Retry), nil
}

func (m *MemoryStateStore) ListDeadLetterEvents(context.Context) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sorted(m.state.DeadLetter), nil
}

func (m *MemoryStateStore) RemoveRetryEvent(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return remove(m.state.Retry, eventID), nil
}

func (m *MemoryStateStore) RemoveDeadLetterEvent(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return remove(m.state.DeadLetter, eventID), nil
}
