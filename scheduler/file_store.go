package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"syscall"
)

// FileStateStore keeps the queues in one JSON document. Every call re-reads
// the file under an exclusive flock on <path>.lock, so processes sharing the
// file see each other's writes. Writes go to a temp file that is synced and
// renamed over the document.
type FileStateStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStateStore creates a store backed by path. The parent directory is
// created if needed; the document itself is created on first write.
func NewFileStateStore(path string) (*FileStateStore, error) {
	if path == "" {
		return nil, fmt.Errorf("file state store: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("file state store: create dir: %w", err)
	}
	return &FileStateStore{path: path}, nil
}

// Path returns the document path.
func (f *FileStateStore) Path() string { return f.path }

func (f *FileStateStore) HasProcessedEvent(ctx context.Context, eventID string) (bool, error) {
	var found bool
	err := f.view(ctx, func(s *queueState) {
		_, found = s.Processed[eventID]
	})
	return found, err
}

func (f *FileStateStore) StoreProcessedEvent(ctx context.Context, e Entry) error {
	return f.update(ctx, func(s *queueState) bool {
		s.Processed[e.EventID] = e
		return true
	})
}

func (f *FileStateStore) StoreRetryEvent(ctx context.Context, e Entry) error {
	return f.update(ctx, func(s *queueState) bool {
		s.storeRetry(e)
		return true
	})
}

func (f *FileStateStore) StoreDeadLetterEvent(ctx context.Context, e Entry) error {
	return f.update(ctx, func(s *queueState) bool {
		s.storeDeadLetter(e)
		return true
	})
}

func (f *FileStateStore) ListProcessedEvents(ctx context.Context) ([]Entry, error) {
	var out []Entry
	err := f.view(ctx, func(s *queueState) { out = sorted(s.Processed) })
	return out, err
}

func (f *FileStateStore) ListRetryEvents(ctx context.Context) ([]Entry, error) {
	var out []Entry
	err := f.view(ctx, func(s *queueState) { out = sorted(s.Retry) })
	return out, err
}

func (f *FileStateStore) ListDeadLetterEvents(ctx context.Context) ([]Entry, error) {
	var out []Entry
	err := f.view(ctx, func(s *queueState) { out = sorted(s.DeadLetter) })
	return out, err
}

func (f *FileStateStore) RemoveRetryEvent(ctx context.Context, eventID string) (bool, error) {
	var removed bool
	err := f.update(ctx, func(s *queueState) bool {
		removed = remove(s.Retry, eventID)
		return removed
	})
	return removed, err
}

func (f *FileStateStore) RemoveDeadLetterEvent(ctx context.Context, eventID string) (bool, error) {
	var removed bool
	err := f.update(ctx, func(s *queueState) bool {
		removed = remove(s.DeadLetter, eventID)
		return removed
	})
	return removed, err
}

func (f *FileStateStore) view(ctx context.Context, fn func(*queueState)) error {
	return f.locked(ctx, func() error {
		s, err := f.read()
		if err != nil {
			return err
		}
		fn(s)
		return nil
	})
}

// update applies fn and writes the document back when fn reports a change.
func (f *FileStateStore) update(ctx context.Context, fn func(*queueState) bool) error {
	return f.locked(ctx, func() error {
		s, err := f.read()
		if err != nil {
			return err
		}
		if !fn(s) {
			return nil
		}
		return f.write(s)
	})
}

func (f *FileStateStore) locked(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	lock, err := os.OpenFile(f.path+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("file state store: open lock: %w", err)
	}
	defer func() { _ = lock.Close() }()
	if err := syscall.Flock(int(lock.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("file state store: acquire lock: %w", err)
	}
	defer func() { _ = syscall.Flock(int(lock.Fd()), syscall.LOCK_UN) }()
	return fn()
}

func (f *FileStateStore) read() (*queueState, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return newQueueState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("file state store: read: %w", err)
	}
	s := newQueueState()
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("file state store: decode %s: %w", f.path, err)
	}
	s.ensure()
	return s, nil
}

func (f *FileStateStore) write(s *queueState) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("file state store: encode: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".scheduler-state-*.json")
	if err != nil {
		return fmt.Errorf("file state store: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("file state store: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("file state store: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("file state store: close temp: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("file state store: rename: %w", err)
	}
	return nil
}
