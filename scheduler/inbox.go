package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/GoCodeAlone/conductor/contract"
)

// Inbox directories under the watched directory.
const (
	InboxProcessedDir = "processed"
	InboxRejectedDir  = "rejected"
)

// Inbox timing defaults.
const (
	DefaultInboxDebounce = 500 * time.Millisecond
	DefaultInboxSettle   = 2 * time.Second
)

// Inbox feeds scheduler events written as *.json files in a directory to the
// gateway. Handled files move to processed/ or rejected/ together with a
// .result.json sidecar. Producers should write to a dotfile and rename it
// into place; dotfiles are ignored. A file that is empty or truncated is left
// alone until it has been unchanged for the settle window.
type Inbox struct {
	gateway  *Gateway
	dir      string
	logger   *slog.Logger
	debounce time.Duration
	settle   time.Duration
	now      func() time.Time
	mu       sync.Mutex
}

// InboxOption configures an Inbox.
type InboxOption func(*Inbox)

// WithInboxDebounce sets how long Run waits after the last file event
// before scanning.
func WithInboxDebounce(d time.Duration) InboxOption {
	return func(i *Inbox) { i.debounce = d }
}

// WithInboxSettle sets how long an incomplete file may stay unchanged before
// it is rejected.
func WithInboxSettle(d time.Duration) InboxOption {
	return func(i *Inbox) { i.settle = d }
}

// NewInbox creates the inbox directories under dir.
func NewInbox(g *Gateway, dir string, opts ...InboxOption) (*Inbox, error) {
	if dir == "" {
		return nil, fmt.Errorf("new inbox: dir is required")
	}
	for _, d := range []string{dir, filepath.Join(dir, InboxProcessedDir), filepath.Join(dir, InboxRejectedDir)} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return nil, fmt.Errorf("new inbox: ensure dir %s: %w", d, err)
		}
	}
	i := &Inbox{
		gateway:  g,
		dir:      dir,
		logger:   g.logger,
		debounce: DefaultInboxDebounce,
		settle:   DefaultInboxSettle,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.debounce <= 0 {
		i.debounce = DefaultInboxDebounce
	}
	if i.settle <= 0 {
		i.settle = DefaultInboxSettle
	}
	return i, nil
}

// Run scans the directory once, then rescans once file events have been
// quiet for the debounce interval, until ctx is done.
func (i *Inbox) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(i.dir); err != nil {
		return fmt.Errorf("watch %s: %w", i.dir, err)
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			_, pending, err := i.scan(ctx)
			if err != nil {
				i.logger.Error("inbox scan failed", slog.String("dir", i.dir), slog.Any("err", err))
			}
			if pending > 0 {
				timer.Reset(i.settle)
			}
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isEventFile(event.Name) {
				continue
			}
			timer.Stop()
			timer.Reset(i.debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			i.logger.Error("fsnotify error", slog.Any("err", err))
		}
	}
}

// Scan handles every event file currently in the directory in name order.
// Files still being written are skipped and not counted.
func (i *Inbox) Scan(ctx context.Context) (int, error) {
	n, _, err := i.scan(ctx)
	return n, err
}

func (i *Inbox) scan(ctx context.Context) (handled, pending int, err error) {
	entries, err := os.ReadDir(i.dir)
	if err != nil {
		return 0, 0, fmt.Errorf("read inbox %s: %w", i.dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && isEventFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		err := i.HandleFile(ctx, filepath.Join(i.dir, name))
		switch {
		case errors.Is(err, ErrEventIncomplete):
			pending++
		case err != nil:
			errs = append(errs, err)
		default:
			handled++
		}
	}
	return handled, pending, errors.Join(errs...)
}

// ErrEventIncomplete is returned by HandleFile for a file that looks
// partially written.
var ErrEventIncomplete = errors.New("event file incomplete")

// HandleFile processes one event file. A file that was already moved is
// ignored. Runtime failures leave the file in place for the next scan. An
// empty or truncated file modified within the settle window is left in place
// and reported as ErrEventIncomplete.
func (i *Inbox) HandleFile(ctx context.Context, path string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	ev, err := decodeEvent(data)
	if err != nil {
		truncated := errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
		if truncated && i.now().Sub(info.ModTime()) < i.settle {
			i.logger.Debug("inbox file incomplete", slog.String("file", filepath.Base(path)))
			return ErrEventIncomplete
		}
		return i.move(path, InboxRejectedDir, map[string]any{"error": err.Error()})
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.RecordedAtMs == 0 {
		ev.RecordedAtMs = i.gateway.now().UnixMilli()
	}

	res, err := i.gateway.Process(ctx, ev)
	switch {
	case contract.IsValidation(err):
		return i.move(path, InboxRejectedDir, map[string]any{"eventId": ev.EventID, "error": err.Error()})
	case err != nil:
		return fmt.Errorf("process %s: %w", path, err)
	case res.Status == ProcessRejected:
		return i.move(path, InboxRejectedDir, res)
	default:
		return i.move(path, InboxProcessedDir, res)
	}
}

func decodeEvent(data []byte) (Event, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var ev Event
	if err := dec.Decode(&ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}

// move renames path into sub/ and writes the result sidecar next to it.
func (i *Inbox) move(path, sub string, result any) error {
	name := filepath.Base(path)
	dst := filepath.Join(i.dir, sub, name)
	if err := os.Rename(path, dst); err != nil {
		return fmt.Errorf("move %s to %s: %w", name, sub, err)
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result for %s: %w", name, err)
	}
	sidecar := strings.TrimSuffix(dst, ".json") + ".result.json"
	if err := os.WriteFile(sidecar, data, 0o640); err != nil {
		return fmt.Errorf("write result for %s: %w", name, err)
	}
	i.logger.Debug("inbox file handled", slog.String("file", name), slog.String("dir", sub))
	return nil
}

func isEventFile(path string) bool {
	name := filepath.Base(path)
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, ".") && !strings.HasSuffix(name, ".result.json")
}
