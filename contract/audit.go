package contract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AuditRecord is emitted once per pipeline call.
type AuditRecord struct {
	ID            string        `json:"id"`
	ActionID      string        `json:"actionId"`
	Version       int           `json:"version"`
	ExecutionType ExecutionType `json:"executionType"`
	TraceID       string        `json:"traceId,omitempty"`
	Input         any           `json:"input,omitempty"`
	Output        any           `json:"output,omitempty"`
	Error         string        `json:"error,omitempty"`
	TimestampMs   int64         `json:"timestampMs"`
	DurationMs    int64         `json:"durationMs"`
}

func newAuditRecord(exec Execution) AuditRecord {
	rec := AuditRecord{
		ID:            uuid.New().String(),
		ActionID:      exec.ActionID,
		Version:       exec.Version,
		ExecutionType: exec.Type,
		TraceID:       exec.TraceID,
		Input:         exec.Input,
		Output:        exec.Output,
		TimestampMs:   exec.FinishedAt.UnixMilli(),
		DurationMs:    exec.FinishedAt.Sub(exec.StartedAt).Milliseconds(),
	}
	if exec.Err != nil {
		rec.Output = nil
		rec.Error = exec.Err.Error()
	}
	return rec
}

// AuditSink receives audit records. Errors are logged by the pipeline and
// never reach the caller.
type AuditSink interface {
	Audit(ctx context.Context, rec AuditRecord) error
}

// AuditSinkFunc adapts a function to AuditSink.
type AuditSinkFunc func(ctx context.Context, rec AuditRecord) error

func (f AuditSinkFunc) Audit(ctx context.Context, rec AuditRecord) error { return f(ctx, rec) }

// MultiAuditSink fans a record out to every sink and joins their errors.
func MultiAuditSink(sinks ...AuditSink) AuditSink {
	return AuditSinkFunc(func(ctx context.Context, rec AuditRecord) error {
		var errs []error
		for _, s := range sinks {
			if err := s.Audit(ctx, rec); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// SlogAuditSink writes a compact audit line to logger.
func SlogAuditSink(logger *slog.Logger) AuditSink {
	return AuditSinkFunc(func(ctx context.Context, rec AuditRecord) error {
		attrs := []slog.Attr{
			slog.String("action", rec.ActionID),
			slog.Int("version", rec.Version),
			slog.String("execution_type", string(rec.ExecutionType)),
			slog.Int64("duration_ms", rec.DurationMs),
		}
		if rec.TraceID != "" {
			attrs = append(attrs, slog.String("trace_id", rec.TraceID))
		}
		if rec.Error != "" {
			attrs = append(attrs, slog.String("error", rec.Error))
		}
		logger.LogAttrs(ctx, slog.LevelDebug, "audit", attrs...)
		return nil
	})
}

const (
	// DefaultAuditMaxSize is the rotation threshold for FileAuditSink.
	DefaultAuditMaxSize = 100 * 1024 * 1024
	auditArchiveDir     = "archive"
)

// FileAuditSink appends audit records as JSON lines and rotates the file into
// an archive/ directory when it would exceed maxSize.
type FileAuditSink struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	size     int64
	maxSize  int64
	rotation int
}

// NewFileAuditSink opens (or creates) the JSONL audit log at path.
func NewFileAuditSink(path string, maxSize int64) (*FileAuditSink, error) {
	if maxSize <= 0 {
		maxSize = DefaultAuditMaxSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	s := &FileAuditSink{path: path, maxSize: maxSize}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileAuditSink) open() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	s.file = f
	s.size = st.Size()
	return nil
}

// Audit appends rec to the log.
func (s *FileAuditSink) Audit(_ context.Context, rec AuditRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return fmt.Errorf("audit log %s is closed", s.path)
	}
	if s.size > 0 && s.size+int64(len(data)) > s.maxSize {
		if err := s.rotate(); err != nil {
			return fmt.Errorf("rotate audit log: %w", err)
		}
	}
	n, err := s.file.Write(data)
	if err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	s.size += int64(n)
	return nil
}

func (s *FileAuditSink) rotate() error {
	if err := s.file.Close(); err != nil {
		return err
	}
	dir := filepath.Join(filepath.Dir(s.path), auditArchiveDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	s.rotation++
	base := strings.TrimSuffix(filepath.Base(s.path), filepath.Ext(s.path))
	name := fmt.Sprintf("%s.%s.%d%s", base, time.Now().UTC().Format("20060102_150405"), s.rotation, filepath.Ext(s.path))
	if err := os.Rename(s.path, filepath.Join(dir, name)); err != nil {
		return err
	}
	return s.open()
}

// Close flushes and closes the log file.
func (s *FileAuditSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Sync()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	s.file = nil
	return err
}
