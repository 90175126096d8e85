// Package runlink turns automation and heartbeat outcomes into task board
// replay records. Each (source, id, runId) maps to exactly one task and one
// replay key, so duplicate deliveries never change a task twice.
package runlink

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/GoCodeAlone/conductor/automation"
	"github.com/GoCodeAlone/conductor/contract"
	"github.com/GoCodeAlone/conductor/task"
)

// DefaultLedgerLimit is the number of recorded runs kept for
// ReplayRecordedRuns. Older entries stay idempotent through the board's
// replay-key set.
const DefaultLedgerLimit = 10_000

const actorID = "run-linker"

// Entry is one recorded run in the ledger.
type Entry struct {
	Sequence     int64             `json:"sequence"`
	Source       automation.Source `json:"source"`
	Record       task.ReplayRecord `json:"record"`
	RecordedAtMs int64             `json:"recordedAtMs"`
}

// Linker implements automation.RunLinker on top of a task board.
type Linker struct {
	board  *task.Board
	logger *slog.Logger
	now    func() time.Time
	limit  int

	mu      sync.Mutex
	ledger  []Entry
	nextSeq int64
}

// Option configures a Linker.
type Option func(*Linker)

// WithLedgerLimit caps the in-memory ledger.
func WithLedgerLimit(n int) Option { return func(l *Linker) { l.limit = n } }

// WithLogger sets the linker logger.
func WithLogger(logger *slog.Logger) Option { return func(l *Linker) { l.logger = logger } }

// WithClock overrides the linker clock.
func WithClock(now func() time.Time) Option { return func(l *Linker) { l.now = now } }

// New creates a Linker writing to board.
func New(board *task.Board, opts ...Option) (*Linker, error) {
	if board == nil {
		return nil, fmt.Errorf("new run linker: task board is required")
	}
	l := &Linker{board: board, logger: slog.Default(), now: time.Now, limit: DefaultLedgerLimit}
	for _, opt := range opts {
		opt(l)
	}
	if l.limit <= 0 {
		l.limit = DefaultLedgerLimit
	}
	return l, nil
}

// RecordAutomationRun implements automation.RunLinker.
func (l *Linker) RecordAutomationRun(ctx context.Context, o automation.Outcome) error {
	o.Source = automation.SourceAutomation
	return l.record(ctx, o)
}

// RecordHeartbeatRun implements automation.RunLinker.
func (l *Linker) RecordHeartbeatRun(ctx context.Context, o automation.Outcome) error {
	o.Source = automation.SourceHeartbeat
	return l.record(ctx, o)
}

func (l *Linker) record(ctx context.Context, o automation.Outcome) error {
	rec := BuildRecord(o)

	l.mu.Lock()
	l.ledger = append(l.ledger, Entry{
		Sequence:     l.nextSeq,
		Source:       o.Source,
		Record:       rec,
		RecordedAtMs: l.now().UnixMilli(),
	})
	l.nextSeq++
	if len(l.ledger) > l.limit {
		l.ledger = append([]Entry(nil), l.ledger[len(l.ledger)-l.limit:]...)
	}
	l.mu.Unlock()

	res, err := l.board.ReplayRunLinks(ctx, task.ReplayInput{Records: []task.ReplayRecord{rec}})
	if err != nil {
		return err
	}
	if len(res.Items) != 1 {
		return contract.Runtimef("run-link.record", "expected 1 replay item for %s, got %d", rec.ReplayKey, len(res.Items))
	}
	item := res.Items[0]
	switch item.Status {
	case task.ReplayLinked, task.ReplaySkippedDuplicate:
		l.logger.Debug("run linked",
			slog.String("replay_key", rec.ReplayKey),
			slog.String("task_id", rec.TaskID),
			slog.String("status", string(item.Status)),
		)
		return nil
	default:
		return contract.Runtimef("run-link.record", "replay of %s was %s: %s", rec.ReplayKey, item.Status, item.Reason)
	}
}

// ReplayRecordedRuns replays every ledger entry with sequence >= fromSequence.
// Already-applied entries come back as skipped_duplicate.
func (l *Linker) ReplayRecordedRuns(ctx context.Context, fromSequence int64) (task.ReplayResult, error) {
	entries := l.Ledger(fromSequence)
	records := make([]task.ReplayRecord, 0, len(entries))
	for _, e := range entries {
		records = append(records, e.Record)
	}
	return l.board.ReplayRunLinks(ctx, task.ReplayInput{Records: records})
}

// Ledger returns a copy of the ledger entries with sequence >= fromSequence.
func (l *Linker) Ledger(fromSequence int64) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, 0, len(l.ledger))
	for _, e := range l.ledger {
		if e.Sequence >= fromSequence {
			out = append(out, e)
		}
	}
	return out
}

// ReplayKey is the idempotence key for one run.
func ReplayKey(source automation.Source, id, runID string) string {
	return fmt.Sprintf("run-link:%s:%s:%s", source, id, runID)
}

// TaskID is the task that tracks one run.
func TaskID(source automation.Source, id, runID string) string {
	return fmt.Sprintf("%s:%s:run:%s", source, id, runID)
}

// BuildRecord maps an outcome to its replay record. Executed runs end done;
// every other outcome leaves the task blocked.
func BuildRecord(o automation.Outcome) task.ReplayRecord {
	caser := cases.Title(language.English)

	toStatus := task.StatusBlocked
	if o.Status == automation.StatusExecuted {
		toStatus = task.StatusDone
	}
	assigneeType, assigneeID := task.AssigneeAgentProfile, o.ProfileID
	if o.ProfileID == "" {
		assigneeType, assigneeID = task.AssigneeAgent, string(o.Source)+"-runtime"
	}

	metadata := map[string]any{
		"source":        string(o.Source),
		"sourceId":      o.ID,
		"outcomeStatus": string(o.Status),
		"lane":          string(o.Lane),
		"escalated":     o.Escalated,
	}
	if o.Trigger != "" {
		metadata["trigger"] = o.Trigger
	}
	if o.Failure != nil {
		metadata["failureCode"] = o.Failure.Code
	}

	return task.ReplayRecord{
		ReplayKey:    ReplayKey(o.Source, o.ID, o.RunID),
		TaskID:       TaskID(o.Source, o.ID, o.RunID),
		Title:        fmt.Sprintf("%s %s run %s", caser.String(string(o.Source)), o.ID, o.RunID),
		AssigneeType: assigneeType,
		AssigneeID:   assigneeID,
		ToStatus:     toStatus,
		SessionID:    o.SessionID,
		RunID:        o.RunID,
		ActorID:      actorID,
		Reason:       reason(caser, o),
		Metadata:     metadata,
	}
}

func reason(caser cases.Caser, o automation.Outcome) string {
	switch {
	case o.SkipReason != "":
		return "Skipped: " + caser.String(strings.ReplaceAll(o.SkipReason, "_", " "))
	case o.BlockReason != "":
		return "Blocked: " + caser.String(strings.ReplaceAll(o.BlockReason, "_", " "))
	case o.Failure != nil && o.Failure.Code != "":
		return "Failed: " + o.Failure.Code
	}
	return caser.String(string(o.Status))
}
