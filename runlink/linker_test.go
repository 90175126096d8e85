package runlink

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/conductor/automation"
	"github.com/GoCodeAlone/conductor/contract"
	"github.com/GoCodeAlone/conductor/task"
)

type fixture struct {
	pipeline *contract.Pipeline
	board    *task.Board
	linker   *Linker
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p, err := contract.NewPipeline(contract.NewRegistry(), contract.WithLogger(logger))
	require.NoError(t, err)
	board, err := task.NewBoard(p, task.WithLogger(logger))
	require.NoError(t, err)
	l, err := New(board, append([]Option{WithLogger(logger)}, opts...)...)
	require.NoError(t, err)
	return fixture{pipeline: p, board: board, linker: l}
}

func (f fixture) task(t *testing.T, id string) *task.Task {
	t.Helper()
	page, err := f.board.ListTasks(context.Background(), task.ListTasksInput{Limit: contract.MaxPageLimit})
	require.NoError(t, err)
	for _, tk := range page.Items {
		if tk.ID == id {
			return tk
		}
	}
	t.Fatalf("task %s not found", id)
	return nil
}

func TestBuildRecord(t *testing.T) {
	rec := BuildRecord(automation.Outcome{
		Source:    automation.SourceAutomation,
		ID:        "auto.daily-summary",
		RunID:     "run-1",
		Status:    automation.StatusExecuted,
		ProfileID: "ops",
		Lane:      automation.LaneMain,
	})
	assert.Equal(t, "run-link:automation:auto.daily-summary:run-1", rec.ReplayKey)
	assert.Equal(t, "automation:auto.daily-summary:run:run-1", rec.TaskID)
	assert.Equal(t, "Automation auto.daily-summary run run-1", rec.Title)
	assert.Equal(t, task.StatusDone, rec.ToStatus)
	assert.Equal(t, task.AssigneeAgentProfile, rec.AssigneeType)
	assert.Equal(t, "ops", rec.AssigneeID)
	assert.Equal(t, "Executed", rec.Reason)
}

func TestBuildRecord_Reasons(t *testing.T) {
	cases := []struct {
		name    string
		outcome automation.Outcome
		reason  string
	}{
		{"skip", automation.Outcome{Status: automation.StatusSkipped, SkipReason: automation.ReasonPolicyInactive}, "Skipped: Policy Inactive"},
		{"block", automation.Outcome{Status: automation.StatusBlocked, BlockReason: automation.ReasonApprovalRequired}, "Blocked: Approval Required"},
		{"failure", automation.Outcome{Status: automation.StatusFailed, Failure: &automation.Failure{Code: "EXECUTOR_TIMEOUT"}}, "Failed: EXECUTOR_TIMEOUT"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.outcome.Source = automation.SourceHeartbeat
			tc.outcome.ID, tc.outcome.RunID = "agent-1", "hb-1"
			rec := BuildRecord(tc.outcome)
			assert.Equal(t, tc.reason, rec.Reason)
			assert.Equal(t, task.StatusBlocked, rec.ToStatus)
			assert.Equal(t, task.AssigneeAgent, rec.AssigneeType)
			assert.Equal(t, "heartbeat-runtime", rec.AssigneeID)
		})
	}
}

func TestLinker_ExecutedRunScenario(t *testing.T) {
	f := newFixture(t)
	g, err := automation.NewGateway(f.pipeline, automation.DryRunExecutor{}, automation.WithRunLinker(f.linker))
	require.NoError(t, err)
	ctx := context.Background()
	req := automation.RunRequest{
		AutomationID: "auto.daily-summary",
		RunID:        "run-1",
		Trigger:      "schedule",
		ProfileID:    "ops",
		Plan:         automation.Plan{Prompt: "summarise"},
	}

	o, err := g.Run(ctx, req)
	require.NoError(t, err)
	require.Equal(t, automation.StatusExecuted, o.Status)

	tk := f.task(t, "automation:auto.daily-summary:run:run-1")
	assert.Equal(t, task.StatusDone, tk.Status)
	assert.Equal(t, 2, tk.Version)

	// Duplicate delivery of the same run leaves the task untouched.
	_, err = g.Run(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 2, f.task(t, "automation:auto.daily-summary:run:run-1").Version)

	res, err := f.linker.ReplayRecordedRuns(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, res.SkippedDuplicate)
	assert.Equal(t, 2, f.task(t, "automation:auto.daily-summary:run:run-1").Version)
}

func TestLinker_BlockedRunIsLinkedBlocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.linker.RecordHeartbeatRun(ctx, automation.Outcome{
		ID: "agent-1", RunID: "hb-9", Status: automation.StatusBlocked, BlockReason: automation.ReasonProfileNotResolved,
	})
	require.NoError(t, err)
	tk := f.task(t, "heartbeat:agent-1:run:hb-9")
	assert.Equal(t, task.StatusBlocked, tk.Status)
	assert.Equal(t, "heartbeat-runtime", tk.AssigneeID)
}

func TestLinker_ReplayFromSequenceAndWindow(t *testing.T) {
	f := newFixture(t, WithLedgerLimit(2))
	ctx := context.Background()
	for _, run := range []string{"r1", "r2", "r3"} {
		require.NoError(t, f.linker.RecordAutomationRun(ctx, automation.Outcome{
			ID: "a", RunID: run, Status: automation.StatusExecuted, ProfileID: "ops",
		}))
	}

	ledger := f.linker.Ledger(0)
	require.Len(t, ledger, 2)
	assert.Equal(t, int64(1), ledger[0].Sequence)
	assert.Equal(t, int64(2), ledger[1].Sequence)

	res, err := f.linker.ReplayRecordedRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "run-link:automation:a:r3", res.Items[0].ReplayKey)
	assert.Equal(t, task.ReplaySkippedDuplicate, res.Items[0].Status)

	// The compacted r1 entry stays idempotent through the board.
	require.NoError(t, f.linker.RecordAutomationRun(ctx, automation.Outcome{
		ID: "a", RunID: "r1", Status: automation.StatusExecuted, ProfileID: "ops",
	}))
	assert.Equal(t, 2, f.task(t, "automation:a:run:r1").Version)
}

type failingStore struct {
	*task.MemoryStore
}

func (failingStore) Commit(context.Context, task.Commit) error {
	return errors.New("disk full")
}

func TestLinker_BoardFailureIsFatal(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p, err := contract.NewPipeline(contract.NewRegistry(), contract.WithLogger(logger))
	require.NoError(t, err)
	board, err := task.NewBoard(p, task.WithStore(failingStore{task.NewMemoryStore()}), task.WithLogger(logger))
	require.NoError(t, err)
	l, err := New(board, WithLogger(logger))
	require.NoError(t, err)

	err = l.RecordAutomationRun(context.Background(), automation.Outcome{
		ID: "a", RunID: "r1", Status: automation.StatusExecuted, ProfileID: "ops",
	})
	require.Error(t, err)
	assert.True(t, contract.IsRuntime(err))
	assert.Len(t, l.Ledger(0), 1, "failed links stay in the ledger for reconciliation")
}

func TestNew_RequiresBoard(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}
