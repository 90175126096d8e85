package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/conductor/automation"
	"github.com/GoCodeAlone/conductor/comms"
	"github.com/GoCodeAlone/conductor/contract"
	"github.com/GoCodeAlone/conductor/task"
)

const startMs = int64(1_700_000_000_000)

type fixture struct {
	pipeline *contract.Pipeline
	gateway  *Gateway
	nowMs    atomic.Int64

	mu     sync.Mutex
	result automation.ExecutionResult
	calls  int
	types  []contract.ExecutionType
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{result: automation.ExecutionResult{Status: automation.StatusExecuted}}
	f.nowMs.Store(startMs)
	clock := func() time.Time { return time.UnixMilli(f.nowMs.Load()) }

	p, err := contract.NewPipeline(contract.NewRegistry(), contract.WithLogger(quietLogger()))
	require.NoError(t, err)
	f.pipeline = p

	exec := automation.ExecutorFunc(func(ctx context.Context, _ automation.ExecutionRequest) (automation.ExecutionResult, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.calls++
		f.types = append(f.types, contract.ExecutionTypeFrom(ctx, ""))
		return f.result, nil
	})
	auto, err := automation.NewGateway(p, exec, automation.WithLogger(quietLogger()), automation.WithClock(clock))
	require.NoError(t, err)
	hb, err := automation.NewHeartbeatGateway(p, exec, automation.WithLogger(quietLogger()), automation.WithClock(clock))
	require.NoError(t, err)

	base := []Option{WithAutomation(auto), WithHeartbeat(hb), WithLogger(quietLogger()), WithClock(clock)}
	g, err := NewGateway(p, append(base, opts...)...)
	require.NoError(t, err)
	f.gateway = g
	return f
}

func (f *fixture) respond(res automation.ExecutionResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.result = res
}

func (f *fixture) executorCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fixture) queue(t *testing.T, q Queue) QueuePage {
	t.Helper()
	page, err := f.gateway.ListQueue(context.Background(), ListQueueInput{Queue: q, Limit: contract.MaxPageLimit})
	require.NoError(t, err)
	return page
}

func automationPayload(runID string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"automationId":"auto.daily-summary","runId":%q,"trigger":"schedule","profileId":"ops","plan":{"prompt":"summarise"}}`, runID))
}

func heartbeatPayload(runID string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"agentId":"agent-1","runId":%q,"trigger":"interval","profileId":"ops"}`, runID))
}

func backoff(v float64) *float64 { return &v }

func automationEvent(id, runID string) Event {
	return Event{
		EventID:           id,
		Source:            automation.SourceAutomation,
		RunID:             runID,
		RecordedAtMs:      startMs,
		AutomationRequest: automationPayload(runID),
	}
}

var retryableFailure = automation.ExecutionResult{
	Status:        automation.StatusFailed,
	Failure:       &automation.Failure{Code: "HTTP_503"},
	RetryEligible: true,
}

func TestProcess_DuplicateRejection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := automationEvent("evt-1", "run-1")

	res, err := f.gateway.Process(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, ProcessProcessed, res.Status)
	assert.Equal(t, automation.StatusExecuted, res.RunStatus)
	assert.Empty(t, res.Disposition)
	assert.Equal(t, 1, f.queue(t, QueueProcessed).TotalCount)

	res, err = f.gateway.Process(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, ProcessRejected, res.Status)
	assert.Equal(t, RejectDuplicate, res.RejectionCode)
	assert.Equal(t, 1, f.queue(t, QueueProcessed).TotalCount)
	assert.Equal(t, 1, f.executorCalls())
}

func TestProcess_RetryScheduled(t *testing.T) {
	f := newFixture(t)
	f.respond(retryableFailure)
	ev := automationEvent("evt-1", "run-1")
	ev.Attempt, ev.MaxAttempts, ev.RetryBackoffMs = 1, 3, backoff(120000)

	res, err := f.gateway.Process(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, ProcessProcessed, res.Status)
	assert.Equal(t, automation.StatusFailed, res.RunStatus)
	assert.Equal(t, DispositionRetryScheduled, res.Disposition)
	assert.Equal(t, ReasonRetryEligible, res.Reason)
	assert.Equal(t, 2, res.NextAttempt)
	assert.Equal(t, startMs+120000, res.RetryAtMs)

	retry := f.queue(t, QueueRetry)
	require.Len(t, retry.Items, 1)
	entry := retry.Items[0]
	assert.Equal(t, "evt-1", entry.EventID)
	assert.Equal(t, EntryPendingRetry, entry.Status)
	assert.Equal(t, 2, entry.NextAttempt)
	assert.Equal(t, startMs+120000, entry.RetryAtMs)
	assert.Equal(t, int64(120000), entry.RetryBackoffMs)
	assert.Equal(t, "HTTP_503", entry.FailureCode)
	assert.JSONEq(t, string(automationPayload("run-1")), string(entry.RequestPayload))

	processed := f.queue(t, QueueProcessed)
	require.Len(t, processed.Items, 1)
	assert.Equal(t, DispositionRetryScheduled, processed.Items[0].Disposition)
	assert.Empty(t, f.queue(t, QueueDeadLetter).Items)
}

func TestProcess_DeadLettered(t *testing.T) {
	cases := []struct {
		name        string
		attempt     int
		maxAttempts int
		result      automation.ExecutionResult
	}{
		{"attempts exhausted", 3, 3, retryableFailure},
		{"dead-letter eligible", 1, 3, automation.ExecutionResult{
			Status: automation.StatusFailed, Failure: &automation.Failure{Code: "HTTP_400"}, DeadLetterEligible: true,
		}},
		{"not retryable", 1, 3, automation.ExecutionResult{
			Status: automation.StatusFailed, Failure: &automation.Failure{Code: "BAD_PLAN"},
		}},
		{"defaults to a single attempt", 0, 0, retryableFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.respond(tc.result)
			ev := automationEvent("evt-1", "run-1")
			ev.Attempt, ev.MaxAttempts = tc.attempt, tc.maxAttempts

			res, err := f.gateway.Process(context.Background(), ev)
			require.NoError(t, err)
			assert.Equal(t, DispositionDeadLettered, res.Disposition)
			assert.Equal(t, ReasonDeadLetterEligible, res.Reason)
			assert.Zero(t, res.NextAttempt)

			dl := f.queue(t, QueueDeadLetter)
			require.Len(t, dl.Items, 1)
			assert.Equal(t, "evt-1", dl.Items[0].EventID)
			assert.Equal(t, EntryDeadLettered, dl.Items[0].Status)
			assert.Empty(t, f.queue(t, QueueRetry).Items)
		})
	}
}

func TestProcess_AdmissionRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Event)
		code   string
	}{
		{"payload missing", func(e *Event) {
			e.AutomationRequest = nil
			e.HeartbeatRequest = heartbeatPayload("run-1")
		}, RejectPayloadMissing},
		{"null payload", func(e *Event) { e.AutomationRequest = json.RawMessage("null") }, RejectPayloadMissing},
		{"run id mismatch", func(e *Event) { e.AutomationRequest = automationPayload("run-2") }, RejectRunIDMismatch},
		{"attempt exceeds max", func(e *Event) { e.Attempt, e.MaxAttempts = 4, 3 }, RejectAttemptExceedsMax},
		{"negative backoff", func(e *Event) { e.RetryBackoffMs = backoff(-1) }, RejectRetryBackoffInvalid},
		{"fractional backoff", func(e *Event) { e.RetryBackoffMs = backoff(1.5) }, RejectRetryBackoffInvalid},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ev := automationEvent("evt-1", "run-1")
			tc.mutate(&ev)

			res, err := f.gateway.Process(context.Background(), ev)
			require.NoError(t, err)
			assert.Equal(t, ProcessRejected, res.Status)
			assert.Equal(t, tc.code, res.RejectionCode)
			assert.NotEmpty(t, res.Reason)
			assert.Zero(t, f.executorCalls())
			assert.Zero(t, f.queue(t, QueueProcessed).TotalCount)
		})
	}
}

func TestProcess_MalformedPayloadIsValidationError(t *testing.T) {
	f := newFixture(t)
	ev := automationEvent("evt-1", "run-1")
	ev.AutomationRequest = json.RawMessage(`{"automationId":"a","runId":"run-1","trigger":"hourly","plan":{"prompt":"x"},"extra":1}`)

	_, err := f.gateway.Process(context.Background(), ev)
	var ve *contract.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "automation.gateway.run@1", ve.SchemaID)
	assert.Contains(t, ve.Errors, "extra: unknown field")
	assert.Zero(t, f.executorCalls())

	// The event id stays available once the producer fixes the payload.
	res, err := f.gateway.Process(context.Background(), automationEvent("evt-1", "run-1"))
	require.NoError(t, err)
	assert.Equal(t, ProcessProcessed, res.Status)
}

func TestProcess_EnvelopeValidation(t *testing.T) {
	f := newFixture(t)
	ev := automationEvent("evt-1", "run-1")
	ev.Source = "cron"

	_, err := f.gateway.Process(context.Background(), ev)
	var ve *contract.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "runtime.scheduler.event.process@1", ve.SchemaID)
}

func TestProcess_HeartbeatRoute(t *testing.T) {
	f := newFixture(t)
	res, err := f.gateway.Process(context.Background(), Event{
		EventID:          "hb-evt-1",
		Source:           automation.SourceHeartbeat,
		RunID:            "hb-1",
		HeartbeatRequest: heartbeatPayload("hb-1"),
	})
	require.NoError(t, err)
	assert.Equal(t, ProcessProcessed, res.Status)
	require.NotNil(t, res.Outcome)
	assert.Equal(t, automation.SourceHeartbeat, res.Outcome.Source)
	assert.Equal(t, "agent-1", res.Outcome.ID)
	assert.Equal(t, []contract.ExecutionType{contract.ExecutionHeartbeat}, f.types)
}

func TestProcess_SharedStoreAcrossInstances(t *testing.T) {
	store := NewMemoryStateStore()
	first := newFixture(t, WithStateStore(store))
	second := newFixture(t, WithStateStore(store))
	ctx := context.Background()

	_, err := first.gateway.Process(ctx, automationEvent("evt-1", "run-1"))
	require.NoError(t, err)

	res, err := second.gateway.Process(ctx, automationEvent("evt-1", "run-1"))
	require.NoError(t, err)
	assert.Equal(t, RejectDuplicate, res.RejectionCode)

	_, err = second.gateway.Process(ctx, automationEvent("evt-2", "run-2"))
	require.NoError(t, err)
	items := second.queue(t, QueueProcessed).Items
	require.Len(t, items, 2)
	assert.Equal(t, int64(0), items[0].Sequence)
	assert.Equal(t, int64(1), items[1].Sequence)
}

func TestProcess_LedgerWindowFallsBackToStore(t *testing.T) {
	f := newFixture(t, WithLedgerLimit(1))
	ctx := context.Background()
	for _, id := range []string{"evt-1", "evt-2"} {
		_, err := f.gateway.Process(ctx, automationEvent(id, "run-"+id))
		require.NoError(t, err)
	}
	res, err := f.gateway.Process(ctx, automationEvent("evt-1", "run-evt-1"))
	require.NoError(t, err)
	assert.Equal(t, RejectDuplicate, res.RejectionCode)
}

type flakyStore struct {
	*MemoryStateStore
	fail atomic.Bool
}

func (s *flakyStore) StoreProcessedEvent(ctx context.Context, e Entry) error {
	if s.fail.Load() {
		return errors.New("disk full")
	}
	return s.MemoryStateStore.StoreProcessedEvent(ctx, e)
}

func TestProcess_StoreFailureIsRuntimeError(t *testing.T) {
	store := &flakyStore{MemoryStateStore: NewMemoryStateStore()}
	store.fail.Store(true)
	f := newFixture(t, WithStateStore(store))
	ctx := context.Background()

	_, err := f.gateway.Process(ctx, automationEvent("evt-1", "run-1"))
	require.Error(t, err)
	assert.True(t, contract.IsRuntime(err))

	store.fail.Store(false)
	res, err := f.gateway.Process(ctx, automationEvent("evt-1", "run-1"))
	require.NoError(t, err)
	assert.Equal(t, ProcessProcessed, res.Status)
}

func TestProcess_ProcessedStoreFailureLeavesNoQueueEntry(t *testing.T) {
	mem := NewMemoryStateStore()
	f := newFixture(t, WithStateStore(failingProcessStore{mem}))
	f.respond(retryableFailure)
	ctx := context.Background()

	ev := automationEvent("evt-1", "run-1")
	ev.MaxAttempts = 3
	_, err := f.gateway.Process(ctx, ev)
	require.Error(t, err)
	assert.True(t, contract.IsRuntime(err))

	retries, err := mem.ListRetryEvents(ctx)
	require.NoError(t, err)
	assert.Empty(t, retries)

	ev = automationEvent("evt-2", "run-2")
	ev.MaxAttempts = 1
	_, err = f.gateway.Process(ctx, ev)
	require.Error(t, err)
	dead, err := mem.ListDeadLetterEvents(ctx)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestProcess_PublishesDisposition(t *testing.T) {
	bus := comms.NewInMemoryBus()
	var got []*comms.Message
	bus.Subscribe(comms.TopicScheduler, func(_ context.Context, msg *comms.Message) error {
		got = append(got, msg)
		return nil
	})
	f := newFixture(t, WithBus(bus))
	f.respond(retryableFailure)
	ev := automationEvent("evt-1", "run-1")
	ev.MaxAttempts = 2

	_, err := f.gateway.Process(context.Background(), ev)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, comms.TypeDisposition, got[0].Type)
	assert.Equal(t, "evt-1", got[0].Subject)
	res, ok := got[0].Payload.(ProcessResult)
	require.True(t, ok)
	assert.Equal(t, DispositionRetryScheduled, res.Disposition)
}

func TestProcess_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newFixture(t, WithMetrics(reg))
	ctx := context.Background()

	_, err := f.gateway.Process(ctx, automationEvent("evt-1", "run-1"))
	require.NoError(t, err)
	_, err = f.gateway.Process(ctx, automationEvent("evt-1", "run-1"))
	require.NoError(t, err)

	events := f.gateway.metrics.events
	assert.Equal(t, 1.0, testutil.ToFloat64(events.WithLabelValues("automation", "processed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(events.WithLabelValues("automation", RejectDuplicate)))
}

func TestNewGateway_RequiresRunner(t *testing.T) {
	p, err := contract.NewPipeline(contract.NewRegistry(), contract.WithLogger(quietLogger()))
	require.NoError(t, err)
	_, err = NewGateway(p)
	assert.Error(t, err)
	_, err = NewGateway(nil)
	assert.Error(t, err)
}

func TestListQueue_FiltersAndSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.gateway.Process(ctx, automationEvent("evt-1", "run-1"))
	require.NoError(t, err)

	f.respond(retryableFailure)
	for i, ms := range []float64{1000, 5000} {
		ev := automationEvent(fmt.Sprintf("evt-%d", i+2), fmt.Sprintf("run-%d", i+2))
		ev.MaxAttempts, ev.RetryBackoffMs = 3, backoff(ms)
		_, err := f.gateway.Process(ctx, ev)
		require.NoError(t, err)
	}
	_, err = f.gateway.Process(ctx, Event{
		EventID: "hb-evt", Source: automation.SourceHeartbeat, RunID: "hb-1", HeartbeatRequest: heartbeatPayload("hb-1"),
	})
	require.NoError(t, err)

	processed := f.queue(t, QueueProcessed)
	assert.Equal(t, 4, processed.TotalCount)
	assert.Equal(t, 4, processed.Summary.UniqueRuns)
	assert.Equal(t, map[EntryStatus]int{EntryProcessed: 4}, processed.Summary.ByStatus)
	assert.Equal(t, map[string]int{"executed": 1, "failed": 3}, processed.Summary.ByRunStatus)
	assert.Equal(t, map[string]int{"retry_scheduled": 2, "dead_lettered": 1}, processed.Summary.ByDisposition)

	page, err := f.gateway.ListQueue(ctx, ListQueueInput{Queue: QueueProcessed, Disposition: DispositionRetryScheduled})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "evt-2", page.Items[0].EventID)
	assert.Equal(t, "evt-3", page.Items[1].EventID)

	page, err = f.gateway.ListQueue(ctx, ListQueueInput{Queue: QueueProcessed, Source: automation.SourceHeartbeat})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "hb-evt", page.Items[0].EventID)

	page, err = f.gateway.ListQueue(ctx, ListQueueInput{Queue: QueueProcessed, RunID: "run-3"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)

	retry := f.queue(t, QueueRetry)
	require.Equal(t, 2, retry.TotalCount)
	require.NotNil(t, retry.Summary.NextRetryAtMs)
	require.NotNil(t, retry.Summary.LatestRetryAtMs)
	assert.Equal(t, startMs+1000, *retry.Summary.NextRetryAtMs)
	assert.Equal(t, startMs+5000, *retry.Summary.LatestRetryAtMs)
	assert.Equal(t, map[EntryStatus]int{EntryPendingRetry: 2}, retry.Summary.ByStatus)

	dl := f.queue(t, QueueDeadLetter)
	require.Len(t, dl.Items, 1)
	assert.Equal(t, "hb-evt", dl.Items[0].EventID)
}

func TestListQueue_Pagination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		_, err := f.gateway.Process(ctx, automationEvent(fmt.Sprintf("evt-%d", i), fmt.Sprintf("run-%d", i)))
		require.NoError(t, err)
	}

	first, err := f.gateway.ListQueue(ctx, ListQueueInput{Queue: QueueProcessed, Limit: 3})
	require.NoError(t, err)
	require.Len(t, first.Items, 3)
	require.NotEmpty(t, first.NextCursor)

	second, err := f.gateway.ListQueue(ctx, ListQueueInput{Queue: QueueProcessed, Limit: 3, Cursor: first.NextCursor})
	require.NoError(t, err)
	require.Len(t, second.Items, 2)
	assert.Empty(t, second.NextCursor)
	assert.Equal(t, 5, second.TotalCount)
	assert.Equal(t, "evt-4", second.Items[0].EventID)
	assert.Equal(t, "evt-5", second.Items[1].EventID)
}

func TestListQueue_UnknownQueue(t *testing.T) {
	f := newFixture(t)
	_, err := f.gateway.ListQueue(context.Background(), ListQueueInput{Queue: "archive"})
	assert.True(t, contract.IsValidation(err))
}

func TestRunQueueAction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.respond(retryableFailure)

	ev := automationEvent("evt-1", "run-1")
	ev.MaxAttempts, ev.RetryBackoffMs = 3, backoff(1000)
	_, err := f.gateway.Process(ctx, ev)
	require.NoError(t, err)

	res, err := f.gateway.RunQueueAction(ctx, QueueActionInput{Queue: QueueRetry, Action: ActionDismiss, EventID: "evt-1"})
	require.NoError(t, err)
	assert.Equal(t, QueueActionApplied, res.Status)
	require.NotNil(t, res.Entry)
	assert.Equal(t, "evt-1", res.Entry.EventID)
	assert.Nil(t, res.Requeue)
	assert.Empty(t, f.queue(t, QueueRetry).Items)

	res, err = f.gateway.RunQueueAction(ctx, QueueActionInput{Queue: QueueRetry, Action: ActionDismiss, EventID: "evt-1"})
	require.NoError(t, err)
	assert.Equal(t, QueueActionNotFound, res.Status)
	assert.Nil(t, res.Entry)

	_, err = f.gateway.RunQueueAction(ctx, QueueActionInput{Queue: QueueProcessed, Action: ActionDismiss, EventID: "evt-1"})
	assert.True(t, contract.IsValidation(err))
}

func TestRunQueueAction_RequeueDeadLetter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.respond(retryableFailure)

	ev := automationEvent("evt-1", "run-1")
	ev.Attempt, ev.MaxAttempts = 3, 3
	_, err := f.gateway.Process(ctx, ev)
	require.NoError(t, err)

	res, err := f.gateway.RunQueueAction(ctx, QueueActionInput{Queue: QueueDeadLetter, Action: ActionRequeue, EventID: "evt-1"})
	require.NoError(t, err)
	assert.Equal(t, QueueActionApplied, res.Status)
	require.NotNil(t, res.Requeue)
	assert.Equal(t, "evt-1:attempt:4", res.Requeue.EventID)
	assert.Equal(t, 4, res.Requeue.Attempt)
	assert.Equal(t, 4, res.Requeue.MaxAttempts)
	assert.Empty(t, f.queue(t, QueueDeadLetter).Items)

	f.respond(automation.ExecutionResult{Status: automation.StatusExecuted})
	out, err := f.gateway.Process(ctx, *res.Requeue)
	require.NoError(t, err)
	assert.Equal(t, ProcessProcessed, out.Status)
	assert.Equal(t, automation.StatusExecuted, out.RunStatus)
}

func TestRestore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.respond(retryableFailure)

	ev := automationEvent("evt-1", "run-1")
	ev.Attempt, ev.MaxAttempts = 3, 3
	_, err := f.gateway.Process(ctx, ev)
	require.NoError(t, err)

	res, err := f.gateway.RunQueueAction(ctx, QueueActionInput{Queue: QueueDeadLetter, Action: ActionRequeue, EventID: "evt-1"})
	require.NoError(t, err)
	require.NotNil(t, res.Entry)
	assert.Empty(t, f.queue(t, QueueDeadLetter).Items)

	require.NoError(t, f.gateway.Restore(ctx, QueueDeadLetter, *res.Entry))
	items := f.queue(t, QueueDeadLetter).Items
	require.Len(t, items, 1)
	assert.Equal(t, "evt-1", items[0].EventID)

	assert.Error(t, f.gateway.Restore(ctx, QueueProcessed, *res.Entry))
}

type stubReplayer struct {
	from int64
}

func (s *stubReplayer) ReplayRecordedRuns(_ context.Context, from int64) (task.ReplayResult, error) {
	s.from = from
	return task.ReplayResult{SkippedDuplicate: 3}, nil
}

func TestReplayRunLinks(t *testing.T) {
	f := newFixture(t)
	_, err := f.gateway.ReplayRunLinks(context.Background(), ReplayRunLinksInput{})
	require.Error(t, err)
	assert.True(t, contract.IsRuntime(err))

	stub := &stubReplayer{}
	f = newFixture(t, WithRunLinkReplayer(stub))
	res, err := f.gateway.ReplayRunLinks(context.Background(), ReplayRunLinksInput{FromSequence: 7})
	require.NoError(t, err)
	assert.Equal(t, 3, res.SkippedDuplicate)
	assert.Equal(t, int64(7), stub.from)
}

func TestRetryEventID(t *testing.T) {
	assert.Equal(t, "evt-1:attempt:2", RetryEventID("evt-1", 2))
	assert.Equal(t, "evt-1:attempt:3", RetryEventID("evt-1:attempt:2", 3))
}
