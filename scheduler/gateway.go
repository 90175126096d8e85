package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/GoCodeAlone/conductor/automation"
	"github.com/GoCodeAlone/conductor/comms"
	"github.com/GoCodeAlone/conductor/contract"
	"github.com/GoCodeAlone/conductor/task"
)

// AutomationRunner runs one automation request. *automation.Gateway
// implements it.
type AutomationRunner interface {
	Run(ctx context.Context, req automation.RunRequest) (automation.Outcome, error)
}

// HeartbeatRunner runs one heartbeat tick. *automation.HeartbeatGateway
// implements it.
type HeartbeatRunner interface {
	Tick(ctx context.Context, req automation.TickRequest) (automation.Outcome, error)
}

// RunLinkReplayer re-applies recorded run links. *runlink.Linker implements
// it.
type RunLinkReplayer interface {
	ReplayRecordedRuns(ctx context.Context, fromSequence int64) (task.ReplayResult, error)
}

// Gateway processes scheduler events and serves the queue actions.
type Gateway struct {
	pipeline    *contract.Pipeline
	automation  AutomationRunner
	heartbeat   HeartbeatRunner
	linker      RunLinkReplayer
	store       StateStore
	bus         comms.Bus
	registerer  prometheus.Registerer
	metrics     *metrics
	logger      *slog.Logger
	now         func() time.Time
	ledgerLimit int

	mu          sync.Mutex
	ledger      map[string]struct{}
	ledgerOrder []string
	inFlight    map[string]struct{}
	nextSeq     int64
	seqLoaded   bool
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithAutomation routes automation events to r.
func WithAutomation(r AutomationRunner) Option { return func(g *Gateway) { g.automation = r } }

// WithHeartbeat routes heartbeat events to r.
func WithHeartbeat(r HeartbeatRunner) Option { return func(g *Gateway) { g.heartbeat = r } }

// WithRunLinkReplayer enables ReplayRunLinks.
func WithRunLinkReplayer(l RunLinkReplayer) Option { return func(g *Gateway) { g.linker = l } }

// WithStateStore sets the queue store. The default is a MemoryStateStore.
func WithStateStore(s StateStore) Option { return func(g *Gateway) { g.store = s } }

// WithBus publishes dispositions and queue actions on bus.
func WithBus(bus comms.Bus) Option { return func(g *Gateway) { g.bus = bus } }

// WithMetrics registers the scheduler counters on reg.
func WithMetrics(reg prometheus.Registerer) Option { return func(g *Gateway) { g.registerer = reg } }

// WithLogger sets the gateway logger.
func WithLogger(l *slog.Logger) Option { return func(g *Gateway) { g.logger = l } }

// WithClock overrides the gateway clock.
func WithClock(now func() time.Time) Option { return func(g *Gateway) { g.now = now } }

// WithLedgerLimit caps the in-process processed-id ledger.
func WithLedgerLimit(n int) Option { return func(g *Gateway) { g.ledgerLimit = n } }

// NewGateway creates a scheduler gateway. At least one of WithAutomation and
// WithHeartbeat is required.
func NewGateway(p *contract.Pipeline, opts ...Option) (*Gateway, error) {
	if p == nil {
		return nil, fmt.Errorf("new scheduler gateway: pipeline is required")
	}
	g := &Gateway{
		pipeline:    p,
		logger:      slog.Default(),
		now:         time.Now,
		ledgerLimit: DefaultLedgerLimit,
		ledger:      make(map[string]struct{}),
		inFlight:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.automation == nil && g.heartbeat == nil {
		return nil, fmt.Errorf("new scheduler gateway: an automation or heartbeat runner is required")
	}
	if g.store == nil {
		g.store = NewMemoryStateStore()
	}
	if g.ledgerLimit <= 0 {
		g.ledgerLimit = DefaultLedgerLimit
	}
	if g.registerer != nil {
		m, err := newMetrics(g.registerer)
		if err != nil {
			return nil, fmt.Errorf("new scheduler gateway: %w", err)
		}
		g.metrics = m
	}

	contracts := append(Contracts(), automation.RunContract(), automation.TickContract())
	for _, c := range contracts {
		if err := p.Registry().Register(c); err != nil {
			return nil, fmt.Errorf("new scheduler gateway: %w", err)
		}
	}
	return g, nil
}

// Store returns the queue store.
func (g *Gateway) Store() StateStore { return g.store }

// Process admits, dispatches and disposes of one persisted event. Admission
// failures come back as a rejected result with a rejection code; a malformed
// request payload is a ValidationError.
func (g *Gateway) Process(ctx context.Context, ev Event) (ProcessResult, error) {
	fallback := contract.ExecutionAutomation
	if ev.Source == automation.SourceHeartbeat {
		fallback = contract.ExecutionHeartbeat
	}
	call := contract.Call{
		Type:     contract.ExecutionTypeFrom(ctx, fallback),
		ActionID: ActionProcess,
		Version:  ActionVersion,
	}
	return contract.Run(ctx, g.pipeline, call, ev, g.process)
}

func (g *Gateway) process(ctx context.Context, ev Event) (ProcessResult, error) {
	if ev.Attempt == 0 {
		ev.Attempt = 1
	}
	if ev.MaxAttempts == 0 {
		ev.MaxAttempts = 1
	}
	res := ProcessResult{
		EventID:     ev.EventID,
		Source:      ev.Source,
		RunID:       ev.RunID,
		Attempt:     ev.Attempt,
		MaxAttempts: ev.MaxAttempts,
	}

	payload := ev.payload()
	if payload == nil {
		return g.reject(res, RejectPayloadMissing, fmt.Sprintf("%s event carries no %sRequest", ev.Source, ev.Source)), nil
	}
	var ids struct {
		RunID string `json:"runId"`
	}
	if json.Unmarshal(payload, &ids) == nil && ids.RunID != "" && ids.RunID != ev.RunID {
		return g.reject(res, RejectRunIDMismatch, fmt.Sprintf("payload runId %q does not match event runId %q", ids.RunID, ev.RunID)), nil
	}
	action := automation.ActionRun
	if ev.Source == automation.SourceHeartbeat {
		action = automation.ActionTick
	}
	if err := g.pipeline.Registry().ValidateInput(action, automation.ActionVersion, payload); err != nil {
		return ProcessResult{}, err
	}
	if ev.Attempt > ev.MaxAttempts {
		return g.reject(res, RejectAttemptExceedsMax, fmt.Sprintf("attempt %d exceeds maxAttempts %d", ev.Attempt, ev.MaxAttempts)), nil
	}
	backoff, ok := backoffMs(ev.RetryBackoffMs)
	if !ok {
		return g.reject(res, RejectRetryBackoffInvalid, "retryBackoffMs must be a non-negative integer"), nil
	}

	dup, err := g.reserve(ctx, ev.EventID)
	if err != nil {
		return ProcessResult{}, contract.AsRuntime(ActionProcess, err)
	}
	if dup {
		return g.reject(res, RejectDuplicate, fmt.Sprintf("event %s was already processed", ev.EventID)), nil
	}
	defer g.release(ev.EventID)

	outcome, err := g.dispatch(ctx, ev.Source, payload)
	if err != nil {
		return ProcessResult{}, contract.AsRuntime(ActionProcess, err)
	}

	nowMs := g.now().UnixMilli()
	res.Status = ProcessProcessed
	res.RunStatus = outcome.Status
	res.Outcome = &outcome

	processed := Entry{
		EventID:        ev.EventID,
		Source:         ev.Source,
		RunID:          ev.RunID,
		Status:         EntryProcessed,
		RunStatus:      outcome.Status,
		Attempt:        ev.Attempt,
		MaxAttempts:    ev.MaxAttempts,
		RetryBackoffMs: backoff,
		RequestPayload: payload,
		TimestampMs:    nowMs,
	}
	if outcome.Failure != nil {
		processed.FailureCode = outcome.Failure.Code
	}

	var queued *Entry
	if outcome.Status == automation.StatusFailed {
		q := processed
		if outcome.RetryEligible && !outcome.DeadLetterEligible && ev.Attempt < ev.MaxAttempts {
			res.Disposition = DispositionRetryScheduled
			res.Reason = ReasonRetryEligible
			res.NextAttempt = ev.Attempt + 1
			res.RetryAtMs = nowMs + backoff
			q.Status = EntryPendingRetry
			q.NextAttempt = res.NextAttempt
			q.RetryAtMs = res.RetryAtMs
		} else {
			res.Disposition = DispositionDeadLettered
			res.Reason = ReasonDeadLetterEligible
			q.Status = EntryDeadLettered
		}
		q.Disposition, q.Reason = res.Disposition, res.Reason
		processed.Disposition, processed.Reason = res.Disposition, res.Reason
		queued = &q
	}

	seq, err := g.sequence(ctx)
	if err != nil {
		return ProcessResult{}, contract.AsRuntime(ActionProcess, err)
	}
	processed.Sequence = seq
	if queued != nil {
		queued.Sequence = seq
		var storeErr error
		if queued.Status == EntryPendingRetry {
			storeErr = g.store.StoreRetryEvent(ctx, *queued)
		} else {
			storeErr = g.store.StoreDeadLetterEvent(ctx, *queued)
		}
		if storeErr != nil {
			return ProcessResult{}, contract.AsRuntime(ActionProcess, fmt.Errorf("store %s entry %s: %w", queued.Status, ev.EventID, storeErr))
		}
	}
	if err := g.store.StoreProcessedEvent(ctx, processed); err != nil {
		err = fmt.Errorf("store processed entry %s: %w", ev.EventID, err)
		if queued != nil {
			// Roll back the queue write.
			q := QueueRetry
			if queued.Status == EntryDeadLettered {
				q = QueueDeadLetter
			}
			if _, rbErr := g.removeEntry(ctx, q, ev.EventID); rbErr != nil {
				err = errors.Join(err, fmt.Errorf("roll back: %w", rbErr))
			}
		}
		return ProcessResult{}, contract.AsRuntime(ActionProcess, err)
	}
	g.remember(ev.EventID)

	g.metrics.observe(res)
	g.logger.Info("scheduler event processed",
		slog.String("event_id", ev.EventID),
		slog.String("source", string(ev.Source)),
		slog.String("run_id", ev.RunID),
		slog.String("run_status", string(res.RunStatus)),
		slog.String("disposition", string(res.Disposition)),
		slog.Int("attempt", ev.Attempt),
	)
	comms.Notify(ctx, g.bus, &comms.Message{
		Type:    comms.TypeDisposition,
		Topic:   comms.TopicScheduler,
		Source:  string(ev.Source),
		Subject: ev.EventID,
		Payload: res,
	}, func(err error) {
		g.logger.Warn("disposition notification failed", slog.String("event_id", ev.EventID), slog.Any("err", err))
	})
	return res, nil
}

func (g *Gateway) reject(res ProcessResult, code, reason string) ProcessResult {
	res.Status = ProcessRejected
	res.RejectionCode = code
	res.Reason = reason
	g.metrics.observe(res)
	g.logger.Warn("scheduler event rejected",
		slog.String("event_id", res.EventID),
		slog.String("source", string(res.Source)),
		slog.String("code", code),
		slog.String("reason", reason),
	)
	return res
}

func (g *Gateway) dispatch(ctx context.Context, source automation.Source, payload json.RawMessage) (automation.Outcome, error) {
	switch source {
	case automation.SourceAutomation:
		if g.automation == nil {
			return automation.Outcome{}, contract.Runtimef(ActionProcess, "no automation gateway configured")
		}
		var req automation.RunRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return automation.Outcome{}, fmt.Errorf("decode automation request: %w", err)
		}
		return g.automation.Run(ctx, req)
	case automation.SourceHeartbeat:
		if g.heartbeat == nil {
			return automation.Outcome{}, contract.Runtimef(ActionProcess, "no heartbeat gateway configured")
		}
		var req automation.TickRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return automation.Outcome{}, fmt.Errorf("decode heartbeat request: %w", err)
		}
		return g.heartbeat.Tick(ctx, req)
	}
	return automation.Outcome{}, contract.Runtimef(ActionProcess, "unknown event source %q", source)
}

// reserve marks eventID in flight. It reports a duplicate when the id is in
// flight, in the ledger or already processed according to the store.
func (g *Gateway) reserve(ctx context.Context, eventID string) (bool, error) {
	g.mu.Lock()
	_, busy := g.inFlight[eventID]
	_, seen := g.ledger[eventID]
	if busy || seen {
		g.mu.Unlock()
		return true, nil
	}
	g.inFlight[eventID] = struct{}{}
	g.mu.Unlock()

	done, err := g.store.HasProcessedEvent(ctx, eventID)
	if err != nil || done {
		g.release(eventID)
	}
	if err != nil {
		return false, fmt.Errorf("check processed %s: %w", eventID, err)
	}
	return done, nil
}

func (g *Gateway) release(eventID string) {
	g.mu.Lock()
	delete(g.inFlight, eventID)
	g.mu.Unlock()
}

func (g *Gateway) remember(eventID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ledger[eventID] = struct{}{}
	g.ledgerOrder = append(g.ledgerOrder, eventID)
	if n := len(g.ledgerOrder) - g.ledgerLimit; n > 0 {
		for _, id := range g.ledgerOrder[:n] {
			delete(g.ledger, id)
		}
		g.ledgerOrder = append([]string(nil), g.ledgerOrder[n:]...)
	}
}

// sequence returns the next queue sequence, continuing after the highest
// sequence in the store on first use.
func (g *Gateway) sequence(ctx context.Context) (int64, error) {
	g.mu.Lock()
	loaded := g.seqLoaded
	g.mu.Unlock()

	if !loaded {
		next, err := g.loadSequence(ctx)
		if err != nil {
			return 0, err
		}
		g.mu.Lock()
		if !g.seqLoaded {
			g.nextSeq, g.seqLoaded = next, true
		}
		g.mu.Unlock()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	seq := g.nextSeq
	g.nextSeq++
	return seq, nil
}

func (g *Gateway) loadSequence(ctx context.Context) (int64, error) {
	var next int64
	for _, list := range []func(context.Context) ([]Entry, error){
		g.store.ListProcessedEvents, g.store.ListRetryEvents, g.store.ListDeadLetterEvents,
	} {
		entries, err := list(ctx)
		if err != nil {
			return 0, fmt.Errorf("load queue sequence: %w", err)
		}
		for _, e := range entries {
			if e.Sequence >= next {
				next = e.Sequence + 1
			}
		}
	}
	return next, nil
}

func backoffMs(v *float64) (int64, bool) {
	if v == nil {
		return 0, true
	}
	f := *v
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f != math.Trunc(f) {
		return 0, false
	}
	return int64(f), true
}
