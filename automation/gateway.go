package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/conductor/comms"
	"github.com/GoCodeAlone/conductor/contract"
	"github.com/GoCodeAlone/conductor/profile"
)

// engine is the decision flow shared by both gateways.
type engine struct {
	pipeline *contract.Pipeline
	resolver profile.Resolver
	linker   RunLinker
	bus      comms.Bus
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a gateway.
type Option func(*engine)

// WithResolver sets the profile resolver consulted when a request carries no
// explicit profile id.
func WithResolver(r profile.Resolver) Option { return func(e *engine) { e.resolver = r } }

// WithRunLinker forwards every outcome to l before it is returned.
func WithRunLinker(l RunLinker) Option { return func(e *engine) { e.linker = l } }

// WithBus publishes outcomes on bus.
func WithBus(bus comms.Bus) Option { return func(e *engine) { e.bus = bus } }

// WithLogger sets the gateway logger.
func WithLogger(l *slog.Logger) Option { return func(e *engine) { e.logger = l } }

// WithClock overrides the gateway clock.
func WithClock(now func() time.Time) Option { return func(e *engine) { e.now = now } }

func newEngine(p *contract.Pipeline, c contract.Contract, opts []Option) (engine, error) {
	if p == nil {
		return engine{}, fmt.Errorf("pipeline is required")
	}
	e := engine{pipeline: p, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&e)
	}
	if err := p.Registry().Register(c); err != nil {
		return engine{}, err
	}
	return e, nil
}

// Gateway decides and executes automation runs.
type Gateway struct {
	engine
	executor Executor
}

// NewGateway creates the automation gateway.
func NewGateway(p *contract.Pipeline, executor Executor, opts ...Option) (*Gateway, error) {
	if executor == nil {
		return nil, fmt.Errorf("new automation gateway: executor is required")
	}
	e, err := newEngine(p, RunContract(), opts)
	if err != nil {
		return nil, fmt.Errorf("new automation gateway: %w", err)
	}
	return &Gateway{engine: e, executor: executor}, nil
}

// Run evaluates and, when every check passes, executes one automation run.
func (g *Gateway) Run(ctx context.Context, req RunRequest) (Outcome, error) {
	call := contract.Call{
		Type:     contract.ExecutionTypeFrom(ctx, contract.ExecutionAutomation),
		ActionID: ActionRun,
		Version:  ActionVersion,
	}
	return contract.Run(ctx, g.pipeline, call, req, func(ctx context.Context, req RunRequest) (Outcome, error) {
		plan := req.Plan
		return g.decide(ctx, ActionRun, decision{
			outcome: Outcome{
				Source:    SourceAutomation,
				ID:        req.AutomationID,
				RunID:     req.RunID,
				Trigger:   req.Trigger,
				SessionID: req.SessionID,
			},
			policy:   req.Policy,
			planCost: req.Plan.EstimatedCost,
			timeout:  time.Duration(req.Plan.TimeoutMs) * time.Millisecond,
			profile: profile.Request{
				ProfileID:        req.ProfileID,
				SessionID:        req.SessionID,
				WorkspaceID:      req.WorkspaceID,
				DefaultProfileID: req.DefaultProfileID,
			},
			exec: ExecutionRequest{
				Source:          SourceAutomation,
				ID:              req.AutomationID,
				RunID:           req.RunID,
				Trigger:         req.Trigger,
				SessionID:       req.SessionID,
				WorkspaceID:     req.WorkspaceID,
				Plan:            &plan,
				CapabilityScope: req.CapabilityScope,
			},
			execute: g.executor.ExecutePlan,
		})
	})
}

// HeartbeatGateway decides and executes heartbeat ticks.
type HeartbeatGateway struct {
	engine
	executor HeartbeatExecutor
}

// NewHeartbeatGateway creates the heartbeat gateway.
func NewHeartbeatGateway(p *contract.Pipeline, executor HeartbeatExecutor, opts ...Option) (*HeartbeatGateway, error) {
	if executor == nil {
		return nil, fmt.Errorf("new heartbeat gateway: executor is required")
	}
	e, err := newEngine(p, TickContract(), opts)
	if err != nil {
		return nil, fmt.Errorf("new heartbeat gateway: %w", err)
	}
	return &HeartbeatGateway{engine: e, executor: executor}, nil
}

// Tick evaluates and, when every check passes, executes one heartbeat.
func (h *HeartbeatGateway) Tick(ctx context.Context, req TickRequest) (Outcome, error) {
	call := contract.Call{
		Type:     contract.ExecutionTypeFrom(ctx, contract.ExecutionHeartbeat),
		ActionID: ActionTick,
		Version:  ActionVersion,
	}
	return contract.Run(ctx, h.pipeline, call, req, func(ctx context.Context, req TickRequest) (Outcome, error) {
		return h.decide(ctx, ActionTick, decision{
			outcome: Outcome{
				Source:    SourceHeartbeat,
				ID:        req.AgentID,
				RunID:     req.RunID,
				Trigger:   req.Trigger,
				SessionID: req.SessionID,
			},
			policy:  req.Policy,
			timeout: time.Duration(req.TimeoutMs) * time.Millisecond,
			profile: profile.Request{
				ProfileID:        req.ProfileID,
				SessionID:        req.SessionID,
				WorkspaceID:      req.WorkspaceID,
				DefaultProfileID: req.DefaultProfileID,
			},
			exec: ExecutionRequest{
				Source:          SourceHeartbeat,
				ID:              req.AgentID,
				RunID:           req.RunID,
				Trigger:         req.Trigger,
				SessionID:       req.SessionID,
				WorkspaceID:     req.WorkspaceID,
				Checklist:       req.Checklist,
				CapabilityScope: req.CapabilityScope,
			},
			execute: h.executor.Tick,
		})
	})
}

type decision struct {
	outcome  Outcome
	policy   Policy
	planCost *float64
	timeout  time.Duration
	profile  profile.Request
	exec     ExecutionRequest
	execute  func(context.Context, ExecutionRequest) (ExecutionResult, error)
}

func (e *engine) decide(ctx context.Context, op string, d decision) (Outcome, error) {
	o := d.outcome
	o.StartedAtMs = e.now().UnixMilli()
	o.Lane, o.Escalated = selectLane(d.policy)

	profileID, scope, err := e.resolveProfile(ctx, op, d.profile)
	if err != nil {
		return Outcome{}, err
	}
	switch {
	case profileID == "":
		o.Status, o.BlockReason = StatusBlocked, ReasonProfileNotResolved
	default:
		o.ProfileID, o.ResolvedScope = profileID, scope
		if status, reason := gate(d.policy, d.planCost); status != "" {
			o.Status = status
			if status == StatusSkipped {
				o.SkipReason = reason
			} else {
				o.BlockReason = reason
			}
			break
		}
		req := d.exec
		req.ProfileID, req.Lane = profileID, o.Lane
		res, execErr := e.execute(ctx, d.execute, req, d.timeout)
		if err := applyResult(op, &o, res, execErr); err != nil {
			return Outcome{}, err
		}
	}
	return e.finish(ctx, op, o)
}

func (e *engine) resolveProfile(ctx context.Context, op string, req profile.Request) (string, profile.Scope, error) {
	if req.ProfileID != "" {
		return req.ProfileID, profile.ScopeExplicit, nil
	}
	if e.resolver == nil {
		if req.DefaultProfileID != "" {
			return req.DefaultProfileID, profile.ScopeDefault, nil
		}
		return "", "", nil
	}
	res, err := e.resolver.Resolve(ctx, req)
	if err != nil {
		return "", "", contract.AsRuntime(op, fmt.Errorf("resolve profile: %w", err))
	}
	if res.Status != profile.StatusResolved || res.ProfileID == "" {
		return "", "", nil
	}
	return res.ProfileID, res.ResolvedScope, nil
}

func (e *engine) execute(ctx context.Context, fn func(context.Context, ExecutionRequest) (ExecutionResult, error), req ExecutionRequest, timeout time.Duration) (res ExecutionResult, err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return fn(ctx, req)
}

// applyResult normalises the executor's answer into o. An executor error is
// a retryable failure; an unknown status is a broken executor.
func applyResult(op string, o *Outcome, res ExecutionResult, err error) error {
	if err != nil {
		code := FailureExecutorError
		if errors.Is(err, context.DeadlineExceeded) {
			code = FailureExecutorTimeout
		}
		o.Status = StatusFailed
		o.Failure = &Failure{Code: code, Message: err.Error()}
		o.RetryEligible, o.DeadLetterEligible = true, false
		return nil
	}
	switch res.Status {
	case StatusExecuted:
		o.Status = StatusExecuted
		o.Output = res.Output
	case StatusFailed:
		o.Status = StatusFailed
		o.Failure = res.Failure
		if o.Failure == nil || o.Failure.Code == "" {
			o.Failure = &Failure{Code: FailureExecutorFailed}
		}
		o.Output = res.Output
		o.RetryEligible, o.DeadLetterEligible = res.RetryEligible, res.DeadLetterEligible
	default:
		return contract.Runtimef(op, "executor returned unsupported status %q", res.Status)
	}
	return nil
}

func (e *engine) finish(ctx context.Context, op string, o Outcome) (Outcome, error) {
	o.FinishedAtMs = e.now().UnixMilli()
	if e.linker != nil {
		var err error
		if o.Source == SourceHeartbeat {
			err = e.linker.RecordHeartbeatRun(ctx, o)
		} else {
			err = e.linker.RecordAutomationRun(ctx, o)
		}
		if err != nil {
			return Outcome{}, contract.AsRuntime(op, fmt.Errorf("link run %s: %w", o.RunID, err))
		}
	}

	e.logger.Info("run decided",
		slog.String("source", string(o.Source)),
		slog.String("id", o.ID),
		slog.String("run_id", o.RunID),
		slog.String("status", string(o.Status)),
		slog.String("lane", string(o.Lane)),
	)
	comms.Notify(ctx, e.bus, &comms.Message{
		Type:    comms.TypeRunOutcome,
		Topic:   comms.TopicRuns,
		Source:  string(o.Source),
		Subject: o.RunID,
		Payload: o,
	}, func(err error) {
		e.logger.Warn("run outcome notification failed", slog.String("run_id", o.RunID), slog.Any("err", err))
	})
	return o, nil
}
