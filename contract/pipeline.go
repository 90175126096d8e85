package contract

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ExecutionType is the caller-declared category of a pipeline call.
type ExecutionType string

const (
	ExecutionTool       ExecutionType = "tool"
	ExecutionHandoff    ExecutionType = "handoff"
	ExecutionAutomation ExecutionType = "automation"
	ExecutionHeartbeat  ExecutionType = "heartbeat"
)

// Call identifies one pipeline invocation.
type Call struct {
	Type     ExecutionType
	TraceID  string
	ActionID string
	Version  int
}

// Execution is the immutable view of a call handed to hooks. Before hooks
// see Input only; After hooks also see Output or Err.
type Execution struct {
	Call
	Input      any
	Output     any
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Hook observes pipeline calls. Before may return a derived context (for
// example one carrying a tracing span) which is passed to the handler and to
// After. Hooks receive copies and cannot replace the input.
type Hook interface {
	Before(ctx context.Context, exec Execution) context.Context
	After(ctx context.Context, exec Execution)
}

// Pipeline wraps business handlers with validation, hooks and auditing. It is
// built once; the hook chain cannot change afterwards.
type Pipeline struct {
	registry *Registry
	hooks    []Hook
	sink     AuditSink
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithHooks appends hooks in the order they should run.
func WithHooks(hooks ...Hook) Option {
	return func(p *Pipeline) { p.hooks = append(p.hooks, hooks...) }
}

// WithAuditSink sets the sink that receives one record per call.
func WithAuditSink(sink AuditSink) Option {
	return func(p *Pipeline) { p.sink = sink }
}

// WithLogger sets the logger used for sink failures.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithClock overrides the pipeline clock.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline creates a pipeline over registry.
func NewPipeline(registry *Registry, opts ...Option) (*Pipeline, error) {
	if registry == nil {
		return nil, fmt.Errorf("new pipeline: registry is required")
	}
	p := &Pipeline{
		registry: registry,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	for i, h := range p.hooks {
		if h == nil {
			return nil, fmt.Errorf("new pipeline: hook %d is nil", i)
		}
	}
	p.hooks = append([]Hook(nil), p.hooks...)
	return p, nil
}

// Registry returns the contract registry backing the pipeline.
func (p *Pipeline) Registry() *Registry { return p.registry }

// Run validates input against the contract for call, runs the before hooks,
// the handler and the after hooks in order, and emits exactly one audit
// record. A validation failure returns before any hook or handler runs.
func Run[I, O any](ctx context.Context, p *Pipeline, call Call, input I, handler func(context.Context, I) (O, error)) (O, error) {
	var zero O
	if err := p.registry.ValidateInput(call.ActionID, call.Version, input); err != nil {
		return zero, err
	}

	if call.TraceID == "" {
		call.TraceID = TraceIDFromContext(ctx)
	}
	exec := Execution{Call: call, Input: input, StartedAt: p.now()}
	for _, h := range p.hooks {
		if next := h.Before(ctx, exec); next != nil {
			ctx = next
		}
	}
	if exec.TraceID == "" {
		exec.TraceID = TraceIDFromContext(ctx)
	}
	if exec.TraceID != "" {
		ctx = WithTraceID(ctx, exec.TraceID)
	}
	ctx = context.WithValue(ctx, execTypeKey{}, call.Type)

	out, err := invoke(ctx, call.ActionID, input, handler)

	exec.FinishedAt = p.now()
	if err != nil {
		exec.Err = err
	} else {
		exec.Output = out
	}
	for _, h := range p.hooks {
		h.After(ctx, exec)
	}
	p.audit(ctx, exec)

	if err != nil {
		return zero, err
	}
	return out, nil
}

func invoke[I, O any](ctx context.Context, op string, input I, handler func(context.Context, I) (O, error)) (out O, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = Runtimef(op, "handler panic: %v", r)
		}
	}()
	return handler(ctx, input)
}

func (p *Pipeline) audit(ctx context.Context, exec Execution) {
	if p.sink == nil {
		return
	}
	rec := newAuditRecord(exec)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("audit sink panic", slog.String("action", exec.ActionID), slog.Any("panic", r))
		}
	}()
	if err := p.sink.Audit(ctx, rec); err != nil {
		p.logger.Warn("audit sink failed", slog.String("action", exec.ActionID), slog.Any("err", err))
	}
}

type traceKey struct{}

// WithTraceID returns a context carrying traceID for nested pipeline calls.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceIDFromContext returns the trace id stored by WithTraceID, if any.
func TraceIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(traceKey{}).(string); ok {
		return id
	}
	return ""
}

type execTypeKey struct{}

// ExecutionTypeFrom returns the execution type of the enclosing pipeline call,
// or fallback when ctx is not inside one.
func ExecutionTypeFrom(ctx context.Context, fallback ExecutionType) ExecutionType {
	if t, ok := ctx.Value(execTypeKey{}).(ExecutionType); ok && t != "" {
		return t
	}
	return fallback
}
